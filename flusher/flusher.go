// Package flusher runs the periodic write-back of dirty blocks.
package flusher

import (
	"sync"
	"time"

	"github.com/mit-pdos/go-journal/util"
)

type Syncer interface {
	SyncAll() uint64
}

type FlusherSt struct {
	mu       *sync.Mutex
	condShut *sync.Cond
	nthread  uint32
	syncer   Syncer
	interval time.Duration
	stop     chan struct{}
	nflush   uint64
	nround   uint64
}

func MkFlusherSt(s Syncer, interval time.Duration) *FlusherSt {
	mu := new(sync.Mutex)
	return &FlusherSt{
		mu:       mu,
		condShut: sync.NewCond(mu),
		syncer:   s,
		interval: interval,
	}
}

// Start launches the flusher thread. Starting a running flusher is a no-op.
func (fl *FlusherSt) Start() {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.nthread > 0 {
		return
	}
	util.DPrintf(1, "start flusher every %v\n", fl.interval)
	fl.nthread = fl.nthread + 1
	fl.stop = make(chan struct{})
	go func(stop chan struct{}) { fl.flusher(stop) }(fl.stop)
}

func (fl *FlusherSt) round() {
	n := fl.syncer.SyncAll()
	fl.mu.Lock()
	fl.nflush += n
	fl.nround += 1
	fl.mu.Unlock()
	if n > 0 {
		util.DPrintf(1, "flusher: wrote %d\n", n)
	}
}

func (fl *FlusherSt) flusher(stop chan struct{}) {
	ticker := time.NewTicker(fl.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fl.round()
		case <-stop:
			fl.mu.Lock()
			fl.nthread = fl.nthread - 1
			fl.condShut.Signal()
			fl.mu.Unlock()
			return
		}
	}
}

// Shutdown stops the flusher thread, waits for it to exit and does a last
// round so nothing written before Shutdown stays dirty.
func (fl *FlusherSt) Shutdown() {
	fl.mu.Lock()
	if fl.stop != nil {
		close(fl.stop)
		fl.stop = nil
	}
	for fl.nthread > 0 {
		util.DPrintf(1, "Shutdown: flusher wait %d\n", fl.nthread)
		fl.condShut.Wait()
	}
	fl.mu.Unlock()
	fl.round()
}

// Flushed is the number of blocks written back by the flusher.
func (fl *FlusherSt) Flushed() uint64 {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.nflush
}

func (fl *FlusherSt) Rounds() uint64 {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.nround
}
