package bcache

import (
	"sort"
	"sync"

	"github.com/mit-pdos/go-journal/lockmap"
	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-bio/buf"
	"github.com/mit-pdos/go-bio/common"
)

//
// Write-back block cache for one device.
//
// The cache is a list of descriptors searched linearly by (device, block,
// size).  A lookup takes a reference on the descriptor; callers drop it with
// Relse.  With max == 0 the list only grows.  Otherwise, once the list holds
// max descriptors, a lookup miss first tries to drop the least recently used
// descriptor that is clean, unlocked and unreferenced; if there is none the
// list grows past max.
//

type Bcache struct {
	mu     *sync.Mutex // protects bufs and clock
	dev    common.Devno
	bufs   []*buf.Buf
	guards *lockmap.LockMap
	max    uint64
	clock  uint64
	nevict uint64
}

func MkBcache(dev common.Devno, max uint64) *Bcache {
	return &Bcache{
		mu:     new(sync.Mutex),
		dev:    dev,
		bufs:   make([]*buf.Buf, 0),
		guards: lockmap.MkLockMap(),
		max:    max,
	}
}

// GetOrCreate returns the descriptor for (dev, blkno, sz) with its reference
// count bumped up by 1. A new descriptor starts invalid, clean and unlocked.
func (bc *Bcache) GetOrCreate(dev common.Devno, blkno common.Bnum, sz uint64) *buf.Buf {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.clock += 1
	for _, b := range bc.bufs {
		if b.Match(dev, blkno, sz) {
			b.Touch(bc.clock)
			return b
		}
	}
	if bc.max > 0 && uint64(len(bc.bufs)) >= bc.max {
		bc.evict()
	}
	b := buf.MkBuf(dev, blkno, sz, bc.guards)
	b.Touch(bc.clock)
	bc.bufs = append(bc.bufs, b)
	util.DPrintf(10, "bcache %d: new %v (%d bufs)\n", bc.dev, b.Key(), len(bc.bufs))
	return b
}

// Lookup returns the descriptor for (dev, blkno, sz) with a reference, or
// nil if it is not cached. It never creates one.
func (bc *Bcache) Lookup(dev common.Devno, blkno common.Bnum, sz uint64) *buf.Buf {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	for _, b := range bc.bufs {
		if b.Match(dev, blkno, sz) {
			bc.clock += 1
			b.Touch(bc.clock)
			return b
		}
	}
	return nil
}

// DropSize removes the idle descriptors whose size is not sz and returns how
// many it removed. Busy descriptors stay.
func (bc *Bcache) DropSize(sz uint64) uint64 {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	keep := bc.bufs[:0]
	var n uint64
	for _, b := range bc.bufs {
		if b.Sz != sz && b.Idle() {
			n += 1
			continue
		}
		keep = append(keep, b)
	}
	for i := len(keep); i < len(bc.bufs); i++ {
		bc.bufs[i] = nil
	}
	bc.bufs = keep
	util.DPrintf(5, "bcache %d: dropped %d bufs not of size %d\n", bc.dev, n, sz)
	return n
}

// Relse drops a reference taken by GetOrCreate, Lookup or Dirty.
func (bc *Bcache) Relse(b *buf.Buf) {
	b.Relse()
}

// evict drops the least recently used idle descriptor. Assumes caller holds
// bc.mu.
func (bc *Bcache) evict() bool {
	victim := -1
	var oldest uint64
	for i, b := range bc.bufs {
		if !b.Idle() {
			continue
		}
		if victim < 0 || b.LastUse() < oldest {
			victim = i
			oldest = b.LastUse()
		}
	}
	if victim < 0 {
		util.DPrintf(5, "bcache %d: no victim among %d bufs\n", bc.dev, len(bc.bufs))
		return false
	}
	util.DPrintf(10, "bcache %d: evict %v\n", bc.dev, bc.bufs[victim].Key())
	bc.bufs = append(bc.bufs[:victim], bc.bufs[victim+1:]...)
	bc.nevict += 1
	return true
}

// Dirty returns the dirty descriptors ordered by block number, each with a
// reference the caller must drop.
func (bc *Bcache) Dirty() []*buf.Buf {
	bc.mu.Lock()
	dirty := make([]*buf.Buf, 0)
	for _, b := range bc.bufs {
		if b.IsDirty() {
			b.Refup()
			dirty = append(dirty, b)
		}
	}
	bc.mu.Unlock()
	sort.Slice(dirty, func(i, j int) bool {
		if dirty[i].Blkno != dirty[j].Blkno {
			return dirty[i].Blkno < dirty[j].Blkno
		}
		return dirty[i].Sz < dirty[j].Sz
	})
	return dirty
}

func (bc *Bcache) Len() uint64 {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return uint64(len(bc.bufs))
}

func (bc *Bcache) Nevict() uint64 {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.nevict
}

// Ndirty counts dirty descriptors.
func (bc *Bcache) Ndirty() uint64 {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	n := uint64(0)
	for _, b := range bc.bufs {
		if b.IsDirty() {
			n += 1
		}
	}
	return n
}

// Drop empties the cache at device teardown.
func (bc *Bcache) Drop() {
	bc.mu.Lock()
	util.DPrintf(1, "bcache %d: drop %d bufs\n", bc.dev, len(bc.bufs))
	bc.bufs = nil
	bc.mu.Unlock()
}
