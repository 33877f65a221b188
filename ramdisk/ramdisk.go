// Package ramdisk is a synchronous driver over a goose disk. Each request is
// fetched, transferred and completed inside Run, on the submitter's
// goroutine.
package ramdisk

import (
	"io"
	"sync"
	"time"

	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-bio/common"
	"github.com/mit-pdos/go-bio/queue"
	"github.com/mit-pdos/go-bio/util/timed_disk"
)

const sectorsPerBlock = disk.BlockSize / common.SectorSize

type Ramdisk struct {
	d *timed_disk.Disk

	mu     *sync.Mutex
	faulty map[uint64]uint64 // sector -> failures left, 0 means forever
	nfault uint64
}

// MkRamdisk creates a disk of sz 4096-byte blocks, in memory or backed by the
// file name. seek is the simulated cost of moving the head one block.
func MkRamdisk(sz uint64, name *string, seek time.Duration) (*Ramdisk, error) {
	var d disk.Disk
	if name != nil {
		util.DPrintf(1, "MkRamdisk: open file disk %s\n", *name)
		file, err := disk.NewFileDisk(*name, sz)
		if err != nil {
			return nil, err
		}
		d = file
	} else {
		util.DPrintf(1, "MkRamdisk: create mem disk\n")
		d = disk.NewMemDisk(sz)
	}
	return MkFromDisk(d, seek), nil
}

func MkFromDisk(d disk.Disk, seek time.Duration) *Ramdisk {
	return &Ramdisk{
		d:      timed_disk.New(d, seek),
		mu:     new(sync.Mutex),
		faulty: make(map[uint64]uint64),
	}
}

func (rd *Ramdisk) Geometry() queue.Geometry {
	return queue.Geometry{
		SectorSize: common.SectorSize,
		Sectors:    rd.d.Size() * sectorsPerBlock,
	}
}

func (rd *Ramdisk) Run(q *queue.Queue) {
	for r := q.Fetch(); r != nil; r = q.Fetch() {
		q.Complete(r, rd.transfer(r))
	}
}

// Fail makes the next n requests touching sector fail; n == 0 fails them
// until Repair.
func (rd *Ramdisk) Fail(sector uint64, n uint64) {
	rd.mu.Lock()
	rd.faulty[sector] = n
	rd.mu.Unlock()
}

func (rd *Ramdisk) Repair(sector uint64) {
	rd.mu.Lock()
	delete(rd.faulty, sector)
	rd.mu.Unlock()
}

// Nfault counts the requests failed by injected faults.
func (rd *Ramdisk) Nfault() uint64 {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.nfault
}

func (rd *Ramdisk) injected(start, nsect uint64) bool {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	for s := start; s < start+nsect; s++ {
		n, ok := rd.faulty[s]
		if !ok {
			continue
		}
		if n == 1 {
			delete(rd.faulty, s)
		} else if n > 1 {
			rd.faulty[s] = n - 1
		}
		rd.nfault += 1
		return true
	}
	return false
}

// transfer moves r's data to or from the disk and returns its error count.
// Sectors map onto 4096-byte disk blocks; a write covering part of a block
// reads the block first.
func (rd *Ramdisk) transfer(r *queue.Request) uint64 {
	start := r.Sector()
	if start+r.Nsect > rd.d.Size()*sectorsPerBlock {
		util.DPrintf(1, "ramdisk: %v beyond end of disk\n", r)
		return 1
	}
	if rd.injected(start, r.Nsect) {
		util.DPrintf(1, "ramdisk: injected error on %v\n", r)
		return 1
	}
	off := start * common.SectorSize
	data := r.Data
	blk := make(disk.Block, disk.BlockSize)
	for len(data) > 0 {
		a := off / disk.BlockSize
		boff := off % disk.BlockSize
		n := disk.BlockSize - boff
		if n > uint64(len(data)) {
			n = uint64(len(data))
		}
		switch r.Op {
		case common.OpRead:
			rd.d.ReadTo(a, blk)
			copy(data[:n], blk[boff:])
		case common.OpWrite:
			if n < disk.BlockSize {
				rd.d.ReadTo(a, blk)
			}
			copy(blk[boff:], data[:n])
			rd.d.Write(a, blk)
		}
		data = data[n:]
		off += n
	}
	return 0
}

// Barrier forces written blocks to stable storage.
func (rd *Ramdisk) Barrier() {
	rd.d.Barrier()
}

func (rd *Ramdisk) Distance() uint64 {
	return rd.d.Distance()
}

func (rd *Ramdisk) WriteStats(w io.Writer) {
	rd.d.WriteStats(w)
}

func (rd *Ramdisk) ResetStats() {
	rd.d.ResetStats()
}

func (rd *Ramdisk) Close() {
	rd.d.Close()
}
