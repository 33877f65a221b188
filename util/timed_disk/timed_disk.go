// package timed_disk wraps a goose disk with latency accounting and an
// optional seek model: each access first moves a simulated head from the last
// block touched, costing seek per block of distance.
package timed_disk

import (
	"io"
	"sync"
	"time"

	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-bio/util/stats"
)

type Disk struct {
	d    disk.Disk
	seek time.Duration
	ops  [3]stats.Op

	mu       *sync.Mutex
	head     uint64
	distance uint64
}

func New(d disk.Disk, seek time.Duration) *Disk {
	return &Disk{d: d, seek: seek, mu: new(sync.Mutex)}
}

const (
	readOp int = iota
	writeOp
	barrierOp
)

var ops = []string{"disk.Read", "disk.Write", "disk.Barrier"}

var _ disk.Disk = &Disk{}

func (d *Disk) move(a uint64) {
	d.mu.Lock()
	var dist uint64
	if a > d.head {
		dist = a - d.head
	} else {
		dist = d.head - a
	}
	d.head = a
	d.distance += dist
	d.mu.Unlock()
	if d.seek > 0 && dist > 0 {
		time.Sleep(time.Duration(dist) * d.seek)
	}
}

func (d *Disk) ReadTo(a uint64, b disk.Block) {
	defer d.ops[readOp].Record(time.Now())
	d.move(a)
	d.d.ReadTo(a, b)
}

func (d *Disk) Read(a uint64) disk.Block {
	buf := make(disk.Block, disk.BlockSize)
	d.ReadTo(a, buf)
	return buf
}

func (d *Disk) Write(a uint64, b disk.Block) {
	defer d.ops[writeOp].Record(time.Now())
	d.move(a)
	d.d.Write(a, b)
}

func (d *Disk) Barrier() {
	defer d.ops[barrierOp].Record(time.Now())
	d.d.Barrier()
}

func (d *Disk) Size() uint64 {
	return d.d.Size()
}

func (d *Disk) Close() {
	d.d.Close()
}

// Distance is the total number of blocks the head travelled.
func (d *Disk) Distance() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.distance
}

func (d *Disk) WriteStats(w io.Writer) {
	stats.WriteTable(ops, d.ops[:], w)
	stats.WriteCounters([]string{"seek distance"}, []uint64{d.Distance()}, w)
}

func (d *Disk) ResetStats() {
	for i := range d.ops {
		d.ops[i].Reset()
	}
	d.mu.Lock()
	d.distance = 0
	d.mu.Unlock()
}
