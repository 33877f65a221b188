// Package imgdisk is an asynchronous driver over a disk image file. Run only
// wakes a worker goroutine, which drains the queue with pread and pwrite and
// completes requests from its own context.
package imgdisk

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-bio/common"
	"github.com/mit-pdos/go-bio/queue"
)

type Imgdisk struct {
	fd         int
	nsect      uint64
	syncWrites bool

	mu       *sync.Mutex
	condKick *sync.Cond
	condShut *sync.Cond
	q        *queue.Queue
	kicked   bool
	shutdown bool
	nthread  uint32
	nwake    uint64
}

// Open opens or creates the image at path. With nsect == 0 the geometry
// is taken from the file size; otherwise a regular file is sized to nsect
// sectors. With syncWrites each write is followed by fsync.
func Open(path string, nsect uint64, syncWrites bool) (*Imgdisk, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0666)
	if err != nil {
		return nil, err
	}
	var stat unix.Stat_t
	err = unix.Fstat(fd, &stat)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if nsect == 0 {
		nsect = uint64(stat.Size) / common.SectorSize
	} else if (stat.Mode&unix.S_IFREG) != 0 && uint64(stat.Size) != nsect*common.SectorSize {
		err = unix.Ftruncate(fd, int64(nsect*common.SectorSize))
		if err != nil {
			unix.Close(fd)
			return nil, err
		}
	}
	mu := new(sync.Mutex)
	d := &Imgdisk{
		fd:         fd,
		nsect:      nsect,
		syncWrites: syncWrites,
		mu:         mu,
		condKick:   sync.NewCond(mu),
		condShut:   sync.NewCond(mu),
	}
	d.nthread = 1
	go d.worker()
	util.DPrintf(1, "imgdisk: open %s %d sectors\n", path, nsect)
	return d, nil
}

func (d *Imgdisk) Geometry() queue.Geometry {
	return queue.Geometry{SectorSize: common.SectorSize, Sectors: d.nsect}
}

// Run wakes the worker to drain q. A disk serves one queue.
func (d *Imgdisk) Run(q *queue.Queue) {
	d.mu.Lock()
	if d.q != nil && d.q != q {
		d.mu.Unlock()
		panic("imgdisk: attached to two queues")
	}
	d.q = q
	d.kicked = true
	d.condKick.Signal()
	d.mu.Unlock()
}

func (d *Imgdisk) worker() {
	d.mu.Lock()
	for {
		for !d.kicked && !d.shutdown {
			d.condKick.Wait()
		}
		if !d.kicked {
			break
		}
		d.kicked = false
		d.nwake += 1
		q := d.q
		d.mu.Unlock()
		for r := q.Fetch(); r != nil; r = q.Fetch() {
			q.Complete(r, d.transfer(r))
		}
		d.mu.Lock()
	}
	d.nthread -= 1
	d.condShut.Broadcast()
	d.mu.Unlock()
}

func (d *Imgdisk) transfer(r *queue.Request) uint64 {
	off := int64(r.Sector() * common.SectorSize)
	var n int
	var err error
	switch r.Op {
	case common.OpRead:
		n, err = unix.Pread(d.fd, r.Data, off)
	case common.OpWrite:
		n, err = unix.Pwrite(d.fd, r.Data, off)
		if err == nil && d.syncWrites {
			err = unix.Fsync(d.fd)
		}
	}
	if err != nil {
		util.DPrintf(1, "imgdisk: %v: %v\n", r, err)
		return 1
	}
	if n != len(r.Data) {
		util.DPrintf(1, "imgdisk: %v: short transfer %d\n", r, n)
		return 1
	}
	return 0
}

// Nwake counts how often the worker was woken with work.
func (d *Imgdisk) Nwake() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nwake
}

func (d *Imgdisk) Barrier() error {
	return unix.Fsync(d.fd)
}

// Close stops the worker after it drains any work it was woken for and
// closes the image.
func (d *Imgdisk) Close() error {
	d.mu.Lock()
	d.shutdown = true
	d.condKick.Broadcast()
	for d.nthread > 0 {
		util.DPrintf(1, "imgdisk: close wait %d\n", d.nthread)
		d.condShut.Wait()
	}
	d.mu.Unlock()
	return unix.Close(d.fd)
}
