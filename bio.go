// Package bio is the block I/O layer: a write-back cache of device blocks in
// front of per-device elevator request queues.
//
// Consumers call Read, Write and the Sync functions; drivers implement
// queue.Driver and are registered with Attach.
package bio

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-bio/bcache"
	"github.com/mit-pdos/go-bio/common"
	"github.com/mit-pdos/go-bio/queue"
	"github.com/mit-pdos/go-bio/util/stats"
)

type device struct {
	dev   common.Devno
	q     *queue.Queue
	bc    *bcache.Bcache
	mu    *sync.Mutex // protects bsize
	bsize uint64
}

func (d *device) blockSize() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bsize
}

// nblocks is the number of whole blocks of size bsize on the device.
func (d *device) nblocks(bsize uint64) uint64 {
	g := d.q.Geometry()
	return g.Sectors / (bsize / g.SectorSize)
}

type Bio struct {
	mu   *sync.RWMutex
	cfg  Config
	pool *queue.Pool
	devs map[common.Devno]*device
}

func MkBio(cfg Config) *Bio {
	cfg = cfg.fill()
	return &Bio{
		mu:   new(sync.RWMutex),
		cfg:  cfg,
		pool: queue.MkPool(cfg.MaxRequests),
		devs: make(map[common.Devno]*device),
	}
}

func (bio *Bio) Config() Config {
	return bio.cfg
}

// Attach registers drv as device dev, with an empty cache and an idle queue.
func (bio *Bio) Attach(dev common.Devno, drv queue.Driver) error {
	g := drv.Geometry()
	if !common.ValidBlockSize(bio.cfg.BlockSize, g.SectorSize) {
		return fmt.Errorf("attach %d: block size %d, sector size %d: %w",
			dev, bio.cfg.BlockSize, g.SectorSize, common.ErrBlockSize)
	}
	bio.mu.Lock()
	defer bio.mu.Unlock()
	if _, ok := bio.devs[dev]; ok {
		return fmt.Errorf("attach %d: %w", dev, common.ErrDeviceExists)
	}
	bio.devs[dev] = &device{
		dev:   dev,
		q:     queue.MkQueue(dev, drv, bio.pool, bio.cfg.QueueDepth),
		bc:    bcache.MkBcache(dev, bio.cfg.MaxBufs),
		mu:    new(sync.Mutex),
		bsize: bio.cfg.BlockSize,
	}
	util.DPrintf(1, "attach %d: %d sectors of %d bytes\n", dev, g.Sectors, g.SectorSize)
	return nil
}

// Detach flushes dev, then refuses further I/O on it and drops its cache.
// Requests already queued still complete. The flush error, if any, is
// returned, but the device is detached regardless.
func (bio *Bio) Detach(dev common.Devno) error {
	bio.mu.Lock()
	d, ok := bio.devs[dev]
	if ok {
		delete(bio.devs, dev)
	}
	bio.mu.Unlock()
	if !ok {
		return fmt.Errorf("detach %d: %w", dev, common.ErrNoDevice)
	}
	n, err := bio.syncDev(d)
	d.q.Close()
	d.bc.Drop()
	util.DPrintf(1, "detach %d: flushed %d\n", dev, n)
	return err
}

func (bio *Bio) lookup(dev common.Devno) (*device, error) {
	bio.mu.RLock()
	defer bio.mu.RUnlock()
	d, ok := bio.devs[dev]
	if !ok {
		return nil, fmt.Errorf("device %d: %w", dev, common.ErrNoDevice)
	}
	return d, nil
}

// devices returns the attached devices in device number order.
func (bio *Bio) devices() []*device {
	bio.mu.RLock()
	devs := make([]*device, 0, len(bio.devs))
	for _, d := range bio.devs {
		devs = append(devs, d)
	}
	bio.mu.RUnlock()
	sort.Slice(devs, func(i, j int) bool { return devs[i].dev < devs[j].dev })
	return devs
}

func (bio *Bio) Devices() []common.Devno {
	devs := bio.devices()
	ids := make([]common.Devno, len(devs))
	for i, d := range devs {
		ids[i] = d.dev
	}
	return ids
}

func (bio *Bio) Queue(dev common.Devno) (*queue.Queue, error) {
	d, err := bio.lookup(dev)
	if err != nil {
		return nil, err
	}
	return d.q, nil
}

func (bio *Bio) Cache(dev common.Devno) (*bcache.Bcache, error) {
	d, err := bio.lookup(dev)
	if err != nil {
		return nil, err
	}
	return d.bc, nil
}

func (bio *Bio) BlockSize(dev common.Devno) (uint64, error) {
	d, err := bio.lookup(dev)
	if err != nil {
		return 0, err
	}
	return d.blockSize(), nil
}

// SetBlockSize changes the block size used by Read and Write on dev. The
// device is flushed first so no dirty data is left under the old size.
func (bio *Bio) SetBlockSize(dev common.Devno, sz uint64) error {
	d, err := bio.lookup(dev)
	if err != nil {
		return err
	}
	if !common.ValidBlockSize(sz, d.q.Geometry().SectorSize) {
		return fmt.Errorf("device %d: block size %d: %w", dev, sz, common.ErrBlockSize)
	}
	if _, err := bio.syncDev(d); err != nil {
		return err
	}
	d.mu.Lock()
	d.bsize = sz
	d.mu.Unlock()
	// clean copies under other sizes would go stale once blocks of the new
	// size are written
	n := d.bc.DropSize(sz)
	util.DPrintf(1, "device %d: block size %d, dropped %d bufs\n", dev, sz, n)
	return nil
}

func (bio *Bio) WriteStats(w io.Writer) {
	for _, d := range bio.devices() {
		fmt.Fprintf(w, "device %d\n", d.dev)
		stats.WriteCounters([]string{"bufs", "dirty", "evicted"},
			[]uint64{d.bc.Len(), d.bc.Ndirty(), d.bc.Nevict()}, w)
		d.q.WriteStats(w)
	}
	stats.WriteCounters([]string{"requests allocated"}, []uint64{bio.pool.Allocated()}, w)
}

func (bio *Bio) ResetStats() {
	for _, d := range bio.devices() {
		d.q.ResetStats()
	}
}
