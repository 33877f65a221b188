package bio

import (
	"fmt"

	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-bio/common"
	"github.com/mit-pdos/go-bio/queue"
)

// Read returns a copy of block blkno of dev. A valid cached copy is returned
// without I/O; otherwise the block is read under its guard. If the device
// reports an error the descriptor stays invalid and Read fails with ErrIO.
func (bio *Bio) Read(dev common.Devno, blkno common.Bnum) ([]byte, error) {
	d, err := bio.lookup(dev)
	if err != nil {
		return nil, err
	}
	bsize := d.blockSize()
	if blkno >= d.nblocks(bsize) {
		return nil, fmt.Errorf("read %d:%d: %w", dev, blkno, common.ErrOutOfRange)
	}
	b := d.bc.GetOrCreate(dev, blkno, bsize)
	defer d.bc.Relse(b)
	if data, ok := b.Snapshot(); ok {
		return data, nil
	}

	b.Lock()
	defer b.Unlock()
	b.WaitIO()
	// another reader may have filled it while we waited for the guard
	if data, ok := b.Snapshot(); ok {
		return data, nil
	}
	err = d.q.Submit(common.OpRead, blkno, b.Data, b, nil)
	if err != nil {
		return nil, err
	}
	b.WaitIO()
	if data, ok := b.Snapshot(); ok {
		return data, nil
	}
	util.DPrintf(1, "read %d:%d failed\n", dev, blkno)
	return nil, fmt.Errorf("read %d:%d: %w", dev, blkno, common.ErrIO)
}

// Write copies data into the cached block and marks it dirty; later Reads
// see it at once. With sync the block is also written to the device before
// Write returns, and a device error is reported as ErrIO with the block
// left dirty.
func (bio *Bio) Write(dev common.Devno, blkno common.Bnum, data []byte, sync bool) error {
	d, err := bio.lookup(dev)
	if err != nil {
		return err
	}
	bsize := d.blockSize()
	if uint64(len(data)) != bsize {
		return fmt.Errorf("write %d:%d: %d bytes for block size %d: %w",
			dev, blkno, len(data), bsize, common.ErrBadLength)
	}
	if blkno >= d.nblocks(bsize) {
		return fmt.Errorf("write %d:%d: %w", dev, blkno, common.ErrOutOfRange)
	}
	b := d.bc.GetOrCreate(dev, blkno, bsize)
	defer d.bc.Relse(b)

	b.Lock()
	defer b.Unlock()
	b.WaitIO()
	b.Fill(data)
	util.DPrintf(5, "write %v sync %v\n", b, sync)
	if sync {
		return d.syncLocked(b)
	}
	return nil
}

func (bio *Bio) raw(op common.Op, dev common.Devno, blkno common.Bnum, data []byte) error {
	d, err := bio.lookup(dev)
	if err != nil {
		return err
	}
	w := queue.MkWaiter()
	err = d.q.Submit(op, blkno, data, nil, w)
	if err != nil {
		return err
	}
	if w.Wait() != 0 {
		return fmt.Errorf("%v %d:%d: %w", op, dev, blkno, common.ErrIO)
	}
	return nil
}

// ReadRaw reads block blkno, in units of len(data), straight from the device
// into data, bypassing the cache.
func (bio *Bio) ReadRaw(dev common.Devno, blkno common.Bnum, data []byte) error {
	return bio.raw(common.OpRead, dev, blkno, data)
}

// WriteRaw writes data to block blkno, in units of len(data), bypassing the
// cache. Cached copies of the same block are not updated.
func (bio *Bio) WriteRaw(dev common.Devno, blkno common.Bnum, data []byte) error {
	return bio.raw(common.OpWrite, dev, blkno, data)
}
