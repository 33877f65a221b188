package bio

import (
	"errors"
	"fmt"

	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-bio/buf"
	"github.com/mit-pdos/go-bio/common"
)

// syncLocked writes b back if it is dirty and waits for the write. Assumes
// caller holds b's guard.
func (d *device) syncLocked(b *buf.Buf) error {
	b.WaitIO()
	if !b.IsDirty() {
		return nil
	}
	err := d.q.Submit(common.OpWrite, b.Blkno, b.Data, b, nil)
	if err != nil {
		return err
	}
	b.WaitIO()
	if b.IsDirty() {
		return fmt.Errorf("sync %s: %w", b.Key(), common.ErrIO)
	}
	return nil
}

// SyncBlock writes block blkno of dev back if it is cached and dirty.
func (bio *Bio) SyncBlock(dev common.Devno, blkno common.Bnum) error {
	d, err := bio.lookup(dev)
	if err != nil {
		return err
	}
	b := d.bc.Lookup(dev, blkno, d.blockSize())
	if b == nil {
		return nil
	}
	defer d.bc.Relse(b)
	if !b.IsDirty() {
		return nil
	}
	b.Lock()
	defer b.Unlock()
	return d.syncLocked(b)
}

// SyncDev writes back every dirty block of dev and returns how many were
// written successfully.
func (bio *Bio) SyncDev(dev common.Devno) (uint64, error) {
	d, err := bio.lookup(dev)
	if err != nil {
		return 0, err
	}
	return bio.syncDev(d)
}

// syncDev takes the guards of all dirty blocks in block order, queues all
// the writes so the elevator sees them together, then waits for them. When
// the request pool runs dry it waits for the writes already queued and
// retries.
func (bio *Bio) syncDev(d *device) (uint64, error) {
	dirty := d.bc.Dirty()
	if len(dirty) == 0 {
		return 0, nil
	}
	for i, b := range dirty {
		// descriptors of different sizes at one block share a guard
		if i == 0 || dirty[i-1].Blkno != b.Blkno {
			b.Lock()
		}
	}
	defer func() {
		for i, b := range dirty {
			if i == 0 || dirty[i-1].Blkno != b.Blkno {
				b.Unlock()
			}
			d.bc.Relse(b)
		}
	}()

	var n uint64
	var nfail uint64
	var firstErr error
	inflight := make([]*buf.Buf, 0, len(dirty))
	wait := func() {
		for _, b := range inflight {
			b.WaitIO()
			if b.IsDirty() {
				nfail += 1
			} else {
				n += 1
			}
		}
		inflight = inflight[:0]
	}
	for _, b := range dirty {
		b.WaitIO()
		if !b.IsDirty() {
			continue
		}
		err := d.q.Submit(common.OpWrite, b.Blkno, b.Data, b, nil)
		if errors.Is(err, common.ErrNoRequests) && len(inflight) > 0 {
			wait()
			err = d.q.Submit(common.OpWrite, b.Blkno, b.Data, b, nil)
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		inflight = append(inflight, b)
	}
	wait()

	util.DPrintf(1, "sync %d: %d written, %d failed\n", d.dev, n, nfail)
	if firstErr == nil && nfail > 0 {
		firstErr = fmt.Errorf("sync %d: %d blocks: %w", d.dev, nfail, common.ErrIO)
	}
	return n, firstErr
}

// SyncAll writes back the dirty blocks of every device and returns how many
// were written successfully. Failures are logged and left dirty for the next
// call.
func (bio *Bio) SyncAll() uint64 {
	var n uint64
	for _, d := range bio.devices() {
		m, err := bio.syncDev(d)
		if err != nil {
			util.DPrintf(1, "SyncAll: device %d: %v\n", d.dev, err)
		}
		n += m
	}
	return n
}
