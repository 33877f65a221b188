// buf is the in-memory descriptor of one cached block.
//
// A Buf carries three separate kinds of synchronization:
//
//   - mu protects the state bits (uptodate, dirty, locked) and the reference
//     count, and is only held for short, non-blocking critical sections.
//   - the I/O lock (locked) is set while a disk request against Data is
//     queued or in flight; WaitIO sleeps until the completion clears it.
//   - the guard serializes the callers that initiate I/O against the
//     block. It is a slot in the owning device's lockmap, keyed by the
//     block's flat address, and a caller may sleep while holding it.
package buf

import (
	"fmt"
	"sync"

	"github.com/mit-pdos/go-journal/addr"
	"github.com/mit-pdos/go-journal/lockmap"

	"github.com/mit-pdos/go-bio/common"
)

type Buf struct {
	Dev   common.Devno
	Blkno common.Bnum
	Sz    uint64
	Data  []byte

	mu       *sync.Mutex
	cond     *sync.Cond // signalled when locked clears
	uptodate bool
	dirty    bool
	locked   bool
	ref      uint32
	lastUse  uint64

	guards *lockmap.LockMap
}

func MkBuf(dev common.Devno, blkno common.Bnum, sz uint64, guards *lockmap.LockMap) *Buf {
	mu := new(sync.Mutex)
	b := &Buf{
		Dev:    dev,
		Blkno:  blkno,
		Sz:     sz,
		Data:   make([]byte, sz),
		mu:     mu,
		cond:   sync.NewCond(mu),
		guards: guards,
	}
	return b
}

func (b *Buf) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("%d:%d/%d u=%v d=%v l=%v ref=%d", b.Dev, b.Blkno, b.Sz,
		b.uptodate, b.dirty, b.locked, b.ref)
}

// Match reports whether b is the descriptor for (dev, blkno, sz).
func (b *Buf) Match(dev common.Devno, blkno common.Bnum, sz uint64) bool {
	return b.Dev == dev && b.Blkno == blkno && b.Sz == sz
}

func (b *Buf) flatid() uint64 {
	a := addr.MkAddr(b.Blkno, 0)
	return a.Flatid()
}

// Lock acquires the guard. Descriptors of different sizes that start at the
// same block number share a guard.
func (b *Buf) Lock() {
	b.guards.Acquire(b.flatid())
}

func (b *Buf) Unlock() {
	b.guards.Release(b.flatid())
}

func (b *Buf) Refup() {
	b.mu.Lock()
	b.ref += 1
	b.mu.Unlock()
}

func (b *Buf) Relse() {
	b.mu.Lock()
	if b.ref == 0 {
		b.mu.Unlock()
		panic("Relse: " + b.Key())
	}
	b.ref -= 1
	b.mu.Unlock()
}

func (b *Buf) Refcnt() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ref
}

func (b *Buf) Key() string {
	return fmt.Sprintf("%d:%d/%d", b.Dev, b.Blkno, b.Sz)
}

func (b *Buf) IsUptodate() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.uptodate
}

func (b *Buf) IsDirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dirty
}

func (b *Buf) IsLocked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.locked
}

// Idle reports whether the descriptor may be dropped from its cache: clean,
// no I/O pending and nobody holding a reference.
func (b *Buf) Idle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.dirty && !b.locked && b.ref == 0
}

// Touch records a use at logical time now and takes a reference.
func (b *Buf) Touch(now uint64) {
	b.mu.Lock()
	b.lastUse = now
	b.ref += 1
	b.mu.Unlock()
}

func (b *Buf) LastUse() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUse
}

// Snapshot returns a copy of the block's data if the cached copy is valid.
func (b *Buf) Snapshot() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.uptodate {
		return nil, false
	}
	data := make([]byte, b.Sz)
	copy(data, b.Data)
	return data, true
}

// Fill overwrites the cached data with data and marks the block dirty. The
// caller holds the guard and no I/O is in flight.
func (b *Buf) Fill(data []byte) {
	b.mu.Lock()
	if b.locked {
		b.mu.Unlock()
		panic("Fill: I/O in flight on " + b.Key())
	}
	copy(b.Data, data)
	b.uptodate = true
	b.dirty = true
	b.mu.Unlock()
}

// StartIO sets the I/O lock before a request against Data is queued.
func (b *Buf) StartIO() {
	b.mu.Lock()
	if b.locked {
		b.mu.Unlock()
		panic("StartIO: already locked " + b.Key())
	}
	b.locked = true
	b.mu.Unlock()
}

// EndIO records the outcome of op and clears the I/O lock. Only a read
// sets uptodate to ok. A successful write cleans the block. A failed write
// leaves it dirty and leaves uptodate set, since the cached data is still
// the newest copy and a retry must write the same bytes.
func (b *Buf) EndIO(op common.Op, ok bool) {
	b.mu.Lock()
	switch op {
	case common.OpRead:
		b.uptodate = ok
	case common.OpWrite:
		if ok {
			b.dirty = false
		}
	}
	b.locked = false
	b.cond.Broadcast()
	b.mu.Unlock()
}

// WaitIO sleeps until no I/O is in flight against b.
func (b *Buf) WaitIO() {
	b.mu.Lock()
	for b.locked {
		b.cond.Wait()
	}
	b.mu.Unlock()
}
