package queue

import (
	"fmt"
	"time"

	"github.com/mit-pdos/go-bio/buf"
	"github.com/mit-pdos/go-bio/common"
)

// A Waiter is woken exactly once, when the request it was submitted with
// completes.
type Waiter struct {
	done   chan struct{}
	errors uint64
}

func MkWaiter() *Waiter {
	return &Waiter{done: make(chan struct{})}
}

func (w *Waiter) wake(errors uint64) {
	w.errors = errors
	close(w.done)
}

// Wait sleeps until the request completes and returns its error count.
func (w *Waiter) Wait() uint64 {
	<-w.done
	return w.errors
}

// A Request is one pending or in-flight transfer. It is owned by its queue
// from Submit until Complete, after which it goes back to the pool and must
// not be touched.
type Request struct {
	q      *Queue
	Dev    common.Devno
	Op     common.Op
	Blkno  common.Bnum
	Nsect  uint64 // sectors per block
	Data   []byte
	Buf    *buf.Buf // nil for requests not backed by the cache
	Errors uint64

	waiter *Waiter
	start  time.Time
	pooled bool
}

// Sector is the first device sector the request covers.
func (r *Request) Sector() uint64 {
	return r.Blkno * r.Nsect
}

func (r *Request) Queue() *Queue {
	return r.q
}

func (r *Request) String() string {
	return fmt.Sprintf("%v dev %d blk %d nsect %d", r.Op, r.Dev, r.Blkno, r.Nsect)
}
