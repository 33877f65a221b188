package queue

import (
	"container/list"
	"io"
	"sync"
	"time"

	"github.com/lpabon/godbc"
	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-bio/buf"
	"github.com/mit-pdos/go-bio/common"
	"github.com/mit-pdos/go-bio/util/stats"
)

// Geometry describes the physical device behind a queue.
type Geometry struct {
	SectorSize uint64
	Sectors    uint64
}

// A Driver executes the requests of one queue.
//
// Run starts a fetch pass: the driver, inside Run or later from another
// goroutine, calls Fetch until it returns nil, and calls Complete exactly once
// per fetched request. Fetch returns nil once Depth requests are in flight.
// The queue calls Run again when work is pending and the last pass has
// ended: on Submit if a slot is free, or on Complete when one frees up.
type Driver interface {
	Run(q *Queue)
	Geometry() Geometry
}

// An Observer sees every request just before it is retired.
type Observer interface {
	Completed(r *Request)
}

// Queue is the per-device request queue.
type Queue struct {
	mu        *sync.Mutex
	dev       common.Devno
	drv       Driver
	geom      Geometry
	pool      *Pool
	depth     uint64
	lists     [2]*list.List
	active    Dir
	pos       common.Bnum // block of the most recently dispatched request
	havePos   bool
	fetching  bool // a fetch pass is running: Run called, Fetch not yet nil
	current   *Request
	ninflight uint64
	closed    bool
	obs       Observer

	nsubmit uint64
	nerror  uint64
	nswitch uint64
	ops     [2]stats.Op
}

func MkQueue(dev common.Devno, drv Driver, pool *Pool, depth uint64) *Queue {
	if depth == 0 {
		depth = 1
	}
	godbc.Require(drv.Geometry().SectorSize > 0, "driver without a sector size")
	q := &Queue{
		mu:     new(sync.Mutex),
		dev:    dev,
		drv:    drv,
		geom:   drv.Geometry(),
		pool:   pool,
		depth:  depth,
		active: Up,
	}
	q.lists[Up] = list.New()
	q.lists[Down] = list.New()
	return q
}

func (q *Queue) Dev() common.Devno {
	return q.dev
}

func (q *Queue) Depth() uint64 {
	return q.depth
}

func (q *Queue) Geometry() Geometry {
	return q.geom
}

func (q *Queue) SetObserver(o Observer) {
	q.mu.Lock()
	q.obs = o
	q.mu.Unlock()
}

// Submit queues a transfer of data to or from block blkno, whose size is
// len(data). If b is not nil it is the descriptor owning data: Submit takes
// a reference and sets its I/O lock, both dropped by Complete. If w is not
// nil it is woken by Complete. If the queue was idle the driver is started
// before Submit returns.
func (q *Queue) Submit(op common.Op, blkno common.Bnum, data []byte, b *buf.Buf, w *Waiter) error {
	sz := uint64(len(data))
	if sz == 0 || sz%q.geom.SectorSize != 0 {
		return common.ErrBadLength
	}
	nsect := sz / q.geom.SectorSize
	// compare before multiplying so huge block numbers cannot wrap
	if blkno >= q.geom.Sectors/nsect {
		return common.ErrOutOfRange
	}
	r, err := q.pool.Get()
	if err != nil {
		return err
	}
	r.q = q
	r.Dev = q.dev
	r.Op = op
	r.Blkno = blkno
	r.Nsect = nsect
	r.Data = data
	r.Buf = b
	r.Errors = 0
	r.waiter = w
	r.start = time.Now()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.pool.Put(r)
		return common.ErrNoDevice
	}
	if b != nil {
		b.Refup()
		b.StartIO()
	}
	q.schedule(r)
	q.nsubmit += 1
	kick := q.startPass()
	util.DPrintf(5, "submit %v kick %v\n", r, kick)
	q.mu.Unlock()

	if kick {
		q.drv.Run(q)
	}
	return nil
}

// startPass reports whether the driver must be run: work is queued, no pass
// is running and a slot is free. Assumes caller holds q.mu.
func (q *Queue) startPass() bool {
	if q.fetching || q.ninflight >= q.depth || q.npending() == 0 {
		return false
	}
	q.fetching = true
	return true
}

// idle forgets the sweep position once nothing is queued or in flight.
// Assumes caller holds q.mu.
func (q *Queue) idle() {
	if !q.fetching && q.ninflight == 0 && q.npending() == 0 {
		q.havePos = false
	}
}

// npending counts queued requests. Assumes caller holds q.mu.
func (q *Queue) npending() uint64 {
	return uint64(q.lists[Up].Len() + q.lists[Down].Len())
}

// Fetch hands the next request to the driver. It returns nil, ending the
// fetch pass, when there is no work or Depth requests are in flight.
func (q *Queue) Fetch() *Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	var r *Request
	if q.ninflight < q.depth {
		r = q.next()
	}
	if r == nil {
		q.fetching = false
		q.idle()
		return nil
	}
	q.current = r
	q.ninflight += 1
	q.pos = r.Blkno
	q.havePos = true
	util.DPrintf(5, "fetch %v\n", r)
	return r
}

// Complete retires r after the driver finished it with errors failed
// attempts. r must not be used by the caller afterwards.
func (q *Queue) Complete(r *Request, errors uint64) {
	godbc.Require(r.q == q, "request completed on the wrong queue")
	r.Errors += errors
	ok := r.Errors == 0
	if r.Buf != nil {
		r.Buf.EndIO(r.Op, ok)
		r.Buf.Relse()
	}
	w := r.waiter

	q.mu.Lock()
	godbc.Require(q.ninflight > 0, "complete with nothing in flight")
	q.ninflight -= 1
	if q.current == r {
		q.current = nil
	}
	if !ok {
		q.nerror += 1
	}
	kick := q.startPass()
	q.idle()
	obs := q.obs
	q.mu.Unlock()

	q.ops[r.Op].Record(r.start)
	util.DPrintf(5, "complete %v errors %d\n", r, r.Errors)
	if obs != nil {
		obs.Completed(r)
	}
	if w != nil {
		w.wake(r.Errors)
	}
	q.pool.Put(r)
	if kick {
		util.DPrintf(5, "complete: restart driver %d\n", q.dev)
		q.drv.Run(q)
	}
}

// Current is the most recently fetched request still in flight, if any.
func (q *Queue) Current() *Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current
}

func (q *Queue) Active() Dir {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// Pending is the number of queued requests not yet fetched.
func (q *Queue) Pending() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.npending()
}

// Busy reports whether a fetch pass is running or requests are in flight.
func (q *Queue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.fetching || q.ninflight > 0
}

// Close makes later submissions fail. Requests already queued still run.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

type Counters struct {
	Submitted uint64
	Errors    uint64
	Switches  uint64
	Reads     uint32
	Writes    uint32
}

func (q *Queue) Counters() Counters {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Counters{
		Submitted: q.nsubmit,
		Errors:    q.nerror,
		Switches:  q.nswitch,
		Reads:     q.ops[common.OpRead].Count(),
		Writes:    q.ops[common.OpWrite].Count(),
	}
}

var opNames = []string{"read", "write"}

func (q *Queue) WriteStats(w io.Writer) {
	c := q.Counters()
	stats.WriteCounters([]string{"submitted", "errors", "switches"},
		[]uint64{c.Submitted, c.Errors, c.Switches}, w)
	stats.WriteTable(opNames, q.ops[:], w)
}

func (q *Queue) ResetStats() {
	q.mu.Lock()
	q.nsubmit = 0
	q.nerror = 0
	q.nswitch = 0
	q.mu.Unlock()
	for i := range q.ops {
		q.ops[i].Reset()
	}
}
