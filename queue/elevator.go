package queue

import (
	"container/list"

	"github.com/lpabon/godbc"
	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-bio/common"
)

//
// Elevator (SCAN) placement.
//
// The queue keeps two sweep lists: lists[Up] sorted by increasing block
// number and lists[Down] sorted by decreasing block number.  The active list
// is the one being drained.  A request ahead of the sweep position (in the
// active direction) joins the active list and is served in this pass; a
// request behind it joins the other list and waits for the reverse pass.
//

type Dir int

const (
	Up   Dir = 0
	Down Dir = 1
)

func (d Dir) other() Dir {
	return 1 - d
}

func (d Dir) String() string {
	if d == Up {
		return "up"
	}
	return "down"
}

// inOrder reports whether a may precede b in a list sorted in direction d.
func inOrder(d Dir, a, b common.Bnum) bool {
	if d == Up {
		return a <= b
	}
	return a >= b
}

// insertSorted places r after the last entry that may precede it, so equal
// block numbers keep their arrival order. With no such entry r goes to the
// head.
func insertSorted(l *list.List, d Dir, r *Request) *list.Element {
	for e := l.Back(); e != nil; e = e.Prev() {
		if inOrder(d, e.Value.(*Request).Blkno, r.Blkno) {
			return l.InsertAfter(r, e)
		}
	}
	return l.PushFront(r)
}

func ordered(d Dir, e *list.Element) bool {
	r := e.Value.(*Request)
	if p := e.Prev(); p != nil && !inOrder(d, p.Value.(*Request).Blkno, r.Blkno) {
		return false
	}
	if n := e.Next(); n != nil && !inOrder(d, r.Blkno, n.Value.(*Request).Blkno) {
		return false
	}
	return true
}

// schedule places r in one of the sweep lists. Assumes caller holds q.mu.
func (q *Queue) schedule(r *Request) {
	if !q.havePos {
		// idle queue: r seeds the sweep
		godbc.Require(q.ninflight == 0 && q.lists[Up].Len() == 0 &&
			q.lists[Down].Len() == 0, "queue has work but no sweep position")
		q.lists[q.active].PushFront(r)
		q.pos = r.Blkno
		q.havePos = true
		util.DPrintf(10, "elevator %d: seed %d %v\n", q.dev, r.Blkno, q.active)
		return
	}
	d := q.active
	if !inOrder(d, q.pos, r.Blkno) {
		d = q.active.other()
	} else if front := q.lists[d].Front(); front != nil {
		godbc.Check(inOrder(d, q.pos, front.Value.(*Request).Blkno),
			"active list entry behind the sweep position")
	}
	e := insertSorted(q.lists[d], d, r)
	godbc.Ensure(ordered(d, e), "sweep list out of order")
	util.DPrintf(10, "elevator %d: pos %d active %v insert %d into %v\n",
		q.dev, q.pos, q.active, r.Blkno, d)
}

// next pops the head of the active list, switching direction when it is
// empty. Assumes caller holds q.mu.
func (q *Queue) next() *Request {
	if q.lists[q.active].Len() == 0 {
		q.active = q.active.other()
		if q.lists[q.active].Len() > 0 {
			q.nswitch += 1
		}
	}
	l := q.lists[q.active]
	e := l.Front()
	if e == nil {
		return nil
	}
	return l.Remove(e).(*Request)
}
