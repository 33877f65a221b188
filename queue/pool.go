package queue

import (
	"sync"

	"github.com/lpabon/godbc"

	"github.com/mit-pdos/go-bio/common"
)

// Pool recycles retired requests. It is shared by every queue of a block
// layer. With max == 0 the pool allocates whenever its free list is empty;
// otherwise it stops at max live requests and Get fails with ErrNoRequests.
type Pool struct {
	mu     *sync.Mutex
	free   []*Request
	nalloc uint64
	max    uint64
}

func MkPool(max uint64) *Pool {
	return &Pool{
		mu:   new(sync.Mutex),
		free: make([]*Request, 0),
		max:  max,
	}
}

func (p *Pool) Get() (*Request, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.free)
	if n > 0 {
		r := p.free[n-1]
		p.free = p.free[:n-1]
		r.pooled = false
		return r, nil
	}
	if p.max > 0 && p.nalloc >= p.max {
		return nil, common.ErrNoRequests
	}
	p.nalloc += 1
	return &Request{}, nil
}

// Put clears every reference held by r and puts it on the free list.
func (p *Pool) Put(r *Request) {
	godbc.Require(!r.pooled, "request returned to the pool twice")
	*r = Request{pooled: true}
	p.mu.Lock()
	p.free = append(p.free, r)
	p.mu.Unlock()
}

// Allocated is the number of requests ever allocated.
func (p *Pool) Allocated() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nalloc
}

func (p *Pool) Nfree() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return uint64(len(p.free))
}
