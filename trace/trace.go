// Package trace records completed requests as fixed-size XDR records.
package trace

import (
	"io"
	"sync"

	"github.com/zeldovich/go-rpcgen/xdr"

	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-bio/queue"
)

// RecordSize is the encoded size of a Record.
const RecordSize = 4 + 4 + 8 + 8 + 8

type Record struct {
	Op     uint32
	Dev    uint32
	Blkno  uint64
	Nsect  uint64
	Errors uint64
}

func (v *Record) Xdr(xs *xdr.XdrState) {
	xdr.XdrU32(xs, &v.Op)
	xdr.XdrU32(xs, &v.Dev)
	xdr.XdrU64(xs, &v.Blkno)
	xdr.XdrU64(xs, &v.Nsect)
	xdr.XdrU64(xs, &v.Errors)
}

// A Tracer is a queue.Observer appending one Record per completed request to
// w. After the first write error it stops tracing.
type Tracer struct {
	mu  *sync.Mutex
	w   io.Writer
	n   uint64
	err error
}

var _ queue.Observer = &Tracer{}

func MkTracer(w io.Writer) *Tracer {
	return &Tracer{mu: new(sync.Mutex), w: w}
}

func (t *Tracer) Completed(r *queue.Request) {
	rec := Record{
		Op:     uint32(r.Op),
		Dev:    uint32(r.Dev),
		Blkno:  r.Blkno,
		Nsect:  r.Nsect,
		Errors: r.Errors,
	}
	bs, err := xdr.EncodeBuf(&rec)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return
	}
	if err == nil {
		_, err = t.w.Write(bs)
	}
	if err != nil {
		util.DPrintf(1, "trace: %v\n", err)
		t.err = err
		return
	}
	t.n += 1
}

// Len is the number of records written.
func (t *Tracer) Len() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}

func (t *Tracer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}
