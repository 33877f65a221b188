package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync"

	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-journal/util"

	bio "github.com/mit-pdos/go-bio"
	"github.com/mit-pdos/go-bio/common"
	"github.com/mit-pdos/go-bio/ramdisk"
)

const dev common.Devno = 1

// hot is written by every thread; the other blocks each belong to one
// thread.
const hot common.Bnum = 0

// Every block written carries a stamp: block number, writer, sequence
// number. The rest of the block is a pattern derived from the stamp, so a
// block mixing two writes fails to verify.
type stamp struct {
	blkno common.Bnum
	tid   uint64
	seq   uint64
}

const stampSize = 3 * 8

func fill(sz uint64, s stamp) []byte {
	enc := marshal.NewEnc(sz)
	enc.PutInt(s.blkno)
	enc.PutInt(s.tid)
	enc.PutInt(s.seq)
	data := enc.Finish()
	for i := stampSize; i < len(data); i++ {
		data[i] = byte(uint64(i) + s.tid*31 + s.seq*7)
	}
	return data
}

func check(data []byte) (stamp, error) {
	dec := marshal.NewDec(data)
	s := stamp{blkno: dec.GetInt(), tid: dec.GetInt(), seq: dec.GetInt()}
	if s.seq == 0 {
		return s, nil
	}
	want := fill(uint64(len(data)), s)
	for i := range data {
		if data[i] != want[i] {
			return s, fmt.Errorf("block %d: byte %d is %d, want %d (writer %d seq %d)",
				s.blkno, i, data[i], want[i], s.tid, s.seq)
		}
	}
	return s, nil
}

func writer(b *bio.Bio, tid uint64, nthread uint64, nblocks uint64, nops int, syncPct int) map[common.Bnum]uint64 {
	rnd := rand.New(rand.NewSource(int64(tid) + 1))
	bsize := b.Config().BlockSize
	last := make(map[common.Bnum]uint64)
	for i := 1; i <= nops; i++ {
		bn := hot
		if rnd.Intn(4) != 0 {
			// blocks 1.. are partitioned among threads
			k := uint64(rnd.Int63n(int64((nblocks - 1) / nthread)))
			bn = 1 + k*nthread + tid
		}
		s := stamp{blkno: bn, tid: tid, seq: uint64(i)}
		if err := b.Write(dev, bn, fill(bsize, s), rnd.Intn(100) < syncPct); err != nil {
			panic(err)
		}
		if bn != hot {
			last[bn] = s.seq
		}
		if rnd.Intn(8) == 0 {
			data, err := b.Read(dev, bn)
			if err != nil {
				panic(err)
			}
			if _, err := check(data); err != nil {
				panic(err)
			}
		}
	}
	return last
}

func main() {
	var nthread uint64
	var nops int
	var nblocks uint64
	var syncPct int
	cfg := bio.DefaultConfig()
	flag.Uint64Var(&nthread, "threads", 4, "number of writer threads")
	flag.IntVar(&nops, "ops", 10000, "writes per thread")
	flag.Uint64Var(&nblocks, "blocks", 1024, "blocks on the disk")
	flag.IntVar(&syncPct, "sync", 10, "percentage of synchronous writes")
	flag.Uint64Var(&cfg.BlockSize, "bsize", cfg.BlockSize, "block size in bytes")
	flag.Uint64Var(&cfg.MaxBufs, "maxbufs", 256, "cached blocks per device (0 for unbounded)")
	flag.Uint64Var(&cfg.MaxRequests, "maxreqs", 8, "request pool bound (0 for unbounded)")
	flag.Uint64Var(&util.Debug, "debug", 0, "debug level")
	flag.Parse()
	if nthread < 1 || nblocks <= nthread {
		panic("invalid start")
	}

	rd, err := ramdisk.MkRamdisk((nblocks*cfg.BlockSize+4095)/4096, nil, 0)
	if err != nil {
		panic(err)
	}
	b := bio.MkBio(cfg)
	if err := b.Attach(dev, rd); err != nil {
		panic(err)
	}

	var wg sync.WaitGroup
	lasts := make([]map[common.Bnum]uint64, nthread)
	for tid := uint64(0); tid < nthread; tid++ {
		wg.Add(1)
		go func(tid uint64) {
			defer wg.Done()
			lasts[tid] = writer(b, tid, nthread, nblocks, nops, syncPct)
		}(tid)
	}
	wg.Wait()
	n := b.SyncAll()
	b.WriteStats(os.Stderr)
	if err := b.Detach(dev); err != nil {
		panic(err)
	}

	// verify against the device, bypassing the cache
	raw := bio.MkBio(cfg)
	if err := raw.Attach(dev, rd); err != nil {
		panic(err)
	}
	nbad := 0
	data := make([]byte, cfg.BlockSize)
	for bn := common.Bnum(0); bn < nblocks; bn++ {
		if err := raw.ReadRaw(dev, bn, data); err != nil {
			panic(err)
		}
		s, err := check(data)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			nbad++
			continue
		}
		if s.seq == 0 {
			continue
		}
		if s.blkno != bn {
			fmt.Fprintf(os.Stderr, "block %d: holds block %d\n", bn, s.blkno)
			nbad++
			continue
		}
		if bn == hot {
			continue
		}
		owner := (bn - 1) % nthread
		if s.tid != owner || lasts[owner][bn] != s.seq {
			fmt.Fprintf(os.Stderr, "block %d: writer %d seq %d, want writer %d seq %d\n",
				bn, s.tid, s.seq, owner, lasts[owner][bn])
			nbad++
		}
	}
	fmt.Printf("bio-stress: %d threads, %d writes each, %d flushed at end, %d bad blocks\n",
		nthread, nops, n, nbad)
	if nbad > 0 {
		os.Exit(1)
	}
}
