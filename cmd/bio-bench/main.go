package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"runtime/pprof"
	"time"

	"github.com/mit-pdos/go-journal/util"

	bio "github.com/mit-pdos/go-bio"
	"github.com/mit-pdos/go-bio/common"
	"github.com/mit-pdos/go-bio/flusher"
	"github.com/mit-pdos/go-bio/imgdisk"
	"github.com/mit-pdos/go-bio/queue"
	"github.com/mit-pdos/go-bio/ramdisk"
	"github.com/mit-pdos/go-bio/trace"
)

const dev common.Devno = 1

var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to file")

func mkdata(sz uint64, tid uint64) []byte {
	data := make([]byte, sz)
	for i := range data {
		data[i] = byte((uint64(i) + tid) % 128)
	}
	return data
}

func client(b *bio.Bio, nblocks uint64, writePct int, duration time.Duration, tid uint64) int {
	rnd := rand.New(rand.NewSource(int64(tid) + 1))
	bsize := b.Config().BlockSize
	data := mkdata(bsize, tid)
	start := time.Now()
	i := 0
	for {
		bn := common.Bnum(rnd.Int63n(int64(nblocks)))
		if rnd.Intn(100) < writePct {
			if err := b.Write(dev, bn, data, false); err != nil {
				panic(err)
			}
		} else {
			if _, err := b.Read(dev, bn); err != nil {
				panic(err)
			}
		}
		i++
		if time.Since(start) >= duration {
			break
		}
	}
	return i
}

func run(b *bio.Bio, nblocks uint64, writePct int, duration time.Duration, nt int) int {
	count := make(chan int)
	for i := 0; i < nt; i++ {
		go func(tid int) {
			count <- client(b, nblocks, writePct, duration, uint64(tid))
		}(i)
	}
	n := 0
	for i := 0; i < nt; i++ {
		n += <-count
	}
	return n
}

func main() {
	var duration time.Duration
	var nthread int
	var diskfile string
	var sizeMegabytes uint64
	var writePct int
	var seek time.Duration
	var tracefile string
	var printStats bool
	cfg := bio.DefaultConfig()
	flag.DurationVar(&duration, "benchtime", 10*time.Second, "time to run each iteration for")
	flag.IntVar(&nthread, "threads", 1, "number of client threads")
	flag.StringVar(&diskfile, "disk", "", "disk image (empty for MemDisk)")
	flag.Uint64Var(&sizeMegabytes, "size", 64, "size of the disk (in MB)")
	flag.IntVar(&writePct, "writes", 30, "percentage of operations that write")
	flag.DurationVar(&seek, "seek", 0, "simulated seek time per block (MemDisk only)")
	flag.StringVar(&tracefile, "trace", "", "write an XDR request trace to this file")
	flag.BoolVar(&printStats, "stats", false, "print queue and disk statistics")
	flag.Uint64Var(&cfg.BlockSize, "bsize", cfg.BlockSize, "block size in bytes")
	flag.Uint64Var(&cfg.QueueDepth, "depth", cfg.QueueDepth, "request queue depth")
	flag.Uint64Var(&cfg.MaxRequests, "maxreqs", cfg.MaxRequests, "request pool bound (0 for unbounded)")
	flag.Uint64Var(&cfg.MaxBufs, "maxbufs", cfg.MaxBufs, "cached blocks per device (0 for unbounded)")
	flag.DurationVar(&cfg.FlushInterval, "flush", cfg.FlushInterval, "write-back interval")
	flag.Uint64Var(&util.Debug, "debug", 0, "debug level")
	flag.Parse()
	if nthread < 1 {
		panic("invalid start")
	}
	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	b := bio.MkBio(cfg)
	diskBytes := sizeMegabytes * 1024 * 1024
	var rd *ramdisk.Ramdisk
	var img *imgdisk.Imgdisk
	var drv queue.Driver
	if diskfile == "" {
		var err error
		rd, err = ramdisk.MkRamdisk(diskBytes/4096, nil, seek)
		if err != nil {
			panic(err)
		}
		drv = rd
	} else {
		var err error
		img, err = imgdisk.Open(diskfile, diskBytes/common.SectorSize, false)
		if err != nil {
			panic(fmt.Errorf("could not open disk: %w", err))
		}
		drv = img
	}
	if err := b.Attach(dev, drv); err != nil {
		panic(err)
	}

	if tracefile != "" {
		f, err := os.Create(tracefile)
		if err != nil {
			log.Fatal(err)
		}
		defer f.Close()
		q, _ := b.Queue(dev)
		q.SetObserver(trace.MkTracer(f))
	}

	fl := flusher.MkFlusherSt(b, cfg.FlushInterval)
	fl.Start()

	nblocks := diskBytes / cfg.BlockSize
	// warmup (skip if running for very little time, for example when using a
	// duration of 0s to run just one iteration)
	if duration > 500*time.Millisecond {
		run(b, nblocks, writePct, 500*time.Millisecond, nthread)
		b.ResetStats()
		if rd != nil {
			rd.ResetStats()
		}
	}

	count := run(b, nblocks, writePct, duration, nthread)
	fl.Shutdown()
	fmt.Printf("bio-bench: %v %v ops/sec, %d blocks flushed\n",
		nthread, float64(count)/duration.Seconds(), fl.Flushed())

	if printStats {
		b.WriteStats(os.Stderr)
		if rd != nil {
			rd.WriteStats(os.Stderr)
		}
	}
	if err := b.Detach(dev); err != nil {
		log.Print(err)
	}
	if img != nil {
		img.Close()
	}
}
