package bcache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentity(t *testing.T) {
	assert := assert.New(t)
	bc := MkBcache(1, 0)
	b1 := bc.GetOrCreate(1, 10, 1024)
	b2 := bc.GetOrCreate(1, 10, 1024)
	assert.Same(b1, b2, "same key must give the same descriptor")
	assert.Equal(uint32(2), b1.Refcnt())
	assert.Equal(uint64(1), bc.Len())

	b3 := bc.GetOrCreate(1, 10, 512)
	assert.NotSame(b1, b3, "size is part of the key")
	b4 := bc.GetOrCreate(1, 11, 1024)
	assert.NotSame(b1, b4)
	assert.Equal(uint64(3), bc.Len())

	b1.Data[0] = 7
	assert.Equal(byte(7), bc.GetOrCreate(1, 10, 1024).Data[0], "same storage")
}

func TestUnboundedNeverEvicts(t *testing.T) {
	bc := MkBcache(1, 0)
	for i := uint64(0); i < 100; i++ {
		b := bc.GetOrCreate(1, i, 512)
		bc.Relse(b)
	}
	assert.Equal(t, uint64(100), bc.Len())
	assert.Equal(t, uint64(0), bc.Nevict())
}

func TestBoundedEvictsLRU(t *testing.T) {
	assert := assert.New(t)
	bc := MkBcache(1, 3)
	for i := uint64(0); i < 3; i++ {
		bc.Relse(bc.GetOrCreate(1, i, 512))
	}
	// touch 0 so that 1 becomes the oldest
	b0 := bc.GetOrCreate(1, 0, 512)
	bc.Relse(b0)

	bc.Relse(bc.GetOrCreate(1, 3, 512))
	assert.Equal(uint64(3), bc.Len())
	assert.Equal(uint64(1), bc.Nevict())
	assert.Same(b0, bc.GetOrCreate(1, 0, 512), "recently used block stays")
}

func TestBoundedKeepsBusyBufs(t *testing.T) {
	assert := assert.New(t)
	bc := MkBcache(1, 2)
	held := bc.GetOrCreate(1, 0, 512)
	dirty := bc.GetOrCreate(1, 1, 512)
	dirty.Fill(make([]byte, 512))
	bc.Relse(dirty)

	bc.GetOrCreate(1, 2, 512)
	assert.Equal(uint64(3), bc.Len(), "no idle victim, list grows")
	assert.Equal(uint64(0), bc.Nevict())
	assert.Same(held, bc.GetOrCreate(1, 0, 512))
}

func TestDirtyOrdered(t *testing.T) {
	assert := assert.New(t)
	bc := MkBcache(1, 0)
	for _, bn := range []uint64{9, 3, 5, 1} {
		b := bc.GetOrCreate(1, bn, 512)
		if bn != 5 {
			b.Fill(make([]byte, 512))
		}
		bc.Relse(b)
	}
	dirty := bc.Dirty()
	var bns []uint64
	for _, b := range dirty {
		bns = append(bns, b.Blkno)
		assert.Equal(uint32(1), b.Refcnt())
		bc.Relse(b)
	}
	assert.Equal([]uint64{1, 3, 9}, bns)
	assert.Equal(uint64(3), bc.Ndirty())
}

func TestConcurrentLookup(t *testing.T) {
	bc := MkBcache(1, 0)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for bn := uint64(0); bn < 50; bn++ {
				bc.Relse(bc.GetOrCreate(1, bn, 1024))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(50), bc.Len(), "one descriptor per key")
}

func TestLookupDoesNotCreate(t *testing.T) {
	assert := assert.New(t)
	bc := MkBcache(1, 0)
	assert.Nil(bc.Lookup(1, 4, 1024))
	assert.Equal(uint64(0), bc.Len())

	b := bc.GetOrCreate(1, 4, 1024)
	bc.Relse(b)
	l := bc.Lookup(1, 4, 1024)
	assert.Same(b, l)
	assert.Equal(uint32(1), l.Refcnt())
	bc.Relse(l)
}

func TestDropSize(t *testing.T) {
	assert := assert.New(t)
	bc := MkBcache(1, 0)
	bc.Relse(bc.GetOrCreate(1, 0, 1024))
	bc.Relse(bc.GetOrCreate(1, 1, 1024))
	held := bc.GetOrCreate(1, 2, 1024)
	dirty := bc.GetOrCreate(1, 3, 1024)
	dirty.Fill(make([]byte, 1024))
	bc.Relse(dirty)
	bc.Relse(bc.GetOrCreate(1, 0, 512))

	assert.Equal(uint64(2), bc.DropSize(512))
	assert.Equal(uint64(3), bc.Len(), "busy and dirty descriptors stay")
	assert.Nil(bc.Lookup(1, 0, 1024))
	assert.NotNil(bc.Lookup(1, 0, 512))
	assert.Same(held, bc.Lookup(1, 2, 1024))
}
