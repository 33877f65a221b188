package bio

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/mit-pdos/go-bio/common"
	"github.com/mit-pdos/go-bio/queue"
	"github.com/mit-pdos/go-bio/ramdisk"
)

const testDev common.Devno = 1

type BioSuite struct {
	suite.Suite
	bio *Bio
	rd  *ramdisk.Ramdisk
}

func (s *BioSuite) SetupTest() {
	rd, err := ramdisk.MkRamdisk(64, nil, 0)
	s.Require().NoError(err)
	s.rd = rd
	s.bio = MkBio(DefaultConfig())
	s.Require().NoError(s.bio.Attach(testDev, rd))
}

func TestBio(t *testing.T) {
	suite.Run(t, new(BioSuite))
}

func block(v byte) []byte {
	data := make([]byte, 1024)
	for i := range data {
		data[i] = v
	}
	return data
}

func (s *BioSuite) queue() *queue.Queue {
	q, err := s.bio.Queue(testDev)
	s.Require().NoError(err)
	return q
}

func (s *BioSuite) TestCacheIdentity() {
	bc, err := s.bio.Cache(testDev)
	s.Require().NoError(err)
	a := bc.GetOrCreate(testDev, 3, 1024)
	b := bc.GetOrCreate(testDev, 3, 1024)
	s.Same(a, b)
	bc.Relse(a)
	bc.Relse(b)
}

func (s *BioSuite) TestReadHitNoIO() {
	_, err := s.bio.Read(testDev, 5)
	s.Require().NoError(err)
	_, err = s.bio.Read(testDev, 5)
	s.Require().NoError(err)
	s.Equal(uint32(1), s.queue().Counters().Reads)
}

func (s *BioSuite) TestWriteVisibility() {
	s.Require().NoError(s.bio.Write(testDev, 7, block(0xab), false))
	got, err := s.bio.Read(testDev, 7)
	s.Require().NoError(err)
	s.Equal(block(0xab), got)
	s.Equal(uint32(0), s.queue().Counters().Writes, "write-back: nothing written yet")
	s.Equal(uint32(0), s.queue().Counters().Reads)
}

func (s *BioSuite) TestFlushIdempotence() {
	for i := common.Bnum(0); i < 4; i++ {
		s.Require().NoError(s.bio.Write(testDev, i*3, block(byte(i)), false))
	}
	s.Equal(uint64(4), s.bio.SyncAll())
	s.Equal(uint64(0), s.bio.SyncAll())

	raw := make([]byte, 1024)
	s.Require().NoError(s.bio.ReadRaw(testDev, 6, raw))
	s.Equal(block(2), raw)
}

func (s *BioSuite) TestSyncWrite() {
	s.Require().NoError(s.bio.Write(testDev, 2, block(9), true))
	s.Equal(uint32(1), s.queue().Counters().Writes)
	s.Equal(uint64(0), s.bio.SyncAll())
}

func (s *BioSuite) TestSyncBlock() {
	s.Require().NoError(s.bio.Write(testDev, 2, block(9), false))
	s.Require().NoError(s.bio.Write(testDev, 3, block(8), false))
	s.Require().NoError(s.bio.SyncBlock(testDev, 2))
	s.Require().NoError(s.bio.SyncBlock(testDev, 2))
	s.Equal(uint32(1), s.queue().Counters().Writes)
	n, err := s.bio.SyncDev(testDev)
	s.Require().NoError(err)
	s.Equal(uint64(1), n)
}

func (s *BioSuite) TestReadError() {
	// block 4 of 1024 bytes is sectors 8 and 9
	s.rd.Fail(9, 1)
	_, err := s.bio.Read(testDev, 4)
	s.ErrorIs(err, common.ErrIO)
	got, err := s.bio.Read(testDev, 4)
	s.Require().NoError(err, "retry after a failed read")
	s.Equal(make([]byte, 1024), got)
}

func (s *BioSuite) TestWriteError() {
	s.rd.Fail(8, 0)
	err := s.bio.Write(testDev, 4, block(1), true)
	s.ErrorIs(err, common.ErrIO)

	got, err := s.bio.Read(testDev, 4)
	s.Require().NoError(err)
	s.Equal(block(1), got, "cached data survives the failed write")

	s.Equal(uint64(0), s.bio.SyncAll())
	_, err = s.bio.SyncDev(testDev)
	s.ErrorIs(err, common.ErrIO)

	s.rd.Repair(8)
	s.Equal(uint64(1), s.bio.SyncAll())
}

func (s *BioSuite) TestWriteBadLength() {
	err := s.bio.Write(testDev, 1, make([]byte, 10), false)
	s.ErrorIs(err, common.ErrBadLength)
	err = s.bio.Write(testDev, 1000, block(0), false)
	s.ErrorIs(err, common.ErrOutOfRange)
}

func (s *BioSuite) TestHugeBlockNumbers() {
	bc, err := s.bio.Cache(testDev)
	s.Require().NoError(err)
	for _, bn := range []common.Bnum{1 << 63, 1 << 54, 256} {
		s.ErrorIs(s.bio.Write(testDev, bn, block(0xee), true), common.ErrOutOfRange)
		s.ErrorIs(s.bio.Write(testDev, bn, block(0xee), false), common.ErrOutOfRange)
		_, err := s.bio.Read(testDev, bn)
		s.ErrorIs(err, common.ErrOutOfRange)
		s.ErrorIs(s.bio.ReadRaw(testDev, bn, make([]byte, 1024)), common.ErrOutOfRange)
	}
	s.Equal(uint64(0), bc.Len(), "no descriptor for an out-of-range block")

	raw := make([]byte, 1024)
	s.Require().NoError(s.bio.ReadRaw(testDev, 0, raw))
	s.Equal(make([]byte, 1024), raw, "block 0 untouched")
	n, err := s.bio.SyncDev(testDev)
	s.NoError(err)
	s.Equal(uint64(0), n)

	// 64 disk blocks of 4096 bytes hold 256 blocks of 1024
	s.Require().NoError(s.bio.Write(testDev, 255, block(1), true))
}

func (s *BioSuite) TestSyncBlockDoesNotCache() {
	bc, err := s.bio.Cache(testDev)
	s.Require().NoError(err)
	s.Require().NoError(s.bio.SyncBlock(testDev, 30))
	s.Equal(uint64(0), bc.Len())
}

func (s *BioSuite) TestBlockSizeRoundTrip() {
	_, err := s.bio.Read(testDev, 0)
	s.Require().NoError(err)
	s.Require().NoError(s.bio.SetBlockSize(testDev, 512))
	half := make([]byte, 512)
	for i := range half {
		half[i] = 0x5a
	}
	s.Require().NoError(s.bio.Write(testDev, 0, half, true))
	s.Require().NoError(s.bio.SetBlockSize(testDev, 1024))

	got, err := s.bio.Read(testDev, 0)
	s.Require().NoError(err)
	s.Equal(half, got[:512], "no stale copy of the old size")
	s.Equal(make([]byte, 512), got[512:])
	bc, err := s.bio.Cache(testDev)
	s.Require().NoError(err)
	s.Equal(uint64(1), bc.Len())
}

func (s *BioSuite) TestNoDevice() {
	_, err := s.bio.Read(9, 0)
	s.ErrorIs(err, common.ErrNoDevice)
	s.ErrorIs(s.bio.Write(9, 0, block(0), false), common.ErrNoDevice)
	_, err = s.bio.SyncDev(9)
	s.ErrorIs(err, common.ErrNoDevice)
	s.ErrorIs(s.bio.Detach(9), common.ErrNoDevice)
	s.ErrorIs(s.bio.Attach(testDev, s.rd), common.ErrDeviceExists)
}

func (s *BioSuite) TestDetachFlushes() {
	s.Require().NoError(s.bio.Write(testDev, 10, block(3), false))
	q := s.queue()
	s.Require().NoError(s.bio.Detach(testDev))
	s.Equal(uint32(1), q.Counters().Writes)
	s.ErrorIs(q.Submit(common.OpRead, 0, make([]byte, 512), nil, nil), common.ErrNoDevice)
	s.Empty(s.bio.Devices())

	// reattach the same disk; the data is on the device
	s.Require().NoError(s.bio.Attach(testDev, s.rd))
	got, err := s.bio.Read(testDev, 10)
	s.Require().NoError(err)
	s.Equal(block(3), got)
}

func (s *BioSuite) TestSetBlockSize() {
	s.Require().NoError(s.bio.Write(testDev, 1, block(5), false))
	s.ErrorIs(s.bio.SetBlockSize(testDev, 700), common.ErrBlockSize)
	s.ErrorIs(s.bio.SetBlockSize(testDev, 8192), common.ErrBlockSize)
	s.Require().NoError(s.bio.SetBlockSize(testDev, 512))
	sz, err := s.bio.BlockSize(testDev)
	s.Require().NoError(err)
	s.Equal(uint64(512), sz)

	// 1024-byte block 1 is 512-byte blocks 2 and 3
	got, err := s.bio.Read(testDev, 3)
	s.Require().NoError(err)
	s.Equal(block(5)[:512], got)
}

func (s *BioSuite) TestMutualExclusion() {
	a := block(0xaa)
	b := block(0xbb)
	var wg sync.WaitGroup
	for _, data := range [][]byte{a, b} {
		wg.Add(1)
		go func(data []byte) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				s.NoError(s.bio.Write(testDev, 12, data, i%10 == 0))
			}
		}(data)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			got, err := s.bio.Read(testDev, 12)
			s.NoError(err)
			s.True(bytes.Equal(got, a) || bytes.Equal(got, b) || bytes.Equal(got, make([]byte, 1024)))
		}
	}()
	wg.Wait()

	s.Require().NoError(s.bio.SyncBlock(testDev, 12))
	raw := make([]byte, 1024)
	s.Require().NoError(s.bio.ReadRaw(testDev, 12, raw))
	s.True(bytes.Equal(raw, a) || bytes.Equal(raw, b), "no interleaving on disk")
}

func (s *BioSuite) TestRawBypassesCache() {
	s.Require().NoError(s.bio.WriteRaw(testDev, 20, block(7)))
	got, err := s.bio.Read(testDev, 20)
	s.Require().NoError(err)
	s.Equal(block(7), got)
	s.ErrorIs(s.bio.ReadRaw(testDev, 20, make([]byte, 100)), common.ErrBadLength)
}

func (s *BioSuite) TestStats() {
	s.Require().NoError(s.bio.Write(testDev, 1, block(1), true))
	var out bytes.Buffer
	s.bio.WriteStats(&out)
	s.Contains(out.String(), "device 1")
	s.Contains(out.String(), "switches")
	s.bio.ResetStats()
	s.Equal(uint32(0), s.queue().Counters().Writes)
}

// gateDriver holds every fetched request until the test releases it.
type gateDriver struct {
	mu    sync.Mutex
	q     *queue.Queue
	order []common.Bnum
}

func (d *gateDriver) Geometry() queue.Geometry {
	return queue.Geometry{SectorSize: 512, Sectors: 4096}
}

func (d *gateDriver) Run(q *queue.Queue) {
	d.mu.Lock()
	d.q = q
	d.mu.Unlock()
}

func (d *gateDriver) release() {
	for r := d.q.Fetch(); r != nil; r = d.q.Fetch() {
		d.order = append(d.order, r.Blkno)
		d.q.Complete(r, 0)
	}
}

func TestElevatorOrderThroughFacade(t *testing.T) {
	bio := MkBio(Config{BlockSize: 512})
	d := &gateDriver{}
	require.NoError(t, bio.Attach(2, d))
	q, err := bio.Queue(2)
	require.NoError(t, err)

	var ws []*queue.Waiter
	for _, bn := range []common.Bnum{5, 2, 8, 1, 9} {
		w := queue.MkWaiter()
		require.NoError(t, q.Submit(common.OpRead, bn, make([]byte, 512), nil, w))
		ws = append(ws, w)
	}
	d.release()
	for _, w := range ws {
		assert.Equal(t, uint64(0), w.Wait())
	}
	assert.Equal(t, []common.Bnum{5, 8, 9, 2, 1}, d.order)
}

func TestBoundedPool(t *testing.T) {
	bio := MkBio(Config{BlockSize: 512, MaxRequests: 2})
	rd, err := ramdisk.MkRamdisk(4, nil, 0)
	require.NoError(t, err)
	require.NoError(t, bio.Attach(1, rd))
	for i := common.Bnum(0); i < 16; i++ {
		require.NoError(t, bio.Write(1, i, make([]byte, 512), false))
	}
	assert.Equal(t, uint64(16), bio.SyncAll())
	q, _ := bio.Queue(1)
	assert.LessOrEqual(t, bio.pool.Allocated(), uint64(2))
	assert.Equal(t, uint32(16), q.Counters().Writes)
}

func TestAttachBlockSize(t *testing.T) {
	bio := MkBio(Config{BlockSize: 8192})
	rd, err := ramdisk.MkRamdisk(4, nil, 0)
	require.NoError(t, err)
	assert.ErrorIs(t, bio.Attach(1, rd), common.ErrBlockSize)
}

func TestBoundedCache(t *testing.T) {
	bio := MkBio(Config{MaxBufs: 4})
	rd, err := ramdisk.MkRamdisk(16, nil, 0)
	require.NoError(t, err)
	require.NoError(t, bio.Attach(1, rd))
	for i := common.Bnum(0); i < 10; i++ {
		_, err := bio.Read(1, i)
		require.NoError(t, err)
	}
	bc, _ := bio.Cache(1)
	assert.Equal(t, uint64(4), bc.Len())
	assert.Equal(t, uint64(6), bc.Nevict())
}
