package cache

import (
	"flag"
	"io/ioutil"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mit-pdos/go-sectorfs/common"
	"github.com/mit-pdos/go-sectorfs/device"
	"github.com/mit-pdos/go-sectorfs/util/timed_disk"
)

var quiet = flag.Bool("quiet", false, "disable logging")

func checkFlags() {
	if *quiet {
		log.SetFlags(0)
		log.SetOutput(ioutil.Discard)
	}
}

const DISKSZ uint64 = 512

func mkdata(b byte) []byte {
	data := make([]byte, common.SECTORSIZE)
	for i := range data {
		data[i] = b ^ byte(i%128)
	}
	return data
}

func mkCache(t *testing.T, nslots uint64) (*Cache, *timed_disk.Disk) {
	checkFlags()
	d := timed_disk.New(device.NewMemDevice(DISKSZ))
	c, err := MkCache(d, nslots)
	require.NoError(t, err)
	return c, d
}

// at most one used slot per sector
func checkUnique(t *testing.T, c *Cache) {
	seen := make(map[common.Sector]int)
	for i, sl := range c.slots {
		sl.mu.Lock()
		if sl.used {
			j, ok := seen[sl.sector]
			assert.False(t, ok, "sector %d in slots %d and %d", sl.sector, j, i)
			seen[sl.sector] = i
		}
		sl.mu.Unlock()
	}
}

func resident(c *Cache, s common.Sector) bool {
	for _, sl := range c.slots {
		sl.mu.Lock()
		ok := sl.used && sl.sector == s
		sl.mu.Unlock()
		if ok {
			return true
		}
	}
	return false
}

func TestLru(t *testing.T) {
	l := mkLru(4)
	assert.Equal(t, []int{0, 1, 2, 3}, l.order())
	l.moveToBack(1)
	assert.Equal(t, []int{0, 2, 3, 1}, l.order())
	l.moveToBack(0)
	assert.Equal(t, 2, l.front())
	l.moveToBack(1)
	assert.Equal(t, []int{2, 3, 0, 1}, l.order())
}

func TestWriteThenRead(t *testing.T) {
	c, _ := mkCache(t, 8)
	b, err := c.FetchForWrite(5)
	require.NoError(t, err)
	copy(b.Data, mkdata(5))
	c.Release(b, true)

	b, err = c.FetchForRead(5)
	require.NoError(t, err)
	assert.Equal(t, mkdata(5), b.Data)
	c.Release(b, false)

	// from another goroutine
	done := make(chan []byte)
	go func() {
		out := make([]byte, common.SECTORSIZE)
		c.Read(5, out, 0)
		done <- out
	}()
	assert.Equal(t, mkdata(5), <-done)
}

func TestPartialReadWrite(t *testing.T) {
	c, _ := mkCache(t, 4)
	require.NoError(t, c.Write(9, []byte{1, 2, 3}, 100))
	out := make([]byte, 5)
	require.NoError(t, c.Read(9, out, 99))
	assert.Equal(t, []byte{0, 1, 2, 3, 0}, out)
	assert.Panics(t, func() { c.Read(9, out, common.SECTORSIZE-2) })
}

func TestCreateSkipsDevice(t *testing.T) {
	c, d := mkCache(t, 4)
	d.ResetStats()
	require.NoError(t, c.Create(7, []byte{9, 9}))
	assert.Equal(t, uint32(0), d.Reads())
	out := make([]byte, 4)
	require.NoError(t, c.Read(7, out, 0))
	assert.Equal(t, []byte{9, 9, 0, 0}, out)
	assert.Equal(t, uint32(0), d.Reads())

	// Create on a resident sector replaces its contents
	require.NoError(t, c.Write(7, []byte{5, 5, 5, 5}, 0))
	require.NoError(t, c.Create(7, nil))
	require.NoError(t, c.Read(7, out, 0))
	assert.Equal(t, []byte{0, 0, 0, 0}, out)
	checkUnique(t, c)
}

func TestFillBeforeVisible(t *testing.T) {
	c, _ := mkCache(t, 1)
	require.NoError(t, c.Write(3, mkdata(4), 0))

	var visible bool
	out := make([]byte, 4)
	done := make(chan error)
	i, hit, err := c.pinSlot(9, func(buf []byte) error {
		visible = resident(c, 9)
		go func() {
			done <- c.Read(9, out, 0)
		}()
		time.Sleep(10 * time.Millisecond)
		fillBuf(buf, []byte{1, 2})
		return nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.False(t, visible)
	c.unpin(i, true)

	require.NoError(t, <-done)
	assert.Equal(t, []byte{1, 2, 0, 0}, out)
	checkUnique(t, c)
}

func TestCreateRecycledSlot(t *testing.T) {
	c, _ := mkCache(t, 1)
	require.NoError(t, c.Write(3, mkdata(4), 0))
	require.NoError(t, c.Create(9, []byte{7}))
	out := make([]byte, common.SECTORSIZE)
	require.NoError(t, c.Read(9, out, 0))
	expected := make([]byte, common.SECTORSIZE)
	expected[0] = 7
	assert.Equal(t, expected, out)
}

func TestExhaustion(t *testing.T) {
	c, d := mkCache(t, common.CACHESZ)
	// touch 64 distinct sectors; sector 1 is written
	for s := uint64(1); s <= common.CACHESZ; s++ {
		b, err := c.FetchForWrite(common.Sector(s))
		require.NoError(t, err)
		dirty := s == 1
		if dirty {
			copy(b.Data, mkdata(1))
		}
		c.Release(b, dirty)
	}
	assert.Equal(t, uint64(0), c.Stats().Evictions)
	assert.Equal(t, uint32(0), d.Writes())

	// the 65th evicts the LRU entry, sector 1, writing it back first
	b, err := c.FetchForRead(common.Sector(common.CACHESZ + 1))
	require.NoError(t, err)
	c.Release(b, false)
	assert.Equal(t, uint64(1), c.Stats().Evictions)
	assert.Equal(t, uint64(1), c.Stats().Writebacks)
	assert.Equal(t, uint32(1), d.Writes())
	assert.False(t, resident(c, 1))
	assert.True(t, resident(c, 2))

	out := make([]byte, common.SECTORSIZE)
	require.NoError(t, d.ReadSector(1, out))
	assert.Equal(t, mkdata(1), out)
	checkUnique(t, c)
}

func TestEvictSkipsPinned(t *testing.T) {
	c, _ := mkCache(t, 4)
	pinned, err := c.FetchForRead(1)
	require.NoError(t, err)
	for s := uint64(2); s <= 4; s++ {
		b, err := c.FetchForRead(common.Sector(s))
		require.NoError(t, err)
		c.Release(b, false)
	}
	// slot for sector 1 is LRU but pinned
	for s := uint64(10); s < 20; s++ {
		b, err := c.FetchForRead(common.Sector(s))
		require.NoError(t, err)
		c.Release(b, false)
		assert.True(t, resident(c, 1))
	}
	c.Release(pinned, false)
	checkUnique(t, c)
}

func TestAllPinnedWaits(t *testing.T) {
	c, _ := mkCache(t, 2)
	b1, err := c.FetchForRead(1)
	require.NoError(t, err)
	b2, err := c.FetchForRead(2)
	require.NoError(t, err)

	got := make(chan bool)
	go func() {
		b, err := c.FetchForRead(3)
		if err == nil {
			c.Release(b, false)
		}
		got <- err == nil
	}()

	select {
	case <-got:
		t.Fatal("fetch succeeded with every slot pinned")
	case <-time.After(50 * time.Millisecond):
	}
	c.Release(b2, false)
	assert.True(t, <-got)
	assert.True(t, resident(c, 1))
	assert.False(t, resident(c, 2))
	c.Release(b1, false)
}

func TestDoubleRelease(t *testing.T) {
	c, _ := mkCache(t, 2)
	b, err := c.FetchForRead(1)
	require.NoError(t, err)
	c.Release(b, false)
	assert.Panics(t, func() { c.Release(b, false) })
}

func TestConcurrentUnique(t *testing.T) {
	c, _ := mkCache(t, 8)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				s := common.Sector(1 + (i*7+g)%20)
				b, err := c.FetchForWrite(s)
				if err != nil {
					t.Error(err)
					return
				}
				b.Data[0] = byte(s)
				c.Release(b, true)
				checkUnique(t, c)
			}
		}(g)
	}
	wg.Wait()
	require.NoError(t, c.FlushAll())
	out := make([]byte, 1)
	for s := uint64(1); s <= 20; s++ {
		require.NoError(t, c.Read(common.Sector(s), out, 0))
		assert.Equal(t, byte(s), out[0])
	}
}

func TestConcurrentCounters(t *testing.T) {
	c, _ := mkCache(t, 4)
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s := common.Sector(1 + i%6)
				b, err := c.FetchForWrite(s)
				if err != nil {
					t.Error(err)
					return
				}
				b.Data[8] = b.Data[8] + 1
				c.Release(b, true)
			}
		}()
	}
	wg.Wait()
	var total int
	out := make([]byte, 1)
	for s := uint64(1); s <= 6; s++ {
		require.NoError(t, c.Read(common.Sector(s), out, 8))
		total += int(out[0])
	}
	assert.Equal(t, 400, total)
}

func TestFlushAll(t *testing.T) {
	c, d := mkCache(t, 8)
	for s := uint64(1); s <= 3; s++ {
		require.NoError(t, c.Write(common.Sector(s), mkdata(byte(s)), 0))
	}
	assert.Equal(t, uint32(0), d.Writes())
	require.NoError(t, c.FlushAll())
	assert.Equal(t, uint32(3), d.Writes())

	// clean now
	require.NoError(t, c.FlushAll())
	assert.Equal(t, uint32(3), d.Writes())

	out := make([]byte, common.SECTORSIZE)
	require.NoError(t, d.ReadSector(2, out))
	assert.Equal(t, mkdata(2), out)
}

func TestFlusher(t *testing.T) {
	c, d := mkCache(t, 8)
	c.StartFlusher(5 * time.Millisecond)
	require.NoError(t, c.Write(3, mkdata(3), 0))
	assert.Eventually(t, func() bool { return d.Writes() >= 1 },
		time.Second, 5*time.Millisecond)
	c.StopFlusher()
	c.StopFlusher()
}

func TestCloseWritesMap(t *testing.T) {
	c, d := mkCache(t, 4)
	c.WriteMap([]byte{0xff, 0x0f}, 10)
	out := make([]byte, 2)
	c.ReadMap(out, 10)
	assert.Equal(t, []byte{0xff, 0x0f}, out)
	require.NoError(t, c.Write(4, mkdata(4), 0))
	c.StartFlusher(time.Hour)
	require.NoError(t, c.Close())

	buf := make([]byte, common.SECTORSIZE)
	require.NoError(t, d.ReadSector(common.FREEMAPSECTOR, buf))
	assert.Equal(t, []byte{0xff, 0x0f}, buf[10:12])
	require.NoError(t, d.ReadSector(4, buf))
	assert.Equal(t, mkdata(4), buf)

	// a new cache sees the persisted map
	c2, err := MkCache(d, 4)
	require.NoError(t, err)
	c2.ReadMap(out, 10)
	assert.Equal(t, []byte{0xff, 0x0f}, out)
}

func TestDiscard(t *testing.T) {
	c, d := mkCache(t, 4)
	require.NoError(t, c.Write(6, mkdata(6), 0))
	c.Discard(6)
	assert.False(t, resident(c, 6))
	require.NoError(t, c.FlushAll())
	assert.Equal(t, uint32(0), d.Writes())
}

func TestDeviceError(t *testing.T) {
	c, _ := mkCache(t, 2)
	_, err := c.FetchForRead(common.Sector(DISKSZ + 5))
	assert.ErrorIs(t, err, common.ErrIO)
	assert.False(t, resident(c, common.Sector(DISKSZ+5)))
}

func TestFreeMapSectorNotCached(t *testing.T) {
	c, _ := mkCache(t, 2)
	assert.Panics(t, func() { c.FetchForRead(common.FREEMAPSECTOR) })
}

func TestStatsTable(t *testing.T) {
	c, _ := mkCache(t, 2)
	c.Write(1, []byte{1}, 0)
	c.Write(1, []byte{1}, 0)
	st := c.Stats()
	assert.Equal(t, uint64(1), st.Misses)
	assert.Equal(t, uint64(1), st.Hits)
	c.ResetStats()
	assert.Equal(t, Stats{}, c.Stats())
}
