package cache

import (
	"fmt"
	"io"
	"sync"

	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-sectorfs/common"
	"github.com/mit-pdos/go-sectorfs/device"
	"github.com/mit-pdos/go-sectorfs/util/stats"
)

// A shared, fixed-size write-back cache of disk sectors. A fetch pins
// the slot holding the sector (loading it on a miss) and returns a Buf
// bound to the slot's bytes; the caller must Release the Buf. A slot
// with a non-zero pin count is never evicted. When no slot is free, the
// least recently released unpinned slot is evicted, writing it back
// first if it is dirty.
//
// The free-map sector is not cached in a slot; it lives in its own
// buffer, accessed with ReadMap and WriteMap, and is written back by
// Close.

type slot struct {
	mu     *sync.Mutex   // protects sector, used, dirty, and pin
	data   *sync.RWMutex // protects buf
	sector common.Sector
	used   bool
	dirty  bool
	pin    uint32
	buf    []byte
}

type Cache struct {
	dev   device.Device
	slots []*slot

	missMu  *sync.Mutex // serializes misses
	lruMu   *sync.Mutex // protects lru
	lruCond *sync.Cond  // signalled when a slot's pin count drops to 0
	lru     *lru

	mapMu   *sync.Mutex
	freemap []byte

	flushMu *sync.Mutex // protects stop and done
	stop    chan struct{}
	done    chan struct{}

	events [nevent]stats.Counter
}

const (
	hitEv int = iota
	missEv
	evictEv
	writebackEv
	nevent
)

var eventNames = []string{"cache.Hit", "cache.Miss", "cache.Evict",
	"cache.Writeback"}

func MkCache(dev device.Device, nslots uint64) (*Cache, error) {
	if nslots == 0 {
		panic("MkCache: no slots")
	}
	slots := make([]*slot, nslots)
	for i := range slots {
		slots[i] = &slot{
			mu:   new(sync.Mutex),
			data: new(sync.RWMutex),
			buf:  make([]byte, common.SECTORSIZE),
		}
	}
	lruMu := new(sync.Mutex)
	c := &Cache{
		dev:     dev,
		slots:   slots,
		missMu:  new(sync.Mutex),
		lruMu:   lruMu,
		lruCond: sync.NewCond(lruMu),
		lru:     mkLru(int(nslots)),
		mapMu:   new(sync.Mutex),
		freemap: make([]byte, common.SECTORSIZE),
		flushMu: new(sync.Mutex),
	}
	if err := dev.ReadSector(common.FREEMAPSECTOR, c.freemap); err != nil {
		return nil, fmt.Errorf("load free map: %w", err)
	}
	util.DPrintf(1, "MkCache: %d slots over %d sectors\n", nslots, dev.Size())
	return c, nil
}

// A Buf is a pinned, locked view of one cached sector. Data aliases the
// slot's bytes until Release.
type Buf struct {
	Sector common.Sector
	Data   []byte

	idx      int
	write    bool
	released bool
}

func (c *Cache) String() string {
	return fmt.Sprintf("cache %d slots", len(c.slots))
}

// lookup pins and returns the slot holding s, or -1.
func (c *Cache) lookup(s common.Sector) int {
	for i, sl := range c.slots {
		sl.mu.Lock()
		if sl.used && sl.sector == s {
			sl.pin = sl.pin + 1
			sl.mu.Unlock()
			return i
		}
		sl.mu.Unlock()
	}
	return -1
}

// pinSlot returns the index of a slot bound to s with its pin count
// incremented, and whether s was already resident. On a miss fill
// initializes the slot's bytes under its data lock before the slot
// becomes visible to other lookups.
func (c *Cache) pinSlot(s common.Sector, fill func(buf []byte) error) (int, bool, error) {
	if s == common.FREEMAPSECTOR {
		panic("pinSlot: free-map sector")
	}
	if i := c.lookup(s); i >= 0 {
		c.events[hitEv].Inc()
		return i, true, nil
	}

	c.missMu.Lock()
	defer c.missMu.Unlock()

	// another thread may have loaded s while we waited
	if i := c.lookup(s); i >= 0 {
		c.events[hitEv].Inc()
		return i, true, nil
	}
	c.events[missEv].Inc()

	i, err := c.victim()
	if err != nil {
		return -1, false, err
	}
	sl := c.slots[i]
	sl.data.Lock()
	err = fill(sl.buf)
	sl.data.Unlock()
	if err != nil {
		return -1, false, err
	}
	sl.mu.Lock()
	sl.sector = s
	sl.used = true
	sl.dirty = false
	sl.pin = 1
	sl.mu.Unlock()
	util.DPrintf(5, "pinSlot: sector %d -> slot %d\n", s, i)
	return i, false, nil
}

// victim returns an unused slot, evicting one if necessary. Caller
// holds missMu, so no other thread binds slots concurrently.
func (c *Cache) victim() (int, error) {
	for i, sl := range c.slots {
		sl.mu.Lock()
		unused := !sl.used
		sl.mu.Unlock()
		if unused {
			return i, nil
		}
	}
	return c.evict()
}

// evict unbinds the least recently used unpinned slot, writing it back
// if dirty. If every slot is pinned it waits for a Release.
func (c *Cache) evict() (int, error) {
	var victim = -1
	var sector common.Sector
	var dirty bool

	c.lruMu.Lock()
	for victim < 0 {
		for i := c.lru.front(); i != c.lru.end(); i = c.lru.next[i] {
			sl := c.slots[i]
			sl.mu.Lock()
			if sl.pin == 0 {
				victim = i
				sector = sl.sector
				dirty = sl.dirty
				sl.used = false
				sl.dirty = false
				sl.mu.Unlock()
				break
			}
			sl.mu.Unlock()
		}
		if victim < 0 {
			util.DPrintf(1, "evict: all %d slots pinned; wait\n", len(c.slots))
			c.lruCond.Wait()
		}
	}
	c.lruMu.Unlock()

	c.events[evictEv].Inc()
	util.DPrintf(5, "evict: slot %d sector %d dirty %v\n", victim, sector, dirty)
	if dirty {
		sl := c.slots[victim]
		sl.data.RLock()
		err := c.dev.WriteSector(sector, sl.buf)
		sl.data.RUnlock()
		if err != nil {
			// keep the only copy of the data
			sl.mu.Lock()
			sl.used = true
			sl.dirty = true
			sl.mu.Unlock()
			return -1, fmt.Errorf("evict sector %d: %w", sector, err)
		}
		c.events[writebackEv].Inc()
	}
	return victim, nil
}

// unpin drops one pin on slot i. touch moves the slot to the
// most-recently-used end of the recency list.
func (c *Cache) unpin(i int, touch bool) {
	sl := c.slots[i]
	sl.mu.Lock()
	if sl.pin == 0 {
		panic("unpin")
	}
	sl.pin = sl.pin - 1
	free := sl.pin == 0
	sl.mu.Unlock()

	c.lruMu.Lock()
	if touch {
		c.lru.moveToBack(i)
	}
	if free {
		c.lruCond.Broadcast()
	}
	c.lruMu.Unlock()
}

func (c *Cache) fetch(s common.Sector, write bool) (*Buf, error) {
	i, _, err := c.pinSlot(s, func(buf []byte) error {
		return c.dev.ReadSector(s, buf)
	})
	if err != nil {
		return nil, err
	}
	sl := c.slots[i]
	if write {
		sl.data.Lock()
	} else {
		sl.data.RLock()
	}
	return &Buf{Sector: s, Data: sl.buf, idx: i, write: write}, nil
}

// FetchForRead returns s pinned and share-locked. Data must not be
// modified.
func (c *Cache) FetchForRead(s common.Sector) (*Buf, error) {
	return c.fetch(s, false)
}

// FetchForWrite returns s pinned and exclusively locked.
func (c *Cache) FetchForWrite(s common.Sector) (*Buf, error) {
	return c.fetch(s, true)
}

// Release unlocks and unpins b, marking the sector dirty if dirty is
// set, and makes it the most recently used slot.
func (c *Cache) Release(b *Buf, dirty bool) {
	if b.released {
		panic("Release: released twice")
	}
	b.released = true
	sl := c.slots[b.idx]
	if dirty {
		if !b.write {
			panic("Release: dirty read buffer")
		}
		sl.mu.Lock()
		sl.dirty = true
		sl.mu.Unlock()
	}
	if b.write {
		sl.data.Unlock()
	} else {
		sl.data.RUnlock()
	}
	b.Data = nil
	c.unpin(b.idx, true)
}

func fillBuf(buf []byte, initial []byte) {
	n := copy(buf, initial)
	for j := n; j < len(buf); j++ {
		buf[j] = 0
	}
}

// Create binds a slot to the freshly allocated sector s without reading
// the device, fills it with initial (zero-padded), and marks it dirty.
func (c *Cache) Create(s common.Sector, initial []byte) error {
	if uint64(len(initial)) > common.SECTORSIZE {
		panic("Create: initial data larger than a sector")
	}
	i, hit, err := c.pinSlot(s, func(buf []byte) error {
		fillBuf(buf, initial)
		return nil
	})
	if err != nil {
		return err
	}
	sl := c.slots[i]
	if hit {
		sl.data.Lock()
		fillBuf(sl.buf, initial)
		sl.data.Unlock()
	}
	sl.mu.Lock()
	sl.dirty = true
	sl.mu.Unlock()
	c.unpin(i, true)
	return nil
}

func checkRange(what string, ofs uint64, n int) {
	if ofs+uint64(n) > common.SECTORSIZE {
		panic(fmt.Sprintf("%s: [%d, %d) outside sector", what, ofs,
			ofs+uint64(n)))
	}
}

// Read copies len(dst) bytes of sector s starting at ofs into dst.
func (c *Cache) Read(s common.Sector, dst []byte, ofs uint64) error {
	checkRange("Read", ofs, len(dst))
	b, err := c.FetchForRead(s)
	if err != nil {
		return err
	}
	copy(dst, b.Data[ofs:])
	c.Release(b, false)
	return nil
}

// Write copies src into sector s at ofs.
func (c *Cache) Write(s common.Sector, src []byte, ofs uint64) error {
	checkRange("Write", ofs, len(src))
	b, err := c.FetchForWrite(s)
	if err != nil {
		return err
	}
	copy(b.Data[ofs:], src)
	c.Release(b, true)
	return nil
}

func (c *Cache) ReadMap(dst []byte, ofs uint64) {
	checkRange("ReadMap", ofs, len(dst))
	c.mapMu.Lock()
	copy(dst, c.freemap[ofs:])
	c.mapMu.Unlock()
}

func (c *Cache) WriteMap(src []byte, ofs uint64) {
	checkRange("WriteMap", ofs, len(src))
	c.mapMu.Lock()
	copy(c.freemap[ofs:], src)
	c.mapMu.Unlock()
}

// Discard drops an unpinned cached copy of s without writing it back.
// Used when s has been returned to the free-space allocator.
func (c *Cache) Discard(s common.Sector) {
	c.missMu.Lock()
	defer c.missMu.Unlock()
	for _, sl := range c.slots {
		sl.mu.Lock()
		if sl.used && sl.sector == s && sl.pin == 0 {
			sl.used = false
			sl.dirty = false
		}
		sl.mu.Unlock()
	}
}

// FlushAll writes back every dirty slot. It returns the first device
// error; slots that failed stay dirty.
func (c *Cache) FlushAll() error {
	var firstErr error
	for i, sl := range c.slots {
		sl.mu.Lock()
		if !(sl.used && sl.dirty) {
			sl.mu.Unlock()
			continue
		}
		sl.pin = sl.pin + 1
		sl.mu.Unlock()

		sl.data.RLock()
		sl.mu.Lock()
		s := sl.sector
		dirty := sl.dirty
		sl.dirty = false
		sl.mu.Unlock()
		if dirty {
			err := c.dev.WriteSector(s, sl.buf)
			if err != nil {
				sl.mu.Lock()
				sl.dirty = true
				sl.mu.Unlock()
				if firstErr == nil {
					firstErr = fmt.Errorf("flush sector %d: %w", s, err)
				}
			} else {
				c.events[writebackEv].Inc()
			}
		}
		sl.data.RUnlock()
		c.unpin(i, false)
	}
	return firstErr
}

func (c *Cache) writeMap() error {
	c.mapMu.Lock()
	defer c.mapMu.Unlock()
	return c.dev.WriteSector(common.FREEMAPSECTOR, c.freemap)
}

// Close stops the flusher, writes back all dirty sectors and the free
// map, and waits for the device to make them durable.
func (c *Cache) Close() error {
	c.StopFlusher()
	err := c.FlushAll()
	if err != nil {
		return err
	}
	if err := c.writeMap(); err != nil {
		return fmt.Errorf("persist free map: %w", err)
	}
	util.DPrintf(1, "Close: %v\n", c.Stats())
	return c.dev.Barrier()
}

type Stats struct {
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	Writebacks uint64
}

func (c *Cache) Stats() Stats {
	return Stats{
		Hits:       c.events[hitEv].Load(),
		Misses:     c.events[missEv].Load(),
		Evictions:  c.events[evictEv].Load(),
		Writebacks: c.events[writebackEv].Load(),
	}
}

func (c *Cache) WriteStats(w io.Writer) {
	stats.WriteCounters(eventNames, c.events[:], w)
}

func (c *Cache) ResetStats() {
	for i := range c.events {
		c.events[i].Reset()
	}
}
