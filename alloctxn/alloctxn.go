package alloctxn

import (
	"github.com/mit-pdos/go-journal/util"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-sectorfs/cache"
	"github.com/mit-pdos/go-sectorfs/common"
)

//
// alloctxn groups the sector allocations of one file growth. It records
// every sector it allocates and every pointer it stores, so that if an
// allocation fails partway Abort can clear the pointers and hand the
// sectors back. There is no logging: a crash mid-growth is not undone.
//

type Allocator interface {
	Allocate(cnt uint64) (common.Sector, error)
	Release(s common.Sector, cnt uint64)
}

type ptrAddr struct {
	parent common.Sector
	off    uint64
}

type AllocTxn struct {
	Cache        *cache.Cache
	Alloc        Allocator
	allocSectors []common.Sector
	ptrs         []ptrAddr
}

func Begin(c *cache.Cache, a Allocator) *AllocTxn {
	atxn := &AllocTxn{
		Cache:        c,
		Alloc:        a,
		allocSectors: make([]common.Sector, 0),
		ptrs:         make([]ptrAddr, 0),
	}
	return atxn
}

// AllocSector allocates a sector and zero-fills it in the cache.
func (atxn *AllocTxn) AllocSector() (common.Sector, error) {
	s, err := atxn.Alloc.Allocate(1)
	if err != nil {
		return common.NULLSECTOR, err
	}
	if err := atxn.Cache.Create(s, nil); err != nil {
		atxn.Alloc.Release(s, 1)
		return common.NULLSECTOR, err
	}
	util.DPrintf(5, "AllocSector -> %d\n", s)
	atxn.allocSectors = append(atxn.allocSectors, s)
	return s, nil
}

func ReadPtr(c *cache.Cache, parent common.Sector, off uint64) (common.Sector, error) {
	b := make([]byte, 4)
	if err := c.Read(parent, b, off); err != nil {
		return common.NULLSECTOR, err
	}
	dec := marshal.NewDec(b)
	return common.Sector(dec.GetInt32()), nil
}

func writePtr(c *cache.Cache, parent common.Sector, off uint64, s common.Sector) error {
	enc := marshal.NewEnc(4)
	enc.PutInt32(uint32(s))
	return c.Write(parent, enc.Finish(), off)
}

// Ensure returns the sector the pointer at off in parent refers to,
// allocating a zeroed sector and storing its number if the pointer is 0.
func (atxn *AllocTxn) Ensure(parent common.Sector, off uint64) (common.Sector, error) {
	s, err := ReadPtr(atxn.Cache, parent, off)
	if err != nil {
		return common.NULLSECTOR, err
	}
	if s != common.NULLSECTOR {
		return s, nil
	}
	s, err = atxn.AllocSector()
	if err != nil {
		return common.NULLSECTOR, err
	}
	if err := writePtr(atxn.Cache, parent, off, s); err != nil {
		return common.NULLSECTOR, err
	}
	atxn.ptrs = append(atxn.ptrs, ptrAddr{parent: parent, off: off})
	return s, nil
}

func (atxn *AllocTxn) NAlloc() int {
	return len(atxn.allocSectors)
}

// Commit keeps everything the transaction allocated.
func (atxn *AllocTxn) Commit() {
	util.DPrintf(5, "Commit: sectors %v\n", atxn.allocSectors)
	atxn.allocSectors = atxn.allocSectors[:0]
	atxn.ptrs = atxn.ptrs[:0]
}

// Abort clears the stored pointers, newest first, and releases the
// allocated sectors.
func (atxn *AllocTxn) Abort() {
	util.DPrintf(1, "Abort: sectors %v\n", atxn.allocSectors)
	for i := len(atxn.ptrs) - 1; i >= 0; i-- {
		p := atxn.ptrs[i]
		if err := writePtr(atxn.Cache, p.parent, p.off, common.NULLSECTOR); err != nil {
			util.DPrintf(0, "Abort: clear %d+%d: %v\n", p.parent, p.off, err)
		}
	}
	for _, s := range atxn.allocSectors {
		atxn.Cache.Discard(s)
		atxn.Alloc.Release(s, 1)
	}
	atxn.allocSectors = atxn.allocSectors[:0]
	atxn.ptrs = atxn.ptrs[:0]
}
