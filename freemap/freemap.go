package freemap

import (
	"fmt"
	"sync"

	"github.com/mit-pdos/go-journal/alloc"
	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-sectorfs/common"
)

//
// The free map tracks free sectors with one bit per sector, held in the
// free-map sector. Single-sector allocation uses go-journal's next-fit
// allocator; multi-sector allocation takes the first contiguous run.
// Every change is written through to the backing Store.
//

// A Store is the byte range the bitmap is persisted in, normally the
// inode opened on the free-map sector.
type Store interface {
	ReadAt(p []byte, off uint64) (uint64, error)
	WriteAt(p []byte, off uint64) (uint64, error)
}

type FreeMap struct {
	mu       *sync.Mutex
	bitmap   []byte // shared with alloc; accessed only with mu held
	alloc    *alloc.Alloc
	nsectors uint64
	st       Store
}

// MkFreeMap returns a map for a device of nsectors sectors with the
// reserved sectors and the sectors beyond the device marked in use.
func MkFreeMap(nsectors uint64) *FreeMap {
	if nsectors > common.NBITSECTOR {
		panic(fmt.Sprintf("MkFreeMap: %d sectors exceed one bitmap sector",
			nsectors))
	}
	bitmap := make([]byte, common.SECTORSIZE)
	fm := &FreeMap{
		mu:       new(sync.Mutex),
		bitmap:   bitmap,
		alloc:    alloc.MkAlloc(bitmap),
		nsectors: nsectors,
	}
	fm.reserve()
	return fm
}

func (fm *FreeMap) reserve() {
	fm.setBit(uint64(common.FREEMAPSECTOR))
	fm.setBit(uint64(common.ROOTDIRSECTOR))
	for n := fm.nsectors; n < common.NBITSECTOR; n++ {
		fm.setBit(n)
	}
}

func (fm *FreeMap) isSet(n uint64) bool {
	return fm.bitmap[n/8]&(1<<(n%8)) != 0
}

func (fm *FreeMap) setBit(n uint64) {
	fm.bitmap[n/8] = fm.bitmap[n/8] | (1 << (n % 8))
}

func (fm *FreeMap) clearBit(n uint64) {
	fm.bitmap[n/8] = fm.bitmap[n/8] & ^(1 << (n % 8))
}

// Format binds the map to st and writes the initial bitmap.
func (fm *FreeMap) Format(st Store) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.st = st
	return fm.sync()
}

// Load binds the map to st and replaces the bitmap with st's contents.
func (fm *FreeMap) Load(st Store) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	n, err := st.ReadAt(fm.bitmap, 0)
	if err != nil {
		return fmt.Errorf("load free map: %w", err)
	}
	if n != common.SECTORSIZE {
		return fmt.Errorf("load free map: short read %d: %w", n, common.ErrIO)
	}
	fm.reserve()
	fm.st = st
	util.DPrintf(1, "Load free map: %d free\n", fm.numFree())
	return nil
}

func (fm *FreeMap) sync() error {
	if fm.st == nil {
		return nil
	}
	_, err := fm.st.WriteAt(fm.bitmap, 0)
	return err
}

// scan returns the first sector of a run of cnt free sectors, or 0.
func (fm *FreeMap) scan(cnt uint64) uint64 {
	var run uint64 = 0
	for n := uint64(1); n < fm.nsectors; n++ {
		if fm.isSet(n) {
			run = 0
			continue
		}
		run = run + 1
		if run == cnt {
			return n + 1 - cnt
		}
	}
	return 0
}

// Allocate returns the first of cnt consecutive free sectors and marks
// them in use.
func (fm *FreeMap) Allocate(cnt uint64) (common.Sector, error) {
	if cnt == 0 {
		panic("Allocate: zero sectors")
	}
	fm.mu.Lock()
	defer fm.mu.Unlock()
	var first uint64
	if cnt == 1 {
		first = fm.alloc.AllocNum()
	} else {
		first = fm.scan(cnt)
	}
	if first == 0 {
		util.DPrintf(1, "Allocate %d: no space\n", cnt)
		return common.NULLSECTOR, common.ErrNoSpace
	}
	for n := first; n < first+cnt; n++ {
		fm.setBit(n)
	}
	if err := fm.sync(); err != nil {
		fm.free(first, cnt)
		return common.NULLSECTOR, err
	}
	util.DPrintf(5, "Allocate %d -> %d\n", cnt, first)
	return common.Sector(first), nil
}

func (fm *FreeMap) free(first uint64, cnt uint64) {
	for n := first; n < first+cnt; n++ {
		fm.alloc.FreeNum(n)
		fm.clearBit(n)
	}
}

// Release marks cnt sectors starting at s free. Releasing a free or
// reserved sector panics.
func (fm *FreeMap) Release(s common.Sector, cnt uint64) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	first := uint64(s)
	for n := first; n < first+cnt; n++ {
		if n == uint64(common.FREEMAPSECTOR) || n >= fm.nsectors {
			panic(fmt.Sprintf("Release: sector %d is reserved", n))
		}
		if !fm.isSet(n) {
			panic(fmt.Sprintf("Release: sector %d is not allocated", n))
		}
	}
	fm.free(first, cnt)
	util.DPrintf(5, "Release %d %d\n", s, cnt)
	if err := fm.sync(); err != nil {
		util.DPrintf(0, "Release %d: write free map: %v\n", s, err)
	}
}

func (fm *FreeMap) IsAllocated(s common.Sector) bool {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return uint64(s) < common.NBITSECTOR && fm.isSet(uint64(s))
}

func (fm *FreeMap) numFree() uint64 {
	var n uint64 = 0
	for i := uint64(0); i < fm.nsectors; i++ {
		if !fm.isSet(i) {
			n = n + 1
		}
	}
	return n
}

func (fm *FreeMap) NumFree() uint64 {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.numFree()
}

func (fm *FreeMap) Size() uint64 {
	return fm.nsectors
}
