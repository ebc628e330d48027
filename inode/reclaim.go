package inode

import (
	"github.com/mit-pdos/go-journal/util"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-sectorfs/common"
)

//
// Freeing of a removed inode once its last opener has closed it. The
// walk visits each index sector once and releases every sector it
// reaches, then the inode sector itself.
//

func (itab *Itable) readPtrs(s common.Sector) ([]common.Sector, error) {
	b, err := itab.cache.FetchForRead(s)
	if err != nil {
		return nil, err
	}
	ptrs := make([]common.Sector, common.NPTRS)
	dec := marshal.NewDec(b.Data)
	for i := range ptrs {
		ptrs[i] = common.Sector(dec.GetInt32())
	}
	itab.cache.Release(b, false)
	return ptrs, nil
}

func (itab *Itable) freeSector(s common.Sector) {
	itab.cache.Discard(s)
	itab.alloc.Release(s, 1)
}

// freeTree frees root and, for an index sector at level > 0, everything
// below it.
func (itab *Itable) freeTree(root common.Sector, level uint64) error {
	if level > 0 {
		ptrs, err := itab.readPtrs(root)
		if err != nil {
			return err
		}
		for _, s := range ptrs {
			if s == common.NULLSECTOR {
				continue
			}
			if err := itab.freeTree(s, level-1); err != nil {
				return err
			}
		}
	}
	itab.freeSector(root)
	return nil
}

func (itab *Itable) reclaim(sector common.Sector) error {
	b, err := itab.cache.FetchForRead(sector)
	if err != nil {
		return err
	}
	di := decodeDiskInode(b.Data)
	itab.cache.Release(b, false)
	util.DPrintf(1, "reclaim %d: %v\n", sector, di)

	for i, s := range di.sectors {
		if s == common.NULLSECTOR {
			continue
		}
		var level uint64 = 0
		if uint64(i) == common.INDIRECT {
			level = 1
		} else if uint64(i) == common.DINDIRECT {
			level = 2
		}
		if err := itab.freeTree(s, level); err != nil {
			return err
		}
	}
	itab.freeSector(sector)
	return nil
}
