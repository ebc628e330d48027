package inode

import (
	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-sectorfs/alloctxn"
	"github.com/mit-pdos/go-sectorfs/common"
)

// A pointer step reads (and possibly fills in) the 4-byte pointer at off
// in parent.
type ptrStep func(parent common.Sector, off uint64) (common.Sector, error)

func pow(level uint64) uint64 {
	var p uint64 = 1
	for i := uint64(0); i < level; i++ {
		p = p * common.NPTRS
	}
	return p
}

// indbmap follows level index sectors below root to the data sector for
// off. It stops at the first null pointer.
func indbmap(root common.Sector, level uint64, off uint64, step ptrStep) (common.Sector, error) {
	divisor := pow(level - 1)
	o := off / divisor
	next, err := step(root, 4*o)
	if err != nil || next == common.NULLSECTOR || level == 1 {
		return next, err
	}
	util.DPrintf(10, "indbmap %d level %d -> %d\n", root, level, next)
	return indbmap(next, level-1, off%divisor, step)
}

// bmap maps logical sector v of ip through the direct, single-indirect,
// and double-indirect pointers.
func (ip *Inode) bmap(v uint64, step ptrStep) (common.Sector, error) {
	if v < common.NDIRECT {
		return step(ip.sector, ptrOff(v))
	}
	var off = v - common.NDIRECT
	if off < common.NPTRS {
		root, err := step(ip.sector, ptrOff(common.INDIRECT))
		if err != nil || root == common.NULLSECTOR {
			return root, err
		}
		return indbmap(root, 1, off, step)
	}
	off -= common.NPTRS
	if off < pow(2) {
		root, err := step(ip.sector, ptrOff(common.DINDIRECT))
		if err != nil || root == common.NULLSECTOR {
			return root, err
		}
		return indbmap(root, 2, off, step)
	}
	return common.NULLSECTOR, common.ErrFileTooLarge
}

// lookup returns the sector holding logical sector v, or NULLSECTOR if
// it has not been allocated.
func (ip *Inode) lookup(v uint64) (common.Sector, error) {
	return ip.bmap(v, func(parent common.Sector, off uint64) (common.Sector, error) {
		return alloctxn.ReadPtr(ip.itab.cache, parent, off)
	})
}

// resolve is lookup, but allocates missing index and data sectors
// through op.
func (ip *Inode) resolve(op *alloctxn.AllocTxn, v uint64) (common.Sector, error) {
	return ip.bmap(v, op.Ensure)
}
