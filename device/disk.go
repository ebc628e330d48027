package device

import (
	"github.com/goose-lang/std"
	"github.com/mit-pdos/go-journal/lockmap"
	"github.com/mit-pdos/go-journal/util"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-sectorfs/common"
)

// NSECTORBLK is the number of sectors packed into one goose disk block.
const NSECTORBLK uint64 = disk.BlockSize / common.SECTORSIZE

// DiskDevice exposes a goose disk.Disk as a sector device. A sector
// write that covers part of a block is a read-modify-write of that
// block, serialized per block by a lock map.
type DiskDevice struct {
	d     disk.Disk
	locks *lockmap.LockMap
	size  uint64
}

func NewDiskDevice(d disk.Disk) *DiskDevice {
	return &DiskDevice{
		d:     d,
		locks: lockmap.MkLockMap(),
		size:  d.Size() * NSECTORBLK,
	}
}

func NewMemDevice(nsectors uint64) *DiskDevice {
	nblk := util.RoundUp(nsectors, NSECTORBLK)
	return NewDiskDevice(disk.NewMemDisk(nblk))
}

func NewFileDevice(path string, nsectors uint64) (*DiskDevice, error) {
	nblk := util.RoundUp(nsectors, NSECTORBLK)
	d, err := disk.NewFileDisk(path, nblk)
	if err != nil {
		return nil, err
	}
	return NewDiskDevice(d), nil
}

// assert that DiskDevice implements Device
var _ Device = &DiskDevice{}

func sector2blk(s common.Sector) (uint64, uint64) {
	blkno := uint64(s) / NSECTORBLK
	off := (uint64(s) % NSECTORBLK) * common.SECTORSIZE
	return blkno, off
}

func (dev *DiskDevice) ReadSector(s common.Sector, b []byte) error {
	if err := checkSector(dev, s, b); err != nil {
		return err
	}
	blkno, off := sector2blk(s)
	util.DPrintf(10, "ReadSector %d: blk %d off %d\n", s, blkno, off)
	dev.locks.Acquire(blkno)
	blk := dev.d.Read(blkno)
	dev.locks.Release(blkno)
	copy(b, blk[off:off+common.SECTORSIZE])
	return nil
}

func (dev *DiskDevice) WriteSector(s common.Sector, b []byte) error {
	if err := checkSector(dev, s, b); err != nil {
		return err
	}
	blkno, off := sector2blk(s)
	util.DPrintf(10, "WriteSector %d: blk %d off %d\n", s, blkno, off)
	dev.locks.Acquire(blkno)
	blk := dev.d.Read(blkno)
	if std.BytesEqual(blk[off:off+common.SECTORSIZE], b) {
		// sector unchanged; skip rewriting the block
		dev.locks.Release(blkno)
		return nil
	}
	copy(blk[off:off+common.SECTORSIZE], b)
	dev.d.Write(blkno, blk)
	dev.locks.Release(blkno)
	return nil
}

func (dev *DiskDevice) Size() uint64 {
	return dev.size
}

func (dev *DiskDevice) Barrier() error {
	dev.d.Barrier()
	return nil
}

func (dev *DiskDevice) Close() error {
	dev.d.Close()
	return nil
}
