package super

import (
	"fmt"

	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-sectorfs/common"
	"github.com/mit-pdos/go-sectorfs/device"
	"github.com/mit-pdos/go-sectorfs/util/timed_disk"
)

// Layout: sector 0 holds the free map, sector 1 the root directory
// inode, and every other sector is allocated on demand.
type FsSuper struct {
	Disk *timed_disk.Disk
	Size uint64
}

// MkFsSuper builds a device of sz sectors: an image file at *name (a
// goose file disk, or a sector-exact raw file if raw is set), or an
// in-memory disk if name is nil.
func MkFsSuper(sz uint64, name *string, raw bool) (*FsSuper, error) {
	if sz <= uint64(common.ROOTDIRSECTOR)+1 || sz > common.NBITSECTOR {
		return nil, fmt.Errorf("MkFsSuper: %d sectors not in (%d, %d]", sz,
			common.ROOTDIRSECTOR+1, common.NBITSECTOR)
	}
	var d device.Device
	if name != nil && raw {
		util.DPrintf(0, "MkFsSuper: open raw disk %s\n", *name)
		r, err := device.OpenRawDevice(*name, sz)
		if err != nil {
			return nil, err
		}
		d = r
	} else if name != nil {
		util.DPrintf(0, "MkFsSuper: open file disk %s\n", *name)
		f, err := device.NewFileDevice(*name, sz)
		if err != nil {
			return nil, fmt.Errorf("MkFsSuper: couldn't create disk image: %w", err)
		}
		d = f
	} else {
		util.DPrintf(0, "MkFsSuper: create mem disk\n")
		d = device.NewMemDevice(sz)
	}

	return &FsSuper{
		Disk: timed_disk.New(d),
		Size: sz,
	}, nil
}

func (fs *FsSuper) FreeMapSector() common.Sector {
	return common.FREEMAPSECTOR
}

func (fs *FsSuper) RootDirSector() common.Sector {
	return common.ROOTDIRSECTOR
}

// DataStart is the first sector the free map hands out.
func (fs *FsSuper) DataStart() common.Sector {
	return common.ROOTDIRSECTOR + 1
}

func (fs *FsSuper) MaxSector() common.Sector {
	return common.Sector(fs.Size)
}

func (fs *FsSuper) NDataSectors() uint64 {
	return fs.Size - uint64(fs.DataStart())
}
