package device

import (
	"fmt"

	"github.com/mit-pdos/go-sectorfs/common"
)

// A Device is a synchronous array of SECTORSIZE-byte sectors.
type Device interface {
	ReadSector(s common.Sector, b []byte) error
	WriteSector(s common.Sector, b []byte) error
	Size() uint64 // in sectors
	Barrier() error
	Close() error
}

func checkSector(dev Device, s common.Sector, b []byte) error {
	if uint64(len(b)) != common.SECTORSIZE {
		return fmt.Errorf("sector %d: buffer of %d bytes: %w", s, len(b),
			common.ErrIO)
	}
	if uint64(s) >= dev.Size() {
		return fmt.Errorf("sector %d beyond device of %d sectors: %w", s,
			dev.Size(), common.ErrIO)
	}
	return nil
}
