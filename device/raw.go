package device

import (
	"fmt"
	"sync"

	"github.com/mit-pdos/go-journal/util"
	"golang.org/x/sys/unix"

	"github.com/mit-pdos/go-sectorfs/common"
)

// RawDevice stores sector s at byte offset s*SECTORSIZE of an image
// file, using positioned reads and writes so no block packing is needed.
type RawDevice struct {
	mu     *sync.Mutex // protects fd against Close
	fd     int
	size   uint64
	closed bool
}

func OpenRawDevice(path string, nsectors uint64) (*RawDevice, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0666)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	want := int64(nsectors * common.SECTORSIZE)
	if st.Size < want {
		if err := unix.Ftruncate(fd, want); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("truncate %s: %w", path, err)
		}
	}
	util.DPrintf(1, "OpenRawDevice: %s %d sectors\n", path, nsectors)
	return &RawDevice{
		mu:   new(sync.Mutex),
		fd:   fd,
		size: nsectors,
	}, nil
}

// assert that RawDevice implements Device
var _ Device = &RawDevice{}

func (dev *RawDevice) ReadSector(s common.Sector, b []byte) error {
	if err := checkSector(dev, s, b); err != nil {
		return err
	}
	n, err := unix.Pread(dev.fd, b, int64(uint64(s)*common.SECTORSIZE))
	if err != nil {
		return fmt.Errorf("read sector %d: %v: %w", s, err, common.ErrIO)
	}
	if uint64(n) != common.SECTORSIZE {
		return fmt.Errorf("read sector %d: short read %d: %w", s, n,
			common.ErrIO)
	}
	return nil
}

func (dev *RawDevice) WriteSector(s common.Sector, b []byte) error {
	if err := checkSector(dev, s, b); err != nil {
		return err
	}
	n, err := unix.Pwrite(dev.fd, b, int64(uint64(s)*common.SECTORSIZE))
	if err != nil {
		return fmt.Errorf("write sector %d: %v: %w", s, err, common.ErrIO)
	}
	if uint64(n) != common.SECTORSIZE {
		return fmt.Errorf("write sector %d: short write %d: %w", s, n,
			common.ErrIO)
	}
	return nil
}

func (dev *RawDevice) Size() uint64 {
	return dev.size
}

func (dev *RawDevice) Barrier() error {
	if err := unix.Fdatasync(dev.fd); err != nil {
		return fmt.Errorf("fdatasync: %v: %w", err, common.ErrIO)
	}
	return nil
}

func (dev *RawDevice) Close() error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.closed {
		return nil
	}
	dev.closed = true
	return unix.Close(dev.fd)
}
