package device

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tchajed/goose/machine"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-sectorfs/common"
)

func mkdata(b byte) []byte {
	data := make([]byte, common.SECTORSIZE)
	for i := range data {
		data[i] = b + byte(i%128)
	}
	return data
}

func tmpImage(t *testing.T) string {
	tmpdir := "/dev/shm"
	f, err := os.Stat(tmpdir)
	if !(err == nil && f.IsDir()) {
		tmpdir = t.TempDir()
	}
	n := filepath.Join(tmpdir,
		"sectorfs"+strconv.FormatUint(machine.RandomUint64(), 16)+".img")
	t.Cleanup(func() { os.Remove(n) })
	return n
}

func checkRoundTrip(t *testing.T, dev Device) {
	assert := assert.New(t)
	n := dev.Size()
	for s := uint64(0); s < n; s += 3 {
		err := dev.WriteSector(common.Sector(s), mkdata(byte(s)))
		require.NoError(t, err)
	}
	buf := make([]byte, common.SECTORSIZE)
	for s := uint64(0); s < n; s++ {
		err := dev.ReadSector(common.Sector(s), buf)
		require.NoError(t, err)
		if s%3 == 0 {
			assert.Equal(mkdata(byte(s)), buf, "sector %d", s)
		} else {
			assert.Equal(make([]byte, common.SECTORSIZE), buf, "sector %d", s)
		}
	}
}

func TestMemDevice(t *testing.T) {
	dev := NewMemDevice(40)
	assert.Equal(t, uint64(40), dev.Size())
	checkRoundTrip(t, dev)
}

func TestFileDevice(t *testing.T) {
	dev, err := NewFileDevice(tmpImage(t), 16)
	require.NoError(t, err)
	defer dev.Close()
	checkRoundTrip(t, dev)
	assert.NoError(t, dev.Barrier())
}

func TestRawDevice(t *testing.T) {
	name := tmpImage(t)
	dev, err := OpenRawDevice(name, 20)
	require.NoError(t, err)
	checkRoundTrip(t, dev)
	require.NoError(t, dev.Barrier())
	require.NoError(t, dev.Close())

	// contents survive a reopen
	dev, err = OpenRawDevice(name, 20)
	require.NoError(t, err)
	defer dev.Close()
	buf := make([]byte, common.SECTORSIZE)
	require.NoError(t, dev.ReadSector(3, buf))
	assert.Equal(t, mkdata(3), buf)
}

func TestOutOfRange(t *testing.T) {
	dev := NewMemDevice(8)
	buf := make([]byte, common.SECTORSIZE)
	err := dev.ReadSector(8, buf)
	assert.True(t, errors.Is(err, common.ErrIO))
	err = dev.WriteSector(100, buf)
	assert.True(t, errors.Is(err, common.ErrIO))
	err = dev.WriteSector(0, buf[:10])
	assert.True(t, errors.Is(err, common.ErrIO))
}

func TestConcurrentSubBlockWrites(t *testing.T) {
	dev := NewMemDevice(NSECTORBLK)
	done := make(chan bool)
	for s := uint64(0); s < NSECTORBLK; s++ {
		go func(s uint64) {
			for i := 0; i < 50; i++ {
				dev.WriteSector(common.Sector(s), mkdata(byte(s)))
			}
			done <- true
		}(s)
	}
	for s := uint64(0); s < NSECTORBLK; s++ {
		<-done
	}
	buf := make([]byte, common.SECTORSIZE)
	for s := uint64(0); s < NSECTORBLK; s++ {
		require.NoError(t, dev.ReadSector(common.Sector(s), buf))
		assert.Equal(t, mkdata(byte(s)), buf)
	}
}

func TestRegistry(t *testing.T) {
	reg := MkRegistry()
	fsdev := NewMemDevice(8)
	swapdev := NewMemDevice(8)
	require.NoError(t, reg.Register(RoleFilesys, fsdev))
	require.NoError(t, reg.Register(RoleSwap, swapdev))
	assert.Error(t, reg.Register(RoleFilesys, swapdev))
	assert.Error(t, reg.Register(NROLE, swapdev))

	assert.Equal(t, Device(fsdev), reg.Get(RoleFilesys))
	assert.Equal(t, Device(swapdev), reg.Get(RoleSwap))
	assert.Nil(t, reg.Get(RoleScratch))

	reg.Unregister(RoleSwap)
	assert.Nil(t, reg.Get(RoleSwap))
	assert.Equal(t, "filesys", RoleFilesys.String())
}

type countingDisk struct {
	disk.Disk
	writes int
}

func (d *countingDisk) Write(a uint64, v disk.Block) {
	d.writes++
	d.Disk.Write(a, v)
}

func TestUnchangedSectorSkipsWrite(t *testing.T) {
	d := &countingDisk{Disk: disk.NewMemDisk(2)}
	dev := NewDiskDevice(d)

	require.NoError(t, dev.WriteSector(3, make([]byte, common.SECTORSIZE)))
	assert.Equal(t, 0, d.writes)

	require.NoError(t, dev.WriteSector(3, mkdata(7)))
	assert.Equal(t, 1, d.writes)
	require.NoError(t, dev.WriteSector(3, mkdata(7)))
	assert.Equal(t, 1, d.writes)

	require.NoError(t, dev.WriteSector(3, mkdata(8)))
	assert.Equal(t, 2, d.writes)
	buf := make([]byte, common.SECTORSIZE)
	require.NoError(t, dev.ReadSector(3, buf))
	assert.Equal(t, mkdata(8), buf)
}
