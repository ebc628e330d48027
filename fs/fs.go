package fs

import (
	"fmt"
	"io"
	"time"

	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-sectorfs/cache"
	"github.com/mit-pdos/go-sectorfs/common"
	"github.com/mit-pdos/go-sectorfs/device"
	"github.com/mit-pdos/go-sectorfs/freemap"
	"github.com/mit-pdos/go-sectorfs/inode"
	"github.com/mit-pdos/go-sectorfs/super"
)

type Options struct {
	CacheSlots    uint64
	FlushInterval time.Duration // 0 disables background flushing
}

func DefaultOptions() Options {
	return Options{
		CacheSlots:    common.CACHESZ,
		FlushInterval: 100 * time.Millisecond,
	}
}

// An Fs is a mounted file system: the cache over the file-system
// device, the free map persisted in sector 0, and the open-inode table.
type Fs struct {
	Super   *super.FsSuper
	Devices *device.Registry
	Cache   *cache.Cache
	FreeMap *freemap.FreeMap
	Itable  *inode.Itable
	mapIp   *inode.Inode
}

func mkFs(sup *super.FsSuper, opts Options) (*Fs, error) {
	reg := device.MkRegistry()
	if err := reg.Register(device.RoleFilesys, sup.Disk); err != nil {
		return nil, err
	}
	c, err := cache.MkCache(sup.Disk, opts.CacheSlots)
	if err != nil {
		return nil, err
	}
	fm := freemap.MkFreeMap(sup.Size)
	return &Fs{
		Super:   sup,
		Devices: reg,
		Cache:   c,
		FreeMap: fm,
		Itable:  inode.MkItable(c, fm),
	}, nil
}

func (fs *Fs) start(opts Options) {
	if opts.FlushInterval > 0 {
		fs.Cache.StartFlusher(opts.FlushInterval)
	}
}

// Format writes an empty file system to sup's device: a free map with
// only the reserved sectors in use and an empty root directory inode.
func Format(sup *super.FsSuper, opts Options) (*Fs, error) {
	fs, err := mkFs(sup, opts)
	if err != nil {
		return nil, err
	}
	if err := fs.Itable.Create(common.FREEMAPSECTOR, common.SECTORSIZE); err != nil {
		return nil, err
	}
	ip, err := fs.Itable.Open(common.FREEMAPSECTOR)
	if err != nil {
		return nil, err
	}
	fs.mapIp = ip
	if err := fs.FreeMap.Format(ip); err != nil {
		return nil, err
	}
	if err := fs.Itable.Create(common.ROOTDIRSECTOR, 0); err != nil {
		return nil, fmt.Errorf("create root directory: %w", err)
	}
	util.DPrintf(1, "Format: %d sectors, %d free\n", sup.Size,
		fs.FreeMap.NumFree())
	fs.start(opts)
	return fs, nil
}

// Mount loads the file system on sup's device.
func Mount(sup *super.FsSuper, opts Options) (*Fs, error) {
	fs, err := mkFs(sup, opts)
	if err != nil {
		return nil, err
	}
	ip, err := fs.Itable.Open(common.FREEMAPSECTOR)
	if err != nil {
		return nil, err
	}
	fs.mapIp = ip
	if err := fs.FreeMap.Load(ip); err != nil {
		return nil, err
	}
	root, err := fs.Itable.Open(common.ROOTDIRSECTOR)
	if err != nil {
		return nil, fmt.Errorf("mount: root directory: %w", err)
	}
	if err := root.Close(); err != nil {
		return nil, err
	}
	util.DPrintf(1, "Mount: %d sectors, %d free\n", sup.Size,
		fs.FreeMap.NumFree())
	fs.start(opts)
	return fs, nil
}

// CreateFile allocates an inode sector and creates a file of length
// bytes in it. On failure the sector is released.
func (fs *Fs) CreateFile(length uint64) (common.Sector, error) {
	s, err := fs.FreeMap.Allocate(1)
	if err != nil {
		return common.NULLSECTOR, err
	}
	if err := fs.Itable.Create(s, length); err != nil {
		fs.Cache.Discard(s)
		fs.FreeMap.Release(s, 1)
		return common.NULLSECTOR, err
	}
	return s, nil
}

func (fs *Fs) Open(s common.Sector) (*inode.Inode, error) {
	return fs.Itable.Open(s)
}

// Remove deletes the file in sector s once every opener has closed it.
func (fs *Fs) Remove(s common.Sector) error {
	ip, err := fs.Itable.Open(s)
	if err != nil {
		return err
	}
	ip.Remove()
	return ip.Close()
}

// Shutdown closes the free-map inode and writes every dirty sector and
// the free map to the device. The device itself stays open.
func (fs *Fs) Shutdown() error {
	if err := fs.mapIp.Close(); err != nil {
		return err
	}
	if n := fs.Itable.NumOpen(); n > 0 {
		util.DPrintf(1, "Shutdown: %d inodes still open\n", n)
	}
	err := fs.Cache.Close()
	fs.Devices.Unregister(device.RoleFilesys)
	return err
}

func (fs *Fs) WriteStats(w io.Writer) {
	fs.Cache.WriteStats(w)
	fs.Super.Disk.WriteStats(w)
}

func (fs *Fs) ResetStats() {
	fs.Cache.ResetStats()
	fs.Super.Disk.ResetStats()
}
