package inode

import (
	"fmt"
	"sync"

	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-sectorfs/alloctxn"
	"github.com/mit-pdos/go-sectorfs/cache"
	"github.com/mit-pdos/go-sectorfs/common"
)

type Allocator = alloctxn.Allocator

// The Itable owns the in-memory inodes, keyed by inode sector. Callers
// hold counted references obtained from Open or Reopen.
type Itable struct {
	cache      *cache.Cache
	alloc      Allocator
	mu         *sync.Mutex
	inodes     map[common.Sector]*Inode
	reclaiming map[common.Sector]bool // removed inodes whose sectors are being freed
}

func MkItable(c *cache.Cache, a Allocator) *Itable {
	return &Itable{
		cache:      c,
		alloc:      a,
		mu:         new(sync.Mutex),
		inodes:     make(map[common.Sector]*Inode),
		reclaiming: make(map[common.Sector]bool),
	}
}

// Create writes a fresh inode of length bytes to sector and allocates
// its data sectors. On failure no sectors stay allocated.
func (itab *Itable) Create(sector common.Sector, length uint64) error {
	util.DPrintf(1, "Create inode %d len %d\n", sector, length)
	if sector == common.FREEMAPSECTOR {
		itab.cache.WriteMap(make([]byte, common.SECTORSIZE), 0)
		return nil
	}
	if length > common.MaxFileSize() {
		return fmt.Errorf("create %d len %d: %w", sector, length,
			common.ErrFileTooLarge)
	}
	di := mkDiskInode(0)
	if err := itab.cache.Create(sector, di.Encode()); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	ip := &Inode{itab: itab, sector: sector, mu: new(sync.Mutex)}
	return ip.grow(length)
}

func (itab *Itable) readLength(s common.Sector) (uint64, error) {
	if s == common.FREEMAPSECTOR {
		return common.SECTORSIZE, nil
	}
	b, err := itab.cache.FetchForRead(s)
	if err != nil {
		return 0, err
	}
	di := decodeDiskInode(b.Data)
	itab.cache.Release(b, false)
	if di.magic != INODE_MAGIC {
		return 0, fmt.Errorf("open %d: magic %x: %w", s, di.magic,
			common.ErrCorrupt)
	}
	return di.length, nil
}

// Open returns the inode stored in sector s, sharing the in-memory
// inode with other openers.
func (itab *Itable) Open(s common.Sector) (*Inode, error) {
	itab.mu.Lock()
	if itab.reclaiming[s] {
		itab.mu.Unlock()
		return nil, fmt.Errorf("open %d: %w", s, common.ErrReclaimed)
	}
	if ip, ok := itab.inodes[s]; ok {
		ip.openCnt = ip.openCnt + 1
		itab.mu.Unlock()
		return ip, nil
	}
	itab.mu.Unlock()

	length, err := itab.readLength(s)
	if err != nil {
		return nil, err
	}

	itab.mu.Lock()
	defer itab.mu.Unlock()
	if itab.reclaiming[s] {
		return nil, fmt.Errorf("open %d: %w", s, common.ErrReclaimed)
	}
	if ip, ok := itab.inodes[s]; ok {
		ip.openCnt = ip.openCnt + 1
		return ip, nil
	}
	ip := &Inode{
		itab:    itab,
		sector:  s,
		openCnt: 1,
		mu:      new(sync.Mutex),
		length:  length,
	}
	itab.inodes[s] = ip
	util.DPrintf(1, "Open %v\n", ip)
	return ip, nil
}

func (itab *Itable) NumOpen() int {
	itab.mu.Lock()
	defer itab.mu.Unlock()
	return len(itab.inodes)
}
