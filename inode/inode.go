package inode

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-sectorfs/alloctxn"
	"github.com/mit-pdos/go-sectorfs/common"
)

// An Inode is the in-memory state of an open on-disk inode. All opens
// of one sector share the same Inode.
type Inode struct {
	itab   *Itable
	sector common.Sector

	// protected by itab.mu
	openCnt      uint32
	removed      bool
	denyWriteCnt uint32

	mu     *sync.Mutex // serializes growth
	length uint64      // read atomically; stored with mu held
}

func (ip *Inode) String() string {
	return fmt.Sprintf("inode %d len %d", ip.sector, ip.Length())
}

func (ip *Inode) Inumber() common.Sector {
	return ip.sector
}

func (ip *Inode) Length() uint64 {
	return atomic.LoadUint64(&ip.length)
}

func (ip *Inode) isMap() bool {
	return ip.sector == common.FREEMAPSECTOR
}

// mapRange clamps [off, off+n) to the free-map sector.
func mapRange(off uint64, n int) uint64 {
	if off >= common.SECTORSIZE {
		return 0
	}
	return util.Min(uint64(n), common.SECTORSIZE-off)
}

// ReadAt reads up to len(p) bytes at off, stopping at the end of the
// file. It returns the number of bytes read.
func (ip *Inode) ReadAt(p []byte, off uint64) (uint64, error) {
	if ip.isMap() {
		cnt := mapRange(off, len(p))
		if cnt > 0 {
			ip.itab.cache.ReadMap(p[:cnt], off)
		}
		return cnt, nil
	}
	length := ip.Length()
	if off >= length {
		return 0, nil
	}
	count := util.Min(uint64(len(p)), length-off)
	var n uint64 = 0
	for n < count {
		v := (off + n) / common.SECTORSIZE
		sofs := (off + n) % common.SECTORSIZE
		chunk := util.Min(common.SECTORSIZE-sofs, count-n)
		s, err := ip.lookup(v)
		if err != nil {
			return n, err
		}
		dst := p[n : n+chunk]
		if s == common.NULLSECTOR {
			for i := range dst {
				dst[i] = 0
			}
		} else if err := ip.itab.cache.Read(s, dst, sofs); err != nil {
			return n, err
		}
		util.DPrintf(10, "%v: read %d at %d from %d: %v\n", ip, chunk, off+n, s, dst)
		n += chunk
	}
	util.DPrintf(5, "%v: ReadAt %d %d -> %d\n", ip, off, len(p), n)
	return n, nil
}

// WriteAt writes p at off, growing the file if the write ends past its
// length. While writes are denied it writes nothing and returns 0.
func (ip *Inode) WriteAt(p []byte, off uint64) (uint64, error) {
	if ip.writeDenied() {
		util.DPrintf(1, "%v: write denied\n", ip)
		return 0, nil
	}
	if ip.isMap() {
		cnt := mapRange(off, len(p))
		if cnt > 0 {
			ip.itab.cache.WriteMap(p[:cnt], off)
		}
		return cnt, nil
	}
	if len(p) == 0 {
		return 0, nil
	}
	if util.SumOverflows(off, uint64(len(p))) {
		return 0, common.ErrFileTooLarge
	}
	end := off + uint64(len(p))
	if end > ip.Length() {
		if err := ip.grow(end); err != nil {
			return 0, err
		}
	}
	var n uint64 = 0
	count := uint64(len(p))
	for n < count {
		v := (off + n) / common.SECTORSIZE
		sofs := (off + n) % common.SECTORSIZE
		chunk := util.Min(common.SECTORSIZE-sofs, count-n)
		s, err := ip.lookup(v)
		if err == nil && s == common.NULLSECTOR {
			s, err = ip.fill(v)
		}
		if err != nil {
			return n, err
		}
		src := p[n : n+chunk]
		if err := ip.itab.cache.Write(s, src, sofs); err != nil {
			return n, err
		}
		util.DPrintf(10, "%v: wrote %d at %d to %d: %v\n", ip, chunk, off+n, s, src)
		n += chunk
	}
	util.DPrintf(5, "%v: WriteAt %d %d -> %d\n", ip, off, len(p), n)
	return n, nil
}

// grow extends the file to end bytes. Every sector the new length
// covers is allocated, in ascending order, before the length is written
// to the inode sector and published. If any step fails the new sectors
// are released and the length is unchanged.
func (ip *Inode) grow(end uint64) error {
	if end > common.MaxFileSize() {
		return fmt.Errorf("grow %v to %d: %w", ip, end, common.ErrFileTooLarge)
	}
	ip.mu.Lock()
	defer ip.mu.Unlock()
	length := ip.Length()
	if end <= length {
		return nil
	}
	op := alloctxn.Begin(ip.itab.cache, ip.itab.alloc)
	for v := common.BytesToSectors(length); v < common.BytesToSectors(end); v++ {
		if _, err := ip.resolve(op, v); err != nil {
			util.DPrintf(1, "%v: grow to %d failed at %d: %v\n", ip, end, v, err)
			op.Abort()
			return err
		}
	}
	if err := ip.itab.cache.Write(ip.sector, encodeLength(end), LENGTHOFF); err != nil {
		op.Abort()
		return err
	}
	util.DPrintf(5, "%v: grow to %d, %d new sectors\n", ip, end, op.NAlloc())
	op.Commit()
	atomic.StoreUint64(&ip.length, end)
	return nil
}

// fill allocates logical sector v inside the current length, which only
// happens for an inode whose tree has a hole.
func (ip *Inode) fill(v uint64) (common.Sector, error) {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	op := alloctxn.Begin(ip.itab.cache, ip.itab.alloc)
	s, err := ip.resolve(op, v)
	if err != nil {
		op.Abort()
		return common.NULLSECTOR, err
	}
	op.Commit()
	return s, nil
}

func (ip *Inode) writeDenied() bool {
	ip.itab.mu.Lock()
	defer ip.itab.mu.Unlock()
	return ip.denyWriteCnt > 0
}

// DenyWrite blocks writes until a matching AllowWrite. Each opener may
// deny writes at most once.
func (ip *Inode) DenyWrite() {
	ip.itab.mu.Lock()
	defer ip.itab.mu.Unlock()
	ip.denyWriteCnt = ip.denyWriteCnt + 1
	if ip.denyWriteCnt > ip.openCnt {
		panic(fmt.Sprintf("DenyWrite: %v denied %d times with %d opens",
			ip, ip.denyWriteCnt, ip.openCnt))
	}
}

func (ip *Inode) AllowWrite() {
	ip.itab.mu.Lock()
	defer ip.itab.mu.Unlock()
	if ip.denyWriteCnt == 0 {
		panic(fmt.Sprintf("AllowWrite: %v not denied", ip))
	}
	ip.denyWriteCnt = ip.denyWriteCnt - 1
}

// Reopen returns ip with its open count incremented.
func (ip *Inode) Reopen() *Inode {
	ip.itab.mu.Lock()
	defer ip.itab.mu.Unlock()
	if ip.openCnt == 0 {
		panic(fmt.Sprintf("Reopen: %v is closed", ip))
	}
	ip.openCnt = ip.openCnt + 1
	return ip
}

// Remove marks ip for deletion when its last opener closes it.
func (ip *Inode) Remove() {
	if ip.isMap() {
		panic("Remove: free-map inode")
	}
	ip.itab.mu.Lock()
	defer ip.itab.mu.Unlock()
	util.DPrintf(1, "Remove %v\n", ip)
	ip.removed = true
}

func (ip *Inode) IsRemoved() bool {
	ip.itab.mu.Lock()
	defer ip.itab.mu.Unlock()
	return ip.removed
}

func (ip *Inode) OpenCount() uint32 {
	ip.itab.mu.Lock()
	defer ip.itab.mu.Unlock()
	return ip.openCnt
}

// Close drops one open of ip. The last close removes ip from the open
// table and, if ip was removed, frees its sectors.
func (ip *Inode) Close() error {
	itab := ip.itab
	itab.mu.Lock()
	if ip.openCnt == 0 {
		itab.mu.Unlock()
		panic(fmt.Sprintf("Close: %v is not open", ip))
	}
	ip.openCnt = ip.openCnt - 1
	if ip.denyWriteCnt > ip.openCnt {
		itab.mu.Unlock()
		panic(fmt.Sprintf("Close: %v still denies writes", ip))
	}
	if ip.openCnt > 0 {
		itab.mu.Unlock()
		return nil
	}
	delete(itab.inodes, ip.sector)
	removed := ip.removed
	if removed {
		itab.reclaiming[ip.sector] = true
	}
	itab.mu.Unlock()

	util.DPrintf(1, "Close %v removed %v\n", ip, removed)
	if !removed {
		return nil
	}
	err := itab.reclaim(ip.sector)
	itab.mu.Lock()
	delete(itab.reclaiming, ip.sector)
	itab.mu.Unlock()
	return err
}
