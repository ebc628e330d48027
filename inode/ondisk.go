package inode

import (
	"fmt"

	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-sectorfs/common"
)

const INODE_MAGIC uint32 = 0x494e4f44

// Byte offsets within an inode sector. All fields are little-endian
// uint32; the rest of the sector is zero.
const (
	LENGTHOFF  uint64 = 0
	SECTORSOFF uint64 = 4
	MAGICOFF   uint64 = SECTORSOFF + 4*common.NSECTORPTRS
)

type diskInode struct {
	length  uint64
	sectors []common.Sector
	magic   uint32
}

func mkDiskInode(length uint64) *diskInode {
	return &diskInode{
		length:  length,
		sectors: make([]common.Sector, common.NSECTORPTRS),
		magic:   INODE_MAGIC,
	}
}

func (di *diskInode) String() string {
	return fmt.Sprintf("len %d magic %x %v", di.length, di.magic, di.sectors)
}

func (di *diskInode) Encode() []byte {
	enc := marshal.NewEnc(common.SECTORSIZE)
	enc.PutInt32(uint32(di.length))
	for _, s := range di.sectors {
		enc.PutInt32(uint32(s))
	}
	enc.PutInt32(di.magic)
	return enc.Finish()
}

func decodeDiskInode(b []byte) *diskInode {
	di := &diskInode{
		sectors: make([]common.Sector, common.NSECTORPTRS),
	}
	dec := marshal.NewDec(b)
	di.length = uint64(dec.GetInt32())
	for i := range di.sectors {
		di.sectors[i] = common.Sector(dec.GetInt32())
	}
	di.magic = dec.GetInt32()
	return di
}

// ptrOff is the byte offset of pointer i in the inode sector.
func ptrOff(i uint64) uint64 {
	return SECTORSOFF + 4*i
}

func encodeLength(length uint64) []byte {
	enc := marshal.NewEnc(4)
	enc.PutInt32(uint32(length))
	return enc.Finish()
}
