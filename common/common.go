package common

const (
	SECTORSIZE uint64 = 512

	NDIRECT     uint64 = 12             // # direct pointers in an inode
	NPTRS       uint64 = SECTORSIZE / 4 // # sector pointers per index sector
	NSECTORPTRS uint64 = NDIRECT + 2    // direct + indirect + double indirect
	INDIRECT    uint64 = NDIRECT        // index of the single-indirect pointer
	DINDIRECT   uint64 = NDIRECT + 1    // index of the double-indirect pointer
	MAXSECTORS  uint64 = NDIRECT + NPTRS + NPTRS*NPTRS

	NBITSECTOR uint64 = SECTORSIZE * 8 // # bits in the free-map sector

	CACHESZ uint64 = 64 // default # cache slots
)

type Sector uint64

const (
	NULLSECTOR    Sector = 0
	FREEMAPSECTOR Sector = 0
	ROOTDIRSECTOR Sector = 1
)

// BytesToSectors returns the number of sectors needed to hold sz bytes.
func BytesToSectors(sz uint64) uint64 {
	return (sz + SECTORSIZE - 1) / SECTORSIZE
}

func MaxFileSize() uint64 {
	return MAXSECTORS * SECTORSIZE
}
