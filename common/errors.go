package common

import "errors"

var (
	// ErrNoSpace is returned when the free-space allocator is exhausted.
	ErrNoSpace = errors.New("no free sectors")

	// ErrFileTooLarge is returned for offsets beyond the index tree.
	ErrFileTooLarge = errors.New("file too large")

	// ErrIO is returned for device failures, including out-of-range
	// sector numbers.
	ErrIO = errors.New("storage I/O error")

	// ErrReclaimed is returned when opening a removed inode whose
	// sectors are being freed.
	ErrReclaimed = errors.New("inode is being reclaimed")

	// ErrCorrupt is returned when an on-disk inode fails its magic check.
	ErrCorrupt = errors.New("corrupt inode")
)
