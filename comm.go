package vsi

import "unsafe"

// offset is a position relative to the base of a mapped segment. Offsets
// are the only link representation stored inside the segments, which keeps
// every structure valid no matter where a process maps the files. Offset 0
// always falls inside a segment header and doubles as the null link.
type offset uint64

const nullOffset offset = 0

const (
	defaultUserSegmentSize = 2 * 1024 * 1024
	defaultSysSegmentSize  = 1 * 1024 * 1024

	// Records per node of the two allocator index trees and of the
	// signal directory tree.
	defaultSysTreeRecords   = 21
	defaultDirectoryRecords = 41
)

const (
	markerInUse uint64 = 0xdeadbeefdeadbeef
	markerFree  uint64 = 0xfceefceefceefcee

	// A free chunk is split only when the remainder can hold a header
	// plus this many payload bytes.
	splitThreshold = 16
)

const (
	chunkUser uint32 = iota + 1
	chunkSys
)

var (
	userMagic = [4]byte{'v', 's', 'i', 'U'}
	sysMagic  = [4]byte{'v', 's', 'i', 'S'}
)

const segmentVersion uint32 = 1

// userHeader sits at offset 0 of the user segment. Every process finds the
// two lock words and the directory tree header at these fixed offsets.
type userHeader struct {
	magic       [4]byte
	version     uint32
	segmentSize uint64
	initialized uint32
	_           uint32
	allocLock   futexMutex
	dirLock     futexMutex
	dirTree     treeHeader
}

// sysHeader sits at offset 0 of the system segment and carries the node
// free list plus the two allocator index trees.
type sysHeader struct {
	magic        [4]byte
	version      uint32
	segmentSize  uint64
	initialized  uint32
	_            uint32
	freeListHead offset
	freeNodeSize uint64
	freeCount    uint64
	sizeTree     treeHeader
	offsetTree   treeHeader
}

var (
	userHeaderSize = uint64(unsafe.Sizeof(userHeader{}))
	sysHeaderSize  = uint64(unsafe.Sizeof(sysHeader{}))
)

func align8(n uint64) uint64 {
	return (n + 7) &^ 7
}
