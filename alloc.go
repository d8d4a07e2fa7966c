package vsi

import (
	"sync/atomic"
	"unsafe"
)

// chunkHeader precedes every user-segment chunk. size includes the header
// and is always 8-byte aligned; off is the chunk's own segment offset and
// doubles as the by-offset index key.
type chunkHeader struct {
	marker uint64
	size   uint64
	off    offset
	kind   uint32
	_      uint32
}

var chunkHeaderSize = uint64(unsafe.Sizeof(chunkHeader{}))

// Key field offsets inside chunkHeader for the two free indices.
const (
	chunkKeySize   uint32 = 8
	chunkKeyOffset uint32 = 16
)

type ExportStat struct {
	Allocs     uint64
	Frees      uint64
	Splits     uint64
	Merges     uint64
	BadMarkers uint64
}

type iStat struct {
	allocs     atomic.Uint64
	frees      atomic.Uint64
	splits     atomic.Uint64
	merges     atomic.Uint64
	badMarkers atomic.Uint64
}

func (s *iStat) export() ExportStat {
	return ExportStat{
		Allocs:     s.allocs.Load(),
		Frees:      s.frees.Load(),
		Splits:     s.splits.Load(),
		Merges:     s.merges.Load(),
		BadMarkers: s.badMarkers.Load(),
	}
}

// allocator manages the user segment heap. Free chunks are indexed twice
// in the system segment: by (size, offset) for smallest-fit allocation and
// by offset for neighbor coalescing. Both indices change together under
// the allocator lock in the user header.
//
// The system segment itself is not chunked: tree nodes of the two indices
// (and of the signal directory in the user segment they never mix with)
// are fixed-size blocks served LIFO from a free list threaded through the
// blocks.
type allocator struct {
	user   *arena
	sys    *arena
	usrHdr *userHeader
	sysHdr *sysHeader
	bySize *btree
	byOff  *btree
	stat   iStat
}

func newAllocator(user, sys *arena) *allocator {
	a := &allocator{
		user:   user,
		sys:    sys,
		usrHdr: (*userHeader)(unsafe.Pointer(&user.dat[0])),
		sysHdr: (*sysHeader)(unsafe.Pointer(&sys.dat[0])),
	}
	a.bySize = &btree{
		hdr:       &a.sysHdr.sizeTree,
		nodes:     sys,
		records:   user,
		allocNode: a.allocSysNode,
		freeNode:  a.freeSysNode,
	}
	a.byOff = &btree{
		hdr:       &a.sysHdr.offsetTree,
		nodes:     sys,
		records:   user,
		allocNode: a.allocSysNode,
		freeNode:  a.freeSysNode,
	}
	return a
}

// initSys lays out a fresh system segment: both index trees plus the node
// free list covering the rest of the segment. Runs before the user
// segment is touched so the first free chunk has somewhere to be indexed.
func (a *allocator) initSys(treeRecords uint32) error {
	if treeRecords&1 == 0 {
		treeRecords++
	}
	nodeSize := uint64(btNodeSize + treeRecords*8 + (treeRecords+1)*8)
	h := a.sysHdr
	h.freeNodeSize = nodeSize
	h.freeListHead = nullOffset
	h.freeCount = 0
	for off := align8(sysHeaderSize); off+nodeSize <= a.sys.size(); off += nodeSize {
		a.freeSysNode(offset(off), 0)
	}
	if err := a.bySize.createInPlace(treeKindSys, treeRecords, chunkKeySize, chunkKeyOffset); err != nil {
		return err
	}
	return a.byOff.createInPlace(treeKindSys, treeRecords, chunkKeyOffset)
}

// initUser indexes the whole heap area of a fresh user segment as one
// free chunk.
func (a *allocator) initUser() error {
	start := offset(align8(userHeaderSize))
	ch := a.chunk(start)
	ch.marker = markerFree
	ch.size = a.user.size() - uint64(start)
	ch.off = start
	ch.kind = chunkUser
	return a.index(ch)
}

func (a *allocator) chunk(off offset) *chunkHeader {
	return (*chunkHeader)(a.user.ptr(off))
}

// allocSysNode pops one fixed-size node block off the system free list.
// Callers hold whichever lock guards the tree being grown.
func (a *allocator) allocSysNode(size uint32) (offset, error) {
	head := a.sysHdr.freeListHead
	if head == nullOffset {
		return nullOffset, ErrNoMemory
	}
	a.sysHdr.freeListHead = *(*offset)(a.sys.ptr(head))
	a.sysHdr.freeCount--
	return head, nil
}

func (a *allocator) freeSysNode(off offset, size uint32) {
	*(*offset)(a.sys.ptr(off)) = a.sysHdr.freeListHead
	a.sysHdr.freeListHead = off
	a.sysHdr.freeCount++
}

func (a *allocator) index(ch *chunkHeader) error {
	if err := a.bySize.insert(ch.off); err != nil {
		return err
	}
	return a.byOff.insert(ch.off)
}

func (a *allocator) unindex(ch *chunkHeader) error {
	if err := a.bySize.delete(unsafe.Pointer(ch)); err != nil {
		return err
	}
	return a.byOff.delete(unsafe.Pointer(ch))
}

// alloc carves a chunk of at least n payload bytes out of the user
// segment and returns the payload offset.
func (a *allocator) alloc(n uint64) (offset, error) {
	a.usrHdr.allocLock.lock()
	defer a.usrHdr.allocLock.unlock()
	return a.allocLocked(n)
}

func (a *allocator) allocLocked(n uint64) (offset, error) {
	needed := align8(n) + chunkHeaderSize
	probe := chunkHeader{size: needed}
	it := a.bySize.find(unsafe.Pointer(&probe))
	if it.atEnd() {
		return nullOffset, ErrNoMemory
	}
	ch := a.chunk(it.rec)
	if err := a.unindex(ch); err != nil {
		return nullOffset, err
	}
	if ch.size-needed > chunkHeaderSize+splitThreshold {
		rest := a.chunk(ch.off + offset(needed))
		rest.marker = markerFree
		rest.size = ch.size - needed
		rest.off = ch.off + offset(needed)
		rest.kind = chunkUser
		if err := a.index(rest); err != nil {
			return nullOffset, err
		}
		ch.size = needed
		a.stat.splits.Add(1)
	}
	ch.marker = markerInUse
	a.stat.allocs.Add(1)
	return ch.off + offset(chunkHeaderSize), nil
}

// free returns the chunk holding the given payload offset to the heap,
// coalescing with free neighbors on both sides.
func (a *allocator) free(payload offset) error {
	a.usrHdr.allocLock.lock()
	defer a.usrHdr.allocLock.unlock()
	return a.freeLocked(payload)
}

func (a *allocator) freeLocked(payload offset) error {
	ch := a.chunk(payload - offset(chunkHeaderSize))
	if ch.marker != markerInUse {
		// Corrupted or double-freed chunk. Leaking it is safer than
		// linking unknown memory into the free indices.
		a.stat.badMarkers.Add(1)
		return errBadChunk
	}
	ch.marker = markerFree

	// Following neighbor.
	if next := ch.off + offset(ch.size); uint64(next)+chunkHeaderSize <= a.user.size() {
		nh := a.chunk(next)
		if nh.marker == markerFree {
			if err := a.unindex(nh); err != nil {
				return err
			}
			ch.size += nh.size
			nh.marker = 0
			a.stat.merges.Add(1)
		}
	}

	// Preceding neighbor: the largest indexed chunk starting before us.
	probe := chunkHeader{off: ch.off - 1}
	if it := a.byOff.rfind(unsafe.Pointer(&probe)); !it.atEnd() {
		ph := a.chunk(it.rec)
		if ph.marker == markerFree && ph.off+offset(ph.size) == ch.off {
			if err := a.unindex(ph); err != nil {
				return err
			}
			ph.size += ch.size
			ch.marker = 0
			ch = ph
			a.stat.merges.Add(1)
		}
	}
	a.stat.frees.Add(1)
	return a.index(ch)
}
