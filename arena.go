package vsi

import (
	"fmt"
	"unsafe"
)

// arena wraps one mapped segment. It is the single place where offsets
// become pointers; everything above it works in offsets.
type arena struct {
	dat []byte
}

func (a *arena) size() uint64 {
	return uint64(len(a.dat))
}

func (a *arena) ptr(off offset) unsafe.Pointer {
	if off == nullOffset || uint64(off) >= uint64(len(a.dat)) {
		panic(fmt.Errorf("offset %d outside segment of %d bytes", off, len(a.dat)))
	}
	return unsafe.Pointer(&a.dat[off])
}

func (a *arena) bytes(off offset, n uint64) []byte {
	if off == nullOffset || uint64(off)+n > uint64(len(a.dat)) {
		panic(fmt.Errorf("range [%d,%d) outside segment of %d bytes", off, uint64(off)+n, len(a.dat)))
	}
	return a.dat[off : uint64(off)+n : uint64(off)+n]
}

func (a *arena) offsetOf(p unsafe.Pointer) offset {
	return offset(uintptr(p) - uintptr(unsafe.Pointer(&a.dat[0])))
}

// slots views n offset cells starting at off, e.g. the record or child
// arrays of a tree node.
func (a *arena) slots(off offset, n uint32) []offset {
	return unsafe.Slice((*offset)(a.ptr(off)), n)
}
