package vsi

import (
	"time"
	"unsafe"
)

// signalList is the per-(domain, key) FIFO anchor stored in the user
// segment. It is the record type of the directory tree; domain and key
// are the tree's comparison fields. Lists are created on demand and never
// removed, so their offsets stay valid for every attached process.
type signalList struct {
	domain     uint64
	key        uint64
	head       offset
	tail       offset
	count      uint64
	totalSize  uint64
	flushCount uint64
	sem        semaphore
}

var signalListSize = uint64(unsafe.Sizeof(signalList{}))

// Key field offsets inside signalList for the directory tree.
const (
	listKeyDomain uint32 = 0
	listKeyKey    uint32 = 8
)

// signalData is one queued signal record: a link, the payload size, then
// the payload bytes, allocated as a single chunk.
type signalData struct {
	next offset
	size uint64
}

var signalDataSize = uint64(unsafe.Sizeof(signalData{}))

// directory resolves (domain, key) pairs to signal lists. Lookups and
// list creation happen under the directory lock in the user header; the
// tree's nodes and records are ordinary user-segment chunks.
type directory struct {
	tree  *btree
	alloc *allocator
	lock  *futexMutex
}

func newDirectory(a *allocator) *directory {
	return &directory{
		tree: &btree{
			hdr:     &a.usrHdr.dirTree,
			nodes:   a.user,
			records: a.user,
			allocNode: func(size uint32) (offset, error) {
				return a.alloc(uint64(size))
			},
			freeNode: func(off offset, size uint32) {
				a.free(off)
			},
		},
		alloc: a,
		lock:  &a.usrHdr.dirLock,
	}
}

func (d *directory) init(maxRecords uint32) error {
	return d.tree.createInPlace(treeKindUser, maxRecords, listKeyDomain, listKeyKey)
}

// lookup returns the list for (domain, key), creating it when create is
// set. A missing list without create reports ErrNoData.
func (d *directory) lookup(domain, key uint64, create bool) (*signalList, error) {
	d.lock.lock()
	defer d.lock.unlock()
	probe := signalList{domain: domain, key: key}
	if rec, ok := d.tree.search(unsafe.Pointer(&probe)); ok {
		return (*signalList)(d.alloc.user.ptr(rec)), nil
	}
	if !create {
		return nil, ErrNoData
	}
	rec, err := d.alloc.alloc(signalListSize)
	if err != nil {
		return nil, err
	}
	sl := (*signalList)(d.alloc.user.ptr(rec))
	*sl = signalList{domain: domain, key: key}
	if err := d.tree.insert(rec); err != nil {
		d.alloc.free(rec)
		return nil, err
	}
	return sl, nil
}

// rangeLists visits every list in (domain, key) order.
func (d *directory) rangeLists(fn func(sl *signalList)) {
	d.lock.lock()
	defer d.lock.unlock()
	d.tree.traverse(func(rec offset) {
		fn((*signalList)(d.alloc.user.ptr(rec)))
	})
}

func (d *directory) data(sd *signalData) []byte {
	off := d.alloc.user.offsetOf(unsafe.Pointer(sd))
	return d.alloc.user.bytes(off+offset(signalDataSize), sd.size)
}

func (d *directory) record(off offset) *signalData {
	return (*signalData)(d.alloc.user.ptr(off))
}

// insert appends one signal at the tail of the list and wakes every
// blocked fetcher.
func (d *directory) insert(sl *signalList, data []byte) error {
	rec, err := d.alloc.alloc(signalDataSize + uint64(len(data)))
	if err != nil {
		return err
	}
	sd := d.record(rec)
	sd.next = nullOffset
	sd.size = uint64(len(data))
	copy(d.data(sd), data)

	sl.sem.mutex.lock()
	if sl.tail == nullOffset {
		sl.head = rec
	} else {
		d.record(sl.tail).next = rec
	}
	sl.tail = rec
	sl.count++
	sl.totalSize += sd.size
	sl.sem.messageCount++
	sl.sem.cond.broadcast()
	sl.sem.mutex.unlock()
	return nil
}

// fetch copies the oldest signal into buf. Broadcast semantics: every
// fetcher blocked at insert time receives the record; the last of them
// unlinks and frees it. A timeout of zero means wait forever; a negative
// value means do not wait at all.
func (d *directory) fetch(sl *signalList, buf []byte, timeout time.Duration) (int, error) {
	sem := &sl.sem
	sem.mutex.lock()
	defer sem.mutex.unlock()
	if timeout < 0 && sem.messageCount == 0 {
		return 0, ErrNoData
	}
	if err := d.waitForData(sl, timeout); err != nil {
		return 0, err
	}
	sem.waiterCount--

	head := sl.head
	sd := d.record(head)
	n := copy(buf, d.data(sd))
	if sem.waiterCount <= 0 {
		sl.head = sd.next
		if sl.tail == head {
			sl.tail = nullOffset
		}
		sl.count--
		sl.totalSize -= sd.size
		sem.messageCount--
		d.alloc.free(head)
	}
	return n, nil
}

// fetchNewest copies the most recent signal without consuming it; the
// list is left intact for regular fetches.
func (d *directory) fetchNewest(sl *signalList, buf []byte, timeout time.Duration) (int, error) {
	sem := &sl.sem
	sem.mutex.lock()
	defer sem.mutex.unlock()
	if timeout < 0 && sem.messageCount == 0 {
		return 0, ErrNoData
	}
	if err := d.waitForData(sl, timeout); err != nil {
		return 0, err
	}
	sem.waiterCount--
	return copy(buf, d.data(d.record(sl.tail))), nil
}

// waitForData registers the caller as a waiter and blocks until a signal
// is queued. Called and returned with the list mutex held; the waiter
// registration is undone on error. A flush while waiting surfaces as
// ErrNoData rather than a wait on signals that no longer exist.
func (d *directory) waitForData(sl *signalList, timeout time.Duration) error {
	sem := &sl.sem
	sem.waiterCount++
	flushes := sl.flushCount
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for sem.messageCount == 0 {
		if sl.flushCount != flushes {
			sem.waiterCount--
			return ErrNoData
		}
		if timeout > 0 {
			remain := time.Until(deadline)
			if remain <= 0 {
				sem.waiterCount--
				return ErrTimeout
			}
			sem.cond.waitTimeout(&sem.mutex, remain)
		} else {
			sem.cond.wait(&sem.mutex)
		}
	}
	return nil
}

// flush discards every queued signal. The list itself survives so the
// (domain, key) slot keeps working; blocked fetchers wake up and report
// no data.
func (d *directory) flush(sl *signalList) {
	sl.sem.mutex.lock()
	off := sl.head
	for off != nullOffset {
		next := d.record(off).next
		d.alloc.free(off)
		off = next
	}
	sl.head = nullOffset
	sl.tail = nullOffset
	sl.count = 0
	sl.totalSize = 0
	sl.sem.messageCount = 0
	sl.flushCount++
	sl.sem.cond.broadcast()
	sl.sem.mutex.unlock()
}
