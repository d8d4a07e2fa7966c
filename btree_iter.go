package vsi

import "unsafe"

// btIter walks tree records in key order. It captures the tree generation
// at creation; any insert or delete invalidates it and later calls fail
// with errIterInvalid instead of chasing freed nodes.
type btIter struct {
	t     *btree
	node  offset
	index int
	rec   offset
	gen   uint64
}

// find positions an iterator at the smallest record >= key, for forward
// iteration with next. Returns nil when no such record exists.
func (b *btree) find(key unsafe.Pointer) *btIter {
	if b.hdr.count == 0 {
		return nil
	}
	iter := &btIter{t: b, gen: b.hdr.generation}
	node := b.hdr.root
	for {
		n := b.node(node)
		i, index, diff := 0, 0, 0
		for i < int(n.keysInUse) {
			index = i
			diff = b.compare(key, b.recPtr(n, i))
			if diff <= 0 {
				break
			}
			i++
		}
		if diff == 0 {
			iter.node, iter.index = node, index
			break
		}
		if diff > 0 {
			// Larger than everything here; only a right subtree
			// can still hold a candidate.
			if isLeaf(n) {
				break
			}
			node = b.childSlots(n)[index+1]
			continue
		}
		if isLeaf(n) {
			iter.node, iter.index = node, index
			break
		}
		// The record at index is a candidate; remember it before
		// descending in case the left subtree has nothing smaller.
		iter.node, iter.index = node, index
		node = b.childSlots(n)[index]
	}
	if iter.node == nullOffset {
		return nil
	}
	iter.rec = b.recSlots(b.node(iter.node))[iter.index]
	return iter
}

// rfind positions an iterator at the largest record <= key, for reverse
// iteration with previous. Returns nil when no such record exists.
func (b *btree) rfind(key unsafe.Pointer) *btIter {
	if b.hdr.count == 0 {
		return nil
	}
	iter := &btIter{t: b, gen: b.hdr.generation}
	node := b.hdr.root
	for {
		n := b.node(node)
		index, diff := 0, 0
		i := int(n.keysInUse) - 1
		for i >= 0 {
			index = i
			diff = b.compare(key, b.recPtr(n, i))
			if diff >= 0 {
				break
			}
			i--
		}
		if diff == 0 {
			iter.node, iter.index = node, index
			break
		}
		if diff < 0 {
			if isLeaf(n) {
				break
			}
			node = b.childSlots(n)[index]
			continue
		}
		if isLeaf(n) {
			iter.node, iter.index = node, index
			break
		}
		iter.node, iter.index = node, index
		node = b.childSlots(n)[index+1]
	}
	if iter.node == nullOffset {
		return nil
	}
	iter.rec = b.recSlots(b.node(iter.node))[iter.index]
	return iter
}

// begin returns an iterator at the smallest record, or nil when empty.
func (b *btree) begin() *btIter {
	if b.hdr.count == 0 {
		return nil
	}
	pos := b.minPos(b.hdr.root)
	return &btIter{
		t:     b,
		node:  pos.node,
		index: pos.index,
		rec:   b.recSlots(b.node(pos.node))[pos.index],
		gen:   b.hdr.generation,
	}
}

func (it *btIter) atEnd() bool {
	return it == nil || it.node == nullOffset
}

// data returns the record offset under the iterator.
func (it *btIter) data() (offset, error) {
	if it.t.hdr.generation != it.gen {
		return nullOffset, errIterInvalid
	}
	if it.atEnd() {
		return nullOffset, ErrNoData
	}
	return it.rec, nil
}

// next moves to the successor of the current record; at the largest record
// the iterator becomes an end iterator.
func (it *btIter) next() error {
	b := it.t
	if b.hdr.generation != it.gen {
		return errIterInvalid
	}
	key := b.records.ptr(it.rec)
	node := it.node
	for {
		n := b.node(node)
		if isLeaf(n) {
			for i := 0; i < int(n.keysInUse); i++ {
				if b.compare(key, b.recPtr(n, i)) < 0 {
					it.node, it.index, it.rec = node, i, b.recSlots(n)[i]
					return nil
				}
			}
			if n.parent == nullOffset {
				it.node = nullOffset
				return nil
			}
			node = n.parent
			continue
		}
		k := int(n.keysInUse)
		for i := 0; i < k; i++ {
			if b.compare(key, b.recPtr(n, i)) < 0 {
				// Either the smallest record of the left subtree
				// or the record itself is the successor.
				pos := b.minPos(b.childSlots(n)[i])
				rec := b.recSlots(b.node(pos.node))[pos.index]
				if b.compare(key, b.records.ptr(rec)) < 0 {
					it.node, it.index, it.rec = pos.node, pos.index, rec
				} else {
					it.node, it.index, it.rec = node, i, b.recSlots(n)[i]
				}
				return nil
			}
		}
		last := b.childSlots(n)[k]
		pos := b.maxPos(last)
		maxRec := b.recSlots(b.node(pos.node))[pos.index]
		if b.compare(key, b.records.ptr(maxRec)) >= 0 {
			if n.parent == nullOffset {
				it.node = nullOffset
				return nil
			}
			node = n.parent
			continue
		}
		pos = b.minPos(last)
		rec := b.recSlots(b.node(pos.node))[pos.index]
		if b.compare(key, b.records.ptr(rec)) < 0 {
			it.node, it.index, it.rec = pos.node, pos.index, rec
			return nil
		}
		node = last
	}
}

// previous moves to the predecessor of the current record; at the smallest
// record the iterator becomes an end iterator.
func (it *btIter) previous() error {
	b := it.t
	if b.hdr.generation != it.gen {
		return errIterInvalid
	}
	key := b.records.ptr(it.rec)
	node := it.node
	for {
		n := b.node(node)
		if isLeaf(n) {
			for i := int(n.keysInUse) - 1; i >= 0; i-- {
				if b.compare(key, b.recPtr(n, i)) > 0 {
					it.node, it.index, it.rec = node, i, b.recSlots(n)[i]
					return nil
				}
			}
			if n.parent == nullOffset {
				it.node = nullOffset
				return nil
			}
			node = n.parent
			continue
		}
		k := int(n.keysInUse)
		for i := k - 1; i >= 0; i-- {
			if b.compare(key, b.recPtr(n, i)) > 0 {
				pos := b.maxPos(b.childSlots(n)[i+1])
				rec := b.recSlots(b.node(pos.node))[pos.index]
				if b.compare(key, b.records.ptr(rec)) > 0 {
					it.node, it.index, it.rec = pos.node, pos.index, rec
				} else {
					it.node, it.index, it.rec = node, i, b.recSlots(n)[i]
				}
				return nil
			}
		}
		first := b.childSlots(n)[0]
		pos := b.minPos(first)
		minRec := b.recSlots(b.node(pos.node))[pos.index]
		if b.compare(key, b.records.ptr(minRec)) <= 0 {
			if n.parent == nullOffset {
				it.node = nullOffset
				return nil
			}
			node = n.parent
			continue
		}
		pos = b.maxPos(first)
		rec := b.recSlots(b.node(pos.node))[pos.index]
		if b.compare(key, b.records.ptr(rec)) > 0 {
			it.node, it.index, it.rec = pos.node, pos.index, rec
			return nil
		}
		node = first
	}
}
