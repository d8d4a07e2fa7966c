package vsi

import (
	"unsafe"
)

// treeHeader is the persistent shared-memory form of a B-tree. The handle
// around it (btree) is per-process and rebuilt on every attach.
//
// Keys are up to four uint64 fields at fixed byte offsets inside the data
// record, compared in declaration order. Duplicate keys are permitted.
type treeHeader struct {
	maxRecords uint32
	nodeSize   uint32
	minDegree  uint32
	min        uint32
	keyCount   uint32
	kind       uint32
	keys       [4]uint32
	count      uint64
	generation uint64
	root       offset
}

const (
	treeKindUser uint32 = iota + 1
	treeKindSys
)

// btNode is the header of one tree node. The node is a single block:
// header, then maxRecords record-offset slots, then maxRecords+1 child
// slots. records/children hold the segment offsets of those slot arrays so
// the whole node stays relocatable.
type btNode struct {
	next      offset
	parent    offset
	records   offset
	children  offset
	keysInUse uint32
	level     uint32
}

var btNodeSize = uint32(unsafe.Sizeof(btNode{}))

func isLeaf(n *btNode) bool {
	return n.level == 0
}

// btree binds a treeHeader to the segment holding its nodes and the
// segment holding its data records. Node storage differs per tree kind
// (user chunks vs system free-list blocks) but data records always live in
// the user segment, so the two arenas may differ.
type btree struct {
	hdr     *treeHeader
	nodes   *arena
	records *arena

	allocNode func(size uint32) (offset, error)
	freeNode  func(off offset, size uint32)

	// Bumped when an internal-node delete replacement does not land on
	// a leaf. Must stay zero; checked by tests.
	replacedNonLeaf uint64
}

func (b *btree) compare(x, y unsafe.Pointer) int {
	for i := uint32(0); i < b.hdr.keyCount; i++ {
		xv := *(*uint64)(unsafe.Add(x, uintptr(b.hdr.keys[i])))
		yv := *(*uint64)(unsafe.Add(y, uintptr(b.hdr.keys[i])))
		if xv < yv {
			return -1
		}
		if xv > yv {
			return 1
		}
	}
	return 0
}

func (b *btree) node(off offset) *btNode {
	return (*btNode)(b.nodes.ptr(off))
}

func (b *btree) recSlots(n *btNode) []offset {
	return b.nodes.slots(n.records, b.hdr.maxRecords)
}

func (b *btree) childSlots(n *btNode) []offset {
	return b.nodes.slots(n.children, b.hdr.maxRecords+1)
}

func (b *btree) recPtr(n *btNode, i int) unsafe.Pointer {
	return b.records.ptr(b.recSlots(n)[i])
}

func (b *btree) initNode(off offset) {
	clear(b.nodes.bytes(off, uint64(b.hdr.nodeSize)))
	n := b.node(off)
	n.records = off + offset(btNodeSize)
	n.children = n.records + offset(b.hdr.maxRecords)*8
}

func (b *btree) newNode() (offset, error) {
	off, err := b.allocNode(b.hdr.nodeSize)
	if err != nil {
		return nullOffset, err
	}
	b.initNode(off)
	return off, nil
}

func (b *btree) releaseNode(off offset) {
	clear(b.nodes.bytes(off, uint64(b.hdr.nodeSize)))
	b.freeNode(off, b.hdr.nodeSize)
}

// createInPlace initializes the header for a fresh tree and allocates its
// empty root. An even record count is bumped to the next odd number; the
// split and merge paths rely on an odd maximum.
func (b *btree) createInPlace(kind uint32, maxRecords uint32, keyOffsets ...uint32) error {
	if maxRecords&1 == 0 {
		maxRecords++
	}
	h := b.hdr
	h.maxRecords = maxRecords
	h.nodeSize = btNodeSize + maxRecords*8 + (maxRecords+1)*8
	h.minDegree = (maxRecords + 1) / 2
	h.min = h.minDegree - 1
	h.keyCount = uint32(len(keyOffsets))
	h.kind = kind
	for i, ko := range keyOffsets {
		h.keys[i] = ko
	}
	h.count = 0
	h.generation = 0
	root, err := b.newNode()
	if err != nil {
		return err
	}
	h.root = root
	return nil
}

// insert adds the record at rec to the tree. Full nodes are split on the
// way down so the insertion point always has room.
func (b *btree) insert(rec offset) error {
	rootOff := b.hdr.root
	root := b.node(rootOff)
	if root.keysInUse >= b.hdr.maxRecords {
		newRootOff, err := b.newNode()
		if err != nil {
			return err
		}
		newRoot := b.node(newRootOff)
		newRoot.level = root.level + 1
		newRoot.next = rootOff
		b.hdr.root = newRootOff
		b.childSlots(newRoot)[0] = rootOff
		root.parent = newRootOff
		if err := b.splitChild(newRootOff, 0, rootOff); err != nil {
			return err
		}
		if err := b.insertNonFull(newRootOff, rec); err != nil {
			return err
		}
	} else if err := b.insertNonFull(rootOff, rec); err != nil {
		return err
	}
	b.hdr.count++
	b.hdr.generation++
	return nil
}

// splitChild splits the full child at parent slot index into two nodes of
// min records each and moves the median record up into the parent.
func (b *btree) splitChild(parentOff offset, index int, childOff offset) error {
	newOff, err := b.newNode()
	if err != nil {
		return err
	}
	parent := b.node(parentOff)
	child := b.node(childOff)
	newChild := b.node(newOff)
	min := int(b.hdr.min)
	minDegree := int(b.hdr.minDegree)

	newChild.level = child.level
	newChild.keysInUse = b.hdr.min
	newChild.parent = parentOff

	crec := b.recSlots(child)
	copy(b.recSlots(newChild)[:min], crec[minDegree:minDegree+min])
	if !isLeaf(child) {
		nch := b.childSlots(newChild)
		copy(nch[:min+1], b.childSlots(child)[minDegree:minDegree+min+1])
		for i := 0; i <= min; i++ {
			b.node(nch[i]).parent = newOff
		}
	}
	child.keysInUse = b.hdr.min

	k := int(parent.keysInUse)
	prec := b.recSlots(parent)
	pch := b.childSlots(parent)
	copy(pch[index+2:k+2], pch[index+1:k+1])
	copy(prec[index+1:k+1], prec[index:k])
	pch[index+1] = newOff
	prec[index] = crec[min]
	parent.keysInUse++
	return nil
}

func (b *btree) insertNonFull(nodeOff offset, rec offset) error {
	recPtr := b.records.ptr(rec)
	node := nodeOff
	for {
		n := b.node(node)
		slots := b.recSlots(n)
		i := int(n.keysInUse) - 1
		if isLeaf(n) {
			for i >= 0 && b.compare(recPtr, b.records.ptr(slots[i])) < 0 {
				slots[i+1] = slots[i]
				i--
			}
			slots[i+1] = rec
			n.keysInUse++
			return nil
		}
		for i >= 0 && b.compare(recPtr, b.records.ptr(slots[i])) < 0 {
			i--
		}
		i++
		child := b.childSlots(n)[i]
		if b.node(child).keysInUse >= b.hdr.maxRecords {
			if err := b.splitChild(node, i, child); err != nil {
				return err
			}
			if b.compare(recPtr, b.recPtr(n, i)) > 0 {
				i++
			}
		}
		node = b.childSlots(n)[i]
	}
}

type nodePos struct {
	node  offset
	index int
}

func (b *btree) minPos(subtree offset) nodePos {
	node := subtree
	for {
		n := b.node(node)
		if isLeaf(n) {
			return nodePos{node: node, index: 0}
		}
		node = b.childSlots(n)[0]
	}
}

func (b *btree) maxPos(subtree offset) nodePos {
	node := subtree
	for {
		n := b.node(node)
		if isLeaf(n) {
			return nodePos{node: node, index: int(n.keysInUse) - 1}
		}
		node = b.childSlots(n)[n.keysInUse]
	}
}

// mergeSiblings collapses the children on both sides of parent record
// index into the left child, pulling the parent record down as the new
// median. An empty parent must be the root; the merged node replaces it.
func (b *btree) mergeSiblings(parentOff offset, index int) offset {
	parent := b.node(parentOff)
	if index == int(parent.keysInUse) {
		index--
	}
	pch := b.childSlots(parent)
	leftOff, rightOff := pch[index], pch[index+1]
	left, right := b.node(leftOff), b.node(rightOff)
	lrec, rrec := b.recSlots(left), b.recSlots(right)
	lk, rk := int(left.keysInUse), int(right.keysInUse)

	lrec[lk] = b.recSlots(parent)[index]
	copy(lrec[lk+1:lk+1+rk], rrec[:rk])
	if !isLeaf(left) {
		lch, rch := b.childSlots(left), b.childSlots(right)
		copy(lch[lk+1:lk+2+rk], rch[:rk+1])
		for i := 0; i <= rk; i++ {
			b.node(rch[i]).parent = leftOff
		}
	}
	left.keysInUse = uint32(lk + 1 + rk)

	if pk := int(parent.keysInUse); pk > 1 {
		prec := b.recSlots(parent)
		copy(prec[index:pk-1], prec[index+1:pk])
		copy(pch[index+1:pk], pch[index+2:pk+1])
		parent.keysInUse--
	} else {
		left.parent = nullOffset
		b.hdr.root = leftOff
		b.releaseNode(parentOff)
	}
	left.next = right.next
	b.releaseNode(rightOff)
	b.hdr.generation++
	return leftOff
}

type direction int

const (
	toLeft direction = iota
	toRight
)

// moveKey borrows one record through the parent record at index: toLeft
// pulls the right sibling's first record up and the parent record down
// into the left child, toRight the mirror image.
func (b *btree) moveKey(nodeOff offset, index int, dir direction) {
	if dir == toRight {
		index--
	}
	node := b.node(nodeOff)
	pch := b.childSlots(node)
	leftOff, rightOff := pch[index], pch[index+1]
	left, right := b.node(leftOff), b.node(rightOff)
	nrec := b.recSlots(node)
	lrec, rrec := b.recSlots(left), b.recSlots(right)
	lk, rk := int(left.keysInUse), int(right.keysInUse)

	if dir == toLeft {
		lrec[lk] = nrec[index]
		if !isLeaf(left) {
			moved := b.childSlots(right)[0]
			b.childSlots(left)[lk+1] = moved
			b.node(moved).parent = leftOff
		}
		left.keysInUse++
		nrec[index] = rrec[0]
		copy(rrec[:rk-1], rrec[1:rk])
		if !isLeaf(right) {
			rch := b.childSlots(right)
			copy(rch[:rk], rch[1:rk+1])
		}
		right.keysInUse--
	} else {
		copy(rrec[1:rk+1], rrec[:rk])
		if !isLeaf(right) {
			rch := b.childSlots(right)
			copy(rch[1:rk+2], rch[:rk+1])
		}
		rrec[0] = nrec[index]
		if !isLeaf(left) {
			moved := b.childSlots(left)[lk]
			b.childSlots(right)[0] = moved
			b.node(moved).parent = rightOff
		}
		nrec[index] = lrec[lk-1]
		left.keysInUse--
		right.keysInUse++
	}
	b.hdr.generation++
}

func (b *btree) deleteFromLeaf(nodeOff offset, index int) {
	n := b.node(nodeOff)
	k := int(n.keysInUse)
	slots := b.recSlots(n)
	copy(slots[index:k-1], slots[index+1:k])
	n.keysInUse--
	b.hdr.count--
	b.hdr.generation++
}

// delete removes one record matching key. With duplicates present it
// removes whichever equal record the descent reaches first.
func (b *btree) delete(key unsafe.Pointer) error {
	return b.deleteSubtree(b.hdr.root, key)
}

func (b *btree) deleteSubtree(subtree offset, key unsafe.Pointer) error {
	min := int(b.hdr.min)
	node := subtree

restart:
	for {
		// Descend towards the key, fixing up any minimal node before
		// entering it so one record can always be removed below.
		var index int
		for {
			n := b.node(node)
			if n.keysInUse == 0 {
				return ErrNoData
			}
			i, diff := 0, 0
			for i < int(n.keysInUse) {
				diff = b.compare(key, b.recPtr(n, i))
				if diff <= 0 {
					break
				}
				i++
			}
			index = i
			if i < int(n.keysInUse) && diff == 0 {
				break
			}
			if isLeaf(n) {
				return ErrNoData
			}
			parentOff := node
			childOff := b.childSlots(n)[i]
			if childOff == nullOffset {
				return ErrNoData
			}
			if int(b.node(childOff).keysInUse) > min {
				node = childOff
				continue
			}
			var lsib, rsib offset
			switch {
			case index == int(n.keysInUse):
				lsib = b.childSlots(n)[index-1]
			case index == 0:
				rsib = b.childSlots(n)[1]
			default:
				lsib = b.childSlots(n)[index-1]
				rsib = b.childSlots(n)[index+1]
			}
			node = childOff
			switch {
			case rsib != nullOffset && int(b.node(rsib).keysInUse) > min:
				b.moveKey(parentOff, index, toLeft)
			case lsib != nullOffset && int(b.node(lsib).keysInUse) > min:
				b.moveKey(parentOff, index, toRight)
			default:
				node = b.mergeSiblings(parentOff, index)
			}
		}

		n := b.node(node)
		if isLeaf(n) {
			// Present either with spare records or as the root,
			// which may shrink below min freely.
			b.deleteFromLeaf(node, index)
			return nil
		}

		leftOff := b.childSlots(n)[index]
		rightOff := b.childSlots(n)[index+1]
		switch {
		case int(b.node(leftOff).keysInUse) > min:
			// Replace with the predecessor and delete it from the
			// left subtree. The replacement source is a leaf by
			// construction.
			pos := b.maxPos(leftOff)
			if !isLeaf(b.node(pos.node)) {
				b.replacedNonLeaf++
			}
			b.recSlots(n)[index] = b.recSlots(b.node(pos.node))[pos.index]
			return b.deleteSubtree(leftOff, b.recPtr(n, index))
		case int(b.node(rightOff).keysInUse) > min:
			pos := b.minPos(rightOff)
			if !isLeaf(b.node(pos.node)) {
				b.replacedNonLeaf++
			}
			b.recSlots(n)[index] = b.recSlots(b.node(pos.node))[pos.index]
			return b.deleteSubtree(rightOff, b.recPtr(n, index))
		default:
			node = b.mergeSiblings(node, index)
			continue restart
		}
	}
}

// search returns the record offset of the first record equal to key.
func (b *btree) search(key unsafe.Pointer) (offset, bool) {
	node := b.hdr.root
	for {
		n := b.node(node)
		slots := b.recSlots(n)
		i, diff := 0, 0
		for i < int(n.keysInUse) {
			diff = b.compare(key, b.records.ptr(slots[i]))
			if diff < 0 {
				break
			}
			if diff == 0 {
				return slots[i], true
			}
			i++
		}
		if isLeaf(n) {
			return nullOffset, false
		}
		node = b.childSlots(n)[i]
	}
}

func (b *btree) getMin() (offset, bool) {
	if b.hdr.count == 0 {
		return nullOffset, false
	}
	pos := b.minPos(b.hdr.root)
	return b.recSlots(b.node(pos.node))[pos.index], true
}

func (b *btree) getMax() (offset, bool) {
	if b.hdr.count == 0 {
		return nullOffset, false
	}
	pos := b.maxPos(b.hdr.root)
	return b.recSlots(b.node(pos.node))[pos.index], true
}

// traverse visits every record in ascending key order.
func (b *btree) traverse(fn func(rec offset)) {
	if b.hdr.count == 0 {
		return
	}
	b.traverseNode(b.hdr.root, fn)
}

func (b *btree) traverseNode(node offset, fn func(rec offset)) {
	n := b.node(node)
	slots := b.recSlots(n)
	if isLeaf(n) {
		for i := 0; i < int(n.keysInUse); i++ {
			fn(slots[i])
		}
		return
	}
	ch := b.childSlots(n)
	for i := 0; i < int(n.keysInUse); i++ {
		b.traverseNode(ch[i], fn)
		fn(slots[i])
	}
	b.traverseNode(ch[n.keysInUse], fn)
}
