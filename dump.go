package vsi

import (
	"fmt"
	"io"
)

// Dump writes a human-readable snapshot of the directory and the free
// heap to w. Meant for debugging; it takes the same locks as the regular
// operations, so output is internally consistent.
func (s *Store) Dump(w io.Writer) {
	fmt.Fprintf(w, "store %s: user %d bytes, sys %d bytes\n",
		s.cfg.BaseName, s.user.size(), s.sys.size())

	fmt.Fprintf(w, "signal lists (%d):\n", s.dir.tree.hdr.count)
	s.dir.rangeLists(func(sl *signalList) {
		fmt.Fprintf(w, "  domain %d key %d: %d signals, %d bytes, %d waiters\n",
			sl.domain, sl.key, sl.count, sl.totalSize, sl.sem.waiterCount)
	})

	a := s.alloc
	a.usrHdr.allocLock.lock()
	fmt.Fprintf(w, "free chunks (%d):\n", a.byOff.hdr.count)
	a.byOff.traverse(func(rec offset) {
		ch := a.chunk(rec)
		fmt.Fprintf(w, "  offset %d size %d\n", ch.off, ch.size)
	})
	fmt.Fprintf(w, "sys free nodes: %d of %d bytes\n",
		a.sysHdr.freeCount, a.sysHdr.freeNodeSize)
	a.usrHdr.allocLock.unlock()

	st := a.stat.export()
	fmt.Fprintf(w, "allocs %d frees %d splits %d merges %d bad markers %d\n",
		st.Allocs, st.Frees, st.Splits, st.Merges, st.BadMarkers)
}
