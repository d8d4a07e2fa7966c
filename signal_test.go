package vsi

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zbh255/gocode/random"
)

func newTestDirectory(t *testing.T) *directory {
	t.Helper()
	a := newTestAllocator(t, 1<<20, 1<<20)
	d := newDirectory(a)
	require.NoError(t, d.init(defaultDirectoryRecords))
	return d
}

func TestDirectoryLookup(t *testing.T) {
	d := newTestDirectory(t)

	_, err := d.lookup(1, 2, false)
	require.ErrorIs(t, err, ErrNoData)

	sl, err := d.lookup(1, 2, true)
	require.NoError(t, err)
	require.Equal(t, uint64(1), sl.domain)
	require.Equal(t, uint64(2), sl.key)
	require.Equal(t, nullOffset, sl.head)

	// Same list on every lookup from now on.
	again, err := d.lookup(1, 2, false)
	require.NoError(t, err)
	require.Same(t, sl, again)

	// Lists are distinct per (domain, key), not per key alone.
	other, err := d.lookup(3, 2, true)
	require.NoError(t, err)
	require.NotSame(t, sl, other)
}

func TestDirectoryInsertFetchOrder(t *testing.T) {
	d := newTestDirectory(t)
	sl, err := d.lookup(7, 7, true)
	require.NoError(t, err)

	var payloads [][]byte
	for i := 0; i < 20; i++ {
		p := []byte(random.GenStringOnAscii(64))
		payloads = append(payloads, p)
		require.NoError(t, d.insert(sl, p))
	}
	require.Equal(t, uint64(20), sl.count)
	require.Equal(t, int32(20), sl.sem.messageCount)

	buf := make([]byte, 128)
	for _, want := range payloads {
		n, err := d.fetch(sl, buf, -1)
		require.NoError(t, err)
		require.Equal(t, want, buf[:n])
	}
	require.Equal(t, uint64(0), sl.count)
	require.Equal(t, nullOffset, sl.head)
	require.Equal(t, nullOffset, sl.tail)
	require.Equal(t, uint64(0), sl.totalSize)

	_, err = d.fetch(sl, buf, -1)
	require.ErrorIs(t, err, ErrNoData)
}

func TestDirectoryFetchNewestKeepsQueue(t *testing.T) {
	d := newTestDirectory(t)
	sl, err := d.lookup(1, 1, true)
	require.NoError(t, err)

	require.NoError(t, d.insert(sl, []byte("old")))
	require.NoError(t, d.insert(sl, []byte("new")))

	buf := make([]byte, 16)
	for i := 0; i < 3; i++ {
		n, err := d.fetchNewest(sl, buf, -1)
		require.NoError(t, err)
		require.Equal(t, "new", string(buf[:n]))
	}
	require.Equal(t, uint64(2), sl.count)

	// Regular consumption still starts at the head.
	n, err := d.fetch(sl, buf, -1)
	require.NoError(t, err)
	require.Equal(t, "old", string(buf[:n]))
}

func TestDirectoryFlush(t *testing.T) {
	d := newTestDirectory(t)
	sl, err := d.lookup(9, 9, true)
	require.NoError(t, err)

	statBefore := d.alloc.stat.export()
	for i := 0; i < 10; i++ {
		require.NoError(t, d.insert(sl, []byte(random.GenStringOnAscii(32))))
	}
	d.flush(sl)

	require.Equal(t, uint64(0), sl.count)
	require.Equal(t, uint64(0), sl.totalSize)
	require.Equal(t, nullOffset, sl.head)
	require.Equal(t, nullOffset, sl.tail)
	require.Equal(t, int32(0), sl.sem.messageCount)
	require.Equal(t, uint64(1), sl.flushCount)

	// Every queued record went back to the heap.
	stat := d.alloc.stat.export()
	require.Equal(t, statBefore.Frees+10, stat.Frees)

	buf := make([]byte, 64)
	_, err = d.fetch(sl, buf, -1)
	require.ErrorIs(t, err, ErrNoData)

	// The list itself survives a flush.
	require.NoError(t, d.insert(sl, []byte("after")))
	n, err := d.fetch(sl, buf, -1)
	require.NoError(t, err)
	require.Equal(t, "after", string(buf[:n]))
}

func TestDirectoryManyLists(t *testing.T) {
	d := newTestDirectory(t)

	for domain := uint64(0); domain < 10; domain++ {
		for key := uint64(0); key < 20; key++ {
			sl, err := d.lookup(domain, key, true)
			require.NoError(t, err)
			require.NoError(t, d.insert(sl, []byte{byte(domain), byte(key)}))
		}
	}

	// rangeLists walks in (domain, key) order.
	var got [][2]uint64
	d.rangeLists(func(sl *signalList) {
		got = append(got, [2]uint64{sl.domain, sl.key})
	})
	require.Len(t, got, 200)
	for i := 1; i < len(got); i++ {
		prev, cur := got[i-1], got[i]
		less := prev[0] < cur[0] || (prev[0] == cur[0] && prev[1] < cur[1])
		require.True(t, less, "lists out of order at %d: %v %v", i, prev, cur)
	}

	buf := make([]byte, 8)
	for domain := uint64(0); domain < 10; domain++ {
		for key := uint64(0); key < 20; key++ {
			sl, err := d.lookup(domain, key, false)
			require.NoError(t, err)
			n, err := d.fetch(sl, buf, -1)
			require.NoError(t, err)
			require.Equal(t, []byte{byte(domain), byte(key)}, buf[:n])
		}
	}
}
