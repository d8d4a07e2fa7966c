package vsi

import (
	"bytes"
	"os"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zbh255/gocode/random"
)

func initTest(t *testing.T) {
	err := os.RemoveAll("testdata")
	require.NoError(t, err)
	err = os.Mkdir("testdata", 0755)
	require.NoError(t, err)
}

func newTestStore(t *testing.T, baseName string) *Store {
	t.Helper()
	s := NewStore(Config{
		Dir:      "testdata",
		BaseName: baseName,
	})
	require.NoError(t, s.Init())
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

func TestStoreInsertFetch(t *testing.T) {
	initTest(t)
	s := newTestStore(t, "fifo")

	var payloads [][]byte
	for i := 0; i < 100; i++ {
		p := []byte(random.GenStringOnAscii(200))
		payloads = append(payloads, p)
		require.NoError(t, s.Insert(1, 42, p))
	}

	buf := make([]byte, 256)
	for _, want := range payloads {
		n, err := s.Fetch(1, 42, buf, false)
		require.NoError(t, err)
		require.Equal(t, want, buf[:n])
	}
	_, err := s.Fetch(1, 42, buf, false)
	require.ErrorIs(t, err, ErrNoData)

	// Unknown (domain, key) without wait never creates a list.
	_, err = s.Fetch(2, 42, buf, false)
	require.ErrorIs(t, err, ErrNoData)
}

func TestStoreFetchNewest(t *testing.T) {
	initTest(t)
	s := newTestStore(t, "newest")

	require.NoError(t, s.Insert(1, 1, []byte("first")))
	require.NoError(t, s.Insert(1, 1, []byte("second")))
	require.NoError(t, s.Insert(1, 1, []byte("third")))

	buf := make([]byte, 16)
	n, err := s.FetchNewest(1, 1, buf, false)
	require.NoError(t, err)
	require.Equal(t, "third", string(buf[:n]))

	// Nothing was consumed.
	n, err = s.Fetch(1, 1, buf, false)
	require.NoError(t, err)
	require.Equal(t, "first", string(buf[:n]))
}

func TestStoreBufferTruncation(t *testing.T) {
	initTest(t)
	s := newTestStore(t, "trunc")

	payload := []byte(random.GenStringOnAscii(100))
	require.NoError(t, s.Insert(1, 1, payload))

	buf := make([]byte, 10)
	n, err := s.Fetch(1, 1, buf, false)
	require.NoError(t, err)
	require.Equal(t, 10, n)
	require.Equal(t, payload[:10], buf)
}

func TestStoreConcurrentWaiters(t *testing.T) {
	initTest(t)
	s := newTestStore(t, "waiters")

	sl, err := s.dir.lookup(1, 7, true)
	require.NoError(t, err)
	waiters := func() int32 {
		sl.sem.mutex.lock()
		defer sl.sem.mutex.unlock()
		return sl.sem.waiterCount
	}

	type result struct {
		data []byte
		err  error
	}
	const fetchers = 2
	results := make(chan result, fetchers)
	var wg sync.WaitGroup
	for i := 0; i < fetchers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, 64)
			n, err := s.Fetch(1, 7, buf, true)
			results <- result{data: buf[:n], err: err}
		}()
	}

	require.Eventually(t, func() bool { return waiters() == fetchers },
		5*time.Second, time.Millisecond)
	require.NoError(t, s.Insert(1, 7, []byte("broadcast")))
	wg.Wait()
	close(results)

	// Every waiter got the one signal and the last one reclaimed it.
	count := 0
	for got := range results {
		count++
		require.NoError(t, got.err)
		require.Equal(t, "broadcast", string(got.data))
	}
	require.Equal(t, fetchers, count)
	_, err = s.Fetch(1, 7, make([]byte, 64), false)
	require.ErrorIs(t, err, ErrNoData)
	require.Equal(t, int32(0), waiters())
}

func TestStoreFlushWakesWaiter(t *testing.T) {
	initTest(t)
	s := newTestStore(t, "flushwake")

	sl, err := s.dir.lookup(3, 3, true)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.Fetch(3, 3, make([]byte, 16), true)
		done <- err
	}()

	require.Eventually(t, func() bool {
		sl.sem.mutex.lock()
		defer sl.sem.mutex.unlock()
		return sl.sem.waiterCount == 1
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, s.Flush(3, 3))
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrNoData)
	case <-time.After(5 * time.Second):
		t.Fatal("fetcher not released by flush")
	}

	// Flushing a list that never existed is fine.
	require.NoError(t, s.Flush(100, 100))
}

func TestStoreFetchTimeout(t *testing.T) {
	initTest(t)
	s := newTestStore(t, "timeout")

	start := time.Now()
	_, err := s.FetchTimeout(1, 1, make([]byte, 16), 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	// Data present: the deadline never comes into play.
	require.NoError(t, s.Insert(1, 1, []byte("now")))
	buf := make([]byte, 16)
	n, err := s.FetchTimeout(1, 1, buf, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "now", string(buf[:n]))

	// Non-positive timeout degrades to a plain non-blocking fetch.
	_, err = s.FetchTimeout(1, 1, buf, 0)
	require.ErrorIs(t, err, ErrNoData)
}

func TestStoreReopen(t *testing.T) {
	initTest(t)

	payload := []byte(random.GenStringOnAscii(64))
	s := NewStore(Config{Dir: "testdata", BaseName: "reopen"})
	require.NoError(t, s.Init())
	require.NoError(t, s.Insert(5, 6, payload))
	require.NoError(t, s.Insert(7, 8, []byte("other")))
	require.NoError(t, s.Close())

	// A second attachment sees everything the first one left behind.
	s2 := newTestStore(t, "reopen")
	buf := make([]byte, 128)
	n, err := s2.Fetch(5, 6, buf, false)
	require.NoError(t, err)
	require.Equal(t, payload, buf[:n])
	n, err = s2.Fetch(7, 8, buf, false)
	require.NoError(t, err)
	require.Equal(t, "other", string(buf[:n]))
}

func TestStoreSharedMapping(t *testing.T) {
	initTest(t)

	// Two attachments to the same files act on the same state, the way
	// two processes would.
	s1 := newTestStore(t, "shared")
	s2 := NewStore(Config{Dir: "testdata", BaseName: "shared"})
	require.NoError(t, s2.Init())
	t.Cleanup(func() { require.NoError(t, s2.Close()) })

	require.NoError(t, s1.Insert(1, 1, []byte("cross")))
	buf := make([]byte, 16)
	n, err := s2.Fetch(1, 1, buf, false)
	require.NoError(t, err)
	require.Equal(t, "cross", string(buf[:n]))
	_, err = s1.Fetch(1, 1, buf, false)
	require.ErrorIs(t, err, ErrNoData)
}

func TestStoreBadSegment(t *testing.T) {
	initTest(t)

	p := path.Join("testdata", "bad.user")
	require.NoError(t, os.WriteFile(p, bytes.Repeat([]byte{0xff}, 4096), 0644))
	s := NewStore(Config{Dir: "testdata", BaseName: "bad"})
	err := s.Init()
	require.ErrorIs(t, err, errBadSegment)
	require.NoError(t, s.Close())
}

func TestStoreDump(t *testing.T) {
	initTest(t)
	s := newTestStore(t, "dump")

	require.NoError(t, s.Insert(1, 2, []byte("x")))
	require.NoError(t, s.Insert(3, 4, []byte("y")))

	var out bytes.Buffer
	s.Dump(&out)
	text := out.String()
	require.Contains(t, text, "signal lists (2)")
	require.Contains(t, text, "domain 1 key 2")
	require.Contains(t, text, "free chunks")

	st := s.Stat()
	require.NotZero(t, st.Allocs)
}
