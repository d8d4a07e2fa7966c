package vsi

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unsafe"

	"github.com/COVESA/vehicle-signal-interface-sub001/internal/sys"
)

const defaultDir = "/var/run/shm"

type Config struct {
	// Dir holds the segment files; it should be on a tmpfs mount so the
	// segments behave like shared memory, not durable storage.
	Dir      string
	BaseName string
	// Segment sizes are fixed at creation; attaching to an existing
	// store ignores them in favor of the sizes on record.
	UserSegmentSize uint64
	SysSegmentSize  uint64
	// Records per node of the directory tree and the allocator index
	// trees. Even values are bumped to the next odd number.
	DirectoryRecords uint32
	SysTreeRecords   uint32
}

// Store is one process's attachment to the shared signal store. All
// shared state lives in the two mapped files; concurrent Stores on the
// same files in any number of processes see the same signals.
type Store struct {
	cfg      Config
	userFile *os.File
	sysFile  *os.File
	user     arena
	sys      arena
	alloc    *allocator
	dir      *directory
}

func NewStore(cfg Config) *Store {
	return &Store{cfg: cfg}
}

// Init maps both segment files, creating and initializing them on first
// use. The system segment comes first: the allocator indices living there
// must exist before the user heap can be indexed.
func (s *Store) Init() (err error) {
	cfg := &s.cfg
	if cfg.Dir == "" {
		cfg.Dir = defaultDir
	}
	if cfg.BaseName == "" {
		cfg.BaseName = "vsi"
	}
	if cfg.UserSegmentSize == 0 {
		cfg.UserSegmentSize = defaultUserSegmentSize
	}
	if cfg.SysSegmentSize == 0 {
		cfg.SysSegmentSize = defaultSysSegmentSize
	}
	if cfg.DirectoryRecords == 0 {
		cfg.DirectoryRecords = defaultDirectoryRecords
	}
	if cfg.SysTreeRecords == 0 {
		cfg.SysTreeRecords = defaultSysTreeRecords
	}

	var sysFresh, userFresh bool
	s.sysFile, s.sys.dat, sysFresh, err = openSegment(
		filepath.Join(cfg.Dir, cfg.BaseName+".sys"), cfg.SysSegmentSize, sysMagic)
	if err != nil {
		return err
	}
	s.userFile, s.user.dat, userFresh, err = openSegment(
		filepath.Join(cfg.Dir, cfg.BaseName+".user"), cfg.UserSegmentSize, userMagic)
	if err != nil {
		s.Close()
		return err
	}

	s.alloc = newAllocator(&s.user, &s.sys)
	s.dir = newDirectory(s.alloc)

	if sysFresh {
		if err = s.alloc.initSys(cfg.SysTreeRecords); err != nil {
			return err
		}
		s.alloc.sysHdr.initialized = 1
	}
	if userFresh {
		if err = s.alloc.initUser(); err != nil {
			return err
		}
		if err = s.dir.init(cfg.DirectoryRecords); err != nil {
			return err
		}
		s.alloc.usrHdr.initialized = 1
	}
	return nil
}

// segPrefix is the layout both segment headers start with.
type segPrefix struct {
	magic       [4]byte
	version     uint32
	segmentSize uint64
	initialized uint32
	_           uint32
}

func openSegment(path string, size uint64, magic [4]byte) (file *os.File, dat []byte, fresh bool, err error) {
	file, err = os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return
	}
	var stat os.FileInfo
	stat, err = file.Stat()
	if err != nil {
		file.Close()
		return
	}
	fileSize := uint64(stat.Size())
	if fileSize == 0 {
		if err = file.Truncate(int64(size)); err != nil {
			file.Close()
			return
		}
		fileSize = size
		fresh = true
	}
	dat, err = sys.MMap(file, fileSize)
	if err != nil {
		file.Close()
		return
	}
	hdr := (*segPrefix)(unsafe.Pointer(&dat[0]))
	if !fresh && bytesIsZero(dat[:unsafe.Sizeof(segPrefix{})]) {
		// Pre-sized but never written; treat like a new file.
		fresh = true
	}
	if fresh {
		hdr.magic = magic
		hdr.version = segmentVersion
		hdr.segmentSize = fileSize
		return
	}
	if hdr.magic != magic || hdr.version != segmentVersion || hdr.segmentSize != fileSize {
		sys.MUnmap(dat)
		file.Close()
		return nil, nil, false, fmt.Errorf("%w: %s", errBadSegment, path)
	}
	if hdr.initialized == 0 {
		// A previous creator died mid-initialization; start over.
		fresh = true
	}
	return
}

// Close detaches from the segments. The shared state lives on in the
// files for other or future processes.
func (s *Store) Close() error {
	var first error
	if s.user.dat != nil {
		if err := sys.MUnmap(s.user.dat); err != nil && first == nil {
			first = err
		}
		s.user.dat = nil
	}
	if s.sys.dat != nil {
		if err := sys.MUnmap(s.sys.dat); err != nil && first == nil {
			first = err
		}
		s.sys.dat = nil
	}
	if s.userFile != nil {
		if err := s.userFile.Close(); err != nil && first == nil {
			first = err
		}
		s.userFile = nil
	}
	if s.sysFile != nil {
		if err := s.sysFile.Close(); err != nil && first == nil {
			first = err
		}
		s.sysFile = nil
	}
	return first
}

// Insert queues one signal for (domain, key), creating the list on first
// use, and wakes every blocked fetcher on that list.
func (s *Store) Insert(domain, key uint64, data []byte) error {
	sl, err := s.dir.lookup(domain, key, true)
	if err != nil {
		return err
	}
	return s.dir.insert(sl, data)
}

// Fetch copies the oldest queued signal for (domain, key) into buf and
// returns the copied length, truncating silently when buf is short. With
// wait set it blocks until a signal arrives, creating the list if needed
// so fetchers can wait ahead of the first producer; without it an empty
// or missing list reports ErrNoData.
func (s *Store) Fetch(domain, key uint64, buf []byte, wait bool) (int, error) {
	sl, err := s.dir.lookup(domain, key, wait)
	if err != nil {
		return 0, err
	}
	timeout := time.Duration(-1)
	if wait {
		timeout = 0
	}
	return s.dir.fetch(sl, buf, timeout)
}

// FetchTimeout behaves like a blocking Fetch bounded by d; expiry
// reports ErrTimeout.
func (s *Store) FetchTimeout(domain, key uint64, buf []byte, d time.Duration) (int, error) {
	if d <= 0 {
		return s.Fetch(domain, key, buf, false)
	}
	sl, err := s.dir.lookup(domain, key, true)
	if err != nil {
		return 0, err
	}
	return s.dir.fetch(sl, buf, d)
}

// FetchNewest copies the most recent signal without consuming anything,
// with the same wait behavior as Fetch.
func (s *Store) FetchNewest(domain, key uint64, buf []byte, wait bool) (int, error) {
	sl, err := s.dir.lookup(domain, key, wait)
	if err != nil {
		return 0, err
	}
	timeout := time.Duration(-1)
	if wait {
		timeout = 0
	}
	return s.dir.fetchNewest(sl, buf, timeout)
}

// Flush discards all queued signals for (domain, key). Blocked fetchers
// wake up with ErrNoData. Flushing a list that never existed is a no-op.
func (s *Store) Flush(domain, key uint64) error {
	sl, err := s.dir.lookup(domain, key, false)
	if err != nil {
		if errors.Is(err, ErrNoData) {
			return nil
		}
		return err
	}
	s.dir.flush(sl)
	return nil
}

// Stat snapshots this process's allocator counters.
func (s *Store) Stat() ExportStat {
	return s.alloc.stat.export()
}
