package vsi

import "errors"

var (
	// ErrNoData is returned when a fetch finds no signal available, a
	// delete target is absent, or a flush wakes up a blocked fetch.
	ErrNoData = errors.New("no data available")
	// ErrNoMemory is returned when a segment runs out of space. The
	// store stays usable; freeing signals makes room again.
	ErrNoMemory = errors.New("shared memory exhausted")
	// ErrTimeout is returned by FetchTimeout when the wait expires.
	ErrTimeout = errors.New("fetch timed out")

	errBadSegment  = errors.New("segment header validation failed")
	errBadChunk    = errors.New("chunk marker corrupted")
	errIterInvalid = errors.New("iterator invalidated by tree mutation")
)
