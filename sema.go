package vsi

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/COVESA/vehicle-signal-interface-sub001/internal/sys"
)

// futexMutex is a process-shared mutex whose state word lives inside a
// mapped segment. Zeroed memory is a valid unlocked mutex, so first-use
// initialization of a segment needs no extra setup.
//
// It is not recursive: internal allocator and tree routines assume their
// caller holds the relevant lock and never re-acquire it.
type futexMutex struct {
	word uint32
}

const (
	mutexUnlocked uint32 = iota
	mutexLocked
	mutexContended
)

func (m *futexMutex) lock() {
	if atomic.CompareAndSwapUint32(&m.word, mutexUnlocked, mutexLocked) {
		return
	}
	for {
		if atomic.LoadUint32(&m.word) == mutexContended ||
			atomic.CompareAndSwapUint32(&m.word, mutexLocked, mutexContended) {
			sys.FutexWait(&m.word, mutexContended)
		}
		if atomic.CompareAndSwapUint32(&m.word, mutexUnlocked, mutexContended) {
			return
		}
	}
}

func (m *futexMutex) unlock() {
	if atomic.SwapUint32(&m.word, mutexUnlocked) == mutexContended {
		sys.FutexWake(&m.word, 1)
	}
}

// futexCond is a process-shared condition variable. The sequence word is
// bumped on every broadcast; waiters sleep on the value they sampled while
// still holding the mutex, so a broadcast between unlock and sleep turns
// the sleep into an immediate return instead of a lost wakeup.
type futexCond struct {
	seq uint32
}

func (c *futexCond) wait(m *futexMutex) {
	seq := atomic.LoadUint32(&c.seq)
	m.unlock()
	sys.FutexWait(&c.seq, seq)
	m.lock()
}

func (c *futexCond) waitTimeout(m *futexMutex, d time.Duration) error {
	seq := atomic.LoadUint32(&c.seq)
	m.unlock()
	err := sys.FutexWaitTimeout(&c.seq, seq, d)
	m.lock()
	return err
}

func (c *futexCond) broadcast() {
	atomic.AddUint32(&c.seq, 1)
	sys.FutexWake(&c.seq, math.MaxInt32)
}

// semaphore is the wakeup gate embedded in every signal list. messageCount
// tracks records that have not been reclaimed yet, waiterCount the fetches
// currently inside a blocking wait. Both are only touched under mutex.
type semaphore struct {
	mutex        futexMutex
	_            uint32
	cond         futexCond
	_            uint32
	messageCount int32
	waiterCount  int32
}
