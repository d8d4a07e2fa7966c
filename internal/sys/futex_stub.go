//go:build !linux

package sys

import (
	"errors"
	"time"
)

func FutexWait(addr *uint32, val uint32) error {
	return errors.ErrUnsupported
}

func FutexWaitTimeout(addr *uint32, val uint32, d time.Duration) error {
	return errors.ErrUnsupported
}

func FutexWake(addr *uint32, n int) (woken int, err error) {
	return 0, errors.ErrUnsupported
}
