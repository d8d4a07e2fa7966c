package sys

import "errors"

var ErrFutexTimeout = errors.New("futex wait timed out")
