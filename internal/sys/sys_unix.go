//go:build unix

package sys

import (
	"golang.org/x/sys/unix"
	"os"
	"syscall"
)

func MMap(file *os.File, length uint64) (dat []byte, err error) {
	dat, err = unix.Mmap(int(file.Fd()), 0, int(length), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	return
}

func MUnmap(dat []byte) (err error) {
	return unix.Munmap(dat)
}

func GetSysPageSize() int {
	return unix.Getpagesize()
}
