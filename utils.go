package vsi

import "unsafe"

func bytesIsZero(data []byte) bool {
	var v uint64
	for len(data) >= 8 {
		v |= *(*uint64)(unsafe.Pointer(&data[0]))
		data = data[8:]
	}
	for _, b := range data {
		v |= uint64(b)
	}
	return v == 0
}
