//go:build windows

package utils

import "sync/atomic"

var allocated int64

func Alloc(size int) []byte {
	if size <= 0 {
		panic("size of buffer should > 0")
	}
	atomic.AddInt64(&allocated, int64(size))
	return make([]byte, size)
}

func Free(b []byte) {
	atomic.AddInt64(&allocated, -int64(cap(b)))
}

func AllocMemory() int64 {
	return atomic.LoadInt64(&allocated)
}
