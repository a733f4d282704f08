//go:build !windows

package utils

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

var allocated int64

// Alloc returns size bytes of page-aligned off-heap memory.
func Alloc(size int) []byte {
	if size <= 0 {
		panic("size of buffer should > 0")
	}
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		panic(err)
	}
	atomic.AddInt64(&allocated, int64(size))
	return b
}

// Free releases memory obtained from Alloc.
func Free(b []byte) {
	atomic.AddInt64(&allocated, -int64(cap(b)))
	if err := unix.Munmap(b[:cap(b)]); err != nil {
		panic(err)
	}
}

// AllocMemory returns the size of off-heap memory currently in use.
func AllocMemory() int64 {
	return atomic.LoadInt64(&allocated)
}
