// Package bytespool keeps size-classed pools of byte slices for the I/O
// loops of the transport and security layers.
package bytespool

import (
	"math/bits"
	"sync"
)

// Size classes double from MinPoolSize up to MaxPoolSize, which covers one
// full transport buffer.
const (
	MinPoolSize = 2 << 10
	MaxPoolSize = 64 << 10

	minShift = 11
	classes  = 6
)

var pools [classes]sync.Pool

func init() {
	for i := range pools {
		size := MinPoolSize << i
		pools[i].New = func() any {
			b := make([]byte, size)
			return &b
		}
	}
}

// class returns the index of the smallest class holding size bytes, or -1
// when size is above MaxPoolSize.
func class(size int) int {
	if size > MaxPoolSize {
		return -1
	}
	if size <= MinPoolSize {
		return 0
	}
	return bits.Len(uint(size-1)) - minShift
}

// GetPool returns the pool serving slices of size bytes, or nil when no
// class is large enough.
func GetPool(size int32) *sync.Pool {
	i := class(int(size))
	if i < 0 {
		return nil
	}
	return &pools[i]
}

// Alloc returns a slice of exactly size bytes. Requests below MinPoolSize
// or above MaxPoolSize are served by make.
func Alloc(size int32) []byte {
	if size < MinPoolSize {
		return make([]byte, size)
	}
	p := GetPool(size)
	if p == nil {
		return make([]byte, size)
	}
	return (*p.Get().(*[]byte))[:size]
}

// Free returns b to the pool its capacity belongs to. Slices whose capacity
// is not an exact class size are dropped.
func Free(b []byte) {
	c := cap(b)
	i := class(c)
	if i < 0 || c != MinPoolSize<<i {
		return
	}
	b = b[:c]
	pools[i].Put(&b)
}
