package server

import "sync"

const bufferAllocationSize = 1 << 13 // 8k

// Read buffers are recycled through a lock-free pool so many short messages
// do not churn the allocator. A leased buffer is owned by exactly one
// in-flight read until it is released.
var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, bufferAllocationSize)
		return &buf
	},
}

func leaseBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

func releaseBuffer(buf *[]byte) {
	bufferPool.Put(buf)
}
