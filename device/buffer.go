package device

import (
	"sync/atomic"
	"unsafe"
)

// minAllocSize backs zero sized buffers so every buffer owns real memory.
const minAllocSize = 16

// Buffer is a region of device memory. Host code reads and writes it through
// typed views; those views are only coherent once the queues writing the
// buffer have been waited on.
type Buffer struct {
	dev      *Device
	label    string
	mem      Memory
	size     uint64
	alloc    uint64
	released atomic.Bool
}

func (b *Buffer) Label() string {
	return b.label
}

// Size in bytes.
func (b *Buffer) Size() uint64 {
	return b.size
}

func (b *Buffer) Released() bool {
	return b.released.Load()
}

// Bytes host view of the buffer, nil after Release.
func (b *Buffer) Bytes() []byte {
	if b.released.Load() {
		return nil
	}
	return b.mem.Bytes()[:b.size]
}

// Release frees the memory and returns it to the device budget. Releasing
// twice is a no-op.
func (b *Buffer) Release() error {
	if !b.released.CompareAndSwap(false, true) {
		return nil
	}
	err := b.mem.Detach()
	b.dev.budget.release(int64(b.alloc))
	return err
}

// View buffer data as []T, nil after Release.
func View[T any](b *Buffer) []T {
	if b.released.Load() {
		return nil
	}
	var zero T
	n := b.size / uint64(unsafe.Sizeof(zero))
	if n == 0 {
		return []T{}
	}
	return unsafe.Slice((*T)(b.mem.Ptr()), n)
}

// Len number of T elements the buffer holds.
func Len[T any](b *Buffer) int {
	var zero T
	return int(b.size / uint64(unsafe.Sizeof(zero)))
}

func Uint32s(b *Buffer) []uint32 {
	return View[uint32](b)
}

// AsBytes reinterprets s as raw bytes without copying.
func AsBytes[T any](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(s))), len(s)*int(unsafe.Sizeof(zero)))
}
