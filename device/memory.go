package device

import (
	"fmt"
	"path/filepath"
	"unsafe"

	"github.com/Twinklebear/webgpu-bcmc-sub000/gom"
	"github.com/Twinklebear/webgpu-bcmc-sub000/mmap"
)

const (
	KB = 1024
	MB = 1024 * KB
	GB = 1024 * MB
)

type MemoryType int

const (
	GO   MemoryType = 1
	MMAP MemoryType = 2
)

func (t MemoryType) String() string {
	switch t {
	case GO:
		return "go"
	case MMAP:
		return "mmap"
	default:
		return fmt.Sprintf("MemoryType(%d)", int(t))
	}
}

// Memory is a contiguous region of device memory.
type Memory interface {
	// Attach allocates or maps the region.
	Attach() error
	// Detach frees the region, the memory must not be used afterwards.
	Detach() error
	// Ptr first byte of the region.
	Ptr() unsafe.Pointer
	// Bytes the whole region as a byte slice.
	Bytes() []byte
	// Size region size in bytes.
	Size() uint64
	// PtrOffset pointer to the byte at offset, panics when out of range.
	PtrOffset(offset uint64) unsafe.Pointer
}

func newMemory(cfg Config, name string, size uint64) (Memory, error) {
	switch cfg.MemoryType {
	case GO:
		return gom.NewMemory(size), nil
	case MMAP:
		path := ""
		if cfg.MemoryDir != "" {
			path = filepath.Join(cfg.MemoryDir, name)
		}
		return mmap.NewMemory(path, size), nil
	default:
		return nil, fmt.Errorf("MemoryType: %d not support", cfg.MemoryType)
	}
}
