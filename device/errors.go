package device

import "errors"

var (
	ErrOutOfMemory      = errors.New("device out of memory")
	ErrDispatchTooLarge = errors.New("dispatch exceeds max workgroups per dispatch")
	ErrDeviceLost       = errors.New("device lost")
	ErrQueueClosed      = errors.New("queue closed")
	ErrBufferReleased   = errors.New("buffer released")
	ErrOutOfBounds      = errors.New("buffer access out of bounds")
)
