package parallel

import (
	"errors"

	"github.com/Twinklebear/webgpu-bcmc-sub000/device"
)

// WorkgroupSize elements handled by one workgroup of the element wise kernels.
const WorkgroupSize = 256

var ErrBufferTooSmall = errors.New("buffer too small")

func alignUp(n, align int) int {
	return (n + align - 1) / align * align
}

func ceilDiv(n, d int) int {
	return (n + d - 1) / d
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Fill submits a kernel writing value into every element of dst.
func Fill(q *device.Queue, label string, dst []uint32, value uint32) {
	q.DispatchChunked(label, ceilDiv(len(dst), WorkgroupSize), func(wg int) error {
		lo := wg * WorkgroupSize
		hi := min(lo+WorkgroupSize, len(dst))
		for i := lo; i < hi; i++ {
			dst[i] = value
		}
		return nil
	})
}
