package parallel

import (
	"fmt"

	"github.com/Twinklebear/webgpu-bcmc-sub000/device"
)

// StreamCompactor gathers the indices of active elements into a dense list.
type StreamCompactor struct {
	dev *device.Device
}

func NewStreamCompactor(dev *device.Device) *StreamCompactor {
	return &StreamCompactor{dev: dev}
}

// Compact submits the kernels writing i into output[offsets[i]] for every
// i < logicalSize with isActive[i] != 0. offsets must be the exclusive scan of
// isActive, so the number of entries written is the scan total.
//
// The input is cut into chunks of MaxWorkgroupsPerDispatch workgroups, each
// its own dispatch. Chunks write disjoint output ranges.
func (c *StreamCompactor) Compact(q *device.Queue, isActive, offsets *device.Buffer, logicalSize int, output *device.Buffer) error {
	if n := device.Len[uint32](isActive); n < logicalSize {
		return fmt.Errorf("%w: compact of %d elements, %s holds %d", ErrBufferTooSmall, logicalSize, isActive.Label(), n)
	}
	if n := device.Len[uint32](offsets); n < logicalSize {
		return fmt.Errorf("%w: compact of %d elements, %s holds %d", ErrBufferTooSmall, logicalSize, offsets.Label(), n)
	}

	active := device.Uint32s(isActive)
	offs := device.Uint32s(offsets)
	out := device.Uint32s(output)
	chunk := c.dev.Config().MaxWorkgroupsPerDispatch * WorkgroupSize
	for start := 0; start < logicalSize; start += chunk {
		start := start
		end := min(start+chunk, logicalSize)
		q.Dispatch("compact", ceilDiv(end-start, WorkgroupSize), func(wg int) error {
			lo := start + wg*WorkgroupSize
			hi := min(lo+WorkgroupSize, end)
			for i := lo; i < hi; i++ {
				if active[i] == 0 {
					continue
				}
				o := offs[i]
				if int(o) >= len(out) {
					return fmt.Errorf("%w: compact offset %d, %s holds %d", device.ErrOutOfBounds, o, output.Label(), len(out))
				}
				out[o] = uint32(i)
			}
			return nil
		})
	}
	return nil
}
