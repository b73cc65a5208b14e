package parallel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Twinklebear/webgpu-bcmc-sub000/device"
)

// newTestQueue device and queue with a small breadth ceiling so chunking is
// exercised on small inputs.
func newTestQueue(t *testing.T, maxWorkgroups int) (*device.Device, *device.Queue) {
	t.Helper()
	dev := device.New(device.Config{Workers: 4, MaxWorkgroupsPerDispatch: maxWorkgroups})
	q := device.NewQueue(dev)
	t.Cleanup(func() { _ = q.Close() })
	return dev, q
}

// uploadBuffer buffer of n uint32 holding data followed by zeroes.
func uploadBuffer(t *testing.T, dev *device.Device, label string, data []uint32, n int) *device.Buffer {
	t.Helper()
	n = max(n, len(data))
	buf, err := dev.CreateBuffer(label, uint64(n)*4)
	require.NoError(t, err)
	copy(device.Uint32s(buf), data)
	t.Cleanup(func() { _ = buf.Release() })
	return buf
}

func TestFill(t *testing.T) {
	dev, q := newTestQueue(t, 2)
	buf := uploadBuffer(t, dev, "fill", nil, 1000)
	Fill(q, "fill", device.Uint32s(buf)[10:990], 7)
	require.NoError(t, q.Wait(context.Background()))

	for i, v := range device.Uint32s(buf) {
		if i >= 10 && i < 990 {
			require.Equal(t, uint32(7), v, "index %d", i)
		} else {
			require.Zero(t, v, "index %d", i)
		}
	}
}
