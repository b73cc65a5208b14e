package parallel

import (
	"context"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Twinklebear/webgpu-bcmc-sub000/device"
)

func TestSortAlignedSize(t *testing.T) {
	s := NewRadixSorter(device.New(device.Config{}))
	assert.Equal(t, 0, s.AlignedSize(0))
	assert.Equal(t, 512, s.AlignedSize(1))
	assert.Equal(t, 512, s.AlignedSize(512))
	assert.Equal(t, 1024, s.AlignedSize(513))
	assert.Equal(t, 2048, s.AlignedSize(1025))
}

func TestSortExample(t *testing.T) {
	dev, q := newTestQueue(t, 16)
	s := NewRadixSorter(dev)

	const (
		A = iota + 10
		B
		C
		D
		E
	)
	keys := uploadBuffer(t, dev, "keys", []uint32{5, 3, 1, 4, 2}, s.AlignedSize(5))
	values := uploadBuffer(t, dev, "values", []uint32{A, B, C, D, E}, s.AlignedSize(5))

	require.NoError(t, s.Sort(q, keys, values, 5, false))
	require.NoError(t, q.Wait(context.Background()))
	assert.Equal(t, []uint32{1, 2, 3, 4, 5}, device.Uint32s(keys)[:5])
	assert.Equal(t, []uint32{C, E, B, D, A}, device.Uint32s(values)[:5])

	require.NoError(t, s.Sort(q, keys, values, 5, true))
	require.NoError(t, q.Wait(context.Background()))
	assert.Equal(t, []uint32{5, 4, 3, 2, 1}, device.Uint32s(keys)[:5])
	assert.Equal(t, []uint32{A, D, B, E, C}, device.Uint32s(values)[:5])
}

func TestSortSizes(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for _, n := range []int{2, 100, 512, 513, 1500, 4096, 5000} {
		for _, descending := range []bool{false, true} {
			dev, q := newTestQueue(t, 3)
			s := NewRadixSorter(dev)

			k := make([]uint32, n)
			v := make([]uint32, n)
			for i := range k {
				// few distinct keys so stability is observable
				k[i] = uint32(rng.Intn(64)) << uint(rng.Intn(4)*8)
				v[i] = uint32(i)
			}
			keys := uploadBuffer(t, dev, "keys", k, s.AlignedSize(n))
			values := uploadBuffer(t, dev, "values", v, s.AlignedSize(n))

			require.NoError(t, s.Sort(q, keys, values, n, descending))
			require.NoError(t, q.Wait(context.Background()))

			want := make([]int, n)
			for i := range want {
				want[i] = i
			}
			sort.SliceStable(want, func(a, b int) bool { return k[want[a]] < k[want[b]] })
			if descending {
				for i, j := 0, n-1; i < j; i, j = i+1, j-1 {
					want[i], want[j] = want[j], want[i]
				}
			}

			gotK, gotV := device.Uint32s(keys), device.Uint32s(values)
			for i, idx := range want {
				require.Equal(t, k[idx], gotK[i], "n=%d desc=%v index %d", n, descending, i)
				require.Equal(t, uint32(idx), gotV[i], "n=%d desc=%v index %d", n, descending, i)
			}
			assert.Equal(t, int64(keys.Size()+values.Size()), dev.MemoryUsage(), "scratch buffers leaked")
		}
	}
}

func TestSortTrivial(t *testing.T) {
	dev, q := newTestQueue(t, 16)
	s := NewRadixSorter(dev)

	keys := uploadBuffer(t, dev, "keys", []uint32{42}, s.AlignedSize(1))
	values := uploadBuffer(t, dev, "values", []uint32{7}, s.AlignedSize(1))
	require.NoError(t, s.Sort(q, keys, values, 1, true))
	require.NoError(t, s.Sort(q, keys, values, 0, false))
	require.NoError(t, q.Wait(context.Background()))
	assert.Equal(t, uint32(42), device.Uint32s(keys)[0])
	assert.Equal(t, uint32(7), device.Uint32s(values)[0])
}

func TestSortBufferTooSmall(t *testing.T) {
	dev, q := newTestQueue(t, 16)
	s := NewRadixSorter(dev)

	keys := uploadBuffer(t, dev, "keys", nil, 600)
	values := uploadBuffer(t, dev, "values", nil, 1024)
	assert.ErrorIs(t, s.Sort(q, keys, values, 600, false), ErrBufferTooSmall)
}
