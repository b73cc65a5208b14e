package blockcache

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeConfig(t *testing.T) {
	c := mergeConfig(nil)
	assert.Equal(t, DefaultConfig().ElementSize, c.ElementSize)
	assert.Equal(t, uint32(2), c.MinRetentionAge)

	c = mergeConfig(&Config{MaxCacheSize: -5, MinRetentionAge: 0})
	assert.Equal(t, 4096, c.ElementSize)
	assert.Zero(t, c.MaxCacheSize)
	assert.Zero(t, c.MinRetentionAge)
	assert.NotNil(t, c.Logger)
}

func TestLogger_Growth(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	c := newTestCache(t, 100, 4, func(cfg *Config) {
		cfg.Logger = logger
		cfg.MaxCacheSize = 8
	})
	_, _, err := c.Update(ctx, mask(100, 0, 1, 2, 3, 4, 5))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"msg":"cache grown"`)
	assert.Contains(t, buf.String(), `"to":8`)

	_, _, err = c.Update(ctx, mask(100, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19))
	require.Error(t, err)
	assert.Contains(t, buf.String(), `"msg":"cache growth failed"`)
	assert.Contains(t, buf.String(), `"msg":"cache update failed"`)
}
