package blockcache

import (
	"github.com/Twinklebear/webgpu-bcmc-sub000/device"
)

type Config struct {
	// decompressed payload size of one block in bytes
	ElementSize int
	// upper bound of growth, 0 lets the cache grow up to totalElements
	MaxCacheSize int
	// a slot whose block is no longer needed becomes evictable once its age
	// exceeds MinRetentionAge updates
	MinRetentionAge uint32
	// rank every available slot by age instead of a window sized by demand
	StrictLRU bool
	// device the cache and its kernels run on
	Device device.Config
	// nil logs nothing
	Logger *Logger
}

func DefaultConfig() *Config {
	return &Config{
		ElementSize:     4 * device.KB,
		MinRetentionAge: 2,
		Device:          device.DefaultConfig(),
	}
}

func mergeConfig(c *Config) *Config {
	def := DefaultConfig()
	if c == nil {
		return def
	}
	merged := *c
	if merged.ElementSize <= 0 {
		merged.ElementSize = def.ElementSize
	}
	if merged.MaxCacheSize < 0 {
		merged.MaxCacheSize = 0
	}
	if merged.Logger == nil {
		merged.Logger = NoopLogger()
	}
	return &merged
}
