package blockcache

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSize       = errors.New("invalid cache size")
	ErrMaskSize          = errors.New("needed mask size mismatch")
	ErrBlockOutOfRange   = errors.New("block id out of range")
	ErrBlockNotCached    = errors.New("block not cached")
	ErrCacheClosed       = errors.New("cache closed")
	ErrCacheGrowthFailed = errors.New("cache growth failed")
	ErrGrowthLimit       = errors.New("cache size limit reached")
)

// GrowthError reports that the cache could not grow to admit new items. The
// cache keeps its previous capacity and mappings, callers may retry with a
// smaller working set.
//
// The underlying cause (ErrGrowthLimit, device.ErrOutOfMemory, ...) can be
// accessed via errors.Unwrap.
type GrowthError struct {
	From      int
	Requested int
	Limit     int
	cause     error
}

func (e *GrowthError) Error() string {
	return fmt.Sprintf("cache growth failed: %d slots to %d (limit %d): %v", e.From, e.Requested, e.Limit, e.cause)
}

func (e *GrowthError) Unwrap() error { return e.cause }

func (e *GrowthError) Is(target error) bool { return target == ErrCacheGrowthFailed }
