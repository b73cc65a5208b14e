package codec

import (
	"errors"
	"fmt"
	"sync"
)

var ErrBlockNotFound = errors.New("codec: block not found")

// Store keeps compressed frames of blocks in memory, keyed by block id. It is
// safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	compression Compression
	frames      map[uint32][]byte
	rawBytes    int64
	storedBytes int64
}

func NewStore(c Compression) *Store {
	return &Store{compression: c, frames: make(map[uint32][]byte)}
}

// Put compresses data and stores it as block id, replacing any previous frame.
func (s *Store) Put(id uint32, data []byte) error {
	frame, err := Encode(data, s.compression)
	if err != nil {
		return fmt.Errorf("encode block %d: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.frames[id]; ok {
		n, _ := DecodedLen(old)
		s.rawBytes -= int64(n)
		s.storedBytes -= int64(len(old))
	}
	s.frames[id] = frame
	s.rawBytes += int64(len(data))
	s.storedBytes += int64(len(frame))
	return nil
}

// Get frame of block id.
func (s *Store) Get(id uint32) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	frame, ok := s.frames[id]
	return frame, ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.frames)
}

// Ratio stored bytes over raw bytes, 0 for an empty store.
func (s *Store) Ratio() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.rawBytes == 0 {
		return 0
	}
	return float64(s.storedBytes) / float64(s.rawBytes)
}

// DecompressBlock decodes block id into dst and zeroes the rest of dst.
func (s *Store) DecompressBlock(id uint32, dst []byte) error {
	frame, ok := s.Get(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrBlockNotFound, id)
	}
	n, err := Decode(dst, frame)
	if err != nil {
		return err
	}
	clear(dst[n:])
	return nil
}
