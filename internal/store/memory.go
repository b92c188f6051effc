package store

import (
	"sync"

	"github.com/freeeve/retrograde/internal/errs"
)

// MemoryStore keeps all groups in one byte slice.
type MemoryStore struct {
	base
	mu     sync.RWMutex
	data   []byte
	closed bool
}

// NewMemory allocates a zeroed store for hdr.
func NewMemory(hdr *Header) *MemoryStore {
	s := &MemoryStore{data: make([]byte, hdr.DataLen())}
	s.base = newBase(hdr, s)
	return s
}

func (s *MemoryStore) readAt(_ *Handle, p []byte, off uint64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errs.New(errs.KindRange, "store: read memory", ErrClosed)
	}
	copy(p, s.data[off:])
	return nil
}

func (s *MemoryStore) writeAt(_ *Handle, p []byte, off uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.New(errs.KindRange, "store: write memory", ErrClosed)
	}
	copy(s.data[off:], p)
	return nil
}

// Flush is a no-op.
func (s *MemoryStore) Flush() error { return nil }

// Close releases the buffer.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.data = nil
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Bytes returns a copy of the stored groups.
func (s *MemoryStore) Bytes() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.data...)
}
