package store

import "sync/atomic"

var handleIDs atomic.Uint64

// Handle is one caller's cursor into a store. It owns the scratch buffers
// used to splice partial groups, so it must not be shared between
// goroutines. Create one per worker with NewHandle and release it with
// CloseHandle.
type Handle struct {
	id     uint64
	closed bool

	// edge group buffers for the range in flight
	first, last []byte
	// whole-range buffers for record helpers
	bulk []byte
	recs []uint64

	// composite: per-shard child handles, valid for directory generation gen
	gen      uint64
	children map[*shard]*Handle

	// archive: last decompressed entry
	entry    int64
	entryBuf []byte
}

func newHandle(groupLen int) *Handle {
	return &Handle{
		id:    handleIDs.Add(1),
		first: make([]byte, groupLen),
		last:  make([]byte, groupLen),
		entry: -1,
	}
}

// ID identifies the handle in logs.
func (h *Handle) ID() uint64 { return h.id }

// Closed reports whether CloseHandle has been called.
func (h *Handle) Closed() bool { return h.closed }

func (h *Handle) bytes(n uint64) []byte {
	if uint64(cap(h.bulk)) < n {
		h.bulk = make([]byte, n)
	}
	return h.bulk[:n]
}

func (h *Handle) records(n int) []uint64 {
	if cap(h.recs) < n {
		h.recs = make([]uint64, n)
	}
	return h.recs[:n]
}
