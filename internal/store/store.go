package store

import (
	"errors"
	"sync/atomic"

	"github.com/freeeve/retrograde/internal/codec"
	"github.com/freeeve/retrograde/internal/errs"
)

// ErrReadOnly is returned by writes to a store opened read-only.
var ErrReadOnly = errors.New("store is read-only")

// ErrClosed is returned by reads and writes on a closed store.
var ErrClosed = errors.New("store is closed")

// Store is a range-addressed array of record groups. Byte offsets are global:
// record index i lives in the group at Params().ToByte(i) no matter which
// backend or shard holds it.
//
// Methods taking a *Handle may be called concurrently with distinct handles.
// Two handles writing the same group concurrently is a caller error.
type Store interface {
	Header() *Header
	Codec() *codec.Codec

	NewHandle() *Handle
	CloseHandle(h *Handle) error

	// ReadBytes and WriteBytes transfer whole groups at off.
	ReadBytes(h *Handle, off uint64, p []byte) error
	WriteBytes(h *Handle, off uint64, p []byte) error

	// ReadRange and WriteRange transfer the groups at off, touching only the
	// records from firstNum of the first group up to lastNum of the last
	// group (lastNum 0 means the whole last group). Records outside that
	// window keep their previous value: in the store for writes, in p for
	// reads.
	ReadRange(h *Handle, off uint64, firstNum int, p []byte, lastNum int) error
	WriteRange(h *Handle, off uint64, firstNum int, p []byte, lastNum int) error

	Stats() Stats
	Flush() error
	Close() error
}

// Stats counts store traffic.
type Stats struct {
	Reads        uint64
	Writes       uint64
	BytesRead    uint64
	BytesWritten uint64
	OpenHandles  int64
}

type statsCollector struct {
	reads        atomic.Uint64
	writes       atomic.Uint64
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
	handles      atomic.Int64
}

func (s *statsCollector) read(n int) {
	s.reads.Add(1)
	s.bytesRead.Add(uint64(n))
}

func (s *statsCollector) wrote(n int) {
	s.writes.Add(1)
	s.bytesWritten.Add(uint64(n))
}

func (s *statsCollector) snapshot() Stats {
	return Stats{
		Reads:        s.reads.Load(),
		Writes:       s.writes.Load(),
		BytesRead:    s.bytesRead.Load(),
		BytesWritten: s.bytesWritten.Load(),
		OpenHandles:  s.handles.Load(),
	}
}

// rawIO is the device under base. Offsets are relative to the first stored
// group and already checked against the extent.
type rawIO interface {
	readAt(h *Handle, p []byte, off uint64) error
	writeAt(h *Handle, p []byte, off uint64) error
}

// base implements the group and splice logic shared by single-device stores.
type base struct {
	hdr   *Header
	codec *codec.Codec
	raw   rawIO
	stats statsCollector
}

func newBase(hdr *Header, raw rawIO) base {
	return base{hdr: hdr, codec: codec.New(hdr.Params), raw: raw}
}

func (b *base) Header() *Header      { return b.hdr }
func (b *base) Codec() *codec.Codec  { return b.codec }
func (b *base) Stats() Stats         { return b.stats.snapshot() }
func (b *base) groupLen() uint64     { return uint64(b.hdr.Params.GroupLen) }
func (b *base) superCompress() bool  { return b.hdr.Params.SuperCompress }
func (b *base) recordsPerGroup() int { return b.hdr.Params.RecordsPerGroup }

func (b *base) NewHandle() *Handle {
	b.stats.handles.Add(1)
	return newHandle(b.hdr.Params.GroupLen)
}

func (b *base) CloseHandle(h *Handle) error {
	if err := checkHandle("close handle", h); err != nil {
		return err
	}
	h.closed = true
	b.stats.handles.Add(-1)
	return nil
}

func checkHandle(op string, h *Handle) error {
	if h == nil {
		return errs.Range("store: "+op, "nil handle")
	}
	if h.closed {
		return errs.Range("store: "+op, "handle %d used after close", h.id)
	}
	return nil
}

// checkExtent validates [off, off+n) and returns off relative to the first
// stored group.
func (b *base) checkExtent(op string, off uint64, n int) (uint64, error) {
	lo, hi := b.hdr.FirstByte(), b.hdr.EndByte()
	if off < lo || off+uint64(n) > hi || off+uint64(n) < off {
		return 0, errs.Range("store: "+op, "bytes [%d, %d) outside [%d, %d)", off, off+uint64(n), lo, hi).
			WithOffset(int64(off))
	}
	return off - lo, nil
}

func (b *base) checkGroups(op string, off uint64, firstNum int, p []byte, lastNum int) error {
	g := b.groupLen()
	if len(p) == 0 || uint64(len(p))%g != 0 || off%g != 0 {
		return errs.Range("store: "+op, "%d bytes at %d not group aligned (group length %d)", len(p), off, g).
			WithOffset(int64(off))
	}
	rpg := b.recordsPerGroup()
	if firstNum < 0 || firstNum >= rpg || lastNum < 0 || lastNum >= rpg {
		return errs.Range("store: "+op, "record numbers %d..%d outside group of %d", firstNum, lastNum, rpg).
			WithOffset(int64(off))
	}
	if len(p) == int(g) && lastNum > 0 && lastNum <= firstNum {
		return errs.Range("store: "+op, "empty window %d..%d", firstNum, lastNum).WithOffset(int64(off))
	}
	return nil
}

func (b *base) ReadBytes(h *Handle, off uint64, p []byte) error {
	if err := checkHandle("read", h); err != nil {
		return err
	}
	rel, err := b.checkExtent("read", off, len(p))
	if err != nil {
		return err
	}
	if err := b.raw.readAt(h, p, rel); err != nil {
		return err
	}
	b.stats.read(len(p))
	return nil
}

func (b *base) WriteBytes(h *Handle, off uint64, p []byte) error {
	if err := checkHandle("write", h); err != nil {
		return err
	}
	rel, err := b.checkExtent("write", off, len(p))
	if err != nil {
		return err
	}
	if err := b.raw.writeAt(h, p, rel); err != nil {
		return err
	}
	b.stats.wrote(len(p))
	return nil
}

func (b *base) WriteRange(h *Handle, off uint64, firstNum int, p []byte, lastNum int) error {
	if err := checkHandle("write range", h); err != nil {
		return err
	}
	if err := b.checkGroups("write range", off, firstNum, p, lastNum); err != nil {
		return err
	}
	if _, err := b.checkExtent("write range", off, len(p)); err != nil {
		return err
	}
	if !b.superCompress() || (firstNum == 0 && lastNum == 0) {
		return b.WriteBytes(h, off, p)
	}

	c := b.codec
	g := b.groupLen()
	groups := uint64(len(p)) / g
	if groups == 1 {
		stored := h.first
		if err := b.ReadBytes(h, off, stored); err != nil {
			return err
		}
		out := h.last
		c.Splice(stored, p, firstNum, out)
		if lastNum > 0 {
			c.Splice(out, stored, lastNum, out)
		}
		return b.WriteBytes(h, off, out)
	}

	start, end := uint64(0), groups
	if firstNum > 0 {
		if err := b.spliceWrite(h, off, p[:g], func(stored, in, out []byte) {
			c.Splice(stored, in, firstNum, out)
		}); err != nil {
			return err
		}
		start = 1
	}
	if lastNum > 0 {
		lastOff := off + (groups-1)*g
		if err := b.spliceWrite(h, lastOff, p[(groups-1)*g:], func(stored, in, out []byte) {
			c.Splice(in, stored, lastNum, out)
		}); err != nil {
			return err
		}
		end = groups - 1
	}
	if start < end {
		return b.WriteBytes(h, off+start*g, p[start*g:end*g])
	}
	return nil
}

// spliceWrite reads the stored group at off, merges it with in and writes the
// result back.
func (b *base) spliceWrite(h *Handle, off uint64, in []byte, merge func(stored, in, out []byte)) error {
	stored := h.first
	if err := b.ReadBytes(h, off, stored); err != nil {
		return err
	}
	merge(stored, in, h.last)
	return b.WriteBytes(h, off, h.last)
}

func (b *base) ReadRange(h *Handle, off uint64, firstNum int, p []byte, lastNum int) error {
	if err := checkHandle("read range", h); err != nil {
		return err
	}
	if err := b.checkGroups("read range", off, firstNum, p, lastNum); err != nil {
		return err
	}
	if !b.superCompress() || (firstNum == 0 && lastNum == 0) {
		return b.ReadBytes(h, off, p)
	}

	c := b.codec
	g := b.groupLen()
	groups := uint64(len(p)) / g
	if groups == 1 {
		stored, caller := h.first, h.last
		copy(caller, p)
		if err := b.ReadBytes(h, off, stored); err != nil {
			return err
		}
		c.Splice(caller, stored, firstNum, p)
		if lastNum > 0 {
			c.Splice(p, caller, lastNum, p)
		}
		return nil
	}

	start, end := uint64(0), groups
	if firstNum > 0 {
		stored := h.first
		if err := b.ReadBytes(h, off, stored); err != nil {
			return err
		}
		c.Splice(p[:g], stored, firstNum, p[:g])
		start = 1
	}
	if lastNum > 0 {
		stored := h.first
		last := p[(groups-1)*g:]
		if err := b.ReadBytes(h, off+(groups-1)*g, stored); err != nil {
			return err
		}
		c.Splice(stored, last, lastNum, last)
		end = groups - 1
	}
	if start < end {
		return b.ReadBytes(h, off+start*g, p[start*g:end*g])
	}
	return nil
}
