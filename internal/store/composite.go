package store

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/btree"

	"github.com/freeeve/retrograde/internal/codec"
	"github.com/freeeve/retrograde/internal/errs"
)

const directoryDegree = 8

// shard is one child store and the records it is responsible for. A shard's
// edge groups may be shared with its neighbours; the child stores the whole
// group but only the records in [first, end) are meaningful.
type shard struct {
	store Store
	first uint64
	end   uint64
}

func (s *shard) Less(than btree.Item) bool {
	return s.first < than.(*shard).first
}

// ShardInfo describes a shard's place in the composite.
type ShardInfo struct {
	FirstRecord uint64
	NumRecords  uint64
	FirstByte   uint64
	FirstNum    int
	LastByte    uint64
	LastNum     int
	Path        string
}

// CompositeStore presents several stores covering consecutive record ranges
// as one store. Ranges are decomposed per shard; a group straddling two
// shards is spliced across both.
type CompositeStore struct {
	hdr   *Header
	codec *codec.Codec
	stats statsCollector

	mu   sync.RWMutex
	tree *btree.BTree
	dir  []*shard // ascending snapshot of tree
	gen  uint64
}

// NewComposite builds a composite over children, which must share hdr's
// group layout and partition hdr's record range with no gaps or overlaps.
func NewComposite(hdr *Header, children ...Store) (*CompositeStore, error) {
	c := &CompositeStore{hdr: hdr, codec: codec.New(hdr.Params), tree: btree.New(directoryDegree)}
	for _, child := range children {
		if err := c.insert(child); err != nil {
			return nil, err
		}
	}
	c.snapshot()
	next := hdr.FirstRecord
	for _, s := range c.dir {
		if s.first != next {
			return nil, errs.Config("store: composite", "gap at record %d", next)
		}
		next = s.end
	}
	if next != hdr.EndRecord() {
		return nil, errs.Config("store: composite", "shards end at %d, want %d", next, hdr.EndRecord())
	}
	return c, nil
}

// insert adds child to the tree after checking layout and overlap. Caller
// holds mu or owns c exclusively.
func (c *CompositeStore) insert(child Store) error {
	ch := child.Header()
	if ch.Params != c.hdr.Params {
		return errs.Config("store: composite", "shard params %+v differ from %+v", ch.Params, c.hdr.Params)
	}
	s := &shard{store: child, first: ch.FirstRecord, end: ch.EndRecord()}
	if s.first >= s.end {
		return errs.Config("store: composite", "empty shard at %d", s.first)
	}
	if s.first < c.hdr.FirstRecord || s.end > c.hdr.EndRecord() {
		return errs.Config("store: composite", "shard [%d, %d) outside [%d, %d)",
			s.first, s.end, c.hdr.FirstRecord, c.hdr.EndRecord())
	}
	var overlap *shard
	c.tree.DescendLessOrEqual(&shard{first: s.end - 1}, func(i btree.Item) bool {
		if prev := i.(*shard); prev.end > s.first {
			overlap = prev
		}
		return false
	})
	if overlap != nil {
		return errs.Config("store: composite", "shard [%d, %d) overlaps [%d, %d)",
			s.first, s.end, overlap.first, overlap.end)
	}
	c.tree.ReplaceOrInsert(s)
	return nil
}

func (c *CompositeStore) snapshot() {
	dir := make([]*shard, 0, c.tree.Len())
	c.tree.Ascend(func(i btree.Item) bool {
		dir = append(dir, i.(*shard))
		return true
	})
	c.dir = dir
	c.gen++
}

// AddShard inserts child into a gap of the directory.
func (c *CompositeStore) AddShard(child Store) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.insert(child); err != nil {
		return err
	}
	c.snapshot()
	return nil
}

// RemoveShard detaches the shard starting at firstRecord and returns it. The
// caller owns the returned store.
func (c *CompositeStore) RemoveShard(firstRecord uint64) (Store, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item := c.tree.Delete(&shard{first: firstRecord})
	if item == nil {
		return nil, errs.Config("store: composite", "no shard starts at %d", firstRecord)
	}
	c.snapshot()
	return item.(*shard).store, nil
}

// ReplaceShard swaps in child for the shard covering the same range and
// returns the old store.
func (c *CompositeStore) ReplaceShard(child Store) (Store, error) {
	ch := child.Header()
	if ch.Params != c.hdr.Params {
		return nil, errs.Config("store: composite", "shard params %+v differ from %+v", ch.Params, c.hdr.Params)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	item := c.tree.Get(&shard{first: ch.FirstRecord})
	if item == nil {
		return nil, errs.Config("store: composite", "no shard starts at %d", ch.FirstRecord)
	}
	old := item.(*shard)
	if old.end != ch.EndRecord() {
		return nil, errs.Config("store: composite", "replacement ends at %d, shard ends at %d", ch.EndRecord(), old.end)
	}
	c.tree.ReplaceOrInsert(&shard{store: child, first: old.first, end: old.end})
	c.snapshot()
	return old.store, nil
}

// Shards lists the directory in record order.
func (c *CompositeStore) Shards() []ShardInfo {
	c.mu.RLock()
	dir := c.dir
	c.mu.RUnlock()
	p := c.hdr.Params
	out := make([]ShardInfo, len(dir))
	for i, s := range dir {
		out[i] = ShardInfo{
			FirstRecord: s.first,
			NumRecords:  s.end - s.first,
			FirstByte:   p.ToByte(s.first),
			FirstNum:    p.ToNum(s.first),
			LastByte:    p.LastByte(s.end),
			LastNum:     p.ToNum(s.end),
			Path:        storePath(s.store),
		}
	}
	return out
}

func storePath(s Store) string {
	if p, ok := s.(interface{ Path() string }); ok {
		return p.Path()
	}
	return ""
}

func (c *CompositeStore) Header() *Header     { return c.hdr }
func (c *CompositeStore) Codec() *codec.Codec { return c.codec }
func (c *CompositeStore) Stats() Stats        { return c.stats.snapshot() }

func (c *CompositeStore) NewHandle() *Handle {
	c.stats.handles.Add(1)
	h := newHandle(c.hdr.Params.GroupLen)
	c.mu.RLock()
	h.gen = c.gen
	c.mu.RUnlock()
	h.children = make(map[*shard]*Handle)
	return h
}

func (c *CompositeStore) CloseHandle(h *Handle) error {
	if err := checkHandle("close handle", h); err != nil {
		return err
	}
	err := c.releaseChildren(h)
	h.closed = true
	c.stats.handles.Add(-1)
	return err
}

func (c *CompositeStore) releaseChildren(h *Handle) error {
	var errList []error
	for s, ch := range h.children {
		if err := s.store.CloseHandle(ch); err != nil {
			errList = append(errList, err)
		}
	}
	clear(h.children)
	return errors.Join(errList...)
}

func (c *CompositeStore) childHandle(h *Handle, s *shard) *Handle {
	ch, ok := h.children[s]
	if !ok {
		ch = s.store.NewHandle()
		h.children[s] = ch
	}
	return ch
}

// locate returns the position in dir of the shard holding index, or -1.
func locate(dir []*shard, index uint64) int {
	i := sort.Search(len(dir), func(i int) bool { return dir[i].end > index })
	if i == len(dir) || dir[i].first > index {
		return -1
	}
	return i
}

type childOp func(child Store, h *Handle, off uint64, firstNum int, p []byte, lastNum int) error

// each decomposes the group range at off into per-shard ranges and applies
// op to each, in record order.
func (c *CompositeStore) each(op string, h *Handle, off uint64, firstNum int, p []byte, lastNum int, fn childOp) error {
	if err := checkHandle(op, h); err != nil {
		return err
	}
	pr := c.hdr.Params
	g := uint64(pr.GroupLen)
	if len(p) == 0 || uint64(len(p))%g != 0 || off%g != 0 || firstNum < 0 || lastNum < 0 ||
		firstNum >= pr.RecordsPerGroup || lastNum >= pr.RecordsPerGroup {
		return errs.Range("store: composite "+op, "range of %d bytes at %d records %d..%d not group aligned",
			len(p), off, firstNum, lastNum).WithOffset(int64(off))
	}
	if len(p) == int(g) && lastNum > 0 && lastNum <= firstNum {
		return errs.Range("store: composite "+op, "empty window %d..%d", firstNum, lastNum).WithOffset(int64(off))
	}
	endOff := off + uint64(len(p))
	if off < c.hdr.FirstByte() || endOff > c.hdr.EndByte() {
		return errs.Range("store: composite "+op, "bytes [%d, %d) outside [%d, %d)",
			off, endOff, c.hdr.FirstByte(), c.hdr.EndByte()).WithOffset(int64(off))
	}

	start := pr.ToFirstRecord(off) + uint64(firstNum)
	end := pr.ToFirstRecord(endOff)
	if lastNum > 0 {
		end = end - uint64(pr.RecordsPerGroup) + uint64(lastNum)
	}
	start = max(start, c.hdr.FirstRecord)
	end = min(end, c.hdr.EndRecord())

	c.mu.RLock()
	dir, gen := c.dir, c.gen
	c.mu.RUnlock()
	if h.gen != gen {
		if err := c.releaseChildren(h); err != nil {
			return err
		}
		h.gen = gen
	}

	i := locate(dir, start)
	for idx := start; idx < end; i++ {
		if i < 0 || i >= len(dir) || dir[i].first > idx {
			return errs.Range("store: composite "+op, "no shard holds record %d", idx).WithIndex(idx)
		}
		s := dir[i]
		stop := min(end, s.end)
		lo, hi := pr.ToByte(idx), pr.LastByte(stop)
		if err := fn(s.store, c.childHandle(h, s), lo, pr.ToNum(idx), p[lo-off:hi-off], pr.ToNum(stop)); err != nil {
			return err
		}
		idx = stop
	}
	return nil
}

func readRange(child Store, h *Handle, off uint64, firstNum int, p []byte, lastNum int) error {
	return child.ReadRange(h, off, firstNum, p, lastNum)
}

func writeRange(child Store, h *Handle, off uint64, firstNum int, p []byte, lastNum int) error {
	return child.WriteRange(h, off, firstNum, p, lastNum)
}

func (c *CompositeStore) ReadBytes(h *Handle, off uint64, p []byte) error {
	return c.ReadRange(h, off, 0, p, 0)
}

func (c *CompositeStore) WriteBytes(h *Handle, off uint64, p []byte) error {
	return c.WriteRange(h, off, 0, p, 0)
}

func (c *CompositeStore) ReadRange(h *Handle, off uint64, firstNum int, p []byte, lastNum int) error {
	if err := c.each("read", h, off, firstNum, p, lastNum, readRange); err != nil {
		return err
	}
	c.stats.read(len(p))
	return nil
}

func (c *CompositeStore) WriteRange(h *Handle, off uint64, firstNum int, p []byte, lastNum int) error {
	if err := c.each("write", h, off, firstNum, p, lastNum, writeRange); err != nil {
		return err
	}
	c.stats.wrote(len(p))
	return nil
}

// Flush flushes every shard.
func (c *CompositeStore) Flush() error {
	c.mu.RLock()
	dir := c.dir
	c.mu.RUnlock()
	var errList []error
	for _, s := range dir {
		if err := s.store.Flush(); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// Close closes every shard.
func (c *CompositeStore) Close() error {
	c.mu.Lock()
	dir := c.dir
	c.dir = nil
	c.tree.Clear(false)
	c.gen++
	c.mu.Unlock()
	var errList []error
	for _, s := range dir {
		if err := s.store.Close(); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}
