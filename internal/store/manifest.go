package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/freeeve/retrograde/internal/errs"
)

// Manifest lists the shard files of a composite store.
type Manifest struct {
	FirstRecord     uint64          `yaml:"first_record"`
	NumRecords      uint64          `yaml:"num_records"`
	TotalStates     uint64          `yaml:"total_states"`
	RecordsPerGroup int             `yaml:"records_per_group"`
	GroupLen        int             `yaml:"group_len"`
	Shards          []ManifestShard `yaml:"shards"`
}

// ManifestShard is one shard file. Relative paths are resolved against the
// manifest's directory.
type ManifestShard struct {
	Path        string `yaml:"path"`
	FirstRecord uint64 `yaml:"first_record"`
	NumRecords  uint64 `yaml:"num_records"`
	FirstByte   uint64 `yaml:"first_byte"`
	LastByte    uint64 `yaml:"last_byte"`
}

// Manifest describes c. Every shard must be file backed.
func (c *CompositeStore) Manifest() (Manifest, error) {
	p := c.hdr.Params
	m := Manifest{
		FirstRecord:     c.hdr.FirstRecord,
		NumRecords:      c.hdr.NumRecords,
		TotalStates:     p.TotalStates,
		RecordsPerGroup: p.RecordsPerGroup,
		GroupLen:        p.GroupLen,
	}
	for _, s := range c.Shards() {
		if s.Path == "" {
			return Manifest{}, errs.Config("store: manifest", "shard at %d has no file", s.FirstRecord)
		}
		m.Shards = append(m.Shards, ManifestShard{
			Path:        s.Path,
			FirstRecord: s.FirstRecord,
			NumRecords:  s.NumRecords,
			FirstByte:   s.FirstByte,
			LastByte:    s.LastByte,
		})
	}
	return m, nil
}

// ShardsFor returns the shards holding any record of [first, first+n).
func (m Manifest) ShardsFor(first, n uint64) []ManifestShard {
	end := first + n
	i := sort.Search(len(m.Shards), func(i int) bool {
		s := m.Shards[i]
		return s.FirstRecord+s.NumRecords > first
	})
	var out []ManifestShard
	for ; i < len(m.Shards) && m.Shards[i].FirstRecord < end; i++ {
		out = append(out, m.Shards[i])
	}
	return out
}

// WriteManifest saves m as YAML, storing shard paths relative to the
// manifest when they share its directory.
func WriteManifest(path string, m Manifest) error {
	dir := filepath.Dir(path)
	out := m
	out.Shards = make([]ManifestShard, len(m.Shards))
	for i, s := range m.Shards {
		if rel, err := filepath.Rel(dir, s.Path); err == nil && !strings.HasPrefix(rel, "..") {
			s.Path = rel
		}
		out.Shards[i] = s
	}
	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errs.IO("store: write manifest", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errs.IO("store: rename manifest", err)
	}
	return nil
}

// ReadManifest loads a manifest written by WriteManifest.
func ReadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, errs.IO("store: read manifest", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, errs.Config("store: manifest", "%s: %v", path, err)
	}
	dir := filepath.Dir(path)
	for i := range m.Shards {
		if !filepath.IsAbs(m.Shards[i].Path) {
			m.Shards[i].Path = filepath.Join(dir, m.Shards[i].Path)
		}
	}
	return m, nil
}

// OpenManifest opens every shard listed in the manifest at path.
func OpenManifest(path string, readOnly bool) (*CompositeStore, error) {
	m, err := ReadManifest(path)
	if err != nil {
		return nil, err
	}
	if len(m.Shards) == 0 {
		return nil, errs.Config("store: manifest", "%s lists no shards", path)
	}
	children := make([]Store, 0, len(m.Shards))
	closeAll := func() {
		for _, c := range children {
			c.Close()
		}
	}
	for _, s := range m.Shards {
		child, err := openShard(s.Path, readOnly)
		if err != nil {
			closeAll()
			return nil, err
		}
		children = append(children, child)
		ch := child.Header()
		if ch.FirstRecord != s.FirstRecord || ch.NumRecords != s.NumRecords {
			closeAll()
			return nil, errs.Config("store: manifest", "%s holds [%d, +%d), manifest says [%d, +%d)",
				s.Path, ch.FirstRecord, ch.NumRecords, s.FirstRecord, s.NumRecords)
		}
	}
	hdr := children[0].Header().WithRange(m.FirstRecord, m.NumRecords)
	if hdr.Params.RecordsPerGroup != m.RecordsPerGroup || hdr.Params.GroupLen != m.GroupLen ||
		hdr.Params.TotalStates != m.TotalStates {
		closeAll()
		return nil, errs.Config("store: manifest", "%s layout does not match its shards", path)
	}
	c, err := NewComposite(hdr, children...)
	if err != nil {
		closeAll()
		return nil, err
	}
	return c, nil
}

func openShard(path string, readOnly bool) (Store, error) {
	if strings.HasSuffix(path, ArchiveExt) {
		return OpenArchive(path)
	}
	return OpenFile(path, readOnly)
}

// ShardPath names shard i of a set written under dir.
func ShardPath(dir, name string, i int) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%04d.db", name, i))
}

// SplitRanges divides [first, first+n) into count nearly equal record ranges.
// Boundaries are not group aligned.
func SplitRanges(first, n uint64, count int) [][2]uint64 {
	if count < 1 {
		count = 1
	}
	if uint64(count) > n {
		count = int(max(n, 1))
	}
	out := make([][2]uint64, 0, count)
	for i := 0; i < count; i++ {
		lo := first + n*uint64(i)/uint64(count)
		hi := first + n*uint64(i+1)/uint64(count)
		out = append(out, [2]uint64{lo, hi - lo})
	}
	return out
}

// CreateSharded creates count empty shard files for hdr under dir and a
// manifest naming them. It returns the composite and the manifest path. On
// failure no shard file is left open or on disk.
func CreateSharded(dir, name string, hdr *Header, count int) (*CompositeStore, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", errs.IO("store: mkdir "+dir, err)
	}
	var children []Store
	discard := func(err error) (*CompositeStore, string, error) {
		for i, c := range children {
			c.Close()
			os.Remove(ShardPath(dir, name, i))
		}
		return nil, "", err
	}
	for i, r := range SplitRanges(hdr.FirstRecord, hdr.NumRecords, count) {
		child, err := CreateFile(ShardPath(dir, name, i), hdr.WithRange(r[0], r[1]))
		if err != nil {
			return discard(err)
		}
		children = append(children, child)
	}
	c, err := NewComposite(hdr, children...)
	if err != nil {
		return discard(err)
	}
	m, err := c.Manifest()
	if err != nil {
		return discard(err)
	}
	path := filepath.Join(dir, name+".yaml")
	if err := WriteManifest(path, m); err != nil {
		return discard(err)
	}
	return c, path, nil
}

// Split copies src into count shard files under dir and writes their
// manifest. Each shard receives every group its records touch.
func Split(ctx context.Context, src Store, dir, name string, count int) (Manifest, string, error) {
	hdr := src.Header()
	dst, path, err := CreateSharded(dir, name, hdr, count)
	if err != nil {
		return Manifest{}, "", err
	}
	defer dst.Close()

	sh := src.NewHandle()
	defer src.CloseHandle(sh)
	dh := dst.NewHandle()
	defer dst.CloseHandle(dh)

	if err := Copy(ctx, dst, dh, src, sh); err != nil {
		return Manifest{}, "", err
	}
	if err := dst.Flush(); err != nil {
		return Manifest{}, "", err
	}
	m, err := dst.Manifest()
	return m, path, err
}

// copyChunkBytes bounds the buffer used by Copy.
const copyChunkBytes = 4 << 20

// Copy transfers every record of src into dst. Both stores must have the
// same layout and record range.
func Copy(ctx context.Context, dst Store, dh *Handle, src Store, sh *Handle) error {
	hdr := src.Header()
	dhdr := dst.Header()
	if hdr.Params != dhdr.Params || hdr.FirstRecord != dhdr.FirstRecord || hdr.NumRecords != dhdr.NumRecords {
		return errs.Config("store: copy", "layouts differ")
	}
	if hdr.NumRecords == 0 {
		return nil
	}
	p := hdr.Params
	g := uint64(p.GroupLen)
	chunk := max(copyChunkBytes/g, 1) * g
	buf := make([]byte, chunk)
	lo, hi := hdr.FirstByte(), hdr.EndByte()
	for off := lo; off < hi; off += chunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(chunk, hi-off)
		fn, ln := 0, 0
		if off == lo {
			fn = p.ToNum(hdr.FirstRecord)
		}
		if off+n == hi {
			ln = p.ToNum(hdr.EndRecord())
		}
		if err := src.ReadRange(sh, off, fn, buf[:n], ln); err != nil {
			return err
		}
		if err := dst.WriteRange(dh, off, fn, buf[:n], ln); err != nil {
			return err
		}
	}
	return nil
}
