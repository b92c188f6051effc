package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"

	"github.com/freeeve/retrograde/internal/errs"
)

// Archive file structure:
//
//	Header: as written by Header.MarshalBinary
//	Entries: each entry is EntryBytes of group data (the last may be
//	         shorter), compressed independently
//	Index (45 bytes per entry):
//	  - Offset (8): file offset of the compressed entry
//	  - Size (4): compressed size
//	  - Tag (1): compression of this entry
//	  - Sum (32): BLAKE3 of the uncompressed entry
//	Footer (20 bytes):
//	  - IndexOffset (8)
//	  - Count (4)
//	  - EntryBytes (4)
//	  - Magic (4): "RGA1"
const (
	ArchiveExt         = ".rga"
	archiveMagic       = "RGA1"
	archiveFooterSize  = 20
	archiveIndexSize   = 45
	DefaultEntryBytes  = 256 << 10
	defaultArchiveJobs = 4
)

// ErrChecksum is returned when an archive entry does not match its sum.
var ErrChecksum = errors.New("archive entry checksum mismatch")

// CompressionTag identifies the codec of one archive entry.
type CompressionTag uint8

const (
	CompressionNone CompressionTag = 0
	CompressionLZ4  CompressionTag = 1
	CompressionZstd CompressionTag = 2
)

func (t CompressionTag) String() string {
	switch t {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// ParseCompressionTag parses the names produced by String.
func ParseCompressionTag(name string) (CompressionTag, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd", "":
		return CompressionZstd, nil
	default:
		return 0, errs.Config("store: archive", "unknown codec %q", name)
	}
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("store: zstd encoder: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("store: zstd decoder: " + err.Error())
	}
}

// compressEntry falls back to CompressionNone when the codec does not shrink
// the data.
func compressEntry(data []byte, tag CompressionTag) ([]byte, CompressionTag, error) {
	switch tag {
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("lz4 compress: %w", err)
		}
		if n > 0 && n < len(data) {
			return dst[:n], CompressionLZ4, nil
		}
	case CompressionZstd:
		out := zstdEncoder.EncodeAll(data, nil)
		if len(out) < len(data) {
			return out, CompressionZstd, nil
		}
	}
	return bytes.Clone(data), CompressionNone, nil
}

func decompressEntry(src []byte, tag CompressionTag, dst []byte) error {
	switch tag {
	case CompressionNone:
		if len(src) != len(dst) {
			return fmt.Errorf("raw entry is %d bytes, want %d", len(src), len(dst))
		}
		copy(dst, src)
	case CompressionLZ4:
		n, err := lz4.UncompressBlock(src, dst)
		if err != nil {
			return fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != len(dst) {
			return fmt.Errorf("lz4 entry is %d bytes, want %d", n, len(dst))
		}
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(src, dst[:0])
		if err != nil {
			return fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != len(dst) {
			return fmt.Errorf("zstd entry is %d bytes, want %d", len(out), len(dst))
		}
	default:
		return fmt.Errorf("unknown entry codec %d", tag)
	}
	return nil
}

type archiveEntry struct {
	offset uint64
	size   uint32
	tag    CompressionTag
	sum    [32]byte
}

// ArchiveOptions configures WriteArchive.
type ArchiveOptions struct {
	Codec      string
	EntryBytes int
	Jobs       int
	Logger     zerolog.Logger
}

// ArchiveStats reports what WriteArchive produced.
type ArchiveStats struct {
	Entries         int
	RawBytes        uint64
	CompressedBytes uint64
	Elapsed         time.Duration
}

// WriteArchive writes a read-only compressed snapshot of src to path.
// Entries are compressed in parallel and written in order.
func WriteArchive(ctx context.Context, path string, src Store, opts ArchiveOptions) (ArchiveStats, error) {
	start := time.Now()
	tag, err := ParseCompressionTag(opts.Codec)
	if err != nil {
		return ArchiveStats{}, err
	}
	hdr := src.Header()
	g := hdr.Params.GroupLen
	if opts.EntryBytes <= 0 {
		opts.EntryBytes = DefaultEntryBytes
	}
	if opts.Jobs <= 0 {
		opts.Jobs = defaultArchiveJobs
	}
	entryBytes := uint64(max(opts.EntryBytes/g, 1) * g)

	head, err := hdr.MarshalBinary()
	if err != nil {
		return ArchiveStats{}, err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return ArchiveStats{}, errs.IO("store: create archive", err)
	}
	ok := false
	defer func() {
		if !ok {
			f.Close()
			os.Remove(tmp)
		}
	}()
	if _, err := f.Write(head); err != nil {
		return ArchiveStats{}, errs.IO("store: write archive", err)
	}

	h := src.NewHandle()
	defer src.CloseHandle(h)

	var (
		stats ArchiveStats
		index []archiveEntry
		pos   = uint64(len(head))
		lo    = hdr.FirstByte()
		total = hdr.DataLen()
	)
	raw := make([][]byte, opts.Jobs)
	out := make([][]byte, opts.Jobs)
	entries := make([]archiveEntry, opts.Jobs)
	for done := uint64(0); done < total; {
		batch := 0
		for ; batch < opts.Jobs && done < total; batch++ {
			n := min(entryBytes, total-done)
			if uint64(cap(raw[batch])) < n {
				raw[batch] = make([]byte, n)
			}
			raw[batch] = raw[batch][:n]
			if err := src.ReadBytes(h, lo+done, raw[batch]); err != nil {
				return ArchiveStats{}, err
			}
			done += n
		}

		eg, _ := errgroup.WithContext(ctx)
		for i := 0; i < batch; i++ {
			eg.Go(func() error {
				data, t, err := compressEntry(raw[i], tag)
				if err != nil {
					return err
				}
				out[i] = data
				entries[i] = archiveEntry{size: uint32(len(data)), tag: t, sum: blake3.Sum256(raw[i])}
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return ArchiveStats{}, err
		}
		if err := ctx.Err(); err != nil {
			return ArchiveStats{}, err
		}

		for i := 0; i < batch; i++ {
			if _, err := f.Write(out[i]); err != nil {
				return ArchiveStats{}, errs.IO("store: write archive", err)
			}
			entries[i].offset = pos
			pos += uint64(entries[i].size)
			index = append(index, entries[i])
			stats.RawBytes += uint64(len(raw[i]))
			stats.CompressedBytes += uint64(entries[i].size)
		}
	}

	buf := make([]byte, 0, len(index)*archiveIndexSize+archiveFooterSize)
	for _, e := range index {
		buf = binary.BigEndian.AppendUint64(buf, e.offset)
		buf = binary.BigEndian.AppendUint32(buf, e.size)
		buf = append(buf, byte(e.tag))
		buf = append(buf, e.sum[:]...)
	}
	buf = binary.BigEndian.AppendUint64(buf, pos)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(index)))
	buf = binary.BigEndian.AppendUint32(buf, uint32(entryBytes))
	buf = append(buf, archiveMagic...)
	if _, err := f.Write(buf); err != nil {
		return ArchiveStats{}, errs.IO("store: write archive index", err)
	}
	if err := f.Sync(); err != nil {
		return ArchiveStats{}, errs.IO("store: sync archive", err)
	}
	if err := f.Close(); err != nil {
		return ArchiveStats{}, errs.IO("store: close archive", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return ArchiveStats{}, errs.IO("store: rename archive", err)
	}
	ok = true

	stats.Entries = len(index)
	stats.Elapsed = time.Since(start)
	opts.Logger.Info().
		Str("path", path).
		Str("codec", tag.String()).
		Int("entries", stats.Entries).
		Str("raw", humanize.Bytes(stats.RawBytes)).
		Str("compressed", humanize.Bytes(stats.CompressedBytes)).
		Dur("elapsed", stats.Elapsed).
		Msg("archive written")
	return stats, nil
}

// ArchiveStore reads an archive written by WriteArchive. Each handle caches
// the last entry it decompressed.
type ArchiveStore struct {
	base
	path       string
	f          *os.File
	entryBytes uint64
	index      []archiveEntry
}

// OpenArchive opens an archive read-only.
func OpenArchive(path string) (*ArchiveStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.IO("store: open "+path, err)
	}
	s, err := openArchive(path, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func openArchive(path string, f *os.File) (*ArchiveStore, error) {
	hdr, headLen, err := ReadHeader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		return nil, errs.IO("store: stat "+path, err)
	}
	if info.Size() < archiveFooterSize {
		return nil, corrupt("archive footer", fmt.Errorf("%s is %d bytes", path, info.Size()))
	}
	var foot [archiveFooterSize]byte
	if _, err := f.ReadAt(foot[:], info.Size()-archiveFooterSize); err != nil {
		return nil, errs.IO("store: read footer "+path, err)
	}
	if string(foot[16:20]) != archiveMagic {
		return nil, corrupt("archive footer", fmt.Errorf("bad magic %q", foot[16:20]))
	}
	indexOff := binary.BigEndian.Uint64(foot[0:8])
	count := binary.BigEndian.Uint32(foot[8:12])
	entryBytes := uint64(binary.BigEndian.Uint32(foot[12:16]))
	g := uint64(hdr.Params.GroupLen)
	if entryBytes == 0 || entryBytes%g != 0 {
		return nil, corrupt("archive footer", fmt.Errorf("entry size %d for group length %d", entryBytes, g))
	}
	if want := (hdr.DataLen() + entryBytes - 1) / entryBytes; uint64(count) != want {
		return nil, corrupt("archive footer", fmt.Errorf("%d entries, want %d", count, want))
	}
	if indexOff+uint64(count)*archiveIndexSize+archiveFooterSize != uint64(info.Size()) {
		return nil, corrupt("archive footer", fmt.Errorf("index at %d does not fit %d bytes", indexOff, info.Size()))
	}

	raw := make([]byte, int(count)*archiveIndexSize)
	if _, err := f.ReadAt(raw, int64(indexOff)); err != nil {
		return nil, errs.IO("store: read index "+path, err)
	}
	index := make([]archiveEntry, count)
	for i := range index {
		b := raw[i*archiveIndexSize:]
		index[i].offset = binary.BigEndian.Uint64(b[0:8])
		index[i].size = binary.BigEndian.Uint32(b[8:12])
		index[i].tag = CompressionTag(b[12])
		copy(index[i].sum[:], b[13:45])
	}
	if err := checkIndex(index, uint64(headLen), indexOff, entryBytes, hdr.DataLen()); err != nil {
		return nil, corrupt("archive index", fmt.Errorf("%s: %w", path, err))
	}

	s := &ArchiveStore{path: path, f: f, entryBytes: entryBytes, index: index}
	s.base = newBase(hdr, s)
	return s, nil
}

// checkIndex verifies that entries tile [dataOff, indexOff) in order and that
// none is larger than the data it decompresses to. Entries are only stored
// compressed when that makes them smaller.
func checkIndex(index []archiveEntry, dataOff, indexOff, entryBytes, dataLen uint64) error {
	pos := dataOff
	for i, e := range index {
		raw := min(entryBytes, dataLen-uint64(i)*entryBytes)
		switch {
		case e.offset != pos:
			return fmt.Errorf("entry %d at %d, want %d", i, e.offset, pos)
		case e.tag > CompressionZstd:
			return fmt.Errorf("entry %d has codec %s", i, e.tag)
		case e.tag == CompressionNone && uint64(e.size) != raw:
			return fmt.Errorf("raw entry %d is %d bytes, want %d", i, e.size, raw)
		case uint64(e.size) > raw:
			return fmt.Errorf("entry %d is %d bytes, holds only %d", i, e.size, raw)
		}
		pos += uint64(e.size)
	}
	if pos != indexOff {
		return fmt.Errorf("entries end at %d, index at %d", pos, indexOff)
	}
	return nil
}

// Path returns the archive file name.
func (s *ArchiveStore) Path() string { return s.path }

// Entries is the number of compressed entries.
func (s *ArchiveStore) Entries() int { return len(s.index) }

// entry returns the decompressed entry i, reusing h's cache.
func (s *ArchiveStore) entry(h *Handle, i int64) ([]byte, error) {
	if h.entry == i {
		return h.entryBuf, nil
	}
	e := s.index[i]
	n := min(s.entryBytes, s.hdr.DataLen()-uint64(i)*s.entryBytes)
	src := make([]byte, e.size)
	if _, err := s.f.ReadAt(src, int64(e.offset)); err != nil {
		return nil, errs.IO("store: read entry "+s.path, err).WithOffset(int64(e.offset))
	}
	if uint64(cap(h.entryBuf)) < n {
		h.entryBuf = make([]byte, n)
	}
	dst := h.entryBuf[:n]
	h.entry = -1
	if err := decompressEntry(src, e.tag, dst); err != nil {
		return nil, errs.IO("store: entry "+s.path, err).WithOffset(int64(e.offset))
	}
	if blake3.Sum256(dst) != e.sum {
		return nil, errs.New(errs.KindIO, "store: entry "+s.path, ErrChecksum).WithOffset(int64(e.offset))
	}
	h.entry = i
	h.entryBuf = dst
	return dst, nil
}

func (s *ArchiveStore) readAt(h *Handle, p []byte, off uint64) error {
	for len(p) > 0 {
		i := int64(off / s.entryBytes)
		buf, err := s.entry(h, i)
		if err != nil {
			return err
		}
		n := copy(p, buf[off-uint64(i)*s.entryBytes:])
		p = p[n:]
		off += uint64(n)
	}
	return nil
}

func (s *ArchiveStore) writeAt(*Handle, []byte, uint64) error {
	return errs.New(errs.KindRange, "store: write "+s.path, ErrReadOnly)
}

// Flush is a no-op.
func (s *ArchiveStore) Flush() error { return nil }

// Close closes the archive file.
func (s *ArchiveStore) Close() error {
	if err := s.f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return errs.IO("store: close "+s.path, err)
	}
	return nil
}
