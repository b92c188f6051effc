package store

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/rs/zerolog"

	"github.com/freeeve/retrograde/internal/codec"
	"github.com/freeeve/retrograde/internal/errs"
	"github.com/freeeve/retrograde/internal/record"
)

// testHeader builds a header; rpg 0 selects the uncompressed layout.
func testHeader(t *testing.T, ts uint64, rpg int, first, n uint64) *Header {
	t.Helper()
	var (
		p   codec.Params
		err error
	)
	if rpg == 0 {
		p, err = codec.Uncompressed(ts)
	} else {
		p, err = codec.Compressed(ts, rpg)
	}
	if err != nil {
		t.Fatalf("params(%d, %d): %v", ts, rpg, err)
	}
	layout := record.Layout{RemotenessStates: max(ts/record.OutcomeStates, 1)}
	hdr, err := NewHeader(p, first, n, Meta{Game: "test", Options: map[string]string{"k": "v"}, Layout: layout})
	if err != nil {
		t.Fatalf("NewHeader: %v", err)
	}
	return hdr
}

// memoryShards splits hdr's range at bounds into memory stores.
func memoryShards(t *testing.T, hdr *Header, bounds ...uint64) *CompositeStore {
	t.Helper()
	cuts := append([]uint64{hdr.FirstRecord}, bounds...)
	cuts = append(cuts, hdr.EndRecord())
	var children []Store
	for i := 0; i+1 < len(cuts); i++ {
		children = append(children, NewMemory(hdr.WithRange(cuts[i], cuts[i+1]-cuts[i])))
	}
	c, err := NewComposite(hdr, children...)
	if err != nil {
		t.Fatalf("NewComposite: %v", err)
	}
	return c
}

func readAll(t *testing.T, s Store) []uint64 {
	t.Helper()
	h := s.NewHandle()
	defer s.CloseHandle(h)
	hdr := s.Header()
	out := make([]uint64, hdr.NumRecords)
	if err := ReadRecords(s, h, hdr.FirstRecord, out); err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}
	return out
}

func writeAll(t *testing.T, s Store, values []uint64) {
	t.Helper()
	h := s.NewHandle()
	defer s.CloseHandle(h)
	if err := WriteRecords(s, h, s.Header().FirstRecord, values); err != nil {
		t.Fatalf("WriteRecords: %v", err)
	}
}

func randomValues(seed uint64, ts uint64, n int) []uint64 {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	out := make([]uint64, n)
	for i := range out {
		out[i] = rng.Uint64N(ts)
	}
	return out
}

func TestShardStraddleBytes(t *testing.T) {
	hdr := testHeader(t, 4, 0, 0, 200)
	plain := NewMemory(hdr)
	sharded := memoryShards(t, hdr, 100)

	data := []byte{1, 2, 3, 0, 1, 2, 3, 0, 1, 2}
	for _, s := range []Store{plain, sharded} {
		h := s.NewHandle()
		if err := s.WriteBytes(h, 98, data); err != nil {
			t.Fatalf("WriteBytes: %v", err)
		}
		got := make([]byte, 10)
		if err := s.ReadBytes(h, 98, got); err != nil {
			t.Fatalf("ReadBytes: %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("ReadBytes = %v, want %v", got, data)
		}
		s.CloseHandle(h)
	}
	if got, want := readAll(t, sharded), readAll(t, plain); !slices.Equal(got, want) {
		t.Errorf("sharded records differ from unsharded")
	}
	h := sharded.NewHandle()
	defer sharded.CloseHandle(h)
	for i := uint64(98); i < 108; i++ {
		v, err := GetRecord(sharded, h, i)
		if err != nil {
			t.Fatalf("GetRecord(%d): %v", i, err)
		}
		if v != uint64(data[i-98]) {
			t.Errorf("GetRecord(%d) = %d, want %d", i, v, data[i-98])
		}
	}
}

func TestShardStraddleCompressed(t *testing.T) {
	// record 100 is the middle of group 33 (records 99..101)
	hdr := testHeader(t, 10, 3, 0, 300)
	plain := NewMemory(hdr)
	sharded := memoryShards(t, hdr, 100, 200)

	base := randomValues(1, 10, 300)
	writeAll(t, plain, base)
	writeAll(t, sharded, base)

	patch := randomValues(2, 10, 16)
	for _, s := range []Store{plain, sharded} {
		h := s.NewHandle()
		if err := WriteRecords(s, h, 95, patch); err != nil {
			t.Fatalf("WriteRecords: %v", err)
		}
		if err := PutRecord(s, h, 199, 9); err != nil {
			t.Fatalf("PutRecord: %v", err)
		}
		if err := PutRecord(s, h, 200, 8); err != nil {
			t.Fatalf("PutRecord: %v", err)
		}
		s.CloseHandle(h)
	}

	want := slices.Clone(base)
	copy(want[95:], patch)
	want[199], want[200] = 9, 8
	if got := readAll(t, plain); !slices.Equal(got, want) {
		t.Fatalf("plain store records wrong")
	}
	got := readAll(t, sharded)
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sharded record %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestWriteRecordsPreservesSiblings(t *testing.T) {
	hdr := testHeader(t, 10, 4, 0, 40)
	s := NewMemory(hdr)
	h := s.NewHandle()
	defer s.CloseHandle(h)

	if err := FillRecords(s, h, 7, 0, 40); err != nil {
		t.Fatalf("FillRecords: %v", err)
	}
	if err := WriteRecords(s, h, 5, []uint64{1, 2, 3}); err != nil {
		t.Fatalf("WriteRecords: %v", err)
	}
	got := readAll(t, s)
	for i, v := range got {
		want := uint64(7)
		if i >= 5 && i < 8 {
			want = uint64(i - 4)
		}
		if v != want {
			t.Errorf("record %d = %d, want %d", i, v, want)
		}
	}
}

func TestReadRangeKeepsCallerRecords(t *testing.T) {
	hdr := testHeader(t, 10, 4, 0, 8)
	s := NewMemory(hdr)
	c := s.Codec()
	h := s.NewHandle()
	defer s.CloseHandle(h)

	stored := make([]byte, c.GroupLen())
	c.Encode([]uint64{1, 2, 3, 4}, stored)
	if err := s.WriteBytes(h, 0, stored); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}

	buf := make([]byte, c.GroupLen())
	c.Encode([]uint64{9, 9, 9, 9}, buf)
	if err := s.ReadRange(h, 0, 1, buf, 3); err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	got := make([]uint64, 4)
	c.Decode(buf, got)
	if want := []uint64{9, 2, 3, 9}; !slices.Equal(got, want) {
		t.Errorf("ReadRange = %v, want %v", got, want)
	}

	// two groups: tail of the first, head of the second
	two := make([]byte, 2*c.GroupLen())
	c.Encode([]uint64{9, 9, 9, 9}, two)
	c.Encode([]uint64{9, 9, 9, 9}, two[c.GroupLen():])
	if err := s.ReadRange(h, 0, 2, two, 1); err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	c.Decode(two, got)
	if want := []uint64{9, 9, 3, 4}; !slices.Equal(got, want) {
		t.Errorf("first group = %v, want %v", got, want)
	}
	c.Decode(two[c.GroupLen():], got)
	if want := []uint64{0, 9, 9, 9}; !slices.Equal(got, want) {
		t.Errorf("second group = %v, want %v", got, want)
	}
}

func TestFillIdempotent(t *testing.T) {
	for _, rpg := range []int{0, 3} {
		hdr := testHeader(t, 10, rpg, 0, 100)
		s := NewMemory(hdr)
		h := s.NewHandle()

		if err := FillRecords(s, h, 4, 10, 50); err != nil {
			t.Fatalf("FillRecords: %v", err)
		}
		once := s.Bytes()
		if err := FillRecords(s, h, 4, 10, 50); err != nil {
			t.Fatalf("FillRecords: %v", err)
		}
		if !bytes.Equal(s.Bytes(), once) {
			t.Errorf("rpg=%d: second FillRecords changed the store", rpg)
		}

		if err := Fill(s, h, 3, 0, hdr.DataLen()); err != nil {
			t.Fatalf("Fill: %v", err)
		}
		once = s.Bytes()
		if err := Fill(s, h, 3, 0, hdr.DataLen()); err != nil {
			t.Fatalf("Fill: %v", err)
		}
		if !bytes.Equal(s.Bytes(), once) {
			t.Errorf("rpg=%d: second Fill changed the store", rpg)
		}
		for i, v := range readAll(t, s) {
			if v != 3 {
				t.Fatalf("rpg=%d: record %d = %d after Fill, want 3", rpg, i, v)
			}
		}
		s.CloseHandle(h)
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	for _, rpg := range []int{0, 1, 5, 23} {
		hdr := testHeader(t, 37, rpg, 12, 3456)
		hdr.Meta.Solver = "tier"
		hdr.Meta.Layout.RemotenessStates = 9
		buf, err := hdr.MarshalBinary()
		if err != nil {
			t.Fatalf("MarshalBinary: %v", err)
		}
		got, n, err := ReadHeader(bytes.NewReader(buf))
		if err != nil {
			t.Fatalf("rpg=%d: ReadHeader: %v", rpg, err)
		}
		if n != len(buf) {
			t.Errorf("rpg=%d: header size = %d, want %d", rpg, n, len(buf))
		}
		if got.FirstRecord != 12 || got.NumRecords != 3456 || got.Params != hdr.Params {
			t.Errorf("rpg=%d: ReadHeader = %+v, want %+v", rpg, got, hdr)
		}
		if got.Meta.RunID != hdr.Meta.RunID || got.Meta.Game != "test" || got.Meta.Options["k"] != "v" ||
			got.Meta.Solver != "tier" || got.Meta.Layout != hdr.Meta.Layout || !got.Meta.Created.Equal(hdr.Meta.Created) {
			t.Errorf("rpg=%d: meta = %+v, want %+v", rpg, got.Meta, hdr.Meta)
		}
		again, _ := got.MarshalBinary()
		if !bytes.Equal(again, buf) {
			t.Errorf("rpg=%d: re-encoded header differs", rpg)
		}
	}
}

func TestCorruptHeader(t *testing.T) {
	hdr := testHeader(t, 1000, 3, 0, 10)
	good, err := hdr.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	badLen := bytes.Clone(good)
	badLen[17]++ // group length no longer matches 1000^3

	badMeta := bytes.Clone(good)
	for i := PreambleSize + 4; i < len(badMeta); i++ {
		badMeta[i] = 0xFF
	}

	hugeMeta := bytes.Clone(good)
	hugeMeta[18] = 0x7F

	layoutBytes := func(l record.Layout) []byte {
		bad := *hdr
		bad.Meta.Layout = l
		buf, err := bad.MarshalBinary()
		if err != nil {
			t.Fatalf("MarshalBinary: %v", err)
		}
		return buf
	}

	tests := map[string][]byte{
		"short":       good[:10],
		"group len":   badLen,
		"bad meta":    badMeta,
		"huge meta":   hugeMeta,
		"cut meta":    good[:len(good)-2],
		"empty file":  nil,
		"no layout":   layoutBytes(record.Layout{}),
		"wide layout": layoutBytes(record.Layout{RemotenessStates: 1000}),
	}
	for name, data := range tests {
		if _, _, err := ReadHeader(bytes.NewReader(data)); !errors.Is(err, errs.ErrCorruptHeader) {
			t.Errorf("%s: err = %v, want ErrCorruptHeader", name, err)
		}
	}
}

func TestNewHeaderRejectsLayout(t *testing.T) {
	p, err := codec.Compressed(1000, 3)
	if err != nil {
		t.Fatalf("Compressed: %v", err)
	}
	for name, l := range map[string]record.Layout{
		"zero remoteness": {},
		"too many states": {RemotenessStates: 100, ScoreStates: 3},
	} {
		if _, err := NewHeader(p, 0, 10, Meta{Layout: l}); !errors.Is(err, errs.ErrConfig) {
			t.Errorf("%s: err = %v, want ErrConfig", name, err)
		}
	}
	if _, err := NewHeader(p, 0, 10, Meta{Layout: record.Layout{RemotenessStates: 250}}); err != nil {
		t.Errorf("NewHeader with 1000 states: %v", err)
	}
}

func TestRangeErrors(t *testing.T) {
	hdr := testHeader(t, 10, 3, 10, 20)
	s := NewMemory(hdr)
	h := s.NewHandle()
	defer s.CloseHandle(h)

	checks := map[string]error{}
	_, checks["get below"] = GetRecord(s, h, 9)
	_, checks["get above"] = GetRecord(s, h, 30)
	checks["put value"] = PutRecord(s, h, 12, 10)
	checks["write records"] = WriteRecords(s, h, 25, make([]uint64, 6))
	checks["read bytes"] = s.ReadBytes(h, 0, make([]byte, 2))
	checks["unaligned"] = s.WriteRange(h, hdr.FirstByte()+1, 0, make([]byte, 2), 0)
	checks["bad num"] = s.WriteRange(h, hdr.FirstByte(), 3, make([]byte, 2), 0)
	checks["empty window"] = s.ReadRange(h, hdr.FirstByte(), 2, make([]byte, 2), 1)
	for name, err := range checks {
		if !errors.Is(err, errs.ErrRange) {
			t.Errorf("%s: err = %v, want ErrRange", name, err)
		}
	}

	// boundaries themselves are fine
	if err := PutRecord(s, h, 10, 9); err != nil {
		t.Errorf("PutRecord(10): %v", err)
	}
	if err := PutRecord(s, h, 29, 9); err != nil {
		t.Errorf("PutRecord(29): %v", err)
	}
}

func TestHandleAfterClose(t *testing.T) {
	hdr := testHeader(t, 10, 0, 0, 10)
	for name, s := range map[string]Store{
		"memory":    NewMemory(hdr),
		"composite": memoryShards(t, hdr, 5),
	} {
		h := s.NewHandle()
		if err := s.CloseHandle(h); err != nil {
			t.Fatalf("%s: CloseHandle: %v", name, err)
		}
		if _, err := GetRecord(s, h, 1); !errors.Is(err, errs.ErrRange) {
			t.Errorf("%s: GetRecord after close err = %v, want ErrRange", name, err)
		}
		if err := s.CloseHandle(h); !errors.Is(err, errs.ErrRange) {
			t.Errorf("%s: second CloseHandle err = %v, want ErrRange", name, err)
		}
		if got := s.Stats().OpenHandles; got != 0 {
			t.Errorf("%s: OpenHandles = %d, want 0", name, got)
		}
	}
}

func TestMemoryStoreAfterClose(t *testing.T) {
	s := NewMemory(testHeader(t, 10, 3, 0, 30))
	h := s.NewHandle()
	if err := PutRecord(s, h, 4, 7); err != nil {
		t.Fatalf("PutRecord: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := GetRecord(s, h, 4); !errors.Is(err, ErrClosed) || !errors.Is(err, errs.ErrRange) {
		t.Errorf("GetRecord after Close err = %v, want ErrClosed", err)
	}
	if err := PutRecord(s, h, 5, 1); !errors.Is(err, ErrClosed) {
		t.Errorf("PutRecord after Close err = %v, want ErrClosed", err)
	}
	if err := s.ReadBytes(h, 0, make([]byte, 3)); !errors.Is(err, ErrClosed) {
		t.Errorf("ReadBytes after Close err = %v, want ErrClosed", err)
	}
}

func TestFileStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "solve.db")
	hdr := testHeader(t, 1000, 6, 0, 500)
	s, err := CreateFile(path, hdr)
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	values := randomValues(3, 1000, 500)
	writeAll(t, s, values)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ro, err := OpenFile(path, true)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer ro.Close()
	if ro.Header().Params != hdr.Params || ro.Header().Meta.RunID != hdr.Meta.RunID {
		t.Errorf("reopened header = %+v, want %+v", ro.Header(), hdr)
	}
	if got := readAll(t, ro); !slices.Equal(got, values) {
		t.Errorf("reopened records differ")
	}
	h := ro.NewHandle()
	defer ro.CloseHandle(h)
	if err := PutRecord(ro, h, 1, 1); !errors.Is(err, ErrReadOnly) {
		t.Errorf("PutRecord on read-only err = %v, want ErrReadOnly", err)
	}
}

func TestOpenFileTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.db")
	hdr := testHeader(t, 10, 0, 0, 100)
	s, err := CreateFile(path, hdr)
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	s.f.Truncate(s.dataOff + 50)
	s.Close()
	if _, err := OpenFile(path, true); !errors.Is(err, errs.ErrCorruptHeader) {
		t.Errorf("OpenFile err = %v, want ErrCorruptHeader", err)
	}
}

func TestArchiveRoundTrip(t *testing.T) {
	for _, name := range []string{"zstd", "lz4", "none"} {
		t.Run(name, func(t *testing.T) {
			hdr := testHeader(t, 10, 3, 0, 1000)
			src := NewMemory(hdr)
			values := randomValues(4, 10, 1000)
			for i := 0; i < 500; i++ {
				values[i] = uint64(i % 3)
			}
			writeAll(t, src, values)

			path := filepath.Join(t.TempDir(), "solve"+ArchiveExt)
			stats, err := WriteArchive(t.Context(), path, src, ArchiveOptions{Codec: name, EntryBytes: 64, Jobs: 3, Logger: zerolog.Nop()})
			if err != nil {
				t.Fatalf("WriteArchive: %v", err)
			}
			if stats.Entries != 11 || stats.RawBytes != hdr.DataLen() {
				t.Errorf("stats = %+v, want 11 entries of %d bytes", stats, hdr.DataLen())
			}

			a, err := OpenArchive(path)
			if err != nil {
				t.Fatalf("OpenArchive: %v", err)
			}
			defer a.Close()
			if got := readAll(t, a); !slices.Equal(got, values) {
				t.Errorf("archive records differ")
			}
			h := a.NewHandle()
			defer a.CloseHandle(h)
			for _, i := range []uint64{0, 95, 96, 500, 999} {
				v, err := GetRecord(a, h, i)
				if err != nil || v != values[i] {
					t.Errorf("GetRecord(%d) = %d, %v; want %d", i, v, err, values[i])
				}
			}
			if err := PutRecord(a, h, 1, 1); !errors.Is(err, ErrReadOnly) {
				t.Errorf("PutRecord err = %v, want ErrReadOnly", err)
			}
		})
	}
}

func TestArchiveCorruptIndex(t *testing.T) {
	hdr := testHeader(t, 10, 0, 0, 256)
	src := NewMemory(hdr)
	writeAll(t, src, randomValues(9, 10, 256))
	path := filepath.Join(t.TempDir(), "index"+ArchiveExt)
	if _, err := WriteArchive(t.Context(), path, src, ArchiveOptions{Codec: "none", EntryBytes: 64, Logger: zerolog.Nop()}); err != nil {
		t.Fatalf("WriteArchive: %v", err)
	}
	good, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	// the index holds 4 entries of 45 bytes just before the 20-byte footer
	first := len(good) - archiveFooterSize - 4*archiveIndexSize

	tests := map[string]func(b []byte){
		"huge size": func(b []byte) { copy(b[first+8:], []byte{0xFF, 0xFF, 0xFF, 0xF0}) },
		"offset":    func(b []byte) { b[first+7]++ },
		"codec":     func(b []byte) { b[first+12] = 9 },
	}
	for name, mutate := range tests {
		bad := bytes.Clone(good)
		mutate(bad)
		p := filepath.Join(t.TempDir(), name+ArchiveExt)
		if err := os.WriteFile(p, bad, 0o644); err != nil {
			t.Fatal(err)
		}
		if a, err := OpenArchive(p); !errors.Is(err, errs.ErrCorruptHeader) {
			if a != nil {
				a.Close()
			}
			t.Errorf("%s: OpenArchive err = %v, want ErrCorruptHeader", name, err)
		}
	}
}

func mustOpenRW(t *testing.T, path string) *os.File {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	return f
}

func TestArchiveChecksum(t *testing.T) {
	hdr := testHeader(t, 10, 0, 0, 256)
	src := NewMemory(hdr)
	writeAll(t, src, randomValues(5, 10, 256))
	path := filepath.Join(t.TempDir(), "bad"+ArchiveExt)
	if _, err := WriteArchive(t.Context(), path, src, ArchiveOptions{Codec: "none", EntryBytes: 64, Logger: zerolog.Nop()}); err != nil {
		t.Fatalf("WriteArchive: %v", err)
	}
	head, _ := hdr.MarshalBinary()

	a, err := OpenArchive(path)
	if err != nil {
		t.Fatalf("OpenArchive: %v", err)
	}
	a.Close()
	// flip a data byte of the first entry
	f := mustOpenRW(t, path)
	var b [1]byte
	f.ReadAt(b[:], int64(len(head))+3)
	b[0] ^= 0x01
	f.WriteAt(b[:], int64(len(head))+3)
	f.Close()

	a, err = OpenArchive(path)
	if err != nil {
		t.Fatalf("OpenArchive: %v", err)
	}
	defer a.Close()
	h := a.NewHandle()
	defer a.CloseHandle(h)
	if _, err := GetRecord(a, h, 3); !errors.Is(err, ErrChecksum) {
		t.Errorf("GetRecord err = %v, want ErrChecksum", err)
	}
	// other entries are unaffected
	if _, err := GetRecord(a, h, 200); err != nil {
		t.Errorf("GetRecord(200): %v", err)
	}
}
