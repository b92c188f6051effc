package store

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/freeeve/retrograde/internal/codec"
	"github.com/freeeve/retrograde/internal/errs"
	"github.com/freeeve/retrograde/internal/record"
)

// Header layout:
//
//	Preamble (18 bytes):
//	  - FirstRecord (8): big-endian
//	  - NumRecords (8): big-endian
//	  - Mode (2): uncompressed [0xFF, groupBits]
//	              compressed   [rpg>>2, (rpg&3)<<6 | groupLen]
//	Meta length (4): big-endian
//	Meta (n): deterministic CBOR of Meta
//	Data: record groups starting at ToByte(FirstRecord)
const (
	PreambleSize    = 18
	uncompressedTag = 0xFF
	maxMetaLen      = 1 << 20
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	opts.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = opts.EncMode()
	if err != nil {
		panic("store: cbor encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{TextUnmarshaler: cbor.TextUnmarshalerTextString}.DecMode()
	if err != nil {
		panic("store: cbor decoder: " + err.Error())
	}
}

// Meta is the solve configuration persisted with a store. A store read back
// from disk carries everything needed to interpret its records.
type Meta struct {
	RunID       uuid.UUID         `cbor:"run_id"`
	Game        string            `cbor:"game,omitempty"`
	Options     map[string]string `cbor:"options,omitempty"`
	Layout      record.Layout     `cbor:"layout"`
	TotalStates uint64            `cbor:"total_states"`
	Solver      string            `cbor:"solver,omitempty"`
	Created     time.Time         `cbor:"created"`
}

// Header describes the record range and group layout of a store.
type Header struct {
	FirstRecord uint64
	NumRecords  uint64
	Params      codec.Params
	Meta        Meta
}

// NewHeader validates p and binds it to meta. meta.TotalStates is set from p.
func NewHeader(p codec.Params, firstRecord, numRecords uint64, meta Meta) (*Header, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.SuperCompress && (p.RecordsPerGroup > codec.MaxRecordsPerGroup || p.GroupLen > codec.MaxGroupLen) {
		return nil, errs.Config("store: header", "params %+v not representable", p)
	}
	if firstRecord+numRecords < firstRecord {
		return nil, errs.Config("store: header", "record range overflows")
	}
	if err := checkLayout(meta.Layout, p); err != nil {
		return nil, errs.New(errs.KindConfig, "store: header", err)
	}
	if meta.TotalStates != 0 && meta.TotalStates != p.TotalStates {
		return nil, errs.Config("store: header", "meta total states %d, params %d", meta.TotalStates, p.TotalStates)
	}
	meta.TotalStates = p.TotalStates
	if meta.RunID == uuid.Nil {
		meta.RunID = uuid.New()
	}
	if meta.Created.IsZero() {
		meta.Created = time.Now().UTC()
	}
	return &Header{FirstRecord: firstRecord, NumRecords: numRecords, Params: p, Meta: meta}, nil
}

// EndRecord is one past the last record.
func (h *Header) EndRecord() uint64 { return h.FirstRecord + h.NumRecords }

// FirstByte is the global byte offset of the first stored group.
func (h *Header) FirstByte() uint64 { return h.Params.ToByte(h.FirstRecord) }

// EndByte is the global byte offset just past the last stored group.
func (h *Header) EndByte() uint64 {
	if h.NumRecords == 0 {
		return h.FirstByte()
	}
	return h.Params.LastByte(h.EndRecord())
}

// DataLen is the number of data bytes the store holds.
func (h *Header) DataLen() uint64 { return h.EndByte() - h.FirstByte() }

// WithRange returns a copy of h covering a different record range.
func (h *Header) WithRange(firstRecord, numRecords uint64) *Header {
	out := *h
	out.FirstRecord = firstRecord
	out.NumRecords = numRecords
	return &out
}

func (h *Header) mode() [2]byte {
	p := h.Params
	if !p.SuperCompress {
		return [2]byte{uncompressedTag, byte(p.GroupBits)}
	}
	return [2]byte{byte(p.RecordsPerGroup >> 2), byte(p.RecordsPerGroup&3)<<6 | byte(p.GroupLen)}
}

// MarshalBinary encodes the preamble and meta.
func (h *Header) MarshalBinary() ([]byte, error) {
	meta, err := encMode.Marshal(h.Meta)
	if err != nil {
		return nil, fmt.Errorf("encode meta: %w", err)
	}
	if len(meta) > maxMetaLen {
		return nil, errs.Config("store: header", "meta is %d bytes", len(meta))
	}
	buf := make([]byte, PreambleSize+4+len(meta))
	binary.BigEndian.PutUint64(buf[0:8], h.FirstRecord)
	binary.BigEndian.PutUint64(buf[8:16], h.NumRecords)
	m := h.mode()
	buf[16], buf[17] = m[0], m[1]
	binary.BigEndian.PutUint32(buf[18:22], uint32(len(meta)))
	copy(buf[22:], meta)
	return buf, nil
}

// ReadHeader parses a header from r and returns it with its encoded size.
func ReadHeader(r io.Reader) (*Header, int, error) {
	var pre [PreambleSize + 4]byte
	if _, err := io.ReadFull(r, pre[:]); err != nil {
		return nil, 0, corrupt("preamble", err)
	}
	h := &Header{
		FirstRecord: binary.BigEndian.Uint64(pre[0:8]),
		NumRecords:  binary.BigEndian.Uint64(pre[8:16]),
	}
	if h.FirstRecord+h.NumRecords < h.FirstRecord {
		return nil, 0, corrupt("preamble", fmt.Errorf("record range overflows"))
	}
	metaLen := binary.BigEndian.Uint32(pre[18:22])
	if metaLen > maxMetaLen {
		return nil, 0, corrupt("meta", fmt.Errorf("length %d", metaLen))
	}
	meta := make([]byte, metaLen)
	if _, err := io.ReadFull(r, meta); err != nil {
		return nil, 0, corrupt("meta", err)
	}
	if err := decMode.Unmarshal(meta, &h.Meta); err != nil {
		return nil, 0, corrupt("meta", err)
	}

	ts := h.Meta.TotalStates
	var (
		p   codec.Params
		err error
	)
	if pre[16] == uncompressedTag {
		p, err = codec.Uncompressed(ts)
		if err == nil && p.GroupBits != int(pre[17]) {
			err = fmt.Errorf("group bits %d, want %d for %d states", pre[17], p.GroupBits, ts)
		}
	} else {
		rpg := int(pre[16])<<2 | int(pre[17]>>6)
		glen := int(pre[17] & 0x3F)
		p, err = codec.Compressed(ts, rpg)
		if err == nil && p.GroupLen != glen {
			err = fmt.Errorf("group length %d, want %d", glen, p.GroupLen)
		}
	}
	if err != nil {
		return nil, 0, corrupt("mode", err)
	}
	if err := checkLayout(h.Meta.Layout, p); err != nil {
		return nil, 0, corrupt("layout", err)
	}
	h.Params = p
	return h, PreambleSize + 4 + int(metaLen), nil
}

// checkLayout reports whether every record of l fits the group radix of p.
func checkLayout(l record.Layout, p codec.Params) error {
	if err := l.Validate(); err != nil {
		return err
	}
	if l.TotalStates() > p.TotalStates {
		return fmt.Errorf("layout needs %d states, groups hold %d", l.TotalStates(), p.TotalStates)
	}
	return nil
}

func corrupt(op string, err error) error {
	return errs.New(errs.KindCorruptHeader, "store: header "+op, err)
}
