package store

import (
	"github.com/freeeve/retrograde/internal/errs"
)

// fillChunkGroups bounds the buffer used by Fill and FillRecords.
const fillChunkGroups = 1 << 16

func checkRecords(op string, s Store, first, n uint64) error {
	hdr := s.Header()
	if first < hdr.FirstRecord || first+n > hdr.EndRecord() || first+n < first {
		return errs.Range("store: "+op, "records [%d, %d) outside [%d, %d)", first, first+n, hdr.FirstRecord, hdr.EndRecord()).
			WithIndex(first)
	}
	return nil
}

func checkValue(op string, s Store, index, value uint64) error {
	if ts := s.Header().Params.TotalStates; value >= ts {
		return errs.Range("store: "+op, "value %d >= total states %d", value, ts).WithIndex(index)
	}
	return nil
}

// GetRecord returns the record at index.
func GetRecord(s Store, h *Handle, index uint64) (uint64, error) {
	if err := checkRecords("get record", s, index, 1); err != nil {
		return 0, err
	}
	c := s.Codec()
	p := c.Params()
	buf := h.bytes(uint64(p.GroupLen))
	if err := s.ReadBytes(h, p.ToByte(index), buf); err != nil {
		return 0, err
	}
	return c.Get(buf, p.ToNum(index)), nil
}

// PutRecord stores value at index without disturbing the rest of its group.
func PutRecord(s Store, h *Handle, index, value uint64) error {
	if err := checkRecords("put record", s, index, 1); err != nil {
		return err
	}
	if err := checkValue("put record", s, index, value); err != nil {
		return err
	}
	c := s.Codec()
	p := c.Params()
	buf := h.bytes(uint64(p.GroupLen))
	clear(buf)
	num := p.ToNum(index)
	c.Set(buf, num, value, buf)
	return s.WriteRange(h, p.ToByte(index), num, buf, (num+1)%p.RecordsPerGroup)
}

// ReadRecords fills dst with the records starting at first.
func ReadRecords(s Store, h *Handle, first uint64, dst []uint64) error {
	n := uint64(len(dst))
	if n == 0 {
		return nil
	}
	if err := checkRecords("read records", s, first, n); err != nil {
		return err
	}
	c := s.Codec()
	p := c.Params()
	off := p.ToByte(first)
	buf := h.bytes(p.NumBytes(first, n))
	if err := s.ReadBytes(h, off, buf); err != nil {
		return err
	}

	rpg := p.RecordsPerGroup
	group := h.records(rpg)
	num := p.ToNum(first)
	out := dst
	for g := 0; len(out) > 0; g += p.GroupLen {
		c.Decode(buf[g:g+p.GroupLen], group)
		k := copy(out, group[num:])
		out = out[k:]
		num = 0
	}
	return nil
}

// WriteRecords stores src at the records starting at first. Records sharing
// the edge groups keep their values.
func WriteRecords(s Store, h *Handle, first uint64, src []uint64) error {
	n := uint64(len(src))
	if n == 0 {
		return nil
	}
	if err := checkRecords("write records", s, first, n); err != nil {
		return err
	}
	ts := s.Header().Params.TotalStates
	for i, v := range src {
		if v >= ts {
			return errs.Range("store: write records", "value %d >= total states %d", v, ts).WithIndex(first + uint64(i))
		}
	}

	c := s.Codec()
	p := c.Params()
	buf := h.bytes(p.NumBytes(first, n))
	rpg := p.RecordsPerGroup
	group := h.records(rpg)
	firstNum := p.ToNum(first)
	in := src
	for g := 0; g < len(buf); g += p.GroupLen {
		clear(group)
		k := copy(group[firstNum:], in)
		in = in[k:]
		c.Encode(group, buf[g:g+p.GroupLen])
		firstNum = 0
	}
	return s.WriteRange(h, p.ToByte(first), p.ToNum(first), buf, p.ToNum(first+n))
}

// Fill sets every record of the whole groups in [off, off+length) to value.
// Filling is idempotent.
func Fill(s Store, h *Handle, value, off, length uint64) error {
	if err := checkValue("fill", s, 0, value); err != nil {
		return err
	}
	c := s.Codec()
	g := uint64(c.GroupLen())
	if length%g != 0 || off%g != 0 {
		return errs.Range("store: fill", "%d bytes at %d not group aligned", length, off).WithOffset(int64(off))
	}
	chunk := h.bytes(min(length, fillChunkGroups*g))
	c.EncodeRepeated(value, chunk)
	for done := uint64(0); done < length; {
		n := min(length-done, uint64(len(chunk)))
		if err := s.WriteBytes(h, off+done, chunk[:n]); err != nil {
			return err
		}
		done += n
	}
	return nil
}

// FillRecords sets records [first, first+n) to value, preserving the other
// records of the edge groups.
func FillRecords(s Store, h *Handle, value, first, n uint64) error {
	if n == 0 {
		return nil
	}
	if err := checkRecords("fill records", s, first, n); err != nil {
		return err
	}
	if err := checkValue("fill records", s, first, value); err != nil {
		return err
	}
	c := s.Codec()
	p := c.Params()
	g := uint64(p.GroupLen)
	off := p.ToByte(first)
	length := p.NumBytes(first, n)
	firstNum, lastNum := p.ToNum(first), p.ToNum(first+n)

	chunk := h.bytes(min(length, fillChunkGroups*g))
	c.EncodeRepeated(value, chunk)
	for done := uint64(0); done < length; {
		size := min(length-done, uint64(len(chunk)))
		fn, ln := 0, 0
		if done == 0 {
			fn = firstNum
		}
		if done+size == length {
			ln = lastNum
		}
		if err := s.WriteRange(h, off+done, fn, chunk[:size], ln); err != nil {
			return err
		}
		done += size
	}
	return nil
}
