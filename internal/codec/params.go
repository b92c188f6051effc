// Package codec packs fixed-radix records into byte-aligned record groups.
//
// A record group holds RecordsPerGroup consecutive records as the mixed-radix
// integer Σ record[i]*TotalStates^i, serialized most-significant byte first in
// GroupLen bytes. Two layouts exist:
//
//   - uncompressed: one record per group, GroupLen rounded up to a power of
//     two so a record index maps to a byte offset with a shift
//   - super-compressed: several records per group, chosen by a ratio search,
//     so a record index maps to a byte offset with a division
//
// Splicing two groups at record k is pure arithmetic (g mod base^k) and is
// only meaningful because the radix never changes over a store's lifetime.
package codec

import (
	"math"
	"math/big"
	"math/bits"

	"github.com/freeeve/retrograde/internal/errs"
)

// Header limits: the compressed preamble has 7 bits for RecordsPerGroup>>2
// and 6 bits for GroupLen.
const (
	MaxRecordsPerGroup = 511
	MaxGroupLen        = 63
)

// Params fully determine the on-disk layout of a store's record groups.
type Params struct {
	TotalStates     uint64
	RecordsPerGroup int
	GroupLen        int
	// GroupBits is log2(GroupLen) in uncompressed mode and -1 otherwise.
	GroupBits     int
	SuperCompress bool
}

// Uncompressed returns the one-record-per-group layout for totalStates.
func Uncompressed(totalStates uint64) (Params, error) {
	if totalStates < 2 {
		return Params{}, errs.Config("codec: params", "total states %d < 2", totalStates)
	}
	if totalStates > 1<<62 {
		return Params{}, errs.Config("codec: params", "total states %d too large", totalStates)
	}
	recordBits := bits.Len64(totalStates - 1)
	recordBytes := (recordBits + 7) >> 3
	groupBits := 0
	for 1<<groupBits < recordBytes {
		groupBits++
	}
	return Params{
		TotalStates:     totalStates,
		RecordsPerGroup: 1,
		GroupLen:        1 << groupBits,
		GroupBits:       groupBits,
	}, nil
}

// Compressed returns the super-compressed layout with recordsPerGroup records
// per group.
func Compressed(totalStates uint64, recordsPerGroup int) (Params, error) {
	if totalStates < 2 {
		return Params{}, errs.Config("codec: params", "total states %d < 2", totalStates)
	}
	if recordsPerGroup < 1 || recordsPerGroup > MaxRecordsPerGroup {
		return Params{}, errs.Config("codec: params", "records per group %d outside [1, %d]", recordsPerGroup, MaxRecordsPerGroup)
	}
	groupLen := GroupByteLength(totalStates, recordsPerGroup)
	if groupLen > MaxGroupLen {
		return Params{}, errs.Config("codec: params", "group length %d exceeds %d bytes", groupLen, MaxGroupLen)
	}
	return Params{
		TotalStates:     totalStates,
		RecordsPerGroup: recordsPerGroup,
		GroupLen:        groupLen,
		GroupBits:       -1,
		SuperCompress:   true,
	}, nil
}

// GroupByteLength is ceil(bits(totalStates^recordsPerGroup) / 8).
func GroupByteLength(totalStates uint64, recordsPerGroup int) int {
	return (groupBitLength(totalStates, recordsPerGroup) + 7) >> 3
}

func groupBitLength(totalStates uint64, recordsPerGroup int) int {
	pow := new(big.Int).Exp(new(big.Int).SetUint64(totalStates), big.NewInt(int64(recordsPerGroup)), nil)
	return pow.BitLen()
}

// Choose searches for the smallest group that reaches targetRatio, the
// fraction of stored bits that carry information. A zero target selects the
// uncompressed layout. The result depends only on the two arguments.
func Choose(totalStates uint64, targetRatio float64) (Params, error) {
	if targetRatio == 0 {
		return Uncompressed(totalStates)
	}
	if targetRatio < 0 || targetRatio >= 1 || math.IsNaN(targetRatio) {
		return Params{}, errs.Config("codec: choose", "target ratio %v outside (0, 1)", targetRatio)
	}
	if totalStates < 2 {
		return Params{}, errs.Config("codec: choose", "total states %d < 2", totalStates)
	}

	log2 := math.Log2(float64(totalStates))
	var guess int
	if log2 > 8 {
		guess = 1
		bitLength := int(math.Ceil(log2))
		ratio := (log2 / 8) / float64((bitLength+7)>>3)
		for ratio < targetRatio {
			guess++
			if guess > MaxRecordsPerGroup {
				return Params{}, errs.Config("codec: choose", "target ratio %v unreachable for %d states", targetRatio, totalStates)
			}
			bitLength = int(math.Ceil(float64(guess) * log2))
			ratio = (float64(guess) * log2 / 8) / float64((bitLength+7)>>3)
		}
	} else {
		bitLength := 8
		guess = int(8 / log2)
		ratio := float64(guess) * log2 / 8
		for ratio < targetRatio {
			bitLength += 8
			guess = int(float64(bitLength) / log2)
			if guess > MaxRecordsPerGroup {
				return Params{}, errs.Config("codec: choose", "target ratio %v unreachable for %d states", targetRatio, totalStates)
			}
			ratio = (float64(guess) * log2 / 8) / float64(bitLength>>3)
		}
	}
	return Compressed(totalStates, guess)
}

// Ratio is the fraction of group bits that carry record information.
func (p Params) Ratio() float64 {
	return float64(p.RecordsPerGroup) * math.Log2(float64(p.TotalStates)) / 8 / float64(p.GroupLen)
}

// BytesPerRecord is the average storage cost of one record.
func (p Params) BytesPerRecord() float64 {
	return float64(p.GroupLen) / float64(p.RecordsPerGroup)
}

// fast reports whether TotalStates^RecordsPerGroup fits below 2^63.
func (p Params) fast() bool {
	return groupBitLength(p.TotalStates, p.RecordsPerGroup) <= 63
}

// Validate checks the invariants a decoded header must satisfy.
func (p Params) Validate() error {
	if p.TotalStates < 2 || p.RecordsPerGroup < 1 || p.GroupLen < 1 {
		return errs.Config("codec: params", "degenerate params %+v", p)
	}
	if p.SuperCompress {
		want := GroupByteLength(p.TotalStates, p.RecordsPerGroup)
		if p.GroupLen != want || p.GroupBits != -1 {
			return errs.Config("codec: params", "group length %d, want %d for %d records of %d states",
				p.GroupLen, want, p.RecordsPerGroup, p.TotalStates)
		}
		return nil
	}
	want, err := Uncompressed(p.TotalStates)
	if err != nil {
		return err
	}
	if p != want {
		return errs.Config("codec: params", "uncompressed params %+v, want %+v", p, want)
	}
	return nil
}

// ToByte is the byte offset of the group holding record index.
func (p Params) ToByte(index uint64) uint64 {
	if p.SuperCompress {
		return index / uint64(p.RecordsPerGroup) * uint64(p.GroupLen)
	}
	return index << uint(p.GroupBits)
}

// ToNum is the position of record index within its group.
func (p Params) ToNum(index uint64) int {
	if p.SuperCompress {
		return int(index % uint64(p.RecordsPerGroup))
	}
	return 0
}

// ToFirstRecord is the first record of the group starting at byte offset off.
func (p Params) ToFirstRecord(off uint64) uint64 {
	if p.SuperCompress {
		return off / uint64(p.GroupLen) * uint64(p.RecordsPerGroup)
	}
	return off >> uint(p.GroupBits)
}

// LastByte is the byte offset just past the group holding record end-1.
func (p Params) LastByte(end uint64) uint64 {
	return p.ToByte(end + uint64(p.RecordsPerGroup) - 1)
}

// NumBytes is the byte length of the groups covering [first, first+n).
func (p Params) NumBytes(first, n uint64) uint64 {
	return p.LastByte(first+n) - p.ToByte(first)
}
