package codec

import "math/big"

// groups is the arithmetic over one serialized group. Implementations are
// stateless and safe for concurrent use.
type groups interface {
	encode(records []uint64, dst []byte)
	decode(src []byte, records []uint64)
	get(src []byte, num int) uint64
	set(src []byte, num int, r uint64, dst []byte)
	splice(a, b []byte, num int, dst []byte)
}

// Codec encodes and decodes record groups for one Params.
// The arithmetic variant is selected once, at construction.
type Codec struct {
	p Params
	g groups
}

// New returns the codec for p.
func New(p Params) *Codec {
	c := &Codec{p: p}
	if p.fast() {
		c.g = newFastGroups(p)
	} else {
		c.g = newBigGroups(p)
	}
	return c
}

// Params returns the layout this codec was built for.
func (c *Codec) Params() Params { return c.p }

// GroupLen is the serialized size of one group.
func (c *Codec) GroupLen() int { return c.p.GroupLen }

// RecordsPerGroup is the number of records in one group.
func (c *Codec) RecordsPerGroup() int { return c.p.RecordsPerGroup }

// Fast reports whether the 64-bit arithmetic is in use.
func (c *Codec) Fast() bool {
	_, ok := c.g.(fastGroups)
	return ok
}

// Encode writes records[0:RecordsPerGroup] into dst[0:GroupLen].
func (c *Codec) Encode(records []uint64, dst []byte) {
	c.g.encode(records[:c.p.RecordsPerGroup], dst[:c.p.GroupLen])
}

// Decode reads src[0:GroupLen] into records[0:RecordsPerGroup].
func (c *Codec) Decode(src []byte, records []uint64) {
	c.g.decode(src[:c.p.GroupLen], records[:c.p.RecordsPerGroup])
}

// Get returns record num of the group in src.
func (c *Codec) Get(src []byte, num int) uint64 {
	return c.g.get(src[:c.p.GroupLen], num)
}

// Set replaces record num of src with r, writing the result to dst.
// dst may alias src.
func (c *Codec) Set(src []byte, num int, r uint64, dst []byte) {
	c.g.set(src[:c.p.GroupLen], num, r, dst[:c.p.GroupLen])
}

// Splice writes to dst the group whose records below num come from a and
// whose records at or above num come from b. dst may alias a or b.
func (c *Codec) Splice(a, b []byte, num int, dst []byte) {
	c.g.splice(a[:c.p.GroupLen], b[:c.p.GroupLen], num, dst[:c.p.GroupLen])
}

// SpliceAbove keeps records below num from b and takes the rest from a.
func (c *Codec) SpliceAbove(a, b []byte, num int, dst []byte) {
	c.Splice(b, a, num, dst)
}

// EncodeRepeated fills dst with whole groups whose records all equal r.
// len(dst) must be a multiple of GroupLen.
func (c *Codec) EncodeRepeated(r uint64, dst []byte) {
	if len(dst) == 0 {
		return
	}
	records := make([]uint64, c.p.RecordsPerGroup)
	for i := range records {
		records[i] = r
	}
	c.Encode(records, dst)
	for off := c.p.GroupLen; off < len(dst); off += c.p.GroupLen {
		copy(dst[off:off+c.p.GroupLen], dst[:c.p.GroupLen])
	}
}

type fastGroups struct {
	n       uint64
	glen    int
	records int
	mult    []uint64
}

func newFastGroups(p Params) fastGroups {
	mult := make([]uint64, p.RecordsPerGroup+1)
	m := uint64(1)
	for i := range mult {
		mult[i] = m
		m *= p.TotalStates
	}
	return fastGroups{n: p.TotalStates, glen: p.GroupLen, records: p.RecordsPerGroup, mult: mult}
}

func (f fastGroups) load(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}

func (f fastGroups) store(v uint64, dst []byte) {
	for i := len(dst) - 1; i >= 0; i-- {
		dst[i] = byte(v)
		v >>= 8
	}
}

func (f fastGroups) encode(records []uint64, dst []byte) {
	var v uint64
	for i := len(records) - 1; i >= 0; i-- {
		v = v*f.n + records[i]
	}
	f.store(v, dst)
}

func (f fastGroups) decode(src []byte, records []uint64) {
	v := f.load(src)
	for i := range records {
		records[i] = v % f.n
		v /= f.n
	}
}

func (f fastGroups) get(src []byte, num int) uint64 {
	return f.load(src) / f.mult[num] % f.n
}

func (f fastGroups) set(src []byte, num int, r uint64, dst []byte) {
	v := f.load(src)
	old := v / f.mult[num] % f.n
	v = v - old*f.mult[num] + r*f.mult[num]
	f.store(v, dst)
}

func (f fastGroups) splice(a, b []byte, num int, dst []byte) {
	va, vb := f.load(a), f.load(b)
	m := f.mult[num]
	f.store(va%m+(vb-vb%m), dst)
}

type bigGroups struct {
	n    *big.Int
	mult []*big.Int
}

func newBigGroups(p Params) bigGroups {
	n := new(big.Int).SetUint64(p.TotalStates)
	mult := make([]*big.Int, p.RecordsPerGroup+1)
	m := big.NewInt(1)
	for i := range mult {
		mult[i] = new(big.Int).Set(m)
		m.Mul(m, n)
	}
	return bigGroups{n: n, mult: mult}
}

func (g bigGroups) load(b []byte) *big.Int {
	return new(big.Int).SetBytes(b)
}

// store keeps the low len(dst) bytes; only garbage input can exceed them.
func (g bigGroups) store(v *big.Int, dst []byte) {
	b := v.Bytes()
	if len(b) > len(dst) {
		b = b[len(b)-len(dst):]
	}
	pad := len(dst) - len(b)
	clear(dst[:pad])
	copy(dst[pad:], b)
}

func (g bigGroups) encode(records []uint64, dst []byte) {
	v := new(big.Int)
	r := new(big.Int)
	for i := len(records) - 1; i >= 0; i-- {
		v.Mul(v, g.n)
		v.Add(v, r.SetUint64(records[i]))
	}
	g.store(v, dst)
}

func (g bigGroups) decode(src []byte, records []uint64) {
	v := g.load(src)
	m := new(big.Int)
	for i := range records {
		v.DivMod(v, g.n, m)
		records[i] = m.Uint64()
	}
}

func (g bigGroups) get(src []byte, num int) uint64 {
	v := g.load(src)
	v.Quo(v, g.mult[num])
	return v.Mod(v, g.n).Uint64()
}

func (g bigGroups) set(src []byte, num int, r uint64, dst []byte) {
	v := g.load(src)
	old := new(big.Int).Quo(v, g.mult[num])
	old.Mod(old, g.n)
	old.Mul(old, g.mult[num])
	v.Sub(v, old)
	add := new(big.Int).SetUint64(r)
	add.Mul(add, g.mult[num])
	v.Add(v, add)
	g.store(v, dst)
}

func (g bigGroups) splice(a, b []byte, num int, dst []byte) {
	va, vb := g.load(a), g.load(b)
	m := g.mult[num]
	lo := new(big.Int).Mod(va, m)
	hi := new(big.Int).Mod(vb, m)
	hi.Sub(vb, hi)
	g.store(lo.Add(lo, hi), dst)
}
