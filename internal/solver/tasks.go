package solver

import "math/bits"

// GroupAlignedTasks splits the records [start, start+length) into at most
// tasks contiguous ranges and returns their boundaries: range c is
// [b[c], b[c+1]). Interior boundaries are multiples of groupLength, so two
// ranges never share a record group. Each range holds at least
// max(groupLength, minGroup) records unless there is only one.
func GroupAlignedTasks(tasks int, start, length, groupLength, minGroup uint64) []uint64 {
	if tasks < 1 {
		tasks = 1
	}
	if groupLength == 0 {
		groupLength = 1
	}
	split := max(length/max(groupLength, minGroup), 1)
	split = min(split, uint64(tasks))

	b := make([]uint64, split+1)
	b[0] = start
	for c := uint64(1); c < split; c++ {
		hi, lo := bits.Mul64(length, c)
		q, _ := bits.Div64(hi, lo, split)
		at := start + q
		b[c] = at - at%groupLength
	}
	b[split] = start + length
	return b
}
