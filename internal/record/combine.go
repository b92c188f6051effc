package record

import "errors"

// ErrNoCandidates is returned when Combine is given nothing to choose from.
var ErrNoCandidates = errors.New("record: combine of empty set")

// Combine selects the parent's record among candidates that are already in
// the parent's perspective (see Record.Previous).
//
// Order of preference: outcome (WIN > TIE > LOSE), then highest score when
// scored is set, then remoteness. A losing parent takes the maximum
// remoteness among its candidates; any other outcome takes the minimum.
// Ties after all three keys keep the earliest candidate.
func Combine(candidates []Record, scored bool) (Record, error) {
	if len(candidates) == 0 {
		return Record{}, ErrNoCandidates
	}

	best := candidates[0].Value
	for _, c := range candidates[1:] {
		if c.Value.PreferableTo(best) {
			best = c.Value
		}
	}

	var bestScore uint64
	if scored {
		first := true
		for _, c := range candidates {
			if c.Value != best {
				continue
			}
			if first || c.Score > bestScore {
				bestScore = c.Score
				first = false
			}
		}
	}

	var chosen Record
	found := false
	for _, c := range candidates {
		if c.Value != best || (scored && c.Score != bestScore) {
			continue
		}
		if !found {
			chosen = c
			found = true
			continue
		}
		if best == Lose {
			if c.Remoteness > chosen.Remoteness {
				chosen = c
			}
		} else if c.Remoteness < chosen.Remoteness {
			chosen = c
		}
	}
	return chosen, nil
}

// CombineChildren flips every child record into the parent's perspective and
// combines them. children is overwritten.
func CombineChildren(children []Record, scored bool) (Record, error) {
	for i := range children {
		children[i] = children[i].Previous()
	}
	return Combine(children, scored)
}
