package record

import (
	"fmt"

	"github.com/freeeve/retrograde/internal/errs"
)

// Outcome is the value of a position from the point of view of the player to move.
type Outcome uint8

const (
	Undecided Outcome = iota
	Lose
	Tie
	Win
)

// OutcomeStates is the cardinality of the VALUE field.
const OutcomeStates = 4

func (o Outcome) String() string {
	switch o {
	case Undecided:
		return "UNDECIDED"
	case Lose:
		return "LOSE"
	case Tie:
		return "TIE"
	case Win:
		return "WIN"
	default:
		return fmt.Sprintf("Outcome(%d)", uint8(o))
	}
}

// rank orders outcomes for the player choosing a move.
func (o Outcome) rank() int {
	switch o {
	case Win:
		return 3
	case Tie:
		return 2
	case Lose:
		return 1
	default:
		return 0
	}
}

// PreferableTo reports whether o is strictly better than other for the mover.
func (o Outcome) PreferableTo(other Outcome) bool {
	return o.rank() > other.rank()
}

// Flip returns the outcome seen by the opponent.
func (o Outcome) Flip() Outcome {
	switch o {
	case Win:
		return Lose
	case Lose:
		return Win
	default:
		return o
	}
}

// ParseOutcome accepts the names produced by String.
func ParseOutcome(s string) (Outcome, error) {
	switch s {
	case "UNDECIDED", "undecided":
		return Undecided, nil
	case "LOSE", "lose":
		return Lose, nil
	case "TIE", "tie":
		return Tie, nil
	case "WIN", "win":
		return Win, nil
	}
	return Undecided, fmt.Errorf("unknown outcome %q", s)
}

// Record is the structured value of one position.
type Record struct {
	Value      Outcome
	Remoteness uint64
	Score      uint64
}

func (r Record) String() string {
	return fmt.Sprintf("%s@%d", r.Value, r.Remoteness)
}

// Previous converts a child's record into the parent's perspective.
// The score is left untouched.
func (r Record) Previous() Record {
	r.Value = r.Value.Flip()
	r.Remoteness++
	return r
}

// Layout maps records to integers in [0, TotalStates()). Fields are packed
// as a mixed radix in the order value, remoteness, score.
type Layout struct {
	RemotenessStates uint64 `cbor:"remoteness_states" yaml:"remoteness_states"`
	ScoreStates      uint64 `cbor:"score_states,omitempty" yaml:"score_states"`
}

// NewLayout validates the field cardinalities.
func NewLayout(remotenessStates, scoreStates uint64) (Layout, error) {
	l := Layout{RemotenessStates: remotenessStates, ScoreStates: scoreStates}
	if err := l.Validate(); err != nil {
		return Layout{}, err
	}
	return l, nil
}

// Validate rejects layouts whose product would not fit a store header.
func (l Layout) Validate() error {
	if l.RemotenessStates == 0 {
		return errs.Config("record: layout", "remoteness states must be positive")
	}
	total := uint64(OutcomeStates) * l.RemotenessStates
	if total/OutcomeStates != l.RemotenessStates {
		return errs.Config("record: layout", "remoteness states %d overflow", l.RemotenessStates)
	}
	if l.ScoreStates > 1 {
		next := total * l.ScoreStates
		if next/l.ScoreStates != total {
			return errs.Config("record: layout", "score states %d overflow", l.ScoreStates)
		}
		total = next
	}
	if total >= 1<<62 {
		return errs.Config("record: layout", "total states %d too large", total)
	}
	return nil
}

// HasScore reports whether a score field is stored.
func (l Layout) HasScore() bool {
	return l.ScoreStates > 1
}

// TotalStates is the radix of one record.
func (l Layout) TotalStates() uint64 {
	total := uint64(OutcomeStates) * l.RemotenessStates
	if l.HasScore() {
		total *= l.ScoreStates
	}
	return total
}

// Encode packs r. Fields out of range are a caller bug and return a RangeError.
func (l Layout) Encode(r Record) (uint64, error) {
	if r.Value > Win {
		return 0, errs.Range("record: encode", "outcome %d out of range", r.Value)
	}
	if r.Remoteness >= l.RemotenessStates {
		return 0, errs.Range("record: encode", "remoteness %d >= %d", r.Remoteness, l.RemotenessStates)
	}
	v := uint64(r.Value) + OutcomeStates*r.Remoteness
	if l.HasScore() {
		if r.Score >= l.ScoreStates {
			return 0, errs.Range("record: encode", "score %d >= %d", r.Score, l.ScoreStates)
		}
		v += OutcomeStates * l.RemotenessStates * r.Score
	} else if r.Score != 0 {
		return 0, errs.Range("record: encode", "score %d without score field", r.Score)
	}
	return v, nil
}

// MustEncode is Encode for values known to be in range.
func (l Layout) MustEncode(r Record) uint64 {
	v, err := l.Encode(r)
	if err != nil {
		panic(err)
	}
	return v
}

// Decode unpacks v.
func (l Layout) Decode(v uint64) Record {
	r := Record{Value: Outcome(v % OutcomeStates)}
	v /= OutcomeStates
	r.Remoteness = v % l.RemotenessStates
	v /= l.RemotenessStates
	if l.HasScore() {
		r.Score = v % l.ScoreStates
	}
	return r
}

// Undecided is the encoding of an undecided record with remoteness 0.
func (l Layout) Undecided() uint64 {
	return uint64(Undecided)
}
