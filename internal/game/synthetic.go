package game

import (
	"math/rand/v2"

	"github.com/freeeve/retrograde/internal/errs"
	"github.com/freeeve/retrograde/internal/record"
)

var syntheticOutcomes = [3]record.Outcome{record.Lose, record.Tie, record.Win}

// Synthetic is a seeded random tiered DAG of Tiers*Width positions. Index i
// is in tier i/Width. Roughly one position in five below the last tier is
// terminal; the rest have between 1 and Fanout children in later tiers. The
// game is a pure function of its parameters.
type Synthetic struct {
	Tiers       int
	Width       uint64
	Fanout      int
	Seed        uint64
	ScoreStates uint64
}

// NewSynthetic validates the shape.
func NewSynthetic(tiers int, width uint64, fanout int, seed, scoreStates uint64) (*Synthetic, error) {
	if tiers < 1 || width < 1 || fanout < 1 {
		return nil, errs.Config("game: synthetic", "tiers %d, width %d and fanout %d must be positive", tiers, width, fanout)
	}
	return &Synthetic{Tiers: tiers, Width: width, Fanout: fanout, Seed: seed, ScoreStates: scoreStates}, nil
}

func newSyntheticFromOptions(opts Options) (Game, error) {
	tiers, err := opts.Int("tiers", 6)
	if err != nil {
		return nil, err
	}
	width, err := opts.Uint("width", 50)
	if err != nil {
		return nil, err
	}
	fanout, err := opts.Int("fanout", 4)
	if err != nil {
		return nil, err
	}
	seed, err := opts.Uint("seed", 1)
	if err != nil {
		return nil, err
	}
	scores, err := opts.Uint("scores", 0)
	if err != nil {
		return nil, err
	}
	return NewSynthetic(tiers, width, fanout, seed, scores)
}

func (g *Synthetic) Name() string                  { return "synthetic" }
func (g *Synthetic) NumHashes() uint64             { return uint64(g.Tiers) * g.Width }
func (g *Synthetic) RemotenessStates() uint64      { return uint64(g.Tiers) }
func (g *Synthetic) NumberOfTiers() int            { return g.Tiers }
func (g *Synthetic) TierOffset(tier int) uint64    { return uint64(tier) * g.Width }
func (g *Synthetic) TierLastIndex(tier int) uint64 { return uint64(tier+1)*g.Width - 1 }

func (g *Synthetic) tier(index uint64) int { return int(index / g.Width) }

// position replays the random draws for index. Children and Primitive must
// consume the stream in the same order.
func (g *Synthetic) position(index uint64) (rng *rand.Rand, terminal bool) {
	rng = rand.New(rand.NewPCG(g.Seed, index))
	if g.tier(index) == g.Tiers-1 {
		return rng, true
	}
	return rng, rng.IntN(5) == 0
}

func (g *Synthetic) Primitive(index uint64) (record.Record, bool) {
	rng, terminal := g.position(index)
	if !terminal {
		return record.Record{}, false
	}
	r := record.Record{Value: syntheticOutcomes[rng.IntN(len(syntheticOutcomes))]}
	if g.ScoreStates > 1 {
		r.Score = rng.Uint64N(g.ScoreStates)
	}
	return r, true
}

func (g *Synthetic) Children(index uint64, dst []uint64) []uint64 {
	rng, terminal := g.position(index)
	if terminal {
		return dst
	}
	t := g.tier(index)
	n := 1 + rng.IntN(g.Fanout)
	for i := 0; i < n; i++ {
		ct := t + 1 + rng.IntN(g.Tiers-1-t)
		dst = append(dst, uint64(ct)*g.Width+rng.Uint64N(g.Width))
	}
	return dst
}
