package game

import (
	"fmt"

	"github.com/freeeve/retrograde/internal/errs"
	"github.com/freeeve/retrograde/internal/record"
)

// Subtraction is the take-away game: players alternately remove between 1
// and MaxTake tokens, and the player facing an empty pile loses. Index i is
// the position with Tokens-i tokens left, and each index is its own tier.
type Subtraction struct {
	Tokens  uint64
	MaxTake uint64
}

// NewSubtraction validates the game size.
func NewSubtraction(tokens, maxTake uint64) (*Subtraction, error) {
	if maxTake < 1 {
		return nil, errs.Config("game: subtraction", "max take must be positive")
	}
	if tokens > 1<<24 {
		return nil, errs.Config("game: subtraction", "%d tokens is too many tiers", tokens)
	}
	return &Subtraction{Tokens: tokens, MaxTake: maxTake}, nil
}

func newSubtractionFromOptions(opts Options) (Game, error) {
	tokens, err := opts.Uint("tokens", 21)
	if err != nil {
		return nil, err
	}
	take, err := opts.Uint("max_take", 3)
	if err != nil {
		return nil, err
	}
	return NewSubtraction(tokens, take)
}

func (g *Subtraction) Name() string                  { return "subtraction" }
func (g *Subtraction) NumHashes() uint64             { return g.Tokens + 1 }
func (g *Subtraction) RemotenessStates() uint64      { return g.Tokens + 1 }
func (g *Subtraction) NumberOfTiers() int            { return int(g.Tokens) + 1 }
func (g *Subtraction) TierOffset(tier int) uint64    { return uint64(tier) }
func (g *Subtraction) TierLastIndex(tier int) uint64 { return uint64(tier) }

func (g *Subtraction) Primitive(index uint64) (record.Record, bool) {
	if index == g.Tokens {
		return record.Record{Value: record.Lose}, true
	}
	return record.Record{}, false
}

func (g *Subtraction) Children(index uint64, dst []uint64) []uint64 {
	left := g.Tokens - index
	for take := uint64(1); take <= g.MaxTake && take <= left; take++ {
		dst = append(dst, index+take)
	}
	return dst
}

func (g *Subtraction) Describe(index uint64) string {
	return fmt.Sprintf("%d tokens", g.Tokens-index)
}
