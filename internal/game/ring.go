package game

import (
	"fmt"

	"github.com/freeeve/retrograde/internal/errs"
	"github.com/freeeve/retrograde/internal/record"
)

// Ring is a reversible puzzle: a token on a ring of Cells cells moves StepA
// or StepB cells in either direction. Cell 0 is the solved position, so a
// position's remoteness is its distance to cell 0.
type Ring struct {
	Cells uint64
	StepA uint64
	StepB uint64
}

// NewRing validates the ring.
func NewRing(cells, stepA, stepB uint64) (*Ring, error) {
	if cells < 2 {
		return nil, errs.Config("game: ring", "need at least 2 cells, got %d", cells)
	}
	if stepA%cells == 0 && stepB%cells == 0 {
		return nil, errs.Config("game: ring", "steps %d and %d never move on %d cells", stepA, stepB, cells)
	}
	return &Ring{Cells: cells, StepA: stepA % cells, StepB: stepB % cells}, nil
}

func newRingFromOptions(opts Options) (Game, error) {
	cells, err := opts.Uint("cells", 1000)
	if err != nil {
		return nil, err
	}
	a, err := opts.Uint("step_a", 3)
	if err != nil {
		return nil, err
	}
	b, err := opts.Uint("step_b", 7)
	if err != nil {
		return nil, err
	}
	return NewRing(cells, a, b)
}

func (g *Ring) Name() string                { return "ring" }
func (g *Ring) NumHashes() uint64           { return g.Cells }
func (g *Ring) RemotenessStates() uint64    { return g.Cells }
func (g *Ring) StartingPositions() []uint64 { return []uint64{0} }

func (g *Ring) Primitive(index uint64) (record.Record, bool) {
	if index == 0 {
		return record.Record{Value: record.Win}, true
	}
	return record.Record{}, false
}

func (g *Ring) Children(index uint64, dst []uint64) []uint64 {
	for _, step := range [2]uint64{g.StepA, g.StepB} {
		if step == 0 {
			continue
		}
		dst = append(dst, (index+step)%g.Cells, (index+g.Cells-step)%g.Cells)
	}
	return dst
}

func (g *Ring) Describe(index uint64) string {
	return fmt.Sprintf("cell %d", index)
}
