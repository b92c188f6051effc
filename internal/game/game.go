// Package game defines what a solver needs from a game: a bijection between
// positions and dense integer indexes, terminal values, and move generation.
package game

import (
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/freeeve/retrograde/internal/errs"
	"github.com/freeeve/retrograde/internal/record"
)

// ErrNoMoves is returned when a non-terminal position has no children.
var ErrNoMoves = errors.New("non-terminal position has no moves")

// Game exposes a finite game through position indexes in [0, NumHashes()).
type Game interface {
	Name() string
	NumHashes() uint64
	// Primitive returns the value of a terminal position from the point of
	// view of the player to move, and false when the position is not
	// terminal.
	Primitive(index uint64) (record.Record, bool)
	// Children appends the indexes reachable in one move to dst.
	Children(index uint64, dst []uint64) []uint64
	// RemotenessStates bounds remoteness+1 over all positions.
	RemotenessStates() uint64
}

// Tiered games partition the index space into tiers such that every child
// of a position in tier t lies in a tier greater than t.
type Tiered interface {
	Game
	NumberOfTiers() int
	TierOffset(tier int) uint64
	// TierLastIndex is the last index of tier, inclusive.
	TierLastIndex(tier int) uint64
}

// Puzzle is a single-agent game solved outward from its starting positions.
type Puzzle interface {
	Game
	StartingPositions() []uint64
}

// Describer renders a position for humans.
type Describer interface {
	Describe(index uint64) string
}

// Options are the game_options of a job.
type Options map[string]string

// Uint returns the option key as an unsigned integer, or def when unset.
func (o Options) Uint(key string, def uint64) (uint64, error) {
	v, ok := o[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, errs.Config("game: options", "%s=%q: %v", key, v, err)
	}
	return n, nil
}

// Int is Uint for small values.
func (o Options) Int(key string, def int) (int, error) {
	n, err := o.Uint(key, uint64(def))
	if err != nil {
		return 0, err
	}
	if n > 1<<31 {
		return 0, errs.Config("game: options", "%s=%d too large", key, n)
	}
	return int(n), nil
}

// Factory builds a game from its options.
type Factory func(opts Options) (Game, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a game available to Lookup.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Names lists the registered games.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Lookup builds the named game.
func Lookup(name string, opts Options) (Game, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, errs.Config("game: lookup", "unknown game %q (have %s)", name, strings.Join(Names(), ", "))
	}
	return f(opts)
}

func init() {
	Register("tictactoe", func(Options) (Game, error) { return NewTicTacToe(), nil })
	Register("subtraction", newSubtractionFromOptions)
	Register("synthetic", newSyntheticFromOptions)
	Register("ring", newRingFromOptions)
}
