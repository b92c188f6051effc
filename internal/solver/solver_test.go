package solver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/freeeve/retrograde/internal/codec"
	"github.com/freeeve/retrograde/internal/errs"
	"github.com/freeeve/retrograde/internal/game"
	"github.com/freeeve/retrograde/internal/record"
	"github.com/freeeve/retrograde/internal/store"
)

func testConfig(threads int) Config {
	return Config{Logger: zerolog.Nop(), Threads: threads, ProgressEvery: -1}
}

// newStore returns an empty memory store for g; rpg 0 selects the
// uncompressed layout.
func newStore(t *testing.T, g game.Game, layout record.Layout, rpg int) *store.MemoryStore {
	t.Helper()
	var (
		p   codec.Params
		err error
	)
	if rpg == 0 {
		p, err = codec.Uncompressed(layout.TotalStates())
	} else {
		p, err = codec.Compressed(layout.TotalStates(), rpg)
	}
	require.NoError(t, err)
	hdr, err := store.NewHeader(p, 0, g.NumHashes(), store.Meta{Game: g.Name(), Layout: layout})
	require.NoError(t, err)
	return store.NewMemory(hdr)
}

func solved(t *testing.T, s store.Store, layout record.Layout) []record.Record {
	t.Helper()
	h := s.NewHandle()
	defer s.CloseHandle(h)
	vs := make([]uint64, s.Header().NumRecords)
	require.NoError(t, store.ReadRecords(s, h, 0, vs))
	out := make([]record.Record, len(vs))
	for i, v := range vs {
		out[i] = layout.Decode(v)
	}
	return out
}

// bruteForce solves an acyclic game by memoized recursion.
func bruteForce(t *testing.T, g game.Game, scored bool) []record.Record {
	t.Helper()
	n := g.NumHashes()
	memo := make([]record.Record, n)
	done := make([]bool, n)
	var solve func(i uint64) record.Record
	solve = func(i uint64) record.Record {
		if done[i] {
			return memo[i]
		}
		r, ok := g.Primitive(i)
		if !ok {
			var recs []record.Record
			for _, c := range g.Children(i, nil) {
				recs = append(recs, solve(c))
			}
			var err error
			r, err = record.CombineChildren(recs, scored)
			require.NoError(t, err)
		}
		memo[i], done[i] = r, true
		return r
	}
	for i := uint64(0); i < n; i++ {
		solve(i)
	}
	return memo
}

func TestGroupAlignedTasks(t *testing.T) {
	tests := []struct {
		tasks                          int
		start, length, group, minGroup uint64
		want                           []uint64
	}{
		{4, 0, 100, 3, 0, []uint64{0, 24, 48, 75, 100}},
		{8, 10, 5, 4, 0, []uint64{10, 15}},
		{4, 0, 100, 1, 40, []uint64{0, 50, 100}},
		{3, 7, 0, 5, 0, []uint64{7, 7}},
		{0, 0, 10, 1, 0, []uint64{0, 10}},
	}
	for _, tt := range tests {
		got := GroupAlignedTasks(tt.tasks, tt.start, tt.length, tt.group, tt.minGroup)
		require.Equal(t, tt.want, got, "GroupAlignedTasks(%d, %d, %d, %d, %d)", tt.tasks, tt.start, tt.length, tt.group, tt.minGroup)
	}

	for _, group := range []uint64{1, 3, 7, 64} {
		b := GroupAlignedTasks(13, 1001, 99999, group, 0)
		require.Equal(t, uint64(1001), b[0])
		require.Equal(t, uint64(1001+99999), b[len(b)-1])
		for c := 1; c < len(b)-1; c++ {
			require.Zero(t, b[c]%group, "boundary %d", b[c])
			require.Greater(t, b[c], b[c-1])
		}
	}
}

func TestBarrierRunsActionOnce(t *testing.T) {
	const parties, rounds = 4, 5
	var arrived, actions atomic.Int64
	b := NewBarrier(parties, func() error {
		n := actions.Add(1)
		if got := arrived.Load(); got != n*parties {
			return fmt.Errorf("round %d: action ran with %d arrivals", n, got)
		}
		return nil
	})
	var wg sync.WaitGroup
	errc := make(chan error, parties)
	for i := 0; i < parties; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				arrived.Add(1)
				if err := b.Wait(); err != nil {
					errc <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errc)
	for err := range errc {
		require.NoError(t, err)
	}
	require.Equal(t, int64(rounds), actions.Load())
}

func TestBarrierBreak(t *testing.T) {
	boom := errors.New("boom")
	b := NewBarrier(2, nil)
	errc := make(chan error, 1)
	go func() { errc <- b.Wait() }()
	b.Break(boom)
	require.ErrorIs(t, <-errc, boom)
	require.ErrorIs(t, b.Wait(), boom)

	failing := NewBarrier(1, func() error { return boom })
	require.ErrorIs(t, failing.Wait(), boom)
}

func TestTierSolverMatchesBruteForce(t *testing.T) {
	for _, scored := range []bool{false, true} {
		for _, rpg := range []int{0, 5} {
			for _, threads := range []int{1, 4} {
				t.Run(fmt.Sprintf("scored=%v/rpg=%d/threads=%d", scored, rpg, threads), func(t *testing.T) {
					var scores uint64
					if scored {
						scores = 4
					}
					g, err := game.NewSynthetic(4, 90, 4, 42, scores)
					require.NoError(t, err)
					layout, err := record.NewLayout(g.RemotenessStates(), scores)
					require.NoError(t, err)

					s := newStore(t, g, layout, rpg)
					cfg := testConfig(threads)
					cfg.Scored = scored
					cfg.Batch = 7
					cfg.MinSplit = 1
					ts, err := NewTierSolver(cfg, g, s, layout)
					require.NoError(t, err)
					require.NoError(t, ts.Solve(context.Background()))

					want := bruteForce(t, g, scored)
					got := solved(t, s, layout)
					for i := range want {
						require.Equal(t, want[i], got[i], "position %d", i)
					}
					st := ts.Status()
					require.Equal(t, g.NumHashes(), st.Solved)
				})
			}
		}
	}
}

func TestTierSolverThreadsAgree(t *testing.T) {
	g := game.NewTicTacToe()
	layout, err := record.NewLayout(g.RemotenessStates(), 0)
	require.NoError(t, err)

	var out [][]byte
	for _, threads := range []int{1, 3, 8} {
		s := newStore(t, g, layout, 7)
		cfg := testConfig(threads)
		cfg.Split = 32
		cfg.Batch = 100
		ts, err := NewTierSolver(cfg, g, s, layout)
		require.NoError(t, err)
		require.NoError(t, ts.Solve(context.Background()))
		out = append(out, s.Bytes())
	}
	require.Equal(t, out[0], out[1])
	require.Equal(t, out[0], out[2])
}

func TestTicTacToeIsTie(t *testing.T) {
	g := game.NewTicTacToe()
	layout, err := record.NewLayout(g.RemotenessStates(), 0)
	require.NoError(t, err)
	s := newStore(t, g, layout, 0)
	ts, err := NewTierSolver(testConfig(4), g, s, layout)
	require.NoError(t, err)
	require.NoError(t, ts.Solve(context.Background()))

	h := s.NewHandle()
	defer s.CloseHandle(h)
	v, err := store.GetRecord(s, h, 0)
	require.NoError(t, err)
	require.Equal(t, record.Record{Value: record.Tie, Remoteness: 9}, layout.Decode(v))

	// X in a corner, O on an adjacent edge: X wins
	idx, ok := g.Index("XO.......")
	require.True(t, ok)
	v, err = store.GetRecord(s, h, idx)
	require.NoError(t, err)
	require.Equal(t, record.Win, layout.Decode(v).Value)
}

func TestSubtractionLosesOnMultiples(t *testing.T) {
	g, err := game.NewSubtraction(21, 3)
	require.NoError(t, err)
	layout, err := record.NewLayout(g.RemotenessStates(), 0)
	require.NoError(t, err)
	s := newStore(t, g, layout, 3)
	ts, err := NewTierSolver(testConfig(2), g, s, layout)
	require.NoError(t, err)
	require.NoError(t, ts.Solve(context.Background()))

	for i, r := range solved(t, s, layout)[:g.NumHashes()] {
		left := g.Tokens - uint64(i)
		want := record.Win
		if left%4 == 0 {
			want = record.Lose
		}
		require.Equal(t, want, r.Value, "%d tokens", left)
	}
}

func TestSolveRangeMatchesSolve(t *testing.T) {
	g, err := game.NewSynthetic(5, 80, 3, 9, 0)
	require.NoError(t, err)
	layout, err := record.NewLayout(g.RemotenessStates(), 0)
	require.NoError(t, err)

	full := newStore(t, g, layout, 4)
	ts, err := NewTierSolver(testConfig(2), g, full, layout)
	require.NoError(t, err)
	require.NoError(t, ts.Solve(context.Background()))

	parts := newStore(t, g, layout, 4)
	ps, err := NewTierSolver(testConfig(2), g, parts, layout)
	require.NoError(t, err)
	ctx := context.Background()
	for tier := g.NumberOfTiers() - 1; tier >= 0; tier-- {
		off, end := g.TierOffset(tier), g.TierLastIndex(tier)+1
		mid := off + (end-off)/3
		require.NoError(t, ps.SolveRange(ctx, tier, mid, end))
		require.NoError(t, ps.SolveRange(ctx, tier, off, mid))
	}
	require.Equal(t, full.Bytes(), parts.Bytes())

	err = ps.SolveRange(ctx, 1, 0, 10)
	require.ErrorIs(t, err, errs.ErrRange)
	err = ps.SolveRange(ctx, 9, 0, 10)
	require.ErrorIs(t, err, errs.ErrRange)
}

// oneTier claims every position is in tier 0.
type oneTier struct{ *game.Subtraction }

func (oneTier) NumberOfTiers() int         { return 1 }
func (oneTier) TierOffset(int) uint64      { return 0 }
func (g oneTier) TierLastIndex(int) uint64 { return g.Tokens }

// stuck has a non-terminal position with no moves.
type stuck struct{ *game.Subtraction }

func (g stuck) Children(i uint64, dst []uint64) []uint64 {
	if i == 2 {
		return dst
	}
	return g.Subtraction.Children(i, dst)
}

func TestDependencyViolation(t *testing.T) {
	sub, err := game.NewSubtraction(10, 2)
	require.NoError(t, err)
	g := oneTier{sub}
	layout, err := record.NewLayout(g.RemotenessStates(), 0)
	require.NoError(t, err)
	ts, err := NewTierSolver(testConfig(1), g, newStore(t, g, layout, 0), layout)
	require.NoError(t, err)

	err = ts.Solve(context.Background())
	require.ErrorIs(t, err, errs.ErrDependency)
	var e *errs.Error
	require.True(t, errors.As(err, &e))
	require.Equal(t, int64(0), e.Index)
	require.Equal(t, 0, e.Tier)
}

func TestNoMoves(t *testing.T) {
	sub, err := game.NewSubtraction(10, 2)
	require.NoError(t, err)
	g := stuck{sub}
	layout, err := record.NewLayout(g.RemotenessStates(), 0)
	require.NoError(t, err)
	ts, err := NewTierSolver(testConfig(3), g, newStore(t, g, layout, 0), layout)
	require.NoError(t, err)
	require.ErrorIs(t, ts.Solve(context.Background()), game.ErrNoMoves)
}

func TestRemotenessOverflow(t *testing.T) {
	g, err := game.NewSubtraction(21, 3)
	require.NoError(t, err)
	layout, err := record.NewLayout(5, 0)
	require.NoError(t, err)
	ts, err := NewTierSolver(testConfig(2), g, newStore(t, g, layout, 0), layout)
	require.NoError(t, err)
	require.ErrorIs(t, ts.Solve(context.Background()), errs.ErrRange)
}

func TestSolveCancelled(t *testing.T) {
	g := game.NewTicTacToe()
	layout, err := record.NewLayout(g.RemotenessStates(), 0)
	require.NoError(t, err)
	ts, err := NewTierSolver(testConfig(4), g, newStore(t, g, layout, 0), layout)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, ts.Solve(ctx), context.Canceled)
}

func TestNewSolverConfigErrors(t *testing.T) {
	g := game.NewTicTacToe()
	layout, err := record.NewLayout(g.RemotenessStates(), 0)
	require.NoError(t, err)

	cfg := testConfig(1)
	cfg.Scored = true
	_, err = NewTierSolver(cfg, g, newStore(t, g, layout, 0), layout)
	require.ErrorIs(t, err, errs.ErrConfig)

	small, err := game.NewSubtraction(5, 2)
	require.NoError(t, err)
	_, err = NewTierSolver(testConfig(1), g, newStore(t, small, layout, 0), layout)
	require.ErrorIs(t, err, errs.ErrConfig)

	wide, err := record.NewLayout(1000, 0)
	require.NoError(t, err)
	_, err = NewTierSolver(testConfig(1), g, newStore(t, g, layout, 0), wide)
	require.ErrorIs(t, err, errs.ErrConfig)
}
