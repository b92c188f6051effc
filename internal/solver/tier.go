package solver

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/freeeve/retrograde/internal/errs"
	"github.com/freeeve/retrograde/internal/game"
	"github.com/freeeve/retrograde/internal/record"
	"github.com/freeeve/retrograde/internal/store"
)

// TierSolver solves a tiered game tier by tier, last tier first. Within a
// tier every position depends only on later tiers, so the tier is split
// across workers with no coordination beyond a barrier between tiers.
type TierSolver struct {
	cfg    Config
	log    zerolog.Logger
	game   game.Tiered
	store  store.Store
	layout record.Layout

	prog progress
}

// schedule is the state of one Solve. Only the tier transition writes it,
// and every worker reads it only after the barrier has released them.
type schedule struct {
	tier   int
	starts []uint64
	next   atomic.Int64
}

// NewTierSolver checks that s can hold every record of g under layout.
func NewTierSolver(cfg Config, g game.Tiered, s store.Store, layout record.Layout) (*TierSolver, error) {
	const op = "solver: tier"
	cfg = cfg.withDefaults()
	if err := checkLayout(op, s, layout, cfg.Scored); err != nil {
		return nil, err
	}
	if g.NumberOfTiers() < 1 {
		return nil, errs.Config(op, "%s has no tiers", g.Name())
	}
	hdr := s.Header()
	if hdr.FirstRecord != 0 || hdr.NumRecords < g.NumHashes() {
		return nil, errs.Config(op, "store holds records [%d, %d), %s needs [0, %d)",
			hdr.FirstRecord, hdr.EndRecord(), g.Name(), g.NumHashes())
	}
	return &TierSolver{
		cfg:    cfg,
		log:    cfg.Logger.With().Str("solver", "tier").Str("game", g.Name()).Logger(),
		game:   g,
		store:  s,
		layout: layout,
	}, nil
}

// Status reports progress; safe to call while Solve runs.
func (s *TierSolver) Status() Status { return s.prog.status() }

// Solve fills every record of the game. The context is only consulted
// between tiers; a tier in progress always runs to completion or failure.
func (s *TierSolver) Solve(ctx context.Context) error {
	tiers := s.game.NumberOfTiers()
	s.prog.reset(s.game.NumHashes())
	sch := &schedule{tier: tiers}
	s.log.Info().
		Int("tiers", tiers).
		Str("positions", humanize.Comma(int64(s.game.NumHashes()))).
		Int("threads", s.cfg.Threads).
		Msg("tier solve started")

	done := make(chan struct{})
	defer close(done)
	go s.prog.report(s.log, s.cfg.ProgressEvery, done)

	// the first transition only computes the last tier's tasks
	tierStart := time.Now()
	transition := func() error {
		if sch.tier < tiers {
			if err := s.store.Flush(); err != nil {
				return annotate(err, s.game.TierOffset(sch.tier), sch.tier)
			}
			s.log.Debug().Int("tier", sch.tier).Dur("took", time.Since(tierStart)).Msg("tier solved")
		}
		sch.tier--
		if sch.tier < 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		tierStart = time.Now()
		off := s.game.TierOffset(sch.tier)
		n := s.game.TierLastIndex(sch.tier) + 1 - off
		sch.starts = GroupAlignedTasks(s.cfg.Split, off, n, uint64(s.store.Codec().RecordsPerGroup()), s.cfg.MinSplit)
		sch.next.Store(0)
		s.prog.tier.Store(int64(sch.tier))
		return nil
	}

	if err := transition(); err != nil {
		return err
	}

	var err error
	if s.cfg.Threads == 1 {
		err = s.solveSerial(sch, transition)
	} else {
		err = s.solveParallel(sch, transition)
	}
	if err != nil {
		return err
	}

	st := s.prog.status()
	s.log.Info().
		Str("solved", humanize.Comma(int64(st.Solved))).
		Dur("took", st.Elapsed).
		Msg("tier solve finished")
	return nil
}

func (s *TierSolver) solveSerial(sch *schedule, transition func() error) error {
	w := s.newWorker()
	defer w.close()
	for sch.tier >= 0 {
		for c := 0; c+1 < len(sch.starts); c++ {
			if err := w.solveRange(sch.tier, sch.starts[c], sch.starts[c+1]); err != nil {
				return err
			}
		}
		if err := transition(); err != nil {
			return err
		}
	}
	return nil
}

func (s *TierSolver) solveParallel(sch *schedule, transition func() error) error {
	barrier := NewBarrier(s.cfg.Threads, transition)
	var g errgroup.Group
	for i := 0; i < s.cfg.Threads; i++ {
		g.Go(func() error {
			w := s.newWorker()
			defer w.close()
			for {
				// the schedule is stable until every worker is back at the barrier
				tier, starts := sch.tier, sch.starts
				if tier < 0 {
					return nil
				}
				for {
					c := int(sch.next.Add(1) - 1)
					if c+1 >= len(starts) {
						break
					}
					if err := w.solveRange(tier, starts[c], starts[c+1]); err != nil {
						barrier.Break(err)
						return err
					}
				}
				if err := barrier.Wait(); err != nil {
					return err
				}
			}
		})
	}
	return g.Wait()
}

// SolveRange solves records [start, end) of one tier, assuming every later
// tier is already solved in the store. It lets an outside scheduler hand out
// slices of a tier to several processes.
func (s *TierSolver) SolveRange(ctx context.Context, tier int, start, end uint64) error {
	const op = "solver: solve range"
	if tier < 0 || tier >= s.game.NumberOfTiers() {
		return errs.Range(op, "tier %d outside [0, %d)", tier, s.game.NumberOfTiers())
	}
	off, last := s.game.TierOffset(tier), s.game.TierLastIndex(tier)
	if start < off || end > last+1 || start > end {
		return errs.Range(op, "[%d, %d) outside tier [%d, %d]", start, end, off, last).WithTier(tier)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.prog.reset(end - start)
	s.prog.tier.Store(int64(tier))

	starts := GroupAlignedTasks(s.cfg.Split, start, end-start, uint64(s.store.Codec().RecordsPerGroup()), s.cfg.MinSplit)
	var next atomic.Int64
	var g errgroup.Group
	for i := 0; i < min(s.cfg.Threads, len(starts)-1); i++ {
		g.Go(func() error {
			w := s.newWorker()
			defer w.close()
			for {
				c := int(next.Add(1) - 1)
				if c+1 >= len(starts) {
					return nil
				}
				if err := w.solveRange(tier, starts[c], starts[c+1]); err != nil {
					return err
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := s.store.Flush(); err != nil {
		return fmt.Errorf("flush tier %d: %w", tier, err)
	}
	return nil
}

// tierWorker owns a store handle and scratch space for one goroutine.
type tierWorker struct {
	s    *TierSolver
	h    *store.Handle
	out  []uint64
	kids []uint64
	recs []record.Record
}

func (s *TierSolver) newWorker() *tierWorker {
	return &tierWorker{s: s, h: s.store.NewHandle(), out: make([]uint64, s.cfg.Batch)}
}

func (w *tierWorker) close() {
	_ = w.s.store.CloseHandle(w.h)
}

func (w *tierWorker) solveRange(tier int, start, end uint64) error {
	last := w.s.game.TierLastIndex(tier)
	for first := start; first < end; {
		n := min(uint64(len(w.out)), end-first)
		out := w.out[:n]
		for i := range out {
			v, err := w.solve(tier, last, first+uint64(i))
			if err != nil {
				return err
			}
			out[i] = v
		}
		if err := store.WriteRecords(w.s.store, w.h, first, out); err != nil {
			return annotate(err, first, tier)
		}
		w.s.prog.solved.Add(n)
		first += n
	}
	return nil
}

// solve returns the encoded record of index, a position in tier whose last
// index is last.
func (w *tierWorker) solve(tier int, last, index uint64) (uint64, error) {
	g := w.s.game
	if r, ok := g.Primitive(index); ok {
		v, err := w.s.layout.Encode(r)
		return v, annotate(err, index, tier)
	}

	w.kids = g.Children(index, w.kids[:0])
	if len(w.kids) == 0 {
		return 0, fmt.Errorf("%s position %d: %w", g.Name(), index, game.ErrNoMoves)
	}
	w.recs = w.recs[:0]
	n := g.NumHashes()
	for _, c := range w.kids {
		if c <= last || c >= n {
			return 0, dependency(index, c, tier, "outside the solved tiers")
		}
		v, err := store.GetRecord(w.s.store, w.h, c)
		if err != nil {
			return 0, annotate(err, c, tier)
		}
		r := w.s.layout.Decode(v)
		if r.Value == record.Undecided {
			return 0, dependency(index, c, tier, "undecided")
		}
		w.recs = append(w.recs, r)
	}
	best, err := record.CombineChildren(w.recs, w.s.cfg.Scored)
	if err != nil {
		return 0, err
	}
	v, err := w.s.layout.Encode(best)
	return v, annotate(err, index, tier)
}

func dependency(index, child uint64, tier int, why string) error {
	return errs.Newf(errs.KindDependency, "solver: combine", "position %d reads child %d %s", index, child, why).
		WithIndex(index).WithTier(tier)
}
