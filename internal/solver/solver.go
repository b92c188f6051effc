// Package solver computes the value and remoteness of every position of a
// game into a store.
//
// TierSolver walks a tiered game from its last tier down, combining each
// position from the already solved records of its children. LayeredSolver
// spreads values outward from the starting positions of a puzzle, one
// remoteness level at a time. Both split the work into group-aligned ranges
// so no two workers ever write the same record group.
package solver

import (
	"errors"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/freeeve/retrograde/internal/errs"
	"github.com/freeeve/retrograde/internal/record"
	"github.com/freeeve/retrograde/internal/store"
)

// Config holds the knobs shared by both solvers.
type Config struct {
	Logger zerolog.Logger
	// Threads is the number of workers (0 = NumCPU).
	Threads int
	// Split is the number of tasks per tier or level (0 = Threads).
	Split int
	// MinSplit is the smallest task in records.
	MinSplit uint64
	// Scored breaks outcome ties on the score field.
	Scored bool
	// Batch is the number of records written per store call (0 = 4096).
	Batch int
	// MaxRemoteness stops the layered solver (0 = layout limit).
	MaxRemoteness uint64
	// ProgressEvery is the progress log period (0 = 10s, negative = off).
	ProgressEvery time.Duration
}

func (c Config) withDefaults() Config {
	if c.Threads <= 0 {
		c.Threads = runtime.NumCPU()
	}
	if c.Split <= 0 {
		c.Split = c.Threads
	}
	if c.Batch <= 0 {
		c.Batch = 4096
	}
	if c.ProgressEvery == 0 {
		c.ProgressEvery = 10 * time.Second
	}
	return c
}

// Status is a snapshot of a running solve.
type Status struct {
	// Tier is the tier (or remoteness level) in progress.
	Tier    int
	Solved  uint64
	Total   uint64
	Elapsed time.Duration
}

type progress struct {
	tier    atomic.Int64
	solved  atomic.Uint64
	total   atomic.Uint64
	started atomic.Int64 // unix nanos
}

func (p *progress) reset(total uint64) {
	p.solved.Store(0)
	p.total.Store(total)
	p.started.Store(time.Now().UnixNano())
}

func (p *progress) status() Status {
	st := Status{
		Tier:   int(p.tier.Load()),
		Solved: p.solved.Load(),
		Total:  p.total.Load(),
	}
	if t := p.started.Load(); t != 0 {
		st.Elapsed = time.Since(time.Unix(0, t))
	}
	return st
}

// report logs the status every period until done is closed.
func (p *progress) report(log zerolog.Logger, period time.Duration, done <-chan struct{}) {
	if period < 0 {
		return
	}
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			st := p.status()
			ev := log.Info().
				Int("tier", st.Tier).
				Str("solved", humanize.Comma(int64(st.Solved))).
				Str("total", humanize.Comma(int64(st.Total)))
			if secs := st.Elapsed.Seconds(); secs > 0 {
				ev = ev.Str("rate", humanize.SIWithDigits(float64(st.Solved)/secs, 1, "pos/s"))
			}
			ev.Msg("solve progress")
		}
	}
}

// checkLayout binds a layout to a store: every encodable record must fit
// the store's radix.
func checkLayout(op string, s store.Store, layout record.Layout, scored bool) error {
	if err := layout.Validate(); err != nil {
		return err
	}
	if ts := s.Header().Params.TotalStates; layout.TotalStates() > ts {
		return errs.Config(op, "layout needs %d states, store holds %d", layout.TotalStates(), ts)
	}
	if scored && !layout.HasScore() {
		return errs.Config(op, "scored solve needs a score field")
	}
	return nil
}

// annotate attaches position context to a store or layout error.
func annotate(err error, index uint64, tier int) error {
	var e *errs.Error
	if errors.As(err, &e) {
		if e.Index < 0 {
			e.WithIndex(index)
		}
		if e.Tier < 0 {
			e.WithTier(tier)
		}
	}
	return err
}
