// Package job wires a configured solve: game, record layout, store, solver
// and the optional archive snapshot.
package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/freeeve/retrograde/internal/codec"
	"github.com/freeeve/retrograde/internal/config"
	"github.com/freeeve/retrograde/internal/errs"
	"github.com/freeeve/retrograde/internal/game"
	"github.com/freeeve/retrograde/internal/record"
	"github.com/freeeve/retrograde/internal/solver"
	"github.com/freeeve/retrograde/internal/store"
)

// Result summarises a finished job.
type Result struct {
	Header  *store.Header
	Stats   store.Stats
	Solve   solver.Status
	Archive *store.ArchiveStats
	Elapsed time.Duration
}

// Plan is a job resolved against its game, before any store exists.
type Plan struct {
	Job    *config.Job
	Game   game.Game
	Layout record.Layout
	Header *store.Header
}

// NewPlan looks up the game and derives the record layout and store header.
func NewPlan(job *config.Job) (*Plan, error) {
	g, err := game.Lookup(job.Game, job.GameOptions)
	if err != nil {
		return nil, err
	}
	switch job.Solver {
	case config.SolverTier:
		if _, ok := g.(game.Tiered); !ok {
			return nil, errs.Config("job: plan", "%s is not tiered", g.Name())
		}
	case config.SolverLayered:
		if _, ok := g.(game.Puzzle); !ok {
			return nil, errs.Config("job: plan", "%s has no starting positions", g.Name())
		}
	}

	remoteness := job.RemotenessStates
	if remoteness == 0 {
		remoteness = g.RemotenessStates()
	}
	layout, err := record.NewLayout(remoteness, job.ScoreStates)
	if err != nil {
		return nil, err
	}
	params, err := codec.Choose(layout.TotalStates(), job.CompressionRatio())
	if err != nil {
		return nil, err
	}
	hdr, err := store.NewHeader(params, 0, g.NumHashes(), store.Meta{
		Game:    g.Name(),
		Options: job.GameOptions,
		Layout:  layout,
		Solver:  job.Solver,
	})
	if err != nil {
		return nil, err
	}
	return &Plan{Job: job, Game: g, Layout: layout, Header: hdr}, nil
}

func (p *Plan) solverConfig(log zerolog.Logger) solver.Config {
	return solver.Config{
		Logger:        log,
		Threads:       p.Job.Threads,
		Split:         p.Job.Split,
		MinSplit:      p.Job.MinSplitRecords,
		Scored:        p.Layout.HasScore(),
		MaxRemoteness: p.Job.MaxRemoteness,
	}
}

// Solve runs the plan's solver over s.
func (p *Plan) Solve(ctx context.Context, s store.Store, log zerolog.Logger) (solver.Status, error) {
	cfg := p.solverConfig(log)
	switch p.Job.Solver {
	case config.SolverLayered:
		ls, err := solver.NewLayeredSolver(cfg, p.Game.(game.Puzzle), s, p.Layout)
		if err != nil {
			return solver.Status{}, err
		}
		err = ls.Solve(ctx)
		return ls.Status(), err
	default:
		ts, err := solver.NewTierSolver(cfg, p.Game.(game.Tiered), s, p.Layout)
		if err != nil {
			return solver.Status{}, err
		}
		err = ts.Solve(ctx)
		return ts.Status(), err
	}
}

// Run executes job end to end. The store is closed before Run returns, so a
// memory store only survives through the archive.
func Run(ctx context.Context, job *config.Job, log zerolog.Logger) (res *Result, err error) {
	start := time.Now()
	plan, err := NewPlan(job)
	if err != nil {
		return nil, err
	}
	p := plan.Header.Params
	log.Info().
		Str("game", plan.Game.Name()).
		Str("positions", humanize.Comma(int64(plan.Header.NumRecords))).
		Uint64("total_states", p.TotalStates).
		Int("records_per_group", p.RecordsPerGroup).
		Int("group_len", p.GroupLen).
		Str("size", humanize.IBytes(plan.Header.DataLen())).
		Str("store", job.Store.Kind).
		Str("run_id", plan.Header.Meta.RunID.String()).
		Msg("job planned")

	s, err := store.Create(plan.Header, job.StoreOptions())
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	status, err := plan.Solve(ctx, s, log)
	if err != nil {
		return nil, fmt.Errorf("solve %s: %w", plan.Game.Name(), err)
	}
	res = &Result{Header: s.Header(), Solve: status}

	if job.Archive.Path != "" {
		st, err := store.WriteArchive(ctx, job.Archive.Path, s, store.ArchiveOptions{
			Codec:      job.Archive.Codec,
			EntryBytes: job.Archive.EntryKB << 10,
			Jobs:       job.Threads,
			Logger:     log,
		})
		if err != nil {
			return nil, fmt.Errorf("archive %s: %w", job.Archive.Path, err)
		}
		res.Archive = &st
	}
	res.Stats = s.Stats()
	res.Elapsed = time.Since(start)
	log.Info().
		Str("game", plan.Game.Name()).
		Str("bytes_written", humanize.IBytes(res.Stats.BytesWritten)).
		Dur("elapsed", res.Elapsed).
		Msg("job finished")
	return res, nil
}
