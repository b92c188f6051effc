package solver

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/freeeve/retrograde/internal/errs"
	"github.com/freeeve/retrograde/internal/game"
	"github.com/freeeve/retrograde/internal/record"
	"github.com/freeeve/retrograde/internal/store"
)

// groupStripes is the number of locks guarding child writes.
const groupStripes = 1024

// LayeredSolver solves a puzzle breadth first from its starting positions.
// A position first reached at level r+1 from a parent at level r takes the
// parent's outcome unchanged, so every record holds its shortest distance
// to a starting position.
type LayeredSolver struct {
	cfg    Config
	log    zerolog.Logger
	game   game.Puzzle
	store  store.Store
	layout record.Layout

	prog  progress
	locks [groupStripes]sync.Mutex
}

// NewLayeredSolver checks that s can hold every record of g under layout.
func NewLayeredSolver(cfg Config, g game.Puzzle, s store.Store, layout record.Layout) (*LayeredSolver, error) {
	const op = "solver: layered"
	cfg = cfg.withDefaults()
	if err := checkLayout(op, s, layout, cfg.Scored); err != nil {
		return nil, err
	}
	hdr := s.Header()
	if hdr.FirstRecord != 0 || hdr.NumRecords < g.NumHashes() {
		return nil, errs.Config(op, "store holds records [%d, %d), %s needs [0, %d)",
			hdr.FirstRecord, hdr.EndRecord(), g.Name(), g.NumHashes())
	}
	if cfg.MaxRemoteness == 0 || cfg.MaxRemoteness >= layout.RemotenessStates {
		cfg.MaxRemoteness = layout.RemotenessStates - 1
	}
	return &LayeredSolver{
		cfg:    cfg,
		log:    cfg.Logger.With().Str("solver", "layered").Str("game", g.Name()).Logger(),
		game:   g,
		store:  s,
		layout: layout,
	}, nil
}

// Status reports progress; Tier is the level being expanded.
func (s *LayeredSolver) Status() Status { return s.prog.status() }

// Solve resets every record to undecided, seeds the starting positions and
// expands level by level until a level reaches nothing new or the
// remoteness limit is hit. The context is consulted between levels.
func (s *LayeredSolver) Solve(ctx context.Context) error {
	n := s.game.NumHashes()
	s.prog.reset(n)
	s.log.Info().
		Str("positions", humanize.Comma(int64(n))).
		Uint64("max_remoteness", s.cfg.MaxRemoteness).
		Int("threads", s.cfg.Threads).
		Msg("layered solve started")

	done := make(chan struct{})
	defer close(done)
	go s.prog.report(s.log, s.cfg.ProgressEvery, done)

	if err := s.seed(); err != nil {
		return err
	}

	for level := uint64(0); level < s.cfg.MaxRemoteness; level++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.prog.tier.Store(int64(level))
		assigned, err := s.expand(level)
		if err != nil {
			return err
		}
		s.log.Debug().Uint64("level", level).Uint64("assigned", assigned).Msg("level expanded")
		if assigned == 0 {
			break
		}
	}
	if err := s.store.Flush(); err != nil {
		return err
	}

	st := s.prog.status()
	s.log.Info().
		Str("reached", humanize.Comma(int64(st.Solved))).
		Dur("took", st.Elapsed).
		Msg("layered solve finished")
	return nil
}

func (s *LayeredSolver) seed() error {
	h := s.store.NewHandle()
	defer s.store.CloseHandle(h)
	if err := store.FillRecords(s.store, h, s.layout.Undecided(), 0, s.game.NumHashes()); err != nil {
		return err
	}
	for _, p := range s.game.StartingPositions() {
		r, ok := s.game.Primitive(p)
		if !ok {
			return errs.Config("solver: layered", "starting position %d of %s is not primitive", p, s.game.Name()).WithIndex(p)
		}
		r.Remoteness = 0
		v, err := s.layout.Encode(r)
		if err != nil {
			return annotate(err, p, 0)
		}
		if err := store.PutRecord(s.store, h, p, v); err != nil {
			return err
		}
		s.prog.solved.Add(1)
	}
	return nil
}

// expand assigns level+1 to every undecided child of a level record and
// returns how many it assigned.
func (s *LayeredSolver) expand(level uint64) (uint64, error) {
	starts := GroupAlignedTasks(s.cfg.Split, 0, s.game.NumHashes(), uint64(s.store.Codec().RecordsPerGroup()), s.cfg.MinSplit)
	var (
		next     atomic.Int64
		assigned atomic.Uint64
		g        errgroup.Group
	)
	for i := 0; i < min(s.cfg.Threads, len(starts)-1); i++ {
		g.Go(func() error {
			w := &layerWorker{s: s, h: s.store.NewHandle(), buf: make([]uint64, s.cfg.Batch)}
			defer s.store.CloseHandle(w.h)
			for {
				c := int(next.Add(1) - 1)
				if c+1 >= len(starts) {
					break
				}
				if err := w.expandRange(level, starts[c], starts[c+1]); err != nil {
					return err
				}
			}
			assigned.Add(w.assigned)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return assigned.Load(), nil
}

type layerWorker struct {
	s        *LayeredSolver
	h        *store.Handle
	buf      []uint64
	kids     []uint64
	assigned uint64
}

func (w *layerWorker) expandRange(level, start, end uint64) error {
	s := w.s
	for first := start; first < end; {
		n := min(uint64(len(w.buf)), end-first)
		recs := w.buf[:n]
		if err := store.ReadRecords(s.store, w.h, first, recs); err != nil {
			return err
		}
		for i, v := range recs {
			r := s.layout.Decode(v)
			if r.Value == record.Undecided || r.Remoteness != level {
				continue
			}
			parent := first + uint64(i)
			w.kids = s.game.Children(parent, w.kids[:0])
			for _, c := range w.kids {
				if err := w.reach(c, record.Record{Value: r.Value, Remoteness: level + 1, Score: r.Score}); err != nil {
					return annotate(err, c, int(level))
				}
			}
		}
		first += n
	}
	return nil
}

// stripe is the lock guarding the group that holds index.
func (s *LayeredSolver) stripe(index uint64) *sync.Mutex {
	rpg := uint64(s.store.Codec().RecordsPerGroup())
	return &s.locks[(index/rpg)%groupStripes]
}

// reach records r at index unless it is already decided. The read and the
// write happen under the lock of index's group, so two workers reaching
// records of the same group cannot lose each other's write.
func (w *layerWorker) reach(index uint64, r record.Record) error {
	s := w.s
	mu := s.stripe(index)
	mu.Lock()
	defer mu.Unlock()
	v, err := store.GetRecord(s.store, w.h, index)
	if err != nil {
		return err
	}
	if s.layout.Decode(v).Value != record.Undecided {
		return nil
	}
	v, err = s.layout.Encode(r)
	if err != nil {
		return err
	}
	if err := store.PutRecord(s.store, w.h, index, v); err != nil {
		return err
	}
	w.assigned++
	s.prog.solved.Add(1)
	return nil
}
