// Package config loads solve jobs from YAML.
package config

import (
	"bytes"
	"errors"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/freeeve/retrograde/internal/errs"
	"github.com/freeeve/retrograde/internal/logx"
	"github.com/freeeve/retrograde/internal/store"
)

// Solver names.
const (
	SolverTier    = "tier"
	SolverLayered = "layered"
)

// Job is everything needed to run one solve.
type Job struct {
	Game        string            `yaml:"game"`
	GameOptions map[string]string `yaml:"game_options"`

	Solver          string `yaml:"solver"`
	Threads         int    `yaml:"threads"` // 0 = NumCPU
	Split           int    `yaml:"split"`   // tasks per tier, 0 = threads
	MinSplitRecords uint64 `yaml:"min_split_records"`

	// Compression is the target share of stored bits that carry
	// information, in percent. 0 stores one record per group.
	Compression      int    `yaml:"compression"`
	RemotenessStates uint64 `yaml:"remoteness_states"` // 0 = the game's bound
	ScoreStates      uint64 `yaml:"score_states"`
	MaxRemoteness    uint64 `yaml:"max_remoteness"`

	Store   StoreConfig   `yaml:"store"`
	Archive ArchiveConfig `yaml:"archive"`
	Log     LogConfig     `yaml:"log"`
}

type StoreConfig struct {
	Kind   string `yaml:"kind"`
	Path   string `yaml:"path"`
	Shards int    `yaml:"shards"`
}

// ArchiveConfig requests a compressed snapshot after the solve. An empty
// Path skips it.
type ArchiveConfig struct {
	Path    string `yaml:"path"`
	Codec   string `yaml:"codec"`
	EntryKB int    `yaml:"entry_kb"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a job with every optional field set.
func Default() *Job {
	return &Job{
		Solver: SolverTier,
		Store:  StoreConfig{Kind: store.KindMemory, Shards: 1},
		Archive: ArchiveConfig{
			Codec:   store.CompressionZstd.String(),
			EntryKB: store.DefaultEntryBytes >> 10,
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads and validates a job file.
func Load(path string) (*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Config("config: load", "%v", err)
	}
	return Parse(data)
}

// Parse decodes a job over the defaults and validates it. Unknown keys are
// rejected.
func Parse(data []byte) (*Job, error) {
	job := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(job); err != nil && !errors.Is(err, io.EOF) {
		return nil, errs.Config("config: parse", "%v", err)
	}
	applyDefaults(job)
	if err := job.Validate(); err != nil {
		return nil, err
	}
	return job, nil
}

// applyDefaults restores defaults for fields a file explicitly blanked.
func applyDefaults(job *Job) {
	def := Default()
	if job.Solver == "" {
		job.Solver = def.Solver
	}
	if job.Store.Kind == "" {
		job.Store.Kind = def.Store.Kind
	}
	if job.Store.Shards == 0 {
		job.Store.Shards = def.Store.Shards
	}
	if job.Archive.Codec == "" {
		job.Archive.Codec = def.Archive.Codec
	}
	if job.Archive.EntryKB == 0 {
		job.Archive.EntryKB = def.Archive.EntryKB
	}
}

// Validate reports the first missing or contradictory setting.
func (j *Job) Validate() error {
	const op = "config: validate"
	if j.Game == "" {
		return errs.Config(op, "game is required")
	}
	switch j.Solver {
	case SolverTier, SolverLayered:
	default:
		return errs.Config(op, "solver %q is not %q or %q", j.Solver, SolverTier, SolverLayered)
	}
	if j.Threads < 0 || j.Split < 0 {
		return errs.Config(op, "threads %d and split %d must not be negative", j.Threads, j.Split)
	}
	if j.Compression < 0 || j.Compression >= 100 {
		return errs.Config(op, "compression %d%% outside [0, 100)", j.Compression)
	}

	switch j.Store.Kind {
	case store.KindMemory:
	case store.KindFile:
		if j.Store.Path == "" {
			return errs.Config(op, "file store needs store.path")
		}
	case store.KindComposite:
		if j.Store.Path == "" {
			return errs.Config(op, "composite store needs store.path (the manifest)")
		}
		if j.Store.Shards < 1 {
			return errs.Config(op, "composite store needs store.shards >= 1")
		}
	default:
		return errs.Config(op, "store.kind %q cannot be solved into", j.Store.Kind)
	}

	if _, err := store.ParseCompressionTag(j.Archive.Codec); err != nil {
		return err
	}
	if j.Archive.EntryKB < 0 {
		return errs.Config(op, "archive.entry_kb %d must be positive", j.Archive.EntryKB)
	}
	return j.LogOptions().Validate()
}

// LogOptions converts the log section.
func (j *Job) LogOptions() logx.Options {
	return logx.Options{Level: j.Log.Level, Format: j.Log.Format}
}

// StoreOptions converts the store section.
func (j *Job) StoreOptions() store.Options {
	return store.Options{Kind: j.Store.Kind, Path: j.Store.Path, Shards: j.Store.Shards}
}

// CompressionRatio is Compression as a fraction.
func (j *Job) CompressionRatio() float64 {
	return float64(j.Compression) / 100
}
