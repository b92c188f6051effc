// solve runs one retrograde solve described by a YAML job file, with
// command-line overrides.
//
//	solve --job jobs/tictactoe.yaml --threads 8 --archive out/ttt.rga
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/freeeve/retrograde/internal/config"
	"github.com/freeeve/retrograde/internal/game"
	"github.com/freeeve/retrograde/internal/job"
	"github.com/freeeve/retrograde/internal/logx"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "solve: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	j, err := parseJob(args)
	if err != nil {
		return err
	}

	log := logx.NewLogger(j.LogOptions())
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	res, err := job.Run(ctx, j, log)
	if err != nil {
		log.Error().Err(err).Msg("solve failed")
		return err
	}
	ev := log.Info().
		Str("solved", humanize.Comma(int64(res.Solve.Solved))).
		Str("bytes_read", humanize.IBytes(res.Stats.BytesRead)).
		Str("bytes_written", humanize.IBytes(res.Stats.BytesWritten)).
		Dur("elapsed", res.Elapsed)
	if a := res.Archive; a != nil {
		ev = ev.Int("archive_entries", a.Entries).
			Str("archive_size", humanize.IBytes(a.CompressedBytes))
	}
	ev.Msg("done")
	return nil
}

// parseJob builds the job from the command line and an optional job file.
func parseJob(args []string) (*config.Job, error) {
	var (
		jobPath string
		j       = config.Default()
	)
	fs := pflag.NewFlagSet("solve", pflag.ContinueOnError)
	fs.StringVar(&jobPath, "job", "", "job file (YAML)")
	fs.StringVar(&j.Game, "game", "", "game name ("+fmt.Sprint(game.Names())+")")
	fs.StringToStringVar(&j.GameOptions, "opt", nil, "game option key=value (repeatable)")
	fs.StringVar(&j.Solver, "solver", j.Solver, "tier or layered")
	fs.IntVar(&j.Threads, "threads", 0, "worker threads (0 = all CPUs)")
	fs.IntVar(&j.Split, "split", 0, "tasks per tier (0 = threads)")
	fs.IntVar(&j.Compression, "compression", 0, "target record density in percent (0 = one record per group)")
	fs.Uint64Var(&j.RemotenessStates, "remoteness-states", 0, "remoteness field size (0 = game bound)")
	fs.Uint64Var(&j.ScoreStates, "score-states", 0, "score field size (0 = no score)")
	fs.Uint64Var(&j.MaxRemoteness, "max-remoteness", 0, "layered solver level limit (0 = layout bound)")
	fs.StringVar(&j.Store.Kind, "store", j.Store.Kind, "store kind: memory, file or composite")
	fs.StringVar(&j.Store.Path, "out", "", "store file, or manifest for a composite store")
	fs.IntVar(&j.Store.Shards, "shards", j.Store.Shards, "composite shard count")
	fs.StringVar(&j.Archive.Path, "archive", "", "write a compressed snapshot here after solving")
	fs.StringVar(&j.Archive.Codec, "archive-codec", j.Archive.Codec, "archive codec: zstd, lz4 or none")
	fs.StringVar(&j.Log.Level, "log-level", j.Log.Level, "log level")
	fs.StringVar(&j.Log.Format, "log-format", j.Log.Format, "console or json")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}

	if jobPath != "" {
		loaded, err := config.Load(jobPath)
		if err != nil {
			return nil, err
		}
		// flags given explicitly win over the file
		fs.Visit(func(f *pflag.Flag) { override(loaded, j, f.Name) })
		j = loaded
	}
	if err := j.Validate(); err != nil {
		return nil, err
	}
	return j, nil
}

// override copies the field behind flag name from src to dst.
func override(dst, src *config.Job, name string) {
	switch name {
	case "game":
		dst.Game = src.Game
	case "opt":
		if dst.GameOptions == nil {
			dst.GameOptions = map[string]string{}
		}
		for k, v := range src.GameOptions {
			dst.GameOptions[k] = v
		}
	case "solver":
		dst.Solver = src.Solver
	case "threads":
		dst.Threads = src.Threads
	case "split":
		dst.Split = src.Split
	case "compression":
		dst.Compression = src.Compression
	case "remoteness-states":
		dst.RemotenessStates = src.RemotenessStates
	case "score-states":
		dst.ScoreStates = src.ScoreStates
	case "max-remoteness":
		dst.MaxRemoteness = src.MaxRemoteness
	case "store":
		dst.Store.Kind = src.Store.Kind
	case "out":
		dst.Store.Path = src.Store.Path
	case "shards":
		dst.Store.Shards = src.Store.Shards
	case "archive":
		dst.Archive.Path = src.Archive.Path
	case "archive-codec":
		dst.Archive.Codec = src.Archive.Codec
	case "log-level":
		dst.Log.Level = src.Log.Level
	case "log-format":
		dst.Log.Format = src.Log.Format
	}
}
