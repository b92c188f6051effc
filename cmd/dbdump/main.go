// dbdump inspects and converts solved stores.
//
//	dbdump info  <store>
//	dbdump get   <store> <index>...
//	dbdump dump  <store> [first] [count]
//	dbdump stats <store>
//	dbdump archive <store> <out.rga> [--codec zstd] [--entry-kb 256]
//	dbdump split <store> <dir> --shards N [--name base]
//
// A store is a .db file, a .rga archive or a .yaml shard manifest.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/freeeve/retrograde/internal/game"
	"github.com/freeeve/retrograde/internal/logx"
	"github.com/freeeve/retrograde/internal/record"
	"github.com/freeeve/retrograde/internal/store"
)

type command struct {
	usage string
	run   func(ctx context.Context, env *env, args []string) error
}

var commands = map[string]command{
	"info":    {"<store>", runInfo},
	"get":     {"<store> <index>...", runGet},
	"dump":    {"<store> [first] [count]", runDump},
	"stats":   {"<store>", runStats},
	"archive": {"<store> <out.rga> [--codec zstd|lz4|none] [--entry-kb N] [--jobs N]", runArchive},
	"split":   {"<store> <dir> --shards N [--name base]", runSplit},
}

type env struct {
	out io.Writer
	log zerolog.Logger
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	e := &env{out: os.Stdout, log: logx.NewLogger(logx.Options{})}
	if err := dispatch(ctx, e, os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "dbdump: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: dbdump <command> ...")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-8s %s\n", name, commands[name].usage)
	}
}

func dispatch(ctx context.Context, e *env, args []string) error {
	if len(args) == 0 {
		usage(os.Stderr)
		return errors.New("missing command")
	}
	cmd, ok := commands[args[0]]
	if !ok {
		usage(os.Stderr)
		return fmt.Errorf("unknown command %q", args[0])
	}
	return cmd.run(ctx, e, args[1:])
}

func openStore(path string, readOnly bool) (store.Store, error) {
	return store.Open(store.Options{Kind: store.KindForPath(path), Path: path, ReadOnly: readOnly})
}

// describer rebuilds the game recorded in the store header, if it is known.
func describer(hdr *store.Header) game.Describer {
	g, err := game.Lookup(hdr.Meta.Game, game.Options(hdr.Meta.Options))
	if err != nil {
		return nil
	}
	d, _ := g.(game.Describer)
	return d
}

func runInfo(_ context.Context, e *env, args []string) error {
	if len(args) != 1 {
		return errors.New("info needs one store")
	}
	s, err := openStore(args[0], true)
	if err != nil {
		return err
	}
	defer s.Close()

	hdr := s.Header()
	p, m := hdr.Params, hdr.Meta
	tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "records\t[%d, %d)\n", hdr.FirstRecord, hdr.EndRecord())
	fmt.Fprintf(tw, "total states\t%d\n", p.TotalStates)
	if p.SuperCompress {
		fmt.Fprintf(tw, "layout\t%d records in %d bytes (%.1f%% dense)\n", p.RecordsPerGroup, p.GroupLen, 100*p.Ratio())
	} else {
		fmt.Fprintf(tw, "layout\tone record in %d bytes\n", p.GroupLen)
	}
	fmt.Fprintf(tw, "data\t%s\n", humanize.IBytes(hdr.DataLen()))
	fmt.Fprintf(tw, "game\t%s %v\n", m.Game, m.Options)
	fmt.Fprintf(tw, "solver\t%s\n", m.Solver)
	fmt.Fprintf(tw, "fields\tremoteness %d, score %d\n", m.Layout.RemotenessStates, m.Layout.ScoreStates)
	fmt.Fprintf(tw, "run\t%s\n", m.RunID)
	fmt.Fprintf(tw, "created\t%s (%s)\n", m.Created.Format("2006-01-02 15:04:05Z07:00"), humanize.Time(m.Created))
	switch st := s.(type) {
	case *store.ArchiveStore:
		fmt.Fprintf(tw, "entries\t%d\n", st.Entries())
	case *store.CompositeStore:
		for i, sh := range st.Shards() {
			fmt.Fprintf(tw, "shard %d\t[%d, +%d) %s\n", i, sh.FirstRecord, sh.NumRecords, sh.Path)
		}
	}
	return tw.Flush()
}

func formatRecord(r record.Record, scored bool) string {
	if scored {
		return fmt.Sprintf("%s score %d", r, r.Score)
	}
	return r.String()
}

func runGet(_ context.Context, e *env, args []string) error {
	if len(args) < 2 {
		return errors.New("get needs a store and at least one index")
	}
	s, err := openStore(args[0], true)
	if err != nil {
		return err
	}
	defer s.Close()
	hdr := s.Header()
	d := describer(hdr)
	h := s.NewHandle()
	defer s.CloseHandle(h)
	for _, arg := range args[1:] {
		index, err := strconv.ParseUint(arg, 10, 64)
		if err != nil {
			return fmt.Errorf("index %q: %w", arg, err)
		}
		v, err := store.GetRecord(s, h, index)
		if err != nil {
			return err
		}
		line := fmt.Sprintf("%d\t%s", index, formatRecord(hdr.Meta.Layout.Decode(v), hdr.Meta.Layout.HasScore()))
		if d != nil {
			line += "\t" + d.Describe(index)
		}
		fmt.Fprintln(e.out, line)
	}
	return nil
}

// dumpChunk is the number of records decoded per store read.
const dumpChunk = 1 << 14

// scan calls fn for every record in [first, first+n) in order.
func scan(ctx context.Context, s store.Store, first, n uint64, fn func(index uint64, r record.Record)) error {
	hdr := s.Header()
	h := s.NewHandle()
	defer s.CloseHandle(h)
	buf := make([]uint64, min(n, dumpChunk))
	for done := uint64(0); done < n; {
		if err := ctx.Err(); err != nil {
			return err
		}
		k := min(n-done, uint64(len(buf)))
		if err := store.ReadRecords(s, h, first+done, buf[:k]); err != nil {
			return err
		}
		for i, v := range buf[:k] {
			fn(first+done+uint64(i), hdr.Meta.Layout.Decode(v))
		}
		done += k
	}
	return nil
}

func runDump(ctx context.Context, e *env, args []string) error {
	if len(args) < 1 || len(args) > 3 {
		return errors.New("dump needs a store and an optional range")
	}
	s, err := openStore(args[0], true)
	if err != nil {
		return err
	}
	defer s.Close()
	hdr := s.Header()
	first, n := hdr.FirstRecord, hdr.NumRecords
	if len(args) > 1 {
		if first, err = strconv.ParseUint(args[1], 10, 64); err != nil {
			return fmt.Errorf("first %q: %w", args[1], err)
		}
		n = hdr.EndRecord() - min(first, hdr.EndRecord())
	}
	if len(args) > 2 {
		if n, err = strconv.ParseUint(args[2], 10, 64); err != nil {
			return fmt.Errorf("count %q: %w", args[2], err)
		}
	}
	d := describer(hdr)
	scored := hdr.Meta.Layout.HasScore()
	var sb strings.Builder
	return scan(ctx, s, first, n, func(index uint64, r record.Record) {
		sb.Reset()
		fmt.Fprintf(&sb, "%d\t%s", index, formatRecord(r, scored))
		if d != nil {
			sb.WriteString("\t")
			sb.WriteString(d.Describe(index))
		}
		fmt.Fprintln(e.out, sb.String())
	})
}

type tally struct {
	count         uint64
	maxRemoteness uint64
	maxAt         uint64
}

func runStats(ctx context.Context, e *env, args []string) error {
	if len(args) != 1 {
		return errors.New("stats needs one store")
	}
	s, err := openStore(args[0], true)
	if err != nil {
		return err
	}
	defer s.Close()
	hdr := s.Header()

	var byValue [record.OutcomeStates]tally
	err = scan(ctx, s, hdr.FirstRecord, hdr.NumRecords, func(index uint64, r record.Record) {
		t := &byValue[r.Value]
		if t.count == 0 || r.Remoteness > t.maxRemoteness {
			t.maxRemoteness, t.maxAt = r.Remoteness, index
		}
		t.count++
	})
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "value\tpositions\tshare\tmax remoteness\tat\t")
	for v, t := range byValue {
		if t.count == 0 {
			continue
		}
		share := 100 * float64(t.count) / float64(max(hdr.NumRecords, 1))
		fmt.Fprintf(tw, "%s\t%s\t%.2f%%\t%d\t%d\t\n", record.Outcome(v), humanize.Comma(int64(t.count)), share, t.maxRemoteness, t.maxAt)
	}
	return tw.Flush()
}

func runArchive(ctx context.Context, e *env, args []string) error {
	fs := pflag.NewFlagSet("archive", pflag.ContinueOnError)
	codecName := fs.String("codec", "zstd", "entry codec: zstd, lz4 or none")
	entryKB := fs.Int("entry-kb", store.DefaultEntryBytes>>10, "uncompressed entry size in KiB")
	jobs := fs.Int("jobs", 0, "parallel compressors (0 = default)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("archive needs a store and an output path")
	}
	s, err := openStore(fs.Arg(0), true)
	if err != nil {
		return err
	}
	defer s.Close()
	st, err := store.WriteArchive(ctx, fs.Arg(1), s, store.ArchiveOptions{
		Codec:      *codecName,
		EntryBytes: *entryKB << 10,
		Jobs:       *jobs,
		Logger:     e.log,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "%s: %d entries, %s -> %s in %s\n", fs.Arg(1), st.Entries,
		humanize.IBytes(st.RawBytes), humanize.IBytes(st.CompressedBytes), st.Elapsed.Round(1e6))
	return nil
}

func runSplit(ctx context.Context, e *env, args []string) error {
	fs := pflag.NewFlagSet("split", pflag.ContinueOnError)
	shards := fs.Int("shards", 2, "number of shard files")
	name := fs.String("name", "", "shard file base name (default: the store's base name)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("split needs a store and an output directory")
	}
	src := fs.Arg(0)
	if *name == "" {
		*name = strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	}
	s, err := openStore(src, true)
	if err != nil {
		return err
	}
	defer s.Close()
	m, path, err := store.Split(ctx, s, fs.Arg(1), *name, *shards)
	if err != nil {
		return err
	}
	e.log.Info().Str("manifest", path).Int("shards", len(m.Shards)).Msg("split written")
	for _, sh := range m.Shards {
		fmt.Fprintf(e.out, "%s\t[%d, +%d)\n", sh.Path, sh.FirstRecord, sh.NumRecords)
	}
	return nil
}
