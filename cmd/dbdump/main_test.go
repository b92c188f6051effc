package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/freeeve/retrograde/internal/config"
	"github.com/freeeve/retrograde/internal/job"
)

func solveSubtraction(t *testing.T) string {
	t.Helper()
	db := filepath.Join(t.TempDir(), "sub.db")
	j, err := config.Parse([]byte("game: subtraction\ngame_options:\n  tokens: \"12\"\nthreads: 2\ncompression: 80\nstore:\n  kind: file\n  path: " + db + "\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := job.Run(context.Background(), j, zerolog.Nop()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return db
}

func runCmd(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	e := &env{out: &out, log: zerolog.Nop()}
	if err := dispatch(context.Background(), e, args); err != nil {
		t.Fatalf("dbdump %v: %v", args, err)
	}
	return out.String()
}

func TestCommands(t *testing.T) {
	db := solveSubtraction(t)

	info := runCmd(t, "info", db)
	if !strings.Contains(info, "subtraction") || !strings.Contains(info, "[0, 13)") {
		t.Errorf("info = %q", info)
	}

	// 12 tokens left is a multiple of 4
	if got := runCmd(t, "get", db, "0", "1"); got != "0\tLOSE@6\t12 tokens\n1\tWIN@5\t11 tokens\n" {
		t.Errorf("get = %q", got)
	}

	dump := strings.Split(strings.TrimSpace(runCmd(t, "dump", db, "10")), "\n")
	if len(dump) != 3 || dump[2] != "12\tLOSE@0\t0 tokens" {
		t.Errorf("dump = %q", dump)
	}

	stats := runCmd(t, "stats", db)
	if !strings.Contains(stats, "LOSE") || !strings.Contains(stats, "WIN") {
		t.Errorf("stats = %q", stats)
	}

	dir := t.TempDir()
	rga := filepath.Join(dir, "sub.rga")
	runCmd(t, "archive", "--codec", "lz4", "--entry-kb", "1", db, rga)
	if got := runCmd(t, "get", rga, "4"); got != "4\tLOSE@4\t8 tokens\n" {
		t.Errorf("get from archive = %q", got)
	}

	runCmd(t, "split", "--shards", "3", db, dir)
	manifest := filepath.Join(dir, "sub.yaml")
	if got := runCmd(t, "get", manifest, "8"); got != "8\tLOSE@2\t4 tokens\n" {
		t.Errorf("get from shards = %q", got)
	}
}

func TestDispatchErrors(t *testing.T) {
	e := &env{out: &bytes.Buffer{}, log: zerolog.Nop()}
	for _, args := range [][]string{nil, {"frobnicate"}, {"info"}, {"get", "x.db"}} {
		if err := dispatch(context.Background(), e, args); err == nil {
			t.Errorf("dbdump %v succeeded", args)
		}
	}
}
