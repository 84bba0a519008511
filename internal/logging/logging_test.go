package logging

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestTraditionalHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraditionalHandler(&buf, slog.LevelInfo)).With("run", "r1")
	logger.Debug("hidden")
	logger.Info("batch completed", "processed", 4)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line should be filtered: %q", out)
	}
	if !strings.Contains(out, "[INFO] batch completed [run=r1 processed=4]") {
		t.Fatalf("unexpected format: %q", out)
	}
}

func TestRunLoggerWritesFile(t *testing.T) {
	dir := t.TempDir()
	parent := slog.New(slog.NewTextHandler(io.Discard, nil))
	logger, closer, err := RunLogger(parent, dir)
	if err != nil {
		t.Fatalf("run logger: %v", err)
	}
	logger.Debug("moving output", "movie", 3)
	closer.Close()

	data, err := os.ReadFile(filepath.Join(dir, "run.log"))
	if err != nil {
		t.Fatalf("read run log: %v", err)
	}
	if !strings.Contains(string(data), "[DEBUG] moving output [movie=3]") {
		t.Fatalf("run log missing line: %q", data)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
