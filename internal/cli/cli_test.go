package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"motioncorr/internal/config"
	"motioncorr/internal/imageio"
	"motioncorr/internal/motioncor"
	"motioncorr/internal/movies"
	"motioncorr/internal/params"
	"motioncorr/internal/pipeline"
	"motioncorr/internal/protocol"
	"motioncorr/internal/setdb"
	"motioncorr/internal/storage"
)

func TestRunCommandsBuildParams(t *testing.T) {
	root, fp, _ := newTestRoot(t)
	paramsFile := writeParams(t, `input = "/data/*.tif"
gpu_list = "0"
patch_x = 1
do_apply_dose_filter = true
`)

	cases := []struct {
		name      string
		args      []string
		mode      protocol.Mode
		gpus      string
		batch     int
		streaming bool
	}{
		{"align", []string{"align", "--params", paramsFile, "--gpus", "0 1", "--run", "r-align"}, protocol.ModeMovies, "0 1", 0, false},
		{"stream", []string{"stream", "-p", paramsFile, "--batch-size", "8", "--run", "r-stream"}, protocol.ModeStream, "0", 8, true},
		{"stream once", []string{"stream", "-p", paramsFile, "--once", "--run", "r-once"}, protocol.ModeStream, "0", 0, false},
		{"tilt-series", []string{"tilt-series", "/data/ts.tsv", "--run", "r-tilt"}, protocol.ModeTiltSeries, "0", 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fp.reset()
			output := captureOutput(t, func() {
				if err := execute(root, tc.args...); err != nil {
					t.Fatalf("run failed: %v", err)
				}
			})
			if fp.opts.Mode != tc.mode || !strings.HasPrefix(fp.opts.RunID, "r-") {
				t.Fatalf("unexpected options %+v", fp.opts)
			}
			if fp.params.GPUList != tc.gpus || fp.params.StreamingBatchSize != tc.batch || fp.params.Streaming != tc.streaming {
				t.Fatalf("unexpected params %+v", fp.params)
			}
			if fp.runs != 1 {
				t.Fatalf("expected one run, got %d", fp.runs)
			}
			if tc.mode == protocol.ModeStream && fp.loads != 0 {
				t.Fatalf("streaming runs discover their input")
			}
			if !strings.Contains(output, "Aligned 3 movies using motioncor.") || !strings.Contains(output, "Methods:") {
				t.Fatalf("missing summary in %q", output)
			}
			if _, err := os.Stat(filepath.Join(root.cfg.Paths.ProjectDir, fp.opts.RunID, "run.log")); err != nil {
				t.Fatalf("run log not created: %v", err)
			}
		})
	}
	if fp.params.PatchX != 0 || !fp.params.DoApplyDoseFilter {
		t.Fatalf("params file not applied: %+v", fp.params)
	}
}

func TestRunStopsOnValidationErrors(t *testing.T) {
	root, fp, _ := newTestRoot(t)
	fp.problems = []string{"Invalid gain rotation 7 (0-3)."}

	output := captureOutput(t, func() {
		if err := execute(root, "align", "/data/*.tif"); err == nil {
			t.Fatalf("expected validation error")
		}
	})
	if !strings.Contains(output, "Invalid gain rotation") {
		t.Fatalf("validation message not printed: %q", output)
	}
	if fp.runs != 0 {
		t.Fatalf("run should not start after validation errors")
	}

	if err := execute(root, "align"); err == nil {
		t.Fatalf("expected error without input")
	}
}

func TestRunPropagatesErrors(t *testing.T) {
	root, fp, _ := newTestRoot(t)
	fp.runErr = movies.ErrNoMovies
	err := execute(root, "align", "/data/*.tif")
	if !errors.Is(err, movies.ErrNoMovies) {
		t.Fatalf("expected ErrNoMovies, got %v", err)
	}
}

func TestRunWithServeReportsStatus(t *testing.T) {
	root, fp, _ := newTestRoot(t)
	status := &fakeStatus{}
	root.serveFn = func(ctx context.Context, cfg *config.Config, store *storage.Store, log *slog.Logger) (statusServer, <-chan error) {
		errs := make(chan error, 1)
		go func() {
			<-ctx.Done()
			errs <- nil
		}()
		return status, errs
	}

	captureOutput(t, func() {
		if err := execute(root, "align", "/data/*.tif", "--serve", "--run", "r-serve"); err != nil {
			t.Fatalf("run failed: %v", err)
		}
	})
	if fp.opts.Attach == nil {
		t.Fatalf("pipeline was not attached to the status server")
	}
	if strings.Join(status.events, ",") != "started r-serve,finished r-serve" {
		t.Fatalf("unexpected status events %v", status.events)
	}
}

func TestServeCommandUsesInjectedFunction(t *testing.T) {
	root, _, _ := newTestRoot(t)
	var called bool
	root.serveFn = func(ctx context.Context, cfg *config.Config, store *storage.Store, log *slog.Logger) (statusServer, <-chan error) {
		called = true
		if cfg.Server.Addr != ":9999" || cfg.Server.GRPCAddr != ":9998" {
			t.Fatalf("unexpected addresses %+v", cfg.Server)
		}
		errs := make(chan error, 1)
		errs <- nil
		return &fakeStatus{}, errs
	}
	if err := execute(root, "serve", "--addr", ":9999", "--grpc-addr", ":9998"); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if !called {
		t.Fatalf("serve function was not invoked")
	}
}

func TestParseLogCommand(t *testing.T) {
	root, _, _ := newTestRoot(t)
	dir := t.TempDir()
	log := filepath.Join(dir, "mic_000001-Full.log")
	writeFile(t, log, "# full-frame alignment shift\n# Frame   x Shift   y Shift\n  1  0.00  0.00\n  2  3.00  4.00\n")
	legacy := filepath.Join(dir, "legacy.log")
	writeFile(t, legacy, "...... Frame (  1) shift:  0.0000  0.0000\nShift of Frame #  1:   1.50   -2.00\n")

	output := captureOutput(t, func() {
		if err := execute(root, "parse-log", log, "--pixel-size", "1.0"); err != nil {
			t.Fatalf("parse-log failed: %v", err)
		}
	})
	if !strings.Contains(output, "3.00") || !strings.Contains(output, "Total motion: 5.00 A") {
		t.Fatalf("unexpected output %q", output)
	}

	output = captureOutput(t, func() {
		if err := execute(root, "parse-log", "--legacy", legacy); err != nil {
			t.Fatalf("parse-log --legacy failed: %v", err)
		}
	})
	if !strings.Contains(output, "-2.00") {
		t.Fatalf("unexpected legacy output %q", output)
	}

	empty := filepath.Join(dir, "empty.log")
	writeFile(t, empty, "# nothing\n")
	if err := execute(root, "parse-log", empty); err == nil {
		t.Fatalf("expected error for a log without shifts")
	}
}

func TestEERDefectsCommand(t *testing.T) {
	root, _, _ := newTestRoot(t)
	dir := t.TempDir()
	gain := filepath.Join(dir, "gain.tif")
	xml := `<?xml version="1.0"?><defects><point>3,4</point><col>7</col></defects>`
	if err := imageio.WriteFrameTIFF(gain, 16, 16, 1, map[uint16][]byte{motioncor.EERDefectsTag: []byte(xml)}); err != nil {
		t.Fatal(err)
	}

	output := captureOutput(t, func() {
		if err := execute(root, "eer-defects", gain); err != nil {
			t.Fatalf("eer-defects failed: %v", err)
		}
	})
	if !strings.Contains(output, "3 4 1 1") {
		t.Fatalf("unexpected defects %q", output)
	}

	out := filepath.Join(dir, "defects.txt")
	captureOutput(t, func() {
		if err := execute(root, "eer-defects", gain, "-o", out); err != nil {
			t.Fatalf("eer-defects -o failed: %v", err)
		}
	})
	data, err := os.ReadFile(out)
	if err != nil || !strings.HasPrefix(string(data), "3 4 1 1\n") {
		t.Fatalf("unexpected defects file %q %v", data, err)
	}
}

func TestSummaryAndFailedCommands(t *testing.T) {
	root, _, store := newTestRoot(t)
	p := params.Default()
	p.SamplingRate = 0.8
	p.DoApplyDoseFilter = true
	paramsJSON, _ := json.Marshal(p)
	if err := store.RecordRun(storage.RunRecord{ID: "run-7", Mode: "stream", Status: "finished", ParamsJSON: string(paramsJSON)}); err != nil {
		t.Fatal(err)
	}
	store.RecordMovie(storage.MovieRecord{RunID: "run-7", MovieID: 1, FilePath: "/data/a.tif", Status: storage.MovieDone})
	store.RecordMovie(storage.MovieRecord{RunID: "run-7", MovieID: 2, FilePath: "/data/b.tif", Status: storage.MovieFailed, Error: "no aligned sum produced"})
	store.RecordMicrograph("run-7", movies.Micrograph{MovieID: 1, FileName: "/runs/run-7/extra/mic_000001_DW.mrc", DoseWeighted: true})

	output := captureOutput(t, func() {
		if err := execute(root, "summary", "run-7"); err != nil {
			t.Fatalf("summary failed: %v", err)
		}
	})
	for _, want := range []string{"Aligned 2 movies using motioncor.", "1 movies failed.", "Applied dose filtering"} {
		if !strings.Contains(output, want) {
			t.Fatalf("summary missing %q: %q", want, output)
		}
	}

	export := filepath.Join(t.TempDir(), "movies_failed.sqlite")
	output = captureOutput(t, func() {
		if err := execute(root, "failed", "run-7", "--export", export); err != nil {
			t.Fatalf("failed command: %v", err)
		}
	})
	if !strings.Contains(output, "/data/b.tif") {
		t.Fatalf("failed movie not listed: %q", output)
	}
	sf, err := setdb.OpenReadOnly(export)
	if err != nil {
		t.Fatal(err)
	}
	defer sf.Close()
	if n, _ := sf.Size(); n != 1 {
		t.Fatalf("expected one exported movie, got %d", n)
	}
	props, _ := sf.Properties()
	if props["_streamState"] != setdb.StreamClosed {
		t.Fatalf("unexpected properties %v", props)
	}

	if err := execute(root, "summary", "missing"); err == nil {
		t.Fatalf("expected error for unknown run")
	}
}

func TestToolsCommandUsesManager(t *testing.T) {
	root, _, _ := newTestRoot(t)
	root.toolFactory = func(*config.Config) toolManager {
		return stubToolManager{
			"motioncor":  {Available: true, Version: "MotionCor2 version 1.6.4", Path: "/opt/mc/bin/MotionCor2"},
			"nvidia-smi": {Available: false, Error: errors.New("not found")},
		}
	}
	output := captureOutput(t, func() {
		if err := execute(root, "tools", "-v"); err != nil {
			t.Fatalf("tools failed: %v", err)
		}
	})
	if !strings.Contains(output, "motioncor") || !strings.Contains(output, "1.6.4") || !strings.Contains(output, "not found") {
		t.Fatalf("unexpected tools output %q", output)
	}
}

func TestConfigCommands(t *testing.T) {
	root, _, _ := newTestRoot(t)

	showOut := captureOutput(t, func() {
		if err := execute(root, "config", "show"); err != nil {
			t.Fatalf("config show failed: %v", err)
		}
	})
	if !strings.Contains(showOut, "Current configuration") || !strings.Contains(showOut, root.cfg.Paths.ProjectDir) {
		t.Fatalf("expected configuration output, got %q", showOut)
	}

	bin := t.TempDir()
	createExecutable(t, bin, "MotionCor2")
	root.cfg.Binary.Program = filepath.Join(bin, "MotionCor2")
	validOut := captureOutput(t, func() {
		if err := execute(root, "config", "validate"); err != nil {
			t.Fatalf("config validate failed: %v", err)
		}
	})
	if !strings.Contains(validOut, "valid") {
		t.Fatalf("unexpected validate output %q", validOut)
	}
	root.cfg.Binary.Program = filepath.Join(bin, "missing")
	captureOutput(t, func() {
		if err := execute(root, "config", "validate"); err == nil {
			t.Fatalf("expected error for a missing binary")
		}
	})

	versionOut := captureOutput(t, func() {
		if err := execute(root, "version"); err != nil {
			t.Fatalf("version failed: %v", err)
		}
	})
	if !strings.Contains(versionOut, "motioncorr v1.0.0-dev") || !strings.Contains(versionOut, "Built with Go") {
		t.Fatalf("expected version string, got %q", versionOut)
	}

	citeOut := captureOutput(t, func() {
		if err := execute(root, "cite"); err != nil {
			t.Fatalf("cite failed: %v", err)
		}
	})
	if !strings.Contains(citeOut, "Li2013") || !strings.Contains(citeOut, "Zheng2017") {
		t.Fatalf("missing references in %q", citeOut)
	}
}

// Test helpers

func newTestRoot(t *testing.T) (*Root, *fakeProtocol, *storage.Store) {
	t.Helper()

	t.Setenv("MOTIONCORR_CONFIG", filepath.Join(t.TempDir(), "missing.json"))
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	tmp := t.TempDir()
	cfg.Paths.ProjectDir = filepath.Join(tmp, "projects")
	cfg.Paths.DatabasePath = filepath.Join(tmp, "motioncorr.db")

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	fp := &fakeProtocol{}
	root := &Root{
		cfg:   cfg,
		log:   logger,
		store: store,
		newProtocol: func(cfg *config.Config, p *params.Params, opts protocol.Options) (run, error) {
			fp.params = p
			fp.opts = opts
			return fp, nil
		},
		toolFactory: func(*config.Config) toolManager { return stubToolManager{} },
		serveFn:     defaultServe,
	}

	// stream runs only check the installation
	bin := t.TempDir()
	createExecutable(t, bin, "MotionCor2")
	cfg.Binary.Home = ""
	cfg.Binary.Program = filepath.Join(bin, "MotionCor2")
	return root, fp, store
}

func execute(root *Root, args ...string) error {
	cmd := newRootCmd(root)
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	return cmd.Execute()
}

type fakeProtocol struct {
	params   *params.Params
	opts     protocol.Options
	problems []string
	runErr   error
	loads    int
	runs     int
}

func (f *fakeProtocol) reset() {
	*f = fakeProtocol{problems: f.problems, runErr: f.runErr}
}

func (f *fakeProtocol) Load() error {
	f.loads++
	return nil
}

func (f *fakeProtocol) Validate() []string { return f.problems }

func (f *fakeProtocol) Methods() []string { return f.params.Methods() }

func (f *fakeProtocol) Run(ctx context.Context) (pipeline.Stats, error) {
	f.runs++
	if f.runErr != nil {
		return pipeline.Stats{}, f.runErr
	}
	return pipeline.Stats{Batches: 3, Done: 3}, nil
}

func (f *fakeProtocol) Summary() []string {
	return protocol.Summary(protocol.ModeMovies, 3, storage.RunStats{Movies: 3, Done: 3, Micrographs: 3}, false, false)
}

type fakeStatus struct {
	events []string
}

func (f *fakeStatus) AttachPipeline(*pipeline.Pipeline) {}

func (f *fakeStatus) RunStarted(id string) { f.events = append(f.events, "started "+id) }

func (f *fakeStatus) RunFinished(id string) { f.events = append(f.events, "finished "+id) }

type stubToolManager map[string]motioncor.ToolStatus

func (m stubToolManager) GetToolStatus() map[string]motioncor.ToolStatus { return m }

func writeParams(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "params.toml")
	writeFile(t, path, content)
	return path
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func captureOutput(t *testing.T, fn func()) string {
	t.Helper()
	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	fn()

	_ = w.Close()
	os.Stdout = oldStdout
	var buf bytes.Buffer
	_, _ = io.Copy(&buf, r)
	return buf.String()
}

func createExecutable(t *testing.T, dir, name string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("failed to create stub executable %s: %v", path, err)
	}
}
