package motioncor

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"motioncorr/internal/config"
	"motioncorr/internal/imageio"
	"motioncorr/internal/movies"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("failed to create stub executable %s: %v", path, err)
	}
	return path
}

func TestVersions(t *testing.T) {
	cases := []struct {
		active, version string
		want            bool
	}{
		{"1.6.4", "1.4.7", true},
		{"1.4.7", "1.4.7", true},
		{"1.4.5", "1.4.7", false},
		{"", "1.4.7", true},
		{"01302017", "1.0.0", false},
		{"1.0.0", "01302017", true},
		{"1.5", "1.4.7", true},
		{"2.0", "1.4.7", true},
		{"1.4.7", "1.10", false},
		{"1.10", "1.4.7", true},
		{"1.4", "1.4.0", true},
	}
	for _, tc := range cases {
		if got := VersionGE(tc.active, tc.version); got != tc.want {
			t.Errorf("VersionGE(%q, %q) = %v", tc.active, tc.version, got)
		}
	}

	home := filepath.Join(t.TempDir(), "motioncor2-1.6.4")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatal(err)
	}
	if v := ActiveVersion(config.Binary{Home: home}); v != "1.6.4" {
		t.Fatalf("unexpected detected version %q", v)
	}
	if v := ActiveVersion(config.Binary{Home: home, Version: "1.5.0"}); v != "1.5.0" {
		t.Fatalf("explicit version must win, got %q", v)
	}
	if LogSuffix("1.4.0") != "_0" || LogSuffix("1.4.7") != "" || LogSuffix("1.5") != "" {
		t.Fatalf("unexpected log suffixes")
	}
	if got := LogFileName("mic_000002", true, ""); got != "mic_000002-Patch-Full.log" {
		t.Fatalf("unexpected log name %q", got)
	}
}

func TestEnvironAndProgram(t *testing.T) {
	home := t.TempDir()
	bin := filepath.Join(home, "bin")
	if err := os.MkdirAll(bin, 0o755); err != nil {
		t.Fatal(err)
	}
	writeScript(t, bin, "MotionCor2", "exit 0\n")
	t.Setenv("PATH", "/usr/bin:/bin")
	t.Setenv("LD_LIBRARY_PATH", "")

	cfg := config.Binary{Home: home, Program: "MotionCor2", CudaLib: "/usr/local/cuda/lib64"}
	env := strings.Join(Environ(cfg), "\n")
	if !strings.Contains(env, "PATH="+bin+":/usr/bin:/bin") {
		t.Fatalf("bin folder not prepended to PATH")
	}
	if !strings.Contains(env, "LD_LIBRARY_PATH=/usr/local/cuda/lib64\n") && !strings.HasSuffix(env, "LD_LIBRARY_PATH=/usr/local/cuda/lib64") {
		t.Fatalf("cuda lib not set: %s", env)
	}

	path, err := Program(cfg)
	if err != nil || path != filepath.Join(bin, "MotionCor2") {
		t.Fatalf("unexpected program %q %v", path, err)
	}
	if errs := ValidateInstallation(cfg); len(errs) != 0 {
		t.Fatalf("unexpected install errors %v", errs)
	}
	errs := ValidateInstallation(config.Binary{Home: filepath.Join(home, "nope"), Program: "NoSuchMotionCor"})
	if len(errs) != 3 || errs[0] != "Missing variables:" {
		t.Fatalf("unexpected install errors %v", errs)
	}
}

func TestRunnerRun(t *testing.T) {
	dir := t.TempDir()
	prog := writeScript(t, dir, "fake-mc", `echo "args: $@"
touch output_mic_000001.mrc
`)
	work := t.TempDir()
	logPath := filepath.Join(dir, "run.log")

	a := NewArgs()
	a.Set("-Gpu", "0")
	a.Set("-OutMrc", "output_")
	r := NewRunner(prog, nil, nil)
	if err := r.Run(context.Background(), a, work, logPath); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(work, "output_mic_000001.mrc")); err != nil {
		t.Fatalf("binary did not run in the work dir: %v", err)
	}
	data, _ := os.ReadFile(logPath)
	if !strings.Contains(string(data), "args: -Gpu 0 -OutMrc output_") {
		t.Fatalf("unexpected log %q", data)
	}

	failing := writeScript(t, dir, "failing-mc", "exit 3\n")
	if err := NewRunner(failing, nil, nil).Run(context.Background(), a, work, ""); err == nil {
		t.Fatalf("expected failure")
	}
}

func TestToolManager(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "MotionCor2", "echo 'MotionCor2 version 1.6.4'\n")
	writeScript(t, dir, "dm2mrc", ": > \"$2\"\n")
	t.Setenv("PATH", dir)

	cfg := &config.Config{}
	cfg.Binary.Program = "MotionCor2"
	cfg.Tools.GainConverter = "dm2mrc"
	tm := NewToolManager(cfg)

	status := tm.CheckTool("motioncor")
	if !status.Available || status.Version != "MotionCor2 version 1.6.4" {
		t.Fatalf("unexpected motioncor status %+v", status)
	}
	if s := tm.GetToolStatus()["nvidia-smi"]; s.Available {
		t.Fatalf("nvidia-smi should be missing")
	}

	in := filepath.Join(dir, "gain.dm4")
	out := filepath.Join(dir, "gain.mrc")
	if err := os.WriteFile(in, []byte("gain"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := tm.ConvertReference(context.Background(), in, out); err != nil {
		t.Fatalf("convert: %v", err)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("converted reference missing: %v", err)
	}
}

func TestEERDefects(t *testing.T) {
	dir := t.TempDir()
	gain := filepath.Join(dir, "gain.gain")
	xml := `<?xml version="1.0"?><defects><point>1,2</point><area>10,20,14,29</area><col>100-101</col><row>7</row></defects>`
	if err := imageio.WriteFrameTIFF(gain, 200, 100, 1, map[uint16][]byte{EERDefectsTag: []byte(xml)}); err != nil {
		t.Fatal(err)
	}
	defects, err := ParseEERDefects(gain)
	if err != nil {
		t.Fatalf("parse defects: %v", err)
	}
	want := []Defect{{1, 2, 1, 1}, {10, 20, 5, 10}, {100, 0, 2, 100}, {0, 7, 200, 1}}
	if len(defects) != len(want) {
		t.Fatalf("unexpected defects %v", defects)
	}
	for i := range want {
		if defects[i] != want[i] {
			t.Fatalf("defect %d = %v, want %v", i, defects[i], want[i])
		}
	}

	out := filepath.Join(dir, EERDefectsFileName)
	if err := WriteDefectsFile(out, defects); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(out)
	if !strings.HasPrefix(string(data), "1 2 1 1\n10 20 5 10\n") {
		t.Fatalf("unexpected defects file %q", data)
	}

	plain := filepath.Join(dir, "plain.gain")
	if err := imageio.WriteFrameTIFF(plain, 8, 8, 1, nil); err != nil {
		t.Fatal(err)
	}
	if d, err := ParseEERDefects(plain); err != nil || d != nil {
		t.Fatalf("gain without defects: %v %v", d, err)
	}

	fmInt := filepath.Join(dir, FmIntFileName)
	if err := WriteFmIntFile(fmInt, 1000, 32, 0.05); err != nil {
		t.Fatal(err)
	}
	if data, _ := os.ReadFile(fmInt); string(data) != "1000 32 0.05" {
		t.Fatalf("unexpected FmIntFile %q", data)
	}
}

func TestCalcFrameMotion(t *testing.T) {
	xs := []float64{0, 3, 3, 3, 3, 3}
	ys := []float64{0, 4, 4, 4, 4, 8}
	m := CalcFrameMotion(xs, ys, 2)
	if math.Abs(m.Total-18) > 1e-9 || math.Abs(m.Early-10) > 1e-9 || math.Abs(m.Late-8) > 1e-9 {
		t.Fatalf("unexpected motion %+v", m)
	}
	if (CalcFrameMotion([]float64{1}, []float64{1}, 1) != FrameMotion{}) {
		t.Fatalf("a single frame has no motion")
	}
}

func TestWriteShiftsStarPadsRange(t *testing.T) {
	movie := &movies.Movie{
		ID:       4,
		FileName: "movie.mrcs",
		Alignment: &movies.Alignment{
			First: 2, Last: 4,
			XShifts: []float64{1, 2, 3},
			YShifts: []float64{-1, -2, -3},
		},
	}
	path := filepath.Join(t.TempDir(), "shifts.star")
	if err := WriteShiftsStar(path, movie, 1, 5); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, _ := os.ReadFile(path)
	var rows []string
	for _, line := range strings.Split(string(data), "\n") {
		if strings.Contains(line, "@movie.mrcs") {
			rows = append(rows, line)
		}
	}
	want := []string{
		"000001@movie.mrcs 1 0.000000 0.000000",
		"000002@movie.mrcs 2 1.000000 -1.000000",
		"000003@movie.mrcs 3 2.000000 -2.000000",
		"000004@movie.mrcs 4 3.000000 -3.000000",
		"000005@movie.mrcs 5 0.000000 0.000000",
	}
	if strings.Join(rows, "\n") != strings.Join(want, "\n") {
		t.Fatalf("unexpected rows:\n%s", strings.Join(rows, "\n"))
	}

	if err := WriteShiftsStar(path, &movies.Movie{ID: 1}, 1, 2); err == nil {
		t.Fatalf("expected error without alignment")
	}
}

func TestCorrectedDose(t *testing.T) {
	set := &movies.MovieSet{
		Acquisition: movies.Acquisition{DoseInitial: 1, DosePerFrame: 2},
		FramesRange: movies.FramesRange{First: 3, Last: 40},
	}
	pre, dose := CorrectedDose(set, false, 0, 40)
	if pre != 5 || dose != 2 {
		t.Fatalf("single particle: got pre=%g dose=%g, want 5 and 2", pre, dose)
	}

	set.Acquisition.DosePerFrame = 3
	pre, dose = CorrectedDose(set, true, 4, 10)
	if pre != 10 || math.Abs(dose-0.3) > 1e-9 {
		t.Fatalf("tilt image: got pre=%g dose=%g, want 10 and 0.3", pre, dose)
	}
}
