package motioncor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"motioncorr/internal/movies"
	"motioncorr/internal/params"
)

func mrcSet(frames int) *movies.MovieSet {
	return &movies.MovieSet{
		Movies: []*movies.Movie{{
			ID:          1,
			FileName:    "/data/movie_001.mrc",
			Dims:        [3]int{4096, 4096, frames},
			FramesRange: movies.FramesRange{First: 1, Last: frames, Index: 1},
		}},
		SamplingRate: 1.0,
		Acquisition:  movies.Acquisition{Voltage: 300, DosePerFrame: 1.2},
		FramesRange:  movies.FramesRange{First: 1, Last: frames, Index: 1},
	}
}

func TestBuildArgsSingleParticle(t *testing.T) {
	p := params.Default()
	p.AlignFrame0 = 2
	p.AlignFrameN = 9

	got := BuildArgs(p, mrcSet(10), ArgsOptions{}).String()
	want := "-Throw 1 -Trunc 1 -Patch 5 5 -MaskCent 0 0 -MaskSize 1 1 -FtBin 1.0 " +
		"-Tol 0.2 -PixSize 1.0 -kV 300.0 -Cs 0 -OutStack 0 -Gpu # -SumRange 0.0 0.0 " +
		"-LogDir ./ -InitDose 0 -FmDose 1.2 -Group 1 4"
	if got != want {
		t.Fatalf("unexpected args\n got: %s\nwant: %s", got, want)
	}
}

func TestBuildArgsOptionalFlags(t *testing.T) {
	p := params.Default()
	p.PatchX, p.PatchY = 1, 1
	p.PatchOverlap = 20
	p.SplitEvenOdd = true
	p.DoSaveMovie = true
	p.DoMagCor = true
	p.ScaleMaj, p.ScaleMin, p.AngDist = 1.02, 0.98, 35.5
	p.DefectMap = "/refs/defects.tif"
	p.ExtraParams = " -FmRef 0  -Iter 7"

	set := mrcSet(10)
	set.Gain = "/refs/my gain.mrc"
	set.Dark = "/refs/dark.mrc"
	set.Acquisition.DoseInitial = 0.5
	set.Acquisition.DosePerFrame = 1.5
	set.FramesRange.First = 3

	a := BuildArgs(p, set, ArgsOptions{})
	checks := map[string]string{
		"-Patch":     "0 0 20",
		"-SplitSum":  "1",
		"-OutStack":  "1",
		"-Mag":       "1.020 0.980 35.500",
		"-DefectMap": "/refs/defects.tif",
		"-Gain":      "/refs/my gain.mrc",
		"-RotGain":   "0",
		"-FlipGain":  "0",
		"-Dark":      "/refs/dark.mrc",
		"-InitDose":  "3.5",
	}
	for flag, want := range checks {
		if got := a.Value(flag); got != want {
			t.Errorf("%s = %q, want %q", flag, got, want)
		}
	}
	toks := a.Tokens()
	if tail := strings.Join(toks[len(toks)-4:], " "); tail != "-FmRef 0 -Iter 7" {
		t.Fatalf("extra params must come last, got %q", tail)
	}
	if !strings.Contains(a.String(), `-Gain "/refs/my gain.mrc"`) {
		t.Fatalf("paths with spaces should be quoted in logs: %s", a.String())
	}
}

func TestBuildArgsEER(t *testing.T) {
	extra := t.TempDir()
	if err := os.WriteFile(filepath.Join(extra, EERDefectsFileName), []byte("1 2 1 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	set := mrcSet(1000)
	set.Movies[0].FileName = "/data/movie_001.eer"
	p := params.Default()
	p.EERSampling = 1

	a := BuildArgs(p, set, ArgsOptions{IsEER: true, ExtraDir: extra})
	if a.Value("-Throw") != "0" || a.Value("-Trunc") != "0" {
		t.Fatalf("EER movies are never trimmed: %s", a)
	}
	if a.Value("-EerSampling") != "2" {
		t.Fatalf("unexpected sampling %q", a.Value("-EerSampling"))
	}
	if a.Value("-FmIntFile") != filepath.Join(extra, FmIntFileName) {
		t.Fatalf("unexpected FmIntFile %q", a.Value("-FmIntFile"))
	}
	if _, ok := a.Get("-FmDose"); ok {
		t.Fatalf("EER dose comes from the FmIntFile")
	}
	if a.Value("-DefectFile") != filepath.Join(extra, EERDefectsFileName) {
		t.Fatalf("generated defects not used: %s", a)
	}

	p.DefectFile = "/refs/user_defects.txt"
	if got := BuildArgs(p, set, ArgsOptions{IsEER: true, ExtraDir: extra}).Value("-DefectFile"); got != p.DefectFile {
		t.Fatalf("user defect file must win, got %q", got)
	}
}

func TestBuildArgsTiltImageDose(t *testing.T) {
	set := mrcSet(10)
	set.Acquisition.DoseInitial = 1
	set.Acquisition.DosePerFrame = 3

	a := BuildArgs(params.Default(), set, ArgsOptions{TiltSeries: true, AcqOrder: 3})
	if a.Value("-InitDose") != "7.0" || a.Value("-FmDose") != "0.3" {
		t.Fatalf("unexpected tilt dose %q %q", a.Value("-InitDose"), a.Value("-FmDose"))
	}

	// order 0 is still a tilt image: the tilt dose is spread over its frames
	a = BuildArgs(params.Default(), set, ArgsOptions{TiltSeries: true, AcqOrder: 0})
	if a.Value("-InitDose") != "0" || a.Value("-FmDose") != "0.3" {
		t.Fatalf("unexpected dose for order 0: %q %q", a.Value("-InitDose"), a.Value("-FmDose"))
	}

	a = BuildArgs(params.Default(), set, ArgsOptions{})
	if a.Value("-InitDose") != "1.0" || a.Value("-FmDose") != "3.0" {
		t.Fatalf("unexpected single-particle dose %q %q", a.Value("-InitDose"), a.Value("-FmDose"))
	}
}

func TestBatchArgs(t *testing.T) {
	p := params.Default()
	p.ExtraParams = "-FmRef 0"
	a, err := BatchArgs(p, mrcSet(10), ArgsOptions{})
	if err != nil {
		t.Fatalf("batch args: %v", err)
	}
	for flag, want := range map[string]string{"-Serial": "1", "-InMrc": "./", "-OutMrc": "output_", "-Gpu": "#"} {
		if a.Value(flag) != want {
			t.Errorf("%s = %q, want %q", flag, a.Value(flag), want)
		}
	}
	if got := a.WithGPU("3").Value("-Gpu"); got != "3" {
		t.Fatalf("gpu not substituted: %q", got)
	}
	if a.Value("-Gpu") != "#" {
		t.Fatalf("WithGPU must not modify the template")
	}

	set := mrcSet(10)
	set.Movies[0].FileName = "/data/m.dm4"
	if _, err := BatchArgs(p, set, ArgsOptions{}); err == nil {
		t.Fatalf("expected unsupported format error")
	}
}

func TestSetInputAndLogArgs(t *testing.T) {
	a := NewArgs()
	if err := SetInput(a, "/data/x/m1.tiff", false); err != nil {
		t.Fatal(err)
	}
	if a.Value("-InTiff") != "m1.tiff" {
		t.Fatalf("unexpected input %q", a.Value("-InTiff"))
	}
	if err := SetInput(a, "m1.gif", true); err == nil {
		t.Fatalf("expected error for unsupported input")
	}

	a.Set("-LogDir", "./")
	SetLogArgs(a, "1.4.5", "mic_000001")
	if _, ok := a.Get("-LogDir"); ok || a.Value("-LogFile") != "mic_000001_" {
		t.Fatalf("old binaries use -LogFile: %s", a)
	}
	SetLogArgs(a, "1.6.4", "mic_000001")
	if a.Value("-LogDir") != "./" {
		t.Fatalf("new binaries use -LogDir: %s", a)
	}
}

func TestArgsOrderAndDelete(t *testing.T) {
	a := NewArgs()
	a.Set("-A", "1")
	a.Set("-B", "2")
	a.Set("-A", "3")
	a.Del("-B")
	a.Del("-missing")
	if got := strings.Join(a.Tokens(), " "); got != "-A 3" {
		t.Fatalf("unexpected tokens %q", got)
	}
	if flags := a.Flags(); len(flags) != 1 || flags[0] != "-A" {
		t.Fatalf("unexpected flags %v", flags)
	}
}

func TestFramesAndBinning(t *testing.T) {
	p := params.Default()
	if f0, fN := FramesRange(p, 40, false); f0 != 1 || fN != 40 {
		t.Fatalf("unexpected range %d-%d", f0, fN)
	}
	if _, fN := FramesRange(p, 1000, true); fN != 31 {
		t.Fatalf("EER range counts fractions, got %d", fN)
	}
	p.BinFactor = 2
	p.EERSampling = 1
	if BinFactor(p, false) != 2 || BinFactor(p, true) != 1 {
		t.Fatalf("unexpected bin factors")
	}
}
