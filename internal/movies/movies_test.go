package movies

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"motioncorr/internal/imageio"
)

func writeMovie(t *testing.T, path string, frames int) {
	t.Helper()
	if err := imageio.WriteMRC(path, 4, 4, frames, 1.0, make([]float32, 16*frames)); err != nil {
		t.Fatalf("write movie: %v", err)
	}
}

func TestLoadAssignsSortedIDs(t *testing.T) {
	dir := t.TempDir()
	writeMovie(t, filepath.Join(dir, "b.mrcs"), 3)
	writeMovie(t, filepath.Join(dir, "a.mrcs"), 3)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	set, err := Load(filepath.Join(dir, "*"), 1.1, Acquisition{Voltage: 300}, "", "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if set.Size() != 2 {
		t.Fatalf("expected 2 movies, got %d", set.Size())
	}
	if first := set.FirstItem(); first.ID != 1 || first.Name() != "a" || first.NumberOfFrames() != 3 {
		t.Fatalf("unexpected first movie %+v", first)
	}
	if set.FramesRange.Last != 3 || set.IsEER() {
		t.Fatalf("unexpected set frames range %+v", set.FramesRange)
	}
}

func TestLoadKeepsBrokenLinks(t *testing.T) {
	dir := t.TempDir()
	if err := os.Symlink(filepath.Join(dir, "gone.tif"), filepath.Join(dir, "m1.tif")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	set, err := Load(filepath.Join(dir, "*.tif"), 1, Acquisition{}, "", "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if set.FirstItem().NumberOfFrames() != 0 {
		t.Fatalf("broken link should have no geometry")
	}
}

func TestLoadNoMovies(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "*.mrc"), 1, Acquisition{}, "", "")
	if !errors.Is(err, ErrNoMovies) {
		t.Fatalf("expected ErrNoMovies, got %v", err)
	}
}

func TestLoadTiltSeries(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"ts1_a.mrc", "ts1_b.mrc", "ts2_a.mrc"} {
		writeMovie(t, filepath.Join(dir, name), 5)
	}
	table := strings.Join([]string{
		"tsId\torder\tangle\tpath",
		"TS_01\t2\t3.0\tts1_b.mrc",
		"TS_01\t1\t0.0\tts1_a.mrc",
		"TS_02\t1\t0.0\t" + filepath.Join(dir, "ts2_a.mrc"),
	}, "\n") + "\n"
	tablePath := filepath.Join(dir, "tilts.tsv")
	if err := os.WriteFile(tablePath, []byte(table), 0o644); err != nil {
		t.Fatal(err)
	}

	series, err := LoadTiltSeries(tablePath)
	if err != nil {
		t.Fatalf("load tilt series: %v", err)
	}
	if len(series) != 2 || series[0].ID != "TS_01" || len(series[0].Items) != 2 {
		t.Fatalf("unexpected series %+v", series)
	}
	first := series[0].Items[0]
	if first.AcquisitionOrder != 1 || first.ID != 1 || first.Name() != "ts1_a" {
		t.Fatalf("tilt images not sorted by order: %+v", first)
	}
	if series[0].Items[1].TiltAngle != 3.0 || series[1].Items[0].ID != 3 {
		t.Fatalf("unexpected numbering %+v", series[1].Items[0])
	}

	set := AsSet(series, 1.0, Acquisition{}, "", "")
	if set.Size() != 3 || set.FramesRange.Last != 5 {
		t.Fatalf("unexpected flattened set %+v", set)
	}
}

func TestLoadTiltSeriesMissingColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.tsv")
	if err := os.WriteFile(path, []byte("tsId\tpath\nTS\tx.mrc\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadTiltSeries(path); err == nil {
		t.Fatalf("expected missing column error")
	}
}
