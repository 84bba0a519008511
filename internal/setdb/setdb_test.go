package setdb

import (
	"path/filepath"
	"strings"
	"testing"

	"motioncorr/internal/movies"
)

func TestWriteAndAppendMicrographs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "micrographs_dw.sqlite")
	props := SetProperties(1.1, movies.Acquisition{Voltage: 300}, StreamOpen)

	mic := movies.Micrograph{ID: 1, FileName: "extra/mic_000001_DW.mrc", MovieFile: "/data/m1.tif", SamplingRate: 1.1, DoseWeighted: true}
	if err := WriteSet(path, Micrographs, props, []Row{MicrographRow(mic)}); err != nil {
		t.Fatalf("write set: %v", err)
	}
	mic.ID = 2
	mic.FileName = "extra/mic_000002_DW.mrc"
	mic.MovieFile = "/data/m2.tif"
	if err := AppendItems(path, Micrographs, nil, []Row{MicrographRow(mic)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := AppendItems(path, Movies, nil, nil); err == nil {
		t.Fatalf("appending to a set of another kind should fail")
	}
	if err := SetStreamState(path, StreamClosed); err != nil {
		t.Fatalf("close stream: %v", err)
	}

	sf, err := OpenReadOnly(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sf.Close()
	if sf.Kind() != Micrographs {
		t.Fatalf("unexpected kind %q", sf.Kind())
	}
	if n, err := sf.Size(); err != nil || n != 2 {
		t.Fatalf("size %d %v", n, err)
	}
	got, err := sf.Properties()
	if err != nil {
		t.Fatal(err)
	}
	if got["_streamState"] != StreamClosed || got["_samplingRate"] != "1.1" || got["_acquisition._voltage"] != "300" {
		t.Fatalf("unexpected properties %v", got)
	}
	names, err := sf.Values("_micName")
	if err != nil {
		t.Fatal(err)
	}
	if names[1] != "m1" || names[2] != "m2" {
		t.Fatalf("unexpected mic names %v", names)
	}
	if _, err := sf.Values("_nope"); err == nil {
		t.Fatalf("expected unknown column error")
	}
}

func TestMovieRowCarriesAlignment(t *testing.T) {
	m := &movies.Movie{
		ID:          3,
		FileName:    "/data/ts_03.mrc",
		FramesRange: movies.FramesRange{First: 1, Last: 10, Index: 1},
		Alignment:   &movies.Alignment{First: 1, Last: 3, XShifts: []float64{0, 0.5, 1}, YShifts: []float64{0, -0.25, -1}},
		TsID:        "TS_01",
	}
	row := MovieRow(m)
	if len(row.Values) != len(Columns(Movies)) {
		t.Fatalf("row does not match layout: %d values", len(row.Values))
	}
	if row.Values[2] != "1,10,1" || row.Values[8] != "0,0.5,1" || row.Values[9] != "0,-0.25,-1" {
		t.Fatalf("unexpected row %v", row.Values)
	}

	path := filepath.Join(t.TempDir(), "movies.sqlite")
	if err := WriteSet(path, Movies, nil, []Row{row}); err != nil {
		t.Fatalf("write: %v", err)
	}
	bad := Row{ID: 4, Values: []any{"x"}}
	err := AppendItems(path, Movies, nil, []Row{bad})
	if err == nil || !strings.Contains(err.Error(), "want 10") {
		t.Fatalf("expected width error, got %v", err)
	}
}
