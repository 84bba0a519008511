package motioncor

import (
	"os"
	"path/filepath"
	"testing"
)

func writeText(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func sameFloats(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestParseMovieAlignment2(t *testing.T) {
	path := writeText(t, "mic_000001-Patch-Full.log", `# Full-frame alignment shift
# Pixel size: 1.0

      1    0.00    0.00
      2   -1.50    2.25
      3   -2.00    3.00
`)
	xs, ys, err := ParseMovieAlignment2(path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !sameFloats(xs, []float64{0, -1.5, -2}) || !sameFloats(ys, []float64{0, 2.25, 3}) {
		t.Fatalf("unexpected shifts %v %v", xs, ys)
	}

	if _, _, err := ParseMovieAlignment2(filepath.Join(t.TempDir(), "missing.log")); err == nil {
		t.Fatalf("expected error for missing log")
	}
	bad := writeText(t, "bad.log", "1 0.0\n")
	if _, _, err := ParseMovieAlignment2(bad); err == nil {
		t.Fatalf("expected error for short row")
	}
}

func TestParseMovieAlignmentLegacy(t *testing.T) {
	path := writeText(t, "legacy.log", `Sum Frame #000 - #006
......Shift of Frame #000 :     0.0000     0.0000
......Shift of Frame #001 :    -0.5000     1.2500
Final shift (Average 0.3 pix):
......Add Frame #002 with xy shift:    -1.0000     2.0000
`)
	xs, ys, err := ParseMovieAlignment(path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !sameFloats(xs, []float64{0, -0.5, -1}) || !sameFloats(ys, []float64{0, 1.25, 2}) {
		t.Fatalf("unexpected shifts %v %v", xs, ys)
	}
}

const magReport = "Mag distortion estimate\n" +
	"      The following distortion parameters were found :-\n" +
	"      Distortion Angle = 35.50 degrees\n" +
	"      \x1b[1mMajor Scale = 1.020\x1b[0m\n" +
	"      Minor Scale = 0.980\n" +
	"\n" +
	"Stretch only parameters would be as follows :-\n" +
	"      Distortion Angle = 35.70 degrees\n" +
	"      Major Scale = 1.010\n" +
	"      Minor Scale = 0.990\n" +
	"      Corrected Pixel Size = 1.234 Angstroms\n" +
	"\n" +
	"      The Total Distortion = 2.5 %\n"

func TestParseMagReports(t *testing.T) {
	path := writeText(t, "mag.log", magReport)

	est, err := ParseMagEstOutput(path)
	if err != nil {
		t.Fatalf("parse est: %v", err)
	}
	if !sameFloats(est, []float64{35.5, 1.02, 0.98, 1.234, 2.5}) {
		t.Fatalf("unexpected estimate %v", est)
	}

	corr, err := ParseMagCorrInput(path)
	if err != nil {
		t.Fatalf("parse corr: %v", err)
	}
	if !sameFloats(corr, []float64{35.7, 1.01, 0.99, 1.234}) {
		t.Fatalf("unexpected correction input %v", corr)
	}

	none, err := ParseMagEstOutput(filepath.Join(t.TempDir(), "none.log"))
	if err != nil || len(none) != 0 {
		t.Fatalf("missing report should yield nothing, got %v %v", none, err)
	}
}
