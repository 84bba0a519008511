package motioncor

import (
	"fmt"
	"os"
	"path/filepath"
)

// Fixed file names.
const (
	FmIntFileName      = "FmIntFile.txt"
	EERDefectsFileName = "defects_eer.txt"
	BatchOutputPrefix  = "output_"
)

// MovieRoot is the name every output of a movie derives from.
func MovieRoot(id int) string {
	return fmt.Sprintf("mic_%06d", id)
}

// TiltImageRoot names the outputs of one tilt image.
func TiltImageRoot(tsID string, order int) string {
	return fmt.Sprintf("%s_%03d", tsID, order)
}

// Outputs names the files produced for one root.
type Outputs struct {
	Root string
}

func (o Outputs) Mic() string        { return o.Root + ".mrc" }
func (o Outputs) MicDW() string      { return o.Root + "_DW.mrc" }
func (o Outputs) Even() string       { return o.Root + "_EVN.mrc" }
func (o Outputs) Odd() string        { return o.Root + "_ODD.mrc" }
func (o Outputs) Stack() string      { return o.Root + "_Stk.mrc" }
func (o Outputs) Thumbnail() string  { return o.Root + "_thumbnail.png" }
func (o Outputs) PlotGlobal() string { return o.Root + "_global_shifts.png" }
func (o Outputs) PSD() string        { return o.Root + "_psd.png" }
func (o Outputs) ShiftsStar() string { return o.Root + "_shifts.star" }

// Prefixed returns the names the binary writes with -OutMrc <prefix>.
func (o Outputs) Prefixed(prefix string) Outputs {
	return Outputs{Root: prefix + o.Root}
}

// MovieStack is the aligned movie name kept when saving movies.
func MovieStack(id int) string {
	return fmt.Sprintf("movie_%06d.mrc", id)
}

// LogFileName is the full-frame log written by the binary for root.
func LogFileName(root string, usePatches bool, suffix string) string {
	patch := ""
	if usePatches {
		patch = "-Patch"
	}
	return root + suffix + patch + "-Full.log"
}

// LogSuffix is inserted by binaries older than 1.4.7 run with -LogFile.
func LogSuffix(version string) string {
	if VersionGE(version, "1.4.7") {
		return ""
	}
	return "_0"
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ExistingPath returns dir/name when it exists.
func ExistingPath(dir, name string) (string, bool) {
	p := filepath.Join(dir, name)
	return p, fileExists(p)
}
