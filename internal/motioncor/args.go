package motioncor

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"motioncorr/internal/movies"
	"motioncorr/internal/params"
)

// GPUPlaceholder is substituted by each worker with its GPU id.
const GPUPlaceholder = "#"

// Args is an insertion-ordered set of binary flags. Each flag holds one or
// more argv tokens; no shell is involved so values are never quoted.
type Args struct {
	keys  []string
	vals  map[string][]string
	Extra []string
}

// NewArgs returns an empty argument set.
func NewArgs() *Args {
	return &Args{vals: map[string][]string{}}
}

// Set assigns flag, keeping its original position when already present.
func (a *Args) Set(flag string, vals ...string) {
	if _, ok := a.vals[flag]; !ok {
		a.keys = append(a.keys, flag)
	}
	a.vals[flag] = vals
}

// Append adds tokens to an existing flag (or sets it).
func (a *Args) Append(flag string, vals ...string) {
	if _, ok := a.vals[flag]; !ok {
		a.Set(flag, vals...)
		return
	}
	a.vals[flag] = append(a.vals[flag], vals...)
}

// Get returns the tokens of flag.
func (a *Args) Get(flag string) ([]string, bool) {
	v, ok := a.vals[flag]
	return v, ok
}

// Value returns the tokens of flag joined by spaces.
func (a *Args) Value(flag string) string {
	return strings.Join(a.vals[flag], " ")
}

// Del removes flag.
func (a *Args) Del(flag string) {
	if _, ok := a.vals[flag]; !ok {
		return
	}
	delete(a.vals, flag)
	for i, k := range a.keys {
		if k == flag {
			a.keys = append(a.keys[:i], a.keys[i+1:]...)
			break
		}
	}
}

// Flags returns the flags in insertion order.
func (a *Args) Flags() []string {
	return append([]string(nil), a.keys...)
}

// Clone returns an independent copy.
func (a *Args) Clone() *Args {
	c := NewArgs()
	for _, k := range a.keys {
		c.Set(k, append([]string(nil), a.vals[k]...)...)
	}
	c.Extra = append([]string(nil), a.Extra...)
	return c
}

// WithGPU returns a copy with the -Gpu placeholder replaced.
func (a *Args) WithGPU(gpu string) *Args {
	c := a.Clone()
	c.Set("-Gpu", gpu)
	return c
}

// Tokens flattens the flags followed by the extra parameters into argv form.
func (a *Args) Tokens() []string {
	var out []string
	for _, k := range a.keys {
		out = append(out, k)
		out = append(out, a.vals[k]...)
	}
	return append(out, a.Extra...)
}

// String renders the command line for logs, quoting tokens with spaces.
func (a *Args) String() string {
	toks := a.Tokens()
	for i, t := range toks {
		if t == "" || strings.ContainsAny(t, " \t") {
			toks[i] = strconv.Quote(t)
		}
	}
	return strings.Join(toks, " ")
}

// ArgsOptions carries what the common arguments depend on besides the form.
type ArgsOptions struct {
	IsEER      bool
	TiltSeries bool
	AcqOrder   int    // tilt image acquisition order
	ExtraDir   string // where FmIntFile.txt and defects_eer.txt live
}

// BuildArgs prepares the arguments shared by every run mode.
func BuildArgs(p *params.Params, set *movies.MovieSet, opts ArgsOptions) *Args {
	n := params.NumberOfFrames(set)
	frame0, frameN := FramesRange(p, n, opts.IsEER)

	cropDimX := p.CropDimX
	if cropDimX == 0 {
		cropDimX = 1
	}
	cropDimY := p.CropDimY
	if cropDimY == 0 {
		cropDimY = 1
	}
	patchX, patchY := p.PatchX, p.PatchY
	if patchX == 1 {
		patchX = 0
	}
	if patchY == 1 {
		patchY = 0
	}

	a := NewArgs()
	if opts.IsEER {
		a.Set("-Throw", "0")
		a.Set("-Trunc", "0")
	} else {
		a.Set("-Throw", itoa(frame0-1))
		a.Set("-Trunc", itoa(n-frameN))
	}
	a.Set("-Patch", itoa(patchX), itoa(patchY))
	a.Set("-MaskCent", itoa(p.CropOffsetX), itoa(p.CropOffsetY))
	a.Set("-MaskSize", itoa(cropDimX), itoa(cropDimY))
	a.Set("-FtBin", ftoa(p.BinFactor))
	a.Set("-Tol", ftoa(p.Tol))
	a.Set("-PixSize", ftoa(set.SamplingRate))
	a.Set("-kV", ftoa(set.Acquisition.Voltage))
	a.Set("-Cs", "0")
	if p.DoSaveMovie {
		a.Set("-OutStack", "1")
	} else {
		a.Set("-OutStack", "0")
	}
	a.Set("-Gpu", GPUPlaceholder)
	a.Set("-SumRange", "0.0", "0.0")
	a.Set("-LogDir", "./")

	if opts.IsEER {
		a.Set("-EerSampling", itoa(p.EERSampling+1))
		a.Set("-FmIntFile", filepath.Join(opts.ExtraDir, FmIntFileName))
	}

	if p.DoApplyDoseFilter {
		preExp, dose := CorrectedDose(set, opts.TiltSeries, opts.AcqOrder, n)
		if preExp > 0.001 {
			a.Set("-InitDose", ftoa(preExp))
		} else {
			a.Set("-InitDose", "0")
		}
		if !opts.IsEER {
			a.Set("-FmDose", ftoa(dose))
		}
	}

	a.Set("-Group", itoa(p.Group), itoa(p.GroupLocal))

	if p.SplitEvenOdd {
		a.Set("-SplitSum", "1")
	}
	switch {
	case p.DefectFile != "":
		a.Set("-DefectFile", p.DefectFile)
	case p.DefectMap != "":
		a.Set("-DefectMap", p.DefectMap)
	case opts.ExtraDir != "" && fileExists(filepath.Join(opts.ExtraDir, EERDefectsFileName)):
		a.Set("-DefectFile", filepath.Join(opts.ExtraDir, EERDefectsFileName))
	}

	if set.Gain != "" {
		a.Set("-Gain", set.Gain)
		a.Set("-RotGain", itoa(p.GainRot))
		a.Set("-FlipGain", itoa(p.GainFlip))
	}
	if set.Dark != "" {
		a.Set("-Dark", set.Dark)
	}

	if p.PatchOverlap != 0 {
		a.Append("-Patch", itoa(p.PatchOverlap))
	}

	if p.DoMagCor {
		a.Set("-Mag", fmt.Sprintf("%0.3f", p.ScaleMaj), fmt.Sprintf("%0.3f", p.ScaleMin), fmt.Sprintf("%0.3f", p.AngDist))
	}

	a.Extra = strings.Fields(p.ExtraParams)
	return a
}

// InputFlag maps a movie extension to the binary's input flag.
func InputFlag(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".mrc", ".mrcs":
		return "-InMrc", nil
	case ".tif", ".tiff":
		return "-InTiff", nil
	case ".eer":
		return "-InEer", nil
	}
	return "", fmt.Errorf("unsupported movie format %q", ext)
}

// SetInput adds the input flag for path, absolute or as a base name.
func SetInput(a *Args, path string, abs bool) error {
	flag, err := InputFlag(path)
	if err != nil {
		return err
	}
	if abs {
		if p, err := filepath.Abs(path); err == nil {
			path = p
		}
	} else {
		path = filepath.Base(path)
	}
	a.Set(flag, path)
	return nil
}

// BatchArgs builds the command used for every streaming batch: the binary
// reads every movie of the batch folder in serial mode and writes
// output_<name> files next to them.
func BatchArgs(p *params.Params, set *movies.MovieSet, opts ArgsOptions) (*Args, error) {
	first := set.FirstItem()
	if first == nil {
		return nil, movies.ErrNoMovies
	}
	flag, err := InputFlag(first.FileName)
	if err != nil {
		return nil, fmt.Errorf("batch processing: %w", err)
	}
	a := BuildArgs(p, set, opts)
	a.Set("-Gpu", GPUPlaceholder)
	a.Set("-Serial", "1")
	a.Set(flag, "./")
	a.Set("-OutMrc", BatchOutputPrefix)
	return a, nil
}

// SetLogArgs selects the log flag for the binary version: -LogDir for 1.4.7
// and later, -LogFile <root>_ before.
func SetLogArgs(a *Args, version, root string) {
	if VersionGE(version, "1.4.7") {
		a.Set("-LogDir", "./")
		return
	}
	a.Del("-LogDir")
	a.Set("-LogFile", root+"_")
}

func itoa(i int) string { return strconv.Itoa(i) }

// ftoa prints whole numbers with a trailing ".0" like the form values.
func ftoa(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eEn") {
		s += ".0"
	}
	return s
}
