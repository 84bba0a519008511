// Package params holds the per-run motion correction parameters, read from a
// TOML file over the defaults.
package params

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"motioncorr/internal/imageio"
	"motioncorr/internal/movies"
)

// Gain reference rotation (counter-clockwise) and flip choices.
const (
	NoRotation = 0
	Rot90      = 1
	Rot180     = 2
	Rot270     = 3

	NoFlip         = 0
	FlipUpsideDown = 1
	FlipLeftRight  = 2
)

// EER upsampling choices: 1x, 2x and 4x.
var EERSamplingChoices = []string{"1x", "2x", "4x"}

// Params mirrors the motion correction form.
type Params struct {
	Input   string `toml:"input"`
	GPUList string `toml:"gpu_list"`

	AlignFrame0 int     `toml:"align_frame0"`
	AlignFrameN int     `toml:"align_frame_n"`
	BinFactor   float64 `toml:"bin_factor"`
	CropOffsetX int     `toml:"crop_offset_x"`
	CropOffsetY int     `toml:"crop_offset_y"`
	CropDimX    int     `toml:"crop_dim_x"`
	CropDimY    int     `toml:"crop_dim_y"`

	DoSaveMovie         bool    `toml:"do_save_movie"`
	DoApplyDoseFilter   bool    `toml:"do_apply_dose_filter"`
	DoSaveUnweightedMic bool    `toml:"do_save_unweighted_mic"`
	PatchX              int     `toml:"patch_x"`
	PatchY              int     `toml:"patch_y"`
	PatchOverlap        int     `toml:"patch_overlap"`
	Group               int     `toml:"group"`
	GroupLocal          int     `toml:"group_local"`
	Tol                 float64 `toml:"tol"`
	SplitEvenOdd        bool    `toml:"split_even_odd"`
	ExtraParams         string  `toml:"extra_params"`

	GainRot    int    `toml:"gain_rot"`
	GainFlip   int    `toml:"gain_flip"`
	DefectFile string `toml:"defect_file"`
	DefectMap  string `toml:"defect_map"`

	EERGroup    int `toml:"eer_group"`
	EERSampling int `toml:"eer_sampling"`

	DoMagCor bool    `toml:"do_mag_cor"`
	ScaleMaj float64 `toml:"scale_maj"`
	ScaleMin float64 `toml:"scale_min"`
	AngDist  float64 `toml:"ang_dist"`

	DoComputePSD          bool `toml:"do_compute_psd"`
	DoComputeMicThumbnail bool `toml:"do_compute_mic_thumbnail"`
	StreamingBatchSize    int  `toml:"streaming_batch_size"`
	Streaming             bool `toml:"streaming"`

	SamplingRate float64            `toml:"sampling_rate"`
	Acquisition  movies.Acquisition `toml:"acquisition"`
	Gain         string             `toml:"gain"`
	Dark         string             `toml:"dark"`
	Optics       Optics             `toml:"optics"`
}

// Optics describes the optics group assigned to outputs.
type Optics struct {
	Name    string `toml:"name"`
	Number  int    `toml:"number"`
	MTFFile string `toml:"mtf_file"`
}

// Default returns the form defaults.
func Default() *Params {
	return &Params{
		GPUList:             "0",
		AlignFrame0:         1,
		AlignFrameN:         0,
		BinFactor:           1.0,
		DoApplyDoseFilter:   true,
		DoSaveUnweightedMic: true,
		PatchX:              5,
		PatchY:              5,
		Group:               1,
		GroupLocal:          4,
		Tol:                 0.2,
		GainRot:             NoRotation,
		GainFlip:            NoFlip,
		EERGroup:            32,
		ScaleMaj:            1.0,
		ScaleMin:            1.0,
		Acquisition:         movies.Acquisition{AmplitudeContrast: 0.1},
		Optics:              Optics{Name: "opticsGroup1", Number: 1},
	}
}

// Load reads a TOML parameter file over the defaults.
func Load(path string) (*Params, error) {
	p := Default()
	cont, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read params: %w", err)
	}
	if err := toml.Unmarshal(cont, p); err != nil {
		return nil, fmt.Errorf("parse params %s: %w", path, err)
	}
	p.Normalize()
	return p, nil
}

// Normalize applies the binary's conventions: a single patch means no patches.
func (p *Params) Normalize() {
	if p.PatchX == 1 {
		p.PatchX = 0
	}
	if p.PatchY == 1 {
		p.PatchY = 0
	}
}

// UsePatches reports whether local alignment log names are produced.
func (p *Params) UsePatches() bool {
	return p.PatchX != 0 || p.PatchY != 0
}

// GPUs returns the GPU ids to use.
func (p *Params) GPUs() []string {
	return strings.Fields(p.GPUList)
}

// SaveUnweighted reports whether the non dose-weighted sum is kept.
func (p *Params) SaveUnweighted() bool {
	return !p.DoApplyDoseFilter || p.DoSaveUnweightedMic
}

// Validate checks the parameters against the input set and returns
// human-readable errors.
func (p *Params) Validate(set *movies.MovieSet) []string {
	var errs []string
	if p.GainRot < NoRotation || p.GainRot > Rot270 {
		errs = append(errs, fmt.Sprintf("Invalid gain rotation %d (0-3).", p.GainRot))
	}
	if p.GainFlip < NoFlip || p.GainFlip > FlipLeftRight {
		errs = append(errs, fmt.Sprintf("Invalid gain flip %d (0-2).", p.GainFlip))
	}
	if p.EERSampling < 0 || p.EERSampling >= len(EERSamplingChoices) {
		errs = append(errs, fmt.Sprintf("Invalid EER sampling %d (0-2).", p.EERSampling))
	}
	if p.EERGroup < 1 {
		errs = append(errs, "EER fractionation must be positive.")
	}
	if len(p.GPUs()) == 0 {
		errs = append(errs, "No GPU ids given.")
	}

	first := set.FirstItem()
	if first == nil {
		return append(errs, "No input movies.")
	}
	if _, err := os.Stat(first.FileName); err != nil {
		errs = append(errs, "The input movie files do not exist!!! "+
			"Since usually input movie files are symbolic links, "+
			"please check that links are not broken if you "+
			"moved the project folder. ")
	}

	lastFrame := NumberOfFrames(set)
	if set.IsEER() {
		if p.AlignFrame0 != 1 || (p.AlignFrameN != 0 && p.AlignFrameN != lastFrame) {
			errs = append(errs, fmt.Sprintf("For EER data please set frame range "+
				"from 1 to 0 (or 1 to %d).", lastFrame))
		}
	}

	frameN := p.AlignFrameN
	if frameN == 0 {
		frameN = lastFrame
	}
	msg := fmt.Sprintf("Frames range must be within 1 - %d", lastFrame)
	switch {
	case !(1 <= p.AlignFrame0 && p.AlignFrame0 < lastFrame):
		errs = append(errs, msg)
	case !(frameN <= lastFrame):
		errs = append(errs, msg)
	case !(p.AlignFrame0 < frameN):
		errs = append(errs, msg)
	}

	if p.DoApplyDoseFilter {
		if set.Acquisition.DosePerFrame < 0.00001 {
			errs = append(errs, "Input movies do not contain the dose information, "+
				"dose-weighting can not be performed.")
		}
	}

	if set.Gain != "" && !strings.HasSuffix(strings.ToLower(set.Gain), ".dm4") {
		if _, err := os.Stat(set.Gain); err == nil {
			gx, gy, _, gerr := imageio.Dimensions(set.Gain)
			mx, my, _, merr := imageio.Dimensions(first.FileName)
			switch {
			case gerr != nil:
				errs = append(errs, fmt.Sprintf("Cannot read gain image: %v", gerr))
			case merr == nil && !sameSorted(gx, gy, mx, my):
				errs = append(errs, fmt.Sprintf("Gain image dimensions (%d x %d) "+
					"do not match the movies (%d x %d)!", gx, gy, mx, my))
			}
		}
	}
	return errs
}

// Methods describes what was applied, one line per feature.
func (p *Params) Methods() []string {
	var methods []string
	if p.DoApplyDoseFilter {
		methods = append(methods, " - Applied dose filtering")
	}
	if p.PatchX > 1 && p.PatchY > 1 {
		methods = append(methods, " - Used patch-based alignment")
	}
	if p.Group > 1 {
		methods = append(methods, fmt.Sprintf(" - Grouped %d frames", p.Group))
	}
	return methods
}

// NumberOfFrames returns the set's last frame, or the first movie's depth
// when the set has no frames range.
func NumberOfFrames(set *movies.MovieSet) int {
	if set.FramesRange.Last > 0 {
		return set.FramesRange.Last
	}
	if first := set.FirstItem(); first != nil {
		return first.NumberOfFrames()
	}
	return 0
}

func sameSorted(a, b, c, d int) bool {
	x := []int{a, b}
	y := []int{c, d}
	sort.Ints(x)
	sort.Ints(y)
	return x[0] == y[0] && x[1] == y[1]
}
