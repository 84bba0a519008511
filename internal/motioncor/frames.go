package motioncor

import (
	"motioncorr/internal/movies"
	"motioncorr/internal/params"
)

// FramesRange returns the aligned 1-based frame range. A zero last frame
// means the movie's last frame; EER ranges are counted in fractions.
func FramesRange(p *params.Params, n int, isEER bool) (int, int) {
	frame0, frameN := p.AlignFrame0, p.AlignFrameN
	if frame0 < 1 {
		frame0 = 1
	}
	if frameN == 0 || frameN > n {
		frameN = n
	}
	if isEER && p.EERGroup > 0 {
		frameN /= p.EERGroup
	}
	return frame0, frameN
}

// NumberOfFrames is the frame count used to build the command line.
func NumberOfFrames(set *movies.MovieSet) int {
	return params.NumberOfFrames(set)
}

// CorrectedDose returns the pre-exposure and the per-frame dose handed to the
// binary. For a tilt image the acquisition's per-frame dose is the dose of
// the whole tilt and is spread over its n frames.
func CorrectedDose(set *movies.MovieSet, tilt bool, acqOrder, n int) (float64, float64) {
	preExp := set.Acquisition.DoseInitial
	dose := set.Acquisition.DosePerFrame
	if tilt {
		preExp += float64(acqOrder-1) * dose
		if n > 0 {
			return preExp, dose / float64(n)
		}
		return preExp, 0
	}
	firstFrame := set.FramesRange.First
	if firstFrame > 1 {
		preExp += dose * float64(firstFrame-1)
	}
	return preExp, dose
}

// BinFactor is the output binning; EER upsampling divides it.
func BinFactor(p *params.Params, isEER bool) float64 {
	bin := p.BinFactor
	if bin <= 0 {
		bin = 1
	}
	if isEER {
		bin /= float64(p.EERSampling + 1)
	}
	return bin
}

// OutputSamplingRate is the pixel size of the aligned sums.
func OutputSamplingRate(p *params.Params, set *movies.MovieSet) float64 {
	return set.SamplingRate * BinFactor(p, set.IsEER())
}
