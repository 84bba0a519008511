// Package render draws the preview images attached to aligned micrographs:
// the global shift trajectory, a thumbnail of the sum and its power spectrum.
package render

import (
	"fmt"

	"gonum.org/v1/gonum/stat"
	"gopkg.in/gographics/imagick.v3/imagick"

	"motioncorr/internal/imageio"
)

// ThumbnailScale is the default thumbnail size relative to the micrograph.
const ThumbnailScale = 0.25

// Thumbnail writes a down-scaled, contrast-stretched PNG of the first
// section of an MRC micrograph.
func Thumbnail(mrcPath, out string, scale float64) error {
	data, nx, ny, err := imageio.ReadMRCSection(mrcPath, 0)
	if err != nil {
		return fmt.Errorf("read micrograph: %w", err)
	}
	if scale <= 0 || scale > 1 {
		scale = ThumbnailScale
	}

	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ConstituteImage(uint(nx), uint(ny), "I", imagick.PIXEL_FLOAT, stretch(data)); err != nil {
		return fmt.Errorf("failed to create thumbnail: %v", err)
	}
	w := uint(float64(nx) * scale)
	h := uint(float64(ny) * scale)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	if err := mw.ResizeImage(w, h, imagick.FILTER_LANCZOS); err != nil {
		return fmt.Errorf("failed to resize thumbnail: %v", err)
	}
	return writePNG(mw, out)
}

// stretch maps values to [0, 1] clipping at mean ± 3 standard deviations.
func stretch(data []float32) []float32 {
	vals := make([]float64, len(data))
	for i, v := range data {
		vals[i] = float64(v)
	}
	return stretch64(vals)
}

func stretch64(vals []float64) []float32 {
	mean, std := stat.MeanStdDev(vals, nil)
	lo, hi := mean-3*std, mean+3*std
	out := make([]float32, len(vals))
	if !(hi > lo) {
		return out
	}
	for i, v := range vals {
		n := (v - lo) / (hi - lo)
		switch {
		case n < 0:
			n = 0
		case n > 1:
			n = 1
		}
		out[i] = float32(n)
	}
	return out
}

func writePNG(mw *imagick.MagickWand, out string) error {
	if err := mw.SetImageFormat("PNG"); err != nil {
		return err
	}
	if err := mw.WriteImage(out); err != nil {
		return fmt.Errorf("failed to write %s: %v", out, err)
	}
	return nil
}
