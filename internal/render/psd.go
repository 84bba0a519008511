package render

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gopkg.in/gographics/imagick.v3/imagick"

	"motioncorr/internal/imageio"
)

// PSDTile is the edge of the square tiles averaged into the spectrum.
const PSDTile = 512

// PowerSpectrum averages the power spectra of non-overlapping tile×tile
// boxes of an nx×ny image. The result is tile×tile with the zero frequency
// moved to the centre.
func PowerSpectrum(data []float32, nx, ny, tile int) ([]float64, error) {
	if tile > nx {
		tile = nx
	}
	if tile > ny {
		tile = ny
	}
	if tile < 2 {
		return nil, fmt.Errorf("image %dx%d too small for a spectrum", nx, ny)
	}
	fft := fourier.NewCmplxFFT(tile)
	sum := make([]float64, tile*tile)
	box := make([]complex128, tile*tile)
	row := make([]complex128, tile)
	col := make([]complex128, tile)
	colOut := make([]complex128, tile)
	tiles := 0

	for y0 := 0; y0+tile <= ny; y0 += tile {
		for x0 := 0; x0+tile <= nx; x0 += tile {
			var mean float64
			for y := 0; y < tile; y++ {
				for x := 0; x < tile; x++ {
					mean += float64(data[(y0+y)*nx+x0+x])
				}
			}
			mean /= float64(tile * tile)
			for y := 0; y < tile; y++ {
				for x := 0; x < tile; x++ {
					box[y*tile+x] = complex(float64(data[(y0+y)*nx+x0+x])-mean, 0)
				}
			}
			for y := 0; y < tile; y++ {
				fft.Coefficients(row, box[y*tile:(y+1)*tile])
				copy(box[y*tile:(y+1)*tile], row)
			}
			for x := 0; x < tile; x++ {
				for y := 0; y < tile; y++ {
					col[y] = box[y*tile+x]
				}
				fft.Coefficients(colOut, col)
				for y := 0; y < tile; y++ {
					c := colOut[y]
					sum[y*tile+x] += real(c)*real(c) + imag(c)*imag(c)
				}
			}
			tiles++
		}
	}

	out := make([]float64, tile*tile)
	half := tile / 2
	for y := 0; y < tile; y++ {
		for x := 0; x < tile; x++ {
			sy := (y + half) % tile
			sx := (x + half) % tile
			out[sy*tile+sx] = sum[y*tile+x] / float64(tiles)
		}
	}
	return out, nil
}

// PSD writes the log power spectrum of an MRC micrograph as a PNG.
func PSD(mrcPath, out string) error {
	data, nx, ny, err := imageio.ReadMRCSection(mrcPath, 0)
	if err != nil {
		return fmt.Errorf("read micrograph: %w", err)
	}
	ps, err := PowerSpectrum(data, nx, ny, PSDTile)
	if err != nil {
		return err
	}
	for i, v := range ps {
		ps[i] = math.Log1p(v)
	}
	tile := int(math.Sqrt(float64(len(ps))))
	// the centre pixel dominates the stretch
	ps[(tile/2)*tile+tile/2] = 0

	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()
	if err := mw.ConstituteImage(uint(tile), uint(tile), "I", imagick.PIXEL_FLOAT, stretch64(ps)); err != nil {
		return fmt.Errorf("failed to create psd image: %v", err)
	}
	return writePNG(mw, out)
}
