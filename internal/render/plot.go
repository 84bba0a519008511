package render

import (
	"fmt"
	"math"
	"strconv"

	"gonum.org/v1/gonum/floats"
	"gopkg.in/gographics/imagick.v3/imagick"
)

const (
	plotWidth  = 600
	plotHeight = 400
	plotMargin = 60
	plotTicks  = 5
)

// LabelledFrames returns the indexes of the points that get a frame number:
// every ceil(n/10)-th point starting with the first.
func LabelledFrames(n int) []int {
	if n == 0 {
		return nil
	}
	skip := int(math.Ceil(float64(n) / 10.0))
	var idx []int
	for i := 0; i < n; i += skip {
		idx = append(idx, i)
	}
	return idx
}

// axis maps data values onto a pixel range.
type axis struct {
	min, max   float64
	pix0, pix1 float64
}

func newAxis(vals []float64, pix0, pix1 float64) axis {
	lo, hi := floats.Min(vals), floats.Max(vals)
	if hi-lo < 1e-6 {
		lo, hi = lo-1, hi+1
	}
	pad := (hi - lo) * 0.05
	return axis{min: lo - pad, max: hi + pad, pix0: pix0, pix1: pix1}
}

func (a axis) at(v float64) float64 {
	return a.pix0 + (v-a.min)/(a.max-a.min)*(a.pix1-a.pix0)
}

func (a axis) tick(i int) float64 {
	return a.min + float64(i)*(a.max-a.min)/float64(plotTicks-1)
}

// GlobalShiftPlot draws the shift trajectory of a movie: shifts in pixels on
// the bottom/left axes and in Å on the top/right axes, the first frame in
// red and frame numbers starting at first.
func GlobalShiftPlot(xs, ys []float64, first int, pixSize float64, out string) error {
	n := len(xs)
	if len(ys) < n {
		n = len(ys)
	}
	if n == 0 {
		return fmt.Errorf("no shifts to plot")
	}
	xs, ys = xs[:n], ys[:n]

	left, right := float64(plotMargin), float64(plotWidth-plotMargin)
	top, bottom := float64(plotMargin), float64(plotHeight-plotMargin)
	ax := newAxis(xs, left, right)
	ay := newAxis(ys, bottom, top)

	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()
	dw := imagick.NewDrawingWand()
	defer dw.Destroy()

	white := color("white")
	defer white.Destroy()
	black := color("black")
	defer black.Destroy()
	grey := color("#d0d0d0")
	defer grey.Destroy()
	blue := color("blue")
	defer blue.Destroy()
	yellow := color("yellow")
	defer yellow.Destroy()
	red := color("red")
	defer red.Destroy()
	none := color("none")
	defer none.Destroy()

	if err := mw.NewImage(plotWidth, plotHeight, white); err != nil {
		return fmt.Errorf("failed to create plot: %v", err)
	}

	// grid, frame and tick labels
	dw.SetFontSize(11)
	dw.SetStrokeWidth(1)
	for i := 0; i < plotTicks; i++ {
		vx, vy := ax.tick(i), ay.tick(i)
		px, py := ax.at(vx), ay.at(vy)
		dw.SetStrokeColor(grey)
		dw.Line(px, top, px, bottom)
		dw.Line(left, py, right, py)

		dw.SetStrokeColor(none)
		dw.SetFillColor(black)
		dw.Annotation(px-12, bottom+16, fmtTick(vx))
		dw.Annotation(px-12, top-6, fmtTick(vx*pixSize))
		dw.Annotation(left-40, py+4, fmtTick(vy))
		dw.Annotation(right+6, py+4, fmtTick(vy*pixSize))
	}
	dw.SetStrokeColor(black)
	dw.SetFillColor(none)
	dw.Rectangle(left, top, right, bottom)

	dw.SetStrokeColor(none)
	dw.SetFillColor(black)
	dw.Annotation((left+right)/2-35, plotHeight-12, "Shift x (px)")
	dw.Annotation((left+right)/2-32, 20, "Shift x (A)")
	dw.Annotation(4, top-20, "Shift y (px)")
	dw.Annotation(right-10, top-20, "Shift y (A)")

	// trajectory
	points := make([]imagick.PointInfo, n)
	for i := range xs {
		points[i] = imagick.PointInfo{X: ax.at(xs[i]), Y: ay.at(ys[i])}
	}
	dw.SetStrokeColor(blue)
	dw.SetFillColor(none)
	dw.SetStrokeWidth(1.5)
	dw.Polyline(points)

	dw.SetStrokeColor(none)
	dw.SetFillColor(yellow)
	for _, p := range points[1:] {
		dw.Circle(p.X, p.Y, p.X+3, p.Y)
	}
	dw.SetFillColor(red)
	dw.Circle(points[0].X, points[0].Y, points[0].X+5, points[0].Y)

	dw.SetFillColor(black)
	for _, i := range LabelledFrames(n) {
		dw.Annotation(points[i].X+4, points[i].Y-4, strconv.Itoa(first+i))
	}

	if err := mw.DrawImage(dw); err != nil {
		return fmt.Errorf("failed to draw plot: %v", err)
	}
	return writePNG(mw, out)
}

func color(name string) *imagick.PixelWand {
	pw := imagick.NewPixelWand()
	pw.SetColor(name)
	return pw
}

func fmtTick(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}
