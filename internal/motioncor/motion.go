package motioncor

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// earlyFrames is how many leading frames count as early motion.
const earlyFrames = 4

// FrameMotion is the accumulated frame-to-frame motion of a movie in Å.
type FrameMotion struct {
	Total float64
	Early float64
	Late  float64
}

// CalcFrameMotion accumulates the distance between consecutive frame shifts
// (pixels) and scales it by the pixel size. Motion between the first four
// frames is early, the rest late.
func CalcFrameMotion(xs, ys []float64, pixSize float64) FrameMotion {
	n := len(xs)
	if len(ys) < n {
		n = len(ys)
	}
	if n < 2 {
		return FrameMotion{}
	}
	dx := make([]float64, n-1)
	dy := make([]float64, n-1)
	floats.SubTo(dx, xs[1:n], xs[:n-1])
	floats.SubTo(dy, ys[1:n], ys[:n-1])

	steps := make([]float64, n-1)
	for i := range steps {
		steps[i] = math.Hypot(dx[i], dy[i])
	}
	split := earlyFrames - 1
	if split > len(steps) {
		split = len(steps)
	}
	m := FrameMotion{
		Early: floats.Sum(steps[:split]),
		Late:  floats.Sum(steps[split:]),
	}
	m.Total = m.Early + m.Late
	m.Total *= pixSize
	m.Early *= pixSize
	m.Late *= pixSize
	return m
}
