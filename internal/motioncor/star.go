package motioncor

import (
	"bufio"
	"fmt"
	"os"

	"motioncorr/internal/movies"
)

// WriteShiftsStar writes the global shifts of movie for frames s0..sN as a
// STAR table. Frames of that range outside the aligned range get zero
// shifts so every requested frame has a row.
func WriteShiftsStar(path string, movie *movies.Movie, s0, sN int) error {
	if movie.Alignment == nil {
		return fmt.Errorf("movie %d has no alignment", movie.ID)
	}
	a0, aN := movie.Alignment.Range()
	xs, ys := movie.Alignment.Shifts()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create shifts file: %w", err)
	}
	w := bufio.NewWriter(f)
	fmt.Fprintln(w, "\ndata_global_shift\n\nloop_")
	fmt.Fprintln(w, "_rlnImageName #1")
	fmt.Fprintln(w, "_rlnMicrographFrameNumber #2")
	fmt.Fprintln(w, "_rlnMicrographShiftX #3")
	fmt.Fprintln(w, "_rlnMicrographShiftY #4")

	row := func(frame int, x, y float64) {
		fmt.Fprintf(w, "%06d@%s %d %.6f %.6f\n", frame, movie.FileName, frame, x, y)
	}
	for i := s0; i < a0; i++ {
		row(i, 0, 0)
	}
	frame := a0
	for i := range xs {
		if i >= len(ys) {
			break
		}
		if s0 <= frame && frame <= sN {
			row(frame, xs[i], ys[i])
		}
		frame++
	}
	for j := aN; j < sN; j++ {
		row(j+1, 0, 0)
	}

	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
