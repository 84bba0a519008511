package protocol

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"motioncorr/internal/motioncor"
	"motioncorr/internal/movies"
	"motioncorr/internal/render"
	"motioncorr/internal/setdb"
	"motioncorr/internal/storage"
)

// Registrar turns moved outputs into micrographs: shifts, motion
// statistics, shift plots and exported sets.
type Registrar struct {
	pr *Protocol

	work chan func()
	wg   sync.WaitGroup

	tilts map[string][]tiltOutput
}

type tiltOutput struct {
	movie *movies.Movie
	moved Moved
}

func newRegistrar(pr *Protocol) *Registrar {
	return &Registrar{pr: pr, tilts: map[string][]tiltOutput{}}
}

// Register records one finished movie. It is called from the pipeline
// sink only.
func (r *Registrar) Register(ctx context.Context, m *movies.Movie, moved Moved, batchID string) error {
	pr := r.pr
	p := pr.Params
	set := pr.Set
	isEER := pr.IsEER()

	var xs, ys []float64
	if moved.Log != "" {
		var err error
		xs, ys, err = motioncor.ParseMovieAlignment2(moved.Log)
		if err != nil {
			return fmt.Errorf("parse shifts of %s: %w", m.Name(), err)
		}
	} else {
		pr.Log.Warn("No alignment log", "movie", m.Name())
	}

	n := m.NumberOfFrames()
	if n == 0 {
		n = motioncor.NumberOfFrames(set)
	}
	first, last := motioncor.FramesRange(p, n, isEER)
	m.Alignment = &movies.Alignment{
		First:   first,
		Last:    last,
		XShifts: xs,
		YShifts: ys,
		ROI:     [4]int{p.CropOffsetX, p.CropOffsetY, p.CropDimX, p.CropDimY},
	}
	motion := motioncor.CalcFrameMotion(xs, ys, set.SamplingRate)

	out := motioncor.Outputs{Root: pr.Root(m)}
	sN := n
	if isEER {
		sN = last
	}
	if err := motioncor.WriteShiftsStar(pr.ExtraPath(out.ShiftsStar()), m, 1, sN); err != nil {
		return err
	}

	mic := movies.Micrograph{
		ID:           m.ID,
		MovieID:      m.ID,
		MovieFile:    m.FileName,
		SamplingRate: motioncor.OutputSamplingRate(p, set),
		Acquisition:  set.Acquisition,
		OpticsGroup: movies.OpticsGroup{
			Name:                p.Optics.Name,
			Number:              p.Optics.Number,
			OriginalPixelSize:   set.SamplingRate,
			Voltage:             set.Acquisition.Voltage,
			SphericalAberration: set.Acquisition.SphericalAberration,
			AmplitudeContrast:   set.Acquisition.AmplitudeContrast,
			MTFFile:             p.Optics.MTFFile,
		},
		MotionTotal: motion.Total,
		MotionEarly: motion.Early,
		MotionLate:  motion.Late,
		EvenFile:    moved.Even,
		OddFile:     moved.Odd,
	}
	if len(xs) > 0 {
		mic.PlotGlobal = pr.ExtraPath(out.PlotGlobal())
	}
	if p.DoComputeMicThumbnail {
		mic.Thumbnail = pr.ExtraPath(out.Thumbnail())
	}
	if p.DoComputePSD {
		mic.PSD = pr.ExtraPath(out.PSD())
	}

	var mics []movies.Micrograph
	if moved.Mic != "" {
		plain := mic
		plain.FileName = moved.Mic
		mics = append(mics, plain)
	}
	if moved.MicDW != "" {
		dw := mic
		dw.FileName = moved.MicDW
		dw.DoseWeighted = true
		mics = append(mics, dw)
	}

	store := pr.Store
	_ = store.RecordShifts(pr.RunID, m.ID, first, xs, ys)
	_ = store.RecordMovie(storage.MovieRecord{
		RunID:    pr.RunID,
		MovieID:  m.ID,
		FilePath: m.FileName,
		Status:   storage.MovieDone,
		BatchID:  batchID,
	})
	for _, mc := range mics {
		if err := store.RecordMicrograph(pr.RunID, mc); err != nil {
			pr.Log.Warn("Recording micrograph", "file", mc.FileName, "error", err)
		}
	}

	if err := r.export(m, mics); err != nil {
		return err
	}
	if pr.Mode == ModeTiltSeries {
		r.tilts[m.TsID] = append(r.tilts[m.TsID], tiltOutput{movie: m, moved: moved})
	}

	r.images(mics[0], xs, ys, first)
	return nil
}

// export appends the movie and its micrographs to the set files.
func (r *Registrar) export(m *movies.Movie, mics []movies.Micrograph) error {
	pr := r.pr
	pr.setMu.Lock()
	defer pr.setMu.Unlock()

	movieProps := setdb.SetProperties(pr.Set.SamplingRate, pr.Set.Acquisition, setdb.StreamOpen)
	if err := setdb.AppendItems(pr.ExtraPath(MoviesSet), setdb.Movies, movieProps, []setdb.Row{setdb.MovieRow(m)}); err != nil {
		return fmt.Errorf("export movie: %w", err)
	}
	for _, mic := range mics {
		name := MicrographsSet
		if mic.DoseWeighted {
			name = MicrographsDWSet
		}
		props := setdb.SetProperties(mic.SamplingRate, mic.Acquisition, setdb.StreamOpen)
		if err := setdb.AppendItems(pr.ExtraPath(name), setdb.Micrographs, props, []setdb.Row{setdb.MicrographRow(mic)}); err != nil {
			return fmt.Errorf("export micrograph: %w", err)
		}
	}
	return nil
}

// images computes the shift plot, thumbnail and PSD of a micrograph,
// on the worker goroutine when use_worker_thread is set. The plain sum is
// preferred as source.
func (r *Registrar) images(mic movies.Micrograph, xs, ys []float64, first int) {
	pr := r.pr
	pixSize := pr.Set.SamplingRate
	job := func() {
		if mic.PlotGlobal != "" {
			if err := render.GlobalShiftPlot(xs, ys, first, pixSize, mic.PlotGlobal); err != nil {
				pr.Log.Warn("Shift plot", "movie", mic.MovieID, "error", err)
			}
		}
		if mic.Thumbnail != "" {
			if err := render.Thumbnail(mic.FileName, mic.Thumbnail, render.ThumbnailScale); err != nil {
				pr.Log.Warn("Thumbnail", "movie", mic.MovieID, "error", err)
			}
		}
		if mic.PSD != "" {
			if err := render.PSD(mic.FileName, mic.PSD); err != nil {
				pr.Log.Warn("PSD", "movie", mic.MovieID, "error", err)
			}
		}
	}
	if !pr.Config.Processing.UseWorkerThread {
		job()
		return
	}
	if r.work == nil {
		work := make(chan func(), 64)
		r.work = work
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for fn := range work {
				fn()
			}
		}()
	}
	r.work <- job
}

// Wait blocks until the queued image work is done.
func (r *Registrar) Wait() {
	if r.work != nil {
		close(r.work)
		r.wg.Wait()
		r.work = nil
	}
}

// WriteTiltSeriesTables writes extra/<tsId>.tsv per series with the
// outputs of every tilt image sorted by acquisition order.
func (r *Registrar) WriteTiltSeriesTables() error {
	for tsID, items := range r.tilts {
		sort.Slice(items, func(i, j int) bool {
			return items[i].movie.AcquisitionOrder < items[j].movie.AcquisitionOrder
		})
		f, err := os.Create(r.pr.ExtraPath(tsID + ".tsv"))
		if err != nil {
			return fmt.Errorf("write tilt-series table: %w", err)
		}
		w := bufio.NewWriter(f)
		fmt.Fprintln(w, "tsId\torder\tangle\tmic\tmic_dw\teven\todd")
		for _, it := range items {
			fmt.Fprintf(w, "%s\t%d\t%g\t%s\t%s\t%s\t%s\n", tsID, it.movie.AcquisitionOrder,
				it.movie.TiltAngle, it.moved.Mic, it.moved.MicDW, it.moved.Even, it.moved.Odd)
		}
		if err := w.Flush(); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}

// EvenOddLists returns, per tilt series, the even and odd sums in
// acquisition order.
func (r *Registrar) EvenOddLists() map[string][2][]string {
	lists := map[string][2][]string{}
	for tsID, items := range r.tilts {
		sorted := append([]tiltOutput(nil), items...)
		sort.Slice(sorted, func(i, j int) bool {
			return sorted[i].movie.AcquisitionOrder < sorted[j].movie.AcquisitionOrder
		})
		var even, odd []string
		for _, it := range sorted {
			if it.moved.Even != "" {
				even = append(even, it.moved.Even)
				odd = append(odd, it.moved.Odd)
			}
		}
		lists[tsID] = [2][]string{even, odd}
	}
	return lists
}
