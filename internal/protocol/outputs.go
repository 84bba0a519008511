package protocol

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"motioncorr/internal/fsutil"
	"motioncorr/internal/motioncor"
	"motioncorr/internal/movies"
	"motioncorr/internal/pipeline"
	"motioncorr/internal/setdb"
	"motioncorr/internal/storage"
)

// Moved lists the extra paths of the outputs moved for one movie.
type Moved struct {
	Mic   string
	MicDW string
	Even  string
	Odd   string
	Stack string
	Log   string
}

// Done reports whether an aligned sum was produced.
func (m Moved) Done() bool { return m.Mic != "" || m.MicDW != "" }

// Mover moves the binary's outputs from a working folder into extra.
type Mover struct {
	DstDir string
	// Prefix is the -OutMrc prefix of batch runs, empty otherwise.
	Prefix         string
	DoseFilter     bool
	SaveUnweighted bool
	SplitEvenOdd   bool
	SaveMovie      bool
	UsePatches     bool
	LogSuffix      string
}

// Move moves the outputs named after root found in srcDir.
func (mv Mover) Move(srcDir, root string, movieID int) (Moved, error) {
	src := motioncor.Outputs{Root: root}.Prefixed(mv.Prefix)
	dst := motioncor.Outputs{Root: root}
	var (
		moved Moved
		errs  []error
	)
	move := func(from, to string, into *string) {
		ok, err := fsutil.MoveIfExists(filepath.Join(srcDir, from), filepath.Join(mv.DstDir, to))
		if err != nil {
			errs = append(errs, err)
		}
		if ok {
			*into = filepath.Join(mv.DstDir, to)
		}
	}

	if mv.DoseFilter {
		move(src.MicDW(), dst.MicDW(), &moved.MicDW)
	}
	if !mv.DoseFilter || mv.SaveUnweighted {
		move(src.Mic(), dst.Mic(), &moved.Mic)
	}
	if mv.SplitEvenOdd {
		move(src.Even(), dst.Even(), &moved.Even)
		move(src.Odd(), dst.Odd(), &moved.Odd)
	}
	if mv.SaveMovie {
		move(src.Stack(), motioncor.MovieStack(movieID), &moved.Stack)
	}
	move(motioncor.LogFileName(src.Root, mv.UsePatches, mv.LogSuffix),
		motioncor.LogFileName(dst.Root, mv.UsePatches, mv.LogSuffix), &moved.Log)
	return moved, errors.Join(errs...)
}

func (pr *Protocol) mover() Mover {
	p := pr.Params
	mv := Mover{
		DstDir:         pr.ExtraPath(),
		DoseFilter:     p.DoApplyDoseFilter,
		SaveUnweighted: p.SaveUnweighted(),
		SplitEvenOdd:   p.SplitEvenOdd,
		SaveMovie:      p.DoSaveMovie && pr.Mode != ModeTiltSeries,
		UsePatches:     p.UsePatches(),
	}
	if pr.Mode == ModeStream {
		mv.Prefix = motioncor.BatchOutputPrefix
	} else {
		mv.LogSuffix = motioncor.LogSuffix(pr.Version)
	}
	return mv
}

// registerBatch is the pipeline sink: it moves the outputs of every movie
// of the batch, registers the finished ones and cleans the batch folder.
func (pr *Protocol) registerBatch(ctx context.Context, res pipeline.Result) pipeline.Result {
	mv := pr.mover()
	for _, m := range res.Batch.Items {
		root := pr.Root(m)
		moved, err := mv.Move(res.Batch.Path, root, m.ID)
		if err != nil {
			pr.Log.Warn("Moving outputs", "movie", root, "error", err)
		}
		if !moved.Done() {
			reason := res.Error
			if pr.Mode == ModeTiltSeries {
				expected := pr.ExtraPath(motioncor.Outputs{Root: root}.Mic())
				if pr.Params.DoApplyDoseFilter {
					expected = pr.ExtraPath(motioncor.Outputs{Root: root}.MicDW())
				}
				reason = fmt.Errorf("expected output file %s not produced", expected)
			} else if reason == nil {
				reason = fmt.Errorf("no aligned sum produced for %s", root)
			}
			pr.markFailed(m, res.Batch.ID, reason)
			res.Failed = append(res.Failed, m.ID)
			continue
		}
		if err := pr.registrar.Register(ctx, m, moved, res.Batch.ID); err != nil {
			pr.markFailed(m, res.Batch.ID, err)
			res.Failed = append(res.Failed, m.ID)
			continue
		}
		res.Done = append(res.Done, m.ID)
	}

	if res.Meta == nil {
		res.Meta = map[string]any{}
	}
	res.Meta["registered"] = len(res.Done)
	pr.Log.Info("Registered batch outputs",
		"index", res.Batch.Index, "done", len(res.Done), "failed", len(res.Failed))

	if !pr.Config.Processing.KeepBatchDirs {
		if err := fsutil.CleanPath(res.Batch.Path); err != nil {
			pr.Log.Warn("Cleaning batch folder", "path", res.Batch.Path, "error", err)
		}
	}
	return res
}

// markFailed records m as failed in the store and the failed movies set.
func (pr *Protocol) markFailed(m *movies.Movie, batchID string, reason error) {
	msg := "failed"
	if reason != nil {
		msg = reason.Error()
	}
	pr.Log.Error("Movie failed", "movie", m.FileName, "id", m.ID, "error", msg)
	_ = pr.Store.RecordMovie(storage.MovieRecord{
		RunID:    pr.RunID,
		MovieID:  m.ID,
		FilePath: m.FileName,
		Status:   storage.MovieFailed,
		BatchID:  batchID,
		Error:    msg,
	})

	pr.setMu.Lock()
	defer pr.setMu.Unlock()
	if pr.failed[m.ID] {
		return
	}
	pr.failed[m.ID] = true
	props := setdb.SetProperties(pr.Params.SamplingRate, pr.Params.Acquisition, setdb.StreamOpen)
	if err := setdb.AppendItems(pr.ExtraPath(FailedMoviesSet), setdb.Movies, props, []setdb.Row{setdb.MovieRow(m)}); err != nil {
		pr.Log.Warn("Exporting failed movie", "error", err)
	}
}

// closeOutputs marks every exported set closed and writes the tilt-series
// tables.
func (pr *Protocol) closeOutputs() error {
	pr.setMu.Lock()
	defer pr.setMu.Unlock()
	var errs []error
	for _, name := range []string{MicrographsSet, MicrographsDWSet, MoviesSet, FailedMoviesSet} {
		path := pr.ExtraPath(name)
		if !fsutil.Exists(path) {
			continue
		}
		if err := setdb.SetStreamState(path, setdb.StreamClosed); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	if pr.Mode == ModeTiltSeries {
		if err := pr.registrar.WriteTiltSeriesTables(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
