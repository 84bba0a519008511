package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"motioncorr/internal/batch"
	"motioncorr/internal/logging"
	"motioncorr/internal/motioncor"
	"motioncorr/internal/movies"
	"motioncorr/internal/pipeline"
	"motioncorr/internal/storage"
)

// Run processes the input and registers the outputs. Failed movies do not
// stop the run; they are recorded and exported to movies_failed.sqlite.
func (pr *Protocol) Run(ctx context.Context) (pipeline.Stats, error) {
	paramsJSON, _ := json.Marshal(pr.Params)
	_ = pr.Store.RecordRun(storage.RunRecord{
		ID:           pr.RunID,
		Mode:         string(pr.Mode),
		Status:       "running",
		InputPattern: pr.Params.Input,
		RunDir:       pr.Dir,
		ParamsJSON:   string(paramsJSON),
	})
	logging.LogProcessingStep(pr.Log, pr.RunID, "start", "running", map[string]any{
		"mode": pr.Mode, "gpus": pr.gpus(), "version": pr.Version,
	})

	var (
		stats pipeline.Stats
		err   error
	)
	if pr.Mode == ModeStream {
		stats, err = pr.runStream(ctx)
	} else {
		stats, err = pr.runMovies(ctx)
	}

	pr.registrar.Wait()
	if cerr := pr.closeOutputs(); cerr != nil && err == nil {
		err = cerr
	}

	status, msg := "finished", ""
	if err != nil {
		status, msg = "failed", err.Error()
	}
	_ = pr.Store.FinishRun(pr.RunID, status, msg)
	logging.LogProcessingStep(pr.Log, pr.RunID, "finish", status, map[string]any{
		"batches": stats.Batches, "done": stats.Done, "failed": stats.Failed,
	})
	return stats, err
}

func (pr *Protocol) newPipeline(ctx context.Context, proc pipeline.Processor) *pipeline.Pipeline {
	pl := pipeline.New(ctx, pr.gpus(), proc, pipeline.SinkFunc(pr.registerBatch), pr.Log, pr.Store)
	pl.RunID = pr.RunID
	pl.MaxTries = pr.Config.Processing.MaxTries
	if pr.attach != nil {
		pr.attach(pl)
	}
	return pl
}

// runMovies runs the binary once per movie (or tilt image), each in its
// own folder under tmp.
func (pr *Protocol) runMovies(ctx context.Context) (pipeline.Stats, error) {
	if pr.Set == nil {
		if err := pr.Load(); err != nil {
			return pipeline.Stats{}, err
		}
	}
	if err := pr.ConvertInput(ctx); err != nil {
		return pipeline.Stats{}, err
	}

	batches := make(chan batch.Batch)
	go func() {
		defer close(batches)
		for _, m := range pr.Set.Movies {
			pr.recordQueued(m)
			b, err := pr.movieFolder(m)
			if err != nil {
				pr.markFailed(m, "", err)
				continue
			}
			select {
			case batches <- b:
			case <-ctx.Done():
				return
			}
		}
	}()

	pl := pr.newPipeline(ctx, pipeline.ProcessorFunc(pr.processMovies))
	return pl.Run(batches)
}

// movieFolder links m into tmp/<root> under its output root name, so the
// binary names its outputs and log after the root.
func (pr *Protocol) movieFolder(m *movies.Movie) (batch.Batch, error) {
	root := pr.Root(m)
	b := batch.Batch{ID: uuid.NewString(), Index: m.ID, Path: pr.TmpPath(root), Items: []*movies.Movie{m}}
	if err := os.MkdirAll(b.Path, 0o755); err != nil {
		return b, err
	}
	src, err := filepath.Abs(m.FileName)
	if err != nil {
		return b, err
	}
	link := filepath.Join(b.Path, root+m.Ext())
	os.Remove(link)
	if err := os.Symlink(src, link); err != nil {
		return b, fmt.Errorf("link movie: %w", err)
	}
	return b, nil
}

// movieArgs builds the command line for one movie run in its own folder.
func (pr *Protocol) movieArgs(m *movies.Movie, gpu string) (*motioncor.Args, error) {
	root := pr.Root(m)
	a := motioncor.BuildArgs(pr.Params, pr.Set, pr.argsOptions(m.AcquisitionOrder))
	if pr.Mode == ModeTiltSeries {
		a.Set("-OutStack", "0")
	}
	if err := motioncor.SetInput(a, root+m.Ext(), false); err != nil {
		return nil, err
	}
	a.Set("-OutMrc", root+".mrc")
	motioncor.SetLogArgs(a, pr.Version, root)
	return a.WithGPU(gpu), nil
}

func (pr *Protocol) processMovies(ctx context.Context, gpu string, b batch.Batch) pipeline.Result {
	var errs []error
	for _, m := range b.Items {
		args, err := pr.movieArgs(m, gpu)
		if err == nil {
			err = pr.Runner.Run(ctx, args, b.Path, pr.stdoutPath())
		}
		if err != nil {
			pr.Log.Error("Movie failed", "movie", m.Name(), "error", err)
			errs = append(errs, err)
		}
	}
	return pipeline.Result{Error: errors.Join(errs...)}
}

// runStream feeds the movies found by the set monitor into batch folders
// processed by the binary in serial mode.
func (pr *Protocol) runStream(ctx context.Context) (pipeline.Stats, error) {
	p := pr.Params
	mon := batch.NewSetMonitor(p.Input, p.Streaming, pr.Config.Processing.SleepOnWait, pr.Log)
	if done, err := pr.Store.ProcessedFiles(pr.RunID); err == nil {
		for _, f := range done {
			mon.Blacklist[f] = true
		}
	}
	if last, err := pr.Store.MaxMovieID(pr.RunID); err == nil {
		mon.NextID = last + 1
	}

	monCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	found := mon.Iter(monCtx)
	first, ok := <-found
	if !ok {
		if err := ctx.Err(); err != nil {
			return pipeline.Stats{}, err
		}
		return pipeline.Stats{}, fmt.Errorf("%w match %q", movies.ErrNoMovies, p.Input)
	}
	pr.Set = &movies.MovieSet{
		Movies:       []*movies.Movie{first},
		SamplingRate: p.SamplingRate,
		Acquisition:  p.Acquisition,
		Gain:         p.Gain,
		Dark:         p.Dark,
		FramesRange:  movies.FramesRange{First: 1, Last: first.NumberOfFrames(), Index: 1},
	}
	if err := pr.ConvertInput(ctx); err != nil {
		return pipeline.Stats{}, err
	}
	cmd, err := motioncor.BatchArgs(p, pr.Set, pr.argsOptions(0))
	if err != nil {
		return pipeline.Stats{}, err
	}
	pr.Log.Info("Batch command", "program", pr.Runner.Program, "args", cmd.String())

	feed := make(chan *movies.Movie)
	go func() {
		defer close(feed)
		m := first
		for {
			pr.recordQueued(m)
			select {
			case feed <- m:
			case <-ctx.Done():
				return
			}
			next, ok := <-found
			if !ok {
				return
			}
			m = next
		}
	}()

	mgr := batch.NewManager(pr.batchSize(), pr.TmpPath(), pr.Log)
	mgr.Failed = func(m *movies.Movie, err error) { pr.markFailed(m, "", err) }

	proc := pipeline.ProcessorFunc(func(ctx context.Context, gpu string, b batch.Batch) pipeline.Result {
		err := pr.Runner.Run(ctx, cmd.WithGPU(gpu), b.Path, pr.stdoutPath())
		return pipeline.Result{Error: err}
	})
	pl := pr.newPipeline(ctx, proc)
	return pl.Run(mgr.Generate(ctx, feed))
}

func (pr *Protocol) stdoutPath() string {
	return filepath.Join(pr.Dir, "run.stdout")
}

func (pr *Protocol) recordQueued(m *movies.Movie) {
	_ = pr.Store.RecordMovie(storage.MovieRecord{
		RunID:    pr.RunID,
		MovieID:  m.ID,
		FilePath: m.FileName,
		Status:   storage.MovieQueued,
	})
}
