// Package protocol runs MotionCor over a movie set: one movie at a time,
// in streaming batches, or over the tilt images of tilt series.
package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"motioncorr/internal/config"
	"motioncorr/internal/fsutil"
	"motioncorr/internal/motioncor"
	"motioncorr/internal/movies"
	"motioncorr/internal/params"
	"motioncorr/internal/pipeline"
	"motioncorr/internal/storage"
)

// Mode selects how movies are handed to the binary.
type Mode string

const (
	ModeMovies     Mode = "align"
	ModeStream     Mode = "stream"
	ModeTiltSeries Mode = "tilt-series"
)

// Set files exported for the host framework.
const (
	MicrographsSet   = "micrographs.sqlite"
	MicrographsDWSet = "micrographs_dw.sqlite"
	MoviesSet        = "movies.sqlite"
	FailedMoviesSet  = "movies_failed.sqlite"
)

// Options configures a new Protocol.
type Options struct {
	RunID string
	Mode  Mode
	Store *storage.Store
	Log   *slog.Logger
	// Attach is called with the pipeline before it starts, so callers can
	// subscribe to batch results.
	Attach func(*pipeline.Pipeline)
}

// Protocol holds the state of one run.
type Protocol struct {
	RunID   string
	Mode    Mode
	Params  *params.Params
	Config  *config.Config
	Set     *movies.MovieSet
	Series  []movies.TiltSeries
	Dir     string
	Version string
	Runner  *motioncor.Runner
	Tools   *motioncor.ToolManager
	Store   *storage.Store
	Log     *slog.Logger

	attach    func(*pipeline.Pipeline)
	registrar *Registrar
	setMu     sync.Mutex
	failed    map[int]bool
}

// New prepares the run directory <project>/<runID> with its extra and tmp
// folders. The input is not read until Load.
func New(cfg *config.Config, p *params.Params, opts Options) (*Protocol, error) {
	runID := opts.RunID
	if runID == "" {
		runID = "run-" + strings.Split(uuid.NewString(), "-")[0]
	}
	logger := opts.Log
	if logger == nil {
		logger = slog.Default()
	}
	dir, err := filepath.Abs(filepath.Join(cfg.Paths.ProjectDir, runID))
	if err != nil {
		return nil, fmt.Errorf("resolve run dir: %w", err)
	}
	for _, d := range []string{dir, filepath.Join(dir, "extra"), filepath.Join(dir, "tmp")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create run dir: %w", err)
		}
	}

	program, err := motioncor.Program(cfg.Binary)
	if err != nil {
		// reported by Validate
		program = cfg.Binary.Program
	}
	pr := &Protocol{
		RunID:   runID,
		Mode:    opts.Mode,
		Params:  p,
		Config:  cfg,
		Dir:     dir,
		Version: motioncor.ActiveVersion(cfg.Binary),
		Runner:  motioncor.NewRunner(program, motioncor.Environ(cfg.Binary), logger),
		Tools:   motioncor.NewToolManager(cfg),
		Store:   opts.Store,
		Log:     logger,
		attach:  opts.Attach,
		failed:  map[int]bool{},
	}
	pr.registrar = newRegistrar(pr)
	return pr, nil
}

// ExtraPath is a path inside the run's extra folder.
func (pr *Protocol) ExtraPath(name ...string) string {
	return filepath.Join(append([]string{pr.Dir, "extra"}, name...)...)
}

// TmpPath is a path inside the run's tmp folder.
func (pr *Protocol) TmpPath(name ...string) string {
	return filepath.Join(append([]string{pr.Dir, "tmp"}, name...)...)
}

// Load reads the input movies (or tilt-series table). Streaming runs
// discover their movies while running and skip this step.
func (pr *Protocol) Load() error {
	p := pr.Params
	switch pr.Mode {
	case ModeTiltSeries:
		series, err := movies.LoadTiltSeries(p.Input)
		if err != nil {
			return err
		}
		pr.Series = series
		pr.Set = movies.AsSet(series, p.SamplingRate, p.Acquisition, p.Gain, p.Dark)
	default:
		set, err := movies.Load(p.Input, p.SamplingRate, p.Acquisition, p.Gain, p.Dark)
		if err != nil {
			return err
		}
		pr.Set = set
	}
	return nil
}

// IsEER reports whether the input movies are EER files.
func (pr *Protocol) IsEER() bool {
	return pr.Set != nil && pr.Set.IsEER()
}

// Root is the name every output of m derives from.
func (pr *Protocol) Root(m *movies.Movie) string {
	if pr.Mode == ModeTiltSeries {
		return motioncor.TiltImageRoot(m.TsID, m.AcquisitionOrder)
	}
	return motioncor.MovieRoot(m.ID)
}

// Validate checks the installation and the parameters against the input.
func (pr *Protocol) Validate() []string {
	errs := motioncor.ValidateInstallation(pr.Config.Binary)
	if pr.Set == nil {
		return append(errs, "No input movies.")
	}
	for _, e := range pr.Params.Validate(pr.Set) {
		if pr.Mode == ModeTiltSeries && strings.HasPrefix(e, "Input movies do not contain the dose") {
			e = "Dose per tilt for input TS movies is 0 or not set. You cannot apply dose filter."
		}
		errs = append(errs, e)
	}
	return errs
}

// Methods describes the processing applied.
func (pr *Protocol) Methods() []string {
	return pr.Params.Methods()
}

// ConvertInput prepares the files every binary run depends on: the DONE
// marker, the EER defects and dose distribution files, and MRC copies of
// .dm4 gain and dark references.
func (pr *Protocol) ConvertInput(ctx context.Context) error {
	if err := os.MkdirAll(pr.ExtraPath("DONE"), 0o755); err != nil {
		return err
	}
	if pr.IsEER() {
		if err := pr.prepareEERFiles(); err != nil {
			return err
		}
	}
	gain, err := pr.convertReference(ctx, pr.Set.Gain)
	if err != nil {
		return fmt.Errorf("convert gain: %w", err)
	}
	dark, err := pr.convertReference(ctx, pr.Set.Dark)
	if err != nil {
		return fmt.Errorf("convert dark: %w", err)
	}
	pr.Set.Gain, pr.Set.Dark = gain, dark
	return nil
}

// prepareEERFiles reads the defects of the EER gain, which must happen
// before the gain is converted, and writes the dose distribution.
func (pr *Protocol) prepareEERFiles() error {
	p := pr.Params
	if pr.Set.Gain != "" {
		defects, err := motioncor.ParseEERDefects(pr.Set.Gain)
		if err != nil {
			return fmt.Errorf("read EER defects: %w", err)
		}
		if len(defects) > 0 {
			if err := motioncor.WriteDefectsFile(pr.ExtraPath(motioncor.EERDefectsFileName), defects); err != nil {
				return err
			}
			pr.Log.Info("Wrote EER defects", "count", len(defects))
		}
	}

	n := motioncor.NumberOfFrames(pr.Set)
	dose := 0.0
	if p.DoApplyDoseFilter {
		_, dose = motioncor.CorrectedDose(pr.Set, pr.Mode == ModeTiltSeries, 1, n)
	}
	return motioncor.WriteFmIntFile(pr.ExtraPath(motioncor.FmIntFileName), n, p.EERGroup, dose)
}

func (pr *Protocol) convertReference(ctx context.Context, image string) (string, error) {
	if image == "" || !strings.EqualFold(filepath.Ext(image), ".dm4") {
		return image, nil
	}
	base := filepath.Base(image)
	final := pr.ExtraPath(strings.TrimSuffix(base, filepath.Ext(base)) + ".mrc")
	if !fsutil.Exists(final) {
		pr.Log.Info("Converting reference", "from", image, "to", final)
		if err := pr.Tools.ConvertReference(ctx, image, final); err != nil {
			return "", err
		}
	}
	return final, nil
}

func (pr *Protocol) argsOptions(acqOrder int) motioncor.ArgsOptions {
	return motioncor.ArgsOptions{
		IsEER:      pr.IsEER(),
		TiltSeries: pr.Mode == ModeTiltSeries,
		AcqOrder:   acqOrder,
		ExtraDir:   pr.ExtraPath(),
	}
}

func (pr *Protocol) gpus() []string {
	if gpus := pr.Params.GPUs(); len(gpus) > 0 {
		return gpus
	}
	return strings.Fields(pr.Config.Processing.GPUs)
}

func (pr *Protocol) batchSize() int {
	if pr.Params.StreamingBatchSize > 0 {
		return pr.Params.StreamingBatchSize
	}
	return pr.Config.Processing.BatchSize
}
