package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"motioncorr/internal/config"
	"motioncorr/internal/grpcserver"
	"motioncorr/internal/logging"
	"motioncorr/internal/motioncor"
	"motioncorr/internal/params"
	"motioncorr/internal/pipeline"
	"motioncorr/internal/protocol"
	"motioncorr/internal/server"
	"motioncorr/internal/storage"
)

// run is the part of *protocol.Protocol the commands drive.
type run interface {
	Load() error
	Validate() []string
	Methods() []string
	Run(ctx context.Context) (pipeline.Stats, error)
	Summary() []string
}

type protocolFactory func(cfg *config.Config, p *params.Params, opts protocol.Options) (run, error)

func defaultProtocol(cfg *config.Config, p *params.Params, opts protocol.Options) (run, error) {
	return protocol.New(cfg, p, opts)
}

type toolManager interface {
	GetToolStatus() map[string]motioncor.ToolStatus
}

type toolManagerFactory func(*config.Config) toolManager

// statusServer is what a run reports its progress to.
type statusServer interface {
	AttachPipeline(p *pipeline.Pipeline)
	RunStarted(runID string)
	RunFinished(runID string)
}

// serverFunc starts the HTTP and gRPC status servers. The returned
// channel yields the first serve error, or nil once ctx is cancelled.
type serverFunc func(ctx context.Context, cfg *config.Config, store *storage.Store, log *slog.Logger) (statusServer, <-chan error)

// services bundles the HTTP status server with the gRPC health server.
type services struct {
	*server.Server
	health *grpcserver.HealthServer
}

func (s services) RunStarted(runID string)  { s.health.RunStarted(runID) }
func (s services) RunFinished(runID string) { s.health.RunFinished(runID) }

func defaultServe(ctx context.Context, cfg *config.Config, store *storage.Store, log *slog.Logger) (statusServer, <-chan error) {
	svc := services{
		Server: server.NewServer(cfg.Server.Addr, store, log),
		health: grpcserver.New(store, log),
	}
	errs := make(chan error, 2)
	go func() { errs <- svc.Start(ctx) }()
	go func() { errs <- svc.health.Start(ctx, cfg.Server.GRPCAddr) }()

	first := make(chan error, 1)
	go func() {
		var firstErr error
		for i := 0; i < 2; i++ {
			if err := <-errs; err != nil && firstErr == nil {
				firstErr = err
				first <- err
			}
		}
		if firstErr == nil {
			first <- nil
		}
	}()
	return svc, first
}

// Root wires CLI commands to the protocol.
type Root struct {
	cfg         *config.Config
	log         *slog.Logger
	store       *storage.Store
	newProtocol protocolFactory
	toolFactory toolManagerFactory
	serveFn     serverFunc
}

// NewRoot constructs the CLI root.
func NewRoot(cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		cfg:         cfg,
		log:         logger,
		store:       store,
		newProtocol: defaultProtocol,
		toolFactory: func(cfg *config.Config) toolManager {
			return motioncor.NewToolManager(cfg)
		},
		serveFn: defaultServe,
	}
}

func (r *Root) newToolManager() toolManager {
	if r.toolFactory != nil {
		return r.toolFactory(r.cfg)
	}
	return motioncor.NewToolManager(r.cfg)
}

// runOptions are the flags shared by align, stream and tilt-series.
type runOptions struct {
	paramsFile string
	input      string
	gpus       string
	batchSize  int
	runID      string
	serve      bool
	once       bool
}

func (o runOptions) load(mode protocol.Mode) (*params.Params, error) {
	p := params.Default()
	if o.paramsFile != "" {
		loaded, err := params.Load(o.paramsFile)
		if err != nil {
			return nil, err
		}
		p = loaded
	}
	if o.input != "" {
		p.Input = o.input
	}
	if p.Input == "" {
		return nil, errors.New("no input: pass it as argument or set input in the params file")
	}
	if o.gpus != "" {
		p.GPUList = o.gpus
	}
	if o.batchSize > 0 {
		p.StreamingBatchSize = o.batchSize
	}
	if mode == protocol.ModeStream {
		p.Streaming = !o.once
	}
	return p, nil
}

// runProtocol validates and runs one protocol invocation, printing the
// summary and methods when it completes.
func (r *Root) runProtocol(ctx context.Context, mode protocol.Mode, o runOptions) error {
	p, err := o.load(mode)
	if err != nil {
		return err
	}
	runID := o.runID
	if runID == "" {
		runID = newID(string(mode))
	}

	runDir := filepath.Join(r.cfg.Paths.ProjectDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	logger, closer, err := logging.RunLogger(r.log, runDir)
	if err != nil {
		return err
	}
	defer closer.Close()

	opts := protocol.Options{RunID: runID, Mode: mode, Store: r.store, Log: logger}

	var status statusServer
	if o.serve {
		serveCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		var serveErr <-chan error
		status, serveErr = r.serveFn(serveCtx, r.cfg, r.store, r.log)
		go func() {
			if err := <-serveErr; err != nil {
				logger.Error("status server stopped", "error", err)
			}
		}()
		opts.Attach = status.AttachPipeline
	}

	pr, err := r.newProtocol(r.cfg, p, opts)
	if err != nil {
		return err
	}

	var problems []string
	if mode == protocol.ModeStream {
		problems = motioncor.ValidateInstallation(r.cfg.Binary)
	} else {
		if err := pr.Load(); err != nil {
			return err
		}
		problems = pr.Validate()
	}
	if len(problems) > 0 {
		for _, msg := range problems {
			fmt.Printf("  - %s\n", msg)
		}
		return fmt.Errorf("%d validation errors", len(problems))
	}

	if status != nil {
		status.RunStarted(runID)
		defer status.RunFinished(runID)
	}

	stats, err := pr.Run(ctx)
	if err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}
	fmt.Printf("Run %s: %d batches, %d movies aligned, %d failed\n", runID, stats.Batches, stats.Done, stats.Failed)
	for _, line := range pr.Summary() {
		fmt.Println(line)
	}
	if methods := pr.Methods(); len(methods) > 0 {
		fmt.Println("Methods:")
		for _, line := range methods {
			fmt.Println(line)
		}
	}
	return nil
}

// runParams decodes the parameters stored with a run.
func runParams(rec storage.RunRecord) *params.Params {
	p := params.Default()
	if rec.ParamsJSON != "" {
		_ = json.Unmarshal([]byte(rec.ParamsJSON), p)
	}
	return p
}

func newID(prefix string) string {
	ts := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("%s-%s-%04d", prefix, ts, rand.Intn(10000))
}
