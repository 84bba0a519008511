package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"motioncorr/internal/config"
)

// New returns a slog.Logger with the provided level string (info, debug, warn, error).
// format may be "json" or "text".
func New(level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// Setup configures global logging with optional file output.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	level := parseLevel(cfg.Logging.Level)

	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	// Always include stdout for immediate feedback
	writers := []io.Writer{os.Stdout}

	if cfg.Logging.FileOutput {
		logFile := filepath.Join(cfg.Logging.LogDir, fmt.Sprintf("motioncorr-%s.log",
			time.Now().Format("2006-01-02")))

		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}

		writers = append(writers, file)

		currentLogPath := filepath.Join(cfg.Logging.LogDir, "motioncorr-current.log")
		os.Remove(currentLogPath)
		_ = os.Symlink(filepath.Base(logFile), currentLogPath)
	}

	slogLogger := slog.New(NewTraditionalHandler(io.MultiWriter(writers...), level))
	slog.SetDefault(slogLogger)

	slogLogger.Debug("motioncorr logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)

	return slogLogger, nil
}

// RunLogger returns a logger that writes to the parent handler and to
// <runDir>/run.log. The returned closer releases the file.
func RunLogger(parent *slog.Logger, runDir string) (*slog.Logger, io.Closer, error) {
	f, err := os.OpenFile(filepath.Join(runDir, "run.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open run log: %w", err)
	}
	fileHandler := NewTraditionalHandler(f, slog.LevelDebug)
	if parent == nil {
		return slog.New(fileHandler), f, nil
	}
	return slog.New(&teeHandler{handlers: []slog.Handler{parent.Handler(), fileHandler}}), f, nil
}

// TraditionalHandler implements slog.Handler with traditional log formatting
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	attrs  []slog.Attr
}

// NewTraditionalHandler writes "[LEVEL] msg [k=v ...]" lines to w.
func NewTraditionalHandler(w io.Writer, level slog.Level) *TraditionalHandler {
	return &TraditionalHandler{logger: log.New(w, "", log.LstdFlags), level: level}
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	msg := r.Message
	attrs := make([]string, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		return true
	})

	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}

	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	return h
}

type teeHandler struct {
	handlers []slog.Handler
}

func (t *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range t.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &teeHandler{}
	for _, h := range t.handlers {
		next.handlers = append(next.handlers, h.WithAttrs(attrs))
	}
	return next
}

func (t *teeHandler) WithGroup(name string) slog.Handler {
	next := &teeHandler{}
	for _, h := range t.handlers {
		next.handlers = append(next.handlers, h.WithGroup(name))
	}
	return next
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogBatchStart logs the beginning of a binary run over a batch of movies.
func LogBatchStart(logger *slog.Logger, batchID string, index int, gpu string, movieIDs []int) {
	logger.Info("batch started",
		"id", batchID,
		"index", index,
		"gpu", gpu,
		"movies", movieIDs,
	)
}

// LogBatchComplete logs a successful batch run.
func LogBatchComplete(logger *slog.Logger, batchID string, index int, duration time.Duration, processed int) {
	logger.Info("batch completed",
		"id", batchID,
		"index", index,
		"duration_ms", duration.Milliseconds(),
		"duration_human", duration.String(),
		"processed", processed,
	)
}

// LogBatchError logs a failed attempt.
func LogBatchError(logger *slog.Logger, batchID string, attempt, maxTries int, err error) {
	logger.Error("motioncor failed for batch",
		"id", batchID,
		"attempt", attempt,
		"max_tries", maxTries,
		"error", err.Error(),
	)
}

// LogToolStatus logs tool detection and status
func LogToolStatus(logger *slog.Logger, tool string, available bool, version, path string, err error) {
	if available {
		logger.Debug("tool detected",
			"tool", tool,
			"version", version,
			"path", path,
		)
	} else {
		logger.Debug("tool not available",
			"tool", tool,
			"error", err,
		)
	}
}

// LogProcessingStep logs individual processing steps within a run
func LogProcessingStep(logger *slog.Logger, runID, step, status string, details map[string]any) {
	logger.Info("processing step",
		"run_id", runID,
		"step", step,
		"status", status,
		"details", details,
	)
}
