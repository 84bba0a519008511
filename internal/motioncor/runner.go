package motioncor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// Runner executes the motion correction binary.
type Runner struct {
	Program string
	Env     []string
	Log     *slog.Logger
}

// NewRunner resolves the program and environment from the binary settings.
func NewRunner(program string, env []string, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Runner{Program: program, Env: env, Log: log}
}

// Run executes the binary in cwd. Combined output is appended to logPath
// (or discarded when empty) after a header with the command line.
func (r *Runner) Run(ctx context.Context, args *Args, cwd, logPath string) error {
	out := io.Discard
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open run log: %w", err)
		}
		defer f.Close()
		out = f
	}
	fmt.Fprintf(out, "%s %s\n", r.Program, args.String())

	cmd := exec.CommandContext(ctx, r.Program, args.Tokens()...)
	cmd.Dir = cwd
	if r.Env != nil {
		cmd.Env = r.Env
	}
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	r.Log.Debug("running motioncor", "cwd", cwd, "args", args.String())
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s failed in %s: %w", r.Program, cwd, err)
	}
	r.Log.Debug("motioncor finished", "cwd", cwd, "duration", time.Since(start).Round(time.Millisecond))
	return nil
}
