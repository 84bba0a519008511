package motioncor

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"motioncorr/internal/config"
)

// ToolManager checks the external programs a run depends on.
type ToolManager struct {
	cfg *config.Config
}

// NewToolManager creates a new tool manager with configuration
func NewToolManager(cfg *config.Config) *ToolManager {
	return &ToolManager{cfg: cfg}
}

// ToolStatus represents the availability of a tool
type ToolStatus struct {
	Available bool
	Version   string
	Path      string
	Error     error
}

// CheckTool verifies if a tool is available and working. "motioncor" is the
// configured binary, "gain_converter" the dm4 converter; anything else is
// looked up on PATH.
func (tm *ToolManager) CheckTool(toolName string) ToolStatus {
	var (
		path       string
		err        error
		versionCmd []string
	)
	switch toolName {
	case "motioncor":
		path, err = Program(tm.cfg.Binary)
		versionCmd = []string{path, "--version"}
	case "gain_converter":
		path, err = exec.LookPath(tm.cfg.Tools.GainConverter)
	case "nvidia-smi":
		path, err = exec.LookPath(toolName)
		versionCmd = []string{path, "--version"}
	default:
		path, err = exec.LookPath(toolName)
	}
	if err != nil {
		return ToolStatus{Available: false, Error: err}
	}
	if len(versionCmd) == 0 {
		return ToolStatus{Available: true, Path: path}
	}

	cmd := exec.Command(versionCmd[0], versionCmd[1:]...)
	cmd.Env = Environ(tm.cfg.Binary)
	output, err := cmd.CombinedOutput()
	if err != nil {
		// the binary prints its usage with a non-zero exit code
		if len(output) > 0 {
			return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
		}
		return ToolStatus{Available: false, Path: path, Error: err}
	}
	return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
}

// GetToolStatus returns the status of every tool a run may call.
func (tm *ToolManager) GetToolStatus() map[string]ToolStatus {
	status := make(map[string]ToolStatus)
	for _, tool := range []string{"motioncor", "gain_converter", "nvidia-smi"} {
		status[tool] = tm.CheckTool(tool)
	}
	return status
}

// ConvertReference turns a .dm4 gain or dark reference into MRC with the
// configured converter ("<tool> in out").
func (tm *ToolManager) ConvertReference(ctx context.Context, in, out string) error {
	tool := tm.cfg.Tools.GainConverter
	if tool == "" {
		return fmt.Errorf("no gain converter configured for %s", in)
	}
	cmd := exec.CommandContext(ctx, tool, in, out)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s %s: %w: %s", tool, in, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// extractVersion extracts version information from tool output
func extractVersion(output string) string {
	lines := strings.Split(output, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.Contains(line, "version") || strings.Contains(line, "Version") {
			return line
		}
	}
	if len(lines) > 0 {
		return strings.TrimSpace(lines[0])
	}
	return ""
}
