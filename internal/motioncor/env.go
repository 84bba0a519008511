// Package motioncor wraps the MotionCor2/MotionCor3 binary: its environment,
// command line, log files and outputs.
package motioncor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"motioncorr/internal/config"
)

var supportedVersions = []string{
	"01302017", "1.0.0", "1.0.2", "1.0.4", "1.0.5",
	"1.4.0", "1.4.2", "1.4.4", "1.4.5", "1.4.7", "1.5.0", "1.6.3", "1.6.4",
}

// SupportedVersions lists binary versions known to work.
func SupportedVersions() []string {
	return append([]string(nil), supportedVersions...)
}

// ActiveVersion returns the configured version, or the first supported
// version found in the install path (also after resolving links).
func ActiveVersion(cfg config.Binary) string {
	if cfg.Version != "" {
		return cfg.Version
	}
	if cfg.Home == "" {
		return ""
	}
	real, err := filepath.EvalSymlinks(cfg.Home)
	if err != nil {
		real = cfg.Home
	}
	// prefer the longest match
	best := ""
	for _, v := range supportedVersions {
		if (strings.Contains(cfg.Home, v) || strings.Contains(real, v)) && len(v) > len(best) {
			best = v
		}
	}
	return best
}

// VersionGE reports whether active is at least version, comparing the
// dotted parts as integers (missing parts count as 0). Date-stamped builds
// predate every dotted release and an unknown active version counts as
// newest.
func VersionGE(active, version string) bool {
	if active == "" {
		return true
	}
	activeDated := !strings.Contains(active, ".")
	versionDated := !strings.Contains(version, ".")
	if activeDated != versionDated {
		return versionDated
	}
	a, b := strings.Split(active, "."), strings.Split(version, ".")
	for i := 0; i < max(len(a), len(b)); i++ {
		x, y := versionPart(a, i), versionPart(b, i)
		if x != y {
			return x > y
		}
	}
	return true
}

// versionPart is the leading number of parts[i], 0 when absent.
func versionPart(parts []string, i int) int {
	if i >= len(parts) {
		return 0
	}
	digits := parts[i]
	if end := strings.IndexFunc(digits, func(r rune) bool { return r < '0' || r > '9' }); end >= 0 {
		digits = digits[:end]
	}
	n, _ := strconv.Atoi(digits)
	return n
}

// Environ returns the process environment with the binary's bin folder
// prepended to PATH and the CUDA library added to LD_LIBRARY_PATH.
func Environ(cfg config.Binary) []string {
	env := os.Environ()
	if cfg.Home != "" {
		if _, err := os.Stat(cfg.Home); err == nil {
			env = prependPath(env, "PATH", filepath.Join(cfg.Home, "bin"))
		}
	}
	if cfg.CudaLib != "" {
		env = prependPath(env, "LD_LIBRARY_PATH", cfg.CudaLib)
	}
	return env
}

func prependPath(env []string, key, dir string) []string {
	prefix := key + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			old := strings.TrimPrefix(kv, prefix)
			if old == "" {
				env[i] = prefix + dir
			} else {
				env[i] = prefix + dir + string(os.PathListSeparator) + old
			}
			return env
		}
	}
	return append(env, prefix+dir)
}

// Program resolves the binary path: <home>/bin/<program> when present,
// otherwise a PATH lookup.
func Program(cfg config.Binary) (string, error) {
	if filepath.IsAbs(cfg.Program) {
		if _, err := os.Stat(cfg.Program); err != nil {
			return "", fmt.Errorf("motioncor program: %w", err)
		}
		return cfg.Program, nil
	}
	if cfg.Home != "" {
		candidate := filepath.Join(cfg.Home, "bin", cfg.Program)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	path, err := exec.LookPath(cfg.Program)
	if err != nil {
		return "", fmt.Errorf("motioncor program %q not found: %w", cfg.Program, err)
	}
	return path, nil
}

// ValidateInstallation lists problems with the binary setup.
func ValidateInstallation(cfg config.Binary) []string {
	var missing []string
	if cfg.Home != "" {
		if _, err := os.Stat(cfg.Home); err != nil {
			missing = append(missing, fmt.Sprintf("MOTIONCOR_HOME: %s", cfg.Home))
		}
	}
	if _, err := Program(cfg); err != nil {
		missing = append(missing, fmt.Sprintf("MOTIONCOR_BIN: %s", cfg.Program))
	}
	if len(missing) > 0 {
		return append([]string{"Missing variables:"}, missing...)
	}
	return nil
}
