package motioncor

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// ParseMovieAlignment2 reads the global shifts from a MotionCor2/3
// "-Full.log": comment and blank lines are skipped, the remaining rows are
// "frame x y" relative to the reference frame.
func ParseMovieAlignment2(path string) ([]float64, []float64, error) {
	var xs, ys []float64
	err := scanLines(path, func(line string) error {
		if line == "" || strings.Contains(line, "#") {
			return nil
		}
		parts := strings.Fields(line)
		if len(parts) < 3 {
			return fmt.Errorf("malformed shift row %q", line)
		}
		x, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return fmt.Errorf("shift row %q: %w", line, err)
		}
		y, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			return fmt.Errorf("shift row %q: %w", line, err)
		}
		xs = append(xs, x)
		ys = append(ys, y)
		return nil
	})
	return xs, ys, err
}

// ParseMovieAlignment reads shifts from the logs of the original motioncorr
// program. Both "Shift of Frame #" and "Add Frame #" rows carry the shift
// in their last two columns.
func ParseMovieAlignment(path string) ([]float64, []float64, error) {
	var xs, ys []float64
	err := scanLines(path, func(line string) error {
		if !strings.Contains(line, "Shift of Frame #") && !strings.Contains(line, "Add Frame #") {
			return nil
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			return nil
		}
		x, err := strconv.ParseFloat(parts[len(parts)-2], 64)
		if err != nil {
			return fmt.Errorf("shift row %q: %w", line, err)
		}
		y, err := strconv.ParseFloat(parts[len(parts)-1], 64)
		if err != nil {
			return fmt.Errorf("shift row %q: %w", line, err)
		}
		xs = append(xs, x)
		ys = append(ys, y)
		return nil
	})
	return xs, ys, err
}

var ansiEscape = regexp.MustCompile(`\x1b[^m]*m`)

const (
	magEstStart   = "The following distortion parameters were found"
	magStretchOne = "Stretch only parameters would be as follows"
)

// ParseMagEstOutput reads a mag distortion estimation report and returns, in
// file order, the angle / major / minor scale of the full solution plus the
// corrected pixel sizes and total distortion.
// A missing file yields no values.
func ParseMagEstOutput(path string) ([]float64, error) {
	var result []float64
	parsing := false
	err := scanMagReport(path, func(line string) error {
		if strings.HasPrefix(line, magEstStart) {
			parsing = true
		}
		if parsing {
			if err := appendScales(&result, line); err != nil {
				return err
			}
		}
		if strings.HasPrefix(line, magStretchOne) {
			parsing = false
		}
		if strings.Contains(line, "Corrected Pixel Size") {
			if err := appendField(&result, line, 4); err != nil {
				return err
			}
		}
		if strings.Contains(line, "The Total Distortion =") {
			if err := appendField(&result, line, 4); err != nil {
				return err
			}
		}
		return nil
	})
	return result, err
}

// ParseMagCorrInput reads the stretch-only solution of the same report, the
// values handed to -Mag, plus every corrected pixel size.
func ParseMagCorrInput(path string) ([]float64, error) {
	var result []float64
	parsing := false
	err := scanMagReport(path, func(line string) error {
		if strings.HasPrefix(line, magStretchOne) {
			parsing = true
		}
		if parsing {
			if err := appendScales(&result, line); err != nil {
				return err
			}
		}
		if strings.Contains(line, "Corrected Pixel Size") {
			if err := appendField(&result, line, 4); err != nil {
				return err
			}
		}
		return nil
	})
	return result, err
}

func appendScales(result *[]float64, line string) error {
	for _, key := range []string{"Distortion Angle", "Major Scale", "Minor Scale"} {
		if strings.Contains(line, key) {
			if err := appendField(result, line, 3); err != nil {
				return err
			}
		}
	}
	return nil
}

func appendField(result *[]float64, line string, idx int) error {
	parts := strings.Fields(line)
	if len(parts) <= idx {
		return fmt.Errorf("short report line %q", line)
	}
	v, err := strconv.ParseFloat(parts[idx], 64)
	if err != nil {
		return fmt.Errorf("report line %q: %w", line, err)
	}
	*result = append(*result, v)
	return nil
}

func scanMagReport(path string, fn func(string) error) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return scanLines(path, func(line string) error {
		line = ansiEscape.ReplaceAllString(line, "")
		line = strings.TrimSpace(strings.ReplaceAll(line, "%", ""))
		return fn(line)
	})
}

func scanLines(path string, fn func(string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if err := fn(strings.TrimSpace(sc.Text())); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return sc.Err()
}
