package movies

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"motioncorr/internal/imageio"
)

// Acquisition describes microscope settings shared by a set.
type Acquisition struct {
	Voltage             float64 `json:"voltage" toml:"voltage"`
	SphericalAberration float64 `json:"spherical_aberration" toml:"spherical_aberration"`
	AmplitudeContrast   float64 `json:"amplitude_contrast" toml:"amplitude_contrast"`
	Magnification       float64 `json:"magnification" toml:"magnification"`
	DoseInitial         float64 `json:"dose_initial" toml:"dose_initial"`
	DosePerFrame        float64 `json:"dose_per_frame" toml:"dose_per_frame"`
}

// FramesRange is the 1-based inclusive frame range of a movie plus the index
// of its first frame in the file.
type FramesRange struct {
	First int `json:"first"`
	Last  int `json:"last"`
	Index int `json:"index"`
}

// Alignment holds the global frame shifts of a movie in pixels.
type Alignment struct {
	First   int       `json:"first"`
	Last    int       `json:"last"`
	XShifts []float64 `json:"xshifts"`
	YShifts []float64 `json:"yshifts"`
	ROI     [4]int    `json:"roi"`
}

// Range returns the aligned frame range.
func (a *Alignment) Range() (int, int) { return a.First, a.Last }

// Shifts returns the per-frame shifts.
func (a *Alignment) Shifts() ([]float64, []float64) { return a.XShifts, a.YShifts }

// Movie is one input movie or tilt image movie.
type Movie struct {
	ID          int         `json:"id"`
	FileName    string      `json:"file_name"`
	Dims        [3]int      `json:"dims"`
	FramesRange FramesRange `json:"frames_range"`
	Alignment   *Alignment  `json:"alignment,omitempty"`

	// tilt-series only
	TsID             string  `json:"ts_id,omitempty"`
	AcquisitionOrder int     `json:"acquisition_order,omitempty"`
	TiltAngle        float64 `json:"tilt_angle,omitempty"`
}

// NumberOfFrames returns the number of frames stored in the file.
func (m *Movie) NumberOfFrames() int { return m.Dims[2] }

// Name is the file base name without extension.
func (m *Movie) Name() string {
	base := filepath.Base(m.FileName)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Ext is the lower case extension of the movie file.
func (m *Movie) Ext() string { return strings.ToLower(filepath.Ext(m.FileName)) }

// MovieSet groups movies sharing acquisition and references.
type MovieSet struct {
	Movies       []*Movie
	SamplingRate float64
	Acquisition  Acquisition
	Gain         string
	Dark         string
	FramesRange  FramesRange
}

// FirstItem returns the first movie or nil.
func (s *MovieSet) FirstItem() *Movie {
	if s == nil || len(s.Movies) == 0 {
		return nil
	}
	return s.Movies[0]
}

// Size is the number of movies.
func (s *MovieSet) Size() int { return len(s.Movies) }

// IsEER reports whether the set holds EER movies.
func (s *MovieSet) IsEER() bool {
	first := s.FirstItem()
	return first != nil && first.Ext() == ".eer"
}

// OpticsGroup carries the optics metadata attached to output micrographs.
type OpticsGroup struct {
	Name                string  `json:"name"`
	Number              int     `json:"number"`
	OriginalPixelSize   float64 `json:"original_pixel_size"`
	Voltage             float64 `json:"voltage"`
	SphericalAberration float64 `json:"spherical_aberration"`
	AmplitudeContrast   float64 `json:"amplitude_contrast"`
	MTFFile             string  `json:"mtf_file,omitempty"`
}

// Micrograph is an aligned sum produced from a movie.
type Micrograph struct {
	ID           int         `json:"id"`
	FileName     string      `json:"file_name"`
	MovieID      int         `json:"movie_id"`
	MovieFile    string      `json:"movie_file"`
	SamplingRate float64     `json:"sampling_rate"`
	Acquisition  Acquisition `json:"acquisition"`
	OpticsGroup  OpticsGroup `json:"optics_group"`
	DoseWeighted bool        `json:"dose_weighted"`
	MotionTotal  float64     `json:"motion_total"`
	MotionEarly  float64     `json:"motion_early"`
	MotionLate   float64     `json:"motion_late"`
	PlotGlobal   string      `json:"plot_global,omitempty"`
	Thumbnail    string      `json:"thumbnail,omitempty"`
	PSD          string      `json:"psd,omitempty"`
	EvenFile     string      `json:"even_file,omitempty"`
	OddFile      string      `json:"odd_file,omitempty"`
}

var movieExts = map[string]struct{}{
	".mrc":  {},
	".mrcs": {},
	".tif":  {},
	".tiff": {},
	".eer":  {},
}

// IsMovieFile reports whether path has a supported movie extension.
func IsMovieFile(path string) bool {
	_, ok := movieExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Load globs pattern and builds a set with ids assigned in sorted order.
func Load(pattern string, samplingRate float64, acq Acquisition, gain, dark string) (*MovieSet, error) {
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("bad input pattern %q: %w", pattern, err)
	}
	sort.Strings(files)

	set := &MovieSet{SamplingRate: samplingRate, Acquisition: acq, Gain: gain, Dark: dark}
	for _, f := range files {
		if !IsMovieFile(f) {
			continue
		}
		id := len(set.Movies) + 1
		if _, err := os.Stat(f); err != nil {
			// broken link, kept so validation can report it
			set.Movies = append(set.Movies, &Movie{ID: id, FileName: f})
			continue
		}
		m, err := NewMovie(id, f)
		if err != nil {
			return nil, err
		}
		set.Movies = append(set.Movies, m)
	}
	if len(set.Movies) == 0 {
		return nil, fmt.Errorf("%w match %q", ErrNoMovies, pattern)
	}
	first := set.Movies[0]
	set.FramesRange = FramesRange{First: 1, Last: first.NumberOfFrames(), Index: 1}
	return set, nil
}

// NewMovie reads the movie geometry from disk.
func NewMovie(id int, path string) (*Movie, error) {
	x, y, z, err := imageio.Dimensions(path)
	if err != nil {
		return nil, fmt.Errorf("read movie %s: %w", path, err)
	}
	return &Movie{
		ID:          id,
		FileName:    path,
		Dims:        [3]int{x, y, z},
		FramesRange: FramesRange{First: 1, Last: z, Index: 1},
	}, nil
}

// ErrNoMovies is returned when a set or table has nothing to process.
var ErrNoMovies = errors.New("no movies")
