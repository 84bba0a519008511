package movies

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	simple_util "github.com/liserjrqlxue/simple-util"
)

// TiltSeries is an ordered group of tilt image movies.
type TiltSeries struct {
	ID    string
	Items []*Movie
}

// tilt table columns
const (
	colTsID  = "tsId"
	colOrder = "order"
	colAngle = "angle"
	colPath  = "path"
)

// LoadTiltSeries reads a tab separated table with the header
// "tsId order angle path". Relative paths are resolved against the table's
// directory. Series keep the table's first-seen order; tilt images are sorted
// by acquisition order and numbered 1..N across the whole table.
func LoadTiltSeries(table string) ([]TiltSeries, error) {
	if _, err := os.Stat(table); err != nil {
		return nil, fmt.Errorf("tilt-series table: %w", err)
	}
	rows, header := simple_util.File2MapArray(table, "\t", nil)
	for _, col := range []string{colTsID, colOrder, colAngle, colPath} {
		if !contains(header, col) {
			return nil, fmt.Errorf("tilt-series table %s: missing column %q", table, col)
		}
	}

	baseDir := filepath.Dir(table)
	index := map[string]int{}
	var series []TiltSeries
	for i, row := range rows {
		tsID := strings.TrimSpace(row[colTsID])
		if tsID == "" {
			continue
		}
		order, err := strconv.Atoi(strings.TrimSpace(row[colOrder]))
		if err != nil {
			return nil, fmt.Errorf("row %d: bad acquisition order %q", i+2, row[colOrder])
		}
		angle, err := strconv.ParseFloat(strings.TrimSpace(row[colAngle]), 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: bad tilt angle %q", i+2, row[colAngle])
		}
		path := strings.TrimSpace(row[colPath])
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		m, err := NewMovie(0, path)
		if err != nil {
			return nil, err
		}
		m.TsID = tsID
		m.AcquisitionOrder = order
		m.TiltAngle = angle

		pos, ok := index[tsID]
		if !ok {
			pos = len(series)
			index[tsID] = pos
			series = append(series, TiltSeries{ID: tsID})
		}
		series[pos].Items = append(series[pos].Items, m)
	}
	if len(series) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoMovies, table)
	}

	id := 1
	for _, ts := range series {
		sort.SliceStable(ts.Items, func(a, b int) bool {
			return ts.Items[a].AcquisitionOrder < ts.Items[b].AcquisitionOrder
		})
		for _, m := range ts.Items {
			m.ID = id
			id++
		}
	}
	return series, nil
}

// AsSet flattens tilt series into a movie set for validation and argument building.
func AsSet(series []TiltSeries, samplingRate float64, acq Acquisition, gain, dark string) *MovieSet {
	set := &MovieSet{SamplingRate: samplingRate, Acquisition: acq, Gain: gain, Dark: dark}
	for _, ts := range series {
		set.Movies = append(set.Movies, ts.Items...)
	}
	if first := set.FirstItem(); first != nil {
		set.FramesRange = FramesRange{First: 1, Last: first.NumberOfFrames(), Index: 1}
	}
	return set
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
