package protocol

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"motioncorr/internal/storage"
)

// Summary describes the outputs of a run from its stored statistics.
// inputSize is the number of input items (tilt series in tilt-series runs);
// zero falls back to the number of stored movies.
func Summary(mode Mode, inputSize int, stats storage.RunStats, splitEvenOdd, doseFilter bool) []string {
	if stats.Micrographs == 0 {
		return []string{"Output is not ready"}
	}
	if inputSize == 0 {
		inputSize = stats.Movies
	}
	p := message.NewPrinter(language.English)
	var summary []string
	if mode == ModeTiltSeries {
		summary = append(summary, p.Sprintf("Aligned %d tilt series movies using motioncor.", inputSize))
		if splitEvenOdd && doseFilter {
			summary = append(summary, "Even/odd outputs are dose-weighted!")
		}
	} else {
		summary = append(summary, p.Sprintf("Aligned %d movies using motioncor.", inputSize))
	}
	if stats.Failed > 0 {
		summary = append(summary, p.Sprintf("%d movies failed.", stats.Failed))
	}
	return summary
}

// Summary describes the outputs of this run.
func (pr *Protocol) Summary() []string {
	stats, err := pr.Store.RunStats(pr.RunID)
	if err != nil {
		return []string{"Output is not ready"}
	}
	inputSize := 0
	if pr.Mode == ModeTiltSeries {
		inputSize = len(pr.Series)
	}
	return Summary(pr.Mode, inputSize, stats, pr.Params.SplitEvenOdd, pr.Params.DoApplyDoseFilter)
}
