package cli

import (
	"fmt"
	"strconv"

	"motioncorr/internal/motioncor"
	"motioncorr/internal/movies"
	"motioncorr/internal/protocol"
	"motioncorr/internal/setdb"

	"github.com/spf13/cobra"
)

func newParseLogCmd(root *Root) *cobra.Command {
	var (
		legacy  bool
		pixSize float64
	)
	cmd := &cobra.Command{
		Use:   "parse-log <log>",
		Short: "Print the frame shifts of an alignment log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parse := motioncor.ParseMovieAlignment2
			if legacy {
				parse = motioncor.ParseMovieAlignment
			}
			xs, ys, err := parse(args[0])
			if err != nil {
				return err
			}
			if len(xs) == 0 {
				return fmt.Errorf("no shifts found in %s", args[0])
			}
			fmt.Printf("%-6s %10s %10s\n", "frame", "x", "y")
			for i := range xs {
				fmt.Printf("%-6d %10.2f %10.2f\n", i+1, xs[i], ys[i])
			}
			if pixSize > 0 {
				m := motioncor.CalcFrameMotion(xs, ys, pixSize)
				fmt.Printf("Total motion: %.2f A, early: %.2f A, late: %.2f A\n", m.Total, m.Early, m.Late)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&legacy, "legacy", false, "log written by the original motioncorr program")
	cmd.Flags().Float64Var(&pixSize, "pixel-size", 0, "pixel size in A; prints the accumulated motion")
	return cmd
}

func newMagCmd(root *Root) *cobra.Command {
	var corr bool
	cmd := &cobra.Command{
		Use:   "mag <report>",
		Short: "Print the values of a magnification distortion report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parse, labels := motioncor.ParseMagEstOutput, []string{
				"angle", "major_scale", "minor_scale",
			}
			if corr {
				parse = motioncor.ParseMagCorrInput
			}
			vals, err := parse(args[0])
			if err != nil {
				return err
			}
			if len(vals) == 0 {
				return fmt.Errorf("no values found in %s", args[0])
			}
			for i, v := range vals {
				label := "value_" + strconv.Itoa(i)
				if i < len(labels) {
					label = labels[i]
				}
				fmt.Printf("%-12s %s\n", label, strconv.FormatFloat(v, 'f', -1, 64))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&corr, "corr", false, "print the stretch-only values passed to -Mag")
	return cmd
}

func newEERDefectsCmd(root *Root) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "eer-defects <gain.tif>",
		Short: "Extract the defect list stored in an EER gain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defects, err := motioncor.ParseEERDefects(args[0])
			if err != nil {
				return err
			}
			if output != "" {
				if err := motioncor.WriteDefectsFile(output, defects); err != nil {
					return err
				}
				fmt.Printf("Wrote %d defects to %s\n", len(defects), output)
				return nil
			}
			for _, d := range defects {
				fmt.Printf("%d %d %d %d\n", d[0], d[1], d[2], d[3])
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write a -DefectFile instead of printing")
	return cmd
}

func newSummaryCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "summary <run>",
		Short: "Summarise a stored run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := root.store.GetRun(args[0])
			if err != nil {
				return fmt.Errorf("run %s: %w", args[0], err)
			}
			stats, err := root.store.RunStats(rec.ID)
			if err != nil {
				return err
			}
			p := runParams(rec)
			fmt.Printf("Run %s (%s): %s\n", rec.ID, rec.Mode, rec.Status)
			fmt.Printf("Movies: %d done, %d failed, %d total in %d batches\n", stats.Done, stats.Failed, stats.Movies, stats.Batches)
			for _, line := range protocol.Summary(protocol.Mode(rec.Mode), 0, stats, p.SplitEvenOdd, p.DoApplyDoseFilter) {
				fmt.Println(line)
			}
			if methods := p.Methods(); len(methods) > 0 {
				fmt.Println("Methods:")
				for _, line := range methods {
					fmt.Println(line)
				}
			}
			return nil
		},
	}
}

func newFailedCmd(root *Root) *cobra.Command {
	var export string
	cmd := &cobra.Command{
		Use:   "failed <run>",
		Short: "List the movies a run could not align",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := root.store.GetRun(args[0])
			if err != nil {
				return fmt.Errorf("run %s: %w", args[0], err)
			}
			failed, err := root.store.FailedMovies(rec.ID)
			if err != nil {
				return err
			}
			if len(failed) == 0 {
				fmt.Println("No failed movies.")
				return nil
			}
			rows := make([]setdb.Row, 0, len(failed))
			for _, f := range failed {
				fmt.Printf("%6d  %s  %s\n", f.MovieID, f.FilePath, f.Error)
				rows = append(rows, setdb.MovieRow(&movies.Movie{ID: f.MovieID, FileName: f.FilePath}))
			}
			if export == "" {
				return nil
			}
			p := runParams(rec)
			props := setdb.SetProperties(p.SamplingRate, p.Acquisition, setdb.StreamClosed)
			if err := setdb.WriteSet(export, setdb.Movies, props, rows); err != nil {
				return fmt.Errorf("export %s: %w", export, err)
			}
			fmt.Printf("Exported %d movies to %s\n", len(rows), export)
			return nil
		},
	}
	cmd.Flags().StringVar(&export, "export", "", "write the failed movies to a movie set file")
	return cmd
}
