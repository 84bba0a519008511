package cli

import (
	"context"
	"fmt"
	"log/slog"

	"motioncorr/internal/config"
	"motioncorr/internal/protocol"
	"motioncorr/internal/storage"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store) *cobra.Command {
	return newRootCmd(NewRoot(cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "motioncorr",
		Short: "motioncorr drives MotionCor2/3 over movies and tilt series",
		Long: `motioncorr builds MotionCor command lines, runs them over movie sets on
one or more GPUs, parses the alignment logs and registers the aligned
micrographs as sqlite sets.`,
		SilenceUsage: true,
	}

	// Processing
	rootCmd.AddCommand(newRunCmd(root, protocol.ModeMovies,
		"align [input]", "Align every movie of a set, one binary run per movie"))
	rootCmd.AddCommand(newRunCmd(root, protocol.ModeStream,
		"stream [input]", "Align movies in batches as they appear"))
	rootCmd.AddCommand(newRunCmd(root, protocol.ModeTiltSeries,
		"tilt-series [table]", "Align the tilt images of tilt series"))
	rootCmd.AddCommand(newValidateCmd(root))

	// Inspection
	rootCmd.AddCommand(newParseLogCmd(root))
	rootCmd.AddCommand(newMagCmd(root))
	rootCmd.AddCommand(newEERDefectsCmd(root))
	rootCmd.AddCommand(newSummaryCmd(root))
	rootCmd.AddCommand(newFailedCmd(root))

	rootCmd.AddCommand(newToolsCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newCiteCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func addRunFlags(cmd *cobra.Command, o *runOptions) {
	cmd.Flags().StringVarP(&o.paramsFile, "params", "p", "", "TOML parameter file")
	cmd.Flags().StringVar(&o.gpus, "gpus", "", "GPU ids separated by spaces, e.g. \"0 1\" (overrides the params file)")
	cmd.Flags().IntVar(&o.batchSize, "batch-size", 0, "movies per streaming batch (overrides the params file)")
	cmd.Flags().StringVar(&o.runID, "run", "", "run id (default: generated)")
	cmd.Flags().BoolVar(&o.serve, "serve", false, "serve run progress over HTTP and gRPC while running")
}

func newRunCmd(root *Root, mode protocol.Mode, use, short string) *cobra.Command {
	var o runOptions

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				o.input = args[0]
			}
			root.log.Info("starting run", "mode", mode, "params", o.paramsFile, "input", o.input)
			return root.runProtocol(cmd.Context(), mode, o)
		},
	}
	addRunFlags(cmd, &o)
	if mode == protocol.ModeStream {
		cmd.Flags().BoolVar(&o.once, "once", false, "process the movies present now and stop")
	}
	return cmd
}

func newValidateCmd(root *Root) *cobra.Command {
	var (
		o    runOptions
		tilt bool
	)
	cmd := &cobra.Command{
		Use:   "validate [input]",
		Short: "Check the installation and the parameters against the input",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				o.input = args[0]
			}
			mode := protocol.ModeMovies
			if tilt {
				mode = protocol.ModeTiltSeries
			}
			return root.validate(mode, o)
		},
	}
	cmd.Flags().StringVarP(&o.paramsFile, "params", "p", "", "TOML parameter file")
	cmd.Flags().BoolVar(&tilt, "tilt-series", false, "input is a tilt-series table")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var addr, grpcAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve stored runs over HTTP and gRPC",
		Long: `Start the HTTP status server (runs, batches, micrographs, failed movies,
shifts) and the gRPC health service over the run store.

Examples:
  motioncorr serve --addr :8090 --grpc-addr :8091`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				root.cfg.Server.Addr = addr
			}
			if grpcAddr != "" {
				root.cfg.Server.GRPCAddr = grpcAddr
			}
			root.log.Info("server ready",
				"addr", root.cfg.Server.Addr,
				"grpc_addr", root.cfg.Server.GRPCAddr,
				"endpoints", []string{"/healthz", "/runs", "/batches", "/stream", "/ws"},
			)
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			_, errs := root.serveFn(ctx, root.cfg, root.store, root.log)
			return <-errs
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "HTTP address (default from config)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC health address (default from config)")
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdVersion()
		},
	}
}

func newCiteCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "cite",
		Short: "Print the references to cite",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Print(references)
		},
	}
}
