package cli

import (
	"fmt"
	"runtime"
	"sort"

	"motioncorr/internal/config"
	"motioncorr/internal/logging"
	"motioncorr/internal/motioncor"
	"motioncorr/internal/protocol"

	"github.com/spf13/cobra"
)

const references = `@article{Li2013,
  title="Electron counting and beam-induced motion correction enable near-atomic-resolution single-particle cryo-EM",
  author="Li, Xueming and Mooney, Paul and Zheng, Shawn and Booth, Christopher R and Braunfeld, Michael B and Gubbens, Sander and Agard, David A and Cheng, Yifan",
  journal="Nature methods",
  volume="10",
  number="6",
  pages="584-590",
  year="2013",
  doi="10.1038/nmeth.2727"
}

@article{Zheng2017,
  title="MotionCor2: anisotropic correction of beam-induced motion for improved cryo-electron microscopy",
  author="Zheng, Shawn Q and Palovcak, Eugene and Armache, Jean-Paul and Verba, Kliment A and Cheng, Yifan and Agard, David A",
  journal="Nature methods",
  volume="14",
  number="4",
  pages="331-332",
  year="2017",
  doi="10.1038/nmeth.4193"
}
`

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate motioncorr configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configValidate()
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func (r *Root) configShow() error {
	fmt.Printf("Current configuration:\n")
	fmt.Printf("Config file: %s\n", config.Path())
	fmt.Printf("\nProcessing:\n")
	fmt.Printf("  GPUs: %s\n", r.cfg.Processing.GPUs)
	fmt.Printf("  Batch size: %d\n", r.cfg.Processing.BatchSize)
	fmt.Printf("  Max tries: %d\n", r.cfg.Processing.MaxTries)
	fmt.Printf("  Sleep on wait: %ds\n", r.cfg.Processing.SleepOnWait)
	fmt.Printf("  Keep batch dirs: %t\n", r.cfg.Processing.KeepBatchDirs)
	fmt.Printf("  Worker thread: %t\n", r.cfg.Processing.UseWorkerThread)
	fmt.Printf("\nBinary:\n")
	fmt.Printf("  Home: %s\n", r.cfg.Binary.Home)
	fmt.Printf("  Program: %s\n", r.cfg.Binary.Program)
	fmt.Printf("  CUDA lib: %s\n", r.cfg.Binary.CudaLib)
	fmt.Printf("  Version: %s\n", motioncor.ActiveVersion(r.cfg.Binary))
	fmt.Printf("\nPaths:\n")
	fmt.Printf("  Project directory: %s\n", r.cfg.Paths.ProjectDir)
	fmt.Printf("  Database: %s\n", r.cfg.Paths.DatabasePath)
	fmt.Printf("\nLogging:\n")
	fmt.Printf("  Level: %s\n", r.cfg.Logging.Level)
	fmt.Printf("  Format: %s\n", r.cfg.Logging.Format)
	fmt.Printf("  Directory: %s\n", r.cfg.Logging.LogDir)
	return nil
}

func (r *Root) configValidate() error {
	problems := append(r.cfg.Validate(), motioncor.ValidateInstallation(r.cfg.Binary)...)
	if len(problems) == 0 {
		r.log.Info("configuration validation", "status", "valid")
		fmt.Println("✅ Configuration is valid")
		return nil
	}
	for _, p := range problems {
		fmt.Printf("❌ %s\n", p)
	}
	return fmt.Errorf("%d configuration problems", len(problems))
}

func (r *Root) validate(mode protocol.Mode, o runOptions) error {
	p, err := o.load(mode)
	if err != nil {
		return err
	}
	pr, err := r.newProtocol(r.cfg, p, protocol.Options{RunID: newID("validate"), Mode: mode, Log: r.log})
	if err != nil {
		return err
	}
	if err := pr.Load(); err != nil {
		return err
	}
	problems := pr.Validate()
	if len(problems) == 0 {
		fmt.Println("✅ Parameters are valid")
		return nil
	}
	for _, msg := range problems {
		fmt.Printf("❌ %s\n", msg)
	}
	return fmt.Errorf("%d validation errors", len(problems))
}

func (r *Root) cmdVersion() error {
	fmt.Printf("motioncorr v1.0.0-dev\n")
	fmt.Printf("Built with Go %s\n", runtime.Version())
	fmt.Printf("MotionCor version: %s\n", motioncor.ActiveVersion(r.cfg.Binary))
	fmt.Printf("Supported versions: %v\n", motioncor.SupportedVersions())
	return nil
}

func newToolsCmd(root *Root) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Show the availability of the external programs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdTools(verbose)
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show paths and errors")
	return cmd
}

func (r *Root) cmdTools(verbose bool) error {
	status := r.newToolManager().GetToolStatus()
	names := make([]string, 0, len(status))
	for name := range status {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println("=== Tool Availability Status ===")
	for _, name := range names {
		st := status[name]
		logging.LogToolStatus(r.log, name, st.Available, st.Version, st.Path, st.Error)
		icon := "❌ NOT AVAILABLE"
		if st.Available {
			icon = "✅ AVAILABLE"
		}
		fmt.Printf("  %-15s %s", name, icon)
		if verbose {
			if st.Version != "" {
				fmt.Printf(" (%s)", st.Version)
			}
			if st.Path != "" {
				fmt.Printf(" [%s]", st.Path)
			}
			if st.Error != nil {
				fmt.Printf(" - %v", st.Error)
			}
		}
		fmt.Println()
	}
	return nil
}
