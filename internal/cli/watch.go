package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rescale/thumblink/internal/config"
	"github.com/rescale/thumblink/internal/constants"
	"github.com/rescale/thumblink/internal/daemon"
	"github.com/rescale/thumblink/internal/files"
	"github.com/rescale/thumblink/internal/logging"
	"github.com/rescale/thumblink/internal/notify"
	"github.com/rescale/thumblink/internal/pathutil"
)

// newWatchCmd creates the 'watch' command group.
func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Thumbnail new and modified files in watched directories",
		Long: `Background service that watches directories and requests thumbnails for
files as they are created or modified.

Examples:
  # Watch a directory in the foreground
  thumblink watch run ~/Pictures

  # Watch the directories from the config file in the background
  thumblink watch run --background

  # Check status of the watch daemon
  thumblink watch status

  # List files that could not be thumbnailed
  thumblink watch list --failed

  # Retry failed files on the next start
  thumblink watch retry --all`,
	}

	cmd.AddCommand(newWatchRunCmd())
	cmd.AddCommand(newWatchStatusCmd())
	cmd.AddCommand(newWatchListCmd())
	cmd.AddCommand(newWatchRetryCmd())
	cmd.AddCommand(newWatchStopCmd())

	return cmd
}

// newWatchRunCmd creates the 'watch run' command.
func newWatchRunCmd() *cobra.Command {
	var (
		recursive     bool
		includeHidden bool
		noScan        bool
		debounce      time.Duration
		stateFile     string
		logFile       string
		background    bool
	)

	cmd := &cobra.Command{
		Use:   "run [dir...]",
		Short: "Run the watch daemon",
		Long: `Watch directories and thumbnail new files. Directories given as arguments
replace the ones from the [watch] section of the config file.

Press Ctrl+C to stop the daemon gracefully.

Examples:
  thumblink watch run ~/Pictures ~/Downloads
  thumblink watch run --recursive --debounce 2s ~/Photos
  thumblink watch run --background`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if len(args) > 0 {
				dirs := make([]string, 0, len(args))
				for _, arg := range args {
					dir, err := pathutil.ResolveAbsolutePath(arg)
					if err != nil {
						return fmt.Errorf("invalid directory %q: %w", arg, err)
					}
					dirs = append(dirs, dir)
				}
				cfg.SetWatchDirectories(dirs)
			}
			if cmd.Flags().Changed("recursive") {
				cfg.Watch.Recursive = recursive
			}
			if cmd.Flags().Changed("hidden") {
				cfg.Watch.IncludeHidden = includeHidden
			}
			if cmd.Flags().Changed("no-scan") {
				cfg.Watch.ScanExisting = !noScan
			}
			if cmd.Flags().Changed("debounce") {
				cfg.Watch.DebounceMs = int(debounce.Milliseconds())
			}
			if logFile != "" {
				cfg.Log.File = logFile
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid option: %w", err)
			}
			if err := cfg.ValidateWatch(); err != nil {
				return err
			}

			pidFile := daemon.DefaultPIDFile()
			if daemon.IsDaemonChild() {
				return runWatch(cfg, stateFile, pidFile)
			}
			if pid := pidFile.Owner(); pid != 0 {
				return fmt.Errorf("%w (PID %d)", daemon.ErrAlreadyRunning, pid)
			}

			if background {
				pid, err := daemon.Daemonize(os.Args[1:], pidFile, constants.DaemonStartTimeout)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Watch daemon started with PID %d\n", pid)
				return nil
			}

			return runWatch(cfg, stateFile, pidFile)
		},
	}

	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "Also watch subdirectories")
	cmd.Flags().BoolVar(&includeHidden, "hidden", false, "Include hidden files and directories")
	cmd.Flags().BoolVar(&noScan, "no-scan", false, "Do not queue files already present at startup")
	cmd.Flags().DurationVar(&debounce, "debounce", 0, "Collect changes for this long before queuing (e.g. 500ms, 2s)")
	cmd.Flags().StringVar(&stateFile, "state-file", daemon.DefaultStateFilePath(), "Path to daemon state file")
	cmd.Flags().StringVar(&logFile, "log-file", "", "Path to log file (overrides config)")
	cmd.Flags().BoolVar(&background, "background", false, "Detach and run in the background")

	return cmd
}

func runWatch(cfg *config.Config, stateFile string, pidFile *daemon.PIDFile) error {
	child := daemon.IsDaemonChild()

	if cfg.Log.File == "" {
		if err := config.EnsureLogDirectory(); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	logger, logWriter := logging.NewDaemonLogger(logging.DaemonLogConfig{
		LogFile: cfg.LogFilePath(),
		Console: !child,
	})
	defer logWriter.Close()

	if !verbose && !debug {
		level, err := logging.ParseLevel(cfg.Log.Level)
		if err != nil {
			level = zerolog.InfoLevel
		}
		logging.SetGlobalLevel(level)
	}

	if err := pidFile.Acquire(); err != nil {
		logger.Error().Err(err).Str("pid_file", pidFile.Path()).Msg("Cannot start watch daemon")
		return err
	}
	defer pidFile.Release()

	notifier := notify.NewNotifier(notify.FromConfig(cfg.Notifications), logger)

	s, err := openSession(cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	if !s.thumbnailer.HasService() {
		notifier.ServiceUnavailable("Could not connect to the " + cfg.Service.Bus + " bus.")
		return fmt.Errorf("cannot watch without a thumbnail service")
	}

	dcfg := daemon.ConfigFrom(cfg)
	dcfg.StateFile = stateFile

	d, err := daemon.New(dcfg, s.thumbnailer, s.cache, s.eventBus, notifier, logger)
	if err != nil {
		return fmt.Errorf("failed to create watch daemon: %w", err)
	}

	if !child {
		fmt.Println("======================================================================")
		fmt.Println("  THUMBLINK WATCH DAEMON")
		fmt.Println("======================================================================")
		for _, dir := range dcfg.Directories {
			fmt.Printf("Directory: %s\n", dir)
		}
		fmt.Printf("Recursive: %t\n", dcfg.Recursive)
		fmt.Printf("Debounce: %s\n", dcfg.Debounce)
		fmt.Printf("Flavor: %s\n", cfg.Service.Flavor)
		fmt.Printf("Log File: %s\n", cfg.LogFilePath())
		fmt.Println("----------------------------------------------------------------------")
		fmt.Println("Mode: Continuous watching (Ctrl+C to stop)")
		fmt.Println("======================================================================")
		fmt.Println()
	}

	err = d.Run(GetContext(), s.signals())
	if errors.Is(err, daemon.ErrServiceLost) {
		notifier.ServiceUnavailable("The thumbnail service connection was lost.")
	}
	return err
}

// newWatchStatusCmd creates the 'watch status' command.
func newWatchStatusCmd() *cobra.Command {
	var stateFile string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show watch daemon state and statistics",
		Long: `Display the watch daemon state including:
- Whether a background daemon is running
- Number of files thumbnailed
- Number of files that failed
- Last scan time
- Recent failures`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			state := daemon.NewState(stateFile)
			if err := state.Load(); err != nil {
				return fmt.Errorf("failed to load state: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "======================================================================")
			daemon.StatusFromState(state, daemon.ConfigFrom(cfg), daemon.DefaultPIDFile().Owner()).WriteStatus(out)
			fmt.Fprintf(out, "  State File: %s\n", stateFile)

			failed := state.GetFailedFiles()
			if len(failed) > 0 {
				fmt.Fprintln(out, "\nRecent Failures:")
				for i, rec := range failed {
					if i == 5 {
						fmt.Fprintf(out, "  ... and %d more\n", len(failed)-5)
						break
					}
					fmt.Fprintf(out, "  - %s\n", rec.URI)
					fmt.Fprintf(out, "    Error: %s\n", rec.Error)
				}
				fmt.Fprintln(out, "\nUse 'thumblink watch retry --all' to retry failed files.")
			}
			fmt.Fprintln(out, "======================================================================")

			return nil
		},
	}

	cmd.Flags().StringVar(&stateFile, "state-file", daemon.DefaultStateFilePath(), "Path to daemon state file")

	return cmd
}

// newWatchListCmd creates the 'watch list' command.
func newWatchListCmd() *cobra.Command {
	var (
		stateFile  string
		showFailed bool
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List thumbnailed or failed files",
		Long: `List files the watch daemon has thumbnailed, newest first.

Use --failed to show failed files instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			state := daemon.NewState(stateFile)
			if err := state.Load(); err != nil {
				return fmt.Errorf("failed to load state: %w", err)
			}

			out := cmd.OutOrStdout()
			if showFailed {
				failed := state.GetFailedFiles()
				if len(failed) == 0 {
					fmt.Fprintln(out, "No failed files.")
					return nil
				}

				fmt.Fprintf(out, "Failed Files (%d):\n\n", len(failed))
				for i, rec := range failed {
					if limit > 0 && i == limit {
						break
					}
					fmt.Fprintf(out, "%d. %s\n", i+1, rec.URI)
					fmt.Fprintf(out, "   Error: %s (code %d)\n", rec.Error, rec.Code)
					fmt.Fprintf(out, "   Time: %s\n\n", rec.ProcessedAt.Format(time.RFC3339))
				}
				return nil
			}

			recent := state.GetRecent(limit)
			if len(recent) == 0 {
				fmt.Fprintln(out, "No thumbnailed files.")
				return nil
			}

			fmt.Fprintf(out, "Thumbnailed Files (%d):\n\n", len(recent))
			for i, rec := range recent {
				fmt.Fprintf(out, "%d. %s\n", i+1, rec.URI)
				fmt.Fprintf(out, "   Time: %s\n", rec.ProcessedAt.Format(time.RFC3339))
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&stateFile, "state-file", daemon.DefaultStateFilePath(), "Path to daemon state file")
	cmd.Flags().BoolVar(&showFailed, "failed", false, "Show failed files instead of thumbnailed ones")
	cmd.Flags().IntVar(&limit, "limit", 0, "Limit number of entries shown (0 = all)")

	return cmd
}

// newWatchRetryCmd creates the 'watch retry' command.
func newWatchRetryCmd() *cobra.Command {
	var (
		stateFile string
		retryAll  bool
	)

	cmd := &cobra.Command{
		Use:   "retry [file...]",
		Short: "Retry failed files",
		Long: `Clear the failed status of files so the watch daemon queues them again
the next time it scans the watched directories.

Examples:
  # Retry all failed files
  thumblink watch retry --all

  # Retry specific files
  thumblink watch retry ~/Pictures/broken.png`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !retryAll && len(args) == 0 {
				return fmt.Errorf("either --all or at least one file must be specified")
			}
			if pid := daemon.DefaultPIDFile().Owner(); pid != 0 {
				return fmt.Errorf("stop the watch daemon (PID %d) first: thumblink watch stop", pid)
			}

			state := daemon.NewState(stateFile)
			if err := state.Load(); err != nil {
				return fmt.Errorf("failed to load state: %w", err)
			}

			out := cmd.OutOrStdout()
			cleared, err := retryFiles(state, retryAll, args)
			if err != nil {
				return err
			}
			for _, uri := range cleared {
				fmt.Fprintf(out, "Marked for retry: %s\n", uri)
			}
			if len(cleared) == 0 {
				fmt.Fprintln(out, "No failed files to retry.")
				return nil
			}

			if err := state.Save(); err != nil {
				return fmt.Errorf("failed to save state: %w", err)
			}

			fmt.Fprintf(out, "\n%d file(s) marked for retry.\n", len(cleared))
			fmt.Fprintln(out, "They are queued again the next time 'thumblink watch run' scans the directories.")
			return nil
		},
	}

	cmd.Flags().StringVar(&stateFile, "state-file", daemon.DefaultStateFilePath(), "Path to daemon state file")
	cmd.Flags().BoolVar(&retryAll, "all", false, "Retry all failed files")

	return cmd
}

// retryFiles clears the failed status of every failed file, or of paths.
func retryFiles(state *daemon.State, all bool, paths []string) ([]string, error) {
	var cleared []string

	if all {
		for _, rec := range state.GetFailedFiles() {
			if state.ClearFailed(rec.URI) {
				cleared = append(cleared, rec.URI)
			}
		}
		return cleared, nil
	}

	for _, path := range paths {
		abs, err := pathutil.ResolveAbsolutePath(path)
		if err != nil {
			return nil, fmt.Errorf("invalid path %q: %w", path, err)
		}
		uri, err := files.FileURI(abs)
		if err != nil {
			return nil, err
		}
		if state.ClearFailed(uri) {
			cleared = append(cleared, uri)
		}
	}
	return cleared, nil
}

// newWatchStopCmd creates the 'watch stop' command.
func newWatchStopCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the background watch daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			pidFile := daemon.DefaultPIDFile()
			pid := pidFile.Owner()
			if pid == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Watch daemon is not running.")
				return nil
			}

			if err := daemon.StopDaemon(pid); err != nil {
				return err
			}

			deadline := time.Now().Add(timeout)
			for time.Now().Before(deadline) {
				if pidFile.Owner() == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "Watch daemon (PID %d) stopped.\n", pid)
					return nil
				}
				time.Sleep(100 * time.Millisecond)
			}
			return fmt.Errorf("watch daemon (PID %d) did not stop within %s", pid, timeout)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "How long to wait for the daemon to exit")

	return cmd
}
