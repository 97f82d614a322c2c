package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rescale/thumblink/internal/config"
	"github.com/rescale/thumblink/internal/constants"
	"github.com/rescale/thumblink/internal/pathutil"
	"github.com/rescale/thumblink/internal/thumbnailer"
)

// newConfigCmd creates the 'config' command group.
func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage thumblink configuration",
		Long: `Configuration management commands for thumblink.

Commands:
  init  - Interactive configuration setup
  show  - Display current configuration
  test  - Test the thumbnail service connection
  path  - Show configuration file path`,
	}

	configCmd.AddCommand(newConfigInitCmd())
	configCmd.AddCommand(newConfigShowCmd())
	configCmd.AddCommand(newConfigTestCmd())
	configCmd.AddCommand(newConfigPathCmd())

	return configCmd
}

// newConfigInitCmd creates the 'config init' command.
func newConfigInitCmd() *cobra.Command {
	var (
		force    bool
		defaults bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration interactively",
		Long: `Interactive configuration setup for thumblink.

The configuration will be saved to ~/.config/rescale/thumblink.conf

Use --defaults to write the default configuration without prompting.
Use --force to overwrite existing configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !force {
				if _, err := os.Stat(path); err == nil {
					fmt.Fprintf(out, "Configuration already exists at: %s\n", path)
					fmt.Fprintln(out, "Use --force to overwrite or run 'config show' to view current config.")
					return nil
				}
			}

			cfg := config.NewConfig()
			if !defaults {
				fmt.Fprintln(out, "Thumblink Configuration Setup")
				fmt.Fprintln(out, "=============================")
				fmt.Fprintln(out, "Press Enter to accept the value in brackets.")
				fmt.Fprintln(out)

				if err := promptConfig(newPrompter(cmd.InOrStdin(), out), cfg); err != nil {
					return fmt.Errorf("configuration aborted: %w", err)
				}
			}

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if err := config.SaveConfig(cfg, path); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			GetLogger().Debug().Str("path", path).Msg("Configuration saved")

			fmt.Fprintln(out)
			fmt.Fprintf(out, "✓ Configuration saved to: %s\n", path)
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Test your configuration with: thumblink config test")

			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite existing configuration")
	cmd.Flags().BoolVar(&defaults, "defaults", false, "Write the defaults without prompting")

	return cmd
}

// promptConfig asks for every setting, starting from the values in cfg.
func promptConfig(p *prompter, cfg *config.Config) error {
	var err error

	fmt.Fprintln(p.out, "Thumbnail Service")
	fmt.Fprintln(p.out, "-----------------")
	if cfg.Service.Bus, err = p.promptChoice("Message bus", cfg.Service.Bus,
		[]string{constants.BusSession, constants.BusSystem}); err != nil {
		return err
	}
	if cfg.Service.Flavor, err = p.promptChoice("Thumbnail size", cfg.Service.Flavor,
		[]string{constants.FlavorNormal, constants.FlavorLarge, constants.FlavorXLarge, constants.FlavorXXLarge}); err != nil {
		return err
	}
	if cfg.Service.Scheduler, err = p.promptChoice("Scheduler", cfg.Service.Scheduler,
		[]string{constants.SchedulerForeground, constants.SchedulerBackground, constants.SchedulerDefault}); err != nil {
		return err
	}

	fmt.Fprintln(p.out)
	fmt.Fprintln(p.out, "Watch Daemon")
	fmt.Fprintln(p.out, "------------")
	dirs, err := p.promptString("Directories to watch (comma-separated)", cfg.Watch.Directories)
	if err != nil {
		return err
	}
	var resolved []string
	for _, d := range strings.Split(dirs, ",") {
		if d = strings.TrimSpace(d); d == "" {
			continue
		}
		abs, err := pathutil.ResolveAbsolutePath(d)
		if err != nil {
			return fmt.Errorf("invalid directory %q: %w", d, err)
		}
		resolved = append(resolved, abs)
	}
	cfg.SetWatchDirectories(resolved)

	if cfg.Watch.Recursive, err = p.promptBool("Watch subdirectories", cfg.Watch.Recursive); err != nil {
		return err
	}
	if cfg.Watch.DebounceMs, err = p.promptInt("Debounce (ms)", cfg.Watch.DebounceMs,
		int(constants.MinDebounce.Milliseconds()), int(constants.MaxDebounce.Milliseconds())); err != nil {
		return err
	}
	if cfg.Watch.ScanExisting, err = p.promptBool("Thumbnail existing files on start", cfg.Watch.ScanExisting); err != nil {
		return err
	}

	fmt.Fprintln(p.out)
	if cfg.Notifications.Enabled, err = p.promptBool("Desktop notifications", cfg.Notifications.Enabled); err != nil {
		return err
	}
	return nil
}

// newConfigShowCmd creates the 'config show' command.
func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the current configuration settings.

This command shows the merged configuration from:
  1. Configuration file (~/.config/rescale/thumblink.conf)
  2. Command-line flags (--bus)

Priority: flags > config file > defaults`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			writeConfig(out, cfg)

			fmt.Fprintf(out, "Configuration file: %s\n", path)
			if _, err := os.Stat(path); os.IsNotExist(err) {
				fmt.Fprintln(out, "  (file does not exist - using defaults)")
			}
			return nil
		},
	}

	return cmd
}

func writeConfig(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "Current Configuration")
	fmt.Fprintln(w, "=====================")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Service Settings:")
	fmt.Fprintf(w, "  Bus:       %s\n", cfg.Service.Bus)
	fmt.Fprintf(w, "  Name:      %s\n", cfg.Service.Name)
	fmt.Fprintf(w, "  Path:      %s\n", cfg.Service.Path)
	fmt.Fprintf(w, "  Interface: %s\n", cfg.Service.Interface)
	fmt.Fprintf(w, "  Flavor:    %s\n", cfg.Service.Flavor)
	fmt.Fprintf(w, "  Scheduler: %s\n", cfg.Service.Scheduler)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Cache Settings:")
	fmt.Fprintf(w, "  Max Files: %d\n", cfg.Cache.MaxFiles)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Watch Settings:")
	dirs := cfg.GetWatchDirectories()
	if len(dirs) == 0 {
		fmt.Fprintln(w, "  Directories:    <none>")
	} else {
		fmt.Fprintf(w, "  Directories:    %s\n", strings.Join(dirs, ", "))
	}
	fmt.Fprintf(w, "  Recursive:      %t\n", cfg.Watch.Recursive)
	fmt.Fprintf(w, "  Debounce:       %dms\n", cfg.Watch.DebounceMs)
	fmt.Fprintf(w, "  Include Hidden: %t\n", cfg.Watch.IncludeHidden)
	fmt.Fprintf(w, "  Scan Existing:  %t\n", cfg.Watch.ScanExisting)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Log Settings:")
	fmt.Fprintf(w, "  File:  %s\n", cfg.LogFilePath())
	fmt.Fprintf(w, "  Level: %s\n", cfg.Log.Level)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Notifications:")
	fmt.Fprintf(w, "  Enabled:     %t\n", cfg.Notifications.Enabled)
	fmt.Fprintf(w, "  Show Failed: %t\n", cfg.Notifications.ShowFailed)
	fmt.Fprintln(w)
}

// newConfigTestCmd creates the 'config test' command.
func newConfigTestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Test the thumbnail service connection",
		Long: `Connect to the configured thumbnail service and ask for the types it supports.

Use this to verify the bus and service settings.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := GetLogger()
			out := cmd.OutOrStdout()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			fmt.Fprintln(out, "Testing Thumbnail Service")
			fmt.Fprintln(out, "=========================")
			fmt.Fprintln(out)
			fmt.Fprintf(out, "Bus:     %s\n", cfg.Service.Bus)
			fmt.Fprintf(out, "Service: %s\n", cfg.Service.Name)
			fmt.Fprintln(out)

			s, err := openSession(cfg, logger)
			if err != nil {
				return err
			}
			defer s.Close()

			if !s.thumbnailer.HasService() {
				fmt.Fprintln(out, "✗ Connection FAILED")
				return thumbnailer.ErrNoService
			}

			schemes, _ := s.thumbnailer.Supported()
			if len(schemes) == 0 {
				logger.Error().Msg("Service reported no supported types")
				fmt.Fprintln(out, "✗ The service did not report any supported types")
				return fmt.Errorf("connection test failed")
			}

			fmt.Fprintln(out, "✓ Connection SUCCESSFUL")
			fmt.Fprintf(out, "  %d supported scheme/type combination(s)\n", len(schemes))
			fmt.Fprintln(out)
			fmt.Fprintln(out, "List them with: thumblink supported")

			return nil
		},
	}

	return cmd
}

// newConfigPathCmd creates the 'config path' command.
func newConfigPathCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		Long:  `Display the path to the configuration file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			path, err := configPath()
			if err != nil {
				return err
			}
			if cfgFile == "" {
				fmt.Fprintln(out, "Default configuration path:")
			} else {
				fmt.Fprintln(out, "Configuration path (from --config flag):")
			}

			fmt.Fprintf(out, "  %s\n", path)
			fmt.Fprintln(out)

			if fileInfo, err := os.Stat(path); err == nil {
				fmt.Fprintln(out, "Status: ✓ File exists")
				fmt.Fprintf(out, "Size:   %d bytes\n", fileInfo.Size())
				fmt.Fprintf(out, "Modified: %s\n", fileInfo.ModTime().Format("2006-01-02 15:04:05"))
			} else {
				fmt.Fprintln(out, "Status: File does not exist")
				fmt.Fprintln(out)
				fmt.Fprintln(out, "Create a configuration file with: thumblink config init")
			}

			return nil
		},
	}

	return cmd
}
