package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/msageha/courier/internal/client"
	"github.com/msageha/courier/internal/daemon"
	"github.com/msageha/courier/internal/executor"
	"github.com/msageha/courier/internal/logging"
	"github.com/msageha/courier/internal/model"
	"github.com/msageha/courier/internal/setup"
	"github.com/msageha/courier/internal/status"
	"github.com/msageha/courier/internal/worker"
	yamlcfg "github.com/msageha/courier/internal/yaml"
)

const version = "0.1.0"

// Flags shared by every subcommand.
var (
	dataDirFlag string
	apiURLFlag  string
	logLevel    string
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: .env: %v\n", err)
	}
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "courier",
		Short:         "Command dispatch and execution tracking for polling agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dataDirFlag, "dir", "", "data directory (default: nearest .courier, or $COURIER_DIR)")
	root.PersistentFlags().StringVar(&apiURLFlag, "api", "", "API base URL (default: server.http_addr from config, or $COURIER_API)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug|info|warn|error)")

	root.AddCommand(
		newDaemonCmd(),
		newWorkerCmd(),
		newCommandCmd(),
		newExecCmd(),
		newCtlCmd(),
		newStatusCmd(),
		newConfigCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "courier %s\n", version)
			},
		},
	)
	return root
}

func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the daemon in the foreground",
		RunE: func(_ *cobra.Command, _ []string) error {
			dataDir, err := requireDataDir()
			if err != nil {
				return err
			}
			cfg, err := loadConfig(dataDir)
			if err != nil {
				return err
			}
			d, err := daemon.New(dataDir, cfg)
			if err != nil {
				return fmt.Errorf("create daemon: %w", err)
			}
			return d.Run()
		},
	}
}

func newWorkerCmd() *cobra.Command {
	var opts worker.Options
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Poll and execute commands for one agent",
		RunE: func(_ *cobra.Command, _ []string) error {
			api, err := apiClient()
			if err != nil {
				return err
			}
			level := logLevel
			if level == "" {
				level = "info"
			}
			w, err := worker.New(api, executor.NewRegistry(executor.KindEcho), opts, logging.NewConsole("courier-worker", level))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return w.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&opts.AgentID, "agent", "", "agent id to poll for (required)")
	cmd.Flags().IntVar(&opts.Pollers, "pollers", 1, "number of concurrent pollers")
	cmd.Flags().IntVar(&opts.BatchSize, "batch", 1, "commands claimed per poll")
	cmd.Flags().DurationVar(&opts.PollInterval, "interval", worker.DefaultPollInterval, "idle poll interval")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dataDir, err := requireDataDir()
			if err != nil {
				return err
			}
			return status.Run(dataDir, jsonOutput, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage config.yaml",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [project_dir]",
		Short: "Create .courier/ with a default config.yaml",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectDir := "."
			if len(args) == 1 {
				projectDir = args[0]
			}
			base, err := setup.Run(projectDir, force)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", base)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config.yaml (a .bak copy is kept)")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (file, defaults and environment)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dataDir, err := requireDataDir()
			if err != nil {
				return err
			}
			cfg, err := loadConfig(dataDir)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}

	restoreCmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore config.yaml from its .bak copy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dataDir, err := requireDataDir()
			if err != nil {
				return err
			}
			if err := yamlcfg.RestoreConfig(dataDir); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "restored", yamlcfg.ConfigPath(dataDir))
			return nil
		},
	}

	cmd.AddCommand(initCmd, showCmd, restoreCmd)
	return cmd
}

// resolveDataDir picks --dir, then $COURIER_DIR, then the nearest .courier.
func resolveDataDir() string {
	if dataDirFlag != "" {
		return dataDirFlag
	}
	if v := os.Getenv("COURIER_DIR"); v != "" {
		return v
	}
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return setup.FindDataDir(wd)
}

func requireDataDir() (string, error) {
	dir := resolveDataDir()
	if dir == "" {
		return "", errors.New(".courier/ directory not found. Run 'courier config init' first")
	}
	return dir, nil
}

// loadConfig reads config.yaml and applies COURIER_* overrides and --log-level.
func loadConfig(dataDir string) (model.Config, error) {
	cfg, err := yamlcfg.LoadConfig(dataDir)
	if err != nil {
		return model.Config{}, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return model.Config{}, fmt.Errorf("environment: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return model.Config{}, err
	}
	return cfg, nil
}

// apiClient builds an HTTP client from --api, $COURIER_API, or the data
// directory's server.http_addr.
func apiClient() (*client.Client, error) {
	url := apiURLFlag
	if url == "" {
		url = os.Getenv("COURIER_API")
	}
	if url == "" {
		cfg := model.DefaultConfig()
		if dir := resolveDataDir(); dir != "" {
			loaded, err := loadConfig(dir)
			if err != nil {
				return nil, err
			}
			cfg = loaded
		}
		url = cfg.Server.HTTPAddr
	}
	return client.New(url, 30*time.Second), nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
