package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	clientcmd "github.com/rzbill/mev/internal/cmd/client"
	serverrun "github.com/rzbill/mev/internal/cmd/server"
	cfgpkg "github.com/rzbill/mev/internal/config"
	pebblestore "github.com/rzbill/mev/internal/storage/pebble"
	logpkg "github.com/rzbill/mev/pkg/log"
)

func main() {
	// CLI output respects MEV_LOG_LEVEL; the server builds its own logger
	// from config.
	level := os.Getenv("MEV_LOG_LEVEL")
	parsed, err := logpkg.ParseLevel(level)
	if err != nil || level == "" {
		parsed = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(parsed),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)
	logpkg.RedirectStdLog(logger)

	rootCmd := &cobra.Command{
		Use:          "mev",
		Short:        "mev mail event log",
		Long:         "mev records mail activity events per account, tracks message read state and answers contact analytics. This CLI manages the server and talks to it.",
		SilenceUsage: true,
	}

	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start mev server (gRPC, HTTP and optionally LMTP)",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			dataDir, _ := cmd.Flags().GetString("data-dir")
			grpcAddr, _ := cmd.Flags().GetString("grpc")
			httpAddr, _ := cmd.Flags().GetString("http")
			lmtpAddr, _ := cmd.Flags().GetString("lmtp-addr")
			lmtpOn, _ := cmd.Flags().GetBool("lmtp")

			mode, err := pebblestore.ParseFsyncMode(cfg.Fsync)
			if err != nil {
				return fmt.Errorf("invalid fsync mode %q; use always|interval|never", cfg.Fsync)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := serverrun.Run(ctx, serverrun.Options{
				DataDir:  dataDir,
				GRPCAddr: grpcAddr,
				HTTPAddr: httpAddr,
				LMTPAddr: lmtpAddr,
				LMTP:     lmtpOn,
				Fsync:    mode,
				Config:   cfg,
			}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}
	serverStartCmd.Flags().StringP("config", "c", os.Getenv("MEV_CONFIG"), "Config file (.json, .yaml or .yml)")
	serverStartCmd.Flags().String("data-dir", "", "Data directory (if not specified, uses config or the OS-specific application data directory)")
	serverStartCmd.Flags().String("grpc", "", "gRPC listen address (default from config)")
	serverStartCmd.Flags().String("http", "", "HTTP listen address (default from config)")
	serverStartCmd.Flags().Bool("lmtp", false, "Enable the LMTP delivery listener")
	serverStartCmd.Flags().String("lmtp-addr", "", "LMTP listen address (default from config)")
	serverStartCmd.Flags().String("fsync", "", "Fsync mode: always|interval|never")
	serverStartCmd.Flags().String("log-level", "", "Log level: debug|info|warn|error")
	serverStartCmd.Flags().String("log-format", "", "Log format: text|json")
	serverCmd.AddCommand(serverStartCmd)

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return cfgpkg.Write(cmd.OutOrStdout(), cfg)
		},
	}
	configCmd.Flags().StringP("config", "c", os.Getenv("MEV_CONFIG"), "Config file (.json, .yaml or .yml)")
	serverCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serverCmd)

	clientcmd.AddCommands(rootCmd, apiURL)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig layers defaults, the config file, MEV_* variables and flags.
func loadConfig(cmd *cobra.Command) (cfgpkg.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := cfgpkg.Load(path)
	if err != nil {
		return cfg, err
	}
	cfgpkg.FromEnv(&cfg)
	for flag, dst := range map[string]*string{
		"fsync":      &cfg.Fsync,
		"log-level":  &cfg.Log.Level,
		"log-format": &cfg.Log.Format,
	} {
		if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
			*dst = f.Value.String()
		}
	}
	return cfg, cfg.Validate()
}

func apiURL() string {
	if v := os.Getenv("MEV_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}
