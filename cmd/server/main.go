package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/Plonkawojciech/open-kaap-pro/internal/config"
	"github.com/Plonkawojciech/open-kaap-pro/internal/core"
	logpkg "github.com/Plonkawojciech/open-kaap-pro/internal/log"
	"github.com/Plonkawojciech/open-kaap-pro/internal/registry"
	"github.com/Plonkawojciech/open-kaap-pro/internal/server"
	"github.com/Plonkawojciech/open-kaap-pro/internal/storage"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:          "open-kaap-pro",
		Short:        "Multi-provider chat gateway with fallback, comparison and cost tracking",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cfgFile)
		},
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cfgFile)
		},
	})
	rootCmd.AddCommand(newModelsCmd(&cfgFile))

	return rootCmd
}

func serve(cfgFile string) error {
	dotenvErr := godotenv.Load()

	cfg, err := config.Load(cfgFile, logpkg.CreateLogger(logpkg.Options{Debug: logpkg.DebugFromEnv()}))
	if err != nil {
		return fmt.Errorf("failed to load server configuration: %w", err)
	}

	logger := logpkg.CreateLogger(logpkg.Options{
		Debug: cfg.Debug || logpkg.DebugFromEnv(),
		File:  cfg.LogFile,
	})
	defer func() { _ = logger.Close() }()

	if dotenvErr != nil {
		logger.Warn("No .env file found, using system environment variables")
	}
	logger.Info("Logger initialized")

	storageInstance, err := storage.InitStorage(storage.Options{RedisURL: cfg.RedisURL, StoreFile: cfg.StoreFile}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() { _ = storageInstance.Close() }()

	cfg.Storage = storageInstance
	cfg.Logger = logger

	srv, err := server.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer func() { _ = srv.Close() }()

	return srv.Run()
}

// newModelsCmd lists the builtin models plus the ones from the models file.
func newModelsCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the known models and their prices",
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()

			cfg, err := config.Load(*cfgFile, &core.NopLogger{})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tPROVIDER\tINPUT $/1M\tOUTPUT $/1M\tNAME")
			for _, m := range registry.New(cfg.UserModels).List() {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%.2f\t%.2f\t%s\n", m.ID, m.Provider, m.InputPrice, m.OutputPrice, m.Name)
			}
			return w.Flush()
		},
	}
}
