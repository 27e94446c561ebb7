// Package main provides the entry point for the rastercat service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jobrunner/rastercat/internal/app"
	"github.com/jobrunner/rastercat/internal/config"
	"github.com/jobrunner/rastercat/internal/logging"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var cfgFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rastercat",
	Short: "rastercat - spatial raster catalog and point feature service",
	Long: `rastercat indexes raster tiles of named feature types (elevation, slope,
aspect, ...) and answers point queries: for a point, the value of every
feature type whose rasters cover it.

Features:
  - R-tree catalog persisted as SQLite R*Tree plus a YAML descriptor file
  - ESRI ASCII (.asc), binary float (.flt/.hdr) and GeoTIFF (.tif) rasters
  - Batch feature extraction from CSV point lists
  - Mirroring from AWS S3, Azure Blob Storage, HTTP or a mounted share
  - Rebuild on source changes
  - Automatic TLS via Let's Encrypt (DNS-01 challenge with Azure DNS)
  - Prometheus metrics`,
	SilenceUsage: true,
	RunE:         runServer,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Load or build the catalog and serve the HTTP API",
	RunE:  runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("rastercat %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Build Date: %s\n", buildDate)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("log-format", "json", "log format (json, text, console)")
	pf.String("index", "./catalog/index.sqlite", "spatial index file")
	pf.String("descriptors", "./catalog/descriptors.yaml", "descriptor file")
	pf.String("crs", "", "CRS applied to rasters without a .prj")

	// Server flags
	rootCmd.Flags().String("host", "0.0.0.0", "server host")
	rootCmd.Flags().Int("port", 8080, "server port")
	rootCmd.Flags().StringSlice("cors", nil, "allowed CORS origins (e.g., https://example.com,*.sub.domain.tld)")
	rootCmd.Flags().Bool("watch", false, "rebuild the catalog when source rasters change")

	// TLS flags
	rootCmd.Flags().Bool("tls", false, "enable TLS with automatic certificates")
	rootCmd.Flags().StringSlice("tls-domains", nil, "domains for TLS certificates")
	rootCmd.Flags().String("tls-email", "", "email for Let's Encrypt registration")

	// Storage flags
	rootCmd.Flags().String("storage-type", "local", "raster storage (local, s3, azure, http, mount)")
	rootCmd.Flags().String("storage-path", "./data", "local raster directory")

	// serve shares the root command's flags
	serveCmd.Flags().AddFlagSet(rootCmd.Flags())

	// Bind flags to viper
	_ = viper.BindPFlag("logging.level", pf.Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", pf.Lookup("log-format"))
	_ = viper.BindPFlag("catalog.index_path", pf.Lookup("index"))
	_ = viper.BindPFlag("catalog.descriptors_path", pf.Lookup("descriptors"))
	_ = viper.BindPFlag("catalog.crs", pf.Lookup("crs"))
	_ = viper.BindPFlag("server.host", rootCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", rootCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("server.cors.allowed_origins", rootCmd.Flags().Lookup("cors"))
	_ = viper.BindPFlag("catalog.watch.enabled", rootCmd.Flags().Lookup("watch"))
	_ = viper.BindPFlag("tls.enabled", rootCmd.Flags().Lookup("tls"))
	_ = viper.BindPFlag("tls.domains", rootCmd.Flags().Lookup("tls-domains"))
	_ = viper.BindPFlag("tls.email", rootCmd.Flags().Lookup("tls-email"))
	_ = viper.BindPFlag("storage.type", rootCmd.Flags().Lookup("storage-type"))
	_ = viper.BindPFlag("storage.local_path", rootCmd.Flags().Lookup("storage-path"))

	rootCmd.AddCommand(serveCmd, buildCmd, queryCmd, mirrorCmd, versionCmd)
}

func initConfig() {
	config.Defaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

// setup loads the configuration and builds the logger. One-shot commands
// log to stderr so stdout carries their output.
func setup(out *os.File) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(cfg.Logging, out)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// newOneShot wires the application for a command that does not serve HTTP.
func newOneShot(ctx context.Context) (*app.App, error) {
	cfg, logger, err := setup(os.Stderr)
	if err != nil {
		return nil, err
	}

	a, err := app.New(ctx, cfg, logger, app.Options{Registry: prometheus.NewRegistry()})
	if err != nil {
		return nil, fmt.Errorf("initializing application: %w", err)
	}
	return a, nil
}

// signalContext returns a context canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runServer(_ *cobra.Command, _ []string) error {
	cfg, logger, err := setup(os.Stdout)
	if err != nil {
		return err
	}

	logger.Info("starting rastercat",
		"version", version,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"sources", len(cfg.Catalog.Sources),
		"storage_type", cfg.Storage.Type,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	application, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}

	// Start server in background
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- application.Start(ctx)
	}()

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	case runErr = <-serverErr:
		if runErr != nil {
			logger.Error("server error", "error", runErr)
		}
	}
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		return errors.Join(runErr, err)
	}

	logger.Info("server stopped")
	return runErr
}
