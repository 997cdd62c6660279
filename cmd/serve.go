package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/previewd/internal/api"
	"github.com/conneroisu/previewd/internal/config"
	"github.com/conneroisu/previewd/internal/logging"
	"github.com/conneroisu/previewd/internal/registry"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the previewd daemon",
	Long: `Start the previewd daemon: the management API that IDE integrations
talk to, plus one preview server per registered project.

Projects are registered at runtime through the API or the register
command; the daemon starts empty.

Examples:
  previewd serve                       # Listen on 127.0.0.1:7878
  previewd serve --port 9000           # Custom management port
  previewd serve --host 0.0.0.0        # Listen on all interfaces`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", config.DefaultPort, "Management port to serve on")
	serveCmd.Flags().String("host", config.DefaultHost, "Host to bind to")

	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, closeLogger, err := buildLogger(&cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLogger()

	reg := registry.New(registry.Config{
		Host:            cfg.Preview.Host,
		SettleWindow:    cfg.Preview.SettleWindow,
		DebounceWindow:  cfg.Preview.DebounceWindow,
		CompileTimeout:  cfg.Preview.CompileTimeout,
		MailboxSize:     cfg.Preview.MailboxSize,
		ExcludePatterns: cfg.Preview.ExcludePatterns,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		Logger:          logger,
	})

	srv := api.New(reg, api.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	})

	ctx := context.Background()
	if err := srv.Start(ctx); err != nil {
		reg.Close()
		return fmt.Errorf("failed to start management server: %w", err)
	}

	fmt.Printf("previewd listening at %s\n", srv.BaseURL())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info(ctx, "shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, err, "management server drain incomplete")
	}
	reg.Close()

	return nil
}

// buildLogger assembles the daemon logger from config: stderr always,
// plus a rotating file sink when one is configured.
func buildLogger(cfg *config.LoggingConfig) (logging.Logger, func(), error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level: %w", err)
	}

	base := logging.NewLogger(&logging.LoggerConfig{
		Level:  level,
		Format: cfg.Format,
		Output: os.Stderr,
	})

	if cfg.File == "" {
		return base, func() {}, nil
	}

	fileLogger, err := logging.NewFileLogger(&logging.LoggerConfig{
		Level:  level,
		Format: cfg.Format,
	}, cfg.File, cfg.MaxSizeMB, cfg.MaxBackups)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	multi := logging.NewMultiLogger(base, fileLogger)
	return multi, func() { _ = fileLogger.Close() }, nil
}
