// Package main is the entry point for the SMTP capture sink.
package main

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/shineum/smtp-sink-lite/internal/api"
	"github.com/shineum/smtp-sink-lite/internal/config"
	"github.com/shineum/smtp-sink-lite/internal/metrics"
	"github.com/shineum/smtp-sink-lite/internal/parser"
	"github.com/shineum/smtp-sink-lite/internal/policy"
	"github.com/shineum/smtp-sink-lite/internal/smtp"
	"github.com/shineum/smtp-sink-lite/internal/store"
	smtptls "github.com/shineum/smtp-sink-lite/internal/tls"
)

func main() {
	setupLogger(config.DefaultLogLevel)

	if err := newRootCmd().Execute(); err != nil {
		slog.Error("smtp-sink failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "smtp-sink",
		Short:         "SMTP server that captures every message and exposes it over HTTP",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	config.RegisterFlags(cmd)
	return cmd
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return err
	}
	setupLogger(cfg.Logging.Level)

	var tlsConfig *tls.Config
	if cfg.SMTP.TLS.Enabled {
		tlsConfig, err = smtptls.Config(cfg.SMTP.TLS.CertFile, cfg.SMTP.TLS.KeyFile)
		if err != nil {
			return err
		}
	}

	st := store.New(cfg.Max)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg, st.Len)

	backend := smtp.NewBackend(smtp.BackendConfig{
		Policy:         policy.NewWhitelist(cfg.Whitelist),
		Decoder:        smtp.DecoderFunc(parser.Parse),
		Store:          st,
		IncludeHeaders: cfg.Headers,
		Metrics:        m,
	})
	smtpServer := smtp.New(smtp.ServerConfig{
		ListenAddr:      cfg.SMTPAddr(),
		Hostname:        "localhost",
		Backend:         backend,
		TLSConfig:       tlsConfig,
		MaxMessageBytes: cfg.SMTP.MaxMessageSize,
	})

	username, password, _ := cfg.Credentials()
	httpServer := api.NewServer(cfg.HTTPAddr(), api.NewHandler(api.HandlerConfig{
		Store:          st,
		Username:       username,
		Password:       password,
		StaticDir:      cfg.HTTP.StaticDir,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Metrics:        m,
	}))

	slog.Info("starting smtp-sink-lite",
		"smtp", cfg.SMTPAddr(),
		"http", cfg.HTTPAddr(),
		"max", cfg.Max,
		"whitelist", len(cfg.Whitelist),
		"auth_enabled", cfg.AuthEnabled(),
		"headers", cfg.Headers,
		"starttls", tlsConfig != nil,
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// An SMTP failure is logged and leaves the HTTP side running.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := smtpServer.ListenAndServe(ctx); err != nil {
			slog.Error("SMTP server error", "error", err)
		}
	}()

	err = httpServer.ListenAndServe(ctx)
	stop()
	wg.Wait()
	if err != nil {
		return fmt.Errorf("HTTP server: %w", err)
	}

	slog.Info("smtp-sink-lite stopped")
	return nil
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
