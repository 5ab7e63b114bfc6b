package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"time"

	gosmtp "github.com/emersion/go-smtp"
)

// shutdownTimeout is the default maximum time to wait for in-flight connections
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// idleTimeout bounds each read and write on a connection.
const idleTimeout = 60 * time.Second

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., "0.0.0.0:1025").
	ListenAddr string

	// Hostname is the server hostname used in the greeting and EHLO.
	Hostname string

	Backend *Backend

	// TLSConfig enables STARTTLS when non-nil.
	TLSConfig *tls.Config

	// MaxMessageBytes limits the DATA size. Zero means no limit.
	MaxMessageBytes int64

	// ShutdownTimeout bounds the wait for in-flight sessions once the
	// context is cancelled. Zero means 30 seconds.
	ShutdownTimeout time.Duration
}

// Server accepts SMTP connections and hands each one to the Backend.
type Server struct {
	config ServerConfig
	srv    *gosmtp.Server
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = shutdownTimeout
	}

	srv := gosmtp.NewServer(cfg.Backend)
	srv.Addr = cfg.ListenAddr
	srv.Domain = cfg.Hostname
	srv.ReadTimeout = idleTimeout
	srv.WriteTimeout = idleTimeout
	srv.MaxMessageBytes = cfg.MaxMessageBytes
	srv.AllowInsecureAuth = true
	srv.TLSConfig = cfg.TLSConfig
	srv.ErrorLog = slog.NewLogLogger(slog.Default().Handler(), slog.LevelError)

	return &Server{config: cfg, srv: srv}
}

// ListenAndServe binds the configured address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then waits up to
// the shutdown timeout for in-flight sessions to finish. Sessions still
// open after that are left to end with the process.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"tls_enabled", s.config.TLSConfig != nil,
	)

	stopped := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-ctx.Done():
		case <-stopped:
			return
		}
		slog.Info("shutting down SMTP server")
		// go-smtp only closes listeners it has registered; ln may not be
		// registered yet if ctx was cancelled before Serve started.
		ln.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("SMTP shutdown incomplete", "error", err)
		}
	}()

	err := s.srv.Serve(ln)
	close(stopped)
	<-done

	if err == nil || errors.Is(err, gosmtp.ErrServerClosed) {
		return nil
	}
	if ctx.Err() != nil && errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
