package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shineum/mail2room/internal/bridge"
	"github.com/shineum/mail2room/internal/chat"
	"github.com/shineum/mail2room/internal/chat/matrix"
	"github.com/shineum/mail2room/internal/chat/stdout"
	"github.com/shineum/mail2room/internal/config"
	"github.com/shineum/mail2room/internal/delivery"
	"github.com/shineum/mail2room/internal/notify"
	"github.com/shineum/mail2room/internal/render"
	"github.com/shineum/mail2room/internal/routing"
	"github.com/shineum/mail2room/internal/smtp"
	"github.com/shineum/mail2room/internal/store"
	smtptls "github.com/shineum/mail2room/internal/tls"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the SMTP listener and bridge mail into rooms",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setupLogger(cfg.Logging.Level)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("received signal, initiating shutdown", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if !cfg.Mail.Enabled {
		slog.Info("mail listener disabled, nothing to serve")
		return nil
	}

	tlsConfig, err := smtptls.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.Mail.Hostname)
	if err != nil {
		return fmt.Errorf("failed to setup TLS: %w", err)
	}

	tlsMode := "self-signed"
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		tlsMode = "file"
	}

	serverCfg := smtp.ServerConfig{
		ListenAddr:      cfg.Mail.Listen,
		Hostname:        cfg.Mail.Hostname,
		Handler:         a.bridge,
		TLSConfig:       tlsConfig,
		AuthUsername:    cfg.Mail.Username,
		AuthPassword:    cfg.Mail.Password,
		MaxMessageBytes: cfg.Mail.MaxMessageSize,
		MaxRecipients:   cfg.Mail.MaxRecipients,
	}
	if cfg.Mail.LogLevel == "debug" {
		serverCfg.Debug = os.Stderr
	}
	server := smtp.New(serverCfg)

	slog.Info("starting mail2room",
		"listen", cfg.Mail.Listen,
		"transport", a.transport.Name(),
		"rooms", len(cfg.Rooms),
		"store", cfg.Store.Driver,
		"auth_enabled", cfg.AuthEnabled(),
		"tls_mode", tlsMode,
	)

	// Blocks until the context is cancelled
	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	slog.Info("mail2room stopped")
	return nil
}

// app is the wired bridge and the resources it owns.
type app struct {
	table     *routing.Table
	transport chat.Transport
	engine    *delivery.Engine
	store     store.Store
	bridge    *bridge.Bridge
}

// newApp validates cfg and wires the store, transport, delivery engine and
// notifier into a Bridge.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	table := routing.NewTable(cfg.Rooms)
	transport, err := selectTransport(cfg, table)
	if err != nil {
		if st != nil {
			st.Close()
		}
		return nil, err
	}

	engine := delivery.New(cfg.DeliveryConfig(), transport)

	opts := bridge.Options{Store: st}
	if cfg.Notify.SES.Enabled() {
		n, err := notify.NewSES(ctx, cfg.Notify.SES)
		if err != nil {
			slog.Warn("operator alerts disabled", "error", err)
		} else {
			slog.Info("operator alerts enabled",
				"region", cfg.Notify.SES.Region,
				"recipients", len(cfg.Notify.SES.Recipients),
			)
			opts.Notifier = n
		}
	}

	return &app{
		table:     table,
		transport: transport,
		engine:    engine,
		store:     st,
		bridge:    bridge.New(table, engine, transport, opts),
	}, nil
}

// Close releases the store.
func (a *app) Close() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		slog.Warn("failed to close store", "error", err)
	}
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	})))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// selectTransport chooses the chat backend based on configuration.
// An explicit transport takes precedence. Otherwise Matrix is used when
// configured, else stdout.
func selectTransport(cfg *config.Config, table *routing.Table) (chat.Transport, error) {
	switch cfg.Transport {
	case config.TransportMatrix:
		if !cfg.MatrixConfigured() {
			return nil, fmt.Errorf("matrix transport selected but MATRIX_HOMESERVER_URL, MATRIX_USER_ID and MATRIX_ACCESS_TOKEN or MATRIX_PASSWORD are required")
		}
		slog.Info("using Matrix transport", "homeserver", cfg.Matrix.HomeserverURL, "user", cfg.Matrix.UserID)
		return newMatrix(cfg, table), nil

	case config.TransportStdout:
		slog.Info("using stdout transport")
		return stdout.New(render.New(table)), nil

	case "":
		if cfg.MatrixConfigured() {
			slog.Info("using Matrix transport (auto-detected)", "homeserver", cfg.Matrix.HomeserverURL, "user", cfg.Matrix.UserID)
			return newMatrix(cfg, table), nil
		}
		slog.Info("no transport configured, using stdout transport")
		return stdout.New(render.New(table)), nil

	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func newMatrix(cfg *config.Config, table *routing.Table) *matrix.Client {
	return matrix.New(matrix.Config{
		HomeserverURL: cfg.Matrix.HomeserverURL,
		UserID:        cfg.Matrix.UserID,
		AccessToken:   cfg.Matrix.AccessToken,
		Password:      cfg.Matrix.Password,
	}, table)
}
