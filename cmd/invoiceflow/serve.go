package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rendis/invoiceflow/internal/aggregate"
	"github.com/rendis/invoiceflow/internal/engine"
	"github.com/rendis/invoiceflow/internal/logging"
	"github.com/rendis/invoiceflow/internal/notify"
	"github.com/rendis/invoiceflow/internal/panel"
	"github.com/rendis/invoiceflow/internal/runs"
	"github.com/rendis/invoiceflow/internal/store"
	"github.com/rendis/invoiceflow/internal/streaming"
	"github.com/rendis/invoiceflow/internal/validation"
	mcpserver "github.com/rendis/invoiceflow/pkg/mcp"
)

const shutdownTimeout = 5 * time.Second

// app is the wired object graph behind both transports.
type app struct {
	store    *store.LibSQLStore
	notifier *notify.HTTPNotifier
	hub      *streaming.MemoryHub
	svc      *runs.Service
	mcp      *mcpserver.Server
	logger   *slog.Logger
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	validator, err := validation.NewWorkflowValidator()
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("compile schemas: %w", err)
	}

	notifier := notify.NewHTTPNotifier(notify.HTTPConfig{
		Timeout: cfg.notifyTimeout(),
		// Exports are fire-and-forget: one attempt, never redelivered.
		Retry:  notify.RetryPolicy{Attempts: 1},
		Logger: logger,
	})
	eng := engine.New(engine.Options{
		MaxSteps:         cfg.MaxSteps,
		MaxDepth:         cfg.MaxDepth,
		Logger:           logger,
		Notifier:         notifier,
		ParallelBranches: cfg.ParallelBranches,
	})
	agg := aggregate.New(eng, aggregate.Options{
		KeyField:    cfg.KeyField,
		Concurrency: cfg.RowConcurrency,
		Logger:      logger,
	})
	hub := streaming.NewMemoryHub()

	svc := runs.New(runs.Deps{
		Store:      st,
		Aggregator: agg,
		Executor:   eng,
		Validator:  validator,
		Hub:        hub,
		Logger:     logger,
	})

	return &app{
		store:    st,
		notifier: notifier,
		hub:      hub,
		svc:      svc,
		mcp: mcpserver.NewServer(mcpserver.ServerDeps{
			Service:       svc,
			DiagramBinDir: binDir(),
			Logger:        logger,
		}),
		logger: logger,
	}, nil
}

// close ends live event streams, abandons pending webhook retries, waits
// for in-flight deliveries, then closes the store.
func (a *app) close() {
	a.hub.Close()
	a.notifier.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", slog.Any("error", err))
	}
}

// handler builds the HTTP root: the MCP SSE transport under /mcp/ and,
// when enabled, the panel API everywhere else.
func (a *app) handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/mcp/", a.mcp.HTTPHandler())
	if cfg.Panel {
		p := panel.NewPanelServer(panel.PanelDeps{
			Service:       a.svc,
			Hub:           a.hub,
			DiagramBinDir: binDir(),
			Logger:        a.logger,
		})
		mux.Handle("/", p.Handler())
	}
	return mux
}

func runServe() {
	cfg := loadConfig()

	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.LogLevel))
	logger := slog.New(logging.NewCorrelationHandler(
		slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, level, logger); err != nil {
		logger.Error("server stopped", slog.Any("error", err))
		stop()
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg Config, level *slog.LevelVar, logger *slog.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if cfg.Transport == transportStdio {
		logger.Info("serving MCP over stdio", slog.String("db_path", cfg.DBPath))
		return a.mcp.Serve(ctx)
	}

	if err := writePID(); err != nil {
		logger.Warn("write pid file", slog.Any("error", err))
	}
	defer os.Remove(pidPath())

	swapper := newHandlerSwapper(a.handler(cfg))
	go watchReload(ctx, cfg, level, swapper, a, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           swapper,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening",
			slog.String("addr", cfg.ListenAddr),
			slog.Bool("panel", cfg.Panel),
			slog.String("version", version))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	// Shutdown waits for handlers; ending the streams lets SSE clients go.
	a.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
	}
	logger.Info("shutdown complete")
	return nil
}

// watchReload re-reads the configuration on SIGHUP. The log level and the
// panel toggle apply live; other changes are reported as needing a restart.
func watchReload(ctx context.Context, cfg Config, level *slog.LevelVar, swapper *handlerSwapper, a *app, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	current := cfg
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}

		next := loadConfig()
		d := diffConfigs(current, next)
		if d.LogLevelChanged {
			level.Set(logging.ParseLevel(next.LogLevel))
			current.LogLevel = next.LogLevel
		}
		if d.PanelChanged {
			current.Panel = next.Panel
			swapper.Swap(a.handler(current))
		}
		if len(d.RestartNeeded) > 0 {
			logger.Warn("config changes need a restart", slog.Any("fields", d.RestartNeeded))
		}
		logger.Info("config reloaded",
			slog.String("log_level", current.LogLevel),
			slog.Bool("panel", current.Panel))
	}
}

func writePID() error {
	if err := os.MkdirAll(invoiceflowDir(), 0o700); err != nil {
		return err
	}
	return os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644)
}
