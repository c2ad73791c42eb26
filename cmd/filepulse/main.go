// Command filepulse is the YAML-configured front end for the filepulse
// observation engine. It loads a configuration file, builds a session from
// its observation requests, wires whichever sinks the config names, and
// runs until SIGTERM, SIGINT, or the configured timeout elapses.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	filepulse "github.com/tripwire/filepulse"
	"github.com/tripwire/filepulse/internal/config"
	"github.com/tripwire/filepulse/internal/sink/rest"
	ws "github.com/tripwire/filepulse/internal/sink/stream"
)

func main() {
	configPath := flag.String("config", "/etc/filepulse/config.yaml", "path to the filepulse YAML configuration file")
	healthAddr := flag.String("health-addr", "127.0.0.1:9000", "listen address for the /healthz HTTP server")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "filepulse: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.Int("requests", len(cfg.Requests)),
		slog.String("log_level", cfg.LogLevel),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	opts := []filepulse.Option{
		filepulse.WithLogger(logger),
		filepulse.WithInterval(cfg.Interval.Duration()),
		filepulse.WithFileLimit(cfg.FileLimit),
		filepulse.WithExceptionCallback(func(path string, err error) {
			logger.Error("observation error", slog.String("path", path), slog.Any("error", err))
		}),
		filepulse.WithNotificationCallback(func(msg string) {
			logger.Info("session notice", slog.String("msg", msg))
		}),
	}
	if cfg.LockCallbacks {
		opts = append(opts, filepulse.WithLockCallbacks())
	}
	if cfg.AbortOnFailure {
		opts = append(opts, filepulse.WithAbortOnFailure())
	}
	if cfg.FlattenData {
		opts = append(opts, filepulse.WithFlattenData())
	}
	if cfg.Timeout > 0 {
		opts = append(opts, filepulse.WithTimeout(cfg.Timeout.Duration()))
	}

	var broadcaster *ws.Broadcaster
	if cfg.Sinks.Broadcast {
		broadcaster = ws.NewBroadcaster(logger, 0)
		opts = append(opts, filepulse.WithBroadcaster(broadcaster))
		closers = append(closers, broadcaster.Close)
		logger.Info("websocket broadcaster sink enabled")
	}

	if cfg.Sinks.QueuePath != "" {
		opt, q, err := filepulse.WithLocalQueue(cfg.Sinks.QueuePath)
		if err != nil {
			logger.Error("failed to open local queue", slog.String("path", cfg.Sinks.QueuePath), slog.Any("error", err))
			os.Exit(1)
		}
		opts = append(opts, opt)
		closers = append(closers, func() { _ = q.Close() })
		logger.Info("local queue sink enabled", slog.String("path", cfg.Sinks.QueuePath), slog.Int("pending", q.Depth()))
	}

	if cfg.Sinks.Postgres != "" {
		opt, store, err := filepulse.WithPostgresSink(ctx, cfg.Sinks.Postgres, cfg.Sinks.PostgresBatchSize, cfg.Sinks.PostgresFlushInterval.Duration())
		if err != nil {
			logger.Error("failed to open postgres sink", slog.Any("error", err))
			os.Exit(1)
		}
		opts = append(opts, opt)
		closers = append(closers, func() { store.Close(context.Background()) })
		logger.Info("postgres sink enabled")

		// A postgres sink gives the REST query API something to read from.
		srv := rest.NewServer(store)
		mux := http.NewServeMux()
		mux.Handle("/", rest.NewRouter(srv, nil))
		restServer := &http.Server{Addr: *healthAddr, Handler: mux, ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second}
		go func() {
			logger.Info("rest api listening", slog.String("addr", *healthAddr))
			if err := restServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("rest api error", slog.Any("error", err))
			}
		}()
		closers = append(closers, func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			_ = restServer.Shutdown(shutdownCtx)
		})
	}

	if cfg.Sinks.AuditLogPath != "" {
		opt, auditLogger, err := filepulse.WithAuditLogger(cfg.Sinks.AuditLogPath, func(err error) {
			logger.Error("audit log error", slog.Any("error", err))
		})
		if err != nil {
			logger.Error("failed to open audit log", slog.String("path", cfg.Sinks.AuditLogPath), slog.Any("error", err))
			os.Exit(1)
		}
		opts = append(opts, opt)
		closers = append(closers, func() { _ = auditLogger.Close() })
		logger.Info("audit log sink enabled", slog.String("path", cfg.Sinks.AuditLogPath))
	}

	sess := filepulse.New(opts...)
	for _, req := range cfg.Requests {
		obsReq, skipErr := buildRequest(req)
		if skipErr != nil {
			logger.Error("invalid request configuration", slog.Any("error", skipErr))
			os.Exit(1)
		}
		var regErr error
		if req.Discipline == "incremental" {
			regErr = sess.Tail(obsReq)
		} else {
			regErr = sess.Track(obsReq)
		}
		if regErr != nil {
			logger.Error("failed to register observation request", slog.Any("error", regErr), slog.Any("globs", req.Globs))
			os.Exit(1)
		}
	}

	if err := sess.Run(ctx); err != nil {
		logger.Error("failed to start session", slog.Any("error", err))
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	// A nil channel never fires, so without a timeout only a signal ends the
	// wait.
	var timeoutCh <-chan time.Time
	if cfg.Timeout > 0 {
		timeoutCh = time.After(cfg.Timeout.Duration())
	}
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case <-timeoutCh:
		logger.Info("configured timeout elapsed")
	}
	if err := sess.Close(); err != nil {
		logger.Error("session terminated with worker failures", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("filepulse exited cleanly")
}

// buildRequest converts a config.RequestConfig into a filepulse.ObservationRequest.
func buildRequest(req config.RequestConfig) (filepulse.ObservationRequest, error) {
	obsReq := filepulse.ObservationRequest{
		Globs:     req.Globs,
		Excludes:  req.Excludes,
		Flatten:   req.Flatten,
		FileType:  req.FileType,
		Static:    req.Static,
		Interval:  req.Interval.Duration(),
		FileLimit: req.FileLimit,
	}
	if req.SkipLines != "" {
		re, err := regexp.Compile(req.SkipLines)
		if err != nil {
			return obsReq, fmt.Errorf("compile skip_lines %q: %w", req.SkipLines, err)
		}
		obsReq.SkipLines = re
	}
	return obsReq, nil
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
