// Command sublearn runs the media task API, the stage workers, or both,
// and provides operator commands.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	sublhttp "github.com/QuinnGao/AI-Subtitle-Learner/internal/adapter/http"
	subotel "github.com/QuinnGao/AI-Subtitle-Learner/internal/adapter/otel"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/adapter/ws"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/config"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/logger"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/middleware"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/service"

	// Translation providers register themselves with the translate registry.
	_ "github.com/QuinnGao/AI-Subtitle-Learner/internal/adapter/deeplx"
	_ "github.com/QuinnGao/AI-Subtitle-Learner/internal/adapter/identity"
	_ "github.com/QuinnGao/AI-Subtitle-Learner/internal/adapter/litellm"

	// Alert senders register with the alert registry.
	_ "github.com/QuinnGao/AI-Subtitle-Learner/internal/adapter/discord"
	_ "github.com/QuinnGao/AI-Subtitle-Learner/internal/adapter/slack"
)

const idempotencyCacheBytes = 16 << 20

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: sublearn [-config path] <command>

Commands:
  serve    HTTP API, status notifier and lease supervisor
  worker   stage workers
  all      serve and worker in one process
  admin    operator commands (run "sublearn admin help")
`)
}

func run(args []string) error {
	fs := flag.NewFlagSet("sublearn", flag.ContinueOnError)
	fs.Usage = usage
	configPath := fs.String("config", "", "YAML config file (default $SUBLEARN_CONFIG or sublearn.yaml)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		usage()
		return errors.New("missing command")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	log, closer := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer closer.Close()

	cmd := fs.Arg(0)
	switch cmd {
	case "serve", "worker", "all":
		if cmd != "all" {
			if err := requireSharedBackends(cfg); err != nil {
				return fmt.Errorf("%s needs shared backends: %w", cmd, err)
			}
		}
		return runProcess(cfg, cmd)
	case "admin":
		return runAdmin(cfg, fs.Args()[1:])
	default:
		usage()
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

// requireSharedBackends rejects in-process backends, which separate serve
// and worker processes cannot share.
func requireSharedBackends(cfg *config.Config) error {
	var local []string
	if cfg.Store.Driver == "memory" {
		local = append(local, "store.driver")
	}
	if cfg.Queue.Driver == "memory" {
		local = append(local, "queue.driver")
	}
	if cfg.ObjectStore.Driver == "memory" {
		local = append(local, "objectstore.driver")
	}
	if cfg.Cache.L2 == "memory" {
		local = append(local, "cache.l2")
	}
	if len(local) > 0 {
		return fmt.Errorf("%s=memory only works with \"all\"", strings.Join(local, ", "))
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFrom(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// runProcess starts the components of mode and blocks until SIGINT or
// SIGTERM, then shuts them down within server.shutdown_timeout.
func runProcess(cfg *config.Config, mode string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("starting", "mode", mode, "store", cfg.Store.Driver, "queue", cfg.Queue.Driver, "cache_l2", cfg.Cache.L2)

	in, err := buildInfra(ctx, cfg)
	if err != nil {
		return err
	}
	defer in.Close()
	c, err := buildCore(in)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if mode == "worker" || mode == "all" {
		w, err := buildWorker(gctx, in, c)
		if err != nil {
			return err
		}
		g.Go(func() error { return w.Run(gctx) })
	}

	if mode == "serve" || mode == "all" {
		supervisor := service.NewSupervisor(c.tasks, c.dispatcher, cfg.Lease.ReclaimInterval, cfg.Task.WallClockBudget)
		supervisor.SetTelemetry(in.telemetry)
		supervisor.SetAlerts(c.alerts)
		g.Go(func() error {
			supervisor.Run(gctx)
			return nil
		})

		notifier := service.NewStatusNotifier(c.tasks, in.feed, cfg.Notifier.KeepAlive)
		g.Go(func() error {
			if err := notifier.Run(gctx); err != nil && gctx.Err() == nil {
				return fmt.Errorf("status notifier: %w", err)
			}
			return nil
		})

		srv, err := newServer(gctx, cfg, in, c, notifier)
		if err != nil {
			return err
		}
		g.Go(func() error {
			slog.Info("http server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			slog.Info("shutting down http server")
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	c.alerts.Wait()
	if derr := in.queue.Drain(); derr != nil {
		slog.Warn("queue drain", "error", derr)
	}
	slog.Info("stopped", "mode", mode)
	return err
}

func newServer(ctx context.Context, cfg *config.Config, in *infra, c *core, notifier *service.StatusNotifier) (*http.Server, error) {
	responses, err := in.responseStore(ctx)
	if err != nil {
		return nil, err
	}

	limiter := middleware.NewRateLimiterFromConfig(cfg.Rate)
	go limiter.RunCleanup(ctx, cfg.Rate.CleanupInterval, cfg.Rate.MaxIdleTime)

	h := &sublhttp.Handlers{
		Submissions: c.submissions,
		Tasks:       c.tasks,
		Dispatcher:  c.dispatcher,
		Notifier:    notifier,
		WS:          ws.NewHub(notifier, cfg.Notifier.KeepAlive),
		Objects:     in.objects,
		Checks:      in.checks,
		RetryAfter:  retryAfter(c.policy),
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(sublhttp.Logger)
	r.Use(sublhttp.SecurityHeaders)
	r.Use(sublhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(subotel.HTTPMiddleware(cfg.OTEL.ServiceName))
	sublhttp.MountRoutes(r, h, cfg.Server.RequestTimeout,
		limiter.Handler,
		middleware.Idempotency(responses, cfg.Server.IdempotencyTTL),
	)

	// Request contexts end when shutdown begins so open streams close
	// instead of holding Shutdown until their tasks finish.
	streams, endStreams := context.WithCancel(context.WithoutCancel(ctx))
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return streams },
	}
	srv.RegisterOnShutdown(endStreams)
	return srv, nil
}
