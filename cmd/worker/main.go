package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/procurator/worker/cmd/worker/config"
	"github.com/procurator/worker/lib/hypervisor"
	mw "github.com/procurator/worker/lib/middleware"
	"github.com/procurator/worker/lib/otel"
	"github.com/procurator/worker/lib/statusapi"
	"github.com/riandyrn/otelchi"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds stopping every VM once the node has drained.
const shutdownTimeout = 2 * time.Minute

func main() {
	if err := run(); err != nil {
		slog.Error("worker terminated", "error", err)
		os.Exit(1)
	}
	slog.Info("main() exiting normally")
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	otelProvider, otelShutdown, err := otel.Init(context.Background(), otel.Config{
		Enabled:     cfg.OtelEnabled,
		Endpoint:    cfg.OtelEndpoint,
		ServiceName: cfg.OtelServiceName,
		WorkerID:    cfg.WorkerID,
		Insecure:    cfg.OtelInsecure,
		Version:     cfg.Version,
		Env:         cfg.Env,
	})
	if err != nil {
		// Graceful degradation: run without telemetry
		slog.Warn("failed to initialize OpenTelemetry, continuing without telemetry", "error", err)
		otelProvider, otelShutdown, _ = otel.Init(context.Background(), otel.Config{ServiceName: cfg.OtelServiceName})
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("error shutting down OpenTelemetry", "error", err)
		}
	}()

	if hypervisor.Type(cfg.Hypervisor) != hypervisor.TypeMock {
		if err := checkKVMAccess(); err != nil {
			return fmt.Errorf("KVM access check failed: %w", err)
		}
	}

	app, cleanup, err := initializeApp(cfg, otelProvider)
	if err != nil {
		return fmt.Errorf("initialize worker: %w", err)
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(app.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := app.Logger
	if cfg.OtelEnabled {
		log.Info("OpenTelemetry enabled", "endpoint", cfg.OtelEndpoint, "service", cfg.OtelServiceName)
	}

	messenger := app.Node.Messenger()
	grp, gctx := errgroup.WithContext(ctx)

	// The node runs on app.Ctx: it stops when the queue is closed, not on signal
	grp.Go(func() error {
		return app.Node.Run(app.Ctx)
	})

	grp.Go(func() error {
		poller := app.VMManager.StartMetricsPolling(app.Ctx)
		<-gctx.Done()
		poller.Stop()
		return nil
	})

	var srv *http.Server
	if cfg.StatusAddr != "" {
		srv = &http.Server{
			Addr:              cfg.StatusAddr,
			Handler:           statusRouter(cfg, otelProvider, log, statusapi.NewHandler(messenger, 0)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		grp.Go(func() error {
			log.Info("starting status API", "addr", cfg.StatusAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("status API error", "error", err)
				return err
			}
			return nil
		})
	}

	grp.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 30*time.Second)
		defer cancel()
		if srv != nil {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error("failed to shutdown status API", "error", err)
			}
		}

		// Already queued commands are still processed before Run returns
		messenger.Close()
		return nil
	})

	log.Info("worker started", "hypervisor", cfg.Hypervisor, "queue_capacity", cfg.NodeQueueCapacity)
	err = grp.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(app.Ctx), shutdownTimeout)
	defer cancel()
	if serr := app.VMManager.Shutdown(shutdownCtx); serr != nil {
		err = errors.Join(err, fmt.Errorf("shutdown vms: %w", serr))
	}
	log.Info("worker stopped")
	return err
}

// statusRouter builds the status API router with tracing, logging and metrics.
func statusRouter(cfg *config.Config, p *otel.Provider, log *slog.Logger, h *statusapi.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Tracing first so the access log carries the span context
	if cfg.OtelEnabled {
		r.Use(otelchi.Middleware(cfg.OtelServiceName, otelchi.WithChiRoutes(r)))
	}
	r.Use(mw.InjectLogger(log))
	r.Use(mw.AccessLogger(mw.NewAccessLogger(p.LogHandler)))
	if httpMetrics, err := mw.NewHTTPMetrics(p.MeterFor("statusapi")); err == nil {
		r.Use(httpMetrics.Middleware)
	} else {
		log.Warn("failed to create HTTP metrics", "error", err)
	}

	h.Routes(r)
	return r
}

// checkKVMAccess verifies /dev/kvm is present and usable.
func checkKVMAccess() error {
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("/dev/kvm not found - KVM not enabled or not supported")
		}
		if os.IsPermission(err) {
			return fmt.Errorf("permission denied accessing /dev/kvm - user not in 'kvm' group")
		}
		return fmt.Errorf("cannot access /dev/kvm: %w", err)
	}
	f.Close()
	return nil
}
