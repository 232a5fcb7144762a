package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/arzzra/soft_phone/pkg/config"
	"github.com/arzzra/soft_phone/pkg/cursor"
	"github.com/arzzra/soft_phone/pkg/events"
	"github.com/arzzra/soft_phone/pkg/httpapi"
	"github.com/arzzra/soft_phone/pkg/lease"
	"github.com/arzzra/soft_phone/pkg/metrics"
	"github.com/arzzra/soft_phone/pkg/phone"
	"github.com/arzzra/soft_phone/pkg/signaling/sipua"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// eventQueue размер очереди асинхронной доставки телеметрии
const eventQueue = 1024

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Запустить софтфон и HTTP интерфейс",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			logger, closer, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			if closer != nil {
				defer closer.Close()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}
}

// run собирает компоненты софтфона и работает до отмены ctx
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, closeStore, err := openCursorStore(ctx, cfg.Cursor)
	if err != nil {
		return err
	}
	defer closeStore()

	// телеметрия: журнал, история для опроса, websocket, метрики
	ring := events.NewRing(cfg.HTTP.EventHistory)
	hub := events.NewHub(logger)
	defer hub.Close()
	bus := events.NewBus(events.NewLogSink(logger, slog.LevelDebug), ring, hub)
	async := events.NewAsync(bus, eventQueue)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mcfg := metrics.DefaultConfig()
	mcfg.Dropped = func() uint64 { return async.Dropped() + hub.Dropped() }
	bus.Subscribe(metrics.New(registry, mcfg))

	leases := lease.NewManager(cfg.LeaseManager(),
		lease.WithStore(store),
		lease.WithSink(async),
		lease.WithLogger(logger))

	endpoint, err := sipua.New(cfg.SIPEndpoint(), sipua.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("создание SIP конечной точки: %w", err)
	}

	p := phone.New(endpoint, leases, phone.Config{
		Call:           cfg.CallManager(),
		AcquireTimeout: cfg.Phone.AcquireTimeout,
		ReadyTimeout:   cfg.Phone.ReadyTimeout,
		InitialTarget:  cfg.Phone.InitialTarget,
	}, phone.WithLogger(logger), phone.WithSink(async))

	api := httpapi.NewServer(p,
		httpapi.WithRing(ring),
		httpapi.WithHub(hub),
		httpapi.WithMetrics(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})),
		httpapi.WithLogger(logger))
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// доставка продолжается во время остановки, очередь закрывает Close
		async.Run(context.Background())
		return nil
	})

	g.Go(func() error {
		logger.Info("HTTP интерфейс запущен", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP сервер: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		// без линии софтфон остаётся доступен по HTTP и показывает причину
		if err := p.Start(gctx); err != nil && !errors.Is(err, phone.ErrShutdown) {
			logger.Error("софтфон не запущен", slog.Any("error", err))
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("остановка софтфона")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Phone.ShutdownTimeout)
		defer cancel()
		p.Shutdown(shutdownCtx)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP сервер остановлен с ошибкой", slog.Any("error", err))
		}
		async.Close()
		return nil
	})

	return g.Wait()
}

// openCursorStore открывает хранилище курсора пула по cursor.driver
func openCursorStore(ctx context.Context, cfg config.CursorConfig) (cursor.Store, func(), error) {
	switch cfg.Driver {
	case config.CursorSQLite:
		s, err := cursor.OpenSQLite(ctx, cfg.Path, cfg.Name)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case config.CursorRedis:
		client, err := cursor.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return cursor.NewRedisStore(client, cfg.Name), func() { _ = client.Close() }, nil
	default:
		return cursor.NewMemoryStore(), func() {}, nil
	}
}
