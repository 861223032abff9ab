package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"transitbd/tracker/internal/audit"
	"transitbd/tracker/internal/auth"
	"transitbd/tracker/internal/config"
	"transitbd/tracker/internal/dispatch"
	trackergrpc "transitbd/tracker/internal/grpc"
	httpapi "transitbd/tracker/internal/http"
	"transitbd/tracker/internal/ingest"
	"transitbd/tracker/internal/logging"
	"transitbd/tracker/internal/metrics"
	"transitbd/tracker/internal/persist"
	"transitbd/tracker/internal/routes"
	"transitbd/tracker/internal/session"
	"transitbd/tracker/internal/source"
	"transitbd/tracker/internal/state"
	"transitbd/tracker/internal/subscription"
	"transitbd/tracker/internal/tick"
)

const (
	shutdownGrace        = 10 * time.Second
	auditMaxSnapshots    = 10
	archiveBucketTimeout = 10 * time.Second
)

// tracker owns every long-lived component of the service.
type tracker struct {
	cfg     *config.Config
	log     *logging.Logger
	started time.Time

	metrics    *metrics.Metrics
	store      *state.Store
	catalogue  *routes.Catalogue
	registry   *subscription.Registry
	sessions   *session.Manager
	ingestor   *ingest.Ingestor
	dispatcher *dispatch.Dispatcher
	heartbeat  *dispatch.Heartbeat
	publisher  auth.Publisher
	sources    []source.Source

	persister     persist.Persister
	persistWriter *persist.AsyncWriter
	auditWriter   *audit.Writer
	auditService  *audit.Service

	mu         sync.RWMutex
	startupErr error
}

// newTracker builds the component graph. Nothing is started yet.
func newTracker(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*tracker, error) {
	if logger == nil {
		logger = logging.L()
	}
	t := &tracker{cfg: cfg, log: logger, started: time.Now(), metrics: metrics.New()}

	//1.- Durable storage is optional; the in-memory store is the source of truth.
	storeOpts, err := t.openPersistence(ctx)
	if err != nil {
		return nil, err
	}
	t.store = state.NewStore(storeOpts...)

	//2.- Seed the fleet from the newest audit snapshot and start the event log.
	if err := t.openAudit(ctx); err != nil {
		t.closePersistence()
		return nil, err
	}

	//3.- Route catalogue supplies default ETA destinations and simulator paths.
	if cfg.RoutesPath != "" {
		t.catalogue, err = routes.Load(cfg.RoutesPath)
		if err != nil {
			t.closeAudit()
			t.closePersistence()
			return nil, fmt.Errorf("load routes: %w", err)
		}
	} else {
		t.catalogue = routes.Dhaka()
	}

	t.publisher, err = auth.NewPublisher(cfg.PublishSecret)
	if err != nil {
		t.closeAudit()
		t.closePersistence()
		return nil, fmt.Errorf("publisher auth: %w", err)
	}

	//4.- Ingestion, fan-out and connection lifecycle.
	ingestOpts := ingest.Options{
		AutoRegister: cfg.Tracking.AutoRegister,
		Logger:       logger,
		Observe:      func(d ingest.Decision) { t.metrics.ObserveIngest(string(d.Reason)) },
	}
	if t.auditWriter != nil {
		ingestOpts.Recorder = t.auditWriter
	}
	t.ingestor = ingest.New(t.store, ingestOpts)
	t.registry = subscription.NewRegistry()
	t.sessions = session.NewManager(t.registry, session.Options{
		Store:            t.store,
		Ingester:         t.ingestor,
		RequirePublisher: t.publisher.Required(),
		Destinations:     t.catalogue,
		PingInterval:     cfg.PingInterval,
		MaxMissedPings:   cfg.MaxMissedPings,
		SendQueueSize:    cfg.SendQueueSize,
		MaxClients:       cfg.MaxClients,
		Metrics:          t.metrics,
		Logger:           logger,
	})
	t.dispatcher = dispatch.New(t.registry, t.sessions, dispatch.Options{Destinations: t.catalogue, Metrics: t.metrics, Logger: logger})
	t.ingestor.SetNotifier(t.dispatcher)
	t.heartbeat = dispatch.NewHeartbeat(t.store, t.dispatcher, dispatch.HeartbeatOptions{
		Freshness: cfg.Tracking.FreshnessThreshold,
		Offline:   cfg.Tracking.OfflineThreshold,
		Retention: cfg.Tracking.Retention,
		Metrics:   t.metrics,
		Logger:    logger,
	})

	//5.- Position sources feed the same ingestor as the websocket and REST publishers.
	if err := t.buildSources(); err != nil {
		t.closeAudit()
		t.closePersistence()
		return nil, err
	}
	return t, nil
}

func (t *tracker) openPersistence(ctx context.Context) ([]state.Option, error) {
	persister, err := persist.Open(ctx, t.cfg.Persistence)
	if err != nil {
		return nil, fmt.Errorf("open persistence: %w", err)
	}
	if persister == nil {
		return nil, nil
	}
	t.persister = persister
	t.persistWriter = persist.NewAsyncWriter(persister, persist.AsyncWriterOptions{
		QueueSize: t.cfg.Persistence.QueueSize,
		Workers:   t.cfg.Persistence.Workers,
		Logger:    t.log,
		OnFailure: t.metrics.PersistenceFailure,
	})
	t.persistWriter.Start()
	t.log.Info("persistence enabled", logging.String("driver", t.cfg.Persistence.Driver))
	return []state.Option{state.WithSink(t.persistWriter), state.WithLoader(persister)}, nil
}

func (t *tracker) openAudit(ctx context.Context) error {
	dir := t.cfg.Audit.Dir
	if dir == "" {
		return nil
	}
	restored, takenAt, err := audit.Restore(dir, t.store)
	if err != nil {
		t.log.Warn("fleet snapshot restore failed", logging.Error(err))
	} else if restored > 0 {
		t.log.Info("fleet restored from snapshot", logging.Int("vehicles", restored), logging.String("taken_at", takenAt.Format(time.RFC3339)))
	}

	t.auditWriter, err = audit.NewWriter(dir, audit.WriterOptions{
		Logger: t.log,
		OnDrop: func() { t.metrics.PersistenceFailure("audit_backlog_full") },
	})
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}

	opts := audit.ServiceOptions{
		SnapshotInterval: t.cfg.Audit.SnapshotInterval,
		SegmentInterval:  t.cfg.Audit.SegmentInterval,
		Logger:           t.log,
		Cleaner: audit.NewCleaner(dir, audit.RetentionPolicy{
			MaxSegments:  t.cfg.Audit.MaxSegments,
			MaxSnapshots: auditMaxSnapshots,
			MaxAge:       t.cfg.Audit.MaxAge,
		}, t.auditWriter.Directory, t.log),
	}
	archive, err := audit.NewMinIO(t.cfg.Audit, t.log)
	if err != nil {
		return err
	}
	if archive != nil {
		checkCtx, cancel := context.WithTimeout(ctx, archiveBucketTimeout)
		if err := archive.CheckBucket(checkCtx); err != nil {
			t.log.Warn("audit archive unavailable, segments stay local", logging.Error(err))
		} else {
			opts.Uploader = archive
		}
		cancel()
	}
	t.auditService = audit.NewService(dir, t.auditWriter, t.store.Snapshot, opts)
	return nil
}

func (t *tracker) buildSources() error {
	srcs := t.cfg.Sources
	if srcs.Simulator {
		t.sources = append(t.sources, source.NewSimulator(t.catalogue, source.DhakaFleet(), source.SimulatorOptions{Metrics: t.metrics, Logger: t.log}))
	}
	if srcs.MQTT.BrokerURL != "" {
		mqtt, err := source.NewMQTT(srcs.MQTT, t.metrics, t.log)
		if err != nil {
			return err
		}
		t.sources = append(t.sources, mqtt)
	}
	if srcs.GTFSRT.FeedURL != "" {
		feed, err := source.NewGTFSRT(srcs.GTFSRT, source.GTFSRTOptions{Metrics: t.metrics, Logger: t.log})
		if err != nil {
			return err
		}
		t.sources = append(t.sources, feed)
	}
	if len(srcs.Kafka.Brokers) > 0 {
		consumer, err := source.NewKafka(srcs.Kafka, t.metrics, t.log)
		if err != nil {
			return err
		}
		t.sources = append(t.sources, consumer)
	}
	return nil
}

// Connections implements httpapi.ReadinessProvider.
func (t *tracker) Connections() int { return t.sessions.Count() }

// StartupError implements httpapi.ReadinessProvider.
func (t *tracker) StartupError() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.startupErr
}

// Uptime implements httpapi.ReadinessProvider.
func (t *tracker) Uptime() time.Duration { return time.Since(t.started) }

func (t *tracker) setStartupError(err error) {
	t.mu.Lock()
	if t.startupErr == nil {
		t.startupErr = err
	}
	t.mu.Unlock()
}

// httpHandler assembles the REST API, the probes and the websocket endpoint.
func (t *tracker) httpHandler() http.Handler {
	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:       t.log,
		Readiness:    t,
		Store:        t.store,
		Ingester:     t.ingestor,
		Notifier:     t.dispatcher,
		Destinations: t.catalogue,
		Publisher:    t.publisher,
		RateLimiter:  httpapi.NewKeyedLimiter(t.cfg.PositionsWindow, t.cfg.PositionsBurst, nil),
		Metrics:      t.metrics,
	})
	router := httpapi.NewRouter(handlers, t.cfg.AllowedOrigins)
	router.Get("/ws", newWebsocketHandler(t.sessions, t.publisher, websocketOptions{
		AllowedOrigins:  t.cfg.AllowedOrigins,
		MaxPayloadBytes: t.cfg.MaxPayloadBytes,
		Logger:          t.log,
	}).ServeHTTP)
	return router
}

// grpcServer builds the gRPC server with health reporting and publisher checks.
func (t *tracker) grpcServer() (*grpclib.Server, *health.Server, error) {
	opts, err := grpcServerOptions(t.cfg, t.publisher, t.log)
	if err != nil {
		return nil, nil, err
	}
	server := grpclib.NewServer(opts...)
	trackergrpc.Register(server, trackergrpc.NewService(t.sessions, t.ingestor, trackergrpc.WithLogger(t.log)))
	healthServer := health.NewServer()
	healthServer.SetServingStatus(trackergrpc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)
	return server, healthServer, nil
}

// Run serves until ctx is cancelled or a component fails, then shuts down in order:
// listeners, connections, background loops, durable sinks.
func (t *tracker) Run(ctx context.Context) error {
	defer t.close()
	group, ctx := errgroup.WithContext(ctx)

	//1.- Bind every listener before any of them serves.
	var (
		grpcServer   *grpclib.Server
		healthServer *health.Server
		grpcListener net.Listener
	)
	if t.cfg.GRPCAddress != "" {
		var err error
		grpcServer, healthServer, err = t.grpcServer()
		if err != nil {
			t.setStartupError(err)
			return err
		}
		grpcListener, err = net.Listen("tcp", t.cfg.GRPCAddress)
		if err != nil {
			return fmt.Errorf("listen %s: %w", t.cfg.GRPCAddress, err)
		}
	}
	listener, err := net.Listen("tcp", t.cfg.Address)
	if err != nil {
		if grpcListener != nil {
			grpcListener.Close()
		}
		return fmt.Errorf("listen %s: %w", t.cfg.Address, err)
	}

	//2.- HTTP and websocket.
	httpServer := &http.Server{Addr: t.cfg.Address, Handler: t.httpHandler(), ReadHeaderTimeout: 5 * time.Second}
	tlsEnabled := t.cfg.TLSCertPath != ""
	t.log.Info("tracker listening",
		logging.String("http", listenerURL(listener.Addr().String(), tlsEnabled)),
		logging.String("websocket", websocketURL(listener.Addr().String(), tlsEnabled)))
	group.Go(func() error {
		var serveErr error
		if tlsEnabled {
			serveErr = httpServer.ServeTLS(listener, t.cfg.TLSCertPath, t.cfg.TLSKeyPath)
		} else {
			serveErr = httpServer.Serve(listener)
		}
		if errors.Is(serveErr, http.ErrServerClosed) {
			return nil
		}
		return serveErr
	})

	//3.- Optional gRPC.
	if grpcServer != nil {
		t.log.Info("gRPC listening", logging.String("address", normaliseHostPort(grpcListener.Addr().String())))
		group.Go(func() error { return grpcServer.Serve(grpcListener) })
		group.Go(func() error {
			<-ctx.Done()
			healthServer.Shutdown()
			stopped := make(chan struct{})
			go func() {
				grpcServer.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-time.After(shutdownGrace):
				grpcServer.Stop()
			}
			return nil
		})
	}

	//4.- Heartbeat drives freshness re-emits, offline marking and eviction.
	monitor := tick.NewMonitor(t.metrics.ObserveHeartbeat)
	beat := tick.NewLoop(t.cfg.Tracking.HeartbeatInterval, func(ctx context.Context, now time.Time) {
		t.heartbeat.Step(ctx, now)
		t.metrics.SetSubscriptions(t.registry.Stats().Subscriptions)
	}, monitor)
	group.Go(func() error { return beat.Run(ctx) })

	//5.- Background collaborators.
	if t.cfg.RoutesPath != "" {
		if err := t.catalogue.Watch(ctx, t.cfg.RoutesPath, t.log); err != nil {
			t.log.Warn("route catalogue watch disabled", logging.Error(err))
		}
	}
	if t.auditService != nil {
		group.Go(func() error { return t.auditService.Run(ctx) })
	}
	for _, src := range t.sources {
		src := src
		t.log.Info("position source started", logging.String("source", src.Name()))
		group.Go(func() error {
			if err := src.Run(ctx, t.ingestor); err != nil && !errors.Is(err, context.Canceled) {
				t.log.Error("position source stopped", logging.String("source", src.Name()), logging.Error(err))
				t.setStartupError(fmt.Errorf("%s: %w", src.Name(), err))
			}
			return nil
		})
	}

	//6.- Drain connections once the context ends.
	group.Go(func() error {
		<-ctx.Done()
		t.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		t.sessions.CloseAll(session.ReasonShutdown)
		return err
	})

	return group.Wait()
}

func (t *tracker) close() {
	t.closeAudit()
	t.closePersistence()
}

func (t *tracker) closeAudit() {
	if t.auditWriter == nil {
		return
	}
	if err := t.auditWriter.Close(); err != nil {
		t.log.Warn("audit log close failed", logging.Error(err))
	}
}

func (t *tracker) closePersistence() {
	if t.persistWriter != nil {
		t.persistWriter.Close()
	}
	if t.persister != nil {
		if err := t.persister.Close(); err != nil {
			t.log.Warn("persistence close failed", logging.Error(err))
		}
	}
}
