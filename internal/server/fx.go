// Package server builds the pipeline dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	goredis "github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/newsfacts-pipeline/internal/api"
	"github.com/JakeFAU/newsfacts-pipeline/internal/cache"
	rediscache "github.com/JakeFAU/newsfacts-pipeline/internal/cache/redis"
	"github.com/JakeFAU/newsfacts-pipeline/internal/claims"
	"github.com/JakeFAU/newsfacts-pipeline/internal/clock/system"
	"github.com/JakeFAU/newsfacts-pipeline/internal/config"
	"github.com/JakeFAU/newsfacts-pipeline/internal/dispatcher"
	"github.com/JakeFAU/newsfacts-pipeline/internal/evidence"
	collyfetcher "github.com/JakeFAU/newsfacts-pipeline/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/newsfacts-pipeline/internal/fetcher/headless"
	"github.com/JakeFAU/newsfacts-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/newsfacts-pipeline/internal/headless/detector"
	iduuid "github.com/JakeFAU/newsfacts-pipeline/internal/id/uuid"
	"github.com/JakeFAU/newsfacts-pipeline/internal/intake"
	"github.com/JakeFAU/newsfacts-pipeline/internal/kb/wikidata"
	"github.com/JakeFAU/newsfacts-pipeline/internal/llm"
	"github.com/JakeFAU/newsfacts-pipeline/internal/loader"
	"github.com/JakeFAU/newsfacts-pipeline/internal/logging"
	"github.com/JakeFAU/newsfacts-pipeline/internal/metrics"
	"github.com/JakeFAU/newsfacts-pipeline/internal/pipeline"
	"github.com/JakeFAU/newsfacts-pipeline/internal/policy/blocklist"
	"github.com/JakeFAU/newsfacts-pipeline/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/newsfacts-pipeline/internal/publisher/memory"
	natspublisher "github.com/JakeFAU/newsfacts-pipeline/internal/publisher/nats"
	gcppublisher "github.com/JakeFAU/newsfacts-pipeline/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/newsfacts-pipeline/internal/queue/memory"
	natsqueue "github.com/JakeFAU/newsfacts-pipeline/internal/queue/nats"
	pubsubqueue "github.com/JakeFAU/newsfacts-pipeline/internal/queue/pubsub"
	"github.com/JakeFAU/newsfacts-pipeline/internal/resolver"
	"github.com/JakeFAU/newsfacts-pipeline/internal/retry"
	gcsstorage "github.com/JakeFAU/newsfacts-pipeline/internal/storage/gcs"
	localstorage "github.com/JakeFAU/newsfacts-pipeline/internal/storage/local"
	memoryStorage "github.com/JakeFAU/newsfacts-pipeline/internal/storage/memory"
	pgstore "github.com/JakeFAU/newsfacts-pipeline/internal/storage/postgres"
	"github.com/JakeFAU/newsfacts-pipeline/internal/telemetry"
	"github.com/JakeFAU/newsfacts-pipeline/internal/validator"
	"github.com/JakeFAU/newsfacts-pipeline/internal/worker"
)

// TaskStore is the store surface shared by workers and intake.
type TaskStore interface {
	pipeline.TaskStore
	FindRecent(ctx context.Context, url string, since time.Time) (pipeline.Task, bool, error)
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  pipeline.Clock

	store     TaskStore
	pgStore   *pgstore.TaskStore
	queue     pipeline.Queue
	publisher pipeline.Publisher
	blobs     pipeline.BlobStore
	dispatch  *dispatcher.Dispatcher
	intake    *intake.Intake
	apiServer *api.Server

	memoryQueue     *queueMemory.Queue
	pubsubQueue     *pubsubqueue.Queue
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	natsConn        *nats.Conn
	jetStream       jetstream.JetStream
	gcsStore        *gcsstorage.BlobStore
	headless        *headlessfetcher.Fetcher
	redisClient     *goredis.Client
	tracerShutdown  func(context.Context) error
}

// Run starts the workers and the ops server and blocks until the context is
// canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started")
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not stop before the shutdown deadline")
	}

	return a.Close(shutdownCtx)
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(a.cfg.Server.ShutdownTimeoutSeconds) * time.Second
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure()
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.memoryQueue != nil {
		a.memoryQueue.Close()
	}
	if a.pubsubQueue != nil {
		a.pubsubQueue.Close()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.natsConn != nil {
		if err := a.natsConn.Drain(); err != nil {
			a.logger.Warn("nats drain failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.gcsStore != nil {
		if err := a.gcsStore.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}

// Store returns the task store.
func (a *App) Store() TaskStore { return a.store }

// Intake returns the submission entry point.
func (a *App) Intake() *intake.Intake { return a.intake }

// Handler returns the ops HTTP handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Build creates the application's dependencies. A failed Build releases what
// it already opened.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		Service:     cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with a caller-provided logger.
func BuildWithLogger(ctx context.Context, cfg config.Config, logger *zap.Logger) (app *App, err error) {
	app = &App{cfg: cfg, logger: logger, clock: system.New()}
	defer func() {
		if err != nil {
			app.closeInfrastructure()
		}
	}()
	logger.Info("building application dependencies",
		zap.String("queue", cfg.Queue.Backend),
		zap.String("publisher", cfg.Publisher.Backend),
		zap.String("storage", cfg.Storage.Backend),
		zap.Bool("postgres", cfg.Database.DSN != ""),
	)

	metrics.Init()
	if cfg.Telemetry.Enabled {
		var tp *sdktrace.TracerProvider
		tcfg := telemetry.Config{ServiceName: cfg.Telemetry.ServiceName, SampleRatio: cfg.Telemetry.SampleRatio}
		if cfg.Telemetry.LogSpans {
			tcfg.SpanLogger = logger.Named("trace")
		}
		tp, err = telemetry.InitTracerProvider(ctx, tcfg)
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		app.tracerShutdown = tp.Shutdown
	}

	if err = setupStore(ctx, app); err != nil {
		return nil, err
	}
	if err = setupBlobStore(ctx, app); err != nil {
		return nil, err
	}
	if err = setupQueue(ctx, app); err != nil {
		return nil, err
	}
	if err = setupPublisher(ctx, app); err != nil {
		return nil, err
	}
	if err = setupRedis(app); err != nil {
		return nil, err
	}

	app.dispatch = dispatcher.New(app.queue, logger)
	handlers, err := setupHandlers(app)
	if err != nil {
		return nil, err
	}
	setupWorkers(app, handlers)

	app.intake = intake.New(app.store, app.dispatch, app.intakeIndex(), app.clock, cfg.IntakeWindow(), logger)
	if blocked := blocklist.New(cfg.Intake.BlockedDomains); blocked != nil {
		app.intake.WithDomainFilter(blocked)
		logger.Info("intake domain filter enabled", zap.Int("patterns", blocked.Len()))
	}
	app.apiServer = api.NewServer(app.intake, app.store, app.ready, cfg.Auth, logger.Named("api"))
	return app, nil
}

func (a *App) ready(ctx context.Context) error {
	if a.pgStore != nil {
		if err := a.pgStore.Ping(ctx); err != nil {
			return err
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
	}
	return nil
}

func setupStore(ctx context.Context, app *App) error {
	if app.cfg.Database.DSN == "" {
		app.logger.Warn("no database.dsn configured, tasks are kept in memory")
		app.store = memoryStorage.NewTaskStore(app.clock, iduuid.New())
		return nil
	}
	store, err := pgstore.NewTaskStore(ctx, pgstore.TaskStoreConfig{
		DSN:             app.cfg.Database.DSN,
		Table:           app.cfg.Database.Table,
		MaxConns:        app.cfg.Database.MaxConns,
		MinConns:        app.cfg.Database.MinConns,
		MaxConnLifetime: time.Duration(app.cfg.Database.MaxConnLifetimeSeconds) * time.Second,
	}, app.clock, iduuid.New())
	if err != nil {
		return fmt.Errorf("task store init failed: %w", err)
	}
	app.pgStore = store
	app.store = store
	app.logger.Info("postgres task store initialized", zap.String("table", app.cfg.Database.Table))
	return nil
}

func setupBlobStore(ctx context.Context, app *App) error {
	switch app.cfg.Storage.Backend {
	case "gcs":
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{
			Bucket:       app.cfg.Storage.Bucket,
			Prefix:       app.cfg.Storage.Prefix,
			VerifyBucket: app.cfg.Storage.VerifyBucket,
		})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.gcsStore = store
		app.blobs = store
		app.logger.Info("using GCS evidence storage", zap.String("bucket", app.cfg.Storage.Bucket))
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.Local.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		app.blobs = store
		app.logger.Info("using local evidence storage", zap.String("path", app.cfg.Storage.Local.BaseDir))
	default:
		app.logger.Info("using in-memory evidence storage")
		app.blobs = memoryStorage.NewBlobStore()
	}
	return nil
}

func (a *App) stages() []pipeline.Stage {
	if len(a.cfg.Worker.Stages) == 0 {
		return pipeline.WorkStages()
	}
	stages := make([]pipeline.Stage, 0, len(a.cfg.Worker.Stages))
	for _, name := range a.cfg.Worker.Stages {
		if stage, err := pipeline.ParseStage(name); err == nil {
			stages = append(stages, stage)
		}
	}
	return stages
}

func setupQueue(ctx context.Context, app *App) error {
	switch app.cfg.Queue.Backend {
	case "pubsub":
		client, err := app.pubsub(ctx)
		if err != nil {
			return err
		}
		q := pubsubqueue.New(client, pubsubqueue.Config{
			ProjectID:          app.cfg.PubSub.ProjectID,
			TopicPrefix:        app.cfg.PubSub.TopicPrefix,
			SubscriptionSuffix: app.cfg.PubSub.SubscriptionSuffix,
			MaxOutstanding:     app.cfg.PubSub.MaxOutstanding,
			AckDeadline:        time.Duration(app.cfg.PubSub.AckDeadlineSeconds) * time.Second,
			Stages:             app.stages(),
		}, app.logger)
		if app.cfg.PubSub.CreateTopics {
			if err := q.EnsureTopics(ctx); err != nil {
				return fmt.Errorf("pubsub topics init failed: %w", err)
			}
		}
		app.pubsubQueue = q
		app.queue = q
		app.logger.Info("using Pub/Sub stage queue",
			zap.String("project", app.cfg.PubSub.ProjectID),
			zap.String("topic_prefix", app.cfg.PubSub.TopicPrefix),
		)
	case "nats":
		js, err := app.nats()
		if err != nil {
			return err
		}
		q, err := natsqueue.Open(ctx, js, natsqueue.Config{
			Stream:     app.cfg.NATS.Stream,
			Subject:    app.cfg.NATS.Subject,
			Durable:    app.cfg.NATS.Durable,
			MaxDeliver: app.cfg.NATS.MaxDeliver,
			AckWait:    time.Duration(app.cfg.NATS.AckWaitSeconds) * time.Second,
			NakDelay:   time.Duration(app.cfg.NATS.NakDelayMs) * time.Millisecond,
			FetchWait:  time.Duration(app.cfg.NATS.FetchWaitSeconds) * time.Second,
			Stages:     app.stagesIfNarrowed(),
		}, app.logger)
		if err != nil {
			return fmt.Errorf("nats queue init failed: %w", err)
		}
		app.queue = q
		app.logger.Info("using NATS JetStream stage queue",
			zap.String("stream", app.cfg.NATS.Stream),
			zap.String("durable", app.cfg.NATS.Durable),
		)
	default:
		q := queueMemory.NewQueue(app.cfg.Queue.Capacity, time.Duration(app.cfg.Queue.RedeliveryDelayMs)*time.Millisecond)
		app.memoryQueue = q
		app.queue = q
		app.logger.Info("using in-memory stage queue", zap.Int("capacity", app.cfg.Queue.Capacity))
	}
	return nil
}

func (a *App) stagesIfNarrowed() []pipeline.Stage {
	if len(a.cfg.Worker.Stages) == 0 {
		return nil
	}
	return a.stages()
}

func setupPublisher(ctx context.Context, app *App) error {
	switch app.cfg.Publisher.Backend {
	case "pubsub":
		client, err := app.pubsub(ctx)
		if err != nil {
			return err
		}
		app.pubsubPublisher = gcppublisher.New(client)
		app.publisher = app.pubsubPublisher
		app.logger.Info("Pub/Sub event publisher initialized", zap.String("topic", app.cfg.Worker.CompletedTopic))
	case "nats":
		js, err := app.nats()
		if err != nil {
			return err
		}
		if err := natspublisher.EnsureStream(ctx, js, app.cfg.NATS.EventsStream, app.cfg.NATS.EventsSubject); err != nil {
			return fmt.Errorf("nats events stream init failed: %w", err)
		}
		app.publisher = natspublisher.New(js, app.cfg.NATS.EventsSubject)
		app.logger.Info("NATS event publisher initialized", zap.String("stream", app.cfg.NATS.EventsStream))
	default:
		app.logger.Warn("no event transport configured, using in-memory publisher")
		app.publisher = memorypublisher.New()
	}
	return nil
}

func (a *App) pubsub(ctx context.Context) (*pubsub.Client, error) {
	if a.pubsubClient != nil {
		return a.pubsubClient, nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	return client, nil
}

func (a *App) nats() (jetstream.JetStream, error) {
	if a.jetStream != nil {
		return a.jetStream, nil
	}
	conn, err := nats.Connect(a.cfg.NATS.URL, nats.Name(a.cfg.Telemetry.ServiceName))
	if err != nil {
		return nil, fmt.Errorf("nats connect failed: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream init failed: %w", err)
	}
	a.natsConn = conn
	a.jetStream = js
	return js, nil
}

func setupRedis(app *App) error {
	if app.cfg.Redis.URL == "" {
		return nil
	}
	client, err := rediscache.Connect(app.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis init failed: %w", err)
	}
	app.redisClient = client
	app.logger.Info("redis shared cache tier enabled", zap.String("prefix", app.cfg.Redis.Prefix))
	return nil
}

// sharedTier returns the redis tier under prefix, or nil when redis is off.
func (a *App) sharedTier(prefix string, ttl time.Duration) cache.Cache {
	if a.redisClient == nil {
		return nil
	}
	far, err := rediscache.New(a.redisClient, a.cfg.Redis.Prefix+prefix, ttl)
	if err != nil {
		a.logger.Warn("redis tier disabled", zap.Error(err))
		return nil
	}
	return far
}

func (a *App) intakeIndex() cache.Cache {
	window := a.cfg.IntakeWindow()
	return cache.NewTiered(cache.NewTTL(window, 10*time.Minute), a.sharedTier("intake:", window))
}

func (a *App) kbCache() cache.Cache {
	ttl := a.cfg.CacheTTL()
	return cache.NewTiered(cache.NewLRU(a.cfg.Cache.Capacity, ttl), a.sharedTier("kb:", ttl))
}

func (a *App) retryPolicy(retryable func(error) bool) retry.Policy {
	return retry.Policy{
		MaxAttempts: a.cfg.Retry.MaxAttempts,
		Backoff:     retry.Constant(time.Duration(a.cfg.Retry.BackoffMs) * time.Millisecond),
		Retryable:   retryable,
	}
}

func setupHandlers(app *App) (map[pipeline.Stage]worker.Handler, error) {
	cfg := app.cfg
	model, err := llm.New(llm.Config{
		APIKey:    cfg.LLM.APIKey,
		BaseURL:   cfg.LLM.BaseURL,
		Model:     cfg.LLM.Model,
		Timeout:   time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
		MaxTokens: cfg.LLM.MaxTokens,
	}, app.retryPolicy(llm.IsTransient), app.logger.Named("llm"))
	if err != nil {
		return nil, fmt.Errorf("llm client init failed: %w", err)
	}

	pageLoader, err := setupLoader(app)
	if err != nil {
		return nil, err
	}
	persister, err := evidence.New(app.blobs, sha256.New(), app.clock, app.logger)
	if err != nil {
		return nil, fmt.Errorf("evidence persister init failed: %w", err)
	}

	var linker *resolver.Linker
	if cfg.KB.Enabled {
		kb := wikidata.New(wikidata.Config{
			Endpoint:          cfg.KB.Endpoint,
			UserAgent:         cfg.KB.UserAgent,
			Timeout:           time.Duration(cfg.KB.TimeoutSeconds) * time.Second,
			RequestsPerSecond: cfg.KB.RequestsPerSecond,
			Burst:             cfg.KB.Burst,
			Limit:             cfg.KB.Limit,
		}, nil, app.retryPolicy(wikidata.IsTransient), app.logger)
		linker = resolver.NewLinker(kb, app.kbCache(), app.logger)
		app.logger.Info("wikidata linking enabled", zap.Int("cache_capacity", cfg.Cache.Capacity))
	}

	all := map[pipeline.Stage]worker.Handler{
		pipeline.StageExtraction: &worker.Extraction{
			Loader:   pageLoader,
			Evidence: persister,
			Timeout:  time.Duration(cfg.Loader.TimeoutSeconds) * time.Second,
			Logger:   app.logger,
		},
		pipeline.StageCleaning: &worker.Cleaning{
			Validator: validator.New(model, validator.Policy{
				MinRawChars:  cfg.Validator.MinRawChars,
				PaywallTerms: cfg.Validator.PaywallTerms,
			}, app.clock, app.logger),
			Evidence: persister,
			Logger:   app.logger,
		},
		pipeline.StageResolution: &worker.Resolution{
			Resolver: resolver.New(resolver.Config{
				MaxChars:    cfg.Resolver.MaxChars,
				Threshold:   cfg.Resolver.Threshold,
				LinkWorkers: cfg.Resolver.LinkWorkers,
			}, model, resolver.DefaultRecognizers(), linker, app.clock, app.logger),
		},
		pipeline.StageSemantization: &worker.Semantization{
			Extractor: claims.New(claims.Config{MaxClaims: cfg.Claims.MaxClaims}, model,
				claims.NewPolicy(cfg.Claims.HedgeTerms, cfg.Claims.CriminalTerms, cfg.Claims.MinConfidence),
				app.clock, app.logger),
		},
	}
	handlers := make(map[pipeline.Stage]worker.Handler)
	for _, stage := range app.stages() {
		handlers[stage] = all[stage]
	}
	return handlers, nil
}

func setupLoader(app *App) (*loader.Loader, error) {
	cfg := app.cfg
	probe := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Loader.UserAgent,
		RespectRobots: cfg.Loader.RespectRobots,
		Timeout:       time.Duration(cfg.Loader.ProbeTimeoutSeconds) * time.Second,
		MaxBodySize:   cfg.Loader.MaxBodyBytes,
	})
	app.logger.Info("using colly probe fetcher", zap.String("user_agent", cfg.Loader.UserAgent))

	var headless *headlessfetcher.Fetcher
	var detect loader.Detector
	if cfg.Headless.Enabled {
		var err error
		headless, err = headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Loader.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSeconds) * time.Second,
			SettleDelay:       time.Duration(cfg.Headless.SettleDelayMs) * time.Millisecond,
			ContentWait:       time.Duration(cfg.Headless.ContentWaitSeconds) * time.Second,
			MinWords:          cfg.Headless.MinWords,
		})
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		app.headless = headless
		detect = detector.NewHeuristic(cfg.Headless.PromotionBodyBytes, cfg.Headless.MinTextChars)
		app.logger.Info("using headless fetcher", zap.Int("max_parallel", cfg.Headless.MaxParallel))
	}

	throttle := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Loader.RateLimitRPS,
		DefaultBurst: cfg.Loader.RateLimitBurst,
		DomainRPS:    cfg.DomainRPS(),
	})
	probePolicy := retry.Policy{
		MaxAttempts: cfg.Loader.ProbeAttempts,
		Backoff:     retry.Exponential{Base: 500 * time.Millisecond, Max: 4 * time.Second},
	}
	loaderCfg := loader.Config{
		AlwaysRender:   cfg.Headless.AlwaysRender,
		Screenshot:     cfg.Headless.Screenshot,
		DefaultTimeout: time.Duration(cfg.Loader.TimeoutSeconds) * time.Second,
		Throttle:       throttle,
	}
	var l *loader.Loader
	var err error
	if headless != nil {
		l, err = loader.New(loaderCfg, probe, headless, detect, probePolicy, app.clock, app.logger.Named("loader"))
	} else {
		l, err = loader.New(loaderCfg, probe, nil, nil, probePolicy, app.clock, app.logger.Named("loader"))
	}
	if err != nil {
		return nil, fmt.Errorf("page loader init failed: %w", err)
	}
	return l, nil
}

func setupWorkers(app *App, handlers map[pipeline.Stage]worker.Handler) {
	timeouts := make(map[pipeline.Stage]time.Duration)
	for _, stage := range pipeline.WorkStages() {
		timeouts[stage] = app.cfg.StageTimeout(string(stage))
	}
	workerCfg := worker.Config{
		StageTimeouts:  timeouts,
		DefaultTimeout: time.Duration(app.cfg.Worker.DefaultTimeoutSeconds) * time.Second,
		CompletedTopic: app.cfg.Worker.CompletedTopic,
	}
	stages := make([]string, 0, len(handlers))
	for stage := range handlers {
		stages = append(stages, string(stage))
	}
	app.logger.Info("worker config",
		zap.Int("concurrency", app.cfg.Worker.Concurrency),
		zap.Strings("stages", stages),
		zap.String("completed_topic", workerCfg.CompletedTopic),
		zap.Duration("default_timeout", workerCfg.DefaultTimeout),
	)
	for i := 0; i < app.cfg.Worker.Concurrency; i++ {
		app.dispatch.AddWorkers(worker.New(
			app.queue,
			app.store,
			app.dispatch,
			app.publisher,
			handlers,
			app.clock,
			workerCfg,
			app.logger.With(zap.Int("index", i)),
		))
	}
}
