// Package app 负责按配置装配存储、事件总线、投递器、轮询器与 HTTP 服务。
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	authjwt "timecapsule/backend/internal/auth/jwt"
	"timecapsule/backend/internal/cache"
	"timecapsule/backend/internal/config"
	"timecapsule/backend/internal/events"
	"timecapsule/backend/internal/health"
	"timecapsule/backend/internal/monitoring"
	"timecapsule/backend/internal/pool"
	"timecapsule/backend/internal/security"
	"timecapsule/backend/internal/service"
	"timecapsule/backend/internal/smtp"
	"timecapsule/backend/internal/storage"
	"timecapsule/backend/internal/storage/filesystem"
	"timecapsule/backend/internal/storage/hybrid"
	"timecapsule/backend/internal/storage/memory"
	pgstore "timecapsule/backend/internal/storage/postgres"
	redisstore "timecapsule/backend/internal/storage/redis"
	sqlstore "timecapsule/backend/internal/storage/sql"
	httptransport "timecapsule/backend/internal/transport/http"
	"timecapsule/backend/internal/websocket"
)

const (
	backgroundWorkers   = 4
	backgroundQueueSize = 256
	limiterCacheSize    = 10000
	gaugeInterval       = 15 * time.Second
)

// Options 进程运行的组件
type Options struct {
	Poller bool // 在进程内运行轮询循环（仍受 poller.enabled 控制）
	Alerts bool // 运行告警规则检查
}

// App 装配完成的应用
type App struct {
	cfg  *config.Config
	opts Options
	log  *zap.Logger

	store     storage.Store
	bus       events.Bus
	busRun    func(ctx context.Context) error
	objects   *filesystem.Store
	redis     *redisstore.Client
	pg        *pgstore.Client
	workers   *pool.WorkerPool
	limiters  *cache.LocalCache
	metrics   *monitoring.Metrics
	health    *health.HealthChecker
	alerts    *monitoring.AlertManager
	poller    *service.Poller
	hub       *websocket.Hub
	server    *http.Server
	runPoller bool
}

// New 按配置创建应用，失败时释放已创建的资源
func New(cfg *config.Config, log *zap.Logger, opts Options) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{cfg: cfg, opts: opts, log: log}
	if err := a.init(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) init() error {
	cfg, log, opts := a.cfg, a.log, a.opts

	if err := a.openStore(); err != nil {
		return err
	}
	if err := a.openBus(); err != nil {
		return err
	}

	signer, err := filesystem.NewURLSigner(cfg.Storage.SigningSecret, cfg.Server.PublicURL)
	if err != nil {
		return fmt.Errorf("create url signer: %w", err)
	}
	a.objects, err = filesystem.NewStore(cfg.Storage.Path, signer)
	if err != nil {
		return fmt.Errorf("open object store: %w", err)
	}
	log.Info("object storage initialized", zap.String("path", cfg.Storage.Path))

	a.metrics = monitoring.NewMetrics(nil)
	a.workers = pool.NewWorkerPool(backgroundWorkers, backgroundQueueSize, log)
	a.limiters = cache.NewLocalCache(limiterCacheSize, 10*time.Minute)

	tokens := authjwt.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.AccessExpiry, cfg.JWT.RefreshExpiry)
	mailer := smtp.NewMailer(cfg.SMTP, log.Named("smtp"))

	dispatcher := service.NewDispatcher(a.store, mailer, a.bus, service.DispatcherOptions{
		AppURL:     cfg.App.URL,
		Throttle:   cfg.Dispatcher.Throttle,
		BatchLimit: cfg.Dispatcher.BatchLimit,
		Recorder:   a.metrics,
	}, log.Named("dispatcher"))

	var client service.DispatchClient = service.NewLocalDispatchClient(dispatcher)
	if cfg.Poller.DispatchURL != "" {
		client = service.NewHTTPDispatchClient(cfg.Poller.DispatchURL, cfg.Service.Key, cfg.Poller.DispatchTimeout)
		log.Info("poller dispatches over HTTP", zap.String("url", cfg.Poller.DispatchURL))
	}
	a.poller = service.NewPoller(a.store, client, a.bus, service.PollerOptions{
		Interval:     cfg.Poller.Interval,
		Throttle:     cfg.Poller.Throttle,
		ClaimTimeout: cfg.Poller.ClaimTimeout,
		BatchLimit:   cfg.Poller.BatchLimit,
		Recorder:     a.metrics,
	}, log.Named("poller"))
	a.runPoller = opts.Poller && cfg.Poller.Enabled

	var nudger service.Nudger
	if a.runPoller {
		nudger = a.poller
	}
	files := service.NewFileService(a.store, a.objects, security.NewUploadPolicy(cfg.Storage.MaxUploadSize),
		dispatcher, nudger, a.workers, a.bus, service.FileServiceOptions{
			PreviewTTL: cfg.Storage.PreviewURLTTL,
		}, log.Named("files"))
	access := service.NewAccessResolver(a.store, a.objects, a.bus, cfg.Storage.AccessURLTTL, nil, log.Named("access"))

	a.hub = websocket.NewHub(a.bus, tokens, cfg.CORS.AllowedOrigins, log.Named("websocket"))
	a.health = a.newHealthChecker()
	if opts.Alerts {
		a.alerts = a.newAlertManager()
	}

	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:         cfg,
		FileService:    files,
		Dispatcher:     dispatcher,
		Poller:         a.poller,
		AccessResolver: access,
		Objects:        a.objects,
		Tokens:         tokens,
		WebSocketHub:   a.hub,
		Metrics:        a.metrics,
		Health:         a.health,
		Limiters:       a.limiters,
		Logger:         log.Named("http"),
	})

	a.server = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}
	return nil
}

// Handler 返回 HTTP 处理器
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// openStore 选择记录存储：内存、GORM 或 database/sql，可叠加 Redis 缓存
func (a *App) openStore() error {
	cfg := a.cfg
	if cfg.Database.Type == "" || cfg.Database.DSN == "" {
		a.store = memory.NewStore()
		a.log.Warn("using memory storage, records are lost on restart")
	} else {
		var err error
		switch cfg.Database.Engine {
		case "sql":
			a.store, err = sqlstore.NewStore(cfg.Database.Type, cfg.Database.DSN,
				cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
		default:
			a.store, err = pgstore.Open(cfg.Database)
		}
		if err != nil {
			return fmt.Errorf("open %s store: %w", cfg.Database.Type, err)
		}
		a.log.Info("database storage initialized",
			zap.String("type", cfg.Database.Type),
			zap.String("engine", cfg.Database.Engine),
		)
	}

	if cfg.Redis.Enabled {
		if err := a.openRedis(); err != nil {
			return err
		}
		a.store = hybrid.NewStore(a.store, redisstore.NewCache(a.redis.Client()), cfg.Redis.CacheTTL, a.log.Named("hybrid"))
		a.log.Info("record cache enabled", zap.Duration("ttl", cfg.Redis.CacheTTL))
	}
	return nil
}

func (a *App) openRedis() error {
	if a.redis != nil {
		return nil
	}
	client, err := redisstore.New(&a.cfg.Redis, a.log.Named("redis"))
	if err != nil {
		return err
	}
	a.redis = client
	return nil
}

// openBus 选择变更事件总线
func (a *App) openBus() error {
	switch a.cfg.Realtime.Backend {
	case "redis":
		if err := a.openRedis(); err != nil {
			return err
		}
		bus := redisstore.NewPubSubBus(a.redis.Client(), a.cfg.Realtime.Channel, a.log.Named("bus"))
		a.bus, a.busRun = bus, bus.Run
	case "postgres":
		client, err := pgstore.New(&a.cfg.Database, a.log.Named("postgres"))
		if err != nil {
			return err
		}
		a.pg = client
		bus := pgstore.NewNotifyBus(client, a.cfg.Realtime.Channel, a.log.Named("bus"))
		a.bus, a.busRun = bus, bus.Run
	default:
		a.bus = events.NewLocalBus(a.log.Named("bus"))
	}
	a.log.Info("event bus initialized", zap.String("backend", a.cfg.Realtime.Backend))
	return nil
}

func (a *App) newHealthChecker() *health.HealthChecker {
	opts := []health.Option{
		health.WithObjectStore(a.objects),
		health.WithGoroutineLimit(10000),
		health.WithMetrics(prometheus.DefaultRegisterer),
	}
	if a.redis != nil {
		opts = append(opts, health.WithPinger("redis", a.redis))
	}
	if a.pg != nil {
		opts = append(opts, health.WithPinger("postgres_notify", a.pg))
	}
	return health.NewHealthChecker(a.store, a.log.Named("health"), opts...)
}

func (a *App) newAlertManager() *monitoring.AlertManager {
	am := monitoring.NewAlertManager(a.log.Named("alerts"))
	am.AddReceiver(monitoring.NewLogAlertReceiver(a.log.Named("alerts")))
	if url := a.cfg.Monitoring.AlertWebhookURL; url != "" {
		am.AddReceiver(monitoring.NewWebhookAlertReceiver(url, a.log.Named("alerts")))
	}

	am.AddRule(monitoring.DatabaseConnectionRule(a.store))
	am.AddRule(monitoring.DeliveryFailureRateRule(a.metrics.DeliveryCounts,
		a.cfg.Monitoring.FailureRateWarning, a.cfg.Monitoring.MinDeliveries))
	if a.cfg.Poller.ClaimTimeout > 0 {
		am.AddRule(monitoring.StuckClaimsRule(a.store, a.cfg.Poller.ClaimTimeout, nil))
	}
	return am
}

// Run 运行全部组件，直到 ctx 结束或任一组件出错
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	group, groupCtx := errgroup.WithContext(ctx)
	a.workers.Start(groupCtx)

	group.Go(func() error {
		a.log.Info("starting HTTP server", zap.String("address", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if a.busRun != nil {
		group.Go(func() error { return a.busRun(groupCtx) })
	}

	group.Go(func() error {
		a.log.Info("starting WebSocket hub")
		return a.hub.Run(groupCtx)
	})

	if a.runPoller {
		group.Go(func() error { return a.poller.Run(groupCtx) })
	} else {
		a.log.Info("in-process poller disabled, relying on /cron-scheduler")
	}

	if a.alerts != nil && a.cfg.Monitoring.AlertInterval > 0 {
		group.Go(func() error {
			a.log.Info("starting alert monitoring", zap.Duration("interval", a.cfg.Monitoring.AlertInterval))
			return a.alerts.StartMonitoring(groupCtx, a.cfg.Monitoring.AlertInterval)
		})
	}

	group.Go(func() error {
		ticker := time.NewTicker(gaugeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				a.metrics.UpdateWebsocketClients(a.hub.ClientCount())
			}
		}
	})

	// 优雅关闭
	group.Go(func() error {
		<-groupCtx.Done()
		a.log.Info("shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.log.Error("HTTP server shutdown error", zap.Error(err))
		}
		return nil
	})

	err := group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// close 按创建的逆序释放资源
func (a *App) close() {
	if a.workers != nil {
		a.workers.Stop()
	}
	if a.limiters != nil {
		a.limiters.Close()
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.log.Warn("event bus close error", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("store close error", zap.Error(err))
		}
	}
	if a.pg != nil {
		a.pg.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("redis close error", zap.Error(err))
		}
	}
}
