package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"timecapsule/backend/internal/cache"
	"timecapsule/backend/internal/config"
	"timecapsule/backend/internal/health"
	"timecapsule/backend/internal/middleware"
	"timecapsule/backend/internal/monitoring"
	"timecapsule/backend/internal/service"
	"timecapsule/backend/internal/websocket"
)

// Handler 聚合所有 HTTP 处理逻辑。
type Handler struct {
	files      *service.FileService
	dispatcher DispatchRunner
	cron       CronRunner
	access     *service.AccessResolver
	objects    ObjectServer
	now        func() time.Time
	log        *zap.Logger
}

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config         *config.Config
	FileService    *service.FileService
	Dispatcher     DispatchRunner
	Poller         CronRunner // 为空时 /cron-scheduler 返回 503
	AccessResolver *service.AccessResolver
	Objects        ObjectServer
	Tokens         middleware.TokenValidator
	WebSocketHub   *websocket.Hub      // 为空时不注册 /v1/ws
	Metrics        *monitoring.Metrics // 为空时不采集指标
	Health         *health.HealthChecker
	Limiters       *cache.LocalCache // 限流器缓存，为空时新建
	Clock          func() time.Time
	Logger         *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	limiters := deps.Limiters
	if limiters == nil {
		limiters = cache.NewLocalCache(10000, 10*time.Minute)
	}

	router := gin.New()

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "apikey", "x-client-info"},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition", "Retry-After", "X-Max-Body-Size"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.RequestLogger(log))

	if deps.Metrics != nil {
		mm := middleware.NewMonitoringMiddleware(deps.Metrics, log)
		router.Use(mm.PanicRecovery())
		router.Use(mm.HTTPMetrics())
		router.Use(mm.BusinessMetrics())
		router.Use(mm.RateLimitMetrics())
	} else {
		router.Use(gin.Recovery())
	}

	// 上传接口按文件大小上限放宽，其余请求使用 1MB 限制
	router.Use(middleware.DynamicBodySizeLimit(map[string]int64{
		"/v1/files": deps.Config.Storage.MaxUploadSize + middleware.MultipartOverhead,
	}, middleware.SmallBodyLimit))

	handler := &Handler{
		files:      deps.FileService,
		dispatcher: deps.Dispatcher,
		cron:       deps.Poller,
		access:     deps.AccessResolver,
		objects:    deps.Objects,
		now:        clock,
		log:        log,
	}

	jwtAuth := middleware.NewJWTAuth(deps.Tokens, deps.Config.Service.Key, log)
	limiter := middleware.NewRateLimiter(deps.Config.RateLimit.RequestsPerMinute, deps.Config.RateLimit.Burst, limiters, log)

	// 健康检查
	if deps.Health != nil {
		router.GET("/health", func(c *gin.Context) {
			report := deps.Health.CheckHealth()
			status := http.StatusOK
			if report.Status != health.StatusHealthy {
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, report)
		})
		router.GET("/health/live", gin.WrapF(deps.Health.LiveHandler()))
		router.GET("/health/ready", gin.WrapF(deps.Health.ReadyHandler()))
	} else {
		router.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": health.StatusHealthy})
		})
	}

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	// ========== 投递与轮询端点（保持原有响应格式） ==========
	router.POST("/send-scheduled-file", jwtAuth.DispatchAuth(), limiter.Middleware("dispatch"), handler.sendScheduledFile)
	if deps.Poller != nil {
		router.GET("/cron-scheduler", jwtAuth.RequireService(), handler.runCron)
		router.POST("/cron-scheduler", jwtAuth.RequireService(), handler.runCron)
	} else {
		noPoller := func(c *gin.Context) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "poller is not configured"})
		}
		router.GET("/cron-scheduler", jwtAuth.RequireService(), noPoller)
		router.POST("/cron-scheduler", jwtAuth.RequireService(), noPoller)
	}

	// ========== 公开访问 ==========
	router.GET("/access/:token", limiter.Middleware("access"), handler.accessFile)

	// V1 API
	v1 := router.Group("/v1")
	{
		v1.GET("/objects/*path", handler.downloadObject)

		if deps.WebSocketHub != nil {
			v1.GET("/ws", websocket.HandleWebSocket(deps.WebSocketHub))
		}

		fileRoutes := v1.Group("/files")
		fileRoutes.Use(jwtAuth.RequireAuth())
		{
			fileRoutes.GET("", handler.listFiles)
			fileRoutes.POST("", handler.scheduleFile)
			fileRoutes.POST("/trigger", limiter.Middleware("trigger"), handler.triggerPoller)
			fileRoutes.GET("/:id", handler.getFile)
			fileRoutes.PATCH("/:id", handler.updateFile)
			fileRoutes.DELETE("/:id", handler.deleteFile)
			fileRoutes.GET("/:id/preview", handler.previewFile)
			fileRoutes.POST("/:id/send", handler.sendFile)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		NotFound(c, "接口不存在")
	})

	return router
}
