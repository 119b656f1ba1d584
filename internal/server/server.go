package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sparlo/metering/internal/accountingmetrics"
	"github.com/sparlo/metering/internal/adjustment"
	adjustmentdomain "github.com/sparlo/metering/internal/adjustment/domain"
	"github.com/sparlo/metering/internal/audit"
	auditdomain "github.com/sparlo/metering/internal/audit/domain"
	"github.com/sparlo/metering/internal/authorization"
	"github.com/sparlo/metering/internal/cache"
	"github.com/sparlo/metering/internal/completion"
	completiondomain "github.com/sparlo/metering/internal/completion/domain"
	"github.com/sparlo/metering/internal/config"
	"github.com/sparlo/metering/internal/events"
	"github.com/sparlo/metering/internal/observability"
	obsmiddleware "github.com/sparlo/metering/internal/observability/logger"
	obsmetrics "github.com/sparlo/metering/internal/observability/metrics"
	obstracing "github.com/sparlo/metering/internal/observability/tracing"
	"github.com/sparlo/metering/internal/quota"
	quotadomain "github.com/sparlo/metering/internal/quota/domain"
	"github.com/sparlo/metering/internal/ratelimit"
	"github.com/sparlo/metering/internal/reconcile"
	reconciledomain "github.com/sparlo/metering/internal/reconcile/domain"
	"github.com/sparlo/metering/internal/stepusage"
	stepusagedomain "github.com/sparlo/metering/internal/stepusage/domain"
	"github.com/sparlo/metering/internal/tier"
	tierdomain "github.com/sparlo/metering/internal/tier/domain"
	"github.com/sparlo/metering/internal/usageperiod"
	usageperioddomain "github.com/sparlo/metering/internal/usageperiod/domain"
	"github.com/sparlo/metering/internal/usagestream"
	"github.com/sparlo/metering/internal/workunit"
	workunitdomain "github.com/sparlo/metering/internal/workunit/domain"
	"github.com/sparlo/metering/pkg/redisconn"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	redisconn.Module,
	events.Module,
	audit.Module,
	authorization.Module,
	cache.Module,
	ratelimit.Module,
	tier.Module,
	usageperiod.Module,
	workunit.Module,
	stepusage.Module,
	completion.Module,
	quota.Module,
	reconcile.Module,
	adjustment.Module,
	accountingmetrics.Module,
	usagestream.Module,
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ClientContext())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := strings.TrimSpace(cfg.HTTPAddr)
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", addr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine           *gin.Engine
	cfg              config.Config
	log              *zap.Logger
	authzSvc         authorization.Service
	auditSvc         auditdomain.Service
	tierSvc          tierdomain.Service
	periodSvc        usageperioddomain.Service
	workUnitSvc      workunitdomain.Service
	stepUsageSvc     stepusagedomain.Service
	completionSvc    completiondomain.Service
	quotaSvc         quotadomain.Service
	reconcileSvc     reconciledomain.Service
	adjustmentSvc    adjustmentdomain.Service
	snapshots        usageperioddomain.SnapshotCache
	obsMetrics       *obsmetrics.Metrics
	preflightLimiter *ratelimit.PreflightLimiter
	usageStream      *usagestream.Hub
}

type ServerParams struct {
	fx.In

	Gin              *gin.Engine
	Cfg              config.Config
	Log              *zap.Logger
	AuthzSvc         authorization.Service
	AuditSvc         auditdomain.Service
	TierSvc          tierdomain.Service
	PeriodSvc        usageperioddomain.Service
	WorkUnitSvc      workunitdomain.Service
	StepUsageSvc     stepusagedomain.Service
	CompletionSvc    completiondomain.Service
	QuotaSvc         quotadomain.Service
	ReconcileSvc     reconciledomain.Service
	AdjustmentSvc    adjustmentdomain.Service
	Snapshots        usageperioddomain.SnapshotCache `optional:"true"`
	ObsMetrics       *obsmetrics.Metrics             `optional:"true"`
	PreflightLimiter *ratelimit.PreflightLimiter     `optional:"true"`
	UsageStream      *usagestream.Hub                `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:           p.Gin,
		cfg:              p.Cfg,
		log:              p.Log.Named("http.server"),
		authzSvc:         p.AuthzSvc,
		auditSvc:         p.AuditSvc,
		tierSvc:          p.TierSvc,
		periodSvc:        p.PeriodSvc,
		workUnitSvc:      p.WorkUnitSvc,
		stepUsageSvc:     p.StepUsageSvc,
		completionSvc:    p.CompletionSvc,
		quotaSvc:         p.QuotaSvc,
		reconcileSvc:     p.ReconcileSvc,
		adjustmentSvc:    p.AdjustmentSvc,
		snapshots:        p.Snapshots,
		obsMetrics:       p.ObsMetrics,
		preflightLimiter: p.PreflightLimiter,
		usageStream:      p.UsageStream,
	}

	svc.registerAPIRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1")

	// -------- Work units --------
	api.POST("/work-units", s.StartWorkUnit)
	api.GET("/work-units/:work_id", s.GetWorkUnit)
	api.POST("/work-units/:work_id/steps", s.RecordStepUsage)
	api.POST("/work-units/:work_id/complete", s.CompleteWorkUnit)
	api.POST("/work-units/:work_id/retry", s.RetryWorkUnit)

	// -------- Usage --------
	api.GET("/accounts/:account_id/usage", s.GetUsage)
	api.GET("/accounts/:account_id/periods", s.ListPeriods)
	api.GET("/accounts/:account_id/usage/stream", s.StreamUsage)
	api.POST("/accounts/:account_id/usage/check", s.PreflightRateLimit(), s.CheckUsage)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin/v1")
	admin.Use(ActorContext())

	admin.POST("/accounts/:account_id/usage/adjust", s.AdjustUsage)
	admin.GET("/accounts/:account_id/adjustments", s.ListAdjustments)
	admin.PUT("/accounts/:account_id/tier",
		s.authorizeAccountAction(authorization.ObjectAccountTier, authorization.ActionAccountTierUpdate),
		s.SetAccountTier,
	)
	admin.GET("/accounts/:account_id/audit-logs",
		s.authorizeAccountAction(authorization.ObjectAuditLog, authorization.ActionAuditLogView),
		s.ListAuditLogs,
	)
}
