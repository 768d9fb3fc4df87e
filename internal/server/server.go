package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/tally/internal/config"
	"github.com/smallbiznis/tally/internal/observability"
	obsmiddleware "github.com/smallbiznis/tally/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/tally/internal/observability/metrics"
	obstracing "github.com/smallbiznis/tally/internal/observability/tracing"
	"github.com/smallbiznis/tally/internal/ratelimit"
	"github.com/smallbiznis/tally/internal/tally/domain"
	"github.com/smallbiznis/tally/internal/tally/ingest"
	"github.com/smallbiznis/tally/internal/tally/report"
	"github.com/smallbiznis/tally/internal/tally/roller"
	"github.com/smallbiznis/tally/internal/usageexport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(provideGatherer),
	fx.Provide(registerGin),
	fx.Provide(provideServer),
	fx.Invoke(func(*Server) {}),
	fx.Invoke(run),
)

type ReportService interface {
	Report(ctx context.Context, req report.ReportRequest) (report.Report, error)
}

type RollService interface {
	Roll(ctx context.Context, req roller.RollRequest) (roller.Result, error)
}

type IngestService interface {
	Record(ctx context.Context, req ingest.RecordRequest) (int, error)
	Checkpoint(ctx context.Context, scope string, syncedAt time.Time) (domain.InventoryCheckpoint, error)
}

// ScopeLimiter throttles manual roll triggers per scope.
type ScopeLimiter interface {
	Enabled() bool
	AllowScope(ctx context.Context, scope string) (ratelimit.Result, error)
}

type Server struct {
	engine  *gin.Engine
	log     *zap.Logger
	reports ReportService
	rolls   RollService
	ingest  IngestService
	limiter ScopeLimiter
}

type Params struct {
	fx.In

	Engine  *gin.Engine
	Log     *zap.Logger
	Reports *report.Service
	Rolls   *roller.Service
	Ingest  *ingest.Service
	Limiter *ratelimit.RollLimiter `optional:"true"`
}

func provideServer(p Params) *Server {
	var limiter ScopeLimiter
	if p.Limiter != nil {
		limiter = p.Limiter
	}
	return NewServer(p.Engine, p.Log, p.Reports, p.Rolls, p.Ingest, limiter)
}

// NewServer registers the tally routes on engine. A nil limiter disables
// roll throttling.
func NewServer(engine *gin.Engine, log *zap.Logger, reports ReportService, rolls RollService, ingestSvc IngestService, limiter ScopeLimiter) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		engine:  engine,
		log:     log.Named("http.server"),
		reports: reports,
		rolls:   rolls,
		ingest:  ingestSvc,
		limiter: limiter,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	api := s.engine.Group("/api/v1/tally")
	api.GET("/reports/:product_id", s.GetReport)
	api.POST("/rolls", s.TriggerRoll)
	api.POST("/observations", s.RecordObservations)
	api.PUT("/checkpoints/:scope", s.PutCheckpoint)
}

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics, gatherer prometheus.Gatherer) *gin.Engine {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return r
}

// provideGatherer merges process metrics with the open bucket usage gauges.
func provideGatherer(registry *usageexport.Registry) prometheus.Gatherer {
	if registry == nil || registry.Registry == nil {
		return prometheus.DefaultGatherer
	}
	return prometheus.Gatherers{prometheus.DefaultGatherer, registry.Registry}
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics, gatherer prometheus.Gatherer) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics, gatherer)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
