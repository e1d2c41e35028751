package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cutekitek/rankode-exec/internal/runner"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Config struct {
	Port            int
	RateLimitRPS    float64
	RateLimitBurst  int
	MaxRequestBytes int64
	CORSOrigins     []string
}

type Server struct {
	srv     *http.Server
	limiter *ipLimiter
}

func newRouter(r runner.Runner, cfg Config, limiter *ipLimiter) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(), corsMiddleware(cfg.CORSOrigins))

	h := &handler{runner: r, maxBody: cfg.MaxRequestBytes}
	router.GET("/health", h.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	run := router.Group("/")
	if limiter != nil {
		run.Use(limiter.middleware())
	}
	run.POST("/run", h.run)
	return router
}

func New(r runner.Runner, cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	var limiter *ipLimiter
	if cfg.RateLimitRPS > 0 {
		limiter = newIPLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	return &Server{
		limiter: limiter,
		srv: &http.Server{
			Addr:              ":" + strconv.Itoa(cfg.Port),
			Handler:           newRouter(r, cfg, limiter),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// ListenAndServe blocks until the server is shut down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.limiter != nil {
		go s.limiter.prune(ctx, time.Minute)
	}
	slog.Info("http server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"client", c.ClientIP(),
			"latency", time.Since(start),
		)
	}
}
