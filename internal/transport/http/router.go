package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/richardliu001/loyalty-service/internal/config"
	"github.com/richardliu001/loyalty-service/internal/service"
	"go.uber.org/zap"
)

// Options carries the router's non-service dependencies.
type Options struct {
	RateLimit config.RateLimitConfig
	CORS      config.CORSConfig
	// Health reports backing store reachability; nil means always healthy.
	Health func(ctx context.Context) error
}

func NewRouter(loyalty *service.LoyaltyService, rewards *service.RewardService, opts Options, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggingMiddleware(log))
	r.Use(cors.New(corsConfig(opts.CORS)))
	r.Use(RateLimitMiddleware(opts.RateLimit.RPS, opts.RateLimit.Burst))

	r.GET("/healthz", healthHandler(opts.Health))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	RegisterHandlers(r, loyalty, rewards)
	return r
}

func corsConfig(cc config.CORSConfig) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", idempotencyHeader, requestIDHeader},
		ExposeHeaders: []string{requestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range cc.AllowedOrigins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	cfg.AllowOrigins = cc.AllowedOrigins
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowAllOrigins = true
	}
	return cfg
}

func healthHandler(check func(ctx context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if check != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				_ = c.Error(err)
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
