package api

import (
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"wash-kiosk-backend/config"
	"wash-kiosk-backend/internal/metrics"
	"wash-kiosk-backend/internal/mw"
	"wash-kiosk-backend/internal/store"
)

// NewRouter creates and configures a new Gin router. The /metrics route is
// only mounted when gatherer is not nil.
//
// Every /api route shares the general per-client budget. Routes that drive
// the machine additionally draw from the command budget, which falls back to
// the general one when unset.
func NewRouter(cfg config.ServerConfig, k Kiosk, s store.Store, webpushOptions *webpush.Options, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.Default()

	handler := NewHandler(k, s, webpushOptions)

	general := mw.RateLimit(mw.NewClientLimiter("api", rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst))

	commandRate, commandBurst := cfg.CommandRateLimitPerSec, cfg.CommandRateLimitBurst
	if commandRate <= 0 || commandBurst <= 0 {
		commandRate, commandBurst = cfg.RateLimitPerSec, cfg.RateLimitBurst
	}
	command := mw.RateLimit(mw.NewClientLimiter("command", rate.Limit(commandRate), commandBurst))

	// Refund history only; live kiosk state must never be served stale.
	refunds := mw.NewResponseCache(time.Duration(cfg.CacheTTLSeconds) * time.Second)

	api := r.Group("/api")
	api.Use(general)
	{
		api.GET("/status", handler.GetStatus)
		api.POST("/cycles", command, handler.StartCycle)
		api.POST("/cycles/cancel", command, handler.CancelCycle)
		api.POST("/support/clear", command, handler.ClearSupport)

		api.GET("/refunds", refunds.Handler(), handler.ListRefunds)

		api.GET("/subscriptions", handler.GetSubscription)
		api.PUT("/subscriptions", handler.PutSubscription)
		api.DELETE("/subscriptions", handler.DeleteSubscription)
		api.GET("/vapid_public_key", handler.GetVAPIDPublicKey)
	}

	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(metrics.Handler(gatherer)))
	}

	return r
}
