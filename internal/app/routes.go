package app

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/x-notify/core/internal/middleware"
	"github.com/x-notify/core/internal/modules/mailing"
	"github.com/x-notify/core/internal/modules/subscription"
	"github.com/x-notify/core/internal/modules/topic"
	"github.com/x-notify/core/internal/pkg/response"
	"go.uber.org/zap"
)

func (a *App) registerRoutes(topicSvc *topic.Service, subSvc *subscription.Service, mailSvc *mailing.Service) {
	r := a.router

	r.NoRoute(func(c *gin.Context) {
		response.NotFound(c)
	})
	r.NoMethod(func(c *gin.Context) {
		response.MethodNotAllowed(c)
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": humanizeDuration(time.Since(processStart)),
			"jobs":   a.sched.List(),
		})
	})

	// Subscriber API plus the confirm/remove link endpoints clicked from
	// emails.
	api := r.Group("/api/v0.1")
	subHandler := subscription.NewHandler(subSvc, topicSvc.Authorize, a.cfg, a.logger.Named("subs"))
	subHandler.RegisterRoutes(api, r, middleware.RateLimit(a.rdb))

	// Topic manager API.
	topic.NewHandler(topicSvc, a.logger.Named("topics")).RegisterRoutes(api)

	// Operator cache flush. The two path segments are independent codes;
	// both must match for the caches to drop.
	api.GET("/t-manager/:accessCode/:topicId/flush-cache", a.flushCaches)

	// Mailing workflow API.
	apiV1 := r.Group("/api/v1")
	mailing.NewHandler(mailSvc, topicSvc.Authorize, a.logger.Named("mailing")).RegisterRoutes(apiV1)
}

// flushCaches empties the topic directory and the provider-client cache so
// topic edits and rotated API keys take effect without a restart.
func (a *App) flushCaches(c *gin.Context) {
	code1 := a.cfg.Flush.TopicCacheCode
	code2 := a.cfg.Flush.ClientCacheCode
	if code1 == "" || code2 == "" ||
		c.Param("accessCode") != code1 || c.Param("topicId") != code2 {
		a.logger.Warn("flush-cache refused", zap.String("ip", c.ClientIP()))
		response.Unauthorized(c)
		return
	}

	a.topics.InvalidateAll()
	a.clients.Flush()
	a.logger.Info("caches flushed", zap.String("ip", c.ClientIP()))
	c.JSON(http.StatusOK, gin.H{"statusCode": 200, "ok": 1})
}

var processStart = time.Now()
