package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/smallbiznis/listing-automation/internal/config"
	"github.com/smallbiznis/listing-automation/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/listing-automation/internal/http/middleware"
	"github.com/smallbiznis/listing-automation/internal/middleware"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(cfg config.Config, automationHandler *handler.AutomationHandler, rateLimiter *middleware.RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(nil))
	if rateLimiter != nil {
		r.Use(rateLimiter.Handler())
	}
	r.Use(otelgin.Middleware(cfg.ServiceName))

	r.GET("/healthz", automationHandler.Healthz)

	api := r.Group("/v1")
	api.Use(httpmiddleware.APIKeyAuth(cfg.APIKeyHash))
	{
		resources := api.Group("/resources")
		{
			resources.GET("/:resourceID/automation", automationHandler.GetAutomation)
			resources.PUT("/:resourceID/automation", automationHandler.PutAutomation)
			resources.GET("/:resourceID/executions", automationHandler.ListExecutions)
			resources.POST("/:resourceID/posts", automationHandler.EnqueuePost)
		}

		principals := api.Group("/principals")
		{
			principals.PUT("/:principalID/credentials", automationHandler.PutCredentials)
			principals.DELETE("/:principalID", automationHandler.DeletePrincipal)
		}

		api.GET("/status/principals", automationHandler.PrincipalStatuses)
	}

	return r
}
