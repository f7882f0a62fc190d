package main

import (
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/evidentia-grc/evidentia/internal/collector"
	"github.com/evidentia-grc/evidentia/internal/connector"
	"github.com/evidentia-grc/evidentia/internal/resilience"
	"github.com/evidentia-grc/evidentia/internal/scheduler"
)

type restAPI struct {
	pipeline   *collector.Pipeline
	dispatcher *connector.Dispatcher
	breakers   *resilience.Registry
	scheduler  *scheduler.Scheduler
}

// SetupRestAPI builds the management API server. Run and test outcomes
// are domain results, not transport errors: they come back 200 with a
// structured body regardless of vendor-side failure.
func SetupRestAPI(api restAPI, accounts gin.Accounts) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	// Add a ginzap middleware, which:
	//   - Logs all requests, like a combined access and error log.
	//   - Logs to stdout.
	//   - RFC3339 with UTC time format.
	router.Use(ginzap.Ginzap(zap.L(), time.RFC3339, true))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	router.Use(ginzap.RecoveryWithZap(zap.L(), true))

	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "online")
	})

	v1 := router.Group("/api/v1", gin.BasicAuth(accounts))
	{
		v1.POST("/collectors/:id/run", api.runCollectorHandler)
		v1.POST("/collectors/:id/test", api.testCollectorHandler)
		v1.POST("/integrations/:type/test", api.testIntegrationHandler)
		v1.GET("/circuit-breakers", api.listBreakersHandler)
		v1.POST("/circuit-breakers/reset", api.resetAllBreakersHandler)
		v1.POST("/circuit-breakers/:key/reset", api.resetBreakerHandler)
		v1.POST("/scheduler/trigger", api.pollHandler)
	}

	return &http.Server{
		Addr:              ":80",
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

type collectorRequest struct {
	OrganizationID string                   `json:"organizationId" binding:"required"`
	Overrides      *collector.TestOverrides `json:"overrides,omitempty"`
}

func callerID(c *gin.Context) string {
	return c.MustGet(gin.AuthUserKey).(string)
}

func (api restAPI) runCollectorHandler(c *gin.Context) {
	var body collectorRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result := api.pipeline.Run(c.Request.Context(), c.Param("id"), body.OrganizationID, callerID(c))
	c.JSON(http.StatusOK, result)
}

func (api restAPI) testCollectorHandler(c *gin.Context) {
	var body collectorRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result := api.pipeline.Test(c.Request.Context(), c.Param("id"), body.OrganizationID, callerID(c), body.Overrides)
	c.JSON(http.StatusOK, result)
}

func (api restAPI) testIntegrationHandler(c *gin.Context) {
	var config connector.Config
	if err := c.ShouldBindJSON(&config); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result := api.dispatcher.TestConnection(c.Request.Context(), c.Param("type"), config)
	c.JSON(http.StatusOK, result)
}

func (api restAPI) listBreakersHandler(c *gin.Context) {
	c.JSON(http.StatusOK, api.breakers.Stats())
}

func (api restAPI) resetAllBreakersHandler(c *gin.Context) {
	api.breakers.ResetAll()
	zap.S().Infof("All circuit breakers reset by %s", callerID(c))
	c.JSON(http.StatusOK, gin.H{"reset": "all"})
}

func (api restAPI) resetBreakerHandler(c *gin.Context) {
	key := c.Param("key")
	if !api.breakers.Reset(key) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown circuit breaker: " + key})
		return
	}
	zap.S().Infof("Circuit breaker %s reset by %s", key, callerID(c))
	c.JSON(http.StatusOK, gin.H{"reset": key})
}

func (api restAPI) pollHandler(c *gin.Context) {
	processed := api.scheduler.Poll(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"processed": processed})
}
