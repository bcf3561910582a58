package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"mail-dispatch-go/internal/queue"
	"mail-dispatch-go/internal/scheduler"
	"mail-dispatch-go/internal/submission"
)

// OwnerHeader carries the already authenticated account id
const OwnerHeader = "X-Owner-ID"

const ownerKey = "owner_id"

// Handlers contains all HTTP handlers
type Handlers struct {
	store       queue.Store
	submissions *submission.Service
	scheduler   *scheduler.Scheduler
	transport   string
}

// NewHandlers creates new HTTP handlers
func NewHandlers(store queue.Store, submissions *submission.Service, sched *scheduler.Scheduler, transportName string) *Handlers {
	return &Handlers{
		store:       store,
		submissions: submissions,
		scheduler:   sched,
		transport:   transportName,
	}
}

// SetupRoutes sets up all HTTP routes
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	router.GET("/healthz", h.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	{
		owned := api.Group("", requireOwner())
		owned.POST("/batches", h.SubmitBatch)
		owned.GET("/batches/:id", h.GetBatch)
		owned.GET("/stats", h.GetStats)

		api.POST("/dispatch", h.Dispatch)
		api.POST("/scheduler/start", h.StartScheduler)
		api.POST("/scheduler/stop", h.StopScheduler)
		api.GET("/scheduler/status", h.GetSchedulerStatus)
	}
}

// requireOwner rejects requests without an owner header
func requireOwner() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := strings.TrimSpace(c.GetHeader(OwnerHeader))
		if owner == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error:   "unauthorized",
				Message: "Missing " + OwnerHeader + " header",
				Code:    http.StatusUnauthorized,
			})
			return
		}
		c.Set(ownerKey, owner)
		c.Next()
	}
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Store:     "ok",
		Transport: h.transport,
		Metrics:   make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		response.Status = "error"
		response.Store = "error"
		logrus.Errorf("Store health check failed: %v", err)
	}

	status := h.scheduler.Status()
	if status.Running {
		response.Metrics["scheduler"] = "running"
		if status.NextRun != nil {
			response.Metrics["next_run"] = status.NextRun.Format(time.RFC3339)
		}
	} else {
		response.Metrics["scheduler"] = "stopped"
	}
	if status.LastRun != nil {
		response.Metrics["last_run"] = status.LastRun.Format(time.RFC3339)
	}
	response.Metrics["busy"] = strconv.FormatBool(status.Busy)
	response.Metrics["cycles"] = strconv.FormatInt(status.Cycles, 10)
	response.Metrics["skipped_ticks"] = strconv.FormatInt(status.SkippedTicks, 10)

	statusCode := http.StatusOK
	if response.Status == "error" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, response)
}
