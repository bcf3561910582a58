package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"mail-dispatch-go/internal/scheduler"
)

// Dispatch runs exactly one dispatch cycle
func (h *Handlers) Dispatch(c *gin.Context) {
	result, err := h.scheduler.Trigger(c.Request.Context())
	if errors.Is(err, scheduler.ErrCycleInProgress) {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "cycle_in_progress",
			Message: "A dispatch cycle is already running",
			Code:    http.StatusConflict,
		})
		return
	}
	if err != nil {
		logrus.Errorf("Triggered dispatch cycle failed: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "dispatch_error",
			Message: "Dispatch cycle failed",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusOK, DispatchResponse{
		Processed: result.Processed(),
		HasMore:   result.HasMore,
		Remaining: result.Remaining,
		Sent:      result.Sent,
		Retried:   result.Retried,
		Failed:    result.Failed,
	})
}

// StartScheduler starts the dispatch timer
func (h *Handlers) StartScheduler(c *gin.Context) {
	if err := h.scheduler.Start(); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "scheduler_error",
			Message: "Failed to start scheduler",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Scheduler started successfully",
		"status":  "running",
	})
}

// StopScheduler stops the dispatch timer
func (h *Handlers) StopScheduler(c *gin.Context) {
	if err := h.scheduler.Stop(); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "scheduler_error",
			Message: "Failed to stop scheduler",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Scheduler stopped successfully",
		"status":  "stopped",
	})
}

// GetSchedulerStatus returns the current scheduler status
func (h *Handlers) GetSchedulerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.scheduler.Status())
}
