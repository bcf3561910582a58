package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"mail-dispatch-go/internal/model"
	"mail-dispatch-go/internal/queue"
	"mail-dispatch-go/internal/ratelimit"
	"mail-dispatch-go/internal/submission"
)

// SubmitBatch queues one email per recipient
func (h *Handlers) SubmitBatch(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "Invalid request body",
			Code:    http.StatusBadRequest,
		})
		return
	}

	res, err := h.submissions.Submit(c.Request.Context(), c.GetString(ownerKey), submission.Request{
		Recipients: req.Recipients,
		Subject:    req.Subject,
		HTML:       req.HTML,
		Text:       req.Text,
		From:       req.From,
	})
	switch {
	case errors.Is(err, submission.ErrValidation):
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
			Code:    http.StatusBadRequest,
		})
		return
	case errors.Is(err, ratelimit.ErrLimitExceeded):
		c.JSON(http.StatusTooManyRequests, ErrorResponse{
			Error:   "rate_limited",
			Message: err.Error(),
			Code:    http.StatusTooManyRequests,
		})
		return
	case err != nil:
		logrus.Errorf("Failed to submit batch: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "store_error",
			Message: "Failed to queue batch",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusAccepted, BatchResponse{
		BatchID:   res.BatchID,
		Submitted: res.Submitted,
	})
}

// GetBatch returns counts and members of one batch
func (h *Handlers) GetBatch(c *gin.Context) {
	status, err := h.submissions.Status(c.Request.Context(), c.Param("id"))
	if errors.Is(err, queue.ErrNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "Batch not found",
			Code:    http.StatusNotFound,
		})
		return
	}
	if err != nil {
		logrus.Errorf("Failed to load batch %s: %v", c.Param("id"), err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "store_error",
			Message: "Failed to fetch batch",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	// batches belong to their submitter
	if len(status.Emails) > 0 && status.Emails[0].OwnerID != c.GetString(ownerKey) {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "Batch not found",
			Code:    http.StatusNotFound,
		})
		return
	}

	c.JSON(http.StatusOK, status)
}

// GetStats returns status counts for the calling owner
func (h *Handlers) GetStats(c *gin.Context) {
	owner := c.GetString(ownerKey)
	counts, err := h.submissions.Stats(c.Request.Context(), model.CountFilter{OwnerID: owner})
	if err != nil {
		logrus.Errorf("Failed to count queued emails: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "store_error",
			Message: "Failed to fetch stats",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	resp := StatsResponse{
		OwnerID: owner,
		Counts:  counts,
		Total:   counts.Total(),
	}

	remaining, limited, err := h.submissions.Quota(c.Request.Context(), owner)
	if err != nil {
		logrus.Warnf("Failed to read quota for owner %s: %v", owner, err)
	} else if limited {
		resp.QuotaRemaining = &remaining
	}

	c.JSON(http.StatusOK, resp)
}
