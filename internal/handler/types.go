package handler

import (
	"time"

	"mail-dispatch-go/internal/model"
)

// BatchRequest represents the request structure for submitting a batch
type BatchRequest struct {
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject"`
	HTML       string   `json:"html"`
	Text       string   `json:"text"`
	From       string   `json:"from"`
}

// BatchResponse represents an accepted batch
type BatchResponse struct {
	BatchID   string `json:"batch_id"`
	Submitted int    `json:"submitted"`
}

// StatsResponse represents per-status counts for the calling owner.
// QuotaRemaining is omitted when submissions are not rate limited.
type StatsResponse struct {
	OwnerID        string             `json:"owner_id"`
	Counts         model.StatusCounts `json:"counts"`
	Total          int64              `json:"total"`
	QuotaRemaining *int64             `json:"quota_remaining,omitempty"`
}

// DispatchResponse summarizes one triggered dispatch cycle. Fields use the
// snake_case names of the rest of the API, so hasMore is has_more.
type DispatchResponse struct {
	Processed int   `json:"processed"`
	HasMore   bool  `json:"has_more"`
	Remaining int64 `json:"remaining"`
	Sent      int   `json:"sent"`
	Retried   int   `json:"retried"`
	Failed    int   `json:"failed"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Store     string            `json:"store"`
	Transport string            `json:"transport"`
	Metrics   map[string]string `json:"metrics,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
