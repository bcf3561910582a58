package model

import (
	"time"
)

// DefaultMaxAttempts is the retry ceiling applied when none is configured
const DefaultMaxAttempts = 3

// QueuedEmail is one recipient of one submitted batch
type QueuedEmail struct {
	ID                string     `json:"id" bson:"_id" gorm:"type:varchar(36);primaryKey"`
	BatchID           string     `json:"batch_id" bson:"batchId" gorm:"type:varchar(36);not null;index"`
	OwnerID           string     `json:"owner_id" bson:"ownerId" gorm:"type:varchar(255);not null;index"`
	To                string     `json:"to" bson:"to" gorm:"type:varchar(320);not null"`
	Subject           string     `json:"subject" bson:"subject" gorm:"type:varchar(998);not null"`
	HTMLBody          string     `json:"html_body,omitempty" bson:"htmlBody,omitempty" gorm:"type:text"`
	TextBody          string     `json:"text_body,omitempty" bson:"textBody,omitempty" gorm:"type:text"`
	FromDisplay       string     `json:"from_display,omitempty" bson:"fromDisplay,omitempty" gorm:"type:varchar(320)"`
	Status            Status     `json:"status" bson:"status" gorm:"type:varchar(20);not null;index:idx_queued_emails_claim,priority:1"`
	Attempts          int        `json:"attempts" bson:"attempts" gorm:"not null;default:0"`
	MaxAttempts       int        `json:"max_attempts" bson:"maxAttempts" gorm:"not null"`
	LastError         string     `json:"last_error,omitempty" bson:"lastError,omitempty" gorm:"type:text"`
	ProviderMessageID string     `json:"provider_message_id,omitempty" bson:"providerMessageId,omitempty" gorm:"type:varchar(255)"`
	CreatedAt         time.Time  `json:"created_at" bson:"createdAt" gorm:"not null;index:idx_queued_emails_claim,priority:2"`
	ProcessedAt       *time.Time `json:"processed_at,omitempty" bson:"processedAt,omitempty"`
}

// TableName specifies the table name for QueuedEmail
func (QueuedEmail) TableName() string {
	return "queued_emails"
}

// Exhausted reports whether the retry budget has been spent
func (e QueuedEmail) Exhausted() bool {
	return e.Attempts >= e.MaxAttempts
}

// CountFilter scopes a status count; empty fields are ignored
type CountFilter struct {
	OwnerID string
	BatchID string
}

// StatusCounts maps every status to the number of records in it
type StatusCounts map[Status]int64

// NewStatusCounts returns counts with every status present at zero
func NewStatusCounts() StatusCounts {
	counts := make(StatusCounts, len(Statuses))
	for _, s := range Statuses {
		counts[s] = 0
	}
	return counts
}

// Total sums the counts across statuses
func (c StatusCounts) Total() int64 {
	var total int64
	for _, n := range c {
		total += n
	}
	return total
}
