package models

import (
	"time"
)

// RecordState enumerates evaluation states persisted in Postgres.
const (
	StatePending  = "pending"
	StateApproved = "approved"
	StateFeatured = "featured"
	StateRejected = "rejected"
)

// ValidRecordState reports whether s is a known evaluation state.
func ValidRecordState(s string) bool {
	switch s {
	case StatePending, StateApproved, StateFeatured, StateRejected:
		return true
	}
	return false
}

// Tenant is one distributor: an isolated bot identity plus its photo
// partition. Rows are managed through the REST API; the supervisor only
// reads the active set.
type Tenant struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	BotToken    string    `json:"-"`
	PhotoPrefix string    `json:"photo_prefix"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// ExhibitionRecord is one shelf-display submission and its evaluation state.
// Synced is true iff the original chat message reflects the latest decision.
type ExhibitionRecord struct {
	ID               string     `json:"id"`
	TenantID         string     `json:"tenant_id"`
	SubmitterID      int64      `json:"submitter_id"`
	SubmitterName    string     `json:"submitter_name"`
	PhotoRef         string     `json:"photo_ref"`
	ThumbRef         string     `json:"thumb_ref,omitempty"`
	SubmittedAt      time.Time  `json:"submitted_at"`
	State            string     `json:"state"`
	EvaluatorID      *string    `json:"evaluator_id,omitempty"`
	EvaluatedAt      *time.Time `json:"evaluated_at,omitempty"`
	EvaluatorComment *string    `json:"evaluator_comment,omitempty"`
	ChatID           int64      `json:"chat_id"`
	MessageID        int64      `json:"message_id"`
	Synced           bool       `json:"synced"`
}
