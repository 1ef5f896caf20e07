package jobqueue

import (
	"encoding/json"
	"time"
)

// JobType defines the type of job
type JobType string

const (
	JobTypeBillingReconcile JobType = "billing_reconcile"
	JobTypePreExpiryCheck   JobType = "pre_expiry_check"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusScheduled  JobStatus = "scheduled"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job represents a background job
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
}

// BillingReconcileJobPayload carries one verified webhook delivery through
// the reconciliation workflow. The raw event JSON travels with the job so a
// retry replays exactly what was received.
type BillingReconcileJobPayload struct {
	WebhookEventID  uint   `json:"webhook_event_id"`
	ProviderEventID string `json:"provider_event_id"`
	EventType       string `json:"event_type"`
	EventJSON       string `json:"event_json"`
}

// ToMap converts the payload to a map for storage
func (p BillingReconcileJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"webhook_event_id":  p.WebhookEventID,
		"provider_event_id": p.ProviderEventID,
		"event_type":        p.EventType,
		"event_json":        p.EventJSON,
	}
}

// FromMap creates a payload from a map
func BillingReconcileJobPayloadFromMap(data map[string]interface{}) (*BillingReconcileJobPayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	var payload BillingReconcileJobPayload
	err = json.Unmarshal(jsonData, &payload)
	return &payload, err
}

// PreExpiryJobPayload carries the deferred pre-expiry check scheduled after a
// successful reconciliation. PeriodEnd pins the check to the period that was
// current at scheduling time; a renewed subscription makes the check a no-op.
type PreExpiryJobPayload struct {
	SubscriptionID uint  `json:"subscription_id"`
	UserID         uint  `json:"user_id"`
	PeriodEnd      int64 `json:"period_end"`
	RunAt          int64 `json:"run_at"`
}

func (p PreExpiryJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"subscription_id": p.SubscriptionID,
		"user_id":         p.UserID,
		"period_end":      p.PeriodEnd,
		"run_at":          p.RunAt,
	}
}

func PreExpiryJobPayloadFromMap(data map[string]interface{}) (*PreExpiryJobPayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var payload PreExpiryJobPayload
	err = json.Unmarshal(jsonData, &payload)
	return &payload, err
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed updates the job status to failed
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsRetrying updates the job status to retrying
func (j *Job) MarkAsRetrying() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}
