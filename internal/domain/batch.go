package domain

import "time"

// BatchStatus represents the processing state of an async batch job.
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
)

func (s BatchStatus) String() string { return string(s) }

func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchStatusPending, BatchStatusProcessing, BatchStatusCompleted, BatchStatusFailed:
		return true
	}
	return false
}

// IsFinished reports whether the job will not be processed again.
func (s BatchStatus) IsFinished() bool {
	return s == BatchStatusCompleted || s == BatchStatusFailed
}

// BatchOptions tunes batch dispatch.
type BatchOptions struct {
	SkipSuppressed bool          `json:"skipSuppressed"`
	StopOnError    bool          `json:"stopOnError"`
	MaxConcurrent  int           `json:"maxConcurrent"`
	DelayBetween   time.Duration `json:"delayBetween"`
}

// BatchProgress counts items processed so far.
type BatchProgress struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// BatchItemError is the code/message pair recorded for a failed item.
type BatchItemError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BatchItemResult is the outcome of one batch item, keyed by its input index.
type BatchItemResult struct {
	Index       int                   `json:"index"`
	Recipients  []string              `json:"recipients"`
	Success     bool                  `json:"success"`
	Skipped     bool                  `json:"skipped,omitempty"`
	MessageID   string                `json:"messageId,omitempty"`
	Status      Status                `json:"status,omitempty"`
	Suppressed  []SuppressedRecipient `json:"suppressed,omitempty"`
	Error       *BatchItemError       `json:"error,omitempty"`
	ProcessedAt time.Time             `json:"processedAt"`
}

// BatchResult is the synchronous batch summary.
type BatchResult struct {
	BatchID   string            `json:"batchId"`
	Requested int               `json:"requested"`
	Sent      int               `json:"sent"`
	Failed    int               `json:"failed"`
	Skipped   int               `json:"skipped"`
	Results   []BatchItemResult `json:"results"`
	Duration  time.Duration     `json:"duration"`
	Timestamp time.Time         `json:"timestamp"`
}

// BatchJob is the persisted state of an async batch.
type BatchJob struct {
	BatchID     string        `json:"batchId"`
	ClientID    string        `json:"clientId"`
	Status      BatchStatus   `json:"status"`
	Progress    BatchProgress `json:"progress"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
	StartedAt   *time.Time    `json:"startedAt,omitempty"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
}
