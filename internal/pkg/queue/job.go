package queue

import (
	"time"
)

// Lane is a logical priority lane. Each lane has its own ready set and its
// own consumer loop; confirmation emails never queue behind bulk batches.
type Lane string

const (
	// LaneConfirm carries individual confirmation/resend emails.
	LaneConfirm Lane = "confirm"
	// LaneBulk carries bulk-mailing batch jobs.
	LaneBulk Lane = "bulk"
)

// BackoffType selects how the retry delay grows.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// RetryPolicy bounds a job's retry lifecycle.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Backoff     BackoffType   `json:"backoff"`
	Delay       time.Duration `json:"delay"` // initial delay
}

// NextDelay returns the wait before the given attempt (1-based) is retried.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}
	if p.Backoff != BackoffExponential {
		return p.Delay
	}
	d := p.Delay
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// Job is one unit of outbound delivery work. Either Email (confirm lane) or
// Rows (bulk lane) is set, never both.
type Job struct {
	ID   string `json:"id"`
	Lane Lane   `json:"lane"`

	TemplateID      string            `json:"template_id"`
	NotifyKey       string            `json:"notify_key"`
	Email           string            `json:"email,omitempty"`
	Personalisation map[string]string `json:"personalisation,omitempty"`
	Reference       string            `json:"reference,omitempty"`

	// Bulk batch payload: header row plus one row per recipient.
	BatchName string     `json:"batch_name,omitempty"`
	Rows      [][]string `json:"rows,omitempty"`
	MailingID string     `json:"mailing_id,omitempty"`
	// FinalBatch marks the last batch of a mailing; its success advances the
	// mailing state to sent.
	FinalBatch bool `json:"final_batch,omitempty"`

	Attempts  int         `json:"attempts"`
	Policy    RetryPolicy `json:"policy"`
	CreatedAt time.Time   `json:"created_at"`
	ReadyAt   time.Time   `json:"ready_at"`

	// LastError keeps the most recent failure for the retention lists.
	LastError string `json:"last_error,omitempty"`
}
