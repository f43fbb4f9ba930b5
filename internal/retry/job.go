package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

type Job struct {
	ID         uuid.UUID
	Kind       string
	DedupKey   string
	Payload    json.RawMessage
	Attempt    int
	Policy     Policy
	Status     Status
	NextRunAt  time.Time
	LastError  string
	// ExternalID is set when Run succeeded but OnSuccess did not; the next
	// claim retries only OnSuccess.
	ExternalID string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Decode unmarshals the job payload into v.
func (j Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("retry: decode %s payload: %w", j.Kind, err)
	}
	return nil
}

// Handler performs one kind of side effect. Run is called once per attempt;
// exactly one of OnSuccess or OnExhausted follows the last attempt. A failed
// OnSuccess is retried later with the same external id, without another Run.
type Handler interface {
	Run(ctx context.Context, job Job) (externalID string, err error)
	OnSuccess(ctx context.Context, job Job, attempts int, externalID string) error
	OnExhausted(ctx context.Context, job Job, attempts int, lastErr error) error
}

// AttemptObserver is implemented by handlers that track each failed attempt.
type AttemptObserver interface {
	OnAttemptFailed(ctx context.Context, job Job, attempt int, err error) error
}
