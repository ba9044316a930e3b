package resilience

import (
	"time"

	"go.uber.org/zap"
)

// Error classes recorded on dead letters.
const (
	ErrorTransient = "transient"
	ErrorPermanent = "permanent"
)

// DeadLetter describes a delivery that exhausted its attempts.
type DeadLetter struct {
	JobID     string    `json:"job_id"`
	Error     string    `json:"error"`
	ErrorType string    `json:"error_type"`
	Attempts  int       `json:"attempts"`
	FailedAt  time.Time `json:"failed_at"`
}

// NewDeadLetter builds a dead letter for jobID from its final error.
func NewDeadLetter(jobID string, attempts int, err error, at time.Time) DeadLetter {
	d := DeadLetter{
		JobID:     jobID,
		ErrorType: ClassifyError(err),
		Attempts:  attempts,
		FailedAt:  at,
	}
	if err != nil {
		d.Error = err.Error()
	}
	return d
}

// Fields returns the zap fields used when logging the dead letter.
func (d DeadLetter) Fields() []zap.Field {
	return []zap.Field{
		zap.String("job_id", d.JobID),
		zap.String("error", d.Error),
		zap.String("error_type", d.ErrorType),
		zap.Int("attempts", d.Attempts),
		zap.Time("failed_at", d.FailedAt),
	}
}

// ClassifyError categorizes an error as transient or permanent.
func ClassifyError(err error) string {
	if IsTransient(err) {
		return ErrorTransient
	}
	return ErrorPermanent
}
