package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewDeadLetter(t *testing.T) {
	at := time.Date(2026, 3, 3, 14, 0, 0, 0, time.UTC)

	d := NewDeadLetter("reminder:r1", 3, NewTransientError(errors.New("gateway 503"), 503), at)
	assert.Equal(t, "reminder:r1", d.JobID)
	assert.Equal(t, ErrorTransient, d.ErrorType)
	assert.Equal(t, 3, d.Attempts)
	assert.Equal(t, at, d.FailedAt)
	assert.Contains(t, d.Error, "gateway 503")

	d = NewDeadLetter("reminder:r2", 1, errors.New("invalid recipient"), at)
	assert.Equal(t, ErrorPermanent, d.ErrorType)
	assert.Equal(t, "invalid recipient", d.Error)

	d = NewDeadLetter("reminder:r3", 1, nil, at)
	assert.Empty(t, d.Error)
}

func TestDeadLetter_Fields(t *testing.T) {
	d := DeadLetter{JobID: "reminder:r1", Error: "boom", ErrorType: ErrorPermanent, Attempts: 2}
	keys := make([]string, 0, 5)
	for _, f := range d.Fields() {
		keys = append(keys, f.Key)
	}
	assert.Equal(t, []string{"job_id", "error", "error_type", "attempts", "failed_at"}, keys)
}
