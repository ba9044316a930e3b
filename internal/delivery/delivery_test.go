package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/yoman-app/yoman/internal/model"
)

func TestCompose(t *testing.T) {
	due := time.Date(2026, 3, 3, 13, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		job  model.DeliveryJob
		want string
	}{
		{
			name: "timezone and minutes",
			job:  model.DeliveryJob{Title: "dentist", DueAt: due, Timezone: "Asia/Jerusalem", LeadTimeMinutes: 30},
			want: "⏰ תזכורת: dentist\nTue 03/03 15:00 (בעוד 30 דקות / in 30 min)",
		},
		{
			name: "hours",
			job:  model.DeliveryJob{Title: "flight", DueAt: due, LeadTimeMinutes: 120},
			want: "⏰ תזכורת: flight\nTue 03/03 13:00 (בעוד 2 שעות / in 2 hours)",
		},
		{
			name: "one day",
			job:  model.DeliveryJob{Title: "exam", DueAt: due, LeadTimeMinutes: 1440},
			want: "⏰ תזכורת: exam\nTue 03/03 13:00 (בעוד יום / in 1 day)",
		},
		{
			name: "no lead and empty title",
			job:  model.DeliveryJob{DueAt: due},
			want: "⏰ תזכורת: תזכורת\nTue 03/03 13:00",
		},
		{
			name: "unknown timezone falls back to utc",
			job:  model.DeliveryJob{Title: "x", DueAt: due, Timezone: "Mars/Olympus"},
			want: "⏰ תזכורת: x\nTue 03/03 13:00",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compose(tt.job))
		})
	}
}

func TestRecipient(t *testing.T) {
	assert.Equal(t, "+972501234567", Recipient(model.DeliveryJob{UserID: "u1", Phone: "+972501234567"}))
	assert.Equal(t, "u1", Recipient(model.DeliveryJob{UserID: "u1"}))
}

func TestLogSender(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	require.NoError(t, LogSender{}.Send(context.Background(), "u1", "hello"))
	entries := logs.FilterMessage("delivery: message").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "u1", entries[0].ContextMap()["recipient"])
}
