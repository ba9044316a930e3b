// Package delivery turns due reminder jobs into outbound messages.
package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/yoman-app/yoman/internal/model"
)

// Sender delivers a text to a recipient.
type Sender interface {
	Send(ctx context.Context, recipient, text string) error
}

// LogSender writes messages to the log instead of a gateway.
type LogSender struct{}

// Send logs the message.
func (LogSender) Send(_ context.Context, recipient, text string) error {
	zap.L().Info("delivery: message",
		zap.String("recipient", recipient),
		zap.String("text", text),
	)
	return nil
}

// Recipient is the address a job is delivered to: the phone when known,
// otherwise the user ID.
func Recipient(job model.DeliveryJob) string {
	if job.Phone != "" {
		return job.Phone
	}
	return job.UserID
}

// Compose renders the reminder text for job, with the due time shown in
// the user's timezone.
func Compose(job model.DeliveryJob) string {
	loc := location(job.Timezone)

	title := strings.TrimSpace(job.Title)
	if title == "" {
		title = "תזכורת"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "⏰ תזכורת: %s", title)
	fmt.Fprintf(&b, "\n%s", job.DueAt.In(loc).Format("Mon 02/01 15:04"))
	if job.LeadTimeMinutes > 0 {
		fmt.Fprintf(&b, " (%s)", leadText(job.LeadTimeMinutes))
	}
	return b.String()
}

func leadText(minutes int) string {
	switch {
	case minutes%1440 == 0:
		d := minutes / 1440
		if d == 1 {
			return "בעוד יום / in 1 day"
		}
		return fmt.Sprintf("בעוד %d ימים / in %d days", d, d)
	case minutes%60 == 0:
		h := minutes / 60
		if h == 1 {
			return "בעוד שעה / in 1 hour"
		}
		return fmt.Sprintf("בעוד %d שעות / in %d hours", h, h)
	default:
		return fmt.Sprintf("בעוד %d דקות / in %d min", minutes, minutes)
	}
}

func location(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		zap.L().Warn("delivery: unknown timezone", zap.String("timezone", name), zap.Error(err))
		return time.UTC
	}
	return loc
}
