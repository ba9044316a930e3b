// Package quota enforces ceilings on classifier calls with period counters
// kept in a shared store.
package quota

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/yoman-app/yoman/internal/monitoring"
)

// Counter atomically increments a key and returns the new value. The TTL
// applies when the key is created.
type Counter interface {
	IncrementAndGet(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Notifier delivers admin alerts.
type Notifier interface {
	Notify(ctx context.Context, alert monitoring.Alert) error
}

// Window names.
const (
	WindowGlobalDay  = "global_day"
	WindowGlobalHour = "global_hour"
	WindowUserDay    = "user_day"
)

// Alert levels.
const (
	LevelWarning = "warning"
	LevelLimit   = "limit"
)

const (
	dayTTL  = 25 * time.Hour
	hourTTL = 2 * time.Hour
)

// DayKey returns the counter key for scope on t's calendar day.
func DayKey(scope string, t time.Time) string {
	return "quota:" + scope + ":day:" + t.Format("2006-01-02")
}

// HourKey returns the counter key for scope in t's hour.
func HourKey(scope string, t time.Time) string {
	return "quota:" + scope + ":hour:" + t.Format("2006-01-02T15")
}

// FlagKey returns the one-shot alert flag for a counter key and level.
func FlagKey(counterKey, level string) string {
	return "alert:" + counterKey + ":" + level
}

// Limits are the ceilings per window.
type Limits struct {
	GlobalDaily  int64
	GlobalHourly int64
	UserDaily    int64
	WarnRatio    float64
}

// Usage is one counter after increment.
type Usage struct {
	Window string
	Key    string
	Count  int64
	Limit  int64
}

// Exceeded reports whether the count is over the ceiling.
func (u Usage) Exceeded() bool { return u.Count > u.Limit }

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	// Exceeded is the first window over its ceiling when not allowed.
	Exceeded *Usage
	Usage    []Usage
	// FailOpen is set when any counter could not be read.
	FailOpen bool
}

// Guard checks and records classifier usage.
type Guard struct {
	counter  Counter
	limits   Limits
	notifier Notifier
}

// NewGuard creates a Guard. notifier may be nil.
func NewGuard(counter Counter, limits Limits, notifier Notifier) *Guard {
	if limits.WarnRatio <= 0 || limits.WarnRatio > 1 {
		limits.WarnRatio = 0.8
	}
	return &Guard{counter: counter, limits: limits, notifier: notifier}
}

type window struct {
	name  string
	key   string
	limit int64
	ttl   time.Duration
}

func (g *Guard) windows(userID string, now time.Time, loc *time.Location) []window {
	utc := now.UTC()
	return []window{
		{WindowGlobalDay, DayKey("global", utc), g.limits.GlobalDaily, dayTTL},
		{WindowGlobalHour, HourKey("global", utc), g.limits.GlobalHourly, hourTTL},
		{WindowUserDay, DayKey("user:"+userID, now.In(loc)), g.limits.UserDaily, dayTTL},
	}
}

// Admit increments every window for one classifier call and decides
// whether the call may proceed. Counter errors fail open.
func (g *Guard) Admit(ctx context.Context, userID string, now time.Time, loc *time.Location) Decision {
	if loc == nil {
		loc = time.UTC
	}
	d := Decision{Allowed: true}

	var ttls []time.Duration
	for _, w := range g.windows(userID, now, loc) {
		count, err := g.counter.IncrementAndGet(ctx, w.key, w.ttl)
		if err != nil {
			zap.L().Warn("quota: counter unavailable, failing open",
				zap.String("window", w.name),
				zap.Error(err),
			)
			d.FailOpen = true
			continue
		}
		d.Usage = append(d.Usage, Usage{Window: w.name, Key: w.key, Count: count, Limit: w.limit})
		ttls = append(ttls, w.ttl)
	}

	for i := range d.Usage {
		if d.Usage[i].Exceeded() {
			u := d.Usage[i]
			d.Allowed = false
			d.Exceeded = &u
			break
		}
	}

	g.maybeAlert(ctx, d.Usage, ttls, now)
	return d
}

// Level returns the alert level a usage has reached, or "".
func (g *Guard) Level(u Usage) string {
	if u.Limit <= 0 {
		return ""
	}
	if u.Count >= u.Limit {
		return LevelLimit
	}
	warnAt := int64(math.Ceil(float64(u.Limit) * g.limits.WarnRatio))
	if u.Count >= warnAt {
		return LevelWarning
	}
	return ""
}

// maybeAlert alerts for every window at a level. Each (counter, period,
// level) alerts once: the sender is whoever first sets its flag.
func (g *Guard) maybeAlert(ctx context.Context, usage []Usage, ttls []time.Duration, now time.Time) {
	if g.notifier == nil {
		return
	}
	for i, u := range usage {
		level := g.Level(u)
		if level == "" {
			continue
		}
		n, err := g.counter.IncrementAndGet(ctx, FlagKey(u.Key, level), ttls[i])
		if err != nil {
			zap.L().Warn("quota: alert flag unavailable", zap.String("window", u.Window), zap.Error(err))
			continue
		}
		if n != 1 {
			continue
		}
		if err := g.notifier.Notify(ctx, monitoring.QuotaAlert(level, u.Window, u.Count, u.Limit, now)); err != nil {
			zap.L().Error("quota: alert failed", zap.String("window", u.Window), zap.Error(err))
		}
	}
}
