package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/yoman-app/yoman/internal/config"
	"github.com/yoman-app/yoman/internal/model"
)

var strictClock = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

// Enrichment names recorded in Metadata.Enrichments.
const (
	EnrichDefaultTitle    = "default_title"
	EnrichDefaultEnd      = "default_end"
	EnrichDefaultPriority = "default_priority"
)

// ValidatePhase is the gate in front of persistence. It rejects entities
// that cannot be stored, fills defaults and adjusts confidence.
type ValidatePhase struct {
	cfg config.ValidationConfig
	now func() time.Time
}

// NewValidatePhase creates the gate. Unset tuning takes the provisional
// defaults.
func NewValidatePhase(cfg config.ValidationConfig, now func() time.Time) *ValidatePhase {
	if cfg.GraceMinutes <= 0 {
		cfg.GraceMinutes = 5
	}
	if cfg.EventDurationMinutes <= 0 {
		cfg.EventDurationMinutes = 60
	}
	if cfg.ConfidenceBoost <= 0 {
		cfg.ConfidenceBoost = 0.05
	}
	if cfg.BoostCap <= 0 {
		cfg.BoostCap = 0.95
	}
	if cfg.WarningPenalty <= 0 {
		cfg.WarningPenalty = 0.1
	}
	if cfg.PenaltyFloor <= 0 {
		cfg.PenaltyFloor = 0.5
	}
	if cfg.DefaultEventTitle == "" {
		cfg.DefaultEventTitle = "אירוע חדש"
	}
	if cfg.DefaultReminderTitle == "" {
		cfg.DefaultReminderTitle = "תזכורת"
	}
	if now == nil {
		now = time.Now
	}
	return &ValidatePhase{cfg: cfg, now: now}
}

func (p *ValidatePhase) Name() string                  { return PhaseValidate }
func (p *ValidatePhase) Priority() int                 { return PriorityValidate }
func (p *ValidatePhase) Required() bool                { return true }
func (p *ValidatePhase) ShouldRun(*model.Context) bool { return true }

func (p *ValidatePhase) Execute(_ context.Context, pc *model.Context) Result {
	e := &pc.Entities

	if reasons := Check(*e); len(reasons) > 0 {
		return Failure(&ValidationError{Reasons: reasons})
	}

	var warnings []string
	now := p.now()
	grace := time.Duration(p.cfg.GraceMinutes) * time.Minute
	if pc.Intent.IsCreation() && e.Date != nil && e.Date.Before(now.Add(-grace)) {
		warnings = append(warnings, "the requested time is already in the past")
	}

	p.enrich(pc)

	c := pc.Confidence()
	if e.Title != "" && e.Date != nil && c < p.cfg.BoostCap {
		c = min(c+p.cfg.ConfidenceBoost, p.cfg.BoostCap)
	}
	if n := len(pc.Warnings) + len(warnings); n > 0 {
		c = max(c-float64(n)*p.cfg.WarningPenalty, min(p.cfg.PenaltyFloor, c))
	}
	pc.SetConfidence(c)

	if !pc.NeedsClarification() {
		switch {
		case pc.Intent.IsCreation() && e.Date == nil && !e.IsMultiEvent:
			pc.AskClarification("מתי? When should this be?")
		case isUpdate(pc.Intent) && nothingToChange(*e):
			pc.AskClarification("מה לשנות? What should change?")
		}
	}

	return Success("valid", warnings...)
}

// Check returns every reason e cannot be stored.
func Check(e model.Entities) []string {
	var reasons []string
	if e.Date != nil && e.EndDate != nil && !e.EndDate.After(*e.Date) {
		reasons = append(reasons, "end time must be after start time")
	}
	if e.Time != "" && !strictClock.MatchString(e.Time) {
		reasons = append(reasons, fmt.Sprintf("invalid time %q, expected HH:MM", e.Time))
	}
	if e.Recurrence != nil {
		if e.Recurrence.Pattern == "" {
			reasons = append(reasons, "recurrence needs a pattern")
		}
		if e.Recurrence.Interval < 1 {
			reasons = append(reasons, "recurrence interval must be at least 1")
		}
	}
	return reasons
}

func (p *ValidatePhase) enrich(pc *model.Context) {
	e := &pc.Entities
	if pc.Intent.IsCreation() {
		if e.Title == "" {
			e.Title = p.cfg.DefaultEventTitle
			if pc.Intent == model.IntentCreateReminder {
				e.Title = p.cfg.DefaultReminderTitle
			}
			pc.Metadata.Enrichments = append(pc.Metadata.Enrichments, EnrichDefaultTitle)
		}
		if pc.Intent == model.IntentCreateEvent && e.Date != nil && e.EndDate == nil {
			end := e.Date.Add(time.Duration(p.cfg.EventDurationMinutes) * time.Minute)
			e.EndDate = &end
			pc.Metadata.Enrichments = append(pc.Metadata.Enrichments, EnrichDefaultEnd)
		}
		if e.Priority == "" {
			e.Priority = model.PriorityNormal
			pc.Metadata.Enrichments = append(pc.Metadata.Enrichments, EnrichDefaultPriority)
		}
	}
	if e.Date != nil {
		e.DateText = e.Date.In(pc.Location()).Format("Mon 02/01/2006 15:04")
	}
}

func isUpdate(in model.Intent) bool {
	return in == model.IntentUpdateEvent || in == model.IntentUpdateReminder
}

func nothingToChange(e model.Entities) bool {
	return e.Date == nil && e.Time == "" && e.EndDate == nil && e.Priority == "" &&
		e.Recurrence == nil && e.LeadTimeMinutes == nil
}
