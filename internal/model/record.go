package model

import "time"

// RecordKind distinguishes calendar events from reminders.
type RecordKind string

const (
	KindEvent    RecordKind = "event"
	KindReminder RecordKind = "reminder"
)

// Inbound is a message as received from the messaging transport.
type Inbound struct {
	UserID     string    `json:"user_id"`
	Phone      string    `json:"phone,omitempty"`
	Text       string    `json:"text"`
	Timezone   string    `json:"timezone,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Record is a stored event or reminder.
type Record struct {
	ID              string      `json:"id"`
	UserID          string      `json:"user_id"`
	Kind            RecordKind  `json:"kind"`
	Title           string      `json:"title"`
	StartsAt        time.Time   `json:"starts_at"`
	EndsAt          *time.Time  `json:"ends_at,omitempty"`
	Priority        Priority    `json:"priority,omitempty"`
	Recurrence      *Recurrence `json:"recurrence,omitempty"`
	LeadTimeMinutes int         `json:"lead_time_minutes,omitempty"`
	Phone           string      `json:"phone,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// ActionOp is the write operation an Action performs.
type ActionOp string

const (
	OpCreate ActionOp = "create"
	OpUpdate ActionOp = "update"
	OpDelete ActionOp = "delete"
)

// Action is a validated write materialised from a pipeline context.
type Action struct {
	Op     ActionOp `json:"op"`
	Record Record   `json:"record"`
}

// ActionFromContext materialises the write a finished context asks for.
// The second return is false when the intent does not write.
func ActionFromContext(pc *Context, now time.Time) (Action, bool) {
	var op ActionOp
	switch pc.Intent {
	case IntentCreateEvent, IntentCreateReminder:
		op = OpCreate
	case IntentUpdateEvent, IntentUpdateReminder:
		op = OpUpdate
	case IntentDeleteEvent, IntentDeleteReminder:
		op = OpDelete
	default:
		return Action{}, false
	}

	e := pc.Entities
	rec := Record{
		ID:         e.EventID,
		UserID:     pc.UserID,
		Kind:       pc.Intent.Kind(),
		Title:      e.Title,
		EndsAt:     e.EndDate,
		Priority:   e.Priority,
		Recurrence: e.Recurrence,
		Phone:      pc.Original.Phone,
		UpdatedAt:  now,
	}
	if e.Date != nil {
		rec.StartsAt = *e.Date
	}
	if e.LeadTimeMinutes != nil {
		rec.LeadTimeMinutes = *e.LeadTimeMinutes
	}
	if op == OpCreate {
		rec.CreatedAt = now
	}
	return Action{Op: op, Record: rec}, true
}
