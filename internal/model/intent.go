package model

// Intent is the single operation a message asks for.
type Intent string

const (
	IntentCreateEvent    Intent = "create_event"
	IntentCreateReminder Intent = "create_reminder"
	IntentSearchEvent    Intent = "search_event"
	IntentListEvents     Intent = "list_events"
	IntentListReminders  Intent = "list_reminders"
	IntentDeleteEvent    Intent = "delete_event"
	IntentDeleteReminder Intent = "delete_reminder"
	IntentUpdateEvent    Intent = "update_event"
	IntentUpdateReminder Intent = "update_reminder"
	IntentAddComment     Intent = "add_comment"
	IntentViewComments   Intent = "view_comments"
	IntentDeleteComment  Intent = "delete_comment"
	IntentUpdateComment  Intent = "update_comment"
	IntentUnknown        Intent = "unknown"
)

// AllIntents returns every intent label, unknown last.
func AllIntents() []Intent {
	return []Intent{
		IntentCreateEvent,
		IntentCreateReminder,
		IntentSearchEvent,
		IntentListEvents,
		IntentListReminders,
		IntentDeleteEvent,
		IntentDeleteReminder,
		IntentUpdateEvent,
		IntentUpdateReminder,
		IntentAddComment,
		IntentViewComments,
		IntentDeleteComment,
		IntentUpdateComment,
		IntentUnknown,
	}
}

var intentSet = func() map[Intent]struct{} {
	m := make(map[Intent]struct{}, len(AllIntents()))
	for _, in := range AllIntents() {
		m[in] = struct{}{}
	}
	return m
}()

// ParseIntent maps a label to an Intent. The second return is false for
// labels outside the closed set.
func ParseIntent(s string) (Intent, bool) {
	in := Intent(s)
	if _, ok := intentSet[in]; !ok {
		return IntentUnknown, false
	}
	return in, true
}

// IsCreation reports whether the intent creates a new record.
func (i Intent) IsCreation() bool {
	return i == IntentCreateEvent || i == IntentCreateReminder
}

// TargetsExisting reports whether the intent modifies a record that must
// first be identified.
func (i Intent) TargetsExisting() bool {
	switch i {
	case IntentUpdateEvent, IntentDeleteEvent, IntentUpdateReminder, IntentDeleteReminder:
		return true
	}
	return false
}

// IsListing reports whether the intent only reads records.
func (i Intent) IsListing() bool {
	switch i {
	case IntentSearchEvent, IntentListEvents, IntentListReminders:
		return true
	}
	return false
}

// IsComment reports whether the intent operates on event comments.
func (i Intent) IsComment() bool {
	switch i {
	case IntentAddComment, IntentViewComments, IntentDeleteComment, IntentUpdateComment:
		return true
	}
	return false
}

// Kind returns the record kind the intent operates on.
func (i Intent) Kind() RecordKind {
	switch i {
	case IntentCreateReminder, IntentListReminders, IntentDeleteReminder, IntentUpdateReminder:
		return KindReminder
	}
	return KindEvent
}
