// Package intake runs inbound messages through the pipeline and commits
// the result: records are written, reminders are scheduled and the user
// gets a reply.
package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/yoman-app/yoman/internal/fuzzy"
	"github.com/yoman-app/yoman/internal/model"
	"github.com/yoman-app/yoman/internal/pipeline"
	"github.com/yoman-app/yoman/internal/scheduler"
	"github.com/yoman-app/yoman/internal/store"
)

// Pipeline runs and resumes message contexts.
type Pipeline interface {
	Run(ctx context.Context, in pipeline.Input) (*model.Context, error)
	ResolveClarification(ctx context.Context, handle, reply string) (*model.Context, error)
}

// RecordWriter persists a validated action.
type RecordWriter interface {
	Persist(ctx context.Context, action model.Action) (string, error)
}

// RecordStore is the record access the service needs.
type RecordStore interface {
	RecordWriter
	GetRecord(ctx context.Context, userID, id string) (*model.Record, error)
	FindCandidates(ctx context.Context, userID string, kind model.RecordKind, from, to time.Time) ([]model.Record, error)
}

// Scheduler places and removes reminder deliveries.
type Scheduler interface {
	Schedule(ctx context.Context, spec scheduler.JobSpec, dueAt time.Time, leadTimeMinutes int) (scheduler.Decision, error)
	Cancel(ctx context.Context, jobID string) error
}

// Status is the kind of outcome a message produced.
type Status string

const (
	StatusClarify     Status = "clarify"
	StatusRejected    Status = "rejected"
	StatusCommitted   Status = "committed"
	StatusListed      Status = "listed"
	StatusUnsupported Status = "unsupported"
	StatusMulti       Status = "multi"
)

// Outcome is what the user is told about one message.
type Outcome struct {
	Status     Status              `json:"status"`
	Intent     model.Intent        `json:"intent,omitempty"`
	Confidence float64             `json:"confidence"`
	Reply      string              `json:"reply"`
	Handle     string              `json:"handle,omitempty"`
	RecordID   string              `json:"record_id,omitempty"`
	Records    []model.Record      `json:"records,omitempty"`
	Decision   *scheduler.Decision `json:"decision,omitempty"`
	Items      []*Outcome          `json:"items,omitempty"`
	Warnings   []string            `json:"warnings,omitempty"`
	Reason     string              `json:"reason,omitempty"`
}

// Service is the entry point for inbound messages.
type Service struct {
	pipeline   Pipeline
	records    RecordStore
	sched      Scheduler
	matcher    *fuzzy.Matcher
	listWindow time.Duration
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the service clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithListWindow sets how far ahead list requests without a date look.
func WithListWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.listWindow = d
		}
	}
}

// WithMatcher sets the matcher used to filter search results.
func WithMatcher(m *fuzzy.Matcher) Option {
	return func(s *Service) { s.matcher = m }
}

// NewService creates a Service. sched may be nil, in which case reminders
// are stored without delivery jobs.
func NewService(p Pipeline, records RecordStore, sched Scheduler, opts ...Option) *Service {
	s := &Service{
		pipeline:   p,
		records:    records,
		sched:      sched,
		matcher:    fuzzy.NewMatcher(fuzzy.DefaultConfig()),
		listWindow: 30 * 24 * time.Hour,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle processes one inbound message.
func (s *Service) Handle(ctx context.Context, in model.Inbound) (*Outcome, error) {
	if strings.TrimSpace(in.Text) == "" {
		return nil, eris.New("intake: message text is required")
	}
	if in.UserID == "" {
		return nil, eris.New("intake: user id is required")
	}

	pc, err := s.pipeline.Run(ctx, pipeline.Input{
		RawText:  in.Text,
		UserID:   in.UserID,
		Timezone: in.Timezone,
		Original: in,
	})
	return s.finish(ctx, pc, err)
}

// Resolve answers a pending clarification. pipeline.ErrUnresolved and
// pipeline.ErrClarificationExpired are returned unchanged.
func (s *Service) Resolve(ctx context.Context, handle, reply string) (*Outcome, error) {
	pc, err := s.pipeline.ResolveClarification(ctx, handle, reply)
	if errors.Is(err, pipeline.ErrUnresolved) || errors.Is(err, pipeline.ErrClarificationExpired) {
		return nil, err
	}
	return s.finish(ctx, pc, err)
}

func (s *Service) finish(ctx context.Context, pc *model.Context, err error) (*Outcome, error) {
	if err != nil {
		var pe *pipeline.PipelineError
		if !errors.As(err, &pe) {
			return nil, eris.Wrap(err, "intake: run pipeline")
		}
		zap.L().Info("intake: message rejected",
			zap.String("user_id", userOf(pc)),
			zap.String("phase", pe.Phase),
			zap.Error(err),
		)
		out := &Outcome{Status: StatusRejected, Reason: pipeline.Reason(err)}
		if pc != nil {
			out.Intent = pc.Intent
			out.Confidence = pc.Confidence()
			out.Warnings = pc.Warnings
		}
		out.Reply = out.Reason
		return out, nil
	}

	out := &Outcome{
		Intent:     pc.Intent,
		Confidence: pc.Confidence(),
		Warnings:   pc.Warnings,
	}

	switch {
	case pc.NeedsClarification():
		out.Status = StatusClarify
		out.Reply = pc.ClarificationQuestion()
		out.Handle = pc.Metadata.ClarificationHandle
		return out, nil
	case pc.Entities.IsMultiEvent && len(pc.Entities.SplitEvents) > 1:
		return s.commitMulti(ctx, pc, out)
	case pc.Intent.IsListing():
		return s.list(ctx, pc, out)
	}
	return s.commit(ctx, pc, out)
}

func (s *Service) commit(ctx context.Context, pc *model.Context, out *Outcome) (*Outcome, error) {
	action, ok := model.ActionFromContext(pc, s.now())
	if !ok {
		out.Status = StatusUnsupported
		out.Reply = unsupportedReply(pc.Intent)
		return out, nil
	}

	if action.Op == model.OpUpdate && pc.Entities.Date == nil && pc.Entities.Time != "" {
		start, err := s.moveToTime(ctx, pc)
		if err != nil {
			return s.missing(out, err)
		}
		action.Record.StartsAt = start
	}

	var rec model.Record
	if action.Op == model.OpDelete {
		cur, err := s.records.GetRecord(ctx, pc.UserID, action.Record.ID)
		if err != nil {
			return s.missing(out, err)
		}
		rec = *cur
	}

	id, err := s.records.Persist(ctx, action)
	if err != nil {
		return s.missing(out, err)
	}
	out.Status = StatusCommitted
	out.RecordID = id

	if action.Op != model.OpDelete {
		stored, err := s.records.GetRecord(ctx, pc.UserID, id)
		if err != nil {
			return nil, eris.Wrapf(err, "intake: reload record %s", id)
		}
		rec = *stored
	}

	if rec.Kind == model.KindReminder && s.sched != nil {
		s.syncReminder(ctx, pc, action.Op, rec, out)
	}

	out.Reply = committedReply(action.Op, rec, pc.Location())
	zap.L().Info("intake: action committed",
		zap.String("user_id", pc.UserID),
		zap.String("op", string(action.Op)),
		zap.String("kind", string(rec.Kind)),
		zap.String("record_id", id),
	)
	return out, nil
}

// moveToTime keeps the stored record's day and applies the requested
// clock time in the user's timezone.
func (s *Service) moveToTime(ctx context.Context, pc *model.Context) (time.Time, error) {
	cur, err := s.records.GetRecord(ctx, pc.UserID, pc.Entities.EventID)
	if err != nil {
		return time.Time{}, err
	}
	clock, err := time.Parse("15:04", pc.Entities.Time)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "intake: parse time %q", pc.Entities.Time)
	}
	loc := pc.Location()
	day := cur.StartsAt.In(loc)
	return time.Date(day.Year(), day.Month(), day.Day(), clock.Hour(), clock.Minute(), 0, 0, loc), nil
}

func (s *Service) missing(out *Outcome, err error) (*Outcome, error) {
	if !errors.Is(err, store.ErrNotFound) {
		return nil, eris.Wrap(err, "intake: persist")
	}
	out.Status = StatusRejected
	out.Reason = "that item no longer exists"
	out.Reply = "הפריט כבר לא קיים / That item no longer exists."
	return out, nil
}

func (s *Service) syncReminder(ctx context.Context, pc *model.Context, op model.ActionOp, rec model.Record, out *Outcome) {
	log := zap.L().With(zap.String("record_id", rec.ID))

	if op == model.OpDelete {
		if err := s.sched.Cancel(ctx, scheduler.JobID(rec.ID)); err != nil {
			log.Error("intake: cancel reminder job", zap.Error(err))
		}
		return
	}

	d, err := s.sched.Schedule(ctx, scheduler.JobSpec{
		SubjectID: rec.ID,
		UserID:    rec.UserID,
		Title:     rec.Title,
		Phone:     rec.Phone,
		Timezone:  pc.Timezone,
	}, rec.StartsAt, rec.LeadTimeMinutes)
	if err != nil {
		log.Error("intake: schedule reminder", zap.Error(err))
		out.Warnings = append(out.Warnings, "the reminder was saved but could not be scheduled")
		return
	}
	out.Decision = &d
	if d.Skipped {
		out.Warnings = append(out.Warnings, "the reminder time has already passed, no notification will be sent")
	}
}

func (s *Service) list(ctx context.Context, pc *model.Context, out *Outcome) (*Outcome, error) {
	loc := pc.Location()
	from, to := s.now(), s.now().Add(s.listWindow)
	if d := pc.Entities.Date; d != nil {
		local := d.In(loc)
		from = time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
		to = from.AddDate(0, 0, 1)
		if pc.Entities.EndDate != nil && pc.Entities.EndDate.After(to) {
			to = *pc.Entities.EndDate
		}
	}

	kind := pc.Intent.Kind()
	recs, err := s.records.FindCandidates(ctx, pc.UserID, kind, from, to)
	if err != nil {
		return nil, eris.Wrap(err, "intake: list records")
	}

	if pc.Intent == model.IntentSearchEvent && pc.Entities.Title != "" {
		recs = s.filter(pc.Entities.Title, recs)
	}

	out.Status = StatusListed
	out.Records = recs
	out.Reply = listReply(kind, recs, loc)
	return out, nil
}

func (s *Service) filter(reference string, recs []model.Record) []model.Record {
	byID := make(map[string]model.Record, len(recs))
	for _, r := range recs {
		byID[r.ID] = r
	}
	matches := s.matcher.Rank(reference, recs)
	out := make([]model.Record, 0, len(matches))
	for _, m := range matches {
		out = append(out, byID[m.ID])
	}
	return out
}

// commitMulti runs every confirmed fragment as its own message.
func (s *Service) commitMulti(ctx context.Context, pc *model.Context, out *Outcome) (*Outcome, error) {
	out.Status = StatusMulti
	replies := make([]string, 0, len(pc.Entities.SplitEvents))
	for i, frag := range pc.Entities.SplitEvents {
		orig := pc.Original
		orig.Text = frag
		item, err := s.Handle(ctx, orig)
		if err != nil {
			return nil, eris.Wrapf(err, "intake: item %d", i+1)
		}
		out.Items = append(out.Items, item)
		replies = append(replies, fmt.Sprintf("%d. %s", i+1, item.Reply))
	}
	out.Reply = strings.Join(replies, "\n")
	return out, nil
}

func committedReply(op model.ActionOp, rec model.Record, loc *time.Location) string {
	when := ""
	if !rec.StartsAt.IsZero() {
		when = " (" + rec.StartsAt.In(loc).Format("Mon 02/01 15:04") + ")"
	}
	switch op {
	case model.OpCreate:
		return fmt.Sprintf("✓ נשמר / Saved: %s%s", rec.Title, when)
	case model.OpUpdate:
		return fmt.Sprintf("✓ עודכן / Updated: %s%s", rec.Title, when)
	default:
		if rec.Title == "" {
			return "✓ נמחק / Deleted"
		}
		return fmt.Sprintf("✓ נמחק / Deleted: %s", rec.Title)
	}
}

func listReply(kind model.RecordKind, recs []model.Record, loc *time.Location) string {
	if len(recs) == 0 {
		if kind == model.KindReminder {
			return "אין תזכורות / No reminders."
		}
		return "אין אירועים / No events."
	}
	var b strings.Builder
	for i, r := range recs {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d. %s (%s)", i+1, r.Title, r.StartsAt.In(loc).Format("Mon 02/01 15:04"))
	}
	return b.String()
}

func unsupportedReply(in model.Intent) string {
	if in == model.IntentUnknown {
		return "לא הבנתי, אפשר לנסח אחרת? / Sorry, I didn't understand that."
	}
	return "עדיין לא תומך בזה / That isn't supported yet."
}

func userOf(pc *model.Context) string {
	if pc == nil {
		return ""
	}
	return pc.UserID
}
