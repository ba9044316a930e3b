package intake

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yoman-app/yoman/internal/classifier"
	"github.com/yoman-app/yoman/internal/config"
	"github.com/yoman-app/yoman/internal/model"
	"github.com/yoman-app/yoman/internal/pipeline"
	"github.com/yoman-app/yoman/internal/scheduler"
	"github.com/yoman-app/yoman/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var jerusalem = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Jerusalem")
	if err != nil {
		panic(err)
	}
	return loc
}()

// Monday.
var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, jerusalem)

func fixedNow() time.Time { return testNow }

func at(m time.Month, d, hh, mm int) time.Time {
	return time.Date(2026, m, d, hh, mm, 0, 0, jerusalem)
}

// scriptVoter picks an intent from a few fixed phrases.
type scriptVoter struct{}

func (scriptVoter) Name() string { return "anthropic" }

func (scriptVoter) Classify(_ context.Context, text, _ string) (model.Vote, error) {
	t := strings.ToLower(text)
	has := func(s string) bool { return strings.Contains(t, s) }

	in := model.IntentCreateEvent
	switch {
	case has("comment"):
		in = model.IntentAddComment
	case has("what's on"):
		in = model.IntentListEvents
	case has("find"):
		in = model.IntentSearchEvent
	case has("cancel") && has("reminder"):
		in = model.IntentDeleteReminder
	case has("cancel"):
		in = model.IntentDeleteEvent
	case has("move"):
		in = model.IntentUpdateEvent
	case has("remind"):
		in = model.IntentCreateReminder
	}
	return model.Vote{Intent: in, Confidence: 0.9}, nil
}

var _ classifier.Voter = scriptVoter{}

type harness struct {
	svc *Service
	mem *store.MemoryStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem, err := store.NewMemory(64)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Guard.PrimaryVoter = "anthropic"

	p := pipeline.New(pipeline.Deps{
		Cache:      mem,
		Voters:     []classifier.Voter{scriptVoter{}},
		Candidates: mem,
		Config:     cfg,
		Now:        fixedNow,
	})
	sched := scheduler.New(mem, config.SchedulerConfig{}, scheduler.WithClock(fixedNow))
	return &harness{
		svc: NewService(p, mem, sched, WithClock(fixedNow)),
		mem: mem,
	}
}

func msg(text string) model.Inbound {
	return model.Inbound{UserID: "u1", Phone: "+972500000000", Text: text, Timezone: "Asia/Jerusalem"}
}

func (h *harness) handle(t *testing.T, text string) *Outcome {
	t.Helper()
	out, err := h.svc.Handle(context.Background(), msg(text))
	require.NoError(t, err)
	return out
}

func TestHandle_CreateReminderSchedulesJob(t *testing.T) {
	h := newHarness(t)

	out := h.handle(t, "remind me to call mom tomorrow at 18:00, 30 minutes before")
	require.Equal(t, StatusCommitted, out.Status, out.Reply)
	require.NotEmpty(t, out.RecordID)
	assert.Equal(t, model.IntentCreateReminder, out.Intent)
	assert.Contains(t, out.Reply, "call mom")

	rec, err := h.mem.GetRecord(context.Background(), "u1", out.RecordID)
	require.NoError(t, err)
	assert.Equal(t, model.KindReminder, rec.Kind)
	assert.True(t, at(3, 3, 18, 0).Equal(rec.StartsAt))
	assert.Equal(t, 30, rec.LeadTimeMinutes)

	require.NotNil(t, out.Decision)
	assert.True(t, at(3, 3, 17, 30).Equal(out.Decision.RunAt))

	job, err := h.mem.GetJob(context.Background(), scheduler.JobID(out.RecordID))
	require.NoError(t, err)
	assert.Equal(t, "+972500000000", job.Phone)
	assert.Equal(t, "call mom", job.Title)
}

func TestHandle_CreateEventHasNoJob(t *testing.T) {
	h := newHarness(t)

	out := h.handle(t, "dentist tomorrow at 5pm")
	require.Equal(t, StatusCommitted, out.Status)
	assert.Nil(t, out.Decision)

	rec, err := h.mem.GetRecord(context.Background(), "u1", out.RecordID)
	require.NoError(t, err)
	assert.Equal(t, model.KindEvent, rec.Kind)
	require.NotNil(t, rec.EndsAt)
	assert.Equal(t, time.Hour, rec.EndsAt.Sub(rec.StartsAt))

	_, err = h.mem.GetJob(context.Background(), scheduler.JobID(out.RecordID))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHandle_DeleteReminderCancelsJob(t *testing.T) {
	h := newHarness(t)
	created := h.handle(t, "remind me to call mom tomorrow at 18:00")
	require.Equal(t, StatusCommitted, created.Status)

	out := h.handle(t, "cancel the call mom reminder")
	require.Equal(t, StatusCommitted, out.Status, out.Reply)
	assert.Equal(t, created.RecordID, out.RecordID)
	assert.Contains(t, out.Reply, "call mom")

	_, err := h.mem.GetRecord(context.Background(), "u1", created.RecordID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = h.mem.GetJob(context.Background(), scheduler.JobID(created.RecordID))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHandle_TimeOnlyUpdateKeepsDay(t *testing.T) {
	h := newHarness(t)
	created := h.handle(t, "dentist tomorrow at 10:00")
	require.Equal(t, StatusCommitted, created.Status)

	out := h.handle(t, "move dentist to 17:00")
	require.Equal(t, StatusCommitted, out.Status, out.Reply)

	rec, err := h.mem.GetRecord(context.Background(), "u1", created.RecordID)
	require.NoError(t, err)
	assert.True(t, at(3, 3, 17, 0).Equal(rec.StartsAt))
	require.NotNil(t, rec.EndsAt)
	assert.True(t, at(3, 3, 18, 0).Equal(*rec.EndsAt))
	assert.Equal(t, "dentist", rec.Title)
}

func TestHandle_ListEventsForDay(t *testing.T) {
	h := newHarness(t)
	h.handle(t, "gym tomorrow at 18:00")
	h.handle(t, "dentist tomorrow at 10:00")
	h.handle(t, "party on thursday")

	out := h.handle(t, "what's on tomorrow")
	require.Equal(t, StatusListed, out.Status)
	require.Len(t, out.Records, 2)
	assert.Equal(t, "1. dentist (Tue 03/03 10:00)\n2. gym (Tue 03/03 18:00)", out.Reply)
}

func TestHandle_SearchFiltersByTitle(t *testing.T) {
	h := newHarness(t)
	h.handle(t, "gym tomorrow at 18:00")
	h.handle(t, "dentist on thursday")

	out := h.handle(t, "find dentist")
	require.Equal(t, StatusListed, out.Status)
	require.Len(t, out.Records, 1)
	assert.Equal(t, "dentist", out.Records[0].Title)
}

func TestHandle_EmptyList(t *testing.T) {
	h := newHarness(t)
	out := h.handle(t, "what's on tomorrow")
	assert.Equal(t, StatusListed, out.Status)
	assert.Empty(t, out.Records)
	assert.Contains(t, out.Reply, "No events")
}

func TestHandle_CommentIntentUnsupported(t *testing.T) {
	h := newHarness(t)
	out := h.handle(t, "add a comment to the dentist")
	assert.Equal(t, StatusUnsupported, out.Status)
	assert.Empty(t, out.RecordID)
}

func TestHandle_ValidationRejectsWithoutPersisting(t *testing.T) {
	h := newHarness(t)

	out := h.handle(t, "meeting tomorrow from 15:00 until 14:00")
	assert.Equal(t, StatusRejected, out.Status)
	assert.Equal(t, "end time must be after start time", out.Reason)

	recs, err := h.mem.FindCandidates(context.Background(), "u1", model.KindEvent, testNow.Add(-time.Hour), testNow.Add(72*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestHandle_PastReminderIsSkipped(t *testing.T) {
	h := newHarness(t)

	out := h.handle(t, "remind me to take pills today at 8:00")
	require.Equal(t, StatusCommitted, out.Status)
	require.NotNil(t, out.Decision)
	assert.True(t, out.Decision.Skipped)
	assert.Contains(t, out.Warnings, "the reminder time has already passed, no notification will be sent")
}

func TestHandle_ClarifyThenResolve(t *testing.T) {
	h := newHarness(t)
	first := h.handle(t, "team meeting tomorrow at 9:00")
	h.handle(t, "meeting with dana on wednesday")
	ctx := context.Background()

	out := h.handle(t, "cancel the meeting")
	require.Equal(t, StatusClarify, out.Status)
	require.NotEmpty(t, out.Handle)
	assert.Contains(t, out.Reply, "1. team meeting")

	_, err := h.svc.Resolve(ctx, out.Handle, "9")
	assert.ErrorIs(t, err, pipeline.ErrUnresolved)

	done, err := h.svc.Resolve(ctx, out.Handle, "1")
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, done.Status)
	assert.Equal(t, first.RecordID, done.RecordID)

	_, err = h.svc.Resolve(ctx, out.Handle, "1")
	assert.ErrorIs(t, err, pipeline.ErrClarificationExpired)
}

func TestHandle_MultiEventConfirmation(t *testing.T) {
	h := newHarness(t)

	out := h.handle(t, "dentist on monday and also gym on thursday")
	require.Equal(t, StatusClarify, out.Status)

	done, err := h.svc.Resolve(context.Background(), out.Handle, "yes")
	require.NoError(t, err)
	require.Equal(t, StatusMulti, done.Status)
	require.Len(t, done.Items, 2)
	for _, item := range done.Items {
		assert.Equal(t, StatusCommitted, item.Status)
	}
	assert.True(t, strings.HasPrefix(done.Reply, "1. "))

	recs, err := h.mem.FindCandidates(context.Background(), "u1", model.KindEvent, testNow, testNow.Add(14*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "gym", recs[0].Title)
	assert.Equal(t, "dentist", recs[1].Title)
}

func TestHandle_RequiresTextAndUser(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Handle(context.Background(), model.Inbound{UserID: "u1", Text: "  "})
	assert.Error(t, err)
	_, err = h.svc.Handle(context.Background(), model.Inbound{Text: "dentist"})
	assert.Error(t, err)
}

// --- fake pipeline ---

type fakePipeline struct {
	pc  *model.Context
	err error
}

func (f fakePipeline) Run(context.Context, pipeline.Input) (*model.Context, error) {
	return f.pc, f.err
}

func (f fakePipeline) ResolveClarification(context.Context, string, string) (*model.Context, error) {
	return f.pc, f.err
}

func TestHandle_UpdateOfMissingRecord(t *testing.T) {
	mem, err := store.NewMemory(8)
	require.NoError(t, err)

	pc := model.NewContext(msg("move the ghost to 10:00"))
	pc.Intent = model.IntentUpdateEvent
	pc.Entities.EventID = "ghost"
	pc.Entities.Time = "10:00"

	svc := NewService(fakePipeline{pc: pc}, mem, nil, WithClock(fixedNow))
	out, err := svc.Handle(context.Background(), msg("move the ghost to 10:00"))
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, out.Status)
	assert.Equal(t, "that item no longer exists", out.Reason)
}

func TestHandle_InfrastructureErrorSurfaces(t *testing.T) {
	mem, err := store.NewMemory(8)
	require.NoError(t, err)

	svc := NewService(fakePipeline{pc: model.NewContext(msg("x")), err: errors.New("cache down")}, mem, nil)
	_, err = svc.Handle(context.Background(), msg("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache down")
}

func TestHandle_RateLimitRejected(t *testing.T) {
	mem, err := store.NewMemory(8)
	require.NoError(t, err)

	perr := &pipeline.PipelineError{
		Phase: pipeline.PhaseClassify,
		Err:   &pipeline.RateLimitError{Window: "user", Count: 41, Limit: 40},
	}
	svc := NewService(fakePipeline{pc: model.NewContext(msg("x")), err: perr}, mem, nil)
	out, err := svc.Handle(context.Background(), msg("x"))
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, out.Status)
	assert.Contains(t, out.Reply, "Too many requests")
}

func TestResolve_PassesThroughExpiry(t *testing.T) {
	mem, err := store.NewMemory(8)
	require.NoError(t, err)

	svc := NewService(fakePipeline{err: eris.Wrap(pipeline.ErrClarificationExpired, "load")}, mem, nil)
	out, err := svc.Resolve(context.Background(), "h", "1")
	assert.Nil(t, out)
	assert.ErrorIs(t, err, pipeline.ErrClarificationExpired)
}
