package pipeline

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/yoman-app/yoman/internal/cache"
	"github.com/yoman-app/yoman/internal/classifier"
	"github.com/yoman-app/yoman/internal/config"
	"github.com/yoman-app/yoman/internal/fuzzy"
	"github.com/yoman-app/yoman/internal/metrics"
	"github.com/yoman-app/yoman/internal/model"
	"github.com/yoman-app/yoman/internal/quota"
	"github.com/yoman-app/yoman/internal/resilience"
)

// Input is one message to run.
type Input struct {
	RawText  string
	UserID   string
	Timezone string
	Original model.Inbound
}

// Deps are the collaborators a Pipeline is built from.
type Deps struct {
	Cache      cache.Store
	Guard      *quota.Guard
	Voters     []classifier.Voter
	Candidates CandidateSource
	Breakers   *resilience.ServiceBreakers
	Metrics    *metrics.Metrics
	Config     *config.Config
	// Now defaults to time.Now.
	Now func() time.Time
}

// Pipeline turns messages into validated contexts and keeps pending
// clarifications until they are answered or expire.
type Pipeline struct {
	orch       *Orchestrator
	cache      cache.Store
	clarifyTTL time.Duration
	now        func() time.Time
}

// New wires the standard phases.
func New(d Deps) *Pipeline {
	cfg := d.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}

	var limiter *rate.Limiter
	if cfg.Guard.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Guard.RatePerSec), max(cfg.Guard.Burst, 1))
	}
	tiers := classifier.TiersFromConfig(cfg.Guard)
	if tiers.Unanimous == 0 || tiers.Split == 0 || tiers.Fallback == 0 {
		tiers = classifier.DefaultTiers()
	}

	classify := NewClassifyPhase(ClassifyConfig{
		Cache:        d.Cache,
		Guard:        d.Guard,
		Voters:       d.Voters,
		Primary:      cfg.Guard.PrimaryVoter,
		Tiers:        tiers,
		Limiter:      limiter,
		Breakers:     d.Breakers,
		VoterTimeout: time.Duration(cfg.Guard.VoterTimeoutSecs) * time.Second,
		CacheTTL:     time.Duration(cfg.Guard.CacheTTLHours) * time.Hour,
		Metrics:      d.Metrics,
		Now:          now,
	})

	matcher := fuzzy.NewMatcher(fuzzy.Config{
		MinScore:       cfg.Matcher.MinScore,
		TopK:           cfg.Matcher.TopK,
		TokenThreshold: cfg.Matcher.TokenThreshold,
		EditWeight:     cfg.Matcher.EditWeight,
		OverlapWeight:  cfg.Matcher.OverlapWeight,
	})

	orch := NewOrchestrator(d.Metrics,
		NormalizePhase{},
		classify,
		SplitPhase{},
		NewExtractPhase(now),
		NewDisambiguatePhase(d.Candidates, matcher, cfg.Matcher.WindowDays, now),
		NewValidatePhase(cfg.Validation, now),
	)

	ttl := time.Duration(cfg.Clarify.TTLMinutes) * time.Minute
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Pipeline{orch: orch, cache: d.Cache, clarifyTTL: ttl, now: now}
}

// NewWithOrchestrator builds a Pipeline around custom phases.
func NewWithOrchestrator(orch *Orchestrator, store cache.Store, clarifyTTL time.Duration) *Pipeline {
	if clarifyTTL <= 0 {
		clarifyTTL = 10 * time.Minute
	}
	return &Pipeline{orch: orch, cache: store, clarifyTTL: clarifyTTL, now: time.Now}
}

// Run processes one message. The context is returned even when err is
// non-nil so callers can report what happened.
func (p *Pipeline) Run(ctx context.Context, in Input) (*model.Context, error) {
	orig := in.Original
	if orig.Text == "" {
		orig.Text = in.RawText
	}
	if orig.UserID == "" {
		orig.UserID = in.UserID
	}
	if orig.Timezone == "" {
		orig.Timezone = in.Timezone
	}
	if orig.ReceivedAt.IsZero() {
		orig.ReceivedAt = p.now()
	}

	pc := model.NewContext(orig)
	pc.RawText = in.RawText
	pc.ProcessedText = in.RawText
	pc.UserID = in.UserID
	pc.Timezone = in.Timezone

	if err := p.orch.Execute(ctx, pc); err != nil {
		return pc, err
	}
	if err := p.park(ctx, pc); err != nil {
		return pc, err
	}
	return pc, nil
}

// Pending clarification kinds, checked in this order.
const (
	pendingSelect  = "select"
	pendingIntent  = "intent"
	pendingConfirm = "confirm"
	pendingDetail  = "detail"
)

func pendingKind(pc *model.Context) string {
	switch {
	case len(pc.Metadata.Candidates) > 1 && pc.Entities.EventID == "":
		return pendingSelect
	case len(pc.Metadata.IntentChoices) > 1:
		return pendingIntent
	case pc.Entities.IsMultiEvent:
		return pendingConfirm
	}
	return pendingDetail
}

func clarifyKey(handle string) string { return "clarify:" + handle }

// park stores a context that needs an answer and records its handle.
func (p *Pipeline) park(ctx context.Context, pc *model.Context) error {
	if !pc.NeedsClarification() {
		pc.Metadata.ClarificationHandle = ""
		return nil
	}
	if p.cache == nil {
		return eris.New("pipeline: no store for pending clarifications")
	}
	handle := uuid.NewString()
	pc.Metadata.ClarificationHandle = handle
	if err := cache.SetJSON(ctx, p.cache, clarifyKey(handle), pc, p.clarifyTTL); err != nil {
		pc.Metadata.ClarificationHandle = ""
		return eris.Wrap(err, "pipeline: save clarification")
	}
	return nil
}

var yesWords = map[string]bool{"yes": true, "y": true, "ok": true, "sure": true, "כן": true, "בטח": true, "אוקיי": true}

// ResolveClarification applies a reply to a pending clarification and
// resumes the run after the phase that asked. A reply that selects nothing
// returns ErrUnresolved and keeps the question pending.
func (p *Pipeline) ResolveClarification(ctx context.Context, handle, reply string) (*model.Context, error) {
	if p.cache == nil {
		return nil, ErrClarificationExpired
	}
	key := clarifyKey(handle)
	var pc model.Context
	found, err := cache.GetJSON(ctx, p.cache, key, &pc)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load clarification")
	}
	if !found {
		return nil, ErrClarificationExpired
	}

	reply = strings.TrimSpace(reply)
	var after int
	switch pendingKind(&pc) {
	case pendingSelect:
		n, ok := choice(reply, len(pc.Metadata.Candidates))
		if !ok {
			return &pc, ErrUnresolved
		}
		chosen := pc.Metadata.Candidates[n-1]
		pc.Entities.EventID = chosen.ID
		pc.Metadata.Candidates = []model.EventMatch{chosen}
		after = PriorityDisambiguate

	case pendingIntent:
		n, ok := choice(reply, len(pc.Metadata.IntentChoices))
		if !ok {
			return &pc, ErrUnresolved
		}
		pc.Intent = pc.Metadata.IntentChoices[n-1]
		pc.Metadata.IntentChoices = nil
		pc.Entities = model.Entities{}
		after = PriorityClassify

	case pendingConfirm:
		if !yesWords[fuzzy.Fold(reply)] {
			return &pc, ErrUnresolved
		}
		after = PrioritySplit

	default:
		if reply == "" {
			return &pc, ErrUnresolved
		}
		pc.ProcessedText = strings.TrimSpace(pc.ProcessedText + " " + reply)
		eventID := pc.Entities.EventID
		pc.Entities = model.Entities{EventID: eventID}
		after = PrioritySplit
	}

	pc.ClearClarification()
	pc.Metadata.ClarificationHandle = ""
	if err := p.cache.Delete(ctx, key); err != nil {
		zap.L().Warn("pipeline: delete clarification", zap.String("handle", handle), zap.Error(err))
	}

	if err := p.orch.ExecuteAfter(ctx, &pc, after); err != nil {
		return &pc, err
	}
	if err := p.park(ctx, &pc); err != nil {
		return &pc, err
	}
	return &pc, nil
}

// choice parses a 1-based menu selection.
func choice(reply string, n int) (int, bool) {
	v, err := strconv.Atoi(strings.Trim(reply, ".) "))
	if err != nil || v < 1 || v > n {
		return 0, false
	}
	return v, true
}
