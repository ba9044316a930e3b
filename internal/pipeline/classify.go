package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/yoman-app/yoman/internal/cache"
	"github.com/yoman-app/yoman/internal/classifier"
	"github.com/yoman-app/yoman/internal/fuzzy"
	"github.com/yoman-app/yoman/internal/metrics"
	"github.com/yoman-app/yoman/internal/model"
	"github.com/yoman-app/yoman/internal/quota"
	"github.com/yoman-app/yoman/internal/resilience"
)

// CacheKey returns the intent cache key for text as seen on now's day in
// loc. The same message on another local day or in another zone misses.
func CacheKey(text string, now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	sum := sha256.Sum256([]byte(fuzzy.Fold(text) + "|" + now.In(loc).Format("2006-01-02") + "|" + loc.String()))
	return "intent:" + hex.EncodeToString(sum[:])
}

// cachedIntent is the classification result kept in the cache.
type cachedIntent struct {
	Intent                model.Intent   `json:"intent"`
	Confidence            float64        `json:"confidence"`
	NeedsClarification    bool           `json:"needs_clarification"`
	ClarificationQuestion string         `json:"clarification_question,omitempty"`
	Choices               []model.Intent `json:"choices,omitempty"`
}

// ClassifyConfig wires the classification guard.
type ClassifyConfig struct {
	Cache    cache.Store
	Guard    *quota.Guard
	Voters   []classifier.Voter
	Primary  string
	Tiers    classifier.Tiers
	Limiter  *rate.Limiter
	Breakers *resilience.ServiceBreakers
	// VoterTimeout bounds each voter call. Zero means 10s.
	VoterTimeout time.Duration
	// CacheTTL is how long a classification is reused. Zero means 6h.
	CacheTTL time.Duration
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// ClassifyPhase decides the intent of a message: cache first, then the
// quota guard, then every voter in parallel.
type ClassifyPhase struct {
	cfg ClassifyConfig
}

// NewClassifyPhase creates the classify phase.
func NewClassifyPhase(cfg ClassifyConfig) *ClassifyPhase {
	if cfg.VoterTimeout <= 0 {
		cfg.VoterTimeout = 10 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 6 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Breakers == nil {
		cfg.Breakers = resilience.NewServiceBreakers(resilience.DefaultCircuitBreakerConfig())
	}
	if cfg.Tiers == (classifier.Tiers{}) {
		cfg.Tiers = classifier.DefaultTiers()
	}
	return &ClassifyPhase{cfg: cfg}
}

func (p *ClassifyPhase) Name() string                  { return PhaseClassify }
func (p *ClassifyPhase) Priority() int                 { return PriorityClassify }
func (p *ClassifyPhase) Required() bool                { return true }
func (p *ClassifyPhase) ShouldRun(*model.Context) bool { return true }

func (p *ClassifyPhase) Execute(ctx context.Context, pc *model.Context) Result {
	now := p.cfg.Now()
	loc := pc.Location()
	key := CacheKey(pc.ProcessedText, now, loc)
	log := zap.L().With(zap.String("user_id", pc.UserID))

	if p.cfg.Cache != nil {
		var hit cachedIntent
		found, err := cache.GetJSON(ctx, p.cfg.Cache, key, &hit)
		if err != nil {
			log.Warn("classify: cache read failed, continuing", zap.Error(err))
		}
		if found {
			pc.Intent = hit.Intent
			pc.SetConfidence(hit.Confidence)
			pc.Metadata.IntentChoices = hit.Choices
			if hit.NeedsClarification {
				pc.AskClarification(hit.ClarificationQuestion)
			}
			pc.Metadata.CacheHit = true
			p.cfg.Metrics.IncGuard(metrics.GuardCacheHit)
			return Success("cache hit")
		}
	}

	if p.cfg.Guard != nil {
		d := p.cfg.Guard.Admit(ctx, pc.UserID, now, loc)
		if !d.Allowed {
			p.cfg.Metrics.IncGuard(metrics.GuardRejected)
			log.Warn("classify: quota exceeded",
				zap.String("window", d.Exceeded.Window),
				zap.Int64("count", d.Exceeded.Count),
				zap.Int64("limit", d.Exceeded.Limit),
			)
			return Failure(&RateLimitError{Window: d.Exceeded.Window, Count: d.Exceeded.Count, Limit: d.Exceeded.Limit})
		}
		if d.FailOpen {
			p.cfg.Metrics.IncGuard(metrics.GuardFailOpen)
		} else {
			p.cfg.Metrics.IncGuard(metrics.GuardAllowed)
		}
	}

	if p.cfg.Limiter != nil {
		if err := p.cfg.Limiter.Wait(ctx); err != nil {
			return Failure(err)
		}
	}

	votes := p.collectVotes(ctx, pc.ProcessedText, classifier.DetectLocale(pc.ProcessedText))
	pc.Metadata.Votes = votes

	dec, ok := classifier.Aggregate(votes, p.cfg.Primary, p.cfg.Tiers)
	if !ok {
		return Failure(ErrClassifierUnavailable)
	}

	pc.Intent = dec.Intent
	pc.SetConfidence(dec.Confidence)
	if dec.Split {
		pc.Metadata.IntentChoices = append([]model.Intent{dec.Intent}, dec.Alternatives...)
		pc.AskClarification(intentQuestion(pc.Metadata.IntentChoices))
	}

	entry := cachedIntent{
		Intent:                pc.Intent,
		Confidence:            pc.Confidence(),
		NeedsClarification:    pc.NeedsClarification(),
		ClarificationQuestion: pc.ClarificationQuestion(),
		Choices:               pc.Metadata.IntentChoices,
	}
	if p.cfg.Cache != nil {
		if err := cache.SetJSON(ctx, p.cfg.Cache, key, entry, p.cfg.CacheTTL); err != nil {
			log.Warn("classify: cache write failed", zap.Error(err))
		}
	}

	return Success(fmt.Sprintf("%s (%d/%d votes)", dec.Intent, dec.ValidVotes, len(votes)))
}

// collectVotes runs every voter concurrently. The result keeps voter order;
// a voter that fails abstains.
func (p *ClassifyPhase) collectVotes(ctx context.Context, text, locale string) []model.Vote {
	votes := make([]model.Vote, len(p.cfg.Voters))
	g, gCtx := errgroup.WithContext(ctx)

	for i, v := range p.cfg.Voters {
		g.Go(func() error {
			vctx, cancel := context.WithTimeout(gCtx, p.cfg.VoterTimeout)
			defer cancel()

			name := v.Name()
			vote, err := resilience.ExecuteVal(vctx, p.cfg.Breakers.Get("voter:"+name), func(ctx context.Context) (model.Vote, error) {
				vote, err := v.Classify(ctx, text, locale)
				if err != nil && (errors.Is(err, classifier.ErrMalformedOutput) || errors.Is(err, classifier.ErrNoMatch)) {
					// The voter answered; its answer is just unusable.
					return model.Vote{Voter: name, Err: err.Error()}, nil
				}
				return vote, err
			})
			if err != nil {
				zap.L().Warn("classify: voter failed", zap.String("voter", name), zap.Error(err))
				vote = model.Vote{Voter: name, Err: err.Error()}
				p.cfg.Metrics.IncVote(name, metrics.VoteError)
			} else {
				vote.Voter = name
				p.cfg.Metrics.IncVote(name, voteOutcome(vote))
			}
			votes[i] = vote
			return nil
		})
	}
	_ = g.Wait()
	return votes
}

func voteOutcome(v model.Vote) string {
	switch {
	case v.Valid():
		return metrics.VoteOK
	case strings.Contains(v.Err, classifier.ErrMalformedOutput.Error()):
		return metrics.VoteMalformed
	}
	return metrics.VoteAbstain
}

func intentQuestion(choices []model.Intent) string {
	var b strings.Builder
	b.WriteString("לא הייתי בטוח למה התכוונת. Which did you mean?")
	for i, c := range choices {
		fmt.Fprintf(&b, "\n%d. %s", i+1, intentLabel(c))
	}
	return b.String()
}

var intentLabels = map[model.Intent]string{
	model.IntentCreateEvent:    "create an event",
	model.IntentCreateReminder: "set a reminder",
	model.IntentSearchEvent:    "search events",
	model.IntentListEvents:     "list events",
	model.IntentListReminders:  "list reminders",
	model.IntentDeleteEvent:    "delete an event",
	model.IntentDeleteReminder: "delete a reminder",
	model.IntentUpdateEvent:    "change an event",
	model.IntentUpdateReminder: "change a reminder",
	model.IntentAddComment:     "add a comment",
	model.IntentViewComments:   "view comments",
	model.IntentDeleteComment:  "delete a comment",
	model.IntentUpdateComment:  "edit a comment",
}

func intentLabel(in model.Intent) string {
	if l, ok := intentLabels[in]; ok {
		return l
	}
	return string(in)
}
