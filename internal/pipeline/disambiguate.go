package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"

	"github.com/yoman-app/yoman/internal/fuzzy"
	"github.com/yoman-app/yoman/internal/model"
)

// CandidateSource lists a user's upcoming records of one kind.
type CandidateSource interface {
	FindCandidates(ctx context.Context, userID string, kind model.RecordKind, from, to time.Time) ([]model.Record, error)
}

// DisambiguatePhase binds a free-text reference ("the dentist thing") to
// one stored record, or asks the user to pick.
type DisambiguatePhase struct {
	source  CandidateSource
	matcher *fuzzy.Matcher
	window  time.Duration
	now     func() time.Time
}

// NewDisambiguatePhase creates the phase. windowDays bounds how far ahead
// candidates are searched; zero means 60 days.
func NewDisambiguatePhase(source CandidateSource, matcher *fuzzy.Matcher, windowDays int, now func() time.Time) *DisambiguatePhase {
	if matcher == nil {
		matcher = fuzzy.NewMatcher(fuzzy.DefaultConfig())
	}
	if windowDays <= 0 {
		windowDays = 60
	}
	if now == nil {
		now = time.Now
	}
	return &DisambiguatePhase{
		source:  source,
		matcher: matcher,
		window:  time.Duration(windowDays) * 24 * time.Hour,
		now:     now,
	}
}

func (p *DisambiguatePhase) Name() string   { return PhaseDisambiguate }
func (p *DisambiguatePhase) Priority() int  { return PriorityDisambiguate }
func (p *DisambiguatePhase) Required() bool { return true }

func (p *DisambiguatePhase) ShouldRun(pc *model.Context) bool {
	return pc.Intent.TargetsExisting() && pc.Entities.EventID == ""
}

func (p *DisambiguatePhase) Execute(ctx context.Context, pc *model.Context) Result {
	if pc.NeedsClarification() {
		return Success("clarification pending")
	}

	ref := strings.TrimSpace(pc.Entities.Title)
	if ref == "" {
		ref = strings.TrimSpace(pc.ProcessedText)
	}
	if utf8.RuneCountInString(ref) < 2 {
		pc.AskClarification(whichRecordQuestion(pc.Intent.Kind()))
		return Success("no reference")
	}

	now := p.now()
	records, err := p.source.FindCandidates(ctx, pc.UserID, pc.Intent.Kind(), now, now.Add(p.window))
	if err != nil {
		return Failure(eris.Wrap(err, "disambiguate: find candidates"))
	}

	matches := p.matcher.Rank(ref, records)
	if exact := exactMatches(matches); len(exact) == 1 {
		matches = exact
	}
	switch len(matches) {
	case 0:
		pc.AskClarification(whichRecordQuestion(pc.Intent.Kind()))
		return Success("no match", fmt.Sprintf("nothing upcoming matches %q", ref))
	case 1:
		pc.Entities.EventID = matches[0].ID
		pc.Metadata.Candidates = matches
		return Success("bound " + matches[0].ID)
	}

	pc.Metadata.Candidates = matches
	pc.AskClarification(candidateQuestion(matches, pc.Location()))
	return Success(fmt.Sprintf("%d candidates", len(matches)))
}

// exactMatches returns the matches whose title contains the reference.
func exactMatches(matches []model.EventMatch) []model.EventMatch {
	var out []model.EventMatch
	for _, m := range matches {
		if m.Score >= 1 {
			out = append(out, m)
		}
	}
	return out
}

func whichRecordQuestion(kind model.RecordKind) string {
	if kind == model.KindReminder {
		return "לאיזו תזכורת התכוונת? Which reminder do you mean?"
	}
	return "לאיזה אירוע התכוונת? Which event do you mean?"
}

func candidateQuestion(matches []model.EventMatch, loc *time.Location) string {
	var b strings.Builder
	b.WriteString("מצאתי כמה התאמות, איזו מהן? I found several matches, which one?")
	for i, m := range matches {
		fmt.Fprintf(&b, "\n%d. %s (%s)", i+1, m.Title, m.Date.In(loc).Format("02/01 15:04"))
	}
	return b.String()
}
