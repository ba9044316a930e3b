package pipeline

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/yoman-app/yoman/internal/model"
)

const (
	defaultHour    = 9
	eveningHour    = 20
	minutesPerDay  = 24 * 60
	minutesPerWeek = 7 * minutesPerDay
)

// ExtractPhase fills Entities from the message text with rules for Hebrew
// and English dates, times, lead times, recurrence and priority.
type ExtractPhase struct {
	now func() time.Time
}

// NewExtractPhase creates the extraction phase. now may be nil.
func NewExtractPhase(now func() time.Time) *ExtractPhase {
	if now == nil {
		now = time.Now
	}
	return &ExtractPhase{now: now}
}

func (p *ExtractPhase) Name() string   { return PhaseExtract }
func (p *ExtractPhase) Priority() int  { return PriorityExtract }
func (p *ExtractPhase) Required() bool { return false }

func (p *ExtractPhase) ShouldRun(pc *model.Context) bool {
	if pc.NeedsClarification() {
		return false
	}
	return pc.Intent.IsCreation() || pc.Intent.TargetsExisting() || pc.Intent.IsListing()
}

func (p *ExtractPhase) Execute(_ context.Context, pc *model.Context) Result {
	e := Extract(pc.ProcessedText, pc.Intent, p.now().In(pc.Location()))

	// Fields set by earlier phases or a clarification survive extraction.
	e.EventID = pc.Entities.EventID
	e.IsMultiEvent = pc.Entities.IsMultiEvent
	e.SplitEvents = pc.Entities.SplitEvents
	pc.Entities = e

	var warnings []string
	if e.Time != "" && e.Date == nil && !pc.Intent.TargetsExisting() {
		warnings = append(warnings, "time "+e.Time+" could not be placed on a date")
	}
	return Success(e.Title, warnings...)
}

// Extract parses text relative to now, whose location is the user's zone.
// For intents that change an existing record a lone time leaves Date nil
// so the record's own day can be kept.
func Extract(text string, intent model.Intent, now time.Time) model.Entities {
	toks := tokenizeSpans(text)
	used := make([]bool, len(toks))
	mark := func(first, last int) {
		for i := first; i <= last && i < len(used); i++ {
			if i >= 0 {
				used[i] = true
			}
		}
	}

	var e model.Entities

	var start, end *timeRef
	times := findTimes(toks)
	for i := range times {
		t := &times[i]
		mark(t.first, t.last)
		switch {
		case t.end && end == nil:
			end = t
		case !t.end && start == nil:
			start = t
		}
	}

	refs := findDateRefs(toks)
	for _, r := range refs {
		mark(r.first, r.last)
	}

	if lead, first, last, ok := findLeadTime(toks); ok {
		e.LeadTimeMinutes = &lead
		mark(first, last)
	}
	if rec, first, last, ok := findRecurrence(toks); ok {
		e.Recurrence = rec
		mark(first, last)
	}
	if prio, first, last, ok := findPriority(toks); ok {
		e.Priority = prio
		mark(first, last)
	}

	loc := now.Location()
	hour, minute := defaultHour, 0
	if len(refs) > 0 && refs[0].evening {
		hour = eveningHour
	}
	if start != nil {
		e.Time = start.text
		if start.valid {
			hour, minute = start.hour, start.minute
		}
	}

	switch {
	case len(refs) > 0:
		y, m, d := refs[0].resolve(now)
		t := time.Date(y, m, d, hour, minute, 0, 0, loc)
		e.Date = &t
	case start != nil && start.valid && !intent.TargetsExisting():
		t := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, loc)
		if t.Before(now) {
			t = t.AddDate(0, 0, 1)
		}
		e.Date = &t
	}

	if e.Date != nil {
		switch {
		case end != nil && end.valid:
			t := time.Date(e.Date.Year(), e.Date.Month(), e.Date.Day(), end.hour, end.minute, 0, 0, loc)
			e.EndDate = &t
		case len(refs) > 1 && refs[1].first > 0 && endLeadIns[toks[refs[1].first-1].norm]:
			mark(refs[1].first-1, refs[1].first-1)
			y, m, d := refs[1].resolve(now)
			t := time.Date(y, m, d, e.Date.Hour(), e.Date.Minute(), 0, 0, loc)
			if refs[1].kind == refWeekday && t.Before(*e.Date) {
				t = t.AddDate(0, 0, 7)
			}
			e.EndDate = &t
		}
	}

	e.Title = buildTitle(toks, used)
	return e
}

var leadAnchors = map[string]bool{
	"before": true, "earlier": true, "ahead": true, "advance": true,
	"לפני": true, "מראש": true,
}

var leadUnits = map[string]float64{
	"minute": 1, "minutes": 1, "min": 1, "mins": 1,
	"hour": 60, "hours": 60, "hr": 60, "hrs": 60,
	"day": minutesPerDay, "days": minutesPerDay,
	"week": minutesPerWeek, "weeks": minutesPerWeek,
	"דקה": 1, "דקות": 1, "דק": 1, "דק'": 1,
	"שעה": 60, "שעות": 60,
	"יום": minutesPerDay, "ימים": minutesPerDay,
	"שבוע": minutesPerWeek, "שבועות": minutesPerWeek,
}

// Units with the count built in.
var leadDuals = map[string]int{
	"שעתיים":  120,
	"יומיים":  2 * minutesPerDay,
	"שבועיים": 2 * minutesPerWeek,
}

var countWords = map[string]float64{
	"a": 1, "an": 1, "one": 1, "two": 2, "three": 3,
	"half": 0.5, "quarter": 0.25,
	"אחת": 1, "אחד": 1, "שתי": 2, "שלוש": 3,
	"חצי": 0.5, "רבע": 0.25,
}

// findLeadTime looks for "<count> <unit> before" style phrases and returns
// the lead in minutes with the token span it covers.
func findLeadTime(toks []token) (int, int, int, bool) {
	for a := range toks {
		if !leadAnchors[toks[a].norm] {
			continue
		}
		last := a
		if toks[a].norm == "advance" {
			if a == 0 || toks[a-1].norm != "in" {
				continue
			}
			a--
		}
		u := a - 1
		if u < 0 {
			continue
		}
		if n, ok := leadDuals[toks[u].norm]; ok {
			return n, u, last, true
		}
		unit, ok := leadUnits[toks[u].norm]
		if !ok {
			continue
		}
		first := u
		count := 1.0
		c := u - 1
		if c >= 0 && (toks[c].norm == "an" || toks[c].norm == "a") && c > 0 && toks[c-1].norm == "half" {
			// "half an hour"
			count, first = 0.5, c-1
		} else if c >= 0 {
			if n, err := strconv.ParseFloat(toks[c].norm, 64); err == nil && n >= 0 {
				count, first = n, c
			} else if n, ok := countWords[toks[c].norm]; ok {
				count, first = n, c
			}
		}
		return int(count * unit), first, last, true
	}
	return 0, 0, 0, false
}

var recurrenceUnits = map[string]string{
	"day": "daily", "days": "daily",
	"week": "weekly", "weeks": "weekly",
	"month": "monthly", "months": "monthly",
	"year": "yearly", "years": "yearly",
	"יום": "daily", "ימים": "daily",
	"שבוע": "weekly", "שבועות": "weekly",
	"חודש": "monthly", "חודשים": "monthly",
	"שנה": "yearly", "שנים": "yearly",
}

var recurrenceDuals = map[string]string{
	"יומיים":  "daily",
	"שבועיים": "weekly",
	"חודשיים": "monthly",
	"שנתיים":  "yearly",
}

var recurrenceAdverbs = map[string]string{
	"daily": "daily", "weekly": "weekly", "monthly": "monthly",
	"yearly": "yearly", "annually": "yearly",
	"יומי": "daily", "שבועי": "weekly", "חודשי": "monthly", "שנתי": "yearly",
}

// findRecurrence recognises "every [N|other] <unit>", "every <weekday>",
// "כל <unit>", "כל יום <weekday>", "מדי <unit>" and single adverbs.
func findRecurrence(toks []token) (*model.Recurrence, int, int, bool) {
	for i := range toks {
		w := toks[i].norm
		if p, ok := recurrenceAdverbs[w]; ok {
			return &model.Recurrence{Pattern: p, Interval: 1}, i, i, true
		}
		if w != "every" && w != "כל" && w != "מדי" {
			continue
		}
		j := i + 1
		if j >= len(toks) {
			break
		}
		interval := 1
		if toks[j].norm == "other" {
			interval = 2
			j++
		} else if n, err := strconv.Atoi(toks[j].norm); err == nil && n > 0 {
			interval = n
			j++
		}
		if j >= len(toks) {
			break
		}
		n := toks[j].norm
		if p, ok := recurrenceDuals[n]; ok {
			return &model.Recurrence{Pattern: p, Interval: 2}, i, j, true
		}
		if _, ok := englishWeekdays[n]; ok {
			// The weekday itself stays a date reference.
			return &model.Recurrence{Pattern: "weekly", Interval: interval}, i, i, true
		}
		if n == "שבת" {
			return &model.Recurrence{Pattern: "weekly", Interval: interval}, i, i, true
		}
		if p, ok := recurrenceUnits[n]; ok {
			if p == "daily" && j+1 < len(toks) {
				if _, wd := hebrewWeekdays[toks[j+1].norm]; wd {
					return &model.Recurrence{Pattern: "weekly", Interval: interval}, i, i, true
				}
			}
			return &model.Recurrence{Pattern: p, Interval: interval}, i, j, true
		}
	}
	return nil, 0, 0, false
}

var (
	lowPriority = [][]string{
		{"low", "priority"}, {"not", "urgent"}, {"no", "rush"},
		{"לא", "דחוף"}, {"עדיפות", "נמוכה"},
	}
	highPriority = [][]string{
		{"high", "priority"}, {"urgent"}, {"important"}, {"asap"},
		{"עדיפות", "גבוהה"}, {"דחוף"}, {"חשוב"},
	}
)

// findPriority checks low phrases before high ones so "not urgent" is
// never read as urgent.
func findPriority(toks []token) (model.Priority, int, int, bool) {
	for _, set := range []struct {
		prio    model.Priority
		phrases [][]string
	}{{model.PriorityLow, lowPriority}, {model.PriorityHigh, highPriority}} {
		for _, ph := range set.phrases {
			if i := indexTokens(toks, ph); i >= 0 {
				return set.prio, i, i + len(ph) - 1, true
			}
		}
	}
	return "", 0, 0, false
}

func indexTokens(toks []token, phrase []string) int {
	for i := 0; i+len(phrase) <= len(toks); i++ {
		match := true
		for j, w := range phrase {
			if toks[i+j].norm != w {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

var leadingWords = map[string]bool{
	"please": true, "pls": true, "remind": true, "me": true, "to": true,
	"add": true, "create": true, "schedule": true, "set": true, "make": true,
	"put": true, "book": true, "a": true, "an": true, "the": true, "new": true,
	"event": true, "reminder": true, "for": true, "about": true, "my": true,
	"delete": true, "remove": true, "cancel": true, "update": true,
	"change": true, "move": true, "reschedule": true, "of": true, "that": true,
	"it": true, "this": true,
	"בבקשה": true, "תזכיר": true, "תזכירי": true, "הזכר": true, "הזכירי": true,
	"לי": true, "תזכורת": true, "קבע": true, "קבעי": true, "תקבע": true,
	"תקבעי": true, "צור": true, "תיצור": true, "הוסף": true, "הוסיפי": true,
	"תוסיף": true, "תוסיפי": true, "אירוע": true, "מחק": true, "תמחק": true,
	"תמחקי": true, "בטל": true, "תבטל": true, "תבטלי": true, "שנה": true,
	"תשנה": true, "הזז": true, "תזיז": true, "תזיזי": true, "את": true,
	"על": true, "חדש": true,
}

var trailingWords = map[string]bool{
	"on": true, "at": true, "by": true, "for": true, "to": true, "in": true,
	"from": true, "and": true, "until": true, "till": true, "with": true,
	"ב": true, "ל": true, "של": true, "עם": true, "עד": true, "ו": true, "מ": true,
}

func buildTitle(toks []token, used []bool) string {
	var words []string
	for i, t := range toks {
		if !used[i] {
			words = append(words, t.raw)
		}
	}
	for len(words) > 0 && leadingWords[strings.ToLower(words[0])] {
		words = words[1:]
	}
	for len(words) > 0 && trailingWords[strings.ToLower(words[len(words)-1])] {
		words = words[:len(words)-1]
	}
	return strings.Join(words, " ")
}
