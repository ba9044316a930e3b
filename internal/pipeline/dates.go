package pipeline

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/yoman-app/yoman/internal/fuzzy"
)

// token is one whitespace-separated word with surrounding punctuation
// removed. start and end are byte offsets of the core in the source text.
type token struct {
	raw        string
	norm       string
	start, end int
}

const edgePunct = ",.!?;:()[]{}\"“”«»…"

func tokenizeSpans(text string) []token {
	var out []token
	i := 0
	for i < len(text) {
		r, size := utf8.DecodeRuneInString(text[i:])
		if unicode.IsSpace(r) {
			i += size
			continue
		}
		j := i
		for j < len(text) {
			r, size := utf8.DecodeRuneInString(text[j:])
			if unicode.IsSpace(r) {
				break
			}
			j += size
		}
		word := text[i:j]
		core := strings.TrimLeft(word, edgePunct)
		start := i + len(word) - len(core)
		core = strings.TrimRight(core, edgePunct)
		if core != "" {
			out = append(out, token{raw: core, norm: fuzzy.Fold(core), start: start, end: start + len(core)})
		}
		i = j
	}
	return out
}

// stripHebrewPrefix tries w and then w without up to two leading letters
// from prefixes, returning the first form accepted by ok.
func stripHebrewPrefix(w, prefixes string, ok func(string) bool) (string, bool) {
	for range 3 {
		if ok(w) {
			return w, true
		}
		r, size := utf8.DecodeRuneInString(w)
		if size == 0 || !strings.ContainsRune(prefixes, r) || len(w) == size {
			return "", false
		}
		w = w[size:]
	}
	return "", false
}

type refKind int

const (
	refRelative refKind = iota
	refWeekday
	refNumeric
)

// dateRef is one date reference found in text. first and last are the
// token indexes it covers.
type dateRef struct {
	kind    refKind
	days    int
	weekday time.Weekday
	day     int
	month   time.Month
	year    int
	evening bool

	first, last int
}

var relativeDays = map[string]struct {
	days    int
	evening bool
}{
	"today":    {0, false},
	"tonight":  {0, true},
	"tomorrow": {1, false},
	"היום":     {0, false},
	"הערב":     {0, true},
	"הלילה":    {0, true},
	"מחר":      {1, false},
	"מחרתיים":  {2, false},
}

var englishWeekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

var hebrewWeekdays = map[string]time.Weekday{
	"ראשון": time.Sunday,
	"שני":   time.Monday,
	"שלישי": time.Tuesday,
	"רביעי": time.Wednesday,
	"חמישי": time.Thursday,
	"שישי":  time.Friday,
	"שבת":   time.Saturday,
}

var numericDate = regexp.MustCompile(`^[בל]?-?(\d{1,2})[/.](\d{1,2})(?:[/.](\d{4}|\d{2}))?$`)

func isWord(set map[string]bool) func(string) bool {
	return func(s string) bool { return set[s] }
}

var weekdayLeadIns = map[string]bool{"on": true, "next": true, "this": true, "by": true}

// findDateRefs returns every date reference in order. Each occurrence
// counts, repeated words included.
func findDateRefs(toks []token) []dateRef {
	var refs []dateRef
	for i := 0; i < len(toks); i++ {
		w := toks[i].norm

		if w == "day" && i+2 < len(toks) && toks[i+1].norm == "after" && toks[i+2].norm == "tomorrow" {
			first := i
			if i > 0 && toks[i-1].norm == "the" {
				first = i - 1
			}
			refs = append(refs, dateRef{kind: refRelative, days: 2, first: first, last: i + 2})
			i += 2
			continue
		}

		if base, ok := stripHebrewPrefix(w, "וב", func(s string) bool { _, ok := relativeDays[s]; return ok }); ok {
			rd := relativeDays[base]
			refs = append(refs, dateRef{kind: refRelative, days: rd.days, evening: rd.evening, first: i, last: i})
			continue
		}

		if wd, ok := englishWeekdays[w]; ok {
			first := i
			if i > 0 && weekdayLeadIns[toks[i-1].norm] {
				first = i - 1
			}
			refs = append(refs, dateRef{kind: refWeekday, weekday: wd, first: first, last: i})
			continue
		}

		if _, ok := stripHebrewPrefix(w, "ובלמ", isWord(map[string]bool{"יום": true})); ok && i+1 < len(toks) {
			if wd, ok := hebrewWeekdays[toks[i+1].norm]; ok {
				refs = append(refs, dateRef{kind: refWeekday, weekday: wd, first: i, last: i + 1})
				i++
				continue
			}
		}

		if _, ok := stripHebrewPrefix(w, "ובהל", isWord(map[string]bool{"שבת": true})); ok {
			refs = append(refs, dateRef{kind: refWeekday, weekday: time.Saturday, first: i, last: i})
			continue
		}

		if m := numericDate.FindStringSubmatch(w); m != nil {
			day, _ := strconv.Atoi(m[1])
			month, _ := strconv.Atoi(m[2])
			if day < 1 || day > 31 || month < 1 || month > 12 {
				continue
			}
			ref := dateRef{kind: refNumeric, day: day, month: time.Month(month), first: i, last: i}
			if m[3] != "" {
				ref.year, _ = strconv.Atoi(m[3])
				if ref.year < 100 {
					ref.year += 2000
				}
			}
			refs = append(refs, ref)
		}
	}
	return refs
}

// resolve returns the calendar day ref points to, seen from now.
func (ref dateRef) resolve(now time.Time) (int, time.Month, int) {
	switch ref.kind {
	case refRelative:
		d := now.AddDate(0, 0, ref.days)
		return d.Year(), d.Month(), d.Day()
	case refWeekday:
		delta := (int(ref.weekday) - int(now.Weekday()) + 7) % 7
		if delta == 0 {
			delta = 7
		}
		d := now.AddDate(0, 0, delta)
		return d.Year(), d.Month(), d.Day()
	}
	year := ref.year
	if year == 0 {
		year = now.Year()
		today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		if time.Date(year, ref.month, ref.day, 0, 0, 0, 0, now.Location()).Before(today) {
			year++
		}
	}
	return year, ref.month, ref.day
}

// timeRef is one clock time. text is the HH:MM form as written, which may
// be out of range; valid reports whether hour and minute are usable.
type timeRef struct {
	hour, minute int
	text         string
	valid        bool
	end          bool

	first, last int
}

var (
	clockTime    = regexp.MustCompile(`^[בל]?-?(\d{1,2}):(\d{2})(am|pm|a\.m|p\.m)?$`)
	clockRange   = regexp.MustCompile(`^(\d{1,2}):(\d{2})[-–](\d{1,2}):(\d{2})$`)
	meridiemTime = regexp.MustCompile(`^(\d{1,2})(am|pm|a\.m|p\.m)$`)
	bareHour     = regexp.MustCompile(`^[בל]?-?(\d{1,2})$`)
)

var timeLeadIns = map[string]bool{"at": true, "around": true, "by": true, "בשעה": true, "בסביבות": true, "לשעה": true}

var endLeadIns = map[string]bool{"until": true, "till": true, "עד": true}

func meridiem(s string) string {
	switch s {
	case "am", "a.m", "a.m.":
		return "am"
	case "pm", "p.m", "p.m.":
		return "pm"
	}
	return ""
}

func applyMeridiem(hour int, m string) int {
	switch {
	case m == "am" && hour == 12:
		return 0
	case m == "pm" && hour < 12:
		return hour + 12
	}
	return hour
}

func newTimeRef(hour, minute int, first, last int) timeRef {
	t := timeRef{hour: hour, minute: minute, first: first, last: last}
	t.text = fmt.Sprintf("%02d:%02d", hour, minute)
	t.valid = hour >= 0 && hour <= 23 && minute >= 0 && minute <= 59
	return t
}

// findTimes returns clock times in order. A bare hour from 1 to 7 without
// am/pm is read as afternoon.
func findTimes(toks []token) []timeRef {
	var out []timeRef
	for i := 0; i < len(toks); i++ {
		w := toks[i].norm
		nextMeridiem := ""
		if i+1 < len(toks) {
			nextMeridiem = meridiem(toks[i+1].norm)
		}

		var t timeRef
		found := false
		switch {
		case clockRange.MatchString(w):
			m := clockRange.FindStringSubmatch(w)
			h1, _ := strconv.Atoi(m[1])
			m1, _ := strconv.Atoi(m[2])
			h2, _ := strconv.Atoi(m[3])
			m2, _ := strconv.Atoi(m[4])
			out = append(out, newTimeRef(h1, m1, i, i))
			end := newTimeRef(h2, m2, i, i)
			end.end = true
			out = append(out, end)
			continue
		case clockTime.MatchString(w):
			m := clockTime.FindStringSubmatch(w)
			h, _ := strconv.Atoi(m[1])
			mm, _ := strconv.Atoi(m[2])
			last := i
			mer := meridiem(m[3])
			if mer == "" && nextMeridiem != "" {
				mer = nextMeridiem
				last = i + 1
			}
			t = newTimeRef(applyMeridiem(h, mer), mm, i, last)
			found = true
		case meridiemTime.MatchString(w):
			m := meridiemTime.FindStringSubmatch(w)
			h, _ := strconv.Atoi(m[1])
			t = newTimeRef(applyMeridiem(h, meridiem(m[2])), 0, i, i)
			found = true
		case bareHour.MatchString(w) && nextMeridiem != "":
			m := bareHour.FindStringSubmatch(w)
			h, _ := strconv.Atoi(m[1])
			t = newTimeRef(applyMeridiem(h, nextMeridiem), 0, i, i+1)
			found = true
		case bareHour.MatchString(w) && i > 0 && (timeLeadIns[toks[i-1].norm] || endLeadIns[toks[i-1].norm] || toks[i-1].norm == "השעה"):
			m := bareHour.FindStringSubmatch(w)
			h, _ := strconv.Atoi(m[1])
			if h >= 1 && h <= 7 {
				h += 12
			}
			t = newTimeRef(h, 0, i, i)
			found = true
		}
		if !found {
			continue
		}

		j := t.first - 1
		if j >= 0 && toks[j].norm == "השעה" {
			j--
		}
		if j >= 0 && endLeadIns[toks[j].norm] {
			t.end = true
			t.first = j
		} else if j >= 0 && timeLeadIns[toks[j].norm] {
			t.first = j
		}
		out = append(out, t)
		i = t.last
	}
	return out
}
