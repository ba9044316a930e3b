package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/yoman-app/yoman/internal/model"
)

var (
	splitMarker = regexp.MustCompile(`(?i)(?:^|[\s,])(and also|in addition|as well as|וגם|בנוסף|כמו כן)(?:[\s,]|$)`)

	durationRanges = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:^|\s)from\s.+\s(?:to|until|till)(?:\s|$)`),
		regexp.MustCompile(`(?i)(?:^|\s)between\s.+\sand(?:\s|$)`),
		regexp.MustCompile(`(?:^|\s)מ(?:-|ה|יום|שעה|\d)\S*.*\sעד(?:\s|$)`),
		regexp.MustCompile(`(?:^|\s)בין\s.+\sל\S+`),
	}
)

// SplitPhase detects one message asking for several records, for example
// "dentist on Monday and also gym on Thursday". Only the marker forms
// listed in splitMarker are recognised.
type SplitPhase struct{}

func (SplitPhase) Name() string   { return PhaseSplit }
func (SplitPhase) Priority() int  { return PrioritySplit }
func (SplitPhase) Required() bool { return false }

func (SplitPhase) ShouldRun(pc *model.Context) bool {
	return pc.Intent.IsCreation() && !pc.NeedsClarification()
}

func (SplitPhase) Execute(_ context.Context, pc *model.Context) Result {
	fragments, ok := SplitEvents(pc.ProcessedText)
	if !ok {
		return Success("single")
	}
	pc.Entities.IsMultiEvent = true
	pc.Entities.SplitEvents = fragments
	pc.AskClarification(splitQuestion(fragments))
	return Success(fmt.Sprintf("%d events", len(fragments)))
}

// SplitEvents returns the fragments of text when it describes more than
// one dated record. A duration range ("from 9 to 11") is one record.
func SplitEvents(text string) ([]string, bool) {
	marks := splitMarker.FindAllStringSubmatchIndex(text, -1)
	if len(marks) == 0 {
		return nil, false
	}
	for _, re := range durationRanges {
		if re.MatchString(text) {
			return nil, false
		}
	}
	if len(findDateRefs(tokenizeSpans(text))) < 2 {
		return nil, false
	}

	var fragments []string
	prev := 0
	for _, m := range marks {
		fragments = appendFragment(fragments, text[prev:m[2]])
		prev = m[3]
	}
	fragments = appendFragment(fragments, text[prev:])
	if len(fragments) < 2 {
		return nil, false
	}
	return fragments, true
}

func appendFragment(out []string, s string) []string {
	s = strings.Trim(strings.TrimSpace(s), ",.;")
	s = strings.TrimSpace(s)
	if s == "" {
		return out
	}
	return append(out, s)
}

func splitQuestion(fragments []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "זיהיתי %d פריטים נפרדים / I found %d separate items:", len(fragments), len(fragments))
	for i, f := range fragments {
		fmt.Fprintf(&b, "\n%d. %s", i+1, f)
	}
	b.WriteString("\nלאשר? Reply yes (כן) to create them all.")
	return b.String()
}
