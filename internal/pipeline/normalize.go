package pipeline

import (
	"context"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/yoman-app/yoman/internal/model"
)

// Voice transcription fillers dropped as whole words.
var fillerWords = map[string]bool{
	"um": true, "umm": true, "uh": true, "uhh": true, "erm": true, "hmm": true,
	"אממ": true, "אמממ": true, "אההה": true, "אהה": true, "ממ": true,
}

// NormalizePhase cleans up raw text: NFC, invisible formatting marks,
// bracketed transcription markers such as "[inaudible]", filler words and
// repeated whitespace.
type NormalizePhase struct{}

func (NormalizePhase) Name() string                  { return PhaseNormalize }
func (NormalizePhase) Priority() int                 { return PriorityNormalize }
func (NormalizePhase) Required() bool                { return false }
func (NormalizePhase) ShouldRun(*model.Context) bool { return true }

func (NormalizePhase) Execute(_ context.Context, pc *model.Context) Result {
	out := Normalize(pc.RawText)
	if out == "" {
		return Success("empty after normalization")
	}
	pc.ProcessedText = out
	return Success("")
}

// Normalize returns the cleaned form of s.
func Normalize(s string) string {
	s = norm.NFC.String(s)
	s = stripBracketed(s)
	s = strings.Map(func(r rune) rune {
		if unicode.Is(unicode.Cf, r) {
			return -1
		}
		return r
	}, s)

	words := strings.Fields(s)
	out := words[:0]
	for _, w := range words {
		core := strings.Trim(strings.ToLower(w), ".,!?…")
		if fillerWords[core] {
			continue
		}
		out = append(out, w)
	}
	return strings.Join(out, " ")
}

func stripBracketed(s string) string {
	var b strings.Builder
	depth := 0
	for _, r := range s {
		switch {
		case r == '[':
			depth++
		case r == ']' && depth > 0:
			depth--
			b.WriteByte(' ')
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}
