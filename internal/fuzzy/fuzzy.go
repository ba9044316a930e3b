// Package fuzzy scores free-text references against record titles.
package fuzzy

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agext/levenshtein"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/yoman-app/yoman/internal/model"
)

// Config tunes reference scoring. Zero fields take the defaults.
type Config struct {
	MinScore       float64
	TopK           int
	TokenThreshold float64
	EditWeight     float64
	OverlapWeight  float64
}

// DefaultConfig returns the provisional matcher tuning.
func DefaultConfig() Config {
	return Config{
		MinScore:       0.5,
		TopK:           5,
		TokenThreshold: 0.7,
		EditWeight:     0.7,
		OverlapWeight:  0.8,
	}
}

// Matcher ranks records against a reference. Safe for concurrent use.
type Matcher struct {
	cfg Config
}

// NewMatcher creates a Matcher, filling unset fields from DefaultConfig.
func NewMatcher(cfg Config) *Matcher {
	def := DefaultConfig()
	if cfg.MinScore <= 0 {
		cfg.MinScore = def.MinScore
	}
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.TokenThreshold <= 0 {
		cfg.TokenThreshold = def.TokenThreshold
	}
	if cfg.EditWeight <= 0 {
		cfg.EditWeight = def.EditWeight
	}
	if cfg.OverlapWeight <= 0 {
		cfg.OverlapWeight = def.OverlapWeight
	}
	return &Matcher{cfg: cfg}
}

// Fold normalizes s for comparison: NFC, Unicode case folding, trimmed.
// A new Caser is used per call because Casers are not goroutine safe.
func Fold(s string) string {
	return strings.TrimSpace(cases.Fold().String(norm.NFC.String(s)))
}

// Similarity returns 1 - levenshtein(a,b)/max(runeLen) on folded input.
func Similarity(a, b string) float64 {
	return similarityFolded(Fold(a), Fold(b))
}

func similarityFolded(a, b string) float64 {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := max(la, lb)
	if longest == 0 {
		return 1
	}
	d := levenshtein.Distance(a, b, nil)
	return 1 - float64(d)/float64(longest)
}

// Tokens splits folded text into words, dropping stopwords.
func Tokens(s string) []string {
	words := strings.FieldsFunc(Fold(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := words[:0]
	for _, w := range words {
		if !isStopword(w) {
			out = append(out, w)
		}
	}
	return out
}

// KeywordOverlap returns the fraction of reference tokens that have a
// title token at least threshold similar.
func KeywordOverlap(reference, title string, threshold float64) float64 {
	refTokens := Tokens(reference)
	if len(refTokens) == 0 {
		return 0
	}
	titleTokens := Tokens(title)
	if len(titleTokens) == 0 {
		return 0
	}

	hits := 0
	for _, rt := range refTokens {
		for _, tt := range titleTokens {
			if similarityFolded(rt, tt) >= threshold {
				hits++
				break
			}
		}
	}
	return float64(hits) / float64(len(refTokens))
}

// Score rates how well reference names title, in [0,1]. Only a title that
// contains the whole folded reference scores 1.
func (m *Matcher) Score(reference, title string) float64 {
	ref, t := Fold(reference), Fold(title)
	if ref == "" || t == "" {
		return 0
	}
	if strings.Contains(t, ref) {
		return 1
	}

	edit := similarityFolded(ref, t) * m.cfg.EditWeight
	overlap := KeywordOverlap(ref, t, m.cfg.TokenThreshold) * m.cfg.OverlapWeight
	return max(edit, overlap)
}

// Rank scores every record, drops those under MinScore and returns at most
// TopK matches, best first. Equal scores keep input order.
func (m *Matcher) Rank(reference string, records []model.Record) []model.EventMatch {
	matches := make([]model.EventMatch, 0, len(records))
	for _, r := range records {
		s := m.Score(reference, r.Title)
		if s < m.cfg.MinScore {
			continue
		}
		matches = append(matches, model.EventMatch{
			ID:    r.ID,
			Title: r.Title,
			Date:  r.StartsAt,
			Score: s,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})

	if len(matches) > m.cfg.TopK {
		matches = matches[:m.cfg.TopK]
	}
	return matches
}
