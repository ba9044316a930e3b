// Package classifier turns message text into intent votes and aggregates
// them into one decision.
package classifier

import (
	"context"
	"unicode"

	"github.com/rotisserie/eris"

	"github.com/yoman-app/yoman/internal/config"
	"github.com/yoman-app/yoman/internal/model"
	"github.com/yoman-app/yoman/pkg/anthropic"
)

var (
	// ErrMalformedOutput marks a voter answer that could not be used: bad
	// JSON, an unknown label or a confidence outside [0,1].
	ErrMalformedOutput = eris.New("classifier: malformed output")
	// ErrNoMatch is returned by the keyword voter when no phrase matched.
	ErrNoMatch = eris.New("classifier: no keyword match")
)

// Voter classifies one message. A returned error is an abstention.
type Voter interface {
	Name() string
	Classify(ctx context.Context, text, locale string) (model.Vote, error)
}

// Locales passed to voters.
const (
	LocaleHebrew  = "he"
	LocaleEnglish = "en"
)

// DetectLocale returns "he" when text contains Hebrew letters.
func DetectLocale(text string) string {
	for _, r := range text {
		if unicode.Is(unicode.Hebrew, r) {
			return LocaleHebrew
		}
	}
	return LocaleEnglish
}

// NewVoters builds the configured voters in order.
func NewVoters(cfg *config.Config, ai anthropic.Client) ([]Voter, error) {
	voters := make([]Voter, 0, len(cfg.Guard.Voters))
	for _, name := range cfg.Guard.Voters {
		switch name {
		case AnthropicVoterName:
			if ai == nil {
				return nil, eris.New("classifier: anthropic voter configured without a client")
			}
			voters = append(voters, NewAnthropicVoter(ai, cfg.Anthropic))
		case KeywordVoterName:
			kv, err := NewKeywordVoter()
			if err != nil {
				return nil, err
			}
			voters = append(voters, kv)
		default:
			return nil, eris.Errorf("classifier: unknown voter %q", name)
		}
	}
	if len(voters) == 0 {
		return nil, eris.New("classifier: no voters configured")
	}
	return voters, nil
}
