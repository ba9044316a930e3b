package classifier

import (
	"context"
	_ "embed"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/yoman-app/yoman/internal/fuzzy"
	"github.com/yoman-app/yoman/internal/model"
)

// KeywordVoterName is the voter name used in config and metrics.
const KeywordVoterName = "keyword"

//go:embed lexicon.yaml
var defaultLexicon []byte

const hebrewPrefixes = "והבלשמכ"

// Lexicon is the phrase table the keyword voter matches against.
type Lexicon struct {
	Actions []PhraseGroup `yaml:"actions"`
	Objects []PhraseGroup `yaml:"objects"`
}

// PhraseGroup is a named list of phrases.
type PhraseGroup struct {
	Action  string   `yaml:"action"`
	Object  string   `yaml:"object"`
	Phrases []string `yaml:"phrases"`
}

var knownActions = map[string]bool{"create": true, "update": true, "delete": true, "list": true, "search": true}

var knownObjects = map[string]bool{"event": true, "reminder": true, "comment": true}

// ParseLexicon decodes and checks a YAML lexicon.
func ParseLexicon(data []byte) (*Lexicon, error) {
	var lex Lexicon
	if err := yaml.Unmarshal(data, &lex); err != nil {
		return nil, eris.Wrap(err, "classifier: parse lexicon")
	}
	if len(lex.Actions) == 0 {
		return nil, eris.New("classifier: lexicon has no actions")
	}
	for _, g := range lex.Actions {
		if !knownActions[g.Action] {
			return nil, eris.Errorf("classifier: unknown lexicon action %q", g.Action)
		}
	}
	for _, g := range lex.Objects {
		if !knownObjects[g.Object] {
			return nil, eris.Errorf("classifier: unknown lexicon object %q", g.Object)
		}
	}
	return &lex, nil
}

type compiledGroup struct {
	name    string
	phrases [][]string
}

// KeywordVoter classifies by phrase lookup. It is cheap and deterministic
// and is meant as a second opinion next to a model voter.
type KeywordVoter struct {
	actions []compiledGroup
	objects []compiledGroup
}

// NewKeywordVoter creates a voter from the embedded lexicon.
func NewKeywordVoter() (*KeywordVoter, error) {
	lex, err := ParseLexicon(defaultLexicon)
	if err != nil {
		return nil, err
	}
	return NewKeywordVoterFromLexicon(lex), nil
}

// NewKeywordVoterFromLexicon creates a voter from lex.
func NewKeywordVoterFromLexicon(lex *Lexicon) *KeywordVoter {
	kv := &KeywordVoter{}
	for _, g := range lex.Actions {
		kv.actions = append(kv.actions, compile(g.Action, g.Phrases))
	}
	for _, g := range lex.Objects {
		kv.objects = append(kv.objects, compile(g.Object, g.Phrases))
	}
	return kv
}

func compile(name string, phrases []string) compiledGroup {
	cg := compiledGroup{name: name}
	for _, p := range phrases {
		if toks := tokenize(p); len(toks) > 0 {
			cg.phrases = append(cg.phrases, toks)
		}
	}
	return cg
}

func (kv *KeywordVoter) Name() string { return KeywordVoterName }

func (kv *KeywordVoter) Classify(_ context.Context, text, _ string) (model.Vote, error) {
	toks := tokenize(text)

	action, hits := "", 0
	bestPos := len(toks)
	for _, g := range kv.actions {
		pos, n := g.find(toks)
		if n > 0 && pos < bestPos {
			action, hits, bestPos = g.name, n, pos
		}
	}
	if action == "" {
		return model.Vote{}, ErrNoMatch
	}

	object := ""
	for _, g := range kv.objects {
		if _, n := g.find(toks); n > 0 {
			object = g.name
			break
		}
	}

	conf := 0.6
	if object != "" {
		conf += 0.15
	}
	if hits > 1 {
		conf += 0.05
	}
	return model.Vote{
		Voter:      KeywordVoterName,
		Intent:     resolveIntent(action, object),
		Confidence: min(conf, 0.85),
	}, nil
}

// find returns the earliest token position of any phrase and the number of
// phrases that matched.
func (g compiledGroup) find(toks []string) (int, int) {
	first, n := len(toks), 0
	for _, p := range g.phrases {
		if pos := indexPhrase(toks, p); pos >= 0 {
			n++
			first = min(first, pos)
		}
	}
	return first, n
}

func indexPhrase(toks, phrase []string) int {
	for i := 0; i+len(phrase) <= len(toks); i++ {
		ok := true
		for j, p := range phrase {
			if !tokenMatches(toks[i+j], p) {
				ok = false
				break
			}
		}
		if ok {
			return i
		}
	}
	return -1
}

func tokenMatches(tok, want string) bool {
	if tok == want {
		return true
	}
	r, size := utf8.DecodeRuneInString(tok)
	return strings.ContainsRune(hebrewPrefixes, r) && tok[size:] == want
}

func tokenize(s string) []string {
	return strings.FieldsFunc(fuzzy.Fold(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func resolveIntent(action, object string) model.Intent {
	switch action {
	case "create":
		switch object {
		case "comment":
			return model.IntentAddComment
		case "reminder":
			return model.IntentCreateReminder
		}
		return model.IntentCreateEvent
	case "update":
		switch object {
		case "comment":
			return model.IntentUpdateComment
		case "reminder":
			return model.IntentUpdateReminder
		}
		return model.IntentUpdateEvent
	case "delete":
		switch object {
		case "comment":
			return model.IntentDeleteComment
		case "reminder":
			return model.IntentDeleteReminder
		}
		return model.IntentDeleteEvent
	case "list":
		switch object {
		case "comment":
			return model.IntentViewComments
		case "reminder":
			return model.IntentListReminders
		}
		return model.IntentListEvents
	case "search":
		if object == "comment" {
			return model.IntentViewComments
		}
		return model.IntentSearchEvent
	}
	return model.IntentUnknown
}
