package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/yoman-app/yoman/internal/config"
	"github.com/yoman-app/yoman/internal/model"
	"github.com/yoman-app/yoman/pkg/anthropic"
)

// AnthropicVoterName is the voter name used in config and metrics.
const AnthropicVoterName = "anthropic"

const defaultMaxTokens = 256

var classifySystemPrompt = `You classify short chat messages sent to a personal calendar and reminder assistant.
Messages are in Hebrew or English and may be voice transcriptions.

Reply with a single JSON object and nothing else:
{"intent": "<label>", "confidence": <number between 0 and 1>}

Labels:
` + labelList() + `
Use "unknown" when the message asks for none of these.`

func labelList() string {
	var b strings.Builder
	for _, in := range model.AllIntents() {
		fmt.Fprintf(&b, "- %s\n", in)
	}
	return b.String()
}

// AnthropicVoter asks a Claude model for the intent.
type AnthropicVoter struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicVoter creates a voter using cfg's model and token budget.
func NewAnthropicVoter(client anthropic.Client, cfg config.AnthropicConfig) *AnthropicVoter {
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &AnthropicVoter{client: client, model: cfg.Model, maxTokens: maxTokens}
}

func (v *AnthropicVoter) Name() string { return AnthropicVoterName }

func (v *AnthropicVoter) Classify(ctx context.Context, text, locale string) (model.Vote, error) {
	temp := 0.0
	resp, err := v.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     v.model,
		MaxTokens: v.maxTokens,
		System:    anthropic.CachedSystem(classifySystemPrompt),
		Messages: []anthropic.Message{
			{Role: "user", Content: fmt.Sprintf("locale: %s\nmessage: %s", locale, text)},
		},
		Temperature: &temp,
	})
	if err != nil {
		return model.Vote{}, eris.Wrap(err, "classifier: anthropic call")
	}
	resp.Usage.LogCost(v.model, AnthropicVoterName)

	intent, conf, err := ParseVote(resp.Text())
	if err != nil {
		return model.Vote{}, err
	}
	return model.Vote{Voter: AnthropicVoterName, Intent: intent, Confidence: conf}, nil
}

// ParseVote decodes a {"intent","confidence"} answer. Surrounding prose and
// markdown fences are tolerated.
func ParseVote(text string) (model.Intent, float64, error) {
	var out struct {
		Intent     string   `json:"intent"`
		Confidence *float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(cleanJSON(text)), &out); err != nil {
		return "", 0, eris.Wrapf(ErrMalformedOutput, "decode: %v", err)
	}
	intent, ok := model.ParseIntent(strings.ToLower(strings.TrimSpace(out.Intent)))
	if !ok {
		return "", 0, eris.Wrapf(ErrMalformedOutput, "unknown label %q", out.Intent)
	}
	if out.Confidence == nil || *out.Confidence < 0 || *out.Confidence > 1 {
		return "", 0, eris.Wrap(ErrMalformedOutput, "confidence out of range")
	}
	return intent, *out.Confidence, nil
}

// cleanJSON extracts a JSON object from text that may be wrapped in
// markdown code fences or prose.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}
