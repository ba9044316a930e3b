package classifier

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yoman-app/yoman/internal/model"
)

func TestKeywordVoter_Classify(t *testing.T) {
	t.Parallel()
	kv, err := NewKeywordVoter()
	require.NoError(t, err)

	tests := []struct {
		text string
		want model.Intent
	}{
		{"Remind me to call mom tomorrow at 5pm", model.IntentCreateReminder},
		{"תזכיר לי להתקשר לאמא מחר", model.IntentCreateReminder},
		{"Schedule a meeting with Dana on Sunday", model.IntentCreateEvent},
		{"תקבע פגישה עם דני ביום ראשון", model.IntentCreateEvent},
		{"Cancel the dentist appointment", model.IntentDeleteEvent},
		{"תבטל את התזכורת של התרופות", model.IntentDeleteReminder},
		{"Move my meeting with Dana to 4pm", model.IntentUpdateEvent},
		{"תזיז את הפגישה לחמש", model.IntentUpdateEvent},
		{"What do I have tomorrow?", model.IntentListEvents},
		{"מה יש לי מחר", model.IntentListEvents},
		{"show my reminders", model.IntentListReminders},
		{"When is the dentist?", model.IntentSearchEvent},
		{"add a note to the meeting", model.IntentAddComment},
		{"remind me to cancel the gym membership", model.IntentCreateReminder},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			t.Parallel()
			v, err := kv.Classify(context.Background(), tt.text, DetectLocale(tt.text))
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.Intent)
			assert.Equal(t, KeywordVoterName, v.Voter)
			assert.True(t, v.Confidence > 0 && v.Confidence <= 0.85)
		})
	}
}

func TestKeywordVoter_NoMatch(t *testing.T) {
	t.Parallel()
	kv, err := NewKeywordVoter()
	require.NoError(t, err)

	_, err = kv.Classify(context.Background(), "good morning!", LocaleEnglish)
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestParseLexicon_Errors(t *testing.T) {
	t.Parallel()
	_, err := ParseLexicon([]byte("actions: ["))
	assert.Error(t, err)

	_, err = ParseLexicon([]byte("actions: []"))
	assert.Error(t, err)

	_, err = ParseLexicon([]byte("actions:\n  - action: teleport\n    phrases: [beam]\n"))
	assert.Error(t, err)
}

func TestKeywordVoter_CustomLexicon(t *testing.T) {
	t.Parallel()
	lex, err := ParseLexicon([]byte(`
actions:
  - action: delete
    phrases: [zap]
objects:
  - object: reminder
    phrases: [nag]
`))
	require.NoError(t, err)

	v, err := NewKeywordVoterFromLexicon(lex).Classify(context.Background(), "zap that nag", LocaleEnglish)
	require.NoError(t, err)
	assert.Equal(t, model.IntentDeleteReminder, v.Intent)
	assert.InDelta(t, 0.75, v.Confidence, 1e-9)
}
