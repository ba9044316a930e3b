package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yoman-app/yoman/internal/model"
)

func TestSplitEvents(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "english and also",
			text: "dentist on monday at 10 and also gym on thursday",
			want: []string{"dentist on monday at 10", "gym on thursday"},
		},
		{
			name: "hebrew vegam",
			text: "פגישה עם דני מחר וגם ארוחה עם אמא ביום שישי",
			want: []string{"פגישה עם דני מחר", "ארוחה עם אמא ביום שישי"},
		},
		{
			name: "numeric dates",
			text: "haircut 10/3, in addition dinner 12/3",
			want: []string{"haircut 10/3", "dinner 12/3"},
		},
		{
			name: "repeated relative day counts twice",
			text: "call bank tomorrow as well as pay rent tomorrow",
			want: []string{"call bank tomorrow", "pay rent tomorrow"},
		},
		{name: "no marker", text: "dentist monday and gym thursday"},
		{name: "one date", text: "buy milk and also eggs tomorrow"},
		{name: "duration range english", text: "conference from monday until wednesday and also dinner friday"},
		{name: "duration range between", text: "between sunday and tuesday and also on friday"},
		{name: "duration range hebrew", text: "חופש מיום ראשון עד יום שלישי וגם מחר"},
		{name: "marker only fragment", text: "and also tomorrow today"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SplitEvents(tt.text)
			if tt.want == nil {
				assert.False(t, ok)
				assert.Nil(t, got)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSplitPhase_AsksForConfirmation(t *testing.T) {
	pc := newTestContext("dentist on monday and also gym on thursday")
	pc.Intent = model.IntentCreateEvent

	require.True(t, SplitPhase{}.ShouldRun(pc))
	res := SplitPhase{}.Execute(context.Background(), pc)
	require.False(t, res.Failed())

	assert.True(t, pc.Entities.IsMultiEvent)
	assert.Len(t, pc.Entities.SplitEvents, 2)
	assert.True(t, pc.NeedsClarification())
	assert.Contains(t, pc.ClarificationQuestion(), "2. gym on thursday")
}

func TestSplitPhase_ShouldRun(t *testing.T) {
	pc := newTestContext("x")
	pc.Intent = model.IntentDeleteEvent
	assert.False(t, SplitPhase{}.ShouldRun(pc))

	pc.Intent = model.IntentCreateReminder
	assert.True(t, SplitPhase{}.ShouldRun(pc))

	pc.AskClarification("which?")
	assert.False(t, SplitPhase{}.ShouldRun(pc))
}
