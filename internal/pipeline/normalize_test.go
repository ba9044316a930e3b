package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"collapses whitespace", "  call   mom \t tomorrow ", "call mom tomorrow"},
		{"drops fillers", "um remind me uh to call mom", "remind me to call mom"},
		{"drops hebrew fillers", "אממ תזכיר לי מחר", "תזכיר לי מחר"},
		{"strips transcription markers", "dentist [inaudible] on monday", "dentist on monday"},
		{"drops format runes", "מחר\u200f בשעה 5", "מחר בשעה 5"},
		{"composes NFC", "cafe\u0301", "caf\u00e9"},
		{"keeps filler-like substrings", "umbrella", "umbrella"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestNormalizePhase_EmptyKeepsText(t *testing.T) {
	pc := newTestContext("um uh")

	res := NormalizePhase{}.Execute(context.Background(), pc)
	assert.False(t, res.Failed())
	assert.Equal(t, "um uh", pc.ProcessedText)
}

func TestNormalizePhase_UpdatesProcessedText(t *testing.T) {
	pc := newTestContext("call  mom")

	NormalizePhase{}.Execute(context.Background(), pc)
	assert.Equal(t, "call mom", pc.ProcessedText)
	assert.Equal(t, "call  mom", pc.RawText)
}
