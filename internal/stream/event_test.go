package stream_test

import (
	"testing"

	"github.com/MegaGrindStone/chatturn/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterpret(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    stream.Event
		wantOK  bool
	}{
		{
			name:    "token",
			payload: `{"chunk":"Hel"}`,
			want:    stream.Event{Kind: stream.EventToken, Fragment: "Hel"},
			wantOK:  true,
		},
		{
			name:    "token keeps whitespace",
			payload: `{"chunk":" world\n"}`,
			want:    stream.Event{Kind: stream.EventToken, Fragment: " world\n"},
			wantOK:  true,
		},
		{
			name:    "done with id",
			payload: `{"done":true,"conversation_id":42}`,
			want:    stream.Event{Kind: stream.EventDone, ConversationID: 42},
			wantOK:  true,
		},
		{
			name:    "done without id is inert",
			payload: `{"done":true}`,
		},
		{
			name:    "done false is inert",
			payload: `{"done":false,"conversation_id":42}`,
		},
		{
			name:    "error",
			payload: `{"error":"model overloaded"}`,
			want:    stream.Event{Kind: stream.EventError, Message: "model overloaded"},
			wantOK:  true,
		},
		{
			name:    "error wins over done",
			payload: `{"error":"boom","done":true,"conversation_id":9,"chunk":"x"}`,
			want:    stream.Event{Kind: stream.EventError, Message: "boom"},
			wantOK:  true,
		},
		{
			name:    "done wins over chunk",
			payload: `{"chunk":"tail","done":true,"conversation_id":3}`,
			want:    stream.Event{Kind: stream.EventDone, ConversationID: 3},
			wantOK:  true,
		},
		{
			name:    "empty chunk is inert",
			payload: `{"chunk":""}`,
		},
		{
			name:    "unknown fields are inert",
			payload: `{"usage":{"tokens":3}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := stream.Interpret(tt.payload)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInterpretMalformed(t *testing.T) {
	for _, payload := range []string{"[DONE]", `{"chunk":`, `{"conversation_id":"x","done":true}`} {
		_, ok, err := stream.Interpret(payload)
		assert.False(t, ok, payload)
		assert.ErrorIs(t, err, stream.ErrMalformedRecord, payload)
	}
}
