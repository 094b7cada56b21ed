package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessageControl(t *testing.T) {
	raw := []byte(`{"type":"client_control","session_id":"s1","action":"interrupt"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	control, ok := msg.(ClientControl)
	if !ok {
		t.Fatalf("message type = %T, want ClientControl", msg)
	}
	if control.SessionID != "s1" || control.Action != ActionInterrupt {
		t.Fatalf("unexpected client control: %+v", control)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsBadEnvelope(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":`)); err == nil {
		t.Fatalf("expected envelope error")
	}
}

func TestParseClientMessageVariants(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want any
	}{
		{
			name: "text",
			raw:  `{"type":"client_text","session_id":"s1","text":"weather"}`,
			want: ClientText{Type: TypeClientText, SessionID: "s1", Text: "weather"},
		},
		{
			name: "partial",
			raw:  `{"type":"transcript_partial","session_id":"s1","capture_id":"c1","text":"hel"}`,
			want: TranscriptPartial{Type: TypeTranscriptPartial, SessionID: "s1", CaptureID: "c1", Text: "hel"},
		},
		{
			name: "final",
			raw:  `{"type":"transcript_final","session_id":"s1","capture_id":"c1","text":"hello"}`,
			want: TranscriptFinal{Type: TypeTranscriptFinal, SessionID: "s1", CaptureID: "c1", Text: "hello"},
		},
		{
			name: "transcript error",
			raw:  `{"type":"transcript_error","session_id":"s1","capture_id":"c1","code":"not-allowed"}`,
			want: TranscriptError{Type: TypeTranscriptError, SessionID: "s1", CaptureID: "c1", Code: "not-allowed"},
		},
		{
			name: "playback",
			raw:  `{"type":"playback_finished","session_id":"s1","utterance_id":"u1","status":"completed"}`,
			want: PlaybackFinished{Type: TypePlaybackFinished, SessionID: "s1", UtteranceID: "u1", Status: PlaybackCompleted},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseClientMessage([]byte(tc.raw))
			if err != nil {
				t.Fatalf("ParseClientMessage() error = %v", err)
			}
			if got != tc.want {
				t.Fatalf("ParseClientMessage() = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestParseClientMessageValidation(t *testing.T) {
	cases := []string{
		`{"type":"client_control","session_id":"s1","action":"dance"}`,
		`{"type":"client_control","action":"begin"}`,
		`{"type":"client_text","text":"hi"}`,
		`{"type":"transcript_final","session_id":"s1","text":"hi"}`,
		`{"type":"playback_finished","session_id":"s1","utterance_id":"u1","status":"paused"}`,
		`{"type":"playback_finished","session_id":"s1","status":"completed"}`,
	}
	for _, raw := range cases {
		if _, err := ParseClientMessage([]byte(raw)); !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("ParseClientMessage(%s) error = %v, want ErrInvalidMessage", raw, err)
		}
	}
}

func BenchmarkParseClientMessageFinal(b *testing.B) {
	raw := []byte(`{"type":"transcript_final","session_id":"s1","capture_id":"c7","text":"what is the weather like"}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg, err := ParseClientMessage(raw)
		if err != nil {
			b.Fatalf("ParseClientMessage() error = %v", err)
		}
		if _, ok := msg.(TranscriptFinal); !ok {
			b.Fatalf("message type = %T, want TranscriptFinal", msg)
		}
	}
}
