package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientControl     MessageType = "client_control"
	TypeClientText        MessageType = "client_text"
	TypeTranscriptPartial MessageType = "transcript_partial"
	TypeTranscriptFinal   MessageType = "transcript_final"
	TypeTranscriptError   MessageType = "transcript_error"
	TypePlaybackFinished  MessageType = "playback_finished"

	TypeStateChanged    MessageType = "state_changed"
	TypeMessageAppended MessageType = "message_appended"
	TypeSTTPartial      MessageType = "stt_partial"
	TypeCaptureStart    MessageType = "capture_start"
	TypeCaptureStop     MessageType = "capture_stop"
	TypeSpeak           MessageType = "speak"
	TypeSpeakStop       MessageType = "speak_stop"
	TypeErrorEvent      MessageType = "error_event"
	TypeSessionClosed   MessageType = "session_closed"
)

// Control actions accepted in client_control.
const (
	ActionBegin     = "begin"
	ActionPause     = "pause"
	ActionInterrupt = "interrupt"
	ActionAckError  = "ack_error"
	ActionEnd       = "end"
)

// Playback statuses reported in playback_finished.
const (
	PlaybackCompleted = "completed"
	PlaybackCancelled = "cancelled"
	PlaybackFailed    = "failed"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrInvalidMessage  = errors.New("invalid message")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
}

type ClientText struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
}

// TranscriptPartial, TranscriptFinal and TranscriptError carry recognition
// results produced by the browser for the capture named by CaptureID.
type TranscriptPartial struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	CaptureID string      `json:"capture_id"`
	Text      string      `json:"text"`
}

type TranscriptFinal struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	CaptureID string      `json:"capture_id"`
	Text      string      `json:"text"`
}

type TranscriptError struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	CaptureID string      `json:"capture_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type PlaybackFinished struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	UtteranceID string      `json:"utterance_id"`
	Status      string      `json:"status"`
	Detail      string      `json:"detail,omitempty"`
}

type StateChanged struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	State     string      `json:"state"`
	Reason    string      `json:"reason,omitempty"`
}

type MessageAppended struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	MessageID string      `json:"message_id"`
	Sender    string      `json:"sender"`
	Content   string      `json:"content"`
	TSMs      int64       `json:"ts_ms"`
}

type STTPartial struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
}

type CaptureStart struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	CaptureID string      `json:"capture_id"`
}

type CaptureStop struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	CaptureID string      `json:"capture_id"`
}

type Speak struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	UtteranceID string      `json:"utterance_id"`
	Text        string      `json:"text"`
}

type SpeakStop struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	UtteranceID string      `json:"utterance_id"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Detail    string      `json:"detail"`
}

type SessionClosed struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Reason    string      `json:"reason,omitempty"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || !validAction(msg.Action) {
			return nil, invalid(env.Type)
		}
		return msg, nil
	case TypeClientText:
		var msg ClientText
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, invalid(env.Type)
		}
		return msg, nil
	case TypeTranscriptPartial:
		var msg TranscriptPartial
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.CaptureID == "" {
			return nil, invalid(env.Type)
		}
		return msg, nil
	case TypeTranscriptFinal:
		var msg TranscriptFinal
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.CaptureID == "" {
			return nil, invalid(env.Type)
		}
		return msg, nil
	case TypeTranscriptError:
		var msg TranscriptError
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.CaptureID == "" {
			return nil, invalid(env.Type)
		}
		return msg, nil
	case TypePlaybackFinished:
		var msg PlaybackFinished
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.UtteranceID == "" || !validPlaybackStatus(msg.Status) {
			return nil, invalid(env.Type)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

func invalid(t MessageType) error {
	return fmt.Errorf("%w: %s", ErrInvalidMessage, t)
}

func validAction(action string) bool {
	switch strings.TrimSpace(action) {
	case ActionBegin, ActionPause, ActionInterrupt, ActionAckError, ActionEnd:
		return true
	default:
		return false
	}
}

func validPlaybackStatus(status string) bool {
	switch status {
	case PlaybackCompleted, PlaybackCancelled, PlaybackFailed:
		return true
	default:
		return false
	}
}
