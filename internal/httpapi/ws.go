package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/geminilive/internal/live"
	"github.com/ent0n29/geminilive/internal/policy"
	"github.com/ent0n29/geminilive/internal/protocol"
	"github.com/ent0n29/geminilive/internal/session"
)

const (
	outboundQueueSize = 256
	wsWriteTimeout    = 10 * time.Second
	wsReadTimeout     = 120 * time.Second
	wsReadLimit       = 1 << 20
)

var (
	errOutboundFull    = errors.New("outbound queue full")
	errConnClosed      = errors.New("connection closed")
	errSessionMismatch = errors.New("message addressed to another session")
	errNoRemoteSpeech  = errors.New("session does not use remote speech")
)

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "session_id is required")
		return
	}
	rt, err := s.sessions.Runtime(sessionID)
	if err != nil {
		respondSessionError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.observeEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, outboundQueueSize)
	// send never blocks: the bridge calls it while holding its lock and the
	// notifier calls it from the controller's fan-out goroutine.
	send := func(msg any) error {
		select {
		case <-ctx.Done():
			return errConnClosed
		default:
		}
		select {
		case outbound <- msg:
			return nil
		default:
			s.observeEvent("ws_outbound_dropped")
			return errOutboundFull
		}
	}

	unsubscribe := rt.Controller.Subscribe(func(n live.Notification) {
		if msg, ok := s.notificationMessage(sessionID, n); ok {
			_ = send(msg)
		}
	})
	defer unsubscribe()

	state := rt.Controller.State()
	_ = send(protocol.StateChanged{
		Type:      protocol.TypeStateChanged,
		SessionID: sessionID,
		State:     string(state.Kind),
		Reason:    state.Reason,
	})
	if rt.Bridge != nil {
		detach := rt.Bridge.Attach(send)
		defer detach()
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, cancel, conn, outbound)
	}()

	// Unblock the reader once the session closes or the writer fails.
	go func() {
		<-ctx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

	s.readLoop(ctx, conn, sessionID, rt, send)

	cancel()
	<-writerDone
	s.observeEvent("ws_disconnected")
}

func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, outbound <-chan any) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-outbound:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				s.observeEvent("ws_write_error")
				cancel()
				return
			}
			if t, ok := messageTypeOf(msg); ok {
				s.observeWS("outbound", t)
			}
			if closed, ok := msg.(protocol.SessionClosed); ok {
				_ = conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, closed.Reason),
					time.Now().Add(time.Second),
				)
				cancel()
				return
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sessionID string, rt session.Runtime, send func(any) error) {
	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil || ctx.Err() != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			_ = send(errorEvent(sessionID, "invalid_client_message", "gateway", err.Error()))
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.observeWS("inbound", t)
		}
		_ = s.sessions.Touch(sessionID)

		if err := dispatch(sessionID, rt, parsed); err != nil {
			code := "command_failed"
			switch {
			case errors.Is(err, live.ErrRejected):
				code = "command_rejected"
			case errors.Is(err, live.ErrClosed):
				code = "session_closed"
			case errors.Is(err, errSessionMismatch):
				code = "session_mismatch"
			case errors.Is(err, errNoRemoteSpeech):
				code = "unsupported_message"
			}
			_ = send(errorEvent(sessionID, code, "session", err.Error()))
		}
	}
}

// dispatch routes one parsed client message to the session runtime.
func dispatch(sessionID string, rt session.Runtime, msg any) error {
	switch m := msg.(type) {
	case protocol.ClientControl:
		if m.SessionID != sessionID {
			return errSessionMismatch
		}
		ctrl := rt.Controller
		switch strings.TrimSpace(m.Action) {
		case protocol.ActionBegin:
			return ctrl.Begin()
		case protocol.ActionPause:
			return ctrl.Pause()
		case protocol.ActionInterrupt:
			return ctrl.Interrupt()
		case protocol.ActionAckError:
			return ctrl.AcknowledgeError()
		case protocol.ActionEnd:
			return ctrl.End()
		default:
			return fmt.Errorf("unknown action %q", m.Action)
		}
	case protocol.ClientText:
		if m.SessionID != sessionID {
			return errSessionMismatch
		}
		return rt.Controller.SendText(m.Text)
	case protocol.TranscriptPartial:
		if m.SessionID != sessionID {
			return errSessionMismatch
		}
		if rt.Bridge == nil {
			return errNoRemoteSpeech
		}
		rt.Bridge.HandleTranscriptPartial(m.CaptureID, m.Text)
	case protocol.TranscriptFinal:
		if m.SessionID != sessionID {
			return errSessionMismatch
		}
		if rt.Bridge == nil {
			return errNoRemoteSpeech
		}
		rt.Bridge.HandleTranscriptFinal(m.CaptureID, m.Text)
	case protocol.TranscriptError:
		if m.SessionID != sessionID {
			return errSessionMismatch
		}
		if rt.Bridge == nil {
			return errNoRemoteSpeech
		}
		rt.Bridge.HandleTranscriptError(m.CaptureID, m.Code, m.Detail)
	case protocol.PlaybackFinished:
		if m.SessionID != sessionID {
			return errSessionMismatch
		}
		if rt.Bridge == nil {
			return errNoRemoteSpeech
		}
		if !rt.Bridge.HandlePlaybackFinished(m.UtteranceID, m.Status, m.Detail) {
			log.Printf("httpapi: session=%s dropped stale playback_finished utterance=%s", sessionID, m.UtteranceID)
		}
	default:
		return protocol.ErrUnsupportedType
	}
	return nil
}

func (s *Server) notificationMessage(sessionID string, n live.Notification) (any, bool) {
	switch n.Kind {
	case live.NotifyState:
		if n.State.Is(live.StateClosed) {
			reason := "closed"
			if info, err := s.sessions.Get(sessionID); err == nil && info.EndReason != "" {
				reason = info.EndReason
			}
			return protocol.SessionClosed{
				Type:      protocol.TypeSessionClosed,
				SessionID: sessionID,
				Reason:    reason,
			}, true
		}
		return protocol.StateChanged{
			Type:      protocol.TypeStateChanged,
			SessionID: sessionID,
			State:     string(n.State.Kind),
			Reason:    n.State.Reason,
		}, true
	case live.NotifyMessage:
		return protocol.MessageAppended{
			Type:      protocol.TypeMessageAppended,
			SessionID: sessionID,
			MessageID: n.Message.ID,
			Sender:    string(n.Message.Sender),
			Content:   n.Message.Content,
			TSMs:      n.Message.Timestamp.UnixMilli(),
		}, true
	case live.NotifyPartial:
		return protocol.STTPartial{
			Type:      protocol.TypeSTTPartial,
			SessionID: sessionID,
			Text:      n.Text,
		}, true
	default:
		return nil, false
	}
}

func errorEvent(sessionID, code, source, detail string) protocol.ErrorEvent {
	return protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      code,
		Source:    source,
		Detail:    policy.RedactString(detail),
	}
}

func (s *Server) observeEvent(event string) {
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

func (s *Server) observeWS(direction string, t protocol.MessageType) {
	if s.metrics != nil {
		s.metrics.WSMessages.WithLabelValues(direction, string(t)).Inc()
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientControl:
		return m.Type, true
	case protocol.ClientText:
		return m.Type, true
	case protocol.TranscriptPartial:
		return m.Type, true
	case protocol.TranscriptFinal:
		return m.Type, true
	case protocol.TranscriptError:
		return m.Type, true
	case protocol.PlaybackFinished:
		return m.Type, true
	case protocol.StateChanged:
		return m.Type, true
	case protocol.MessageAppended:
		return m.Type, true
	case protocol.STTPartial:
		return m.Type, true
	case protocol.CaptureStart:
		return m.Type, true
	case protocol.CaptureStop:
		return m.Type, true
	case protocol.Speak:
		return m.Type, true
	case protocol.SpeakStop:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	case protocol.SessionClosed:
		return m.Type, true
	default:
		return "", false
	}
}
