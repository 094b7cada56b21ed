package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/geminilive/internal/brain"
	"github.com/ent0n29/geminilive/internal/config"
	"github.com/ent0n29/geminilive/internal/live"
	"github.com/ent0n29/geminilive/internal/observability"
	"github.com/ent0n29/geminilive/internal/session"
	"github.com/ent0n29/geminilive/internal/voice"
)

const greeting = "Hello there! How can I assist you today?"

func newTestServer(t *testing.T, voiceMode string) *httptest.Server {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	factory := func(id string) (session.Runtime, error) {
		opts := live.Options{SessionID: id, Logger: logger}
		gen := brain.NewCanned(0, 0, 1)
		if voiceMode == "remote" {
			bridge := voice.NewRemoteBridge(id, logger)
			ctrl := live.NewController(bridge.Input(), gen, bridge.Output(), opts)
			return session.Runtime{Controller: ctrl, Bridge: bridge}, nil
		}
		ctrl := live.NewController(
			voice.NewSimulatedCapture("hello", time.Millisecond),
			gen,
			voice.NewSimulatedSpeaker(60000),
			opts,
		)
		return session.Runtime{Controller: ctrl}, nil
	}

	cfg := config.Config{VoiceMode: voiceMode, SessionInactivityTimeout: 2 * time.Minute}
	sessions := session.NewManager(cfg.SessionInactivityTimeout, factory)
	t.Cleanup(func() { sessions.EndAll(session.EndReasonShutdown) })

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetricsWithRegistry("test_httpapi", reg)
	srv := New(cfg, sessions, metrics, reg)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func createSession(t *testing.T, ts *httptest.Server, userID string) map[string]any {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"user_id": userID})
	res, err := http.Post(ts.URL+"/v1/live/session", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var created map[string]any
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if id, _ := created["session_id"].(string); id == "" {
		t.Fatalf("missing session_id in create response: %+v", created)
	}
	return created
}

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	res, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	defer res.Body.Close()
	var payload map[string]any
	_ = json.NewDecoder(res.Body).Decode(&payload)
	return res.StatusCode, payload
}

func TestCreateGetAndEndSession(t *testing.T) {
	ts := newTestServer(t, "mock")
	created := createSession(t, ts, "user-1")
	if created["state"] != "idle" || created["status"] != "active" {
		t.Fatalf("created = %+v", created)
	}
	sessionID := created["session_id"].(string)

	status, snap := getJSON(t, ts.URL+"/v1/live/session/"+sessionID)
	if status != http.StatusOK {
		t.Fatalf("get status = %d, want %d", status, http.StatusOK)
	}
	if snap["state"] != "idle" || snap["user_id"] != "user-1" {
		t.Fatalf("snapshot = %+v", snap)
	}

	endRes, err := http.Post(ts.URL+"/v1/live/session/"+sessionID+"/end", "application/json", nil)
	if err != nil {
		t.Fatalf("end session request error = %v", err)
	}
	defer endRes.Body.Close()
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", endRes.StatusCode, http.StatusOK)
	}

	_, snap = getJSON(t, ts.URL+"/v1/live/session/"+sessionID)
	if snap["status"] != "ended" || snap["state"] != "closed" || snap["end_reason"] != session.EndReasonClient {
		t.Fatalf("snapshot after end = %+v", snap)
	}
	if status, _ := getJSON(t, ts.URL+"/v1/live/session/ws?session_id="+sessionID); status != http.StatusGone {
		t.Fatalf("ws on ended session status = %d, want %d", status, http.StatusGone)
	}
}

func TestUnknownSession(t *testing.T) {
	ts := newTestServer(t, "mock")
	if status, payload := getJSON(t, ts.URL+"/v1/live/session/nope"); status != http.StatusNotFound || payload["code"] != "session_not_found" {
		t.Fatalf("get unknown = (%d, %+v)", status, payload)
	}
	res, err := http.Post(ts.URL+"/v1/live/session/nope/end", "application/json", nil)
	if err != nil {
		t.Fatalf("end request error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("end unknown status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
	if status, _ := getJSON(t, ts.URL+"/v1/live/session/ws"); status != http.StatusBadRequest {
		t.Fatalf("ws without session_id status = %d, want %d", status, http.StatusBadRequest)
	}
}

func TestCreateSessionRejectsMalformedBody(t *testing.T) {
	ts := newTestServer(t, "mock")
	res, err := http.Post(ts.URL+"/v1/live/session", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatalf("create request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}

	empty, err := http.Post(ts.URL+"/v1/live/session", "application/json", nil)
	if err != nil {
		t.Fatalf("create request error = %v", err)
	}
	defer empty.Body.Close()
	if empty.StatusCode != http.StatusCreated {
		t.Fatalf("empty body status = %d, want %d", empty.StatusCode, http.StatusCreated)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, "mock")
	if status, payload := getJSON(t, ts.URL+"/healthz"); status != http.StatusOK || payload["voice_mode"] != "mock" {
		t.Fatalf("healthz = (%d, %+v)", status, payload)
	}
	if status, _ := getJSON(t, ts.URL+"/readyz"); status != http.StatusOK {
		t.Fatalf("readyz status = %d", status)
	}

	createSession(t, ts, "")
	res, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	for _, want := range []string{
		`test_httpapi_session_events_total{event="created"} 1`,
		"test_httpapi_active_sessions 1",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}

func TestPerfLatencyReset(t *testing.T) {
	ts := newTestServer(t, "mock")
	status, snap := getJSON(t, ts.URL+"/v1/perf/latency?reset=true")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if _, ok := snap["window_size"]; !ok {
		t.Fatalf("snapshot missing window_size: %+v", snap)
	}
}

func dialSession(t *testing.T, ts *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/live/session/ws?session_id=" + sessionID
	conn, res, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	res.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads server messages until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, what string, match func(map[string]any) bool) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", what, err)
		}
		if match(msg) {
			return msg
		}
	}
}

func isType(msgType string) func(map[string]any) bool {
	return func(m map[string]any) bool { return m["type"] == msgType }
}

func isState(state string) func(map[string]any) bool {
	return func(m map[string]any) bool { return m["type"] == "state_changed" && m["state"] == state }
}

func TestSessionWSTextTurn(t *testing.T) {
	ts := newTestServer(t, "mock")
	sessionID := createSession(t, ts, "u1")["session_id"].(string)
	conn := dialSession(t, ts, sessionID)

	readUntil(t, conn, "initial state", isState("idle"))
	if err := conn.WriteJSON(map[string]string{"type": "client_text", "session_id": sessionID, "text": "hello"}); err != nil {
		t.Fatalf("write client_text: %v", err)
	}

	readUntil(t, conn, "thinking", isState("thinking"))
	user := readUntil(t, conn, "user message", isType("message_appended"))
	if user["sender"] != "user" || user["content"] != "hello" {
		t.Fatalf("user message = %+v", user)
	}
	reply := readUntil(t, conn, "assistant message", isType("message_appended"))
	if reply["sender"] != "assistant" || reply["content"] != greeting {
		t.Fatalf("assistant message = %+v", reply)
	}
	readUntil(t, conn, "speaking", isState("speaking"))
	readUntil(t, conn, "idle after playback", isState("idle"))
}

func TestSessionWSRemoteVoiceTurn(t *testing.T) {
	ts := newTestServer(t, "remote")
	sessionID := createSession(t, ts, "u1")["session_id"].(string)
	conn := dialSession(t, ts, sessionID)
	readUntil(t, conn, "initial state", isState("idle"))

	send := func(v map[string]string) {
		t.Helper()
		v["session_id"] = sessionID
		if err := conn.WriteJSON(v); err != nil {
			t.Fatalf("write %s: %v", v["type"], err)
		}
	}

	send(map[string]string{"type": "client_control", "action": "begin"})
	start := readUntil(t, conn, "capture_start", isType("capture_start"))
	captureID, _ := start["capture_id"].(string)
	if captureID == "" {
		t.Fatalf("capture_start without capture_id: %+v", start)
	}

	send(map[string]string{"type": "transcript_partial", "capture_id": captureID, "text": "hel"})
	partial := readUntil(t, conn, "stt_partial", isType("stt_partial"))
	if partial["text"] != "hel" {
		t.Fatalf("stt_partial = %+v", partial)
	}

	send(map[string]string{"type": "transcript_final", "capture_id": captureID, "text": "hello"})
	speak := readUntil(t, conn, "speak", isType("speak"))
	utteranceID, _ := speak["utterance_id"].(string)
	if utteranceID == "" || speak["text"] != greeting {
		t.Fatalf("speak = %+v", speak)
	}

	send(map[string]string{"type": "playback_finished", "utterance_id": utteranceID, "status": "completed"})
	readUntil(t, conn, "idle after playback", isState("idle"))
}

func TestSessionWSReportsBadMessages(t *testing.T) {
	ts := newTestServer(t, "mock")
	sessionID := createSession(t, ts, "u1")["session_id"].(string)
	conn := dialSession(t, ts, sessionID)
	readUntil(t, conn, "initial state", isState("idle"))

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"nope"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	evt := readUntil(t, conn, "error_event", isType("error_event"))
	if evt["code"] != "invalid_client_message" {
		t.Fatalf("error_event = %+v", evt)
	}

	_ = conn.WriteJSON(map[string]string{"type": "client_control", "session_id": sessionID, "action": "pause"})
	evt = readUntil(t, conn, "error_event", isType("error_event"))
	if evt["code"] != "command_rejected" {
		t.Fatalf("pause in idle error_event = %+v", evt)
	}

	_ = conn.WriteJSON(map[string]string{"type": "client_text", "session_id": "other", "text": "hi"})
	evt = readUntil(t, conn, "error_event", isType("error_event"))
	if evt["code"] != "session_mismatch" {
		t.Fatalf("mismatched session error_event = %+v", evt)
	}

	_ = conn.WriteJSON(map[string]string{"type": "transcript_final", "session_id": sessionID, "capture_id": "c1", "text": "hi"})
	evt = readUntil(t, conn, "error_event", isType("error_event"))
	if evt["code"] != "unsupported_message" {
		t.Fatalf("transcript in mock mode error_event = %+v", evt)
	}
}

func TestSessionWSEndControlClosesSession(t *testing.T) {
	ts := newTestServer(t, "mock")
	sessionID := createSession(t, ts, "u1")["session_id"].(string)
	conn := dialSession(t, ts, sessionID)
	readUntil(t, conn, "initial state", isState("idle"))

	_ = conn.WriteJSON(map[string]string{"type": "client_control", "session_id": sessionID, "action": "end"})
	closed := readUntil(t, conn, "session_closed", isType("session_closed"))
	if closed["reason"] != session.EndReasonClient {
		t.Fatalf("session_closed = %+v", closed)
	}

	_, snap := getJSON(t, ts.URL+"/v1/live/session/"+sessionID)
	if snap["status"] != "ended" {
		t.Fatalf("session after end control = %+v", snap)
	}
}

func TestSessionWSClosedByHTTPEnd(t *testing.T) {
	ts := newTestServer(t, "remote")
	sessionID := createSession(t, ts, "u1")["session_id"].(string)
	conn := dialSession(t, ts, sessionID)
	readUntil(t, conn, "initial state", isState("idle"))

	res, err := http.Post(ts.URL+"/v1/live/session/"+sessionID+"/end", "application/json", nil)
	if err != nil {
		t.Fatalf("end request error = %v", err)
	}
	res.Body.Close()
	closed := readUntil(t, conn, "session_closed", isType("session_closed"))
	if closed["reason"] != session.EndReasonClient {
		t.Fatalf("session_closed = %+v", closed)
	}
}

func TestSessionWSReconnectFailsOrphanedCapture(t *testing.T) {
	ts := newTestServer(t, "remote")
	sessionID := createSession(t, ts, "u1")["session_id"].(string)
	first := dialSession(t, ts, sessionID)
	readUntil(t, first, "initial state", isState("idle"))

	_ = first.WriteJSON(map[string]string{"type": "client_control", "session_id": sessionID, "action": "begin"})
	readUntil(t, first, "capture_start", isType("capture_start"))

	second := dialSession(t, ts, sessionID)
	failed := readUntil(t, second, "error state", isState("error"))
	if failed["reason"] != "client disconnected" {
		t.Fatalf("error state = %+v", failed)
	}
	first.Close()

	_ = second.WriteJSON(map[string]string{"type": "client_control", "session_id": sessionID, "action": "ack_error"})
	readUntil(t, second, "idle after ack", isState("idle"))
	_ = second.WriteJSON(map[string]string{"type": "client_control", "session_id": sessionID, "action": "begin"})
	readUntil(t, second, "capture_start on new client", isType("capture_start"))
}
