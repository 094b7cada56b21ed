package main

import (
	"bytes"
	"context"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/geminilive/internal/app"
	"github.com/ent0n29/geminilive/internal/config"
	"github.com/ent0n29/geminilive/internal/observability"
)

func newLiveServer(t *testing.T, voiceMode string) *httptest.Server {
	t.Helper()
	cfg := config.Config{
		VoiceMode:                voiceMode,
		MockUtterance:            "hello",
		MockSpeechWPM:            60000,
		BrainMode:                "canned",
		CannedMinDelay:           time.Millisecond,
		CannedMaxDelay:           2 * time.Millisecond,
		GenerateTimeout:          time.Second,
		MaxMessages:              50,
		AnnounceInterrupt:        true,
		SessionInactivityTimeout: time.Minute,
	}
	reg := prometheus.NewRegistry()
	res, err := app.BuildWith(context.Background(), cfg, app.Options{
		Metrics:  observability.NewMetricsWithRegistry("test_perflive", reg),
		Gatherer: reg,
		Logger:   log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("BuildWith() error = %v", err)
	}
	ts := httptest.NewServer(res.API.Router())
	t.Cleanup(func() {
		ts.Close()
		_ = res.Cleanup()
	})
	return ts
}

func replayOptions(baseURL string, voice bool) options {
	return options{
		baseURL:     baseURL,
		userID:      "perf",
		turns:       3,
		voice:       voice,
		turnTimeout: 5 * time.Second,
		texts:       []string{"hello", "tell me a joke"},
		verbose:     true,
		out:         &bytes.Buffer{},
	}
}

func TestRunTextTurns(t *testing.T) {
	ts := newLiveServer(t, "mock")
	cfg := replayOptions(ts.URL, false)

	results, err := run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	if results[0].Reply != "Hello there! How can I assist you today?" {
		t.Fatalf("first reply = %q", results[0].Reply)
	}
	for i, r := range results {
		if r.Reply == "" || r.Total < r.FirstReply {
			t.Fatalf("result %d = %+v", i, r)
		}
	}
	if out := cfg.out.(*bytes.Buffer).String(); !strings.Contains(out, "replay completed turns=3") {
		t.Fatalf("summary missing from output:\n%s", out)
	}
}

func TestRunVoiceTurnsOverRemoteBridge(t *testing.T) {
	ts := newLiveServer(t, "remote")
	results, err := run(context.Background(), replayOptions(ts.URL, true))
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if len(results) != 3 || results[1].Text != "tell me a joke" || results[1].Reply == "" {
		t.Fatalf("results = %+v", results)
	}
}

func TestParseFlagsAndTexts(t *testing.T) {
	cfg, err := parseFlags([]string{"-base-url", "http://localhost:9090/", "-turns", "2", "-texts", " a | |b ", "-turn-timeout-ms", "10"})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if cfg.baseURL != "http://localhost:9090" || cfg.turns != 2 || cfg.turnTimeout != time.Second {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.texts) != 2 || cfg.texts[0] != "a" || cfg.texts[1] != "b" {
		t.Fatalf("texts = %q", cfg.texts)
	}

	if _, err := parseFlags([]string{"-turns", "0"}); err == nil {
		t.Fatalf("expected error for zero turns")
	}
	if _, err := parseTexts(" | "); err == nil {
		t.Fatalf("expected error for blank texts")
	}
}

func TestWSURLForSession(t *testing.T) {
	cases := []struct {
		base, want string
		wantErr    bool
	}{
		{"http://127.0.0.1:8080", "ws://127.0.0.1:8080/v1/live/session/ws?session_id=s1", false},
		{"https://example.com/api/", "wss://example.com/api/v1/live/session/ws?session_id=s1", false},
		{"ftp://example.com", "", true},
		{"http://", "", true},
	}
	for _, tc := range cases {
		got, err := wsURLForSession(tc.base, "s1")
		if (err != nil) != tc.wantErr {
			t.Fatalf("wsURLForSession(%q) error = %v, wantErr %v", tc.base, err, tc.wantErr)
		}
		if got != tc.want {
			t.Fatalf("wsURLForSession(%q) = %q, want %q", tc.base, got, tc.want)
		}
	}
}
