package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/geminilive/internal/protocol"
)

type options struct {
	baseURL        string
	userID         string
	turns          int
	voice          bool
	startDelay     time.Duration
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	texts          []string
	verbose        bool
	out            io.Writer
}

type createSessionRequest struct {
	UserID string `json:"user_id,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type wsEnvelope struct {
	Type        string `json:"type"`
	State       string `json:"state,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Sender      string `json:"sender,omitempty"`
	Content     string `json:"content,omitempty"`
	CaptureID   string `json:"capture_id,omitempty"`
	UtteranceID string `json:"utterance_id,omitempty"`
	Code        string `json:"code,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

type turnResult struct {
	Text       string
	Reply      string
	FirstReply time.Duration
	Total      time.Duration
}

var defaultUtterances = []string{
	"hello",
	"tell me a joke",
	"what is the weather like",
	"tell me a fun fact",
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "perflive: %v\n", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()
	if _, err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perflive: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	cfg := options{out: os.Stdout}
	var textsRaw string
	var startDelayMS int
	var interTurnMS int
	var turnTimeoutMS int

	fs := flag.NewFlagSet("perflive", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "geminilive base URL")
	fs.StringVar(&cfg.userID, "user-id", "perf-replay", "user_id used for the synthetic session")
	fs.IntVar(&cfg.turns, "turns", 10, "number of turns to replay")
	fs.BoolVar(&cfg.voice, "voice", false, "drive turns through begin/transcript_final and acknowledge speak (needs LIVE_VOICE_MODE=remote)")
	fs.IntVar(&startDelayMS, "start-delay-ms", 200, "delay before first synthetic turn in milliseconds")
	fs.IntVar(&interTurnMS, "inter-turn-ms", 180, "delay between turns in milliseconds")
	fs.IntVar(&turnTimeoutMS, "turn-timeout-ms", 15000, "timeout waiting for a turn to return to idle in milliseconds")
	fs.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if startDelayMS < 0 {
		startDelayMS = 0
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.startDelay = time.Duration(startDelayMS) * time.Millisecond
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond

	texts, err := parseTexts(textsRaw)
	if err != nil {
		return options{}, err
	}
	cfg.texts = texts
	return cfg, nil
}

func parseTexts(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return append([]string(nil), defaultUtterances...), nil
	}
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("texts produced no non-empty utterances")
	}
	return out, nil
}

func run(ctx context.Context, cfg options) ([]turnResult, error) {
	httpClient := &http.Client{Timeout: 45 * time.Second}
	sessionID, err := createSession(ctx, httpClient, cfg)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), httpClient, cfg.baseURL, sessionID)
	}()
	cfg.logf("perflive: session=%s turns=%d voice=%t\n", sessionID, cfg.turns, cfg.voice)

	wsURL, err := wsURLForSession(cfg.baseURL, sessionID)
	if err != nil {
		return nil, fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	if cfg.startDelay > 0 {
		time.Sleep(cfg.startDelay)
	}

	events := make(chan wsEnvelope, 64)
	readErrCh := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go readLoop(conn, events, readErrCh, done)

	results := make([]turnResult, 0, cfg.turns)
	for i := 0; i < cfg.turns; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		cfg.logf("perflive: turn %d/%d text=%q\n", i+1, cfg.turns, text)

		res, err := driveTurn(conn, sessionID, text, cfg, events, readErrCh)
		if err != nil {
			return results, fmt.Errorf("turn %d: %w", i+1, err)
		}
		cfg.logf("perflive: turn %d reply=%q first_reply=%s total=%s\n", i+1, res.Reply, res.FirstReply.Round(time.Millisecond), res.Total.Round(time.Millisecond))
		results = append(results, res)
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	printSummary(cfg, results)
	return results, nil
}

// driveTurn submits one utterance and plays the browser's part until the
// session is idle again.
func driveTurn(conn *websocket.Conn, sessionID, text string, cfg options, events <-chan wsEnvelope, readErrCh <-chan error) (turnResult, error) {
	started := time.Now()
	res := turnResult{Text: text}

	if cfg.voice {
		if err := conn.WriteJSON(protocol.ClientControl{Type: protocol.TypeClientControl, SessionID: sessionID, Action: protocol.ActionBegin}); err != nil {
			return res, fmt.Errorf("send begin: %w", err)
		}
	} else {
		if err := conn.WriteJSON(protocol.ClientText{Type: protocol.TypeClientText, SessionID: sessionID, Text: text}); err != nil {
			return res, fmt.Errorf("send text: %w", err)
		}
	}

	timer := time.NewTimer(cfg.turnTimeout)
	defer timer.Stop()
	busy := false
	for {
		select {
		case err := <-readErrCh:
			return res, fmt.Errorf("ws read: %w", err)
		case <-timer.C:
			return res, fmt.Errorf("timeout after %s", cfg.turnTimeout)
		case env := <-events:
			switch env.Type {
			case string(protocol.TypeCaptureStart):
				if err := conn.WriteJSON(protocol.TranscriptFinal{
					Type:      protocol.TypeTranscriptFinal,
					SessionID: sessionID,
					CaptureID: env.CaptureID,
					Text:      text,
				}); err != nil {
					return res, fmt.Errorf("send transcript: %w", err)
				}
			case string(protocol.TypeSpeak):
				if err := conn.WriteJSON(protocol.PlaybackFinished{
					Type:        protocol.TypePlaybackFinished,
					SessionID:   sessionID,
					UtteranceID: env.UtteranceID,
					Status:      protocol.PlaybackCompleted,
				}); err != nil {
					return res, fmt.Errorf("send playback_finished: %w", err)
				}
			case string(protocol.TypeMessageAppended):
				if env.Sender == "assistant" && res.Reply == "" {
					res.Reply = env.Content
					res.FirstReply = time.Since(started)
				}
			case string(protocol.TypeStateChanged):
				switch env.State {
				case "thinking", "listening", "speaking":
					busy = true
				case "idle":
					if busy {
						res.Total = time.Since(started)
						return res, nil
					}
				case "error":
					return res, fmt.Errorf("session error: %s", env.Reason)
				}
			case string(protocol.TypeErrorEvent):
				return res, fmt.Errorf("error_event code=%s detail=%s", env.Code, env.Detail)
			case string(protocol.TypeSessionClosed):
				return res, fmt.Errorf("session closed: %s", env.Reason)
			}
		}
	}
}

func printSummary(cfg options, results []turnResult) {
	if !cfg.verbose || len(results) == 0 {
		return
	}
	totals := make([]time.Duration, 0, len(results))
	for _, r := range results {
		totals = append(totals, r.Total)
	}
	sort.Slice(totals, func(i, j int) bool { return totals[i] < totals[j] })
	p50 := totals[len(totals)/2]
	p95 := totals[(len(totals)*95)/100]
	cfg.logf("perflive: replay completed turns=%d p50=%s p95=%s\n", len(results), p50.Round(time.Millisecond), p95.Round(time.Millisecond))
}

func (o options) logf(format string, args ...any) {
	if o.verbose && o.out != nil {
		fmt.Fprintf(o.out, format, args...)
	}
}

func createSession(ctx context.Context, client *http.Client, cfg options) (string, error) {
	payload, err := json.Marshal(createSessionRequest{UserID: cfg.userID})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/live/session", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out createSessionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return out.SessionID, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/live/session/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/live/session/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, events chan<- wsEnvelope, readErrCh chan<- error, done <-chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		select {
		case events <- env:
		case <-done:
			return
		}
	}
}
