package brain

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/geminilive/internal/reliability"
)

const (
	defaultHTTPRetries     = 2
	defaultHTTPBackoffBase = 200 * time.Millisecond
	defaultHTTPBackoffCap  = 2 * time.Second
)

// StatusError is a non-2xx reply from the response endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("brain http status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Retryable() bool { return reliability.IsRetryableHTTPStatus(e.Code) }

type httpRequest struct {
	SessionID string `json:"session_id"`
	InputText string `json:"input_text"`
}

// HTTP forwards queries to a JSON endpoint. Replies may be a JSON object, plain
// text, server-sent events or newline-delimited JSON.
type HTTP struct {
	url         string
	client      *http.Client
	retries     int
	backoffBase time.Duration
	backoffCap  time.Duration
}

func NewHTTP(url string) *HTTP {
	return &HTTP{
		url:         strings.TrimSpace(url),
		client:      &http.Client{Timeout: 60 * time.Second},
		retries:     defaultHTTPRetries,
		backoffBase: defaultHTTPBackoffBase,
		backoffCap:  defaultHTTPBackoffCap,
	}
}

// ForSession binds the generator to a session id sent with every request.
func (h *HTTP) ForSession(sessionID string) *HTTPSession {
	return &HTTPSession{http: h, sessionID: sessionID}
}

type HTTPSession struct {
	http      *HTTP
	sessionID string
}

func (s *HTTPSession) Generate(ctx context.Context, query string) (string, error) {
	return s.http.generate(ctx, httpRequest{SessionID: s.sessionID, InputText: query})
}

func (h *HTTP) generate(ctx context.Context, req httpRequest) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= h.retries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(reliability.ExponentialBackoff(attempt-1, h.backoffBase, h.backoffCap))
			select {
			case <-ctx.Done():
				timer.Stop()
				return "", ctx.Err()
			case <-timer.C:
			}
		}
		text, err := h.do(ctx, req)
		if err == nil {
			return text, nil
		}
		lastErr = err
		var status *StatusError
		if !errors.As(err, &status) || !status.Retryable() {
			return "", err
		}
	}
	return "", lastErr
}

func (h *HTTP) do(ctx context.Context, req httpRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := h.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", &StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	if strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "application/x-ndjson") {
		return consumeStream(res.Body)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return strings.TrimSpace(string(body)), nil
	}
	return extractText(obj), nil
}

// consumeStream concatenates the text of SSE "data:" lines or NDJSON records.
func consumeStream(body io.Reader) (string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		if line == "[DONE]" {
			break
		}

		delta := line
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err == nil {
			delta = extractText(obj)
		} else if out.Len() > 0 {
			delta = " " + delta
		}
		out.WriteString(delta)
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("stream read: %w", err)
	}
	return strings.TrimSpace(out.String()), nil
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"text", "delta", "output", "message"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
