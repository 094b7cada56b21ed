package reliability

import (
	"context"
	"errors"
	"strings"
	"time"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

type coded interface{ ErrorCode() string }

type retryable interface{ Retryable() bool }

var recognitionReasons = map[string]string{
	"not-allowed":            "microphone permission denied",
	"service-not-allowed":    "speech recognition is not allowed",
	"audio-capture":          "no microphone available",
	"no-speech":              "no speech detected",
	"network":                "speech recognition network error",
	"aborted":                "speech recognition aborted",
	"language-not-supported": "speech recognition language not supported",
}

// Describe turns a port or generator error into the short reason shown with
// the Error state.
func Describe(err error) string {
	if err == nil {
		return "unknown error"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "response timed out"
	}

	var c coded
	if errors.As(err, &c) {
		if reason, ok := recognitionReasons[strings.ToLower(c.ErrorCode())]; ok {
			return reason
		}
	}
	var r retryable
	if errors.As(err, &r) {
		if r.Retryable() {
			return "the assistant is temporarily unavailable"
		}
		return "the assistant could not handle the request"
	}

	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return "unknown error"
	}
	return msg
}
