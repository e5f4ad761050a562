// Copyright (c) 2026.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

package security

import (
	"context"
	"time"
)

type (
	// RateLimitViolation describes a denied request.
	RateLimitViolation struct {
		Source    string
		IPAddress string
		UserID    string
		Route     string
		UserAgent string

		// Attempts is the number of requests counted in the window,
		// the denied one included.
		Attempts int64
		Limit    int
		Window   time.Duration
	}

	// Assessment is the outcome of a correlation detector.
	Assessment struct {
		Suspicious bool
		Confidence float64
		Indicators []string
	}
)

const (
	IndicatorExcessiveAttempts = "excessive_attempts"
	IndicatorSustainedFlood    = "sustained_flood"
	IndicatorExtremeFlood      = "extreme_flood"
)

// Confidence returns min(indicators/3, 1).
func Confidence(indicators int) float64 {
	return min(float64(indicators)/3, 1)
}

// DetectRateLimitAbuse flags callers whose attempts exceed twice the
// limit. Each further order of magnitude of excess adds an indicator.
func DetectRateLimitAbuse(attempts int64, limit int) Assessment {
	l := int64(limit)
	if l <= 0 || attempts <= 2*l {
		return Assessment{}
	}

	indicators := []string{IndicatorExcessiveAttempts}
	if attempts > 5*l {
		indicators = append(indicators, IndicatorSustainedFlood)
	}
	if attempts > 10*l {
		indicators = append(indicators, IndicatorExtremeFlood)
	}

	return Assessment{
		Suspicious: true,
		Confidence: Confidence(len(indicators)),
		Indicators: indicators,
	}
}

// RateLimitExceeded records the violation and, when the attempts make
// the caller look abusive, an additional suspicious_ip event.
func (l *Logger) RateLimitExceeded(ctx context.Context, v RateLimitViolation) {
	source := v.Source
	if source == "" {
		source = "rate_limiter"
	}

	base := Input{
		Source:    source,
		IPAddress: v.IPAddress,
		UserID:    v.UserID,
		Route:     v.Route,
		UserAgent: v.UserAgent,
	}

	primary := base
	primary.Type = EventRateLimitExceeded
	primary.Payload = map[string]any{
		PayloadAttempts: v.Attempts,
		PayloadLimit:    v.Limit,
		PayloadWindowMs: v.Window.Milliseconds(),
	}
	l.Log(ctx, primary)

	a := DetectRateLimitAbuse(v.Attempts, v.Limit)
	if !a.Suspicious {
		return
	}

	correlated := base
	correlated.Type = EventSuspiciousIP
	correlated.Payload = map[string]any{
		PayloadConfidence: a.Confidence,
		PayloadIndicators: a.Indicators,
		PayloadAttempts:   v.Attempts,
		PayloadLimit:      v.Limit,
		"trigger":         string(EventRateLimitExceeded),
	}
	l.Log(ctx, correlated)
}
