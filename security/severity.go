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
	"encoding/json"
	"strings"
)

// Payload keys read by the severity rules.
const (
	PayloadAttempts    = "attempts"
	PayloadLimit       = "limit"
	PayloadWindowMs    = "windowMs"
	PayloadDirective   = "directive"
	PayloadAnomalyType = "anomalyType"
	PayloadErrorCount  = "errorCount"
	PayloadConfidence  = "confidence"
	PayloadIndicators  = "indicators"

	AnomalyRoleEscalation = "role_escalation"
)

// Classify returns the severity of an event of type t with payload.
func Classify(t EventType, payload map[string]any) Severity {
	switch t {
	case EventRateLimitExceeded:
		if number(payload[PayloadAttempts]) > 2*number(payload[PayloadLimit]) {
			return SeverityHigh
		}
		return SeverityMedium

	case EventCSPViolation:
		directive, _ := payload[PayloadDirective].(string)
		return CSPDirectiveSeverity(directive)

	case EventAuthAnomaly:
		if anomaly, _ := payload[PayloadAnomalyType].(string); anomaly == AnomalyRoleEscalation {
			return SeverityCritical
		}

		switch attempts := number(payload[PayloadAttempts]); {
		case attempts > 10:
			return SeverityHigh
		case attempts > 5:
			return SeverityMedium
		default:
			return SeverityLow
		}

	case EventRLSViolation:
		return SeverityHigh

	case EventErrorBurst:
		if number(payload[PayloadErrorCount]) > 50 {
			return SeverityCritical
		}
		return SeverityHigh

	case EventSuspiciousIP:
		if number(payload[PayloadConfidence]) >= 0.66 {
			return SeverityHigh
		}
		return SeverityMedium

	default:
		return SeverityLow
	}
}

// CSPDirectiveSeverity grades a violated CSP directive: script
// execution is critical, embedded objects and frames high, network
// connections and form targets medium, anything else low.
func CSPDirectiveSeverity(directive string) Severity {
	d := strings.ToLower(strings.TrimSpace(directive))

	switch {
	case strings.Contains(d, "script"):
		return SeverityCritical
	case strings.Contains(d, "object"), strings.Contains(d, "frame"):
		return SeverityHigh
	case strings.Contains(d, "connect"), strings.Contains(d, "form"):
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func number(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	case float64:
		return n
	case json.Number:
		f, _ := n.Float64()
		return f
	default:
		return 0
	}
}
