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

// Package security records classified security events.
//
// Events are built synchronously, assigned a severity by
// deterministic rules over their type and payload, and handed to a
// bounded queue drained by background workers writing to a Sink.
// Recording never fails the caller: a full queue drops the event and
// sink errors are only logged.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"
	"time"

	"go.gearno.de/crypto/uuid"
)

type (
	EventType string

	Severity string

	// Input describes an observation to record. UserAgent is reduced
	// to a fingerprint and never stored verbatim.
	Input struct {
		Type        EventType
		Source      string
		IPAddress   string
		UserID      string
		Route       string
		UserAgent   string
		CountryCode string
		Payload     map[string]any
	}

	// Event is an immutable security record.
	Event struct {
		ID            string         `json:"id"`
		Type          EventType      `json:"eventType"`
		Severity      Severity       `json:"severity"`
		Source        string         `json:"source"`
		IPAddress     string         `json:"ipAddress"`
		UserID        string         `json:"userId,omitempty"`
		Route         string         `json:"route,omitempty"`
		UserAgentHash string         `json:"userAgentHash,omitempty"`
		CountryCode   string         `json:"countryCode,omitempty"`
		Payload       map[string]any `json:"payload"`
		CreatedAt     time.Time      `json:"createdAt"`
	}
)

const (
	EventRateLimitExceeded EventType = "rate_limit_exceeded"
	EventCSPViolation      EventType = "csp_violation"
	EventAuthAnomaly       EventType = "auth_anomaly"
	EventRLSViolation      EventType = "rls_violation"
	EventErrorBurst        EventType = "error_burst"
	EventSuspiciousIP      EventType = "suspicious_ip"

	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"

	fingerprintLength = 16
)

// NewEvent builds the event of in, created at now.
func NewEvent(in Input, now time.Time) (*Event, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("cannot generate event id: %w", err)
	}

	payload := maps.Clone(in.Payload)
	if payload == nil {
		payload = map[string]any{}
	}

	return &Event{
		ID:            id.String(),
		Type:          in.Type,
		Severity:      Classify(in.Type, payload),
		Source:        in.Source,
		IPAddress:     in.IPAddress,
		UserID:        in.UserID,
		Route:         in.Route,
		UserAgentHash: Fingerprint(in.UserAgent),
		CountryCode:   in.CountryCode,
		Payload:       payload,
		CreatedAt:     now.UTC(),
	}, nil
}

// Fingerprint returns the first 16 hexadecimal characters of the
// SHA-256 of ua, or an empty string when ua is empty.
func Fingerprint(ua string) string {
	if ua == "" {
		return ""
	}

	sum := sha256.Sum256([]byte(ua))
	return hex.EncodeToString(sum[:])[:fingerprintLength]
}
