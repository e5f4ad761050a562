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

// Package csp receives browser Content Security Policy violation
// reports and records them as security events.
package csp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type (
	// Report is a CSP violation report.
	Report struct {
		DocumentURI        string `json:"document-uri"`
		Referrer           string `json:"referrer,omitempty"`
		ViolatedDirective  string `json:"violated-directive"`
		EffectiveDirective string `json:"effective-directive,omitempty"`
		OriginalPolicy     string `json:"original-policy,omitempty"`
		BlockedURI         string `json:"blocked-uri,omitempty"`
		SourceFile         string `json:"source-file,omitempty"`
		LineNumber         int    `json:"line-number,omitempty"`
		ColumnNumber       int    `json:"column-number,omitempty"`
		StatusCode         int    `json:"status-code,omitempty"`
		ScriptSample       string `json:"script-sample,omitempty"`
		Disposition        string `json:"disposition,omitempty"`
	}

	// envelopeEvent is the event of the internal security event
	// envelope. It uses camel case names.
	envelopeEvent struct {
		DocumentURI        string `json:"documentUri"`
		Referrer           string `json:"referrer"`
		ViolatedDirective  string `json:"violatedDirective"`
		EffectiveDirective string `json:"effectiveDirective"`
		BlockedURI         string `json:"blockedUri"`
		SourceFile         string `json:"sourceFile"`
		LineNumber         int    `json:"lineNumber"`
		ColumnNumber       int    `json:"columnNumber"`
		ScriptSample       string `json:"sample"`
		Disposition        string `json:"disposition"`
	}
)

const (
	envelopeType = "security_event"

	maxSampleLength = 40
)

var (
	ErrUnrecognizedReport = errors.New("unrecognized report shape")
	ErrMissingDirective   = errors.New("missing violated directive")
	ErrMissingDocumentURI = errors.New("missing document uri")
)

// Parse decodes a report wrapped in {"csp-report": ...}, a bare
// report, or an internal {"type": "security_event", "event": ...}
// envelope.
func Parse(body []byte) (*Report, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("cannot decode report: %w", err)
	}

	if raw, ok := fields["csp-report"]; ok {
		return decodeReport(raw)
	}

	if raw, ok := fields["event"]; ok && envelopeKind(fields["type"]) == envelopeType {
		var e envelopeEvent
		if err := strictDecode(raw, &e); err != nil {
			return nil, fmt.Errorf("cannot decode security event: %w", err)
		}

		return &Report{
			DocumentURI:        e.DocumentURI,
			Referrer:           e.Referrer,
			ViolatedDirective:  e.ViolatedDirective,
			EffectiveDirective: e.EffectiveDirective,
			BlockedURI:         e.BlockedURI,
			SourceFile:         e.SourceFile,
			LineNumber:         e.LineNumber,
			ColumnNumber:       e.ColumnNumber,
			ScriptSample:       e.ScriptSample,
			Disposition:        e.Disposition,
		}, nil
	}

	for _, k := range []string{"document-uri", "violated-directive", "effective-directive"} {
		if _, ok := fields[k]; ok {
			return decodeReport(body)
		}
	}

	return nil, ErrUnrecognizedReport
}

func envelopeKind(raw json.RawMessage) string {
	var s string
	_ = json.Unmarshal(raw, &s)
	return s
}

func decodeReport(raw json.RawMessage) (*Report, error) {
	var r Report
	if err := strictDecode(raw, &r); err != nil {
		return nil, fmt.Errorf("cannot decode report: %w", err)
	}

	return &r, nil
}

// strictDecode rejects non object values and type mismatches but
// tolerates unknown fields.
func strictDecode(raw json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ErrUnrecognizedReport
	}

	return json.Unmarshal(trimmed, v)
}

// Directive returns the effective directive, falling back to the
// violated one. It is the directive the report is classified under.
func (r *Report) Directive() string {
	if d := strings.TrimSpace(r.EffectiveDirective); d != "" {
		return d
	}

	d, _, _ := strings.Cut(strings.TrimSpace(r.ViolatedDirective), " ")
	return d
}

func (r *Report) Validate() error {
	var errs []error

	if strings.TrimSpace(r.ViolatedDirective) == "" {
		errs = append(errs, ErrMissingDirective)
	}
	if strings.TrimSpace(r.DocumentURI) == "" {
		errs = append(errs, ErrMissingDocumentURI)
	}

	return errors.Join(errs...)
}

// Sanitize removes the query and fragment of every URI, drops NUL
// characters and truncates the script sample.
func (r *Report) Sanitize() {
	for _, f := range []*string{
		&r.DocumentURI,
		&r.Referrer,
		&r.ViolatedDirective,
		&r.EffectiveDirective,
		&r.OriginalPolicy,
		&r.BlockedURI,
		&r.SourceFile,
		&r.ScriptSample,
		&r.Disposition,
	} {
		*f = strings.ReplaceAll(*f, "\x00", "")
	}

	r.DocumentURI = StripQuery(r.DocumentURI)
	r.Referrer = StripQuery(r.Referrer)
	r.BlockedURI = StripQuery(r.BlockedURI)
	r.SourceFile = StripQuery(r.SourceFile)

	if len(r.ScriptSample) > maxSampleLength {
		r.ScriptSample = strings.ToValidUTF8(r.ScriptSample[:maxSampleLength], "")
	}
}

// StripQuery drops everything from the first '?' or '#'.
func StripQuery(uri string) string {
	if i := strings.IndexAny(uri, "?#"); i >= 0 {
		return uri[:i]
	}

	return uri
}
