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

package csp

import (
	"net/url"
	"strings"

	"go.gearno.de/gatekeeper/security"
)

type (
	// Classification is the outcome of analysing a report.
	Classification struct {
		Severity   security.Severity
		Indicators []string
	}

	// Classifier grades reports. Domains lists the operator's own
	// hosts; connections to them are never exfiltration.
	Classifier struct {
		Domains []string
	}
)

const (
	IndicatorInlineScript   = "inline_script_injection"
	IndicatorDangerousURI   = "dangerous_uri_scheme"
	IndicatorEval           = "eval_usage"
	IndicatorSuspiciousTLD  = "suspicious_domain"
	IndicatorExfiltration   = "data_exfiltration"
	attackIndicatorsMinimum = 2
)

var (
	disposableTLDs = []string{
		".tk", ".ml", ".ga", ".cf", ".gq",
		".xyz", ".top", ".pw", ".click", ".zip",
	}
)

// Classify grades r. The report is expected to be sanitized.
func (c Classifier) Classify(r *Report) Classification {
	var (
		directive = strings.ToLower(r.Directive())
		blocked   = strings.ToLower(strings.TrimSpace(r.BlockedURI))
		isScript  = strings.HasPrefix(directive, "script-src")
		scheme    = uriScheme(blocked)
		result    = Classification{Severity: security.CSPDirectiveSeverity(directive)}
	)

	if isScript && (blocked == "inline" || scheme == "javascript" || scheme == "data") {
		result.Indicators = append(result.Indicators, IndicatorInlineScript)
	}

	if scheme == "javascript" || (isScript && scheme == "data") {
		result.Indicators = append(result.Indicators, IndicatorDangerousURI)
	}

	if blocked == "eval" || strings.Contains(strings.ToLower(r.ScriptSample), "eval(") {
		result.Indicators = append(result.Indicators, IndicatorEval)
	}

	host := uriHost(blocked)

	if isScript && host != "" && hasDisposableTLD(host) {
		result.Indicators = append(result.Indicators, IndicatorSuspiciousTLD)
	}

	if strings.HasPrefix(directive, "connect-src") && host != "" && !c.ownHost(host, uriHost(strings.ToLower(r.DocumentURI))) {
		result.Indicators = append(result.Indicators, IndicatorExfiltration)
	}

	return result
}

// Attack reports whether enough indicators were found to suspect the
// reporting client.
func (c Classification) Attack() bool {
	return len(c.Indicators) >= attackIndicatorsMinimum
}

func (c Classifier) ownHost(host, documentHost string) bool {
	if host == documentHost {
		return true
	}

	for _, d := range c.Domains {
		d = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(d), "."))
		if d == "" {
			continue
		}

		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}

	return false
}

func hasDisposableTLD(host string) bool {
	for _, tld := range disposableTLDs {
		if strings.HasSuffix(host, tld) {
			return true
		}
	}

	return false
}

func uriScheme(uri string) string {
	scheme, _, ok := strings.Cut(uri, ":")
	if !ok {
		return ""
	}

	return scheme
}

func uriHost(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "wss" && u.Scheme != "ws") {
		return ""
	}

	return u.Hostname()
}
