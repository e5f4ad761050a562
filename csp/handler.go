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
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/gatekeeper/identity"
	"go.gearno.de/gatekeeper/internal/promutil"
	"go.gearno.de/gatekeeper/log"
	"go.gearno.de/gatekeeper/policy"
	"go.gearno.de/gatekeeper/security"
)

type (
	// Handler is the CSP report endpoint. It answers 204 to every
	// well formed report whatever its classification, and 400 with
	// an empty body otherwise.
	Handler struct {
		events     *security.Logger
		classifier Classifier
		logger     *log.Logger

		reportsTotal *prometheus.CounterVec
	}

	Option func(h *Handler)
)

const (
	// Route is the route key the handler is rate limited under.
	Route = "/api/csp-report"

	MaxBodySize = 64 << 10

	eventSource = "csp_report"
)

// DefaultPolicy returns the quota of Route when the policy file does
// not override it.
func DefaultPolicy() policy.RoutePolicy {
	return policy.RoutePolicy{
		Window:      time.Minute,
		MaxRequests: 20,
		KeyPrefix:   policy.DefaultKeyPrefix,
	}
}

func WithLogger(l *log.Logger) Option {
	return func(h *Handler) {
		h.logger = l.Named("csp")
	}
}

// WithAllowedDomains sets the operator hosts connect-src targets may
// reach without being flagged as exfiltration.
func WithAllowedDomains(domains ...string) Option {
	return func(h *Handler) {
		h.classifier.Domains = domains
	}
}

func WithRegisterer(r prometheus.Registerer) Option {
	return func(h *Handler) {
		h.registerMetrics(r)
	}
}

func NewHandler(events *security.Logger, options ...Option) *Handler {
	h := &Handler{
		events: events,
		logger: log.NewLogger(log.WithOutput(io.Discard)),
	}

	h.registerMetrics(prometheus.DefaultRegisterer)

	for _, o := range options {
		o(h)
	}

	return h
}

func (h *Handler) registerMetrics(r prometheus.Registerer) {
	h.reportsTotal = promutil.Register(
		r,
		prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: "csp",
				Name:      "reports_total",
				Help:      "Total number of CSP reports received.",
			},
			[]string{"result"},
		),
	)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	header := w.Header()
	header.Set("Access-Control-Allow-Origin", "*")
	header.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	header.Set("Access-Control-Allow-Headers", "Content-Type")

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodPost:
	default:
		header.Set("Allow", "POST, OPTIONS")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reject(w, r, "too_large", err)
			return
		}

		h.reject(w, r, "unreadable", err)
		return
	}

	report, err := Parse(body)
	if err != nil {
		h.reject(w, r, "malformed", err)
		return
	}

	if err := report.Validate(); err != nil {
		h.reject(w, r, "invalid", err)
		return
	}

	report.Sanitize()
	c := h.classifier.Classify(report)

	id := identity.Extract(r)
	base := security.Input{
		Source:    eventSource,
		IPAddress: id.IP,
		UserID:    id.Subject,
		Route:     Route,
		UserAgent: r.UserAgent(),
	}

	violation := base
	violation.Type = security.EventCSPViolation
	violation.Payload = map[string]any{
		security.PayloadDirective:  report.Directive(),
		security.PayloadIndicators: c.Indicators,
		"violatedDirective":        report.ViolatedDirective,
		"documentUri":              report.DocumentURI,
		"blockedUri":               report.BlockedURI,
		"sourceFile":               report.SourceFile,
		"lineNumber":               report.LineNumber,
		"disposition":              report.Disposition,
		"scriptSample":             report.ScriptSample,
	}
	h.events.Log(ctx, violation)

	if c.Attack() {
		suspicious := base
		suspicious.Type = security.EventSuspiciousIP
		suspicious.Payload = map[string]any{
			security.PayloadConfidence: security.Confidence(len(c.Indicators)),
			security.PayloadIndicators: c.Indicators,
			security.PayloadDirective:  report.Directive(),
			"blockedUri":               report.BlockedURI,
			"trigger":                  string(security.EventCSPViolation),
		}
		h.events.Log(ctx, suspicious)

		h.logger.WarnCtx(
			ctx,
			"csp report matches an attack pattern",
			log.String("directive", report.Directive()),
			log.Any("indicators", c.Indicators),
		)
	}

	h.reportsTotal.WithLabelValues("accepted").Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request, result string, err error) {
	h.reportsTotal.WithLabelValues(result).Inc()
	h.logger.DebugCtx(r.Context(), "rejecting csp report", log.String("reason", result), log.Error(err))
	w.WriteHeader(http.StatusBadRequest)
}
