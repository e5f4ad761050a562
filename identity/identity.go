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

// Package identity derives the rate limit identity and the caller
// class of an inbound request.
//
// The bearer token is decoded without verifying its signature: the
// subject is trusted as-is and must have been authenticated by an
// upstream layer.
package identity

import (
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.gearno.de/gatekeeper/policy"
)

type (
	// Identity is who a request is accounted to.
	Identity struct {
		// IP is the client address as observed through the proxy
		// headers.
		IP string

		// Subject is the bearer token subject, empty for anonymous
		// callers.
		Subject string
	}
)

const (
	UnknownIP = "unknown"

	webhookPrefix = "/webhook"
)

// Extract returns the identity of r.
func Extract(r *http.Request) Identity {
	subject, _ := BearerSubject(r.Header.Get("Authorization"))

	return Identity{
		IP:      ClientIP(r),
		Subject: subject,
	}
}

// Authenticated reports whether the identity carries a subject.
func (id Identity) Authenticated() bool {
	return id.Subject != ""
}

// Key returns the bucket identity: "user:<subject>" for authenticated
// callers and "ip:<address>" otherwise.
func (id Identity) Key() string {
	if id.Authenticated() {
		return "user:" + id.Subject
	}

	return "ip:" + id.IP
}

// ClientIP returns the first X-Forwarded-For entry, else X-Real-IP,
// else CF-Connecting-IP, else the host of RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	for _, h := range []string{"X-Real-IP", "CF-Connecting-IP"} {
		if ip := strings.TrimSpace(r.Header.Get(h)); ip != "" {
			return ip
		}
	}

	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}

	if addr != "" {
		return addr
	}

	return UnknownIP
}

// BearerSubject extracts the "sub" claim of a bearer JWT from an
// Authorization header value. The signature is not verified.
func BearerSubject(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}

	token = strings.TrimSpace(token)
	if strings.Count(token, ".") != 2 {
		return "", false
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", false
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", false
	}

	return sub, true
}

// Classify returns the caller class of a request to path made by id.
func Classify(path string, id Identity) policy.Class {
	switch {
	case strings.HasPrefix(path, webhookPrefix):
		return policy.ClassWebhook
	case id.Authenticated():
		return policy.ClassAuthenticated
	default:
		return policy.ClassUnauthenticated
	}
}
