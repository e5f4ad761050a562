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

// Package policy resolves the rate limit policy applying to a route.
//
// Policies come from a declarative file mapping route paths to
// {windowSizeMs, maxRequests, keyPrefix}. Routes absent from the file
// get a one minute window whose limit is the requests per minute
// default of the caller class.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type (
	// RoutePolicy is the quota governing one route.
	RoutePolicy struct {
		Window      time.Duration
		MaxRequests int
		KeyPrefix   string
	}

	// Class buckets callers for the default policies.
	Class string

	// Defaults holds the requests per minute applied to routes
	// without an explicit policy.
	Defaults struct {
		UnauthenticatedRPM int `json:"unauthenticatedRpm"`
		AuthenticatedRPM   int `json:"authenticatedRpm"`
		WebhookRPM         int `json:"webhookRpm"`
	}

	filePolicy struct {
		WindowSizeMs int64  `json:"windowSizeMs"`
		MaxRequests  int    `json:"maxRequests"`
		KeyPrefix    string `json:"keyPrefix,omitempty"`
	}
)

const (
	ClassUnauthenticated Class = "unauthenticated"
	ClassAuthenticated   Class = "authenticated"
	ClassWebhook         Class = "webhook"

	DefaultWindow    = time.Minute
	DefaultKeyPrefix = "rl:"
)

var (
	ErrInvalidWindow      = errors.New("window must be positive")
	ErrInvalidMaxRequests = errors.New("max requests must be positive")
)

// DefaultDefaults returns the built-in requests per minute of each
// class.
func DefaultDefaults() Defaults {
	return Defaults{
		UnauthenticatedRPM: 100,
		AuthenticatedRPM:   1000,
		WebhookRPM:         50,
	}
}

// RPM returns the requests per minute of class c. Unknown classes
// get the unauthenticated limit.
func (d Defaults) RPM(c Class) int {
	switch c {
	case ClassAuthenticated:
		return d.AuthenticatedRPM
	case ClassWebhook:
		return d.WebhookRPM
	default:
		return d.UnauthenticatedRPM
	}
}

// normalize replaces non positive values with the built-in ones.
func (d Defaults) normalize() Defaults {
	builtin := DefaultDefaults()

	if d.UnauthenticatedRPM <= 0 {
		d.UnauthenticatedRPM = builtin.UnauthenticatedRPM
	}
	if d.AuthenticatedRPM <= 0 {
		d.AuthenticatedRPM = builtin.AuthenticatedRPM
	}
	if d.WebhookRPM <= 0 {
		d.WebhookRPM = builtin.WebhookRPM
	}

	return d
}

func (p RoutePolicy) Validate() error {
	var errs []error

	if p.Window <= 0 {
		errs = append(errs, ErrInvalidWindow)
	}
	if p.MaxRequests <= 0 {
		errs = append(errs, ErrInvalidMaxRequests)
	}

	return errors.Join(errs...)
}

func (p RoutePolicy) MarshalJSON() ([]byte, error) {
	return json.Marshal(
		filePolicy{
			WindowSizeMs: p.Window.Milliseconds(),
			MaxRequests:  p.MaxRequests,
			KeyPrefix:    p.KeyPrefix,
		},
	)
}

// UnmarshalJSON decodes and validates a policy. An empty key prefix
// is replaced with DefaultKeyPrefix.
func (p *RoutePolicy) UnmarshalJSON(data []byte) error {
	var fp filePolicy
	if err := json.Unmarshal(data, &fp); err != nil {
		return fmt.Errorf("cannot decode policy: %w", err)
	}

	rp := RoutePolicy{
		Window:      time.Duration(fp.WindowSizeMs) * time.Millisecond,
		MaxRequests: fp.MaxRequests,
		KeyPrefix:   fp.KeyPrefix,
	}

	if rp.KeyPrefix == "" {
		rp.KeyPrefix = DefaultKeyPrefix
	}

	if err := rp.Validate(); err != nil {
		return err
	}

	*p = rp
	return nil
}
