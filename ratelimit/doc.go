// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
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

// Package ratelimit decides whether a request is admitted under its
// route policy.
//
// FixedWindowCounter counts requests per key in fixed windows: the
// counter is created with a TTL equal to the window by the first
// request and every later request of the window increments it. When
// the TTL lapses the next request starts a fresh window. Up to twice
// the limit may therefore be admitted across a window boundary.
//
// Counter store failures fail open: the request is admitted with the
// full quota reported as remaining.
//
// Example:
//
//	limiter := ratelimit.NewFixedWindowCounter(store, ratelimit.WithLogger(logger))
//	d := limiter.Check(ctx, identity.Extract(r), "/api/contact", p)
//	if !d.Allowed {
//		// reject with 429
//	}
package ratelimit
