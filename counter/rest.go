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

package counter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type (
	// RESTStore is a Store backed by a Redis exposed through an
	// Upstash compatible REST API. Every operation is one POST to
	// the pipeline endpoint, authenticated with a bearer token.
	//
	// Increment pipelines INCR and PEXPIRE NX. The server runs the
	// commands of a pipeline in order, the increment itself is
	// atomic and NX only sets the expiry of a key that has none, so
	// later increments never extend the window. A key left without
	// expiry by a failure between both commands gets one on its next
	// increment.
	RESTStore struct {
		url    string
		token  string
		client *http.Client
	}

	restResult struct {
		Result json.RawMessage `json:"result"`
		Error  string          `json:"error"`
	}
)

const (
	// maxRESTResponseSize bounds the decoded response body.
	maxRESTResponseSize = 1 << 16
)

var (
	_ Store = (*RESTStore)(nil)
)

// NewRESTStore returns a RESTStore posting to baseURL. The client
// should come from the httpclient package so calls are instrumented.
func NewRESTStore(baseURL, token string, client *http.Client) *RESTStore {
	return &RESTStore{
		url:    strings.TrimRight(baseURL, "/") + "/pipeline",
		token:  token,
		client: client,
	}
}

func (s *RESTStore) Get(ctx context.Context, key string) (int64, bool, error) {
	results, err := s.pipeline(ctx, []string{"GET", key})
	if err != nil {
		return 0, false, fmt.Errorf("cannot get %q: %w", key, err)
	}

	if isNull(results[0]) {
		return 0, false, nil
	}

	v, err := decodeInteger(results[0])
	if err != nil {
		return 0, false, fmt.Errorf("cannot get %q: %w", key, err)
	}

	return v, true, nil
}

func (s *RESTStore) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	if err := checkTTL(ttl); err != nil {
		return err
	}

	_, err := s.pipeline(
		ctx,
		[]string{
			"SET", key, strconv.FormatInt(value, 10),
			"PX", strconv.FormatInt(ttlMillis(ttl), 10),
		},
	)
	if err != nil {
		return fmt.Errorf("cannot set %q: %w", key, err)
	}

	return nil
}

func (s *RESTStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := checkTTL(ttl); err != nil {
		return 0, err
	}

	results, err := s.pipeline(
		ctx,
		[]string{"INCR", key},
		[]string{"PEXPIRE", key, strconv.FormatInt(ttlMillis(ttl), 10), "NX"},
	)
	if err != nil {
		return 0, fmt.Errorf("cannot increment %q: %w", key, err)
	}

	v, err := decodeInteger(results[0])
	if err != nil {
		return 0, fmt.Errorf("cannot increment %q: %w", key, err)
	}

	return v, nil
}

// pipeline sends commands in one request and returns one result per
// command. Any command level error fails the whole call.
func (s *RESTStore) pipeline(ctx context.Context, commands ...[]string) ([]json.RawMessage, error) {
	body, err := json.Marshal(commands)
	if err != nil {
		return nil, fmt.Errorf("cannot encode commands: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("cannot create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cannot execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var r restResult
		_ = json.NewDecoder(io.LimitReader(resp.Body, maxRESTResponseSize)).Decode(&r)
		if r.Error != "" {
			return nil, fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, r.Error)
		}

		return nil, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	var results []restResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxRESTResponseSize)).Decode(&results); err != nil {
		return nil, fmt.Errorf("cannot decode response: %w", err)
	}

	if len(results) != len(commands) {
		return nil, fmt.Errorf("expected %d results, got %d", len(commands), len(results))
	}

	raws := make([]json.RawMessage, len(results))
	for i, r := range results {
		if r.Error != "" {
			return nil, fmt.Errorf("cannot execute %s: %s", commands[i][0], r.Error)
		}

		raws[i] = r.Result
	}

	return raws, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// decodeInteger accepts both integer replies and bulk string replies
// holding an integer.
func decodeInteger(raw json.RawMessage) (int64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return 0, fmt.Errorf("unexpected result %s", raw)
		}

		s = n.String()
	}

	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cannot parse integer %q: %w", s, err)
	}

	return v, nil
}
