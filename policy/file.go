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

package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"sigs.k8s.io/yaml"
)

type (
	// InvalidEntryError reports a file entry dropped during parsing.
	InvalidEntryError struct {
		Route string
		Err   error
	}
)

func (e *InvalidEntryError) Error() string {
	return fmt.Sprintf("invalid policy for route %q: %v", e.Route, e.Err)
}

func (e *InvalidEntryError) Unwrap() error { return e.Err }

// Parse decodes a YAML or JSON document mapping routes to policies.
// Entries failing validation are left out of the result and reported
// in invalid, sorted by route. err is only set when the document
// itself cannot be decoded.
func Parse(data []byte) (policies map[string]RoutePolicy, invalid []*InvalidEntryError, err error) {
	jsonData, err := yaml.YAMLToJSON(data)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot convert policy document to json: %w", err)
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(jsonData, &entries); err != nil {
		return nil, nil, fmt.Errorf("cannot decode policy document: %w", err)
	}

	policies = make(map[string]RoutePolicy, len(entries))
	for route, raw := range entries {
		var p RoutePolicy
		if err := json.Unmarshal(raw, &p); err != nil {
			invalid = append(invalid, &InvalidEntryError{Route: route, Err: err})
			continue
		}

		policies[route] = p
	}

	sort.Slice(invalid, func(i, j int) bool { return invalid[i].Route < invalid[j].Route })

	return policies, invalid, nil
}

// LoadFile reads and parses the policy file at path.
func LoadFile(path string) (map[string]RoutePolicy, []*InvalidEntryError, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot read policy file: %w", err)
	}

	return Parse(data)
}
