// Copyright 2023 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package measurement

import (
	"encoding/json"
	"fmt"
)

// FilterMap maps a filter key to the set of values declared for it. Value
// order is irrelevant for matching, only membership counts.
type FilterMap map[string][]string

// matches reports whether every key present in both maps matches the
// expectation. For expected=true a key matches when the value intersection
// is non-empty, or when both value lists are empty. For expected=false a key
// matches when the positive rule does not. Keys present on only one side are
// ignored.
func (f FilterMap) matches(clause FilterMap, expected bool) bool {
	for key, clauseValues := range clause {
		values, ok := f[key]
		if !ok {
			continue
		}
		matched := hasCommonValue(values, clauseValues) || (len(values) == 0 && len(clauseValues) == 0)
		if matched != expected {
			return false
		}
	}
	return true
}

func hasCommonValue(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, v := range a {
		set[v] = true
	}
	for _, v := range b {
		if set[v] {
			return true
		}
	}
	return false
}

// IsFilterMatch evaluates a filter set (OR of AND-clauses) against the
// candidate map. With expected=true it implements the "filters" semantics,
// with expected=false the "not_filters" semantics: any clause whose common
// keys all match the expectation makes the whole set match.
func IsFilterMatch(candidate FilterMap, filterSet []FilterMap, expected bool) bool {
	if len(filterSet) == 0 {
		return true
	}
	for _, clause := range filterSet {
		if candidate.matches(clause, expected) {
			return true
		}
	}
	return false
}

// ParseFilterMap parses a JSON object of string arrays into a FilterMap.
func ParseFilterMap(data []byte) (FilterMap, error) {
	m := FilterMap{}
	if len(data) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid filter map: %v", err)
	}
	return m, nil
}

// ParseFilterSet parses a JSON array of filter maps.
func ParseFilterSet(data []byte) ([]FilterMap, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var set []FilterMap
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("invalid filter set: %v", err)
	}
	return set, nil
}

// MaybeWrapFilterSet parses either a single filter-map object or an array of
// them; older registrations send the former.
func MaybeWrapFilterSet(data []byte) ([]FilterMap, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if set, err := ParseFilterSet(data); err == nil {
		return set, nil
	}
	single, err := ParseFilterMap(data)
	if err != nil {
		return nil, err
	}
	return []FilterMap{single}, nil
}

// SerializeFilterSet encodes the filter set back to its JSON wire shape.
func SerializeFilterSet(set []FilterMap) ([]byte, error) {
	return json.Marshal(set)
}
