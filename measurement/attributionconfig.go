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
	"errors"
	"fmt"
	"strconv"
)

// AttributionConfig is one cross-network attribution sharing rule carried on
// a trigger. Numeric fields ride the wire as strings.
type AttributionConfig struct {
	SourceAdtech                 string
	SourcePriorityRange          *PriorityRange
	SourceFilters                []FilterMap
	SourceNotFilters             []FilterMap
	SourceExpiryOverride         *int64
	Priority                     *int64
	Expiry                       *int64
	FilterData                   []FilterMap
	PostInstallExclusivityWindow *int64
}

// PriorityRange is an inclusive [Start, End] source priority filter.
type PriorityRange struct {
	Start int64
	End   int64
}

type attributionConfigWire struct {
	SourceNetwork                string          `json:"source_network"`
	SourcePriorityRange          json.RawMessage `json:"source_priority_range,omitempty"`
	SourceFilters                json.RawMessage `json:"source_filters,omitempty"`
	SourceNotFilters             json.RawMessage `json:"source_not_filters,omitempty"`
	SourceExpiryOverride         *string         `json:"source_expiry_override,omitempty"`
	Priority                     *string         `json:"priority,omitempty"`
	Expiry                       *string         `json:"expiry,omitempty"`
	FilterData                   json.RawMessage `json:"filter_data,omitempty"`
	PostInstallExclusivityWindow *string         `json:"post_install_exclusivity_window,omitempty"`
}

type priorityRangeWire struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// ParseAttributionConfig parses a single attribution_config entry.
func ParseAttributionConfig(raw json.RawMessage) (*AttributionConfig, error) {
	var wire attributionConfigWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("invalid attribution_config entry: %v", err)
	}
	if wire.SourceNetwork == "" {
		return nil, errors.New("attribution_config requires source_network")
	}
	config := &AttributionConfig{SourceAdtech: wire.SourceNetwork}

	if !rawAbsent(wire.SourcePriorityRange) {
		var pr priorityRangeWire
		if err := json.Unmarshal(wire.SourcePriorityRange, &pr); err != nil {
			return nil, fmt.Errorf("invalid source_priority_range: %v", err)
		}
		start, err := strconv.ParseInt(pr.Start, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid source_priority_range start: %v", err)
		}
		end, err := strconv.ParseInt(pr.End, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid source_priority_range end: %v", err)
		}
		config.SourcePriorityRange = &PriorityRange{Start: start, End: end}
	}
	var err error
	if config.SourceFilters, err = parseOptionalFilterSet(wire.SourceFilters); err != nil {
		return nil, err
	}
	if config.SourceNotFilters, err = parseOptionalFilterSet(wire.SourceNotFilters); err != nil {
		return nil, err
	}
	if config.FilterData, err = parseOptionalFilterSet(wire.FilterData); err != nil {
		return nil, err
	}
	if config.SourceExpiryOverride, err = parseOptionalInt64(wire.SourceExpiryOverride); err != nil {
		return nil, err
	}
	if config.Priority, err = parseOptionalInt64(wire.Priority); err != nil {
		return nil, err
	}
	if config.Expiry, err = parseOptionalInt64(wire.Expiry); err != nil {
		return nil, err
	}
	if config.PostInstallExclusivityWindow, err = parseOptionalInt64(wire.PostInstallExclusivityWindow); err != nil {
		return nil, err
	}
	return config, nil
}

// Serialize writes the config back to its wire form.
func (c *AttributionConfig) Serialize() ([]byte, error) {
	wire := attributionConfigWire{SourceNetwork: c.SourceAdtech}
	if c.SourcePriorityRange != nil {
		b, err := json.Marshal(priorityRangeWire{
			Start: strconv.FormatInt(c.SourcePriorityRange.Start, 10),
			End:   strconv.FormatInt(c.SourcePriorityRange.End, 10),
		})
		if err != nil {
			return nil, err
		}
		wire.SourcePriorityRange = b
	}
	var err error
	if wire.SourceFilters, err = serializeOptionalFilterSet(c.SourceFilters); err != nil {
		return nil, err
	}
	if wire.SourceNotFilters, err = serializeOptionalFilterSet(c.SourceNotFilters); err != nil {
		return nil, err
	}
	if wire.FilterData, err = serializeOptionalFilterSet(c.FilterData); err != nil {
		return nil, err
	}
	wire.SourceExpiryOverride = formatOptionalInt64(c.SourceExpiryOverride)
	wire.Priority = formatOptionalInt64(c.Priority)
	wire.Expiry = formatOptionalInt64(c.Expiry)
	wire.PostInstallExclusivityWindow = formatOptionalInt64(c.PostInstallExclusivityWindow)
	return json.Marshal(wire)
}

func parseOptionalFilterSet(raw json.RawMessage) ([]FilterMap, error) {
	if rawAbsent(raw) {
		return nil, nil
	}
	return MaybeWrapFilterSet(raw)
}

// rawAbsent treats a JSON null like a missing field.
func rawAbsent(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func serializeOptionalFilterSet(set []FilterMap) (json.RawMessage, error) {
	if set == nil {
		return nil, nil
	}
	return SerializeFilterSet(set)
}

func parseOptionalInt64(s *string) (*int64, error) {
	if s == nil {
		return nil, nil
	}
	v, err := strconv.ParseInt(*s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid int64 value %q: %v", *s, err)
	}
	return &v, nil
}

func formatOptionalInt64(v *int64) *string {
	if v == nil {
		return nil
	}
	s := strconv.FormatInt(*v, 10)
	return &s
}
