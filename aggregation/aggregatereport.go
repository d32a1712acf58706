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

// Package aggregation builds and encrypts aggregatable attribution reports:
// histogram contributions keyed by 128-bit bucket keys, sealed for the
// aggregation service.
package aggregation

import (
	"encoding/json"
	"fmt"
	"strconv"

	"lukechampine.com/uint128"

	"github.com/google/privacy-sandbox-attribution-service/measurement"
	"github.com/google/privacy-sandbox-attribution-service/shared/utils"
)

// AggregateHistogramContribution is one histogram bucket increment.
type AggregateHistogramContribution struct {
	Key   uint128.Uint128
	Value uint32
}

// AggregateTriggerData is one entry of the trigger's aggregatable trigger
// data array: a key piece OR-ed into the named source keys when its filters
// match.
type AggregateTriggerData struct {
	KeyPiece     uint128.Uint128
	SourceKeys   []string
	FilterSet    []measurement.FilterMap
	NotFilterSet []measurement.FilterMap
	XNetworkData *XNetworkData
}

// XNetworkData shifts cross-network key material when a derived source
// contributes to another network's histogram.
type XNetworkData struct {
	KeyOffset *uint64
}

// AggregateDeduplicationKey suppresses duplicate aggregatable attributions
// when its filters match.
type AggregateDeduplicationKey struct {
	DedupKey     *uint64
	FilterSet    []measurement.FilterMap
	NotFilterSet []measurement.FilterMap
}

// AggregateReport is an aggregatable report owed to the reporting origin.
type AggregateReport struct {
	ID                     string
	PublisherSite          string
	AttributionDestination string
	SourceRegistrationTime int64
	ScheduledReportTime    int64
	EnrollmentID           string
	Contributions          []AggregateHistogramContribution
	Status                 measurement.ReportStatus
	DebugReportStatus      measurement.DebugReportStatus
	APIVersion             string
	SourceDebugKey         *uint64
	TriggerDebugKey        *uint64
	SourceID               string
	TriggerID              string
	DedupKeys              []uint64
	RegistrationOrigin     string
}

// Clone returns a copy sharing no mutable state with the original.
func (r *AggregateReport) Clone() *AggregateReport {
	c := *r
	c.Contributions = append([]AggregateHistogramContribution(nil), r.Contributions...)
	c.DedupKeys = append([]uint64(nil), r.DedupKeys...)
	if r.SourceDebugKey != nil {
		v := *r.SourceDebugKey
		c.SourceDebugKey = &v
	}
	if r.TriggerDebugKey != nil {
		v := *r.TriggerDebugKey
		c.TriggerDebugKey = &v
	}
	return &c
}

type aggregateTriggerDataWire struct {
	KeyPiece   string          `json:"key_piece"`
	SourceKeys []string        `json:"source_keys"`
	Filters    json.RawMessage `json:"filters"`
	NotFilters json.RawMessage `json:"not_filters"`
	XNetwork   *struct {
		KeyOffset *uint64 `json:"key_offset"`
	} `json:"x_network_data"`
}

// ParseAggregateTriggerData parses the aggregatable_trigger_data array of a
// trigger registration.
func ParseAggregateTriggerData(data string) ([]AggregateTriggerData, error) {
	if data == "" {
		return nil, nil
	}
	var wire []aggregateTriggerDataWire
	if err := json.Unmarshal([]byte(data), &wire); err != nil {
		return nil, fmt.Errorf("invalid aggregatable_trigger_data: %v", err)
	}
	result := make([]AggregateTriggerData, 0, len(wire))
	for _, w := range wire {
		keyPiece, err := utils.HexStringToUint128(w.KeyPiece)
		if err != nil {
			return nil, err
		}
		td := AggregateTriggerData{KeyPiece: keyPiece, SourceKeys: w.SourceKeys}
		if td.FilterSet, err = measurement.MaybeWrapFilterSet(w.Filters); err != nil {
			return nil, err
		}
		if td.NotFilterSet, err = measurement.MaybeWrapFilterSet(w.NotFilters); err != nil {
			return nil, err
		}
		if w.XNetwork != nil {
			td.XNetworkData = &XNetworkData{KeyOffset: w.XNetwork.KeyOffset}
		}
		result = append(result, td)
	}
	return result, nil
}

// ParseAggregateValues parses the aggregatable_values object mapping source
// key names to bucket increments.
func ParseAggregateValues(data string) (map[string]uint32, error) {
	if data == "" {
		return nil, nil
	}
	values := map[string]uint32{}
	if err := json.Unmarshal([]byte(data), &values); err != nil {
		return nil, fmt.Errorf("invalid aggregatable_values: %v", err)
	}
	return values, nil
}

type aggregateDedupKeyWire struct {
	DeduplicationKey *string         `json:"deduplication_key"`
	Filters          json.RawMessage `json:"filters"`
	NotFilters       json.RawMessage `json:"not_filters"`
}

// ParseAggregateDeduplicationKeys parses the aggregatable_deduplication_keys
// array of a trigger registration.
func ParseAggregateDeduplicationKeys(data string) ([]AggregateDeduplicationKey, error) {
	if data == "" {
		return nil, nil
	}
	var wire []aggregateDedupKeyWire
	if err := json.Unmarshal([]byte(data), &wire); err != nil {
		return nil, fmt.Errorf("invalid aggregatable_deduplication_keys: %v", err)
	}
	result := make([]AggregateDeduplicationKey, 0, len(wire))
	for _, w := range wire {
		var key AggregateDeduplicationKey
		if w.DeduplicationKey != nil {
			parsed, err := strconv.ParseUint(*w.DeduplicationKey, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid deduplication_key %q: %v", *w.DeduplicationKey, err)
			}
			key.DedupKey = &parsed
		}
		var err error
		if key.FilterSet, err = measurement.MaybeWrapFilterSet(w.Filters); err != nil {
			return nil, err
		}
		if key.NotFilterSet, err = measurement.MaybeWrapFilterSet(w.NotFilters); err != nil {
			return nil, err
		}
		result = append(result, key)
	}
	return result, nil
}
