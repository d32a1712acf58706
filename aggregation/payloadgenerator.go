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

package aggregation

import (
	"fmt"
	"sort"

	"lukechampine.com/uint128"

	"github.com/google/privacy-sandbox-attribution-service/measurement"
)

// GeneratePayload derives the histogram contributions for one
// source/trigger pair: the source's aggregation keys, widened by each
// matching trigger key piece, paired with the trigger's bucket values.
// Source keys without a value, and values without a key, contribute
// nothing.
func GeneratePayload(s *measurement.Source, t *measurement.Trigger) ([]AggregateHistogramContribution, error) {
	sourceKeys, err := s.ParsedAggregateSource()
	if err != nil {
		return nil, err
	}
	if len(sourceKeys) == 0 {
		return nil, nil
	}
	triggerData, err := ParseAggregateTriggerData(t.AggregateTriggerDataJSON)
	if err != nil {
		return nil, err
	}
	values, err := ParseAggregateValues(t.AggregateValuesJSON)
	if err != nil {
		return nil, err
	}
	filterData, err := s.FilterData()
	if err != nil {
		return nil, err
	}

	derived := make(map[string]uint128.Uint128, len(sourceKeys))
	for name, piece := range sourceKeys {
		derived[name] = piece
	}
	for _, td := range triggerData {
		if !measurement.IsFilterMatch(filterData, td.FilterSet, true) ||
			!measurement.IsFilterMatch(filterData, td.NotFilterSet, false) {
			continue
		}
		keyPiece, err := effectiveKeyPiece(s, t, td)
		if err != nil {
			return nil, err
		}
		for _, name := range td.SourceKeys {
			if current, ok := derived[name]; ok {
				derived[name] = current.Or(keyPiece)
			}
		}
	}

	names := make([]string, 0, len(derived))
	for name := range derived {
		if _, ok := values[name]; ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	contributions := make([]AggregateHistogramContribution, 0, len(names))
	for _, name := range names {
		contributions = append(contributions, AggregateHistogramContribution{
			Key:   derived[name],
			Value: values[name],
		})
	}
	return contributions, nil
}

// effectiveKeyPiece applies cross-network key material: derived sources
// attributing into another network's histogram OR in the mapped key piece
// for their enrollment, shifted by the trigger's key offset.
func effectiveKeyPiece(s *measurement.Source, t *measurement.Trigger, td AggregateTriggerData) (uint128.Uint128, error) {
	if s.ParentID == "" || td.XNetworkData == nil {
		return td.KeyPiece, nil
	}
	mapping, err := t.ParseAdtechKeyMapping()
	if err != nil {
		return uint128.Zero, err
	}
	mapped, ok := mapping[s.EnrollmentID]
	if !ok {
		return td.KeyPiece, nil
	}
	var offset uint
	if td.XNetworkData.KeyOffset != nil {
		offset = uint(*td.XNetworkData.KeyOffset)
	}
	return td.KeyPiece.Or(mapped.Lsh(offset)), nil
}

// SumContributions totals the bucket values of a contribution list,
// rejecting sums past the per-source budget.
func SumContributions(contributions []AggregateHistogramContribution, budget int) (int, error) {
	sum := 0
	for _, c := range contributions {
		sum += int(c.Value)
		if sum > budget {
			return 0, fmt.Errorf("aggregatable contributions sum exceeds the budget of %d", budget)
		}
	}
	return sum, nil
}
