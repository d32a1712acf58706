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

	"github.com/google/privacy-sandbox-attribution-service/noising/combinatorics"
)

// ReportSpec is a source's full flexible event-level configuration: its
// trigger specs plus the total report cap.
type ReportSpec struct {
	Specs      []TriggerSpec
	MaxReports int
}

// NewReportSpec parses a trigger_specs array into a ReportSpec. When
// validate is set, the privacy bounds on cardinality, windows and report
// caps are enforced; stored configurations skip that pass.
func NewReportSpec(triggerSpecsJSON string, maxReports int, defaultWindowEnd int64, validate bool) (*ReportSpec, error) {
	specs, err := ParseTriggerSpecs([]byte(triggerSpecsJSON), defaultWindowEnd)
	if err != nil {
		return nil, err
	}
	r := &ReportSpec{Specs: specs, MaxReports: maxReports}
	if validate {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Validate enforces the cross-spec privacy bounds.
func (r *ReportSpec) Validate() error {
	if r.MaxReports < 1 || r.MaxReports > MaxFlexibleEventReports {
		return fmt.Errorf("max reports %d outside [1, %d]", r.MaxReports, MaxFlexibleEventReports)
	}
	seen := map[uint64]bool{}
	total := 0
	for _, spec := range r.Specs {
		for _, d := range spec.TriggerData {
			if seen[d] {
				return fmt.Errorf("trigger data %d appears in multiple trigger specs", d)
			}
			seen[d] = true
			total++
		}
	}
	if total == 0 {
		return errors.New("report spec has no trigger data")
	}
	if total > MaxFlexibleEventTriggerDataCardinality {
		return fmt.Errorf("report spec has %d trigger data values, max is %d",
			total, MaxFlexibleEventTriggerDataCardinality)
	}
	if combinatorics.NumStatesFlexAPI(r.MaxReports, r.perDataWindowCounts(), r.perDataCaps()) < 0 {
		return errors.New("report spec exceeds the supported output state bounds")
	}
	return nil
}

// TriggerDataCardinality returns the number of distinct trigger data values
// across all specs.
func (r *ReportSpec) TriggerDataCardinality() int {
	n := 0
	for _, spec := range r.Specs {
		n += len(spec.TriggerData)
	}
	return n
}

// perDataWindowCounts flattens window counts to one entry per trigger data
// value, in spec order.
func (r *ReportSpec) perDataWindowCounts() []int {
	var counts []int
	for _, spec := range r.Specs {
		for range spec.TriggerData {
			counts = append(counts, len(spec.EventReportWindows.Ends))
		}
	}
	return counts
}

// perDataCaps flattens per-data report caps: each data value may fill at
// most its spec's bucket count, bounded by the total cap.
func (r *ReportSpec) perDataCaps() []int {
	var caps []int
	for _, spec := range r.Specs {
		perData := len(spec.SummaryBuckets)
		if perData > r.MaxReports {
			perData = r.MaxReports
		}
		for range spec.TriggerData {
			caps = append(caps, perData)
		}
	}
	return caps
}

// PrivacyParamsForComputation returns the state-counting inputs for this
// configuration: the total report cap, the flattened per-data window counts
// and the flattened per-data caps.
func (r *ReportSpec) PrivacyParamsForComputation() (int, []int, []int) {
	return r.MaxReports, r.perDataWindowCounts(), r.perDataCaps()
}

// NumberOfStates counts the distinct report outputs this configuration can
// produce.
func (r *ReportSpec) NumberOfStates() int64 {
	return combinatorics.NumStatesFlexAPI(r.MaxReports, r.perDataWindowCounts(), r.perDataCaps())
}

// TriggerDataValue maps a flattened trigger data index back to its value.
func (r *ReportSpec) TriggerDataValue(index int) (uint64, error) {
	for _, spec := range r.Specs {
		if index < len(spec.TriggerData) {
			return spec.TriggerData[index], nil
		}
		index -= len(spec.TriggerData)
	}
	return 0, fmt.Errorf("trigger data index %d out of range", index)
}

// WindowEndTime returns the end time of windowIndex for the spec covering
// the flattened trigger data index.
func (r *ReportSpec) WindowEndTime(dataIndex, windowIndex int) (int64, error) {
	for _, spec := range r.Specs {
		if dataIndex < len(spec.TriggerData) {
			if windowIndex >= len(spec.EventReportWindows.Ends) {
				return 0, fmt.Errorf("window index %d out of range", windowIndex)
			}
			return spec.EventReportWindows.Ends[windowIndex], nil
		}
		dataIndex -= len(spec.TriggerData)
	}
	return 0, fmt.Errorf("trigger data index %d out of range", dataIndex)
}

// SpecForTriggerData returns the spec covering triggerData, or nil.
func (r *ReportSpec) SpecForTriggerData(triggerData uint64) *TriggerSpec {
	for i := range r.Specs {
		if r.Specs[i].Contains(triggerData) {
			return &r.Specs[i]
		}
	}
	return nil
}

// EncodeTriggerSpecs writes the specs back to their JSON wire form.
func (r *ReportSpec) EncodeTriggerSpecs() (string, error) {
	wire := make([]triggerSpecWire, len(r.Specs))
	for i := range r.Specs {
		wire[i] = r.Specs[i].toWire()
	}
	b, err := json.Marshal(wire)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
