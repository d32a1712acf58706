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
)

// SummaryWindowOperator selects how matched triggers aggregate into the
// summary bucket of a flexible-config report.
type SummaryWindowOperator string

// Summary window operators.
const (
	SummaryOperatorCount    SummaryWindowOperator = "count"
	SummaryOperatorValueSum SummaryWindowOperator = "value_sum"
)

// TriggerSpec is one entry of a flexible event-level configuration: the
// trigger data values it covers, the reporting windows they report in, and
// how matched triggers summarize.
type TriggerSpec struct {
	TriggerData           []uint64
	EventReportWindows    ReportWindows
	SummaryWindowOperator SummaryWindowOperator
	SummaryBuckets        []int64
}

// ReportWindows is the report schedule of a trigger spec, in milliseconds
// relative to source registration.
type ReportWindows struct {
	Start int64
	Ends  []int64
}

type triggerSpecWire struct {
	TriggerData           []uint64               `json:"trigger_data"`
	EventReportWindows    *reportWindowsWire     `json:"event_report_windows,omitempty"`
	SummaryWindowOperator *SummaryWindowOperator `json:"summary_window_operator,omitempty"`
	SummaryBuckets        []int64                `json:"summary_buckets,omitempty"`
}

type reportWindowsWire struct {
	StartTime *int64  `json:"start_time,omitempty"`
	EndTimes  []int64 `json:"end_times"`
}

// ParseTriggerSpecs parses a trigger_specs array. Defaults for absent
// windows come from the source's expiry; negative window start times clamp
// to zero.
func ParseTriggerSpecs(data []byte, defaultWindowEnd int64) ([]TriggerSpec, error) {
	var wire []triggerSpecWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("invalid trigger_specs: %v", err)
	}
	specs := make([]TriggerSpec, 0, len(wire))
	for _, w := range wire {
		spec := TriggerSpec{
			TriggerData:           w.TriggerData,
			SummaryWindowOperator: SummaryOperatorCount,
		}
		if w.SummaryWindowOperator != nil {
			spec.SummaryWindowOperator = *w.SummaryWindowOperator
		}
		if w.EventReportWindows != nil {
			if w.EventReportWindows.StartTime != nil && *w.EventReportWindows.StartTime > 0 {
				spec.EventReportWindows.Start = *w.EventReportWindows.StartTime
			}
			spec.EventReportWindows.Ends = w.EventReportWindows.EndTimes
		} else {
			spec.EventReportWindows.Ends = []int64{defaultWindowEnd}
		}
		if len(w.SummaryBuckets) > 0 {
			spec.SummaryBuckets = w.SummaryBuckets
		} else {
			// Default one bucket per allowed report.
			for i := int64(1); i <= int64(len(spec.EventReportWindows.Ends)); i++ {
				spec.SummaryBuckets = append(spec.SummaryBuckets, i)
			}
		}
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Validate checks the spec's internal consistency.
func (s *TriggerSpec) Validate() error {
	if len(s.TriggerData) == 0 {
		return errors.New("trigger spec requires trigger_data")
	}
	if len(s.TriggerData) > MaxFlexibleEventTriggerDataCardinality {
		return fmt.Errorf("trigger spec has %d trigger data values, max is %d",
			len(s.TriggerData), MaxFlexibleEventTriggerDataCardinality)
	}
	if len(s.EventReportWindows.Ends) == 0 {
		return errors.New("trigger spec requires at least one report window")
	}
	if len(s.EventReportWindows.Ends) > MaxFlexibleEventReportingWindows {
		return fmt.Errorf("trigger spec has %d report windows, max is %d",
			len(s.EventReportWindows.Ends), MaxFlexibleEventReportingWindows)
	}
	if s.EventReportWindows.Start < 0 {
		return errors.New("trigger spec window start time is negative")
	}
	previous := s.EventReportWindows.Start
	for _, end := range s.EventReportWindows.Ends {
		if end <= previous {
			return errors.New("trigger spec window end times must be strictly increasing")
		}
		previous = end
	}
	if s.SummaryWindowOperator != SummaryOperatorCount && s.SummaryWindowOperator != SummaryOperatorValueSum {
		return fmt.Errorf("unknown summary_window_operator %q", s.SummaryWindowOperator)
	}
	var previousBucket int64
	for i, bucket := range s.SummaryBuckets {
		if bucket <= previousBucket {
			return errors.New("trigger spec summary buckets must be strictly increasing")
		}
		if i == 0 && bucket < 1 {
			return errors.New("trigger spec summary buckets must start at 1 or above")
		}
		previousBucket = bucket
	}
	return nil
}

// Contains reports whether triggerData belongs to this spec.
func (s *TriggerSpec) Contains(triggerData uint64) bool {
	for _, d := range s.TriggerData {
		if d == triggerData {
			return true
		}
	}
	return false
}

func (s *TriggerSpec) toWire() triggerSpecWire {
	op := s.SummaryWindowOperator
	windows := reportWindowsWire{EndTimes: s.EventReportWindows.Ends}
	if s.EventReportWindows.Start > 0 {
		start := s.EventReportWindows.Start
		windows.StartTime = &start
	}
	return triggerSpecWire{
		TriggerData:           s.TriggerData,
		EventReportWindows:    &windows,
		SummaryWindowOperator: &op,
		SummaryBuckets:        s.SummaryBuckets,
	}
}
