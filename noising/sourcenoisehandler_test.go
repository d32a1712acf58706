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

package noising

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/grd/stat"

	"github.com/google/privacy-sandbox-attribution-service/measurement"
	"github.com/google/privacy-sandbox-attribution-service/reporting"
)

const dayMillis = int64(24 * time.Hour / time.Millisecond)

func newHandler(seed int64) *SourceNoiseHandler {
	h := NewSourceNoiseHandler(measurement.DefaultFlags(), reporting.NewEventReportWindowCalc(measurement.DefaultFlags()))
	h.rng = rand.New(rand.NewSource(seed))
	return h
}

func testSource(sourceType measurement.SourceType) *measurement.Source {
	eventTime := int64(1674000000000)
	return &measurement.Source{
		ID:                 "source-1",
		EventID:            1,
		Publisher:          "android-app://com.example.publisher",
		AppDestinations:    []string{"android-app://com.example.store"},
		EnrollmentID:       "enrollment-id",
		Registrant:         "android-app://com.example.publisher",
		SourceType:         sourceType,
		EventTime:          eventTime,
		ExpiryTime:         eventTime + 30*dayMillis,
		EventReportWindow:  eventTime + 30*dayMillis,
		RegistrationOrigin: "https://adtech.example",
	}
}

func TestRandomizedTriggerRateConstants(t *testing.T) {
	h := newHandler(1)
	for _, tc := range []struct {
		name   string
		mutate func(*measurement.Source)
		source measurement.SourceType
		want   float64
	}{
		{"event", func(*measurement.Source) {}, measurement.SourceTypeEvent, 0.0000025},
		{"navigation", func(*measurement.Source) {}, measurement.SourceTypeNavigation, 0.0024263},
		{"install attributed event", func(s *measurement.Source) {
			s.InstallCooldownWindow = dayMillis
		}, measurement.SourceTypeEvent, 0.0000125},
		{"install attributed navigation", func(s *measurement.Source) {
			s.InstallCooldownWindow = dayMillis
		}, measurement.SourceTypeNavigation, 0.0024263},
		{"dual destination event", func(s *measurement.Source) {
			s.WebDestinations = []string{"https://example.com"}
		}, measurement.SourceTypeEvent, 0.0000042},
		{"dual destination navigation", func(s *measurement.Source) {
			s.WebDestinations = []string{"https://example.com"}
		}, measurement.SourceTypeNavigation, 0.0170218},
		{"install attributed dual destination event", func(s *measurement.Source) {
			s.InstallCooldownWindow = dayMillis
			s.WebDestinations = []string{"https://example.com"}
		}, measurement.SourceTypeEvent, 0.0000208},
		{"install attributed dual destination navigation", func(s *measurement.Source) {
			s.InstallCooldownWindow = dayMillis
			s.WebDestinations = []string{"https://example.com"}
		}, measurement.SourceTypeNavigation, 0.0170218},
		{"coarse dual destination navigation", func(s *measurement.Source) {
			s.WebDestinations = []string{"https://example.com"}
			s.CoarseEventReportDestinations = true
		}, measurement.SourceTypeNavigation, 0.0024263},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := testSource(tc.source)
			tc.mutate(s)
			if got := h.RandomizedTriggerRate(s); got != tc.want {
				t.Errorf("RandomizedTriggerRate = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRandomizedTriggerRateConfiguredWindows(t *testing.T) {
	flags := measurement.DefaultFlags()
	flags.EnableConfigurableEventReportingWindows = true
	flags.EventReportsCtcEarlyReportingWindows = "86400,172800"
	h := NewSourceNoiseHandler(flags, reporting.NewEventReportWindowCalc(flags))

	// Three reports over eight data values and three windows: 2925 states.
	s := testSource(measurement.SourceTypeNavigation)
	want := 0.0024263221679834088
	if got := h.RandomizedTriggerRate(s); math.Abs(got-want) > 1e-11 {
		t.Errorf("RandomizedTriggerRate = %v, want %v", got, want)
	}
}

func TestAssignAttributionModeTruthfully(t *testing.T) {
	h := newHandler(1)
	// The event noise probability is 2.5e-6; one draw is all but guaranteed
	// to stay truthful.
	s := testSource(measurement.SourceTypeEvent)
	reports, err := h.AssignAttributionModeAndGenerateFakeReports(s)
	if err != nil {
		t.Fatalf("AssignAttributionModeAndGenerateFakeReports failed: %v", err)
	}
	if s.AttributionMode != measurement.AttributionModeTruthfully {
		t.Errorf("AttributionMode = %v, want truthfully", s.AttributionMode)
	}
	if reports != nil {
		t.Errorf("got %d fake reports for a truthful source", len(reports))
	}
}

func TestFakeReportsForSequenceIndex(t *testing.T) {
	h := newHandler(1)
	s := testSource(measurement.SourceTypeNavigation)

	// Index 0 is the empty report set.
	reports, err := h.fakeReportsForSequenceIndex(s, 0)
	if err != nil {
		t.Fatalf("fakeReportsForSequenceIndex(0) failed: %v", err)
	}
	if len(reports) != 0 {
		t.Errorf("index 0 produced %d reports, want 0", len(reports))
	}

	// Every state decodes to a valid report set.
	maxReports := 3
	cardinality := uint64(8)
	windows := 3
	numStates := int64(2925)
	for index := int64(0); index < numStates; index++ {
		reports, err := h.fakeReportsForSequenceIndex(s, index)
		if err != nil {
			t.Fatalf("fakeReportsForSequenceIndex(%d) failed: %v", index, err)
		}
		if len(reports) > maxReports {
			t.Fatalf("index %d produced %d reports, cap is %d", index, len(reports), maxReports)
		}
		for _, r := range reports {
			if r.TriggerData >= cardinality {
				t.Fatalf("index %d produced trigger data %d, cardinality is %d", index, r.TriggerData, cardinality)
			}
			last := h.calc.ReportingTimeForNoising(s, windows-1, false)
			if r.ReportingTime <= s.EventTime || r.ReportingTime > last {
				t.Fatalf("index %d produced reporting time %d outside (%d, %d]", index, r.ReportingTime, s.EventTime, last)
			}
		}
	}
}

func TestFakeReportsDualDestination(t *testing.T) {
	h := newHandler(1)
	s := testSource(measurement.SourceTypeNavigation)
	s.WebDestinations = []string{"https://example.com"}

	sawApp, sawWeb := false, false
	// 20825 states for dual destination navigation sources.
	for index := int64(1); index < 20825; index += 97 {
		reports, err := h.fakeReportsForSequenceIndex(s, index)
		if err != nil {
			t.Fatalf("fakeReportsForSequenceIndex(%d) failed: %v", index, err)
		}
		for _, r := range reports {
			for _, d := range r.Destinations {
				switch d {
				case "android-app://com.example.store":
					sawApp = true
				case "https://example.com":
					sawWeb = true
				default:
					t.Fatalf("unexpected destination %q", d)
				}
			}
		}
	}
	if !sawApp || !sawWeb {
		t.Errorf("fake reports covered app=%v web=%v, want both destinations", sawApp, sawWeb)
	}
}

func TestFlexFakeReports(t *testing.T) {
	h := newHandler(1)
	s := testSource(measurement.SourceTypeEvent)
	specsJSON := `[{
		"trigger_data": [1, 2, 3],
		"event_report_windows": {"end_times": [172800000, 604800000]},
		"summary_buckets": [1, 2, 3]
	}]`
	spec, err := measurement.NewReportSpec(specsJSON, 3, 30*dayMillis, true)
	if err != nil {
		t.Fatalf("NewReportSpec failed: %v", err)
	}
	s.TriggerSpecs = spec

	numStates := spec.NumberOfStates()
	for index := int64(0); index < numStates; index++ {
		reports, err := h.fakeReportsForSequenceIndex(s, index)
		if err != nil {
			t.Fatalf("fakeReportsForSequenceIndex(%d) failed: %v", index, err)
		}
		if len(reports) > 3 {
			t.Fatalf("index %d produced %d reports, cap is 3", index, len(reports))
		}
		for _, r := range reports {
			if r.TriggerData < 1 || r.TriggerData > 3 {
				t.Fatalf("index %d produced trigger data %d outside the configured values", index, r.TriggerData)
			}
		}
	}
}

// Over many noised sources the sequence indexes must be uniform across the
// state space.
func TestSequenceIndexDistribution(t *testing.T) {
	h := newHandler(42)
	numStates := int64(2925)
	samples := make(stat.Float64Slice, 20000)
	for i := range samples {
		samples[i] = float64(h.randInt63n(numStates))
	}
	mean := stat.Mean(samples)
	wantMean := float64(numStates-1) / 2
	// Standard error of the mean for a discrete uniform distribution.
	sigma := float64(numStates) / math.Sqrt(12*float64(len(samples)))
	if math.Abs(mean-wantMean) > 5*sigma {
		t.Errorf("sequence index mean = %v, want %v within %v", mean, wantMean, 5*sigma)
	}
}
