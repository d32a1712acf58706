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

// Package noising injects local differential-privacy noise at source
// registration: each source is assigned an attribution mode by randomized
// response, sometimes trading its real reports for a fake report set drawn
// uniformly from the source's output states.
package noising

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/privacy-sandbox-attribution-service/measurement"
	"github.com/google/privacy-sandbox-attribution-service/noising/combinatorics"
	"github.com/google/privacy-sandbox-attribution-service/reporting"
)

// SourceNoiseHandler decides attribution modes and generates fake reports.
// It is safe for concurrent use.
type SourceNoiseHandler struct {
	flags *measurement.Flags
	calc  *reporting.EventReportWindowCalc

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSourceNoiseHandler returns a handler seeded from the current time.
func NewSourceNoiseHandler(flags *measurement.Flags, calc *reporting.EventReportWindowCalc) *SourceNoiseHandler {
	return &SourceNoiseHandler{
		flags: flags,
		calc:  calc,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (h *SourceNoiseHandler) randFloat() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rng.Float64()
}

func (h *SourceNoiseHandler) randInt63n(n int64) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rng.Int63n(n)
}

// AssignAttributionModeAndGenerateFakeReports rolls randomized response for
// the source and mutates its attribution mode. Sources flipped to FALSELY
// also get their fake report set.
func (h *SourceNoiseHandler) AssignAttributionModeAndGenerateFakeReports(s *measurement.Source) ([]measurement.FakeReport, error) {
	probability := h.RandomizedTriggerRate(s)
	if h.randFloat() >= probability {
		s.AttributionMode = measurement.AttributionModeTruthfully
		return nil, nil
	}

	numStates, err := h.numberOfStates(s)
	if err != nil {
		return nil, err
	}
	sequenceIndex := h.randInt63n(numStates)
	if sequenceIndex == 0 {
		// The all-empty state: the source reports nothing, real triggers
		// included.
		s.AttributionMode = measurement.AttributionModeNever
		return nil, nil
	}
	s.AttributionMode = measurement.AttributionModeFalsely
	return h.fakeReportsForSequenceIndex(s, sequenceIndex)
}

// RandomizedTriggerRate implements
// measurement.RandomizedTriggerRateProvider: the flip probability disclosed
// on every report from the source.
func (h *SourceNoiseHandler) RandomizedTriggerRate(s *measurement.Source) float64 {
	if h.usesDynamicStateCount(s) {
		numStates, err := h.numberOfStates(s)
		if err != nil || numStates <= 1 {
			return 0
		}
		return combinatorics.FlipProbability(numStates, measurement.PrivacyEpsilon)
	}
	return constantTriggerRate(s)
}

// usesDynamicStateCount reports whether the source's state count must be
// computed instead of looked up: flexible configurations and sources under
// configured window or report-count overrides.
func (h *SourceNoiseHandler) usesDynamicStateCount(s *measurement.Source) bool {
	if s.TriggerSpecs != nil {
		return true
	}
	if h.flags == nil {
		return false
	}
	if h.flags.EnableConfigurableEventReportingWindows {
		return true
	}
	return s.SourceType == measurement.SourceTypeEvent && h.flags.EnableVtcConfigurableMaxEventReports
}

// constantTriggerRate is the precomputed flip probability table for the
// default window and report-count schedules.
func constantTriggerRate(s *measurement.Source) float64 {
	install := s.IsInstallDetectionEnabled()
	// Coarse sources report both destinations as one, so the dual
	// destination state expansion does not apply.
	dual := s.HasDualDestinations() && !s.CoarseEventReportDestinations
	if s.SourceType == measurement.SourceTypeNavigation {
		if dual {
			return measurement.DualDestinationNavigationNoiseProbability
		}
		return measurement.NavigationNoiseProbability
	}
	switch {
	case install && dual:
		return measurement.InstallAttrDualDestinationEventNoiseProbability
	case install:
		return measurement.InstallAttrEventNoiseProbability
	case dual:
		return measurement.DualDestinationEventNoiseProbability
	}
	return measurement.EventNoiseProbability
}

func (h *SourceNoiseHandler) destinationMultiplier(s *measurement.Source) int {
	if s.HasDualDestinations() && !s.CoarseEventReportDestinations {
		return 2
	}
	return 1
}

func (h *SourceNoiseHandler) numberOfStates(s *measurement.Source) (int64, error) {
	if s.TriggerSpecs != nil {
		numStates := s.TriggerSpecs.NumberOfStates()
		if numStates < 0 {
			return 0, fmt.Errorf("source %s flexible configuration exceeds state bounds", s.ID)
		}
		return numStates, nil
	}
	install := s.IsInstallDetectionEnabled()
	maxReports := h.calc.MaxReportCount(s, install)
	windows := h.calc.ReportingWindowCountForNoising(s, install)
	cardinality := int(s.TriggerDataCardinality())
	return combinatorics.NumStatesArithmetic(maxReports, cardinality, windows*h.destinationMultiplier(s))
}

// fakeReportsForSequenceIndex decodes a uniformly drawn state into its fake
// report set.
func (h *SourceNoiseHandler) fakeReportsForSequenceIndex(s *measurement.Source, sequenceIndex int64) ([]measurement.FakeReport, error) {
	if s.TriggerSpecs != nil {
		return h.flexFakeReports(s, sequenceIndex)
	}
	install := s.IsInstallDetectionEnabled()
	maxReports := h.calc.MaxReportCount(s, install)
	windows := h.calc.ReportingWindowCountForNoising(s, install)
	cardinality := s.TriggerDataCardinality()

	stars := combinatorics.StarIndices(maxReports, sequenceIndex)
	bars := combinatorics.BarsPrecedingEachStar(stars)
	var reports []measurement.FakeReport
	for _, bar := range bars {
		if bar == 0 {
			continue
		}
		config := bar - 1
		triggerData := uint64(config) % cardinality
		windowIndex := int(uint64(config) / cardinality % uint64(windows))
		destinationIndex := int(uint64(config) / cardinality / uint64(windows))
		reports = append(reports, measurement.FakeReport{
			TriggerData:   triggerData,
			ReportingTime: h.calc.ReportingTimeForNoising(s, windowIndex, install),
			Destinations:  h.fakeReportDestinations(s, destinationIndex),
		})
	}
	return reports, nil
}

func (h *SourceNoiseHandler) flexFakeReports(s *measurement.Source, sequenceIndex int64) ([]measurement.FakeReport, error) {
	totalCap, perDataWindows, perDataCaps := s.TriggerSpecs.PrivacyParamsForComputation()
	atoms := combinatorics.ReportSetBasedOnRank(totalCap, perDataWindows, perDataCaps, sequenceIndex)
	reports := make([]measurement.FakeReport, 0, len(atoms))
	for _, atom := range atoms {
		triggerData, err := s.TriggerSpecs.TriggerDataValue(atom.TriggerDataType)
		if err != nil {
			return nil, err
		}
		windowEnd, err := s.TriggerSpecs.WindowEndTime(atom.TriggerDataType, atom.WindowIndex)
		if err != nil {
			return nil, err
		}
		reports = append(reports, measurement.FakeReport{
			TriggerData:   triggerData,
			ReportingTime: s.EventTime + windowEnd + time.Hour.Milliseconds(),
			Destinations:  s.AllDestinations(),
		})
	}
	return reports, nil
}

// fakeReportDestinations picks the destination list a fake report claims.
// Dual-destination sources split their states across the app and web
// destination; coarse sources always claim both.
func (h *SourceNoiseHandler) fakeReportDestinations(s *measurement.Source, destinationIndex int) []string {
	if s.CoarseEventReportDestinations || !s.HasDualDestinations() {
		return s.AllDestinations()
	}
	if destinationIndex == 0 {
		return s.AttributionDestinations(measurement.SurfaceTypeApp)
	}
	return s.AttributionDestinations(measurement.SurfaceTypeWeb)
}
