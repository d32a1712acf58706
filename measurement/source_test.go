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
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"lukechampine.com/uint128"
)

func validSource() *Source {
	return &Source{
		ID:                 "source-1",
		EventID:            123,
		Publisher:          "android-app://com.example.publisher",
		AppDestinations:    []string{"android-app://com.example.store"},
		EnrollmentID:       "enrollment-id",
		Registrant:         "android-app://com.example.publisher",
		SourceType:         SourceTypeNavigation,
		EventTime:          time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
		RegistrationOrigin: "https://adtech.example",
	}
}

func TestSourceValidate(t *testing.T) {
	if err := validSource().Validate(); err != nil {
		t.Errorf("valid source failed validation: %v", err)
	}
	for _, tc := range []struct {
		name   string
		mutate func(*Source)
	}{
		{"missing publisher", func(s *Source) { s.Publisher = "" }},
		{"missing destinations", func(s *Source) { s.AppDestinations = nil }},
		{"multiple app destinations", func(s *Source) {
			s.AppDestinations = append(s.AppDestinations, "android-app://com.other")
		}},
		{"missing enrollment", func(s *Source) { s.EnrollmentID = "" }},
		{"missing registrant", func(s *Source) { s.Registrant = "" }},
		{"missing registration origin", func(s *Source) { s.RegistrationOrigin = "" }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := validSource()
			tc.mutate(s)
			if err := s.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestTriggerDataCardinality(t *testing.T) {
	s := validSource()
	if got := s.TriggerDataCardinality(); got != 8 {
		t.Errorf("navigation cardinality = %d, want 8", got)
	}
	s.SourceType = SourceTypeEvent
	if got := s.TriggerDataCardinality(); got != 2 {
		t.Errorf("event cardinality = %d, want 2", got)
	}
}

func TestSourceFilterData(t *testing.T) {
	s := validSource()
	s.FilterDataJSON = `{"product": ["1234"]}`
	got, err := s.FilterData()
	if err != nil {
		t.Fatalf("FilterData failed: %v", err)
	}
	want := FilterMap{
		"product":     {"1234"},
		"source_type": {"navigation"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("filter data mismatch (-want +got):\n%s", diff)
	}
}

func TestEventReportDestinations(t *testing.T) {
	s := validSource()
	s.WebDestinations = []string{"https://example.com"}

	got := s.EventReportDestinations(SurfaceTypeWeb)
	if diff := cmp.Diff([]string{"https://example.com"}, got); diff != "" {
		t.Errorf("web destinations mismatch (-want +got):\n%s", diff)
	}

	s.CoarseEventReportDestinations = true
	got = s.EventReportDestinations(SurfaceTypeWeb)
	want := []string{"android-app://com.example.store", "https://example.com"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("coarse destinations mismatch (-want +got):\n%s", diff)
	}
}

func TestParsedAggregateSource(t *testing.T) {
	s := validSource()
	s.AggregateSourceJSON = `{"campaignCounts": "0x159", "geoValue": "0x5"}`
	got, err := s.ParsedAggregateSource()
	if err != nil {
		t.Fatalf("ParsedAggregateSource failed: %v", err)
	}
	want := map[string]uint128.Uint128{
		"campaignCounts": uint128.From64(0x159),
		"geoValue":       uint128.From64(0x5),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("aggregate source mismatch (-want +got):\n%s", diff)
	}
}

func TestDedupKeys(t *testing.T) {
	s := validSource()
	s.AppendEventDedupKey(7)
	if !s.HasEventDedupKey(7) {
		t.Error("HasEventDedupKey(7) = false after append")
	}
	if s.HasEventDedupKey(8) {
		t.Error("HasEventDedupKey(8) = true, key never appended")
	}
	key := uint64(7)
	s.RemoveEventDedupKey(&key)
	if s.HasEventDedupKey(7) {
		t.Error("HasEventDedupKey(7) = true after removal")
	}
}

func TestInstallDetection(t *testing.T) {
	s := validSource()
	if s.IsInstallDetectionEnabled() {
		t.Error("install detection enabled without a cooldown window")
	}
	s.InstallCooldownWindow = int64(7 * 24 * time.Hour / time.Millisecond)
	if !s.IsInstallDetectionEnabled() {
		t.Error("install detection disabled with cooldown and app destination")
	}
	s.AppDestinations = nil
	s.WebDestinations = []string{"https://example.com"}
	if s.IsInstallDetectionEnabled() {
		t.Error("install detection enabled without an app destination")
	}
}
