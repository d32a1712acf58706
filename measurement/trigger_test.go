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

	"github.com/google/go-cmp/cmp"
	"lukechampine.com/uint128"
)

func validTrigger() *Trigger {
	return &Trigger{
		ID:                     "trigger-1",
		AttributionDestination: "android-app://com.example.store",
		DestinationType:        SurfaceTypeApp,
		EnrollmentID:           "enrollment-id",
		Registrant:             "android-app://com.example.store",
		TriggerTime:            1675209600000,
		RegistrationOrigin:     "https://adtech.example",
	}
}

func TestTriggerValidate(t *testing.T) {
	if err := validTrigger().Validate(); err != nil {
		t.Errorf("valid trigger failed validation: %v", err)
	}
	for _, tc := range []struct {
		name   string
		mutate func(*Trigger)
	}{
		{"missing destination", func(tr *Trigger) { tr.AttributionDestination = "" }},
		{"missing enrollment", func(tr *Trigger) { tr.EnrollmentID = "" }},
		{"missing registrant", func(tr *Trigger) { tr.Registrant = "" }},
		{"missing registration origin", func(tr *Trigger) { tr.RegistrationOrigin = "" }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tr := validTrigger()
			tc.mutate(tr)
			if err := tr.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestParseEventTriggers(t *testing.T) {
	tr := validTrigger()
	tr.EventTriggersJSON = `[
		{"trigger_data": "2", "priority": 101, "deduplication_key": "34", "filters": {"product": ["1234"]}},
		{"trigger_data": "0", "not_filters": [{"geo": ["us"]}]}
	]`
	got, err := tr.ParseEventTriggers()
	if err != nil {
		t.Fatalf("ParseEventTriggers failed: %v", err)
	}
	dedup := uint64(34)
	want := []EventTrigger{
		{
			TriggerData: 2,
			Priority:    101,
			DedupKey:    &dedup,
			FilterSet:   []FilterMap{{"product": {"1234"}}},
		},
		{
			TriggerData:  0,
			NotFilterSet: []FilterMap{{"geo": {"us"}}},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("event triggers mismatch (-want +got):\n%s", diff)
	}
}

func TestParseEventTriggersInvalid(t *testing.T) {
	for _, tc := range []struct {
		name string
		json string
	}{
		{"not an array", `{"trigger_data": "2"}`},
		{"non-numeric trigger data", `[{"trigger_data": "abc"}]`},
		{"non-numeric dedup key", `[{"trigger_data": "2", "deduplication_key": "x"}]`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tr := validTrigger()
			tr.EventTriggersJSON = tc.json
			if _, err := tr.ParseEventTriggers(); err == nil {
				t.Error("expected parse error, got nil")
			}
		})
	}
}

func TestParseAdtechKeyMapping(t *testing.T) {
	tr := validTrigger()
	tr.AdtechKeyMappingJSON = `{"AdTechA-enrollment_id": "0x1122334455667788"}`
	got, err := tr.ParseAdtechKeyMapping()
	if err != nil {
		t.Fatalf("ParseAdtechKeyMapping failed: %v", err)
	}
	want := map[string]uint128.Uint128{
		"AdTechA-enrollment_id": uint128.From64(0x1122334455667788),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("key mapping mismatch (-want +got):\n%s", diff)
	}

	tr.AdtechKeyMappingJSON = `{"AdTechA-enrollment_id": "1122"}`
	if _, err := tr.ParseAdtechKeyMapping(); err == nil {
		t.Error("expected error for key piece without 0x prefix, got nil")
	}
}

func TestAttributionDestinationBaseURI(t *testing.T) {
	tr := validTrigger()
	got, err := tr.AttributionDestinationBaseURI()
	if err != nil {
		t.Fatalf("AttributionDestinationBaseURI failed: %v", err)
	}
	if got != "android-app://com.example.store" {
		t.Errorf("app destination = %q, want unchanged URI", got)
	}

	tr.AttributionDestination = "https://shop.example.com/checkout"
	tr.DestinationType = SurfaceTypeWeb
	got, err = tr.AttributionDestinationBaseURI()
	if err != nil {
		t.Fatalf("AttributionDestinationBaseURI failed: %v", err)
	}
	if got != "https://example.com" {
		t.Errorf("web destination = %q, want https://example.com", got)
	}

	tr.AttributionDestination = "not-a-uri"
	if _, err := tr.AttributionDestinationBaseURI(); err == nil {
		t.Error("expected error for destination without scheme, got nil")
	}
}
