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

package registration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/google/privacy-sandbox-attribution-service/datastore"
	"github.com/google/privacy-sandbox-attribution-service/measurement"
	"github.com/google/privacy-sandbox-attribution-service/noising"
	"github.com/google/privacy-sandbox-attribution-service/reporting"
)

const registrationTime = int64(1674000000000)

func quietFetcher() *Fetcher {
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.Logger = nil
	return NewFetcher(client)
}

func sourceRequest(uri string) *SourceRegistrationRequest {
	return &SourceRegistrationRequest{
		RegistrationURI: uri,
		Registrant:      "android-app://com.example.publisher",
		Publisher:       "android-app://com.example.publisher",
		PublisherType:   measurement.SurfaceTypeApp,
		SourceType:      measurement.SourceTypeNavigation,
		EventTime:       registrationTime,
	}
}

func TestParseSourceRegistration(t *testing.T) {
	header := `{
		"source_event_id": "123",
		"destination": "android-app://com.example.store",
		"expiry": "172800",
		"event_report_window": 86400,
		"priority": "100",
		"debug_key": "456",
		"filter_data": {"product": ["1234"]},
		"aggregation_keys": {"campaignCounts": "0x159"}
	}`
	s, err := ParseSourceRegistration(header, sourceRequest("https://adtech.example/register"), "https://adtech.example")
	if err != nil {
		t.Fatalf("ParseSourceRegistration failed: %v", err)
	}
	if s.EventID != 123 {
		t.Errorf("EventID = %d, want 123", s.EventID)
	}
	if diff := cmp.Diff([]string{"android-app://com.example.store"}, s.AppDestinations); diff != "" {
		t.Errorf("AppDestinations mismatch (-want +got):\n%s", diff)
	}
	if want := registrationTime + 2*24*time.Hour.Milliseconds(); s.ExpiryTime != want {
		t.Errorf("ExpiryTime = %d, want %d", s.ExpiryTime, want)
	}
	if want := registrationTime + 24*time.Hour.Milliseconds(); s.EventReportWindow != want {
		t.Errorf("EventReportWindow = %d, want %d", s.EventReportWindow, want)
	}
	if s.AggregatableReportWindow != s.ExpiryTime {
		t.Errorf("AggregatableReportWindow = %d, want expiry %d", s.AggregatableReportWindow, s.ExpiryTime)
	}
	if s.Priority != 100 {
		t.Errorf("Priority = %d, want 100", s.Priority)
	}
	if s.DebugKey == nil || *s.DebugKey != 456 {
		t.Errorf("DebugKey = %v, want 456", s.DebugKey)
	}
	if s.EnrollmentID != "https://adtech.example" {
		t.Errorf("EnrollmentID = %q", s.EnrollmentID)
	}
	keys, err := s.ParsedAggregateSource()
	if err != nil || len(keys) != 1 {
		t.Errorf("ParsedAggregateSource = %v, %v", keys, err)
	}
}

func TestParseSourceRegistrationClampsExpiry(t *testing.T) {
	for _, tc := range []struct {
		expiry string
		want   time.Duration
	}{
		{`"60"`, MinSourceExpiry},
		{`"8640000"`, MaxSourceExpiry},
	} {
		header := `{"source_event_id": "1", "destination": "android-app://com.example.store", "expiry": ` + tc.expiry + `}`
		s, err := ParseSourceRegistration(header, sourceRequest("https://adtech.example/register"), "https://adtech.example")
		if err != nil {
			t.Fatalf("ParseSourceRegistration(expiry=%s) failed: %v", tc.expiry, err)
		}
		if want := registrationTime + tc.want.Milliseconds(); s.ExpiryTime != want {
			t.Errorf("expiry %s: ExpiryTime = %d, want %d", tc.expiry, s.ExpiryTime, want)
		}
	}
}

func TestParseSourceRegistrationFlexSpecs(t *testing.T) {
	header := `{
		"source_event_id": "1",
		"destination": "android-app://com.example.store",
		"trigger_specs": [{"trigger_data": [1, 2, 3], "event_report_windows": {"end_times": [172800, 604800]}}],
		"max_event_level_reports": 3
	}`
	s, err := ParseSourceRegistration(header, sourceRequest("https://adtech.example/register"), "https://adtech.example")
	if err != nil {
		t.Fatalf("ParseSourceRegistration failed: %v", err)
	}
	if s.TriggerSpecs == nil {
		t.Fatal("TriggerSpecs is nil")
	}
	if s.TriggerSpecs.MaxReports != 3 {
		t.Errorf("MaxReports = %d, want 3", s.TriggerSpecs.MaxReports)
	}
	if got := s.TriggerSpecs.TriggerDataCardinality(); got != 3 {
		t.Errorf("TriggerDataCardinality = %d, want 3", got)
	}
}

func TestParseSourceRegistrationRejectsMalformed(t *testing.T) {
	for _, header := range []string{
		`not json`,
		`{"destination": "android-app://com.example.store"}`,
		`{"source_event_id": "nope", "destination": "android-app://com.example.store"}`,
		`{"source_event_id": "1", "destination": "android-app://com.example.store", "expiry": "abc"}`,
		`{"source_event_id": "1", "destination": "android-app://com.example.store", "filter_data": ["not-a-map"]}`,
		`{"source_event_id": "1"}`,
	} {
		if _, err := ParseSourceRegistration(header, sourceRequest("https://adtech.example/register"), "https://adtech.example"); err == nil {
			t.Errorf("ParseSourceRegistration(%s) succeeded, want error", header)
		}
	}
}

func TestParseTriggerRegistration(t *testing.T) {
	header := `{
		"event_trigger_data": [{"trigger_data": "2", "priority": 101}],
		"aggregatable_trigger_data": [{"key_piece": "0x400", "source_keys": ["campaignCounts"]}],
		"aggregatable_values": {"campaignCounts": 32768},
		"filters": {"product": ["1234"]},
		"debug_key": "789"
	}`
	req := &TriggerRegistrationRequest{
		RegistrationURI:        "https://adtech.example/trigger",
		Registrant:             "android-app://com.example.store",
		AttributionDestination: "android-app://com.example.store",
		DestinationType:        measurement.SurfaceTypeApp,
		TriggerTime:            registrationTime,
	}
	tr, err := ParseTriggerRegistration(header, req, "https://adtech.example")
	if err != nil {
		t.Fatalf("ParseTriggerRegistration failed: %v", err)
	}
	events, err := tr.ParseEventTriggers()
	if err != nil || len(events) != 1 || events[0].TriggerData != 2 {
		t.Errorf("ParseEventTriggers = %+v, %v", events, err)
	}
	if tr.DebugKey == nil || *tr.DebugKey != 789 {
		t.Errorf("DebugKey = %v, want 789", tr.DebugKey)
	}
	if tr.Status != measurement.TriggerStatusPending {
		t.Errorf("Status = %v, want pending", tr.Status)
	}

	if _, err := ParseTriggerRegistration(`{"event_trigger_data": [{"trigger_data": "oops"}]}`, req, "https://adtech.example"); err == nil {
		t.Error("malformed event_trigger_data accepted, want error")
	}
}

func TestFetchSourceFollowsHeadersAndRedirects(t *testing.T) {
	var gotEligible string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEligible = r.Header.Get("Attribution-Reporting-Eligible")
		if strings.HasSuffix(r.URL.Path, "/chained") {
			w.Header().Set(RegisterSourceHeader, `{"source_event_id": "2", "destination": "android-app://com.example.store"}`)
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set(RegisterSourceHeader, `{"source_event_id": "1", "destination": "android-app://com.example.store"}`)
		w.Header().Add(RedirectHeader, "https://chain.example/chained")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	source, redirects, err := quietFetcher().FetchSource(sourceRequest(server.URL + "/register"))
	if err != nil {
		t.Fatalf("FetchSource failed: %v", err)
	}
	if source.EventID != 1 {
		t.Errorf("EventID = %d, want 1", source.EventID)
	}
	if diff := cmp.Diff([]string{"https://chain.example/chained"}, redirects); diff != "" {
		t.Errorf("redirects mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(gotEligible, "navigation-source") {
		t.Errorf("Attribution-Reporting-Eligible = %q", gotEligible)
	}
}

func TestFetchSourceMissingHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	if _, _, err := quietFetcher().FetchSource(sourceRequest(server.URL)); err == nil {
		t.Error("FetchSource with no registration header succeeded, want error")
	}
}

func TestProcessMessageStoresSourceWithNoise(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(RegisterSourceHeader, `{"source_event_id": "77", "destination": "android-app://com.example.store"}`)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := datastore.NewInMemoryStore()
	flags := measurement.DefaultFlags()
	runner := &QueueRunner{
		Fetcher: quietFetcher(),
		Store:   store,
		Noiser:  noising.NewSourceNoiseHandler(flags, reporting.NewEventReportWindowCalc(flags)),
	}

	msg := &QueueMessage{Source: sourceRequest(server.URL + "/register")}
	if err := runner.ProcessMessage(context.Background(), msg); err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}

	if err := store.RunInTransaction(context.Background(), func(tx datastore.Transaction) error {
		count, err := tx.CountSourcesForPublisher("android-app://com.example.publisher", registrationTime)
		if err != nil {
			return err
		}
		if count != 1 {
			t.Fatalf("stored %d sources, want 1", count)
		}
		trigger := &measurement.Trigger{
			AttributionDestination: "android-app://com.example.store",
			DestinationType:        measurement.SurfaceTypeApp,
			EnrollmentID:           server.URL,
			TriggerTime:            registrationTime + 1,
		}
		sources, err := tx.MatchingActiveSources(trigger)
		if err != nil {
			return err
		}
		if len(sources) != 1 {
			t.Fatalf("got %d matching sources, want 1", len(sources))
		}
		if sources[0].AttributionMode == measurement.AttributionModeUnassigned {
			t.Error("stored source has no attribution mode")
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestProcessMessageStoresTrigger(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(RegisterTriggerHeader, `{"event_trigger_data": [{"trigger_data": "1"}]}`)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := datastore.NewInMemoryStore()
	runner := &QueueRunner{Fetcher: quietFetcher(), Store: store}

	msg := &QueueMessage{Trigger: &TriggerRegistrationRequest{
		RegistrationURI:        server.URL + "/trigger",
		Registrant:             "android-app://com.example.store",
		AttributionDestination: "android-app://com.example.store",
		DestinationType:        measurement.SurfaceTypeApp,
		TriggerTime:            registrationTime,
	}}
	if err := runner.ProcessMessage(context.Background(), msg); err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}

	if err := store.RunInTransaction(context.Background(), func(tx datastore.Transaction) error {
		ids, err := tx.PendingTriggerIDs(0)
		if err != nil {
			return err
		}
		if len(ids) != 1 {
			t.Errorf("got %d pending triggers, want 1", len(ids))
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}
