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

// Package registration fetches and parses source and trigger registrations
// from adtech servers.
package registration

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	log "github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/google/privacy-sandbox-attribution-service/measurement"
)

// Registration response headers.
const (
	RegisterSourceHeader  = "Attribution-Reporting-Register-Source"
	RegisterTriggerHeader = "Attribution-Reporting-Register-Trigger"
	RedirectHeader        = "Attribution-Reporting-Redirect"
)

// Source registration limits, in line with the public API contract.
const (
	MinSourceExpiry = 24 * time.Hour
	MaxSourceExpiry = 30 * 24 * time.Hour
	MinReportWindow = time.Hour

	// MaxRedirectsPerRegistration caps chained registrations.
	MaxRedirectsPerRegistration = 20
)

// SourceRegistrationRequest describes one source registration to fetch.
type SourceRegistrationRequest struct {
	RegistrationURI   string
	Registrant        string
	Publisher         string
	PublisherType     measurement.EventSurfaceType
	SourceType        measurement.SourceType
	EventTime         int64
	AdIDPermission    bool
	ArDebugPermission bool
}

// TriggerRegistrationRequest describes one trigger registration to fetch.
type TriggerRegistrationRequest struct {
	RegistrationURI        string
	Registrant             string
	AttributionDestination string
	DestinationType        measurement.EventSurfaceType
	TriggerTime            int64
	AdIDPermission         bool
	ArDebugPermission      bool
}

// Fetcher retrieves registrations over HTTPS.
type Fetcher struct {
	client *retryablehttp.Client
}

// NewFetcher wraps the given retrying client; a nil client gets defaults.
func NewFetcher(client *retryablehttp.Client) *Fetcher {
	if client == nil {
		client = retryablehttp.NewClient()
		client.Logger = nil
	}
	return &Fetcher{client: client}
}

// sourceWire is the Attribution-Reporting-Register-Source header payload.
// Numeric fields are accepted both as JSON strings and numbers.
type sourceWire struct {
	SourceEventID                 string          `json:"source_event_id"`
	Destination                   string          `json:"destination"`
	WebDestination                json.RawMessage `json:"web_destination"`
	Expiry                        json.RawMessage `json:"expiry"`
	EventReportWindow             json.RawMessage `json:"event_report_window"`
	AggregatableReportWindow      json.RawMessage `json:"aggregatable_report_window"`
	Priority                      json.RawMessage `json:"priority"`
	DebugKey                      *string         `json:"debug_key"`
	DebugReporting                bool            `json:"debug_reporting"`
	FilterData                    json.RawMessage `json:"filter_data"`
	AggregationKeys               json.RawMessage `json:"aggregation_keys"`
	SharedAggregationKeys         json.RawMessage `json:"shared_aggregation_keys"`
	InstallAttributionWindow      json.RawMessage `json:"install_attribution_window"`
	PostInstallExclusivityWindow  json.RawMessage `json:"post_install_exclusivity_window"`
	CoarseEventReportDestinations bool            `json:"coarse_event_report_destinations"`
	TriggerSpecs                  json.RawMessage `json:"trigger_specs"`
	MaxEventLevelReports          *int            `json:"max_event_level_reports"`
}

// triggerWire is the Attribution-Reporting-Register-Trigger header payload.
type triggerWire struct {
	EventTriggerData             json.RawMessage `json:"event_trigger_data"`
	AggregatableTriggerData      json.RawMessage `json:"aggregatable_trigger_data"`
	AggregatableValues           json.RawMessage `json:"aggregatable_values"`
	AggregatableDeduplicationKey json.RawMessage `json:"aggregatable_deduplication_keys"`
	Filters                      json.RawMessage `json:"filters"`
	NotFilters                   json.RawMessage `json:"not_filters"`
	DebugKey                     *string         `json:"debug_key"`
	DebugReporting               bool            `json:"debug_reporting"`
	AttributionConfig            json.RawMessage `json:"attribution_config"`
	XNetworkKeyMapping           json.RawMessage `json:"x_network_key_mapping"`
}

// FetchSource retrieves one source registration and returns the parsed
// source plus the redirect URIs for chained registrations. A malformed
// header rejects the whole registration.
func (f *Fetcher) FetchSource(req *SourceRegistrationRequest) (*measurement.Source, []string, error) {
	header, redirects, origin, err := f.fetch(req.RegistrationURI, RegisterSourceHeader)
	if err != nil {
		return nil, nil, err
	}
	source, err := ParseSourceRegistration(header, req, origin)
	if err != nil {
		return nil, nil, err
	}
	return source, redirects, nil
}

// FetchTrigger retrieves one trigger registration.
func (f *Fetcher) FetchTrigger(req *TriggerRegistrationRequest) (*measurement.Trigger, []string, error) {
	header, redirects, origin, err := f.fetch(req.RegistrationURI, RegisterTriggerHeader)
	if err != nil {
		return nil, nil, err
	}
	trigger, err := ParseTriggerRegistration(header, req, origin)
	if err != nil {
		return nil, nil, err
	}
	return trigger, redirects, nil
}

func (f *Fetcher) fetch(registrationURI, wantHeader string) (header string, redirects []string, origin string, err error) {
	origin, err = registrationOrigin(registrationURI)
	if err != nil {
		return "", nil, "", err
	}

	httpReq, err := retryablehttp.NewRequest(http.MethodGet, registrationURI, nil)
	if err != nil {
		return "", nil, "", err
	}
	httpReq.Header.Set("Attribution-Reporting-Eligible", eligibleValue(wantHeader))

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return "", nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", nil, "", fmt.Errorf("registration fetch from %s returned %s", registrationURI, resp.Status)
	}

	header = resp.Header.Get(wantHeader)
	if header == "" {
		return "", nil, "", fmt.Errorf("response from %s is missing the %s header", registrationURI, wantHeader)
	}

	redirects = resp.Header.Values(RedirectHeader)
	if len(redirects) > MaxRedirectsPerRegistration {
		log.Warningf("Registration from %s requested %d redirects, keeping %d", registrationURI, len(redirects), MaxRedirectsPerRegistration)
		redirects = redirects[:MaxRedirectsPerRegistration]
	}
	return header, redirects, origin, nil
}

func eligibleValue(wantHeader string) string {
	if wantHeader == RegisterSourceHeader {
		return "event-source, navigation-source"
	}
	return "trigger"
}

// ParseSourceRegistration turns a Register-Source header into a Source.
func ParseSourceRegistration(header string, req *SourceRegistrationRequest, registrationOrigin string) (*measurement.Source, error) {
	var wire sourceWire
	if err := json.Unmarshal([]byte(header), &wire); err != nil {
		return nil, fmt.Errorf("malformed %s header: %v", RegisterSourceHeader, err)
	}
	if wire.SourceEventID == "" {
		return nil, fmt.Errorf("source registration is missing source_event_id")
	}
	eventID, err := strconv.ParseUint(wire.SourceEventID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid source_event_id %q: %v", wire.SourceEventID, err)
	}

	expirySeconds, ok, err := parseFlexibleInt64(wire.Expiry)
	if err != nil {
		return nil, fmt.Errorf("invalid expiry: %v", err)
	}
	expiry := MaxSourceExpiry
	if ok {
		expiry = clampDuration(time.Duration(expirySeconds)*time.Second, MinSourceExpiry, MaxSourceExpiry)
	}
	expiryTime := req.EventTime + expiry.Milliseconds()

	eventReportWindow := expiryTime
	if seconds, ok, err := parseFlexibleInt64(wire.EventReportWindow); err != nil {
		return nil, fmt.Errorf("invalid event_report_window: %v", err)
	} else if ok {
		w := clampDuration(time.Duration(seconds)*time.Second, MinReportWindow, expiry)
		eventReportWindow = req.EventTime + w.Milliseconds()
	}
	aggregatableReportWindow := expiryTime
	if seconds, ok, err := parseFlexibleInt64(wire.AggregatableReportWindow); err != nil {
		return nil, fmt.Errorf("invalid aggregatable_report_window: %v", err)
	} else if ok {
		w := clampDuration(time.Duration(seconds)*time.Second, MinReportWindow, expiry)
		aggregatableReportWindow = req.EventTime + w.Milliseconds()
	}

	s := &measurement.Source{
		ID:                            uuid.New().String(),
		EventID:                       eventID,
		Publisher:                     req.Publisher,
		PublisherType:                 req.PublisherType,
		Registrant:                    req.Registrant,
		SourceType:                    req.SourceType,
		Status:                        measurement.SourceStatusActive,
		EventTime:                     req.EventTime,
		ExpiryTime:                    expiryTime,
		EventReportWindow:             eventReportWindow,
		AggregatableReportWindow:      aggregatableReportWindow,
		AdIDPermission:                req.AdIDPermission,
		ArDebugPermission:             req.ArDebugPermission,
		EnrollmentID:                  registrationOrigin,
		RegistrationOrigin:            registrationOrigin,
		RegistrationID:                uuid.New().String(),
		CoarseEventReportDestinations: wire.CoarseEventReportDestinations,
		InstallAttributionWindow:      measurement.DefaultInstallAttributionWindow.Milliseconds(),
	}

	if wire.Destination != "" {
		s.AppDestinations = []string{wire.Destination}
	}
	webDestinations, err := parseStringOrList(wire.WebDestination)
	if err != nil {
		return nil, fmt.Errorf("invalid web_destination: %v", err)
	}
	s.WebDestinations = webDestinations

	if priority, ok, err := parseFlexibleInt64(wire.Priority); err != nil {
		return nil, fmt.Errorf("invalid priority: %v", err)
	} else if ok {
		s.Priority = priority
	}
	if wire.DebugKey != nil {
		key, err := strconv.ParseUint(*wire.DebugKey, 10, 64)
		if err != nil {
			// A bad debug key never fails the registration.
			log.Warningf("Ignoring invalid debug_key %q from %s", *wire.DebugKey, registrationOrigin)
		} else {
			s.DebugKey = &key
		}
	}
	if len(wire.FilterData) > 0 {
		if _, err := measurement.ParseFilterMap(wire.FilterData); err != nil {
			return nil, fmt.Errorf("invalid filter_data: %v", err)
		}
		s.FilterDataJSON = string(wire.FilterData)
	}
	if len(wire.AggregationKeys) > 0 {
		s.AggregateSourceJSON = string(wire.AggregationKeys)
		if _, err := s.ParsedAggregateSource(); err != nil {
			return nil, err
		}
	}
	if len(wire.SharedAggregationKeys) > 0 {
		s.SharedAggregationKeys = string(wire.SharedAggregationKeys)
	}
	if seconds, ok, err := parseFlexibleInt64(wire.InstallAttributionWindow); err != nil {
		return nil, fmt.Errorf("invalid install_attribution_window: %v", err)
	} else if ok {
		s.InstallAttributionWindow = seconds * 1000
	}
	if seconds, ok, err := parseFlexibleInt64(wire.PostInstallExclusivityWindow); err != nil {
		return nil, fmt.Errorf("invalid post_install_exclusivity_window: %v", err)
	} else if ok {
		s.InstallCooldownWindow = seconds * 1000
	}

	if len(wire.TriggerSpecs) > 0 {
		maxReports := measurement.NavigationSourceMaxReports
		if req.SourceType == measurement.SourceTypeEvent {
			maxReports = measurement.EventSourceMaxReports
		}
		if wire.MaxEventLevelReports != nil {
			maxReports = *wire.MaxEventLevelReports
		}
		// Spec windows are offsets from the source event time.
		spec, err := measurement.NewReportSpec(string(wire.TriggerSpecs), maxReports, eventReportWindow-req.EventTime, true)
		if err != nil {
			return nil, fmt.Errorf("invalid trigger_specs: %v", err)
		}
		s.TriggerSpecs = spec
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// ParseTriggerRegistration turns a Register-Trigger header into a Trigger.
func ParseTriggerRegistration(header string, req *TriggerRegistrationRequest, registrationOrigin string) (*measurement.Trigger, error) {
	var wire triggerWire
	if err := json.Unmarshal([]byte(header), &wire); err != nil {
		return nil, fmt.Errorf("malformed %s header: %v", RegisterTriggerHeader, err)
	}

	t := &measurement.Trigger{
		ID:                     uuid.New().String(),
		AttributionDestination: req.AttributionDestination,
		DestinationType:        req.DestinationType,
		Registrant:             req.Registrant,
		TriggerTime:            req.TriggerTime,
		Status:                 measurement.TriggerStatusPending,
		AdIDPermission:         req.AdIDPermission,
		ArDebugPermission:      req.ArDebugPermission,
		EnrollmentID:           registrationOrigin,
		RegistrationOrigin:     registrationOrigin,

		EventTriggersJSON:              string(wire.EventTriggerData),
		AggregateTriggerDataJSON:       string(wire.AggregatableTriggerData),
		AggregateValuesJSON:            string(wire.AggregatableValues),
		AggregateDeduplicationKeysJSON: string(wire.AggregatableDeduplicationKey),
		FiltersJSON:                    string(wire.Filters),
		NotFiltersJSON:                 string(wire.NotFilters),
		AttributionConfigJSON:          string(wire.AttributionConfig),
		AdtechKeyMappingJSON:           string(wire.XNetworkKeyMapping),
	}
	if wire.DebugKey != nil {
		key, err := strconv.ParseUint(*wire.DebugKey, 10, 64)
		if err != nil {
			log.Warningf("Ignoring invalid debug_key %q from %s", *wire.DebugKey, registrationOrigin)
		} else {
			t.DebugKey = &key
		}
	}

	// Parse eagerly so a malformed registration is rejected here rather
	// than at attribution time.
	if _, err := t.ParseEventTriggers(); err != nil {
		return nil, err
	}
	if _, err := t.TopLevelFilterSet(); err != nil {
		return nil, err
	}
	if _, err := t.TopLevelNotFilterSet(); err != nil {
		return nil, err
	}
	if _, err := t.ParseAdtechKeyMapping(); err != nil {
		return nil, err
	}
	if _, err := t.ParseAttributionConfigs(); err != nil {
		return nil, err
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// parseFlexibleInt64 accepts a JSON number or a string-encoded integer.
func parseFlexibleInt64(raw json.RawMessage) (int64, bool, error) {
	if len(raw) == 0 {
		return 0, false, nil
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		v, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return 0, false, err
		}
		return v, true, nil
	}
	var num int64
	if err := json.Unmarshal(raw, &num); err != nil {
		return 0, false, fmt.Errorf("expected an integer or integer string, got %s", raw)
	}
	return num, true, nil
}

func parseStringOrList(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func clampDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

func registrationOrigin(registrationURI string) (string, error) {
	u, err := url.Parse(registrationURI)
	if err != nil {
		return "", fmt.Errorf("invalid registration URI %q: %v", registrationURI, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("registration URI %q has no origin", registrationURI)
	}
	return u.Scheme + "://" + u.Host, nil
}
