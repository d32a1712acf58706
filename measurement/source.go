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
	"sort"

	"lukechampine.com/uint128"

	"github.com/google/privacy-sandbox-attribution-service/shared/utils"
)

// EventSurfaceType tells whether a publisher or destination is an app or a
// web site.
type EventSurfaceType int

// Surface types.
const (
	SurfaceTypeApp EventSurfaceType = iota
	SurfaceTypeWeb
)

// SourceType distinguishes view-through (event) from click-through
// (navigation) sources. The values are part of the wire contract: they are
// injected into filter data and serialized in reports.
type SourceType string

// Source types.
const (
	SourceTypeEvent      SourceType = "event"
	SourceTypeNavigation SourceType = "navigation"
)

// SourceStatus is the lifecycle state of a source.
type SourceStatus int

// Source statuses.
const (
	SourceStatusActive SourceStatus = iota
	SourceStatusIgnored
	SourceStatusMarkedToDelete
)

// AttributionMode is the noise decision taken once at registration.
type AttributionMode int

// Attribution modes.
const (
	AttributionModeUnassigned AttributionMode = iota
	AttributionModeTruthfully
	AttributionModeNever
	AttributionModeFalsely
)

// FakeReport is a synthetic report configuration generated at registration
// time for sources assigned the FALSELY attribution mode.
type FakeReport struct {
	TriggerData   uint64
	ReportingTime int64
	Destinations  []string
}

// Source is one registered ad impression or click.
//
// A Source is immutable after registration except for the dedup-key lists,
// the status and the aggregate contribution counter, which are only mutated
// by the attribution engine inside a datastore transaction.
type Source struct {
	ID            string
	EventID       uint64
	Publisher     string
	PublisherType EventSurfaceType
	// AppDestinations holds at most one entry per privacy rule.
	AppDestinations []string
	WebDestinations []string
	EnrollmentID    string
	Registrant      string
	SourceType      SourceType
	Priority        int64
	Status          SourceStatus

	// Times are unix milliseconds.
	EventTime                int64
	ExpiryTime               int64
	EventReportWindow        int64
	AggregatableReportWindow int64

	EventReportDedupKeys     []uint64
	AggregateReportDedupKeys []uint64

	AttributionMode AttributionMode

	InstallAttributionWindow int64
	InstallCooldownWindow    int64
	IsInstallAttributed      bool
	InstallTime              *int64

	DebugKey          *uint64
	AdIDPermission    bool
	ArDebugPermission bool
	DebugJoinKey      string
	PlatformAdID      string
	DebugAdID         string

	// FilterDataJSON is the registered filter_data object, kept in wire form.
	FilterDataJSON string
	// AggregateSourceJSON maps aggregation key names to "0x"-prefixed key pieces.
	AggregateSourceJSON    string
	AggregateContributions int
	SharedAggregationKeys  string

	RegistrationID     string
	RegistrationOrigin string

	// ParentID is set on sources derived from a trigger's attribution
	// config; derived sources never produce event reports.
	ParentID string

	// TriggerSpecs holds the flexible event-level configuration when the
	// source registered trigger_specs; nil for the default configuration.
	TriggerSpecs *ReportSpec

	// CoarseEventReportDestinations merges app and web destinations in
	// every report when set.
	CoarseEventReportDestinations bool
}

// Validate checks the required fields. A source failing validation must be
// rejected at registration, never stored.
func (s *Source) Validate() error {
	if s.Publisher == "" {
		return errors.New("source publisher is required")
	}
	if len(s.AppDestinations) == 0 && len(s.WebDestinations) == 0 {
		return errors.New("source needs at least one destination")
	}
	if len(s.AppDestinations) > 1 {
		return fmt.Errorf("source allows at most one app destination, got %d", len(s.AppDestinations))
	}
	if s.EnrollmentID == "" {
		return errors.New("source enrollment ID is required")
	}
	if s.Registrant == "" {
		return errors.New("source registrant is required")
	}
	if s.SourceType != SourceTypeEvent && s.SourceType != SourceTypeNavigation {
		return fmt.Errorf("invalid source type %q", s.SourceType)
	}
	if s.RegistrationOrigin == "" {
		return errors.New("source registration origin is required")
	}
	return nil
}

// TriggerDataCardinality is the modulus applied to trigger data in event
// reports for this source.
func (s *Source) TriggerDataCardinality() uint64 {
	if s.SourceType == SourceTypeNavigation {
		return NavigationTriggerDataCardinality
	}
	return EventTriggerDataCardinality
}

// FilterData parses the registered filter data and injects the synthetic
// source_type key.
func (s *Source) FilterData() (FilterMap, error) {
	m, err := ParseFilterMap([]byte(s.FilterDataJSON))
	if err != nil {
		return nil, err
	}
	m["source_type"] = []string{string(s.SourceType)}
	return m, nil
}

// AttributionDestinations returns the destinations for the given surface
// type.
func (s *Source) AttributionDestinations(destType EventSurfaceType) []string {
	if destType == SurfaceTypeApp {
		return s.AppDestinations
	}
	return s.WebDestinations
}

// EventReportDestinations returns the destination list to attach to an event
// report. Coarse sources disclose both destination lists regardless of which
// surface the trigger arrived on.
func (s *Source) EventReportDestinations(destType EventSurfaceType) []string {
	if s.CoarseEventReportDestinations {
		merged := make([]string, 0, len(s.AppDestinations)+len(s.WebDestinations))
		merged = append(merged, s.AppDestinations...)
		merged = append(merged, s.WebDestinations...)
		sort.Strings(merged)
		return merged
	}
	return s.AttributionDestinations(destType)
}

// AllDestinations returns app and web destinations combined.
func (s *Source) AllDestinations() []string {
	merged := make([]string, 0, len(s.AppDestinations)+len(s.WebDestinations))
	merged = append(merged, s.AppDestinations...)
	merged = append(merged, s.WebDestinations...)
	sort.Strings(merged)
	return merged
}

// HasDualDestinations reports whether the source registered both an app and
// a web destination.
func (s *Source) HasDualDestinations() bool {
	return len(s.AppDestinations) > 0 && len(s.WebDestinations) > 0
}

// IsInstallDetectionEnabled reports whether the install attribution path can
// apply to this source.
func (s *Source) IsInstallDetectionEnabled() bool {
	return s.InstallCooldownWindow > 0 && len(s.AppDestinations) > 0
}

// ParsedAggregateSource parses the registered aggregation keys into 128-bit
// key pieces.
func (s *Source) ParsedAggregateSource() (map[string]uint128.Uint128, error) {
	if s.AggregateSourceJSON == "" {
		return nil, nil
	}
	raw := map[string]string{}
	if err := json.Unmarshal([]byte(s.AggregateSourceJSON), &raw); err != nil {
		return nil, fmt.Errorf("invalid aggregation_keys: %v", err)
	}
	keys := make(map[string]uint128.Uint128, len(raw))
	for name, piece := range raw {
		v, err := utils.HexStringToUint128(piece)
		if err != nil {
			return nil, err
		}
		keys[name] = v
	}
	return keys, nil
}

// HasEventDedupKey reports whether the key was already consumed by an event
// report for this source.
func (s *Source) HasEventDedupKey(key uint64) bool {
	for _, k := range s.EventReportDedupKeys {
		if k == key {
			return true
		}
	}
	return false
}

// HasAggregateDedupKey reports whether the key was already consumed by an
// aggregate report for this source.
func (s *Source) HasAggregateDedupKey(key uint64) bool {
	for _, k := range s.AggregateReportDedupKeys {
		if k == key {
			return true
		}
	}
	return false
}

// AppendEventDedupKey records a consumed event dedup key. Callers must hold
// the datastore transaction that attributes the trigger.
func (s *Source) AppendEventDedupKey(key uint64) {
	s.EventReportDedupKeys = append(s.EventReportDedupKeys, key)
}

// AppendAggregateDedupKey records a consumed aggregate dedup key.
func (s *Source) AppendAggregateDedupKey(key uint64) {
	s.AggregateReportDedupKeys = append(s.AggregateReportDedupKeys, key)
}

// RemoveEventDedupKey drops a dedup key, used when the report that consumed
// it is deleted during report-quota provisioning.
func (s *Source) RemoveEventDedupKey(key *uint64) {
	if key == nil {
		return
	}
	keys := make([]uint64, 0, len(s.EventReportDedupKeys))
	for _, k := range s.EventReportDedupKeys {
		if k != *key {
			keys = append(keys, k)
		}
	}
	s.EventReportDedupKeys = keys
}

// Clone returns a copy sharing no mutable state with the original.
// TriggerSpecs is immutable after registration and stays shared.
func (s *Source) Clone() *Source {
	c := *s
	c.AppDestinations = append([]string(nil), s.AppDestinations...)
	c.WebDestinations = append([]string(nil), s.WebDestinations...)
	c.EventReportDedupKeys = append([]uint64(nil), s.EventReportDedupKeys...)
	c.AggregateReportDedupKeys = append([]uint64(nil), s.AggregateReportDedupKeys...)
	c.InstallTime = cloneInt64(s.InstallTime)
	c.DebugKey = cloneUint64(s.DebugKey)
	return &c
}

func cloneUint64(v *uint64) *uint64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
