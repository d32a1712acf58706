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
	"sort"

	"github.com/google/uuid"
)

// ReportStatus is the delivery state of an event or aggregate report.
type ReportStatus int

// Report statuses.
const (
	ReportStatusPending ReportStatus = iota
	ReportStatusDelivered
	ReportStatusMarkedToDelete
)

// DebugReportStatus tracks whether a parallel debug report is owed.
type DebugReportStatus int

// Debug report statuses.
const (
	DebugReportStatusNone DebugReportStatus = iota
	DebugReportStatusPending
	DebugReportStatusDelivered
)

// ReportWindowCalculator computes delivery times and report quotas for a
// source. The reporting package provides the production implementation.
type ReportWindowCalculator interface {
	// ReportingTime returns the report delivery time for a trigger
	// attributed to the source at triggerTime.
	ReportingTime(s *Source, triggerTime int64, destinationType EventSurfaceType) int64
	// MaxReportCount returns how many event reports the source may emit.
	MaxReportCount(s *Source, isInstallCase bool) int
}

// RandomizedTriggerRateProvider discloses the noise rate applied at source
// registration; the rate rides on every event report.
type RandomizedTriggerRateProvider interface {
	RandomizedTriggerRate(s *Source) float64
}

// DebugKeyPair carries the source and trigger debug keys cleared for
// disclosure, either of which may be nil.
type DebugKeyPair struct {
	SourceDebugKey  *uint64
	TriggerDebugKey *uint64
}

// EventReport is the event-level attribution report owed to the reporting
// origin.
type EventReport struct {
	ID                      string
	SourceEventID           uint64
	EnrollmentID            string
	AttributionDestinations []string
	ReportTime              int64
	TriggerTime             int64
	TriggerData             uint64
	TriggerPriority         int64
	TriggerDedupKey         *uint64
	Status                  ReportStatus
	DebugReportStatus       DebugReportStatus
	SourceType              SourceType
	RandomizedTriggerRate   float64
	SourceDebugKey          *uint64
	TriggerDebugKey         *uint64
	SourceID                string
	TriggerID               string
	RegistrationOrigin      string
}

// Clone returns a copy sharing no mutable state with the original.
func (r *EventReport) Clone() *EventReport {
	c := *r
	c.AttributionDestinations = append([]string(nil), r.AttributionDestinations...)
	c.TriggerDedupKey = cloneUint64(r.TriggerDedupKey)
	c.SourceDebugKey = cloneUint64(r.SourceDebugKey)
	c.TriggerDebugKey = cloneUint64(r.TriggerDebugKey)
	return &c
}

// NewEventReport builds the report for one matched event trigger. The
// trigger data is reduced modulo the source's cardinality before disclosure.
func NewEventReport(s *Source, t *Trigger, et EventTrigger, keys DebugKeyPair,
	calc ReportWindowCalculator, rates RandomizedTriggerRateProvider,
	destinations []string) *EventReport {
	sorted := append([]string(nil), destinations...)
	sort.Strings(sorted)
	r := &EventReport{
		ID:                      uuid.New().String(),
		SourceEventID:           s.EventID,
		EnrollmentID:            s.EnrollmentID,
		AttributionDestinations: sorted,
		ReportTime:              calc.ReportingTime(s, t.TriggerTime, t.DestinationType),
		TriggerTime:             t.TriggerTime,
		TriggerData:             s.reducedTriggerData(et.TriggerData),
		TriggerPriority:         et.Priority,
		TriggerDedupKey:         et.DedupKey,
		Status:                  ReportStatusPending,
		SourceType:              s.SourceType,
		RandomizedTriggerRate:   rates.RandomizedTriggerRate(s),
		SourceDebugKey:          keys.SourceDebugKey,
		TriggerDebugKey:         keys.TriggerDebugKey,
		SourceID:                s.ID,
		TriggerID:               t.ID,
		RegistrationOrigin:      s.RegistrationOrigin,
	}
	if keys.SourceDebugKey != nil || keys.TriggerDebugKey != nil {
		r.DebugReportStatus = DebugReportStatusPending
	}
	return r
}

// NewFakeEventReport builds a report emitted under FALSELY attribution mode.
func NewFakeEventReport(s *Source, fake FakeReport, rates RandomizedTriggerRateProvider) *EventReport {
	sorted := append([]string(nil), fake.Destinations...)
	sort.Strings(sorted)
	return &EventReport{
		ID:                      uuid.New().String(),
		SourceEventID:           s.EventID,
		EnrollmentID:            s.EnrollmentID,
		AttributionDestinations: sorted,
		ReportTime:              fake.ReportingTime,
		TriggerTime:             s.EventTime,
		TriggerData:             fake.TriggerData,
		Status:                  ReportStatusPending,
		SourceType:              s.SourceType,
		RandomizedTriggerRate:   rates.RandomizedTriggerRate(s),
		SourceID:                s.ID,
		RegistrationOrigin:      s.RegistrationOrigin,
	}
}

func (s *Source) reducedTriggerData(data uint64) uint64 {
	if s.TriggerSpecs != nil {
		return data
	}
	return data % s.TriggerDataCardinality()
}
