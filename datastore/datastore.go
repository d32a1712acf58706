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

// Package datastore defines the measurement storage contract and an
// in-memory implementation of it. All attribution work happens inside a
// transaction: one trigger is attributed per transaction, and a failed
// transaction leaves the trigger untouched for the next run.
package datastore

import (
	"context"

	"github.com/google/privacy-sandbox-attribution-service/aggregation"
	"github.com/google/privacy-sandbox-attribution-service/measurement"
)

// DAO is the entry point to measurement storage.
type DAO interface {
	// RunInTransaction executes fn atomically. When fn returns an error
	// every write made through its Transaction is discarded.
	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error
}

// Transaction exposes the storage operations available inside one atomic
// unit of work.
type Transaction interface {
	InsertSource(s *measurement.Source) error
	UpdateSource(s *measurement.Source) error
	// MatchingActiveSources returns the active sources whose destination
	// set covers the trigger's destination, registered by the trigger's
	// enrollment and alive at the trigger time.
	MatchingActiveSources(t *measurement.Trigger) ([]*measurement.Source, error)
	// ActiveSourcesForDestination is MatchingActiveSources without the
	// enrollment filter, used for cross-network derived sources.
	ActiveSourcesForDestination(t *measurement.Trigger) ([]*measurement.Source, error)
	UpdateSourceStatus(ids []string, status measurement.SourceStatus) error
	// CountSourcesForPublisher counts the unexpired sources a publisher has
	// registered, for the registration storage cap.
	CountSourcesForPublisher(publisher string, now int64) (int, error)

	InsertTrigger(t *measurement.Trigger) error
	Trigger(id string) (*measurement.Trigger, error)
	// PendingTriggerIDs returns up to limit triggers awaiting attribution,
	// oldest first.
	PendingTriggerIDs(limit int) ([]string, error)
	UpdateTriggerStatus(ids []string, status measurement.TriggerStatus) error

	InsertEventReport(r *measurement.EventReport) error
	DeleteEventReport(id string) error
	// SourceEventReports returns the pending event reports already owed by
	// a source, for quota eviction.
	SourceEventReports(sourceID string) ([]*measurement.EventReport, error)
	PendingEventReports(before int64) ([]*measurement.EventReport, error)
	UpdateEventReportStatus(id string, status measurement.ReportStatus) error
	CountEventReportsForDestination(destination string) (int, error)

	InsertAggregateReport(r *aggregation.AggregateReport) error
	PendingAggregateReports(before int64) ([]*aggregation.AggregateReport, error)
	UpdateAggregateReportStatus(id string, status measurement.ReportStatus) error
	CountAggregateReportsForDestination(destination string) (int, error)

	InsertAttribution(a *measurement.Attribution) error
	// CountAttributions counts attributions between the source and
	// destination sites for an enrollment inside [windowStart, triggerTime].
	CountAttributions(sourceSite, destinationSite, enrollment string, windowStart, triggerTime int64) (int, error)
	// CountDistinctEnrollments counts the enrollments other than
	// excludeEnrollment holding attributions between the two sites inside
	// [windowStart, triggerTime].
	CountDistinctEnrollments(sourceSite, destinationSite, excludeEnrollment string, windowStart, triggerTime int64) (int, error)
}
