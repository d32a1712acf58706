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

package datastore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/privacy-sandbox-attribution-service/aggregation"
	"github.com/google/privacy-sandbox-attribution-service/measurement"
)

// InMemoryStore is a DAO backed by process memory. Transactions run one at
// a time against a copy-on-write snapshot, so a failed transaction never
// leaks partial writes.
type InMemoryStore struct {
	mu    sync.Mutex
	state *storeState
}

type storeState struct {
	sources          map[string]*measurement.Source
	triggers         map[string]*measurement.Trigger
	eventReports     map[string]*measurement.EventReport
	aggregateReports map[string]*aggregation.AggregateReport
	attributions     map[string]*measurement.Attribution
}

// NewInMemoryStore returns an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{state: &storeState{
		sources:          map[string]*measurement.Source{},
		triggers:         map[string]*measurement.Trigger{},
		eventReports:     map[string]*measurement.EventReport{},
		aggregateReports: map[string]*aggregation.AggregateReport{},
		attributions:     map[string]*measurement.Attribution{},
	}}
}

// RunInTransaction implements DAO.
func (s *InMemoryStore) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTransaction{state: s.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

func (st *storeState) clone() *storeState {
	next := &storeState{
		sources:          make(map[string]*measurement.Source, len(st.sources)),
		triggers:         make(map[string]*measurement.Trigger, len(st.triggers)),
		eventReports:     make(map[string]*measurement.EventReport, len(st.eventReports)),
		aggregateReports: make(map[string]*aggregation.AggregateReport, len(st.aggregateReports)),
		attributions:     make(map[string]*measurement.Attribution, len(st.attributions)),
	}
	// Entities are deep-copied so a failed transaction that mutated a
	// loaded entity in place cannot leak into committed state.
	for id, v := range st.sources {
		next.sources[id] = v.Clone()
	}
	for id, v := range st.triggers {
		next.triggers[id] = v.Clone()
	}
	for id, v := range st.eventReports {
		next.eventReports[id] = v.Clone()
	}
	for id, v := range st.aggregateReports {
		next.aggregateReports[id] = v.Clone()
	}
	for id, v := range st.attributions {
		c := *v
		next.attributions[id] = &c
	}
	return next
}

type memTransaction struct {
	state *storeState
}

func (tx *memTransaction) InsertSource(s *measurement.Source) error {
	if s.ID == "" {
		return fmt.Errorf("source has no ID")
	}
	tx.state.sources[s.ID] = s.Clone()
	return nil
}

func (tx *memTransaction) UpdateSource(s *measurement.Source) error {
	if _, ok := tx.state.sources[s.ID]; !ok {
		return fmt.Errorf("source %s not found", s.ID)
	}
	tx.state.sources[s.ID] = s.Clone()
	return nil
}

func (tx *memTransaction) MatchingActiveSources(t *measurement.Trigger) ([]*measurement.Source, error) {
	return tx.activeSources(t, true)
}

func (tx *memTransaction) ActiveSourcesForDestination(t *measurement.Trigger) ([]*measurement.Source, error) {
	return tx.activeSources(t, false)
}

func (tx *memTransaction) activeSources(t *measurement.Trigger, matchEnrollment bool) ([]*measurement.Source, error) {
	var matches []*measurement.Source
	for _, s := range tx.state.sources {
		if s.Status != measurement.SourceStatusActive {
			continue
		}
		if matchEnrollment && s.EnrollmentID != t.EnrollmentID {
			continue
		}
		if s.EventTime > t.TriggerTime || s.ExpiryTime <= t.TriggerTime {
			continue
		}
		if !destinationCovered(s, t) {
			continue
		}
		matches = append(matches, s)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
	return matches, nil
}

func destinationCovered(s *measurement.Source, t *measurement.Trigger) bool {
	destinations := s.AppDestinations
	if t.DestinationType == measurement.SurfaceTypeWeb {
		destinations = s.WebDestinations
	}
	for _, d := range destinations {
		if d == t.AttributionDestination {
			return true
		}
	}
	return false
}

func (tx *memTransaction) CountSourcesForPublisher(publisher string, now int64) (int, error) {
	count := 0
	for _, s := range tx.state.sources {
		if s.Publisher == publisher && s.ExpiryTime > now {
			count++
		}
	}
	return count, nil
}

func (tx *memTransaction) UpdateSourceStatus(ids []string, status measurement.SourceStatus) error {
	for _, id := range ids {
		s, ok := tx.state.sources[id]
		if !ok {
			return fmt.Errorf("source %s not found", id)
		}
		s.Status = status
	}
	return nil
}

func (tx *memTransaction) InsertTrigger(t *measurement.Trigger) error {
	if t.ID == "" {
		return fmt.Errorf("trigger has no ID")
	}
	tx.state.triggers[t.ID] = t.Clone()
	return nil
}

func (tx *memTransaction) Trigger(id string) (*measurement.Trigger, error) {
	t, ok := tx.state.triggers[id]
	if !ok {
		return nil, fmt.Errorf("trigger %s not found", id)
	}
	return t, nil
}

func (tx *memTransaction) PendingTriggerIDs(limit int) ([]string, error) {
	var pending []*measurement.Trigger
	for _, t := range tx.state.triggers {
		if t.Status == measurement.TriggerStatusPending {
			pending = append(pending, t)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].TriggerTime != pending[j].TriggerTime {
			return pending[i].TriggerTime < pending[j].TriggerTime
		}
		return pending[i].ID < pending[j].ID
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	ids := make([]string, len(pending))
	for i, t := range pending {
		ids[i] = t.ID
	}
	return ids, nil
}

func (tx *memTransaction) UpdateTriggerStatus(ids []string, status measurement.TriggerStatus) error {
	for _, id := range ids {
		t, ok := tx.state.triggers[id]
		if !ok {
			return fmt.Errorf("trigger %s not found", id)
		}
		t.Status = status
	}
	return nil
}

func (tx *memTransaction) InsertEventReport(r *measurement.EventReport) error {
	tx.state.eventReports[r.ID] = r.Clone()
	return nil
}

func (tx *memTransaction) DeleteEventReport(id string) error {
	if _, ok := tx.state.eventReports[id]; !ok {
		return fmt.Errorf("event report %s not found", id)
	}
	delete(tx.state.eventReports, id)
	return nil
}

func (tx *memTransaction) SourceEventReports(sourceID string) ([]*measurement.EventReport, error) {
	var reports []*measurement.EventReport
	for _, r := range tx.state.eventReports {
		if r.SourceID == sourceID && r.Status == measurement.ReportStatusPending {
			reports = append(reports, r)
		}
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].ID < reports[j].ID })
	return reports, nil
}

func (tx *memTransaction) PendingEventReports(before int64) ([]*measurement.EventReport, error) {
	var reports []*measurement.EventReport
	for _, r := range tx.state.eventReports {
		if r.Status == measurement.ReportStatusPending && r.ReportTime <= before {
			reports = append(reports, r)
		}
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].ReportTime < reports[j].ReportTime })
	return reports, nil
}

func (tx *memTransaction) UpdateEventReportStatus(id string, status measurement.ReportStatus) error {
	r, ok := tx.state.eventReports[id]
	if !ok {
		return fmt.Errorf("event report %s not found", id)
	}
	r.Status = status
	return nil
}

func (tx *memTransaction) CountEventReportsForDestination(destination string) (int, error) {
	count := 0
	for _, r := range tx.state.eventReports {
		for _, d := range r.AttributionDestinations {
			if d == destination {
				count++
				break
			}
		}
	}
	return count, nil
}

func (tx *memTransaction) InsertAggregateReport(r *aggregation.AggregateReport) error {
	tx.state.aggregateReports[r.ID] = r.Clone()
	return nil
}

func (tx *memTransaction) PendingAggregateReports(before int64) ([]*aggregation.AggregateReport, error) {
	var reports []*aggregation.AggregateReport
	for _, r := range tx.state.aggregateReports {
		if r.Status == measurement.ReportStatusPending && r.ScheduledReportTime <= before {
			reports = append(reports, r)
		}
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].ScheduledReportTime < reports[j].ScheduledReportTime })
	return reports, nil
}

func (tx *memTransaction) UpdateAggregateReportStatus(id string, status measurement.ReportStatus) error {
	r, ok := tx.state.aggregateReports[id]
	if !ok {
		return fmt.Errorf("aggregate report %s not found", id)
	}
	r.Status = status
	return nil
}

func (tx *memTransaction) CountAggregateReportsForDestination(destination string) (int, error) {
	count := 0
	for _, r := range tx.state.aggregateReports {
		if r.AttributionDestination == destination {
			count++
		}
	}
	return count, nil
}

func (tx *memTransaction) InsertAttribution(a *measurement.Attribution) error {
	if a.ID == "" {
		return fmt.Errorf("attribution has no ID")
	}
	c := *a
	tx.state.attributions[a.ID] = &c
	return nil
}

func (tx *memTransaction) CountAttributions(sourceSite, destinationSite, enrollment string, windowStart, triggerTime int64) (int, error) {
	count := 0
	for _, a := range tx.state.attributions {
		if a.SourceSite == sourceSite && a.DestinationSite == destinationSite &&
			a.Enrollment == enrollment &&
			a.TriggerTime >= windowStart && a.TriggerTime <= triggerTime {
			count++
		}
	}
	return count, nil
}

func (tx *memTransaction) CountDistinctEnrollments(sourceSite, destinationSite, excludeEnrollment string, windowStart, triggerTime int64) (int, error) {
	enrollments := map[string]bool{}
	for _, a := range tx.state.attributions {
		if a.SourceSite == sourceSite && a.DestinationSite == destinationSite &&
			a.Enrollment != excludeEnrollment &&
			a.TriggerTime >= windowStart && a.TriggerTime <= triggerTime {
			enrollments[a.Enrollment] = true
		}
	}
	return len(enrollments), nil
}
