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

package attribution

import (
	"context"
	"fmt"
	"testing"
	"time"

	"lukechampine.com/uint128"

	"github.com/google/privacy-sandbox-attribution-service/datastore"
	"github.com/google/privacy-sandbox-attribution-service/measurement"
	"github.com/google/privacy-sandbox-attribution-service/noising"
	"github.com/google/privacy-sandbox-attribution-service/reporting"
)

const (
	hourMillis = int64(time.Hour / time.Millisecond)
	dayMillis  = 24 * hourMillis

	sourceTime  = int64(1674000000000)
	triggerTime = sourceTime + dayMillis
)

func newTestHandler(store datastore.DAO) *JobHandler {
	flags := measurement.DefaultFlags()
	calc := reporting.NewEventReportWindowCalc(flags)
	rates := noising.NewSourceNoiseHandler(flags, calc)
	return NewJobHandler(store, flags, calc, rates, reporting.NewDebugReportCollector())
}

func activeSource(id string, priority int64) *measurement.Source {
	return &measurement.Source{
		ID:                       id,
		EventID:                  123,
		Publisher:                "android-app://com.example.publisher",
		PublisherType:            measurement.SurfaceTypeApp,
		AppDestinations:          []string{"android-app://com.example.store"},
		EnrollmentID:             "enrollment-id",
		Registrant:               "android-app://com.example.publisher",
		SourceType:               measurement.SourceTypeNavigation,
		Priority:                 priority,
		Status:                   measurement.SourceStatusActive,
		EventTime:                sourceTime,
		ExpiryTime:               sourceTime + 30*dayMillis,
		EventReportWindow:        sourceTime + 30*dayMillis,
		AggregatableReportWindow: sourceTime + 30*dayMillis,
		AttributionMode:          measurement.AttributionModeTruthfully,
		RegistrationOrigin:       "https://adtech.example",
	}
}

func pendingTrigger(id string) *measurement.Trigger {
	return &measurement.Trigger{
		ID:                     id,
		AttributionDestination: "android-app://com.example.store",
		DestinationType:        measurement.SurfaceTypeApp,
		EnrollmentID:           "enrollment-id",
		Registrant:             "android-app://com.example.store",
		TriggerTime:            triggerTime,
		Status:                 measurement.TriggerStatusPending,
		EventTriggersJSON:      `[{"trigger_data": "2", "priority": 101, "deduplication_key": "7"}]`,
		RegistrationOrigin:     "https://adtech.example",
	}
}

func seed(t *testing.T, store datastore.DAO, sources []*measurement.Source, triggers []*measurement.Trigger) {
	t.Helper()
	if err := store.RunInTransaction(context.Background(), func(tx datastore.Transaction) error {
		for _, s := range sources {
			if err := tx.InsertSource(s); err != nil {
				return err
			}
		}
		for _, tr := range triggers {
			if err := tx.InsertTrigger(tr); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("seeding datastore failed: %v", err)
	}
}

func inspect(t *testing.T, store datastore.DAO, fn func(tx datastore.Transaction) error) {
	t.Helper()
	if err := store.RunInTransaction(context.Background(), fn); err != nil {
		t.Fatalf("inspection transaction failed: %v", err)
	}
}

func TestAttributeTriggerProducesReports(t *testing.T) {
	store := datastore.NewInMemoryStore()
	source := activeSource("source-1", 0)
	source.FilterDataJSON = `{"product": ["1234"]}`
	source.AggregateSourceJSON = `{"campaignCounts": "0x159"}`
	trigger := pendingTrigger("trigger-1")
	trigger.AggregateTriggerDataJSON = `[{"key_piece": "0x400", "source_keys": ["campaignCounts"]}]`
	trigger.AggregateValuesJSON = `{"campaignCounts": 32768}`
	seed(t, store, []*measurement.Source{source}, []*measurement.Trigger{trigger})

	h := newTestHandler(store)
	if err := h.PerformPendingAttributions(context.Background()); err != nil {
		t.Fatalf("PerformPendingAttributions failed: %v", err)
	}

	inspect(t, store, func(tx datastore.Transaction) error {
		tr, err := tx.Trigger("trigger-1")
		if err != nil {
			return err
		}
		if tr.Status != measurement.TriggerStatusAttributed {
			t.Errorf("trigger status = %v, want attributed", tr.Status)
		}

		reports, err := tx.SourceEventReports("source-1")
		if err != nil {
			return err
		}
		if len(reports) != 1 {
			t.Fatalf("got %d event reports, want 1", len(reports))
		}
		report := reports[0]
		if report.TriggerData != 2 {
			t.Errorf("TriggerData = %d, want 2", report.TriggerData)
		}
		// The trigger falls in the first navigation window.
		if want := sourceTime + 2*dayMillis + hourMillis; report.ReportTime != want {
			t.Errorf("ReportTime = %d, want %d", report.ReportTime, want)
		}
		if report.RandomizedTriggerRate != measurement.NavigationNoiseProbability {
			t.Errorf("RandomizedTriggerRate = %v, want %v", report.RandomizedTriggerRate, measurement.NavigationNoiseProbability)
		}

		aggregates, err := tx.PendingAggregateReports(triggerTime + hourMillis)
		if err != nil {
			return err
		}
		if len(aggregates) != 1 {
			t.Fatalf("got %d aggregate reports, want 1", len(aggregates))
		}
		agg := aggregates[0]
		if len(agg.Contributions) != 1 || !agg.Contributions[0].Key.Equals(uint128.From64(0x559)) {
			t.Errorf("unexpected contributions: %+v", agg.Contributions)
		}
		minTime := triggerTime + measurement.AggregateMinReportDelay.Milliseconds()
		maxTime := triggerTime + measurement.AggregateMaxReportDelay.Milliseconds()
		if agg.ScheduledReportTime < minTime || agg.ScheduledReportTime >= maxTime {
			t.Errorf("ScheduledReportTime = %d outside [%d, %d)", agg.ScheduledReportTime, minTime, maxTime)
		}
		if want := sourceTime / dayMillis * dayMillis; agg.SourceRegistrationTime != want {
			t.Errorf("SourceRegistrationTime = %d, want day-rounded %d", agg.SourceRegistrationTime, want)
		}

		count, err := tx.CountAttributions("android-app://com.example.publisher", "android-app://com.example.store", "enrollment-id", sourceTime-dayMillis, triggerTime)
		if err != nil {
			return err
		}
		if count != 1 {
			t.Errorf("attribution count = %d, want 1", count)
		}

		updated, err := tx.MatchingActiveSources(tr)
		if err != nil {
			return err
		}
		if len(updated) != 1 {
			t.Fatalf("got %d matching sources after attribution, want 1", len(updated))
		}
		if !updated[0].HasEventDedupKey(7) {
			t.Error("source missing event dedup key 7")
		}
		return nil
	})
}

func TestSourceSelectionPriorityAndIgnoreCompeting(t *testing.T) {
	store := datastore.NewInMemoryStore()
	low := activeSource("source-low", 1)
	high := activeSource("source-high", 10)
	seed(t, store, []*measurement.Source{low, high}, []*measurement.Trigger{pendingTrigger("trigger-1")})

	h := newTestHandler(store)
	if err := h.PerformPendingAttributions(context.Background()); err != nil {
		t.Fatalf("PerformPendingAttributions failed: %v", err)
	}

	inspect(t, store, func(tx datastore.Transaction) error {
		winning, err := tx.SourceEventReports("source-high")
		if err != nil {
			return err
		}
		if len(winning) != 1 {
			t.Errorf("high priority source has %d reports, want 1", len(winning))
		}
		losing, err := tx.SourceEventReports("source-low")
		if err != nil {
			return err
		}
		if len(losing) != 0 {
			t.Errorf("low priority source has %d reports, want 0", len(losing))
		}
		// The losing source is out of the running for future triggers.
		next := pendingTrigger("trigger-2")
		matches, err := tx.MatchingActiveSources(next)
		if err != nil {
			return err
		}
		for _, s := range matches {
			if s.ID == "source-low" {
				t.Error("competing source still active after attribution")
			}
		}
		return nil
	})
}

func TestInstallAttributedSourceWinsOverPriority(t *testing.T) {
	store := datastore.NewInMemoryStore()
	installed := activeSource("source-installed", 1)
	installed.IsInstallAttributed = true
	installed.InstallCooldownWindow = 7 * dayMillis
	higher := activeSource("source-higher", 100)
	seed(t, store, []*measurement.Source{installed, higher}, []*measurement.Trigger{pendingTrigger("trigger-1")})

	h := newTestHandler(store)
	if err := h.PerformPendingAttributions(context.Background()); err != nil {
		t.Fatalf("PerformPendingAttributions failed: %v", err)
	}

	inspect(t, store, func(tx datastore.Transaction) error {
		reports, err := tx.SourceEventReports("source-installed")
		if err != nil {
			return err
		}
		if len(reports) != 1 {
			t.Errorf("install-attributed source has %d reports, want 1", len(reports))
		}
		return nil
	})
}

func TestTopLevelFiltersRejectTrigger(t *testing.T) {
	store := datastore.NewInMemoryStore()
	source := activeSource("source-1", 0)
	source.FilterDataJSON = `{"product": ["1234"]}`
	trigger := pendingTrigger("trigger-1")
	trigger.FiltersJSON = `{"product": ["5678"]}`
	seed(t, store, []*measurement.Source{source}, []*measurement.Trigger{trigger})

	h := newTestHandler(store)
	if err := h.PerformPendingAttributions(context.Background()); err != nil {
		t.Fatalf("PerformPendingAttributions failed: %v", err)
	}

	inspect(t, store, func(tx datastore.Transaction) error {
		tr, err := tx.Trigger("trigger-1")
		if err != nil {
			return err
		}
		if tr.Status != measurement.TriggerStatusIgnored {
			t.Errorf("trigger status = %v, want ignored", tr.Status)
		}
		reports, err := tx.SourceEventReports("source-1")
		if err != nil {
			return err
		}
		if len(reports) != 0 {
			t.Errorf("got %d reports for a filtered trigger, want 0", len(reports))
		}
		return nil
	})
}

func TestAttributionRateLimit(t *testing.T) {
	store := datastore.NewInMemoryStore()
	source := activeSource("source-1", 0)
	seed(t, store, []*measurement.Source{source}, []*measurement.Trigger{pendingTrigger("trigger-1")})

	// Saturate the source-destination attribution window.
	if err := store.RunInTransaction(context.Background(), func(tx datastore.Transaction) error {
		for i := 0; i < measurement.MaxAttributionPerRateLimitWindow; i++ {
			if err := tx.InsertAttribution(&measurement.Attribution{
				ID:                fmt.Sprintf("attribution-%d", i),
				SourceSite:        "android-app://com.example.publisher",
				SourceOrigin:      "android-app://com.example.publisher",
				DestinationSite:   "android-app://com.example.store",
				DestinationOrigin: "android-app://com.example.store",
				Enrollment:        "enrollment-id",
				TriggerTime:       sourceTime,
				Registrant:        "android-app://com.example.store",
			}); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("seeding attributions failed: %v", err)
	}

	h := newTestHandler(store)
	if err := h.PerformPendingAttributions(context.Background()); err != nil {
		t.Fatalf("PerformPendingAttributions failed: %v", err)
	}

	inspect(t, store, func(tx datastore.Transaction) error {
		tr, err := tx.Trigger("trigger-1")
		if err != nil {
			return err
		}
		if tr.Status != measurement.TriggerStatusIgnored {
			t.Errorf("trigger status = %v, want ignored at the rate limit", tr.Status)
		}
		return nil
	})
}

func TestEventDedupKeySuppressesSecondReport(t *testing.T) {
	store := datastore.NewInMemoryStore()
	source := activeSource("source-1", 0)
	seed(t, store, []*measurement.Source{source},
		[]*measurement.Trigger{pendingTrigger("trigger-1"), pendingTrigger("trigger-2")})

	h := newTestHandler(store)
	if err := h.PerformPendingAttributions(context.Background()); err != nil {
		t.Fatalf("PerformPendingAttributions failed: %v", err)
	}

	inspect(t, store, func(tx datastore.Transaction) error {
		reports, err := tx.SourceEventReports("source-1")
		if err != nil {
			return err
		}
		if len(reports) != 1 {
			t.Errorf("got %d reports for duplicate dedup keys, want 1", len(reports))
		}
		return nil
	})
}

func TestNoisedSourceProducesNoEventReport(t *testing.T) {
	store := datastore.NewInMemoryStore()
	source := activeSource("source-1", 0)
	source.AttributionMode = measurement.AttributionModeNever
	seed(t, store, []*measurement.Source{source}, []*measurement.Trigger{pendingTrigger("trigger-1")})

	h := newTestHandler(store)
	if err := h.PerformPendingAttributions(context.Background()); err != nil {
		t.Fatalf("PerformPendingAttributions failed: %v", err)
	}

	inspect(t, store, func(tx datastore.Transaction) error {
		reports, err := tx.SourceEventReports("source-1")
		if err != nil {
			return err
		}
		if len(reports) != 0 {
			t.Errorf("noised source produced %d reports, want 0", len(reports))
		}
		return nil
	})
}

func TestEventReportWindowPassed(t *testing.T) {
	store := datastore.NewInMemoryStore()
	source := activeSource("source-1", 0)
	source.EventReportWindow = triggerTime - 1
	seed(t, store, []*measurement.Source{source}, []*measurement.Trigger{pendingTrigger("trigger-1")})

	h := newTestHandler(store)
	if err := h.PerformPendingAttributions(context.Background()); err != nil {
		t.Fatalf("PerformPendingAttributions failed: %v", err)
	}

	inspect(t, store, func(tx datastore.Transaction) error {
		reports, err := tx.SourceEventReports("source-1")
		if err != nil {
			return err
		}
		if len(reports) != 0 {
			t.Errorf("got %d reports past the report window, want 0", len(reports))
		}
		return nil
	})
}

func TestQuotaEvictionByPriority(t *testing.T) {
	store := datastore.NewInMemoryStore()
	source := activeSource("source-1", 0)
	triggers := []*measurement.Trigger{}
	// Navigation sources take three reports; a fourth higher-priority
	// trigger must evict the weakest.
	for i := 0; i < 4; i++ {
		tr := pendingTrigger(fmt.Sprintf("trigger-%d", i))
		tr.TriggerTime = triggerTime + int64(i)
		tr.EventTriggersJSON = fmt.Sprintf(`[{"trigger_data": "%d", "priority": %d}]`, i%8, i)
		triggers = append(triggers, tr)
	}
	seed(t, store, []*measurement.Source{source}, triggers)

	h := newTestHandler(store)
	if err := h.PerformPendingAttributions(context.Background()); err != nil {
		t.Fatalf("PerformPendingAttributions failed: %v", err)
	}

	inspect(t, store, func(tx datastore.Transaction) error {
		reports, err := tx.SourceEventReports("source-1")
		if err != nil {
			return err
		}
		if len(reports) != 3 {
			t.Fatalf("got %d reports, want 3", len(reports))
		}
		for _, r := range reports {
			if r.TriggerPriority == 0 {
				t.Error("lowest priority report was not evicted")
			}
		}
		return nil
	})
}

func TestXNetworkDerivedSourceAttribution(t *testing.T) {
	store := datastore.NewInMemoryStore()
	source := activeSource("source-1", 10)
	source.EnrollmentID = "other-network"
	source.AggregateSourceJSON = `{"campaignCounts": "0x159"}`
	trigger := pendingTrigger("trigger-1")
	trigger.AttributionConfigJSON = `[{"source_network": "other-network", "priority": "50", "expiry": "172800"}]`
	trigger.AggregateTriggerDataJSON = `[{"key_piece": "0x400", "source_keys": ["campaignCounts"]}]`
	trigger.AggregateValuesJSON = `{"campaignCounts": 32768}`
	seed(t, store, []*measurement.Source{source}, []*measurement.Trigger{trigger})

	flags := measurement.DefaultFlags()
	flags.EnableXNetworkAttribution = true
	calc := reporting.NewEventReportWindowCalc(flags)
	h := NewJobHandler(store, flags, calc, noising.NewSourceNoiseHandler(flags, calc), reporting.NewDebugReportCollector())
	if err := h.PerformPendingAttributions(context.Background()); err != nil {
		t.Fatalf("PerformPendingAttributions failed: %v", err)
	}

	inspect(t, store, func(tx datastore.Transaction) error {
		tr, err := tx.Trigger("trigger-1")
		if err != nil {
			return err
		}
		if tr.Status != measurement.TriggerStatusAttributed {
			t.Errorf("trigger status = %v, want attributed", tr.Status)
		}

		// The winner is a stored copy of the other network's source under
		// the trigger's enrollment.
		matches, err := tx.MatchingActiveSources(tr)
		if err != nil {
			return err
		}
		var derived *measurement.Source
		for _, s := range matches {
			if s.ParentID == "source-1" {
				derived = s
			}
		}
		if derived == nil {
			t.Fatal("derived source was not stored")
		}
		if derived.EnrollmentID != "enrollment-id" {
			t.Errorf("derived EnrollmentID = %q, want %q", derived.EnrollmentID, "enrollment-id")
		}
		if derived.Priority != 50 {
			t.Errorf("derived Priority = %d, want 50", derived.Priority)
		}
		if want := sourceTime + 2*dayMillis; derived.ExpiryTime != want {
			t.Errorf("derived ExpiryTime = %d, want %d", derived.ExpiryTime, want)
		}

		// Derived sources are aggregate-only.
		reports, err := tx.SourceEventReports(derived.ID)
		if err != nil {
			return err
		}
		if len(reports) != 0 {
			t.Errorf("derived source produced %d event reports, want 0", len(reports))
		}
		aggregates, err := tx.PendingAggregateReports(triggerTime + 2*hourMillis)
		if err != nil {
			return err
		}
		if len(aggregates) != 1 {
			t.Fatalf("got %d aggregate reports, want 1", len(aggregates))
		}
		if aggregates[0].EnrollmentID != "enrollment-id" {
			t.Errorf("aggregate EnrollmentID = %q, want trigger's", aggregates[0].EnrollmentID)
		}
		return nil
	})
}

func TestAggregateContributionBudget(t *testing.T) {
	store := datastore.NewInMemoryStore()
	source := activeSource("source-1", 0)
	source.AggregateSourceJSON = `{"campaignCounts": "0x159"}`
	source.AggregateContributions = measurement.MaxSumOfAggregateValuesPerSource - 100
	trigger := pendingTrigger("trigger-1")
	trigger.EventTriggersJSON = ""
	trigger.AggregateTriggerDataJSON = `[{"key_piece": "0x400", "source_keys": ["campaignCounts"]}]`
	trigger.AggregateValuesJSON = `{"campaignCounts": 101}`
	seed(t, store, []*measurement.Source{source}, []*measurement.Trigger{trigger})

	h := newTestHandler(store)
	if err := h.PerformPendingAttributions(context.Background()); err != nil {
		t.Fatalf("PerformPendingAttributions failed: %v", err)
	}

	inspect(t, store, func(tx datastore.Transaction) error {
		aggregates, err := tx.PendingAggregateReports(triggerTime + 2*hourMillis)
		if err != nil {
			return err
		}
		if len(aggregates) != 0 {
			t.Errorf("got %d aggregate reports past the budget, want 0", len(aggregates))
		}
		return nil
	})
}

func TestPerformPendingAttributionsNilFlags(t *testing.T) {
	store := datastore.NewInMemoryStore()
	source := activeSource("source-1", 0)
	trigger := pendingTrigger("trigger-1")
	seed(t, store, []*measurement.Source{source}, []*measurement.Trigger{trigger})

	// Every flag read must tolerate a nil Flags and fall back to defaults.
	calc := reporting.NewEventReportWindowCalc(nil)
	h := NewJobHandler(store, nil, calc, noising.NewSourceNoiseHandler(nil, calc), reporting.NewDebugReportCollector())
	if err := h.PerformPendingAttributions(context.Background()); err != nil {
		t.Fatalf("PerformPendingAttributions failed: %v", err)
	}

	inspect(t, store, func(tx datastore.Transaction) error {
		tr, err := tx.Trigger("trigger-1")
		if err != nil {
			return err
		}
		if tr.Status != measurement.TriggerStatusAttributed {
			t.Errorf("trigger status = %v, want attributed", tr.Status)
		}
		return nil
	})
}
