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

// Package attribution matches pending triggers against registered sources
// and produces the event-level and aggregatable reports they earn, under
// the API's rate limits and privacy caps.
package attribution

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/google/privacy-sandbox-attribution-service/aggregation"
	"github.com/google/privacy-sandbox-attribution-service/datastore"
	"github.com/google/privacy-sandbox-attribution-service/measurement"
	"github.com/google/privacy-sandbox-attribution-service/reporting"
)

// JobHandler drains pending triggers. Each trigger is attributed inside its
// own transaction so one bad trigger cannot wedge the queue.
type JobHandler struct {
	dao   datastore.DAO
	flags *measurement.Flags
	calc  *reporting.EventReportWindowCalc
	rates measurement.RandomizedTriggerRateProvider
	debug *reporting.DebugReportCollector

	mu  sync.Mutex
	rng *rand.Rand
}

// NewJobHandler wires the attribution engine.
func NewJobHandler(dao datastore.DAO, flags *measurement.Flags, calc *reporting.EventReportWindowCalc, rates measurement.RandomizedTriggerRateProvider, debug *reporting.DebugReportCollector) *JobHandler {
	return &JobHandler{
		dao:   dao,
		flags: flags,
		calc:  calc,
		rates: rates,
		debug: debug,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// PerformPendingAttributions attributes up to the per-invocation limit of
// pending triggers. Failures on individual triggers are logged and skipped.
func (h *JobHandler) PerformPendingAttributions(ctx context.Context) error {
	var ids []string
	err := h.dao.RunInTransaction(ctx, func(tx datastore.Transaction) error {
		var err error
		ids, err = tx.PendingTriggerIDs(h.flags.AttributionBatchSize())
		return err
	})
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := h.dao.RunInTransaction(ctx, func(tx datastore.Transaction) error {
			return h.attributeTrigger(tx, id)
		}); err != nil {
			log.Errorf("Attribution of trigger %s failed: %v", id, err)
		}
	}
	return nil
}

func (h *JobHandler) attributeTrigger(tx datastore.Transaction, triggerID string) error {
	trigger, err := tx.Trigger(triggerID)
	if err != nil {
		return err
	}
	if trigger.Status != measurement.TriggerStatusPending {
		return nil
	}

	sources, err := tx.MatchingActiveSources(trigger)
	if err != nil {
		return err
	}
	derived, err := h.deriveXNetworkSources(tx, trigger)
	if err != nil {
		return err
	}
	sources = append(sources, derived...)
	if len(sources) == 0 {
		h.rejectTrigger(trigger, reporting.DebugTypeTriggerNoMatchingSource)
		return tx.UpdateTriggerStatus([]string{trigger.ID}, measurement.TriggerStatusIgnored)
	}
	derivedIDs := make(map[string]bool, len(derived))
	for _, s := range derived {
		derivedIDs[s.ID] = true
	}

	source, competing := selectSource(sources, trigger)
	// Derived losers were never stored, so there is nothing to ignore.
	stored := competing[:0]
	for _, id := range competing {
		if !derivedIDs[id] {
			stored = append(stored, id)
		}
	}
	competing = stored

	match, err := topLevelFiltersMatch(source, trigger)
	if err != nil {
		return err
	}
	if !match {
		h.rejectTrigger(trigger, reporting.DebugTypeTriggerNoMatchingFilterData)
		return tx.UpdateTriggerStatus([]string{trigger.ID}, measurement.TriggerStatusIgnored)
	}

	ok, err := h.checkRateLimits(tx, source, trigger)
	if err != nil {
		return err
	}
	if !ok {
		return tx.UpdateTriggerStatus([]string{trigger.ID}, measurement.TriggerStatusIgnored)
	}

	aggregateDone, err := h.maybeGenerateAggregateReport(tx, source, trigger)
	if err != nil {
		return err
	}
	eventDone, err := h.maybeGenerateEventReport(tx, source, trigger)
	if err != nil {
		return err
	}
	if !aggregateDone && !eventDone {
		return tx.UpdateTriggerStatus([]string{trigger.ID}, measurement.TriggerStatusIgnored)
	}

	attribution, err := newAttribution(source, trigger)
	if err != nil {
		return err
	}
	if err := tx.InsertAttribution(attribution); err != nil {
		return err
	}
	if derivedIDs[source.ID] {
		// A winning derived source is persisted for the first time here.
		err = tx.InsertSource(source)
	} else {
		err = tx.UpdateSource(source)
	}
	if err != nil {
		return err
	}
	if len(competing) > 0 {
		if err := tx.UpdateSourceStatus(competing, measurement.SourceStatusIgnored); err != nil {
			return err
		}
	}
	return tx.UpdateTriggerStatus([]string{trigger.ID}, measurement.TriggerStatusAttributed)
}

// deriveXNetworkSources builds temporary sources from other networks'
// registrations per the trigger's attribution_config rules. Derived sources
// compete in source selection but are only stored if they win.
func (h *JobHandler) deriveXNetworkSources(tx datastore.Transaction, trigger *measurement.Trigger) ([]*measurement.Source, error) {
	if h.flags == nil || !h.flags.EnableXNetworkAttribution || trigger.AttributionConfigJSON == "" {
		return nil, nil
	}
	configs, err := trigger.ParseAttributionConfigs()
	if err != nil {
		return nil, err
	}
	if len(configs) == 0 {
		return nil, nil
	}
	candidates, err := tx.ActiveSourcesForDestination(trigger)
	if err != nil {
		return nil, err
	}
	var derived []*measurement.Source
	for _, cfg := range configs {
		for _, s := range candidates {
			if s.EnrollmentID != cfg.SourceAdtech || s.EnrollmentID == trigger.EnrollmentID || s.ParentID != "" {
				continue
			}
			if pr := cfg.SourcePriorityRange; pr != nil && (s.Priority < pr.Start || s.Priority > pr.End) {
				continue
			}
			filterData, err := s.FilterData()
			if err != nil {
				return nil, err
			}
			if !measurement.IsFilterMatch(filterData, cfg.SourceFilters, true) ||
				!measurement.IsFilterMatch(filterData, cfg.SourceNotFilters, false) {
				continue
			}
			d := deriveSource(s, cfg, trigger)
			if d.ExpiryTime <= trigger.TriggerTime {
				continue
			}
			derived = append(derived, d)
		}
	}
	return derived, nil
}

// deriveSource copies another network's source into the trigger's network,
// applying the config's overrides. Dedup state and the contribution budget
// do not carry over.
func deriveSource(s *measurement.Source, cfg *measurement.AttributionConfig, trigger *measurement.Trigger) *measurement.Source {
	d := *s
	d.ID = uuid.New().String()
	d.ParentID = s.ID
	d.EnrollmentID = trigger.EnrollmentID
	d.RegistrationOrigin = trigger.RegistrationOrigin
	d.EventReportDedupKeys = nil
	d.AggregateReportDedupKeys = nil
	d.AggregateContributions = 0
	if cfg.Priority != nil {
		d.Priority = *cfg.Priority
	}
	if cfg.Expiry != nil {
		d.ExpiryTime = d.EventTime + *cfg.Expiry*1000
	}
	if cfg.SourceExpiryOverride != nil {
		override := d.EventTime + *cfg.SourceExpiryOverride*1000
		if override < d.ExpiryTime {
			d.ExpiryTime = override
		}
	}
	if cfg.PostInstallExclusivityWindow != nil {
		d.InstallCooldownWindow = *cfg.PostInstallExclusivityWindow * 1000
	}
	return &d
}

// selectSource picks the winning source and returns the losers' IDs.
// Install-attributed sources still inside their cooldown window win over
// everything; ties break by priority, then recency.
func selectSource(sources []*measurement.Source, trigger *measurement.Trigger) (*measurement.Source, []string) {
	ordered := append([]*measurement.Source(nil), sources...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		aInstall := installWithinCooldown(a, trigger.TriggerTime)
		bInstall := installWithinCooldown(b, trigger.TriggerTime)
		if aInstall != bInstall {
			return aInstall
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.EventTime > b.EventTime
	})
	competing := make([]string, 0, len(ordered)-1)
	for _, s := range ordered[1:] {
		competing = append(competing, s.ID)
	}
	return ordered[0], competing
}

func installWithinCooldown(s *measurement.Source, triggerTime int64) bool {
	return s.IsInstallAttributed && triggerTime <= s.EventTime+s.InstallCooldownWindow
}

func topLevelFiltersMatch(source *measurement.Source, trigger *measurement.Trigger) (bool, error) {
	filterData, err := source.FilterData()
	if err != nil {
		return false, err
	}
	filters, err := trigger.TopLevelFilterSet()
	if err != nil {
		return false, err
	}
	notFilters, err := trigger.TopLevelNotFilterSet()
	if err != nil {
		return false, err
	}
	return measurement.IsFilterMatch(filterData, filters, true) &&
		measurement.IsFilterMatch(filterData, notFilters, false), nil
}

func (h *JobHandler) checkRateLimits(tx datastore.Transaction, source *measurement.Source, trigger *measurement.Trigger) (bool, error) {
	sourceSite, err := publisherBaseURI(source)
	if err != nil {
		return false, err
	}
	destinationSite, err := trigger.AttributionDestinationBaseURI()
	if err != nil {
		return false, err
	}
	windowStart := trigger.TriggerTime - h.flags.AttributionRateLimitWindow().Milliseconds()

	attributions, err := tx.CountAttributions(sourceSite, destinationSite, source.EnrollmentID, windowStart, trigger.TriggerTime)
	if err != nil {
		return false, err
	}
	if attributions >= h.flags.AttributionCap() {
		h.rejectTrigger(trigger, reporting.DebugTypeTriggerAttributionsPerSourceDestinationLimit)
		return false, nil
	}

	enrollments, err := tx.CountDistinctEnrollments(sourceSite, destinationSite, source.EnrollmentID, windowStart, trigger.TriggerTime)
	if err != nil {
		return false, err
	}
	if enrollments >= h.flags.EnrollmentCap() {
		h.rejectTrigger(trigger, reporting.DebugTypeTriggerReportingOriginLimit)
		return false, nil
	}
	return true, nil
}

func (h *JobHandler) maybeGenerateAggregateReport(tx datastore.Transaction, source *measurement.Source, trigger *measurement.Trigger) (bool, error) {
	if trigger.TriggerTime > source.AggregatableReportWindow {
		h.rejectTrigger(trigger, reporting.DebugTypeTriggerAggregateReportWindowPassed)
		return false, nil
	}
	contributions, err := aggregation.GeneratePayload(source, trigger)
	if err != nil {
		log.Warningf("Aggregate payload for trigger %s failed: %v", trigger.ID, err)
		return false, nil
	}
	if len(contributions) == 0 {
		h.rejectTrigger(trigger, reporting.DebugTypeTriggerAggregateNoContributions)
		return false, nil
	}

	dedupKey, suppressed, err := h.aggregateDedup(source, trigger)
	if err != nil {
		return false, err
	}
	if suppressed {
		h.rejectTrigger(trigger, reporting.DebugTypeTriggerAggregateDeduplicated)
		return false, nil
	}

	sum, err := aggregation.SumContributions(contributions, h.flags.AggregateContributionBudget()-source.AggregateContributions)
	if err != nil {
		h.rejectTrigger(trigger, reporting.DebugTypeTriggerAggregateInsufficientBudget)
		return false, nil
	}

	count, err := tx.CountAggregateReportsForDestination(trigger.AttributionDestination)
	if err != nil {
		return false, err
	}
	if count >= h.flags.AggregateReportCap() {
		h.rejectTrigger(trigger, reporting.DebugTypeTriggerAggregateStorageLimit)
		return false, nil
	}

	keys := h.debugKeys(source, trigger)
	report := &aggregation.AggregateReport{
		ID:                     uuid.New().String(),
		PublisherSite:          source.Publisher,
		AttributionDestination: trigger.AttributionDestination,
		SourceRegistrationTime: roundDownToDay(source.EventTime),
		ScheduledReportTime:    trigger.TriggerTime + h.aggregateReportDelay(),
		EnrollmentID:           source.EnrollmentID,
		Contributions:          contributions,
		Status:                 measurement.ReportStatusPending,
		APIVersion:             measurement.AggregateAPIVersion,
		SourceDebugKey:         keys.SourceDebugKey,
		TriggerDebugKey:        keys.TriggerDebugKey,
		SourceID:               source.ID,
		TriggerID:              trigger.ID,
		RegistrationOrigin:     source.RegistrationOrigin,
	}
	if keys.SourceDebugKey != nil || keys.TriggerDebugKey != nil {
		report.DebugReportStatus = measurement.DebugReportStatusPending
	}
	if dedupKey != nil {
		report.DedupKeys = []uint64{*dedupKey}
		source.AppendAggregateDedupKey(*dedupKey)
	}
	if err := tx.InsertAggregateReport(report); err != nil {
		return false, err
	}
	source.AggregateContributions += sum
	return true, nil
}

// aggregateDedup resolves the trigger's aggregatable deduplication keys
// against the source: the first entry whose filters match yields the key,
// and a key already recorded on the source suppresses the report.
func (h *JobHandler) aggregateDedup(source *measurement.Source, trigger *measurement.Trigger) (*uint64, bool, error) {
	dedupKeys, err := aggregation.ParseAggregateDeduplicationKeys(trigger.AggregateDeduplicationKeysJSON)
	if err != nil {
		return nil, false, err
	}
	filterData, err := source.FilterData()
	if err != nil {
		return nil, false, err
	}
	for _, entry := range dedupKeys {
		if !measurement.IsFilterMatch(filterData, entry.FilterSet, true) ||
			!measurement.IsFilterMatch(filterData, entry.NotFilterSet, false) {
			continue
		}
		if entry.DedupKey == nil {
			return nil, false, nil
		}
		if source.HasAggregateDedupKey(*entry.DedupKey) {
			return nil, true, nil
		}
		return entry.DedupKey, false, nil
	}
	return nil, false, nil
}

func (h *JobHandler) maybeGenerateEventReport(tx datastore.Transaction, source *measurement.Source, trigger *measurement.Trigger) (bool, error) {
	if source.ParentID != "" {
		// Derived sources are aggregate-only.
		return false, nil
	}
	if source.AttributionMode != measurement.AttributionModeTruthfully {
		h.rejectTrigger(trigger, reporting.DebugTypeTriggerEventNoise)
		return false, nil
	}
	if trigger.TriggerTime > source.EventReportWindow {
		h.rejectTrigger(trigger, reporting.DebugTypeTriggerEventReportWindowPassed)
		return false, nil
	}

	eventTriggers, err := trigger.ParseEventTriggers()
	if err != nil {
		return false, err
	}
	filterData, err := source.FilterData()
	if err != nil {
		return false, err
	}
	var matched *measurement.EventTrigger
	for i := range eventTriggers {
		et := &eventTriggers[i]
		if measurement.IsFilterMatch(filterData, et.FilterSet, true) &&
			measurement.IsFilterMatch(filterData, et.NotFilterSet, false) {
			matched = et
			break
		}
	}
	if matched == nil {
		h.rejectTrigger(trigger, reporting.DebugTypeTriggerEventNoMatchingConfig)
		return false, nil
	}
	if matched.DedupKey != nil && source.HasEventDedupKey(*matched.DedupKey) {
		h.rejectTrigger(trigger, reporting.DebugTypeTriggerEventDeduplicated)
		return false, nil
	}

	destinations := source.EventReportDestinations(trigger.DestinationType)
	count, err := tx.CountEventReportsForDestination(trigger.AttributionDestination)
	if err != nil {
		return false, err
	}
	if count >= h.flags.EventReportCap() {
		h.rejectTrigger(trigger, reporting.DebugTypeTriggerEventStorageLimit)
		return false, nil
	}

	report := measurement.NewEventReport(source, trigger, *matched, h.debugKeys(source, trigger), h.calc, h.rates, destinations)

	// Report quota: when the source has already provisioned its reports,
	// the new one must out-prioritize the weakest pending report.
	existing, err := tx.SourceEventReports(source.ID)
	if err != nil {
		return false, err
	}
	isInstallCase := trigger.DestinationType == measurement.SurfaceTypeApp && source.IsInstallAttributed
	if len(existing) >= h.calc.MaxReportCount(source, isInstallCase) {
		lowest := existing[0]
		for _, r := range existing[1:] {
			if r.TriggerPriority < lowest.TriggerPriority {
				lowest = r
			}
		}
		if lowest.TriggerPriority >= report.TriggerPriority {
			h.rejectTrigger(trigger, reporting.DebugTypeTriggerEventLowPriority)
			return false, nil
		}
		if err := tx.DeleteEventReport(lowest.ID); err != nil {
			return false, err
		}
		source.RemoveEventDedupKey(lowest.TriggerDedupKey)
	}

	if err := tx.InsertEventReport(report); err != nil {
		return false, err
	}
	if matched.DedupKey != nil {
		source.AppendEventDedupKey(*matched.DedupKey)
	}
	return true, nil
}

// debugKeys discloses the debug keys both sides cleared for debugging.
func (h *JobHandler) debugKeys(source *measurement.Source, trigger *measurement.Trigger) measurement.DebugKeyPair {
	var keys measurement.DebugKeyPair
	if source.DebugKey != nil && (source.AdIDPermission || source.ArDebugPermission) {
		keys.SourceDebugKey = source.DebugKey
	}
	if trigger.DebugKey != nil && (trigger.AdIDPermission || trigger.ArDebugPermission) {
		keys.TriggerDebugKey = trigger.DebugKey
	}
	return keys
}

func (h *JobHandler) rejectTrigger(trigger *measurement.Trigger, debugType reporting.DebugType) {
	if h.flags == nil || !h.flags.EnableDebugReports || h.debug == nil {
		return
	}
	h.debug.Record(debugType, trigger)
}

func (h *JobHandler) aggregateReportDelay() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	min := measurement.AggregateMinReportDelay.Milliseconds()
	max := measurement.AggregateMaxReportDelay.Milliseconds()
	return min + h.rng.Int63n(max-min)
}

func newAttribution(source *measurement.Source, trigger *measurement.Trigger) (*measurement.Attribution, error) {
	sourceSite, err := publisherBaseURI(source)
	if err != nil {
		return nil, err
	}
	destinationSite, err := trigger.AttributionDestinationBaseURI()
	if err != nil {
		return nil, err
	}
	return &measurement.Attribution{
		ID:                uuid.New().String(),
		SourceSite:        sourceSite,
		SourceOrigin:      source.Publisher,
		DestinationSite:   destinationSite,
		DestinationOrigin: trigger.AttributionDestination,
		Enrollment:        source.EnrollmentID,
		// Rate-limit windows anchor on source registration.
		TriggerTime:        source.EventTime,
		Registrant:         trigger.Registrant,
		SourceID:           source.ID,
		TriggerID:          trigger.ID,
		RegistrationOrigin: source.RegistrationOrigin,
	}, nil
}

func publisherBaseURI(source *measurement.Source) (string, error) {
	if source.PublisherType == measurement.SurfaceTypeApp {
		return source.Publisher, nil
	}
	return measurement.TopPrivateDomainAndScheme(source.Publisher)
}

func roundDownToDay(timestampMillis int64) int64 {
	day := int64(24 * time.Hour / time.Millisecond)
	return timestampMillis / day * day
}
