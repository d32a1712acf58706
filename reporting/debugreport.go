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

package reporting

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/errgroup"

	"github.com/google/privacy-sandbox-attribution-service/measurement"
)

// DebugType names the verbose debug report emitted when attribution
// rejects a trigger. The values are part of the wire contract.
type DebugType string

// Debug report types.
const (
	DebugTypeTriggerNoMatchingSource                      DebugType = "trigger-no-matching-source"
	DebugTypeTriggerNoMatchingFilterData                  DebugType = "trigger-no-matching-filter-data"
	DebugTypeTriggerAttributionsPerSourceDestinationLimit DebugType = "trigger-attributions-per-source-destination-limit"
	DebugTypeTriggerReportingOriginLimit                  DebugType = "trigger-reporting-origin-limit"
	DebugTypeTriggerAggregateReportWindowPassed           DebugType = "trigger-aggregate-report-window-passed"
	DebugTypeTriggerAggregateNoContributions              DebugType = "trigger-aggregate-no-contributions"
	DebugTypeTriggerAggregateDeduplicated                 DebugType = "trigger-aggregate-deduplicated"
	DebugTypeTriggerAggregateInsufficientBudget           DebugType = "trigger-aggregate-insufficient-budget"
	DebugTypeTriggerAggregateStorageLimit                 DebugType = "trigger-aggregate-storage-limit"
	DebugTypeTriggerEventNoise                            DebugType = "trigger-event-noise"
	DebugTypeTriggerEventReportWindowPassed               DebugType = "trigger-event-report-window-passed"
	DebugTypeTriggerEventNoMatchingConfig                 DebugType = "trigger-event-no-matching-configurations"
	DebugTypeTriggerEventDeduplicated                     DebugType = "trigger-event-deduplicated"
	DebugTypeTriggerEventStorageLimit                     DebugType = "trigger-event-storage-limit"
	DebugTypeTriggerEventLowPriority                      DebugType = "trigger-event-low-priority"
)

// DebugReport is one verbose debug record owed to a registration origin.
type DebugReport struct {
	ID                     string
	Type                   DebugType
	AttributionDestination string
	TriggerID              string
	RegistrationOrigin     string
	RecordedAt             int64
}

type debugReportBody struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// SerializeDebugReports renders a batch of reports as one array, the form
// the verbose debug endpoint accepts.
func SerializeDebugReports(reports []*DebugReport) ([]byte, error) {
	body := make([]debugReportBody, 0, len(reports))
	for _, r := range reports {
		body = append(body, debugReportBody{
			Type: string(r.Type),
			Body: json.RawMessage(`{"attribution_destination":` + jsonString(r.AttributionDestination) + `}`),
		})
	}
	return json.Marshal(body)
}

// Serialize renders the report body as sent to the verbose debug endpoint.
func (r *DebugReport) Serialize() ([]byte, error) {
	return SerializeDebugReports([]*DebugReport{r})
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// DebugReportCollector accumulates verbose debug reports for later
// delivery. Safe for concurrent use.
type DebugReportCollector struct {
	mu      sync.Mutex
	reports []*DebugReport
}

// NewDebugReportCollector returns an empty collector.
func NewDebugReportCollector() *DebugReportCollector {
	return &DebugReportCollector{}
}

// Record files a debug report for the rejected trigger.
func (c *DebugReportCollector) Record(debugType DebugType, trigger *measurement.Trigger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, &DebugReport{
		ID:                     uuid.New().String(),
		Type:                   debugType,
		AttributionDestination: trigger.AttributionDestination,
		TriggerID:              trigger.ID,
		RegistrationOrigin:     trigger.RegistrationOrigin,
		RecordedAt:             time.Now().UnixMilli(),
	})
}

// Drain returns and clears the collected reports.
func (c *DebugReportCollector) Drain() []*DebugReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	reports := c.reports
	c.reports = nil
	return reports
}

func (c *DebugReportCollector) requeue(reports []*DebugReport) {
	if len(reports) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, reports...)
}

// DebugReportPath is the well-known verbose debug endpoint, relative to
// the registration origin.
const DebugReportPath = "/.well-known/attribution-reporting/debug/verbose"

// DebugReportSender delivers collected verbose debug reports, batched per
// registration origin.
type DebugReportSender struct {
	collector *DebugReportCollector
	client    *retryablehttp.Client
}

// NewDebugReportSender returns a sender draining the given collector.
func NewDebugReportSender(collector *DebugReportCollector, client *retryablehttp.Client) *DebugReportSender {
	if client == nil {
		client = retryablehttp.NewClient()
	}
	return &DebugReportSender{collector: collector, client: client}
}

// SendCollected drains the collector and posts one batch per registration
// origin. Batches that fail to deliver go back into the collector for the
// next run.
func (s *DebugReportSender) SendCollected(ctx context.Context) error {
	reports := s.collector.Drain()
	if len(reports) == 0 {
		return nil
	}
	byOrigin := make(map[string][]*DebugReport)
	for _, r := range reports {
		byOrigin[r.RegistrationOrigin] = append(byOrigin[r.RegistrationOrigin], r)
	}

	var mu sync.Mutex
	var failed []*DebugReport
	delivered := 0
	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, senderParallelism)
	for origin, batch := range byOrigin {
		origin, batch := origin, batch
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()
			body, err := SerializeDebugReports(batch)
			if err != nil {
				log.Errorf("Serializing %d debug reports for %s failed: %v", len(batch), origin, err)
				return nil
			}
			if err := postReport(gctx, s.client, origin+DebugReportPath, body); err != nil {
				log.Warningf("Debug report delivery to %s failed: %v", origin, err)
				mu.Lock()
				failed = append(failed, batch...)
				mu.Unlock()
				return nil
			}
			mu.Lock()
			delivered += len(batch)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Infof("Delivered %d verbose debug reports, %d requeued", delivered, len(failed))
	s.collector.requeue(failed)
	return nil
}
