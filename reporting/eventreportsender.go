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
	"fmt"
	"strconv"
	"sync"

	log "github.com/golang/glog"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/errgroup"

	"github.com/google/privacy-sandbox-attribution-service/datastore"
	"github.com/google/privacy-sandbox-attribution-service/measurement"
)

// EventReportPath is the well-known endpoint event reports deliver to,
// relative to the registration origin.
const EventReportPath = "/.well-known/attribution-reporting/report-event-attribution"

// DebugEventReportPath receives the debug copy of a report whose source
// and trigger both cleared debug permissions.
const DebugEventReportPath = "/.well-known/attribution-reporting/debug/report-event-attribution"

const senderParallelism = 4

// EventReportSender delivers due event reports to their registration
// origins.
type EventReportSender struct {
	dao    datastore.DAO
	client *retryablehttp.Client
}

// NewEventReportSender returns a sender using the given retrying client.
func NewEventReportSender(dao datastore.DAO, client *retryablehttp.Client) *EventReportSender {
	if client == nil {
		client = retryablehttp.NewClient()
	}
	return &EventReportSender{dao: dao, client: client}
}

type eventReportBody struct {
	AttributionDestination interface{} `json:"attribution_destination"`
	ScheduledReportTime    string      `json:"scheduled_report_time"`
	SourceEventID          string      `json:"source_event_id"`
	TriggerData            string      `json:"trigger_data"`
	ReportID               string      `json:"report_id"`
	SourceType             string      `json:"source_type"`
	RandomizedTriggerRate  float64     `json:"randomized_trigger_rate"`
	SourceDebugKey         *string     `json:"source_debug_key,omitempty"`
	TriggerDebugKey        *string     `json:"trigger_debug_key,omitempty"`
}

// SerializeEventReport renders the report body for the wire. Single
// destinations serialize as a string, multiple as a sorted array.
func SerializeEventReport(r *measurement.EventReport) ([]byte, error) {
	body := eventReportBody{
		AttributionDestination: destinationField(r.AttributionDestinations),
		ScheduledReportTime:    strconv.FormatInt(r.ReportTime/1000, 10),
		SourceEventID:          strconv.FormatUint(r.SourceEventID, 10),
		TriggerData:            strconv.FormatUint(r.TriggerData, 10),
		ReportID:               r.ID,
		SourceType:             string(r.SourceType),
		RandomizedTriggerRate:  r.RandomizedTriggerRate,
	}
	if r.SourceDebugKey != nil {
		v := strconv.FormatUint(*r.SourceDebugKey, 10)
		body.SourceDebugKey = &v
	}
	if r.TriggerDebugKey != nil {
		v := strconv.FormatUint(*r.TriggerDebugKey, 10)
		body.TriggerDebugKey = &v
	}
	return json.Marshal(body)
}

func destinationField(destinations []string) interface{} {
	if len(destinations) == 1 {
		return destinations[0]
	}
	return destinations
}

// SendPendingReports delivers every event report due at or before now and
// marks the delivered ones. Failed deliveries stay pending for the next
// run.
func (s *EventReportSender) SendPendingReports(ctx context.Context, now int64) error {
	var reports []*measurement.EventReport
	err := s.dao.RunInTransaction(ctx, func(tx datastore.Transaction) error {
		var err error
		reports, err = tx.PendingEventReports(now)
		return err
	})
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		return nil
	}

	var mu sync.Mutex
	var delivered []string
	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, senderParallelism)
	for _, report := range reports {
		report := report
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()
			if err := s.deliver(gctx, report); err != nil {
				log.Warningf("Event report %s delivery failed: %v", report.ID, err)
				return nil
			}
			mu.Lock()
			delivered = append(delivered, report.ID)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Infof("Delivered %d of %d due event reports", len(delivered), len(reports))

	return s.dao.RunInTransaction(ctx, func(tx datastore.Transaction) error {
		for _, id := range delivered {
			if err := tx.UpdateEventReportStatus(id, measurement.ReportStatusDelivered); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *EventReportSender) deliver(ctx context.Context, report *measurement.EventReport) error {
	body, err := SerializeEventReport(report)
	if err != nil {
		return err
	}
	if err := postReport(ctx, s.client, report.RegistrationOrigin+EventReportPath, body); err != nil {
		return err
	}
	if report.DebugReportStatus == measurement.DebugReportStatusPending {
		// Debug copies are best effort.
		if err := postReport(ctx, s.client, report.RegistrationOrigin+DebugEventReportPath, body); err != nil {
			log.Warningf("Event debug report %s delivery failed: %v", report.ID, err)
		}
	}
	return nil
}

func postReport(ctx context.Context, client *retryablehttp.Client, url string, body []byte) error {
	req, err := retryablehttp.NewRequest("POST", url, body)
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("report delivery to %s got status %s", url, resp.Status)
	}
	return nil
}
