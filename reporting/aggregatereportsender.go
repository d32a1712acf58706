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
	"strconv"
	"sync"

	log "github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/errgroup"

	"github.com/google/privacy-sandbox-attribution-service/aggregation"
	"github.com/google/privacy-sandbox-attribution-service/datastore"
	"github.com/google/privacy-sandbox-attribution-service/encryption/standardencrypt"
	"github.com/google/privacy-sandbox-attribution-service/measurement"
)

// AggregateReportPath is the well-known endpoint aggregatable reports
// deliver to, relative to the registration origin.
const AggregateReportPath = "/.well-known/attribution-reporting/report-aggregate-attribution"

// DebugAggregateReportPath receives the debug copy of a report whose
// source and trigger both cleared debug permissions.
const DebugAggregateReportPath = "/.well-known/attribution-reporting/debug/report-aggregate-attribution"

// AggregationKey is one public hybrid-encryption key of the aggregation
// service.
type AggregationKey struct {
	KeyID     string
	PublicKey *standardencrypt.StandardPublicKey
}

// AggregateReportSender seals and delivers due aggregatable reports.
type AggregateReportSender struct {
	dao              datastore.DAO
	client           *retryablehttp.Client
	key              AggregationKey
	sharedInfoPrefix string
}

// NewAggregateReportSender returns a sender encrypting against the given
// aggregation service key.
func NewAggregateReportSender(dao datastore.DAO, client *retryablehttp.Client, key AggregationKey, sharedInfoPrefix string) *AggregateReportSender {
	if client == nil {
		client = retryablehttp.NewClient()
	}
	return &AggregateReportSender{dao: dao, client: client, key: key, sharedInfoPrefix: sharedInfoPrefix}
}

type aggregationServicePayload struct {
	Payload string `json:"payload"`
	KeyID   string `json:"key_id"`
}

type aggregateReportBody struct {
	SharedInfo                 string                      `json:"shared_info"`
	AggregationServicePayloads []aggregationServicePayload `json:"aggregation_service_payloads"`
	SourceDebugKey             *string                     `json:"source_debug_key,omitempty"`
	TriggerDebugKey            *string                     `json:"trigger_debug_key,omitempty"`
}

// SerializeAggregateReport encrypts the report's contributions and renders
// the delivery body.
func (s *AggregateReportSender) SerializeAggregateReport(report *aggregation.AggregateReport) ([]byte, error) {
	sharedInfo, err := aggregation.NewSharedInfo(report, uuid.New().String()).Serialize()
	if err != nil {
		return nil, err
	}
	encrypted, err := aggregation.EncryptPayload(report.Contributions, s.sharedInfoPrefix, sharedInfo, s.key.PublicKey)
	if err != nil {
		return nil, err
	}
	body := aggregateReportBody{
		SharedInfo: sharedInfo,
		AggregationServicePayloads: []aggregationServicePayload{{
			Payload: encrypted,
			KeyID:   s.key.KeyID,
		}},
	}
	if report.SourceDebugKey != nil {
		v := strconv.FormatUint(*report.SourceDebugKey, 10)
		body.SourceDebugKey = &v
	}
	if report.TriggerDebugKey != nil {
		v := strconv.FormatUint(*report.TriggerDebugKey, 10)
		body.TriggerDebugKey = &v
	}
	return json.Marshal(body)
}

// SendPendingReports delivers every aggregatable report due at or before
// now. Failed deliveries stay pending for the next run.
func (s *AggregateReportSender) SendPendingReports(ctx context.Context, now int64) error {
	var reports []*aggregation.AggregateReport
	err := s.dao.RunInTransaction(ctx, func(tx datastore.Transaction) error {
		var err error
		reports, err = tx.PendingAggregateReports(now)
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
			body, err := s.SerializeAggregateReport(report)
			if err != nil {
				log.Warningf("Aggregate report %s serialization failed: %v", report.ID, err)
				return nil
			}
			if err := postReport(gctx, s.client, report.RegistrationOrigin+AggregateReportPath, body); err != nil {
				log.Warningf("Aggregate report %s delivery failed: %v", report.ID, err)
				return nil
			}
			if report.DebugReportStatus == measurement.DebugReportStatusPending {
				// Debug copies are best effort.
				if err := postReport(gctx, s.client, report.RegistrationOrigin+DebugAggregateReportPath, body); err != nil {
					log.Warningf("Aggregate debug report %s delivery failed: %v", report.ID, err)
				}
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
	log.Infof("Delivered %d of %d due aggregatable reports", len(delivered), len(reports))

	return s.dao.RunInTransaction(ctx, func(tx datastore.Transaction) error {
		for _, id := range delivered {
			if err := tx.UpdateAggregateReportStatus(id, measurement.ReportStatusDelivered); err != nil {
				return err
			}
		}
		return nil
	})
}
