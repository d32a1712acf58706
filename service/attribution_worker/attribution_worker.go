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

// The attribution worker pulls registrations from the queue, attributes
// pending triggers and delivers the resulting reports.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"strconv"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/profiler"
	log "github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/google/privacy-sandbox-attribution-service/attribution"
	"github.com/google/privacy-sandbox-attribution-service/datastore"
	"github.com/google/privacy-sandbox-attribution-service/encryption/standardencrypt"
	"github.com/google/privacy-sandbox-attribution-service/measurement"
	"github.com/google/privacy-sandbox-attribution-service/noising"
	"github.com/google/privacy-sandbox-attribution-service/registration"
	"github.com/google/privacy-sandbox-attribution-service/reporting"
	"github.com/google/privacy-sandbox-attribution-service/service/jobmonitor"
	"github.com/google/privacy-sandbox-attribution-service/shared/utils"
)

var (
	pubsubSubscription = flag.String("pubsub_subscription", "", "The PubSub subscription where to pull the registration requests. The value should be a fully qualified subscription URI.")
	attributionPeriod  = flag.Duration("attribution_period", time.Minute, "How often pending triggers are attributed.")
	reportingPeriod    = flag.Duration("reporting_period", time.Minute, "How often due reports are delivered.")

	aggregationKeyID     = flag.String("aggregation_key_id", "", "ID of the aggregation service public key.")
	aggregationKeySecret = flag.String("aggregation_key_secret", "", "Secret Manager resource name holding the aggregation service public key.")
	aggregationKeyFile   = flag.String("aggregation_key_file", "", "Local or GCS file holding the aggregation service public key, used when no secret is configured.")
	sharedInfoPrefix     = flag.String("shared_info_prefix", "", "Prefix bound into the encrypted payload associated data.")

	monitorProject = flag.String("monitor_project", "", "GCP project for the Firestore sweep monitor. Monitoring is disabled when empty.")
	monitorPath    = flag.String("monitor_path", jobmonitor.ProdPath, "Firestore collection path for sweep records.")

	profilerService = flag.String("profiler_service", "", "Service name for Cloud Profiler. Profiling is disabled when empty.")

	version string // set by linker -X
	build   string // set by linker -X
)

func main() {
	flag.Parse()
	ctx := context.Background()

	buildDate := time.Unix(0, 0)
	if i, err := strconv.ParseInt(build, 10, 64); err != nil {
		log.Error(err)
	} else {
		buildDate = time.Unix(i, 0)
	}
	log.Infof("Running attribution worker version: %v, build: %v\n", version, buildDate)

	if *profilerService != "" {
		if err := profiler.Start(profiler.Config{Service: *profilerService, ServiceVersion: version}); err != nil {
			log.Errorf("Failed to start profiler: %v", err)
		}
	}

	store := datastore.NewInMemoryStore()
	flags := measurement.DefaultFlags()
	calc := reporting.NewEventReportWindowCalc(flags)
	noiser := noising.NewSourceNoiseHandler(flags, calc)

	runner := &registration.QueueRunner{
		Fetcher:      registration.NewFetcher(nil),
		Store:        store,
		Noiser:       noiser,
		Subscription: *pubsubSubscription,
	}
	if err := runner.Setup(ctx); err != nil {
		log.Exit(err)
	}
	defer runner.Close()
	go func() {
		if err := runner.SetupPullRegistrations(ctx); err != nil {
			log.Exit(err)
		}
	}()

	var monitor *firestore.Client
	if *monitorProject != "" {
		var err error
		monitor, err = firestore.NewClient(ctx, *monitorProject)
		if err != nil {
			log.Exit(err)
		}
		defer monitor.Close()
	}

	debugCollector := reporting.NewDebugReportCollector()
	handler := attribution.NewJobHandler(store, flags, calc, noiser, debugCollector)
	eventSender := reporting.NewEventReportSender(store, nil)
	aggregateSender := reporting.NewAggregateReportSender(store, nil, aggregationKey(ctx), *sharedInfoPrefix)
	debugSender := reporting.NewDebugReportSender(debugCollector, nil)

	go runEvery(ctx, *attributionPeriod, func() {
		sweep := &jobmonitor.Sweep{Kind: "attribution", Started: time.Now(), Status: jobmonitor.StatusRunning}
		if err := handler.PerformPendingAttributions(ctx); err != nil {
			log.Errorf("Attribution sweep failed: %v", err)
			sweep.Status = jobmonitor.StatusFailed
			sweep.Message = err.Error()
		} else {
			sweep.Status = jobmonitor.StatusFinished
		}
		recordSweep(ctx, monitor, sweep)
	})
	runEvery(ctx, *reportingPeriod, func() {
		now := time.Now().UnixMilli()
		sweep := &jobmonitor.Sweep{Kind: "reporting", Started: time.Now(), Status: jobmonitor.StatusRunning}
		if err := eventSender.SendPendingReports(ctx, now); err != nil {
			log.Errorf("Event report delivery failed: %v", err)
			sweep.Status = jobmonitor.StatusFailed
			sweep.Message = err.Error()
		}
		if err := aggregateSender.SendPendingReports(ctx, now); err != nil {
			log.Errorf("Aggregate report delivery failed: %v", err)
			sweep.Status = jobmonitor.StatusFailed
			sweep.Message = err.Error()
		}
		if err := debugSender.SendCollected(ctx); err != nil {
			log.Errorf("Debug report delivery failed: %v", err)
			sweep.Status = jobmonitor.StatusFailed
			sweep.Message = err.Error()
		}
		if sweep.Status == jobmonitor.StatusRunning {
			sweep.Status = jobmonitor.StatusFinished
		}
		recordSweep(ctx, monitor, sweep)
	})
}

// aggregationKey reads the aggregation service public key from Secret
// Manager, or from a key file. Aggregate delivery fails until the key is
// configured.
func aggregationKey(ctx context.Context) reporting.AggregationKey {
	key := reporting.AggregationKey{KeyID: *aggregationKeyID}
	var payload []byte
	var err error
	switch {
	case *aggregationKeySecret != "":
		payload, err = utils.ReadSecret(ctx, *aggregationKeySecret)
	case *aggregationKeyFile != "":
		payload, err = utils.ReadBytes(ctx, *aggregationKeyFile)
	default:
		log.Warning("No aggregation key configured, aggregate reports will not be deliverable")
		return key
	}
	if err != nil {
		log.Exit(err)
	}
	publicKey := &standardencrypt.StandardPublicKey{}
	if err := json.Unmarshal(payload, publicKey); err != nil {
		log.Exit(err)
	}
	key.PublicKey = publicKey
	return key
}

func recordSweep(ctx context.Context, monitor *firestore.Client, sweep *jobmonitor.Sweep) {
	if monitor == nil {
		return
	}
	if err := jobmonitor.WriteSweep(ctx, monitor, *monitorPath, uuid.New().String(), sweep); err != nil {
		log.Errorf("Failed to record sweep: %v", err)
	}
}

func runEvery(ctx context.Context, period time.Duration, fn func()) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
