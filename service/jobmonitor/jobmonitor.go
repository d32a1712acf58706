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

// Package jobmonitor contains types and functions for monitoring the
// attribution and reporting sweeps.
package jobmonitor

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
)

// Paths should be used when writing to Firestore.
const (
	ProdPath = "sweeps"
	TestPath = "sweeps-test"
)

// Sweep statuses.
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// Sweep records one pass of the attribution worker or a report sender.
type Sweep struct {
	Kind                 string    `firestore:"kind,omitempty"`
	Started              time.Time `firestore:"started,omitempty"`
	Updated              time.Time `firestore:"updated,omitempty"`
	Status               string    `firestore:"status,omitempty"`
	Message              string    `firestore:"message,omitempty"`
	TriggersProcessed    int       `firestore:"triggers_processed,omitempty"`
	EventReportsSent     int       `firestore:"event_reports_sent,omitempty"`
	AggregateReportsSent int       `firestore:"aggregate_reports_sent,omitempty"`
}

// WriteSweep upserts one sweep record keyed by its ID.
func WriteSweep(ctx context.Context, client *firestore.Client, path, sweepID string, sweep *Sweep) error {
	sweep.Updated = time.Now()
	_, err := client.Collection(path).Doc(sweepID).Set(ctx, sweep)
	return err
}

// ReadSweep fetches one sweep record.
func ReadSweep(ctx context.Context, client *firestore.Client, path, sweepID string) (*Sweep, error) {
	doc, err := client.Collection(path).Doc(sweepID).Get(ctx)
	if err != nil {
		return nil, err
	}
	sweep := &Sweep{}
	if err := doc.DataTo(sweep); err != nil {
		return nil, err
	}
	return sweep, nil
}
