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

package registration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	log "github.com/golang/glog"

	"github.com/google/privacy-sandbox-attribution-service/datastore"
	"github.com/google/privacy-sandbox-attribution-service/measurement"
	"github.com/google/privacy-sandbox-attribution-service/noising"
	"github.com/google/privacy-sandbox-attribution-service/shared/utils"
)

// MaxSourcesPerPublisher caps the unexpired sources one publisher may hold.
const MaxSourcesPerPublisher = 1024

// QueueMessage is the JSON payload carried by one registration queue entry.
// Exactly one of the two fields is set.
type QueueMessage struct {
	Source  *SourceRegistrationRequest  `json:"source,omitempty"`
	Trigger *TriggerRegistrationRequest `json:"trigger,omitempty"`
}

// QueueRunner pulls registration requests from a PubSub subscription,
// fetches them from the adtech servers and stores the results. Source noise
// is applied here, at insertion time, so the attribution mode is fixed for
// the lifetime of the source.
type QueueRunner struct {
	Fetcher      *Fetcher
	Store        datastore.DAO
	Noiser       *noising.SourceNoiseHandler
	Subscription string

	client *pubsub.Client
}

// Setup creates the PubSub client.
func (q *QueueRunner) Setup(ctx context.Context) error {
	project, _, err := utils.ParsePubSubResourceName(q.Subscription)
	if err != nil {
		return err
	}
	q.client, err = pubsub.NewClient(ctx, project)
	return err
}

// Close closes the PubSub client.
func (q *QueueRunner) Close() {
	if q.client != nil {
		q.client.Close()
	}
}

// SetupPullRegistrations pulls registration messages until ctx is done.
// Messages are processed one at a time; a failed registration is nacked and
// redelivered.
func (q *QueueRunner) SetupPullRegistrations(ctx context.Context) error {
	_, subID, err := utils.ParsePubSubResourceName(q.Subscription)
	if err != nil {
		return err
	}
	sub := q.client.Subscription(subID)

	// One message at a time keeps registrations ordered per subscriber and
	// bounds memory.
	sub.ReceiveSettings.Synchronous = true
	sub.ReceiveSettings.MaxOutstandingMessages = 1
	sub.ReceiveSettings.MaxExtension = time.Hour
	return sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		message := &QueueMessage{}
		if err := json.Unmarshal(msg.Data, message); err != nil {
			log.Errorf("Dropping malformed registration message: %v", err)
			// Malformed payloads never parse on redelivery either.
			msg.Ack()
			return
		}
		if err := q.ProcessMessage(ctx, message); err != nil {
			log.Error(err)
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

// ProcessMessage fetches and stores one registration, following redirect
// chains.
func (q *QueueRunner) ProcessMessage(ctx context.Context, message *QueueMessage) error {
	switch {
	case message.Source != nil:
		return q.processSource(ctx, message.Source)
	case message.Trigger != nil:
		return q.processTrigger(ctx, message.Trigger)
	default:
		return fmt.Errorf("registration message carries neither a source nor a trigger")
	}
}

func (q *QueueRunner) processSource(ctx context.Context, req *SourceRegistrationRequest) error {
	seen := map[string]bool{}
	queue := []string{req.RegistrationURI}
	for len(queue) > 0 && len(seen) <= MaxRedirectsPerRegistration {
		uri := queue[0]
		queue = queue[1:]
		if seen[uri] {
			continue
		}
		seen[uri] = true

		chained := *req
		chained.RegistrationURI = uri
		source, redirects, err := q.Fetcher.FetchSource(&chained)
		if err != nil {
			return fmt.Errorf("source registration from %s failed: %v", uri, err)
		}
		if err := q.insertSource(ctx, source); err != nil {
			return err
		}
		queue = append(queue, redirects...)
	}
	return nil
}

func (q *QueueRunner) insertSource(ctx context.Context, source *measurement.Source) error {
	fakes, err := q.Noiser.AssignAttributionModeAndGenerateFakeReports(source)
	if err != nil {
		return err
	}
	return q.Store.RunInTransaction(ctx, func(tx datastore.Transaction) error {
		count, err := tx.CountSourcesForPublisher(source.Publisher, source.EventTime)
		if err != nil {
			return err
		}
		if count >= MaxSourcesPerPublisher {
			log.Warningf("Publisher %s is at the source storage limit, dropping registration", source.Publisher)
			return nil
		}
		if err := tx.InsertSource(source); err != nil {
			return err
		}
		for _, fake := range fakes {
			report := measurement.NewFakeEventReport(source, fake, q.Noiser)
			if err := tx.InsertEventReport(report); err != nil {
				return err
			}
		}
		return nil
	})
}

func (q *QueueRunner) processTrigger(ctx context.Context, req *TriggerRegistrationRequest) error {
	seen := map[string]bool{}
	queue := []string{req.RegistrationURI}
	for len(queue) > 0 && len(seen) <= MaxRedirectsPerRegistration {
		uri := queue[0]
		queue = queue[1:]
		if seen[uri] {
			continue
		}
		seen[uri] = true

		chained := *req
		chained.RegistrationURI = uri
		trigger, redirects, err := q.Fetcher.FetchTrigger(&chained)
		if err != nil {
			return fmt.Errorf("trigger registration from %s failed: %v", uri, err)
		}
		if err := q.Store.RunInTransaction(ctx, func(tx datastore.Transaction) error {
			return tx.InsertTrigger(trigger)
		}); err != nil {
			return err
		}
		queue = append(queue, redirects...)
	}
	return nil
}
