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

// Package collectorservice contains the functions needed for the HTTP
// service which collects source and trigger registration requests and
// forwards them to the asynchronous registration queue.
package collectorservice

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	log "github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"github.com/google/privacy-sandbox-attribution-service/registration"
	"github.com/google/privacy-sandbox-attribution-service/shared/utils"
)

const (
	/* 20% registrationsChannel buffer to allow for registrations being processed while
	publishing batches but limiting outstanding registrations to cap memory consumption */
	registrationsChannelBufferFactor = 0.2

	// Supported URL paths.
	registerSourcePath  = "/.well-known/attribution-reporting/register-source"
	registerTriggerPath = "/.well-known/attribution-reporting/register-trigger"
)

// CollectorHandler handles the HTTPS requests with incoming registrations.
//
// The server keeps receiving registration requests from devices and buffers
// them. When the buffer reaches the predefined batch size, the batch is
// published to the registration queue topic for the queue runner to process.
type CollectorHandler struct {
	bufferedQueueWriter bufferedQueueWriter
}

// NewHandler creates a new CollectorHandler with an initialized writer.
func NewHandler(ctx context.Context, client *pubsub.Client, topic string, batchSize int) *CollectorHandler {
	bqw := bufferedQueueWriter{
		client:          client,
		topic:           topic,
		batchSize:       batchSize,
		wg:              &sync.WaitGroup{},
		registrationsCh: make(chan *registration.QueueMessage, int(float64(batchSize)*registrationsChannelBufferFactor)+1),
	}
	bqw.start(ctx, bqw.registrationsCh)

	return &CollectorHandler{
		bufferedQueueWriter: bqw,
	}
}

// Handler helper function to get Handler for http.Server
func (h *CollectorHandler) Handler() http.Handler {
	return h
}

func (h *CollectorHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method == "GET" {
		log.Info("GET Request received.")
		w.WriteHeader(http.StatusOK)
		return
	}

	if req.URL.Path != registerSourcePath && req.URL.Path != registerTriggerPath {
		errMsg := "Unsupported path"
		http.Error(w, errMsg, http.StatusNotFound)
		log.Error(errMsg)
		return
	}

	buf := new(bytes.Buffer)
	buf.ReadFrom(req.Body)

	message := &registration.QueueMessage{}
	if req.URL.Path == registerSourcePath {
		request := &registration.SourceRegistrationRequest{}
		if err := json.Unmarshal(buf.Bytes(), request); err != nil {
			errMsg := "Failed in decoding source registration request"
			http.Error(w, errMsg, http.StatusBadRequest)
			log.Error(errMsg, err)
			return
		}
		if request.EventTime == 0 {
			request.EventTime = time.Now().UnixMilli()
		}
		message.Source = request
	} else {
		request := &registration.TriggerRegistrationRequest{}
		if err := json.Unmarshal(buf.Bytes(), request); err != nil {
			errMsg := "Failed in decoding trigger registration request"
			http.Error(w, errMsg, http.StatusBadRequest)
			log.Error(errMsg, err)
			return
		}
		if request.TriggerTime == 0 {
			request.TriggerTime = time.Now().UnixMilli()
		}
		message.Trigger = request
	}

	if err := validateMessage(message); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		log.Error(err)
		return
	}

	h.bufferedQueueWriter.registrationsCh <- message
}

func validateMessage(message *registration.QueueMessage) error {
	if message.Source != nil {
		return validateRequired(map[string]string{
			"registration_uri": message.Source.RegistrationURI,
			"registrant":       message.Source.Registrant,
			"publisher":        message.Source.Publisher,
			"source_type":      string(message.Source.SourceType),
		})
	}
	return validateRequired(map[string]string{
		"registration_uri":        message.Trigger.RegistrationURI,
		"registrant":              message.Trigger.Registrant,
		"attribution_destination": message.Trigger.AttributionDestination,
	})
}

func validateRequired(fields map[string]string) error {
	for name, value := range fields {
		if value == "" {
			return &missingFieldError{field: name}
		}
	}
	return nil
}

type missingFieldError struct {
	field string
}

func (e *missingFieldError) Error() string {
	return "registration request is missing " + e.field
}

// Shutdown function used in http.Server.RegisterOnShutdown to close channel
// and flush remaining registrations
func (h *CollectorHandler) Shutdown() {
	close(h.bufferedQueueWriter.registrationsCh)
	h.bufferedQueueWriter.wg.Wait()
}

type bufferedQueueWriter struct {
	client          *pubsub.Client
	topic           string
	batchSize       int
	wg              *sync.WaitGroup
	registrationsCh chan *registration.QueueMessage
}

func (bqw *bufferedQueueWriter) start(ctx context.Context, registrationsCh <-chan *registration.QueueMessage) {
	log.Infof("Starting buffered queue writer with %v batch size", bqw.batchSize)

	var batch []*registration.QueueMessage
	bqw.wg.Add(1)
	go func() {
		for message := range registrationsCh {
			batch = append(batch, message)
			if len(batch) == bqw.batchSize {
				bqw.publishBatch(ctx, batch)
				batch = nil
			}
		}
		log.Info("Buffered queue writer channel closed, flushing remaining registrations...")
		bqw.publishBatch(ctx, batch)
		bqw.wg.Done()
	}()
}

func (bqw *bufferedQueueWriter) publishBatch(ctx context.Context, batch []*registration.QueueMessage) {
	if len(batch) == 0 {
		log.Info("Empty batch, nothing to publish!")
		return
	}
	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for _, message := range batch {
		message := message // https://golang.org/doc/faq#closures_and_goroutines
		g.Go(func() error {
			return utils.PublishRequest(ctx, bqw.client, bqw.topic, message)
		})
	}
	if err := g.Wait(); err != nil {
		log.Error(err)
	}
	log.Infof("Publishing %v registrations took %s.", len(batch), time.Since(start))
}
