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

// Package reportingservice contains the functions needed for the HTTP
// service which receives the event-level and aggregatable reports sent by
// devices and batches them for downstream processing.
package reportingservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	log "github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"github.com/google/privacy-sandbox-attribution-service/shared/utils"
)

const (
	/* 20% reportsChannel buffer to allow for reports being processed while writing batches but
	limiting outstanding reports to cap memory consumption */
	reportsChannelBufferFactor = 0.2

	// Supported URL paths.
	eventReportPath     = "/.well-known/attribution-reporting/report-event-attribution"
	aggregateReportPath = "/.well-known/attribution-reporting/report-aggregate-attribution"

	eventBatchKey     = "event"
	aggregateBatchKey = "aggregate"
)

// receivedReport is one report body tagged with the batch it belongs to.
type receivedReport struct {
	batchKey string
	line     string
}

// ReportHandler handles the HTTPS requests with incoming reports.
//
// The server keeps receiving reports and batches them per report kind. When
// a batch reaches the predefined size its lines are written to a file under
// the batch directory, which may be a local path or a GCS URI.
type ReportHandler struct {
	bufferedReportWriter bufferedReportWriter
}

// NewHandler creates a new ReportHandler with an initialized writer.
func NewHandler(ctx context.Context, batchSize int, batchDir string) *ReportHandler {
	brw := bufferedReportWriter{
		batchSize: batchSize,
		batchDir:  batchDir,
		wg:        &sync.WaitGroup{},
		reportsCh: make(chan *receivedReport, int(float64(batchSize)*reportsChannelBufferFactor)+1),
	}
	brw.start(ctx, brw.reportsCh)

	return &ReportHandler{
		bufferedReportWriter: brw,
	}
}

// Handler helper function to get Handler for http.Server
func (h *ReportHandler) Handler() http.Handler {
	return h
}

func (h *ReportHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method == "GET" {
		log.Info("GET Request received.")
		w.WriteHeader(http.StatusOK)
		return
	}

	var batchKey string
	switch req.URL.Path {
	case eventReportPath:
		batchKey = eventBatchKey
	case aggregateReportPath:
		batchKey = aggregateBatchKey
	default:
		errMsg := "Unsupported path"
		http.Error(w, errMsg, http.StatusNotFound)
		log.Error(errMsg)
		return
	}

	buf := new(bytes.Buffer)
	buf.ReadFrom(req.Body)

	// One report per line in the batch files.
	compact := new(bytes.Buffer)
	if err := json.Compact(compact, buf.Bytes()); err != nil {
		errMsg := "Failed in decoding attribution report"
		http.Error(w, errMsg, http.StatusBadRequest)
		log.Error(errMsg, err)
		return
	}

	h.bufferedReportWriter.reportsCh <- &receivedReport{batchKey: batchKey, line: compact.String()}
}

// Shutdown function used in http.Server.RegisterOnShutdown to close channel
// and flush remaining reports
func (h *ReportHandler) Shutdown() {
	close(h.bufferedReportWriter.reportsCh)
	h.bufferedReportWriter.wg.Wait()
}

type bufferedReportWriter struct {
	batchSize int
	batchDir  string
	wg        *sync.WaitGroup
	reportsCh chan *receivedReport
}

func (brw *bufferedReportWriter) start(ctx context.Context, reportsCh <-chan *receivedReport) {
	log.Infof("Starting buffered report writer with %v batch size", brw.batchSize)

	batches := make(map[string][]string)
	brw.wg.Add(1)
	go func() {
		for report := range reportsCh {
			batches[report.batchKey] = append(batches[report.batchKey], report.line)
			if len(batches[report.batchKey]) == brw.batchSize {
				brw.writeBatches(ctx, batches)
				batches = make(map[string][]string)
			}
		}
		log.Info("Buffered Report Writer channel closed, flushing remaining reports...")
		brw.writeBatches(ctx, batches)
		brw.wg.Done()
	}()
}

func (brw *bufferedReportWriter) writeBatches(ctx context.Context, batches map[string][]string) {
	start := time.Now()
	timestamp := start.Format(time.RFC3339Nano)
	g, ctx := errgroup.WithContext(ctx)
	for batchKey, lines := range batches {
		batchKey, lines := batchKey, lines // https://golang.org/doc/faq#closures_and_goroutines
		g.Go(func() error {
			if len(lines) > 0 {
				batchURI := utils.JoinPath(brw.batchDir, fmt.Sprintf("%s+%s", batchKey, timestamp))
				log.Infof("Writing %v reports in batch to: %v", len(lines), batchURI)
				return utils.WriteLines(ctx, lines, batchURI)
			}
			log.Infof("Empty batch, nothing to write!")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Error(err)
	}
	log.Infof("Writing batches at %s took %s.", timestamp, time.Since(start))
}
