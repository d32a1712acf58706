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

package main

import (
	"context"
	"flag"
	"net/http"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	log "github.com/golang/glog"

	"github.com/google/privacy-sandbox-attribution-service/service/collectorservice"
	"github.com/google/privacy-sandbox-attribution-service/shared/utils"
)

var (
	address     = flag.String("address", "", "Address of the server.")
	pubsubTopic = flag.String("pubsub_topic", "", "PubSub topic to publish registration requests to. The value should be a fully qualified topic URI.")
	batchSize   = flag.Int("batch_size", 100, "Number of registrations to be published in each batch.")

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

	log.Infof("Running registration collector server version: %v, build: %v\n", version, buildDate)
	log.Infof("Listening to %v", *address)
	log.Infof("Batch size %v, PubSub topic: %v", *batchSize, *pubsubTopic)

	project, topic, err := utils.ParsePubSubResourceName(*pubsubTopic)
	if err != nil {
		log.Exit(err)
	}
	client, err := pubsub.NewClient(ctx, project)
	if err != nil {
		log.Exit(err)
	}
	defer client.Close()

	handler := collectorservice.NewHandler(ctx, client, topic, *batchSize)
	srv := &http.Server{
		Addr:    *address,
		Handler: handler.Handler(),
	}
	srv.RegisterOnShutdown(handler.Shutdown)
	log.Exit(srv.ListenAndServe())
}
