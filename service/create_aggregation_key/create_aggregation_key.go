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

// This binary sets up the hybrid-encryption key pair used for the
// aggregatable report payloads and stores it in Secret Manager.
package main

import (
	"context"
	"encoding/json"
	"flag"

	log "github.com/golang/glog"

	"github.com/google/privacy-sandbox-attribution-service/encryption/standardencrypt"
	"github.com/google/privacy-sandbox-attribution-service/shared/utils"
)

var (
	project         = flag.String("project", "", "GCP project holding the secrets.")
	publicSecretID  = flag.String("public_secret_id", "aggregation-public-key", "Secret ID for the public key.")
	privateSecretID = flag.String("private_secret_id", "aggregation-private-key", "Secret ID for the private key.")
	publicKeyFile   = flag.String("public_key_file", "", "Optional local or GCS file to also write the public key to, for distribution to reporters.")
)

func main() {
	flag.Parse()
	ctx := context.Background()

	privateKey, publicKey, err := standardencrypt.GenerateStandardKeyPair()
	if err != nil {
		log.Exit(err)
	}

	publicPayload, err := json.Marshal(publicKey)
	if err != nil {
		log.Exit(err)
	}
	publicName, err := utils.SaveSecret(ctx, publicPayload, *project, *publicSecretID)
	if err != nil {
		log.Exit(err)
	}
	log.Infof("Public key stored as %s", publicName)

	if *publicKeyFile != "" {
		if err := utils.WriteBytes(ctx, publicPayload, *publicKeyFile); err != nil {
			log.Exit(err)
		}
		log.Infof("Public key written to %s", *publicKeyFile)
	}

	privatePayload, err := json.Marshal(privateKey)
	if err != nil {
		log.Exit(err)
	}
	privateName, err := utils.SaveSecret(ctx, privatePayload, *project, *privateSecretID)
	if err != nil {
		log.Exit(err)
	}
	log.Infof("Private key stored as %s", privateName)
}
