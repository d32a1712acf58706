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

package aggregation

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"

	"lukechampine.com/uint128"

	"github.com/google/privacy-sandbox-attribution-service/encryption/standardencrypt"
	"github.com/google/privacy-sandbox-attribution-service/shared/utils"
)

const histogramOperation = "histogram"

// SharedInfo is the cleartext part of an aggregatable report. Its exact
// serialization binds the encrypted payload: the JSON also rides as the
// associated data of the encryption.
type SharedInfo struct {
	API                    string `json:"api"`
	AttributionDestination string `json:"attribution_destination"`
	ReportID               string `json:"report_id"`
	ReportingOrigin        string `json:"reporting_origin"`
	ScheduledReportTime    string `json:"scheduled_report_time"`
	SourceRegistrationTime string `json:"source_registration_time"`
	Version                string `json:"version"`
}

// NewSharedInfo fills the shared info of a report; the timestamps are
// truncated to whole seconds on the wire.
func NewSharedInfo(report *AggregateReport, reportID string) SharedInfo {
	return SharedInfo{
		API:                    "attribution-reporting",
		AttributionDestination: report.AttributionDestination,
		ReportID:               reportID,
		ReportingOrigin:        report.RegistrationOrigin,
		ScheduledReportTime:    strconv.FormatInt(report.ScheduledReportTime/1000, 10),
		SourceRegistrationTime: strconv.FormatInt(report.SourceRegistrationTime/1000, 10),
		Version:                report.APIVersion,
	}
}

// Serialize returns the canonical shared_info JSON.
func (s SharedInfo) Serialize() (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type histogramPayload struct {
	Operation string             `codec:"operation"`
	Data      []histogramElement `codec:"data"`
}

type histogramElement struct {
	Bucket []byte `codec:"bucket"`
	Value  []byte `codec:"value"`
}

// EncodePayload writes the contributions as the CBOR histogram payload:
// 16-byte big-endian buckets and 4-byte big-endian values.
func EncodePayload(contributions []AggregateHistogramContribution) ([]byte, error) {
	payload := histogramPayload{Operation: histogramOperation}
	for _, c := range contributions {
		payload.Data = append(payload.Data, histogramElement{
			Bucket: utils.Uint128ToBigEndianBytes(c.Key),
			Value:  utils.Uint32ToBigEndianBytes(c.Value),
		})
	}
	return utils.MarshalCBOR(payload)
}

// DecodePayload parses a CBOR histogram payload back into contributions.
func DecodePayload(data []byte) ([]AggregateHistogramContribution, error) {
	var payload histogramPayload
	if err := utils.UnmarshalCBOR(data, &payload); err != nil {
		return nil, err
	}
	if payload.Operation != histogramOperation {
		return nil, fmt.Errorf("unsupported payload operation %q", payload.Operation)
	}
	contributions := make([]AggregateHistogramContribution, 0, len(payload.Data))
	for _, e := range payload.Data {
		key, err := utils.BigEndianBytesToUint128(e.Bucket)
		if err != nil {
			return nil, err
		}
		value, err := utils.BigEndianBytesToUint32(e.Value)
		if err != nil {
			return nil, err
		}
		contributions = append(contributions, AggregateHistogramContribution{Key: key, Value: value})
	}
	return contributions, nil
}

// EncryptPayload seals the CBOR payload for the aggregation service. The
// associated data is the shared info prefix concatenated with the exact
// shared_info JSON; the result is standard base64.
func EncryptPayload(contributions []AggregateHistogramContribution, sharedInfoPrefix, sharedInfo string, key *standardencrypt.StandardPublicKey) (string, error) {
	payload, err := EncodePayload(contributions)
	if err != nil {
		return "", err
	}
	ciphertext, err := standardencrypt.Encrypt(payload, []byte(sharedInfoPrefix+sharedInfo), key)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ciphertext.Data), nil
}

// DecryptPayload reverses EncryptPayload given the private key. Used by the
// local debug path and tests.
func DecryptPayload(encrypted, sharedInfoPrefix, sharedInfo string, key *standardencrypt.StandardPrivateKey) ([]AggregateHistogramContribution, error) {
	data, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, err
	}
	payload, err := standardencrypt.Decrypt(&standardencrypt.StandardCiphertext{Data: data}, []byte(sharedInfoPrefix+sharedInfo), key)
	if err != nil {
		return nil, err
	}
	return DecodePayload(payload)
}

// DebugCleartextPayload base64-encodes the unencrypted payload for debug
// reports.
func DebugCleartextPayload(contributions []AggregateHistogramContribution) (string, error) {
	payload, err := EncodePayload(contributions)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(payload), nil
}

// ZeroedContributions pads a contribution list with zero-value entries so
// every report carries the same payload shape.
func ZeroedContributions(n int) []AggregateHistogramContribution {
	padding := make([]AggregateHistogramContribution, n)
	for i := range padding {
		padding[i] = AggregateHistogramContribution{Key: uint128.Zero, Value: 0}
	}
	return padding
}
