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

package measurement

import "time"

// Privacy parameters for the attribution reporting noise and rate limits.
// The randomized-response probabilities below are derived from the state
// counts of the default reporting configurations and PrivacyEpsilon: for n
// states the flip probability is n / (n - 1 + e^epsilon).
const (
	// PrivacyEpsilon is the differential privacy parameter for the
	// event-level randomized response.
	PrivacyEpsilon = 14.0

	// EventNoiseProbability applies to event sources with a single
	// destination type (3 states).
	EventNoiseProbability = 0.0000025
	// NavigationNoiseProbability applies to navigation sources with a
	// single destination type (2925 states).
	NavigationNoiseProbability = 0.0024263
	// InstallAttrEventNoiseProbability applies to install-attributed event
	// sources (15 states).
	InstallAttrEventNoiseProbability = 0.0000125
	// InstallAttrNavigationNoiseProbability equals the navigation
	// probability: install attribution does not change navigation windows.
	InstallAttrNavigationNoiseProbability = 0.0024263
	// DualDestinationEventNoiseProbability applies to event sources with
	// both app and web destinations (5 states).
	DualDestinationEventNoiseProbability = 0.0000042
	// DualDestinationNavigationNoiseProbability applies to navigation
	// sources with both app and web destinations (20825 states).
	DualDestinationNavigationNoiseProbability = 0.0170218
	// InstallAttrDualDestinationEventNoiseProbability applies to
	// install-attributed event sources with both destination types.
	InstallAttrDualDestinationEventNoiseProbability = 0.0000208
	// InstallAttrDualDestinationNavigationNoiseProbability mirrors the
	// non-install dual-destination navigation probability.
	InstallAttrDualDestinationNavigationNoiseProbability = 0.0170218
)

// Trigger data cardinality per source type.
const (
	EventTriggerDataCardinality      uint64 = 2
	NavigationTriggerDataCardinality uint64 = 8
)

// Maximum event report counts per source type.
const (
	EventSourceMaxReports            = 1
	InstallAttrEventSourceMaxReports = 2
	NavigationSourceMaxReports       = 3
)

// Early reporting windows preceding the event report window deadline.
var (
	NavigationEarlyReportingWindows       = []time.Duration{2 * 24 * time.Hour, 7 * 24 * time.Hour}
	InstallAttrEventEarlyReportingWindows = []time.Duration{2 * 24 * time.Hour}
)

// OneReportDelay is added to every event report window deadline.
const OneReportDelay = time.Hour

// MaxConfiguredEarlyReportingWindows bounds the number of early windows
// accepted from the configurable-windows settings.
const MaxConfiguredEarlyReportingWindows = 2

// Rate limiting parameters.
const (
	RateLimitWindow                                = 30 * 24 * time.Hour
	MaxAttributionPerRateLimitWindow               = 100
	MaxDistinctEnrollmentsPerPublisherXDestination = 10
	MaxEventReportsPerDestination                  = 1024
	MaxAggregateReportsPerDestination              = 1024
)

// Aggregate reporting parameters.
const (
	MaxSumOfAggregateValuesPerSource = 65536
	AggregateHistogramBucketByteSize = 16
	AggregateHistogramValueByteSize  = 4
	AggregateMinReportDelay          = 10 * time.Minute
	AggregateMaxReportDelay          = time.Hour
	AggregateAPIVersion              = "0.1"
)

// Bounds for the flexible event-level reporting configuration.
const (
	MaxFlexibleEventTriggerDataCardinality = 8
	MaxFlexibleEventReportingWindows       = 5
	MaxFlexibleEventReports                = 20
)

// InstallAttributionWindow defaults.
const (
	DefaultInstallAttributionWindow = 30 * 24 * time.Hour
	DefaultInstallCooldownWindow    = time.Duration(0)
)
