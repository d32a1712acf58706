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

// Flags is a read-only configuration snapshot threaded through the
// attribution components. Zero values fall back to the defaults from
// privacyparams.go, so tests can construct a Flags with only the fields
// they care about overridden.
type Flags struct {
	// EnableConfigurableEventReportingWindows switches the event report
	// window calculation to the configured early-window lists below.
	EnableConfigurableEventReportingWindows bool
	// EventReportsVtcEarlyReportingWindows holds comma-separated seconds
	// for event (view-through) sources.
	EventReportsVtcEarlyReportingWindows string
	// EventReportsCtcEarlyReportingWindows holds comma-separated seconds
	// for navigation (click-through) sources.
	EventReportsCtcEarlyReportingWindows string

	// EnableVtcConfigurableMaxEventReports enables the configurable report
	// count for event sources.
	EnableVtcConfigurableMaxEventReports bool
	// VtcConfigurableMaxEventReportsCount is the configured report count.
	VtcConfigurableMaxEventReportsCount int

	// EnableXNetworkAttribution enables cross-network derived sources from
	// trigger attribution configs.
	EnableXNetworkAttribution bool

	// EnableDebugReports enables verbose debug reporting for rejections.
	EnableDebugReports bool

	MaxAttributionPerRateLimitWindow               int
	MaxDistinctEnrollmentsPerPublisherXDestination int
	MaxEventReportsPerDestination                  int
	MaxAggregateReportsPerDestination              int
	MaxSumOfAggregateValuesPerSource               int
	RateLimitWindow                                time.Duration
	MaxAttributionsPerInvocation                   int
}

// DefaultFlags returns a Flags with the production defaults.
func DefaultFlags() *Flags {
	return &Flags{
		MaxAttributionPerRateLimitWindow:               MaxAttributionPerRateLimitWindow,
		MaxDistinctEnrollmentsPerPublisherXDestination: MaxDistinctEnrollmentsPerPublisherXDestination,
		MaxEventReportsPerDestination:                  MaxEventReportsPerDestination,
		MaxAggregateReportsPerDestination:              MaxAggregateReportsPerDestination,
		MaxSumOfAggregateValuesPerSource:               MaxSumOfAggregateValuesPerSource,
		RateLimitWindow:                                RateLimitWindow,
		MaxAttributionsPerInvocation:                   100,
	}
}

// AttributionRateLimitWindow returns the configured rate-limit window or the
// default when unset.
func (f *Flags) AttributionRateLimitWindow() time.Duration {
	if f == nil || f.RateLimitWindow == 0 {
		return RateLimitWindow
	}
	return f.RateLimitWindow
}

// AttributionCap returns the configured per-window attribution cap.
func (f *Flags) AttributionCap() int {
	if f == nil || f.MaxAttributionPerRateLimitWindow == 0 {
		return MaxAttributionPerRateLimitWindow
	}
	return f.MaxAttributionPerRateLimitWindow
}

// EnrollmentCap returns the distinct-enrollment cap per publisher and
// destination pair.
func (f *Flags) EnrollmentCap() int {
	if f == nil || f.MaxDistinctEnrollmentsPerPublisherXDestination == 0 {
		return MaxDistinctEnrollmentsPerPublisherXDestination
	}
	return f.MaxDistinctEnrollmentsPerPublisherXDestination
}

// EventReportCap returns the per-destination event report storage cap.
func (f *Flags) EventReportCap() int {
	if f == nil || f.MaxEventReportsPerDestination == 0 {
		return MaxEventReportsPerDestination
	}
	return f.MaxEventReportsPerDestination
}

// AggregateReportCap returns the per-destination aggregate report storage cap.
func (f *Flags) AggregateReportCap() int {
	if f == nil || f.MaxAggregateReportsPerDestination == 0 {
		return MaxAggregateReportsPerDestination
	}
	return f.MaxAggregateReportsPerDestination
}

// AttributionBatchSize returns how many pending triggers one attribution
// sweep drains.
func (f *Flags) AttributionBatchSize() int {
	if f == nil || f.MaxAttributionsPerInvocation == 0 {
		return 100
	}
	return f.MaxAttributionsPerInvocation
}

// AggregateContributionBudget returns the per-source contribution budget.
func (f *Flags) AggregateContributionBudget() int {
	if f == nil || f.MaxSumOfAggregateValuesPerSource == 0 {
		return MaxSumOfAggregateValuesPerSource
	}
	return f.MaxSumOfAggregateValuesPerSource
}
