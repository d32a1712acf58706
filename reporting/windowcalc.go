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

// Package reporting schedules and delivers event-level and aggregatable
// reports to reporting origins.
package reporting

import (
	"strconv"
	"strings"
	"time"

	log "github.com/golang/glog"

	"github.com/google/privacy-sandbox-attribution-service/measurement"
)

// EventReportWindowCalc computes event report delivery times and report
// quotas. Configured early-window overrides come from flags; sources fall
// back to the built-in schedules when the configuration is absent or
// malformed.
type EventReportWindowCalc struct {
	flags *measurement.Flags
}

// NewEventReportWindowCalc returns a calculator honoring the given flags.
func NewEventReportWindowCalc(flags *measurement.Flags) *EventReportWindowCalc {
	return &EventReportWindowCalc{flags: flags}
}

// ReportingTime implements measurement.ReportWindowCalculator. The returned
// time is the end of the window the trigger falls in, plus a one hour
// delivery delay.
func (c *EventReportWindowCalc) ReportingTime(s *measurement.Source, triggerTime int64, destinationType measurement.EventSurfaceType) int64 {
	if triggerTime < s.EventTime {
		return -1
	}
	isInstallCase := destinationType == measurement.SurfaceTypeApp && s.IsInstallAttributed
	for _, window := range c.earlyReportingWindows(s, isInstallCase) {
		windowEnd := s.EventTime + window.Milliseconds()
		if triggerTime < windowEnd {
			return windowEnd + time.Hour.Milliseconds()
		}
	}
	return s.EventReportWindow + time.Hour.Milliseconds()
}

// ReportingTimeForNoising returns the delivery time a fake report lands at
// for the given window index. Indexes past the last window clamp to the
// final window.
func (c *EventReportWindowCalc) ReportingTimeForNoising(s *measurement.Source, windowIndex int, isInstallCase bool) int64 {
	windows := c.effectiveWindowEnds(s, isInstallCase)
	if windowIndex >= len(windows) {
		windowIndex = len(windows) - 1
	}
	return windows[windowIndex] + time.Hour.Milliseconds()
}

// ReportingWindowCountForNoising returns how many reporting windows the
// source's fake reports may land in.
func (c *EventReportWindowCalc) ReportingWindowCountForNoising(s *measurement.Source, isInstallCase bool) int {
	return len(c.effectiveWindowEnds(s, isInstallCase))
}

// effectiveWindowEnds returns the absolute end times of the source's
// reporting windows: every early window that closes before the event report
// window, then the event report window itself.
func (c *EventReportWindowCalc) effectiveWindowEnds(s *measurement.Source, isInstallCase bool) []int64 {
	var ends []int64
	for _, window := range c.earlyReportingWindows(s, isInstallCase) {
		windowEnd := s.EventTime + window.Milliseconds()
		if windowEnd < s.EventReportWindow {
			ends = append(ends, windowEnd)
		}
	}
	return append(ends, s.EventReportWindow)
}

// MaxReportCount implements measurement.ReportWindowCalculator.
func (c *EventReportWindowCalc) MaxReportCount(s *measurement.Source, isInstallCase bool) int {
	if s.SourceType == measurement.SourceTypeEvent {
		if c.flags != nil && c.flags.EnableVtcConfigurableMaxEventReports &&
			c.flags.VtcConfigurableMaxEventReportsCount > 0 {
			count := c.flags.VtcConfigurableMaxEventReportsCount
			if isInstallCase && count < measurement.InstallAttrEventSourceMaxReports {
				return measurement.InstallAttrEventSourceMaxReports
			}
			return count
		}
		if isInstallCase {
			return measurement.InstallAttrEventSourceMaxReports
		}
		return measurement.EventSourceMaxReports
	}
	return measurement.NavigationSourceMaxReports
}

// earlyReportingWindows returns the source's early window durations,
// preferring the configured override when one parses cleanly. Configured
// windows replace the install-attribution extra window as well.
func (c *EventReportWindowCalc) earlyReportingWindows(s *measurement.Source, isInstallCase bool) []time.Duration {
	if c.flags != nil && c.flags.EnableConfigurableEventReportingWindows {
		config := c.flags.EventReportsCtcEarlyReportingWindows
		if s.SourceType == measurement.SourceTypeEvent {
			config = c.flags.EventReportsVtcEarlyReportingWindows
		}
		if windows, ok := parseEarlyWindowsConfig(config); ok {
			return windows
		}
	}
	if s.SourceType == measurement.SourceTypeNavigation {
		return measurement.NavigationEarlyReportingWindows
	}
	if isInstallCase {
		return measurement.InstallAttrEventEarlyReportingWindows
	}
	return nil
}

// parseEarlyWindowsConfig parses a comma-separated list of window durations
// in seconds. Empty or malformed configuration reports !ok so defaults
// apply.
func parseEarlyWindowsConfig(config string) ([]time.Duration, bool) {
	if config == "" {
		return nil, false
	}
	parts := strings.Split(config, ",")
	if len(parts) > measurement.MaxConfiguredEarlyReportingWindows {
		log.Warningf("Configured early reporting windows %q has %d entries, max is %d; using defaults",
			config, len(parts), measurement.MaxConfiguredEarlyReportingWindows)
		return nil, false
	}
	windows := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		seconds, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			log.Warningf("Malformed early reporting window %q; using defaults", part)
			return nil, false
		}
		windows = append(windows, time.Duration(seconds)*time.Second)
	}
	return windows, true
}
