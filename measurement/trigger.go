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

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"lukechampine.com/uint128"

	"github.com/google/privacy-sandbox-attribution-service/shared/utils"
)

// TriggerStatus is the lifecycle state of a trigger.
type TriggerStatus int

// Trigger statuses.
const (
	TriggerStatusPending TriggerStatus = iota
	TriggerStatusIgnored
	TriggerStatusAttributed
	TriggerStatusMarkedToDelete
)

// Trigger is one registered conversion, consumed once by the attribution
// pass and then marked processed.
type Trigger struct {
	ID                     string
	AttributionDestination string
	DestinationType        EventSurfaceType
	EnrollmentID           string
	Registrant             string
	TriggerTime            int64
	Status                 TriggerStatus

	// EventTriggersJSON is the raw event_triggers array from registration.
	EventTriggersJSON string

	AggregateTriggerDataJSON       string
	AggregateValuesJSON            string
	AggregateDeduplicationKeysJSON string

	// FiltersJSON and NotFiltersJSON hold the top-level filter sets.
	FiltersJSON    string
	NotFiltersJSON string

	// AttributionConfigJSON holds cross-network sharing rules; see
	// AttributionConfig.
	AttributionConfigJSON string
	// AdtechKeyMappingJSON maps enrollment IDs to "0x"-prefixed key pieces for
	// cross-network aggregate keys.
	AdtechKeyMappingJSON string

	DebugKey          *uint64
	IsDebugReporting  bool
	AdIDPermission    bool
	ArDebugPermission bool
	DebugJoinKey      string
	PlatformAdID      string
	DebugAdID         string

	RegistrationOrigin string
}

// Clone returns a copy sharing no mutable state with the original.
func (t *Trigger) Clone() *Trigger {
	c := *t
	c.DebugKey = cloneUint64(t.DebugKey)
	return &c
}

// Validate checks the required fields.
func (t *Trigger) Validate() error {
	if t.AttributionDestination == "" {
		return errors.New("trigger attribution destination is required")
	}
	if t.EnrollmentID == "" {
		return errors.New("trigger enrollment ID is required")
	}
	if t.Registrant == "" {
		return errors.New("trigger registrant is required")
	}
	if t.RegistrationOrigin == "" {
		return errors.New("trigger registration origin is required")
	}
	return nil
}

// EventTrigger is one parsed entry of the event_triggers array.
type EventTrigger struct {
	TriggerData  uint64
	Priority     int64
	DedupKey     *uint64
	FilterSet    []FilterMap
	NotFilterSet []FilterMap
}

type eventTriggerWire struct {
	TriggerData      string          `json:"trigger_data"`
	Priority         *json.Number    `json:"priority"`
	DeduplicationKey *string         `json:"deduplication_key"`
	Filters          json.RawMessage `json:"filters"`
	NotFilters       json.RawMessage `json:"not_filters"`
}

// ParseEventTriggers parses the registered event_triggers array. The field
// names are part of the wire contract.
func (t *Trigger) ParseEventTriggers() ([]EventTrigger, error) {
	if t.EventTriggersJSON == "" {
		return nil, nil
	}
	var wire []eventTriggerWire
	if err := json.Unmarshal([]byte(t.EventTriggersJSON), &wire); err != nil {
		return nil, fmt.Errorf("invalid event_triggers: %v", err)
	}
	var result []EventTrigger
	for _, w := range wire {
		data, err := strconv.ParseUint(w.TriggerData, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid trigger_data %q: %v", w.TriggerData, err)
		}
		et := EventTrigger{TriggerData: data}
		if w.Priority != nil {
			p, err := strconv.ParseInt(w.Priority.String(), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid priority %q: %v", w.Priority.String(), err)
			}
			et.Priority = p
		}
		if w.DeduplicationKey != nil {
			k, err := strconv.ParseUint(*w.DeduplicationKey, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid deduplication_key %q: %v", *w.DeduplicationKey, err)
			}
			et.DedupKey = &k
		}
		if len(w.Filters) > 0 {
			set, err := MaybeWrapFilterSet(w.Filters)
			if err != nil {
				return nil, err
			}
			et.FilterSet = set
		}
		if len(w.NotFilters) > 0 {
			set, err := MaybeWrapFilterSet(w.NotFilters)
			if err != nil {
				return nil, err
			}
			et.NotFilterSet = set
		}
		result = append(result, et)
	}
	return result, nil
}

// ParseAdtechKeyMapping parses the x_network_key_mapping object into 128-bit
// key pieces keyed by enrollment ID.
func (t *Trigger) ParseAdtechKeyMapping() (map[string]uint128.Uint128, error) {
	if t.AdtechKeyMappingJSON == "" {
		return nil, nil
	}
	raw := map[string]string{}
	if err := json.Unmarshal([]byte(t.AdtechKeyMappingJSON), &raw); err != nil {
		return nil, fmt.Errorf("invalid x_network_key_mapping: %v", err)
	}
	mapping := make(map[string]uint128.Uint128, len(raw))
	for enrollment, piece := range raw {
		v, err := utils.HexStringToUint128(piece)
		if err != nil {
			return nil, err
		}
		mapping[enrollment] = v
	}
	return mapping, nil
}

// ParseAttributionConfigs parses the attribution_config array.
func (t *Trigger) ParseAttributionConfigs() ([]*AttributionConfig, error) {
	if t.AttributionConfigJSON == "" {
		return nil, nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(t.AttributionConfigJSON), &raw); err != nil {
		return nil, fmt.Errorf("invalid attribution_config: %v", err)
	}
	var configs []*AttributionConfig
	for _, r := range raw {
		c, err := ParseAttributionConfig(r)
		if err != nil {
			return nil, err
		}
		configs = append(configs, c)
	}
	return configs, nil
}

// TopLevelFilterSet parses the trigger's top-level filters.
func (t *Trigger) TopLevelFilterSet() ([]FilterMap, error) {
	return MaybeWrapFilterSet([]byte(t.FiltersJSON))
}

// TopLevelNotFilterSet parses the trigger's top-level not_filters.
func (t *Trigger) TopLevelNotFilterSet() ([]FilterMap, error) {
	return MaybeWrapFilterSet([]byte(t.NotFiltersJSON))
}

// AttributionDestinationBaseURI reduces the trigger destination to the value
// recorded on Attribution rows: the package URI for apps, scheme plus eTLD+1
// for web destinations. Returns an error when the web destination host
// cannot be reduced.
func (t *Trigger) AttributionDestinationBaseURI() (string, error) {
	if t.DestinationType == SurfaceTypeApp {
		return t.AttributionDestination, nil
	}
	return TopPrivateDomainAndScheme(t.AttributionDestination)
}

// TopPrivateDomainAndScheme reduces a web URI to its scheme and eTLD+1. The
// suffix handling is intentionally simple: the last two host labels are
// treated as the private domain.
func TopPrivateDomainAndScheme(rawURI string) (string, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Hostname() == "" {
		return "", fmt.Errorf("URI %q has no scheme or host", rawURI)
	}
	labels := strings.Split(u.Hostname(), ".")
	if len(labels) < 2 {
		return "", fmt.Errorf("host %q has no private domain", u.Hostname())
	}
	domain := strings.Join(labels[len(labels)-2:], ".")
	return fmt.Sprintf("%s://%s", u.Scheme, domain), nil
}
