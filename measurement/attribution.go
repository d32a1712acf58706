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

import "errors"

// Attribution is the rate-limit record written for every successful
// source/trigger match. TriggerTime intentionally carries the source event
// time so that rate-limit windows anchor on registration.
type Attribution struct {
	ID                 string
	SourceSite         string
	SourceOrigin       string
	DestinationSite    string
	DestinationOrigin  string
	Enrollment         string
	TriggerTime        int64
	Registrant         string
	SourceID           string
	TriggerID          string
	RegistrationOrigin string
}

// Validate checks the required fields.
func (a *Attribution) Validate() error {
	switch {
	case a.SourceSite == "":
		return errors.New("attribution source site is required")
	case a.SourceOrigin == "":
		return errors.New("attribution source origin is required")
	case a.DestinationSite == "":
		return errors.New("attribution destination site is required")
	case a.DestinationOrigin == "":
		return errors.New("attribution destination origin is required")
	case a.Enrollment == "":
		return errors.New("attribution enrollment is required")
	case a.Registrant == "":
		return errors.New("attribution registrant is required")
	}
	return nil
}
