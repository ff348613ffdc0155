// Copyright 2025 The kubedoor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package events

import (
	"fmt"
	"time"

	"github.com/kubedoor-io/kubedoor/pkg/store"
	"github.com/kubedoor-io/kubedoor/pkg/wire"
)

// eventTimeLayout is the fixed UTC form agents ship timestamps in.
const eventTimeLayout = "2006-01-02T15:04:05Z"

// Events are stored as UTC+8 wall clock without zone information.
const storedTimeOffset = 8 * time.Hour

// ParseRecord validates a wire event and converts it to its stored form.
// An omitted count defaults to 1.
func ParseRecord(rec wire.EventRecord) (store.Event, error) {
	required := []struct {
		field string
		value string
	}{
		{"eventUid", rec.EventUID},
		{"eventStatus", rec.EventStatus},
		{"level", rec.Level},
		{"kind", rec.Kind},
		{"namespace", rec.Namespace},
		{"name", rec.Name},
	}
	for _, r := range required {
		if r.value == "" {
			return store.Event{}, fmt.Errorf("missing required field %s", r.field)
		}
	}

	count := int32(1)
	if rec.Count != nil {
		count = *rec.Count
	}
	if count < 0 {
		return store.Event{}, fmt.Errorf("invalid count %d", count)
	}
	switch rec.EventStatus {
	case "ADDED", "MODIFIED", "DELETED":
	default:
		return store.Event{}, fmt.Errorf("invalid event status %q", rec.EventStatus)
	}
	switch rec.Level {
	case "Normal", "Warning":
	default:
		return store.Event{}, fmt.Errorf("invalid level %q", rec.Level)
	}

	first := parseEventTime(rec.FirstTimestamp)
	last := parseEventTime(rec.LastTimestamp)
	if last.Before(first) {
		return store.Event{}, fmt.Errorf("lastTimestamp %s precedes firstTimestamp %s", rec.LastTimestamp, rec.FirstTimestamp)
	}

	return store.Event{
		EventUID:           rec.EventUID,
		EventStatus:        rec.EventStatus,
		Level:              rec.Level,
		Count:              count,
		Kind:               rec.Kind,
		K8S:                rec.K8S,
		Namespace:          rec.Namespace,
		Name:               rec.Name,
		Reason:             rec.Reason,
		Message:            rec.Message,
		FirstTimestamp:     first,
		LastTimestamp:      last,
		ReportingComponent: rec.ReportingComponent,
		ReportingInstance:  rec.ReportingInstance,
	}, nil
}

// parseEventTime shifts a timestamp like 2025-08-28T11:16:47Z, or one
// carrying an explicit offset, to the stored wall clock. Empty or
// malformed values fall back to the current time.
func parseEventTime(s string) time.Time {
	if s == "" {
		return time.Now().UTC().Add(storedTimeOffset)
	}
	if t, err := time.Parse(eventTimeLayout, s); err == nil {
		return t.Add(storedTimeOffset)
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC().Add(storedTimeOffset)
	}
	return time.Now().UTC().Add(storedTimeOffset)
}
