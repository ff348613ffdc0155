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
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubedoor-io/kubedoor/pkg/wire"
)

func validRecord() wire.EventRecord {
	return wire.EventRecord{
		EventUID:       "uid-1",
		EventStatus:    "ADDED",
		Level:          "Warning",
		Count:          lo.ToPtr(int32(3)),
		Kind:           "Pod",
		K8S:            "prod",
		Namespace:      "app",
		Name:           "web-abc",
		Reason:         "BackOff",
		Message:        "Back-off restarting failed container",
		FirstTimestamp: "2025-08-28T11:16:47Z",
		LastTimestamp:  "2025-08-28T11:20:47Z",
	}
}

func TestParseRecord(t *testing.T) {
	ev, err := ParseRecord(validRecord())
	require.NoError(t, err)

	assert.Equal(t, "uid-1", ev.EventUID)
	assert.Equal(t, int32(3), ev.Count)
	// Timestamps shift from UTC to the stored wall clock.
	assert.Equal(t, time.Date(2025, 8, 28, 19, 16, 47, 0, time.UTC), ev.FirstTimestamp)
	assert.Equal(t, time.Date(2025, 8, 28, 19, 20, 47, 0, time.UTC), ev.LastTimestamp)
}

func TestParseRecordCountDefaults(t *testing.T) {
	rec := validRecord()
	rec.Count = nil
	ev, err := ParseRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, int32(1), ev.Count)

	rec.Count = lo.ToPtr(int32(0))
	ev, err = ParseRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, int32(0), ev.Count)
}

func TestParseRecordTimestampWithOffset(t *testing.T) {
	rec := validRecord()
	rec.FirstTimestamp = "2025-08-28T19:16:47+08:00"
	rec.LastTimestamp = "2025-08-28T11:20:47Z"
	ev, err := ParseRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 8, 28, 19, 16, 47, 0, time.UTC), ev.FirstTimestamp)
	assert.Equal(t, time.Date(2025, 8, 28, 19, 20, 47, 0, time.UTC), ev.LastTimestamp)
}

func TestParseRecordTimestampFallback(t *testing.T) {
	now := time.Now().UTC().Add(storedTimeOffset)

	rec := validRecord()
	rec.FirstTimestamp = ""
	rec.LastTimestamp = "not-a-timestamp"
	ev, err := ParseRecord(rec)
	require.NoError(t, err)
	assert.WithinDuration(t, now, ev.FirstTimestamp, 5*time.Second)
	assert.WithinDuration(t, now, ev.LastTimestamp, 5*time.Second)
}

func TestParseRecordValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*wire.EventRecord)
	}{
		{"missing uid", func(r *wire.EventRecord) { r.EventUID = "" }},
		{"missing kind", func(r *wire.EventRecord) { r.Kind = "" }},
		{"missing namespace", func(r *wire.EventRecord) { r.Namespace = "" }},
		{"negative count", func(r *wire.EventRecord) { r.Count = lo.ToPtr(int32(-1)) }},
		{"bad status", func(r *wire.EventRecord) { r.EventStatus = "PATCHED" }},
		{"bad level", func(r *wire.EventRecord) { r.Level = "Fatal" }},
		{"last before first", func(r *wire.EventRecord) {
			r.FirstTimestamp = "2025-08-28T11:20:47Z"
			r.LastTimestamp = "2025-08-28T11:16:47Z"
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := validRecord()
			tc.mutate(&rec)
			_, err := ParseRecord(rec)
			require.Error(t, err)
		})
	}
}
