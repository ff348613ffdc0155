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

package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
)

// Menu filter sentinels used by dashboard queries.
const (
	MenuAll   = "[全部]"
	MenuEmpty = "[空值]"
)

// Event is one cluster event as persisted. The replacing merge keyed on
// eventUid keeps the row with the newest lastTimestamp.
type Event struct {
	EventUID           string
	EventStatus        string
	Level              string
	Count              int32
	Kind               string
	K8S                string
	Namespace          string
	Name               string
	Reason             string
	Message            string
	FirstTimestamp     time.Time
	LastTimestamp      time.Time
	ReportingComponent string
	ReportingInstance  string
}

// UpsertEvent inserts an event version. Deduplication against earlier
// versions of the same eventUid happens at merge time.
func (s *Store) UpsertEvent(ctx context.Context, ev *Event) error {
	batch, err := s.conn.PrepareBatch(ctx,
		"INSERT INTO k8s_events (eventUid, eventStatus, level, count, kind, k8s, namespace, name, "+
			"reason, message, firstTimestamp, lastTimestamp, reportingComponent, reportingInstance)")
	if err != nil {
		return fmt.Errorf("prepare event insert: %w", err)
	}
	err = batch.Append(
		ev.EventUID, ev.EventStatus, ev.Level, ev.Count, ev.Kind, ev.K8S, ev.Namespace, ev.Name,
		ev.Reason, ev.Message, ev.FirstTimestamp, ev.LastTimestamp, ev.ReportingComponent, ev.ReportingInstance,
	)
	if err != nil {
		return fmt.Errorf("append event %s: %w", ev.EventUID, err)
	}
	return batch.Send()
}

// MarkEventAlerted stamps the stored event level so dashboards can tell
// alerted events apart.
func (s *Store) MarkEventAlerted(ctx context.Context, eventUID string) error {
	return s.conn.Exec(ctx,
		"ALTER TABLE k8s_events UPDATE level = '已告警' WHERE eventUid = ?", eventUID)
}

// EventQuery filters an event search. StartDate and EndDate are whole days
// in YYYY-MM-DD form. String filters accept the menu sentinels.
type EventQuery struct {
	K8S                string
	StartDate          string
	EndDate            string
	Limit              int
	Namespace          string
	Count              *int
	Level              string
	Kind               string
	Name               string
	Reason             string
	ReportingComponent string
	ReportingInstance  string
	Message            string
}

// filter renders the WHERE clause and its bind arguments.
func (q EventQuery) filter() (string, []any) {
	conds := []string{"k8s = ?", "lastTimestamp >= ?", "lastTimestamp <= ?"}
	args := []any{q.K8S, q.StartDate + " 00:00:00", q.EndDate + " 23:59:59"}

	addExact := func(col, val string) {
		switch val {
		case "", MenuAll:
		case MenuEmpty:
			conds = append(conds, "("+col+" IS NULL OR "+col+" = '')")
		default:
			conds = append(conds, col+" = ?")
			args = append(args, val)
		}
	}
	addSubstr := func(col, val string) {
		switch val {
		case "", MenuAll:
		case MenuEmpty:
			conds = append(conds, "("+col+" IS NULL OR "+col+" = '')")
		default:
			conds = append(conds, "positionCaseInsensitive("+col+", ?) > 0")
			args = append(args, val)
		}
	}

	addExact("namespace", q.Namespace)
	if q.Count != nil {
		conds = append(conds, "count >= ?")
		args = append(args, *q.Count)
	}
	if q.Level != "" {
		conds = append(conds, "level = ?")
		args = append(args, q.Level)
	}
	addExact("kind", q.Kind)
	addExact("name", q.Name)
	addSubstr("reason", q.Reason)
	addExact("reportingComponent", q.ReportingComponent)
	addExact("reportingInstance", q.ReportingInstance)
	if q.Message != "" {
		conds = append(conds, "positionCaseInsensitive(message, ?) > 0")
		args = append(args, q.Message)
	}
	return strings.Join(conds, " AND "), args
}

// QueryEvents searches the merged event log, newest last activity first.
func (s *Store) QueryEvents(ctx context.Context, q EventQuery) ([]Event, error) {
	where, args := q.filter()
	query := fmt.Sprintf(`SELECT
			eventStatus, level, count, kind, k8s, namespace, name, reason, message,
			firstTimestamp, lastTimestamp, reportingComponent, reportingInstance
		FROM k8s_events FINAL
		WHERE %s
		ORDER BY lastTimestamp DESC
		LIMIT %d`, where, q.Limit)

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		err := rows.Scan(
			&ev.EventStatus, &ev.Level, &ev.Count, &ev.Kind, &ev.K8S, &ev.Namespace, &ev.Name,
			&ev.Reason, &ev.Message, &ev.FirstTimestamp, &ev.LastTimestamp,
			&ev.ReportingComponent, &ev.ReportingInstance,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// menuFields are the event columns dashboards filter on.
var menuFields = []string{"namespace", "kind", "name", "reason", "reportingComponent", "reportingInstance"}

// EventMenuOptions returns the distinct values per filterable column within
// the time range, each list starting with the match-all sentinel and empty
// values collapsed into the empty sentinel.
func (s *Store) EventMenuOptions(ctx context.Context, k8s, startDate, endDate, namespace string) (map[string][]string, error) {
	out := map[string][]string{}
	for _, field := range menuFields {
		conds := []string{"k8s = ?", "lastTimestamp >= ?", "lastTimestamp <= ?"}
		args := []any{k8s, startDate + " 00:00:00", endDate + " 23:59:59"}
		if namespace != "" && field != "namespace" {
			switch namespace {
			case MenuAll:
			case MenuEmpty:
				conds = append(conds, "(namespace IS NULL OR namespace = '')")
			default:
				conds = append(conds, "namespace = ?")
				args = append(args, namespace)
			}
		}
		query := fmt.Sprintf(
			"SELECT DISTINCT %s FROM k8s_events WHERE %s ORDER BY %s LIMIT 1000",
			field, strings.Join(conds, " AND "), field)

		rows, err := s.conn.Query(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("menu options for %s: %w", field, err)
		}
		values := []string{MenuAll}
		for rows.Next() {
			var v string
			if err := rows.Scan(&v); err != nil {
				rows.Close()
				return nil, err
			}
			if v == "" {
				v = MenuEmpty
			}
			values = append(values, v)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
		out[field] = lo.Uniq(values)
	}
	return out, nil
}
