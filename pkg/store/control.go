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
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"
)

// controlEpoch marks a control row that has never been refreshed by a
// harvest run.
var controlEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// ControlValues are the enforced values of one workload's control row.
type ControlValues struct {
	PodCount       int32
	PodCountAI     int32
	PodCountManual int32
	RequestCPUM    int32
	RequestMemMB   int32
	LimitCPUM      int32
	LimitMemMB     int32
}

// TopDeployment ranks a workload by its enforced request values.
type TopDeployment struct {
	Deployment   string `json:"deployment"`
	Namespace    string `json:"namespace"`
	RequestCPUM  int32  `json:"request_cpu_m"`
	RequestMemMB int32  `json:"request_mem_mb"`
}

// ControlValues reads the enforced values for one workload.
func (s *Store) ControlValues(ctx context.Context, env, namespace, deployment string) (ControlValues, bool, error) {
	var v ControlValues
	err := s.conn.QueryRow(ctx,
		`SELECT pod_count, pod_count_ai, pod_count_manual, request_cpu_m, request_mem_mb, limit_cpu_m, limit_mem_mb
		FROM k8s_res_control WHERE env = ? AND namespace = ? AND deployment = ?`,
		env, namespace, deployment).
		Scan(&v.PodCount, &v.PodCountAI, &v.PodCountManual, &v.RequestCPUM, &v.RequestMemMB, &v.LimitCPUM, &v.LimitMemMB)
	if errors.Is(err, sql.ErrNoRows) {
		return ControlValues{}, false, nil
	}
	if err != nil {
		return ControlValues{}, false, err
	}
	return v, true, nil
}

// ControlExists reports whether a control row exists for the workload.
func (s *Store) ControlExists(ctx context.Context, env, namespace, deployment string) (bool, error) {
	var one uint8
	err := s.conn.QueryRow(ctx,
		"SELECT 1 FROM k8s_res_control WHERE env = ? AND namespace = ? AND deployment = ?",
		env, namespace, deployment).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// HasControlRows reports whether the control table holds any row for env.
// An empty table means the next harvest initializes instead of updating.
func (s *Store) HasControlRows(ctx context.Context, env string) (bool, error) {
	var one uint8
	err := s.conn.QueryRow(ctx, "SELECT 1 FROM k8s_res_control WHERE env = ? LIMIT 1", env).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// InsertControlRows seeds control rows from peak samples. The enforced
// request values start from the observed P95 load and working set, the pod
// counts from the observed replica count, and the suggestion columns from
// the no-opinion sentinel.
func (s *Store) InsertControlRows(ctx context.Context, samples []PeakSample) error {
	const batchSize = 10000
	for start := 0; start < len(samples); start += batchSize {
		end := start + batchSize
		if end > len(samples) {
			end = len(samples)
		}
		batch, err := s.conn.PrepareBatch(ctx,
			"INSERT INTO k8s_res_control (env, namespace, deployment, pod_count_init, pod_count, pod_count_ai, "+
				"pod_count_manual, p95_pod_cpu_pct, p95_pod_mem_pct, request_cpu_m, request_mem_mb, limit_cpu_m, "+
				"limit_mem_mb, `date`, `update`)")
		if err != nil {
			return fmt.Errorf("prepare control batch: %w", err)
		}
		for _, smp := range samples[start:end] {
			err := batch.Append(
				smp.Env, smp.Namespace, smp.Deployment,
				smp.PodCount, smp.PodCount, int32(-1), int32(-1),
				smp.P95PodCPUPct, smp.P95PodWSSPct,
				int32(smp.P95PodLoad*1000), int32(smp.P95PodWSSMB),
				int32(smp.LimitPodCPUM), int32(smp.LimitPodMemMB),
				smp.Date, controlEpoch,
			)
			if err != nil {
				return fmt.Errorf("append control row %s/%s: %w", smp.Namespace, smp.Deployment, err)
			}
		}
		if err := batch.Send(); err != nil {
			return fmt.Errorf("send control batch: %w", err)
		}
	}
	return nil
}

// UpdateControlFromSample refreshes the observed columns and the enforced
// request values of a control row in place. Pod count suggestions and limits
// are operator owned and stay untouched.
func (s *Store) UpdateControlFromSample(ctx context.Context, smp PeakSample) error {
	return s.conn.Exec(ctx,
		"ALTER TABLE k8s_res_control UPDATE `update` = ?, pod_count = ?, p95_pod_cpu_pct = ?, "+
			"p95_pod_mem_pct = ?, request_cpu_m = ?, request_mem_mb = ? "+
			"WHERE env = ? AND namespace = ? AND deployment = ?",
		smp.Date.Format("2006-01-02 15:04:05"), smp.PodCount, smp.P95PodCPUPct, smp.P95PodWSSPct,
		int32(smp.P95PodLoad*1000), int32(smp.P95PodWSSMB),
		smp.Env, smp.Namespace, smp.Deployment)
}

// TopDeployments resolves the control rows for the given workloads and
// returns them ordered by the requested resource descending, truncated to
// num when positive. Workloads without control rows are skipped.
func (s *Store) TopDeployments(ctx context.Context, env string, workloads []Workload, num int, resource string) ([]TopDeployment, error) {
	var out []TopDeployment
	for _, w := range workloads {
		var d TopDeployment
		err := s.conn.QueryRow(ctx,
			"SELECT deployment, namespace, request_cpu_m, request_mem_mb FROM k8s_res_control WHERE env = ? AND deployment = ? AND namespace = ?",
			env, w.Deployment, w.Namespace).
			Scan(&d.Deployment, &d.Namespace, &d.RequestCPUM, &d.RequestMemMB)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if resource == "cpu" {
		sort.SliceStable(out, func(i, j int) bool { return out[i].RequestCPUM > out[j].RequestCPUM })
	} else {
		sort.SliceStable(out, func(i, j int) bool { return out[i].RequestMemMB > out[j].RequestMemMB })
	}
	if num > 0 && len(out) > num {
		out = out[:num]
	}
	return out, nil
}

// Workload names a deployment within a namespace.
type Workload struct {
	Namespace  string
	Deployment string
}
