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
	"time"

	clickhouse "github.com/ClickHouse/clickhouse-go/v2"
)

// PeakSample is one workload's metrics for one peak window. Metrics the
// source had no data for carry -1.
type PeakSample struct {
	Date            time.Time
	Env             string
	Namespace       string
	Deployment      string
	PodCount        int32
	P95PodLoad      float64
	P95PodCPUPct    float64
	P95PodWSSMB     float64
	P95PodWSSPct    float64
	LimitPodCPUM    float64
	LimitPodMemMB   float64
	RequestPodCPUM  float64
	RequestPodMemMB float64
}

// DeleteDay removes samples recorded for the given peak window end so a
// repeated harvest replaces instead of duplicating. Returns whether any rows
// existed.
func (s *Store) DeleteDay(ctx context.Context, windowEnd time.Time, env string) (bool, error) {
	rows, err := s.conn.Query(ctx,
		"SELECT env FROM k8s_resources WHERE `date` = ? AND env = ? LIMIT 1", windowEnd, env)
	if err != nil {
		return false, err
	}
	exists := rows.Next()
	if err := rows.Close(); err != nil {
		return false, err
	}
	if !exists {
		return false, rows.Err()
	}
	delCtx := clickhouse.Context(ctx, clickhouse.WithSettings(clickhouse.Settings{
		"allow_experimental_lightweight_delete": 1,
	}))
	if err := s.conn.Exec(delCtx, "DELETE FROM k8s_resources WHERE `date` = ? AND env = ?", windowEnd, env); err != nil {
		return true, fmt.Errorf("delete day samples: %w", err)
	}
	return true, nil
}

// InsertPeakSamples writes harvested samples in batches.
func (s *Store) InsertPeakSamples(ctx context.Context, samples []PeakSample) error {
	const batchSize = 10000
	for start := 0; start < len(samples); start += batchSize {
		end := start + batchSize
		if end > len(samples) {
			end = len(samples)
		}
		batch, err := s.conn.PrepareBatch(ctx,
			"INSERT INTO k8s_resources (`date`, env, namespace, deployment, pod_count, p95_pod_load, "+
				"p95_pod_cpu_pct, p95_pod_wss_mb, p95_pod_wss_pct, limit_pod_cpu_m, limit_pod_mem_mb, "+
				"request_pod_cpu_m, request_pod_mem_mb)")
		if err != nil {
			return fmt.Errorf("prepare sample batch: %w", err)
		}
		for _, smp := range samples[start:end] {
			err := batch.Append(
				smp.Date, smp.Env, smp.Namespace, smp.Deployment, smp.PodCount,
				smp.P95PodLoad, smp.P95PodCPUPct, smp.P95PodWSSMB, smp.P95PodWSSPct,
				smp.LimitPodCPUM, smp.LimitPodMemMB, smp.RequestPodCPUM, smp.RequestPodMemMB,
			)
			if err != nil {
				return fmt.Errorf("append sample %s/%s: %w", smp.Namespace, smp.Deployment, err)
			}
		}
		if err := batch.Send(); err != nil {
			return fmt.Errorf("send sample batch: %w", err)
		}
	}
	return nil
}

// BestDaySamples returns all samples from the day within the last ten days
// whose cluster wide load, summed as pod_count times p95_pod_load, was
// highest for env.
func (s *Store) BestDaySamples(ctx context.Context, env string) ([]PeakSample, error) {
	rows, err := s.conn.Query(ctx, `SELECT
			`+"`date`"+`, env, namespace, deployment, pod_count,
			p95_pod_cpu_pct, p95_pod_wss_pct,
			request_pod_cpu_m, request_pod_mem_mb,
			limit_pod_cpu_m, limit_pod_mem_mb,
			p95_pod_load, p95_pod_wss_mb
		FROM k8s_resources
		WHERE `+"`date`"+` = (
			SELECT `+"`date`"+`
			FROM k8s_resources
			WHERE `+"`date`"+` >= toDate(today() - 10) AND env = ?
			GROUP BY `+"`date`"+`
			ORDER BY SUM(pod_count * p95_pod_load) DESC
			LIMIT 1
		) AND env = ?`, env, env)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PeakSample
	for rows.Next() {
		var smp PeakSample
		err := rows.Scan(
			&smp.Date, &smp.Env, &smp.Namespace, &smp.Deployment, &smp.PodCount,
			&smp.P95PodCPUPct, &smp.P95PodWSSPct,
			&smp.RequestPodCPUM, &smp.RequestPodMemMB,
			&smp.LimitPodCPUM, &smp.LimitPodMemMB,
			&smp.P95PodLoad, &smp.P95PodWSSMB,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, smp)
	}
	return out, rows.Err()
}
