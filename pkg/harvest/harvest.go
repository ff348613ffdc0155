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

// Package harvest snapshots each cluster's peak-window resource usage into
// the resource table and maintains the control table built from the busiest
// of the last ten days.
package harvest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/kubedoor-io/kubedoor/pkg/promapi"
	"github.com/kubedoor-io/kubedoor/pkg/store"
)

// Harvest defaults applied when a request or agent gate leaves them unset.
const (
	DefaultDays      = 2
	DefaultPeakHours = "10:00:00-11:30:00"
)

// Window is one daily peak window derived from a peak_hours expression.
// Start and End are offsets from midnight; Range is the PromQL subquery
// range covering the window, such as 1h30m.
type Window struct {
	Start time.Duration
	End   time.Duration
	Range string
}

// ParsePeakHours parses an expression like 10:00:00-11:30:00. Windows that
// cross midnight keep the wrapped length, matching how the collection has
// always behaved.
func ParsePeakHours(peakHours string) (Window, error) {
	parts := strings.SplitN(peakHours, "-", 2)
	if len(parts) != 2 {
		return Window{}, fmt.Errorf("malformed peak hours %q", peakHours)
	}
	start, err := parseClock(parts[0])
	if err != nil {
		return Window{}, fmt.Errorf("peak hours start: %w", err)
	}
	end, err := parseClock(parts[1])
	if err != nil {
		return Window{}, fmt.Errorf("peak hours end: %w", err)
	}
	length := end - start
	if length < 0 {
		length += 24 * time.Hour
	}
	hours := int(length / time.Hour)
	minutes := int(length % time.Hour / time.Minute)
	return Window{
		Start: start,
		End:   end,
		Range: fmt.Sprintf("%dh%dm", hours, minutes),
	}, nil
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04:05", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second, nil
}

// EndOn places the window end on the given day.
func (w Window) EndOn(day time.Time) time.Time {
	year, month, d := day.Date()
	return time.Date(year, month, d, 0, 0, 0, 0, day.Location()).Add(w.End)
}

// snapshotStore is the slice of the storage layer the harvester writes to.
type snapshotStore interface {
	DeleteDay(ctx context.Context, windowEnd time.Time, env string) (bool, error)
	InsertPeakSamples(ctx context.Context, samples []store.PeakSample) error
	BestDaySamples(ctx context.Context, env string) ([]store.PeakSample, error)
	HasControlRows(ctx context.Context, env string) (bool, error)
	ControlExists(ctx context.Context, env, namespace, deployment string) (bool, error)
	InsertControlRows(ctx context.Context, samples []store.PeakSample) error
	UpdateControlFromSample(ctx context.Context, sample store.PeakSample) error
}

// peakSource reads peak-window series from Prometheus.
type peakSource interface {
	PeakPodGroups(ctx context.Context, env, duration string, end time.Time) (map[string]promapi.PodGroup, error)
	PeakMetric(ctx context.Context, name, env, duration string, end time.Time) (map[string]float64, error)
}

// notifier delivers new-workload notices.
type notifier interface {
	Send(ctx context.Context, content string) error
}

// Harvester drives the snapshot-then-control-update cycle for one or more
// clusters.
type Harvester struct {
	logger log.Logger
	store  snapshotStore
	prom   peakSource
	notify notifier

	now func() time.Time
}

// New returns a harvester. notify may be nil when no channel is configured.
func New(logger log.Logger, st snapshotStore, prom peakSource, notify notifier) *Harvester {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Harvester{logger: logger, store: st, prom: prom, notify: notify, now: time.Now}
}

// HarvestEnv snapshots the last days peak windows of env, then rebuilds or
// refreshes its control rows from the busiest of the last ten days. Days
// whose window has not finished yet are skipped.
func (h *Harvester) HarvestEnv(ctx context.Context, env, peakHours string, days int) error {
	if days <= 0 {
		days = DefaultDays
	}
	if peakHours == "" {
		peakHours = DefaultPeakHours
	}
	window, err := ParsePeakHours(peakHours)
	if err != nil {
		return err
	}
	_ = level.Info(h.logger).Log("msg", "starting peak harvest", "env", env, "days", days, "peak_hours", peakHours)

	now := h.now()
	for i := 0; i < days; i++ {
		windowEnd := window.EndOn(now.AddDate(0, 0, -i))
		if now.Before(windowEnd) {
			_ = level.Info(h.logger).Log("msg", "peak window not finished, skipping day", "env", env, "window_end", windowEnd)
			continue
		}
		if err := h.collectDay(ctx, env, window, windowEnd); err != nil {
			return err
		}
	}
	return h.updateControl(ctx, env)
}

// collectDay replaces the snapshot rows for one (env, window end) day.
func (h *Harvester) collectDay(ctx context.Context, env string, window Window, windowEnd time.Time) error {
	deleted, err := h.store.DeleteDay(ctx, windowEnd, env)
	if err != nil {
		return fmt.Errorf("delete stale snapshot: %w", err)
	}
	if deleted {
		_ = level.Info(h.logger).Log("msg", "replacing existing snapshot", "env", env, "date", windowEnd)
	}
	samples, err := h.collectSamples(ctx, env, window.Range, windowEnd)
	if err != nil {
		return err
	}
	if err := h.store.InsertPeakSamples(ctx, samples); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	_ = level.Info(h.logger).Log("msg", "stored peak snapshot", "env", env, "date", windowEnd, "workloads", len(samples))
	return nil
}

// collectSamples merges the pod groups with every peak metric. A workload
// missing from a metric's result keeps -1 for that column.
func (h *Harvester) collectSamples(ctx context.Context, env, duration string, end time.Time) ([]store.PeakSample, error) {
	groups, err := h.prom.PeakPodGroups(ctx, env, duration, end)
	if err != nil {
		return nil, err
	}
	metrics := make(map[string]map[string]float64, len(promapi.PeakMetricNames))
	for _, name := range promapi.PeakMetricNames {
		values, err := h.prom.PeakMetric(ctx, name, env, duration, end)
		if err != nil {
			return nil, err
		}
		metrics[name] = values
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	samples := make([]store.PeakSample, 0, len(keys))
	for _, key := range keys {
		g := groups[key]
		pick := func(name string) float64 {
			if v, ok := metrics[name][key]; ok {
				return v
			}
			return -1
		}
		samples = append(samples, store.PeakSample{
			Date:            g.EndTime,
			Env:             g.Env,
			Namespace:       g.Namespace,
			Deployment:      g.Workload,
			PodCount:        g.PodCount,
			P95PodLoad:      pick(promapi.MetricCoreUsage),
			P95PodCPUPct:    pick(promapi.MetricCoreUsagePercent),
			P95PodWSSMB:     pick(promapi.MetricWSSUsageMB),
			P95PodWSSPct:    pick(promapi.MetricWSSUsagePercent),
			LimitPodCPUM:    pick(promapi.MetricLimitCore),
			LimitPodMemMB:   pick(promapi.MetricLimitMemMB),
			RequestPodCPUM:  pick(promapi.MetricRequestCore),
			RequestPodMemMB: pick(promapi.MetricRequestMemMB),
		})
	}
	return samples, nil
}

// updateControl initializes the control table from the best day when env has
// no rows yet, otherwise refreshes the observed columns row by row. A
// workload seen for the first time is announced and inserted with defaults.
func (h *Harvester) updateControl(ctx context.Context, env string) error {
	samples, err := h.store.BestDaySamples(ctx, env)
	if err != nil {
		return fmt.Errorf("best day samples: %w", err)
	}
	_ = level.Info(h.logger).Log("msg", "loaded busiest day of last ten", "env", env, "workloads", len(samples))

	has, err := h.store.HasControlRows(ctx, env)
	if err != nil {
		return fmt.Errorf("control table probe: %w", err)
	}
	if !has {
		_ = level.Info(h.logger).Log("msg", "initializing control table", "env", env)
		if err := h.store.InsertControlRows(ctx, samples); err != nil {
			return fmt.Errorf("init control rows: %w", err)
		}
		return nil
	}

	_ = level.Info(h.logger).Log("msg", "updating control table", "env", env)
	for _, smp := range samples {
		exists, err := h.store.ControlExists(ctx, smp.Env, smp.Namespace, smp.Deployment)
		if err != nil {
			return fmt.Errorf("control row probe %s/%s: %w", smp.Namespace, smp.Deployment, err)
		}
		if exists {
			if err := h.store.UpdateControlFromSample(ctx, smp); err != nil {
				return fmt.Errorf("update control row %s/%s: %w", smp.Namespace, smp.Deployment, err)
			}
			continue
		}
		content := fmt.Sprintf("采集高峰期数据更新到管控表时，检测到新服务【%s】【%s】【%s】,将新增到管控表。", smp.Env, smp.Namespace, smp.Deployment)
		_ = level.Info(h.logger).Log("msg", "new workload joins control table", "env", smp.Env, "namespace", smp.Namespace, "deployment", smp.Deployment)
		if h.notify != nil {
			if err := h.notify.Send(ctx, content); err != nil {
				_ = level.Warn(h.logger).Log("msg", "new workload notice failed", "err", err)
			}
		}
		if err := h.store.InsertControlRows(ctx, []store.PeakSample{smp}); err != nil {
			return fmt.Errorf("insert new control row %s/%s: %w", smp.Namespace, smp.Deployment, err)
		}
	}
	return nil
}
