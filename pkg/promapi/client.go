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

// Package promapi reads workload peaks, node load ranks and cluster
// discovery metadata from a Prometheus-compatible endpoint. All reads are
// instant queries evaluated at an explicit timestamp so that peak windows
// of past days can be replayed.
package promapi

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/model"
)

// Client wraps the Prometheus v1 HTTP API with the query set used for
// peak harvesting and node ranking. tagKey is the label that carries the
// cluster name on every series (PROM_K8S_TAG_KEY).
type Client struct {
	logger log.Logger
	api    v1.API
	tagKey string
}

// New returns a client for the Prometheus server at address. Query requests
// are counted and timed on reg when it is non-nil.
func New(logger log.Logger, address, tagKey string, reg prometheus.Registerer) (*Client, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	rt := http.RoundTripper(api.DefaultRoundTripper)
	if reg != nil {
		rt = makeInstrumentedRoundTripper(rt, reg)
	}
	client, err := api.NewClient(api.Config{
		Address:      address,
		RoundTripper: rt,
	})
	if err != nil {
		return nil, fmt.Errorf("prometheus client: %w", err)
	}
	return &Client{
		logger: logger,
		api:    v1.NewAPI(client),
		tagKey: tagKey,
	}, nil
}

// makeInstrumentedRoundTripper instruments the original RoundTripper with
// middleware to observe the request result. The new RoundTripper counts the
// queries sent to Prometheus and measures the latency of each request.
func makeInstrumentedRoundTripper(transport http.RoundTripper, reg prometheus.Registerer) http.RoundTripper {
	queryCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubedoor_prometheus_query_requests_total",
			Help: "A counter for query requests sent to Prometheus.",
		},
		[]string{"code", "method"},
	)
	queryHistogram := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubedoor_prometheus_query_requests_latency_seconds",
			Help:    "Histogram of response latency of query requests sent to Prometheus.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"code", "method"},
	)
	reg.MustRegister(queryCounter, queryHistogram)

	return promhttp.InstrumentRoundTripperCounter(queryCounter,
		promhttp.InstrumentRoundTripperDuration(queryHistogram, transport))
}

// queryVector evaluates an instant query at ts and returns the result as a
// vector.
func (c *Client) queryVector(ctx context.Context, query string, ts time.Time) (model.Vector, error) {
	v, warnings, err := c.api.Query(ctx, query, ts)
	if len(warnings) > 0 {
		_ = level.Warn(c.logger).Log("msg", "Querying Prometheus instance returned warnings", "warn", warnings)
	}
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	vec, ok := v.(model.Vector)
	if !ok {
		return nil, fmt.Errorf("query Prometheus, expected type vector response, actual type %v", v.Type())
	}
	return vec, nil
}

// PodGroup is one running workload observed during a peak window, keyed in
// result maps by env@namespace@replicaset.
type PodGroup struct {
	EndTime   time.Time
	Env       string
	Namespace string
	Workload  string
	PodCount  int32
}

// PeakPodGroups returns the workloads that ran during the peak window that
// ends at end, with the lowest ready pod count seen over the window.
func (c *Client) PeakPodGroups(ctx context.Context, env, duration string, end time.Time) (map[string]PodGroup, error) {
	query := renderWorkloadQuery(queryPodNum, c.tagKey, env, duration)
	vec, err := c.queryVector(ctx, query, end)
	if err != nil {
		return nil, err
	}
	groups := make(map[string]PodGroup, len(vec))
	for _, smp := range vec {
		tag := string(smp.Metric[model.LabelName(c.tagKey)])
		ns := string(smp.Metric["namespace"])
		rs := string(smp.Metric["owner_name"])
		groups[groupKey(tag, ns, rs)] = PodGroup{
			EndTime:   smp.Timestamp.Time(),
			Env:       tag,
			Namespace: ns,
			Workload:  string(smp.Metric["workload"]),
			PodCount:  int32(smp.Value),
		}
	}
	_ = level.Info(c.logger).Log("msg", "queried peak pod groups", "env", env, "workloads", len(groups))
	return groups, nil
}

// PeakMetric evaluates one of the PeakMetricNames queries over the peak
// window ending at end and returns a value per workload key.
func (c *Client) PeakMetric(ctx context.Context, name, env, duration string, end time.Time) (map[string]float64, error) {
	tpl, ok := workloadQueries[name]
	if !ok {
		return nil, fmt.Errorf("unknown peak metric %q", name)
	}
	query := renderWorkloadQuery(tpl, c.tagKey, env, duration)
	vec, err := c.queryVector(ctx, query, end)
	if err != nil {
		return nil, fmt.Errorf("peak metric %s: %w", name, err)
	}
	values := make(map[string]float64, len(vec))
	for _, smp := range vec {
		tag := string(smp.Metric[model.LabelName(c.tagKey)])
		ns := string(smp.Metric["namespace"])
		rs := string(smp.Metric["owner_name"])
		values[groupKey(tag, ns, rs)] = float64(smp.Value)
	}
	_ = level.Info(c.logger).Log("msg", "queried peak metric", "metric", name, "env", env, "series", len(values))
	return values, nil
}

// WorkloadMetrics is the live resource picture of one workload, shaped like
// a resource snapshot row.
type WorkloadMetrics struct {
	Namespace        string  `json:"namespace"`
	Deployment       string  `json:"deployment"`
	PodCount         int32   `json:"pod_count"`
	CoreUsage        float64 `json:"core_usage"`
	CoreUsagePercent float64 `json:"core_usage_percent"`
	WSSUsageMB       float64 `json:"wss_usage_MB"`
	WSSUsagePercent  float64 `json:"wss_usage_percent"`
	LimitCore        float64 `json:"limit_core"`
	LimitMemMB       float64 `json:"limit_mem_MB"`
	RequestCore      float64 `json:"request_core"`
	RequestMemMB     float64 `json:"request_mem_MB"`
}

// snapshotWindow is the lookback of live workload snapshots.
const snapshotWindow = "5m"

// WorkloadSnapshot reports the current resource usage of every workload in
// env, optionally restricted to one namespace. Metrics without a series for
// a workload come back as -1.
func (c *Client) WorkloadSnapshot(ctx context.Context, env, namespace string) ([]WorkloadMetrics, error) {
	now := time.Now()
	groups, err := c.PeakPodGroups(ctx, env, snapshotWindow, now)
	if err != nil {
		return nil, err
	}
	metrics := make(map[string]map[string]float64, len(PeakMetricNames))
	for _, name := range PeakMetricNames {
		values, err := c.PeakMetric(ctx, name, env, snapshotWindow, now)
		if err != nil {
			return nil, err
		}
		metrics[name] = values
	}

	rows := make([]WorkloadMetrics, 0, len(groups))
	for key, group := range groups {
		if namespace != "" && group.Namespace != namespace {
			continue
		}
		pick := func(name string) float64 {
			if v, ok := metrics[name][key]; ok {
				return round2(v)
			}
			return -1
		}
		rows = append(rows, WorkloadMetrics{
			Namespace:        group.Namespace,
			Deployment:       group.Workload,
			PodCount:         group.PodCount,
			CoreUsage:        pick(MetricCoreUsage),
			CoreUsagePercent: pick(MetricCoreUsagePercent),
			WSSUsageMB:       pick(MetricWSSUsageMB),
			WSSUsagePercent:  pick(MetricWSSUsagePercent),
			LimitCore:        pick(MetricLimitCore),
			LimitMemMB:       pick(MetricLimitMemMB),
			RequestCore:      pick(MetricRequestCore),
			RequestMemMB:     pick(MetricRequestMemMB),
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Namespace != rows[j].Namespace {
			return rows[i].Namespace < rows[j].Namespace
		}
		return rows[i].Deployment < rows[j].Deployment
	})
	_ = level.Info(c.logger).Log("msg", "queried workload snapshot", "env", env, "namespace", namespace, "workloads", len(rows))
	return rows, nil
}

// NodeLoad is one node of the rank, ordered from least to most loaded.
type NodeLoad struct {
	Name    string  `json:"name"`
	Percent float64 `json:"percent"`
}

// NodeRank ranks cluster nodes by the given resource, one of pod, cpu, mem,
// peak_cpu or peak_mem, least loaded first.
func (c *Client) NodeRank(ctx context.Context, env, resource string) ([]NodeLoad, error) {
	tpl, ok := nodeRankQueries[resource]
	if !ok {
		return nil, fmt.Errorf("unknown node rank resource %q", resource)
	}
	query := renderNodeQuery(tpl, c.tagKey, env)
	vec, err := c.queryVector(ctx, query, time.Now())
	if err != nil {
		return nil, fmt.Errorf("node rank %s: %w", resource, err)
	}
	rank := make([]NodeLoad, 0, len(vec))
	for _, smp := range vec {
		name := string(smp.Metric["instance"])
		if name == "" {
			name = string(smp.Metric["node"])
		}
		rank = append(rank, NodeLoad{
			Name:    name,
			Percent: round2(float64(smp.Value)),
		})
	}
	sort.SliceStable(rank, func(i, j int) bool { return rank[i].Percent < rank[j].Percent })
	return rank, nil
}

// NodeWorkload is one ReplicaSet-owned pod running on a node.
type NodeWorkload struct {
	Namespace     string `json:"namespace"`
	Pod           string `json:"pod"`
	CreatedByName string `json:"created_by_name"`
}

// NodeWorkloads lists the ReplicaSet-owned pods on a node, skipping system
// namespaces.
func (c *Client) NodeWorkloads(ctx context.Context, env, node string) ([]NodeWorkload, error) {
	query := renderNodeWorkloadsQuery(c.tagKey, env, node)
	vec, err := c.queryVector(ctx, query, time.Now())
	if err != nil {
		return nil, fmt.Errorf("node workloads: %w", err)
	}
	workloads := make([]NodeWorkload, 0, len(vec))
	for _, smp := range vec {
		workloads = append(workloads, NodeWorkload{
			Namespace:     string(smp.Metric["namespace"]),
			Pod:           string(smp.Metric["pod"]),
			CreatedByName: string(smp.Metric["created_by_name"]),
		})
	}
	_ = level.Info(c.logger).Log("msg", "queried node workloads", "env", env, "node", node, "pods", len(workloads))
	return workloads, nil
}

// Namespaces lists the namespaces known for a cluster.
func (c *Client) Namespaces(ctx context.Context, env string) ([]string, error) {
	query := fmt.Sprintf(`group by (namespace) (kube_namespace_created{%s=%q})`, c.tagKey, env)
	return c.labelValues(ctx, query, "namespace")
}

// Services lists the services of one namespace of a cluster.
func (c *Client) Services(ctx context.Context, env, namespace string) ([]string, error) {
	query := fmt.Sprintf(`group by(service)(kube_service_info{%s=%q,namespace=%q})`, c.tagKey, env, namespace)
	return c.labelValues(ctx, query, "service")
}

// Envs lists the cluster names that report node metrics.
func (c *Client) Envs(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf(`group by (%s) (kube_node_info)`, c.tagKey)
	return c.labelValues(ctx, query, c.tagKey)
}

func (c *Client) labelValues(ctx context.Context, query, label string) ([]string, error) {
	vec, err := c.queryVector(ctx, query, time.Now())
	if err != nil {
		return nil, err
	}
	values := make([]string, 0, len(vec))
	for _, smp := range vec {
		values = append(values, string(smp.Metric[model.LabelName(label)]))
	}
	return values, nil
}

func groupKey(env, namespace, replicaset string) string {
	return env + "@" + namespace + "@" + replicaset
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
