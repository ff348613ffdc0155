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

package promapi

import (
	"fmt"
	"strings"
)

// Query templates carry three placeholders. {env} becomes the cluster tag
// matcher including its trailing comma, {env_key} becomes the bare tag label
// followed by a comma, and {duration} becomes the peak window length such as
// 1h30m. Both P95 aggregations below intentionally use the 0.80 quantile.
const (
	queryPodNum = `
min_over_time(
  label_replace(
    count by ({env_key} namespace, owner_name) (
        (
            kube_pod_status_phase{{env} phase="Running"} == 1
          and on ({env_key} namespace,pod)
            kube_pod_status_ready{{env} condition="true"} == 1
        )
      * on ({env_key} namespace,pod) group_left (owner_name)
        kube_pod_owner{{env} owner_kind="ReplicaSet", owner_is_controller="true"}
    ),
    "workload",
    "$1",
    "owner_name",
    "^(.*)-[a-z0-9]+$"
  )[{duration}:]
)
`

	queryCoreUsage = `
quantile_over_time(
  0.80,
  avg by ({env_key} namespace, owner_name) (
      irate(
        container_cpu_usage_seconds_total{{env} container!="",container!="POD"}[3m]
      )
    * on ({env_key} namespace,pod) group_left (owner_name)
      kube_pod_owner{{env} owner_is_controller="true",owner_kind="ReplicaSet"}
  )[{duration}:]
)
`

	queryCoreUsagePercent = `
quantile_over_time(
  0.80,
  avg by ({env_key} namespace, owner_name) (
      max by ({env_key} namespace, pod) (
        irate(
          container_cpu_usage_seconds_total{{env} container!="",container!="POD"}[3m]
        )
      )
    /
      max by ({env_key} namespace, pod) (
        container_spec_cpu_quota{{env} container!="",container!="POD"}
      )
    * on ({env_key} namespace,pod) group_left (owner_name)
      kube_pod_owner{{env} owner_is_controller="true",owner_kind="ReplicaSet"}
  )[{duration}:]
)*10000000
`

	queryWSSUsageMB = `
quantile_over_time(
  0.80,
  avg by ({env_key} namespace, owner_name) (
      container_memory_working_set_bytes{{env} container!="",container!="POD"}
    * on ({env_key} namespace,pod) group_left (owner_name)
      kube_pod_owner{{env} owner_is_controller="true",owner_kind="ReplicaSet"}
  )[{duration}:]
)/1024/1024
`

	queryWSSUsagePercent = `
quantile_over_time(
  0.80,
  avg by ({env_key} namespace, owner_name) (
      max by ({env_key} namespace, pod) (
        container_memory_working_set_bytes{{env} container!="",container!="POD"}
      )
    /
      max by ({env_key} namespace, pod) (
        kube_pod_container_resource_limits{{env} container!="",container!="POD",resource="memory",unit="byte"}
      )
    * on ({env_key} namespace,pod) group_left (owner_name)
      kube_pod_owner{{env} owner_is_controller="true",owner_kind="ReplicaSet"}
  )[{duration}:]
)*100
`

	queryLimitCore = `
max_over_time(
  max by ({env_key} namespace, owner_name) (
      max by ({env_key} namespace, pod) (
        kube_pod_container_resource_limits{{env}container!="",container!="POD",resource="cpu",unit="core"}
      )
    * on ({env_key} namespace,pod) group_left (owner_name)
      kube_pod_owner{{env} owner_is_controller="true",owner_kind="ReplicaSet"}
  )[{duration}:]
)*1000
`

	queryLimitMemMB = `
max_over_time(
  max by ({env_key} namespace, owner_name) (
      max by ({env_key} namespace, pod) (
        kube_pod_container_resource_limits{{env}container!="",container!="POD",resource="memory",unit="byte"}
      )
    * on ({env_key} namespace,pod) group_left (owner_name)
      kube_pod_owner{{env} owner_is_controller="true",owner_kind="ReplicaSet"}
  )[{duration}:]
)/1024/1024
`

	queryRequestCore = `
max_over_time(
  max by ({env_key} namespace, owner_name) (
      max by ({env_key} namespace, pod) (
        kube_pod_container_resource_requests{{env}container!="",container!="POD",resource="cpu",unit="core"}
      )
    * on ({env_key} namespace,pod) group_left (owner_name)
      kube_pod_owner{{env} owner_is_controller="true",owner_kind="ReplicaSet"}
  )[{duration}:]
)*1000
`

	queryRequestMemMB = `
max_over_time(
  max by ({env_key} namespace, owner_name) (
      max by ({env_key} namespace, pod) (
        kube_pod_container_resource_requests{{env}container!="",container!="POD",resource="memory",unit="byte"}
      )
    * on ({env_key} namespace,pod) group_left (owner_name)
      kube_pod_owner{{env} owner_is_controller="true",owner_kind="ReplicaSet"}
  )[{duration}:]
)/1024/1024
`

	queryDeploymentsByNode = `kube_pod_info{{env}created_by_kind="ReplicaSet", namespace!~"{namespace}", node="{node}"}`
)

// Peak metric names in the column order of the resource snapshot table.
const (
	MetricCoreUsage        = "core_usage"
	MetricCoreUsagePercent = "core_usage_percent"
	MetricWSSUsageMB       = "wss_usage_MB"
	MetricWSSUsagePercent  = "wss_usage_percent"
	MetricLimitCore        = "limit_core"
	MetricLimitMemMB       = "limit_mem_MB"
	MetricRequestCore      = "request_core"
	MetricRequestMemMB     = "request_mem_MB"
)

// PeakMetricNames lists the per-workload peak metrics in the order they are
// merged onto the pod groups.
var PeakMetricNames = []string{
	MetricCoreUsage,
	MetricCoreUsagePercent,
	MetricWSSUsageMB,
	MetricWSSUsagePercent,
	MetricLimitCore,
	MetricLimitMemMB,
	MetricRequestCore,
	MetricRequestMemMB,
}

var workloadQueries = map[string]string{
	MetricCoreUsage:        queryCoreUsage,
	MetricCoreUsagePercent: queryCoreUsagePercent,
	MetricWSSUsageMB:       queryWSSUsageMB,
	MetricWSSUsagePercent:  queryWSSUsagePercent,
	MetricLimitCore:        queryLimitCore,
	MetricLimitMemMB:       queryLimitMemMB,
	MetricRequestCore:      queryRequestCore,
	MetricRequestMemMB:     queryRequestMemMB,
}

var nodeRankQueries = map[string]string{
	"pod": `
count by (node) (kube_pod_info{{env} created_by_kind!~"<none>|Job"})
`,
	"cpu": `
sum by (instance) (
  irate(
    container_cpu_usage_seconds_total{{env} container!="",container!="POD"}[3m]
  )
)
/
sum by (instance) (
  label_replace(
    kube_node_status_allocatable{{env} resource="cpu",unit="core"},
    "instance",
    "$1",
    "node",
    "(.*)"
  )
) * 100
`,
	"mem": `
sum by (instance) (
  container_memory_working_set_bytes{{env} container!="",container!="POD"}
)
/
sum by (instance) (
  label_replace(
    kube_node_status_allocatable{{env} resource="memory",unit="byte"},
    "instance",
    "$1",
    "node",
    "(.*)"
  )
) * 100
`,
	"peak_cpu": `
sum by (node) (
  kube_pod_container_resource_requests{{env} container!="",container!="POD",resource="cpu",unit="core"}
)
`,
	"peak_mem": `
sum by (node) (
  kube_pod_container_resource_requests{{env} container!="",container!="POD",resource="memory",unit="byte"}
)/1024/1024/1024
`,
}

// SystemNamespaces is the regexp of namespaces excluded from node workload
// listings and rebalance moves.
const SystemNamespaces = "loggie|kubedoor|kube-otel|cert-manager|kube-system|ops-monit"

func renderWorkloadQuery(tpl, tagKey, env, duration string) string {
	q := strings.ReplaceAll(tpl, "{env}", fmt.Sprintf("%s=%q,", tagKey, env))
	q = strings.ReplaceAll(q, "{env_key}", tagKey+",")
	return strings.ReplaceAll(q, "{duration}", duration)
}

func renderNodeQuery(tpl, tagKey, env string) string {
	return strings.ReplaceAll(tpl, "{env}", fmt.Sprintf("%s=%q,", tagKey, env))
}

func renderNodeWorkloadsQuery(tagKey, env, node string) string {
	q := strings.ReplaceAll(queryDeploymentsByNode, "{env}", fmt.Sprintf("%s=%q,", tagKey, env))
	q = strings.ReplaceAll(q, "{namespace}", SystemNamespaces)
	return strings.ReplaceAll(q, "{node}", node)
}
