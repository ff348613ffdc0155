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

package admission

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kubedoor-io/kubedoor/pkg/store"
	"github.com/kubedoor-io/kubedoor/pkg/wire"
)

var resolveVerdicts = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "kubedoor_admission_resolutions_total",
	Help: "Admission verdicts resolved from the control table, by kind.",
}, []string{"verdict"})

// VerdictStore is the store slice the resolver reads.
type VerdictStore interface {
	AdmisGate(ctx context.Context, env, namespace string) (scheduler, nmsNotConfirm, found bool, err error)
	ControlValues(ctx context.Context, env, namespace, deployment string) (store.ControlValues, bool, error)
}

// Resolver answers agent admission queries from the agent gate and control
// tables. It never fails: store trouble is encoded as a denial so the agent
// always has a verdict to relay. Denial notices go out on the agent side,
// which prefixes them with the cluster and workload identity.
type Resolver struct {
	logger log.Logger
	store  VerdictStore
}

// NewResolver wires the verdict resolver. Counters register on reg when it
// is non-nil.
func NewResolver(logger log.Logger, st VerdictStore, reg prometheus.Registerer) *Resolver {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(resolveVerdicts)
	}
	return &Resolver{logger: logger, store: st}
}

// Resolve implements session.AdmisResolver.
func (r *Resolver) Resolve(ctx context.Context, env, namespace, deployment string) *wire.AdmisReply {
	scheduler, nmsNotConfirm, found, err := r.store.AdmisGate(ctx, env, namespace)
	if err != nil {
		_ = level.Error(r.logger).Log("msg", "admission gate query failed", "env", env,
			"namespace", namespace, "deployment", deployment, "err", err)
		resolveVerdicts.WithLabelValues("deny").Inc()
		return wire.Denied(http.StatusServiceUnavailable, "查询数据库异常")
	}
	if !found {
		resolveVerdicts.WithLabelValues("pass").Inc()
		return wire.Passthrough("非管控命名空间，直接放行")
	}

	values, ok, err := r.store.ControlValues(ctx, env, namespace, deployment)
	if err != nil {
		_ = level.Error(r.logger).Log("msg", "control row query failed", "env", env,
			"namespace", namespace, "deployment", deployment, "err", err)
		resolveVerdicts.WithLabelValues("deny").Inc()
		return wire.Denied(http.StatusServiceUnavailable, "查询数据库异常")
	}
	if ok {
		_ = level.Info(r.logger).Log("msg", "admission verdict", "env", env, "namespace", namespace,
			"deployment", deployment, "pod_count", values.PodCount, "pod_count_ai", values.PodCountAI,
			"pod_count_manual", values.PodCountManual, "scheduler", scheduler)
		resolveVerdicts.WithLabelValues("govern").Inc()
		return wire.Governed(wire.Govern{
			PodCount:        int(values.PodCount),
			PodCountAI:      int(values.PodCountAI),
			PodCountManual:  int(values.PodCountManual),
			RequestCPUMilli: int(values.RequestCPUM),
			RequestMemMB:    int(values.RequestMemMB),
			LimitCPUMilli:   int(values.LimitCPUM),
			LimitMemMB:      int(values.LimitMemMB),
			Scheduler:       scheduler,
		})
	}

	if nmsNotConfirm {
		msg := fmt.Sprintf("master(admis)返回: 新服务免确认已启用【%s】【%s】【%s】允许部署/扩缩容,"+
			"因为k8s_res_control表中找不到该服务,该服务不会被管控，也不会配置固定节点均衡模式（未开启则忽略）。",
			env, namespace, deployment)
		_ = level.Warn(r.logger).Log("msg", "unknown workload admitted without confirmation",
			"env", env, "namespace", namespace, "deployment", deployment)
		resolveVerdicts.WithLabelValues("pass").Inc()
		return wire.Passthrough(msg)
	}

	msg := fmt.Sprintf("master(admis)返回:【%s】【%s】【%s】部署失败: k8s_res_control表中找不到该服务，"+
		"且未开启新服务免确认，请先新增服务。", env, namespace, deployment)
	_ = level.Warn(r.logger).Log("msg", "unknown workload denied",
		"env", env, "namespace", namespace, "deployment", deployment)
	resolveVerdicts.WithLabelValues("deny").Inc()
	return wire.Denied(http.StatusNotFound, msg)
}
