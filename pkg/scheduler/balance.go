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

package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"

	"github.com/go-kit/log/level"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// BalanceRequest moves the listed workloads from the source node to the
// target node. The coordinator fills TopDeployments with the heaviest
// workloads currently running on the source.
type BalanceRequest struct {
	Env            string          `json:"env,omitempty"`
	Source         string          `json:"source"`
	Target         string          `json:"target"`
	TopDeployments []BalanceTarget `json:"top_deployments"`
}

// BalanceTarget names one workload to migrate.
type BalanceTarget struct {
	Namespace  string `json:"namespace"`
	Deployment string `json:"deployment"`
}

// MigrationResult reports the outcome of one workload migration.
type MigrationResult struct {
	Namespace   string   `json:"namespace"`
	Deployment  string   `json:"deployment"`
	Status      string   `json:"status"`
	DeletedPods []string `json:"deleted_pods,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// ServeBalance handles POST /api/balance_node. Each workload's pin label
// moves from the source node to the target, then its pods on the source are
// deleted so the controller rebuilds them on the relabeled pool.
func (s *Scheduler) ServeBalance(w http.ResponseWriter, r *http.Request) {
	var req BalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": fmt.Sprintf("decode balance request: %v", err), "success": false})
		return
	}
	if req.Source == "" || req.Target == "" || len(req.TopDeployments) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "缺少必要参数", "success": false})
		return
	}
	_ = level.Info(s.logger).Log("msg", "balancing nodes", "source", req.Source, "target", req.Target,
		"workloads", len(req.TopDeployments))
	results := make([]MigrationResult, 0, len(req.TopDeployments))
	for _, target := range req.TopDeployments {
		if target.Namespace == "" || target.Deployment == "" {
			continue
		}
		results = append(results, s.migrate(r.Context(), req.Source, req.Target, target))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("节点均衡操作完成: %s -> %s", req.Source, req.Target),
		"success": true,
		"results": results,
	})
}

// migrate moves one workload off the source node. Unlabeling the source must
// succeed before anything else happens; a failed target label is logged and
// skipped, matching the pool-expansion behavior during scale-ups.
func (s *Scheduler) migrate(ctx context.Context, source, target string, bt BalanceTarget) MigrationResult {
	key := labelKey(bt.Namespace, bt.Deployment)
	fail := func(err error) MigrationResult {
		_ = level.Error(s.logger).Log("msg", "workload migration failed", "namespace", bt.Namespace,
			"deployment", bt.Deployment, "err", err)
		migrations.WithLabelValues("failed").Inc()
		return MigrationResult{Namespace: bt.Namespace, Deployment: bt.Deployment, Status: "failed", Error: err.Error()}
	}
	if err := s.setNodeLabel(ctx, source, key, nil); err != nil {
		return fail(fmt.Errorf("删除标签失败: %v", err))
	}
	if err := s.setNodeLabel(ctx, target, key, &s.nodeLabel); err != nil {
		_ = level.Error(s.logger).Log("msg", "label target node failed", "node", target, "label", key, "err", err)
	}
	deleted, err := s.deletePodsOnNode(ctx, bt.Namespace, bt.Deployment, source)
	if err != nil {
		return fail(err)
	}
	migrations.WithLabelValues("success").Inc()
	return MigrationResult{Namespace: bt.Namespace, Deployment: bt.Deployment, Status: "success", DeletedPods: deleted}
}

// deletePodsOnNode removes every pod of the workload scheduled on the node.
// Pods are matched by the generated name shape so the workload's selector
// labels are not needed here.
func (s *Scheduler) deletePodsOnNode(ctx context.Context, namespace, deployment, node string) ([]string, error) {
	pattern := regexp.MustCompile("^" + regexp.QuoteMeta(deployment) + "-[a-z0-9]+-[a-z0-9]+$")
	pods, err := s.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		FieldSelector: "spec.nodeName=" + node,
	})
	if err != nil {
		return nil, fmt.Errorf("删除pod失败: %v", err)
	}
	var deleted []string
	for _, pod := range pods.Items {
		if !pattern.MatchString(pod.Name) {
			continue
		}
		if err := s.client.CoreV1().Pods(namespace).Delete(ctx, pod.Name, metav1.DeleteOptions{}); err != nil {
			return deleted, fmt.Errorf("删除pod失败: %v", err)
		}
		_ = level.Info(s.logger).Log("msg", "deleted pod for migration", "namespace", namespace,
			"pod", pod.Name, "node", node)
		deleted = append(deleted, pod.Name)
	}
	return deleted, nil
}
