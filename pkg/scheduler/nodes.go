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
	"sort"

	"github.com/go-kit/log/level"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/types"
)

// expandPinnedNodes labels enough extra nodes for a labeled scale-up, least
// loaded first. Either guard failing aborts the whole batch: replicas must
// not exceed the node count, and the unlabeled pool must cover the need.
func (s *Scheduler) expandPinnedNodes(ctx context.Context, t Target, key string, nodes []corev1.Node, ranking []NodeLoad, opts scaleOptions) *scaleAbort {
	if len(nodes) < int(t.Replicas) {
		return &scaleAbort{message: fmt.Sprintf("【%s】【%s】副本数不能超过节点总数", t.Namespace, t.Deployment)}
	}
	want := int(t.Replicas)
	if opts.isolate {
		// One spare node keeps the workload schedulable while a labeled
		// node drains.
		want++
	}
	labeled := labeledNodes(nodes, key, s.nodeLabel)
	_ = level.Info(s.logger).Log("msg", "expanding pinned node pool", "resource", opts.resource,
		"labeled", len(labeled), "want", want)
	if len(labeled) >= want {
		return nil
	}
	chosen := pickScaleUpNodes(nodes, labeled, ranking, want-len(labeled))
	if chosen == nil {
		_ = level.Error(s.logger).Log("msg", "not enough schedulable nodes",
			"namespace", t.Namespace, "deployment", t.Deployment)
		return &scaleAbort{message: fmt.Sprintf("【%s】【%s】剩余可调度节点不足", t.Namespace, t.Deployment)}
	}
	for _, node := range chosen {
		if err := s.setNodeLabel(ctx, node, key, &s.nodeLabel); err != nil {
			_ = level.Error(s.logger).Log("msg", "label node failed", "node", node, "label", key, "err", err)
			continue
		}
		_ = level.Info(s.logger).Log("msg", "labeled node", "node", node, "label", key+"="+s.nodeLabel)
	}
	return nil
}

// shrinkPinnedNodes unlabels the most loaded labeled nodes for a labeled
// scale-down and evicts one workload pod from each so the controller packs
// the survivors onto the remaining pool.
func (s *Scheduler) shrinkPinnedNodes(ctx context.Context, t Target, key string, nodes []corev1.Node, ranking []NodeLoad, current int32) error {
	victims := pickScaleDownNodes(nodes, labeledNodes(nodes, key, s.nodeLabel), ranking, int(current-t.Replicas))
	_ = level.Info(s.logger).Log("msg", "shrinking pinned node pool", "from", current, "to", t.Replicas,
		"victims", len(victims))
	for _, node := range victims {
		if err := s.setNodeLabel(ctx, node, key, nil); err != nil {
			_ = level.Error(s.logger).Log("msg", "unlabel node failed", "node", node, "label", key, "err", err)
			continue
		}
		_ = level.Info(s.logger).Log("msg", "unlabeled node", "node", node, "label", key)
	}
	evicted, err := s.evictOnePodPerNode(ctx, t.Namespace, t.Deployment, victims)
	if err != nil {
		return err
	}
	_ = level.Info(s.logger).Log("msg", "waiting for the controller to rebuild pods", "evicted", len(evicted))
	s.sleep(ctx, rebuildWait)
	return nil
}

func labeledNodes(nodes []corev1.Node, key, value string) map[string]bool {
	labeled := make(map[string]bool)
	for _, n := range nodes {
		if n.Labels[key] == value {
			labeled[n.Name] = true
		}
	}
	return labeled
}

// pickScaleUpNodes walks the ranking in the coordinator's ascending order
// and returns the first `needed` nodes not yet in the pool, or nil when the
// pool cannot be satisfied.
func pickScaleUpNodes(nodes []corev1.Node, labeled map[string]bool, ranking []NodeLoad, needed int) []string {
	eligible := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if !labeled[n.Name] {
			eligible[n.Name] = true
		}
	}
	var picked []string
	for _, load := range ranking {
		if eligible[load.Name] {
			picked = append(picked, load.Name)
		}
	}
	if len(picked) < needed {
		return nil
	}
	return picked[:needed]
}

// pickScaleDownNodes returns up to `count` pool members, most loaded first.
func pickScaleDownNodes(nodes []corev1.Node, labeled map[string]bool, ranking []NodeLoad, count int) []string {
	desc := append([]NodeLoad(nil), ranking...)
	sort.SliceStable(desc, func(i, j int) bool {
		return desc[i].Percent > desc[j].Percent
	})
	var picked []string
	for _, load := range desc {
		if labeled[load.Name] {
			picked = append(picked, load.Name)
		}
	}
	if len(picked) > count {
		picked = picked[:count]
	}
	return picked
}

// setNodeLabel adds (value non-nil) or removes (value nil) a single node
// label through a strategic merge patch.
func (s *Scheduler) setNodeLabel(ctx context.Context, node, key string, value *string) error {
	payload, err := json.Marshal(map[string]any{
		"metadata": map[string]any{"labels": map[string]*string{key: value}},
	})
	if err != nil {
		return err
	}
	_, err = s.client.CoreV1().Nodes().Patch(ctx, node, types.StrategicMergePatchType, payload, metav1.PatchOptions{})
	return err
}

// evictOnePodPerNode deletes at most one pod of the workload on each listed
// node. Deleting a single pod per node is enough to start the rebuild
// without taking the whole workload down at once.
func (s *Scheduler) evictOnePodPerNode(ctx context.Context, namespace, deployment string, nodes []string) ([]string, error) {
	dep, err := s.client.AppsV1().Deployments(namespace).Get(ctx, deployment, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("删除pod失败: %v", err)
	}
	if dep.Spec.Selector == nil || len(dep.Spec.Selector.MatchLabels) == 0 {
		return nil, fmt.Errorf("删除pod失败: deployment %s/%s has no pod selector", namespace, deployment)
	}
	selector := labels.Set(dep.Spec.Selector.MatchLabels).String()
	var deleted []string
	for _, node := range nodes {
		pods, err := s.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
			LabelSelector: selector,
			FieldSelector: "spec.nodeName=" + node,
		})
		if err != nil {
			return deleted, fmt.Errorf("删除pod失败: %v", err)
		}
		if len(pods.Items) == 0 {
			continue
		}
		name := pods.Items[0].Name
		if err := s.client.CoreV1().Pods(namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil {
			return deleted, fmt.Errorf("删除pod失败: %v", err)
		}
		_ = level.Info(s.logger).Log("msg", "evicted pod", "namespace", namespace, "pod", name, "node", node)
		deleted = append(deleted, name)
	}
	return deleted, nil
}
