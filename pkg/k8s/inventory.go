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

package k8s

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-kit/log/level"
	"github.com/samber/lo"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
)

// Pod creation times are reported as UTC+8 wall clock.
var inventoryZone = time.FixedZone("UTC+8", 8*60*60)

// NodeInfo is one row of the node inventory. CPU values are millicores,
// memory values are MiB.
type NodeInfo struct {
	Name              string `json:"name"`
	IP                string `json:"ip"`
	OSImage           string `json:"os_image"`
	ContainerRuntime  string `json:"container_runtime"`
	KubeletVersion    string `json:"kubelet_version"`
	Conditions        string `json:"conditions"`
	AllocatableCPU    int64  `json:"allocatable_cpu"`
	CurrentCPU        int64  `json:"current_cpu"`
	AllocatableMemory int64  `json:"allocatable_memory"`
	CurrentMemory     int64  `json:"current_memory"`
	MaxPods           int64  `json:"max_pods"`
	CurrentPods       int    `json:"current_pods"`
}

// ServeNodes handles GET /api/nodes: capacity, versions, conditions and live
// usage for every node in the cluster.
func (a *Agent) ServeNodes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	nodes, err := a.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"message": fmt.Sprintf("获取节点信息失败: %v", err), "success": false})
		return
	}
	pods, err := a.client.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"message": fmt.Sprintf("获取节点信息失败: %v", err), "success": false})
		return
	}
	podsPerNode := map[string]int{}
	for _, pod := range pods.Items {
		if pod.Spec.NodeName != "" {
			podsPerNode[pod.Spec.NodeName]++
		}
	}

	infos := make([]NodeInfo, 0, len(nodes.Items))
	for _, node := range nodes.Items {
		info := NodeInfo{
			Name:             node.Name,
			OSImage:          node.Status.NodeInfo.OSImage + " " + node.Status.NodeInfo.KernelVersion,
			ContainerRuntime: node.Status.NodeInfo.ContainerRuntimeVersion,
			KubeletVersion:   node.Status.NodeInfo.KubeletVersion,
			CurrentPods:      podsPerNode[node.Name],
		}
		for _, addr := range node.Status.Addresses {
			if addr.Type == corev1.NodeInternalIP {
				info.IP = addr.Address
				break
			}
		}
		var conds []string
		for _, cond := range node.Status.Conditions {
			if cond.Status == corev1.ConditionTrue {
				conds = append(conds, string(cond.Type))
			}
		}
		info.Conditions = strings.Join(conds, ", ")
		info.AllocatableCPU = node.Status.Allocatable.Cpu().MilliValue()
		info.AllocatableMemory = toMiB(node.Status.Allocatable.Memory())
		info.MaxPods = node.Status.Allocatable.Pods().Value()
		info.CurrentCPU, info.CurrentMemory = a.nodeUsage(ctx, node.Name)
		infos = append(infos, info)
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": infos, "success": true})
}

// nodeUsage reads live usage from the metrics API, reporting zeros when the
// metrics server has no sample for the node.
func (a *Agent) nodeUsage(ctx context.Context, node string) (cpuMilli, memMiB int64) {
	m, err := a.metrics.MetricsV1beta1().NodeMetricses().Get(ctx, node, metav1.GetOptions{})
	if err != nil {
		_ = level.Warn(a.logger).Log("msg", "node usage unavailable", "node", node, "err", err)
		return 0, 0
	}
	return m.Usage.Cpu().MilliValue(), toMiB(m.Usage.Memory())
}

// podUsage sums container usage from the metrics API. Pods the metrics
// server has not sampled yet report zeros.
func (a *Agent) podUsage(ctx context.Context, namespace, pod string) (cpuMilli, memMiB int64) {
	m, err := a.metrics.MetricsV1beta1().PodMetricses(namespace).Get(ctx, pod, metav1.GetOptions{})
	if err != nil {
		_ = level.Warn(a.logger).Log("msg", "pod usage unavailable", "namespace", namespace, "pod", pod, "err", err)
		return 0, 0
	}
	var memBytes int64
	for _, c := range m.Containers {
		cpuMilli += c.Usage.Cpu().MilliValue()
		memBytes += c.Usage.Memory().Value()
	}
	return cpuMilli, int64(math.Round(float64(memBytes) / (1 << 20)))
}

func toMiB(q *resource.Quantity) int64 {
	return int64(math.Round(float64(q.Value()) / (1 << 20)))
}

// PodInfo is one pod row under a governed workload, isolated pods included.
type PodInfo struct {
	Name            string `json:"name"`
	Status          string `json:"status"`
	Ready           bool   `json:"ready"`
	PodIP           string `json:"pod_ip"`
	CPU             string `json:"cpu"`
	Memory          string `json:"memory"`
	CreatedAt       string `json:"created_at"`
	AppLabel        string `json:"app_label"`
	Image           string `json:"image"`
	NodeName        string `json:"node_name"`
	RestartCount    int32  `json:"restart_count"`
	RestartReason   string `json:"restart_reason"`
	ExceptionReason string `json:"exception_reason"`
}

// ServeDeploymentPods handles GET /api/get_dpm_pods. Besides the pods the
// selector matches it returns isolated pods: rewriting a pod's app label
// makes the ReplicaSet disown it, so those are recognized by name shape
// instead of labels.
func (a *Agent) ServeDeploymentPods(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	namespace := r.URL.Query().Get("namespace")
	deployment := r.URL.Query().Get("deployment")

	dep, err := a.client.AppsV1().Deployments(namespace).Get(ctx, deployment, metav1.GetOptions{})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"message": apiMessage(err), "success": false})
		return
	}
	if dep.Spec.Selector == nil || len(dep.Spec.Selector.MatchLabels) == 0 {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"message": fmt.Sprintf("获取Pod信息失败: deployment %s has no pod selector", deployment), "success": false})
		return
	}
	selector := labels.Set(dep.Spec.Selector.MatchLabels).String()
	byLabel, err := a.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"message": apiMessage(err), "success": false})
		return
	}

	// Pod names look like <deployment>-<replicaset hash>-<pod hash>. The
	// live pods fix the exact dash count; with none left (everything
	// isolated) the name shape of a Deployment pod implies it.
	dashes := strings.Count(deployment, "-") + 2
	if len(byLabel.Items) > 0 {
		dashes = strings.Count(byLabel.Items[0].Name, "-")
	}
	matches := func(name string) bool {
		return strings.HasPrefix(name, deployment+"-") && strings.Count(name, "-") == dashes
	}

	all, err := a.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"message": apiMessage(err), "success": false})
		return
	}

	var related []corev1.Pod
	seen := map[string]bool{}
	for _, pod := range byLabel.Items {
		if matches(pod.Name) && !seen[pod.Name] {
			seen[pod.Name] = true
			related = append(related, pod)
		}
	}
	for _, pod := range all.Items {
		if len(pod.OwnerReferences) == 0 && matches(pod.Name) && !seen[pod.Name] {
			seen[pod.Name] = true
			related = append(related, pod)
		}
	}

	infos := make([]PodInfo, 0, len(related))
	for i := range related {
		infos = append(infos, a.podInfo(ctx, namespace, &related[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "pods": infos})
}

func (a *Agent) podInfo(ctx context.Context, namespace string, pod *corev1.Pod) PodInfo {
	cpuMilli, memMiB := a.podUsage(ctx, namespace, pod.Name)

	info := PodInfo{
		Name:     pod.Name,
		Status:   string(pod.Status.Phase),
		PodIP:    pod.Status.PodIP,
		CPU:      fmt.Sprintf("%dm", cpuMilli),
		Memory:   fmt.Sprintf("%dMB", memMiB),
		AppLabel: "无",
		NodeName: pod.Spec.NodeName,
	}
	if app, ok := pod.Labels[isolateLabel]; ok {
		info.AppLabel = app
	}
	if !pod.CreationTimestamp.IsZero() {
		info.CreatedAt = pod.CreationTimestamp.In(inventoryZone).Format("2006-01-02 15:04:05")
	}
	if len(pod.Spec.Containers) > 0 {
		info.Image = pod.Spec.Containers[0].Image
	}
	statuses := pod.Status.ContainerStatuses
	if len(statuses) > 0 {
		info.Ready = true
		for _, cs := range statuses {
			if !cs.Ready {
				info.Ready = false
			}
			info.RestartCount += cs.RestartCount
		}
	}
	if info.RestartCount > 0 {
		info.RestartReason = lastRestartReason(statuses)
	}
	if pod.Status.Phase != corev1.PodRunning {
		info.ExceptionReason = a.exceptionReason(ctx, namespace, pod)
	}
	return info
}

func lastRestartReason(statuses []corev1.ContainerStatus) string {
	for _, cs := range statuses {
		switch {
		case cs.LastTerminationState.Terminated != nil:
			t := cs.LastTerminationState.Terminated
			return fmt.Sprintf("Terminated: %s (%d)", t.Reason, t.ExitCode)
		case cs.LastTerminationState.Waiting != nil:
			return "Waiting: " + cs.LastTerminationState.Waiting.Reason
		}
	}
	return ""
}

// exceptionReason explains a non-running pod, trying the scheduling
// condition, the pod status, the container states and finally the pod's
// newest event.
func (a *Agent) exceptionReason(ctx context.Context, namespace string, pod *corev1.Pod) string {
	var reason string
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodScheduled && cond.Status != corev1.ConditionTrue {
			reason = cond.Message
			if reason == "" {
				reason = cond.Reason
			}
			break
		}
	}
	if reason == "" {
		reason = pod.Status.Reason
	}
	if reason == "" {
		reason = containerStateReason(pod.Status.ContainerStatuses)
	}
	if reason == "" {
		evReason, evMessage := a.latestPodEvent(ctx, namespace, pod.Name)
		if evMessage != "" {
			reason = evMessage
			if evReason != "" {
				reason = evReason + ": " + evMessage
			}
		}
	}
	return reason
}

func containerStateReason(statuses []corev1.ContainerStatus) string {
	for _, cs := range statuses {
		if cs.State.Waiting != nil {
			if cs.State.Waiting.Message != "" {
				return cs.State.Waiting.Reason + ": " + cs.State.Waiting.Message
			}
			return cs.State.Waiting.Reason
		}
		if cs.State.Terminated != nil {
			t := cs.State.Terminated
			if t.Message != "" {
				return fmt.Sprintf("%s (exit: %d): %s", t.Reason, t.ExitCode, t.Message)
			}
			return fmt.Sprintf("%s (exit: %d)", t.Reason, t.ExitCode)
		}
	}
	return ""
}

// latestPodEvent returns the reason and message of the pod's newest event.
func (a *Agent) latestPodEvent(ctx context.Context, namespace, pod string) (string, string) {
	events, err := a.client.CoreV1().Events(namespace).List(ctx, metav1.ListOptions{
		FieldSelector: "involvedObject.kind=Pod,involvedObject.name=" + pod,
	})
	if err != nil {
		_ = level.Warn(a.logger).Log("msg", "pod events unavailable", "namespace", namespace, "pod", pod, "err", err)
		return "", ""
	}
	if len(events.Items) == 0 {
		return "", ""
	}
	newest := events.Items[0]
	for _, ev := range events.Items[1:] {
		if eventTime(ev).After(eventTime(newest)) {
			newest = ev
		}
	}
	return newest.Reason, newest.Message
}

func eventTime(ev corev1.Event) time.Time {
	switch {
	case !ev.LastTimestamp.IsZero():
		return ev.LastTimestamp.Time
	case !ev.FirstTimestamp.IsZero():
		return ev.FirstTimestamp.Time
	default:
		return ev.CreationTimestamp.Time
	}
}

type eventEntry struct {
	Name           string         `json:"name"`
	Namespace      string         `json:"namespace"`
	Type           string         `json:"type"`
	Reason         string         `json:"reason"`
	Message        string         `json:"message"`
	InvolvedObject involvedObject `json:"involved_object"`
	Count          int32          `json:"count"`
	FirstTimestamp *string        `json:"first_timestamp"`
	LastTimestamp  *string        `json:"last_timestamp"`
	Source         eventSource    `json:"source"`
}

type involvedObject struct {
	Kind      string `json:"kind"`
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
}

type eventSource struct {
	Component string `json:"component"`
	Host      string `json:"host"`
}

// ServeEvents handles GET /api/events: a one-shot listing of cluster events,
// optionally narrowed to the namespace the involved objects live in.
func (a *Agent) ServeEvents(w http.ResponseWriter, r *http.Request) {
	opts := metav1.ListOptions{TimeoutSeconds: lo.ToPtr(int64(30))}
	if namespace := r.URL.Query().Get("namespace"); namespace != "" {
		opts.FieldSelector = "involvedObject.namespace=" + namespace
		_ = level.Info(a.logger).Log("msg", "listing events", "namespace", namespace)
	} else {
		_ = level.Info(a.logger).Log("msg", "listing events", "namespace", "all")
	}
	events, err := a.client.CoreV1().Events(metav1.NamespaceAll).List(r.Context(), opts)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"message": fmt.Sprintf("获取事件失败: %v", err), "success": false})
		return
	}

	entries := make([]eventEntry, 0, len(events.Items))
	for _, ev := range events.Items {
		entries = append(entries, eventEntry{
			Name:      ev.Name,
			Namespace: ev.Namespace,
			Type:      ev.Type,
			Reason:    ev.Reason,
			Message:   ev.Message,
			InvolvedObject: involvedObject{
				Kind:      ev.InvolvedObject.Kind,
				Name:      ev.InvolvedObject.Name,
				Namespace: ev.InvolvedObject.Namespace,
			},
			Count:          ev.Count,
			FirstTimestamp: isoTime(ev.FirstTimestamp),
			LastTimestamp:  isoTime(ev.LastTimestamp),
			Source:         eventSource{Component: ev.Source.Component, Host: ev.Source.Host},
		})
	}
	_ = level.Info(a.logger).Log("msg", "events listed", "count", len(entries))
	writeJSON(w, http.StatusOK, map[string]any{"events": entries, "success": true})
}

// isoTime formats an event timestamp, keeping null for never-set values.
func isoTime(t metav1.Time) *string {
	if t.IsZero() {
		return nil
	}
	return lo.ToPtr(t.Format(time.RFC3339))
}
