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
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
)

var rolloutResults = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "kubedoor_rollout_monitors_total",
	Help: "Finished rollout monitors by result.",
}, []string{"result"})

const (
	rolloutTimeout        = 20 * time.Minute
	rolloutPollInterval   = 2 * time.Second
	rolloutReportInterval = 10 * time.Second
	pendingThreshold      = 2 * time.Minute
	rolloutErrorPause     = 5 * time.Second
)

// RolloutMonitor follows an image rollout to completion and narrates it to
// the message channel: start, restarts, pods stuck Pending, periodic
// progress, and the final success or timeout. One monitor runs per
// workload; a newer rollout supersedes the running one.
type RolloutMonitor struct {
	logger  log.Logger
	client  kubernetes.Interface
	notify  Notifier
	cluster string

	timeout  time.Duration
	poll     time.Duration
	report   time.Duration
	pending  time.Duration
	errPause time.Duration

	mtx    sync.Mutex
	active map[string]*rolloutTask

	sleep func(ctx context.Context, d time.Duration)
}

type rolloutTask struct {
	cancel context.CancelFunc
}

// NewRolloutMonitor returns a monitor reporting rollouts of the named
// cluster.
func NewRolloutMonitor(logger log.Logger, client kubernetes.Interface, notify Notifier, cluster string, reg prometheus.Registerer) *RolloutMonitor {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(rolloutResults)
	}
	return &RolloutMonitor{
		logger:   logger,
		client:   client,
		notify:   notify,
		cluster:  cluster,
		timeout:  rolloutTimeout,
		poll:     rolloutPollInterval,
		report:   rolloutReportInterval,
		pending:  pendingThreshold,
		errPause: rolloutErrorPause,
		active:   map[string]*rolloutTask{},
		sleep:    sleepContext,
	}
}

// Watch starts monitoring the workload's rollout onto image in the
// background, canceling any monitor already running for the same workload.
func (m *RolloutMonitor) Watch(namespace, deployment, image string) {
	key := namespace + "/" + deployment
	ctx, cancel := context.WithCancel(context.Background())
	task := &rolloutTask{cancel: cancel}

	m.mtx.Lock()
	if prev, ok := m.active[key]; ok {
		prev.cancel()
	}
	m.active[key] = task
	m.mtx.Unlock()

	go func() {
		defer m.finish(key, task)
		m.run(ctx, namespace, deployment, image)
	}()
}

// finish drops the task, leaving the entry alone if a newer monitor already
// took over the workload.
func (m *RolloutMonitor) finish(key string, task *rolloutTask) {
	task.cancel()
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.active[key] == task {
		delete(m.active, key)
	}
}

func (m *RolloutMonitor) run(ctx context.Context, namespace, deployment, image string) {
	m.send(ctx, fmt.Sprintf("【%s】【%s】【%s】开始更新镜像【%s】", m.cluster, namespace, deployment, image))

	dep, err := m.client.AppsV1().Deployments(namespace).Get(ctx, deployment, metav1.GetOptions{})
	if err != nil {
		m.fail(ctx, namespace, deployment, err)
		return
	}
	target := int32(1)
	if dep.Spec.Replicas != nil {
		target = *dep.Spec.Replicas
	}

	restarts := map[string]int32{}
	initial := m.pods(ctx, namespace, deployment)
	for i := range initial {
		restarts[initial[i].Name] = podRestartCount(&initial[i])
	}
	pendingSince := map[string]time.Time{}

	deadline := time.Now().Add(m.timeout)
	lastReport := time.Now()
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			_ = level.Info(m.logger).Log("msg", "rollout monitor superseded", "namespace", namespace, "deployment", deployment)
			rolloutResults.WithLabelValues("superseded").Inc()
			return
		}
		dep, err := m.client.AppsV1().Deployments(namespace).Get(ctx, deployment, metav1.GetOptions{})
		if err != nil {
			_ = level.Error(m.logger).Log("msg", "rollout status read failed", "namespace", namespace, "deployment", deployment, "err", err)
			m.sleep(ctx, m.errPause)
			continue
		}
		pods := m.pods(ctx, namespace, deployment)
		m.checkRestarts(ctx, pods, restarts, namespace, deployment)
		m.checkPending(ctx, pods, pendingSince, namespace, deployment)

		ready := dep.Status.ReadyReplicas
		updated := dep.Status.UpdatedReplicas
		unavailable := dep.Status.UnavailableReplicas

		if ready == target && updated == target && unavailable == 0 && allPodsOnImage(pods, image) {
			m.send(ctx, fmt.Sprintf("【%s】【%s】【%s】镜像更新成功！所有%d个Pod已成功更新到新镜像", m.cluster, namespace, deployment, target))
			rolloutResults.WithLabelValues("success").Inc()
			return
		}
		if time.Since(lastReport) >= m.report {
			m.reportProgress(ctx, namespace, deployment, target, ready, updated, unavailable)
			lastReport = time.Now()
		}
		m.sleep(ctx, m.poll)
	}
	m.send(ctx, fmt.Sprintf("【%s】【%s】【%s】镜像更新超时（20分钟），停止监控", m.cluster, namespace, deployment))
	rolloutResults.WithLabelValues("timeout").Inc()
}

func (m *RolloutMonitor) fail(ctx context.Context, namespace, deployment string, err error) {
	_ = level.Error(m.logger).Log("msg", "rollout monitor failed", "namespace", namespace, "deployment", deployment, "err", err)
	m.send(ctx, fmt.Sprintf("【%s】【%s】【%s】监控过程出现错误: %v", m.cluster, namespace, deployment, err))
	rolloutResults.WithLabelValues("error").Inc()
}

// checkRestarts alerts on pods whose restart count grew since the last poll.
func (m *RolloutMonitor) checkRestarts(ctx context.Context, pods []corev1.Pod, restarts map[string]int32, namespace, deployment string) {
	for i := range pods {
		name := pods[i].Name
		count := podRestartCount(&pods[i])
		if prev, ok := restarts[name]; ok && count > prev {
			m.send(ctx, fmt.Sprintf("【%s】【%s】【%s】Pod【%s】发生重启，重启次数: %d (+%d)", m.cluster, namespace, deployment, name, count, count-prev))
		}
		restarts[name] = count
	}
}

// checkPending alerts on pods stuck Pending past the threshold, re-alerting
// each time another threshold passes.
func (m *RolloutMonitor) checkPending(ctx context.Context, pods []corev1.Pod, pendingSince map[string]time.Time, namespace, deployment string) {
	now := time.Now()
	for i := range pods {
		pod := &pods[i]
		if pod.Status.Phase != corev1.PodPending {
			delete(pendingSince, pod.Name)
			continue
		}
		since, ok := pendingSince[pod.Name]
		if !ok {
			pendingSince[pod.Name] = now
			_ = level.Info(m.logger).Log("msg", "pod pending", "namespace", namespace, "pod", pod.Name)
			continue
		}
		if now.Sub(since) >= m.pending {
			m.send(ctx, fmt.Sprintf("【%s】【%s】【%s】Pod【%s】Pending超过2分钟！原因: %s", m.cluster, namespace, deployment, pod.Name, pendingReason(pod)))
			pendingSince[pod.Name] = now
		}
	}
}

func (m *RolloutMonitor) reportProgress(ctx context.Context, namespace, deployment string, target, ready, updated, unavailable int32) {
	msg := fmt.Sprintf("【%s】【%s】【%s】更新状态: 总共%d个Pod, 已更新%d个, 就绪%d个, 待更新%d个",
		m.cluster, namespace, deployment, target, updated, ready, target-updated)
	if unavailable > 0 {
		msg += fmt.Sprintf(", 不可用%d个", unavailable)
	}
	m.send(ctx, msg)
}

// pods lists the pods the workload's selector currently matches. Errors
// degrade to an empty list so one failed poll does not abort the monitor.
func (m *RolloutMonitor) pods(ctx context.Context, namespace, deployment string) []corev1.Pod {
	dep, err := m.client.AppsV1().Deployments(namespace).Get(ctx, deployment, metav1.GetOptions{})
	if err != nil {
		_ = level.Error(m.logger).Log("msg", "listing rollout pods failed", "namespace", namespace, "deployment", deployment, "err", err)
		return nil
	}
	if dep.Spec.Selector == nil || len(dep.Spec.Selector.MatchLabels) == 0 {
		return nil
	}
	selector := labels.Set(dep.Spec.Selector.MatchLabels).String()
	pods, err := m.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		_ = level.Error(m.logger).Log("msg", "listing rollout pods failed", "namespace", namespace, "deployment", deployment, "err", err)
		return nil
	}
	return pods.Items
}

func podRestartCount(pod *corev1.Pod) int32 {
	var total int32
	for _, cs := range pod.Status.ContainerStatuses {
		total += cs.RestartCount
	}
	return total
}

func allPodsOnImage(pods []corev1.Pod, image string) bool {
	for i := range pods {
		for _, c := range pods[i].Spec.Containers {
			if c.Image != image {
				return false
			}
		}
	}
	return true
}

// pendingReason assembles why a pod cannot leave Pending from its
// conditions and container states.
func pendingReason(pod *corev1.Pod) string {
	var reasons []string
	for _, cond := range pod.Status.Conditions {
		if cond.Status == corev1.ConditionFalse && cond.Reason != "" {
			reasons = append(reasons, fmt.Sprintf("%s: %s - %s", cond.Type, cond.Reason, cond.Message))
		}
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.State.Waiting != nil {
			reasons = append(reasons, fmt.Sprintf("容器 %s: %s - %s", cs.Name, cs.State.Waiting.Reason, cs.State.Waiting.Message))
		}
	}
	for _, cs := range pod.Status.InitContainerStatuses {
		if cs.State.Waiting != nil {
			reasons = append(reasons, fmt.Sprintf("初始化容器 %s: %s - %s", cs.Name, cs.State.Waiting.Reason, cs.State.Waiting.Message))
		}
	}
	if len(reasons) == 0 {
		return "未知原因，建议检查Pod events"
	}
	return strings.Join(reasons, "; ")
}

func (m *RolloutMonitor) send(ctx context.Context, content string) {
	if m.notify == nil {
		return
	}
	if err := m.notify.Send(ctx, content); err != nil {
		_ = level.Warn(m.logger).Log("msg", "rollout notice failed", "err", err)
	}
}
