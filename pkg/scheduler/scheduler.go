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

// Package scheduler enforces node-affinity spread for governed workloads.
// It serves the agent's labeled batch-scale endpoint, which grows or shrinks
// a workload's pinned node pool before changing replicas, and the node
// rebalance endpoint, which migrates workloads from a hot node to a cold one.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	"github.com/kubedoor-io/kubedoor/pkg/admission"
)

const (
	// rebuildWait gives the Deployment controller time to reschedule pods
	// evicted during a labeled scale-down.
	rebuildWait = 2 * time.Second

	// Replica patches retry on version conflicts.
	scaleConflictRetries = 3
	conflictBackoff      = time.Second
)

// CronJobNamespace is where scheduled scale and restart CronJobs live.
const CronJobNamespace = "kubedoor"

var (
	scaleOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kubedoor_scale_targets_total",
		Help: "Scale targets processed, by outcome.",
	}, []string{"outcome"})
	migrations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kubedoor_balance_migrations_total",
		Help: "Workload migrations executed by the node balancer, by status.",
	}, []string{"status"})
)

// Target is one workload in a batch scale request. The coordinator attaches
// the node ranking to the first target when node pinning is requested.
type Target struct {
	Namespace  string     `json:"namespace"`
	Deployment string     `json:"deployment_name"`
	Replicas   int32      `json:"num"`
	JobName    string     `json:"job_name,omitempty"`
	JobType    string     `json:"job_type,omitempty"`
	NodeSorted []NodeLoad `json:"node_sorted,omitempty"`
}

// NodeLoad is one entry of the coordinator's node usage ranking, ascending
// by Percent.
type NodeLoad struct {
	Name    string  `json:"name"`
	Percent float64 `json:"percent"`
}

// Notifier publishes operator-facing scheduling notices.
type Notifier interface {
	Send(ctx context.Context, content string) error
}

// Scheduler owns the node label pool of every pinned workload in the
// cluster the agent runs in.
type Scheduler struct {
	logger    log.Logger
	client    kubernetes.Interface
	notify    Notifier
	cluster   string
	nodeLabel string

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// NewScheduler wires the scale and balance handlers. An empty nodeLabel
// falls back to admission.DefaultNodeLabelValue; notify may be nil. Counters
// register on reg when it is non-nil.
func NewScheduler(logger log.Logger, client kubernetes.Interface, notify Notifier, cluster, nodeLabel string, reg prometheus.Registerer) *Scheduler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if nodeLabel == "" {
		nodeLabel = admission.DefaultNodeLabelValue
	}
	if reg != nil {
		reg.MustRegister(scaleOutcomes, migrations)
	}
	return &Scheduler{
		logger:    logger,
		client:    client,
		notify:    notify,
		cluster:   cluster,
		nodeLabel: nodeLabel,
		now:       time.Now,
		sleep:     sleepContext,
	}
}

type scaleOptions struct {
	interval  time.Duration
	pinNodes  bool
	resource  string
	temporary bool
	isolate   bool
}

func parseScaleOptions(q url.Values) scaleOptions {
	opts := scaleOptions{
		pinNodes:  q.Get("add_label") == "true",
		resource:  q.Get("type"),
		temporary: q.Get("temp") == "true",
		isolate:   q.Get("isolate") == "true",
	}
	if opts.resource == "" {
		opts.resource = "cpu"
	}
	if seconds, err := strconv.Atoi(q.Get("interval")); err == nil && seconds > 0 {
		opts.interval = time.Duration(seconds) * time.Second
	}
	return opts
}

// scaleAbort stops the whole batch with an HTTP 500; individual target
// failures accumulate instead.
type scaleAbort struct {
	message string
}

type targetError struct {
	Namespace  string `json:"namespace"`
	Deployment string `json:"deployment_name"`
	Reason     string `json:"reason"`
}

// ServeScale handles POST /api/scale: an ordered batch of replica targets,
// optionally pausing between entries and maintaining the pinned node pool.
func (s *Scheduler) ServeScale(w http.ResponseWriter, r *http.Request) {
	var targets []Target
	if err := json.NewDecoder(r.Body).Decode(&targets); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": fmt.Sprintf("decode scale request: %v", err), "success": false})
		return
	}
	failures, abort := s.scaleAll(r.Context(), targets, parseScaleOptions(r.URL.Query()))
	if abort != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": abort.message})
		return
	}
	if len(failures) > 0 {
		raw, _ := json.Marshal(failures)
		writeJSON(w, http.StatusOK, map[string]any{"message": "以下服务未扩缩容成功" + string(raw), "success": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "ok", "success": true})
}

func (s *Scheduler) scaleAll(ctx context.Context, targets []Target, opts scaleOptions) ([]targetError, *scaleAbort) {
	var failures []targetError
	var ranking []NodeLoad
	if len(targets) > 0 {
		ranking = targets[0].NodeSorted
	}
	for i, t := range targets {
		var pause time.Duration
		if i != len(targets)-1 {
			pause = opts.interval
		}
		abort, err := s.scaleOne(ctx, t, ranking, opts, pause)
		if abort != nil {
			scaleOutcomes.WithLabelValues("abort").Inc()
			return failures, abort
		}
		if err != nil {
			_ = level.Error(s.logger).Log("msg", "scale target failed", "namespace", t.Namespace, "deployment", t.Deployment, "err", err)
			scaleOutcomes.WithLabelValues("error").Inc()
			failures = append(failures, targetError{Namespace: t.Namespace, Deployment: t.Deployment, Reason: apiReason(err)})
			continue
		}
		scaleOutcomes.WithLabelValues("ok").Inc()
	}
	return failures, nil
}

func (s *Scheduler) scaleOne(ctx context.Context, t Target, ranking []NodeLoad, opts scaleOptions, pause time.Duration) (*scaleAbort, error) {
	dep, err := s.client.AppsV1().Deployments(t.Namespace).Get(ctx, t.Deployment, metav1.GetOptions{})
	if err != nil {
		return nil, err
	}
	current := int32(1)
	if dep.Spec.Replicas != nil {
		current = *dep.Spec.Replicas
	}
	_ = level.Info(s.logger).Log("msg", "scaling workload", "namespace", t.Namespace,
		"deployment", t.Deployment, "from", current, "to", t.Replicas)

	var tempValue string
	clearTemp := false
	if opts.temporary {
		tempValue = fmt.Sprintf("%s@%d-->%d", s.now().Format(admission.TempScaleLayout), current, t.Replicas)
		_ = level.Info(s.logger).Log("msg", "marking temporary scale", "annotation", tempValue)
	} else if _, ok := dep.Annotations[admission.TempScaleAnnotation]; ok {
		clearTemp = true
		_ = level.Info(s.logger).Log("msg", "clearing temporary scale mark")
	}

	if opts.pinNodes && t.Replicas != current {
		nodes, err := s.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
		if err != nil {
			return nil, err
		}
		key := labelKey(t.Namespace, t.Deployment)
		if t.Replicas > current {
			if abort := s.expandPinnedNodes(ctx, t, key, nodes.Items, ranking, opts); abort != nil {
				return abort, nil
			}
		} else {
			if err := s.shrinkPinnedNodes(ctx, t, key, nodes.Items, ranking, current); err != nil {
				return nil, err
			}
		}
	}

	if err := s.patchReplicas(ctx, t, tempValue, clearTemp); err != nil {
		return nil, err
	}
	if pause > 0 {
		_ = level.Info(s.logger).Log("msg", "pausing between scale targets", "seconds", pause.Seconds())
		s.sleep(ctx, pause)
	}
	s.sendNote(ctx, fmt.Sprintf("'【%s】【%s】【%s】' has been scaled! %d --> %d",
		s.cluster, t.Namespace, t.Deployment, current, t.Replicas))
	if t.JobName != "" {
		s.CleanupOnceJob(ctx, t.JobName, t.JobType)
	}
	return nil, nil
}

// TempScaleUp grows one workload by a single operator action, marking the
// scale temporary so the admission webhook admits it while the control values
// say otherwise. The pod manager uses it to add a replica before isolating a
// misbehaving pod, reserving a spare pinned node when pinNodes is set.
func (s *Scheduler) TempScaleUp(ctx context.Context, namespace, deployment string, replicas int32, pinNodes bool, ranking []NodeLoad) error {
	target := Target{Namespace: namespace, Deployment: deployment, Replicas: replicas, NodeSorted: ranking}
	opts := scaleOptions{pinNodes: pinNodes, resource: "cpu", temporary: true, isolate: true}
	failures, abort := s.scaleAll(ctx, []Target{target}, opts)
	if abort != nil {
		return errors.New(abort.message)
	}
	if len(failures) > 0 {
		return errors.New(failures[0].Reason)
	}
	return nil
}

// patchReplicas applies the replica change, retrying version conflicts. The
// scale subresource is enough when no annotation churns; annotation changes
// ride a strategic merge patch on the Deployment so both land atomically.
func (s *Scheduler) patchReplicas(ctx context.Context, t Target, tempValue string, clearTemp bool) error {
	for attempt := 1; ; attempt++ {
		err := s.applyReplicas(ctx, t, tempValue, clearTemp)
		if err == nil || !apierrors.IsConflict(err) || attempt == scaleConflictRetries {
			return err
		}
		_ = level.Warn(s.logger).Log("msg", "replica patch conflict, retrying",
			"namespace", t.Namespace, "deployment", t.Deployment, "attempt", attempt)
		s.sleep(ctx, conflictBackoff)
	}
}

func (s *Scheduler) applyReplicas(ctx context.Context, t Target, tempValue string, clearTemp bool) error {
	deployments := s.client.AppsV1().Deployments(t.Namespace)
	if tempValue == "" && !clearTemp {
		scale, err := deployments.GetScale(ctx, t.Deployment, metav1.GetOptions{})
		if err != nil {
			return err
		}
		scale.Spec.Replicas = t.Replicas
		_, err = deployments.UpdateScale(ctx, t.Deployment, scale, metav1.UpdateOptions{})
		return err
	}
	var annotation any
	if tempValue != "" {
		annotation = tempValue
	}
	payload, err := json.Marshal(map[string]any{
		"metadata": map[string]any{"annotations": map[string]any{admission.TempScaleAnnotation: annotation}},
		"spec":     map[string]any{"replicas": t.Replicas},
	})
	if err != nil {
		return err
	}
	_, err = deployments.Patch(ctx, t.Deployment, types.StrategicMergePatchType, payload, metav1.PatchOptions{})
	return err
}

// CleanupOnceJob removes a one-shot CronJob once the scale or restart it
// scheduled has fired. Recurring jobs are left alone.
func (s *Scheduler) CleanupOnceJob(ctx context.Context, name, jobType string) {
	if jobType != "once" {
		return
	}
	if err := s.client.BatchV1().CronJobs(CronJobNamespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil {
		_ = level.Error(s.logger).Log("msg", "delete cronjob failed", "cronjob", name, "err", err)
		s.sendNote(ctx, fmt.Sprintf("Error when deleting CronJob '【%s】%s'!", s.cluster, name))
		return
	}
	_ = level.Info(s.logger).Log("msg", "cronjob deleted", "cronjob", name)
}

func (s *Scheduler) sendNote(ctx context.Context, content string) {
	if s.notify == nil {
		return
	}
	if err := s.notify.Send(ctx, content); err != nil {
		_ = level.Warn(s.logger).Log("msg", "scheduling notice failed", "err", err)
	}
}

// apiReason extracts the apiserver's message for operator-facing failure
// lists, falling back to the plain error text.
func apiReason(err error) string {
	var status apierrors.APIStatus
	if errors.As(err, &status) && status.Status().Message != "" {
		return status.Status().Message
	}
	return err.Error()
}

func labelKey(namespace, deployment string) string {
	return namespace + "." + deployment
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
