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

// Package k8s implements the in-cluster side of workload governance: the
// agent's REST surface for restarts, scheduled jobs, image updates, pod
// management and inventory queries, plus the background watchers that feed
// cluster events and rollout progress back to the coordinator and the chat
// channel.
package k8s

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"

	"github.com/kubedoor-io/kubedoor/pkg/scheduler"
)

const (
	// restartedAtAnnotation is the pod template annotation kubectl bumps to
	// force a rolling restart. Updating it keeps the restart visible to
	// anyone inspecting the workload with standard tooling.
	restartedAtAnnotation = "kubectl.kubernetes.io/restartedAt"

	// cronJobImage carries curl; scheduled jobs call back into the agent's
	// own REST surface when they fire.
	cronJobImage = "registry.cn-shenzhen.aliyuncs.com/starsl/busybox-curl"

	// cronCallbackBase is the in-cluster service address scheduled jobs post
	// their payload to.
	cronCallbackBase = "https://kubedoor-agent.kubedoor/api/"
)

var (
	restartOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kubedoor_restart_targets_total",
		Help: "Restart targets processed, by outcome.",
	}, []string{"outcome"})
	cronJobsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kubedoor_cronjobs_created_total",
		Help: "Scheduled scale and restart CronJobs created.",
	})
	imageUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kubedoor_image_updates_total",
		Help: "Image update requests served, by outcome.",
	}, []string{"outcome"})
)

// Notifier publishes operator-facing notices about cluster actions.
type Notifier interface {
	Send(ctx context.Context, content string) error
}

// rolloutWatcher follows an image update in the background.
type rolloutWatcher interface {
	Watch(namespace, deployment, image string)
}

// Agent serves the cluster-local REST surface the coordinator forwards
// operator calls to.
type Agent struct {
	logger  log.Logger
	client  kubernetes.Interface
	metrics metricsclient.Interface
	notify  Notifier
	sched   *scheduler.Scheduler
	rollout rolloutWatcher
	cluster string
	version string

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// NewAgent wires the agent handlers. notify may be nil. Counters register on
// reg when it is non-nil.
func NewAgent(logger log.Logger, client kubernetes.Interface, metrics metricsclient.Interface, notify Notifier, sched *scheduler.Scheduler, cluster, version string, reg prometheus.Registerer) *Agent {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(restartOutcomes, cronJobsCreated, imageUpdates)
	}
	return &Agent{
		logger:  logger,
		client:  client,
		metrics: metrics,
		notify:  notify,
		sched:   sched,
		rollout: NewRolloutMonitor(logger, client, notify, cluster, reg),
		cluster: cluster,
		version: version,
		now:     time.Now,
		sleep:   sleepContext,
	}
}

// Deployment reads one live Deployment, satisfying the admission reviewer's
// cluster read path.
func (a *Agent) Deployment(ctx context.Context, namespace, name string) (*appsv1.Deployment, error) {
	return a.client.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
}

// ServeHealth handles GET /api/health.
func (a *Agent) ServeHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"ver": a.version, "status": "healthy"})
}

// RestartTarget is one workload in a batch restart request.
type RestartTarget struct {
	Namespace  string `json:"namespace"`
	Deployment string `json:"deployment_name"`
	JobName    string `json:"job_name,omitempty"`
	JobType    string `json:"job_type,omitempty"`
}

type restartError struct {
	Namespace  string `json:"namespace"`
	Deployment string `json:"deployment_name"`
	Reason     string `json:"reason"`
}

// ServeRestart handles POST /api/restart: an ordered batch of rolling
// restarts, optionally pausing between entries. Failures accumulate in the
// reply instead of stopping the batch.
func (a *Agent) ServeRestart(w http.ResponseWriter, r *http.Request) {
	var targets []RestartTarget
	if err := json.NewDecoder(r.Body).Decode(&targets); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": fmt.Sprintf("decode restart request: %v", err), "success": false})
		return
	}
	var interval time.Duration
	if seconds, err := strconv.Atoi(r.URL.Query().Get("interval")); err == nil && seconds > 0 {
		interval = time.Duration(seconds) * time.Second
	}

	payload, err := json.Marshal(map[string]any{
		"spec": map[string]any{"template": map[string]any{"metadata": map[string]any{
			"annotations": map[string]string{restartedAtAnnotation: a.now().Format(time.RFC3339)},
		}}},
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"message": err.Error(), "success": false})
		return
	}

	errorList := []restartError{}
	for i, t := range targets {
		_ = level.Info(a.logger).Log("msg", "restarting workload", "namespace", t.Namespace, "deployment", t.Deployment)
		_, err := a.client.AppsV1().Deployments(t.Namespace).Patch(r.Context(), t.Deployment, types.StrategicMergePatchType, payload, metav1.PatchOptions{})
		if err != nil {
			_ = level.Error(a.logger).Log("msg", "restart failed", "namespace", t.Namespace, "deployment", t.Deployment, "err", err)
			restartOutcomes.WithLabelValues("error").Inc()
			errorList = append(errorList, restartError{Namespace: t.Namespace, Deployment: t.Deployment, Reason: apiMessage(err)})
			continue
		}
		restartOutcomes.WithLabelValues("ok").Inc()
		if interval > 0 && i != len(targets)-1 {
			_ = level.Info(a.logger).Log("msg", "pausing between restarts", "seconds", interval.Seconds())
			a.sleep(r.Context(), interval)
		}
		a.sendNote(r.Context(), fmt.Sprintf("'【%s】【%s】【%s】' has been restarted!", a.cluster, t.Namespace, t.Deployment))
		if t.JobName != "" {
			a.sched.CleanupOnceJob(r.Context(), t.JobName, t.JobType)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "ok", "error_list": errorList})
}

// CronRequest schedules a scale or restart. A populated Time makes the job a
// one-shot that is deleted after it fires; otherwise Cron carries a standard
// five-field expression.
type CronRequest struct {
	Cron    string           `json:"cron,omitempty"`
	Time    []int            `json:"time,omitempty"`
	Type    string           `json:"type"`
	Service []map[string]any `json:"service"`
}

// ServeCron handles POST /api/cron: it materializes the request as a CronJob
// whose pod curls the scheduled operation back into this agent.
func (a *Agent) ServeCron(w http.ResponseWriter, r *http.Request) {
	var req CronRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": fmt.Sprintf("decode cron request: %v", err)})
		return
	}
	if req.Type == "" || len(req.Service) == 0 || (len(req.Time) > 0 && len(req.Time) < 5) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "缺少必要参数"})
		return
	}

	jobType := "cron"
	schedule := req.Cron
	if len(req.Time) > 0 {
		jobType = "once"
		// Time holds [year month day hour minute]. The year is dropped; the
		// job deletes itself after firing, so it cannot recur.
		schedule = fmt.Sprintf("%d %d %d %d *", req.Time[4], req.Time[3], req.Time[2], req.Time[1])
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": fmt.Sprintf("无效的cron表达式 %q: %v", schedule, err)})
		return
	}

	deployment, _ := req.Service[0]["deployment_name"].(string)
	name := fmt.Sprintf("%s-%s-%s", req.Type, jobType, deployment)
	req.Service[0]["job_name"] = name
	req.Service[0]["job_type"] = jobType
	payload, err := json.Marshal(req.Service)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}
	callback := cronCallbackBase + req.Type
	if v := r.URL.Query().Get("add_label"); v != "" {
		callback += "?add_label=" + v
	}

	job := cronJobManifest(name, schedule, jobType, string(payload), callback)
	if _, err := a.client.BatchV1().CronJobs(scheduler.CronJobNamespace).Create(r.Context(), job, metav1.CreateOptions{}); err != nil {
		_ = level.Error(a.logger).Log("msg", "cronjob create failed", "cronjob", name, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": apiMessage(err)})
		return
	}
	cronJobsCreated.Inc()
	_ = level.Info(a.logger).Log("msg", "cronjob created", "cronjob", name, "schedule", schedule)
	a.sendNote(r.Context(), fmt.Sprintf("【%s】CronJob '%s' created successfully.", a.cluster, name))
	writeJSON(w, http.StatusOK, map[string]string{"message": "ok"})
}

func cronJobManifest(name, schedule, jobType, payload, callback string) *batchv1.CronJob {
	return &batchv1.CronJob{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Spec: batchv1.CronJobSpec{
			Schedule: schedule,
			JobTemplate: batchv1.JobTemplateSpec{
				Spec: batchv1.JobSpec{
					Template: corev1.PodTemplateSpec{
						ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{"app": name}},
						Spec: corev1.PodSpec{
							RestartPolicy: corev1.RestartPolicyNever,
							Containers: []corev1.Container{{
								Name:  name,
								Image: cronJobImage,
								Command: []string{
									"curl", "-s", "-k", "-X", "POST",
									"-H", "Content-Type: application/json",
									"-d", payload, callback,
								},
								Env: []corev1.EnvVar{{Name: "CRONJOB_TYPE", Value: jobType}},
							}},
						},
					},
				},
			},
		},
	}
}

type updateImageRequest struct {
	ImageTag   string `json:"image_tag"`
	Deployment string `json:"deployment"`
	Namespace  string `json:"namespace"`
}

// ServeUpdateImage handles POST /api/update-image: it swaps the tag of the
// first container's image and starts a background rollout monitor.
func (a *Agent) ServeUpdateImage(w http.ResponseWriter, r *http.Request) {
	var req updateImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": fmt.Sprintf("decode update-image request: %v", err)})
		return
	}
	if req.ImageTag == "" || req.Deployment == "" || req.Namespace == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "缺少必要参数"})
		return
	}

	dep, err := a.client.AppsV1().Deployments(req.Namespace).Get(r.Context(), req.Deployment, metav1.GetOptions{})
	if err != nil {
		imageUpdates.WithLabelValues("error").Inc()
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": apiMessage(err)})
		return
	}
	containers := dep.Spec.Template.Spec.Containers
	if len(containers) == 0 {
		imageUpdates.WithLabelValues("error").Inc()
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": fmt.Sprintf("deployment %s has no containers", req.Deployment)})
		return
	}

	newImage := replaceImageTag(containers[0].Image, req.ImageTag)
	payload, err := json.Marshal(map[string]any{
		"spec": map[string]any{"template": map[string]any{"spec": map[string]any{
			"containers": []map[string]string{{"name": containers[0].Name, "image": newImage}},
		}}},
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}
	if _, err := a.client.AppsV1().Deployments(req.Namespace).Patch(r.Context(), req.Deployment, types.StrategicMergePatchType, payload, metav1.PatchOptions{}); err != nil {
		imageUpdates.WithLabelValues("error").Inc()
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": apiMessage(err)})
		return
	}
	imageUpdates.WithLabelValues("ok").Inc()
	_ = level.Info(a.logger).Log("msg", "image updated", "namespace", req.Namespace, "deployment", req.Deployment, "image", newImage)
	a.rollout.Watch(req.Namespace, req.Deployment, newImage)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("%s %s updated with image %s", req.Namespace, req.Deployment, newImage),
	})
}

// replaceImageTag swaps the tag of an image reference. The cut happens at
// the last colon past the last slash, so registry ports survive.
func replaceImageTag(image, tag string) string {
	base := image
	if i := strings.LastIndex(image, ":"); i > strings.LastIndex(image, "/") {
		base = image[:i]
	}
	return base + ":" + tag
}

func (a *Agent) sendNote(ctx context.Context, content string) {
	if a.notify == nil {
		return
	}
	if err := a.notify.Send(ctx, content); err != nil {
		_ = level.Warn(a.logger).Log("msg", "agent notice failed", "err", err)
	}
}

// apiMessage extracts the apiserver's message for operator-facing replies,
// falling back to the plain error text.
func apiMessage(err error) string {
	var status apierrors.APIStatus
	if errors.As(err, &status) && status.Status().Message != "" {
		return status.Status().Message
	}
	return err.Error()
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
