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

// Package admission implements the workload admission engine: the agent-side
// mutating webhook that rewrites intercepted Deployment and Scale operations
// to the enforced control values, the coordinator-side resolver that answers
// agent verdict queries from the control table, and the lifecycle of the
// MutatingWebhookConfiguration itself.
package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	admissionv1 "k8s.io/api/admission/v1"
	appsv1 "k8s.io/api/apps/v1"
	autoscalingv1 "k8s.io/api/autoscaling/v1"
	"k8s.io/apimachinery/pkg/api/equality"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/kubedoor-io/kubedoor/pkg/session"
	"github.com/kubedoor-io/kubedoor/pkg/wire"
)

const (
	// TempScaleAnnotation marks an operator-initiated scale. While the
	// annotation timestamp is within TempScaleWindow the webhook admits the
	// matching scale instead of rewriting it back to the control values.
	TempScaleAnnotation = "scale.temp"
	// TempScaleLayout is the timestamp layout before the '@' separator in a
	// TempScaleAnnotation value ("2025-01-02 15:04:05@3-->5").
	TempScaleLayout = "2006-01-02 15:04:05"
	// TempScaleWindow is how long a temporary scale stays admitted.
	TempScaleWindow = 5 * time.Minute

	// DefaultNodeLabelValue marks nodes reserved for a workload when the
	// fixed-node balancing switch is on.
	DefaultNodeLabelValue = "kubedoor-scheduler"

	kindDeployment = "Deployment"
	kindScale      = "Scale"
)

var reviewVerdicts = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "kubedoor_admission_reviews_total",
	Help: "Admission reviews served, by verdict.",
}, []string{"verdict"})

// VerdictAsker queries the coordinator for an admission verdict over the
// persistent session.
type VerdictAsker interface {
	Connected() bool
	AskAdmis(ctx context.Context, requestID, namespace, deployment string) (*wire.AdmisReply, error)
}

// DeploymentGetter reads live Deployments from the cluster the agent runs in.
type DeploymentGetter interface {
	Deployment(ctx context.Context, namespace, name string) (*appsv1.Deployment, error)
}

// Notifier publishes operator-facing admission notices.
type Notifier interface {
	Send(ctx context.Context, content string) error
}

// Reviewer serves the mutating webhook endpoint. Each intercepted operation
// is resolved against the coordinator and answered with a JSON patch
// enforcing the control values, a plain admit, or a denial.
type Reviewer struct {
	logger      log.Logger
	env         string
	nodeLabel   string
	asker       VerdictAsker
	deployments DeploymentGetter
	notify      Notifier

	now func() time.Time
}

// NewReviewer wires the webhook handler. An empty nodeLabel falls back to
// DefaultNodeLabelValue; notify may be nil. Counters register on reg when it
// is non-nil.
func NewReviewer(logger log.Logger, env, nodeLabel string, asker VerdictAsker, deployments DeploymentGetter, notify Notifier, reg prometheus.Registerer) *Reviewer {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if nodeLabel == "" {
		nodeLabel = DefaultNodeLabelValue
	}
	if reg != nil {
		reg.MustRegister(reviewVerdicts)
	}
	return &Reviewer{
		logger:      logger,
		env:         env,
		nodeLabel:   nodeLabel,
		asker:       asker,
		deployments: deployments,
		notify:      notify,
		now:         time.Now,
	}
}

// reviewError aborts a review with a bare HTTP error instead of an
// AdmissionReview body. With failurePolicy=Fail the apiserver then rejects
// the intercepted operation.
type reviewError struct {
	status  int
	message string
}

// Review handles POST /api/admis.
func (rv *Reviewer) Review(w http.ResponseWriter, r *http.Request) {
	var review admissionv1.AdmissionReview
	if err := json.NewDecoder(r.Body).Decode(&review); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("decode admission review: %v", err)})
		return
	}
	if review.Request == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "admission review has no request"})
		return
	}

	resp, rerr := rv.review(r.Context(), review.Request)
	if rerr != nil {
		reviewVerdicts.WithLabelValues("error").Inc()
		writeJSON(w, rerr.status, map[string]string{"error": rerr.message})
		return
	}
	switch {
	case !resp.Allowed:
		reviewVerdicts.WithLabelValues("deny").Inc()
	case resp.Patch != nil:
		reviewVerdicts.WithLabelValues("patch").Inc()
	default:
		reviewVerdicts.WithLabelValues("pass").Inc()
	}

	resp.UID = review.Request.UID
	out := admissionv1.AdmissionReview{
		TypeMeta: metav1.TypeMeta{APIVersion: "admission.k8s.io/v1", Kind: "AdmissionReview"},
		Response: resp,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		_ = level.Error(rv.logger).Log("msg", "write admission response failed", "err", err)
	}
}

func (rv *Reviewer) review(ctx context.Context, req *admissionv1.AdmissionRequest) (*admissionv1.AdmissionResponse, *reviewError) {
	var (
		kind = req.Kind.Kind
		op   = req.Operation

		deploy, oldDeploy appsv1.Deployment
		meta              metav1.ObjectMeta

		specReplicas   int32 = 1
		oldReplicas    int32 = 1
		templatesEqual bool
		objectsEqual   bool
	)
	switch kind {
	case kindDeployment:
		if err := json.Unmarshal(req.Object.Raw, &deploy); err != nil {
			return nil, &reviewError{http.StatusBadRequest, fmt.Sprintf("decode deployment: %v", err)}
		}
		meta = deploy.ObjectMeta
		if deploy.Spec.Replicas != nil {
			specReplicas = *deploy.Spec.Replicas
		}
		if op == admissionv1.Update && len(req.OldObject.Raw) > 0 {
			if err := json.Unmarshal(req.OldObject.Raw, &oldDeploy); err != nil {
				return nil, &reviewError{http.StatusBadRequest, fmt.Sprintf("decode previous deployment: %v", err)}
			}
			if oldDeploy.Spec.Replicas != nil {
				oldReplicas = *oldDeploy.Spec.Replicas
			}
			templatesEqual = equality.Semantic.DeepEqual(deploy.Spec.Template, oldDeploy.Spec.Template)
			objectsEqual = equality.Semantic.DeepEqual(deploy, oldDeploy)
		}
	case kindScale:
		var scale autoscalingv1.Scale
		if err := json.Unmarshal(req.Object.Raw, &scale); err != nil {
			return nil, &reviewError{http.StatusBadRequest, fmt.Sprintf("decode scale: %v", err)}
		}
		meta = scale.ObjectMeta
		specReplicas = scale.Spec.Replicas
	default:
		var envelope struct {
			Metadata metav1.ObjectMeta `json:"metadata"`
		}
		_ = json.Unmarshal(req.Object.Raw, &envelope)
		meta = envelope.Metadata
	}
	namespace, name := meta.Namespace, meta.Name
	_ = level.Info(rv.logger).Log("msg", "admission request", "env", rv.env,
		"namespace", namespace, "deployment", name, "kind", kind, "operation", op)

	if raw := meta.Annotations[TempScaleAnnotation]; raw != "" {
		ts, err := time.ParseInLocation(TempScaleLayout, strings.SplitN(raw, "@", 2)[0], time.Local)
		if err != nil {
			_ = level.Warn(rv.logger).Log("msg", "unparseable temp-scale annotation", "value", raw, "err", err)
		} else if rv.now().Sub(ts) <= TempScaleWindow {
			scaleUpdate := kind == kindScale && op == admissionv1.Update
			manualScale := kind == kindDeployment && op == admissionv1.Update &&
				templatesEqual && oldReplicas != specReplicas
			if scaleUpdate || manualScale {
				_ = level.Info(rv.logger).Log("msg", "temporary scale window open, admitting",
					"namespace", namespace, "deployment", name, "annotation", raw)
				return allowResponse(), nil
			}
		}
	}

	if !rv.asker.Connected() {
		rv.sendNote(ctx, fmt.Sprintf("admis:【%s】【%s】【%s】连接 kubedoor-master 失败", rv.env, namespace, name))
		return denyResponse(http.StatusServiceUnavailable, "连接 kubedoor-master 失败"), nil
	}
	reply, err := rv.asker.AskAdmis(ctx, string(req.UID), namespace, name)
	if errors.Is(err, session.ErrNotConnected) {
		rv.sendNote(ctx, fmt.Sprintf("admis:【%s】【%s】【%s】连接 kubedoor-master 失败", rv.env, namespace, name))
		return denyResponse(http.StatusServiceUnavailable, "连接 kubedoor-master 失败"), nil
	}
	if err != nil {
		rv.sendNote(ctx, fmt.Sprintf("admis:【%s】【%s】【%s】连接 kubedoor-master 响应超时", rv.env, namespace, name))
		return denyResponse(http.StatusGatewayTimeout, "等待 kubedoor-master 响应超时"), nil
	}

	switch reply.Kind {
	case wire.AdmisPassthrough:
		rv.sendNote(ctx, fmt.Sprintf("admis:【%s】【%s】【%s】%s", rv.env, namespace, name, reply.Message))
		return allowResponse(), nil
	case wire.AdmisDenied:
		rv.sendNote(ctx, fmt.Sprintf("admis:【%s】【%s】【%s】%s", rv.env, namespace, name, reply.Message))
		return denyResponse(reply.Code, reply.Message), nil
	}

	govern := reply.Govern
	replicas := govern.EffectivePodCount()
	requestCPU := govern.RequestCPUMilli
	if requestCPU >= 0 && requestCPU < 10 {
		requestCPU = 10
	}
	requestMem := govern.RequestMemMB
	if requestMem == 0 {
		requestMem = 1
	}
	baseinfo := fmt.Sprintf("副本数:%d, 请求CPU:%dm, 请求内存:%dMB, 限制CPU:%dm, 限制内存:%dMB",
		replicas, requestCPU, requestMem, govern.LimitCPUMilli, govern.LimitMemMB)
	_ = level.Info(rv.logger).Log("msg", "control values resolved", "namespace", namespace,
		"deployment", name, "values", baseinfo, "scheduler", govern.Scheduler)

	in := patchInput{
		namespace:       namespace,
		deployment:      name,
		replicas:        replicas,
		requestCPUMilli: requestCPU,
		requestMemMB:    requestMem,
		limitCPUMilli:   govern.LimitCPUMilli,
		limitMemMB:      govern.LimitMemMB,
		scheduler:       govern.Scheduler,
	}

	switch {
	case kind == kindScale && op == admissionv1.Update:
		msg := fmt.Sprintf("admis:【%s】【%s】【%s】收到scale请求，仅修改replicas为: %d", rv.env, namespace, name, replicas)
		_ = level.Info(rv.logger).Log("msg", "rewriting scale to control value", "namespace", namespace, "deployment", name, "replicas", replicas)
		rv.sendNote(ctx, msg)
		return rv.patchResponse(ctx, namespace, name, scaleOps(replicas))

	case kind == kindDeployment && op == admissionv1.Create:
		msg := fmt.Sprintf("admis:【%s】【%s】【%s】收到 create 请求，修改所有参数", rv.env, namespace, name)
		_ = level.Info(rv.logger).Log("msg", "rewriting create to control values", "namespace", namespace, "deployment", name)
		rv.sendNote(ctx, fmt.Sprintf("%s\n%s\n固定节点均衡: %t", msg, baseinfo, govern.Scheduler))
		return rv.fullPatchResponse(ctx, &deploy, in)

	case kind == kindDeployment && op == admissionv1.Update:
		switch {
		case objectsEqual:
			_ = level.Info(rv.logger).Log("msg", "object unchanged, admitting", "namespace", namespace, "deployment", name)
			return allowResponse(), nil
		case !templatesEqual:
			msg := fmt.Sprintf("admis:【%s】【%s】【%s】收到 update 请求，修改所有参数", rv.env, namespace, name)
			_ = level.Info(rv.logger).Log("msg", "template changed, rewriting to control values", "namespace", namespace, "deployment", name)
			rv.sendNote(ctx, fmt.Sprintf("%s\n%s\n固定节点均衡: %t", msg, baseinfo, govern.Scheduler))
			return rv.fullPatchResponse(ctx, &deploy, in)
		case replicas != int(specReplicas):
			msg := fmt.Sprintf("admis:【%s】【%s】【%s】收到 update 请求，仅修改replicas为: %d", rv.env, namespace, name, replicas)
			_ = level.Info(rv.logger).Log("msg", "rewriting replicas to control value", "namespace", namespace, "deployment", name, "replicas", replicas)
			rv.sendNote(ctx, msg)
			return rv.patchResponse(ctx, namespace, name, scaleOps(replicas))
		default:
			_ = level.Info(rv.logger).Log("msg", "template and replicas unchanged, admitting", "namespace", namespace, "deployment", name)
			return allowResponse(), nil
		}

	default:
		msg := fmt.Sprintf("admis:【%s】【%s】【%s】不符合预设判断条件: %s %s，直接放行", rv.env, namespace, name, kind, op)
		_ = level.Error(rv.logger).Log("msg", "unexpected admission target, admitting", "kind", kind, "operation", op,
			"namespace", namespace, "deployment", name)
		rv.sendNote(ctx, msg)
		return allowResponse(), nil
	}
}

// fullPatchResponse composes the full rewrite for deploy and answers with it.
func (rv *Reviewer) fullPatchResponse(ctx context.Context, deploy *appsv1.Deployment, in patchInput) (*admissionv1.AdmissionResponse, *reviewError) {
	resources, err := firstContainerResources(deploy)
	if err != nil {
		return nil, rv.patchFailure(ctx, in.namespace, in.deployment, err)
	}
	in.resources = resources
	ops, err := rv.fullPatchOps(ctx, in)
	if err != nil {
		return nil, rv.patchFailure(ctx, in.namespace, in.deployment, err)
	}
	return rv.patchResponse(ctx, in.namespace, in.deployment, ops)
}

// patchFailure classifies a patch build error. A missing live deployment
// keeps its fixed message; anything else is announced as a processing error.
func (rv *Reviewer) patchFailure(ctx context.Context, namespace, deployment string, err error) *reviewError {
	_ = level.Error(rv.logger).Log("msg", "admission patch failed", "namespace", namespace, "deployment", deployment, "err", err)
	var infoErr *deployInfoError
	if !errors.As(err, &infoErr) {
		rv.sendNote(ctx, fmt.Sprintf("admis:【%s】【%s】【%s】处理错误：%v", rv.env, namespace, deployment, err))
	}
	return &reviewError{http.StatusInternalServerError, err.Error()}
}

func (rv *Reviewer) patchResponse(_ context.Context, namespace, deployment string, ops []patchOp) (*admissionv1.AdmissionResponse, *reviewError) {
	raw, err := json.Marshal(ops)
	if err != nil {
		return nil, &reviewError{http.StatusInternalServerError, fmt.Sprintf("encode patch for %s/%s: %v", namespace, deployment, err)}
	}
	pt := admissionv1.PatchTypeJSONPatch
	return &admissionv1.AdmissionResponse{Allowed: true, Patch: raw, PatchType: &pt}, nil
}

func (rv *Reviewer) sendNote(ctx context.Context, content string) {
	if rv.notify == nil {
		return
	}
	if err := rv.notify.Send(ctx, content); err != nil {
		_ = level.Warn(rv.logger).Log("msg", "admission notice failed", "err", err)
	}
}

func allowResponse() *admissionv1.AdmissionResponse {
	return &admissionv1.AdmissionResponse{Allowed: true}
}

func denyResponse(code int, message string) *admissionv1.AdmissionResponse {
	return &admissionv1.AdmissionResponse{
		Allowed: false,
		Result:  &metav1.Status{Code: int32(code), Message: message},
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
