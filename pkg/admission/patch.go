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
	"strconv"
	"strings"

	"github.com/go-kit/log/level"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
)

// patchOp is one JSON-patch operation of an admission rewrite.
type patchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// patchInput carries the control values a full rewrite enforces.
type patchInput struct {
	namespace  string
	deployment string
	replicas   int

	requestCPUMilli int
	requestMemMB    int
	limitCPUMilli   int
	limitMemMB      int

	resources corev1.ResourceRequirements
	scheduler bool
}

// deployInfoError reports that the live deployment needed for the affinity
// rewrite could not provide its pod label or rollout strategy.
type deployInfoError struct {
	namespace  string
	deployment string
}

func (e *deployInfoError) Error() string {
	return fmt.Sprintf("未查到【%s】【%s】pod标签", e.namespace, e.deployment)
}

// scaleOps builds the replicas-only rewrite.
func scaleOps(replicas int) []patchOp {
	return []patchOp{{Op: "replace", Path: "/spec/replicas", Value: replicas}}
}

// fullPatchOps builds the full rewrite in its fixed order: affinity and
// rollout budget when fixed-node balancing is on (or an affinity strip when
// it is off but still applied), then replicas, then container resources.
func (rv *Reviewer) fullPatchOps(ctx context.Context, in patchInput) ([]patchOp, error) {
	var ops []patchOp
	if in.scheduler {
		dep, err := rv.deployments.Deployment(ctx, in.namespace, in.deployment)
		if err != nil {
			_ = level.Error(rv.logger).Log("msg", "live deployment lookup failed",
				"namespace", in.namespace, "deployment", in.deployment, "err", err)
			return nil, &deployInfoError{namespace: in.namespace, deployment: in.deployment}
		}
		podLabel := dep.Spec.Template.Labels["app"]
		ops = append(ops, patchOp{
			Op:    "replace",
			Path:  "/spec/template/spec/affinity",
			Value: schedulerAffinity(in.namespace, in.deployment, podLabel, rv.nodeLabel),
		})

		maxUnavailable := rollingMaxUnavailable(dep)
		if maxUnavailable == nil {
			return nil, fmt.Errorf("deployment %s/%s has no rollingUpdate maxUnavailable", in.namespace, in.deployment)
		}
		frac, err := maxUnavailableFraction(*maxUnavailable)
		if err != nil {
			return nil, err
		}
		var value any = maxUnavailable
		if float64(in.replicas)*frac < 1 {
			_ = level.Info(rv.logger).Log("msg", "rollout budget below one pod, raising to 1",
				"namespace", in.namespace, "deployment", in.deployment, "maxUnavailable", maxUnavailable.String())
			value = 1
		}
		ops = append(ops, patchOp{Op: "replace", Path: "/spec/strategy/rollingUpdate/maxUnavailable", Value: value})
	} else {
		pinned, err := rv.hasNodePinning(ctx, in.namespace, in.deployment)
		if err != nil {
			return nil, err
		}
		if pinned {
			_ = level.Info(rv.logger).Log("msg", "fixed-node balancing off, clearing affinity",
				"namespace", in.namespace, "deployment", in.deployment)
			ops = append(ops, patchOp{Op: "replace", Path: "/spec/template/spec/affinity", Value: map[string]any{}})
		}
	}

	ops = append(ops, patchOp{Op: "replace", Path: "/spec/replicas", Value: in.replicas})

	res := in.resources
	if res.Requests == nil {
		res.Requests = corev1.ResourceList{}
	}
	if res.Limits == nil {
		res.Limits = corev1.ResourceList{}
	}
	if in.requestCPUMilli > 0 {
		res.Requests[corev1.ResourceCPU] = resource.MustParse(fmt.Sprintf("%dm", in.requestCPUMilli))
	} else {
		rv.sendNote(ctx, fmt.Sprintf("admis:【%s】【%s】【%s】未配置 request_cpu_m", rv.env, in.namespace, in.deployment))
	}
	if in.requestMemMB > 0 {
		res.Requests[corev1.ResourceMemory] = resource.MustParse(fmt.Sprintf("%dMi", in.requestMemMB))
	} else {
		rv.sendNote(ctx, fmt.Sprintf("admis:【%s】【%s】【%s】未配置 request_mem_mb", rv.env, in.namespace, in.deployment))
	}
	if in.limitCPUMilli > 0 {
		res.Limits[corev1.ResourceCPU] = resource.MustParse(fmt.Sprintf("%dm", in.limitCPUMilli))
	} else {
		rv.sendNote(ctx, fmt.Sprintf("admis:【%s】【%s】【%s】未配置 limit_cpu_m", rv.env, in.namespace, in.deployment))
	}
	if in.limitMemMB > 0 {
		res.Limits[corev1.ResourceMemory] = resource.MustParse(fmt.Sprintf("%dMi", in.limitMemMB))
	} else {
		rv.sendNote(ctx, fmt.Sprintf("admis:【%s】【%s】【%s】未配置 limit_mem_mb", rv.env, in.namespace, in.deployment))
	}
	ops = append(ops, patchOp{Op: "add", Path: "/spec/template/spec/containers/0/resources", Value: res})
	return ops, nil
}

// hasNodePinning reports whether the live deployment still carries a node
// affinity produced by fixed-node balancing.
func (rv *Reviewer) hasNodePinning(ctx context.Context, namespace, deployment string) (bool, error) {
	dep, err := rv.deployments.Deployment(ctx, namespace, deployment)
	if err != nil {
		return false, fmt.Errorf("read deployment %s/%s: %w", namespace, deployment, err)
	}
	affinity := dep.Spec.Template.Spec.Affinity
	if affinity == nil || affinity.NodeAffinity == nil {
		return false, nil
	}
	required := affinity.NodeAffinity.RequiredDuringSchedulingIgnoredDuringExecution
	if required == nil {
		return false, nil
	}
	for _, term := range required.NodeSelectorTerms {
		for _, expr := range term.MatchExpressions {
			for _, v := range expr.Values {
				if v == rv.nodeLabel {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

// schedulerAffinity pins the workload to its labeled nodes and spreads one
// pod per host.
func schedulerAffinity(namespace, deployment, podLabel, nodeValue string) *corev1.Affinity {
	return &corev1.Affinity{
		NodeAffinity: &corev1.NodeAffinity{
			RequiredDuringSchedulingIgnoredDuringExecution: &corev1.NodeSelector{
				NodeSelectorTerms: []corev1.NodeSelectorTerm{{
					MatchExpressions: []corev1.NodeSelectorRequirement{{
						Key:      namespace + "." + deployment,
						Operator: corev1.NodeSelectorOpIn,
						Values:   []string{nodeValue},
					}},
				}},
			},
		},
		PodAntiAffinity: &corev1.PodAntiAffinity{
			RequiredDuringSchedulingIgnoredDuringExecution: []corev1.PodAffinityTerm{{
				LabelSelector: &metav1.LabelSelector{
					MatchExpressions: []metav1.LabelSelectorRequirement{{
						Key:      "app",
						Operator: metav1.LabelSelectorOpIn,
						Values:   []string{podLabel},
					}},
				},
				TopologyKey: "kubernetes.io/hostname",
			}},
		},
	}
}

func rollingMaxUnavailable(dep *appsv1.Deployment) *intstr.IntOrString {
	ru := dep.Spec.Strategy.RollingUpdate
	if ru == nil {
		return nil
	}
	return ru.MaxUnavailable
}

// maxUnavailableFraction converts a rollout budget to the factor applied to
// the replica count: integers count pods, "25%" and "0.25" count fractions.
func maxUnavailableFraction(v intstr.IntOrString) (float64, error) {
	if v.Type == intstr.Int {
		return float64(v.IntVal), nil
	}
	s := v.StrVal
	if strings.Contains(s, "%") {
		f, err := strconv.ParseFloat(strings.Trim(s, "%"), 64)
		if err != nil {
			return 0, fmt.Errorf("parse maxUnavailable %q: %w", s, err)
		}
		return f / 100, nil
	}
	if strings.Contains(s, ".") {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("parse maxUnavailable %q: %w", s, err)
		}
		return f, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("parse maxUnavailable %q: %w", s, err)
	}
	return float64(n), nil
}

// firstContainerResources picks the first container's resources, the slot
// the full rewrite patches.
func firstContainerResources(dep *appsv1.Deployment) (corev1.ResourceRequirements, error) {
	containers := dep.Spec.Template.Spec.Containers
	if len(containers) == 0 {
		return corev1.ResourceRequirements{}, fmt.Errorf("deployment %s/%s has no containers", dep.Namespace, dep.Name)
	}
	return containers[0].Resources, nil
}
