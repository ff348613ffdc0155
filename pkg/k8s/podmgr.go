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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-kit/log/level"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"

	"github.com/kubedoor-io/kubedoor/pkg/scheduler"
)

// isolateLabel is the pod label rewritten to detach a pod from its
// ReplicaSet. The controller replaces the pod; the original keeps running
// label-less for live inspection.
const isolateLabel = "app"

// ServeModifyPod handles POST /api/pod/modify_pod. With scale_pod the
// workload first grows by one replica (a temporary scale the admission
// webhook admits), so isolating the pod does not shrink serving capacity.
// With add_label the body carries the node CPU ranking used to pin the
// replacement replica.
func (a *Agent) ServeModifyPod(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	env := q.Get("env")
	namespace := q.Get("ns")
	podName := q.Get("pod_name")
	scalePod := q.Get("scale_pod") == "true"
	addLabel := q.Get("add_label") == "true"

	var deployment string
	var replicas int32
	if scalePod {
		var err error
		deployment, replicas, err = a.ownerDeployment(ctx, namespace, podName)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"message": err.Error()})
			return
		}

		var ranking []scheduler.NodeLoad
		if addLabel {
			if err := json.NewDecoder(r.Body).Decode(&ranking); err != nil {
				var typeErr *json.UnmarshalTypeError
				if errors.As(err, &typeErr) {
					writeJSON(w, http.StatusBadRequest, map[string]any{"message": "当add_label为True时，body必须是一个list"})
					return
				}
				writeJSON(w, http.StatusBadRequest, map[string]any{"message": fmt.Sprintf("解析body失败: %v", err)})
				return
			}
		}

		if err := a.sched.TempScaleUp(ctx, namespace, deployment, replicas+1, addLabel, ranking); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"message": err.Error()})
			return
		}
		_ = level.Info(a.logger).Log("msg", "workload scaled for isolation", "namespace", namespace, "deployment", deployment, "from", replicas, "to", replicas+1)
	}

	if err := a.isolatePod(ctx, namespace, podName); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"message": err.Error()})
		return
	}

	msg := "app标签修改成功"
	if scalePod {
		msg = fmt.Sprintf("Deployment %s 临时扩容到 %d 个副本并成功修改app标签", deployment, replicas+1)
	}
	a.sendPodNote(ctx, env, namespace, podName, msg)
	writeJSON(w, http.StatusOK, map[string]any{"message": fmt.Sprintf("【%s】【%s】%s", namespace, podName, msg), "success": true})
}

// ownerDeployment walks pod, ReplicaSet and Deployment owner references and
// returns the Deployment name with its current replica count.
func (a *Agent) ownerDeployment(ctx context.Context, namespace, podName string) (string, int32, error) {
	pod, err := a.client.CoreV1().Pods(namespace).Get(ctx, podName, metav1.GetOptions{})
	if err != nil {
		return "", 0, fmt.Errorf("获取deployment信息失败: %s", apiMessage(err))
	}
	rsName := ownerOf(pod.OwnerReferences, "ReplicaSet")
	if rsName == "" {
		return "", 0, errors.New("Pod没有找到对应的ReplicaSet")
	}
	rs, err := a.client.AppsV1().ReplicaSets(namespace).Get(ctx, rsName, metav1.GetOptions{})
	if err != nil {
		return "", 0, fmt.Errorf("获取deployment信息失败: %s", apiMessage(err))
	}
	depName := ownerOf(rs.OwnerReferences, "Deployment")
	if depName == "" {
		return "", 0, errors.New("ReplicaSet没有找到对应的Deployment")
	}
	dep, err := a.client.AppsV1().Deployments(namespace).Get(ctx, depName, metav1.GetOptions{})
	if err != nil {
		return "", 0, fmt.Errorf("获取deployment信息失败: %s", apiMessage(err))
	}
	var replicas int32
	if dep.Spec.Replicas != nil {
		replicas = *dep.Spec.Replicas
	}
	return depName, replicas, nil
}

func ownerOf(refs []metav1.OwnerReference, kind string) string {
	for _, ref := range refs {
		if ref.Kind == kind {
			return ref.Name
		}
	}
	return ""
}

// isolatePod appends -ALERT to the pod's app label so the ReplicaSet
// selector stops matching it.
func (a *Agent) isolatePod(ctx context.Context, namespace, podName string) error {
	_ = level.Info(a.logger).Log("msg", "isolating pod", "namespace", namespace, "pod", podName)
	pod, err := a.client.CoreV1().Pods(namespace).Get(ctx, podName, metav1.GetOptions{})
	if err != nil {
		_ = level.Error(a.logger).Log("msg", "isolation failed", "namespace", namespace, "pod", podName, "err", err)
		return errors.New("===修改标签失败")
	}
	app := pod.Labels[isolateLabel]
	if app == "" {
		return errors.New("===未找到app标签")
	}
	patch, err := json.Marshal(map[string]any{
		"metadata": map[string]any{"labels": map[string]string{isolateLabel: app + "-ALERT"}},
	})
	if err != nil {
		return err
	}
	if _, err := a.client.CoreV1().Pods(namespace).Patch(ctx, podName, types.StrategicMergePatchType, patch, metav1.PatchOptions{}); err != nil {
		_ = level.Error(a.logger).Log("msg", "isolation failed", "namespace", namespace, "pod", podName, "err", err)
		return errors.New("===修改标签失败")
	}
	return nil
}

// ServeDeletePod handles GET /api/pod/delete_pod.
func (a *Agent) ServeDeletePod(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	env := q.Get("env")
	namespace := q.Get("ns")
	podName := q.Get("pod_name")

	if err := a.client.CoreV1().Pods(namespace).Delete(ctx, podName, metav1.DeleteOptions{}); err != nil {
		_ = level.Error(a.logger).Log("msg", "pod deletion failed", "namespace", namespace, "pod", podName, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"message": "删除pod失败"})
		return
	}
	_ = level.Info(a.logger).Log("msg", "pod deleted", "namespace", namespace, "pod", podName)
	a.sendPodNote(ctx, env, namespace, podName, "pod删除成功")
	writeJSON(w, http.StatusOK, map[string]any{"message": fmt.Sprintf("【%s】【%s】pod删除成功", namespace, podName), "success": true})
}

// sendPodNote pushes a pod-scoped markdown notice to the message channel.
func (a *Agent) sendPodNote(ctx context.Context, env, namespace, podName, msg string) {
	content := fmt.Sprintf("# 【<font color=\"#5bcc85\">%s</font>】%s\n## %s\n%s\n", env, namespace, podName, msg)
	a.sendNote(ctx, content)
}
