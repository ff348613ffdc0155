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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	autoscalingv1 "k8s.io/api/autoscaling/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes/fake"
	ktesting "k8s.io/client-go/testing"

	"github.com/kubedoor-io/kubedoor/pkg/admission"
)

var schedNow = time.Date(2025, 8, 25, 12, 0, 0, 0, time.Local)

var deploymentsResource = appsv1.SchemeGroupVersion.WithResource("deployments")

type fakeNotifier struct {
	msgs []string
}

func (f *fakeNotifier) Send(_ context.Context, content string) error {
	f.msgs = append(f.msgs, content)
	return nil
}

type sleepRecorder struct {
	slept []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) {
	s.slept = append(s.slept, d)
}

func newTestScheduler(client *fake.Clientset, notify Notifier) (*Scheduler, *sleepRecorder) {
	s := NewScheduler(log.NewNopLogger(), client, notify, "prod", "", nil)
	s.now = func() time.Time { return schedNow }
	rec := &sleepRecorder{}
	s.sleep = rec.sleep
	return s, rec
}

// installScaleSubresource backs GetScale and UpdateScale with the tracked
// Deployment objects, which the stock fake cannot do, and records every
// replica value applied through the subresource.
func installScaleSubresource(client *fake.Clientset) *[]int32 {
	applied := &[]int32{}
	client.PrependReactor("get", "deployments", func(action ktesting.Action) (bool, runtime.Object, error) {
		if action.GetSubresource() != "scale" {
			return false, nil, nil
		}
		get := action.(ktesting.GetAction)
		obj, err := client.Tracker().Get(deploymentsResource, get.GetNamespace(), get.GetName())
		if err != nil {
			return true, nil, err
		}
		dep := obj.(*appsv1.Deployment)
		replicas := int32(1)
		if dep.Spec.Replicas != nil {
			replicas = *dep.Spec.Replicas
		}
		return true, &autoscalingv1.Scale{
			ObjectMeta: metav1.ObjectMeta{Namespace: dep.Namespace, Name: dep.Name},
			Spec:       autoscalingv1.ScaleSpec{Replicas: replicas},
		}, nil
	})
	client.PrependReactor("update", "deployments", func(action ktesting.Action) (bool, runtime.Object, error) {
		if action.GetSubresource() != "scale" {
			return false, nil, nil
		}
		update := action.(ktesting.UpdateAction)
		scale := update.GetObject().(*autoscalingv1.Scale)
		obj, err := client.Tracker().Get(deploymentsResource, update.GetNamespace(), scale.Name)
		if err != nil {
			return true, nil, err
		}
		dep := obj.(*appsv1.Deployment).DeepCopy()
		dep.Spec.Replicas = lo.ToPtr(scale.Spec.Replicas)
		if err := client.Tracker().Update(deploymentsResource, dep, update.GetNamespace()); err != nil {
			return true, nil, err
		}
		*applied = append(*applied, scale.Spec.Replicas)
		return true, scale, nil
	})
	return applied
}

// installPodFieldSelector makes fake pod lists honor the spec.nodeName field
// selector, which the stock fake ignores.
func installPodFieldSelector(client *fake.Clientset) {
	client.PrependReactor("list", "pods", func(action ktesting.Action) (bool, runtime.Object, error) {
		list := action.(ktesting.ListAction)
		obj, err := client.Tracker().List(
			corev1.SchemeGroupVersion.WithResource("pods"),
			corev1.SchemeGroupVersion.WithKind("Pod"),
			list.GetNamespace(),
		)
		if err != nil {
			return true, nil, err
		}
		restrictions := list.GetListRestrictions()
		filtered := &corev1.PodList{}
		for _, pod := range obj.(*corev1.PodList).Items {
			if !restrictions.Labels.Matches(labels.Set(pod.Labels)) {
				continue
			}
			if !restrictions.Fields.Matches(fields.Set{"spec.nodeName": pod.Spec.NodeName}) {
				continue
			}
			filtered.Items = append(filtered.Items, pod)
		}
		return true, filtered, nil
	})
}

func scaleNode(name string, nodeLabels map[string]string) *corev1.Node {
	return &corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: name, Labels: nodeLabels}}
}

func scaleDeployment(namespace, name string, replicas int32, annotations map[string]string) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Namespace: namespace, Name: name, Annotations: annotations},
		Spec: appsv1.DeploymentSpec{
			Replicas: lo.ToPtr(replicas),
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": name}},
		},
	}
}

func scalePod(namespace, name, node string, podLabels map[string]string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Namespace: namespace, Name: name, Labels: podLabels},
		Spec:       corev1.PodSpec{NodeName: node},
	}
}

func mustGetDeployment(t *testing.T, client *fake.Clientset, namespace, name string) *appsv1.Deployment {
	t.Helper()
	dep, err := client.AppsV1().Deployments(namespace).Get(context.Background(), name, metav1.GetOptions{})
	require.NoError(t, err)
	return dep
}

func mustGetNode(t *testing.T, client *fake.Clientset, name string) *corev1.Node {
	t.Helper()
	node, err := client.CoreV1().Nodes().Get(context.Background(), name, metav1.GetOptions{})
	require.NoError(t, err)
	return node
}

func postScale(t *testing.T, s *Scheduler, query string, targets []Target) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	body, err := json.Marshal(targets)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/scale?"+query, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeScale(rec, req)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return rec, out
}

func TestScalePlainUsesSubresource(t *testing.T) {
	client := fake.NewSimpleClientset(scaleDeployment("app", "web", 3, nil))
	applied := installScaleSubresource(client)
	notify := &fakeNotifier{}
	s, slept := newTestScheduler(client, notify)

	rec, out := postScale(t, s, "", []Target{{Namespace: "app", Deployment: "web", Replicas: 5}})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", out["message"])
	assert.Equal(t, true, out["success"])
	assert.Equal(t, []int32{5}, *applied)

	dep := mustGetDeployment(t, client, "app", "web")
	assert.Equal(t, int32(5), *dep.Spec.Replicas)
	assert.NotContains(t, dep.Annotations, admission.TempScaleAnnotation)

	require.Len(t, notify.msgs, 1)
	assert.Equal(t, "'【prod】【app】【web】' has been scaled! 3 --> 5", notify.msgs[0])
	assert.Empty(t, slept.slept)
}

func TestScaleEmptyBatch(t *testing.T) {
	client := fake.NewSimpleClientset()
	s, _ := newTestScheduler(client, nil)

	rec, out := postScale(t, s, "", []Target{})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", out["message"])
	assert.Equal(t, true, out["success"])
}

func TestScaleTemporaryAnnotates(t *testing.T) {
	client := fake.NewSimpleClientset(scaleDeployment("app", "web", 3, nil))
	applied := installScaleSubresource(client)
	notify := &fakeNotifier{}
	s, _ := newTestScheduler(client, notify)

	rec, out := postScale(t, s, "temp=true", []Target{{Namespace: "app", Deployment: "web", Replicas: 5}})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["success"])
	// Annotation and replicas land in one full patch, not via the scale
	// subresource.
	assert.Empty(t, *applied)

	dep := mustGetDeployment(t, client, "app", "web")
	assert.Equal(t, int32(5), *dep.Spec.Replicas)
	assert.Equal(t, "2025-08-25 12:00:00@3-->5", dep.Annotations[admission.TempScaleAnnotation])
	require.Len(t, notify.msgs, 1)
	assert.Equal(t, "'【prod】【app】【web】' has been scaled! 3 --> 5", notify.msgs[0])
}

func TestScaleClearsTempAnnotation(t *testing.T) {
	annotations := map[string]string{
		admission.TempScaleAnnotation: "2025-08-25 09:00:00@5-->3",
		"team":                        "core",
	}
	client := fake.NewSimpleClientset(scaleDeployment("app", "web", 3, annotations))
	applied := installScaleSubresource(client)
	s, _ := newTestScheduler(client, nil)

	rec, out := postScale(t, s, "", []Target{{Namespace: "app", Deployment: "web", Replicas: 4}})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["success"])
	assert.Empty(t, *applied)

	dep := mustGetDeployment(t, client, "app", "web")
	assert.Equal(t, int32(4), *dep.Spec.Replicas)
	assert.NotContains(t, dep.Annotations, admission.TempScaleAnnotation)
	assert.Equal(t, "core", dep.Annotations["team"])
}

func TestScaleRetriesOnConflict(t *testing.T) {
	client := fake.NewSimpleClientset(scaleDeployment("app", "web", 3, nil))
	applied := installScaleSubresource(client)
	attempts := 0
	client.PrependReactor("update", "deployments", func(action ktesting.Action) (bool, runtime.Object, error) {
		if action.GetSubresource() != "scale" {
			return false, nil, nil
		}
		attempts++
		if attempts == 1 {
			gr := schema.GroupResource{Group: "apps", Resource: "deployments"}
			return true, nil, apierrors.NewConflict(gr, "web", errors.New("the object has been modified"))
		}
		return false, nil, nil
	})
	s, slept := newTestScheduler(client, nil)

	rec, out := postScale(t, s, "", []Target{{Namespace: "app", Deployment: "web", Replicas: 5}})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, 2, attempts)
	assert.Equal(t, []int32{5}, *applied)
	assert.Equal(t, []time.Duration{conflictBackoff}, slept.slept)
}

func TestScaleUpLabelsLeastLoadedNodes(t *testing.T) {
	client := fake.NewSimpleClientset(
		scaleDeployment("app", "web", 1, nil),
		scaleNode("n1", nil),
		scaleNode("n2", nil),
		scaleNode("n3", nil),
		scaleNode("n4", nil),
	)
	applied := installScaleSubresource(client)
	s, _ := newTestScheduler(client, nil)

	ranking := []NodeLoad{{Name: "n2", Percent: 10}, {Name: "n3", Percent: 20}, {Name: "n1", Percent: 30}, {Name: "n4", Percent: 90}}
	rec, out := postScale(t, s, "add_label=true&type=cpu", []Target{
		{Namespace: "app", Deployment: "web", Replicas: 3, NodeSorted: ranking},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, []int32{3}, *applied)

	for _, name := range []string{"n2", "n3", "n1"} {
		assert.Equal(t, "kubedoor-scheduler", mustGetNode(t, client, name).Labels["app.web"], "node %s", name)
	}
	assert.NotContains(t, mustGetNode(t, client, "n4").Labels, "app.web")
}

func TestScaleUpIsolateReservesSpareNode(t *testing.T) {
	client := fake.NewSimpleClientset(
		scaleDeployment("app", "web", 1, nil),
		scaleNode("n1", nil),
		scaleNode("n2", nil),
		scaleNode("n3", nil),
		scaleNode("n4", nil),
	)
	installScaleSubresource(client)
	s, _ := newTestScheduler(client, nil)

	ranking := []NodeLoad{{Name: "n2", Percent: 10}, {Name: "n3", Percent: 20}, {Name: "n1", Percent: 30}, {Name: "n4", Percent: 90}}
	rec, _ := postScale(t, s, "add_label=true&isolate=true", []Target{
		{Namespace: "app", Deployment: "web", Replicas: 2, NodeSorted: ranking},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	labeled := 0
	for _, name := range []string{"n1", "n2", "n3", "n4"} {
		if mustGetNode(t, client, name).Labels["app.web"] == "kubedoor-scheduler" {
			labeled++
		}
	}
	assert.Equal(t, 3, labeled)
	assert.NotContains(t, mustGetNode(t, client, "n4").Labels, "app.web")
}

func TestScaleUpPoolExhaustedAborts(t *testing.T) {
	client := fake.NewSimpleClientset(
		scaleDeployment("app", "web", 1, nil),
		scaleNode("n1", map[string]string{"app.web": "kubedoor-scheduler"}),
		scaleNode("n2", nil),
		scaleNode("n3", nil),
	)
	installScaleSubresource(client)
	notify := &fakeNotifier{}
	s, _ := newTestScheduler(client, notify)

	// Only one unlabeled node appears in the ranking, but two more are
	// needed.
	ranking := []NodeLoad{{Name: "n1", Percent: 10}, {Name: "n2", Percent: 20}}
	rec, out := postScale(t, s, "add_label=true", []Target{
		{Namespace: "app", Deployment: "web", Replicas: 3, NodeSorted: ranking},
	})

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "【app】【web】剩余可调度节点不足", out["message"])
	assert.NotContains(t, mustGetNode(t, client, "n2").Labels, "app.web")
	assert.Equal(t, int32(1), *mustGetDeployment(t, client, "app", "web").Spec.Replicas)
	assert.Empty(t, notify.msgs)
}

func TestScaleUpMoreReplicasThanNodesAborts(t *testing.T) {
	client := fake.NewSimpleClientset(
		scaleDeployment("app", "web", 1, nil),
		scaleNode("n1", nil),
		scaleNode("n2", nil),
	)
	installScaleSubresource(client)
	s, _ := newTestScheduler(client, nil)

	rec, out := postScale(t, s, "add_label=true", []Target{
		{Namespace: "app", Deployment: "web", Replicas: 3, NodeSorted: []NodeLoad{{Name: "n1", Percent: 10}, {Name: "n2", Percent: 20}}},
	})

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "【app】【web】副本数不能超过节点总数", out["message"])
	assert.Equal(t, int32(1), *mustGetDeployment(t, client, "app", "web").Spec.Replicas)
}

func TestScaleDownShrinksPoolAndEvicts(t *testing.T) {
	pool := func() map[string]string {
		return map[string]string{"app.web": "kubedoor-scheduler"}
	}
	client := fake.NewSimpleClientset(
		scaleDeployment("app", "web", 3, nil),
		scaleNode("n1", pool()),
		scaleNode("n2", pool()),
		scaleNode("n3", pool()),
		scalePod("app", "web-6d4cf56db9-aaaaa", "n1", map[string]string{"app": "web"}),
		scalePod("app", "web-6d4cf56db9-bbbbb", "n2", map[string]string{"app": "web"}),
		scalePod("app", "web-6d4cf56db9-ccccc", "n3", map[string]string{"app": "web"}),
		scalePod("app", "db-0", "n3", map[string]string{"app": "db"}),
	)
	applied := installScaleSubresource(client)
	installPodFieldSelector(client)
	notify := &fakeNotifier{}
	s, slept := newTestScheduler(client, notify)

	ranking := []NodeLoad{{Name: "n1", Percent: 10}, {Name: "n2", Percent: 50}, {Name: "n3", Percent: 90}}
	rec, out := postScale(t, s, "add_label=true", []Target{
		{Namespace: "app", Deployment: "web", Replicas: 1, NodeSorted: ranking},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, []int32{1}, *applied)

	// The two most loaded pool nodes are released, the coldest stays.
	assert.NotContains(t, mustGetNode(t, client, "n3").Labels, "app.web")
	assert.NotContains(t, mustGetNode(t, client, "n2").Labels, "app.web")
	assert.Equal(t, "kubedoor-scheduler", mustGetNode(t, client, "n1").Labels["app.web"])

	pods, err := client.CoreV1().Pods("app").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	var names []string
	for _, pod := range pods.Items {
		names = append(names, pod.Name)
	}
	assert.ElementsMatch(t, []string{"web-6d4cf56db9-aaaaa", "db-0"}, names)

	assert.Contains(t, slept.slept, rebuildWait)
	require.Len(t, notify.msgs, 1)
	assert.Equal(t, "'【prod】【app】【web】' has been scaled! 3 --> 1", notify.msgs[0])
}

func TestScaleAccumulatesFailures(t *testing.T) {
	client := fake.NewSimpleClientset(scaleDeployment("app", "web", 3, nil))
	applied := installScaleSubresource(client)
	notify := &fakeNotifier{}
	s, _ := newTestScheduler(client, notify)

	rec, out := postScale(t, s, "", []Target{
		{Namespace: "app", Deployment: "ghost", Replicas: 2},
		{Namespace: "app", Deployment: "web", Replicas: 5},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, out["success"])
	message, ok := out["message"].(string)
	require.True(t, ok)
	assert.Contains(t, message, "以下服务未扩缩容成功")
	assert.Contains(t, message, `"deployment_name":"ghost"`)
	assert.Contains(t, message, "not found")

	assert.Equal(t, []int32{5}, *applied)
	require.Len(t, notify.msgs, 1)
	assert.Contains(t, notify.msgs[0], "【web】")
}

func TestScalePausesBetweenTargets(t *testing.T) {
	client := fake.NewSimpleClientset(
		scaleDeployment("app", "web1", 2, nil),
		scaleDeployment("app", "web2", 2, nil),
	)
	applied := installScaleSubresource(client)
	s, slept := newTestScheduler(client, nil)

	rec, _ := postScale(t, s, "interval=7", []Target{
		{Namespace: "app", Deployment: "web1", Replicas: 4},
		{Namespace: "app", Deployment: "web2", Replicas: 4},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int32{4, 4}, *applied)
	// Pauses separate targets, so none follows the last one.
	assert.Equal(t, []time.Duration{7 * time.Second}, slept.slept)
}

func TestScaleCronJobCleanup(t *testing.T) {
	for _, tc := range []struct {
		name    string
		jobType string
		kept    bool
	}{
		{name: "one-shot job removed", jobType: "once", kept: false},
		{name: "recurring job kept", jobType: "cron", kept: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			client := fake.NewSimpleClientset(
				scaleDeployment("app", "web", 2, nil),
				&batchv1.CronJob{ObjectMeta: metav1.ObjectMeta{Namespace: "kubedoor", Name: "scale-web"}},
			)
			installScaleSubresource(client)
			s, _ := newTestScheduler(client, nil)

			rec, _ := postScale(t, s, "", []Target{
				{Namespace: "app", Deployment: "web", Replicas: 3, JobName: "scale-web", JobType: tc.jobType},
			})
			require.Equal(t, http.StatusOK, rec.Code)

			_, err := client.BatchV1().CronJobs("kubedoor").Get(context.Background(), "scale-web", metav1.GetOptions{})
			if tc.kept {
				assert.NoError(t, err)
			} else {
				assert.True(t, apierrors.IsNotFound(err))
			}
		})
	}
}

func TestScaleRejectsBadBody(t *testing.T) {
	client := fake.NewSimpleClientset()
	s, _ := newTestScheduler(client, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/scale", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	s.ServeScale(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, false, out["success"])
}

func TestTempScaleUp(t *testing.T) {
	client := fake.NewSimpleClientset(
		scaleDeployment("app", "web", 2, nil),
		scaleNode("n1", map[string]string{"app.web": "kubedoor-scheduler"}),
		scaleNode("n2", nil),
		scaleNode("n3", nil),
		scaleNode("n4", nil),
		scaleNode("n5", nil),
	)
	s, _ := newTestScheduler(client, nil)

	ranking := []NodeLoad{
		{Name: "n2", Percent: 15}, {Name: "n3", Percent: 40},
		{Name: "n4", Percent: 80}, {Name: "n5", Percent: 95},
	}
	err := s.TempScaleUp(context.Background(), "app", "web", 3, true, ranking)
	require.NoError(t, err)

	dep := mustGetDeployment(t, client, "app", "web")
	assert.Equal(t, int32(3), *dep.Spec.Replicas)
	assert.Equal(t, "2025-08-25 12:00:00@2-->3", dep.Annotations[admission.TempScaleAnnotation])

	// replicas+1 pinned nodes: the spare keeps the workload schedulable
	// while a labeled node drains.
	for _, name := range []string{"n1", "n2", "n3", "n4", "n5"} {
		node := mustGetNode(t, client, name)
		_, labeled := node.Labels["app.web"]
		assert.Equal(t, name != "n5", labeled, name)
	}
}

func TestTempScaleUpErrors(t *testing.T) {
	t.Run("missing deployment", func(t *testing.T) {
		client := fake.NewSimpleClientset()
		s, _ := newTestScheduler(client, nil)

		err := s.TempScaleUp(context.Background(), "app", "ghost", 2, false, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("node pool exhausted", func(t *testing.T) {
		client := fake.NewSimpleClientset(
			scaleDeployment("app", "web", 1, nil),
			scaleNode("n1", nil),
		)
		s, _ := newTestScheduler(client, nil)

		err := s.TempScaleUp(context.Background(), "app", "web", 2, true, []NodeLoad{{Name: "n1", Percent: 5}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "副本数不能超过节点总数")
	})
}
