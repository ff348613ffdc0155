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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	ktesting "k8s.io/client-go/testing"
)

type balanceResponse struct {
	Message string            `json:"message"`
	Success bool              `json:"success"`
	Results []MigrationResult `json:"results"`
}

func postBalance(t *testing.T, s *Scheduler, body any) (*httptest.ResponseRecorder, balanceResponse) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/balance_node", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	s.ServeBalance(rec, req)
	var out balanceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return rec, out
}

func TestBalanceMigratesWorkloads(t *testing.T) {
	client := fake.NewSimpleClientset(
		scaleNode("src", map[string]string{"app.web": "kubedoor-scheduler"}),
		scaleNode("tgt", nil),
		scalePod("app", "web-6d4cf56db9-abcde", "src", map[string]string{"app": "web"}),
		scalePod("app", "web-canary", "src", map[string]string{"app": "web"}),
		scalePod("app", "db-5f5f9d7b4-xxxxx", "src", map[string]string{"app": "db"}),
		scalePod("app", "web-6d4cf56db9-zzzzz", "tgt", map[string]string{"app": "web"}),
	)
	installPodFieldSelector(client)
	s, _ := newTestScheduler(client, nil)

	rec, out := postBalance(t, s, BalanceRequest{
		Source:         "src",
		Target:         "tgt",
		TopDeployments: []BalanceTarget{{Namespace: "app", Deployment: "web"}},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, out.Success)
	assert.Equal(t, "节点均衡操作完成: src -> tgt", out.Message)
	require.Len(t, out.Results, 1)
	assert.Equal(t, "success", out.Results[0].Status)
	assert.Equal(t, []string{"web-6d4cf56db9-abcde"}, out.Results[0].DeletedPods)

	assert.NotContains(t, mustGetNode(t, client, "src").Labels, "app.web")
	assert.Equal(t, "kubedoor-scheduler", mustGetNode(t, client, "tgt").Labels["app.web"])

	pods, err := client.CoreV1().Pods("app").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	var names []string
	for _, pod := range pods.Items {
		names = append(names, pod.Name)
	}
	assert.ElementsMatch(t, []string{"web-canary", "db-5f5f9d7b4-xxxxx", "web-6d4cf56db9-zzzzz"}, names)
}

func TestBalanceRequiresParams(t *testing.T) {
	for _, tc := range []struct {
		name string
		body BalanceRequest
	}{
		{name: "empty request", body: BalanceRequest{}},
		{name: "missing target", body: BalanceRequest{Source: "src", TopDeployments: []BalanceTarget{{Namespace: "app", Deployment: "web"}}}},
		{name: "no workloads", body: BalanceRequest{Source: "src", Target: "tgt"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := newTestScheduler(fake.NewSimpleClientset(), nil)
			rec, out := postBalance(t, s, tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.False(t, out.Success)
			assert.Equal(t, "缺少必要参数", out.Message)
		})
	}
}

func TestBalanceSourceUnlabelFailureStopsMigration(t *testing.T) {
	client := fake.NewSimpleClientset(
		scaleNode("src", map[string]string{"app.web": "kubedoor-scheduler"}),
		scaleNode("tgt", nil),
		scalePod("app", "web-6d4cf56db9-abcde", "src", map[string]string{"app": "web"}),
	)
	installPodFieldSelector(client)
	client.PrependReactor("patch", "nodes", func(action ktesting.Action) (bool, runtime.Object, error) {
		if action.(ktesting.PatchAction).GetName() == "src" {
			return true, nil, errors.New("node is cordoned")
		}
		return false, nil, nil
	})
	s, _ := newTestScheduler(client, nil)

	rec, out := postBalance(t, s, BalanceRequest{
		Source:         "src",
		Target:         "tgt",
		TopDeployments: []BalanceTarget{{Namespace: "app", Deployment: "web"}},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, out.Success)
	require.Len(t, out.Results, 1)
	assert.Equal(t, "failed", out.Results[0].Status)
	assert.Contains(t, out.Results[0].Error, "删除标签失败: node is cordoned")
	assert.Empty(t, out.Results[0].DeletedPods)

	// The migration stops before touching the target node or any pods.
	assert.NotContains(t, mustGetNode(t, client, "tgt").Labels, "app.web")
	pods, err := client.CoreV1().Pods("app").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, pods.Items, 1)
}

func TestBalanceTargetLabelFailureContinues(t *testing.T) {
	client := fake.NewSimpleClientset(
		scaleNode("src", map[string]string{"app.web": "kubedoor-scheduler"}),
		scaleNode("tgt", nil),
		scalePod("app", "web-6d4cf56db9-abcde", "src", map[string]string{"app": "web"}),
	)
	installPodFieldSelector(client)
	client.PrependReactor("patch", "nodes", func(action ktesting.Action) (bool, runtime.Object, error) {
		if action.(ktesting.PatchAction).GetName() == "tgt" {
			return true, nil, errors.New("node is cordoned")
		}
		return false, nil, nil
	})
	s, _ := newTestScheduler(client, nil)

	rec, out := postBalance(t, s, BalanceRequest{
		Source:         "src",
		Target:         "tgt",
		TopDeployments: []BalanceTarget{{Namespace: "app", Deployment: "web"}},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, out.Results, 1)
	assert.Equal(t, "success", out.Results[0].Status)
	assert.Equal(t, []string{"web-6d4cf56db9-abcde"}, out.Results[0].DeletedPods)
	assert.NotContains(t, mustGetNode(t, client, "src").Labels, "app.web")
	assert.NotContains(t, mustGetNode(t, client, "tgt").Labels, "app.web")
}

func TestBalanceSkipsIncompleteEntries(t *testing.T) {
	client := fake.NewSimpleClientset(
		scaleNode("src", map[string]string{"app.web": "kubedoor-scheduler"}),
		scaleNode("tgt", nil),
	)
	installPodFieldSelector(client)
	s, _ := newTestScheduler(client, nil)

	rec, out := postBalance(t, s, BalanceRequest{
		Source: "src",
		Target: "tgt",
		TopDeployments: []BalanceTarget{
			{Namespace: "", Deployment: "web"},
			{Namespace: "app", Deployment: ""},
			{Namespace: "app", Deployment: "web"},
		},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, out.Results, 1)
	assert.Equal(t, "web", out.Results[0].Deployment)
}

func TestBalanceRejectsBadBody(t *testing.T) {
	s, _ := newTestScheduler(fake.NewSimpleClientset(), nil)

	httpReq := httptest.NewRequest(http.MethodPost, "/api/balance_node", bytes.NewReader([]byte("{bad")))
	rec := httptest.NewRecorder()
	s.ServeBalance(rec, httpReq)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, false, out["success"])
	assert.Contains(t, out["message"], "decode balance request")
}
