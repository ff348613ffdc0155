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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func rankedNodes(names ...string) []corev1.Node {
	nodes := make([]corev1.Node, 0, len(names))
	for _, name := range names {
		nodes = append(nodes, *scaleNode(name, nil))
	}
	return nodes
}

func TestPickScaleUpNodes(t *testing.T) {
	ranking := []NodeLoad{
		{Name: "a", Percent: 10},
		{Name: "b", Percent: 20},
		{Name: "c", Percent: 30},
		{Name: "d", Percent: 40},
	}
	for _, tc := range []struct {
		name    string
		labeled map[string]bool
		ranking []NodeLoad
		needed  int
		want    []string
	}{
		{
			name:    "least loaded first",
			labeled: map[string]bool{"b": true},
			ranking: ranking,
			needed:  2,
			want:    []string{"a", "c"},
		},
		{
			name:    "pool drained to the last node",
			labeled: map[string]bool{"b": true},
			ranking: ranking,
			needed:  3,
			want:    []string{"a", "c", "d"},
		},
		{
			name:    "not enough unlabeled nodes",
			labeled: map[string]bool{"b": true},
			ranking: ranking,
			needed:  4,
			want:    nil,
		},
		{
			name:    "ranking order taken as given",
			labeled: map[string]bool{},
			ranking: []NodeLoad{{Name: "d", Percent: 5}, {Name: "a", Percent: 50}},
			needed:  2,
			want:    []string{"d", "a"},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := pickScaleUpNodes(rankedNodes("a", "b", "c", "d"), tc.labeled, tc.ranking, tc.needed)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestPickScaleDownNodes(t *testing.T) {
	ranking := []NodeLoad{
		{Name: "a", Percent: 10},
		{Name: "b", Percent: 20},
		{Name: "c", Percent: 30},
		{Name: "d", Percent: 40},
	}
	for _, tc := range []struct {
		name    string
		labeled map[string]bool
		ranking []NodeLoad
		count   int
		want    []string
	}{
		{
			name:    "most loaded first",
			labeled: map[string]bool{"a": true, "b": true, "c": true},
			ranking: ranking,
			count:   2,
			want:    []string{"c", "b"},
		},
		{
			name:    "count larger than pool",
			labeled: map[string]bool{"a": true, "b": true, "c": true},
			ranking: ranking,
			count:   5,
			want:    []string{"c", "b", "a"},
		},
		{
			name:    "nothing requested",
			labeled: map[string]bool{"a": true},
			ranking: ranking,
			count:   0,
			want:    []string{},
		},
		{
			name:    "equal load keeps ranking order",
			labeled: map[string]bool{"b": true, "c": true},
			ranking: []NodeLoad{{Name: "a", Percent: 30}, {Name: "b", Percent: 20}, {Name: "c", Percent: 20}},
			count:   2,
			want:    []string{"b", "c"},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := pickScaleDownNodes(rankedNodes("a", "b", "c", "d"), tc.labeled, tc.ranking, tc.count)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSetNodeLabelRoundtrip(t *testing.T) {
	client := fake.NewSimpleClientset(scaleNode("n1", map[string]string{"zone": "a"}))
	s, _ := newTestScheduler(client, nil)
	ctx := context.Background()

	value := "kubedoor-scheduler"
	require.NoError(t, s.setNodeLabel(ctx, "n1", "app.web", &value))
	node := mustGetNode(t, client, "n1")
	assert.Equal(t, "kubedoor-scheduler", node.Labels["app.web"])
	assert.Equal(t, "a", node.Labels["zone"])

	require.NoError(t, s.setNodeLabel(ctx, "n1", "app.web", nil))
	node = mustGetNode(t, client, "n1")
	assert.NotContains(t, node.Labels, "app.web")
	assert.Equal(t, "a", node.Labels["zone"])
}

func TestEvictOnePodPerNode(t *testing.T) {
	client := fake.NewSimpleClientset(
		scaleDeployment("app", "web", 3, nil),
		scalePod("app", "web-6d4cf56db9-aaaaa", "n1", map[string]string{"app": "web"}),
		scalePod("app", "web-6d4cf56db9-bbbbb", "n1", map[string]string{"app": "web"}),
		scalePod("app", "web-6d4cf56db9-ccccc", "n2", map[string]string{"app": "web"}),
		scalePod("app", "db-6d4cf56db9-ddddd", "n1", map[string]string{"app": "db"}),
	)
	installPodFieldSelector(client)
	s, _ := newTestScheduler(client, nil)

	deleted, err := s.evictOnePodPerNode(context.Background(), "app", "web", []string{"n1", "n2", "n3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"web-6d4cf56db9-aaaaa", "web-6d4cf56db9-ccccc"}, deleted)

	pods, err := client.CoreV1().Pods("app").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	var names []string
	for _, pod := range pods.Items {
		names = append(names, pod.Name)
	}
	assert.ElementsMatch(t, []string{"web-6d4cf56db9-bbbbb", "db-6d4cf56db9-ddddd"}, names)
}

func TestEvictOnePodPerNodeMissingDeployment(t *testing.T) {
	client := fake.NewSimpleClientset()
	s, _ := newTestScheduler(client, nil)

	_, err := s.evictOnePodPerNode(context.Background(), "app", "ghost", []string{"n1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "删除pod失败")
}

func TestEvictOnePodPerNodeNoSelector(t *testing.T) {
	dep := scaleDeployment("app", "web", 1, nil)
	dep.Spec.Selector = nil
	client := fake.NewSimpleClientset(dep)
	s, _ := newTestScheduler(client, nil)

	_, err := s.evictOnePodPerNode(context.Background(), "app", "web", []string{"n1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no pod selector")
}
