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

package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubedoor-io/kubedoor/pkg/wire"
)

type fakeAgentStore struct {
	mtx   sync.Mutex
	inits []string
}

func (f *fakeAgentStore) InitAgent(_ context.Context, env string) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.inits = append(f.inits, env)
	return nil
}

func (f *fakeAgentStore) initedEnvs() []string {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return append([]string(nil), f.inits...)
}

type fakeResolver struct {
	mtx        sync.Mutex
	env        string
	namespace  string
	deployment string
	reply      *wire.AdmisReply
}

func (f *fakeResolver) Resolve(_ context.Context, env, namespace, deployment string) *wire.AdmisReply {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.env, f.namespace, f.deployment = env, namespace, deployment
	return f.reply
}

type fakeEventSink struct {
	mtx  sync.Mutex
	recs []wire.EventRecord
}

func (f *fakeEventSink) Process(_ context.Context, rec wire.EventRecord) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.recs = append(f.recs, rec)
	return nil
}

func (f *fakeEventSink) records() []wire.EventRecord {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return append([]wire.EventRecord(nil), f.recs...)
}

func newTestHub(t *testing.T, resolver AdmisResolver, sink EventSink) (*Hub, *httptest.Server, *fakeAgentStore) {
	t.Helper()
	store := &fakeAgentStore{}
	hub := NewHub(log.NewNopLogger(), store, resolver, sink, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeAgent)
	mux.HandleFunc("/ws/pod-logs", hub.ServeLogStream)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return hub, srv, store
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func dialAgent(t *testing.T, srv *httptest.Server, env string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws?env="+env+"&ver=v1.2.3"), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitOnline(t *testing.T, hub *Hub, env string) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.Online(env) }, 5*time.Second, 10*time.Millisecond)
}

func TestServeAgentRequiresEnv(t *testing.T) {
	_, srv, _ := newTestHub(t, nil, nil)

	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "缺少 env 参数", body["error"])
}

func TestServeAgentRejectsDuplicate(t *testing.T) {
	hub, srv, _ := newTestHub(t, nil, nil)
	dialAgent(t, srv, "prod")
	waitOnline(t, hub, "prod")

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws?env=prod"), nil)
	require.Error(t, err)
	require.Nil(t, conn)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAgentReconnectKeepsGateRow(t *testing.T) {
	hub, srv, store := newTestHub(t, nil, nil)
	conn := dialAgent(t, srv, "prod")
	waitOnline(t, hub, "prod")

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return !hub.Online("prod") }, 5*time.Second, 10*time.Millisecond)

	dialAgent(t, srv, "prod")
	waitOnline(t, hub, "prod")

	assert.Equal(t, []string{"prod"}, store.initedEnvs())
}

func TestForwardRoundTrip(t *testing.T) {
	hub, srv, _ := newTestHub(t, nil, nil)
	conn := dialAgent(t, srv, "prod")
	waitOnline(t, hub, "prod")

	type fwd struct {
		body json.RawMessage
		err  error
	}
	done := make(chan fwd, 1)
	go func() {
		body, err := hub.Forward(context.Background(), "prod", "POST", "/api/scale",
			map[string]string{"env": "prod"}, json.RawMessage(`[{"replicas":3}]`))
		done <- fwd{body, err}
	}()

	var frame wire.Frame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, wire.TypeRequest, frame.Type)
	assert.Equal(t, "POST", frame.Method)
	assert.Equal(t, "/api/scale", frame.Path)
	assert.Equal(t, "prod", frame.Query["env"])
	assert.True(t, strings.HasPrefix(frame.RequestID, "prod-"))
	assert.JSONEq(t, `[{"replicas":3}]`, string(frame.Body))

	reply := wire.Frame{Type: wire.TypeResponse, RequestID: frame.RequestID, Response: json.RawMessage(`{"message":"ok"}`)}
	require.NoError(t, conn.WriteJSON(reply))

	res := <-done
	require.NoError(t, res.err)
	assert.JSONEq(t, `{"message":"ok"}`, string(res.body))
}

func TestForwardOffline(t *testing.T) {
	hub, _, _ := newTestHub(t, nil, nil)
	_, err := hub.Forward(context.Background(), "ghost", "GET", "/api/nodes", nil, nil)
	require.ErrorIs(t, err, ErrAgentOffline)
}

func TestForwardTimeout(t *testing.T) {
	hub, srv, _ := newTestHub(t, nil, nil)
	hub.requestTimeout = 100 * time.Millisecond
	dialAgent(t, srv, "prod")
	waitOnline(t, hub, "prod")

	_, err := hub.Forward(context.Background(), "prod", "GET", "/api/nodes", nil, nil)
	require.ErrorIs(t, err, ErrRequestTimeout)
}

func TestForwardFailsWhenSessionDrops(t *testing.T) {
	hub, srv, _ := newTestHub(t, nil, nil)
	conn := dialAgent(t, srv, "prod")
	waitOnline(t, hub, "prod")

	type fwd struct {
		err error
	}
	done := make(chan fwd, 1)
	go func() {
		_, err := hub.Forward(context.Background(), "prod", "GET", "/api/nodes", nil, nil)
		done <- fwd{err}
	}()

	var frame wire.Frame
	require.NoError(t, conn.ReadJSON(&frame))
	require.NoError(t, conn.Close())

	select {
	case res := <-done:
		require.ErrorIs(t, res.err, ErrSessionClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("forward did not fail after session drop")
	}
}

func TestHeartbeatSweepAndRevive(t *testing.T) {
	hub, srv, _ := newTestHub(t, nil, nil)
	conn := dialAgent(t, srv, "prod")
	waitOnline(t, hub, "prod")

	hub.mtx.Lock()
	hub.sessions["prod"].lastHeartbeat = time.Now().Add(-6 * time.Second)
	hub.mtx.Unlock()
	hub.sweep(time.Now())
	assert.False(t, hub.Online("prod"))

	require.NoError(t, conn.WriteJSON(wire.Frame{Type: wire.TypeHeartbeat}))
	waitOnline(t, hub, "prod")

	snap := hub.Snapshot()
	require.Contains(t, snap, "prod")
	assert.True(t, snap["prod"].Online)
	assert.Equal(t, "v1.2.3", snap["prod"].Ver)
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}$`, snap["prod"].LastHeartbeat)
}

func TestAdmisQueryAnswered(t *testing.T) {
	resolver := &fakeResolver{reply: wire.Governed(wire.Govern{
		PodCount: 3, PodCountAI: -1, PodCountManual: -1,
		RequestCPUMilli: 100, RequestMemMB: 256, LimitCPUMilli: 1000, LimitMemMB: 512,
		Scheduler: true,
	})}
	hub, srv, _ := newTestHub(t, resolver, nil)
	conn := dialAgent(t, srv, "prod")
	waitOnline(t, hub, "prod")

	query := wire.Frame{Type: wire.TypeAdmis, RequestID: "uid-1", Namespace: "app", Deployment: "web"}
	require.NoError(t, conn.WriteJSON(query))

	var reply wire.Frame
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, wire.TypeAdmis, reply.Type)
	assert.Equal(t, "uid-1", reply.RequestID)
	require.NotNil(t, reply.DeployRes)
	assert.Equal(t, wire.AdmisGovern, reply.DeployRes.Kind)
	assert.Equal(t, 3, reply.DeployRes.Govern.PodCount)
	assert.True(t, reply.DeployRes.Govern.Scheduler)

	resolver.mtx.Lock()
	defer resolver.mtx.Unlock()
	assert.Equal(t, "prod", resolver.env)
	assert.Equal(t, "app", resolver.namespace)
	assert.Equal(t, "web", resolver.deployment)
}

func TestEventIngestion(t *testing.T) {
	sink := &fakeEventSink{}
	hub, srv, _ := newTestHub(t, nil, sink)
	conn := dialAgent(t, srv, "prod")
	waitOnline(t, hub, "prod")

	rec := wire.EventRecord{
		EventUID:    "uid-9",
		EventStatus: "ADDED",
		Level:       "Warning",
		Kind:        "Pod",
		Namespace:   "app",
		Name:        "web-abc",
		Reason:      "BackOff",
	}
	require.NoError(t, conn.WriteJSON(wire.Frame{Type: wire.TypeK8sEvent, Event: &rec}))

	require.Eventually(t, func() bool { return len(sink.records()) == 1 }, 5*time.Second, 10*time.Millisecond)
	got := sink.records()[0]
	assert.Equal(t, "uid-9", got.EventUID)
	// The cluster name falls back to the session env.
	assert.Equal(t, "prod", got.K8S)
}

func TestLogStreamValidation(t *testing.T) {
	_, srv, _ := newTestHub(t, nil, nil)

	resp, err := http.Get(srv.URL + "/ws/pod-logs?env=prod")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/ws/pod-logs?env=prod&namespace=app&pod_name=web-abc")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "目标环境不在线", body["error"])
}

func TestLogStreamRelay(t *testing.T) {
	hub, srv, _ := newTestHub(t, nil, nil)
	agent := dialAgent(t, srv, "prod")
	waitOnline(t, hub, "prod")

	browser, resp, err := websocket.DefaultDialer.Dial(
		wsURL(srv, "/ws/pod-logs?env=prod&namespace=app&pod_name=web-abc&container=main"), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.NoError(t, browser.SetReadDeadline(time.Now().Add(5*time.Second)))
	t.Cleanup(func() { _ = browser.Close() })

	var start wire.Frame
	require.NoError(t, agent.ReadJSON(&start))
	assert.Equal(t, wire.TypeStartPodLogs, start.Type)
	assert.Equal(t, "app", start.Namespace)
	assert.Equal(t, "web-abc", start.PodName)
	assert.Equal(t, "main", start.Container)
	assert.True(t, strings.HasPrefix(start.ConnectionID, "prod_app_web-abc_"))

	// Bare text from the agent reaches every browser tailing this env.
	require.NoError(t, agent.WriteMessage(websocket.TextMessage, []byte("log line one\n")))
	_, line, err := browser.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "log line one", string(line))

	// Control frames are routed by connection id.
	ctrl := wire.Frame{Type: wire.TypePodLogs, ConnectionID: start.ConnectionID, Status: "connected"}
	require.NoError(t, agent.WriteJSON(ctrl))
	var got wire.Frame
	require.NoError(t, browser.ReadJSON(&got))
	assert.Equal(t, wire.TypePodLogs, got.Type)
	assert.Equal(t, "connected", got.Status)

	// A stop request tells the agent to tear the stream down.
	require.NoError(t, browser.WriteJSON(map[string]string{"type": "stop_logs"}))
	var stop wire.Frame
	require.NoError(t, agent.ReadJSON(&stop))
	assert.Equal(t, wire.TypeStopPodLogs, stop.Type)
	assert.Equal(t, start.ConnectionID, stop.ConnectionID)
}
