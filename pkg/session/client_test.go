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
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubedoor-io/kubedoor/pkg/wire"
)

type stubConn struct {
	conn *websocket.Conn
	env  string
	ver  string
}

type masterStub struct {
	srv   *httptest.Server
	conns chan *stubConn
}

func newMasterStub(t *testing.T) *masterStub {
	t.Helper()
	m := &masterStub{conns: make(chan *stubConn, 4)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		m.conns <- &stubConn{conn: conn, env: r.URL.Query().Get("env"), ver: r.URL.Query().Get("ver")}
	})
	m.srv = httptest.NewServer(mux)
	t.Cleanup(m.srv.Close)
	return m
}

func (m *masterStub) wait(t *testing.T) *stubConn {
	t.Helper()
	select {
	case sc := <-m.conns:
		require.NoError(t, sc.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		t.Cleanup(func() { _ = sc.conn.Close() })
		return sc
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not connect")
		return nil
	}
}

// readFrameOfType skips interleaved heartbeats until the wanted frame shows up.
func readFrameOfType(t *testing.T, conn *websocket.Conn, typ string) wire.Frame {
	t.Helper()
	for {
		var frame wire.Frame
		require.NoError(t, conn.ReadJSON(&frame))
		if frame.Type == typ {
			return frame
		}
		require.Equal(t, wire.TypeHeartbeat, frame.Type)
	}
}

type startCall struct {
	id, namespace, pod, container string
}

type fakeHandler struct {
	mtx      sync.Mutex
	response json.RawMessage
	method   string
	path     string
	query    map[string]string
	body     json.RawMessage
	started  []startCall
	stopped  []string
}

func (f *fakeHandler) HandleRequest(_ context.Context, method, path string, query map[string]string, body json.RawMessage) json.RawMessage {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.method, f.path, f.query, f.body = method, path, query, body
	return f.response
}

func (f *fakeHandler) StartPodLogs(_ context.Context, sink Sink, connectionID, namespace, podName, container string) {
	f.mtx.Lock()
	f.started = append(f.started, startCall{connectionID, namespace, podName, container})
	f.mtx.Unlock()
	_ = sink.SendText("hello from " + podName)
}

func (f *fakeHandler) StopPodLogs(connectionID string) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.stopped = append(f.stopped, connectionID)
}

func (f *fakeHandler) stoppedIDs() []string {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return append([]string(nil), f.stopped...)
}

func newTestClient(t *testing.T, m *masterStub, h Handler) *Client {
	t.Helper()
	c, err := NewClient(log.NewNopLogger(), m.srv.URL, "prod", "v1.2.3", h, nil)
	require.NoError(t, err)
	c.backoff = 10 * time.Millisecond
	return c
}

func TestNewClientURL(t *testing.T) {
	tests := []struct {
		master string
		want   string
	}{
		{"http://master.kubedoor", "ws://master.kubedoor/ws?env=prod&ver=v1.2.3"},
		{"https://master.kubedoor/base/", "wss://master.kubedoor/base/ws?env=prod&ver=v1.2.3"},
		{"ws://master.kubedoor", "ws://master.kubedoor/ws?env=prod&ver=v1.2.3"},
	}
	for _, tc := range tests {
		c, err := NewClient(nil, tc.master, "prod", "v1.2.3", nil, nil)
		require.NoError(t, err)
		assert.Equal(t, tc.want, c.url)
	}

	_, err := NewClient(nil, "ftp://master", "prod", "v1", nil, nil)
	require.Error(t, err)
}

func TestClientServesRequests(t *testing.T) {
	m := newMasterStub(t)
	h := &fakeHandler{response: json.RawMessage(`{"success":true}`)}
	c := newTestClient(t, m, h)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	sc := m.wait(t)
	assert.Equal(t, "prod", sc.env)
	assert.Equal(t, "v1.2.3", sc.ver)

	// The first frame after connecting is a heartbeat.
	var hb wire.Frame
	require.NoError(t, sc.conn.ReadJSON(&hb))
	assert.Equal(t, wire.TypeHeartbeat, hb.Type)
	require.Eventually(t, c.Connected, 5*time.Second, 10*time.Millisecond)

	req := wire.Frame{
		Type:      wire.TypeRequest,
		RequestID: "prod-1",
		Method:    "GET",
		Path:      "/api/nodes",
		Query:     map[string]string{"env": "prod"},
	}
	require.NoError(t, sc.conn.WriteJSON(req))

	resp := readFrameOfType(t, sc.conn, wire.TypeResponse)
	assert.Equal(t, "prod-1", resp.RequestID)
	assert.JSONEq(t, `{"success":true}`, string(resp.Response))

	h.mtx.Lock()
	assert.Equal(t, "GET", h.method)
	assert.Equal(t, "/api/nodes", h.path)
	assert.Equal(t, "prod", h.query["env"])
	h.mtx.Unlock()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("client did not stop")
	}
}

func TestClientPodLogStream(t *testing.T) {
	m := newMasterStub(t)
	h := &fakeHandler{}
	c := newTestClient(t, m, h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	sc := m.wait(t)
	require.Eventually(t, c.Connected, 5*time.Second, 10*time.Millisecond)

	start := wire.Frame{Type: wire.TypeStartPodLogs, ConnectionID: "prod_app_web-abc_1", Namespace: "app", PodName: "web-abc"}
	require.NoError(t, sc.conn.WriteJSON(start))

	// The fake streamer writes one bare line through the sink.
	for {
		kind, data, err := sc.conn.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, websocket.TextMessage, kind)
		var frame wire.Frame
		if json.Unmarshal(data, &frame) == nil && frame.Type != "" {
			require.Equal(t, wire.TypeHeartbeat, frame.Type)
			continue
		}
		assert.Equal(t, "hello from web-abc", string(data))
		break
	}

	stop := wire.Frame{Type: wire.TypeStopPodLogs, ConnectionID: "prod_app_web-abc_1"}
	require.NoError(t, sc.conn.WriteJSON(stop))
	require.Eventually(t, func() bool {
		ids := h.stoppedIDs()
		return len(ids) == 1 && ids[0] == "prod_app_web-abc_1"
	}, 5*time.Second, 10*time.Millisecond)

	h.mtx.Lock()
	require.Len(t, h.started, 1)
	assert.Equal(t, startCall{"prod_app_web-abc_1", "app", "web-abc", ""}, h.started[0])
	h.mtx.Unlock()
}

func TestAskAdmisNotConnected(t *testing.T) {
	m := newMasterStub(t)
	c := newTestClient(t, m, &fakeHandler{})

	_, err := c.AskAdmis(context.Background(), "uid-1", "app", "web")
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestAskAdmisRoundTrip(t *testing.T) {
	m := newMasterStub(t)
	c := newTestClient(t, m, &fakeHandler{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	sc := m.wait(t)
	require.Eventually(t, c.Connected, 5*time.Second, 10*time.Millisecond)

	type res struct {
		reply *wire.AdmisReply
		err   error
	}
	done := make(chan res, 1)
	go func() {
		reply, err := c.AskAdmis(context.Background(), "uid-1", "app", "web")
		done <- res{reply, err}
	}()

	query := readFrameOfType(t, sc.conn, wire.TypeAdmis)
	assert.Equal(t, "uid-1", query.RequestID)
	assert.Equal(t, "app", query.Namespace)
	assert.Equal(t, "web", query.Deployment)

	reply := wire.Frame{Type: wire.TypeAdmis, RequestID: "uid-1", DeployRes: wire.Denied(404, "部署失败")}
	require.NoError(t, sc.conn.WriteJSON(reply))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.NotNil(t, r.reply)
		assert.Equal(t, wire.AdmisDenied, r.reply.Kind)
		assert.Equal(t, 404, r.reply.Code)
		assert.Equal(t, "部署失败", r.reply.Message)
	case <-time.After(5 * time.Second):
		t.Fatal("admission reply not delivered")
	}
}

func TestAskAdmisTimeout(t *testing.T) {
	m := newMasterStub(t)
	c := newTestClient(t, m, &fakeHandler{})
	c.admisTimeout = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	m.wait(t)
	require.Eventually(t, c.Connected, 5*time.Second, 10*time.Millisecond)

	_, err := c.AskAdmis(context.Background(), "uid-1", "app", "web")
	require.ErrorIs(t, err, ErrReplyTimeout)
}

func TestClientReconnects(t *testing.T) {
	m := newMasterStub(t)
	c := newTestClient(t, m, &fakeHandler{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	first := m.wait(t)
	require.NoError(t, first.conn.Close())

	second := m.wait(t)
	assert.Equal(t, "prod", second.env)
	require.Eventually(t, c.Connected, 5*time.Second, 10*time.Millisecond)
}
