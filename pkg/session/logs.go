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
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/log/level"
	"github.com/gorilla/websocket"

	"github.com/kubedoor-io/kubedoor/pkg/wire"
)

// logStream is one browser tailing a pod through the coordinator.
type logStream struct {
	id  string
	env string

	writeMtx sync.Mutex
	conn     *websocket.Conn
}

func (l *logStream) writeText(data []byte) error {
	l.writeMtx.Lock()
	defer l.writeMtx.Unlock()
	return l.conn.WriteMessage(websocket.TextMessage, data)
}

// ServeLogStream upgrades a browser connection on /ws/pod-logs and relays
// the pod's log lines from the env's agent until either side hangs up.
func (h *Hub) ServeLogStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	env, namespace, podName := q.Get("env"), q.Get("namespace"), q.Get("pod_name")
	container := q.Get("container")
	if env == "" || namespace == "" || podName == "" {
		writeJSONError(w, http.StatusBadRequest, "缺少必要参数")
		return
	}
	agent := h.agentSession(env)
	if agent == nil {
		writeJSONError(w, http.StatusNotFound, "目标环境不在线")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = level.Warn(h.logger).Log("msg", "log stream upgrade failed", "env", env, "err", err)
		return
	}
	stream := &logStream{
		id:   fmt.Sprintf("%s_%s_%s_%d", env, namespace, podName, time.Now().Unix()),
		env:  env,
		conn: conn,
	}
	h.addStream(stream)
	defer h.closeStream(stream)
	_ = level.Info(h.logger).Log("msg", "pod log stream opened", "connection_id", stream.id)

	start := wire.Frame{
		Type:         wire.TypeStartPodLogs,
		ConnectionID: stream.id,
		Namespace:    namespace,
		PodName:      podName,
		Container:    container,
	}
	if err := agent.writeJSON(start); err != nil {
		_ = level.Warn(h.logger).Log("msg", "starting pod log stream failed", "connection_id", stream.id, "err", err)
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = level.Error(h.logger).Log("msg", "unparseable log stream message", "connection_id", stream.id)
			continue
		}
		if msg.Type == "stop_logs" {
			return
		}
	}
}

// closeStream drops the registry entry and tells the agent to stop
// following the pod.
func (h *Hub) closeStream(stream *logStream) {
	h.removeStream(stream.id)
	_ = stream.conn.Close()
	if agent := h.agentSession(stream.env); agent != nil {
		stop := wire.Frame{Type: wire.TypeStopPodLogs, ConnectionID: stream.id}
		if err := agent.writeJSON(stop); err != nil {
			_ = level.Warn(h.logger).Log("msg", "stopping pod log stream failed", "connection_id", stream.id, "err", err)
		}
	}
	_ = level.Info(h.logger).Log("msg", "pod log stream closed", "connection_id", stream.id)
}

func (h *Hub) agentSession(env string) *session {
	h.mtx.RLock()
	defer h.mtx.RUnlock()
	s, ok := h.sessions[env]
	if !ok || !s.online {
		return nil
	}
	return s
}

func (h *Hub) addStream(l *logStream) {
	h.mtx.Lock()
	h.streams[l.id] = l
	logStreamsOpen.Set(float64(len(h.streams)))
	h.mtx.Unlock()
}

func (h *Hub) removeStream(id string) {
	h.mtx.Lock()
	delete(h.streams, id)
	logStreamsOpen.Set(float64(len(h.streams)))
	h.mtx.Unlock()
}

// fanOutRaw forwards one bare log line from env's agent to every browser
// tailing a pod there. Streams whose socket fails are dropped.
func (h *Hub) fanOutRaw(env string, line []byte) {
	text := bytes.TrimSpace(line)
	if len(text) == 0 {
		return
	}
	for _, stream := range h.streamsFor(env) {
		if err := stream.writeText(text); err != nil {
			_ = level.Warn(h.logger).Log("msg", "log line relay failed", "connection_id", stream.id, "err", err)
			h.removeStream(stream.id)
		}
	}
}

func (h *Hub) streamsFor(env string) []*logStream {
	h.mtx.RLock()
	defer h.mtx.RUnlock()
	var out []*logStream
	for _, l := range h.streams {
		if l.env == env {
			out = append(out, l)
		}
	}
	return out
}

// routeLogFrame forwards a pod_logs control frame to the browser it
// belongs to.
func (h *Hub) routeLogFrame(connectionID string, raw []byte) {
	h.mtx.RLock()
	stream, ok := h.streams[connectionID]
	h.mtx.RUnlock()
	if !ok {
		return
	}
	if err := stream.writeText(raw); err != nil {
		_ = level.Warn(h.logger).Log("msg", "log frame relay failed", "connection_id", connectionID, "err", err)
		h.removeStream(connectionID)
	}
}
