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

// Package session maintains the persistent websocket sessions between the
// coordinator and its cluster agents: the per-env registry, heartbeat
// liveness, request/response correlation and the browser log fan-out.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kubedoor-io/kubedoor/pkg/wire"
)

var (
	agentsOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kubedoor_agent_sessions_online",
		Help: "Number of agent sessions currently marked online.",
	})
	forwardedRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kubedoor_session_requests_total",
		Help: "Requests forwarded to agents over their sessions.",
	})
	forwardTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kubedoor_session_request_timeouts_total",
		Help: "Forwarded requests that timed out waiting for the agent.",
	})
	logStreamsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kubedoor_pod_log_streams",
		Help: "Browser pod log streams currently open.",
	})
)

var (
	// ErrAgentOffline reports that the target env has no live session.
	ErrAgentOffline = errors.New("agent offline")
	// ErrRequestTimeout reports that the agent did not answer in time.
	ErrRequestTimeout = errors.New("agent did not respond")
	// ErrSessionClosed reports that the session dropped while a request
	// was in flight.
	ErrSessionClosed = errors.New("agent session closed")
)

// AgentStore persists a default gate row the first time an env connects.
type AgentStore interface {
	InitAgent(ctx context.Context, env string) error
}

// AdmisResolver answers agent admission queries from the control table.
// It never fails; store trouble is encoded as a denial reply.
type AdmisResolver interface {
	Resolve(ctx context.Context, env, namespace, deployment string) *wire.AdmisReply
}

// EventSink ingests Kubernetes event records shipped by agents.
type EventSink interface {
	Process(ctx context.Context, rec wire.EventRecord) error
}

// Hub is the coordinator-side session registry, keyed by env. Sessions
// survive disconnects as offline entries so the status API keeps reporting
// clusters it has seen before.
type Hub struct {
	logger log.Logger
	store  AgentStore
	admis  AdmisResolver
	events EventSink

	requestTimeout time.Duration
	upgrader       websocket.Upgrader

	mtx      sync.RWMutex
	sessions map[string]*session
	streams  map[string]*logStream
}

// NewHub returns a hub. admis and events may be nil, disabling the
// respective inbound frame handling.
func NewHub(logger log.Logger, store AgentStore, admis AdmisResolver, events EventSink, reg prometheus.Registerer) *Hub {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(agentsOnline, forwardedRequests, forwardTimeouts, logStreamsOpen)
	}
	return &Hub{
		logger:         logger,
		store:          store,
		admis:          admis,
		events:         events,
		requestTimeout: wire.RequestTimeout,
		// Browsers reach the coordinator from the dashboard's origin.
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		sessions: map[string]*session{},
		streams:  map[string]*logStream{},
	}
}

// session is one connected agent. Registry state is guarded by the hub
// mutex; writeMtx serializes socket writes, which gorilla requires.
type session struct {
	env string
	ver string

	writeMtx sync.Mutex
	conn     *websocket.Conn

	online        bool
	lastHeartbeat time.Time
	pending       map[string]chan forwardResult
}

type forwardResult struct {
	body json.RawMessage
	err  error
}

func (s *session) writeJSON(v any) error {
	s.writeMtx.Lock()
	defer s.writeMtx.Unlock()
	return s.conn.WriteJSON(v)
}

// ServeAgent upgrades an agent registration on /ws and pumps its frames
// until the socket drops. A second live session for the same env is
// rejected so two agents cannot steal each other's requests.
func (h *Hub) ServeAgent(w http.ResponseWriter, r *http.Request) {
	env := r.URL.Query().Get("env")
	ver := r.URL.Query().Get("ver")
	if ver == "" {
		ver = "unknown"
	}
	if env == "" {
		writeJSONError(w, http.StatusBadRequest, "缺少 env 参数")
		return
	}
	if h.Online(env) {
		writeJSONError(w, http.StatusConflict, "目标客户端已在线")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = level.Warn(h.logger).Log("msg", "agent upgrade failed", "env", env, "err", err)
		return
	}
	s := &session{
		env:           env,
		ver:           ver,
		conn:          conn,
		online:        true,
		lastHeartbeat: time.Now(),
		pending:       map[string]chan forwardResult{},
	}
	first := h.register(s)
	_ = level.Info(h.logger).Log("msg", "agent connected", "env", env, "ver", ver)
	if first {
		if err := h.store.InitAgent(r.Context(), env); err != nil {
			_ = level.Error(h.logger).Log("msg", "initializing agent gate row failed", "env", env, "err", err)
		}
	}
	h.readLoop(r.Context(), s)
}

// register installs s as the session for its env. A replaced session has
// its in-flight requests failed and its socket closed.
func (h *Hub) register(s *session) (first bool) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	prev, ok := h.sessions[s.env]
	if ok {
		failPendingLocked(prev, ErrSessionClosed)
		_ = prev.conn.Close()
	}
	h.sessions[s.env] = s
	h.refreshGaugeLocked()
	return !ok
}

func (h *Hub) disconnect(s *session) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	failPendingLocked(s, ErrSessionClosed)
	// A reconnect may already own the registry slot.
	if h.sessions[s.env] == s {
		s.online = false
		h.refreshGaugeLocked()
	}
}

func failPendingLocked(s *session, err error) {
	for id, ch := range s.pending {
		ch <- forwardResult{err: err}
		delete(s.pending, id)
	}
}

func (h *Hub) readLoop(ctx context.Context, s *session) {
	defer func() {
		_ = s.conn.Close()
		h.disconnect(s)
		_ = level.Info(h.logger).Log("msg", "agent disconnected", "env", s.env)
	}()
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				_ = level.Warn(h.logger).Log("msg", "agent read failed", "env", s.env, "err", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		var frame wire.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			// Not a frame, so it is a bare pod log line.
			h.fanOutRaw(s.env, data)
			continue
		}
		h.handleFrame(ctx, s, frame, data)
	}
}

func (h *Hub) handleFrame(ctx context.Context, s *session, frame wire.Frame, raw []byte) {
	switch frame.Type {
	case wire.TypeHeartbeat:
		h.markAlive(s)
	case wire.TypeResponse:
		h.deliver(s, frame.RequestID, frame.Response)
	case wire.TypeAdmis:
		h.answerAdmis(ctx, s, frame)
	case wire.TypeK8sEvent:
		h.ingestEvent(ctx, s, frame)
	case wire.TypePodLogs:
		h.routeLogFrame(frame.ConnectionID, raw)
	default:
		_ = level.Info(h.logger).Log("msg", "message from agent", "env", s.env, "type", frame.Type)
	}
}

func (h *Hub) markAlive(s *session) {
	h.mtx.Lock()
	s.lastHeartbeat = time.Now()
	s.online = true
	h.refreshGaugeLocked()
	h.mtx.Unlock()
}

func (h *Hub) deliver(s *session, id string, body json.RawMessage) {
	h.mtx.Lock()
	ch, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	h.mtx.Unlock()
	if !ok {
		_ = level.Warn(h.logger).Log("msg", "response for unknown request", "env", s.env, "request_id", id)
		return
	}
	ch <- forwardResult{body: body}
	_ = level.Info(h.logger).Log("msg", "agent responded", "env", s.env, "request_id", id)
}

func (h *Hub) answerAdmis(ctx context.Context, s *session, frame wire.Frame) {
	if h.admis == nil {
		_ = level.Warn(h.logger).Log("msg", "admission query without resolver", "env", s.env)
		return
	}
	_ = level.Info(h.logger).Log("msg", "admission query", "env", s.env, "request_id", frame.RequestID,
		"namespace", frame.Namespace, "deployment", frame.Deployment)
	reply := h.admis.Resolve(ctx, s.env, frame.Namespace, frame.Deployment)
	out := wire.Frame{Type: wire.TypeAdmis, RequestID: frame.RequestID, DeployRes: reply}
	if err := s.writeJSON(out); err != nil {
		_ = level.Warn(h.logger).Log("msg", "admission reply failed", "env", s.env, "request_id", frame.RequestID, "err", err)
	}
}

func (h *Hub) ingestEvent(ctx context.Context, s *session, frame wire.Frame) {
	if h.events == nil || frame.Event == nil {
		return
	}
	rec := *frame.Event
	if rec.K8S == "" {
		rec.K8S = s.env
	}
	if err := h.events.Process(ctx, rec); err != nil {
		_ = level.Error(h.logger).Log("msg", "event processing failed", "env", s.env, "event_uid", rec.EventUID, "err", err)
	}
}

// Forward relays one REST call to the env's agent and waits for the
// correlated response frame.
func (h *Hub) Forward(ctx context.Context, env, method, path string, query map[string]string, body json.RawMessage) (json.RawMessage, error) {
	h.mtx.Lock()
	s, ok := h.sessions[env]
	if !ok || !s.online {
		h.mtx.Unlock()
		return nil, ErrAgentOffline
	}
	id := env + "-" + wire.NewRequestID()
	ch := make(chan forwardResult, 1)
	s.pending[id] = ch
	h.mtx.Unlock()

	frame := wire.Frame{Type: wire.TypeRequest, RequestID: id, Method: method, Path: path, Query: query, Body: body}
	if err := s.writeJSON(frame); err != nil {
		h.forgetPending(s, id)
		return nil, fmt.Errorf("send request to agent: %w", err)
	}
	forwardedRequests.Inc()
	_ = level.Info(h.logger).Log("msg", "request sent to agent", "env", env, "request_id", id, "method", method, "path", path)

	timer := time.NewTimer(h.requestTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.body, res.err
	case <-timer.C:
		h.forgetPending(s, id)
		forwardTimeouts.Inc()
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		h.forgetPending(s, id)
		return nil, ctx.Err()
	}
}

func (h *Hub) forgetPending(s *session, id string) {
	h.mtx.Lock()
	delete(s.pending, id)
	h.mtx.Unlock()
}

// Online reports whether env has a live session.
func (h *Hub) Online(env string) bool {
	h.mtx.RLock()
	defer h.mtx.RUnlock()
	s, ok := h.sessions[env]
	return ok && s.online
}

// AgentStatus is the live view of one session, shaped for the status API.
type AgentStatus struct {
	Online        bool   `json:"online"`
	LastHeartbeat string `json:"last_heartbeat"`
	Ver           string `json:"ver"`
}

// Snapshot returns the session state of every env that ever connected.
func (h *Hub) Snapshot() map[string]AgentStatus {
	h.mtx.RLock()
	defer h.mtx.RUnlock()
	out := make(map[string]AgentStatus, len(h.sessions))
	for env, s := range h.sessions {
		out[env] = AgentStatus{
			Online:        s.online,
			LastHeartbeat: s.lastHeartbeat.Format("2006-01-02 15:04:05"),
			Ver:           s.ver,
		}
	}
	return out
}

const sweepInterval = 3 * time.Second

// Run expires silent sessions until ctx is done. A session missing
// heartbeats is only marked offline; its socket stays open so a late
// heartbeat can revive it.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.sweep(time.Now())
		}
	}
}

func (h *Hub) sweep(now time.Time) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	for env, s := range h.sessions {
		if s.online && now.Sub(s.lastHeartbeat) > wire.HeartbeatTimeout {
			s.online = false
			_ = level.Warn(h.logger).Log("msg", "agent heartbeat timed out, marking offline", "env", env)
		}
	}
	h.refreshGaugeLocked()
}

func (h *Hub) refreshGaugeLocked() {
	n := 0
	for _, s := range h.sessions {
		if s.online {
			n++
		}
	}
	agentsOnline.Set(float64(n))
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
