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

// Package wire defines the JSON frames exchanged between the coordinator
// and its cluster agents over a persistent websocket session. Every frame
// is a single text message carrying a "type" discriminant.
package wire

import (
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"
)

// Frame types. Heartbeat, response, admis (query direction), pod_logs and
// k8s_event travel agent to coordinator; request, admis (reply direction),
// start_pod_logs and stop_pod_logs travel coordinator to agent.
const (
	TypeHeartbeat    = "heartbeat"
	TypeRequest      = "request"
	TypeResponse     = "response"
	TypeAdmis        = "admis"
	TypeStartPodLogs = "start_pod_logs"
	TypeStopPodLogs  = "stop_pod_logs"
	TypePodLogs      = "pod_logs"
	TypeK8sEvent     = "k8s_event"
)

// Liveness and deadline contract shared by both ends of a session.
const (
	// HeartbeatInterval is how often an agent ticks.
	HeartbeatInterval = 4 * time.Second
	// HeartbeatTimeout is the silence after which the coordinator marks a
	// session offline. The socket itself is left open.
	HeartbeatTimeout = 5 * time.Second
	// RequestTimeout bounds a coordinator-side wait for a response frame.
	RequestTimeout = 120 * time.Second
	// AdmisTimeout bounds the agent-side wait for an admission reply.
	AdmisTimeout = 10 * time.Second
)

// Frame is the envelope for every session message. Only the fields for the
// given Type are populated; the rest stay empty and are omitted from JSON.
type Frame struct {
	Type string `json:"type"`

	// Correlation id for request, response and admis frames.
	RequestID string `json:"request_id,omitempty"`

	// request: a remote call the agent must execute against its own REST
	// surface and answer with a response frame.
	Method string            `json:"method,omitempty"`
	Path   string            `json:"path,omitempty"`
	Query  map[string]string `json:"query,omitempty"`
	Body   json.RawMessage   `json:"body,omitempty"`

	// response: the agent handler's JSON result.
	Response json.RawMessage `json:"response,omitempty"`

	// admis: agent to coordinator carries the workload identity,
	// coordinator to agent carries the reply.
	Namespace  string      `json:"namespace,omitempty"`
	Deployment string      `json:"deployment,omitempty"`
	DeployRes  *AdmisReply `json:"deploy_res,omitempty"`

	// Pod log streaming control. Raw log lines are NOT frames; they travel
	// as bare text messages on the same socket.
	ConnectionID string `json:"connection_id,omitempty"`
	PodName      string `json:"pod_name,omitempty"`
	Container    string `json:"container,omitempty"`
	Status       string `json:"status,omitempty"`
	Error        string `json:"error,omitempty"`

	// k8s_event payload.
	Event     *EventRecord `json:"data,omitempty"`
	Timestamp string       `json:"timestamp,omitempty"`
}

// EventRecord is one observed Kubernetes event as shipped by an agent.
// Timestamps stay strings on the wire; the coordinator owns parsing. Count
// is a pointer so that an omitted count can be told apart from zero.
type EventRecord struct {
	EventUID           string `json:"eventUid"`
	EventStatus        string `json:"eventStatus"`
	Level              string `json:"level"`
	Count              *int32 `json:"count,omitempty"`
	Kind               string `json:"kind"`
	K8S                string `json:"k8s"`
	Namespace          string `json:"namespace"`
	Name               string `json:"name"`
	Reason             string `json:"reason"`
	Message            string `json:"message"`
	FirstTimestamp     string `json:"firstTimestamp"`
	LastTimestamp      string `json:"lastTimestamp"`
	ReportingComponent string `json:"reportingComponent"`
	ReportingInstance  string `json:"reportingInstance"`
	MsgToken           string `json:"msgToken,omitempty"`
}

var requestSeq atomic.Uint64

// NewRequestID returns a process-unique correlation id. The wall clock
// prefix keeps ids readable in logs; the counter disambiguates ids minted
// within the same nanosecond.
func NewRequestID() string {
	return strconv.FormatInt(time.Now().UnixNano(), 10) + "-" + strconv.FormatUint(requestSeq.Add(1), 10)
}
