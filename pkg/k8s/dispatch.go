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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/kubedoor-io/kubedoor/pkg/session"
)

// SessionHandler answers tunneled requests by serving them through the
// agent's own HTTP mux, so every API route behaves the same whether it
// arrives over the tunnel or over local HTTPS.
type SessionHandler struct {
	logger log.Logger
	mux    http.Handler
	logs   *LogStreamer
}

var _ session.Handler = (*SessionHandler)(nil)

// NewSessionHandler returns a handler dispatching into mux and streaming
// logs through logs.
func NewSessionHandler(logger log.Logger, mux http.Handler, logs *LogStreamer) *SessionHandler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &SessionHandler{logger: logger, mux: mux, logs: logs}
}

// HandleRequest serves one tunneled request and returns the response body.
// Responses that are not JSON (error pages, proxy bodies) are wrapped so the
// master always gets a JSON object back.
func (h *SessionHandler) HandleRequest(ctx context.Context, method, path string, query map[string]string, body json.RawMessage) json.RawMessage {
	values := url.Values{}
	for k, v := range query {
		values.Set(k, v)
	}
	target := path
	if encoded := values.Encode(); encoded != "" {
		target += "?" + encoded
	}
	_ = level.Info(h.logger).Log("msg", "dispatching tunneled request", "method", method, "path", target)

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return errorBody(fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	rec := &responseBuffer{header: http.Header{}}
	h.mux.ServeHTTP(rec, req)

	if rec.body.Len() == 0 {
		return errorBody(fmt.Sprintf("%s %s returned no body", method, path))
	}
	if !json.Valid(rec.body.Bytes()) {
		return errorBody(fmt.Sprintf("%s %s returned status %d", method, path, rec.status))
	}
	return json.RawMessage(rec.body.Bytes())
}

// StartPodLogs implements session.Handler.
func (h *SessionHandler) StartPodLogs(ctx context.Context, sink session.Sink, connectionID, namespace, podName, container string) {
	h.logs.Start(ctx, sink, connectionID, namespace, podName, container)
}

// StopPodLogs implements session.Handler.
func (h *SessionHandler) StopPodLogs(connectionID string) {
	h.logs.Stop(connectionID)
}

func errorBody(msg string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return b
}

// responseBuffer captures a handler's response in memory.
type responseBuffer struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (r *responseBuffer) Header() http.Header { return r.header }

func (r *responseBuffer) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
}

func (r *responseBuffer) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.body.Write(p)
}
