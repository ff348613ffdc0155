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
	"io"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/client-go/kubernetes/fake"
)

func newDispatchMux() http.Handler {
	r := chi.NewRouter()
	r.Get("/api/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	r.Get("/api/query", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"ns": r.URL.Query().Get("ns")})
	})
	r.Post("/api/echo", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	})
	r.Get("/api/empty", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

func newTestSessionHandler() *SessionHandler {
	logs := NewLogStreamer(log.NewNopLogger(), fake.NewSimpleClientset(), nil)
	return NewSessionHandler(log.NewNopLogger(), newDispatchMux(), logs)
}

func TestHandleRequest(t *testing.T) {
	h := newTestSessionHandler()
	ctx := context.Background()

	t.Run("get", func(t *testing.T) {
		resp := h.HandleRequest(ctx, http.MethodGet, "/api/health", nil, nil)
		assert.JSONEq(t, `{"status":"healthy"}`, string(resp))
	})

	t.Run("query encoding", func(t *testing.T) {
		resp := h.HandleRequest(ctx, http.MethodGet, "/api/query", map[string]string{"ns": "app"}, nil)
		assert.JSONEq(t, `{"ns":"app"}`, string(resp))
	})

	t.Run("post body", func(t *testing.T) {
		resp := h.HandleRequest(ctx, http.MethodPost, "/api/echo", nil, json.RawMessage(`{"k":"v"}`))
		assert.JSONEq(t, `{"k":"v"}`, string(resp))
	})

	t.Run("non-json response wrapped", func(t *testing.T) {
		resp := h.HandleRequest(ctx, http.MethodGet, "/api/missing", nil, nil)
		var out map[string]string
		require.NoError(t, json.Unmarshal(resp, &out))
		assert.Equal(t, "GET /api/missing returned status 404", out["error"])
	})

	t.Run("empty response wrapped", func(t *testing.T) {
		resp := h.HandleRequest(ctx, http.MethodGet, "/api/empty", nil, nil)
		var out map[string]string
		require.NoError(t, json.Unmarshal(resp, &out))
		assert.Equal(t, "GET /api/empty returned no body", out["error"])
	})
}

func TestSessionHandlerPodLogs(t *testing.T) {
	h := newTestSessionHandler()
	sink := &recordingSink{}

	h.StartPodLogs(context.Background(), sink, "conn-9", "app", "web-abc", "main")

	frames := sink.allFrames()
	require.Len(t, frames, 1)
	assert.Equal(t, "connected", frames[0].Status)
	assert.Equal(t, []string{"fake logs"}, sink.allTexts())

	h.StopPodLogs("conn-9")
}
