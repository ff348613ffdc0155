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

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/samber/lo"

	"github.com/kubedoor-io/kubedoor/pkg/promapi"
	"github.com/kubedoor-io/kubedoor/pkg/session"
	"github.com/kubedoor-io/kubedoor/pkg/store"
)

// agentHub is the slice of session.Hub the REST layer needs.
type agentHub interface {
	Forward(ctx context.Context, env, method, path string, query map[string]string, body json.RawMessage) (json.RawMessage, error)
	Online(env string) bool
	Snapshot() map[string]session.AgentStatus
}

type masterStore interface {
	Database() string
	Alter(ctx context.Context, query string) error
	OptimizeControl(ctx context.Context) error
	RawQuery(ctx context.Context, sql string) (map[string]any, error)
	AgentGates(ctx context.Context) (map[string]store.AgentGate, error)
	EnvNames(ctx context.Context) ([]string, error)
	CollectTargets(ctx context.Context) ([]store.CollectTarget, error)
	TopDeployments(ctx context.Context, env string, workloads []store.Workload, num int, resource string) ([]store.TopDeployment, error)
	QueryEvents(ctx context.Context, q store.EventQuery) ([]store.Event, error)
	EventMenuOptions(ctx context.Context, k8s, startDate, endDate, namespace string) (map[string][]string, error)
}

type promSource interface {
	Envs(ctx context.Context) ([]string, error)
	Namespaces(ctx context.Context, env string) ([]string, error)
	Services(ctx context.Context, env, namespace string) ([]string, error)
	WorkloadSnapshot(ctx context.Context, env, namespace string) ([]promapi.WorkloadMetrics, error)
	NodeRank(ctx context.Context, env, resource string) ([]promapi.NodeLoad, error)
	NodeWorkloads(ctx context.Context, env, node string) ([]promapi.NodeWorkload, error)
}

type peakHarvester interface {
	HarvestEnv(ctx context.Context, env, peakHours string, days int) error
}

// apiServer carries the dashboard REST surface of the coordinator.
type apiServer struct {
	logger            log.Logger
	hub               agentHub
	store             masterStore
	prom              promSource
	harvester         peakHarvester
	updateImageConfig string
	now               func() time.Time
}

func (s *apiServer) register(r chi.Router) {
	r.Post("/api/sql", s.handleSQL)
	r.Get("/api/prom_env", s.handlePromEnvs)
	r.Get("/api/prom_ns", s.handlePromNamespaces)
	r.Get("/api/prom_services", s.handlePromServices)
	r.Get("/api/prom_query", s.handlePromQuery)
	r.Post("/api/events/query", s.handleEventsQuery)
	r.Get("/api/events/menu", s.handleEventsMenu)
	r.Get("/api/agent_status", s.handleAgentStatus)
	r.Get("/api/agent_names", s.handleAgentNames)
	r.Get("/api/init_peak_data", s.handleInitPeakData)
	r.Get("/api/cron_peak_data", s.handleCronPeakData)
	// Everything else under /api/ belongs to the owning agent.
	r.HandleFunc("/api/*", s.handleForward)
}

func (s *apiServer) writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_ = level.Error(s.logger).Log("msg", "writing response failed", "err", err)
	}
}

// handleSQL is the ClickHouse passthrough for the dashboard SQL console.
// Readers may only run SELECT. Everyone else is limited to SELECT, ALTER
// and INSERT. ALTER statements run natively and are followed by OPTIMIZE
// so the ReplacingMergeTree surfaces the new values immediately.
func (s *apiServer) handleSQL(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	query := strings.TrimSpace(string(raw))
	lower := strings.ToLower(query)

	if r.Header.Get("X-User-Permission") == "read" && !strings.HasPrefix(lower, "select") {
		s.writeJSON(w, http.StatusForbidden, map[string]any{"error": "权限不足，只能执行SELECT查询"})
		return
	}
	if !strings.HasPrefix(lower, "select") && !strings.HasPrefix(lower, "alter") && !strings.HasPrefix(lower, "insert") {
		s.writeJSON(w, http.StatusForbidden, map[string]any{"error": "不支持的SQL操作"})
		return
	}
	query = strings.ReplaceAll(query, "__KUBEDOORDB__", s.store.Database())
	_ = level.Info(s.logger).Log("msg", "sql passthrough", "query", query)

	if strings.HasPrefix(lower, "alter") {
		if err := s.store.Alter(r.Context(), query); err != nil {
			s.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		if err := s.store.OptimizeControl(r.Context()); err != nil {
			s.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "msg": "SQL: 数据更新完成"})
		return
	}

	data, err := s.store.RawQuery(r.Context(), query)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	resp := map[string]any{"success": true}
	for k, v := range data {
		resp[k] = v
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *apiServer) handlePromEnvs(w http.ResponseWriter, r *http.Request) {
	username := r.Header.Get("X-User-Name")
	permission := r.Header.Get("X-User-Permission")
	envs, err := s.prom.Envs(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{
			"message": err.Error(), "username": username, "permission": permission,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true, "data": envs, "username": username, "permission": permission,
	})
}

func (s *apiServer) handlePromNamespaces(w http.ResponseWriter, r *http.Request) {
	env := r.URL.Query().Get("env")
	if env == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"message": "env query parameter is required"})
		return
	}
	namespaces, err := s.prom.Namespaces(r.Context(), env)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{"message": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": namespaces})
}

func (s *apiServer) handlePromServices(w http.ResponseWriter, r *http.Request) {
	env := r.URL.Query().Get("env")
	namespace := r.URL.Query().Get("namespace")
	if env == "" || namespace == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"message": "env and namespace query parameters are required"})
		return
	}
	services, err := s.prom.Services(r.Context(), env, namespace)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{"message": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": services})
}

func (s *apiServer) handlePromQuery(w http.ResponseWriter, r *http.Request) {
	env := r.URL.Query().Get("env")
	namespace := r.URL.Query().Get("ns")
	rows, err := s.prom.WorkloadSnapshot(r.Context(), env, namespace)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{"message": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": rows})
}

func (s *apiServer) handleAgentNames(w http.ResponseWriter, r *http.Request) {
	names, err := s.store.EnvNames(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{"message": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": names})
}

// handleAgentStatus merges the live session state with the stored gate
// toggles. A gate read failure degrades to session state only.
func (s *apiServer) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	agents := make(map[string]map[string]any)
	for env, st := range s.hub.Snapshot() {
		agents[env] = map[string]any{
			"online":         st.Online,
			"last_heartbeat": st.LastHeartbeat,
			"ver":            st.Ver,
		}
	}
	gates, err := s.store.AgentGates(r.Context())
	if err != nil {
		_ = level.Error(s.logger).Log("msg", "reading agent gates failed", "err", err)
	}
	for env, g := range gates {
		m, ok := agents[env]
		if !ok {
			m = make(map[string]any)
			agents[env] = m
		}
		m["collect"] = g.Collect
		m["peak_hours"] = g.PeakHours
		m["admission"] = g.Admission
		m["admission_namespace"] = g.AdmissionNamespace
		m["nms_not_confirm"] = g.NmsNotConfirm
		m["scheduler"] = g.Scheduler
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": agents})
}

func (s *apiServer) handleInitPeakData(w http.ResponseWriter, r *http.Request) {
	env := r.URL.Query().Get("env")
	days := 0
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeJSON(w, http.StatusInternalServerError, map[string]any{"message": fmt.Sprintf("invalid days value %q", v)})
			return
		}
		days = n
	}
	peakHours := r.URL.Query().Get("peak_hours")

	if err := s.harvester.HarvestEnv(r.Context(), env, peakHours, days); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{"message": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": fmt.Sprintf("%s: 执行完成", env)})
}

// handleCronPeakData harvests every collect-enabled env and streams one
// JSON line per env as it completes.
func (s *apiServer) handleCronPeakData(w http.ResponseWriter, r *http.Request) {
	targets, err := s.store.CollectTargets(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{"message": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for _, t := range targets {
		line := make(map[string]any)
		if err := s.harvester.HarvestEnv(r.Context(), t.Env, t.PeakHours, 0); err != nil {
			line["message"] = err.Error()
		} else {
			line["success"] = true
			line["message"] = fmt.Sprintf("%s: 执行完成", t.Env)
		}
		if err := enc.Encode(line); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

type eventsQueryRequest struct {
	K8S                *string `json:"k8s"`
	StartTime          *string `json:"start_time"`
	EndTime            *string `json:"end_time"`
	Limit              *int    `json:"limit"`
	Namespace          string  `json:"namespace"`
	Count              *int    `json:"count"`
	Level              string  `json:"level"`
	Kind               string  `json:"kind"`
	Name               string  `json:"name"`
	Reason             string  `json:"reason"`
	ReportingComponent string  `json:"reportingComponent"`
	ReportingInstance  string  `json:"reportingInstance"`
	Message            string  `json:"message"`
}

// eventRow is the dashboard projection of a stored event. The eventUid
// and insert timestamp stay internal.
type eventRow struct {
	EventStatus        string `json:"eventStatus"`
	Level              string `json:"level"`
	Count              int32  `json:"count"`
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
}

func newEventRow(ev store.Event) eventRow {
	return eventRow{
		EventStatus:        ev.EventStatus,
		Level:              ev.Level,
		Count:              ev.Count,
		Kind:               ev.Kind,
		K8S:                ev.K8S,
		Namespace:          ev.Namespace,
		Name:               ev.Name,
		Reason:             ev.Reason,
		Message:            ev.Message,
		FirstTimestamp:     ev.FirstTimestamp.Format("2006-01-02 15:04:05"),
		LastTimestamp:      ev.LastTimestamp.Format("2006-01-02 15:04:05"),
		ReportingComponent: ev.ReportingComponent,
		ReportingInstance:  ev.ReportingInstance,
	}
}

// handleEventsQuery answers the dashboard event browser. Validation and
// query failures report their status in the body with HTTP 200, which is
// what the frontend expects.
func (s *apiServer) handleEventsQuery(w http.ResponseWriter, r *http.Request) {
	var req eventsQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"code": 500, "message": "查询失败: " + err.Error()})
		return
	}
	required := []struct {
		name string
		ok   bool
	}{
		{"k8s", req.K8S != nil},
		{"start_time", req.StartTime != nil},
		{"end_time", req.EndTime != nil},
		{"limit", req.Limit != nil},
	}
	for _, f := range required {
		if !f.ok {
			s.writeJSON(w, http.StatusOK, map[string]any{"code": 400, "message": "缺少必填参数: " + f.name})
			return
		}
	}

	rows, err := s.store.QueryEvents(r.Context(), store.EventQuery{
		K8S:                *req.K8S,
		StartDate:          *req.StartTime,
		EndDate:            *req.EndTime,
		Limit:              *req.Limit,
		Namespace:          req.Namespace,
		Count:              req.Count,
		Level:              req.Level,
		Kind:               req.Kind,
		Name:               req.Name,
		Reason:             req.Reason,
		ReportingComponent: req.ReportingComponent,
		ReportingInstance:  req.ReportingInstance,
		Message:            req.Message,
	})
	if err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"code": 500, "message": "查询失败: " + err.Error()})
		return
	}
	out := make([]eventRow, 0, len(rows))
	for _, ev := range rows {
		out = append(out, newEventRow(ev))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": out, "total": len(out)})
}

func (s *apiServer) handleEventsMenu(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	k8s, startTime, endTime := q.Get("k8s"), q.Get("start_time"), q.Get("end_time")
	if k8s == "" || startTime == "" || endTime == "" {
		s.writeJSON(w, http.StatusOK, map[string]any{"code": 400, "message": "缺少必填参数: k8s, start_time, end_time"})
		return
	}
	menu, err := s.store.EventMenuOptions(r.Context(), k8s, startTime, endTime, q.Get("namespace"))
	if err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"code": 500, "message": "获取菜单选项失败: " + err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": menu})
}

// handleForward relays any other /api/ call to the agent owning the env.
// A few paths get enriched or gated before they leave the coordinator.
func (s *apiServer) handleForward(w http.ResponseWriter, r *http.Request) {
	query := make(map[string]string)
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			query[k] = vs[0]
		}
	}
	env := query["env"]
	if env == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "缺少 K8S 集群名称参数"})
		return
	}
	if !s.hub.Online(env) {
		s.writeJSON(w, http.StatusNotFound, map[string]any{"error": "目标客户端不在线"})
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	var body json.RawMessage
	if len(raw) > 0 && json.Valid(raw) {
		body = raw
	}

	path := r.URL.Path
	_ = level.Info(s.logger).Log("msg", "forwarding", "env", env, "method", r.Method, "path", path)

	switch {
	case path == "/api/update-image":
		if denial := s.updateImageDenial(r, env); denial != "" {
			s.writeJSON(w, http.StatusForbidden, map[string]any{"error": denial})
			return
		}
	case (path == "/api/scale" || path == "/api/pod/modify_pod") && query["add_label"] == "true":
		body, err = s.withNodeRanking(r.Context(), path, env, query, body)
		if err != nil {
			s.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
	case path == "/api/balance_node":
		body, err = s.withTopDeployments(r.Context(), env, body)
		if err != nil {
			s.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
	}

	resp, err := s.hub.Forward(r.Context(), env, r.Method, path, query, body)
	switch {
	case errors.Is(err, session.ErrAgentOffline):
		s.writeJSON(w, http.StatusNotFound, map[string]any{"error": "目标客户端不在线"})
		return
	case errors.Is(err, session.ErrRequestTimeout), errors.Is(err, session.ErrSessionClosed):
		s.writeJSON(w, http.StatusGatewayTimeout, map[string]any{"error": "客户端未响应"})
		return
	case err != nil:
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	out := map[string]any{"success": true}
	if len(resp) > 0 {
		var fields map[string]any
		if err := json.Unmarshal(resp, &fields); err == nil {
			for k, v := range fields {
				out[k] = v
			}
		} else {
			out["data"] = resp
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

// updateImagePolicy is one env's entry in the UPDATE_IMAGE config.
// Pointers distinguish a missing key from a zero value, each missing
// key has its own denial message.
type updateImagePolicy struct {
	IsOperationAllowed     *bool     `json:"isOperationAllowed"`
	AllowedOperationPeriod *string   `json:"allowedOperationPeriod"`
	Users                  *[]string `json:"user"`
}

// updateImageDenial applies the UPDATE_IMAGE policy and returns the
// denial message, or empty when the call may proceed. X-User-Permission
// rw bypasses the policy entirely.
func (s *apiServer) updateImageDenial(r *http.Request, env string) string {
	username := strings.ToLower(r.Header.Get("X-User-Name"))
	permission := r.Header.Get("X-User-Permission")
	_ = level.Info(s.logger).Log("msg", "update-image gate", "username", username, "permission", permission, "env", env)

	if permission == "rw" {
		return ""
	}
	if s.updateImageConfig == "" {
		return "拒绝操作：没有UPDATE_IMAGE权限配置"
	}
	var cfg map[string]updateImagePolicy
	if err := json.Unmarshal([]byte(s.updateImageConfig), &cfg); err != nil {
		return "拒绝操作：UPDATE_IMAGE配置格式错误"
	}
	policy, ok := cfg[env]
	if !ok {
		policy, ok = cfg["default"]
		if !ok {
			return "拒绝操作：找不到default配置"
		}
	}
	if policy.IsOperationAllowed == nil {
		return "拒绝操作：找不到isOperationAllowed配置"
	}
	if !*policy.IsOperationAllowed {
		return fmt.Sprintf("拒绝操作：当前%s环境禁止操作", env)
	}
	if policy.AllowedOperationPeriod == nil {
		return "拒绝操作：找不到allowedOperationPeriod配置"
	}
	within, err := inOperationWindow(*policy.AllowedOperationPeriod, s.now())
	if err != nil {
		return "拒绝操作：allowedOperationPeriod格式错误"
	}
	if !within {
		return fmt.Sprintf("拒绝操作：当前%s环境只允许在%s时段操作", env, *policy.AllowedOperationPeriod)
	}
	if policy.Users == nil {
		return "拒绝操作：找不到user配置"
	}
	if !lo.Contains(*policy.Users, username) {
		return fmt.Sprintf("拒绝操作：当前用户%s禁止操作", username)
	}
	return ""
}

// inOperationWindow reports whether now falls inside the HH:MM-HH:MM
// period. The start minute is included, the end minute is not. A start
// after the end means the window crosses midnight.
func inOperationWindow(period string, now time.Time) (bool, error) {
	parts := strings.Split(period, "-")
	if len(parts) != 2 {
		return false, fmt.Errorf("invalid period %q", period)
	}
	start, err := parseMinuteOfDay(parts[0])
	if err != nil {
		return false, err
	}
	end, err := parseMinuteOfDay(parts[1])
	if err != nil {
		return false, err
	}
	cur := now.Hour()*60 + now.Minute()
	if start > end {
		return cur >= start || cur < end, nil
	}
	return start <= cur && cur < end, nil
}

func parseMinuteOfDay(v string) (int, error) {
	hm := strings.Split(v, ":")
	if len(hm) != 2 {
		return 0, fmt.Errorf("invalid time %q", v)
	}
	h, err := strconv.Atoi(hm[0])
	if err != nil {
		return 0, err
	}
	m, err := strconv.Atoi(hm[1])
	if err != nil {
		return 0, err
	}
	return h*60 + m, nil
}

// withNodeRanking queries the node load ranking and attaches it to the
// outbound body. Scale requests carry it as node_sorted on the first
// batch entry, pod rebuilds replace the body with the ranking itself.
func (s *apiServer) withNodeRanking(ctx context.Context, path, env string, query map[string]string, body json.RawMessage) (json.RawMessage, error) {
	resource := query["type"]
	if resource == "" {
		resource = "cpu"
	}
	rank, err := s.prom.NodeRank(ctx, env, resource)
	if err != nil {
		return nil, err
	}
	if path == "/api/pod/modify_pod" {
		return json.Marshal(rank)
	}
	var entries []map[string]any
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("decode scale request body: %w", err)
	}
	if len(entries) == 0 {
		return nil, errors.New("scale request body is empty")
	}
	entries[0]["node_sorted"] = rank
	return json.Marshal(entries)
}

// withTopDeployments resolves which deployments could move from the
// source node to the target node and ranks them by their enforced
// requests, so the agent can execute the rebalance plan.
func (s *apiServer) withTopDeployments(ctx context.Context, env string, body json.RawMessage) (json.RawMessage, error) {
	var req map[string]any
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("decode balance request body: %w", err)
	}
	source, _ := req["source"].(string)
	target, _ := req["target"].(string)
	num := 0
	if v, ok := req["num"].(float64); ok {
		num = int(v)
	}
	resource, _ := req["type"].(string)

	sourceWls, err := s.prom.NodeWorkloads(ctx, env, source)
	if err != nil {
		return nil, err
	}
	targetWls, err := s.prom.NodeWorkloads(ctx, env, target)
	if err != nil {
		return nil, err
	}

	onTarget := make(map[string]struct{}, len(targetWls))
	for _, wl := range targetWls {
		onTarget[wl.Namespace+"/"+wl.CreatedByName] = struct{}{}
	}
	var movable []store.Workload
	for _, wl := range sourceWls {
		if _, ok := onTarget[wl.Namespace+"/"+wl.CreatedByName]; ok {
			continue
		}
		movable = append(movable, store.Workload{Namespace: wl.Namespace, Deployment: podToDeployment(wl.Pod)})
	}
	_ = level.Info(s.logger).Log("msg", "balance candidates", "env", env, "source", source, "target", target,
		"all", len(sourceWls), "movable", len(movable))

	top, err := s.store.TopDeployments(ctx, env, movable, num, resource)
	if err != nil {
		return nil, err
	}
	req["top_deployments"] = top
	return json.Marshal(req)
}

// podToDeployment strips the ReplicaSet hash and pod suffix from a pod
// name, up to two trailing dash segments.
func podToDeployment(pod string) string {
	name := pod
	for i := 0; i < 2; i++ {
		idx := strings.LastIndex(name, "-")
		if idx < 0 {
			break
		}
		name = name[:idx]
	}
	return name
}
