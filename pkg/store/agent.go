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

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// AgentGate is the per cluster governance configuration row.
type AgentGate struct {
	Env                string `json:"env"`
	Collect            bool   `json:"collect"`
	PeakHours          string `json:"peak_hours"`
	Admission          bool   `json:"admission"`
	AdmissionNamespace string `json:"admission_namespace"`
	NmsNotConfirm      bool   `json:"nms_not_confirm"`
	Scheduler          bool   `json:"scheduler"`
}

// CollectTarget names a cluster with harvesting enabled and its peak window.
type CollectTarget struct {
	Env       string
	PeakHours string
}

// InitAgent inserts a default gate row for env unless one already exists.
// Called when an agent connects for the first time.
func (s *Store) InitAgent(ctx context.Context, env string) error {
	var one uint8
	err := s.conn.QueryRow(ctx, "SELECT 1 FROM k8s_agent_status WHERE env = ?", env).Scan(&one)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check agent row: %w", err)
	}
	if err := s.conn.Exec(ctx, "INSERT INTO k8s_agent_status (env) VALUES (?)", env); err != nil {
		return fmt.Errorf("insert agent row: %w", err)
	}
	return nil
}

// CollectTargets lists clusters with peak collection enabled.
func (s *Store) CollectTargets(ctx context.Context) ([]CollectTarget, error) {
	rows, err := s.conn.Query(ctx, "SELECT env, peak_hours FROM k8s_agent_status WHERE collect = 1")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CollectTarget
	for rows.Next() {
		var t CollectTarget
		if err := rows.Scan(&t.Env, &t.PeakHours); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AgentGates returns the gate row for every known cluster keyed by env.
func (s *Store) AgentGates(ctx context.Context) (map[string]AgentGate, error) {
	rows, err := s.conn.Query(ctx,
		"SELECT env, collect, peak_hours, admission, admission_namespace, nms_not_confirm, scheduler FROM k8s_agent_status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]AgentGate{}
	for rows.Next() {
		var g AgentGate
		if err := rows.Scan(&g.Env, &g.Collect, &g.PeakHours, &g.Admission,
			&g.AdmissionNamespace, &g.NmsNotConfirm, &g.Scheduler); err != nil {
			return nil, err
		}
		out[g.Env] = g
	}
	return out, rows.Err()
}

// EnvNames lists all known cluster names in order.
func (s *Store) EnvNames(ctx context.Context) ([]string, error) {
	rows, err := s.conn.Query(ctx, "SELECT env FROM k8s_agent_status ORDER BY env")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var env string
		if err := rows.Scan(&env); err != nil {
			return nil, err
		}
		names = append(names, env)
	}
	return names, rows.Err()
}

// AdmisGate checks whether admission is enabled for env and the namespace is
// listed in its governed set. The namespace match requires the quoted form to
// appear in the configured JSON list.
func (s *Store) AdmisGate(ctx context.Context, env, namespace string) (scheduler, nmsNotConfirm, found bool, err error) {
	pattern := `%"` + namespace + `"%`
	err = s.conn.QueryRow(ctx,
		"SELECT scheduler, nms_not_confirm FROM k8s_agent_status WHERE env = ? AND admission = 1 AND admission_namespace LIKE ?",
		env, pattern).Scan(&scheduler, &nmsNotConfirm)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, false, nil
	}
	if err != nil {
		return false, false, false, err
	}
	return scheduler, nmsNotConfirm, true, nil
}
