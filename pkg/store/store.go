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

// Package store persists governance state in ClickHouse: the per cluster
// gate table, the raw peak samples, the control table the admission engine
// reads, and the cluster event log.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	clickhouse "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Options configures the ClickHouse connection.
type Options struct {
	Host     string
	Port     int
	HTTPPort int
	User     string
	Password string
	Database string

	PoolSize     int
	DialTimeout  time.Duration
	QueryTimeout time.Duration
}

func (o *Options) validate() error {
	if o.Host == "" {
		return fmt.Errorf("clickhouse host must not be empty")
	}
	if o.Port == 0 {
		o.Port = 9000
	}
	if o.HTTPPort == 0 {
		o.HTTPPort = 8123
	}
	if o.Database == "" {
		o.Database = "kubedoor"
	}
	if o.PoolSize == 0 {
		o.PoolSize = 10
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.QueryTimeout == 0 {
		o.QueryTimeout = 300 * time.Second
	}
	return nil
}

// Store wraps a pooled native connection plus the HTTP interface used for
// raw query passthrough.
type Store struct {
	logger log.Logger
	conn   driver.Conn
	opts   Options

	httpClient *http.Client
	httpBase   string
}

// New connects to ClickHouse and ensures the configured database exists.
func New(logger log.Logger, opts Options) (*Store, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)

	// The pooled connection binds to the target database, so the database
	// has to exist before the pool is opened.
	boot, err := clickhouse.Open(&clickhouse.Options{
		Addr:        []string{addr},
		Auth:        clickhouse.Auth{Database: "default", Username: opts.User, Password: opts.Password},
		DialTimeout: opts.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open bootstrap connection: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := boot.Exec(ctx, "CREATE DATABASE IF NOT EXISTS "+opts.Database); err != nil {
		_ = boot.Close()
		return nil, fmt.Errorf("create database %q: %w", opts.Database, err)
	}
	if err := boot.Close(); err != nil {
		return nil, err
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr:         []string{addr},
		Auth:         clickhouse.Auth{Database: opts.Database, Username: opts.User, Password: opts.Password},
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.QueryTimeout,
		MaxOpenConns: opts.PoolSize,
		MaxIdleConns: opts.PoolSize,
		Compression:  &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	_ = level.Info(logger).Log("msg", "connected to clickhouse", "addr", addr, "database", opts.Database)

	return &Store{
		logger:     logger,
		conn:       conn,
		opts:       opts,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		httpBase:   fmt.Sprintf("http://%s:%d", opts.Host, opts.HTTPPort),
	}, nil
}

// Database returns the configured database name.
func (s *Store) Database() string {
	return s.opts.Database
}

// Ping verifies the native connection is healthy.
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.conn.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS k8s_agent_status (
		env String,
		collect Bool DEFAULT false,
		peak_hours String DEFAULT '10:00:00-11:30:00',
		admission Bool DEFAULT false,
		admission_namespace String DEFAULT '',
		nms_not_confirm Bool DEFAULT false,
		scheduler Bool DEFAULT false
	) ENGINE = MergeTree ORDER BY env`,

	`CREATE TABLE IF NOT EXISTS k8s_resources (
		` + "`date`" + ` DateTime,
		env String,
		namespace String,
		deployment String,
		pod_count Int32,
		p95_pod_load Float64,
		p95_pod_cpu_pct Float64,
		p95_pod_wss_mb Float64,
		p95_pod_wss_pct Float64,
		limit_pod_cpu_m Float64,
		limit_pod_mem_mb Float64,
		request_pod_cpu_m Float64,
		request_pod_mem_mb Float64
	) ENGINE = MergeTree PARTITION BY toDate(date) ORDER BY (env, namespace, deployment)`,

	`CREATE TABLE IF NOT EXISTS k8s_res_control (
		env String,
		namespace String,
		deployment String,
		pod_count_init Int32,
		pod_count Int32,
		pod_count_ai Int32 DEFAULT -1,
		pod_count_manual Int32 DEFAULT -1,
		p95_pod_cpu_pct Float64,
		p95_pod_mem_pct Float64,
		request_cpu_m Int32,
		request_mem_mb Int32,
		limit_cpu_m Int32,
		limit_mem_mb Int32,
		` + "`date`" + ` DateTime,
		` + "`update`" + ` DateTime DEFAULT toDateTime('2000-01-01 00:00:00')
	) ENGINE = MergeTree ORDER BY (env, namespace, deployment)`,

	`CREATE TABLE IF NOT EXISTS k8s_events (
		eventUid String,
		eventStatus String,
		level String,
		count Int32,
		kind String,
		k8s String,
		namespace String,
		name String,
		reason String,
		message String,
		firstTimestamp DateTime,
		lastTimestamp DateTime,
		reportingComponent String,
		reportingInstance String,
		createdAt DateTime DEFAULT now()
	) ENGINE = ReplacingMergeTree(lastTimestamp) ORDER BY eventUid`,
}

// EnsureSchema creates all governance tables if they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, ddl := range schema {
		if err := s.conn.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	_ = level.Info(s.logger).Log("msg", "clickhouse schema ensured", "tables", len(schema))
	return nil
}

// Alter runs a mutation statement on the native connection.
func (s *Store) Alter(ctx context.Context, query string) error {
	return s.conn.Exec(ctx, query)
}

// OptimizeControl forces a merge so mutations on the control table become
// visible to subsequent reads.
func (s *Store) OptimizeControl(ctx context.Context) error {
	return s.conn.Exec(ctx, "OPTIMIZE TABLE k8s_res_control FINAL")
}

// RawQuery forwards a SQL text to the ClickHouse HTTP interface and returns
// the JSONCompact response body. Non JSON replies are wrapped in a msg field,
// matching what dashboard clients expect.
func (s *Store) RawQuery(ctx context.Context, sql string) (map[string]any, error) {
	url := s.httpBase + "/?add_http_cors_header=1&default_format=JSONCompact"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBufferString(sql))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(s.opts.User, s.opts.Password)
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
	req.Header.Set("Content-Type", "text/plain")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("clickhouse http query: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		out := map[string]any{}
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, fmt.Errorf("decode clickhouse http response: %w", err)
		}
		return out, nil
	}
	return map[string]any{"msg": string(body)}, nil
}
