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

// kubedoor-master is the coordinator daemon. It terminates agent websocket
// sessions, answers admission queries from the governance tables, ingests
// cluster events, harvests peak resource data from Prometheus and serves
// the dashboard REST API, proxying cluster-scoped calls to the owning agent.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-chi/chi/v5"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kubedoor-io/kubedoor/pkg/admission"
	"github.com/kubedoor-io/kubedoor/pkg/events"
	"github.com/kubedoor-io/kubedoor/pkg/harvest"
	"github.com/kubedoor-io/kubedoor/pkg/notify"
	"github.com/kubedoor-io/kubedoor/pkg/promapi"
	"github.com/kubedoor-io/kubedoor/pkg/session"
	"github.com/kubedoor-io/kubedoor/pkg/store"
)

type masterOptions struct {
	ListenAddress string

	CKHost         string
	CKPort         int
	CKHTTPPort     int
	CKUser         string
	CKPassword     string
	CKDatabase     string
	CKPoolSize     int
	CKConnTimeout  time.Duration
	CKQueryTimeout time.Duration

	PromURL    string
	PromType   string
	PromTagKey string

	MsgType  string
	MsgToken string

	DedupWindow    time.Duration
	AlertRulesFile string

	UpdateImageConfig string
}

func (o *masterOptions) setupFlags(a *kingpin.Application) {
	a.Flag("web.listen-address", "Address the coordinator listens on.").
		Default(":80").StringVar(&o.ListenAddress)

	a.Flag("ck.host", "ClickHouse server host.").
		Envar("CK_HOST").Required().StringVar(&o.CKHost)
	a.Flag("ck.port", "ClickHouse native protocol port.").
		Envar("CK_PORT").Default("9000").IntVar(&o.CKPort)
	a.Flag("ck.http-port", "ClickHouse HTTP interface port, used by the SQL passthrough.").
		Envar("CK_HTTP_PORT").Default("8123").IntVar(&o.CKHTTPPort)
	a.Flag("ck.user", "ClickHouse user.").
		Envar("CK_USER").Default("default").StringVar(&o.CKUser)
	a.Flag("ck.password", "ClickHouse password.").
		Envar("CK_PASSWORD").Default("").StringVar(&o.CKPassword)
	a.Flag("ck.database", "ClickHouse database holding the governance tables.").
		Envar("CK_DATABASE").Default("kubedoor").StringVar(&o.CKDatabase)
	a.Flag("ck.pool-size", "Size of the ClickHouse connection pool.").
		Envar("CK_POOL_SIZE").Default("10").IntVar(&o.CKPoolSize)
	a.Flag("ck.connect-timeout", "ClickHouse dial timeout.").
		Envar("CK_CONNECT_TIMEOUT").Default("10s").DurationVar(&o.CKConnTimeout)
	a.Flag("ck.query-timeout", "ClickHouse query timeout.").
		Envar("CK_QUERY_TIMEOUT").Default("300s").DurationVar(&o.CKQueryTimeout)

	a.Flag("prom.url", "Base URL of the Prometheus-compatible metrics source.").
		Envar("PROM_URL").Required().StringVar(&o.PromURL)
	a.Flag("prom.type", "Flavor of the metrics source (informational).").
		Envar("PROM_TYPE").Default("").StringVar(&o.PromType)
	a.Flag("prom.k8s-tag-key", "Label that carries the cluster name on every series.").
		Envar("PROM_K8S_TAG_KEY").Required().StringVar(&o.PromTagKey)

	a.Flag("msg.type", "Notification channel: wecom, dingding, feishu or slack.").
		Envar("MSG_TYPE").Default("").StringVar(&o.MsgType)
	a.Flag("msg.token", "Default webhook token of the notification channel.").
		Envar("MSG_TOKEN").Default("").StringVar(&o.MsgToken)

	a.Flag("alert.dedup-window", "How long repeat alerts for one event stay muted.").
		Envar("ALERT_DEDUP_WINDOW").Default("300s").DurationVar(&o.DedupWindow)
	a.Flag("alert.rules-file", "JSON file with the event alert and ignore rules.").
		Envar("ALERT_RULES_FILE").Default("rules/alert_rules.json").StringVar(&o.AlertRulesFile)

	a.Flag("update-image-config", "JSON policy gating /api/update-image per cluster.").
		Envar("UPDATE_IMAGE").Default("").StringVar(&o.UpdateImageConfig)
}

func (o *masterOptions) validate() error {
	u, err := url.Parse(o.PromURL)
	if err != nil {
		return fmt.Errorf("parse prom.url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("prom.url scheme %q not supported", u.Scheme)
	}
	if o.DedupWindow <= 0 {
		return fmt.Errorf("alert.dedup-window must be positive")
	}
	return nil
}

func main() {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	a := kingpin.New("kubedoor-master", "The KubeDoor multi-cluster workload governance coordinator")
	a.HelpFlag.Short('h')

	var opts masterOptions
	opts.setupFlags(a)

	if _, err := a.Parse(os.Args[1:]); err != nil {
		_ = level.Error(logger).Log("msg", "Error parsing commandline arguments", "err", err)
		a.Usage(os.Args[1:])
		os.Exit(2)
	}
	if err := opts.validate(); err != nil {
		_ = level.Error(logger).Log("msg", "invalid command line argument", "err", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		versioncollector.NewCollector("kubedoor_master"),
	)

	db, err := store.New(log.With(logger, "component", "store"), store.Options{
		Host:         opts.CKHost,
		Port:         opts.CKPort,
		HTTPPort:     opts.CKHTTPPort,
		User:         opts.CKUser,
		Password:     opts.CKPassword,
		Database:     opts.CKDatabase,
		PoolSize:     opts.CKPoolSize,
		DialTimeout:  opts.CKConnTimeout,
		QueryTimeout: opts.CKQueryTimeout,
	})
	if err != nil {
		_ = level.Error(logger).Log("msg", "connecting to clickhouse failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		err := db.EnsureSchema(ctx)
		cancel()
		if err != nil {
			_ = level.Error(logger).Log("msg", "ensuring clickhouse schema failed", "err", err)
			os.Exit(1)
		}
	}

	prom, err := promapi.New(log.With(logger, "component", "promapi"), opts.PromURL, opts.PromTagKey, reg)
	if err != nil {
		_ = level.Error(logger).Log("msg", "creating prometheus client failed", "err", err)
		os.Exit(1)
	}
	_ = level.Info(logger).Log("msg", "using metrics source", "url", opts.PromURL, "type", opts.PromType)

	notifier := notify.New(log.With(logger, "component", "notify"), opts.MsgType, opts.MsgToken)
	matcher := events.NewMatcher(log.With(logger, "component", "rules"), opts.AlertRulesFile)
	processor := events.NewProcessor(log.With(logger, "component", "events"), db, notifier, matcher, opts.DedupWindow, reg)
	resolver := admission.NewResolver(log.With(logger, "component", "admis"), db, reg)
	hub := session.NewHub(log.With(logger, "component", "hub"), db, resolver, processor, reg)
	harvester := harvest.New(log.With(logger, "component", "harvest"), db, prom, notifier)

	api := &apiServer{
		logger:            log.With(logger, "component", "api"),
		hub:               hub,
		store:             db,
		prom:              prom,
		harvester:         harvester,
		updateImageConfig: opts.UpdateImageConfig,
		now:               time.Now,
	}

	router := chi.NewRouter()
	router.Get("/ws", hub.ServeAgent)
	router.Get("/ws/pod-logs", hub.ServeLogStream)
	api.register(router)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	router.Get("/-/healthy", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Get("/-/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	var g run.Group
	// Termination handler.
	{
		term := make(chan os.Signal, 1)
		cancel := make(chan struct{})
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)

		g.Add(
			func() error {
				select {
				case <-term:
					_ = level.Info(logger).Log("msg", "received SIGTERM, exiting gracefully...")
				case <-cancel:
				}
				return nil
			},
			func(error) {
				close(cancel)
			},
		)
	}
	// Heartbeat sweeper.
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return hub.Run(ctx)
		}, func(error) {
			cancel()
		})
	}
	// Coordinator API.
	{
		server := &http.Server{Addr: opts.ListenAddress, Handler: router}
		g.Add(func() error {
			_ = level.Info(logger).Log("msg", "listening", "addr", opts.ListenAddress)
			return server.ListenAndServe()
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			_ = server.Shutdown(ctx)
			cancel()
		})
	}
	if err := g.Run(); err != nil {
		_ = level.Error(logger).Log("msg", "exit with error", "err", err)
		os.Exit(1)
	}
}
