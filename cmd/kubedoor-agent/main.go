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

// kubedoor-agent runs inside each managed cluster. It holds the websocket
// session to the coordinator, executes forwarded REST calls against the
// local apiserver, serves the mutating admission webhook over TLS and
// reports cluster events upstream.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
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
	"github.com/prometheus/common/version"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"

	"github.com/kubedoor-io/kubedoor/pkg/admission"
	"github.com/kubedoor-io/kubedoor/pkg/k8s"
	"github.com/kubedoor-io/kubedoor/pkg/notify"
	"github.com/kubedoor-io/kubedoor/pkg/scheduler"
	"github.com/kubedoor-io/kubedoor/pkg/session"
)

// webhookFQDN is the in-cluster DNS name the apiserver uses to reach the
// webhook, derived from the service the admission package registers.
const webhookFQDN = "kubedoor-agent.kubedoor.svc"

type agentOptions struct {
	MasterURL string
	Cluster   string

	MsgType  string
	MsgToken string

	ListenAddress string
	CertDir       string
	TLSCert       string
	TLSKey        string
	CACert        string

	NodeLabelValue string
	KubeconfigPath string
}

func (o *agentOptions) setupFlags(a *kingpin.Application) {
	a.Flag("master.url", "Base URL of the kubedoor-master coordinator.").
		Envar("KUBEDOOR_MASTER").Required().StringVar(&o.MasterURL)
	a.Flag("prom.k8s-tag-value", "Name this cluster carries on its metrics, used as the session env.").
		Envar("PROM_K8S_TAG_VALUE").Required().StringVar(&o.Cluster)

	a.Flag("msg.type", "Notification channel: wecom, dingding, feishu or slack.").
		Envar("MSG_TYPE").Default("").StringVar(&o.MsgType)
	a.Flag("msg.token", "Default webhook token of the notification channel.").
		Envar("MSG_TOKEN").Default("").StringVar(&o.MsgToken)

	a.Flag("web.listen-address", "Address of the agent's HTTPS server.").
		Default(":443").StringVar(&o.ListenAddress)
	a.Flag("web.cert-dir", "Directory holding tls.crt and tls.key for the HTTPS server.").
		Default("/serving-certs").StringVar(&o.CertDir)
	a.Flag("tls-cert-base64", "Base64 encoded serving certificate, written to the cert dir.").
		Default("").StringVar(&o.TLSCert)
	a.Flag("tls-key-base64", "Base64 encoded serving key, written to the cert dir.").
		Default("").StringVar(&o.TLSKey)
	a.Flag("ca-base64", "Base64 encoded CA bundle advertised in the webhook configuration.").
		Envar("BASE64CA").Default("").StringVar(&o.CACert)

	a.Flag("scheduler.node-label-value", "Label value marking nodes reserved by the pinned scheduler.").
		Envar("NODE_LABLE_VALUE").Default("").StringVar(&o.NodeLabelValue)
	a.Flag("kubeconfig", "Path to a kubeconfig. Empty means in-cluster config.").
		Envar("KUBECONFIG").Default("").StringVar(&o.KubeconfigPath)
}

func (o *agentOptions) validate() error {
	u, err := url.Parse(o.MasterURL)
	if err != nil {
		return fmt.Errorf("parse master.url: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("master.url scheme %q not supported", u.Scheme)
	}
	if o.CertDir == "" {
		return fmt.Errorf("web.cert-dir must not be empty")
	}
	return nil
}

func (o *agentOptions) restConfig() (*rest.Config, error) {
	if o.KubeconfigPath != "" {
		return clientcmd.BuildConfigFromFlags("", o.KubeconfigPath)
	}
	return rest.InClusterConfig()
}

func main() {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	a := kingpin.New("kubedoor-agent", "The KubeDoor in-cluster agent")
	a.HelpFlag.Short('h')

	var opts agentOptions
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

	ver := version.Version
	if ver == "" {
		ver = "unknown"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		versioncollector.NewCollector("kubedoor_agent"),
	)

	caBundle, err := admission.EnsureCerts(opts.CertDir, webhookFQDN, opts.TLSCert, opts.TLSKey, opts.CACert)
	if err != nil {
		_ = level.Error(logger).Log("msg", "preparing serving certificates failed", "err", err)
		os.Exit(1)
	}

	cfg, err := opts.restConfig()
	if err != nil {
		_ = level.Error(logger).Log("msg", "building kubernetes config failed", "err", err)
		os.Exit(1)
	}
	kubeClient, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		_ = level.Error(logger).Log("msg", "creating kubernetes client failed", "err", err)
		os.Exit(1)
	}
	metricsClient, err := metricsclient.NewForConfig(cfg)
	if err != nil {
		_ = level.Error(logger).Log("msg", "creating metrics client failed", "err", err)
		os.Exit(1)
	}

	notifier := notify.New(log.With(logger, "component", "notify"), opts.MsgType, opts.MsgToken)
	sched := scheduler.NewScheduler(log.With(logger, "component", "scheduler"), kubeClient, notifier, opts.Cluster, opts.NodeLabelValue, reg)
	agent := k8s.NewAgent(log.With(logger, "component", "agent"), kubeClient, metricsClient, notifier, sched, opts.Cluster, ver, reg)
	logs := k8s.NewLogStreamer(log.With(logger, "component", "logs"), kubeClient, reg)
	webhooks := admission.NewWebhookManager(log.With(logger, "component", "webhook"), kubeClient, caBundle)

	router := chi.NewRouter()
	router.Get("/api/health", agent.ServeHealth)
	router.Post("/api/update-image", agent.ServeUpdateImage)
	router.Post("/api/scale", sched.ServeScale)
	router.Post("/api/restart", agent.ServeRestart)
	router.Post("/api/cron", agent.ServeCron)
	router.Get("/api/admis_switch", webhooks.ServeSwitch)
	router.Get("/api/events", agent.ServeEvents)
	router.Get("/api/get_dpm_pods", agent.ServeDeploymentPods)
	router.Get("/api/nodes", agent.ServeNodes)
	router.Post("/api/balance_node", sched.ServeBalance)
	router.Post("/api/pod/modify_pod", agent.ServeModifyPod)
	router.Post("/api/pod/delete_pod", agent.ServeDeletePod)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	router.Get("/-/healthy", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := k8s.NewSessionHandler(log.With(logger, "component", "dispatch"), router, logs)
	client, err := session.NewClient(log.With(logger, "component", "session"), opts.MasterURL, opts.Cluster, ver, handler, reg)
	if err != nil {
		_ = level.Error(logger).Log("msg", "creating coordinator session failed", "err", err)
		os.Exit(1)
	}

	// The webhook asks the coordinator for its verdict over the session, so
	// the review route joins the router after the client exists.
	reviewer := admission.NewReviewer(log.With(logger, "component", "admis"), opts.Cluster, opts.NodeLabelValue, client, agent, notifier, reg)
	router.Post("/api/admis", reviewer.Review)

	watcher := k8s.NewEventWatcher(log.With(logger, "component", "events"), kubeClient, client, opts.Cluster, opts.MsgToken, reg)

	_ = level.Info(logger).Log("msg", "starting kubedoor-agent", "version", ver, "cluster", opts.Cluster, "master", opts.MasterURL)

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
	// Coordinator session.
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return client.Run(ctx)
		}, func(error) {
			cancel()
		})
	}
	// Cluster event watcher.
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return watcher.Run(ctx)
		}, func(error) {
			cancel()
		})
	}
	// Webhook and REST server.
	{
		server := &http.Server{Addr: opts.ListenAddress, Handler: router}
		crt := filepath.Join(opts.CertDir, "tls.crt")
		key := filepath.Join(opts.CertDir, "tls.key")
		g.Add(func() error {
			_ = level.Info(logger).Log("msg", "listening", "addr", opts.ListenAddress)
			return server.ListenAndServeTLS(crt, key)
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
