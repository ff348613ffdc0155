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

// Package events ingests cluster events shipped by agents, persists them
// and raises notifications through a rule file. Persistence always happens
// before rule evaluation so a lost notification never loses the event.
package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kubedoor-io/kubedoor/pkg/store"
	"github.com/kubedoor-io/kubedoor/pkg/wire"
)

var (
	eventsProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kubedoor_events_processed_total",
		Help: "Cluster events that entered alert processing.",
	})
	eventsIgnored = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kubedoor_events_ignored_total",
		Help: "Events dropped because of their status or a global ignore rule.",
	})
	eventsMatched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kubedoor_events_matched_total",
		Help: "Events that matched an alert rule.",
	})
	alertsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kubedoor_event_alerts_sent_total",
		Help: "Alert notifications delivered.",
	})
	alertsDeduplicated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kubedoor_event_alerts_deduplicated_total",
		Help: "Alerts suppressed inside the dedup window.",
	})
	alertErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kubedoor_event_alert_errors_total",
		Help: "Alert notifications that failed to send.",
	})
)

// DefaultDedupWindow is how long repeat alerts for one event uid stay muted.
const DefaultDedupWindow = 300 * time.Second

// EventStore is the slice of the storage layer the processor writes to.
type EventStore interface {
	UpsertEvent(ctx context.Context, ev *store.Event) error
	MarkEventAlerted(ctx context.Context, eventUID string) error
}

// AlertSender delivers one rendered alert, optionally to an event-scoped
// webhook token.
type AlertSender interface {
	SendToken(ctx context.Context, content, token string) error
}

// Processor runs the store-then-alert pipeline for incoming events.
type Processor struct {
	logger  log.Logger
	store   EventStore
	sender  AlertSender
	matcher *Matcher
	window  time.Duration
	dedup   *cache.Cache
}

// NewProcessor wires the pipeline. A non-positive window falls back to
// DefaultDedupWindow. Counters register on reg when it is non-nil.
func NewProcessor(logger log.Logger, st EventStore, sender AlertSender, matcher *Matcher, window time.Duration, reg prometheus.Registerer) *Processor {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if window <= 0 {
		window = DefaultDedupWindow
	}
	if reg != nil {
		reg.MustRegister(eventsProcessed, eventsIgnored, eventsMatched, alertsSent, alertsDeduplicated, alertErrors)
	}
	return &Processor{
		logger:  logger,
		store:   st,
		sender:  sender,
		matcher: matcher,
		window:  window,
		dedup:   cache.New(window, window),
	}
}

// Process persists one wire event and evaluates the alert rules against it.
// Storage errors are returned; alerting errors are counted and logged only.
func (p *Processor) Process(ctx context.Context, rec wire.EventRecord) error {
	ev, err := ParseRecord(rec)
	if err != nil {
		return err
	}
	if err := p.store.UpsertEvent(ctx, &ev); err != nil {
		return fmt.Errorf("store event %s: %w", ev.EventUID, err)
	}
	p.evaluate(ctx, ev, rec.MsgToken)
	return nil
}

func (p *Processor) evaluate(ctx context.Context, ev store.Event, msgToken string) {
	eventsProcessed.Inc()

	// DELETED events are bookkeeping, never alerts.
	if ev.EventStatus == "DELETED" {
		eventsIgnored.Inc()
		return
	}
	if p.matcher.ShouldIgnore(ev) {
		eventsIgnored.Inc()
		_ = level.Debug(p.logger).Log("msg", "event ignored by rule", "event_uid", ev.EventUID)
		return
	}
	rule, ok := p.matcher.Match(ev)
	if !ok {
		return
	}
	eventsMatched.Inc()

	// Stamp the stored row before the dedup check so a suppressed alert
	// still shows up as alerted in queries.
	if err := p.store.MarkEventAlerted(ctx, ev.EventUID); err != nil {
		_ = level.Error(p.logger).Log("msg", "marking event as alerted failed", "event_uid", ev.EventUID, "err", err)
	}

	if last, blocked := p.lastAlert(ev.EventUID); blocked {
		alertsDeduplicated.Inc()
		_ = level.Warn(p.logger).Log("msg", "alert suppressed inside dedup window",
			"last_alert", last.Format("2006-01-02 15:04:05"), "window", p.window,
			"cluster", ev.K8S, "resource", ev.Kind+"/"+ev.Name, "reason", ev.Reason, "count", ev.Count)
		return
	}

	if err := p.sender.SendToken(ctx, alertMessage(rule, ev), msgToken); err != nil {
		alertErrors.Inc()
		_ = level.Error(p.logger).Log("msg", "sending alert failed", "event_uid", ev.EventUID, "err", err)
		return
	}
	alertsSent.Inc()
	p.dedup.SetDefault(ev.EventUID, time.Now())
	_ = level.Info(p.logger).Log("msg", "alert sent",
		"alert_id", fmt.Sprintf("%s_%s_%d", rule.Name, ev.EventUID, time.Now().Unix()))
}

// lastAlert reports whether an alert for uid is still inside the window and
// when it was last sent.
func (p *Processor) lastAlert(uid string) (time.Time, bool) {
	if uid == "" {
		return time.Time{}, false
	}
	v, found := p.dedup.Get(uid)
	if !found {
		return time.Time{}, false
	}
	t, ok := v.(time.Time)
	return t, ok
}

// alertMessage renders the fixed notification layout for a matched event.
func alertMessage(rule Rule, ev store.Event) string {
	severity := rule.Severity
	if severity == "" {
		severity = "warning"
	}
	emoji, ok := map[string]string{
		"critical": "🚨",
		"warning":  "⚠️",
		"info":     "ℹ️",
	}[severity]
	if !ok {
		emoji = "⚠️"
	}
	const layout = "2006-01-02 15:04:05"
	return fmt.Sprintf(`
%s K8S事件告警: %s
🔥 级别: %s
⏰ 时间: %s~~%s

🎯 事件详情:
• 集群: %s【%s】
• 资源: %s/%s
• 原因: %s：%d次
• 消息: %s
• 来源: %s/%s
`,
		emoji, rule.Name,
		strings.ToUpper(severity),
		ev.FirstTimestamp.Format(layout), ev.LastTimestamp.Format(layout),
		ev.K8S, ev.Namespace,
		ev.Kind, ev.Name,
		ev.Reason, ev.Count,
		ev.Message,
		ev.ReportingComponent, ev.ReportingInstance)
}
