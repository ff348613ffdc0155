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
	"errors"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/kubedoor-io/kubedoor/pkg/session"
	"github.com/kubedoor-io/kubedoor/pkg/wire"
)

var (
	eventsForwarded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kubedoor_events_forwarded_total",
		Help: "Cluster events shipped to the master.",
	})
	eventWatchRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kubedoor_event_watch_retries_total",
		Help: "Times the cluster event watch had to be re-established.",
	})
)

const eventWatchBackoff = 5 * time.Second

// EventWatcher follows cluster events across all namespaces and ships each
// change to the master, which persists them for alerting and search.
type EventWatcher struct {
	logger   log.Logger
	client   kubernetes.Interface
	sink     session.Sink
	cluster  string
	msgToken string

	backoff time.Duration
	now     func() time.Time
}

// NewEventWatcher returns a watcher shipping events for the named cluster.
// msgToken travels with every record so the master can notify on alerting
// events through the cluster's own channel.
func NewEventWatcher(logger log.Logger, client kubernetes.Interface, sink session.Sink, cluster, msgToken string, reg prometheus.Registerer) *EventWatcher {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(eventsForwarded, eventWatchRetries)
	}
	return &EventWatcher{
		logger:   logger,
		client:   client,
		sink:     sink,
		cluster:  cluster,
		msgToken: msgToken,
		backoff:  eventWatchBackoff,
		now:      time.Now,
	}
}

// Run watches until the context is canceled, re-establishing the watch
// whenever the API server drops it.
func (ew *EventWatcher) Run(ctx context.Context) error {
	for {
		if err := ew.watchOnce(ctx); err != nil {
			eventWatchRetries.Inc()
			_ = level.Error(ew.logger).Log("msg", "event watch broke", "err", err)
		} else {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(ew.backoff):
		}
	}
}

func (ew *EventWatcher) watchOnce(ctx context.Context) error {
	w, err := ew.client.CoreV1().Events(metav1.NamespaceAll).Watch(ctx, metav1.ListOptions{})
	if err != nil {
		return err
	}
	defer w.Stop()
	_ = level.Info(ew.logger).Log("msg", "event watch established")

	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-w.ResultChan():
			if !ok {
				return errors.New("watch channel closed")
			}
			ev, ok := change.Object.(*corev1.Event)
			if !ok {
				continue
			}
			ew.ship(string(change.Type), ev)
		}
	}
}

// ship forwards one event change. Delivery failures are logged and dropped;
// the master rebuilds state from subsequent changes.
func (ew *EventWatcher) ship(status string, ev *corev1.Event) {
	record := &wire.EventRecord{
		EventUID:           string(ev.UID),
		EventStatus:        status,
		Level:              ev.Type,
		Count:              lo.ToPtr(ev.Count),
		Kind:               ev.InvolvedObject.Kind,
		K8S:                ew.cluster,
		Namespace:          ev.InvolvedObject.Namespace,
		Name:               ev.InvolvedObject.Name,
		Reason:             ev.Reason,
		Message:            ev.Message,
		FirstTimestamp:     wireTime(ev.FirstTimestamp),
		LastTimestamp:      wireTime(ev.LastTimestamp),
		ReportingComponent: ev.Source.Component,
		ReportingInstance:  ev.Source.Host,
		MsgToken:           ew.msgToken,
	}
	frame := wire.Frame{
		Type:      wire.TypeK8sEvent,
		Event:     record,
		Timestamp: ew.now().Format(time.RFC3339),
	}
	if err := ew.sink.SendFrame(frame); err != nil {
		_ = level.Warn(ew.logger).Log("msg", "event delivery failed", "uid", record.EventUID, "err", err)
		return
	}
	eventsForwarded.Inc()
}

// wireTime renders an event timestamp the way the API server serializes it.
func wireTime(t metav1.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
