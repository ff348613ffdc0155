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
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/client-go/kubernetes"

	"github.com/kubedoor-io/kubedoor/pkg/session"
	"github.com/kubedoor-io/kubedoor/pkg/wire"
)

var logStreamsActive = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "kubedoor_log_streams_active",
	Help: "Pod log streams currently following.",
})

// logTailLines is how much history a new log stream replays before following.
const logTailLines = 100

// LogStreamer follows pod logs and relays each line over the tunnel as a
// raw text message. One stream runs per connection ID; starting a stream
// under an ID that is already live replaces the old stream.
type LogStreamer struct {
	logger log.Logger
	client kubernetes.Interface

	mtx     sync.Mutex
	streams map[string]*logStream
}

type logStream struct {
	cancel context.CancelFunc
}

// NewLogStreamer returns a streamer using the given clientset.
func NewLogStreamer(logger log.Logger, client kubernetes.Interface, reg prometheus.Registerer) *LogStreamer {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(logStreamsActive)
	}
	return &LogStreamer{
		logger:  logger,
		client:  client,
		streams: map[string]*logStream{},
	}
}

// Start follows the pod's log and writes lines to the sink until the
// context is canceled, the sink fails, or the log stream ends. It blocks;
// callers run it in a goroutine per stream.
func (s *LogStreamer) Start(ctx context.Context, sink session.Sink, connectionID, namespace, podName, container string) {
	ctx, cancel := context.WithCancel(ctx)
	stream := &logStream{cancel: cancel}
	s.register(connectionID, stream)
	defer s.drop(connectionID, stream)

	_ = level.Info(s.logger).Log("msg", "starting pod log stream", "connection_id", connectionID, "namespace", namespace, "pod", podName)
	if err := sink.SendFrame(wire.Frame{Type: wire.TypePodLogs, ConnectionID: connectionID, Status: "connected"}); err != nil {
		_ = level.Warn(s.logger).Log("msg", "log stream handshake failed", "connection_id", connectionID, "err", err)
		return
	}

	opts := &corev1.PodLogOptions{Follow: true, TailLines: lo.ToPtr(int64(logTailLines))}
	if container != "" {
		opts.Container = container
	}
	rc, err := s.client.CoreV1().Pods(namespace).GetLogs(podName, opts).Stream(ctx)
	if err != nil {
		_ = level.Error(s.logger).Log("msg", "pod log stream failed", "connection_id", connectionID, "err", err)
		_ = sink.SendFrame(wire.Frame{Type: wire.TypePodLogs, ConnectionID: connectionID, Error: logStreamError(err)})
		return
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := sink.SendText(line); err != nil {
			_ = level.Warn(s.logger).Log("msg", "log line delivery failed", "connection_id", connectionID, "err", err)
			return
		}
	}
	switch {
	case ctx.Err() != nil:
		_ = level.Info(s.logger).Log("msg", "pod log stream canceled", "connection_id", connectionID)
		_ = sink.SendFrame(wire.Frame{Type: wire.TypePodLogs, ConnectionID: connectionID, Status: "disconnected"})
	case scanner.Err() != nil:
		_ = level.Error(s.logger).Log("msg", "pod log stream broke", "connection_id", connectionID, "err", scanner.Err())
		_ = sink.SendFrame(wire.Frame{Type: wire.TypePodLogs, ConnectionID: connectionID, Error: logStreamError(scanner.Err())})
	}
}

// Stop cancels the stream registered under the connection ID, if any.
func (s *LogStreamer) Stop(connectionID string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if stream, ok := s.streams[connectionID]; ok {
		stream.cancel()
	}
}

func (s *LogStreamer) register(connectionID string, stream *logStream) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if prev, ok := s.streams[connectionID]; ok {
		prev.cancel()
	}
	s.streams[connectionID] = stream
	logStreamsActive.Set(float64(len(s.streams)))
}

// drop unregisters the stream, leaving the entry alone if a newer stream
// already took over the connection ID.
func (s *LogStreamer) drop(connectionID string, stream *logStream) {
	stream.cancel()
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.streams[connectionID] == stream {
		delete(s.streams, connectionID)
	}
	logStreamsActive.Set(float64(len(s.streams)))
}

// logStreamError renders an error for the master side, surfacing API status
// codes when the Kubernetes API rejected the log request.
func logStreamError(err error) string {
	var st apierrors.APIStatus
	if errors.As(err, &st) {
		return fmt.Sprintf("Kubernetes API错误: %d - %s", st.Status().Code, st.Status().Reason)
	}
	return err.Error()
}
