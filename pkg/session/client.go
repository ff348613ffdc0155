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

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kubedoor-io/kubedoor/pkg/wire"
)

var (
	sessionConnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kubedoor_session_connects_total",
		Help: "Successful dials of the coordinator session.",
	})
	sessionDialErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kubedoor_session_dial_errors_total",
		Help: "Failed dials of the coordinator session.",
	})
)

var (
	// ErrNotConnected reports that no coordinator session is up.
	ErrNotConnected = errors.New("coordinator session down")
	// ErrReplyTimeout reports that the coordinator did not answer an
	// admission query in time.
	ErrReplyTimeout = errors.New("coordinator did not respond")
)

const reconnectBackoff = 5 * time.Second

// Sink is where agent-side producers write into the session. Pod log
// streamers send bare text lines; the event watcher sends k8s_event frames.
type Sink interface {
	SendFrame(frame wire.Frame) error
	SendText(line string) error
}

// Handler executes coordinator-initiated work on the agent.
type Handler interface {
	// HandleRequest serves one forwarded REST call and returns the JSON
	// body for the response frame. Failures are encoded in the body,
	// never dropped.
	HandleRequest(ctx context.Context, method, path string, query map[string]string, body json.RawMessage) json.RawMessage
	// StartPodLogs follows a pod's logs and writes them into sink until
	// the stream is stopped or the pod goes away.
	StartPodLogs(ctx context.Context, sink Sink, connectionID, namespace, podName, container string)
	// StopPodLogs tears down the stream for connectionID.
	StopPodLogs(connectionID string)
}

// Client keeps one agent attached to the coordinator, redialing with a
// fixed backoff whenever the session drops.
type Client struct {
	logger  log.Logger
	url     string
	handler Handler

	dialer       websocket.Dialer
	backoff      time.Duration
	admisTimeout time.Duration

	// mtx guards the conn pointer and serializes writes on it.
	mtx     sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan *wire.AdmisReply
}

// NewClient returns a client registering as env with the coordinator at
// masterURL. http(s) schemes are rewritten to ws(s).
func NewClient(logger log.Logger, masterURL, env, ver string, handler Handler, reg prometheus.Registerer) (*Client, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	u, err := url.Parse(masterURL)
	if err != nil {
		return nil, fmt.Errorf("coordinator url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("coordinator url scheme %q not supported", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("env", env)
	q.Set("ver", ver)
	u.RawQuery = q.Encode()

	if reg != nil {
		reg.MustRegister(sessionConnects, sessionDialErrors)
	}
	return &Client{
		logger:       logger,
		url:          u.String(),
		handler:      handler,
		dialer:       websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		backoff:      reconnectBackoff,
		admisTimeout: wire.AdmisTimeout,
		pending:      map[string]chan *wire.AdmisReply{},
	}, nil
}

// Run dials the coordinator and serves the session, redialing after a
// fixed pause, until ctx is canceled.
func (c *Client) Run(ctx context.Context) error {
	for {
		conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			sessionDialErrors.Inc()
			status := 0
			if resp != nil {
				status = resp.StatusCode
				resp.Body.Close()
			}
			_ = level.Error(c.logger).Log("msg", "connecting to coordinator failed", "status", status, "err", err)
			if !c.pause(ctx) {
				return nil
			}
			continue
		}
		sessionConnects.Inc()
		_ = level.Info(c.logger).Log("msg", "connected to coordinator")
		c.serve(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		_ = level.Info(c.logger).Log("msg", "session dropped, redialing", "backoff", c.backoff)
		if !c.pause(ctx) {
			return nil
		}
	}
}

func (c *Client) pause(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.backoff):
		return true
	}
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	c.mtx.Lock()
	c.conn = conn
	c.mtx.Unlock()

	hbCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		_ = conn.Close()
		c.mtx.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mtx.Unlock()
	}()
	go c.heartbeat(hbCtx, conn)

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				_ = level.Error(c.logger).Log("msg", "coordinator read failed", "err", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		var frame wire.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			_ = level.Error(c.logger).Log("msg", "unparseable coordinator message", "err", err)
			continue
		}
		switch frame.Type {
		case wire.TypeRequest:
			go c.answer(ctx, conn, frame)
		case wire.TypeAdmis:
			c.deliverAdmis(frame)
		case wire.TypeStartPodLogs:
			_ = level.Info(c.logger).Log("msg", "starting pod log stream", "connection_id", frame.ConnectionID)
			go c.handler.StartPodLogs(ctx, c, frame.ConnectionID, frame.Namespace, frame.PodName, frame.Container)
		case wire.TypeStopPodLogs:
			_ = level.Info(c.logger).Log("msg", "stopping pod log stream", "connection_id", frame.ConnectionID)
			c.handler.StopPodLogs(frame.ConnectionID)
		default:
			_ = level.Info(c.logger).Log("msg", "message from coordinator", "type", frame.Type)
		}
	}
}

// heartbeat ticks until the session context ends, closing the socket on
// its way out so the read loop unblocks.
func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn) {
	if err := c.writeTo(conn, wire.Frame{Type: wire.TypeHeartbeat}); err != nil {
		_ = conn.Close()
		return
	}
	ticker := time.NewTicker(wire.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := c.writeTo(conn, wire.Frame{Type: wire.TypeHeartbeat}); err != nil {
				_ = level.Error(c.logger).Log("msg", "heartbeat failed", "err", err)
				_ = conn.Close()
				return
			}
		}
	}
}

// answer executes one coordinator request against the local API and ships
// the correlated response frame back.
func (c *Client) answer(ctx context.Context, conn *websocket.Conn, frame wire.Frame) {
	_ = level.Info(c.logger).Log("msg", "executing coordinator request", "request_id", frame.RequestID,
		"method", frame.Method, "path", frame.Path)
	response := c.handler.HandleRequest(ctx, frame.Method, frame.Path, frame.Query, frame.Body)
	out := wire.Frame{Type: wire.TypeResponse, RequestID: frame.RequestID, Response: response}
	if err := c.writeTo(conn, out); err != nil {
		_ = level.Error(c.logger).Log("msg", "sending response failed", "request_id", frame.RequestID, "err", err)
	}
}

func (c *Client) deliverAdmis(frame wire.Frame) {
	c.mtx.Lock()
	ch, ok := c.pending[frame.RequestID]
	if ok {
		delete(c.pending, frame.RequestID)
	}
	c.mtx.Unlock()
	if !ok {
		_ = level.Warn(c.logger).Log("msg", "admission reply for unknown request", "request_id", frame.RequestID)
		return
	}
	ch <- frame.DeployRes
}

// AskAdmis forwards an admission query and waits for the coordinator's
// verdict. requestID is the admission review UID.
func (c *Client) AskAdmis(ctx context.Context, requestID, namespace, deployment string) (*wire.AdmisReply, error) {
	c.mtx.Lock()
	conn := c.conn
	if conn == nil {
		c.mtx.Unlock()
		return nil, ErrNotConnected
	}
	ch := make(chan *wire.AdmisReply, 1)
	c.pending[requestID] = ch
	c.mtx.Unlock()
	defer c.forgetAdmis(requestID)

	query := wire.Frame{Type: wire.TypeAdmis, RequestID: requestID, Namespace: namespace, Deployment: deployment}
	if err := c.writeTo(conn, query); err != nil {
		return nil, fmt.Errorf("send admission query: %w", err)
	}
	timer := time.NewTimer(c.admisTimeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		return nil, ErrReplyTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) forgetAdmis(requestID string) {
	c.mtx.Lock()
	delete(c.pending, requestID)
	c.mtx.Unlock()
}

// Connected reports whether a coordinator session is currently up.
func (c *Client) Connected() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.conn != nil
}

// SendFrame ships one frame to the coordinator.
func (c *Client) SendFrame(frame wire.Frame) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.WriteJSON(frame)
}

// SendText ships one bare log line to the coordinator.
func (c *Client) SendText(line string) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

func (c *Client) writeTo(conn *websocket.Conn, v any) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return conn.WriteJSON(v)
}
