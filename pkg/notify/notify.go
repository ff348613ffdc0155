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

// Package notify delivers operational messages to a chat webhook. The
// channel and default token come from configuration; callers may override
// the token per message, which alert rules use to route to their own group.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Supported channel types for the MSG_TYPE setting.
const (
	ChannelWecom    = "wecom"
	ChannelDingding = "dingding"
	ChannelFeishu   = "feishu"
	ChannelSlack    = "slack"
)

// Notifier posts messages to one webhook channel.
type Notifier struct {
	logger  log.Logger
	client  *http.Client
	channel string
	token   string

	// Base URLs are fixed vendor endpoints, overridable in tests.
	wecomBase    string
	dingdingBase string
	feishuBase   string
	slackBase    string
}

// New returns a notifier for the given channel type and default token.
func New(logger log.Logger, channel, token string) *Notifier {
	return &Notifier{
		logger:       logger,
		client:       &http.Client{Timeout: 10 * time.Second},
		channel:      channel,
		token:        token,
		wecomBase:    "https://qyapi.weixin.qq.com",
		dingdingBase: "https://oapi.dingtalk.com",
		feishuBase:   "https://open.feishu.cn",
		slackBase:    "https://hooks.slack.com",
	}
}

// Send delivers content with the configured default token.
func (n *Notifier) Send(ctx context.Context, content string) error {
	return n.SendToken(ctx, content, "")
}

// SendToken delivers content, using token instead of the default when non-empty.
func (n *Notifier) SendToken(ctx context.Context, content, token string) error {
	if token == "" {
		token = n.token
	}
	var (
		url     string
		payload any
	)
	switch n.channel {
	case ChannelWecom:
		url = n.wecomBase + "/cgi-bin/webhook/send?key=" + token
		payload = wecomMessage(content, "")
	case ChannelDingding:
		url = n.dingdingBase + "/robot/send?access_token=" + token
		payload = dingdingMessage(content, "")
	case ChannelFeishu:
		url = n.feishuBase + "/open-apis/bot/v2/hook/" + token
		payload = feishuMessage(content, "")
	case ChannelSlack:
		url = n.slackBase + "/services/" + token
		payload = slackMessage(content, "")
	default:
		return fmt.Errorf("unknown message channel %q", n.channel)
	}
	return n.post(ctx, url, payload)
}

func (n *Notifier) post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", n.channel, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s message: %w", n.channel, err)
	}
	defer resp.Body.Close()

	reply, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("send %s message: status %d: %s", n.channel, resp.StatusCode, reply)
	}
	_ = level.Info(n.logger).Log("msg", "notification sent", "channel", n.channel, "response", string(reply))
	return nil
}

type markdownBody struct {
	Title   string `json:"title,omitempty"`
	Content string `json:"content,omitempty"`
	Text    string `json:"text,omitempty"`
}

type atBody struct {
	AtMobiles []string `json:"atMobiles"`
}

type wecomPayload struct {
	MsgType  string       `json:"msgtype"`
	Markdown markdownBody `json:"markdown"`
}

func wecomMessage(content, at string) wecomPayload {
	return wecomPayload{
		MsgType:  "markdown",
		Markdown: markdownBody{Content: fmt.Sprintf("%s<@%s>", content, at)},
	}
}

type dingdingPayload struct {
	MsgType  string       `json:"msgtype"`
	Markdown markdownBody `json:"markdown"`
	At       atBody       `json:"at"`
}

func dingdingMessage(content, at string) dingdingPayload {
	return dingdingPayload{
		MsgType:  "markdown",
		Markdown: markdownBody{Title: "告警", Text: content},
		At:       atBody{AtMobiles: []string{at}},
	}
}

type feishuText struct {
	Tag     string `json:"tag"`
	Content string `json:"content"`
}

type feishuHeader struct {
	Title    feishuText `json:"title"`
	Template string     `json:"template"`
}

type feishuCard struct {
	Header   feishuHeader `json:"header"`
	Elements []feishuText `json:"elements"`
}

type feishuPayload struct {
	MsgType string     `json:"msg_type"`
	Card    feishuCard `json:"card"`
}

func feishuMessage(content, at string) feishuPayload {
	return feishuPayload{
		MsgType: "interactive",
		Card: feishuCard{
			Header: feishuHeader{
				Title:    feishuText{Tag: "plain_text", Content: "告警通知"},
				Template: "red",
			},
			Elements: []feishuText{
				{Tag: "markdown", Content: fmt.Sprintf("%s\n<at id=%s></at>", content, at)},
			},
		},
	}
}

type slackPayload struct {
	Text string `json:"text"`
}

func slackMessage(content, at string) slackPayload {
	text := content
	if at != "" {
		text += fmt.Sprintf(" <@%s>", at)
	}
	return slackPayload{Text: text}
}
