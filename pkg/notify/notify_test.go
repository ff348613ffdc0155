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

package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendChannels(t *testing.T) {
	tests := []struct {
		name     string
		channel  string
		token    string
		wantPath string
		wantBody string
	}{
		{
			name:     "wecom",
			channel:  ChannelWecom,
			token:    "tok-1",
			wantPath: "/cgi-bin/webhook/send?key=tok-1",
			wantBody: `{"msgtype":"markdown","markdown":{"content":"hello<@>"}}`,
		},
		{
			name:     "dingding",
			channel:  ChannelDingding,
			token:    "tok-2",
			wantPath: "/robot/send?access_token=tok-2",
			wantBody: `{"msgtype":"markdown","markdown":{"title":"告警","text":"hello"},"at":{"atMobiles":[""]}}`,
		},
		{
			name:     "feishu",
			channel:  ChannelFeishu,
			token:    "tok-3",
			wantPath: "/open-apis/bot/v2/hook/tok-3",
			wantBody: `{"msg_type":"interactive","card":{"header":{"title":{"tag":"plain_text","content":"告警通知"},"template":"red"},"elements":[{"tag":"markdown","content":"hello\n<at id=></at>"}]}}`,
		},
		{
			name:     "slack",
			channel:  ChannelSlack,
			token:    "T0/B0/xyz",
			wantPath: "/services/T0/B0/xyz",
			wantBody: `{"text":"hello"}`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var gotPath, gotBody string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				if r.URL.RawQuery != "" {
					gotPath += "?" + r.URL.RawQuery
				}
				raw, _ := io.ReadAll(r.Body)
				gotBody = string(raw)
				w.Write([]byte(`{"errcode":0}`))
			}))
			defer srv.Close()

			n := New(log.NewNopLogger(), tc.channel, tc.token)
			n.wecomBase = srv.URL
			n.dingdingBase = srv.URL
			n.feishuBase = srv.URL
			n.slackBase = srv.URL

			require.NoError(t, n.Send(context.Background(), "hello"))
			assert.Equal(t, tc.wantPath, gotPath)
			assert.JSONEq(t, tc.wantBody, gotBody)
		})
	}
}

func TestSendTokenOverride(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	n := New(log.NewNopLogger(), ChannelWecom, "default-token")
	n.wecomBase = srv.URL

	require.NoError(t, n.SendToken(context.Background(), "x", "rule-token"))
	assert.Equal(t, "key=rule-token", gotQuery)

	require.NoError(t, n.SendToken(context.Background(), "x", ""))
	assert.Equal(t, "key=default-token", gotQuery)
}

func TestSendUnknownChannel(t *testing.T) {
	n := New(log.NewNopLogger(), "pigeon", "t")
	err := n.Send(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pigeon")
}

func TestSendServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusForbidden)
	}))
	defer srv.Close()

	n := New(log.NewNopLogger(), ChannelSlack, "t")
	n.slackBase = srv.URL

	err := n.Send(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}
