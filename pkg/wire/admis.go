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

package wire

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// AdmisReplyKind discriminates the admission reply variants.
type AdmisReplyKind int

const (
	// AdmisPassthrough admits the object untouched (non-governed namespace,
	// or unknown workload with confirmation disabled).
	AdmisPassthrough AdmisReplyKind = iota
	// AdmisDenied rejects the object with a status code and reason.
	AdmisDenied
	// AdmisGovern admits with the governance values to be patched in.
	AdmisGovern
)

// Govern carries the control record values enforced on an admitted object.
// Negative counts are "no opinion": the effective pod count resolves
// manual, then ai, then the observed count.
type Govern struct {
	PodCount        int
	PodCountAI      int
	PodCountManual  int
	RequestCPUMilli int
	RequestMemMB    int
	LimitCPUMilli   int
	LimitMemMB      int
	Scheduler       bool
}

// EffectivePodCount resolves the replica precedence manual > ai > observed.
func (g Govern) EffectivePodCount() int {
	if g.PodCountManual >= 0 {
		return g.PodCountManual
	}
	if g.PodCountAI >= 0 {
		return g.PodCountAI
	}
	return g.PodCount
}

// AdmisReply is the coordinator's answer to an agent admission query.
// On the wire it keeps the legacy array forms: [code, message] for
// passthrough and denial, or the eight element governance tuple.
type AdmisReply struct {
	Kind    AdmisReplyKind
	Code    int
	Message string
	Govern  Govern
}

// Passthrough builds an admit-unchanged reply.
func Passthrough(msg string) *AdmisReply {
	return &AdmisReply{Kind: AdmisPassthrough, Code: http.StatusOK, Message: msg}
}

// Denied builds a rejection reply.
func Denied(code int, msg string) *AdmisReply {
	return &AdmisReply{Kind: AdmisDenied, Code: code, Message: msg}
}

// Governed builds a reply carrying control record values.
func Governed(g Govern) *AdmisReply {
	return &AdmisReply{Kind: AdmisGovern, Govern: g}
}

// MarshalJSON renders the legacy array encoding.
func (r AdmisReply) MarshalJSON() ([]byte, error) {
	if r.Kind == AdmisGovern {
		g := r.Govern
		return json.Marshal([]any{
			g.PodCount, g.PodCountAI, g.PodCountManual,
			g.RequestCPUMilli, g.RequestMemMB, g.LimitCPUMilli, g.LimitMemMB,
			g.Scheduler,
		})
	}
	return json.Marshal([]any{r.Code, r.Message})
}

// UnmarshalJSON accepts both array encodings. The scheduler element may be
// a bool or a 0/1 numeric, depending on the store column type.
func (r *AdmisReply) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("admis reply is not an array: %w", err)
	}
	switch len(parts) {
	case 2:
		var code int
		if err := json.Unmarshal(parts[0], &code); err != nil {
			return fmt.Errorf("admis reply code: %w", err)
		}
		var msg string
		if err := json.Unmarshal(parts[1], &msg); err != nil {
			return fmt.Errorf("admis reply message: %w", err)
		}
		r.Code = code
		r.Message = msg
		if code == http.StatusOK {
			r.Kind = AdmisPassthrough
		} else {
			r.Kind = AdmisDenied
		}
		return nil
	case 8:
		ints := make([]int, 7)
		for i := range ints {
			if err := json.Unmarshal(parts[i], &ints[i]); err != nil {
				return fmt.Errorf("admis reply element %d: %w", i, err)
			}
		}
		scheduler, err := parseSchedulerFlag(parts[7])
		if err != nil {
			return err
		}
		r.Kind = AdmisGovern
		r.Govern = Govern{
			PodCount:        ints[0],
			PodCountAI:      ints[1],
			PodCountManual:  ints[2],
			RequestCPUMilli: ints[3],
			RequestMemMB:    ints[4],
			LimitCPUMilli:   ints[5],
			LimitMemMB:      ints[6],
			Scheduler:       scheduler,
		}
		return nil
	default:
		return fmt.Errorf("admis reply has %d elements, want 2 or 8", len(parts))
	}
}

func parseSchedulerFlag(raw json.RawMessage) (bool, error) {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, nil
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return false, fmt.Errorf("admis reply scheduler flag: %w", err)
	}
	return n != 0, nil
}
