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

package events

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/kubedoor-io/kubedoor/pkg/store"
)

// RuleSet is the on-disk rule file layout. Global ignore rules run first;
// alert rules are evaluated in file order and the first match wins.
type RuleSet struct {
	AlertRules        []Rule `json:"alert_rules"`
	GlobalIgnoreRules []Rule `json:"global_ignore_rules"`
}

// Rule matches events whose fields satisfy every condition. A nil Enabled
// counts as enabled.
type Rule struct {
	Name       string                    `json:"name"`
	Severity   string                    `json:"severity"`
	Enabled    *bool                     `json:"enabled,omitempty"`
	Conditions map[string]FieldCondition `json:"conditions"`
}

func (r Rule) enabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// FieldCondition holds the predicates configured for one event field. Only
// the highest-precedence present predicate is evaluated: contains,
// not_contains, starts_with, not_starts_with, ends_with, not_ends_with,
// equals, not_equals, then the count comparisons. String predicates are
// case-insensitive and accept a scalar or a list in JSON. A condition with
// no recognized predicate matches everything.
type FieldCondition struct {
	Contains      []string
	NotContains   []string
	StartsWith    []string
	NotStartsWith []string
	EndsWith      []string
	NotEndsWith   []string
	Equals        *string
	NotEquals     *string
	GreaterThan   *float64
	LessThan      *float64
	GreaterEqual  *float64
	LessEqual     *float64
}

func (c *FieldCondition) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	lists := map[string]*[]string{
		"contains":        &c.Contains,
		"not_contains":    &c.NotContains,
		"starts_with":     &c.StartsWith,
		"not_starts_with": &c.NotStartsWith,
		"ends_with":       &c.EndsWith,
		"not_ends_with":   &c.NotEndsWith,
	}
	for key, dst := range lists {
		v, ok := raw[key]
		if !ok {
			continue
		}
		values, err := asStrings(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = values
	}
	scalars := map[string]**string{
		"equals":     &c.Equals,
		"not_equals": &c.NotEquals,
	}
	for key, dst := range scalars {
		v, ok := raw[key]
		if !ok {
			continue
		}
		var any any
		if err := json.Unmarshal(v, &any); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		s := stringify(any)
		*dst = &s
	}
	numbers := map[string]**float64{
		"greater_than":  &c.GreaterThan,
		"less_than":     &c.LessThan,
		"greater_equal": &c.GreaterEqual,
		"less_equal":    &c.LessEqual,
	}
	for key, dst := range numbers {
		v, ok := raw[key]
		if !ok {
			continue
		}
		var n float64
		if err := json.Unmarshal(v, &n); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = &n
	}
	return nil
}

// asStrings accepts a JSON scalar or list of scalars.
func asStrings(raw json.RawMessage) ([]string, error) {
	var list []any
	if err := json.Unmarshal(raw, &list); err == nil {
		out := make([]string, 0, len(list))
		for _, v := range list {
			out = append(out, stringify(v))
		}
		return out, nil
	}
	var single any
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, err
	}
	return []string{stringify(single)}, nil
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", x)
	}
}

// match evaluates the condition against one field value. present reports
// whether the field name is known at all; an absent field only satisfies
// the negated predicates. isCount enables numeric comparisons.
func (c FieldCondition) match(value string, present bool, count int32, isCount bool) bool {
	if !present {
		return c.NotContains != nil || c.NotStartsWith != nil || c.NotEndsWith != nil || c.NotEquals != nil
	}
	v := strings.ToLower(value)
	if c.Contains != nil {
		for _, s := range c.Contains {
			if strings.Contains(v, strings.ToLower(s)) {
				return true
			}
		}
		return false
	}
	if c.NotContains != nil {
		for _, s := range c.NotContains {
			if strings.Contains(v, strings.ToLower(s)) {
				return false
			}
		}
		return true
	}
	if c.StartsWith != nil {
		for _, s := range c.StartsWith {
			if strings.HasPrefix(v, strings.ToLower(s)) {
				return true
			}
		}
		return false
	}
	if c.NotStartsWith != nil {
		for _, s := range c.NotStartsWith {
			if strings.HasPrefix(v, strings.ToLower(s)) {
				return false
			}
		}
		return true
	}
	if c.EndsWith != nil {
		for _, s := range c.EndsWith {
			if strings.HasSuffix(v, strings.ToLower(s)) {
				return true
			}
		}
		return false
	}
	if c.NotEndsWith != nil {
		for _, s := range c.NotEndsWith {
			if strings.HasSuffix(v, strings.ToLower(s)) {
				return false
			}
		}
		return true
	}
	if c.Equals != nil {
		return v == strings.ToLower(*c.Equals)
	}
	if c.NotEquals != nil {
		return v != strings.ToLower(*c.NotEquals)
	}
	if isCount {
		n := float64(count)
		switch {
		case c.GreaterThan != nil:
			return n > *c.GreaterThan
		case c.LessThan != nil:
			return n < *c.LessThan
		case c.GreaterEqual != nil:
			return n >= *c.GreaterEqual
		case c.LessEqual != nil:
			return n <= *c.LessEqual
		}
	}
	return true
}

func matchConditions(ev store.Event, conditions map[string]FieldCondition) bool {
	for name, cond := range conditions {
		value, present := fieldString(ev, name)
		if !cond.match(value, present, ev.Count, name == "count") {
			return false
		}
	}
	return true
}

// fieldString renders an event field for string matching. Timestamps use
// the same wall clock form they are stored with.
func fieldString(ev store.Event, name string) (string, bool) {
	const layout = "2006-01-02 15:04:05"
	switch name {
	case "eventUid":
		return ev.EventUID, true
	case "eventStatus":
		return ev.EventStatus, true
	case "level":
		return ev.Level, true
	case "count":
		return strconv.Itoa(int(ev.Count)), true
	case "kind":
		return ev.Kind, true
	case "k8s":
		return ev.K8S, true
	case "namespace":
		return ev.Namespace, true
	case "name":
		return ev.Name, true
	case "reason":
		return ev.Reason, true
	case "message":
		return ev.Message, true
	case "firstTimestamp":
		return ev.FirstTimestamp.Format(layout), true
	case "lastTimestamp":
		return ev.LastTimestamp.Format(layout), true
	case "reportingComponent":
		return ev.ReportingComponent, true
	case "reportingInstance":
		return ev.ReportingInstance, true
	}
	return "", false
}

// Matcher evaluates events against a reloadable rule file.
type Matcher struct {
	logger log.Logger
	path   string

	mtx   sync.RWMutex
	rules RuleSet
}

// NewMatcher loads the rule file at path. A missing or broken file logs an
// error and leaves the matcher empty so event ingestion keeps running.
func NewMatcher(logger log.Logger, path string) *Matcher {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	m := &Matcher{logger: logger, path: path}
	if err := m.Reload(); err != nil {
		_ = level.Error(logger).Log("msg", "loading alert rules failed, starting with none", "file", path, "err", err)
	}
	return m
}

// Reload re-reads the rule file and swaps the active rule set.
func (m *Matcher) Reload() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	var rs RuleSet
	if err := json.Unmarshal(data, &rs); err != nil {
		return fmt.Errorf("parse rules: %w", err)
	}
	m.mtx.Lock()
	m.rules = rs
	m.mtx.Unlock()
	_ = level.Info(m.logger).Log("msg", "loaded alert rules",
		"file", m.path, "alert_rules", len(rs.AlertRules), "ignore_rules", len(rs.GlobalIgnoreRules))
	return nil
}

// ShouldIgnore reports whether any enabled global ignore rule matches.
func (m *Matcher) ShouldIgnore(ev store.Event) bool {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	for _, r := range m.rules.GlobalIgnoreRules {
		if !r.enabled() {
			continue
		}
		if matchConditions(ev, r.Conditions) {
			return true
		}
	}
	return false
}

// Match returns the first enabled alert rule the event satisfies.
func (m *Matcher) Match(ev store.Event) (Rule, bool) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	for _, r := range m.rules.AlertRules {
		if !r.enabled() {
			continue
		}
		if matchConditions(ev, r.Conditions) {
			_ = level.Info(m.logger).Log("msg", "event matched alert rule", "rule", r.Name, "event_uid", ev.EventUID)
			return r, true
		}
	}
	return Rule{}, false
}
