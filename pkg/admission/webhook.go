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

package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	arv1 "k8s.io/api/admissionregistration/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/ptr"
)

const (
	// WebhookConfigName is the cluster-scoped configuration the agent
	// creates and deletes when admission is switched on and off.
	WebhookConfigName = "kubedoor-admis-configuration"
	webhookEntryName  = "kubedoor-admis.mutating.webhook"

	// IgnoreLabel opts a namespace out of admission interception.
	IgnoreLabel = "kubedoor-ignore"

	agentNamespace = "kubedoor"
	agentService   = "kubedoor-agent"
	reviewPath     = "/api/admis"
)

// WebhookManager switches the mutating webhook on and off. Both directions
// are idempotent; enabling also opts the system namespaces out so the agent
// cannot intercept itself.
type WebhookManager struct {
	logger   log.Logger
	client   kubernetes.Interface
	caBundle []byte
}

// NewWebhookManager returns a manager advertising caBundle in the webhook
// client config.
func NewWebhookManager(logger log.Logger, client kubernetes.Interface, caBundle []byte) *WebhookManager {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &WebhookManager{logger: logger, client: client, caBundle: caBundle}
}

// Enabled reports whether the webhook configuration exists.
func (m *WebhookManager) Enabled(ctx context.Context) (bool, error) {
	_, err := m.client.AdmissionregistrationV1().MutatingWebhookConfigurations().Get(ctx, WebhookConfigName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read webhook configuration: %w", err)
	}
	return true, nil
}

// Enable creates the webhook configuration and labels the kube-system and
// kubedoor namespaces as ignored. Label failures are logged, not fatal.
func (m *WebhookManager) Enable(ctx context.Context) error {
	cfg := &arv1.MutatingWebhookConfiguration{
		ObjectMeta: metav1.ObjectMeta{Name: WebhookConfigName},
		Webhooks: []arv1.MutatingWebhook{{
			Name: webhookEntryName,
			ClientConfig: arv1.WebhookClientConfig{
				Service: &arv1.ServiceReference{
					Namespace: agentNamespace,
					Name:      agentService,
					Path:      ptr.To(reviewPath),
					Port:      ptr.To(int32(443)),
				},
				CABundle: m.caBundle,
			},
			Rules: []arv1.RuleWithOperations{{
				Operations: []arv1.OperationType{arv1.Create, arv1.Update},
				Rule: arv1.Rule{
					APIGroups:   []string{"apps"},
					APIVersions: []string{"v1"},
					Resources:   []string{"deployments", "deployments/scale"},
					Scope:       ptr.To(arv1.ScopeType("*")),
				},
			}},
			FailurePolicy: ptr.To(arv1.Fail),
			MatchPolicy:   ptr.To(arv1.Equivalent),
			NamespaceSelector: &metav1.LabelSelector{
				MatchExpressions: []metav1.LabelSelectorRequirement{{
					Key:      IgnoreLabel,
					Operator: metav1.LabelSelectorOpDoesNotExist,
				}},
			},
			SideEffects:             ptr.To(arv1.SideEffectClassNone),
			TimeoutSeconds:          ptr.To(int32(10)),
			AdmissionReviewVersions: []string{"v1"},
			ReinvocationPolicy:      ptr.To(arv1.NeverReinvocationPolicy),
		}},
	}
	if _, err := m.client.AdmissionregistrationV1().MutatingWebhookConfigurations().Create(ctx, cfg, metav1.CreateOptions{}); err != nil {
		return fmt.Errorf("create webhook configuration: %w", err)
	}
	_ = level.Info(m.logger).Log("msg", "mutating webhook configuration created", "name", WebhookConfigName)
	m.setIgnoreLabel(ctx, "kube-system", true)
	m.setIgnoreLabel(ctx, agentNamespace, true)
	return nil
}

// Disable deletes the webhook configuration and removes the ignore labels.
func (m *WebhookManager) Disable(ctx context.Context) error {
	err := m.client.AdmissionregistrationV1().MutatingWebhookConfigurations().Delete(ctx, WebhookConfigName, metav1.DeleteOptions{})
	if err != nil {
		return fmt.Errorf("delete webhook configuration: %w", err)
	}
	_ = level.Info(m.logger).Log("msg", "mutating webhook configuration deleted", "name", WebhookConfigName)
	m.setIgnoreLabel(ctx, "kube-system", false)
	m.setIgnoreLabel(ctx, agentNamespace, false)
	return nil
}

func (m *WebhookManager) setIgnoreLabel(ctx context.Context, namespace string, on bool) {
	var value any
	if on {
		value = "true"
	}
	payload, err := json.Marshal(map[string]any{
		"metadata": map[string]any{"labels": map[string]any{IgnoreLabel: value}},
	})
	if err != nil {
		_ = level.Error(m.logger).Log("msg", "encode namespace label patch", "namespace", namespace, "err", err)
		return
	}
	_, err = m.client.CoreV1().Namespaces().Patch(ctx, namespace, types.StrategicMergePatchType, payload, metav1.PatchOptions{})
	if err != nil {
		_ = level.Error(m.logger).Log("msg", "patch namespace label failed", "namespace", namespace, "on", on, "err", err)
		return
	}
	_ = level.Info(m.logger).Log("msg", "namespace ignore label updated", "namespace", namespace, "on", on)
}

// ServeSwitch handles GET /api/admis_switch?action=get|on|off.
func (m *WebhookManager) ServeSwitch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	action := r.URL.Query().Get("action")

	enabled, err := m.Enabled(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}

	switch action {
	case "get":
		writeJSON(w, http.StatusOK, map[string]bool{"is_on": enabled})
	case "on":
		if enabled {
			writeJSON(w, http.StatusOK, switchReply{Message: "Webhook is already opened!", Success: true})
			return
		}
		if err := m.Enable(ctx); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, switchReply{Message: "执行成功", Success: true})
	case "off":
		if !enabled {
			writeJSON(w, http.StatusOK, switchReply{Message: "Webhook is already closed!", Success: true})
			return
		}
		if err := m.Disable(ctx); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, switchReply{Message: "执行成功", Success: true})
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": fmt.Sprintf("unknown action %q", action)})
	}
}

type switchReply struct {
	Message string `json:"message"`
	Success bool   `json:"success"`
}
