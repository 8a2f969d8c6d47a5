package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerServesExpositionFormat(t *testing.T) {
	ReconcileTicks.Inc()
	WebhookRequests.WithLabelValues("accepted").Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "agentbridge_reconcile_ticks_total") {
		t.Error("expected reconcile ticks counter in exposition output")
	}
	if !strings.Contains(body, "agentbridge_webhook_requests_total") {
		t.Error("expected webhook requests counter in exposition output")
	}
}

func TestGaugesAreSettable(t *testing.T) {
	ActiveIdentities.Set(3)
	LiveClientSessions.Set(7)
	DegradedComponents.Set(0)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "agentbridge_active_identities 3") {
		t.Errorf("expected active identities gauge to read 3, body:\n%s", body)
	}
}
