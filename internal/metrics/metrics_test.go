// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/trustmesh/subscriptiond/internal/subscription"
)

func TestRegistry_HandlerExposesCollectors(t *testing.T) {
	r := New()
	r.SetQueueDepth("client-a", 3)
	r.SetFailureCount("client-a", 1)
	r.ObserveDelivery(subscription.OutcomeOK, 5*time.Millisecond)
	r.IncClientsRemoved()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`subscriptiond_queue_depth{client="client-a"} 3`,
		`subscriptiond_failure_count{client="client-a"} 1`,
		`subscriptiond_deliveries_total{outcome="ok"} 1`,
		"subscriptiond_clients_removed_total 1",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("exposition missing %q; body:\n%s", want, body)
		}
	}
}

func TestRegistry_DeleteClientDropsLabelSeries(t *testing.T) {
	r := New()
	r.SetQueueDepth("client-a", 5)
	r.SetFailureCount("client-a", 2)

	r.DeleteClient("client-a")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if strings.Contains(body, `client="client-a"`) {
		t.Fatalf("expected client-a's label series to be gone; body:\n%s", body)
	}
}
