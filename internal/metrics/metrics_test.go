package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandler(t *testing.T) {
	CellConflict("head", 1)
	VerificationsTotal.WithLabelValues("complete", "valid").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{
		`auditchain_cell_conflicts_total{cell="head"}`,
		`auditchain_verifications_total{mode="complete",outcome="valid"}`,
		"auditchain_links_appended_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("expected %s in output", name)
		}
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		valid bool
		err   error
		want  string
	}{
		{true, nil, "valid"},
		{false, nil, "invalid"},
		{true, errors.New("boom"), "fault"},
		{false, errors.New("boom"), "fault"},
	}
	for _, tt := range tests {
		if got := Outcome(tt.valid, tt.err); got != tt.want {
			t.Errorf("Outcome(%v, %v) = %q, want %q", tt.valid, tt.err, got, tt.want)
		}
	}
}
