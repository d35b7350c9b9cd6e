package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthz(t *testing.T) {
	h := New(nil)
	rec := httptest.NewRecorder()

	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name       string
		checkers   []Checker
		wantStatus int
		wantBody   string
	}{
		{
			name:       "no checkers",
			wantStatus: http.StatusOK,
			wantBody:   "ok",
		},
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "providers", Check: func(context.Context) error { return nil }},
				{Name: "briefs", Check: func(context.Context) error { return nil }},
			},
			wantStatus: http.StatusOK,
			wantBody:   "ok",
		},
		{
			name: "one fails",
			checkers: []Checker{
				{Name: "providers", Check: func(context.Context) error { return nil }},
				{Name: "briefs", Check: func(context.Context) error { return errors.New("dsn unreachable") }},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "fail",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := New(nil, tc.checkers...)
			rec := httptest.NewRecorder()

			h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			var res result
			if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if res.Status != tc.wantBody {
				t.Errorf("body status = %q, want %q", res.Status, tc.wantBody)
			}
		})
	}
}

func TestStatusz(t *testing.T) {
	h := New(func() CallStatus {
		return CallStatus{Active: true, Account: "acme", MeddicCompletion: 50}
	})
	rec := httptest.NewRecorder()

	h.Statusz(rec, httptest.NewRequest(http.MethodGet, "/statusz", nil))

	var cs CallStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &cs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !cs.Active || cs.Account != "acme" || cs.MeddicCompletion != 50 {
		t.Errorf("status = %+v", cs)
	}
}

func TestStatusz_NoSource(t *testing.T) {
	h := New(nil)
	rec := httptest.NewRecorder()

	h.Statusz(rec, httptest.NewRequest(http.MethodGet, "/statusz", nil))

	var cs CallStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &cs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cs.Active {
		t.Error("expected inactive status without a source")
	}
}
