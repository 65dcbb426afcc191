package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/herald/internal/gateway"
)

func TestTokenAuth(t *testing.T) {
	handler := gateway.NewTokenAuth("s3cret").Wrap(okHandler())

	cases := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"valid bearer", "/api/commands", "Bearer s3cret", http.StatusOK},
		{"wrong token", "/api/commands", "Bearer nope", http.StatusForbidden},
		{"missing token", "/api/commands", "", http.StatusUnauthorized},
		{"query token", "/ws?token=s3cret", "", http.StatusOK},
		{"healthz open", "/healthz", "", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestTokenAuth_EmptyTokenIsOpen(t *testing.T) {
	a := gateway.NewTokenAuth("  ")
	if a.Enabled() {
		t.Fatal("blank token should disable auth")
	}
	rec := httptest.NewRecorder()
	a.Wrap(okHandler()).ServeHTTP(rec, httptest.NewRequest("GET", "/api/flags", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
