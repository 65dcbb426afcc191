package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHealthURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{addr: "", want: "http://127.0.0.1:8090/healthz"},
		{addr: "127.0.0.1:9000", want: "http://127.0.0.1:9000/healthz"},
		{addr: "0.0.0.0:9000", want: "http://127.0.0.1:9000/healthz"},
		{addr: ":9000", want: "http://127.0.0.1:9000/healthz"},
		{addr: "[::1]:9000", want: "http://[::1]:9000/healthz"},
		{addr: "https://bot.example.com/", want: "https://bot.example.com/healthz"},
	}
	for _, tt := range tests {
		if got := healthURL(tt.addr); got != tt.want {
			t.Fatalf("healthURL(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestQueryHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/healthz" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"connected":true}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	if code := queryHealth(context.Background(), srv.Client(), srv.URL+"/healthz", "secret", &out); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if !strings.Contains(out.String(), `"connected":true`) {
		t.Fatalf("output = %q", out.String())
	}
	if !strings.HasSuffix(out.String(), "\n") {
		t.Fatalf("output missing trailing newline: %q", out.String())
	}

	out.Reset()
	if code := queryHealth(context.Background(), srv.Client(), srv.URL+"/healthz", "wrong", &out); code != 1 {
		t.Fatalf("exit code = %d, want 1 on 401", code)
	}
}
