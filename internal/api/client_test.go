package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClient_ErrorIncludesBody(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"update operation already in progress"}`))
	}))
	defer s.Close()

	c := NewClient(s.URL)
	err := c.Download(context.Background(), "http://example.com/fw.img")
	if err == nil {
		t.Fatalf("expected error")
	}
	got := err.Error()
	if !strings.Contains(got, "409") {
		t.Fatalf("error missing status: %q", got)
	}
	if !strings.Contains(got, "already in progress") {
		t.Fatalf("error missing body: %q", got)
	}
}

func TestNewClient_PrependsScheme(t *testing.T) {
	t.Parallel()

	c := NewClient("127.0.0.1:8080")
	if c.baseURL != "http://127.0.0.1:8080" {
		t.Fatalf("baseURL=%q", c.baseURL)
	}
	c = NewClient("https://gw.local")
	if c.baseURL != "https://gw.local" {
		t.Fatalf("baseURL=%q", c.baseURL)
	}
}

func TestClient_DecodesResponse(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" || r.Method != http.MethodGet {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"downloading":true,"progress":0.25}`))
	}))
	defer s.Close()

	st, err := NewClient(s.URL).Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Downloading || st.Progress != 0.25 {
		t.Fatalf("status=%+v", st)
	}
}
