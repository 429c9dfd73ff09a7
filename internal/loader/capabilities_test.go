package loader

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"apistudio/internal/domain"
)

func TestScopedDoorSignsAndScopesRequests(t *testing.T) {
	var gotPath, gotKey, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-API-Key")
		gotMethod = r.Method
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	caps := NewCapabilities(srv.URL, "secret-key", srv.Client())

	status, body, err := caps.HTTP.Do(context.Background(), http.MethodPost, "/orders", []byte(`{"qty": 2}`))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if status != http.StatusCreated {
		t.Errorf("status: got %d", status)
	}
	if string(body) != `{"ok": true}` {
		t.Errorf("body: got %q", body)
	}
	if gotPath != "/orders" || gotMethod != http.MethodPost {
		t.Errorf("request: %s %s", gotMethod, gotPath)
	}
	if gotKey != "secret-key" {
		t.Errorf("api key header: got %q", gotKey)
	}
}

func TestScopedDoorDeniesForeignHosts(t *testing.T) {
	caps := NewCapabilities("https://run.example.com/api_1", "k", nil)

	_, _, err := caps.HTTP.Do(context.Background(), http.MethodGet, "https://evil.example.com/steal", nil)
	if !errors.Is(err, domain.ErrCapabilityDenied) {
		t.Fatalf("expected ErrCapabilityDenied, got %v", err)
	}

	// A prefix trick must not pass either.
	_, _, err = caps.HTTP.Do(context.Background(), http.MethodGet, "https://run.example.com.evil.test/x", nil)
	if !errors.Is(err, domain.ErrCapabilityDenied) {
		t.Fatalf("expected ErrCapabilityDenied for lookalike host, got %v", err)
	}
}

func TestScopedDoorAcceptsAbsoluteURLInsideBase(t *testing.T) {
	d := &scopedDoor{baseURL: "https://run.example.com/api_1"}

	target, err := d.resolve("https://run.example.com/api_1/orders")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if target != "https://run.example.com/api_1/orders" {
		t.Errorf("target: got %q", target)
	}

	target, err = d.resolve("orders/42")
	if err != nil {
		t.Fatalf("resolve relative: %v", err)
	}
	if target != "https://run.example.com/api_1/orders/42" {
		t.Errorf("relative target: got %q", target)
	}
}

func TestRenderAndIconCapabilities(t *testing.T) {
	caps := NewCapabilities("https://run.example.com", "", nil)

	if got := caps.Render("unknown-style", "text"); got != "text" {
		t.Errorf("unknown style must pass text through, got %q", got)
	}
	if caps.Render("success", "done") == "" {
		t.Error("success style produced empty output")
	}
	if got := caps.Icon("check"); got == "" {
		t.Error("check icon missing")
	}
	if got := caps.Icon("no-such-icon"); got != "" {
		t.Errorf("unknown icon must be empty, got %q", got)
	}
}
