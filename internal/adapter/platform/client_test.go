package platform

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"apistudio/internal/domain"
	"apistudio/internal/infra/config"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.PlatformConfig{BaseURL: srv.URL, Token: "tok"}, slog.Default())
}

func TestLoadComponent(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/load-test-ui/api_1" {
			t.Errorf("path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("auth: %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":       true,
			"componentId":   "comp_1",
			"componentCode": "source",
			"codeSnapshot":  "snapshot",
			"createdAt":     "2026-08-01T12:00:00Z",
			"updatedAt":     "2026-08-02T12:00:00Z",
		})
	}))

	comp, err := client.LoadComponent(context.Background(), "api_1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if comp.ComponentID != "comp_1" || comp.Code != "source" || comp.CodeSnapshot != "snapshot" {
		t.Errorf("unexpected component: %+v", comp)
	}
	if comp.CreatedAt.IsZero() || comp.UpdatedAt.IsZero() {
		t.Error("timestamps not parsed")
	}
}

func TestLoadComponentNotFound(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "message": "no component"})
	}))

	_, err := client.LoadComponent(context.Background(), "api_1")
	if !errors.Is(err, domain.ErrComponentNotFound) {
		t.Fatalf("expected ErrComponentNotFound, got %v", err)
	}
}

func TestSaveComponentSendsIdempotencyKey(t *testing.T) {
	var gotKey string
	var gotBody saveRequest
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "componentId": "comp_9"})
	}))

	id, err := client.SaveComponent(context.Background(), "api_1", "code", "snapshot")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if id != "comp_9" {
		t.Errorf("component id: %q", id)
	}
	if gotKey == "" {
		t.Error("idempotency key missing")
	}
	if gotBody.APIID != "api_1" || gotBody.ComponentCode != "code" || gotBody.CodeSnapshot != "snapshot" {
		t.Errorf("unexpected body: %+v", gotBody)
	}
}

func TestListComponents(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/list-test-ui/api_1" {
			t.Errorf("path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"components": []map[string]any{
				{"id": "comp_2", "is_active": true, "generation_count": 3},
				{"id": "comp_1", "is_active": false, "generation_count": 1},
			},
		})
	}))

	comps, err := client.ListComponents(context.Background(), "api_1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(comps) != 2 || comps[0].ComponentID != "comp_2" || !comps[0].Active {
		t.Errorf("unexpected list: %+v", comps)
	}
}

func TestContainerLogsAndInfo(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/container-logs/api_1":
			if got := r.URL.Query().Get("tail"); got != "50" {
				t.Errorf("tail: %q", got)
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "logs": "line1\nline2\n"})
		case "/container-info/api_1":
			_ = json.NewEncoder(w).Encode(map[string]any{"state": "running", "healthy": true})
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
	}))

	logs, err := client.ContainerLogs(context.Background(), "api_1", 50)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if logs != "line1\nline2\n" {
		t.Errorf("logs: %q", logs)
	}

	info, err := client.ContainerInfo(context.Background(), "api_1")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.APIID != "api_1" || info.State != "running" || !info.Healthy {
		t.Errorf("unexpected info: %+v", info)
	}
}

func TestStatusMapping(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))

	_, err := client.LoadComponent(context.Background(), "api_1")
	if !errors.Is(err, domain.ErrRateLimit) {
		t.Fatalf("expected ErrRateLimit, got %v", err)
	}
}
