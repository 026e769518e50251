package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/grugthink/grugfleet/internal/config"
	"github.com/grugthink/grugfleet/internal/domain"
	"github.com/grugthink/grugfleet/internal/events"
	"github.com/grugthink/grugfleet/internal/fleet"
	"github.com/grugthink/grugfleet/internal/memory"
	"github.com/grugthink/grugfleet/internal/registry"
	"github.com/grugthink/grugfleet/internal/store"
	"github.com/grugthink/grugfleet/internal/worker"
)

// idleRuntime hands out workers that heartbeat on their own until stopped.
type idleRuntime struct{}

func (idleRuntime) Name() string { return "idle" }

func (idleRuntime) Launch(ctx context.Context, cfg worker.LaunchConfig) (worker.Handle, error) {
	h := &idleHandle{events: make(chan worker.Event, 16), stop: make(chan struct{})}
	go h.run(cfg.HeartbeatInterval)
	return h, nil
}

type idleHandle struct {
	events chan worker.Event
	stop   chan struct{}
}

func (h *idleHandle) Events() <-chan worker.Event { return h.events }

func (h *idleHandle) Stop(ctx context.Context, grace time.Duration) error {
	close(h.stop)
	return nil
}

func (h *idleHandle) run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			select {
			case h.events <- worker.Event{Kind: worker.KindHeartbeat, Timestamp: time.Now().UTC()}:
			default:
			}
		case <-h.stop:
			h.events <- worker.Event{Kind: worker.KindExit, Cause: worker.ExitNormal, Timestamp: time.Now().UTC()}
			close(h.events)
			return
		}
	}
}

func newTestRouter(t *testing.T) (chi.Router, store.Repository) {
	t.Helper()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	ctx := context.Background()
	reg := registry.New(repo)
	if err := reg.EnsureDefaults(ctx); err != nil {
		t.Fatalf("Failed to seed templates: %v", err)
	}
	if err := reg.PutCredential(ctx, "cred1", "discord", "token-abc"); err != nil {
		t.Fatalf("Failed to store credential: %v", err)
	}

	bus := events.NewBus(256)
	t.Cleanup(bus.Close)
	memories := memory.NewService(repo, 100)

	cfg := config.FleetConfig{
		HeartbeatInterval:  10 * time.Millisecond,
		LivenessMultiple:   10,
		StopGracePeriod:    100 * time.Millisecond,
		RestartBackoffBase: 10 * time.Millisecond,
		RestartBackoffCap:  50 * time.Millisecond,
		CrashThreshold:     3,
		CrashWindow:        time.Minute,
	}
	rt := idleRuntime{}
	sup, err := fleet.New(ctx, cfg, repo, reg, bus, map[string]worker.Runtime{rt.Name(): rt}, rt.Name())
	if err != nil {
		t.Fatalf("Failed to create supervisor: %v", err)
	}

	r := chi.NewRouter()
	NewHealthHandler(repo, sup).RegisterHealth(r)
	NewFleetHandler(sup).RegisterRoutes(r)
	NewMemoryHandler(sup, memories).RegisterRoutes(r)
	NewRegistryHandler(reg).RegisterRoutes(r)
	return r, repo
}

func doJSON(t *testing.T, r chi.Router, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

func createTestInstance(t *testing.T, r chi.Router) string {
	t.Helper()
	w := doJSON(t, r, http.MethodPost, "/api/instances", map[string]string{
		"name":            "grug-main",
		"credential_ref":  "cred1",
		"personality_ref": "grug",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Create returned %d: %s", w.Code, w.Body.String())
	}
	var inst domain.BotInstance
	decodeBody(t, w, &inst)
	return inst.ID
}

func TestCreateInstanceEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)

	id := createTestInstance(t, r)
	if id == "" {
		t.Fatal("Expected a generated instance id")
	}

	w := doJSON(t, r, http.MethodGet, "/api/instances/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Get returned %d", w.Code)
	}
	var inst domain.BotInstance
	decodeBody(t, w, &inst)
	if inst.Status != domain.StatusStopped {
		t.Errorf("Expected stopped, got %s", inst.Status)
	}
}

func TestCreateInstanceRejectsBadInput(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/instances", map[string]string{
		"credential_ref":  "cred1",
		"personality_ref": "grug",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Missing name: expected 400, got %d", w.Code)
	}

	w = doJSON(t, r, http.MethodPost, "/api/instances", map[string]string{
		"name":            "g",
		"credential_ref":  "nope",
		"personality_ref": "grug",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Unknown credential: expected 400, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/instances", strings.NewReader("{not json"))
	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, req)
	if w2.Code != http.StatusBadRequest {
		t.Errorf("Malformed body: expected 400, got %d", w2.Code)
	}
}

func TestUnknownInstanceIs404(t *testing.T) {
	r, _ := newTestRouter(t)

	for _, path := range []string{
		"/api/instances/nope",
		"/api/instances/nope/logs",
		"/api/instances/nope/memories/",
	} {
		w := doJSON(t, r, http.MethodGet, path, nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, w.Code)
		}
	}

	w := doJSON(t, r, http.MethodPost, "/api/instances/nope/start", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Start unknown: expected 404, got %d", w.Code)
	}
}

func TestLifecycleConflicts(t *testing.T) {
	r, _ := newTestRouter(t)
	id := createTestInstance(t, r)

	w := doJSON(t, r, http.MethodPost, "/api/instances/"+id+"/start", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Start: expected 202, got %d: %s", w.Code, w.Body.String())
	}

	// A second start while starting or running conflicts.
	w = doJSON(t, r, http.MethodPost, "/api/instances/"+id+"/start", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("Double start: expected 409, got %d", w.Code)
	}

	// Updates are only legal while stopped.
	w = doJSON(t, r, http.MethodPut, "/api/instances/"+id, map[string]string{"name": "other"})
	if w.Code != http.StatusConflict {
		t.Errorf("Update while active: expected 409, got %d", w.Code)
	}

	w = doJSON(t, r, http.MethodPost, "/api/instances/"+id+"/stop", nil)
	if w.Code != http.StatusAccepted {
		t.Errorf("Stop: expected 202, got %d", w.Code)
	}
}

func TestMemoryEndpoints(t *testing.T) {
	r, _ := newTestRouter(t)
	id := createTestInstance(t, r)
	base := "/api/instances/" + id + "/memories"

	w := doJSON(t, r, http.MethodPost, base+"/", map[string]string{"content": "grug like rock"})
	if w.Code != http.StatusCreated {
		t.Fatalf("Add memory: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var added struct {
		ID int64 `json:"id"`
	}
	decodeBody(t, w, &added)
	if added.ID != 1 {
		t.Errorf("First memory id should be 1, got %d", added.ID)
	}

	// Duplicate content returns the existing id.
	w = doJSON(t, r, http.MethodPost, base+"/", map[string]string{"content": "grug like rock"})
	decodeBody(t, w, &added)
	if added.ID != 1 {
		t.Errorf("Duplicate add should return id 1, got %d", added.ID)
	}

	w = doJSON(t, r, http.MethodPost, base+"/", map[string]string{"content": "grug fear fire"})
	if w.Code != http.StatusCreated {
		t.Fatalf("Add memory: expected 201, got %d", w.Code)
	}

	w = doJSON(t, r, http.MethodGet, base+"/", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("List memories: expected 200, got %d", w.Code)
	}
	var listed struct {
		Memories []domain.MemoryEntry `json:"memories"`
		Total    int64                `json:"total"`
	}
	decodeBody(t, w, &listed)
	if listed.Total != 2 || len(listed.Memories) != 2 {
		t.Errorf("Expected 2 memories, got total=%d len=%d", listed.Total, len(listed.Memories))
	}

	w = doJSON(t, r, http.MethodGet, base+"/search?q=FIRE", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Search: expected 200, got %d", w.Code)
	}
	var found struct {
		Memories []domain.MemoryEntry `json:"memories"`
	}
	decodeBody(t, w, &found)
	if len(found.Memories) != 1 || found.Memories[0].Content != "grug fear fire" {
		t.Errorf("Search miss: %+v", found.Memories)
	}

	w = doJSON(t, r, http.MethodDelete, base+"/", map[string]string{"content": "grug fear fire"})
	if w.Code != http.StatusOK {
		t.Errorf("Delete memory: expected 200, got %d", w.Code)
	}
	w = doJSON(t, r, http.MethodDelete, base+"/", map[string]string{"content": "grug fear fire"})
	if w.Code != http.StatusNotFound {
		t.Errorf("Delete absent memory: expected 404, got %d", w.Code)
	}

	w = doJSON(t, r, http.MethodPost, base+"/", map[string]string{"content": ""})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Empty content: expected 400, got %d", w.Code)
	}
}

func TestCredentialTokensNeverSerialized(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/credentials/", map[string]string{
		"ref":     "cred2",
		"network": "discord",
		"token":   "super-secret",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Put credential: expected 201, got %d", w.Code)
	}

	w = doJSON(t, r, http.MethodGet, "/api/credentials/", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("List credentials: expected 200, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "super-secret") {
		t.Fatal("Credential token leaked into the response body")
	}
}

func TestListTemplates(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodGet, "/api/templates", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("List templates: expected 200, got %d", w.Code)
	}
	var listed struct {
		Templates []domain.Template `json:"templates"`
	}
	decodeBody(t, w, &listed)
	if len(listed.Templates) == 0 {
		t.Error("Expected seeded personality templates")
	}
}

func TestHealthEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Health: expected 200, got %d", w.Code)
	}
	var status map[string]interface{}
	decodeBody(t, w, &status)
	if status["status"] != "healthy" {
		t.Errorf("Expected healthy, got %v", status["status"])
	}
}
