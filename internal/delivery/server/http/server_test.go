package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"muse/internal/delivery/server/app"
	"muse/internal/domain/balancer"
	"muse/internal/domain/instance"
	"muse/internal/domain/task"
	"muse/internal/infra/observability"
)

type acceptClient struct{}

func (acceptClient) Imagine(context.Context, string, string) (instance.Message, error) {
	return instance.Message{Code: instance.CodeSuccess}, nil
}
func (acceptClient) Upscale(context.Context, string, int, string, int, string) (instance.Message, error) {
	return instance.Message{Code: instance.CodeSuccess}, nil
}
func (acceptClient) Variation(context.Context, string, int, string, int, string) (instance.Message, error) {
	return instance.Message{Code: instance.CodeSuccess}, nil
}
func (acceptClient) Reroll(context.Context, string, string, int, string) (instance.Message, error) {
	return instance.Message{Code: instance.CodeSuccess}, nil
}
func (acceptClient) Action(context.Context, string, string, int, string) (instance.Message, error) {
	return instance.Message{Code: instance.CodeSuccess}, nil
}
func (acceptClient) Describe(context.Context, string, string) (instance.Message, error) {
	return instance.Message{Code: instance.CodeSuccess}, nil
}
func (acceptClient) Blend(context.Context, []string, instance.BlendDimensions, string) (instance.Message, error) {
	return instance.Message{Code: instance.CodeSuccess}, nil
}
func (acceptClient) Upload(context.Context, string, string) (instance.Message, error) {
	return instance.Message{Code: instance.CodeSuccess, Result: "file"}, nil
}
func (acceptClient) SendImageMessage(context.Context, string, string) (instance.Message, error) {
	return instance.Message{Code: instance.CodeSuccess}, nil
}

func testServer(t *testing.T, secret string) (*Server, *app.InMemoryTaskStore) {
	t.Helper()
	store := app.NewInMemoryTaskStore()
	t.Cleanup(store.Close)

	registry := instance.NewRegistry()
	rt := instance.NewRuntime(
		instance.Account{ID: "acc-1", Enabled: true, CoreSize: 2},
		acceptClient{}, store, nil,
	)
	rt.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = rt.Stop(ctx)
	})
	registry.Register(rt)

	service := app.NewSubmitService(registry, balancer.NewBestWaitIdle(), store)
	metrics := observability.MustNewMetrics(prometheus.NewRegistry())
	return NewServer(Config{Host: "127.0.0.1", Port: 0, APISecret: secret}, service, registry, metrics), store
}

func doJSON(s *Server, method, path, secret string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("mj-api-secret", secret)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	s, _ := testServer(t, "s3cret")

	w := doJSON(s, http.MethodPost, "/mj/submit/imagine", "", map[string]any{"prompt": "p"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without secret, got %d", w.Code)
	}

	w = doJSON(s, http.MethodPost, "/mj/submit/imagine", "s3cret", map[string]any{"prompt": "p"})
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with secret, got %d", w.Code)
	}

	// Health stays open.
	w = doJSON(s, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("health should not require the secret, got %d", w.Code)
	}
}

func TestImagineEndpoint(t *testing.T) {
	s, store := testServer(t, "")

	w := doJSON(s, http.MethodPost, "/mj/submit/imagine", "", map[string]any{"prompt": "a red fox"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var result instance.SubmitResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Code != instance.CodeSuccess || result.TaskID == "" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if _, err := store.Get(context.Background(), result.TaskID); err != nil {
		t.Errorf("submitted task should be persisted: %v", err)
	}
}

func TestImagineValidation(t *testing.T) {
	s, _ := testServer(t, "")

	w := doJSON(s, http.MethodPost, "/mj/submit/imagine", "", map[string]any{})
	var result instance.SubmitResult
	_ = json.Unmarshal(w.Body.Bytes(), &result)
	if result.Code != instance.CodeValidationError {
		t.Errorf("missing prompt should fail validation, got %d", result.Code)
	}
}

func TestChangeEndpointRejectsUnknownAction(t *testing.T) {
	s, _ := testServer(t, "")

	w := doJSON(s, http.MethodPost, "/mj/submit/change", "", map[string]any{
		"taskId": "t", "action": "ZOOM", "index": 1,
	})
	var result instance.SubmitResult
	_ = json.Unmarshal(w.Body.Bytes(), &result)
	if result.Code != instance.CodeValidationError {
		t.Errorf("unknown action should fail validation, got %d", result.Code)
	}
}

func TestFetchEndpoints(t *testing.T) {
	s, store := testServer(t, "")

	tk := task.New("t1", task.ActionImagine, "a red fox")
	_ = store.Save(context.Background(), tk)

	w := doJSON(s, http.MethodGet, "/mj/task/t1/fetch", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var snap task.Snapshot
	_ = json.Unmarshal(w.Body.Bytes(), &snap)
	if snap.ID != "t1" {
		t.Errorf("unexpected snapshot %+v", snap)
	}

	w = doJSON(s, http.MethodGet, "/mj/task/missing/fetch", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown task, got %d", w.Code)
	}
}

func TestCancelEndpointConflict(t *testing.T) {
	s, store := testServer(t, "")

	tk := task.New("done", task.ActionImagine, "p")
	_ = tk.SetStatus(task.StatusSubmitted)
	_ = tk.Success()
	_ = store.Save(context.Background(), tk)

	w := doJSON(s, http.MethodPost, "/mj/task/done/cancel", "", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for finished task, got %d", w.Code)
	}
}

func TestQueueAndAccountEndpoints(t *testing.T) {
	s, _ := testServer(t, "")

	w := doJSON(s, http.MethodGet, "/mj/task/queue", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("queue: expected 200, got %d", w.Code)
	}
	var queues []app.InstanceQueue
	_ = json.Unmarshal(w.Body.Bytes(), &queues)
	if len(queues) != 1 || queues[0].InstanceID != "acc-1" {
		t.Errorf("unexpected queues: %+v", queues)
	}

	w = doJSON(s, http.MethodGet, "/mj/account/list", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("accounts: expected 200, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := testServer(t, "s3cret")

	// Metrics are scraped without the API secret.
	w := doJSON(s, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}
