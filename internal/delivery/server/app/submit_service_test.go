package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"muse/internal/domain/balancer"
	"muse/internal/domain/instance"
	"muse/internal/domain/task"
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
	return instance.Message{Code: instance.CodeSuccess, Result: "uploads/file.png"}, nil
}
func (acceptClient) SendImageMessage(context.Context, string, string) (instance.Message, error) {
	return instance.Message{Code: instance.CodeSuccess, Result: "https://cdn/file.png"}, nil
}

func newService(t *testing.T, coreSize int) (*SubmitService, *instance.Registry, *InMemoryTaskStore) {
	t.Helper()
	store := NewInMemoryTaskStore()
	t.Cleanup(store.Close)

	registry := instance.NewRegistry()
	acc := instance.Account{ID: "acc-1", Enabled: true, CoreSize: coreSize}
	rt := instance.NewRuntime(acc, acceptClient{}, store, nil)
	rt.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = rt.Stop(ctx)
	})
	registry.Register(rt)

	return NewSubmitService(registry, balancer.NewBestWaitIdle(), store), registry, store
}

func await(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}

func TestSubmitImagineNoInstance(t *testing.T) {
	store := NewInMemoryTaskStore()
	defer store.Close()
	service := NewSubmitService(instance.NewRegistry(), balancer.NewBestWaitIdle(), store)

	result := service.SubmitImagine("a red fox", "")
	if result.Code != instance.CodeFailure || result.Description != "no available instance" {
		t.Errorf("expected no-instance failure, got %d %q", result.Code, result.Description)
	}
}

func TestSubmitImagineValidation(t *testing.T) {
	service, _, _ := newService(t, 2)
	if result := service.SubmitImagine("", ""); result.Code != instance.CodeValidationError {
		t.Errorf("empty prompt should fail validation, got %d", result.Code)
	}
}

func TestSubmitImagineAdmits(t *testing.T) {
	service, _, store := newService(t, 2)

	result := service.SubmitImagine("a red fox", "https://hook.example/cb")
	if result.Code != instance.CodeSuccess {
		t.Fatalf("expected SUCCESS, got %d (%s)", result.Code, result.Description)
	}
	if result.TaskID == "" {
		t.Fatal("result should carry a task id")
	}
	if result.Properties[task.PropertyDiscordInstanceID] != "acc-1" {
		t.Errorf("result should carry the instance id")
	}

	tk, err := store.Get(context.Background(), result.TaskID)
	if err != nil {
		t.Fatalf("task should be persisted: %v", err)
	}
	if tk.StringProperty(task.PropertyNotifyHook) != "https://hook.example/cb" {
		t.Error("notify hook should be attached to the task")
	}
}

func TestSubmitQueuePositionReported(t *testing.T) {
	service, registry, _ := newService(t, 1)

	first := service.SubmitImagine("first", "")
	if first.Code != instance.CodeSuccess {
		t.Fatalf("first: expected SUCCESS, got %d", first.Code)
	}
	rt := registry.Get("acc-1")
	await(t, time.Second, func() bool { return rt.FutureLen() == 1 }, "first task should occupy the slot")

	second := service.SubmitImagine("second", "")
	if second.Code != instance.CodeInQueue {
		t.Fatalf("second: expected IN_QUEUE, got %d", second.Code)
	}
	if second.Properties[task.PropertyNumberOfQueues] != 0 {
		t.Errorf("expected 0 ahead, got %v", second.Properties[task.PropertyNumberOfQueues])
	}
}

func TestCancelQueuedTask(t *testing.T) {
	service, registry, store := newService(t, 1)
	ctx := context.Background()

	running := service.SubmitImagine("running", "")
	rt := registry.Get("acc-1")
	await(t, time.Second, func() bool { return rt.FutureLen() == 1 }, "first task should run")

	queued := service.SubmitImagine("queued", "")
	if queued.Code != instance.CodeInQueue {
		t.Fatalf("expected IN_QUEUE, got %d", queued.Code)
	}

	if err := service.CancelTask(ctx, queued.TaskID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	tk, err := store.Get(ctx, queued.TaskID)
	if err != nil {
		t.Fatalf("cancelled task should stay persisted: %v", err)
	}
	if tk.Status() != task.StatusFailure || tk.FailReason() != "task cancelled" {
		t.Errorf("unexpected cancel outcome: %s %q", tk.Status(), tk.FailReason())
	}
	if rt.QueueLen() != 0 {
		t.Error("cancelled task should leave the queue")
	}

	// The running task is unaffected.
	rtk, _ := store.Get(ctx, running.TaskID)
	if rtk.Status().IsTerminal() {
		t.Error("running task should be unaffected by the cancel")
	}
}

func TestCancelRunningTask(t *testing.T) {
	service, _, store := newService(t, 1)
	ctx := context.Background()

	result := service.SubmitImagine("running", "")
	await(t, 2*time.Second, func() bool {
		tk, err := store.Get(ctx, result.TaskID)
		return err == nil && tk.Status() == task.StatusSubmitted
	}, "task should be accepted upstream")

	if err := service.CancelTask(ctx, result.TaskID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	tk, _ := store.Get(ctx, result.TaskID)
	if tk.Status() != task.StatusCancel {
		t.Errorf("expected CANCEL, got %s", tk.Status())
	}
}

func TestCancelErrors(t *testing.T) {
	service, _, store := newService(t, 1)
	ctx := context.Background()

	if err := service.CancelTask(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	finished := task.New("done", task.ActionImagine, "p")
	_ = finished.SetStatus(task.StatusSubmitted)
	_ = finished.Success()
	_ = store.Save(ctx, finished)
	if err := service.CancelTask(ctx, "done"); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestSubmitChangeValidation(t *testing.T) {
	service, _, _ := newService(t, 2)
	ctx := context.Background()

	if r := service.SubmitChange(ctx, "t", ChangeUpscale, 0, ""); r.Code != instance.CodeValidationError {
		t.Errorf("index 0 should fail validation, got %d", r.Code)
	}
	if r := service.SubmitChange(ctx, "t", ChangeUpscale, 5, ""); r.Code != instance.CodeValidationError {
		t.Errorf("index 5 should fail validation, got %d", r.Code)
	}
	if r := service.SubmitChange(ctx, "", ChangeUpscale, 1, ""); r.Code != instance.CodeValidationError {
		t.Errorf("empty target should fail validation, got %d", r.Code)
	}
	if r := service.SubmitChange(ctx, "missing", ChangeUpscale, 1, ""); r.Code != instance.CodeNotFound {
		t.Errorf("unknown target should report not found, got %d", r.Code)
	}
}

func successfulTarget(t *testing.T, store *InMemoryTaskStore) *task.Task {
	t.Helper()
	target := task.New("target", task.ActionImagine, "a red fox")
	target.SetProperty(task.PropertyDiscordInstanceID, "acc-1")
	target.SetProperty(task.PropertyMessageHash, "hash-1")
	target.SetMessageID("m-1")
	_ = target.SetStatus(task.StatusSubmitted)
	_ = target.Success()
	if err := store.Save(context.Background(), target); err != nil {
		t.Fatalf("seed target: %v", err)
	}
	return target
}

func TestSubmitChangeRequiresFinishedTarget(t *testing.T) {
	service, _, store := newService(t, 2)
	ctx := context.Background()

	unfinished := task.New("open", task.ActionImagine, "p")
	_ = store.Save(ctx, unfinished)
	if r := service.SubmitChange(ctx, "open", ChangeUpscale, 1, ""); r.Code != instance.CodeValidationError {
		t.Errorf("unfinished target should be rejected, got %d", r.Code)
	}
}

func TestSubmitChangeAdmitsAndDeduplicates(t *testing.T) {
	service, registry, store := newService(t, 2)
	ctx := context.Background()
	successfulTarget(t, store)

	first := service.SubmitChange(ctx, "target", ChangeUpscale, 2, "")
	if first.Code != instance.CodeSuccess {
		t.Fatalf("expected SUCCESS, got %d (%s)", first.Code, first.Description)
	}

	rt := registry.Get("acc-1")
	await(t, time.Second, func() bool { return len(rt.RunningTasks()) == 1 }, "change should start running")

	dup := service.SubmitChange(ctx, "target", ChangeUpscale, 2, "")
	if dup.Code != instance.CodeExisted {
		t.Fatalf("expected EXISTED for duplicate change, got %d", dup.Code)
	}
	if dup.TaskID != first.TaskID {
		t.Errorf("duplicate should reference the original task")
	}

	// A different index is a distinct change.
	other := service.SubmitChange(ctx, "target", ChangeUpscale, 3, "")
	if other.Code != instance.CodeSuccess {
		t.Errorf("distinct change should be admitted, got %d", other.Code)
	}
}

func TestSubmitDescribeAndBlendValidation(t *testing.T) {
	service, _, _ := newService(t, 2)

	if r := service.SubmitDescribe("f.png", "", ""); r.Code != instance.CodeValidationError {
		t.Errorf("describe without image should fail, got %d", r.Code)
	}
	if r := service.SubmitBlend([]string{"one"}, instance.BlendSquare, ""); r.Code != instance.CodeValidationError {
		t.Errorf("blend with one image should fail, got %d", r.Code)
	}
	if r := service.SubmitBlend([]string{"a", "b"}, "DIAGONAL", ""); r.Code != instance.CodeValidationError {
		t.Errorf("unknown dimensions should fail, got %d", r.Code)
	}
}

func TestFetchAndList(t *testing.T) {
	service, _, _ := newService(t, 2)
	ctx := context.Background()

	result := service.SubmitImagine("a red fox", "")
	snap, err := service.FetchTask(ctx, result.TaskID)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if snap.ID != result.TaskID || snap.Action != task.ActionImagine {
		t.Errorf("unexpected snapshot %s %s", snap.ID, snap.Action)
	}

	if _, err := service.FetchTask(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	snaps, err := service.ListTasks(ctx, nil)
	if err != nil || len(snaps) != 1 {
		t.Errorf("expected one listed task, got %d (%v)", len(snaps), err)
	}
}

func TestQueueInfo(t *testing.T) {
	service, registry, _ := newService(t, 1)

	service.SubmitImagine("first", "")
	rt := registry.Get("acc-1")
	await(t, time.Second, func() bool { return rt.FutureLen() == 1 }, "first task should run")
	service.SubmitImagine("second", "")

	queues := service.QueueInfo()
	if len(queues) != 1 {
		t.Fatalf("expected one instance, got %d", len(queues))
	}
	q := queues[0]
	if q.InstanceID != "acc-1" || !q.Alive || q.CoreSize != 1 {
		t.Errorf("unexpected instance view: %+v", q)
	}
	if len(q.Running) != 1 || len(q.Queued) != 1 {
		t.Errorf("expected 1 running and 1 queued, got %d/%d", len(q.Running), len(q.Queued))
	}
}
