package app

import (
	"context"
	"fmt"

	"muse/internal/domain/balancer"
	"muse/internal/domain/instance"
	"muse/internal/domain/task"
	"muse/internal/shared/logging"
	id "muse/internal/shared/utils/id"
)

// propertyChangeKey marks change-type tasks (upscale, variation, reroll,
// action) so duplicate submissions against the same source message can be
// detected while the first is still queued or running.
const propertyChangeKey = "changeKey"

// SubmitService is the single entry point for task submission. It resolves a
// live instance through the configured balancing policy, builds the upstream
// thunk bound to that instance and delegates admission to the runtime.
type SubmitService struct {
	registry *instance.Registry
	chooser  balancer.Chooser
	store    task.Store
	logger   logging.Logger
}

// NewSubmitService wires the facade.
func NewSubmitService(registry *instance.Registry, chooser balancer.Chooser, store task.Store) *SubmitService {
	return &SubmitService{
		registry: registry,
		chooser:  chooser,
		store:    store,
		logger:   logging.NewComponentLogger("SubmitService"),
	}
}

// choose picks one live instance, or nil when none qualifies.
func (s *SubmitService) choose() *instance.Runtime {
	alive := s.registry.Alive()
	if len(alive) == 0 {
		return nil
	}
	return s.chooser.Choose(alive)
}

// submit runs the shared admission path: pick an instance, bind the thunk,
// enqueue.
func (s *SubmitService) submit(t *task.Task, build func(*instance.Runtime) instance.ExecuteFn) instance.SubmitResult {
	chosen := s.choose()
	if chosen == nil {
		return instance.SubmitFailure("no available instance")
	}
	t.SetNonce(id.NewNonce())
	return chosen.Submit(t, build(chosen))
}

// submitTo runs the admission path against a pinned instance, used by change
// operations that must land on the account owning the source message.
func (s *SubmitService) submitTo(rt *instance.Runtime, t *task.Task, build func(*instance.Runtime) instance.ExecuteFn) instance.SubmitResult {
	t.SetNonce(id.NewNonce())
	return rt.Submit(t, build(rt))
}

// SubmitImagine admits a text-to-image generation task.
func (s *SubmitService) SubmitImagine(prompt, notifyHook string) instance.SubmitResult {
	if prompt == "" {
		return instance.SubmitResult{Code: instance.CodeValidationError, Description: "prompt is required"}
	}
	t := task.New(id.NewTaskID(), task.ActionImagine, prompt)
	t.SetProperty(task.PropertyFinalPrompt, prompt)
	setNotifyHook(t, notifyHook)

	return s.submit(t, func(rt *instance.Runtime) instance.ExecuteFn {
		return func(ctx context.Context) (instance.Message, error) {
			return rt.Imagine(ctx, prompt, t.Nonce())
		}
	})
}

// ChangeKind is the variant of a change submission against a finished task.
type ChangeKind string

const (
	ChangeUpscale   ChangeKind = "UPSCALE"
	ChangeVariation ChangeKind = "VARIATION"
	ChangeReroll    ChangeKind = "REROLL"
)

// SubmitChange admits an upscale, variation or reroll against the result of
// a previously successful task. The new task is pinned to the instance that
// produced the source message.
func (s *SubmitService) SubmitChange(ctx context.Context, targetTaskID string, kind ChangeKind, index int, notifyHook string) instance.SubmitResult {
	if kind != ChangeReroll && (index < 1 || index > 4) {
		return instance.SubmitResult{Code: instance.CodeValidationError, Description: "index must be between 1 and 4"}
	}

	target, rt, result := s.resolveChangeTarget(ctx, targetTaskID)
	if target == nil {
		return result
	}

	messageID := target.MessageID()
	messageHash := target.StringProperty(task.PropertyMessageHash)
	flags := intProperty(target, task.PropertyFlags)

	changeKey := fmt.Sprintf("%s:%s:%d", kind, messageID, index)
	if dup := s.findDuplicate(rt, changeKey); dup != nil {
		return instance.SubmitResult{
			Code:        instance.CodeExisted,
			Description: "task already submitted",
			TaskID:      dup.ID(),
		}.WithProperty(task.PropertyDiscordInstanceID, rt.ID())
	}

	var action task.Action
	switch kind {
	case ChangeUpscale:
		action = task.ActionUpscale
	case ChangeVariation:
		action = task.ActionVariation
	case ChangeReroll:
		action = task.ActionReroll
	default:
		return instance.SubmitResult{Code: instance.CodeValidationError, Description: "unknown change kind"}
	}

	t := task.New(id.NewTaskID(), action, target.Prompt())
	t.SetProperty(propertyChangeKey, changeKey)
	setNotifyHook(t, notifyHook)

	return s.submitTo(rt, t, func(rt *instance.Runtime) instance.ExecuteFn {
		return func(ctx context.Context) (instance.Message, error) {
			switch kind {
			case ChangeUpscale:
				return rt.Upscale(ctx, messageID, index, messageHash, flags, t.Nonce())
			case ChangeVariation:
				return rt.Variation(ctx, messageID, index, messageHash, flags, t.Nonce())
			default:
				return rt.Reroll(ctx, messageID, messageHash, flags, t.Nonce())
			}
		}
	})
}

// SubmitAction admits a component interaction (button press) against the
// result of a previous task.
func (s *SubmitService) SubmitAction(ctx context.Context, targetTaskID, customID, notifyHook string) instance.SubmitResult {
	if customID == "" {
		return instance.SubmitResult{Code: instance.CodeValidationError, Description: "customId is required"}
	}

	target, rt, result := s.resolveChangeTarget(ctx, targetTaskID)
	if target == nil {
		return result
	}

	messageID := target.MessageID()
	flags := intProperty(target, task.PropertyFlags)

	changeKey := fmt.Sprintf("ACTION:%s:%s", messageID, customID)
	if dup := s.findDuplicate(rt, changeKey); dup != nil {
		return instance.SubmitResult{
			Code:        instance.CodeExisted,
			Description: "task already submitted",
			TaskID:      dup.ID(),
		}.WithProperty(task.PropertyDiscordInstanceID, rt.ID())
	}

	t := task.New(id.NewTaskID(), task.ActionCustom, target.Prompt())
	t.SetProperty(propertyChangeKey, changeKey)
	setNotifyHook(t, notifyHook)

	return s.submitTo(rt, t, func(rt *instance.Runtime) instance.ExecuteFn {
		return func(ctx context.Context) (instance.Message, error) {
			return rt.Action(ctx, messageID, customID, flags, t.Nonce())
		}
	})
}

// SubmitDescribe admits an image-to-text task. dataURL carries the image as a
// data URL; it is uploaded to the chosen account's channel first.
func (s *SubmitService) SubmitDescribe(fileName, dataURL, notifyHook string) instance.SubmitResult {
	if dataURL == "" {
		return instance.SubmitResult{Code: instance.CodeValidationError, Description: "image is required"}
	}
	if fileName == "" {
		fileName = "describe.png"
	}

	t := task.New(id.NewTaskID(), task.ActionDescribe, "")
	setNotifyHook(t, notifyHook)

	return s.submit(t, func(rt *instance.Runtime) instance.ExecuteFn {
		return func(ctx context.Context) (instance.Message, error) {
			up, err := rt.Upload(ctx, fileName, dataURL)
			if err != nil {
				return instance.Message{}, err
			}
			if up.Code != instance.CodeSuccess {
				return up, nil
			}
			return rt.Describe(ctx, up.Result, t.Nonce())
		}
	})
}

// SubmitBlend admits a multi-image blend task. Between two and five images
// are uploaded, then blended with the requested dimensions.
func (s *SubmitService) SubmitBlend(dataURLs []string, dimensions instance.BlendDimensions, notifyHook string) instance.SubmitResult {
	if len(dataURLs) < 2 || len(dataURLs) > 5 {
		return instance.SubmitResult{Code: instance.CodeValidationError, Description: "blend requires 2 to 5 images"}
	}
	switch dimensions {
	case instance.BlendPortrait, instance.BlendSquare, instance.BlendLandscape, "":
	default:
		return instance.SubmitResult{Code: instance.CodeValidationError, Description: "unknown dimensions"}
	}
	if dimensions == "" {
		dimensions = instance.BlendSquare
	}

	t := task.New(id.NewTaskID(), task.ActionBlend, "")
	setNotifyHook(t, notifyHook)

	return s.submit(t, func(rt *instance.Runtime) instance.ExecuteFn {
		return func(ctx context.Context) (instance.Message, error) {
			finalNames := make([]string, 0, len(dataURLs))
			for i, dataURL := range dataURLs {
				up, err := rt.Upload(ctx, fmt.Sprintf("blend-%d.png", i), dataURL)
				if err != nil {
					return instance.Message{}, err
				}
				if up.Code != instance.CodeSuccess {
					return up, nil
				}
				finalNames = append(finalNames, up.Result)
			}
			return rt.Blend(ctx, finalNames, dimensions, t.Nonce())
		}
	})
}

// CancelTask cancels a queued or running task. A queued task is failed and
// removed from its instance queue; a running task is moved to CANCEL and the
// executor observes the terminal state on its next poll.
func (s *SubmitService) CancelTask(ctx context.Context, taskID string) error {
	t, err := s.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status().IsTerminal() {
		return ConflictError(fmt.Sprintf("task %s already finished", taskID))
	}

	if t.Status() == task.StatusNotStart {
		if err := t.Fail("task cancelled"); err != nil {
			return err
		}
	} else if err := t.SetStatus(task.StatusCancel); err != nil {
		return err
	}

	rt := s.registry.Get(t.StringProperty(task.PropertyDiscordInstanceID))
	if rt != nil {
		rt.ExitTask(t)
		return nil
	}
	return s.store.Save(ctx, t)
}

// FetchTask returns the snapshot of a task.
func (s *SubmitService) FetchTask(ctx context.Context, taskID string) (task.Snapshot, error) {
	t, err := s.store.Get(ctx, taskID)
	if err != nil {
		return task.Snapshot{}, err
	}
	return t.Snapshot(), nil
}

// ListTasks returns snapshots of stored tasks matching filter (nil matches
// all), newest first.
func (s *SubmitService) ListTasks(ctx context.Context, filter func(*task.Task) bool) ([]task.Snapshot, error) {
	tasks, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	snaps := make([]task.Snapshot, 0, len(tasks))
	for _, t := range tasks {
		snaps = append(snaps, t.Snapshot())
	}
	return snaps, nil
}

// InstanceQueue is the observable load of one instance.
type InstanceQueue struct {
	InstanceID string          `json:"instanceId"`
	Alive      bool            `json:"alive"`
	CoreSize   int             `json:"coreSize"`
	Running    []task.Snapshot `json:"running"`
	Queued     []task.Snapshot `json:"queued"`
}

// QueueInfo returns per-instance running and queued snapshots, in
// registration order.
func (s *SubmitService) QueueInfo() []InstanceQueue {
	runtimes := s.registry.All()
	queues := make([]InstanceQueue, 0, len(runtimes))
	for _, rt := range runtimes {
		q := InstanceQueue{
			InstanceID: rt.ID(),
			Alive:      rt.Alive(),
			CoreSize:   rt.Account().EffectiveCoreSize(),
		}
		for _, t := range rt.RunningTasks() {
			q.Running = append(q.Running, t.Snapshot())
		}
		for _, t := range rt.QueueTasks() {
			q.Queued = append(q.Queued, t.Snapshot())
		}
		queues = append(queues, q)
	}
	return queues
}

// resolveChangeTarget loads the source task of a change submission and the
// instance that produced it. On failure the returned result carries the
// caller-visible error.
func (s *SubmitService) resolveChangeTarget(ctx context.Context, targetTaskID string) (*task.Task, *instance.Runtime, instance.SubmitResult) {
	if targetTaskID == "" {
		return nil, nil, instance.SubmitResult{Code: instance.CodeValidationError, Description: "taskId is required"}
	}
	target, err := s.store.Get(ctx, targetTaskID)
	if err != nil {
		return nil, nil, instance.SubmitResult{Code: instance.CodeNotFound, Description: "target task not found"}
	}
	if target.Status() != task.StatusSuccess {
		return nil, nil, instance.SubmitResult{Code: instance.CodeValidationError, Description: "target task has no result to act on"}
	}
	instID := target.StringProperty(task.PropertyDiscordInstanceID)
	rt := s.registry.Get(instID)
	if rt == nil || !rt.Alive() {
		return nil, nil, instance.SubmitFailure("target instance is not available")
	}
	return target, rt, instance.SubmitResult{}
}

// findDuplicate returns a queued or running task on rt carrying changeKey.
func (s *SubmitService) findDuplicate(rt *instance.Runtime, changeKey string) *task.Task {
	matches := rt.FindRunning(func(t *task.Task) bool {
		return t.StringProperty(propertyChangeKey) == changeKey
	})
	if len(matches) > 0 {
		return matches[0]
	}
	for _, t := range rt.QueueTasks() {
		if t.StringProperty(propertyChangeKey) == changeKey {
			return t
		}
	}
	return nil
}

func setNotifyHook(t *task.Task, notifyHook string) {
	if notifyHook != "" {
		t.SetProperty(task.PropertyNotifyHook, notifyHook)
	}
}

func intProperty(t *task.Task, key string) int {
	v, ok := t.Property(key)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
