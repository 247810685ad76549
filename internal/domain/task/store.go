package task

import "context"

// Store persists task records. Save upserts by task id. Implementations must
// be safe for concurrent use; the runtime calls Save on every status change.
type Store interface {
	Save(ctx context.Context, t *Task) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*Task, error)
	List(ctx context.Context, filter func(*Task) bool) ([]*Task, error)
}

// Notifier pushes task change events to external listeners. Implementations
// are best-effort: failures must never affect task outcome.
type Notifier interface {
	NotifyTaskChange(ctx context.Context, t *Task)
}
