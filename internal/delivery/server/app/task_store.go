package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"muse/internal/domain/task"
	"muse/internal/shared/logging"
)

const (
	defaultTaskRetention = 24 * time.Hour
	defaultMaxTasks      = 10000
	defaultEvictInterval = 5 * time.Minute
)

// InMemoryTaskStore implements task.Store with in-memory storage and
// TTL-based eviction for terminal tasks. The store keeps the live task
// records; Save is called on every status change, so persistence (when
// enabled) tracks each observable transition.
type InMemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*task.Task

	retention time.Duration // how long terminal tasks are kept
	maxSize   int           // hard cap on total tasks
	logger    logging.Logger

	persistencePath string

	stopOnce sync.Once
	stopCh   chan struct{}
}

// TaskStoreOption configures an InMemoryTaskStore.
type TaskStoreOption func(*InMemoryTaskStore)

// WithTaskRetention sets how long terminal tasks are retained before eviction.
func WithTaskRetention(d time.Duration) TaskStoreOption {
	return func(s *InMemoryTaskStore) { s.retention = d }
}

// WithMaxTasks sets the hard cap on total stored tasks.
func WithMaxTasks(n int) TaskStoreOption {
	return func(s *InMemoryTaskStore) { s.maxSize = n }
}

// WithTaskPersistenceFile enables task store persistence in the given file.
func WithTaskPersistenceFile(path string) TaskStoreOption {
	return func(s *InMemoryTaskStore) { s.persistencePath = strings.TrimSpace(path) }
}

// NewInMemoryTaskStore creates a store with optional TTL eviction. Call
// Close to stop the background eviction goroutine.
func NewInMemoryTaskStore(opts ...TaskStoreOption) *InMemoryTaskStore {
	s := &InMemoryTaskStore{
		tasks:     make(map[string]*task.Task),
		retention: defaultTaskRetention,
		maxSize:   defaultMaxTasks,
		logger:    logging.NewComponentLogger("TaskStore"),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.loadFromDisk()
	go s.evictLoop()
	return s
}

// Close stops the background eviction goroutine.
func (s *InMemoryTaskStore) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Save upserts the task record.
func (s *InMemoryTaskStore) Save(_ context.Context, t *task.Task) error {
	if t == nil || t.ID() == "" {
		return ValidationError("task id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID()] = t
	s.persistLocked()
	return nil
}

// Delete removes the task record. Deleting an unknown id is a no-op.
func (s *InMemoryTaskStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return nil
	}
	delete(s.tasks, id)
	s.persistLocked()
	return nil
}

// Get returns the task with the given id.
func (s *InMemoryTaskStore) Get(_ context.Context, id string) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, NotFoundError(fmt.Sprintf("task %s", id))
	}
	return t, nil
}

// List returns tasks matching filter (nil matches all), newest first.
func (s *InMemoryTaskStore) List(_ context.Context, filter func(*task.Task) bool) ([]*task.Task, error) {
	s.mu.RLock()
	matched := make([]*task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if filter == nil || filter(t) {
			matched = append(matched, t)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].SubmitTime() > matched[j].SubmitTime()
	})
	return matched, nil
}

// Len returns the number of stored tasks.
func (s *InMemoryTaskStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// evictLoop periodically removes expired terminal tasks.
func (s *InMemoryTaskStore) evictLoop() {
	ticker := time.NewTicker(defaultEvictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.evictExpired()
		}
	}
}

// evictExpired removes terminal tasks older than retention, then enforces
// maxSize by dropping the oldest terminal tasks.
func (s *InMemoryTaskStore) evictExpired() {
	now := time.Now().UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for id, t := range s.tasks {
		if !t.Status().IsTerminal() {
			continue
		}
		if finished := t.FinishTime(); finished > 0 && now-finished > s.retention.Milliseconds() {
			delete(s.tasks, id)
			changed = true
		}
	}

	if len(s.tasks) > s.maxSize {
		s.evictOldestTerminalLocked()
		changed = true
	}
	if changed {
		s.persistLocked()
	}
}

// evictOldestTerminalLocked drops the oldest terminal tasks to bring the
// store back under maxSize. Caller must hold s.mu.
func (s *InMemoryTaskStore) evictOldestTerminalLocked() {
	type candidate struct {
		id       string
		finished int64
	}
	var candidates []candidate
	for id, t := range s.tasks {
		if t.Status().IsTerminal() {
			candidates = append(candidates, candidate{id: id, finished: t.FinishTime()})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].finished < candidates[j].finished
	})

	toRemove := len(s.tasks) - s.maxSize
	for i := 0; i < toRemove && i < len(candidates); i++ {
		delete(s.tasks, candidates[i].id)
	}
}

type persistedTaskStore struct {
	Version int             `json:"version"`
	Tasks   []task.Snapshot `json:"tasks"`
}

func (s *InMemoryTaskStore) loadFromDisk() {
	if s.persistencePath == "" {
		return
	}
	data, err := os.ReadFile(s.persistencePath)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to load task persistence file %s: %v", s.persistencePath, err)
		}
		return
	}

	var persisted persistedTaskStore
	if err := json.Unmarshal(data, &persisted); err != nil {
		s.logger.Warn("failed to parse task persistence file %s: %v", s.persistencePath, err)
		return
	}

	loaded := make(map[string]*task.Task, len(persisted.Tasks))
	for _, snap := range persisted.Tasks {
		if strings.TrimSpace(snap.ID) == "" {
			continue
		}
		loaded[snap.ID] = task.Restore(snap)
	}
	s.tasks = loaded
}

// persistLocked writes all tasks to disk via atomic rename. Caller must hold
// s.mu (read or write).
func (s *InMemoryTaskStore) persistLocked() {
	if s.persistencePath == "" {
		return
	}

	snapshot := make([]task.Snapshot, 0, len(s.tasks))
	for _, t := range s.tasks {
		snapshot = append(snapshot, t.Snapshot())
	}

	payload := persistedTaskStore{Version: 1, Tasks: snapshot}
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to encode task persistence payload: %v", err)
		return
	}

	if err := os.MkdirAll(filepath.Dir(s.persistencePath), 0o755); err != nil {
		s.logger.Warn("failed to create task persistence directory for %s: %v", s.persistencePath, err)
		return
	}

	tmpPath := fmt.Sprintf("%s.tmp-%d", s.persistencePath, time.Now().UnixNano())
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		s.logger.Warn("failed to write task persistence temp file %s: %v", tmpPath, err)
		return
	}
	if err := os.Rename(tmpPath, s.persistencePath); err != nil {
		_ = os.Remove(tmpPath)
		s.logger.Warn("failed to atomically persist task store to %s: %v", s.persistencePath, err)
	}
}
