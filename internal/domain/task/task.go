// Package task defines the job record and its lifecycle state machine.
package task

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusNotStart   Status = "NOT_START"
	StatusSubmitted  Status = "SUBMITTED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusFailure    Status = "FAILURE"
	StatusSuccess    Status = "SUCCESS"
	StatusCancel     Status = "CANCEL"
)

// IsTerminal reports whether s permits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusCancel:
		return true
	default:
		return false
	}
}

// Action identifies the upstream operation a task performs.
type Action string

const (
	ActionImagine   Action = "IMAGINE"
	ActionUpscale   Action = "UPSCALE"
	ActionVariation Action = "VARIATION"
	ActionReroll    Action = "REROLL"
	ActionDescribe  Action = "DESCRIBE"
	ActionBlend     Action = "BLEND"
	ActionCustom    Action = "ACTION"
)

// Well-known property keys carried in the task property bag.
const (
	PropertyDiscordInstanceID = "discordInstanceId"
	PropertyNumberOfQueues    = "numberOfQueues"
	PropertyNotifyHook        = "notifyHook"
	PropertyFlags             = "flags"
	PropertyMessageHash       = "messageHash"
	PropertyFinalPrompt       = "finalPrompt"
	PropertyProgressMessageID = "progressMessageId"
)

var (
	// ErrTerminal is returned when mutating a task whose status is terminal.
	ErrTerminal = errors.New("task already terminal")
	// ErrIllegalTransition is returned for transitions the state machine forbids.
	ErrIllegalTransition = errors.New("illegal status transition")
)

// transitions maps each non-terminal status to its legal successors.
var transitions = map[Status][]Status{
	StatusNotStart:   {StatusSubmitted, StatusFailure},
	StatusSubmitted:  {StatusInProgress, StatusSuccess, StatusFailure, StatusCancel},
	StatusInProgress: {StatusSuccess, StatusFailure, StatusCancel},
}

func legalTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Task is a single user job: immutable identity plus mutable status, progress
// and timing fields. Mutators enforce the legal transition set; all access is
// safe for concurrent use because inbound upstream events mutate the record
// while the owning executor polls it.
type Task struct {
	mu sync.RWMutex

	id     string
	action Action
	prompt string

	nonce       string
	messageID   string
	status      Status
	progress    string
	description string
	failReason  string
	imageURL    string

	submitTime int64
	startTime  int64
	finishTime int64

	properties map[string]any
}

// New creates a task in NOT_START with the submit timestamp set.
func New(id string, action Action, prompt string) *Task {
	return &Task{
		id:         id,
		action:     action,
		prompt:     prompt,
		status:     StatusNotStart,
		submitTime: time.Now().UnixMilli(),
		properties: make(map[string]any),
	}
}

func (t *Task) ID() string     { return t.id }
func (t *Task) Action() Action { return t.action }
func (t *Task) Prompt() string { return t.prompt }

func (t *Task) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

func (t *Task) Nonce() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nonce
}

// SetNonce records the correlator echoed by upstream interaction responses.
func (t *Task) SetNonce(nonce string) {
	t.mu.Lock()
	t.nonce = nonce
	t.mu.Unlock()
}

func (t *Task) MessageID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.messageID
}

// SetMessageID records the upstream message id once the job is accepted.
func (t *Task) SetMessageID(id string) {
	t.mu.Lock()
	t.messageID = id
	t.mu.Unlock()
}

func (t *Task) Progress() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.progress
}

// SetProgress updates the human-readable progress string ("37%").
func (t *Task) SetProgress(progress string) {
	t.mu.Lock()
	t.progress = progress
	t.mu.Unlock()
}

func (t *Task) Description() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.description
}

func (t *Task) SetDescription(description string) {
	t.mu.Lock()
	t.description = description
	t.mu.Unlock()
}

func (t *Task) ImageURL() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.imageURL
}

func (t *Task) SetImageURL(url string) {
	t.mu.Lock()
	t.imageURL = url
	t.mu.Unlock()
}

func (t *Task) FailReason() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.failReason
}

func (t *Task) SubmitTime() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.submitTime
}

func (t *Task) StartTime() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.startTime
}

func (t *Task) FinishTime() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.finishTime
}

// SetStatus applies a legal transition. startTime is stamped on the
// transition to SUBMITTED, finishTime on any transition to a terminal state.
func (t *Task) SetStatus(next Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.setStatusLocked(next)
}

func (t *Task) setStatusLocked(next Status) error {
	if t.status == next {
		return nil
	}
	if t.status.IsTerminal() {
		return fmt.Errorf("task %s: %w", t.id, ErrTerminal)
	}
	if !legalTransition(t.status, next) {
		return fmt.Errorf("task %s: %s -> %s: %w", t.id, t.status, next, ErrIllegalTransition)
	}
	t.status = next
	now := time.Now().UnixMilli()
	if next == StatusSubmitted && t.startTime == 0 {
		t.startTime = now
	}
	if next.IsTerminal() {
		t.finishTime = now
	}
	return nil
}

// Fail moves the task to FAILURE with the given reason.
func (t *Task) Fail(reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.setStatusLocked(StatusFailure); err != nil {
		return err
	}
	t.failReason = reason
	return nil
}

// Success moves the task to SUCCESS with 100% progress.
func (t *Task) Success() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.setStatusLocked(StatusSuccess); err != nil {
		return err
	}
	t.progress = "100%"
	return nil
}

// Property returns a single entry of the free-form property bag.
func (t *Task) Property(key string) (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.properties[key]
	return v, ok
}

// StringProperty returns the property as a string, or "" when absent.
func (t *Task) StringProperty(key string) string {
	v, ok := t.Property(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// SetProperty stores a free-form property.
func (t *Task) SetProperty(key string, value any) {
	t.mu.Lock()
	t.properties[key] = value
	t.mu.Unlock()
}

// Snapshot is an immutable, JSON-serializable copy of the task state.
type Snapshot struct {
	ID          string         `json:"id"`
	Action      Action         `json:"action"`
	Prompt      string         `json:"prompt"`
	Status      Status         `json:"status"`
	Progress    string         `json:"progress,omitempty"`
	Description string         `json:"description,omitempty"`
	Nonce       string         `json:"-"`
	MessageID   string         `json:"messageId,omitempty"`
	ImageURL    string         `json:"imageUrl,omitempty"`
	FailReason  string         `json:"failReason,omitempty"`
	SubmitTime  int64          `json:"submitTime"`
	StartTime   int64          `json:"startTime,omitempty"`
	FinishTime  int64          `json:"finishTime,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
}

// Snapshot returns a copy of the current task state.
func (t *Task) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	props := make(map[string]any, len(t.properties))
	for k, v := range t.properties {
		props[k] = v
	}
	return Snapshot{
		ID:          t.id,
		Action:      t.action,
		Prompt:      t.prompt,
		Status:      t.status,
		Progress:    t.progress,
		Description: t.description,
		Nonce:       t.nonce,
		MessageID:   t.messageID,
		ImageURL:    t.imageURL,
		FailReason:  t.failReason,
		SubmitTime:  t.submitTime,
		StartTime:   t.startTime,
		FinishTime:  t.finishTime,
		Properties:  props,
	}
}

// Restore rebuilds a task from a persisted snapshot.
func Restore(s Snapshot) *Task {
	props := s.Properties
	if props == nil {
		props = make(map[string]any)
	}
	return &Task{
		id:          s.ID,
		action:      s.Action,
		prompt:      s.Prompt,
		status:      s.Status,
		progress:    s.Progress,
		description: s.Description,
		nonce:       s.Nonce,
		messageID:   s.MessageID,
		imageURL:    s.ImageURL,
		failReason:  s.FailReason,
		submitTime:  s.SubmitTime,
		startTime:   s.StartTime,
		finishTime:  s.FinishTime,
		properties:  props,
	}
}
