// Package notify delivers task change events to external webhooks.
// Delivery is best-effort: failures are logged and swallowed, and a change
// that does not alter the observable task state is suppressed.
package notify

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"muse/internal/domain/task"
	"muse/internal/infra/observability"
	"muse/internal/shared/async"
	"muse/internal/shared/logging"
)

const (
	defaultQueueSize   = 256
	defaultHTTPTimeout = 10 * time.Second
	dedupCacheSize     = 2048
)

type event struct {
	hook     string
	snapshot task.Snapshot
}

// WebhookNotifier implements task.Notifier by posting task snapshots as JSON.
// Each task may carry its own hook URL in the notifyHook property; otherwise
// the configured default hook is used. A single delivery worker preserves
// per-task ordering. Identical consecutive states per task are deduplicated
// through an LRU of state digests.
type WebhookNotifier struct {
	defaultHook string
	client      *http.Client
	logger      logging.Logger
	metrics     *observability.Metrics

	dedup *lru.Cache[string, string]

	queue    chan event
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce func()
}

// Option configures a WebhookNotifier.
type Option func(*WebhookNotifier)

// WithHTTPClient overrides the delivery client.
func WithHTTPClient(client *http.Client) Option {
	return func(n *WebhookNotifier) { n.client = client }
}

// WithMetrics reports dropped notifications.
func WithMetrics(m *observability.Metrics) Option {
	return func(n *WebhookNotifier) { n.metrics = m }
}

// WithQueueSize bounds the pending delivery queue.
func WithQueueSize(size int) Option {
	return func(n *WebhookNotifier) {
		if size > 0 {
			n.queue = make(chan event, size)
		}
	}
}

// NewWebhookNotifier creates a notifier delivering to defaultHook (may be
// empty, in which case only tasks with their own hook are notified). Call
// Close to stop the delivery worker.
func NewWebhookNotifier(defaultHook string, opts ...Option) *WebhookNotifier {
	cache, _ := lru.New[string, string](dedupCacheSize)
	n := &WebhookNotifier{
		defaultHook: defaultHook,
		client:      &http.Client{Timeout: defaultHTTPTimeout},
		logger:      logging.NewComponentLogger("WebhookNotifier"),
		dedup:       cache,
		queue:       make(chan event, defaultQueueSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	async.Go(n.logger, "notify.deliver", n.deliverLoop)
	return n
}

// Close stops the delivery worker after draining queued events.
func (n *WebhookNotifier) Close() {
	select {
	case <-n.stopCh:
		return
	default:
	}
	close(n.stopCh)
	<-n.doneCh
}

// NotifyTaskChange enqueues a task change for delivery. Never blocks: when
// the queue is full the event is dropped with a log line.
func (n *WebhookNotifier) NotifyTaskChange(_ context.Context, t *task.Task) {
	snap := t.Snapshot()
	hook := snap.Properties[task.PropertyNotifyHook]
	hookURL, _ := hook.(string)
	if hookURL == "" {
		hookURL = n.defaultHook
	}
	if hookURL == "" {
		return
	}

	digest := stateDigest(snap)
	if prev, ok := n.dedup.Get(snap.ID); ok && prev == digest {
		return
	}
	n.dedup.Add(snap.ID, digest)

	select {
	case n.queue <- event{hook: hookURL, snapshot: snap}:
	default:
		n.metrics.IncNotifyDropped()
		n.logger.Warn("notification queue full, dropping event for task %s", snap.ID)
	}
}

func (n *WebhookNotifier) deliverLoop() {
	defer close(n.doneCh)
	for {
		select {
		case ev := <-n.queue:
			n.deliver(ev)
		case <-n.stopCh:
			// Drain what is already queued, then exit.
			for {
				select {
				case ev := <-n.queue:
					n.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (n *WebhookNotifier) deliver(ev event) {
	body, err := json.Marshal(ev.snapshot)
	if err != nil {
		n.logger.Warn("encode notification for task %s: %v", ev.snapshot.ID, err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, ev.hook, bytes.NewReader(body))
	if err != nil {
		n.logger.Warn("build notification request for task %s: %v", ev.snapshot.ID, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("deliver notification for task %s to %s: %v", ev.snapshot.ID, ev.hook, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logger.Warn("notification for task %s rejected by %s: status %d", ev.snapshot.ID, ev.hook, resp.StatusCode)
	}
}

// stateDigest fingerprints the externally observable task state.
func stateDigest(s task.Snapshot) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s|%s", s.Status, s.Progress, s.ImageURL, s.FailReason, s.MessageID)))
	return hex.EncodeToString(sum[:8])
}
