package discord

import (
	"context"
	"regexp"
	"strings"

	"muse/internal/domain/instance"
	"muse/internal/domain/task"
	"muse/internal/shared/logging"
)

var (
	// progressRe matches the percentage marker in a progress message,
	// e.g. "**a red fox** - <@123> (37%) (fast)".
	progressRe = regexp.MustCompile(`\((\d+)%\)`)

	// promptRe extracts the bold final prompt from message content.
	promptRe = regexp.MustCompile(`\*\*(.+?)\*\*`)

	// hashRe extracts the job hash from a result attachment filename,
	// e.g. "user_a_red_fox_6c4bee15-8cbb-4c39-8dcc-1abefa4c2e1f.png".
	hashRe = regexp.MustCompile(`_([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})\.\w+$`)
)

const waitingToStartMarker = "(Waiting to start)"

// MessageHandler correlates inbound gateway messages to the owning runtime's
// task records and mutates them: message id on acceptance, progress on
// updates, terminal status plus image URL on completion, failure on error
// embeds. The runtime's poll loop picks the mutations up and reports them.
type MessageHandler struct {
	runtime *instance.Runtime
	store   task.Store
	logger  logging.Logger
}

// NewMessageHandler wires the correlator for one account.
func NewMessageHandler(runtime *instance.Runtime, store task.Store) *MessageHandler {
	return &MessageHandler{
		runtime: runtime,
		store:   store,
		logger:  logging.NewComponentLogger("MessageHandler[" + runtime.ID() + "]"),
	}
}

// OnMessage implements EventHandler.
func (h *MessageHandler) OnMessage(eventType string, msg InboundMessage) {
	if t := h.errorTask(msg); t != nil {
		h.failFromEmbed(t, msg)
		return
	}

	switch eventType {
	case "MESSAGE_CREATE":
		h.onCreate(msg)
	case "MESSAGE_UPDATE":
		h.onUpdate(msg)
	}
}

// onCreate handles the acceptance message (carries the submit nonce) and the
// final result message (carries attachments, no percentage marker).
func (h *MessageHandler) onCreate(msg InboundMessage) {
	if msg.Nonce != "" {
		t := h.runtime.GetRunningByNonce(msg.Nonce)
		if t == nil {
			return
		}
		t.SetProperty(task.PropertyProgressMessageID, msg.ID)
		if t.MessageID() == "" {
			t.SetMessageID(msg.ID)
		}
		if prompt := extractPrompt(msg.Content); prompt != "" {
			t.SetProperty(task.PropertyFinalPrompt, prompt)
		}
		h.logger.Debug("task %s acknowledged by upstream, message %s", t.ID(), msg.ID)
		return
	}

	if len(msg.Attachments) > 0 && !progressRe.MatchString(msg.Content) {
		h.finish(msg)
	}
}

// onUpdate handles progress edits of the acknowledgement message.
func (h *MessageHandler) onUpdate(msg InboundMessage) {
	t := h.taskForProgressMessage(msg.ID)
	if t == nil {
		return
	}

	m := progressRe.FindStringSubmatch(msg.Content)
	if m == nil {
		if strings.Contains(msg.Content, waitingToStartMarker) {
			t.SetProgress("0%")
		}
		return
	}
	if err := t.SetStatus(task.StatusInProgress); err == nil || t.Status() == task.StatusInProgress {
		t.SetProgress(m[1] + "%")
	}
	if len(msg.Attachments) > 0 {
		t.SetImageURL(msg.Attachments[0].URL)
	}
}

// finish resolves the task a result message belongs to and completes it.
func (h *MessageHandler) finish(msg InboundMessage) {
	t := h.resolveFinished(msg)
	if t == nil {
		return
	}

	att := msg.Attachments[0]
	t.SetMessageID(msg.ID)
	t.SetImageURL(att.URL)
	if m := hashRe.FindStringSubmatch(att.Filename); m != nil {
		t.SetProperty(task.PropertyMessageHash, m[1])
	}
	if prompt := extractPrompt(msg.Content); prompt != "" {
		t.SetProperty(task.PropertyFinalPrompt, prompt)
	}
	if err := t.Success(); err != nil {
		h.logger.Warn("task %s: %v", t.ID(), err)
		return
	}
	h.logger.Info("task %s completed: %s", t.ID(), att.URL)
}

// resolveFinished matches a result message to a running task: first through
// the reply reference, then the acknowledgement message, then the final
// prompt.
func (h *MessageHandler) resolveFinished(msg InboundMessage) *task.Task {
	if msg.ReferencedMessage != nil {
		if t := h.taskForProgressMessage(msg.ReferencedMessage.ID); t != nil {
			return t
		}
		if t := h.runtime.GetRunningByMessageID(msg.ReferencedMessage.ID); t != nil {
			return t
		}
	}
	if t := h.taskForProgressMessage(msg.ID); t != nil {
		return t
	}

	prompt := extractPrompt(msg.Content)
	if prompt == "" {
		return nil
	}
	matches := h.runtime.FindRunning(func(t *task.Task) bool {
		if t.Status().IsTerminal() {
			return false
		}
		final := t.StringProperty(task.PropertyFinalPrompt)
		return final != "" && strings.Contains(prompt, final) || final == "" && strings.Contains(prompt, t.Prompt())
	})
	if len(matches) == 0 {
		return nil
	}
	return matches[0]
}

func (h *MessageHandler) taskForProgressMessage(messageID string) *task.Task {
	if messageID == "" {
		return nil
	}
	matches := h.runtime.FindRunning(func(t *task.Task) bool {
		return t.StringProperty(task.PropertyProgressMessageID) == messageID
	})
	if len(matches) == 0 {
		return nil
	}
	return matches[0]
}

// errorTask returns the task an error embed belongs to, or nil when the
// message carries no error.
func (h *MessageHandler) errorTask(msg InboundMessage) *task.Task {
	embed := errorEmbed(msg.Embeds)
	if embed == nil {
		return nil
	}
	if msg.Nonce != "" {
		if t := h.runtime.GetRunningByNonce(msg.Nonce); t != nil {
			return t
		}
	}
	if msg.ReferencedMessage != nil {
		if t := h.runtime.GetRunningByMessageID(msg.ReferencedMessage.ID); t != nil {
			return t
		}
	}
	return nil
}

func (h *MessageHandler) failFromEmbed(t *task.Task, msg InboundMessage) {
	embed := errorEmbed(msg.Embeds)
	reason := embed.Title
	if embed.Description != "" {
		reason = reason + ": " + embed.Description
	}
	if err := t.Fail(reason); err != nil {
		h.logger.Warn("task %s: %v", t.ID(), err)
		return
	}
	if err := h.store.Save(context.Background(), t); err != nil {
		h.logger.Warn("persist failed task %s: %v", t.ID(), err)
	}
	h.logger.Info("task %s failed upstream: %s", t.ID(), reason)
}

// errorEmbedColor is the red used by upstream error embeds.
const errorEmbedColor = 16711680

func errorEmbed(embeds []Embed) *Embed {
	for i := range embeds {
		if embeds[i].Color == errorEmbedColor && embeds[i].Title != "" {
			return &embeds[i]
		}
	}
	return nil
}

func extractPrompt(content string) string {
	m := promptRe.FindStringSubmatch(content)
	if m == nil {
		return ""
	}
	return m[1]
}
