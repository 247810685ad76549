package discord

import (
	"context"
	"testing"
	"time"

	"muse/internal/domain/instance"
	"muse/internal/domain/task"
)

func runningTask(t *testing.T, id, nonce string) (*instance.Runtime, *task.Task, *memStore) {
	t.Helper()
	store := newMemStore()
	acc := instance.Account{ID: "acc-1", Enabled: true, CoreSize: 4, ChannelID: "chan-1"}
	rt := instance.NewRuntime(acc, acceptStub{}, store, nil)
	rt.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = rt.Stop(ctx)
	})

	tk := task.New(id, task.ActionImagine, "a red fox")
	tk.SetNonce(nonce)
	tk.SetProperty(task.PropertyFinalPrompt, "a red fox")
	rt.Submit(tk, func(context.Context) (instance.Message, error) {
		return instance.Message{Code: instance.CodeSuccess}, nil
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tk.Status() == task.StatusSubmitted {
			return rt, tk, store
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task did not reach SUBMITTED")
	return nil, nil, nil
}

func TestAcknowledgementCorrelatesByNonce(t *testing.T) {
	rt, tk, store := runningTask(t, "t1", "n1")
	h := NewMessageHandler(rt, store)

	h.OnMessage("MESSAGE_CREATE", InboundMessage{
		ID:      "m1",
		Content: "**a red fox** - <@1> (Waiting to start)",
		Nonce:   "n1",
	})

	if tk.StringProperty(task.PropertyProgressMessageID) != "m1" {
		t.Error("acknowledgement should record the progress message id")
	}
	if tk.MessageID() != "m1" {
		t.Error("acknowledgement should set the message id")
	}
}

func TestProgressUpdate(t *testing.T) {
	rt, tk, store := runningTask(t, "t1", "n1")
	h := NewMessageHandler(rt, store)

	h.OnMessage("MESSAGE_CREATE", InboundMessage{ID: "m1", Nonce: "n1", Content: "**a red fox** - (Waiting to start)"})
	h.OnMessage("MESSAGE_UPDATE", InboundMessage{
		ID:          "m1",
		Content:     "**a red fox** - <@1> (37%) (fast)",
		Attachments: []Attachment{{URL: "https://cdn/progress.webp", Filename: "progress.webp"}},
	})

	if tk.Status() != task.StatusInProgress {
		t.Errorf("expected IN_PROGRESS, got %s", tk.Status())
	}
	if tk.Progress() != "37%" {
		t.Errorf("expected 37%%, got %s", tk.Progress())
	}
	if tk.ImageURL() != "https://cdn/progress.webp" {
		t.Errorf("expected intermediate image url, got %s", tk.ImageURL())
	}
}

func TestCompletionByFinalPrompt(t *testing.T) {
	rt, tk, store := runningTask(t, "t1", "n1")
	h := NewMessageHandler(rt, store)

	h.OnMessage("MESSAGE_CREATE", InboundMessage{
		ID:      "m2",
		Content: "**a red fox** - <@1> (fast)",
		Attachments: []Attachment{{
			URL:      "https://cdn/result.png",
			Filename: "user_a_red_fox_6c4bee15-8cbb-4c39-8dcc-1abefa4c2e1f.png",
		}},
	})

	if tk.Status() != task.StatusSuccess {
		t.Fatalf("expected SUCCESS, got %s", tk.Status())
	}
	if tk.ImageURL() != "https://cdn/result.png" {
		t.Errorf("unexpected image url %s", tk.ImageURL())
	}
	if tk.MessageID() != "m2" {
		t.Errorf("final message id should be recorded, got %s", tk.MessageID())
	}
	if got := tk.StringProperty(task.PropertyMessageHash); got != "6c4bee15-8cbb-4c39-8dcc-1abefa4c2e1f" {
		t.Errorf("unexpected message hash %q", got)
	}
	if tk.Progress() != "100%" {
		t.Errorf("completion should set 100%%, got %s", tk.Progress())
	}
}

func TestCompletionByReference(t *testing.T) {
	rt, tk, store := runningTask(t, "t1", "n1")
	h := NewMessageHandler(rt, store)

	h.OnMessage("MESSAGE_CREATE", InboundMessage{ID: "m1", Nonce: "n1", Content: "**a red fox** - (Waiting to start)"})

	ref := struct {
		ID string `json:"id"`
	}{ID: "m1"}
	h.OnMessage("MESSAGE_CREATE", InboundMessage{
		ID:                "m2",
		Content:           "unrelated content",
		Attachments:       []Attachment{{URL: "https://cdn/result.png", Filename: "x_6c4bee15-8cbb-4c39-8dcc-1abefa4c2e1f.png"}},
		ReferencedMessage: &ref,
	})

	if tk.Status() != task.StatusSuccess {
		t.Errorf("expected SUCCESS via reply reference, got %s", tk.Status())
	}
}

func TestErrorEmbedFailsTask(t *testing.T) {
	rt, tk, store := runningTask(t, "t1", "n1")
	h := NewMessageHandler(rt, store)

	h.OnMessage("MESSAGE_CREATE", InboundMessage{
		ID:    "m1",
		Nonce: "n1",
		Embeds: []Embed{{
			Title:       "Invalid parameter",
			Description: "unrecognized argument",
			Color:       errorEmbedColor,
		}},
	})

	if tk.Status() != task.StatusFailure {
		t.Fatalf("expected FAILURE, got %s", tk.Status())
	}
	if tk.FailReason() != "Invalid parameter: unrecognized argument" {
		t.Errorf("unexpected failReason %q", tk.FailReason())
	}
}

func TestUnrelatedMessageIsIgnored(t *testing.T) {
	rt, tk, store := runningTask(t, "t1", "n1")
	h := NewMessageHandler(rt, store)

	h.OnMessage("MESSAGE_CREATE", InboundMessage{
		ID:          "m9",
		Content:     "**a blue whale** - <@1> (fast)",
		Attachments: []Attachment{{URL: "https://cdn/other.png", Filename: "other.png"}},
	})

	if tk.Status() != task.StatusSubmitted {
		t.Errorf("unrelated result should not touch the task, got %s", tk.Status())
	}
}
