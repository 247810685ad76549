package task

import (
	"errors"
	"testing"
)

func TestStatusIsTerminal(t *testing.T) {
	terminal := []Status{StatusSuccess, StatusFailure, StatusCancel}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	open := []Status{StatusNotStart, StatusSubmitted, StatusInProgress}
	for _, s := range open {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestLifecycleHappyPath(t *testing.T) {
	tk := New("t1", ActionImagine, "a red fox")

	if tk.Status() != StatusNotStart {
		t.Fatalf("expected NOT_START, got %s", tk.Status())
	}
	if tk.SubmitTime() == 0 {
		t.Error("submitTime should be set at creation")
	}

	if err := tk.SetStatus(StatusSubmitted); err != nil {
		t.Fatalf("to SUBMITTED: %v", err)
	}
	if tk.StartTime() == 0 {
		t.Error("startTime should be set on SUBMITTED")
	}

	if err := tk.SetStatus(StatusInProgress); err != nil {
		t.Fatalf("to IN_PROGRESS: %v", err)
	}
	if err := tk.Success(); err != nil {
		t.Fatalf("to SUCCESS: %v", err)
	}
	if tk.Progress() != "100%" {
		t.Errorf("expected 100%% progress, got %s", tk.Progress())
	}
	if tk.FinishTime() == 0 {
		t.Error("finishTime should be set on terminal transition")
	}
}

func TestIllegalTransitionRejected(t *testing.T) {
	tk := New("t1", ActionImagine, "p")

	if err := tk.SetStatus(StatusInProgress); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("NOT_START -> IN_PROGRESS should be rejected, got %v", err)
	}
	if tk.Status() != StatusNotStart {
		t.Errorf("status should be unchanged after rejection, got %s", tk.Status())
	}
}

func TestTerminalStateIsFrozen(t *testing.T) {
	tk := New("t1", ActionImagine, "p")
	if err := tk.Fail("boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if tk.FailReason() != "boom" {
		t.Errorf("expected failReason boom, got %s", tk.FailReason())
	}

	if err := tk.SetStatus(StatusSubmitted); !errors.Is(err, ErrTerminal) {
		t.Errorf("mutation after terminal should return ErrTerminal, got %v", err)
	}
	if err := tk.Success(); !errors.Is(err, ErrTerminal) {
		t.Errorf("Success after terminal should return ErrTerminal, got %v", err)
	}
}

func TestSameStatusIsNoOp(t *testing.T) {
	tk := New("t1", ActionImagine, "p")
	if err := tk.SetStatus(StatusSubmitted); err != nil {
		t.Fatalf("to SUBMITTED: %v", err)
	}
	if err := tk.SetStatus(StatusSubmitted); err != nil {
		t.Errorf("repeated SUBMITTED should be a no-op, got %v", err)
	}
}

func TestCancelFromRunning(t *testing.T) {
	tk := New("t1", ActionImagine, "p")
	_ = tk.SetStatus(StatusSubmitted)
	_ = tk.SetStatus(StatusInProgress)
	if err := tk.SetStatus(StatusCancel); err != nil {
		t.Fatalf("IN_PROGRESS -> CANCEL: %v", err)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	tk := New("t1", ActionUpscale, "a red fox")
	tk.SetNonce("n-1")
	tk.SetMessageID("m-1")
	tk.SetProperty(PropertyMessageHash, "abc")
	_ = tk.SetStatus(StatusSubmitted)
	tk.SetProgress("42%")

	restored := Restore(tk.Snapshot())

	if restored.ID() != "t1" || restored.Action() != ActionUpscale {
		t.Errorf("identity not preserved: %s %s", restored.ID(), restored.Action())
	}
	if restored.Status() != StatusSubmitted || restored.Progress() != "42%" {
		t.Errorf("state not preserved: %s %s", restored.Status(), restored.Progress())
	}
	if restored.Nonce() != "n-1" || restored.MessageID() != "m-1" {
		t.Errorf("correlators not preserved")
	}
	if restored.StringProperty(PropertyMessageHash) != "abc" {
		t.Errorf("properties not preserved")
	}
}

func TestStringProperty(t *testing.T) {
	tk := New("t1", ActionImagine, "p")
	if tk.StringProperty("missing") != "" {
		t.Error("missing property should yield empty string")
	}
	tk.SetProperty(PropertyNumberOfQueues, 3)
	if tk.StringProperty(PropertyNumberOfQueues) != "" {
		t.Error("non-string property should yield empty string")
	}
}
