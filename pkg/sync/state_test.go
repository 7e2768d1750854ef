package sync

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestStateManager_CreateAndLoad(t *testing.T) {
	stateFile := filepath.Join(t.TempDir(), "state.json")

	sm, err := NewStateManager(stateFile, false)
	if err != nil {
		t.Fatalf("Failed to create state manager: %v", err)
	}

	key := StateKey("load", "mapping.yml")
	if err := sm.Begin(key, "abc", "run-1"); err != nil {
		t.Fatalf("Failed to begin: %v", err)
	}
	if err := sm.MarkCompleted(key, "Insert Account"); err != nil {
		t.Fatalf("Failed to mark step: %v", err)
	}
	if err := sm.Save(); err != nil {
		t.Fatalf("Failed to save state: %v", err)
	}

	// Новый менеджер читает сохраненное состояние
	sm2, err := NewStateManager(stateFile, false)
	if err != nil {
		t.Fatalf("Failed to create second state manager: %v", err)
	}

	state := sm2.GetState(key)
	if state.Fingerprint != "abc" {
		t.Errorf("Expected fingerprint 'abc', got '%s'", state.Fingerprint)
	}
	if state.RunID != "run-1" {
		t.Errorf("Expected run id 'run-1', got '%s'", state.RunID)
	}
	if state.LastCompleted() != "Insert Account" {
		t.Errorf("Expected last completed 'Insert Account', got '%s'", state.LastCompleted())
	}
}

func TestStateManager_AutoSave(t *testing.T) {
	stateFile := filepath.Join(t.TempDir(), "state.json")

	sm, err := NewStateManager(stateFile, true)
	if err != nil {
		t.Fatalf("Failed to create state manager: %v", err)
	}
	if err := sm.MarkCompleted("extract:m.yml", "Account"); err != nil {
		t.Fatalf("Failed to mark step: %v", err)
	}

	sm2, err := NewStateManager(stateFile, false)
	if err != nil {
		t.Fatalf("Failed to create second state manager: %v", err)
	}
	if got := sm2.GetState("extract:m.yml").Completed; len(got) != 1 || got[0] != "Account" {
		t.Errorf("Auto-save failed: completed = %v", got)
	}
}

func TestStateManager_GetStateForUnknownKey(t *testing.T) {
	sm, err := NewStateManager(filepath.Join(t.TempDir(), "state.json"), false)
	if err != nil {
		t.Fatalf("Failed to create state manager: %v", err)
	}

	state := sm.GetState("load:none.yml")
	if state.Key != "load:none.yml" {
		t.Errorf("Expected key 'load:none.yml', got '%s'", state.Key)
	}
	if len(state.Completed) != 0 || state.LastCompleted() != "" {
		t.Errorf("Expected no completed steps, got %v", state.Completed)
	}
	if !state.UpdatedAt.IsZero() {
		t.Errorf("Expected zero UpdatedAt, got %v", state.UpdatedAt)
	}
}

func TestStateManager_ResumeStep(t *testing.T) {
	steps := []string{"Account", "Contact", "Opportunity"}

	tests := []struct {
		name        string
		completed   []string
		fingerprint string
		want        string
		wantOK      bool
	}{
		{name: "nothing completed", fingerprint: "f1", wantOK: false},
		{name: "after first", completed: []string{"Account"}, fingerprint: "f1", want: "Contact", wantOK: true},
		{name: "after second", completed: []string{"Account", "Contact"}, fingerprint: "f1", want: "Opportunity", wantOK: true},
		{name: "all completed", completed: steps, fingerprint: "f1", wantOK: false},
		{name: "mapping changed", completed: []string{"Account"}, fingerprint: "f2", wantOK: false},
		{name: "unknown step", completed: []string{"Lead"}, fingerprint: "f1", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm, err := NewStateManager(filepath.Join(t.TempDir(), "state.json"), false)
			if err != nil {
				t.Fatalf("Failed to create state manager: %v", err)
			}
			if err := sm.Begin("k", "f1", "r"); err != nil {
				t.Fatal(err)
			}
			for _, s := range tt.completed {
				if err := sm.MarkCompleted("k", s); err != nil {
					t.Fatal(err)
				}
			}

			got, ok := sm.ResumeStep("k", tt.fingerprint, steps)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("ResumeStep() = %q, %v; want %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestStateManager_BeginResetsOnNewFingerprint(t *testing.T) {
	sm, err := NewStateManager(filepath.Join(t.TempDir(), "state.json"), false)
	if err != nil {
		t.Fatalf("Failed to create state manager: %v", err)
	}

	sm.Begin("k", "f1", "r1")
	sm.MarkCompleted("k", "Account")

	// тот же маппинг - выполненные шаги сохраняются
	sm.Begin("k", "f1", "r2")
	if got := sm.GetState("k").Completed; len(got) != 1 {
		t.Errorf("Expected completed steps to survive, got %v", got)
	}

	// маппинг изменился - состояние сбрасывается
	sm.Begin("k", "f2", "r3")
	state := sm.GetState("k")
	if len(state.Completed) != 0 {
		t.Errorf("Expected reset state, got %v", state.Completed)
	}
	if state.Fingerprint != "f2" {
		t.Errorf("Expected fingerprint 'f2', got '%s'", state.Fingerprint)
	}
}

func TestStateManager_Reset(t *testing.T) {
	sm, err := NewStateManager(filepath.Join(t.TempDir(), "state.json"), false)
	if err != nil {
		t.Fatalf("Failed to create state manager: %v", err)
	}

	sm.MarkCompleted("k1", "A")
	sm.MarkCompleted("k2", "B")

	if err := sm.Reset("k1"); err != nil {
		t.Fatalf("Failed to reset k1: %v", err)
	}
	if got := sm.GetState("k1").LastCompleted(); got != "" {
		t.Errorf("Expected empty state after reset, got '%s'", got)
	}
	if got := sm.GetState("k2").LastCompleted(); got != "B" {
		t.Errorf("Expected 'B', got '%s'", got)
	}

	if err := sm.ResetAll(); err != nil {
		t.Fatalf("Failed to reset all: %v", err)
	}
	if n := len(sm.GetAllStates()); n != 0 {
		t.Errorf("Expected 0 states after ResetAll, got %d", n)
	}
}

func TestStateManager_Fail(t *testing.T) {
	sm, err := NewStateManager(filepath.Join(t.TempDir(), "state.json"), false)
	if err != nil {
		t.Fatalf("Failed to create state manager: %v", err)
	}

	sm.MarkCompleted("k", "Account")
	if err := sm.Fail("k", errors.New("connection timeout")); err != nil {
		t.Fatalf("Failed to record error: %v", err)
	}

	state := sm.GetState("k")
	if state.LastError != "connection timeout" {
		t.Errorf("Expected LastError 'connection timeout', got '%s'", state.LastError)
	}
	if state.LastCompleted() != "Account" {
		t.Errorf("Expected completed steps to be kept, got %v", state.Completed)
	}
	if time.Since(state.UpdatedAt) > time.Second {
		t.Errorf("UpdatedAt too old: %v", state.UpdatedAt)
	}
}
