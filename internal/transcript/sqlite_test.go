package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/martinemde/aiagent/agentloop"
	"github.com/martinemde/aiagent/unifiedllm"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "aiagent.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return store
}

func sampleResult() *agentloop.RunResult {
	call := agentloop.ToolCallRequest{ID: "c1", Name: "get_files_info", Arguments: json.RawMessage(`{"directory":"pkg"}`)}
	result := agentloop.ToolCallResult{
		CallID:   "c1",
		Name:     "get_files_info",
		Response: &agentloop.Outcome{Text: "- calc.py: file_size=10 bytes, is_dir=False\n"},
	}
	usage := unifiedllm.Usage{InputTokens: 12, OutputTokens: 3, TotalTokens: 15}
	return &agentloop.RunResult{
		SessionID:  "session-1",
		Prompt:     "list pkg",
		Status:     agentloop.RunCompleted,
		FinalText:  "pkg holds calc.py",
		Iterations: 2,
		Usage:      usage,
		Turns: []agentloop.Turn{
			agentloop.NewUserTurn("list pkg"),
			agentloop.NewResponderTurn("", []agentloop.ToolCallRequest{call}, usage),
			agentloop.NewToolResultTurn(result),
			agentloop.NewResponderTurn("pkg holds calc.py", nil, unifiedllm.Usage{}),
		},
	}
}

func TestSaveAndLoadRun(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	started := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	rec := NewRunRecord(sampleResult(), "/work", "gemini-2.0-flash-001", started, started.Add(3*time.Second))
	if err := store.SaveRun(ctx, rec); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	got, err := store.LoadRun(ctx, rec.RunID)
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	if got.Prompt != "list pkg" || got.Status != agentloop.RunCompleted || got.FinalText != "pkg holds calc.py" {
		t.Errorf("unexpected run %+v", got)
	}
	if got.InputTokens != 12 || got.OutputTokens != 3 || got.Iterations != 2 {
		t.Errorf("unexpected counters %+v", got)
	}
	if !got.StartedAt.Equal(started) || !got.FinishedAt.Equal(started.Add(3*time.Second)) {
		t.Errorf("unexpected timestamps %v %v", got.StartedAt, got.FinishedAt)
	}

	if len(got.Turns) != 4 {
		t.Fatalf("expected 4 turns, got %d", len(got.Turns))
	}
	calls := got.Turns[1].CallRequests()
	if len(calls) != 1 || calls[0].Name != "get_files_info" || string(calls[0].Arguments) != `{"directory":"pkg"}` {
		t.Errorf("call request not preserved: %+v", calls)
	}
	if got.Turns[1].Usage.InputTokens != 12 {
		t.Errorf("turn usage not preserved: %+v", got.Turns[1].Usage)
	}
	res := got.Turns[2].Items[0].Result
	if res == nil || res.Payload() != "- calc.py: file_size=10 bytes, is_dir=False\n" {
		t.Errorf("call result not preserved: %+v", res)
	}
	if got.Turns[3].Role != agentloop.RoleResponder || got.Turns[3].TextContent() != "pkg holds calc.py" {
		t.Errorf("unexpected final turn %+v", got.Turns[3])
	}
}

func TestLoadRunNotFound(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.LoadRun(context.Background(), "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestSaveRunDuplicateIsAtomic(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := NewRunRecord(sampleResult(), "/work", "m", time.Now(), time.Now())
	if err := store.SaveRun(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveRun(ctx, rec); err == nil {
		t.Fatal("expected unique constraint violation")
	}
	turns, err := store.LoadTurns(ctx, rec.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 4 {
		t.Errorf("failed save must not add turns, got %d", len(turns))
	}
}

func TestInitIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}
