package agent_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/matiasleandrokruk/ragd/internal/domain/agent"
	"github.com/matiasleandrokruk/ragd/internal/infra/sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sqlite.NewDB(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	if err := sqlite.MigrateUp(db); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStore_StartRun_DefaultsToRunning(t *testing.T) {
	t.Parallel()

	store := agent.NewStore(newTestDB(t))
	run, err := store.StartRun(context.Background(), "sess_1", "kb_1", "what is the refund policy?")
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	if run.Status != agent.StatusRunning {
		t.Errorf("Status = %q; want %q", run.Status, agent.StatusRunning)
	}
	if run.ID == "" {
		t.Error("StartRun() did not assign an id")
	}
}

func TestStore_Finish_PersistsAnswerAndTrace(t *testing.T) {
	t.Parallel()

	store := agent.NewStore(newTestDB(t))
	ctx := context.Background()
	run, err := store.StartRun(ctx, "sess_1", "kb_1", "hello")
	if err != nil {
		t.Fatal(err)
	}

	reasoning := []agent.ReasoningStep{{Stage: agent.StagePlanning, Description: "planning"}}
	toolCalls := []agent.ToolCallRecord{{ToolName: "search_knowledge_base", Params: `{"query":"hello"}`, Result: "[]"}}
	if err := store.Finish(ctx, run.ID, agent.StatusSuccess, "hi there", 1, reasoning, toolCalls, ""); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Status != agent.StatusSuccess || got.Answer != "hi there" {
		t.Fatalf("GetRun() = %+v; want success/hi there", got)
	}
	if len(got.Reasoning) != 1 || len(got.ToolCalls) != 1 {
		t.Fatalf("GetRun() reasoning/toolCalls = %+v/%+v; want 1 entry each", got.Reasoning, got.ToolCalls)
	}
	if got.CompletedAt == nil {
		t.Fatal("GetRun() CompletedAt = nil; want set after Finish")
	}
}

func TestStore_GetRun_UnknownID_NotFound(t *testing.T) {
	t.Parallel()

	store := agent.NewStore(newTestDB(t))
	if _, err := store.GetRun(context.Background(), "nope"); err != agent.ErrRunNotFound {
		t.Fatalf("GetRun() error = %v; want ErrRunNotFound", err)
	}
}

func TestStore_ListBySession_OrdersOldestFirst(t *testing.T) {
	t.Parallel()

	store := agent.NewStore(newTestDB(t))
	ctx := context.Background()
	if _, err := store.StartRun(ctx, "sess_1", "kb_1", "first"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.StartRun(ctx, "sess_1", "kb_1", "second"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.StartRun(ctx, "sess_other", "kb_1", "unrelated"); err != nil {
		t.Fatal(err)
	}

	runs, err := store.ListBySession(ctx, "sess_1", 20)
	if err != nil {
		t.Fatalf("ListBySession() error = %v", err)
	}
	if len(runs) != 2 || runs[0].Query != "first" || runs[1].Query != "second" {
		t.Fatalf("ListBySession() = %+v; want [first, second]", runs)
	}
}
