package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matiasleandrokruk/ragd/pkg/uuid"
)

var ErrRunNotFound = errors.New("chat run not found")

const timeLayout = time.RFC3339Nano

// Store persists chat_runs rows — the audit trail of each orchestrator
// turn. It never drives the tool-calling loop itself.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// StartRun inserts a new running chat_runs row and returns its id.
func (s *Store) StartRun(ctx context.Context, sessionID, kbID, query string) (*Run, error) {
	run := &Run{
		ID:        uuid.NewV7().String(),
		SessionID: sessionID,
		KBID:      kbID,
		Query:     query,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_runs (id, session_id, kb_id, query, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.ID, run.SessionID, nullableString(run.KBID), run.Query, run.Status, run.StartedAt.Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("agent store: start run: %w", err)
	}
	return run, nil
}

// Finish persists the terminal state of a run: answer, status, accumulated
// reasoning trace, tool call log, and completion time.
func (s *Store) Finish(ctx context.Context, runID string, status, answer string, toolCallCount int, reasoning []ReasoningStep, toolCalls []ToolCallRecord, errorReason string) error {
	reasoningJSON, err := json.Marshal(reasoning)
	if err != nil {
		return fmt.Errorf("agent store: marshal reasoning trace: %w", err)
	}
	toolCallsJSON, err := json.Marshal(toolCalls)
	if err != nil {
		return fmt.Errorf("agent store: marshal tool calls: %w", err)
	}

	completedAt := time.Now().UTC().Format(timeLayout)
	_, err = s.db.ExecContext(ctx, `
		UPDATE chat_runs
		SET status = ?, answer = ?, tool_call_count = ?, reasoning_trace = ?,
		    tool_calls = ?, error_reason = ?, completed_at = ?
		WHERE id = ?
	`, status, answer, toolCallCount, string(reasoningJSON), string(toolCallsJSON), nullableString(errorReason), completedAt, runID)
	if err != nil {
		return fmt.Errorf("agent store: finish run: %w", err)
	}
	return nil
}

// GetRun retrieves a single run by id.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, kb_id, query, status, answer, tool_call_count,
		       reasoning_trace, tool_calls, error_reason, started_at, completed_at
		FROM chat_runs WHERE id = ?
	`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("agent store: get run: %w", err)
	}
	return run, nil
}

// ListBySession returns up to limit of a session's runs, oldest first
// (limit <= 0 means 20).
func (s *Store) ListBySession(ctx context.Context, sessionID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, kb_id, query, status, answer, tool_call_count,
		       reasoning_trace, tool_calls, error_reason, started_at, completed_at
		FROM chat_runs WHERE session_id = ?
		ORDER BY started_at ASC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("agent store: list by session: %w", err)
	}
	defer rows.Close()

	out := make([]Run, 0)
	for rows.Next() {
		run, scanErr := scanRun(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("agent store: scan run: %w", scanErr)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

type runScanner interface {
	Scan(dest ...any) error
}

func scanRun(scan runScanner) (Run, error) {
	var (
		r               Run
		kbID            sql.NullString
		reasoningRaw    string
		toolCallsRaw    string
		errorReason     sql.NullString
		startedAtRaw    string
		completedAtRaw  sql.NullString
	)

	if err := scan.Scan(
		&r.ID, &r.SessionID, &kbID, &r.Query, &r.Status, &r.Answer, &r.ToolCallCount,
		&reasoningRaw, &toolCallsRaw, &errorReason, &startedAtRaw, &completedAtRaw,
	); err != nil {
		return Run{}, err
	}

	if kbID.Valid {
		r.KBID = kbID.String
	}
	if errorReason.Valid {
		r.ErrorReason = errorReason.String
	}
	_ = json.Unmarshal([]byte(reasoningRaw), &r.Reasoning)
	_ = json.Unmarshal([]byte(toolCallsRaw), &r.ToolCalls)

	if t, err := time.Parse(timeLayout, startedAtRaw); err == nil {
		r.StartedAt = t
	}
	if completedAtRaw.Valid {
		if t, err := time.Parse(timeLayout, completedAtRaw.String); err == nil {
			r.CompletedAt = &t
		}
	}
	return r, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
