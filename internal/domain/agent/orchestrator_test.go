package agent_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matiasleandrokruk/ragd/internal/domain/agent"
	"github.com/matiasleandrokruk/ragd/internal/domain/kb"
	"github.com/matiasleandrokruk/ragd/internal/domain/retrieval"
	"github.com/matiasleandrokruk/ragd/internal/domain/tool"
	"github.com/matiasleandrokruk/ragd/internal/infra/flowlog"
	"github.com/matiasleandrokruk/ragd/internal/infra/llm"
)

type scriptedLLM struct {
	responses []llm.ChatResponse
	errs      []error
	calls     int
}

func (s *scriptedLLM) ChatCompletion(context.Context, llm.ChatRequest) (*llm.ChatResponse, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i >= len(s.responses) {
		return &s.responses[len(s.responses)-1], nil
	}
	return &s.responses[i], nil
}

type fakeQuerier struct {
	hits []retrieval.Hit
	err  error
}

func (f *fakeQuerier) Query(context.Context, string, kb.QueryInput) ([]retrieval.Hit, error) {
	return f.hits, f.err
}

func newRegistry(t *testing.T) *tool.ToolRegistry {
	t.Helper()
	registry := tool.NewToolRegistry()
	if err := registry.Register(tool.SearchKnowledgeBaseDefinition(), tool.NewKBSearchExecutor(&fakeQuerier{}, "")); err != nil {
		t.Fatal(err)
	}
	return registry
}

func TestOrchestrator_Chat_DirectAnswerWithoutToolCall(t *testing.T) {
	t.Parallel()

	provider := &scriptedLLM{responses: []llm.ChatResponse{{Content: "hello there", StopReason: "stop"}}}
	orch := agent.NewOrchestrator(provider, newRegistry(t), &fakeQuerier{}, agent.NewStore(newTestDB(t)), "llama3.2:3b", nil)

	answer, err := orch.Chat(context.Background(), "sess_1", "hi", nil, "kb_1")
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if answer != "hello there" {
		t.Fatalf("Chat() = %q; want %q", answer, "hello there")
	}
	if provider.calls != 1 {
		t.Errorf("ChatCompletion called %d times; want 1 (no tool call loop)", provider.calls)
	}
}

func TestOrchestrator_Chat_CallsToolThenSynthesizes(t *testing.T) {
	t.Parallel()

	provider := &scriptedLLM{responses: []llm.ChatResponse{
		{
			ToolCalls:  []llm.ToolCall{{ID: "call_1", Name: tool.NameSearchKnowledgeBase, Arguments: map[string]any{"query": "refund policy"}}},
			StopReason: "tool_calls",
		},
		{Content: "Refunds are processed within 30 days [doc.txt]", StopReason: "stop"},
	}}
	querier := &fakeQuerier{hits: []retrieval.Hit{{ID: "c1", Score: 0.9, Content: "refunds within 30 days", Source: "doc.txt"}}}
	orch := agent.NewOrchestrator(provider, newRegistry(t), querier, agent.NewStore(newTestDB(t)), "llama3.2:3b", nil)

	answer, err := orch.Chat(context.Background(), "sess_1", "what is the refund policy?", nil, "kb_1")
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if answer == "" {
		t.Fatal("Chat() returned empty answer")
	}
	if provider.calls != 2 {
		t.Errorf("ChatCompletion called %d times; want 2 (plan + synthesize)", provider.calls)
	}
}

func TestOrchestrator_Chat_StopsAtMaxToolCalls(t *testing.T) {
	t.Parallel()

	toolCall := llm.ChatResponse{
		ToolCalls:  []llm.ToolCall{{ID: "call_x", Name: tool.NameSearchKnowledgeBase, Arguments: map[string]any{"query": "x"}}},
		StopReason: "tool_calls",
	}
	provider := &scriptedLLM{responses: []llm.ChatResponse{toolCall}}
	querier := &fakeQuerier{hits: []retrieval.Hit{{ID: "c1", Score: 0.5, Content: "partial match"}}}
	orch := agent.NewOrchestrator(provider, newRegistry(t), querier, agent.NewStore(newTestDB(t)), "llama3.2:3b", nil)

	answer, err := orch.Chat(context.Background(), "sess_1", "keep searching", nil, "kb_1")
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if answer == "" {
		t.Fatal("Chat() returned empty best-effort answer")
	}
	if provider.calls != 5 {
		t.Errorf("ChatCompletion called %d times; want 5 (tool call cap)", provider.calls)
	}
}

func TestOrchestrator_Chat_RetriesTransientLLMFailure(t *testing.T) {
	t.Parallel()

	provider := &scriptedLLM{
		errs:      []error{errors.New("dial tcp: connection refused"), nil},
		responses: []llm.ChatResponse{{}, {Content: "ok", StopReason: "stop"}},
	}
	orch := agent.NewOrchestrator(provider, newRegistry(t), &fakeQuerier{}, agent.NewStore(newTestDB(t)), "llama3.2:3b", nil)
	orch.SetBackoffForTests()

	answer, err := orch.Chat(context.Background(), "sess_1", "hi", nil, "kb_1")
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if answer != "ok" {
		t.Fatalf("Chat() = %q; want ok after retry", answer)
	}
}

func TestOrchestrator_Chat_NonRetryableErrorFailsImmediately(t *testing.T) {
	t.Parallel()

	provider := &scriptedLLM{errs: []error{errors.New("invalid api key")}}
	orch := agent.NewOrchestrator(provider, newRegistry(t), &fakeQuerier{}, agent.NewStore(newTestDB(t)), "llama3.2:3b", nil)
	orch.SetBackoffForTests()

	if _, err := orch.Chat(context.Background(), "sess_1", "hi", nil, "kb_1"); err == nil {
		t.Fatal("Chat() error = nil; want failure for non-retryable error")
	}
	if provider.calls != 1 {
		t.Errorf("ChatCompletion called %d times; want 1 (non-retryable error should not retry)", provider.calls)
	}
}

func TestOrchestrator_Chat_SerializesOverlappingCallsPerSession(t *testing.T) {
	t.Parallel()

	provider := &scriptedLLM{responses: []llm.ChatResponse{{Content: "ok", StopReason: "stop"}}}
	orch := agent.NewOrchestrator(provider, newRegistry(t), &fakeQuerier{}, agent.NewStore(newTestDB(t)), "llama3.2:3b", nil)

	done := make(chan error, 2)
	go func() {
		_, err := orch.Chat(context.Background(), "sess_shared", "one", nil, "kb_1")
		done <- err
	}()
	go func() {
		_, err := orch.Chat(context.Background(), "sess_shared", "two", nil, "kb_1")
		done <- err
	}()
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("Chat() error = %v", err)
		}
	}
}

func TestOrchestrator_Chat_CancelledContext_StopsImmediately(t *testing.T) {
	t.Parallel()

	toolCall := llm.ChatResponse{
		ToolCalls:  []llm.ToolCall{{ID: "call_1", Name: tool.NameSearchKnowledgeBase, Arguments: map[string]any{"query": "x"}}},
		StopReason: "tool_calls",
	}
	provider := &scriptedLLM{responses: []llm.ChatResponse{toolCall}}
	orch := agent.NewOrchestrator(provider, newRegistry(t), &fakeQuerier{}, agent.NewStore(newTestDB(t)), "llama3.2:3b", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := orch.Chat(ctx, "sess_1", "hi", nil, "kb_1"); err == nil {
		t.Fatal("Chat() error = nil; want cancellation error")
	}
}

// syncBuf mirrors flowlog's own test helper: a thread-safe io.Writer that
// signals each write so the test can wait for the drain goroutine instead
// of sleeping.
type syncBuf struct {
	mu     sync.Mutex
	sb     strings.Builder
	notify chan struct{}
}

func newSyncBuf() *syncBuf { return &syncBuf{notify: make(chan struct{}, 64)} }

func (s *syncBuf) Write(p []byte) (int, error) {
	s.mu.Lock()
	n, err := s.sb.Write(p)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return n, err
}

func (s *syncBuf) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sb.String()
}

func TestOrchestrator_Chat_EmitsFlowLogEvents(t *testing.T) {
	t.Parallel()

	provider := &scriptedLLM{responses: []llm.ChatResponse{
		{
			ToolCalls:  []llm.ToolCall{{ID: "call_1", Name: tool.NameSearchKnowledgeBase, Arguments: map[string]any{"query": "refund policy"}}},
			StopReason: "tool_calls",
		},
		{Content: "Refunds are processed within 30 days", StopReason: "stop"},
	}}
	querier := &fakeQuerier{hits: []retrieval.Hit{{ID: "c1", Score: 0.9, Content: "refunds within 30 days", Source: "doc.txt"}}}

	buf := newSyncBuf()
	logger := flowlog.New(buf, flowlog.DetailVerbose)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go logger.Run(ctx) //nolint:errcheck

	orch := agent.NewOrchestrator(provider, newRegistry(t), querier, agent.NewStore(newTestDB(t)), "llama3.2:3b", logger)

	if _, err := orch.Chat(context.Background(), "sess_flow", "what is the refund policy?", nil, "kb_1"); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		out := buf.String()
		if strings.Contains(out, "QUERY_COMPLETE") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for QUERY_COMPLETE, got: %s", out)
		}
		select {
		case <-buf.notify:
		case <-time.After(50 * time.Millisecond):
		}
	}

	out := buf.String()
	for _, want := range []string{"QUERY_START", "QUERY_ANALYSIS", "TOOL_SELECTION", "TOOL_EXECUTION", "LLM_CALL", "QUERY_COMPLETE"} {
		if !strings.Contains(out, want) {
			t.Errorf("flow log missing %s event:\n%s", want, out)
		}
	}
}
