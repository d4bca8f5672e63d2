package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/matiasleandrokruk/ragd/internal/domain/tool"
	"github.com/matiasleandrokruk/ragd/internal/infra/flowlog"
	"github.com/matiasleandrokruk/ragd/internal/infra/llm"
)

// maxToolCallsPerTurn prevents runaway tool-calling loops.
const maxToolCallsPerTurn = 5

// historyWindow is the number of most recent history messages fed to the
// LLM each turn.
const historyWindow = 20

const systemPrompt = `You are a knowledge base assistant. Use the search_knowledge_base tool ` +
	`to find relevant information before answering factual questions. Reformulate the user's ` +
	`query into clear search terms when calling the tool. Cite the source of any snippet you use ` +
	`in your answer. If the tool returns no relevant results, say so plainly instead of guessing.`

// LLMProvider is the subset of llm.LLMProvider the orchestrator drives.
type LLMProvider interface {
	ChatCompletion(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error)
}

// ToolRegistry is the subset of tool.ToolRegistry the orchestrator uses for
// the LLM-facing tool descriptor and argument validation. It never executes
// search_knowledge_base directly, since that tool's kb_id binding varies
// per chat() call rather than being fixed at startup.
type ToolRegistry interface {
	Definitions() []tool.Definition
	ValidateParams(name string, params json.RawMessage) error
}

// Orchestrator runs the agent state machine: IDLE -> PLANNING ->
// (TOOL_CALL -> OBSERVING)* -> SYNTHESIZING -> DONE, with an
// ERROR_RECOVERY -> DONE branch on repeated tool failure.
type Orchestrator struct {
	llm     LLMProvider
	tools   ToolRegistry
	querier tool.KBQuerier
	store   *Store
	model   string
	flow    *flowlog.Logger

	mu       sync.Mutex
	sessions map[string]*sync.Mutex

	maxAttempts  int
	initialDelay time.Duration
	backoffMult  float64
	maxDelay     time.Duration
}

// NewOrchestrator wires an Orchestrator against an LLM provider, the static
// tool registry used for descriptor/validation, the retrieval engine
// (bound per-call to a kb_id), the audit-trail store, and the flow logger.
// The orchestrator's "reflection" is modeled as explicit flow-log events
// around each planning/tool-call/observing step, not a stored free-form
// transcript. flow may be nil; the orchestrator runs unobserved in that
// case rather than requiring a logger. The retry policy matches the
// embedding client's embedding retry (3 attempts, 1s initial delay,
// factor 2, capped at 10s).
func NewOrchestrator(provider LLMProvider, tools ToolRegistry, querier tool.KBQuerier, store *Store, model string, flow *flowlog.Logger) *Orchestrator {
	return &Orchestrator{
		llm:          provider,
		tools:        tools,
		querier:      querier,
		store:        store,
		model:        model,
		flow:         flow,
		sessions:     make(map[string]*sync.Mutex),
		maxAttempts:  3,
		initialDelay: time.Second,
		backoffMult:  2,
		maxDelay:     10 * time.Second,
	}
}

// logFlow records a flow-log event for this turn; a no-op when no logger is wired.
func (o *Orchestrator) logFlow(sessionID string, eventType flowlog.EventType, status flowlog.Status, duration *time.Duration, metadata map[string]string) {
	if o.flow == nil {
		return
	}
	o.flow.Log(sessionID, eventType, status, duration, metadata)
}

// SetBackoffForTests shrinks the retry delay to avoid real sleeps in unit
// tests; never called from production wiring.
func (o *Orchestrator) SetBackoffForTests() {
	o.initialDelay = time.Millisecond
	o.maxDelay = 5 * time.Millisecond
}

// Chat runs one turn of the tool-calling loop:
// chat(query, history?, kb_id?) -> answer. history is the full prior
// conversation in chronological order; only the last historyWindow
// messages are sent to the LLM. kbID binds the search_knowledge_base tool
// to a single knowledge base for the duration of this call.
//
// Within one call all LLM and tool invocations are strictly sequential;
// overlapping calls for the same sessionID are serialized by a
// per-session mutex rather than rejected.
func (o *Orchestrator) Chat(ctx context.Context, sessionID string, query string, history []llm.Message, kbID string) (string, error) {
	lock := o.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	turnStart := time.Now()
	o.logFlow(sessionID, flowlog.QueryStart, flowlog.StatusInProgress, nil, map[string]string{"query": query, "kb_id": kbID})

	run, err := o.store.StartRun(ctx, sessionID, kbID, query)
	if err != nil {
		o.logFlow(sessionID, flowlog.ErrorEvent, flowlog.StatusError, nil, map[string]string{"reason": err.Error()})
		return "", err
	}

	answer, status, reasoning, toolCalls, errReason, err := o.runTurn(ctx, sessionID, query, history, kbID)
	finishErr := o.store.Finish(ctx, run.ID, status, answer, len(toolCalls), reasoning, toolCalls, errReason)

	turnDuration := time.Since(turnStart)
	completeStatus := flowlog.StatusSuccess
	if status != StatusSuccess {
		completeStatus = flowlog.StatusError
	}
	o.logFlow(sessionID, flowlog.QueryComplete, completeStatus, &turnDuration, map[string]string{"status": status, "tool_calls": fmt.Sprintf("%d", len(toolCalls))})

	if err != nil {
		return "", err
	}
	if finishErr != nil {
		return answer, finishErr
	}
	return answer, nil
}

func (o *Orchestrator) sessionLock(sessionID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.sessions[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		o.sessions[sessionID] = lock
	}
	return lock
}

// runTurn drives PLANNING -> (TOOL_CALL -> OBSERVING)* -> SYNTHESIZING.
func (o *Orchestrator) runTurn(ctx context.Context, sessionID, query string, history []llm.Message, kbID string) (answer, status string, reasoning []ReasoningStep, toolCalls []ToolCallRecord, errReason string, err error) {
	messages := buildMessages(systemPrompt, history, query)
	reasoning = append(reasoning, step(StagePlanning, "received query, preparing to plan"))
	o.logFlow(sessionID, flowlog.QueryAnalysis, flowlog.StatusSuccess, nil, map[string]string{"history_len": fmt.Sprintf("%d", len(history))})
	executor := tool.NewKBSearchExecutor(o.querier, kbID)

	consecutiveToolFailures := 0

	for i := 0; i < maxToolCallsPerTurn; i++ {
		if ctx.Err() != nil {
			o.logFlow(sessionID, flowlog.ErrorEvent, flowlog.StatusError, nil, map[string]string{"reason": "cancelled"})
			return "", StatusPartial, reasoning, toolCalls, "cancelled", ctx.Err()
		}

		llmStart := time.Now()
		resp, callErr := o.chatCompletionWithRetry(ctx, messages)
		llmDuration := time.Since(llmStart)
		if callErr != nil {
			o.logFlow(sessionID, flowlog.LLMCall, flowlog.StatusError, &llmDuration, map[string]string{"error": callErr.Error()})
			return bestEffortAnswer(toolCalls), StatusFailed, reasoning, toolCalls, callErr.Error(), callErr
		}
		o.logFlow(sessionID, flowlog.LLMCall, flowlog.StatusSuccess, &llmDuration, map[string]string{"stop_reason": resp.StopReason, "tool_calls": fmt.Sprintf("%d", len(resp.ToolCalls))})

		if len(resp.ToolCalls) == 0 {
			reasoning = append(reasoning, step(StageSynthesizing, "model returned a direct answer"))
			return resp.Content, StatusSuccess, reasoning, toolCalls, "", nil
		}

		messages = append(messages, llm.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})

		for _, call := range resp.ToolCalls {
			reasoning = append(reasoning, step(StageToolCall, "calling tool "+call.Name))
			o.logFlow(sessionID, flowlog.ToolSelection, flowlog.StatusSuccess, nil, map[string]string{"tool": call.Name})

			toolStart := time.Now()
			result, execErr := o.executeTool(ctx, executor, call)
			toolDuration := time.Since(toolStart)
			record := ToolCallRecord{ToolName: call.Name, Params: argsJSON(call.Arguments)}

			if execErr != nil {
				consecutiveToolFailures++
				record.Error = execErr.Error()
				toolCalls = append(toolCalls, record)
				messages = append(messages, llm.Message{Role: "tool", Content: fmt.Sprintf("error: %v", execErr), ToolCallID: call.ID, Name: call.Name})
				reasoning = append(reasoning, step(StageObserving, "tool call failed: "+execErr.Error()))
				o.logFlow(sessionID, flowlog.ToolExecution, flowlog.StatusError, &toolDuration, map[string]string{"tool": call.Name, "error": execErr.Error()})

				if consecutiveToolFailures >= o.maxAttempts {
					reasoning = append(reasoning, step(StageErrorRecovery, "repeated tool failures, abandoning turn"))
					o.logFlow(sessionID, flowlog.ErrorEvent, flowlog.StatusError, nil, map[string]string{"reason": "repeated tool call failures"})
					return bestEffortAnswer(toolCalls), StatusFailed, reasoning, toolCalls, "repeated tool call failures", nil
				}
				continue
			}

			consecutiveToolFailures = 0
			record.Result = string(result)
			toolCalls = append(toolCalls, record)
			messages = append(messages, llm.Message{Role: "tool", Content: string(result), ToolCallID: call.ID, Name: call.Name})
			reasoning = append(reasoning, step(StageObserving, "received tool observation"))
			o.logFlow(sessionID, flowlog.ToolExecution, flowlog.StatusSuccess, &toolDuration, map[string]string{"tool": call.Name, "result": string(result)})
		}
	}

	reasoning = append(reasoning, step(StageSynthesizing, "reached tool call limit, synthesizing from observations"))
	return bestEffortAnswer(toolCalls), StatusPartial, reasoning, toolCalls, "", nil
}

func (o *Orchestrator) executeTool(ctx context.Context, executor tool.ToolExecutor, call llm.ToolCall) (json.RawMessage, error) {
	if call.Name != tool.NameSearchKnowledgeBase {
		return nil, fmt.Errorf("agent: unknown tool %q", call.Name)
	}
	params, err := json.Marshal(call.Arguments)
	if err != nil {
		return nil, fmt.Errorf("marshal tool args: %w", err)
	}
	if err := o.tools.ValidateParams(call.Name, params); err != nil {
		return nil, err
	}
	return executor.Execute(ctx, params)
}

// chatCompletionWithRetry wraps the LLM call with the package retry policy,
// retried only on connection/timeout errors.
func (o *Orchestrator) chatCompletionWithRetry(ctx context.Context, messages []llm.Message) (*llm.ChatResponse, error) {
	req := llm.ChatRequest{
		Model:    o.model,
		Messages: messages,
		Tools:    []llm.Tool{{Name: tool.NameSearchKnowledgeBase, Description: searchToolDescription(o.tools), Parameters: searchToolSchema(o.tools)}},
	}

	delay := o.initialDelay
	var lastErr error
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		resp, err := o.llm.ChatCompletion(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRetryableLLMError(err) || attempt == o.maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * o.backoffMult)
		if delay > o.maxDelay {
			delay = o.maxDelay
		}
	}
	return nil, &llm.LLMError{Msg: "chat completion: exhausted retry attempts", Cause: lastErr}
}

func searchToolDescription(tools ToolRegistry) string {
	for _, def := range tools.Definitions() {
		if def.Name == tool.NameSearchKnowledgeBase {
			return def.Description
		}
	}
	return ""
}

func searchToolSchema(tools ToolRegistry) map[string]any {
	for _, def := range tools.Definitions() {
		if def.Name == tool.NameSearchKnowledgeBase {
			return def.InputSchema
		}
	}
	return nil
}

func isRetryableLLMError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "connection") ||
		strings.Contains(msg, "refused") ||
		strings.Contains(msg, "reset by peer")
}

func buildMessages(sysPrompt string, history []llm.Message, query string) []llm.Message {
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: "system", Content: sysPrompt})
	messages = append(messages, history...)
	messages = append(messages, llm.Message{Role: "user", Content: query})
	return messages
}

// bestEffortAnswer summarizes collected tool observations when the turn
// ends without a synthesized answer (tool call limit reached, or repeated
// failures forced ERROR_RECOVERY).
func bestEffortAnswer(toolCalls []ToolCallRecord) string {
	for i := len(toolCalls) - 1; i >= 0; i-- {
		if toolCalls[i].Result != "" {
			return "Based on the available search results: " + toolCalls[i].Result
		}
	}
	return "I was unable to retrieve enough information to answer confidently."
}

func step(stage Stage, description string) ReasoningStep {
	return ReasoningStep{Stage: stage, Description: description, Timestamp: time.Now().UTC()}
}

func argsJSON(args map[string]any) string {
	b, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(b)
}
