// Package llm defines the model-agnostic LLM provider abstraction (Task 2.3).
// All types here are shared between the provider interface and adapters.
package llm

// Message represents a single turn in a conversation (role + content).
// ToolCalls is set on assistant messages that invoked a tool; ToolCallID and
// Name identify which tool call a "tool" role message answers (agent
// orchestrator tool-calling extension).
type Message struct {
	Role       string // "system" | "user" | "assistant" | "tool"
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	Name       string
}

// Tool describes a callable tool offered to the model, in the
// name/description/JSON-schema-parameters shape every tool-calling LLM API
// converges on.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema
}

// ToolCall is a single invocation the model requested.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// ChatRequest is the input for a non-streaming chat completion.
type ChatRequest struct {
	// Model overrides the provider default when non-empty.
	Model       string
	Messages    []Message
	Temperature float32
	MaxTokens   int
	Tools       []Tool
}

// ChatResponse is the output from a non-streaming chat completion.
type ChatResponse struct {
	Content    string // The assistant message text.
	StopReason string // "stop" | "length" | "error" | "tool_calls"
	Tokens     int    // Total tokens consumed (prompt + completion).
	ToolCalls  []ToolCall
}

// EmbedRequest is the input for a batch embedding call.
type EmbedRequest struct {
	// Model overrides the provider default when non-empty.
	Model string
	Texts []string
}

// EmbedResponse is the output from a batch embedding call.
// Embeddings[i] corresponds to Texts[i] in the request.
type EmbedResponse struct {
	Embeddings [][]float32 // float32 matches sqlite-vec BLOB format.
	Tokens     int         // Total tokens consumed.
}

// ModelMeta describes the model / provider identity.
type ModelMeta struct {
	ID        string // e.g. "nomic-embed-text", "llama3.2:3b"
	Provider  string // e.g. "ollama", "openai"
	Version   string // e.g. "v1.5"
	MaxTokens int    // Maximum context window size.
}

// LLMError signals a chat-completion backend failure, matching
// the knowledge package's EmbeddingError/VectorStoreError idiom.
type LLMError struct {
	Msg   string
	Cause error
}

func (e *LLMError) Error() string {
	if e.Cause != nil {
		return e.Msg + ": " + e.Cause.Error()
	}
	return e.Msg
}

func (e *LLMError) Unwrap() error { return e.Cause }
