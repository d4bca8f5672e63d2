package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/matiasleandrokruk/ragd/internal/domain/kb"
	"github.com/matiasleandrokruk/ragd/internal/domain/retrieval"
)

// NameSearchKnowledgeBase is the only tool the agent orchestrator can call.
const NameSearchKnowledgeBase = "search_knowledge_base"

// KBQuerier is the subset of kb.Manager the search_knowledge_base tool
// drives. Satisfied by *kb.Manager.
type KBQuerier interface {
	Query(ctx context.Context, kbID string, in kb.QueryInput) ([]retrieval.Hit, error)
}

// SearchKnowledgeBaseDefinition describes the tool's contract to the LLM.
func SearchKnowledgeBaseDefinition() Definition {
	return Definition{
		Name:        NameSearchKnowledgeBase,
		Description: "Search the bound knowledge base for chunks relevant to the query, returning scored snippets with their source",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"query"},
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
			},
			"additionalProperties": false,
		},
	}
}

type kbSearchExecutor struct {
	kb   KBQuerier
	kbID string
}

// NewKBSearchExecutor binds search_knowledge_base to a single knowledge
// base.
func NewKBSearchExecutor(querier KBQuerier, kbID string) ToolExecutor {
	return &kbSearchExecutor{kb: querier, kbID: kbID}
}

func (e *kbSearchExecutor) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return nil, fmt.Errorf("search_knowledge_base: invalid params: %w", err)
	}
	if strings.TrimSpace(in.Query) == "" {
		return nil, fmt.Errorf("search_knowledge_base: query is required")
	}

	hits, err := e.kb.Query(ctx, e.kbID, kb.QueryInput{Query: in.Query})
	if err != nil {
		return nil, fmt.Errorf("search_knowledge_base: %w", err)
	}

	out := make([]map[string]any, len(hits))
	for i, h := range hits {
		out[i] = map[string]any{
			"score":    h.Score,
			"content":  h.Content,
			"source":   h.Source,
			"metadata": h.Metadata,
		}
	}
	return json.Marshal(out)
}
