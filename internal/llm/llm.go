// Package llm defines the LLM chat provider contract every Planner/Critic
// plugin that needs a model is built against, plus the JSON-block extraction
// helper used to parse an LLM's free-text reply into a structured plan or
// verdict. Grounded on packages/providers/interfaces.py and
// packages/providers/openrouter_client.py's extract_json_block.
package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/overhuman/overhuman/internal/kinderr"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Meta is the metadata a ChatWithMeta call must return alongside the reply
// text: at minimum provider/model/attempts, and usage/cost/request_id when
// the backend supplies them.
type Meta struct {
	Provider    string             `json:"provider"`
	Model       string             `json:"model"`
	Attempts    int                `json:"attempts"`
	Temperature float64            `json:"temperature"`
	RequestID   string             `json:"request_id,omitempty"`
	Usage       map[string]float64 `json:"usage,omitempty"`
	Cost        float64            `json:"cost,omitempty"`
}

// ChatProvider is the minimal contract any concrete LLM client (OpenRouter,
// OpenAI, a router over several backends) implements, decoupling
// internal/roles plugins from any one vendor SDK.
type ChatProvider interface {
	ChatWithMeta(ctx context.Context, messages []Message, temperature float64, maxTokens int, retries int) (content string, meta Meta, err error)
}

// ExtractJSONBlock locates the first '{' in text and balanced-brace-matches
// forward to find its closing '}', then parses that substring as JSON.
// Grounded on openrouter_client.py's extract_json_block: tolerant of an LLM
// wrapping its JSON reply in prose or markdown fences.
func ExtractJSONBlock(text string) (map[string]any, error) {
	start := -1
	for i, ch := range text {
		if ch == '{' {
			start = i
			break
		}
	}
	if start == -1 {
		return nil, kinderr.New(kinderr.ParseFailure, "llm.ExtractJSONBlock", fmt.Errorf("no JSON object start '{' found"))
	}

	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				block := text[start : i+1]
				var out map[string]any
				if err := json.Unmarshal([]byte(block), &out); err != nil {
					return nil, kinderr.New(kinderr.ParseFailure, "llm.ExtractJSONBlock", err)
				}
				return out, nil
			}
		}
	}
	return nil, kinderr.New(kinderr.ParseFailure, "llm.ExtractJSONBlock", fmt.Errorf("no matching closing '}' found"))
}
