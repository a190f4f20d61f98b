package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/overhuman/overhuman/internal/kinderr"
)

// OpenRouterClient is an OpenAI-compatible chat client over OpenRouter,
// grounded on providers/openrouter_client.py's OpenRouterClient.
type OpenRouterClient struct {
	APIKey  string
	BaseURL string
	Model   string
	Seed    *int
	HTTP    *http.Client
}

// NewOpenRouterClient builds a client, defaulting BaseURL/Model the same
// way the Python constructor falls back to OPENROUTER_BASE_URL/MODEL.
func NewOpenRouterClient(apiKey, baseURL, model string) *OpenRouterClient {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	if model == "" {
		model = "qwen/qwen3-next-80b-a3b-thinking"
	}
	return &OpenRouterClient{
		APIKey:  apiKey,
		BaseURL: baseURL,
		Model:   model,
		HTTP:    &http.Client{Timeout: 120 * time.Second},
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Seed        *int      `json:"seed,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage map[string]float64 `json:"usage"`
}

// ChatWithMeta posts one chat/completions request, retrying on 429/5xx with
// exponential backoff (respecting Retry-After) up to `retries` additional
// attempts, per the contract in llm.ChatProvider.
func (c *OpenRouterClient) ChatWithMeta(ctx context.Context, messages []Message, temperature float64, maxTokens int, retries int) (string, Meta, error) {
	url := c.BaseURL + "/chat/completions"

	reqBody := chatRequest{Model: c.Model, Messages: messages, Temperature: temperature, Seed: c.Seed}
	if maxTokens > 0 {
		reqBody.MaxTokens = &maxTokens
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", Meta{}, kinderr.New(kinderr.LLMPermanent, "llm.OpenRouterClient.ChatWithMeta", err)
	}

	content, meta, err := WithRetry(ctx, retries, func(ctx context.Context, attemptNum int) (string, Meta, RetryClassification, *time.Duration, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
		if err != nil {
			return "", Meta{}, NonRetryable, nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.HTTP.Do(req)
		if err != nil {
			return "", Meta{}, Retryable, nil, err
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)

		class := Classify(resp.StatusCode)
		if class != Success {
			var retryAfter *time.Duration
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if secs, perr := strconv.ParseFloat(ra, 64); perr == nil {
					d := time.Duration(secs * float64(time.Second))
					retryAfter = &d
				}
			}
			kind := kinderr.LLMTransient
			if class == NonRetryable {
				kind = kinderr.LLMPermanent
			}
			callErr := kinderr.New(kind, "llm.OpenRouterClient.ChatWithMeta",
				fmt.Errorf("openrouter call failed: %d %s", resp.StatusCode, truncate(string(raw), 200)))
			return "", Meta{}, class, retryAfter, callErr
		}

		var data chatResponse
		if err := json.Unmarshal(raw, &data); err != nil {
			return "", Meta{}, NonRetryable, nil, fmt.Errorf("failed to parse openrouter response: %w", err)
		}
		var text string
		if len(data.Choices) > 0 {
			text = data.Choices[0].Message.Content
		}
		m := Meta{
			Provider:    "openrouter",
			Model:       c.Model,
			Attempts:    attemptNum,
			Temperature: temperature,
			RequestID:   resp.Header.Get("x-request-id"),
			Usage:       data.Usage,
		}
		return text, m, Success, nil, nil
	})

	if err != nil {
		if kinderr.KindOf(err) != "" {
			return "", meta, err
		}
		return "", meta, kinderr.New(kinderr.LLMTransient, "llm.OpenRouterClient.ChatWithMeta", err)
	}
	return content, meta, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
