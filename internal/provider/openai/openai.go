package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"

	"github.com/vnmchuo/fauxweb/internal/provider"
)

const (
	openAIBaseURL = "https://api.openai.com/v1"
	groqBaseURL   = "https://api.groq.com/openai/v1"
)

// OpenAIProvider speaks the chat completions protocol. Groq serves the same
// protocol under a different base URL.
type OpenAIProvider struct {
	name       string
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

type openAIRequest struct {
	Model         string          `json:"model"`
	Messages      []openAIMessage `json:"messages"`
	Stream        bool            `json:"stream,omitempty"`
	StreamOptions *streamOptions  `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage,omitempty"`
	Model   string         `json:"model"`
}

type openAIChoice struct {
	Delta openAIDelta `json:"delta"`
}

type openAIDelta struct {
	Content string `json:"content"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Spec is the catalogue entry for OpenAI.
func Spec() provider.Spec {
	return provider.Spec{
		Name:    "openai",
		EnvKeys: []string{"OPENAI_API_KEY"},
		Text: provider.RoleSpec{
			Supported:    true,
			DefaultModel: "gpt-5-nano",
			Models:       []string{"gpt-5-nano", "gpt-4-mini", "gpt-5-pro"},
		},
		New: func(_ context.Context, apiKey string) (provider.Backend, error) {
			return New(apiKey), nil
		},
	}
}

// GroqSpec is the catalogue entry for Groq.
func GroqSpec() provider.Spec {
	return provider.Spec{
		Name:    "groq",
		EnvKeys: []string{"GROQ_API_KEY"},
		Text: provider.RoleSpec{
			Supported:    true,
			DefaultModel: "moonshotai/kimi-k2-instruct-0905",
			Models: []string{
				"moonshotai/kimi-k2-instruct-0905",
				"llama-3.3-70b-versatile",
				"llama-3.1-8b-instant",
				"openai/gpt-oss-120b",
				"qwen/qwen3-32b",
				"groq/compound",
			},
		},
		New: func(_ context.Context, apiKey string) (provider.Backend, error) {
			return NewGroq(apiKey), nil
		},
	}
}

func New(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{
		name:       "openai",
		apiKey:     apiKey,
		baseURL:    openAIBaseURL,
		httpClient: http.DefaultClient,
	}
}

func NewGroq(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{
		name:       "groq",
		apiKey:     apiKey,
		baseURL:    groqBaseURL,
		httpClient: http.DefaultClient,
	}
}

func (p *OpenAIProvider) Name() string {
	return p.name
}

func (p *OpenAIProvider) StreamText(ctx context.Context, model, prompt string) iter.Seq2[provider.Chunk, error] {
	return func(yield func(provider.Chunk, error) bool) {
		resp, err := p.open(ctx, model, prompt)
		if err != nil {
			yield(provider.Chunk{}, err)
			return
		}
		defer resp.Body.Close()

		var usage *provider.Usage
		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil && err != io.EOF {
				yield(provider.Chunk{}, err)
				return
			}
			eof := err == io.EOF

			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "data:") {
				data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				if data == "[DONE]" {
					break
				}

				var chunk openAIResponse
				if err := json.Unmarshal([]byte(data), &chunk); err != nil {
					yield(provider.Chunk{}, fmt.Errorf("%s stream: %w", p.name, err))
					return
				}
				if chunk.Usage != nil {
					usage = toUsage(chunk.Usage)
				}
				if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
					if !yield(provider.Chunk{Text: chunk.Choices[0].Delta.Content}, nil) {
						return
					}
				}
			}
			if eof {
				break
			}
		}

		if usage != nil {
			yield(provider.Chunk{Usage: usage}, nil)
		}
	}
}

func (p *OpenAIProvider) open(ctx context.Context, model, prompt string) (*http.Response, error) {
	body, err := json.Marshal(openAIRequest{
		Model:         model,
		Messages:      []openAIMessage{{Role: "user", Content: prompt}},
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/chat/completions", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", p.apiKey))

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%s api error (status %d): %s", p.name, resp.StatusCode, string(respBody))
	}
	return resp, nil
}

func toUsage(u *openAIUsage) *provider.Usage {
	total := u.TotalTokens
	if total == 0 {
		total = u.PromptTokens + u.CompletionTokens
	}
	return &provider.Usage{
		PromptTokenCount: u.PromptTokens,
		TotalTokenCount:  total,
	}
}
