package claude

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

const defaultMaxTokens = 8192

type ClaudeProvider struct {
	apiKey     string
	baseURL    string
	maxTokens  int
	httpClient *http.Client
}

type claudeRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	Messages  []claudeMessage `json:"messages"`
	Stream    bool            `json:"stream,omitempty"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type claudeStreamEvent struct {
	Type    string              `json:"type"`
	Message *claudeMessageStart `json:"message,omitempty"`
	Delta   claudeDelta         `json:"delta,omitempty"`
	Usage   *claudeUsage        `json:"usage,omitempty"`
	Error   *claudeError        `json:"error,omitempty"`
}

type claudeMessageStart struct {
	Model string      `json:"model"`
	Usage claudeUsage `json:"usage"`
}

type claudeDelta struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type claudeError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Spec is the catalogue entry for Anthropic.
func Spec() provider.Spec {
	return provider.Spec{
		Name:    "anthropic",
		Aliases: []string{"claude"},
		EnvKeys: []string{"ANTHROPIC_API_KEY"},
		Text: provider.RoleSpec{
			Supported:    true,
			DefaultModel: "claude-3-7-sonnet-latest",
			Models:       []string{"claude-sonnet-4-0", "claude-3-7-sonnet-latest", "claude-3-opus-latest"},
		},
		New: func(_ context.Context, apiKey string) (provider.Backend, error) {
			return New(apiKey), nil
		},
	}
}

func New(apiKey string) *ClaudeProvider {
	return &ClaudeProvider{
		apiKey:     apiKey,
		baseURL:    "https://api.anthropic.com/v1",
		maxTokens:  defaultMaxTokens,
		httpClient: http.DefaultClient,
	}
}

func (p *ClaudeProvider) Name() string {
	return "anthropic"
}

func (p *ClaudeProvider) StreamText(ctx context.Context, model, prompt string) iter.Seq2[provider.Chunk, error] {
	return func(yield func(provider.Chunk, error) bool) {
		resp, err := p.open(ctx, model, prompt)
		if err != nil {
			yield(provider.Chunk{}, err)
			return
		}
		defer resp.Body.Close()

		var usage claudeUsage
		var sawUsage bool
		var currentEvent string

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil && err != io.EOF {
				yield(provider.Chunk{}, err)
				return
			}
			eof := err == io.EOF

			line = strings.TrimSpace(line)
			switch {
			case strings.HasPrefix(line, "event: "):
				currentEvent = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				var event claudeStreamEvent
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
					continue
				}
				if event.Type == "" {
					event.Type = currentEvent
				}

				switch event.Type {
				case "message_start":
					if event.Message != nil {
						usage.InputTokens = event.Message.Usage.InputTokens
						usage.OutputTokens = event.Message.Usage.OutputTokens
						sawUsage = true
					}
				case "content_block_delta":
					if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
						if !yield(provider.Chunk{Text: event.Delta.Text}, nil) {
							return
						}
					}
				case "message_delta":
					if event.Usage != nil {
						usage.OutputTokens = event.Usage.OutputTokens
						sawUsage = true
					}
				case "message_stop":
					eof = true
				case "error":
					msg := "unknown error"
					if event.Error != nil {
						msg = event.Error.Message
					}
					yield(provider.Chunk{}, fmt.Errorf("claude stream error: %s", msg))
					return
				}
			}
			if eof {
				break
			}
		}

		if sawUsage {
			yield(provider.Chunk{Usage: &provider.Usage{
				PromptTokenCount: usage.InputTokens,
				TotalTokenCount:  usage.InputTokens + usage.OutputTokens,
			}}, nil)
		}
	}
}

func (p *ClaudeProvider) open(ctx context.Context, model, prompt string) (*http.Response, error) {
	body, err := json.Marshal(claudeRequest{
		Model:     model,
		MaxTokens: p.maxTokens,
		Messages:  []claudeMessage{{Role: "user", Content: prompt}},
		Stream:    true,
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/messages", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("claude api error (status %d): %s", resp.StatusCode, string(respBody))
	}
	return resp, nil
}
