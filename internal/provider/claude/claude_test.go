package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vnmchuo/fauxweb/internal/provider"
)

func TestStreamText_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("Expected x-api-key header, got %s", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Error("Expected anthropic-version header")
		}
		body, _ := io.ReadAll(r.Body)
		var req claudeRequest
		_ = json.Unmarshal(body, &req)
		if !req.Stream || req.MaxTokens != defaultMaxTokens {
			t.Errorf("Expected streaming request with max_tokens %d, got %+v", defaultMaxTokens, req)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\n")
		fmt.Fprint(w, `data: {"type":"message_start","message":{"model":"claude-3-7-sonnet-latest","usage":{"input_tokens":12,"output_tokens":1}}}`+"\n\n")
		for _, text := range []string{"Hello", " from", " Claude", "!"} {
			fmt.Fprint(w, "event: content_block_delta\n")
			fmt.Fprintf(w, `data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":%q}}`+"\n\n", text)
		}
		fmt.Fprint(w, "event: message_delta\n")
		fmt.Fprint(w, `data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":30}}`+"\n\n")
		fmt.Fprint(w, "event: message_stop\n")
		fmt.Fprint(w, `data: {"type":"message_stop"}`+"\n\n")
	}))
	defer server.Close()

	p := New("test-key")
	p.baseURL = server.URL

	var content string
	var usage *provider.Usage
	for chunk, err := range p.StreamText(context.Background(), "claude-3-7-sonnet-latest", "hi") {
		if err != nil {
			t.Fatalf("Received error from stream: %v", err)
		}
		content += chunk.Text
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}

	if content != "Hello from Claude!" {
		t.Errorf("Expected 'Hello from Claude!', got %s", content)
	}
	if usage == nil {
		t.Fatal("Expected a usage chunk")
	}
	if usage.PromptTokenCount != 12 {
		t.Errorf("Expected 12 prompt tokens, got %d", usage.PromptTokenCount)
	}
	if usage.TotalTokenCount != 42 {
		t.Errorf("Expected 42 total tokens, got %d", usage.TotalTokenCount)
	}
}

func TestStreamText_ErrorEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "event: content_block_delta\n")
		fmt.Fprint(w, `data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"<ht"}}`+"\n\n")
		fmt.Fprint(w, "event: error\n")
		fmt.Fprint(w, `data: {"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`+"\n\n")
	}))
	defer server.Close()

	p := New("test-key")
	p.baseURL = server.URL

	var content string
	var gotErr error
	for chunk, err := range p.StreamText(context.Background(), "m", "hi") {
		if err != nil {
			gotErr = err
			break
		}
		content += chunk.Text
	}
	if content != "<ht" {
		t.Errorf("Expected '<ht', got %s", content)
	}
	if gotErr == nil || !strings.Contains(gotErr.Error(), "Overloaded") {
		t.Errorf("Expected overloaded error, got %v", gotErr)
	}
}

func TestStreamText_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"type":"error"}`)
	}))
	defer server.Close()

	p := New("test-key")
	p.baseURL = server.URL

	var gotErr error
	for _, err := range p.StreamText(context.Background(), "m", "hi") {
		gotErr = err
	}
	if gotErr == nil || !strings.Contains(gotErr.Error(), "status 400") {
		t.Errorf("Expected status 400 error, got %v", gotErr)
	}
}

func TestSpec(t *testing.T) {
	s := Spec()
	if s.Name != "anthropic" {
		t.Errorf("Expected 'anthropic', got %s", s.Name)
	}
	if s.Image.Supported || s.Video.Supported {
		t.Error("anthropic should only support text")
	}
	if New("key").Name() != s.Name {
		t.Error("client name should match the catalogue name")
	}
}
