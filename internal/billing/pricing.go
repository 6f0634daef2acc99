package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

// Pricing holds per-token rates in USD.
type Pricing struct {
	InputPerToken  float64 `json:"inputPerToken" toml:"input_per_token"`
	OutputPerToken float64 `json:"outputPerToken" toml:"output_per_token"`
}

// Source looks up the rates for a model. ok is false when the source does not
// know the model.
type Source interface {
	Lookup(ctx context.Context, model string) (p Pricing, ok bool, err error)
}

// StaticSource is an in-memory price table.
type StaticSource map[string]Pricing

func (s StaticSource) Lookup(_ context.Context, model string) (Pricing, bool, error) {
	p, ok := s[model]
	return p, ok, nil
}

// Builtin returns the rates shipped with the binary.
func Builtin() StaticSource {
	return StaticSource{
		"gemini-flash-lite-latest":       {InputPerToken: 0.0000001, OutputPerToken: 0.0000004},
		"gemini-flash-latest":            {InputPerToken: 0.0000003, OutputPerToken: 0.0000025},
		"gemini-2.5-flash":               {InputPerToken: 0.0000003, OutputPerToken: 0.0000025},
		"gemini-2.5-pro":                 {InputPerToken: 0.00000125, OutputPerToken: 0.00001},
		"gemini-3-flash-preview":         {InputPerToken: 0.0000005, OutputPerToken: 0.000003},
		"gemini-3-pro-preview":           {InputPerToken: 0.000002, OutputPerToken: 0.000012},
		"gemini-2.5-flash-image-preview": {InputPerToken: 0.0000003, OutputPerToken: 0.00003},
		"gpt-5-nano":                     {InputPerToken: 0.00000005, OutputPerToken: 0.0000004},
		"claude-3-7-sonnet-latest":       {InputPerToken: 0.000003, OutputPerToken: 0.000015},
		"claude-sonnet-4-0":              {InputPerToken: 0.000003, OutputPerToken: 0.000015},
		"llama-3.3-70b-versatile":        {InputPerToken: 0.00000059, OutputPerToken: 0.00000079},
	}
}

type pricingFile struct {
	Models map[string]Pricing `toml:"models"`
}

// LoadFile reads a TOML price table of the form
//
//	[models."gemini-2.5-flash"]
//	input_per_token = 3e-7
//	output_per_token = 2.5e-6
func LoadFile(path string) (StaticSource, error) {
	var f pricingFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("error loading pricing file %s: %w", path, err)
	}
	return StaticSource(f.Models), nil
}

// RemoteSource reads a LiteLLM-style price document
// ({"model": {"input_cost_per_token": ..., "output_cost_per_token": ...}}).
// The document is fetched once; a failed fetch is retried on the next lookup.
type RemoteSource struct {
	url    string
	client *http.Client

	mu    sync.Mutex
	table map[string]Pricing
}

func NewRemoteSource(url string, client *http.Client) *RemoteSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &RemoteSource{url: url, client: client}
}

type remotePrice struct {
	InputCostPerToken  *float64 `json:"input_cost_per_token"`
	OutputCostPerToken *float64 `json:"output_cost_per_token"`
}

func (s *RemoteSource) Lookup(ctx context.Context, model string) (Pricing, bool, error) {
	table, err := s.load(ctx)
	if err != nil {
		return Pricing{}, false, err
	}
	if p, ok := table[model]; ok {
		return p, true, nil
	}
	// LiteLLM prefixes some entries with the provider, e.g. "gemini/gemini-2.5-pro".
	for name, p := range table {
		if strings.HasSuffix(name, "/"+model) {
			return p, true, nil
		}
	}
	return Pricing{}, false, nil
}

func (s *RemoteSource) load(ctx context.Context) (map[string]Pricing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.table != nil {
		return s.table, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching pricing: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching pricing: status %d", resp.StatusCode)
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding pricing: %w", err)
	}

	table := make(map[string]Pricing, len(raw))
	for name, msg := range raw {
		var rp remotePrice
		// Some entries (e.g. "sample_spec") are not price objects.
		if err := json.Unmarshal(msg, &rp); err != nil {
			continue
		}
		if rp.InputCostPerToken == nil && rp.OutputCostPerToken == nil {
			continue
		}
		var p Pricing
		if rp.InputCostPerToken != nil {
			p.InputPerToken = *rp.InputCostPerToken
		}
		if rp.OutputCostPerToken != nil {
			p.OutputPerToken = *rp.OutputCostPerToken
		}
		table[name] = p
	}
	s.table = table
	return table, nil
}

// Chain consults sources in order; the first one that knows the model wins.
// Errors from one source do not hide later sources.
type Chain []Source

func (c Chain) Lookup(ctx context.Context, model string) (Pricing, bool, error) {
	var firstErr error
	for _, s := range c {
		p, ok, err := s.Lookup(ctx, model)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			return p, true, nil
		}
	}
	return Pricing{}, false, firstErr
}
