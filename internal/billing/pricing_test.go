package billing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.toml")
	content := `
[models."gemini-2.5-flash"]
input_per_token = 3e-7
output_per_token = 2.5e-6

[models.custom]
input_per_token = 0.01
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	src, err := LoadFile(path)
	require.NoError(t, err)

	p, ok, err := src.Lookup(context.Background(), "gemini-2.5-flash")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 3e-7, p.InputPerToken, 1e-15)
	assert.InDelta(t, 2.5e-6, p.OutputPerToken, 1e-15)

	p, ok, _ = src.Lookup(context.Background(), "custom")
	require.True(t, ok)
	assert.Zero(t, p.OutputPerToken)
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestRemoteSource(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"sample_spec": {"max_tokens": "set to max"},
			"gemini/gemini-2.5-pro": {"input_cost_per_token": 1.25e-6, "output_cost_per_token": 1e-5},
			"gpt-5-nano": {"input_cost_per_token": 5e-8, "output_cost_per_token": 4e-7}
		}`))
	}))
	defer server.Close()

	src := NewRemoteSource(server.URL, server.Client())

	p, ok, err := src.Lookup(context.Background(), "gpt-5-nano")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 5e-8, p.InputPerToken, 1e-18)

	p, ok, err = src.Lookup(context.Background(), "gemini-2.5-pro")
	require.NoError(t, err)
	require.True(t, ok, "provider-prefixed entries match the bare model name")
	assert.InDelta(t, 1e-5, p.OutputPerToken, 1e-15)

	_, ok, err = src.Lookup(context.Background(), "sample_spec")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, 1, hits, "document is fetched once")
}

func TestRemoteSource_RetriesAfterFailure(t *testing.T) {
	fail := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"m": {"input_cost_per_token": 1}}`))
	}))
	defer server.Close()

	src := NewRemoteSource(server.URL, nil)
	_, _, err := src.Lookup(context.Background(), "m")
	require.Error(t, err)

	fail = false
	p, ok, err := src.Lookup(context.Background(), "m")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1.0, p.InputPerToken)
}

type errSource struct{}

func (errSource) Lookup(context.Context, string) (Pricing, bool, error) {
	return Pricing{}, false, errors.New("offline")
}

func TestChain(t *testing.T) {
	override := StaticSource{"m": {InputPerToken: 2}}
	chain := Chain{override, errSource{}, Builtin()}

	p, ok, err := chain.Lookup(context.Background(), "m")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2.0, p.InputPerToken, "earlier sources win")

	_, ok, err = chain.Lookup(context.Background(), "gemini-2.5-pro")
	require.NoError(t, err, "a failing source does not hide later ones")
	assert.True(t, ok)

	_, ok, err = chain.Lookup(context.Background(), "unknown")
	assert.False(t, ok)
	assert.EqualError(t, err, "offline")
}
