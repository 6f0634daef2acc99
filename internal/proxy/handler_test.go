package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	extratelimit "github.com/vnmchuo/ratelimiter"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/vnmchuo/fauxweb/internal/billing"
	"github.com/vnmchuo/fauxweb/internal/cache"
	"github.com/vnmchuo/fauxweb/internal/prompt"
	"github.com/vnmchuo/fauxweb/internal/provider"
	"github.com/vnmchuo/fauxweb/internal/video"
	"github.com/vnmchuo/fauxweb/pkg/ratelimit"
)

// Mock Generator
type mockGenerator struct {
	chunks    []provider.Chunk
	streamErr error
	openErr   error
	image     *provider.Image
	imageErr  error
	prompts   []string
}

func (m *mockGenerator) StreamText(ctx context.Context, cfg provider.Config, p string) (iter.Seq2[provider.Chunk, error], error) {
	m.prompts = append(m.prompts, p)
	if m.openErr != nil {
		return nil, m.openErr
	}
	return func(yield func(provider.Chunk, error) bool) {
		for _, c := range m.chunks {
			if !yield(c, nil) {
				return
			}
		}
		if m.streamErr != nil {
			yield(provider.Chunk{}, m.streamErr)
		}
	}, nil
}

func (m *mockGenerator) GenerateImage(ctx context.Context, cfg provider.Config, p string) (*provider.Image, error) {
	m.prompts = append(m.prompts, p)
	return m.image, m.imageErr
}

// Mock Video Controller
type mockVideos struct {
	result *video.Result
	err    error
	req    video.Request
}

func (m *mockVideos) Generate(ctx context.Context, req video.Request) (*video.Result, error) {
	m.req = req
	return m.result, m.err
}

// Mock Limiter Store
type mockLimiterStore struct {
	allowed bool
	err     error
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

type testEnv struct {
	handler *Handler
	gen     *mockGenerator
	videos  *mockVideos
	ledger  *billing.Ledger
	cache   *cache.Cache
}

// Test Suite
func setupTest(limiterAllowed bool) *testEnv {
	gen := &mockGenerator{}
	videos := &mockVideos{}
	ledger := billing.NewLedger(billing.StaticSource{
		"text-model":  {InputPerToken: 0.001, OutputPerToken: 0.002},
		"image-model": {InputPerToken: 0.0001, OutputPerToken: 0.0002},
	}, zap.NewNop())
	c := cache.New(cache.NewMemoryStore(cache.DefaultTTL), zap.NewNop())
	limiter := ratelimit.NewTestLimiter(&mockLimiterStore{allowed: limiterAllowed})
	tracer := noop.NewTracerProvider().Tracer("test")

	h := NewHandler(Deps{
		Generator: gen,
		Videos:    videos,
		Prompts:   prompt.NewStore(""),
		Ledger:    ledger,
		Cache:     c,
		Limiter:   limiter,
		Tracer:    tracer,
		Logger:    zap.NewNop(),
		Roles: Roles{
			Text:  provider.Config{Provider: "google", Model: "text-model"},
			Image: provider.Config{Provider: "google", Model: "image-model"},
			Video: provider.Config{Provider: "google", Model: "video-model"},
		},
	})
	return &testEnv{handler: h, gen: gen, videos: videos, ledger: ledger, cache: c}
}

func TestHandleHTML_MissingURL(t *testing.T) {
	env := setupTest(true)
	req := httptest.NewRequest("GET", "/html", nil)
	w := httptest.NewRecorder()

	env.handler.HandleHTML(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandleHTML_RateLimited(t *testing.T) {
	env := setupTest(false)
	req := httptest.NewRequest("GET", "/html?url=http://example.com/", nil)
	w := httptest.NewRecorder()

	env.handler.HandleHTML(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", w.Code)
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] != "rate limit exceeded" {
		t.Errorf("Expected rate limit exceeded error, got %v", resp["error"])
	}
	if len(env.gen.prompts) != 0 {
		t.Errorf("Expected no generation, got %d", len(env.gen.prompts))
	}
}

func TestHandleHTML_StreamsFencedBodyAndRecordsCost(t *testing.T) {
	env := setupTest(true)
	env.gen.chunks = []provider.Chunk{
		{Text: "Sure!\n```ht"},
		{Text: "ml\n<html><bo"},
		{Text: "dy>hi</body></html>\n``"},
		{Text: "`\ntrailing chatter"},
		{Usage: &provider.Usage{PromptTokenCount: 100, TotalTokenCount: 150}},
	}

	q := url.Values{}
	q.Set("url", "http://example.com/about")
	q.Set("type", "navigation")
	q.Set("headers", `{"accept":"text/html"}`)
	req := httptest.NewRequest("GET", "/html?"+q.Encode(), nil)
	w := httptest.NewRecorder()

	env.handler.HandleHTML(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if got := w.Body.String(); got != "\n<html><body>hi</body></html>\n" {
		t.Errorf("Expected fenced body only, got %q", got)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Expected text/html content type, got %s", ct)
	}

	if len(env.gen.prompts) != 1 || !strings.Contains(env.gen.prompts[0], "http://example.com/about") {
		t.Errorf("Expected prompt to carry the request URL, got %v", env.gen.prompts)
	}

	summary := env.ledger.Snapshot()
	if len(summary.Requests) != 1 {
		t.Fatalf("Expected 1 ledger entry, got %d", len(summary.Requests))
	}
	// 100 * 0.001 + 50 * 0.002
	if diff := summary.Total - 0.2; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Expected cost 0.2, got %f", summary.Total)
	}
}

func TestHandleHTML_OpenErrorWritesErrorPage(t *testing.T) {
	env := setupTest(true)
	env.gen.openErr = &provider.UnsupportedError{Provider: "cohere", Role: provider.RoleText}
	req := httptest.NewRequest("GET", "/html?url=http://example.com/", nil)
	w := httptest.NewRecorder()

	env.handler.HandleHTML(w, req)

	if w.Code != http.StatusBadGateway {
		t.Errorf("Expected 502, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "<h1>Error</h1>") || !strings.Contains(body, "cohere") {
		t.Errorf("Expected error page naming the provider, got %q", body)
	}
	if len(env.ledger.Snapshot().Requests) != 0 {
		t.Errorf("Expected no ledger entry")
	}
}

func TestHandleHTML_MidStreamErrorAppendsErrorPage(t *testing.T) {
	env := setupTest(true)
	env.gen.chunks = []provider.Chunk{{Text: "```html\n<p>partial</p>\n"}}
	env.gen.streamErr = errors.New("upstream reset")
	req := httptest.NewRequest("GET", "/html?url=http://example.com/", nil)
	w := httptest.NewRecorder()

	env.handler.HandleHTML(w, req)

	body := w.Body.String()
	if !strings.HasPrefix(body, "\n<p>partial</p>\n<html><body><h1>Error</h1>") {
		t.Errorf("Expected the whole partial content followed by the error page, got %q", body)
	}
	if !strings.Contains(body, "upstream reset") {
		t.Errorf("Expected error message in body, got %q", body)
	}
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 once streaming started, got %d", w.Code)
	}
	if len(env.ledger.Snapshot().Requests) != 0 {
		t.Errorf("Expected no ledger entry for a failed stream")
	}
}

func TestHandleImage_GeneratesCachesAndBills(t *testing.T) {
	env := setupTest(true)
	env.gen.image = &provider.Image{
		MIMEType: "image/jpeg",
		Data:     []byte("jpeg-bytes"),
		Usage:    &provider.Usage{PromptTokenCount: 20, TotalTokenCount: 60},
	}

	req := httptest.NewRequest("GET", "/image?url=http://site/x.png&description=red+ball", nil)
	w := httptest.NewRecorder()

	env.handler.HandleImage(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if w.Header().Get("Content-Type") != "image/jpeg" {
		t.Errorf("Expected image/jpeg, got %s", w.Header().Get("Content-Type"))
	}
	if !bytes.Equal(w.Body.Bytes(), []byte("jpeg-bytes")) {
		t.Errorf("Expected image bytes, got %q", w.Body.String())
	}
	if !strings.Contains(env.gen.prompts[0], "red ball") {
		t.Errorf("Expected description in prompt, got %q", env.gen.prompts[0])
	}

	entry, ok := env.cache.Get(context.Background(), cache.Canonicalize("http://site/x.png"))
	if !ok || entry.MIMEType != "image/jpeg" {
		t.Errorf("Expected cached image, got ok=%v mime=%s", ok, entry.MIMEType)
	}

	// 20 * 0.0001 + 40 * 0.0002
	if diff := env.ledger.Total() - 0.01; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Expected cost 0.01, got %f", env.ledger.Total())
	}
}

func TestHandleImage_DescriptionFromInnerURL(t *testing.T) {
	env := setupTest(true)
	env.gen.image = &provider.Image{Data: []byte("png")}

	q := url.Values{}
	q.Set("url", "http://site/cat.png?description=a+sleeping+cat")
	req := httptest.NewRequest("GET", "/image?"+q.Encode(), nil)
	w := httptest.NewRecorder()

	env.handler.HandleImage(w, req)

	if !strings.Contains(env.gen.prompts[0], "a sleeping cat") {
		t.Errorf("Expected inner description in prompt, got %q", env.gen.prompts[0])
	}
	if w.Header().Get("Content-Type") != "image/png" {
		t.Errorf("Expected default image/png, got %s", w.Header().Get("Content-Type"))
	}
}

func TestHandleImage_FailureServesPlaceholder(t *testing.T) {
	env := setupTest(true)
	env.gen.imageErr = provider.ErrNoImageData

	req := httptest.NewRequest("GET", "/image?url=http://site/x.png", nil)
	w := httptest.NewRecorder()

	env.handler.HandleImage(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if !bytes.Equal(w.Body.Bytes(), placeholderPNG) {
		t.Errorf("Expected placeholder PNG")
	}
	if w.Header().Get(PlaceholderHeader) != "true" {
		t.Errorf("Expected placeholder header")
	}
	if st, _ := env.cache.Stats(context.Background()); st.TotalEntries != 0 {
		t.Errorf("Expected nothing cached, got %d", st.TotalEntries)
	}
}

func TestHandleVideo_ResolvesPosterAndRecordsZeroCost(t *testing.T) {
	env := setupTest(true)
	env.videos.result = &video.Result{JobID: "op-1", Data: []byte("mp4"), MIMEType: "video/mp4", PosterUsed: true}

	q := url.Values{}
	q.Set("url", "http://site/media/intro.mp4?description=waves&poster=/img/poster.png")
	req := httptest.NewRequest("GET", "/video?"+q.Encode(), nil)
	w := httptest.NewRecorder()

	env.handler.HandleVideo(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if w.Header().Get("Content-Type") != "video/mp4" {
		t.Errorf("Expected video/mp4, got %s", w.Header().Get("Content-Type"))
	}
	if want := cache.Canonicalize("http://site/img/poster.png"); env.videos.req.PosterKey != want {
		t.Errorf("Expected poster key %s, got %s", want, env.videos.req.PosterKey)
	}
	if !strings.Contains(env.videos.req.Prompt, "waves") {
		t.Errorf("Expected description in prompt, got %q", env.videos.req.Prompt)
	}
	if env.videos.req.Config.Model != "video-model" {
		t.Errorf("Expected video role config, got %+v", env.videos.req.Config)
	}

	summary := env.ledger.Snapshot()
	if len(summary.Requests) != 1 || summary.Requests[0].Cost != 0 {
		t.Errorf("Expected one zero-cost entry, got %+v", summary.Requests)
	}
}

func TestHandleVideo_FailureServesTypedPlaceholder(t *testing.T) {
	env := setupTest(true)
	env.videos.err = &video.Error{Stage: video.StagePoll, JobID: "op-1", Err: video.ErrMaxWaitExceeded}

	req := httptest.NewRequest("GET", "/video?url=http://site/a.mp4", nil)
	w := httptest.NewRecorder()

	env.handler.HandleVideo(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if w.Header().Get("Content-Type") != "image/png" {
		t.Errorf("Expected image/png, got %s", w.Header().Get("Content-Type"))
	}
	if w.Header().Get(PlaceholderHeader) != "true" {
		t.Errorf("Expected placeholder header")
	}
	if env.videos.req.PosterKey != "" {
		t.Errorf("Expected no poster key, got %s", env.videos.req.PosterKey)
	}
}

func TestHandleCost_ReportsLedger(t *testing.T) {
	env := setupTest(true)
	env.ledger.Record(context.Background(), "text-model", "http://a/", &provider.Usage{PromptTokenCount: 10, TotalTokenCount: 10})

	req := httptest.NewRequest("GET", "/cost", nil)
	w := httptest.NewRecorder()

	env.handler.HandleCost(w, req)

	var resp billing.Summary
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp.Requests) != 1 || resp.Requests[0].URL != "http://a/" {
		t.Errorf("Expected one entry for http://a/, got %+v", resp.Requests)
	}
}

func TestHandleCache_StatsAndClear(t *testing.T) {
	env := setupTest(true)
	ctx := context.Background()
	_ = env.cache.Put(ctx, "http://a/1.png", []byte("1"), "image/png")
	_ = env.cache.Put(ctx, "http://a/2.png", []byte("22"), "image/png")

	w := httptest.NewRecorder()
	env.handler.HandleCacheStats(w, httptest.NewRequest("GET", "/cache", nil))

	var stats cache.Stats
	json.Unmarshal(w.Body.Bytes(), &stats)
	if stats.TotalEntries != 2 {
		t.Errorf("Expected 2 entries, got %d", stats.TotalEntries)
	}

	w = httptest.NewRecorder()
	env.handler.HandleCacheClear(w, httptest.NewRequest("DELETE", "/cache", nil))

	var cleared map[string]int
	json.Unmarshal(w.Body.Bytes(), &cleared)
	if cleared["cleared"] != 2 {
		t.Errorf("Expected 2 cleared, got %d", cleared["cleared"])
	}
}

func TestPosterKey(t *testing.T) {
	tests := []struct {
		name       string
		requestURL string
		poster     string
		want       string
	}{
		{"empty", "http://site/a.mp4", "", ""},
		{"relative", "http://site/media/a.mp4", "thumb.png", cache.Canonicalize("http://site/media/thumb.png")},
		{"rooted", "http://site/media/a.mp4", "/img/p.png", cache.Canonicalize("http://site/img/p.png")},
		{"absolute", "http://site/a.mp4", "http://cdn/p.png", cache.Canonicalize("http://cdn/p.png")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := posterKey(tt.requestURL, tt.poster); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}
