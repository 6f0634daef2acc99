package proxy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"iter"
	"net"
	"net/http"
	"net/url"
	"strconv"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/fauxweb/internal/billing"
	"github.com/vnmchuo/fauxweb/internal/cache"
	"github.com/vnmchuo/fauxweb/internal/fence"
	"github.com/vnmchuo/fauxweb/internal/pipeline"
	"github.com/vnmchuo/fauxweb/internal/prompt"
	"github.com/vnmchuo/fauxweb/internal/provider"
	"github.com/vnmchuo/fauxweb/internal/video"
	"github.com/vnmchuo/fauxweb/pkg/ratelimit"
)

// PlaceholderHeader marks responses that carry the fallback image instead of
// generated content.
const PlaceholderHeader = "X-Fauxweb-Placeholder"

// 1x1 transparent PNG.
var placeholderPNG, _ = base64.StdEncoding.DecodeString(
	"iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR4nGNgYAAAAAMAASsJTYQAAAAASUVORK5CYII=")

// Generator is the provider adapter surface the handlers use.
type Generator interface {
	StreamText(ctx context.Context, cfg provider.Config, prompt string) (iter.Seq2[provider.Chunk, error], error)
	GenerateImage(ctx context.Context, cfg provider.Config, prompt string) (*provider.Image, error)
}

type VideoGenerator interface {
	Generate(ctx context.Context, req video.Request) (*video.Result, error)
}

type Renderer interface {
	Render(name string, vars map[string]string) (string, error)
}

// Roles is the resolved backend per generation role.
type Roles struct {
	Text  provider.Config
	Image provider.Config
	Video provider.Config
}

// Deps are the services shared by every request. Limiter may be nil.
type Deps struct {
	Generator Generator
	Videos    VideoGenerator
	Prompts   Renderer
	Ledger    *billing.Ledger
	Cache     *cache.Cache
	Limiter   *ratelimit.Limiter
	Tracer    trace.Tracer
	Logger    *zap.Logger
	Roles     Roles
}

type Handler struct {
	gen     Generator
	videos  VideoGenerator
	prompts Renderer
	ledger  *billing.Ledger
	cache   *cache.Cache
	limiter *ratelimit.Limiter
	tracer  trace.Tracer
	logger  *zap.Logger
	roles   Roles
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		gen:     d.Generator,
		videos:  d.Videos,
		prompts: d.Prompts,
		ledger:  d.Ledger,
		cache:   d.Cache,
		limiter: d.Limiter,
		tracer:  d.Tracer,
		logger:  d.Logger,
		roles:   d.Roles,
	}
}

// errClientGone wraps write failures so they are not reported to the client.
type errClientGone struct{ err error }

func (e errClientGone) Error() string { return "client disconnected: " + e.err.Error() }
func (e errClientGone) Unwrap() error { return e.err }

// HandleHTML streams a generated page for ?url=&type=&headers=.
func (h *Handler) HandleHTML(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	requestURL := q.Get("url")
	if requestURL == "" {
		writeJSONError(w, http.StatusBadRequest, "missing url parameter")
		return
	}

	ctx, span, log := h.start(r, "proxy.html", requestURL, h.roles.Text)
	defer span.End()

	if !h.allow(ctx, w, r, "html") {
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	promptText, err := h.prompts.Render(prompt.HTML, map[string]string{
		"requestUrl":     requestURL,
		"requestType":    q.Get("type"),
		"requestHeaders": q.Get("headers"),
	})
	if err != nil {
		h.htmlError(w, span, log, requestURL, err, false)
		return
	}

	stream, err := h.gen.StreamText(ctx, h.roles.Text, promptText)
	if err != nil {
		h.htmlError(w, span, log, requestURL, err, false)
		return
	}

	acc := h.ledger.Account(ctx, h.roles.Text.Model, requestURL)
	extractor := fence.New("html")
	p := pipeline.New(
		[]pipeline.Observer[provider.Chunk]{h.debugChunk(log), acc.Observe},
		func(chunk provider.Chunk, emit func(string) error) error {
			var out []string
			if chunk.Done {
				out = extractor.Flush()
			} else {
				out = extractor.Write(chunk.Text)
			}
			for _, s := range out {
				if err := emit(s); err != nil {
					return err
				}
			}
			return nil
		},
		provider.EndOfStream,
	)

	flusher, _ := w.(http.Flusher)
	wrote := false
	write := func(s string) error {
		if _, err := w.Write([]byte(s)); err != nil {
			return errClientGone{err}
		}
		wrote = true
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}
	err = p.Run(ctx, stream, write)

	var gone errClientGone
	switch {
	case errors.As(err, &gone) || (err != nil && ctx.Err() != nil):
		log.Info("client went away mid-stream", zap.Error(err))
		span.SetStatus(codes.Error, "client disconnected")
	case err != nil:
		// Release the withheld tail so the error page follows whole markup.
		for _, piece := range extractor.Flush() {
			_ = write(piece)
		}
		h.htmlError(w, span, log, requestURL, err, wrote)
	default:
		log.Info("generated page")
	}
}

func (h *Handler) htmlError(w http.ResponseWriter, span trace.Span, log *zap.Logger, requestURL string, err error, streaming bool) {
	log.Error("failed to generate page", zap.Error(err))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if !streaming {
		w.WriteHeader(http.StatusBadGateway)
	}
	fmt.Fprintf(w, "<html><body><h1>Error</h1><p>Failed to generate content for %s</p><pre>%s</pre></body></html>",
		html.EscapeString(requestURL), html.EscapeString(err.Error()))
}

func (h *Handler) debugChunk(log *zap.Logger) pipeline.Observer[provider.Chunk] {
	return func(chunk provider.Chunk) error {
		if ce := log.Check(zap.DebugLevel, "processing chunk"); ce != nil {
			fields := []zap.Field{zap.String("text", chunk.Text), zap.Bool("done", chunk.Done)}
			if chunk.Usage != nil {
				fields = append(fields, zap.Any("usage", chunk.Usage))
			}
			ce.Write(fields...)
		}
		return nil
	}
}

// HandleImage returns a generated image for ?url= (description from
// ?description= or from the query of url itself). Failures answer with the
// placeholder PNG and status 200.
func (h *Handler) HandleImage(w http.ResponseWriter, r *http.Request) {
	requestURL := r.URL.Query().Get("url")
	if requestURL == "" {
		writeJSONError(w, http.StatusBadRequest, "missing url parameter")
		return
	}

	ctx, span, log := h.start(r, "proxy.image", requestURL, h.roles.Image)
	defer span.End()

	if !h.allow(ctx, w, r, "image") {
		return
	}

	description := param(r, requestURL, "description")
	if description == "" {
		description = requestURL
	}
	span.SetAttributes(attribute.String("description", description))

	img, err := h.generateImage(ctx, description)
	if err != nil {
		log.Error("failed to generate image", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		writePlaceholder(w)
		return
	}

	h.ledger.Record(ctx, h.roles.Image.Model, requestURL, img.Usage)
	_ = h.cache.Put(ctx, cache.Canonicalize(requestURL), img.Data, img.MIMEType)

	log.Info("generated image", zap.String("mimeType", img.MIMEType), zap.Int("size", len(img.Data)))
	writeBinary(w, img.MIMEType, img.Data)
}

func (h *Handler) generateImage(ctx context.Context, description string) (*provider.Image, error) {
	promptText, err := h.prompts.Render(prompt.Image, map[string]string{"description": description})
	if err != nil {
		return nil, err
	}
	img, err := h.gen.GenerateImage(ctx, h.roles.Image, promptText)
	if err != nil {
		return nil, err
	}
	if img.MIMEType == "" {
		img.MIMEType = "image/png"
	}
	return img, nil
}

// HandleVideo returns a generated clip for ?url=&description=&poster=. A
// poster reference is resolved against url and looked up in the cache.
func (h *Handler) HandleVideo(w http.ResponseWriter, r *http.Request) {
	requestURL := r.URL.Query().Get("url")
	if requestURL == "" {
		writeJSONError(w, http.StatusBadRequest, "missing url parameter")
		return
	}

	ctx, span, log := h.start(r, "proxy.video", requestURL, h.roles.Video)
	defer span.End()

	if !h.allow(ctx, w, r, "video") {
		return
	}

	description := param(r, requestURL, "description")
	if description == "" {
		description = requestURL
	}
	posterKey := posterKey(requestURL, param(r, requestURL, "poster"))
	span.SetAttributes(attribute.String("description", description), attribute.String("poster", posterKey))

	res, err := h.generateVideo(ctx, description, posterKey)
	if err != nil {
		log.Error("failed to generate video", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		writePlaceholder(w)
		return
	}

	h.ledger.Record(ctx, h.roles.Video.Model, requestURL, nil)

	log.Info("generated video",
		zap.String("job", res.JobID),
		zap.Bool("poster", res.PosterUsed),
		zap.Int("size", len(res.Data)),
	)
	writeBinary(w, res.MIMEType, res.Data)
}

func (h *Handler) generateVideo(ctx context.Context, description, posterKey string) (*video.Result, error) {
	promptText, err := h.prompts.Render(prompt.Video, map[string]string{"description": description})
	if err != nil {
		return nil, err
	}
	return h.videos.Generate(ctx, video.Request{
		Config:    h.roles.Video,
		Prompt:    promptText,
		PosterKey: posterKey,
	})
}

// HandleCost reports the session cost ledger.
func (h *Handler) HandleCost(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ledger.Snapshot())
}

// HandleCacheStats lists live cache entries.
func (h *Handler) HandleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.cache.Stats(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) HandleCacheClear(w http.ResponseWriter, r *http.Request) {
	n, err := h.cache.Clear(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func (h *Handler) start(r *http.Request, name, requestURL string, role provider.Config) (context.Context, trace.Span, *zap.Logger) {
	requestID := chimiddleware.GetReqID(r.Context())
	if requestID == "" {
		requestID = uuid.New().String()
	}

	ctx, span := h.tracer.Start(r.Context(), name)
	span.SetAttributes(
		attribute.String("request_id", requestID),
		attribute.String("url", requestURL),
		attribute.String("provider", role.Provider),
		attribute.String("model", role.Model),
	)

	log := h.logger.With(
		zap.String("requestId", requestID),
		zap.String("url", requestURL),
		zap.String("provider", role.Provider),
		zap.String("model", role.Model),
	)
	log.Info("generating " + name[len("proxy."):])
	return ctx, span, log
}

func (h *Handler) allow(ctx context.Context, w http.ResponseWriter, r *http.Request, kind string) bool {
	if h.limiter == nil {
		return true
	}
	allowed, err := h.limiter.Allow(ctx, clientID(r), kind)
	if err != nil {
		// Fail open: the limiter is optional infrastructure.
		h.logger.Warn("rate limiter unavailable", zap.Error(err))
		return true
	}
	if !allowed {
		w.Header().Set("Retry-After", "60")
		writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return false
	}
	return true
}

func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// param reads name from the proxy query, falling back to the query string of
// the proxied URL.
func param(r *http.Request, requestURL, name string) string {
	if v := r.URL.Query().Get(name); v != "" {
		return v
	}
	u, err := url.Parse(requestURL)
	if err != nil {
		return ""
	}
	return u.Query().Get(name)
}

// posterKey resolves a poster reference against the video URL and returns its
// canonical cache key.
func posterKey(requestURL, poster string) string {
	if poster == "" {
		return ""
	}
	base, err := url.Parse(requestURL)
	if err != nil {
		return cache.Canonicalize(poster)
	}
	ref, err := url.Parse(poster)
	if err != nil {
		return cache.Canonicalize(poster)
	}
	return cache.Canonicalize(base.ResolveReference(ref).String())
}

func writePlaceholder(w http.ResponseWriter) {
	w.Header().Set(PlaceholderHeader, "true")
	writeBinary(w, "image/png", placeholderPNG)
}

func writeBinary(w http.ResponseWriter, mimeType string, data []byte) {
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
