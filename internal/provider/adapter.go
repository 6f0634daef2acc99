package provider

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Adapter exposes the backend-independent generation contract. Backend
// clients are built lazily per (provider, API key) and each provider gets a
// circuit breaker.
type Adapter struct {
	registry *Registry
	logger   *zap.Logger

	mu       sync.Mutex
	clients  map[string]Backend
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewAdapter(registry *Registry, logger *zap.Logger) *Adapter {
	return &Adapter{
		registry: registry,
		logger:   logger,
		clients:  make(map[string]Backend),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Registry returns the catalogue the adapter dispatches over.
func (a *Adapter) Registry() *Registry {
	return a.registry
}

func (a *Adapter) backend(ctx context.Context, role Role, cfg Config) (Backend, *gobreaker.CircuitBreaker, error) {
	if err := a.registry.Validate(role, cfg); err != nil {
		return nil, nil, err
	}
	spec, _ := a.registry.Lookup(cfg.Provider)

	a.mu.Lock()
	defer a.mu.Unlock()

	key := spec.Name + "\x00" + cfg.APIKey
	b, ok := a.clients[key]
	if !ok {
		var err error
		b, err = spec.New(ctx, cfg.APIKey)
		if err != nil {
			return nil, nil, fmt.Errorf("creating %s client: %w", spec.Name, err)
		}
		a.clients[key] = b
	}

	cb, ok := a.breakers[spec.Name]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        spec.Name,
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			IsSuccessful: isSuccessful,
			OnStateChange: func(name string, from, to gobreaker.State) {
				a.logger.Warn("provider circuit breaker state changed",
					zap.String("provider", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		})
		a.breakers[spec.Name] = cb
	}
	return b, cb, nil
}

// StreamText validates cfg and returns the lazy chunk sequence. An
// unsupported provider fails here, before any network call.
func (a *Adapter) StreamText(ctx context.Context, cfg Config, prompt string) (iter.Seq2[Chunk, error], error) {
	b, cb, err := a.backend(ctx, RoleText, cfg)
	if err != nil {
		return nil, err
	}
	ts, ok := b.(TextStreamer)
	if !ok {
		return nil, &UnsupportedError{Provider: cfg.Provider, Role: RoleText}
	}
	if cb.State() == gobreaker.StateOpen {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, b.Name())
	}

	stream := ts.StreamText(ctx, cfg.Model, prompt)
	return func(yield func(Chunk, error) bool) {
		for chunk, err := range stream {
			if err != nil {
				record(cb, err)
				yield(Chunk{}, err)
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
		record(cb, nil)
	}, nil
}

// GenerateImage performs one non-streaming image generation.
func (a *Adapter) GenerateImage(ctx context.Context, cfg Config, prompt string) (*Image, error) {
	b, cb, err := a.backend(ctx, RoleImage, cfg)
	if err != nil {
		return nil, err
	}
	ig, ok := b.(ImageGenerator)
	if !ok {
		return nil, &UnsupportedError{Provider: cfg.Provider, Role: RoleImage}
	}
	return execute(cb, func() (*Image, error) {
		return ig.GenerateImage(ctx, cfg.Model, prompt)
	})
}

// Video returns the video backend for cfg wrapped in its circuit breaker.
func (a *Adapter) Video(ctx context.Context, cfg Config) (VideoGenerator, error) {
	b, cb, err := a.backend(ctx, RoleVideo, cfg)
	if err != nil {
		return nil, err
	}
	vg, ok := b.(VideoGenerator)
	if !ok {
		return nil, &UnsupportedError{Provider: cfg.Provider, Role: RoleVideo}
	}
	return &guardedVideo{next: vg, cb: cb}, nil
}

type guardedVideo struct {
	next VideoGenerator
	cb   *gobreaker.CircuitBreaker
}

func (g *guardedVideo) Name() string { return g.next.Name() }

func (g *guardedVideo) SubmitVideo(ctx context.Context, model, prompt string, conditioning *Image) (*VideoJob, error) {
	return execute(g.cb, func() (*VideoJob, error) {
		return g.next.SubmitVideo(ctx, model, prompt, conditioning)
	})
}

func (g *guardedVideo) PollVideo(ctx context.Context, job *VideoJob) (*VideoJob, error) {
	return execute(g.cb, func() (*VideoJob, error) {
		return g.next.PollVideo(ctx, job)
	})
}

func (g *guardedVideo) DownloadVideo(ctx context.Context, job *VideoJob) ([]byte, string, error) {
	type download struct {
		data     []byte
		mimeType string
	}
	d, err := execute(g.cb, func() (*download, error) {
		data, mimeType, err := g.next.DownloadVideo(ctx, job)
		if err != nil {
			return nil, err
		}
		return &download{data: data, mimeType: mimeType}, nil
	})
	if err != nil {
		return nil, "", err
	}
	return d.data, d.mimeType, nil
}

func execute[T any](cb *gobreaker.CircuitBreaker, fn func() (*T, error)) (*T, error) {
	result, err := cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, cb.Name())
		}
		return nil, err
	}
	return result.(*T), nil
}

// isSuccessful keeps abandoned requests from counting against a provider.
func isSuccessful(err error) bool {
	return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func record(cb *gobreaker.CircuitBreaker, err error) {
	_, _ = cb.Execute(func() (interface{}, error) {
		return nil, err
	})
}
