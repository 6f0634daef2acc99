// Package pipeline drives a chunk stream through a list of observers and a
// transforming stage.
//
//	in ──▶ observer[0] ──▶ … ──▶ observer[n] ──▶ transform ──▶ sink
//
// Every chunk reaches every observer, in list order, before the transform
// sees it. Once the input is exhausted a terminal chunk is delivered to the
// observers and the transform exactly once, even when the input was empty.
package pipeline

import (
	"context"
	"iter"
)

// Observer inspects a chunk for side effects (logging, accounting). A
// returned error aborts the pipeline.
type Observer[T any] func(chunk T) error

// Transform turns one chunk into zero or more outputs, handing each to emit.
// It must propagate errors returned by emit.
type Transform[T, U any] func(chunk T, emit func(U) error) error

// Pipeline is safe to reuse across runs only if its observers and transform
// are; in practice one is built per request.
type Pipeline[T, U any] struct {
	observers []Observer[T]
	transform Transform[T, U]
	terminal  T
}

// New builds a Pipeline. terminal is the synthetic end-of-stream chunk.
func New[T, U any](observers []Observer[T], transform Transform[T, U], terminal T) *Pipeline[T, U] {
	return &Pipeline[T, U]{
		observers: observers,
		transform: transform,
		terminal:  terminal,
	}
}

// Run consumes in until it is exhausted, the context is cancelled, the
// source reports an error, or an observer/transform/sink fails. The first
// error stops the run and is returned; the terminal chunk is only delivered
// after a clean end of input.
func (p *Pipeline[T, U]) Run(ctx context.Context, in iter.Seq2[T, error], sink func(U) error) error {
	for chunk, err := range in {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.step(chunk, sink); err != nil {
			return err
		}
	}
	return p.step(p.terminal, sink)
}

func (p *Pipeline[T, U]) step(chunk T, sink func(U) error) error {
	for _, observe := range p.observers {
		if err := observe(chunk); err != nil {
			return err
		}
	}
	return p.transform(chunk, sink)
}

// Collect runs the pipeline and gathers every output. Intended for callers
// that need a buffered result rather than a stream.
func (p *Pipeline[T, U]) Collect(ctx context.Context, in iter.Seq2[T, error]) ([]U, error) {
	var out []U
	err := p.Run(ctx, in, func(u U) error {
		out = append(out, u)
		return nil
	})
	return out, err
}
