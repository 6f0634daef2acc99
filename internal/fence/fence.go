// Package fence extracts the body of a delimited code block from a stream of
// text fragments.
package fence

import (
	"iter"
	"strings"
)

// Delimiter is the marker used by models to open and close a code block.
const Delimiter = "```"

type state int

const (
	outside state = iota
	inside
)

// Extractor is a two-state machine (outside/inside a fence). It is not safe
// for concurrent use; create one per stream.
//
// While inside a fence the last len(close)-1 bytes are always withheld until
// the next fragment proves they do not start the closing delimiter.
type Extractor struct {
	open  string
	close string
	state state
	buf   string
}

// New returns an Extractor for blocks opened with "```"+blockType and closed
// with "```".
func New(blockType string) *Extractor {
	return NewWithDelimiters(Delimiter+blockType, Delimiter)
}

// NewWithDelimiters returns an Extractor for arbitrary open/close markers.
func NewWithDelimiters(open, close string) *Extractor {
	return &Extractor{open: open, close: close}
}

// Inside reports whether the extractor is currently inside a fence.
func (e *Extractor) Inside() bool {
	return e.state == inside
}

// Write consumes one fragment and returns the payload pieces that are now
// safe to emit, in order. Content outside any fence is dropped.
func (e *Extractor) Write(fragment string) []string {
	e.buf += fragment

	var out []string
	for {
		switch e.state {
		case outside:
			idx := strings.Index(e.buf, e.open)
			if idx == -1 {
				// Nothing before a partial opener can ever be emitted.
				if keep := len(e.open) - 1; len(e.buf) > keep {
					e.buf = e.buf[len(e.buf)-keep:]
				}
				return out
			}
			e.state = inside
			e.buf = e.buf[idx+len(e.open):]

		case inside:
			idx := strings.Index(e.buf, e.close)
			if idx != -1 {
				if idx > 0 {
					out = append(out, e.buf[:idx])
				}
				e.state = outside
				e.buf = e.buf[idx+len(e.close):]
				continue
			}
			holdback := len(e.close) - 1
			if len(e.buf) > holdback {
				out = append(out, e.buf[:len(e.buf)-holdback])
				e.buf = e.buf[len(e.buf)-holdback:]
			}
			return out
		}
	}
}

// Flush ends the stream. If a fence is still open, the withheld remainder is
// returned as a final piece.
func (e *Extractor) Flush() []string {
	defer func() {
		e.state = outside
		e.buf = ""
	}()
	if e.state == inside && e.buf != "" {
		return []string{e.buf}
	}
	return nil
}

// Extract adapts an Extractor to a lazy sequence of fragments.
func Extract(blockType string, fragments iter.Seq[string]) iter.Seq[string] {
	return func(yield func(string) bool) {
		e := New(blockType)
		for fragment := range fragments {
			for _, piece := range e.Write(fragment) {
				if !yield(piece) {
					return
				}
			}
		}
		for _, piece := range e.Flush() {
			if !yield(piece) {
				return
			}
		}
	}
}
