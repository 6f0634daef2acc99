package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/vnmchuo/fauxweb/internal/provider"
)

// ErrPricingUnavailable is logged, never returned to callers: generation
// proceeds at zero cost.
var ErrPricingUnavailable = errors.New("pricing unavailable")

const lookupTimeout = 15 * time.Second

// Entry is the priced record of one completed generation.
type Entry struct {
	URL              string  `json:"url"`
	Model            string  `json:"model"`
	PromptTokenCount int     `json:"promptTokenCount"`
	OutputTokenCount int     `json:"outputTokenCount"`
	TotalTokenCount  int     `json:"totalTokenCount"`
	Cost             float64 `json:"cost"`
}

// Summary is the /cost view of the ledger.
type Summary struct {
	Total    float64 `json:"total"`
	Requests []Entry `json:"requests"`
}

// Ledger is the process-wide cost accounting. Entries are append-only and
// Total always equals the sum of their costs.
type Ledger struct {
	source Source
	logger *zap.Logger

	mu      sync.Mutex
	entries []Entry
	total   float64

	priceMu sync.RWMutex
	prices  map[string]Pricing
	group   singleflight.Group
}

func NewLedger(source Source, logger *zap.Logger) *Ledger {
	return &Ledger{
		source: source,
		logger: logger,
		prices: make(map[string]Pricing),
	}
}

// PriceModel resolves and memoizes the per-token rates for model. Unknown
// models yield zero rates for the rest of the process; a failed lookup yields
// zero rates for this call only and is retried next time.
func (l *Ledger) PriceModel(ctx context.Context, model string) Pricing {
	l.priceMu.RLock()
	p, ok := l.prices[model]
	l.priceMu.RUnlock()
	if ok {
		return p
	}

	// Waiters share this call, so it must not die with the first caller.
	lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
	defer cancel()

	v, _, _ := l.group.Do(model, func() (interface{}, error) {
		l.priceMu.RLock()
		p, ok := l.prices[model]
		l.priceMu.RUnlock()
		if ok {
			return p, nil
		}

		p, known, err := l.lookup(lookupCtx, model)
		if err != nil {
			l.logger.Warn("pricing lookup failed, using zero cost for this request",
				zap.String("model", model), zap.Error(err))
			return p, nil
		}
		if !known {
			l.logger.Warn("no pricing for model, using zero cost", zap.String("model", model))
		}

		l.priceMu.Lock()
		l.prices[model] = p
		l.priceMu.Unlock()
		return p, nil
	})
	return v.(Pricing)
}

// lookup reports whether model has a price. An error means the answer is not
// known yet.
func (l *Ledger) lookup(ctx context.Context, model string) (Pricing, bool, error) {
	if l.source == nil {
		return Pricing{}, false, nil
	}
	p, ok, err := l.source.Lookup(ctx, model)
	if err != nil {
		return Pricing{}, false, fmt.Errorf("%w: %v", ErrPricingUnavailable, err)
	}
	return p, ok, nil
}

// Account starts a single-use accumulator for one request. Pricing is
// resolved up front so the terminal chunk never waits on the network.
func (l *Ledger) Account(ctx context.Context, model, url string) *Accumulator {
	return &Accumulator{
		ledger:  l,
		model:   model,
		url:     url,
		pricing: l.PriceModel(ctx, model),
	}
}

// Record prices a non-streamed generation in one step.
func (l *Ledger) Record(ctx context.Context, model, url string, usage *provider.Usage) Entry {
	acc := l.Account(ctx, model, url)
	_ = acc.Observe(provider.Chunk{Usage: usage})
	_ = acc.Observe(provider.EndOfStream)
	e, _ := acc.Entry()
	return e
}

func (l *Ledger) append(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	l.total += e.Cost
}

// Snapshot returns a copy of the ledger.
func (l *Ledger) Snapshot() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()
	requests := make([]Entry, len(l.entries))
	copy(requests, l.entries)
	return Summary{Total: l.total, Requests: requests}
}

func (l *Ledger) Total() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// Accumulator collects usage for one request and commits an Entry when it
// sees the end-of-stream marker. It is used as a pipeline observer.
type Accumulator struct {
	ledger  *Ledger
	model   string
	url     string
	pricing Pricing

	promptTokens int
	totalTokens  int
	entry        *Entry
}

// Observe applies one chunk. Usage fields are last-write-wins and zero values
// never overwrite a previous count.
func (a *Accumulator) Observe(chunk provider.Chunk) error {
	if a.entry != nil {
		return nil
	}
	if chunk.Done {
		output := a.totalTokens - a.promptTokens
		e := Entry{
			URL:              a.url,
			Model:            a.model,
			PromptTokenCount: a.promptTokens,
			OutputTokenCount: output,
			TotalTokenCount:  a.totalTokens,
			Cost:             float64(a.promptTokens)*a.pricing.InputPerToken + float64(output)*a.pricing.OutputPerToken,
		}
		a.entry = &e
		a.ledger.append(e)
		a.ledger.logger.Info("request cost",
			zap.String("url", e.URL),
			zap.String("model", e.Model),
			zap.Int("promptTokens", e.PromptTokenCount),
			zap.Int("totalTokens", e.TotalTokenCount),
			zap.Float64("cost", e.Cost),
		)
		return nil
	}
	if chunk.Usage != nil {
		if chunk.Usage.PromptTokenCount != 0 {
			a.promptTokens = chunk.Usage.PromptTokenCount
		}
		if chunk.Usage.TotalTokenCount != 0 {
			a.totalTokens = chunk.Usage.TotalTokenCount
		}
	}
	return nil
}

// Entry returns the committed entry, if the end marker has been observed.
func (a *Accumulator) Entry() (Entry, bool) {
	if a.entry == nil {
		return Entry{}, false
	}
	return *a.entry, true
}
