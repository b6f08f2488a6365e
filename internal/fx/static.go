package fx

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// StaticProvider serves configured rates. Each quote is valid for validity from
// the moment it is served.
type StaticProvider struct {
	mu       sync.RWMutex
	rates    map[string]decimal.Decimal
	validity time.Duration
	now      func() time.Time
}

// NewStaticProvider builds a provider over a fixed rate table keyed "FROM:TO".
func NewStaticProvider(rates map[string]decimal.Decimal, validity time.Duration) *StaticProvider {
	table := make(map[string]decimal.Decimal, len(rates))
	for k, v := range rates {
		table[strings.ToUpper(k)] = v
	}
	return &StaticProvider{rates: table, validity: validity, now: func() time.Time { return time.Now().UTC() }}
}

// ParseRates parses "USD:IDR=15500,IDR:USD=0.0000645".
func ParseRates(raw string) (map[string]decimal.Decimal, error) {
	rates := make(map[string]decimal.Decimal)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		pair, value, ok := strings.Cut(part, "=")
		if !ok || !strings.Contains(pair, ":") {
			return nil, fmt.Errorf("invalid rate %q, want FROM:TO=VALUE", part)
		}
		d, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("invalid rate value %q: %w", value, err)
		}
		if d.Sign() <= 0 {
			return nil, fmt.Errorf("rate %q must be positive", part)
		}
		rates[strings.ToUpper(strings.TrimSpace(pair))] = d
	}
	return rates, nil
}

// Set replaces one rate.
func (p *StaticProvider) Set(from, to string, value decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rates[strings.ToUpper(from+":"+to)] = value
}

// CurrentRate returns the configured rate or ErrRateUnavailable.
func (p *StaticProvider) CurrentRate(_ context.Context, from, to string) (Rate, error) {
	p.mu.RLock()
	value, ok := p.rates[strings.ToUpper(from+":"+to)]
	p.mu.RUnlock()
	if !ok {
		return Rate{}, fmt.Errorf("%w: %s -> %s", ErrRateUnavailable, from, to)
	}
	now := p.now()
	return Rate{From: from, To: to, Value: value, ValidFrom: now, ValidUntil: now.Add(p.validity)}, nil
}
