package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/shopspring/decimal"
)

// PriceFeed is the oracle contract: every index price the system consumes
// comes through here. There are no ad hoc conversion factors anywhere else.
type PriceFeed interface {
	IndexPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// SimFeed is a settable in-memory feed for tests and local runs.
type SimFeed struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
	err    error
}

func NewSimFeed() *SimFeed {
	return &SimFeed{prices: make(map[string]decimal.Decimal)}
}

func (f *SimFeed) SetPrice(symbol string, price decimal.Decimal) {
	f.mu.Lock()
	f.prices[symbol] = price
	f.mu.Unlock()
}

// Fail makes every subsequent IndexPrice call return err until cleared.
func (f *SimFeed) Fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *SimFeed) IndexPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.err != nil {
		return decimal.Zero, f.err
	}
	price, exists := f.prices[symbol]
	if !exists {
		return decimal.Zero, &NoPriceError{Symbol: symbol}
	}
	return price, nil
}

// HTTPFeed pulls index prices from an external aggregator. The endpoint is
// GET {baseURL}/{symbol} returning {"symbol": "...", "price": "..."}.
type HTTPFeed struct {
	baseURL string
	client  *http.Client
}

func NewHTTPFeed(baseURL string, client *http.Client) *HTTPFeed {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFeed{baseURL: baseURL, client: client}
}

func (f *HTTPFeed) IndexPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/"+symbol, nil)
	if err != nil {
		return decimal.Zero, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("index feed returned status %d for %s", resp.StatusCode, symbol)
	}

	var payload struct {
		Price string `json:"price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return decimal.Zero, fmt.Errorf("decode index feed response for %s: %w", symbol, err)
	}

	price, err := decimal.NewFromString(payload.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("index feed price for %s: %w", symbol, err)
	}
	if price.Sign() <= 0 {
		return decimal.Zero, &NoPriceError{Symbol: symbol}
	}
	return price, nil
}

type NoPriceError struct {
	Symbol string
}

func (e *NoPriceError) Error() string {
	return "no index price for symbol: " + e.Symbol
}
