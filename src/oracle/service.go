package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"exchange-core/src/config"
)

// Contract is the live state of one perpetual futures contract.
type Contract struct {
	Symbol                string
	SettleCurrency        string
	MarkPrice             decimal.Decimal
	IndexPrice            decimal.Decimal
	FundingRate           decimal.Decimal
	NextFundingTime       time.Time
	MaxLeverage           int
	MaintenanceMarginRate decimal.Decimal
	MakerFeeRate          decimal.Decimal
	TakerFeeRate          decimal.Decimal
	OpenInterest          decimal.Decimal
}

// FundingRecord is one settled funding interval.
type FundingRecord struct {
	Symbol    string
	Rate      decimal.Decimal
	MarkPrice decimal.Decimal
	SettledAt time.Time
}

// MarkListener receives mark-price ticks and funding settlements after the
// contract state commits. The position manager implements it.
type MarkListener interface {
	OnMarkPrice(symbol string, mark decimal.Decimal)
	OnFunding(symbol string, rate, mark decimal.Decimal)
}

// LastPriceFunc supplies the contract's own last trade price for premium
// computation; absent (nil or no trade) the premium is zero.
type LastPriceFunc func(symbol string) (decimal.Decimal, bool)

type contractState struct {
	cfg             config.ContractConfig
	premiumCap      decimal.Decimal
	fundingRateCap  decimal.Decimal
	maintenanceRate decimal.Decimal

	mu         sync.RWMutex
	contract   Contract
	history    []FundingRecord
	failStreak int
}

// Service periodically recomputes mark price, index price and funding rate
// per contract and notifies the listener.
type Service struct {
	contracts map[string]*contractState
	feed      PriceFeed
	lastPrice LastPriceFunc
	listener  MarkListener

	stop chan struct{}
	wg   sync.WaitGroup
}

const maxFundingHistory = 1000

func NewService(feed PriceFeed, contracts map[string]config.ContractConfig) *Service {
	s := &Service{
		contracts: make(map[string]*contractState),
		feed:      feed,
		stop:      make(chan struct{}),
	}
	for symbol, cc := range contracts {
		maintenance := decimal.NewFromFloat(cc.MaintenanceMarginRate)
		s.contracts[symbol] = &contractState{
			cfg:             cc,
			premiumCap:      decimal.NewFromFloat(cc.PremiumCap),
			fundingRateCap:  decimal.NewFromFloat(cc.FundingRateCap),
			maintenanceRate: maintenance,
			contract: Contract{
				Symbol:                symbol,
				SettleCurrency:        cc.SettleCurrency,
				MaxLeverage:           cc.MaxLeverage,
				MaintenanceMarginRate: maintenance,
				MakerFeeRate:          decimal.NewFromFloat(cc.MakerFeeRate),
				TakerFeeRate:          decimal.NewFromFloat(cc.TakerFeeRate),
				NextFundingTime:       time.Now().Add(cc.FundingInterval.Std()),
			},
		}
	}
	return s
}

func (s *Service) SetLastPriceFunc(fn LastPriceFunc) {
	s.lastPrice = fn
}

func (s *Service) SetListener(listener MarkListener) {
	s.listener = listener
}

// Start launches one refresh loop per contract.
func (s *Service) Start() {
	for symbol := range s.contracts {
		s.wg.Add(1)
		go s.run(symbol)
	}
}

func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
}

func (s *Service) run(symbol string) {
	defer s.wg.Done()

	state := s.contracts[symbol]
	ticker := time.NewTicker(state.cfg.MarkInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.RefreshMark(symbol)
			state.mu.RLock()
			due := !time.Now().Before(state.contract.NextFundingTime)
			state.mu.RUnlock()
			if due {
				s.SettleFunding(symbol)
			}
		}
	}
}

// RefreshMark fetches the index price with a bounded timeout, recomputes the
// mark price with the premium clamped to the cap, and notifies the listener.
// Feed failures fall back to the last known good index; two consecutive
// failures escalate to error level.
func (s *Service) RefreshMark(symbol string) {
	state, exists := s.contracts[symbol]
	if !exists {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), state.cfg.FeedTimeout.Std())
	index, err := s.feed.IndexPrice(ctx, symbol)
	cancel()

	state.mu.Lock()
	if err != nil {
		state.failStreak++
		index = state.contract.IndexPrice
		if state.failStreak >= 2 {
			log.Error().
				Err(err).
				Str("symbol", symbol).
				Int("consecutive_failures", state.failStreak).
				Msg("Price feed unavailable, using last known index")
		} else {
			log.Warn().
				Err(err).
				Str("symbol", symbol).
				Msg("Price feed fetch failed, using last known index")
		}
		if index.Sign() <= 0 {
			// no last known good yet, nothing to mark against
			state.mu.Unlock()
			return
		}
	} else {
		state.failStreak = 0
	}

	premium := decimal.Zero
	if s.lastPrice != nil {
		if last, ok := s.lastPrice(symbol); ok && index.Sign() > 0 {
			premium = clamp(last.Sub(index).Div(index), state.premiumCap)
		}
	}

	mark := index.Mul(decimal.NewFromInt(1).Add(premium))
	state.contract.IndexPrice = index
	state.contract.MarkPrice = mark
	state.mu.Unlock()

	if s.listener != nil {
		s.listener.OnMarkPrice(symbol, mark)
	}
}

// SettleFunding computes the funding rate for the elapsed interval, records
// it, schedules the next interval and notifies the listener so positions pay
// or receive.
func (s *Service) SettleFunding(symbol string) {
	state, exists := s.contracts[symbol]
	if !exists {
		return
	}

	state.mu.Lock()
	index := state.contract.IndexPrice
	mark := state.contract.MarkPrice
	if index.Sign() <= 0 || mark.Sign() <= 0 {
		// cannot settle before the first successful mark
		state.contract.NextFundingTime = time.Now().Add(state.cfg.FundingInterval.Std())
		state.mu.Unlock()
		log.Warn().
			Str("symbol", symbol).
			Msg("Funding skipped: no mark price yet, retrying next interval")
		return
	}

	rate := clamp(mark.Sub(index).Div(index), state.fundingRateCap)
	state.contract.FundingRate = rate
	state.contract.NextFundingTime = time.Now().Add(state.cfg.FundingInterval.Std())

	state.history = append(state.history, FundingRecord{
		Symbol:    symbol,
		Rate:      rate,
		MarkPrice: mark,
		SettledAt: time.Now(),
	})
	if len(state.history) > maxFundingHistory {
		state.history = state.history[len(state.history)-maxFundingHistory:]
	}
	state.mu.Unlock()

	log.Info().
		Str("symbol", symbol).
		Str("funding_rate", rate.String()).
		Str("mark_price", mark.String()).
		Msg("Funding settled")

	if s.listener != nil {
		s.listener.OnFunding(symbol, rate, mark)
	}
}

// Contract returns a snapshot of a contract's state.
func (s *Service) Contract(symbol string) (Contract, error) {
	state, exists := s.contracts[symbol]
	if !exists {
		return Contract{}, &UnknownContractError{Symbol: symbol}
	}
	state.mu.RLock()
	defer state.mu.RUnlock()
	return state.contract, nil
}

// Contracts returns snapshots of every configured contract.
func (s *Service) Contracts() []Contract {
	out := make([]Contract, 0, len(s.contracts))
	for _, state := range s.contracts {
		state.mu.RLock()
		out = append(out, state.contract)
		state.mu.RUnlock()
	}
	return out
}

// MarkPrice returns the current mark price for a contract.
func (s *Service) MarkPrice(symbol string) (decimal.Decimal, error) {
	contract, err := s.Contract(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if contract.MarkPrice.Sign() <= 0 {
		return decimal.Zero, &NoPriceError{Symbol: symbol}
	}
	return contract.MarkPrice, nil
}

// FundingHistory returns the latest funding records, newest first.
func (s *Service) FundingHistory(symbol string, limit int) ([]FundingRecord, error) {
	state, exists := s.contracts[symbol]
	if !exists {
		return nil, &UnknownContractError{Symbol: symbol}
	}

	state.mu.RLock()
	defer state.mu.RUnlock()

	if limit <= 0 || limit > len(state.history) {
		limit = len(state.history)
	}
	out := make([]FundingRecord, 0, limit)
	for i := len(state.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, state.history[i])
	}
	return out, nil
}

// AddOpenInterest adjusts a contract's open interest as positions open and
// close.
func (s *Service) AddOpenInterest(symbol string, delta decimal.Decimal) {
	state, exists := s.contracts[symbol]
	if !exists {
		return
	}
	state.mu.Lock()
	state.contract.OpenInterest = state.contract.OpenInterest.Add(delta)
	if state.contract.OpenInterest.Sign() < 0 {
		state.contract.OpenInterest = decimal.Zero
	}
	state.mu.Unlock()
}

type UnknownContractError struct {
	Symbol string
}

func (e *UnknownContractError) Error() string {
	return "unknown contract: " + e.Symbol
}

func clamp(value, bound decimal.Decimal) decimal.Decimal {
	if value.GreaterThan(bound) {
		return bound
	}
	if value.LessThan(bound.Neg()) {
		return bound.Neg()
	}
	return value
}
