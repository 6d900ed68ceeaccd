// Package chaintest provides an in-memory domain.ChainClient for tests.
package chaintest

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/alanyoungcy/kolcycle/internal/domain"
)

// Fake is an in-memory market factory. The zero value is not usable; call
// New.
type Fake struct {
	mu sync.Mutex

	// Markets maps entity id to deployed market address.
	Markets map[string]string
	// OpenPositions maps market address to its open token ids. ClosePosition
	// removes from it.
	OpenPositions map[string][]int64
	// Resets records the scores each market was last reset with.
	Resets map[string][]float64
	// Closed records every closed (market, token) pair in order.
	Closed []ClosedPosition
	// DeployCalls records every DeployMarket request that reached the fake.
	DeployCalls []domain.DeployRequest

	// DeployErrs is consumed one entry per DeployMarket call; a nil entry
	// lets the call succeed.
	DeployErrs []error
	// OmitEvent makes successful deployments return a receipt without a
	// market address.
	OmitEvent bool
	// DeployHook runs at the start of each DeployMarket call, outside the
	// fake's lock, so tests can block a deployment mid-flight.
	DeployHook func(entityID string)

	// PositionErrs makes GetOpenPositions fail for the given markets.
	PositionErrs map[string]error
	ResetErrs    map[string]error
	ExistsErr    error

	Fee         domain.FeeData
	GasEstimate uint64

	next int
}

// ClosedPosition is one recorded ClosePosition call.
type ClosedPosition struct {
	Market  string
	TokenID int64
}

// New returns an empty Fake with a 100 wei base fee and a 2 wei tip.
func New() *Fake {
	return &Fake{
		Markets:       make(map[string]string),
		OpenPositions: make(map[string][]int64),
		Resets:        make(map[string][]float64),
		PositionErrs:  make(map[string]error),
		ResetErrs:     make(map[string]error),
		Fee:           domain.FeeData{BaseFee: big.NewInt(100), SuggestedTip: big.NewInt(2)},
		GasEstimate:   100_000,
	}
}

// Address returns the deterministic address of the n-th deployed market.
func Address(n int) string {
	return fmt.Sprintf("0x%040x", n)
}

// MarketExists implements domain.ChainClient.
func (f *Fake) MarketExists(_ context.Context, entityID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ExistsErr != nil {
		return "", false, f.ExistsErr
	}
	addr, ok := f.Markets[entityID]
	return addr, ok, nil
}

// EstimateDeployGas implements domain.ChainClient.
func (f *Fake) EstimateDeployGas(context.Context, string, time.Duration) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.GasEstimate, nil
}

// FeeData implements domain.ChainClient.
func (f *Fake) FeeData(context.Context) (domain.FeeData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Fee, nil
}

// DeployMarket implements domain.ChainClient.
func (f *Fake) DeployMarket(_ context.Context, req domain.DeployRequest) (domain.DeployReceipt, error) {
	f.mu.Lock()
	hook := f.DeployHook
	f.mu.Unlock()
	if hook != nil {
		hook(req.EntityID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.DeployCalls = append(f.DeployCalls, req)
	if len(f.DeployErrs) > 0 {
		err := f.DeployErrs[0]
		f.DeployErrs = f.DeployErrs[1:]
		if err != nil {
			return domain.DeployReceipt{}, err
		}
	}

	f.next++
	addr := Address(f.next)
	f.Markets[req.EntityID] = addr
	rcpt := domain.DeployReceipt{
		TxHash:      fmt.Sprintf("0x%064x", f.next),
		BlockNumber: uint64(f.next),
		GasUsed:     req.GasLimit / 2,
	}
	if !f.OmitEvent {
		rcpt.MarketAddress = addr
	}
	return rcpt, nil
}

// GetOpenPositions implements domain.ChainClient.
func (f *Fake) GetOpenPositions(_ context.Context, market string) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.PositionErrs[market]; err != nil {
		return nil, err
	}
	return append([]int64(nil), f.OpenPositions[market]...), nil
}

// ClosePosition implements domain.ChainClient.
func (f *Fake) ClosePosition(_ context.Context, market string, tokenID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = append(f.Closed, ClosedPosition{Market: market, TokenID: tokenID})
	open := f.OpenPositions[market][:0:0]
	for _, id := range f.OpenPositions[market] {
		if id != tokenID {
			open = append(open, id)
		}
	}
	f.OpenPositions[market] = open
	return nil
}

// ResetMarket implements domain.ChainClient.
func (f *Fake) ResetMarket(_ context.Context, market string, scores []float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ResetErrs[market]; err != nil {
		return err
	}
	f.Resets[market] = append([]float64(nil), scores...)
	return nil
}

// SetOpenPositions replaces the open positions of a market.
func (f *Fake) SetOpenPositions(market string, ids ...int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.OpenPositions[market] = ids
}

// DeployCount returns how many DeployMarket calls reached the fake.
func (f *Fake) DeployCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.DeployCalls)
}

// Compile-time interface check.
var _ domain.ChainClient = (*Fake)(nil)
