package domain

import (
	"context"
	"math/big"
	"time"
)

// FeeData is the network's current EIP-1559 fee picture.
type FeeData struct {
	BaseFee      *big.Int
	SuggestedTip *big.Int
}

// SuggestedMaxFee is the conventional max fee: twice the base fee plus the tip.
func (f FeeData) SuggestedMaxFee() *big.Int {
	out := new(big.Int).Mul(f.BaseFee, big.NewInt(2))
	return out.Add(out, f.SuggestedTip)
}

// DeployRequest carries the priced parameters of a market deployment.
type DeployRequest struct {
	EntityID             string
	ExpiresIn            time.Duration
	GasLimit             uint64
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// DeployReceipt is the confirmed outcome of a deployment transaction.
// MarketAddress is empty when the receipt carried no MarketDeployed event.
type DeployReceipt struct {
	TxHash        string
	BlockNumber   uint64
	GasUsed       uint64
	MarketAddress string
}

// ChainClient is the on-chain market factory and its markets. Network
// failures wrap ErrTransient and reverts wrap ErrContractRevert.
type ChainClient interface {
	// MarketExists returns the entity's market address, if one is deployed.
	MarketExists(ctx context.Context, entityID string) (string, bool, error)
	EstimateDeployGas(ctx context.Context, entityID string, expiresIn time.Duration) (uint64, error)
	FeeData(ctx context.Context) (FeeData, error)
	// DeployMarket submits the deployment and waits for its receipt.
	DeployMarket(ctx context.Context, req DeployRequest) (DeployReceipt, error)
	GetOpenPositions(ctx context.Context, market string) ([]int64, error)
	ClosePosition(ctx context.Context, market string, tokenID int64) error
	ResetMarket(ctx context.Context, market string, scores []float64) error
}

// RankingFeed is the external source of KOL rankings.
type RankingFeed interface {
	FetchSnapshot(ctx context.Context) (Snapshot, error)
	FetchEntity(ctx context.Context, id string) (RankedEntity, error)
}
