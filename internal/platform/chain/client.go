// Package chain talks to the market factory contract and the markets it
// deploys over an Ethereum JSON-RPC endpoint.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/kolcycle/internal/crypto"
	"github.com/alanyoungcy/kolcycle/internal/domain"
)

const (
	// gasBufferPct is added on top of estimates for close and reset calls.
	gasBufferPct = 20
	scoreScale   = 1e6
)

// Backend is the subset of the RPC client the chain client uses.
// *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// Config holds the chain connection parameters.
type Config struct {
	RPCURL         string
	FactoryAddress string
	ReceiptTimeout time.Duration
	ReceiptPoll    time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReceiptTimeout <= 0 {
		c.ReceiptTimeout = 2 * time.Minute
	}
	if c.ReceiptPoll <= 0 {
		c.ReceiptPoll = 2 * time.Second
	}
	return c
}

// Client implements domain.ChainClient.
type Client struct {
	backend Backend
	signer  *crypto.TxSigner
	factory common.Address
	cfg     Config
	logger  *slog.Logger

	// sendMu serializes nonce selection, signing and broadcast.
	sendMu sync.Mutex
}

// Dial connects to cfg.RPCURL.
func Dial(ctx context.Context, cfg Config, signer *crypto.TxSigner, logger *slog.Logger) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", cfg.RPCURL, err)
	}
	return NewWithBackend(ec, cfg, signer, logger)
}

// NewWithBackend builds a Client over an existing backend.
func NewWithBackend(b Backend, cfg Config, signer *crypto.TxSigner, logger *slog.Logger) (*Client, error) {
	if !common.IsHexAddress(cfg.FactoryAddress) {
		return nil, fmt.Errorf("chain: invalid factory address %q", cfg.FactoryAddress)
	}
	if signer == nil {
		return nil, errors.New("chain: signer is required")
	}
	return &Client{
		backend: b,
		signer:  signer,
		factory: common.HexToAddress(cfg.FactoryAddress),
		cfg:     cfg.withDefaults(),
		logger:  logger.With(slog.String("component", "chain")),
	}, nil
}

// Close releases the RPC connection.
func (c *Client) Close() {
	c.backend.Close()
}

// MarketExists asks the factory for the entity's market.
func (c *Client) MarketExists(ctx context.Context, entityID string) (string, bool, error) {
	data, err := factoryABI.Pack("getMarket", entityID)
	if err != nil {
		return "", false, fmt.Errorf("chain: pack getMarket: %w", err)
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.factory, Data: data}, nil)
	if err != nil {
		return "", false, classify("getMarket "+entityID, err)
	}
	vals, err := factoryABI.Unpack("getMarket", out)
	if err != nil || len(vals) == 0 {
		return "", false, fmt.Errorf("chain: unpack getMarket: %w", err)
	}
	addr, ok := vals[0].(common.Address)
	if !ok {
		return "", false, fmt.Errorf("chain: getMarket returned %T", vals[0])
	}
	if addr == (common.Address{}) {
		return "", false, nil
	}
	return addr.Hex(), true, nil
}

func (c *Client) deployCalldata(entityID string, expiresIn time.Duration) ([]byte, error) {
	secs := int64(expiresIn / time.Second)
	if secs <= 0 {
		return nil, fmt.Errorf("chain: deployMarket %s: %w", entityID, domain.ErrCycleExpired)
	}
	data, err := factoryABI.Pack("deployMarket", entityID, big.NewInt(secs))
	if err != nil {
		return nil, fmt.Errorf("chain: pack deployMarket: %w", err)
	}
	return data, nil
}

// EstimateDeployGas returns the raw gas estimate for deploying the market.
func (c *Client) EstimateDeployGas(ctx context.Context, entityID string, expiresIn time.Duration) (uint64, error) {
	data, err := c.deployCalldata(entityID, expiresIn)
	if err != nil {
		return 0, err
	}
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.signer.Address(), To: &c.factory, Data: data})
	if err != nil {
		return 0, classify("estimate deployMarket "+entityID, err)
	}
	return gas, nil
}

// FeeData reads the latest base fee and the node's suggested tip.
func (c *Client) FeeData(ctx context.Context) (domain.FeeData, error) {
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return domain.FeeData{}, classify("latest header", err)
	}
	if head.BaseFee == nil {
		return domain.FeeData{}, errors.New("chain: latest header has no base fee")
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return domain.FeeData{}, classify("suggest tip", err)
	}
	return domain.FeeData{BaseFee: head.BaseFee, SuggestedTip: tip}, nil
}

// DeployMarket submits deployMarket with the priced parameters in req and
// waits for the receipt. The market address comes from the receipt's
// MarketDeployed event and is empty when the event is absent.
func (c *Client) DeployMarket(ctx context.Context, req domain.DeployRequest) (domain.DeployReceipt, error) {
	data, err := c.deployCalldata(req.EntityID, req.ExpiresIn)
	if err != nil {
		return domain.DeployReceipt{}, err
	}

	receipt, err := c.send(ctx, c.factory, data, req.GasLimit, req.MaxFeePerGas, req.MaxPriorityFeePerGas)
	if err != nil {
		return domain.DeployReceipt{}, err
	}

	out := domain.DeployReceipt{
		TxHash:  receipt.TxHash.Hex(),
		GasUsed: receipt.GasUsed,
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	out.MarketAddress = c.deployedMarket(receipt, req.EntityID)
	return out, nil
}

// deployedMarket finds the factory's MarketDeployed log for entityID.
func (c *Client) deployedMarket(receipt *types.Receipt, entityID string) string {
	ev := factoryABI.Events["MarketDeployed"]
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != c.factory || len(lg.Topics) < 2 || lg.Topics[0] != ev.ID {
			continue
		}
		vals, err := ev.Inputs.NonIndexed().Unpack(lg.Data)
		if err != nil || len(vals) == 0 {
			c.logger.Warn("undecodable MarketDeployed log", slog.String("tx", receipt.TxHash.Hex()))
			continue
		}
		if id, _ := vals[0].(string); id != entityID {
			continue
		}
		return common.BytesToAddress(lg.Topics[1].Bytes()).Hex()
	}
	return ""
}

// GetOpenPositions lists the market's open position token ids.
func (c *Client) GetOpenPositions(ctx context.Context, market string) ([]int64, error) {
	to, err := marketAddr(market)
	if err != nil {
		return nil, err
	}
	data, err := marketABI.Pack("getOpenPositions")
	if err != nil {
		return nil, fmt.Errorf("chain: pack getOpenPositions: %w", err)
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, classify("getOpenPositions "+market, err)
	}
	vals, err := marketABI.Unpack("getOpenPositions", out)
	if err != nil || len(vals) == 0 {
		return nil, fmt.Errorf("chain: unpack getOpenPositions: %w", err)
	}
	raw, ok := vals[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: getOpenPositions returned %T", vals[0])
	}
	ids := make([]int64, 0, len(raw))
	for _, v := range raw {
		ids = append(ids, v.Int64())
	}
	return ids, nil
}

// ClosePosition closes one position on the market.
func (c *Client) ClosePosition(ctx context.Context, market string, tokenID int64) error {
	to, err := marketAddr(market)
	if err != nil {
		return err
	}
	data, err := marketABI.Pack("closePosition", big.NewInt(tokenID))
	if err != nil {
		return fmt.Errorf("chain: pack closePosition: %w", err)
	}
	if err := c.transact(ctx, to, data); err != nil {
		return fmt.Errorf("chain: closePosition %s #%d: %w", market, tokenID, err)
	}
	return nil
}

// ResetMarket reinitializes the market for a new cycle. Scores are sent
// scaled by 1e6; negative scores are sent as zero.
func (c *Client) ResetMarket(ctx context.Context, market string, scores []float64) error {
	to, err := marketAddr(market)
	if err != nil {
		return err
	}
	scaled := make([]*big.Int, len(scores))
	for i, s := range scores {
		scaled[i] = big.NewInt(int64(math.Round(math.Max(s, 0) * scoreScale)))
	}
	data, err := marketABI.Pack("resetMarket", scaled)
	if err != nil {
		return fmt.Errorf("chain: pack resetMarket: %w", err)
	}
	if err := c.transact(ctx, to, data); err != nil {
		return fmt.Errorf("chain: resetMarket %s: %w", market, err)
	}
	return nil
}

// transact prices a call from the node's estimate and fee suggestion, then
// sends it.
func (c *Client) transact(ctx context.Context, to common.Address, data []byte) error {
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.signer.Address(), To: &to, Data: data})
	if err != nil {
		return classify("estimate gas", err)
	}
	gas = gas * (100 + gasBufferPct) / 100

	fees, err := c.FeeData(ctx)
	if err != nil {
		return err
	}
	_, err = c.send(ctx, to, data, gas, fees.SuggestedMaxFee(), fees.SuggestedTip)
	return err
}

func (c *Client) send(ctx context.Context, to common.Address, data []byte, gas uint64, maxFee, tip *big.Int) (*types.Receipt, error) {
	signed, err := c.signAndSend(ctx, to, data, gas, maxFee, tip)
	if err != nil {
		return nil, err
	}
	c.logger.Info("transaction sent",
		slog.String("tx", signed.Hash().Hex()),
		slog.String("to", to.Hex()),
		slog.Uint64("gas", gas),
	)

	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.ReceiptTimeout)
	defer cancel()

	receipt, err := c.waitForReceipt(waitCtx, signed.Hash())
	if err != nil {
		return nil, fmt.Errorf("chain: tx %s: %w: %w", signed.Hash().Hex(), domain.ErrTxUnconfirmed, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("chain: tx %s: %w", signed.Hash().Hex(), domain.ErrContractRevert)
	}
	return receipt, nil
}

func (c *Client) signAndSend(ctx context.Context, to common.Address, data []byte, gas uint64, maxFee, tip *big.Int) (*types.Transaction, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, c.signer.Address())
	if err != nil {
		return nil, classify("pending nonce", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.signer.ChainID(),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: maxFee,
		Gas:       gas,
		To:        &to,
		Value:     big.NewInt(0),
		Data:      data,
	})
	signed, err := c.signer.Sign(tx)
	if err != nil {
		return nil, fmt.Errorf("chain: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, classify("send tx", err)
	}
	return signed, nil
}

func (c *Client) waitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.cfg.ReceiptPoll)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			c.logger.Debug("receipt poll failed", slog.String("tx", hash.Hex()), slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func marketAddr(market string) (common.Address, error) {
	if !common.IsHexAddress(market) {
		return common.Address{}, fmt.Errorf("chain: invalid market address %q", market)
	}
	return common.HexToAddress(market), nil
}

// Compile-time interface check.
var _ domain.ChainClient = (*Client)(nil)
