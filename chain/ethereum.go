package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

const defaultCallTimeout = 10 * time.Second

// Client wraps an ethclient connection for a single chain.
type Client struct {
	client *ethclient.Client
	Opts   ClientOpts
	logger *slog.Logger
}

type ClientOpts struct {
	ChainID     string
	Endpoint    string
	CallTimeout time.Duration
	Logger      *slog.Logger
}

func NewClient(opts ClientOpts) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CallTimeout == 0 {
		opts.CallTimeout = defaultCallTimeout
	}

	client, err := ethclient.Dial(opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s rpc: %w", opts.ChainID, err)
	}

	return &Client{
		client: client,
		Opts:   opts,
		logger: opts.Logger,
	}, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.Opts.CallTimeout)
}

func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	receipt, err := c.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrReceiptNotFound
		}
		return nil, fmt.Errorf("failed to get receipt for %s: %w", hash.Hex(), err)
	}

	head, err := c.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get block number: %w", err)
	}

	confirmations := uint64(0)
	if receipt.BlockNumber != nil && head >= receipt.BlockNumber.Uint64() {
		confirmations = head - receipt.BlockNumber.Uint64() + 1
	}

	out := &Receipt{
		TxHash:        receipt.TxHash,
		Succeeded:     receipt.Status == 1,
		Confirmations: confirmations,
		GasUsed:       receipt.GasUsed,
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.EffectiveGasPrice != nil {
		out.EffectiveGasPrice = new(big.Int).Set(receipt.EffectiveGasPrice)
	}
	return out, nil
}

func (c *Client) NonceAt(ctx context.Context, wallet common.Address) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	nonce, err := c.client.NonceAt(ctx, wallet, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to get nonce for %s: %w", wallet.Hex(), err)
	}
	return nonce, nil
}

func (c *Client) PendingNonceAt(ctx context.Context, wallet common.Address) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	nonce, err := c.client.PendingNonceAt(ctx, wallet)
	if err != nil {
		return 0, fmt.Errorf("failed to get pending nonce for %s: %w", wallet.Hex(), err)
	}
	return nonce, nil
}

func (c *Client) SuggestUnitPrice(ctx context.Context) (*big.Int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	price, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}
	return price, nil
}

// Registry maps chain identifiers to connected clients. The set of chains is
// fixed at startup.
type Registry struct {
	clients map[string]*Client
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

func (r *Registry) Add(c *Client) {
	r.clients[c.Opts.ChainID] = c
}

func (r *Registry) Get(chainID string) (*Client, error) {
	c, ok := r.clients[chainID]
	if !ok {
		return nil, fmt.Errorf("unknown chain: %s", chainID)
	}
	return c, nil
}

// QuerierFor resolves a chain id to its query interface.
func (r *Registry) QuerierFor(chainID string) (Querier, error) {
	return r.Get(chainID)
}

// ChainIDs lists the registered chains.
func (r *Registry) ChainIDs() []string {
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	return ids
}
