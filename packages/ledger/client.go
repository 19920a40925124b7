// Package ledger wraps the node's JSON-RPC endpoint with the handful of calls
// the sweeper needs. Every call is bounded by a per-call timeout and, when
// configured, by a rate limit shared by all accounts.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
	"golang.org/x/time/rate"
)

const DefaultCallTimeout = 10 * time.Second

// ErrValueOverflow is returned when the node reports a value wider than 256 bits.
var ErrValueOverflow = errors.New("value overflows uint256")

type Config struct {
	URL string
	// ChainID is queried from the node when nil.
	ChainID     *big.Int
	CallTimeout time.Duration
	// RateLimit caps requests per second across every caller. Zero disables it.
	RateLimit float64
}

// Client is safe for concurrent use by any number of monitors.
type Client struct {
	eth       *ethclient.Client
	rpcClient *rpc.Client
	chainID   *big.Int
	timeout   time.Duration
	limiter   *rate.Limiter
}

// newHTTPClient keeps a warm connection pool; every monitor talks to the same host.
func newHTTPClient() *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DisableKeepAlives:   false,
	}
	return &http.Client{Transport: transport}
}

// Dial connects to cfg.URL (http, https, ws, wss or an IPC path).
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("rpc url is required")
	}
	rpcClient, err := rpc.DialOptions(ctx, cfg.URL, rpc.WithHTTPClient(newHTTPClient()))
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", cfg.URL, err)
	}
	c, err := NewClient(ctx, rpcClient, cfg)
	if err != nil {
		rpcClient.Close()
		return nil, err
	}
	return c, nil
}

// NewClient builds a Client on an established RPC connection and resolves the
// chain ID once.
func NewClient(ctx context.Context, rpcClient *rpc.Client, cfg Config) (*Client, error) {
	c := &Client{
		eth:       ethclient.NewClient(rpcClient),
		rpcClient: rpcClient,
		timeout:   cfg.CallTimeout,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultCallTimeout
	}
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	if cfg.ChainID != nil && cfg.ChainID.Sign() > 0 {
		c.chainID = new(big.Int).Set(cfg.ChainID)
		return c, nil
	}

	ctx, cancel, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	chainID, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query chain id: %w", err)
	}
	c.chainID = chainID
	return c, nil
}

// begin waits for the rate limiter and derives the per-call deadline.
func (c *Client) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, nil, err
		}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	return ctx, cancel, nil
}

// ChainID returns the chain ID resolved at construction.
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// Signer returns the EIP-155 aware signer for the chain.
func (c *Client) Signer() types.Signer {
	return types.LatestSignerForChainID(c.chainID)
}

// BalanceAt returns the latest balance of account.
func (c *Client) BalanceAt(ctx context.Context, account common.Address) (*uint256.Int, error) {
	ctx, cancel, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	balance, err := c.eth.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, err
	}
	return toUint256(balance)
}

// SuggestGasPrice returns the node's current legacy gas price.
func (c *Client) SuggestGasPrice(ctx context.Context) (*uint256.Int, error) {
	ctx, cancel, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	price, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	return toUint256(price)
}

// NonceAt returns the account nonce at the latest block, consistent with the
// balance read by BalanceAt.
func (c *Client) NonceAt(ctx context.Context, account common.Address) (uint64, error) {
	ctx, cancel, err := c.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()

	return c.eth.NonceAt(ctx, account, nil)
}

// EstimateGas returns the gas needed to execute msg.
func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	ctx, cancel, err := c.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()

	return c.eth.EstimateGas(ctx, msg)
}

// SendTransaction submits a signed transaction without waiting for inclusion.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	ctx, cancel, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	return c.eth.SendTransaction(ctx, tx)
}

// Close releases the underlying connection.
func (c *Client) Close() {
	c.rpcClient.Close()
}

func toUint256(v *big.Int) (*uint256.Int, error) {
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative value %s", v)
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("%w: %s", ErrValueOverflow, v)
	}
	return out, nil
}
