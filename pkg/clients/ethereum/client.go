// Package ethereum is a small JSON-RPC client for the handful of calls the ledger makes against
// the configured chain. Every call walks a prioritized endpoint list and only moves to the next
// endpoint when the current one fails at the transport level.
package ethereum

import (
	"context"
	"math"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Layr-Labs/xp-ledger/internal/config"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	RPCMethod_GetTransactionReceipt = "eth_getTransactionReceipt"
	RPCMethod_Call                  = "eth_call"
	RPCMethod_ChainId               = "eth_chainId"
)

const erc721BalanceOfAbi = `[{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`

var (
	// ErrNoEndpoints is returned when the client was built without any endpoint.
	ErrNoEndpoints = errors.New("no ethereum rpc endpoints configured")

	// ErrAllEndpointsFailed wraps the last transport error once every endpoint has been tried.
	ErrAllEndpointsFailed = errors.New("all ethereum rpc endpoints failed")
)

type EthereumClientConfig struct {
	// BaseUrls in priority order.
	BaseUrls []string
	// RequestTimeout bounds a single request against a single endpoint. Zero means only the
	// caller's context applies.
	RequestTimeout time.Duration
}

func DefaultEthereumClientConfig() *EthereumClientConfig {
	return &EthereumClientConfig{
		BaseUrls:       []string{},
		RequestTimeout: 10 * time.Second,
	}
}

func ConvertGlobalConfigToEthereumConfig(cfg *config.EthereumRpcConfig) *EthereumClientConfig {
	c := DefaultEthereumClientConfig()
	c.BaseUrls = append(c.BaseUrls, cfg.Urls...)
	if cfg.RequestTimeout > 0 {
		c.RequestTimeout = cfg.RequestTimeout
	}
	return c
}

// EthereumTransactionReceipt holds the receipt fields the ledger cares about.
type EthereumTransactionReceipt struct {
	TransactionHash common.Hash     `json:"transactionHash"`
	BlockNumber     *hexutil.Big    `json:"blockNumber"`
	From            common.Address  `json:"from"`
	To              *common.Address `json:"to"`
	Status          hexutil.Uint64  `json:"status"`
}

// IsSuccess reports whether the receipt carries the success status flag.
func (r *EthereumTransactionReceipt) IsSuccess() bool {
	return uint64(r.Status) == 1
}

// GetBlockNumber returns the block the transaction was included in, or 0 if unknown.
func (r *EthereumTransactionReceipt) GetBlockNumber() uint64 {
	if r.BlockNumber == nil {
		return 0
	}
	return r.BlockNumber.ToInt().Uint64()
}

type Client struct {
	config     *EthereumClientConfig
	httpClient *http.Client
	Logger     *zap.Logger

	erc721Abi abi.ABI

	mu         sync.Mutex
	rpcClients map[string]*rpc.Client
}

func NewClient(cfg *EthereumClientConfig, l *zap.Logger) *Client {
	parsed, err := abi.JSON(strings.NewReader(erc721BalanceOfAbi))
	if err != nil {
		// the ABI is a constant; failing to parse it is a programming error
		panic(err)
	}
	l.Sugar().Infow("Creating ethereum client", zap.Strings("urls", cfg.BaseUrls))
	return &Client{
		config:     cfg,
		httpClient: http.DefaultClient,
		Logger:     l,
		erc721Abi:  parsed,
		rpcClients: make(map[string]*rpc.Client),
	}
}

// SetHttpClient replaces the transport used for every endpoint. Cached connections are dropped.
func (c *Client) SetHttpClient(client *http.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.httpClient = client
	for url, rc := range c.rpcClients {
		rc.Close()
		delete(c.rpcClients, url)
	}
}

func (c *Client) getRpcClient(ctx context.Context, url string) (*rpc.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rc, ok := c.rpcClients[url]; ok {
		return rc, nil
	}
	rc, err := rpc.DialOptions(ctx, url, rpc.WithHTTPClient(c.httpClient))
	if err != nil {
		return nil, err
	}
	c.rpcClients[url] = rc
	return rc, nil
}

// isBusinessError reports whether the node answered with a JSON-RPC error object. Those are
// deterministic for a given request, so trying another endpoint will not help.
func isBusinessError(err error) bool {
	var rpcErr rpc.Error
	return errors.As(err, &rpcErr)
}

// IsTransientError reports whether err came from the transport (every endpoint failed, or a
// request timed out) rather than from the node rejecting the request.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrAllEndpointsFailed) || errors.Is(err, context.DeadlineExceeded)
}

func (c *Client) call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	if len(c.config.BaseUrls) == 0 {
		return ErrNoEndpoints
	}

	var lastErr error
	for i, url := range c.config.BaseUrls {
		rc, err := c.getRpcClient(ctx, url)
		if err != nil {
			c.Logger.Sugar().Warnw("Failed to dial ethereum endpoint",
				zap.Int("endpoint", i),
				zap.Error(err),
			)
			lastErr = err
			continue
		}

		callCtx := ctx
		cancel := func() {}
		if c.config.RequestTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		}
		err = rc.CallContext(callCtx, result, method, args...)
		cancel()

		if err == nil {
			if i > 0 {
				c.Logger.Sugar().Debugw("Ethereum call succeeded on fallback endpoint",
					zap.String("method", method),
					zap.Int("endpoint", i),
				)
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Wrapf(ctxErr, "%s aborted", method)
		}
		if isBusinessError(err) {
			return errors.Wrapf(err, "%s rejected by node", method)
		}
		c.Logger.Sugar().Warnw("Ethereum endpoint failed, trying next",
			zap.String("method", method),
			zap.Int("endpoint", i),
			zap.Error(err),
		)
		lastErr = err
	}
	return errors.Wrapf(ErrAllEndpointsFailed, "%s: %v", method, lastErr)
}

// GetTransactionReceipt returns the receipt for txHash, or nil when the node does not know
// the transaction yet (not mined, or not propagated).
func (c *Client) GetTransactionReceipt(ctx context.Context, txHash string) (*EthereumTransactionReceipt, error) {
	var receipt *EthereumTransactionReceipt
	if err := c.call(ctx, &receipt, RPCMethod_GetTransactionReceipt, common.HexToHash(txHash)); err != nil {
		return nil, err
	}
	return receipt, nil
}

// GetNftBalance calls balanceOf(owner) on an ERC-721 contract at the latest block.
func (c *Client) GetNftBalance(ctx context.Context, contractAddress string, owner string) (uint64, error) {
	data, err := c.erc721Abi.Pack("balanceOf", common.HexToAddress(owner))
	if err != nil {
		return 0, errors.Wrap(err, "failed to pack balanceOf")
	}
	to := common.HexToAddress(contractAddress)
	msg := map[string]interface{}{
		"to":   to,
		"data": hexutil.Bytes(data),
	}

	var out hexutil.Bytes
	if err := c.call(ctx, &out, RPCMethod_Call, msg, "latest"); err != nil {
		return 0, err
	}

	values, err := c.erc721Abi.Unpack("balanceOf", out)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to unpack balanceOf from %s", contractAddress)
	}
	if len(values) != 1 {
		return 0, errors.Errorf("unexpected balanceOf output length %d", len(values))
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return 0, errors.Errorf("unexpected balanceOf output type %T", values[0])
	}
	if !balance.IsUint64() {
		return math.MaxUint64, nil
	}
	return balance.Uint64(), nil
}

func (c *Client) ChainId(ctx context.Context) (uint64, error) {
	var id hexutil.Big
	if err := c.call(ctx, &id, RPCMethod_ChainId); err != nil {
		return 0, err
	}
	return id.ToInt().Uint64(), nil
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for url, rc := range c.rpcClients {
		rc.Close()
		delete(c.rpcClients, url)
	}
}
