// Package chain provides the multi-chain EVM RPC client used by every
// component that needs to talk to a chain's node: head-block polling,
// streaming subscriptions, block/transaction fetches, balance reads, and
// withdrawal broadcast.
package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
)

// Client wraps an HTTP ethclient.Client plus an optional WebSocket one for
// streaming subscriptions, for a single configured chain.
type Client struct {
	rpcClient *ethclient.Client
	raw       *rpc.Client
	wsClient  *ethclient.Client
	chainID   *big.Int
	name      string
	logger    *zerolog.Logger
}

// NewClient dials both endpoints and verifies the reported chain ID matches
// what chains.json declares.
func NewClient(name, rpcURL, wsURL string, chainID int64, logger *zerolog.Logger) (*Client, error) {
	rpcClient, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint: %w", err)
	}

	var wsClient *ethclient.Client
	if wsURL != "" {
		wsClient, err = ethclient.Dial(wsURL)
		if err != nil {
			logger.Warn().
				Err(err).
				Str("ws_url", wsURL).
				Msg("failed to connect to WebSocket endpoint, will fall back to polling only")
		}
	}

	actualChainID, err := rpcClient.ChainID(context.Background())
	if err != nil {
		rpcClient.Close()
		if wsClient != nil {
			wsClient.Close()
		}
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	expectedChainID := big.NewInt(chainID)
	if actualChainID.Cmp(expectedChainID) != 0 {
		rpcClient.Close()
		if wsClient != nil {
			wsClient.Close()
		}
		return nil, fmt.Errorf("chain ID mismatch: expected %d, got %d", chainID, actualChainID)
	}

	logger.Info().
		Str("chain", name).
		Int64("chain_id", chainID).
		Bool("has_websocket", wsClient != nil).
		Msg("chain client initialized")

	return &Client{
		rpcClient: rpcClient,
		raw:       rpcClient.Client(),
		wsClient:  wsClient,
		chainID:   expectedChainID,
		name:      name,
		logger:    logger,
	}, nil
}

// Name returns the configured chain name (for logging/metrics labels).
func (c *Client) Name() string { return c.name }

// ChainID returns the verified chain ID.
func (c *Client) ChainID() *big.Int { return c.chainID }

// GetLatestBlockNumber returns the latest block number from the chain.
func (c *Client) GetLatestBlockNumber(ctx context.Context) (uint64, error) {
	blockNumber, err := c.rpcClient.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest block number: %w", err)
	}
	return blockNumber, nil
}

// BlockBody models the quirk some providers exhibit when asked for a full
// block: the transactions array is occasionally returned as bare hashes
// even though "full transactions" was requested. A HashesOnly body must be
// promoted via PromoteToFull before it can be matched against wallets.
type BlockBody interface {
	isBlockBody()
}

// HashesOnly is a block body where only transaction hashes were returned.
type HashesOnly []common.Hash

func (HashesOnly) isBlockBody() {}

// Full is a block body with complete transaction objects.
type Full []*types.Transaction

func (Full) isBlockBody() {}

// FetchedBlock is the result of FetchBlock: header fields needed for
// matching, plus a BlockBody that may still need promotion.
type FetchedBlock struct {
	Number    uint64
	Hash      common.Hash
	Timestamp uint64
	Body      BlockBody
}

type rpcBlockEnvelope struct {
	Number       *hexutil.Big    `json:"number"`
	Hash         common.Hash     `json:"hash"`
	Timestamp    hexutil.Uint64  `json:"timestamp"`
	Transactions json.RawMessage `json:"transactions"`
}

// FetchBlock issues a raw eth_getBlockByNumber call (full transactions
// requested) and decodes the transactions array defensively, since some
// providers hand back hashes instead of objects regardless of the flag.
func (c *Client) FetchBlock(ctx context.Context, blockNumber uint64) (*FetchedBlock, error) {
	var raw json.RawMessage
	if err := c.raw.CallContext(ctx, &raw, "eth_getBlockByNumber", hexutil.EncodeUint64(blockNumber), true); err != nil {
		return nil, fmt.Errorf("eth_getBlockByNumber %d: %w", blockNumber, err)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("eth_getBlockByNumber %d: block not found", blockNumber)
	}

	var env rpcBlockEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode block %d envelope: %w", blockNumber, err)
	}

	body, err := decodeBlockBody(env.Transactions)
	if err != nil {
		return nil, fmt.Errorf("decode block %d transactions: %w", blockNumber, err)
	}

	num := blockNumber
	if env.Number != nil {
		num = env.Number.ToInt().Uint64()
	}

	return &FetchedBlock{
		Number:    num,
		Hash:      env.Hash,
		Timestamp: uint64(env.Timestamp),
		Body:      body,
	}, nil
}

func decodeBlockBody(raw json.RawMessage) (BlockBody, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return Full{}, nil
	}

	var probe string
	if err := json.Unmarshal(items[0], &probe); err == nil {
		hashes := make([]common.Hash, len(items))
		for i, item := range items {
			var h common.Hash
			if err := json.Unmarshal(item, &h); err != nil {
				return nil, fmt.Errorf("decode hash at index %d: %w", i, err)
			}
			hashes[i] = h
		}
		return HashesOnly(hashes), nil
	}

	txs := make([]*types.Transaction, len(items))
	for i, item := range items {
		tx := new(types.Transaction)
		if err := tx.UnmarshalJSON(item); err != nil {
			return nil, fmt.Errorf("decode transaction at index %d: %w", i, err)
		}
		txs[i] = tx
	}
	return Full(txs), nil
}

// PromoteToFull resolves a HashesOnly body into Full by fetching each
// transaction individually. A Full body is returned unchanged. Each fetch
// runs the supplied acquire func first (typically rpcgate admission).
func (c *Client) PromoteToFull(ctx context.Context, body BlockBody, acquire func() (func(), error)) ([]*types.Transaction, error) {
	switch b := body.(type) {
	case Full:
		return b, nil
	case HashesOnly:
		txs := make([]*types.Transaction, 0, len(b))
		for _, h := range b {
			release, err := acquire()
			if err != nil {
				return nil, err
			}
			tx, _, err := c.rpcClient.TransactionByHash(ctx, h)
			release()
			if err != nil {
				return nil, fmt.Errorf("fetch promoted transaction %s: %w", h.Hex(), err)
			}
			txs = append(txs, tx)
		}
		return txs, nil
	default:
		return nil, fmt.Errorf("unknown block body type %T", body)
	}
}

// GetTransactionReceipt fetches a transaction receipt.
func (c *Client) GetTransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	receipt, err := c.rpcClient.TransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch receipt for tx %s: %w", txHash.Hex(), err)
	}
	return receipt, nil
}

// BalanceAt returns the latest native-asset balance for an address.
func (c *Client) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	bal, err := c.rpcClient.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch balance for %s: %w", addr.Hex(), err)
	}
	return bal, nil
}

// SuggestGasPrice proxies ethclient.SuggestGasPrice.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.rpcClient.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to suggest gas price: %w", err)
	}
	return price, nil
}

// EstimateGas proxies ethclient.EstimateGas.
func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	gas, err := c.rpcClient.EstimateGas(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("failed to estimate gas: %w", err)
	}
	return gas, nil
}

// PendingNonceAt proxies ethclient.PendingNonceAt.
func (c *Client) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	nonce, err := c.rpcClient.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch pending nonce for %s: %w", addr.Hex(), err)
	}
	return nonce, nil
}

// SendTransaction broadcasts a signed transaction.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := c.rpcClient.SendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("failed to send transaction %s: %w", tx.Hash().Hex(), err)
	}
	return nil
}

// SubscribeNewHead subscribes to new block headers via WebSocket. Returns
// an error if no WebSocket client is available; callers fall back to
// polling in that case.
func (c *Client) SubscribeNewHead(ctx context.Context) (chan *types.Header, ethereum.Subscription, error) {
	if c.wsClient == nil {
		return nil, nil, fmt.Errorf("websocket client not available")
	}

	headers := make(chan *types.Header)
	sub, err := c.wsClient.SubscribeNewHead(ctx, headers)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to subscribe to new heads: %w", err)
	}

	return headers, sub, nil
}

// HasStream reports whether a WebSocket endpoint is configured at all.
func (c *Client) HasStream() bool { return c.wsClient != nil }

// Close closes the client connections.
func (c *Client) Close() {
	c.rpcClient.Close()
	if c.wsClient != nil {
		c.wsClient.Close()
	}
	c.logger.Info().Str("chain", c.name).Msg("chain client closed")
}
