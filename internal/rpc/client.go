package rpc

import (
	"context"
	"errors"
	"time"

	pkgconfig "github.com/blocklens/blocklens/pkg/config"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
)

// BitcoinClient is the call contract the indexer needs from a Bitcoin full
// node. Implementations must classify failures via *rpc.Error.
type BitcoinClient interface {
	GetBlockCount(ctx context.Context) (int64, error)
	GetBlockHash(ctx context.Context, height int64) (*chainhash.Hash, error)
	GetBlockVerboseTx(ctx context.Context, hash *chainhash.Hash) (*btcjson.GetBlockVerboseTxResult, error)
	GetRawTransactionVerbose(ctx context.Context, txid *chainhash.Hash) (*btcjson.TxRawResult, error)
}

// Compile-time check to ensure Client implements the BitcoinClient interface.
var _ BitcoinClient = (*Client)(nil)

// Client wraps the bitcoind JSON-RPC client with retry, error classification
// and per-method metrics.
type Client struct {
	btc   *rpcclient.Client
	retry *pkgconfig.RetryConfig
}

// NewClient creates a new RPC client connected to the given bitcoind node.
// The connection uses HTTP POST mode, which is what bitcoind speaks.
func NewClient(cfg pkgconfig.RPCConfig) (*Client, error) {
	btc, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.URL,
		User:         cfg.User,
		Pass:         cfg.Password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, err
	}

	return &Client{btc: btc, retry: cfg.Retry}, nil
}

// Close shuts down the underlying RPC client.
func (c *Client) Close() {
	c.btc.Shutdown()
}

// GetBlockCount returns the current best chain height.
func (c *Client) GetBlockCount(ctx context.Context) (int64, error) {
	var count int64
	err := c.do(ctx, "getblockcount", func() error {
		var err error
		count, err = c.btc.GetBlockCount()
		return err
	})
	return count, err
}

// GetBlockHash returns the block hash at the given height.
func (c *Client) GetBlockHash(ctx context.Context, height int64) (*chainhash.Hash, error) {
	var hash *chainhash.Hash
	err := c.do(ctx, "getblockhash", func() error {
		var err error
		hash, err = c.btc.GetBlockHash(height)
		return err
	})
	return hash, err
}

// GetBlockVerboseTx returns the block with fully decoded transactions
// (verbosity=2).
func (c *Client) GetBlockVerboseTx(ctx context.Context, hash *chainhash.Hash) (*btcjson.GetBlockVerboseTxResult, error) {
	var block *btcjson.GetBlockVerboseTxResult
	err := c.do(ctx, "getblock", func() error {
		var err error
		block, err = c.btc.GetBlockVerboseTx(hash)
		return err
	})
	return block, err
}

// GetRawTransactionVerbose returns the decoded transaction for the given txid.
// Requires txindex=1 on the node for transactions outside the UTXO set.
func (c *Client) GetRawTransactionVerbose(ctx context.Context, txid *chainhash.Hash) (*btcjson.TxRawResult, error) {
	var tx *btcjson.TxRawResult
	err := c.do(ctx, "getrawtransaction", func() error {
		var err error
		tx, err = c.btc.GetRawTransactionVerbose(txid)
		return err
	})
	return tx, err
}

// do executes one RPC method with retry, metrics and error classification.
func (c *Client) do(ctx context.Context, method string, fn func() error) error {
	RPCMethodInc(method)
	start := time.Now()

	err := retryWithBackoff(ctx, c.retry, method, func() error {
		return classifyError(method, fn())
	})

	RPCMethodDuration(method, time.Since(start))

	if err != nil {
		RPCMethodError(method, errorType(err))
		return err
	}
	return nil
}

func errorType(err error) string {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Kind.String()
	}
	return "unknown"
}
