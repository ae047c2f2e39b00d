package bitcoin

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"

	"github.com/bitsentry/poolwatch/pkg/circuit"
	"github.com/bitsentry/poolwatch/pkg/errors"
	"github.com/bitsentry/poolwatch/pkg/retry"
)

// RPCClient is a thin wrapper over Bitcoin Core's JSON-RPC API carrying
// only the chain-tip queries the confirmation watcher needs. Calls run
// behind a circuit breaker with network retries.
type RPCClient struct {
	client         *rpcclient.Client
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewRPCClient creates an RPC client for a local Bitcoin Core node. HTTP
// POST mode with TLS disabled matches a default bitcoind deployment.
func NewRPCClient(host string, port int, username, password string) (*RPCClient, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         fmt.Sprintf("%s:%d", host, port),
		User:         username,
		Pass:         password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, "rpc_client_creation",
			"failed to create Bitcoin RPC client").
			WithContext("host", host).
			WithContext("port", port)
	}

	cbConfig := &circuit.Config{
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         10 * time.Second,
		ResetTimeout:    30 * time.Second,
	}

	return &RPCClient{
		client:         client,
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.NetworkConfig(),
	}, nil
}

// Close shuts down the RPC client and releases its resources.
func (c *RPCClient) Close() {
	c.client.Shutdown()
}

// GetBlockCount returns the node's current chain height.
func (c *RPCClient) GetBlockCount(ctx context.Context) (int64, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (int64, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (int64, error) {
			count, err := c.client.GetBlockCountAsync().Receive()
			if err != nil {
				return 0, errors.Wrap(err, errors.ErrorTypeBitcoin, "get_block_count",
					"failed to retrieve current block height")
			}
			return count, nil
		})
	})
}

// GetBlockHash returns the hash of the block at the given height.
func (c *RPCClient) GetBlockHash(ctx context.Context, height int64) (*chainhash.Hash, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (*chainhash.Hash, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (*chainhash.Hash, error) {
			hash, err := c.client.GetBlockHashAsync(height).Receive()
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, "get_block_hash",
					"failed to retrieve block hash").
					WithContext("height", height)
			}
			return hash, nil
		})
	})
}

// GetBlockHeader fetches the header for the given block hash. The watcher
// matches header PrevBlock values against stored work to flag
// notifications whose parent made it into the chain.
func (c *RPCClient) GetBlockHeader(ctx context.Context, hash *chainhash.Hash) (*wire.BlockHeader, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (*wire.BlockHeader, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (*wire.BlockHeader, error) {
			header, err := c.client.GetBlockHeaderAsync(hash).Receive()
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, "get_block_header",
					"failed to retrieve block header").
					WithContext("hash", hash.String())
			}
			return header, nil
		})
	})
}

// Ping verifies connectivity to the node.
func (c *RPCClient) Ping(ctx context.Context) error {
	return c.circuitBreaker.Execute(ctx, func() error {
		if err := c.client.PingAsync().Receive(); err != nil {
			return errors.Wrap(err, errors.ErrorTypeBitcoin, "ping",
				"Bitcoin node is not responding")
		}
		return nil
	})
}
