package rpc

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// blockHeader is the subset of eth_getBlockByNumber used by the log source.
type blockHeader struct {
	Number    hexutil.Uint64 `json:"number"`
	Timestamp hexutil.Uint64 `json:"timestamp"`
}

// LatestBlockHeight returns the number of the chain head.
func (c *HTTPClient) LatestBlockHeight(ctx context.Context) (uint64, error) {
	var head hexutil.Uint64
	if err := c.call(ctx, methodBlockNumber, &head); err != nil {
		return 0, err
	}
	return uint64(head), nil
}

// BlockTimestamp returns the unix timestamp (seconds) of the given block.
func (c *HTTPClient) BlockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	if ts, ok := c.timestamps.Load(number); ok {
		return ts, nil
	}

	var hdr *blockHeader
	if err := c.call(ctx, methodGetBlockByNumber, &hdr, hexutil.EncodeUint64(number), false); err != nil {
		return 0, err
	}
	if hdr == nil {
		return 0, newError(methodGetBlockByNumber, fmt.Errorf("block %d not available yet", number))
	}

	c.timestamps.Store(number, uint64(hdr.Timestamp))
	return uint64(hdr.Timestamp), nil
}
