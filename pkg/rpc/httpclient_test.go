package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rpcServer answers JSON-RPC calls with handlers keyed by method.
func rpcServer(t *testing.T, handlers map[string]func(params []json.RawMessage) (any, *RPCError)) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req struct {
			ID     uint64            `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		h, ok := handlers[req.Method]
		if !ok {
			t.Errorf("unexpected method %s", req.Method)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		result, rpcErr := h(req.Params)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestHTTPClient_LatestBlockHeight(t *testing.T) {
	srv, _ := rpcServer(t, map[string]func([]json.RawMessage) (any, *RPCError){
		methodBlockNumber: func([]json.RawMessage) (any, *RPCError) { return "0x1d4c", nil },
	})

	client := NewHTTPWithOpts(Opts{Endpoints: []string{srv.URL}})
	head, err := client.LatestBlockHeight(context.Background())

	require.NoError(t, err)
	assert.Equal(t, uint64(7500), head)
}

func TestHTTPClient_BlockTimestampIsCached(t *testing.T) {
	srv, calls := rpcServer(t, map[string]func([]json.RawMessage) (any, *RPCError){
		methodGetBlockByNumber: func(params []json.RawMessage) (any, *RPCError) {
			var number string
			assert.NoError(t, json.Unmarshal(params[0], &number))
			assert.Equal(t, "0x64", number)
			return map[string]string{"number": number, "timestamp": "0x6553f100"}, nil
		},
	})

	client := NewHTTPWithOpts(Opts{Endpoints: []string{srv.URL}})
	for i := 0; i < 3; i++ {
		ts, err := client.BlockTimestamp(context.Background(), 100)
		require.NoError(t, err)
		assert.Equal(t, uint64(0x6553f100), ts)
	}
	assert.Equal(t, int64(1), calls.Load())
}

func TestHTTPClient_BlockTimestampMissingBlock(t *testing.T) {
	srv, _ := rpcServer(t, map[string]func([]json.RawMessage) (any, *RPCError){
		methodGetBlockByNumber: func([]json.RawMessage) (any, *RPCError) { return nil, nil },
	})

	client := NewHTTPWithOpts(Opts{Endpoints: []string{srv.URL}})
	_, err := client.BlockTimestamp(context.Background(), 5)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSource)
}

func TestHTTPClient_FetchLogsDecodesRequests(t *testing.T) {
	contract := MustDefaultContractABI()
	request := contract.Events["Request"]
	sender := common.HexToAddress("0x46Ba2d3c5F6eE2A5D9b0C8E5e1fC3D4b7A8c9d0E")
	mechAddr := common.HexToAddress("0x77af31De935740567Cf4fF1986D04B2c964A786a")

	packed, err := request.Inputs.NonIndexed().Pack(big.NewInt(42), []byte{0xca, 0xfe})
	require.NoError(t, err)

	srv, _ := rpcServer(t, map[string]func([]json.RawMessage) (any, *RPCError){
		methodGetLogs: func(params []json.RawMessage) (any, *RPCError) {
			var filter struct {
				Address   common.Address `json:"address"`
				Topics    []common.Hash  `json:"topics"`
				FromBlock string         `json:"fromBlock"`
				ToBlock   string         `json:"toBlock"`
			}
			assert.NoError(t, json.Unmarshal(params[0], &filter))
			assert.Equal(t, mechAddr, filter.Address)
			assert.Equal(t, []common.Hash{request.ID}, filter.Topics)
			assert.Equal(t, "0xa", filter.FromBlock)
			assert.Equal(t, "0xc", filter.ToBlock)
			return []map[string]any{
				{
					"address":          mechAddr,
					"topics":           []common.Hash{request.ID, common.BytesToHash(sender.Bytes())},
					"data":             hexutil.Bytes(packed),
					"blockNumber":      "0xb",
					"transactionHash":  common.HexToHash("0x01"),
					"transactionIndex": "0x0",
					"blockHash":        common.HexToHash("0x02"),
					"logIndex":         "0x3",
					"removed":          false,
				},
			}, nil
		},
	})

	client := NewHTTPWithOpts(Opts{Endpoints: []string{srv.URL}})
	logs, err := client.FetchLogs(context.Background(), mechAddr, "Request", 10, 12)

	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "Request", logs[0].EventName)
	assert.Equal(t, uint64(11), logs[0].BlockNumber)
	assert.Equal(t, uint(3), logs[0].LogIndex)
	assert.Equal(t, common.HexToHash("0x01").Hex(), logs[0].TransactionHash)
	assert.Equal(t, sender, logs[0].Args["sender"])
	assert.Equal(t, 0, big.NewInt(42).Cmp(logs[0].Args["requestId"].(*big.Int)))
	assert.Equal(t, []byte{0xca, 0xfe}, logs[0].Args["data"])
}

func TestHTTPClient_FetchLogsUnknownEvent(t *testing.T) {
	client := NewHTTPWithOpts(Opts{Endpoints: []string{"http://127.0.0.1:0"}})
	_, err := client.FetchLogs(context.Background(), common.Address{}, "Nope", 1, 2)

	require.ErrorIs(t, err, ErrUnknownEvent)
	assert.False(t, errors.Is(err, ErrSource))
}

func TestHTTPClient_RPCErrorIsSourceError(t *testing.T) {
	srv, _ := rpcServer(t, map[string]func([]json.RawMessage) (any, *RPCError){
		methodBlockNumber: func([]json.RawMessage) (any, *RPCError) {
			return nil, &RPCError{Code: -32005, Message: "limit exceeded"}
		},
	})

	client := NewHTTPWithOpts(Opts{Endpoints: []string{srv.URL}})
	_, err := client.LatestBlockHeight(context.Background())

	require.ErrorIs(t, err, ErrSource)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32005, rpcErr.Code)
}

func TestHTTPClient_FailsOverAndOpensBreaker(t *testing.T) {
	var badCalls atomic.Int64
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		badCalls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()
	good, _ := rpcServer(t, map[string]func([]json.RawMessage) (any, *RPCError){
		methodBlockNumber: func([]json.RawMessage) (any, *RPCError) { return "0x10", nil },
	})

	client := NewHTTPWithOpts(Opts{
		Endpoints:       []string{bad.URL, good.URL},
		BreakerFailures: 2,
		BreakerCooldown: time.Minute,
	})
	for i := 0; i < 4; i++ {
		head, err := client.LatestBlockHeight(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint64(16), head)
	}
	assert.Equal(t, int64(2), badCalls.Load(), "breaker should skip the failing endpoint once open")
}

func TestHTTPClient_CancelledContext(t *testing.T) {
	srv, _ := rpcServer(t, map[string]func([]json.RawMessage) (any, *RPCError){
		methodBlockNumber: func([]json.RawMessage) (any, *RPCError) { return "0x1", nil },
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewHTTPWithOpts(Opts{Endpoints: []string{srv.URL}})
	_, err := client.LatestBlockHeight(ctx)

	require.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, ErrSource)
}

func TestHTTPClient_NoEndpoints(t *testing.T) {
	client := NewHTTPWithOpts(Opts{})
	_, err := client.LatestBlockHeight(context.Background())
	require.ErrorIs(t, err, ErrSource)
}
