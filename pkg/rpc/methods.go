package rpc

// Ethereum JSON-RPC methods used by the log source.
const (
	methodBlockNumber      = "eth_blockNumber"
	methodGetBlockByNumber = "eth_getBlockByNumber"
	methodGetLogs          = "eth_getLogs"
)
