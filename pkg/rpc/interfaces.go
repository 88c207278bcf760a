package rpc

import (
	"context"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// RawLog is a contract log decoded against the contract ABI.
// Args holds both indexed and non-indexed arguments keyed by ABI name.
type RawLog struct {
	EventName       string
	Args            map[string]any
	TransactionHash string
	BlockNumber     uint64
	LogIndex        uint
}

// LogSource captures the chain reads needed to synchronize contract events.
// Every error it returns satisfies errors.Is(err, ErrSource) unless it stems
// from a bad request (e.g. an event missing from the ABI).
type LogSource interface {
	LatestBlockHeight(ctx context.Context) (uint64, error)
	BlockTimestamp(ctx context.Context, block uint64) (uint64, error)
	FetchLogs(ctx context.Context, contract common.Address, eventType string, from, to uint64) ([]RawLog, error)
}

// Factory produces log sources for a set of endpoints and a contract ABI.
type Factory interface {
	NewSource(endpoints []string, contract *abi.ABI) LogSource
}

type httpFactory struct {
	opts Opts
}

// NewHTTPFactory returns a factory that builds HTTP clients with shared defaults.
func NewHTTPFactory(opts Opts) Factory {
	return &httpFactory{opts: opts}
}

func (f *httpFactory) NewSource(endpoints []string, contract *abi.ABI) LogSource {
	o := f.opts
	o.Endpoints = endpoints
	o.Contract = contract
	return NewHTTPWithOpts(o)
}
