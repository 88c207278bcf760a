// Package rpctest provides an in-memory rpc.LogSource for tests.
package rpctest

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/valory-xyz/mechsync/pkg/rpc"
)

// Range is one FetchLogs call.
type Range struct {
	Contract common.Address
	From     uint64
	To       uint64
}

// Source serves logs from memory. The zero value is usable.
type Source struct {
	mu sync.Mutex

	Head    uint64
	HeadErr error
	// Logs per contract; FetchLogs returns entries whose block is in [from, to].
	Logs map[common.Address][]rpc.RawLog
	// FetchErr makes every FetchLogs call for a contract fail.
	FetchErr map[common.Address]error
	// OnFetch runs before each FetchLogs call with its 1-based index.
	OnFetch func(call int, r Range)

	calls []Range
}

// NewSource returns a Source with the given head.
func NewSource(head uint64) *Source {
	return &Source{
		Head:     head,
		Logs:     map[common.Address][]rpc.RawLog{},
		FetchErr: map[common.Address]error{},
	}
}

// Add registers logs for contract.
func (s *Source) Add(contract common.Address, logs ...rpc.RawLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Logs == nil {
		s.Logs = map[common.Address][]rpc.RawLog{}
	}
	s.Logs[contract] = append(s.Logs[contract], logs...)
}

// Calls returns the FetchLogs ranges requested so far.
func (s *Source) Calls() []Range {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Range(nil), s.calls...)
}

// ResetCalls forgets recorded calls.
func (s *Source) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

func (s *Source) LatestBlockHeight(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, &rpc.Error{Method: "eth_blockNumber", Err: err}
	}
	if s.HeadErr != nil {
		return 0, s.HeadErr
	}
	return s.Head, nil
}

// BlockTimestamp returns a deterministic timestamp: 1_700_000_000 + 5*block.
func (s *Source) BlockTimestamp(ctx context.Context, block uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, &rpc.Error{Method: "eth_getBlockByNumber", Err: err}
	}
	return 1_700_000_000 + 5*block, nil
}

func (s *Source) FetchLogs(ctx context.Context, contract common.Address, eventType string, from, to uint64) ([]rpc.RawLog, error) {
	s.mu.Lock()
	r := Range{Contract: contract, From: from, To: to}
	s.calls = append(s.calls, r)
	call := len(s.calls)
	hook := s.OnFetch
	s.mu.Unlock()

	if hook != nil {
		hook(call, r)
	}
	if err := ctx.Err(); err != nil {
		return nil, &rpc.Error{Method: "eth_getLogs", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.FetchErr[contract]; err != nil {
		return nil, err
	}
	var out []rpc.RawLog
	for _, l := range s.Logs[contract] {
		if l.EventName == eventType && l.BlockNumber >= from && l.BlockNumber <= to {
			out = append(out, l)
		}
	}
	return out, nil
}

// RequestLog builds a decoded AgentMech Request log.
func RequestLog(sender common.Address, requestID int64, block uint64) rpc.RawLog {
	return rpc.RawLog{
		EventName: "Request",
		Args: map[string]any{
			"sender":    sender,
			"requestId": big.NewInt(requestID),
			"data":      []byte(fmt.Sprintf("payload-%d", requestID)),
		},
		TransactionHash: common.BigToHash(big.NewInt(requestID)).Hex(),
		BlockNumber:     block,
	}
}

var _ rpc.LogSource = (*Source)(nil)
