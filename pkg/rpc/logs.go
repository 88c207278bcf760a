package rpc

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

type logFilter struct {
	Address   common.Address `json:"address"`
	Topics    []common.Hash  `json:"topics"`
	FromBlock string         `json:"fromBlock"`
	ToBlock   string         `json:"toBlock"`
}

// FetchLogs returns the decoded eventType logs emitted by contract in [from, to] (inclusive).
func (c *HTTPClient) FetchLogs(ctx context.Context, contract common.Address, eventType string, from, to uint64) ([]RawLog, error) {
	event, ok := c.contract.Events[eventType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, eventType)
	}

	filter := logFilter{
		Address:   contract,
		Topics:    []common.Hash{event.ID},
		FromBlock: hexutil.EncodeUint64(from),
		ToBlock:   hexutil.EncodeUint64(to),
	}
	var logs []types.Log
	if err := c.call(ctx, methodGetLogs, &logs, filter); err != nil {
		return nil, err
	}

	out := make([]RawLog, 0, len(logs))
	for _, l := range logs {
		if l.Removed {
			continue
		}
		raw, err := DecodeLog(event, l)
		if err != nil {
			return nil, newError(methodGetLogs, err)
		}
		out = append(out, raw)
	}
	return out, nil
}

// DecodeLog unpacks the indexed topics and the data section of l as event.
func DecodeLog(event abi.Event, l types.Log) (RawLog, error) {
	if len(l.Topics) == 0 || l.Topics[0] != event.ID {
		return RawLog{}, fmt.Errorf("log %s/%d is not a %s event", l.TxHash.Hex(), l.Index, event.Name)
	}

	args := make(map[string]any, len(event.Inputs))
	var indexed abi.Arguments
	for _, in := range event.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}
	if err := abi.ParseTopicsIntoMap(args, indexed, l.Topics[1:]); err != nil {
		return RawLog{}, fmt.Errorf("decode %s topics: %w", event.Name, err)
	}
	if len(l.Data) > 0 {
		if err := event.Inputs.UnpackIntoMap(args, l.Data); err != nil {
			return RawLog{}, fmt.Errorf("decode %s data: %w", event.Name, err)
		}
	}

	return RawLog{
		EventName:       event.Name,
		Args:            args,
		TransactionHash: l.TxHash.Hex(),
		BlockNumber:     l.BlockNumber,
		LogIndex:        l.Index,
	}, nil
}
