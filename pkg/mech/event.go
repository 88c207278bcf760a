// Package mech holds the typed Mech events stored in the checkpoint document
// and the conversion from decoded contract logs.
package mech

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/valory-xyz/mechsync/pkg/rpc"
)

// RequestEvent is the AgentMech event name for a submitted request.
const RequestEvent = "Request"

// DefaultFee is the placeholder fee (wei) attached to every request. The real fee
// is paid in the request transaction and is not extracted yet.
const DefaultFee uint64 = 10000000000000000

// ErrUnsupportedEvent is returned for event names without a Kind.
var ErrUnsupportedEvent = errors.New("unsupported mech event")

// Kind tags the variant carried by an Event.
type Kind string

const (
	KindRequest Kind = "Request"
)

// Request is the payload of a KindRequest event.
type Request struct {
	RequestID string `json:"requestId"`
	Fee       uint64 `json:"fee"`
}

// Event is a Mech event observed on chain. It is never mutated after being stored.
type Event struct {
	EventID         string         `json:"eventId"`
	Kind            Kind           `json:"kind"`
	Request         *Request       `json:"request,omitempty"`
	Data            string         `json:"data"`
	Sender          string         `json:"sender"`
	TransactionHash string         `json:"transactionHash"`
	BlockNumber     uint64         `json:"blockNumber"`
	UTCTimestamp    uint64         `json:"utcTimestamp"`
	IPFSLink        string         `json:"ipfsLink"`
	IPFSContents    map[string]any `json:"ipfsContents"`
}

// idFields names the argument each kind uses as its event id.
var idFields = map[Kind]string{
	KindRequest: "requestId",
}

// KindOf maps a contract event name to its Kind.
func KindOf(eventName string) (Kind, error) {
	switch eventName {
	case RequestEvent:
		return KindRequest, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedEvent, eventName)
	}
}

// Builder turns decoded logs into Events.
type Builder struct {
	DefaultFee uint64
	Resolver   ContentResolver
}

// NewBuilder returns a Builder; a nil resolver disables content resolution.
func NewBuilder(fee uint64, resolver ContentResolver) *Builder {
	if resolver == nil {
		resolver = NoopResolver{}
	}
	return &Builder{DefaultFee: fee, Resolver: resolver}
}

// Build converts a raw log observed at a block with the given timestamp.
func (b *Builder) Build(ctx context.Context, log rpc.RawLog, utcTimestamp uint64) (Event, error) {
	kind, err := KindOf(log.EventName)
	if err != nil {
		return Event{}, err
	}

	id, err := argString(log.Args, idFields[kind])
	if err != nil {
		return Event{}, fmt.Errorf("%s event in tx %s: %w", log.EventName, log.TransactionHash, err)
	}
	sender, err := ArgAddress(log.Args, "sender")
	if err != nil {
		return Event{}, fmt.Errorf("%s event in tx %s: %w", log.EventName, log.TransactionHash, err)
	}
	data, err := argHex(log.Args, "data")
	if err != nil {
		return Event{}, fmt.Errorf("%s event in tx %s: %w", log.EventName, log.TransactionHash, err)
	}

	ev := Event{
		EventID:         id,
		Kind:            kind,
		Data:            data,
		Sender:          sender,
		TransactionHash: log.TransactionHash,
		BlockNumber:     log.BlockNumber,
		UTCTimestamp:    utcTimestamp,
	}
	if kind == KindRequest {
		ev.Request = &Request{RequestID: id, Fee: b.DefaultFee}
	}

	ev.IPFSLink, ev.IPFSContents = b.Resolver.Resolve(ctx, data)
	if ev.IPFSContents == nil {
		ev.IPFSContents = map[string]any{}
	}
	return ev, nil
}

// ArgAddress returns the checksummed form of an address argument.
func ArgAddress(args map[string]any, name string) (string, error) {
	switch v := args[name].(type) {
	case common.Address:
		return v.Hex(), nil
	case string:
		if !common.IsHexAddress(v) {
			return "", fmt.Errorf("argument %q is not an address: %q", name, v)
		}
		return common.HexToAddress(v).Hex(), nil
	case nil:
		return "", fmt.Errorf("missing argument %q", name)
	default:
		return "", fmt.Errorf("argument %q has unexpected type %T", name, v)
	}
}

func argString(args map[string]any, name string) (string, error) {
	switch v := args[name].(type) {
	case *big.Int:
		if v == nil {
			return "", fmt.Errorf("missing argument %q", name)
		}
		return v.String(), nil
	case string:
		return v, nil
	case uint64:
		return new(big.Int).SetUint64(v).String(), nil
	case [32]byte:
		return common.Hash(v).Hex(), nil
	case nil:
		return "", fmt.Errorf("missing argument %q", name)
	default:
		return "", fmt.Errorf("argument %q has unexpected type %T", name, v)
	}
}

func argHex(args map[string]any, name string) (string, error) {
	switch v := args[name].(type) {
	case []byte:
		return hex.EncodeToString(v), nil
	case [32]byte:
		return hex.EncodeToString(v[:]), nil
	case string:
		return strings.TrimPrefix(v, "0x"), nil
	case nil:
		return "", fmt.Errorf("missing argument %q", name)
	default:
		return "", fmt.Errorf("argument %q has unexpected type %T", name, v)
	}
}
