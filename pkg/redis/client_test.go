package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valory-xyz/mechsync/pkg/mech"
	"go.uber.org/zap/zaptest"
)

func sampleEvent() mech.Event {
	return mech.Event{
		EventID:         "42",
		Kind:            mech.KindRequest,
		Request:         &mech.Request{RequestID: "42", Fee: mech.DefaultFee},
		Sender:          "0x46Ba2d3c5F6eE2A5D9b0C8E5e1fC3D4b7A8c9d0E",
		TransactionHash: "0xabc",
		BlockNumber:     30663200,
		IPFSContents:    map[string]any{},
	}
}

func TestStreamName(t *testing.T) {
	assert.Equal(t, "mech:0xabc:Request", StreamName("0xabc", "Request"))
}

func TestEventValues(t *testing.T) {
	values, err := eventValues(sampleEvent())
	require.NoError(t, err)

	assert.Equal(t, "42", values["eventId"])
	assert.Equal(t, "Request", values["kind"])
	assert.Equal(t, "30663200", values["blockNumber"])
	assert.Equal(t, "0xabc", values["txHash"])

	var decoded mech.Event
	require.NoError(t, json.Unmarshal([]byte(values["payload"].(string)), &decoded))
	assert.Equal(t, sampleEvent(), decoded)
}

func TestPublishEvents_UnreachableIsBestEffort(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	c := FromClient(rdb, DefaultStreamMaxLen, zaptest.NewLogger(t))
	defer c.Close()

	assert.NotPanics(t, func() {
		c.PublishEvents(context.Background(), "0xabc", mech.RequestEvent, []mech.Event{sampleEvent(), sampleEvent()})
	})
	assert.Empty(t, c.XAdd(context.Background(), "mech:0xabc:Request", map[string]interface{}{"a": "b"}))
	assert.Error(t, c.Health(context.Background()))
}

func TestNewClient_FailsWhenUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := NewClient(ctx, Options{Host: "127.0.0.1", Port: "1"}, zaptest.NewLogger(t))
	require.Error(t, err)
}
