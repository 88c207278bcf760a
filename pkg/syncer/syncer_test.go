package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valory-xyz/mechsync/pkg/checkpoint"
	"github.com/valory-xyz/mechsync/pkg/mech"
	"github.com/valory-xyz/mechsync/pkg/rpc/rpctest"
	"github.com/valory-xyz/mechsync/pkg/scanner"
	"go.uber.org/zap/zaptest"
)

var (
	sender    = common.HexToAddress("0x46Ba2d3c5F6eE2A5D9b0C8E5e1fC3D4b7A8c9d0E")
	contractA = common.HexToAddress("0xFF82123dFB52ab75C417195c5fDB87630145ae81")
	contractB = common.HexToAddress("0x77af31De935740567Cf4fF1986D04B2c964A786a")
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []mech.Event
}

func (n *recordingNotifier) PublishEvents(_ context.Context, _, _ string, events []mech.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, events...)
}

// fixture wires a real store and scanner around an in-memory log source.
type fixture struct {
	src   *rpctest.Source
	store *checkpoint.Store
}

func newFixture(t *testing.T, head uint64) *fixture {
	t.Helper()
	return &fixture{
		src:   rpctest.NewSource(head),
		store: checkpoint.NewStore(filepath.Join(t.TempDir(), "mech_events.json")),
	}
}

func (f *fixture) orchestrator(t *testing.T, store Store, notifier Notifier) *Orchestrator {
	t.Helper()
	logger := zaptest.NewLogger(t)
	scan := scanner.New(f.src, store, mech.NewBuilder(mech.DefaultFee, nil), logger,
		scanner.WithConfig(scanner.Config{ChunkSize: 10, ExcludedBlocksThreshold: 1}),
		scanner.WithSleep(func(context.Context, time.Duration) error { return nil }))
	o, err := New(store, scan, logger, Options{
		Sender:    strings.ToLower(sender.Hex()),
		EventType: mech.RequestEvent,
		Contracts: []Contract{
			{Address: contractA, DeployedBlock: 10},
			{Address: contractB, DeployedBlock: 50},
		},
		Notifier: notifier,
	})
	require.NoError(t, err)
	return o
}

func seed(src *rpctest.Source) {
	for i := int64(1); i <= 6; i++ {
		src.Add(contractA, rpctest.RequestLog(sender, i, 10+uint64(i)*5))
	}
	for i := int64(100); i <= 105; i++ {
		src.Add(contractB, rpctest.RequestLog(sender, i, 50+uint64(i-100)*7))
	}
}

func TestNew_Validates(t *testing.T) {
	logger := zaptest.NewLogger(t)

	_, err := New(nil, nil, logger, Options{Sender: "nope", EventType: mech.RequestEvent})
	require.Error(t, err)

	_, err = New(nil, nil, logger, Options{Sender: sender.Hex(), EventType: "Deliver"})
	require.ErrorIs(t, err, mech.ErrUnsupportedEvent)

	o, err := New(nil, nil, logger, Options{Sender: strings.ToLower(sender.Hex()), EventType: mech.RequestEvent})
	require.NoError(t, err)
	assert.Equal(t, sender.Hex(), o.Sender())
}

func TestSync_CollectsEveryContract(t *testing.T) {
	f := newFixture(t, 100)
	seed(f.src)

	report, err := f.orchestrator(t, f.store, nil).Sync(context.Background())

	require.NoError(t, err)
	assert.Len(t, report.Events, 12)
	require.Len(t, report.Contracts, 2)
	for _, c := range report.Contracts {
		assert.Equal(t, OutcomeCompleted, c.Outcome, c.Contract)
		assert.Equal(t, uint64(100), c.LastProcessedBlock)
	}
	assert.Empty(t, report.Warnings())
	assert.Equal(t, sender.Hex(), report.Sender)
}

func TestSync_FailingContractDoesNotStopTheRun(t *testing.T) {
	f := newFixture(t, 100)
	seed(f.src)
	f.src.FetchErr[contractA] = errors.New("provider down")

	report, err := f.orchestrator(t, f.store, nil).Sync(context.Background())

	require.NoError(t, err)
	require.Len(t, report.Contracts, 2)
	assert.Equal(t, OutcomeFailed, report.Contracts[0].Outcome)
	assert.Contains(t, report.Contracts[0].Failure(), "provider down")
	assert.Equal(t, OutcomeCompleted, report.Contracts[1].Outcome)
	assert.Len(t, report.Events, 6, "events of the healthy contract are returned")
	require.Len(t, report.Warnings(), 1)

	loaded, err := f.store.Load()
	require.NoError(t, err)
	assert.Len(t, loaded.Events(sender.Hex(), mech.RequestEvent), 6, "progress is flushed")
}

func TestSync_ShutdownStopsRemainingContracts(t *testing.T) {
	reference := newFixture(t, 100)
	seed(reference.src)
	want, err := reference.orchestrator(t, reference.store, nil).Sync(context.Background())
	require.NoError(t, err)

	f := newFixture(t, 100)
	seed(f.src)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.src.OnFetch = func(call int, _ rpctest.Range) {
		if call == 3 {
			cancel()
		}
	}

	interrupted, err := f.orchestrator(t, f.store, nil).Sync(ctx)
	require.NoError(t, err)
	require.Len(t, interrupted.Contracts, 2)
	assert.Equal(t, OutcomeCancelled, interrupted.Contracts[0].Outcome)
	assert.Equal(t, OutcomeCancelled, interrupted.Contracts[1].Outcome)
	assert.Equal(t, uint64(30), interrupted.Contracts[0].LastProcessedBlock)
	assert.Less(t, len(interrupted.Events), len(want.Events))
	for _, r := range f.src.Calls() {
		assert.Equal(t, contractA, r.Contract, "no network call after cancellation")
	}

	f.src.OnFetch = nil
	resumed, err := f.orchestrator(t, f.store, nil).Sync(context.Background())

	require.NoError(t, err)
	assert.Equal(t, want.Events, resumed.Events)
}

func TestSync_InterruptOnlyStopsCurrentContract(t *testing.T) {
	reference := newFixture(t, 100)
	seed(reference.src)
	want, err := reference.orchestrator(t, reference.store, nil).Sync(context.Background())
	require.NoError(t, err)

	f := newFixture(t, 100)
	seed(f.src)
	o := f.orchestrator(t, f.store, nil)
	interrupted := false
	f.src.OnFetch = func(call int, _ rpctest.Range) {
		if call == 3 {
			interrupted = o.Interrupt()
		}
	}

	report, err := o.Sync(context.Background())

	require.NoError(t, err)
	assert.True(t, interrupted)
	require.Len(t, report.Contracts, 2)
	assert.Equal(t, OutcomeCancelled, report.Contracts[0].Outcome)
	assert.Equal(t, uint64(30), report.Contracts[0].LastProcessedBlock)
	assert.Equal(t, OutcomeCompleted, report.Contracts[1].Outcome, "the next contract is still scanned")
	assert.Equal(t, uint64(100), report.Contracts[1].LastProcessedBlock)
	assert.Len(t, report.Events, 10)

	var scannedB bool
	for _, r := range f.src.Calls() {
		scannedB = scannedB || r.Contract == contractB
	}
	assert.True(t, scannedB)

	f.src.OnFetch = nil
	resumed, err := f.orchestrator(t, f.store, nil).Sync(context.Background())

	require.NoError(t, err)
	assert.Equal(t, want.Events, resumed.Events)
}

func TestInterrupt_IdleIsNoop(t *testing.T) {
	f := newFixture(t, 100)
	o := f.orchestrator(t, f.store, nil)

	assert.False(t, o.Interrupt())

	report, err := o.Sync(context.Background())
	require.NoError(t, err)
	for _, c := range report.Contracts {
		assert.Equal(t, OutcomeCompleted, c.Outcome, "an earlier interrupt does not leak into the run")
	}
}

func TestSync_RerunIsByteIdentical(t *testing.T) {
	f := newFixture(t, 100)
	seed(f.src)

	_, err := f.orchestrator(t, f.store, nil).Sync(context.Background())
	require.NoError(t, err)
	first, err := os.ReadFile(f.store.Path())
	require.NoError(t, err)

	f.src.ResetCalls()
	_, err = f.orchestrator(t, f.store, nil).Sync(context.Background())
	require.NoError(t, err)
	second, err := os.ReadFile(f.store.Path())
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))
	assert.Empty(t, f.src.Calls(), "caught-up contracts are not queried")
}

func TestSync_NotifiesNewEventsOnly(t *testing.T) {
	f := newFixture(t, 100)
	seed(f.src)
	notifier := &recordingNotifier{}

	_, err := f.orchestrator(t, f.store, notifier).Sync(context.Background())
	require.NoError(t, err)
	assert.Len(t, notifier.events, 12)

	_, err = f.orchestrator(t, f.store, notifier).Sync(context.Background())
	require.NoError(t, err)
	assert.Len(t, notifier.events, 12, "known events are not republished")
}

// failingStore loads an empty document and fails every forced save.
type failingStore struct{ saves int }

func (s *failingStore) Load() (*checkpoint.Document, error) { return checkpoint.NewDocument(), nil }

func (s *failingStore) Save(_ *checkpoint.Document, force bool) (bool, error) {
	s.saves++
	if force {
		return false, fmt.Errorf("%w: disk full", checkpoint.ErrStorage)
	}
	return true, nil
}

func TestSync_StorageFailureAbortsRun(t *testing.T) {
	f := newFixture(t, 100)
	seed(f.src)
	store := &failingStore{}

	report, err := f.orchestrator(t, store, nil).Sync(context.Background())

	require.ErrorIs(t, err, checkpoint.ErrStorage)
	assert.Len(t, report.Contracts, 1, "the second contract is never started")
	for _, r := range f.src.Calls() {
		assert.Equal(t, contractA, r.Contract)
	}
}

func TestSync_LoadFailureIsReturned(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mech_events.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o600))
	f := newFixture(t, 100)

	_, err := f.orchestrator(t, checkpoint.NewStore(path), nil).Sync(context.Background())

	require.ErrorIs(t, err, checkpoint.ErrStorage)
	assert.Empty(t, f.src.Calls())
}
