// Package syncer runs the chunked scanner over every configured contract and
// isolates each contract's failures from the rest of the run.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/valory-xyz/mechsync/pkg/checkpoint"
	"github.com/valory-xyz/mechsync/pkg/mech"
	"github.com/valory-xyz/mechsync/pkg/metrics"
	"github.com/valory-xyz/mechsync/pkg/scanner"
	"go.uber.org/zap"
)

// Contract is a contract to scan and the block it was deployed at.
type Contract struct {
	Address       common.Address
	DeployedBlock uint64
}

// Store loads and persists the checkpoint document.
type Store interface {
	Load() (*checkpoint.Document, error)
	Save(doc *checkpoint.Document, force bool) (bool, error)
}

// Scanner scans one event stream into the document.
type Scanner interface {
	Scan(ctx context.Context, doc *checkpoint.Document, t scanner.Target) (scanner.Result, error)
}

// Notifier is told about newly stored events. Delivery is best effort.
type Notifier interface {
	PublishEvents(ctx context.Context, sender, eventType string, events []mech.Event)
}

// Options configures an Orchestrator.
type Options struct {
	Sender    string
	EventType string
	Contracts []Contract
	// Notifier is optional.
	Notifier Notifier
}

// Orchestrator synchronizes the configured contracts one after the other.
type Orchestrator struct {
	store     Store
	scanner   Scanner
	notifier  Notifier
	logger    *zap.Logger
	sender    string
	eventType string
	contracts []Contract

	// mu guards cancelScan, the cancel func of the contract scan in progress.
	mu         sync.Mutex
	cancelScan context.CancelFunc
}

// New validates opts and returns an Orchestrator. The sender is checksummed.
func New(store Store, scan Scanner, logger *zap.Logger, opts Options) (*Orchestrator, error) {
	if !common.IsHexAddress(opts.Sender) {
		return nil, fmt.Errorf("invalid sender address %q", opts.Sender)
	}
	if _, err := mech.KindOf(opts.EventType); err != nil {
		return nil, err
	}
	return &Orchestrator{
		store:     store,
		scanner:   scan,
		notifier:  opts.Notifier,
		logger:    logger,
		sender:    common.HexToAddress(opts.Sender).Hex(),
		eventType: opts.EventType,
		contracts: append([]Contract(nil), opts.Contracts...),
	}, nil
}

// Sender returns the checksummed sender being synchronized.
func (o *Orchestrator) Sender() string { return o.sender }

// EventType returns the synchronized event name.
func (o *Orchestrator) EventType() string { return o.eventType }

// Interrupt cancels the contract scan in progress, if any. The run then
// finalizes that contract and continues with the next one; cancelling the
// context passed to Sync stops the whole run instead. It reports whether a
// scan was interrupted.
func (o *Orchestrator) Interrupt() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancelScan == nil {
		return false
	}
	o.cancelScan()
	return true
}

// Sync loads the checkpoint, scans every contract and returns the union of the
// sender's events. A contract failing or being interrupted is recorded in the
// report and the run moves on; only checkpoint storage failures are returned.
// Once ctx is done the remaining contracts are reported cancelled without
// being scanned, and each is still flushed.
func (o *Orchestrator) Sync(ctx context.Context) (Report, error) {
	started := time.Now()
	defer func() { metrics.SyncDuration.Observe(time.Since(started).Seconds()) }()

	report := Report{Sender: o.sender, EventType: o.eventType, StartedAt: started}

	doc, err := o.store.Load()
	if err != nil {
		return report, fmt.Errorf("load checkpoint: %w", err)
	}

	for _, c := range o.contracts {
		res, err := o.syncContract(ctx, doc, c)
		report.Contracts = append(report.Contracts, res)
		metrics.ContractScans.WithLabelValues(res.Contract, string(res.Outcome)).Inc()
		if err != nil {
			return report, err
		}
	}

	report.Events = doc.Events(o.sender, o.eventType)
	report.Duration = time.Since(started)
	return report, nil
}

// syncContract scans c and always finishes with a forced save.
func (o *Orchestrator) syncContract(ctx context.Context, doc *checkpoint.Document, c Contract) (ContractResult, error) {
	run := newContractRun(o.logger, c.Address.Hex(), o.sender, o.eventType)
	run.logger.Info("Updating the local Mech events database")

	var (
		res       scanner.Result
		scanErr   error
		cancelled bool
	)
	if scanErr = ctx.Err(); scanErr != nil {
		cancelled = true
	} else {
		scanCtx, cancel := context.WithCancel(ctx)
		o.mu.Lock()
		o.cancelScan = cancel
		o.mu.Unlock()

		res, scanErr = o.scanner.Scan(scanCtx, doc, scanner.Target{
			Sender:        o.sender,
			Contract:      c.Address,
			DeployedBlock: c.DeployedBlock,
			EventType:     o.eventType,
		})

		o.mu.Lock()
		o.cancelScan = nil
		o.mu.Unlock()
		if ctxErr := scanCtx.Err(); scanErr != nil && ctxErr != nil {
			cancelled = true
			if !errors.Is(scanErr, ctxErr) {
				scanErr = fmt.Errorf("%w (%w)", scanErr, ctxErr)
			}
		}
		cancel()
	}

	run.transition(PhaseFinalizing)
	result := ContractResult{
		Contract:  run.contract,
		From:      res.From,
		To:        res.To,
		Chunks:    res.Chunks,
		NewEvents: len(res.NewEvents),
	}

	switch {
	case scanErr == nil:
		result.Outcome = OutcomeCompleted
	case errors.Is(scanErr, checkpoint.ErrStorage):
		result.Outcome = OutcomeFailed
		result.Err = scanErr
		return result, fmt.Errorf("contract %s: %w", run.contract, scanErr)
	case cancelled:
		result.Outcome = OutcomeCancelled
		result.Err = scanErr
		run.logger.Warn("The update of the local Mech events database was cancelled. "+
			"Mech calls and costs might not be reflected accurately; rerun to resume synchronizing.",
			zap.Bool("shutdown", ctx.Err() != nil),
			zap.Error(scanErr))
	default:
		result.Outcome = OutcomeFailed
		result.Err = scanErr
		run.logger.Warn("An error occurred while updating the local Mech events database. "+
			"Mech calls and costs might not be reflected accurately; rerun to resume synchronizing.",
			zap.Error(scanErr))
	}

	if o.notifier != nil && len(res.NewEvents) > 0 {
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		o.notifier.PublishEvents(pubCtx, o.sender, o.eventType, res.NewEvents)
		cancel()
	}

	if _, err := o.store.Save(doc, true); err != nil {
		result.Err = errors.Join(result.Err, err)
		return result, fmt.Errorf("flush checkpoint after contract %s: %w", run.contract, err)
	}
	if cur, ok := doc.Lookup(o.sender, run.contract, o.eventType); ok {
		result.LastProcessedBlock = cur.LastProcessedBlock
	}

	run.transition(PhaseDone)
	run.logger.Info("Contract synchronized",
		zap.String("outcome", string(result.Outcome)),
		zap.Int("chunks", result.Chunks),
		zap.Int("new_events", result.NewEvents),
		zap.Uint64("last_processed_block", result.LastProcessedBlock))
	return result, nil
}
