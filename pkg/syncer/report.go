package syncer

import (
	"time"

	"github.com/valory-xyz/mechsync/pkg/mech"
	"go.uber.org/zap"
)

// Outcome is how a contract scan ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Phase is the lifecycle of one contract scan: Scanning -> Finalizing -> Done.
type Phase int

const (
	PhaseScanning Phase = iota
	PhaseFinalizing
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseScanning:
		return "scanning"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

// ContractResult describes the scan of one contract.
type ContractResult struct {
	Contract           string  `json:"contract"`
	Outcome            Outcome `json:"outcome"`
	Err                error   `json:"-"`
	From               uint64  `json:"from"`
	To                 uint64  `json:"to"`
	Chunks             int     `json:"chunks"`
	NewEvents          int     `json:"newEvents"`
	LastProcessedBlock uint64  `json:"lastProcessedBlock"`
}

// Failure returns the failure message, if any.
func (r ContractResult) Failure() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Report is the outcome of a Sync.
type Report struct {
	Sender    string                `json:"sender"`
	EventType string                `json:"eventType"`
	StartedAt time.Time             `json:"startedAt"`
	Duration  time.Duration         `json:"duration"`
	Events    map[string]mech.Event `json:"events"`
	Contracts []ContractResult      `json:"contracts"`
}

// Warnings returns the contracts that did not complete.
func (r Report) Warnings() []ContractResult {
	var out []ContractResult
	for _, c := range r.Contracts {
		if c.Outcome != OutcomeCompleted {
			out = append(out, c)
		}
	}
	return out
}

// contractRun tracks the phase of a single contract scan.
type contractRun struct {
	contract string
	phase    Phase
	logger   *zap.Logger
}

func newContractRun(logger *zap.Logger, contract, sender, eventType string) *contractRun {
	return &contractRun{
		contract: contract,
		phase:    PhaseScanning,
		logger: logger.With(
			zap.String("contract", contract),
			zap.String("sender", sender),
			zap.String("event", eventType)),
	}
}

func (r *contractRun) transition(to Phase) {
	r.logger.Debug("Contract scan phase", zap.Stringer("from", r.phase), zap.Stringer("to", to))
	r.phase = to
}
