// Package scanner walks a contract's block range in fixed-size chunks and
// folds matching logs into a checkpoint cursor.
package scanner

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/valory-xyz/mechsync/pkg/checkpoint"
	"github.com/valory-xyz/mechsync/pkg/mech"
	"github.com/valory-xyz/mechsync/pkg/metrics"
	"github.com/valory-xyz/mechsync/pkg/rpc"
	"github.com/valory-xyz/mechsync/pkg/utils"
	"go.uber.org/zap"
)

// Config holds the chunking and chain-head parameters.
type Config struct {
	// ChunkSize is the number of blocks requested per log query.
	ChunkSize uint64
	// ExcludedBlocksThreshold: when fewer blocks than this remain up to the head,
	// the head is considered unstable and SafetyMargin blocks are left out.
	ExcludedBlocksThreshold uint64
	SafetyMargin            uint64
	// HeadPause gives the provider time to index logs near the head.
	HeadPause time.Duration
}

// DefaultConfig returns the production chunking parameters.
func DefaultConfig() Config {
	return Config{
		ChunkSize:               5000,
		ExcludedBlocksThreshold: 2 * 5000,
		SafetyMargin:            10,
		HeadPause:               10 * time.Second,
	}
}

// Checkpointer persists the document after each chunk.
type Checkpointer interface {
	Save(doc *checkpoint.Document, force bool) (bool, error)
}

// EventBuilder converts a decoded log into a stored event.
type EventBuilder interface {
	Build(ctx context.Context, log rpc.RawLog, utcTimestamp uint64) (mech.Event, error)
}

// Target identifies one event stream to synchronize.
type Target struct {
	// Sender is the checksummed address whose events are kept.
	Sender        string
	Contract      common.Address
	DeployedBlock uint64
	EventType     string
}

// Result summarizes a Scan.
type Result struct {
	From      uint64
	To        uint64
	Chunks    int
	NewEvents []mech.Event
}

// Scanner drives chunked scans. It is used sequentially by a single run.
type Scanner struct {
	source  rpc.LogSource
	store   Checkpointer
	builder EventBuilder
	cfg     Config
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithConfig overrides DefaultConfig. A zero threshold defaults to twice the chunk size.
func WithConfig(cfg Config) Option {
	return func(s *Scanner) { s.cfg = cfg }
}

// WithSleep replaces the head pause implementation, mostly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scanner) { s.sleep = sleep }
}

// New returns a Scanner reading from source and saving through store.
func New(source rpc.LogSource, store Checkpointer, builder EventBuilder, logger *zap.Logger, opts ...Option) *Scanner {
	s := &Scanner{
		source:  source,
		store:   store,
		builder: builder,
		cfg:     DefaultConfig(),
		logger:  logger,
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.ChunkSize == 0 {
		s.cfg.ChunkSize = DefaultConfig().ChunkSize
	}
	if s.cfg.ExcludedBlocksThreshold == 0 {
		s.cfg.ExcludedBlocksThreshold = 2 * s.cfg.ChunkSize
	}
	return s
}

// Scan synchronizes t into doc, resuming after the cursor's last processed block.
// The cursor is advanced and a non-forced save requested after every chunk, so an
// interruption loses at most one chunk of work. Cancellation is honoured between
// chunks; a chunk is merged as a whole or not at all. Partial results are returned
// alongside any error.
func (s *Scanner) Scan(ctx context.Context, doc *checkpoint.Document, t Target) (Result, error) {
	contract := t.Contract.Hex()
	cur := doc.Cursor(t.Sender, contract, t.EventType, t.DeployedBlock)

	start := utils.MaxUint64(t.DeployedBlock, cur.LastProcessedBlock+1)
	end, err := s.source.LatestBlockHeight(ctx)
	if err != nil {
		return Result{From: start}, fmt.Errorf("latest block: %w", err)
	}

	logger := s.logger.With(
		zap.String("contract", contract),
		zap.String("sender", t.Sender),
		zap.String("event", t.EventType))
	logger.Info("Scanning block range",
		zap.Uint64("starting_block", start),
		zap.Uint64("ending_block", end))

	if end < start || end-start < s.cfg.ExcludedBlocksThreshold {
		// Providers lag behind the head when indexing logs; stay clear of it.
		if end > s.cfg.SafetyMargin {
			end -= s.cfg.SafetyMargin
		} else {
			end = 0
		}
		logger.Debug("Close to chain head, pausing before scan",
			zap.Uint64("ending_block", end),
			zap.Duration("pause", s.cfg.HeadPause))
		if err := s.sleep(ctx, s.cfg.HeadPause); err != nil {
			return Result{From: start}, err
		}
	}

	res := Result{From: start, To: end}
	if start >= end {
		logger.Debug("Already caught up")
		return res, nil
	}

	for from := start; from < end; from += s.cfg.ChunkSize {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		to := utils.MinUint64(from+s.cfg.ChunkSize, end)

		events, err := s.scanChunk(ctx, t, from, to)
		if err != nil {
			return res, fmt.Errorf("blocks %d-%d: %w", from, to, err)
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		for _, ev := range events {
			if cur.Merge(ev) {
				res.NewEvents = append(res.NewEvents, ev)
				metrics.EventsStored.WithLabelValues(contract, t.EventType).Inc()
			}
		}
		cur.Advance(to)
		res.Chunks++
		metrics.ChunksScanned.WithLabelValues(contract, t.EventType).Inc()
		metrics.LastProcessedBlock.WithLabelValues(contract, t.EventType).Set(float64(cur.LastProcessedBlock))

		logger.Debug("Chunk processed",
			zap.Uint64("from", from),
			zap.Uint64("to", to),
			zap.Int("matches", len(events)),
			zap.String("progress", progress(start, end, to)))

		if _, err := s.store.Save(doc, false); err != nil {
			return res, err
		}
	}

	return res, nil
}

// scanChunk fetches [from, to] and builds the events belonging to the target sender.
func (s *Scanner) scanChunk(ctx context.Context, t Target, from, to uint64) ([]mech.Event, error) {
	logs, err := s.source.FetchLogs(ctx, t.Contract, t.EventType, from, to)
	if err != nil {
		return nil, err
	}

	var events []mech.Event
	for _, l := range logs {
		sender, err := mech.ArgAddress(l.Args, "sender")
		if err != nil {
			return nil, fmt.Errorf("log in tx %s: %w", l.TransactionHash, err)
		}
		if sender != t.Sender {
			continue
		}

		ts, err := s.source.BlockTimestamp(ctx, l.BlockNumber)
		if err != nil {
			return nil, fmt.Errorf("timestamp of block %d: %w", l.BlockNumber, err)
		}
		ev, err := s.builder.Build(ctx, l, ts)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func progress(start, end, at uint64) string {
	if end <= start {
		return "100%"
	}
	return strconv.FormatUint((at-start)*100/(end-start), 10) + "%"
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
