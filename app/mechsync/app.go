package mechsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"
	"github.com/valory-xyz/mechsync/pkg/checkpoint"
	"github.com/valory-xyz/mechsync/pkg/config"
	"github.com/valory-xyz/mechsync/pkg/logging"
	"github.com/valory-xyz/mechsync/pkg/mech"
	"github.com/valory-xyz/mechsync/pkg/redis"
	"github.com/valory-xyz/mechsync/pkg/rpc"
	"github.com/valory-xyz/mechsync/pkg/scanner"
	"github.com/valory-xyz/mechsync/pkg/syncer"
	"go.uber.org/zap"
)

// SourceFactory builds the log source for a config. Swapped in tests.
type SourceFactory func(cfg *config.Config) (rpc.LogSource, error)

// App owns one checkpoint file and synchronizes it once or on a schedule.
type App struct {
	// ConfigPath is watched for changes in scheduled mode; may be empty.
	ConfigPath string

	// Cron triggers a sync on every tick of the configured schedule.
	Cron *cron.Cron

	// Reports caches the last report per checksummed sender.
	Reports *xsync.Map[string, syncer.Report]

	Redis  *redis.Client
	Logger *zap.Logger

	// Server is the HTTP server that serves health, metrics and the last report.
	Server *http.Server

	newSource SourceFactory

	mu           sync.RWMutex
	cfg          *config.Config
	orchestrator *syncer.Orchestrator

	// runMu keeps a single writer on the checkpoint file.
	runMu sync.Mutex
	// active is the orchestrator of the run in progress; guarded by mu.
	active *syncer.Orchestrator
}

// Initialize loads the config at path, builds logging and wires the sync pipeline.
func Initialize(ctx context.Context, path string) (*App, error) {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	app := &App{
		ConfigPath: path,
		Reports:    xsync.NewMap[string, syncer.Report](),
		Logger:     logger,
		newSource:  httpSource,
	}

	// Redis notifications are optional.
	if cfg.Redis.Host != "" {
		app.Redis, err = redis.NewClient(ctx, redis.Options{
			Host:         cfg.Redis.Host,
			Port:         cfg.Redis.Port,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			StreamMaxLen: cfg.Redis.StreamMaxLen,
		}, logger)
		if err != nil {
			logger.Warn("Failed to initialize Redis client - event notifications will be disabled", zap.Error(err))
			app.Redis = nil
		}
	}

	if err := app.Configure(cfg); err != nil {
		return nil, err
	}
	return app, nil
}

// New returns an App for cfg using newSource to reach the chain. It is the
// entry point for embedding and tests; Initialize is used by the binary.
func New(cfg *config.Config, newSource SourceFactory, logger *zap.Logger) (*App, error) {
	app := &App{
		Reports:   xsync.NewMap[string, syncer.Report](),
		Logger:    logger,
		newSource: newSource,
	}
	if err := app.Configure(cfg); err != nil {
		return nil, err
	}
	return app, nil
}

// httpSource is the production SourceFactory.
func httpSource(cfg *config.Config) (rpc.LogSource, error) {
	contract, err := rpc.LoadContractABI(cfg.ContractABIPath)
	if err != nil {
		return nil, err
	}
	factory := rpc.NewHTTPFactory(rpc.Opts{
		Timeout:         cfg.RPCTimeout(),
		RPS:             cfg.RPC.RPS,
		Burst:           cfg.RPC.Burst,
		BreakerFailures: cfg.RPC.BreakerFailures,
	})
	return factory.NewSource(cfg.RPC.Endpoints, contract), nil
}

// Configure (re)builds the sync pipeline from cfg. A run in progress keeps the
// pipeline it started with.
func (a *App) Configure(cfg *config.Config) error {
	source, err := a.newSource(cfg)
	if err != nil {
		return fmt.Errorf("build log source: %w", err)
	}

	var resolver mech.ContentResolver = mech.NoopResolver{}
	if !cfg.IPFS.Disabled {
		resolver = mech.NewIPFSResolver(cfg.IPFS.Gateway, cfg.IPFSTimeout(), a.Logger)
	}

	store := checkpoint.NewStore(cfg.StorePath, checkpoint.WithLogger(a.Logger))
	scan := scanner.New(source, store, mech.NewBuilder(cfg.DefaultFee, resolver), a.Logger,
		scanner.WithConfig(scanner.Config{
			ChunkSize:               cfg.Scan.ChunkSize,
			ExcludedBlocksThreshold: cfg.Scan.ExcludedBlocksThreshold,
			SafetyMargin:            cfg.Scan.SafetyMargin,
			HeadPause:               cfg.HeadPause(),
		}))

	contracts := make([]syncer.Contract, 0, len(cfg.Contracts))
	for _, c := range cfg.Contracts {
		contracts = append(contracts, syncer.Contract{
			Address:       common.HexToAddress(c.Address),
			DeployedBlock: c.DeployedBlock,
		})
	}

	opts := syncer.Options{
		Sender:    cfg.Sender,
		EventType: cfg.EventType,
		Contracts: contracts,
	}
	if a.Redis != nil {
		opts.Notifier = a.Redis
	}
	orch, err := syncer.New(store, scan, a.Logger, opts)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.cfg = cfg
	a.orchestrator = orch
	a.mu.Unlock()
	return nil
}

// Config returns the active configuration.
func (a *App) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// RunOnce synchronizes every configured contract and caches the report.
// Concurrent calls are serialized.
func (a *App) RunOnce(ctx context.Context) (syncer.Report, error) {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	a.mu.Lock()
	orch := a.orchestrator
	a.active = orch
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.active = nil
		a.mu.Unlock()
	}()

	report, err := orch.Sync(ctx)
	if err != nil {
		a.Logger.Error("Synchronization aborted", zap.String("sender", orch.Sender()), zap.Error(err))
		return report, err
	}
	a.Reports.Store(report.Sender, report)

	for _, w := range report.Warnings() {
		a.Logger.Warn("Contract not fully synchronized",
			zap.String("contract", w.Contract),
			zap.String("outcome", string(w.Outcome)),
			zap.String("error", w.Failure()))
	}
	a.Logger.Info("Synchronization finished",
		zap.String("sender", report.Sender),
		zap.String("event", report.EventType),
		zap.Int("events", len(report.Events)),
		zap.Int("contracts", len(report.Contracts)),
		zap.Int("warnings", len(report.Warnings())),
		zap.Duration("took", report.Duration))
	return report, nil
}

// Interrupt stops the contract currently being scanned; the run flushes it and
// moves on to the next contract. It reports whether a scan was interrupted.
func (a *App) Interrupt() bool {
	a.mu.RLock()
	orch := a.active
	a.mu.RUnlock()
	if orch == nil {
		return false
	}
	return orch.Interrupt()
}

// SetupScheduler sets up the cron scheduler. Overlapping ticks are skipped so
// only one run writes the checkpoint at a time.
func (a *App) SetupScheduler(ctx context.Context, spec string) error {
	logger := cronLogger{a.Logger.Sugar()}
	a.Cron = cron.New(
		cron.WithParser(cron.NewParser(config.CronFields)),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	_, err := a.Cron.AddFunc(spec, func() {
		if _, err := a.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Error("[mechsync] scheduled sync failed", zap.Error(err))
		}
	})
	return err
}

// StartCron starts the cron scheduler.
func (a *App) StartCron() {
	a.Cron.Start()
	a.Logger.Info("[mechsync] Cron started", zap.String("cronSpec", a.Config().Schedule))
}

// StopCron stops the scheduler and waits for a running sync to return.
func (a *App) StopCron() {
	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}
}

// WatchConfig reloads the pipeline whenever the config file changes.
func (a *App) WatchConfig(ctx context.Context) {
	if a.ConfigPath == "" {
		return
	}
	w := config.NewWatcher(a.ConfigPath, a.Config(), a.Logger)
	err := w.Watch(ctx, func(cfg *config.Config) {
		if err := a.Configure(cfg); err != nil {
			a.Logger.Warn("Ignoring config change", zap.Error(err))
		}
	})
	if err != nil {
		a.Logger.Warn("Config watcher stopped", zap.Error(err))
	}
}

// Ready reports whether at least one sync has completed and, when event
// notifications are enabled, Redis answers.
func (a *App) Ready(ctx context.Context) bool {
	if a.Reports.Size() == 0 {
		return false
	}
	if a.Redis != nil {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := a.Redis.Health(ctx); err != nil {
			a.Logger.Debug("Redis not ready", zap.Error(err))
			return false
		}
	}
	return true
}

// Start serves HTTP until ctx is done, then stops the scheduler.
func (a *App) Start(ctx context.Context) {
	go func() {
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("[mechsync] server error", zap.Error(err))
		}
	}()
	go a.WatchConfig(ctx)
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.Server.Shutdown(shutdownCtx)
	a.Logger.Info("[mechsync] shutting down…")
	a.StopCron()
	a.Close()
}

// Close releases the Redis connection and flushes logs.
func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	_ = a.Logger.Sync()
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct{ l *zap.SugaredLogger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
