package addrindex

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"golang.org/x/sync/errgroup"

	"github.com/blocklens/blocklens/internal/addrindex/migrations"
	"github.com/blocklens/blocklens/internal/common"
	"github.com/blocklens/blocklens/internal/db"
	"github.com/blocklens/blocklens/internal/feed"
	"github.com/blocklens/blocklens/internal/logger"
	"github.com/blocklens/blocklens/internal/metrics"
	"github.com/blocklens/blocklens/internal/rpc"
	"github.com/blocklens/blocklens/pkg/config"
)

// State is the engine's lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateOpening       State = "opening"
	StateReconciling   State = "reconciling"
	StateBackfilling   State = "backfilling"
	StateLive          State = "live"
	StateStopping      State = "stopping"
	StateClosed        State = "closed"
)

// StoreOpenError is a fatal startup error: the index store could not be
// opened or created.
type StoreOpenError struct {
	Path string
	Err  error
}

func (e *StoreOpenError) Error() string {
	return fmt.Sprintf("failed to open index store at %s: %v", e.Path, e.Err)
}

func (e *StoreOpenError) Unwrap() error {
	return e.Err
}

const (
	progressLogInterval = 100

	// drainPollInterval paces the shutdown wait for a live block
	// application running on the feed dispatch goroutine.
	drainPollInterval = 10 * time.Millisecond
)

// Engine orchestrates the address index: it owns the store and the prevout
// resolver, runs the initial backfill, subscribes to the change feed for live
// updates, and exposes the read-only query surface.
type Engine struct {
	cfg    *config.AddressIndexConfig
	client rpc.BitcoinClient
	bus    *feed.Bus
	log    *logger.Logger

	store       *Store
	resolver    *Resolver
	status      *StatusReporter
	xpubs       *XpubTracker
	maintenance db.Maintenance

	mu      sync.RWMutex
	state   State
	lastErr error

	syncInProgress atomic.Bool
	stopping       atomic.Bool

	runCtx    context.Context
	runCancel context.CancelFunc

	unsubscribeBlock func()
	unsubscribeTx    func()

	wg sync.WaitGroup
}

// New creates an engine. Nothing is opened until Start.
func New(cfg *config.AddressIndexConfig, client rpc.BitcoinClient,
	bus *feed.Bus, log *logger.Logger) *Engine {
	e := &Engine{
		cfg:    cfg,
		client: client,
		bus:    bus,
		log:    log.WithComponent(common.ComponentEngine),
		state:  StateUninitialized,
	}
	e.status = NewStatusReporter(client, cfg.StatusWindow, cfg.Enabled, e)

	return e
}

// Store exposes the underlying index store for read-only query callers.
// Nil until Start has opened it.
func (e *Engine) Store() *Store {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.store
}

// StatusReporter returns the engine's telemetry reporter.
func (e *Engine) StatusReporter() *StatusReporter {
	return e.status
}

// XpubTracker returns the extended-key tracker. Nil until Start has opened
// the store.
func (e *Engine) XpubTracker() *XpubTracker {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.xpubs
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// LastError returns the most recent engine-level failure, if any.
func (e *Engine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

// SyncInProgress reports whether a block application is currently in flight.
func (e *Engine) SyncInProgress() bool {
	return e.syncInProgress.Load()
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	metrics.ComponentHealthSet(common.ComponentEngine,
		s == StateBackfilling || s == StateLive)
}

func (e *Engine) setLastError(err error) {
	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()
	if err != nil {
		metrics.ErrorInc(common.ComponentEngine, "error")
	}
}

// Start opens the store, reconciles the checkpoint against observed data and
// launches the backfill goroutine. It returns once the engine is running;
// backfill progress is reported through the status reporter.
func (e *Engine) Start(ctx context.Context) error {
	if !e.cfg.Enabled {
		e.log.Info("address indexer disabled")
		return nil
	}

	params, err := e.cfg.NetParams()
	if err != nil {
		e.setLastError(err)
		e.setState(StateClosed)
		return err
	}

	e.setState(StateOpening)

	if err := e.openStore(ctx); err != nil {
		e.setLastError(err)
		e.setState(StateClosed)
		return err
	}

	e.setState(StateReconciling)

	if err := e.reconcileCheckpoint(ctx); err != nil {
		e.setLastError(err)
		e.setState(StateClosed)
		return fmt.Errorf("checkpoint reconciliation failed: %w", err)
	}

	e.mu.Lock()
	e.xpubs = NewXpubTracker(e.store, params, e.cfg.XpubGapLimit, e.log)
	e.mu.Unlock()

	e.resolver = NewResolver(e.client, e.cfg.PrevoutWorkers,
		e.cfg.PrevoutCacheSize, e.cfg.PrevoutCacheTTL.Duration, e.log)

	e.runCtx, e.runCancel = context.WithCancel(context.Background())

	e.setState(StateBackfilling)

	e.wg.Add(1)
	go e.run()

	return nil
}

func (e *Engine) openStore(ctx context.Context) error {
	dbPath := e.cfg.DB.Path

	if err := migrations.RunMigrations(dbPath); err != nil {
		return &StoreOpenError{Path: dbPath, Err: err}
	}

	database, err := db.NewSQLiteDBFromConfig(e.cfg.DB)
	if err != nil {
		return &StoreOpenError{Path: dbPath, Err: err}
	}

	e.maintenance = db.NewMaintenanceCoordinator(dbPath, database, e.cfg.Maintenance, e.log)
	if err := e.maintenance.Start(ctx); err != nil {
		database.Close()
		return &StoreOpenError{Path: dbPath, Err: err}
	}

	store := NewStore(database, e.log, e.maintenance)

	e.mu.Lock()
	e.store = store
	e.mu.Unlock()

	return nil
}

// reconcileCheckpoint corrects the stored checkpoint when it disagrees with
// the data actually present. A crash between committing a block and the next
// startup must never leave the checkpoint ahead of persisted data.
func (e *Engine) reconcileCheckpoint(ctx context.Context) error {
	checkpoint, _, err := e.store.GetCheckpoint(ctx)
	if err != nil {
		return err
	}

	observed, err := e.store.MaxObservedHeight(ctx)
	if err != nil {
		return err
	}

	if checkpoint == observed {
		return nil
	}

	if observed == CheckpointNotStarted {
		e.log.Warnw("checkpoint present but data tables empty, resetting",
			"checkpoint", checkpoint)
		return e.store.SetCheckpoint(ctx, CheckpointNotStarted, "")
	}

	e.log.Warnw("checkpoint disagrees with observed data, correcting",
		"checkpoint", checkpoint, "observed", observed)

	// Best effort: re-fetch the hash for the corrected height. A failure
	// leaves the stored hash stale, which the next applied block repairs.
	hash := ""
	if blockHash, err := e.client.GetBlockHash(ctx, observed); err != nil {
		e.log.Warnw("unable to re-fetch block hash for corrected checkpoint",
			"height", observed, "err", err)
	} else {
		hash = blockHash.String()
	}

	if hash == "" {
		return e.store.SetMetadata(ctx, MetaLastProcessedHeight,
			fmt.Sprintf("%d", observed))
	}

	return e.store.SetCheckpoint(ctx, observed, hash)
}

// run executes the initial backfill and, if it completes while the engine is
// still running, switches to live feed-driven updates.
func (e *Engine) run() {
	defer e.wg.Done()

	if err := e.initialSync(e.runCtx); err != nil {
		e.log.Errorw("initial sync halted", "err", err)
		e.setLastError(err)
		return
	}

	if e.stopping.Load() {
		return
	}

	e.mu.Lock()
	e.unsubscribeBlock = e.bus.Subscribe(feed.TopicBlock, e.handleBlockEvent)
	e.unsubscribeTx = e.bus.Subscribe(feed.TopicTx, e.handleTxEvent)
	e.mu.Unlock()

	e.setState(StateLive)
	e.log.Info("backfill complete, following live feed")
}

// initialSync replays blocks sequentially from checkpoint+1 to the chain tip.
func (e *Engine) initialSync(ctx context.Context) error {
	if !e.syncInProgress.CompareAndSwap(false, true) {
		return fmt.Errorf("sync already in progress")
	}
	defer e.syncInProgress.Store(false)

	bestHeight, err := e.client.GetBlockCount(ctx)
	if err != nil {
		return fmt.Errorf("failed to get chain height: %w", err)
	}

	checkpoint, _, err := e.store.GetCheckpoint(ctx)
	if err != nil {
		return err
	}

	if checkpoint >= bestHeight {
		e.log.Infow("index already at chain tip", "height", checkpoint)
		return nil
	}

	e.log.Infow("starting backfill",
		"from", checkpoint+1, "to", bestHeight)

	for height := checkpoint + 1; height <= bestHeight; height++ {
		if e.stopping.Load() {
			e.log.Infow("backfill interrupted by shutdown", "nextHeight", height)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := e.processBlockHeight(ctx, height); err != nil {
			return fmt.Errorf("failed to process block %d: %w", height, err)
		}

		if height%progressLogInterval == 0 || height == bestHeight {
			e.log.Infow("backfill progress",
				"height", height, "target", bestHeight)
		}
	}

	return nil
}

// handleBlockEvent applies new blocks announced by the feed. Re-entrancy is
// gated: overlapping announcements are dropped and the sequential catch-up on
// the next event covers anything missed.
func (e *Engine) handleBlockEvent(event any) {
	blockEvent, ok := event.(feed.BlockEvent)
	if !ok {
		return
	}

	if e.stopping.Load() {
		return
	}

	if !e.syncInProgress.CompareAndSwap(false, true) {
		e.log.Debugw("block application already in flight, skipping event",
			"hash", blockEvent.Hash.String())
		return
	}
	defer e.syncInProgress.Store(false)

	if err := e.catchUpTo(e.runCtx, &blockEvent.Hash); err != nil {
		e.log.Errorw("live block application failed",
			"hash", blockEvent.Hash.String(), "err", err)
		e.setLastError(err)
	}
}

// handleTxEvent counts mempool transaction announcements. The index only
// applies confirmed blocks, so the event is observed but not stored.
func (e *Engine) handleTxEvent(event any) {
	if _, ok := event.(feed.TxEvent); ok {
		TxAnnouncementsObserved.Inc()
	}
}

// catchUpTo fetches the announced block to learn its height, then processes
// every height from checkpoint+1 up to it in ascending order. Heights are
// never applied out of order even when feed events are missed or reordered.
func (e *Engine) catchUpTo(ctx context.Context, hash *chainhash.Hash) error {
	block, err := e.client.GetBlockVerboseTx(ctx, hash)
	if err != nil {
		return fmt.Errorf("failed to fetch announced block: %w", err)
	}

	checkpoint, _, err := e.store.GetCheckpoint(ctx)
	if err != nil {
		return err
	}

	for height := checkpoint + 1; height <= block.Height; height++ {
		if e.stopping.Load() {
			return nil
		}

		if height == block.Height {
			if err := e.applyBlock(ctx, block); err != nil {
				return err
			}
			break
		}

		if err := e.processBlockHeight(ctx, height); err != nil {
			return err
		}
	}

	return nil
}

// processBlockHeight resolves the hash for a height and applies the block.
func (e *Engine) processBlockHeight(ctx context.Context, height int64) error {
	hash, err := e.client.GetBlockHash(ctx, height)
	if err != nil {
		return fmt.Errorf("failed to get block hash: %w", err)
	}

	return e.processBlockHash(ctx, hash)
}

// processBlockHash fetches a block with decoded transactions and applies it.
func (e *Engine) processBlockHash(ctx context.Context, hash *chainhash.Hash) error {
	block, err := e.client.GetBlockVerboseTx(ctx, hash)
	if err != nil {
		return fmt.Errorf("failed to fetch block %s: %w", hash, err)
	}

	return e.applyBlock(ctx, block)
}

// applyBlock resolves all prevouts for the block's transactions in parallel,
// builds per-transaction effects and applies them atomically together with
// the checkpoint advance.
func (e *Engine) applyBlock(ctx context.Context, block *btcjson.GetBlockVerboseTxResult) error {
	start := time.Now()

	prevouts := make([][]*Prevout, len(block.Tx))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.PrevoutWorkers)

	for i := range block.Tx {
		g.Go(func() error {
			prevouts[i] = e.resolver.FetchPrevouts(gctx, &block.Tx[i])
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	effects := make([]*TxEffect, 0, len(block.Tx))
	for i := range block.Tx {
		effects = append(effects, buildTxEffect(&block.Tx[i], prevouts[i]))
	}

	if err := e.store.ApplyBlock(ctx, block.Height, block.Hash,
		block.Time, effects); err != nil {
		return err
	}

	duration := time.Since(start)

	metrics.BlocksProcessedInc()
	metrics.TxsProcessedAdd(len(block.Tx))
	metrics.CheckpointHeightSet(block.Height)
	metrics.BlockProcessingTimeLog(duration)

	e.status.RecordSample(block.Height, len(block.Tx), duration)

	return nil
}

// buildTxEffect turns one decoded transaction plus its resolved prevouts into
// address deltas. Inputs whose prevout is unresolved or carries no address
// are left unattributed.
func buildTxEffect(tx *btcjson.TxRawResult, prevouts []*Prevout) *TxEffect {
	effect := &TxEffect{Txid: tx.Txid}

	for _, out := range tx.Vout {
		address := outputAddress(out.ScriptPubKey)
		if address == "" {
			continue
		}

		amount, err := btcutil.NewAmount(out.Value)
		if err != nil {
			continue
		}

		effect.Credits = append(effect.Credits, Credit{
			Address:  address,
			Vout:     out.N,
			ValueSat: int64(amount),
		})
	}

	for i, vin := range tx.Vin {
		if vin.IsCoinBase() {
			continue
		}

		var prevout *Prevout
		if i < len(prevouts) {
			prevout = prevouts[i]
		}
		if prevout == nil || prevout.Address == "" {
			continue
		}

		effect.Debits = append(effect.Debits, Debit{
			Address:   prevout.Address,
			Vin:       uint32(i),
			ValueSat:  prevout.ValueSat,
			SpentTxid: vin.Txid,
			SpentVout: vin.Vout,
		})
	}

	return effect
}

// Close drains any in-flight block application, bounded by the configured
// drain timeout, then shuts down the resolver and the store.
func (e *Engine) Close(ctx context.Context) error {
	if !e.cfg.Enabled {
		return nil
	}

	e.stopping.Store(true)
	e.setState(StateStopping)

	e.mu.Lock()
	if e.unsubscribeBlock != nil {
		e.unsubscribeBlock()
		e.unsubscribeBlock = nil
	}
	if e.unsubscribeTx != nil {
		e.unsubscribeTx()
		e.unsubscribeTx = nil
	}
	e.mu.Unlock()

	// The backfill goroutine is wg-tracked; live block applications run on
	// the feed dispatch goroutine and are tracked only by syncInProgress,
	// so the drain must wait on both.
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		for e.syncInProgress.Load() {
			time.Sleep(drainPollInterval)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(e.cfg.DrainTimeout.Duration):
		e.log.Warnw("drain timed out, closing anyway",
			"timeout", e.cfg.DrainTimeout.Duration)
	case <-ctx.Done():
		e.log.Warnw("close context cancelled before drain finished")
	}

	if e.runCancel != nil {
		e.runCancel()
	}

	if e.resolver != nil {
		e.resolver.Close()
	}

	if e.maintenance != nil {
		if err := e.maintenance.Stop(); err != nil {
			e.log.Warnw("failed to stop maintenance", "err", err)
		}
	}

	var closeErr error
	e.mu.Lock()
	if e.store != nil {
		closeErr = e.store.Close()
	}
	e.mu.Unlock()

	e.setState(StateClosed)
	e.log.Info("address indexer closed")

	return closeErr
}
