package addrindex

import (
	"context"
	"sync"
	"time"

	"github.com/blocklens/blocklens/internal/rpc"
)

// SyncState classifies the indexer's synchronization status.
type SyncState string

const (
	SyncDisabled   SyncState = "disabled"
	SyncStarting   SyncState = "starting"
	SyncCatchingUp SyncState = "catching_up"
	SyncSynced     SyncState = "synced"
	SyncDegraded   SyncState = "degraded"
	SyncError      SyncState = "error"
)

var allSyncStates = []string{
	string(SyncDisabled), string(SyncStarting), string(SyncCatchingUp),
	string(SyncSynced), string(SyncDegraded), string(SyncError),
}

// Status is the structured result of a status query. Callers always receive
// one, never an error.
type Status struct {
	State               SyncState `json:"state"`
	LastProcessedHeight int64     `json:"last_processed_height"`
	TipHeight           *int64    `json:"tip_height,omitempty"`
	TipHash             string    `json:"tip_hash,omitempty"`
	BlocksRemaining     *int64    `json:"blocks_remaining,omitempty"`
	ProgressPercent     *float64  `json:"progress_percent,omitempty"`
	BlocksPerSecond     float64   `json:"blocks_per_second"`
	TxPerSecond         float64   `json:"tx_per_second"`
	ETASeconds          *float64  `json:"eta_seconds,omitempty"`
	SyncInProgress      bool      `json:"sync_in_progress"`
	LastError           string    `json:"last_error,omitempty"`
}

type blockSample struct {
	height   int64
	txCount  int
	duration time.Duration
	at       time.Time
}

// engineView is the slice of engine state the reporter reads.
type engineView interface {
	State() State
	LastError() error
	SyncInProgress() bool
	Store() *Store
}

// StatusReporter computes sync state, throughput and ETA from a bounded
// rolling window of per-block samples.
type StatusReporter struct {
	client  rpc.BitcoinClient
	enabled bool
	window  int
	engine  engineView

	mu      sync.Mutex
	samples []blockSample

	tipHeight *int64
	tipHash   string
}

// NewStatusReporter creates a reporter with a sample window of the given size.
func NewStatusReporter(client rpc.BitcoinClient, window int, enabled bool,
	engine engineView) *StatusReporter {
	if window < 2 {
		window = 2
	}

	return &StatusReporter{
		client:  client,
		enabled: enabled,
		window:  window,
		engine:  engine,
		samples: make([]blockSample, 0, window),
	}
}

// RecordSample appends one per-block sample, evicting the oldest when the
// window is full.
func (r *StatusReporter) RecordSample(height int64, txCount int, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.samples) == r.window {
		copy(r.samples, r.samples[1:])
		r.samples = r.samples[:len(r.samples)-1]
	}

	r.samples = append(r.samples, blockSample{
		height:   height,
		txCount:  txCount,
		duration: duration,
		at:       time.Now(),
	})
}

// throughput returns blocks/s and tx/s over the sample window span. The
// first sample only anchors the start of the span, so its txCount is
// excluded: rates cover the work observed after that point. Zero when fewer
// than two samples exist.
func (r *StatusReporter) throughput() (blocksPerSec, txPerSec float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.samples) < 2 {
		return 0, 0
	}

	first := r.samples[0]
	last := r.samples[len(r.samples)-1]

	span := last.at.Sub(first.at).Seconds()
	if span <= 0 {
		return 0, 0
	}

	var totalTx int
	for _, s := range r.samples[1:] {
		totalTx += s.txCount
	}

	return float64(last.height-first.height) / span, float64(totalTx) / span
}

// Status computes the current sync status. It never returns an error: tip
// fetch failures degrade the state instead. When refreshTip is false the
// last known tip is reused.
func (r *StatusReporter) Status(ctx context.Context, refreshTip bool) Status {
	status := Status{
		State:               SyncStarting,
		LastProcessedHeight: CheckpointNotStarted,
	}

	if !r.enabled {
		status.State = SyncDisabled
		r.emit(status)
		return status
	}

	engineState := r.engine.State()
	if lastErr := r.engine.LastError(); lastErr != nil {
		status.LastError = lastErr.Error()
		if engineState == StateClosed || engineState == StateUninitialized {
			status.State = SyncError
			r.emit(status)
			return status
		}
	}
	status.SyncInProgress = r.engine.SyncInProgress()

	if store := r.engine.Store(); store != nil {
		if height, _, err := store.GetCheckpoint(ctx); err == nil {
			status.LastProcessedHeight = height
		}
	}

	status.BlocksPerSecond, status.TxPerSecond = r.throughput()

	degraded := false
	if refreshTip {
		if tip, err := r.client.GetBlockCount(ctx); err != nil {
			degraded = true
			status.LastError = err.Error()
		} else {
			hash := ""
			if tipHash, err := r.client.GetBlockHash(ctx, tip); err == nil {
				hash = tipHash.String()
			}
			r.mu.Lock()
			r.tipHeight, r.tipHash = &tip, hash
			r.mu.Unlock()
		}
	}

	r.mu.Lock()
	tipHeight, tipHash, sampleCount := r.tipHeight, r.tipHash, len(r.samples)
	r.mu.Unlock()

	if degraded {
		status.State = SyncDegraded
		r.emit(status)
		return status
	}

	status.TipHeight = tipHeight
	status.TipHash = tipHash

	if tipHeight != nil && *tipHeight > 0 {
		remaining := *tipHeight - status.LastProcessedHeight
		if remaining < 0 {
			remaining = 0
		}
		status.BlocksRemaining = &remaining

		progress := 100 * float64(status.LastProcessedHeight) / float64(*tipHeight)
		if progress < 0 {
			progress = 0
		}
		if progress > 100 {
			progress = 100
		}
		status.ProgressPercent = &progress

		if remaining > 0 && status.BlocksPerSecond > 0 {
			eta := float64(remaining) / status.BlocksPerSecond
			status.ETASeconds = &eta
		}
	}

	// When no tip is known (refreshTip false before any successful refresh)
	// the classification falls back to the engine's own progress so a cheap
	// poll never regresses the reported state to starting.
	switch {
	case sampleCount == 0 && status.LastProcessedHeight == CheckpointNotStarted:
		status.State = SyncStarting
	case status.BlocksRemaining != nil && *status.BlocksRemaining > 0:
		status.State = SyncCatchingUp
	case status.BlocksRemaining != nil:
		status.State = SyncSynced
	case engineState == StateLive:
		status.State = SyncSynced
	default:
		status.State = SyncCatchingUp
	}

	r.emit(status)
	return status
}

// emit publishes the computed fields to the metrics gauges.
func (r *StatusReporter) emit(status Status) {
	StatusStateSet(string(status.State), allSyncStates)

	if status.BlocksRemaining != nil {
		StatusBlocksRemaining.Set(float64(*status.BlocksRemaining))
	}
	if status.ProgressPercent != nil {
		StatusProgressPercent.Set(*status.ProgressPercent)
	}
	if status.ETASeconds != nil {
		StatusETASeconds.Set(*status.ETASeconds)
	}
	if status.TipHeight != nil {
		StatusTipHeight.Set(float64(*status.TipHeight))
	}

	inProgress := float64(0)
	if status.SyncInProgress {
		inProgress = 1
	}
	StatusSyncInProgress.Set(inProgress)
}
