package addrindex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/jellydator/ttlcache/v3"

	"github.com/blocklens/blocklens/internal/common"
	"github.com/blocklens/blocklens/internal/logger"
	"github.com/blocklens/blocklens/internal/rpc"
)

// ErrPoolClosed is returned by Submit after the worker pool has been closed.
var ErrPoolClosed = errors.New("worker pool closed")

// Lookup sources reported in metrics.
const (
	lookupSourceCache  = "cache"
	lookupSourceWorker = "worker"
	lookupSourceInline = "inline"
)

// workerPool is a fixed-size goroutine pool with a buffered job queue.
type workerPool struct {
	jobs chan func()
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func newWorkerPool(workers int) *workerPool {
	p := &workerPool{
		jobs: make(chan func(), workers*2),
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				job()
			}
		}()
	}

	return p
}

// Submit queues a job for execution. Returns ErrPoolClosed once the pool has
// been shut down.
func (p *workerPool) Submit(job func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}

	p.jobs <- job

	return nil
}

// Close stops accepting jobs and waits for in-flight jobs to finish.
func (p *workerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
}

// Resolver resolves the outputs spent by transaction inputs. Lookups go
// through a bounded TTL cache, then a worker pool for parallel RPC fan-out,
// and fall back to inline sequential RPC calls when the pool is unavailable.
type Resolver struct {
	client rpc.BitcoinClient
	cache  *ttlcache.Cache[string, *Prevout]
	pool   *workerPool
	log    *logger.Logger
}

// NewResolver creates a resolver with the given pool size and cache bounds.
func NewResolver(client rpc.BitcoinClient, workers int, cacheSize uint64,
	cacheTTL time.Duration, log *logger.Logger) *Resolver {
	cache := ttlcache.New[string, *Prevout](
		ttlcache.WithTTL[string, *Prevout](cacheTTL),
		ttlcache.WithCapacity[string, *Prevout](cacheSize),
	)
	go cache.Start()

	return &Resolver{
		client: client,
		cache:  cache,
		pool:   newWorkerPool(workers),
		log:    log.WithComponent(common.ComponentPrevoutResolver),
	}
}

// Close shuts down the worker pool and the cache janitor.
func (r *Resolver) Close() {
	r.pool.Close()
	r.cache.Stop()
}

// FetchPrevouts resolves the spent output for every input of tx. The result
// has one entry per input: nil for coinbase inputs and inputs whose prevout
// could not be resolved. It never fails the whole transaction; a degraded
// worker pool falls back to inline sequential RPC calls.
func (r *Resolver) FetchPrevouts(ctx context.Context, tx *btcjson.TxRawResult) []*Prevout {
	results := make([]*Prevout, len(tx.Vin))

	var (
		wg     sync.WaitGroup
		missed []int
	)

	for i, vin := range tx.Vin {
		if vin.IsCoinBase() {
			continue
		}

		key := fmt.Sprintf("%s:%d", vin.Txid, vin.Vout)
		if item := r.cache.Get(key); item != nil {
			results[i] = item.Value()
			PrevoutLookupObserve(lookupSourceCache, "hit", 0)
			continue
		}

		wg.Add(1)
		err := r.pool.Submit(func() {
			defer wg.Done()
			results[i] = r.lookup(ctx, vin.Txid, vin.Vout, lookupSourceWorker)
		})
		if err != nil {
			wg.Done()
			missed = append(missed, i)
		}
	}

	wg.Wait()

	// Pool dispatch failed for these inputs; resolve them sequentially.
	for _, i := range missed {
		vin := tx.Vin[i]
		results[i] = r.lookup(ctx, vin.Txid, vin.Vout, lookupSourceInline)
	}

	return results
}

// lookup fetches the transaction that created the prevout and extracts the
// matching output. Failures yield nil so the caller treats the input as
// unattributable rather than failing the block.
func (r *Resolver) lookup(ctx context.Context, txid string, vout uint32, source string) *Prevout {
	start := time.Now()

	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		PrevoutLookupObserve(source, "error", time.Since(start))
		r.log.Warnw("invalid prevout txid", "txid", txid, "err", err)
		return nil
	}

	rawTx, err := r.client.GetRawTransactionVerbose(ctx, hash)
	if err != nil {
		outcome := "error"
		if rpc.IsNotFound(err) {
			outcome = "unresolved"
		}
		PrevoutLookupObserve(source, outcome, time.Since(start))
		r.log.Debugw("prevout lookup failed",
			"txid", txid, "vout", vout, "err", err)
		return nil
	}

	if int(vout) >= len(rawTx.Vout) {
		PrevoutLookupObserve(source, "unresolved", time.Since(start))
		r.log.Warnw("prevout index out of range",
			"txid", txid, "vout", vout, "outputs", len(rawTx.Vout))
		return nil
	}

	prevout := prevoutFromVout(rawTx.Vout[vout])

	r.cache.Set(fmt.Sprintf("%s:%d", txid, vout), prevout, ttlcache.DefaultTTL)
	PrevoutLookupObserve(source, "resolved", time.Since(start))

	return prevout
}

// prevoutFromVout converts a decoded output into a Prevout. The address is
// empty for scripts that do not encode one.
func prevoutFromVout(out btcjson.Vout) *Prevout {
	amount, err := btcutil.NewAmount(out.Value)
	if err != nil {
		amount = 0
	}

	return &Prevout{
		Address:  outputAddress(out.ScriptPubKey),
		ValueSat: int64(amount),
	}
}

func outputAddress(script btcjson.ScriptPubKeyResult) string {
	if script.Address != "" {
		return script.Address
	}
	// Older nodes only populate the plural field.
	if len(script.Addresses) == 1 {
		return script.Addresses[0]
	}

	return ""
}
