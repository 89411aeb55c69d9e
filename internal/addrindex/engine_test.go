package addrindex

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blocklens/blocklens/internal/addrindex/migrations"
	"github.com/blocklens/blocklens/internal/common"
	"github.com/blocklens/blocklens/internal/db"
	"github.com/blocklens/blocklens/internal/feed"
	"github.com/blocklens/blocklens/internal/logger"
	"github.com/blocklens/blocklens/internal/rpc"
	"github.com/blocklens/blocklens/pkg/config"
)

// fakeChain is an in-memory chain backing the BitcoinClient contract.
type fakeChain struct {
	mu     sync.Mutex
	blocks []*btcjson.GetBlockVerboseTxResult
	txs    map[string]*btcjson.TxRawResult

	rpcCalls map[string]int
	failAll  bool

	// When set, GetBlockVerboseTx signals blockFetchEntered and then blocks
	// until blockFetchRelease is closed.
	blockFetchEntered chan struct{}
	blockFetchRelease chan struct{}
}

var _ rpc.BitcoinClient = (*fakeChain)(nil)

func newFakeChain() *fakeChain {
	return &fakeChain{
		txs:      make(map[string]*btcjson.TxRawResult),
		rpcCalls: make(map[string]int),
	}
}

func fakeHash(seed byte) *chainhash.Hash {
	var h chainhash.Hash
	h[0] = seed
	h[31] = 0x7f
	return &h
}

// addBlock appends a block with the given transactions and registers them for
// getrawtransaction lookups.
func (c *fakeChain) addBlock(txs ...btcjson.TxRawResult) *btcjson.GetBlockVerboseTxResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	height := int64(len(c.blocks))
	block := &btcjson.GetBlockVerboseTxResult{
		Hash:   fakeHash(byte(height)).String(),
		Height: height,
		Time:   1700000000 + height,
		Tx:     txs,
	}
	c.blocks = append(c.blocks, block)

	for i := range txs {
		tx := txs[i]
		c.txs[tx.Txid] = &tx
	}

	return block
}

func (c *fakeChain) call(method string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rpcCalls[method]++
	if c.failAll {
		return fmt.Errorf("fake node down")
	}
	return nil
}

func (c *fakeChain) GetBlockCount(ctx context.Context) (int64, error) {
	if err := c.call("getblockcount"); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.blocks)) - 1, nil
}

func (c *fakeChain) GetBlockHash(ctx context.Context, height int64) (*chainhash.Hash, error) {
	if err := c.call("getblockhash"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if height < 0 || height >= int64(len(c.blocks)) {
		return nil, fmt.Errorf("block height %d out of range", height)
	}
	return chainhash.NewHashFromStr(c.blocks[height].Hash)
}

func (c *fakeChain) GetBlockVerboseTx(ctx context.Context, hash *chainhash.Hash) (*btcjson.GetBlockVerboseTxResult, error) {
	if err := c.call("getblock"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	entered, release := c.blockFetchEntered, c.blockFetchRelease
	c.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
		<-release
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, block := range c.blocks {
		if block.Hash == hash.String() {
			return block, nil
		}
	}
	return nil, fmt.Errorf("block %s not found", hash)
}

func (c *fakeChain) GetRawTransactionVerbose(ctx context.Context, txid *chainhash.Hash) (*btcjson.TxRawResult, error) {
	if err := c.call("getrawtransaction"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.txs[txid.String()]
	if !ok {
		return nil, fmt.Errorf("tx %s not found", txid)
	}
	return tx, nil
}

func (c *fakeChain) calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rpcCalls[method]
}

// txid helpers: chainhash round-trips through NewHashFromStr, so txids must
// be valid 64-char hex.
func testTxid(seed byte) string {
	return fakeHash(seed).String()
}

func coinbaseTx(txid string, outputs ...btcjson.Vout) btcjson.TxRawResult {
	return btcjson.TxRawResult{
		Txid: txid,
		Vin:  []btcjson.Vin{{Coinbase: "0102"}},
		Vout: outputs,
	}
}

func spendTx(txid, prevTxid string, prevVout uint32, outputs ...btcjson.Vout) btcjson.TxRawResult {
	return btcjson.TxRawResult{
		Txid: txid,
		Vin:  []btcjson.Vin{{Txid: prevTxid, Vout: prevVout}},
		Vout: outputs,
	}
}

func payment(address string, n uint32, valueBTC float64) btcjson.Vout {
	return btcjson.Vout{
		Value: valueBTC,
		N:     n,
		ScriptPubKey: btcjson.ScriptPubKeyResult{
			Address: address,
			Type:    "pubkeyhash",
		},
	}
}

func testEngineConfig(t *testing.T) *config.AddressIndexConfig {
	t.Helper()

	cfg := &config.AddressIndexConfig{
		Enabled: true,
		DB: config.DatabaseConfig{
			Path: filepath.Join(t.TempDir(), "index.db"),
		},
	}
	cfg.ApplyDefaults()
	cfg.DrainTimeout = common.NewDuration(2 * time.Second)

	return cfg
}

func waitForState(t *testing.T, e *Engine, want State) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if e.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("engine never reached state %s, stuck at %s (lastErr=%v)",
		want, e.State(), e.LastError())
}

func waitForCheckpoint(t *testing.T, e *Engine, want int64) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if height, _, err := e.Store().GetCheckpoint(context.Background()); err == nil && height >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	height, _, _ := e.Store().GetCheckpoint(context.Background())
	t.Fatalf("checkpoint never reached %d, stuck at %d", want, height)
}

func TestEngine_BackfillIndexesChain(t *testing.T) {
	chain := newFakeChain()
	chain.addBlock(coinbaseTx(testTxid(0xa0), payment("miner", 0, 0.001)))
	chain.addBlock(coinbaseTx(testTxid(0xa1), payment("alice", 0, 0.5)))
	chain.addBlock(
		coinbaseTx(testTxid(0xa2), payment("miner", 0, 0.001)),
		spendTx(testTxid(0xa3), testTxid(0xa1), 0,
			payment("bob", 0, 0.3), payment("alice", 1, 0.2)),
	)

	bus := feed.NewBus()
	defer bus.Close()

	engine := New(testEngineConfig(t), chain, bus, logger.NewNopLogger())
	require.NoError(t, engine.Start(context.Background()))
	waitForState(t, engine, StateLive)

	ctx := context.Background()

	alice := requireSummary(t, engine.Store(), "alice")
	assert.Equal(t, int64(20_000_000), alice.BalanceSat)
	assert.Equal(t, int64(2), alice.TxCount)

	bob := requireSummary(t, engine.Store(), "bob")
	assert.Equal(t, int64(30_000_000), bob.BalanceSat)

	height, hash, err := engine.Store().GetCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), height)
	assert.Equal(t, chain.blocks[2].Hash, hash)

	require.NoError(t, engine.Close(ctx))
	waitForState(t, engine, StateClosed)
}

func TestEngine_ResumesFromCheckpoint(t *testing.T) {
	chain := newFakeChain()
	chain.addBlock(coinbaseTx(testTxid(0xb0), payment("miner", 0, 0.001)))
	chain.addBlock(coinbaseTx(testTxid(0xb1), payment("carol", 0, 0.1)))

	cfg := testEngineConfig(t)
	bus := feed.NewBus()
	defer bus.Close()

	engine := New(cfg, chain, bus, logger.NewNopLogger())
	require.NoError(t, engine.Start(context.Background()))
	waitForState(t, engine, StateLive)
	require.NoError(t, engine.Close(context.Background()))

	// Extend the chain and restart on the same database.
	chain.addBlock(coinbaseTx(testTxid(0xb2), payment("carol", 0, 0.2)))

	getblockBefore := chain.calls("getblock")

	restarted := New(cfg, chain, bus, logger.NewNopLogger())
	require.NoError(t, restarted.Start(context.Background()))
	waitForState(t, restarted, StateLive)
	defer restarted.Close(context.Background())

	carol := requireSummary(t, restarted.Store(), "carol")
	assert.Equal(t, int64(30_000_000), carol.BalanceSat)
	assert.Equal(t, int64(2), carol.TxCount)

	// Only the new block is fetched after restart.
	assert.Equal(t, 1, chain.calls("getblock")-getblockBefore)
}

func TestEngine_LiveBlockEventsCatchUpInOrder(t *testing.T) {
	chain := newFakeChain()
	chain.addBlock(coinbaseTx(testTxid(0xc0), payment("miner", 0, 0.001)))

	bus := feed.NewBus()
	defer bus.Close()

	engine := New(testEngineConfig(t), chain, bus, logger.NewNopLogger())
	require.NoError(t, engine.Start(context.Background()))
	waitForState(t, engine, StateLive)
	defer engine.Close(context.Background())

	// Two blocks arrive but only the later one is announced. The engine
	// must still apply heights in ascending order.
	chain.addBlock(coinbaseTx(testTxid(0xc1), payment("dave", 0, 0.1)))
	block2 := chain.addBlock(coinbaseTx(testTxid(0xc2), payment("dave", 0, 0.2)))

	announced, err := chainhash.NewHashFromStr(block2.Hash)
	require.NoError(t, err)
	bus.Publish(feed.TopicBlock, feed.BlockEvent{Hash: *announced})

	waitForCheckpoint(t, engine, 2)

	dave := requireSummary(t, engine.Store(), "dave")
	assert.Equal(t, int64(30_000_000), dave.BalanceSat)
	assert.Equal(t, int64(2), dave.TxCount)

	history, err := engine.Store().GetAddressTransactions(context.Background(), "dave", 1, 10)
	require.NoError(t, err)
	require.Len(t, history.Rows, 2)
	// Height-descending order proves 1 was applied before 2.
	assert.Equal(t, int64(2), history.Rows[0].Height)
	assert.Equal(t, int64(1), history.Rows[1].Height)
}

func TestEngine_CloseDrainsLiveBlockApplication(t *testing.T) {
	chain := newFakeChain()
	chain.addBlock(coinbaseTx(testTxid(0xc8), payment("miner", 0, 0.001)))

	bus := feed.NewBus()
	defer bus.Close()

	engine := New(testEngineConfig(t), chain, bus, logger.NewNopLogger())
	require.NoError(t, engine.Start(context.Background()))
	waitForState(t, engine, StateLive)

	block1 := chain.addBlock(coinbaseTx(testTxid(0xc9), payment("grace", 0, 0.1)))

	entered := make(chan struct{})
	release := make(chan struct{})
	chain.mu.Lock()
	chain.blockFetchEntered = entered
	chain.blockFetchRelease = release
	chain.mu.Unlock()

	announced, err := chainhash.NewHashFromStr(block1.Hash)
	require.NoError(t, err)
	bus.Publish(feed.TopicBlock, feed.BlockEvent{Hash: *announced})

	// The live handler is now mid block fetch on the dispatch goroutine.
	<-entered
	chain.mu.Lock()
	chain.blockFetchEntered = nil
	chain.mu.Unlock()
	require.True(t, engine.SyncInProgress())

	closed := make(chan error, 1)
	go func() { closed <- engine.Close(context.Background()) }()

	select {
	case err := <-closed:
		t.Fatalf("close returned while a live block application was in flight: %v", err)
	case <-time.After(150 * time.Millisecond):
	}

	close(release)

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("close never returned after the block application finished")
	}

	assert.Equal(t, StateClosed, engine.State())
	assert.NoError(t, engine.LastError())
}

func TestEngine_ReconcileCorrectsCheckpointAhead(t *testing.T) {
	chain := newFakeChain()
	chain.addBlock(coinbaseTx(testTxid(0xd0), payment("miner", 0, 0.001)))
	chain.addBlock(coinbaseTx(testTxid(0xd1), payment("erin", 0, 0.1)))

	cfg := testEngineConfig(t)
	bus := feed.NewBus()
	defer bus.Close()

	engine := New(cfg, chain, bus, logger.NewNopLogger())
	require.NoError(t, engine.Start(context.Background()))
	waitForState(t, engine, StateLive)

	// Simulate a crash that left the checkpoint ahead of the data.
	ctx := context.Background()
	require.NoError(t, engine.Store().SetCheckpoint(ctx, 50, "bogus"))
	require.NoError(t, engine.Close(ctx))

	restarted := New(cfg, chain, bus, logger.NewNopLogger())
	require.NoError(t, restarted.Start(ctx))
	waitForState(t, restarted, StateLive)
	defer restarted.Close(ctx)

	height, hash, err := restarted.Store().GetCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), height)
	assert.Equal(t, chain.blocks[1].Hash, hash)
}

func TestEngine_ReconcileResetsWhenTablesEmpty(t *testing.T) {
	chain := newFakeChain()
	chain.addBlock(coinbaseTx(testTxid(0xe0), payment("miner", 0, 0.001)))

	cfg := testEngineConfig(t)
	bus := feed.NewBus()
	defer bus.Close()

	// Seed a checkpoint with no data behind it.
	store := setupTestStoreAt(t, cfg.DB.Path)
	require.NoError(t, store.SetCheckpoint(context.Background(), 7, "stale"))
	require.NoError(t, store.Close())

	engine := New(cfg, chain, bus, logger.NewNopLogger())
	require.NoError(t, engine.Start(context.Background()))
	waitForState(t, engine, StateLive)
	defer engine.Close(context.Background())

	// Reset to -1 means the whole chain was replayed.
	height, _, err := engine.Store().GetCheckpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), height)
	requireSummary(t, engine.Store(), "miner")
}

func TestEngine_StartFailsWithBadStorePath(t *testing.T) {
	chain := newFakeChain()
	bus := feed.NewBus()
	defer bus.Close()

	cfg := testEngineConfig(t)
	cfg.DB.Path = filepath.Join(t.TempDir(), "missing", "nested", "index.db")

	engine := New(cfg, chain, bus, logger.NewNopLogger())
	err := engine.Start(context.Background())
	require.Error(t, err)

	var storeErr *StoreOpenError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, StateClosed, engine.State())
	assert.Error(t, engine.LastError())
}

func TestEngine_RPCFailureHaltsBackfill(t *testing.T) {
	chain := newFakeChain()
	chain.addBlock(coinbaseTx(testTxid(0xf0), payment("miner", 0, 0.001)))
	chain.addBlock(coinbaseTx(testTxid(0xf1), payment("frank", 0, 0.1)))

	bus := feed.NewBus()
	defer bus.Close()

	engine := New(testEngineConfig(t), chain, bus, logger.NewNopLogger())

	chain.mu.Lock()
	chain.failAll = true
	chain.mu.Unlock()

	require.NoError(t, engine.Start(context.Background()))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && engine.LastError() == nil {
		time.Sleep(5 * time.Millisecond)
	}
	require.Error(t, engine.LastError())
	assert.NotEqual(t, StateLive, engine.State())

	// The checkpoint was not advanced past committed data.
	height, _, err := engine.Store().GetCheckpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CheckpointNotStarted, height)

	require.NoError(t, engine.Close(context.Background()))
}

func TestEngine_DisabledIsNoOp(t *testing.T) {
	cfg := testEngineConfig(t)
	cfg.Enabled = false

	bus := feed.NewBus()
	defer bus.Close()

	engine := New(cfg, newFakeChain(), bus, logger.NewNopLogger())
	require.NoError(t, engine.Start(context.Background()))
	assert.Equal(t, StateUninitialized, engine.State())
	require.NoError(t, engine.Close(context.Background()))
}

// setupTestStoreAt opens a store on a specific path, running migrations.
func setupTestStoreAt(t *testing.T, dbPath string) *Store {
	t.Helper()

	require.NoError(t, migrations.RunMigrations(dbPath))

	database, err := db.NewSQLiteDB(dbPath)
	require.NoError(t, err)

	return NewStore(database, logger.NewNopLogger(), nil)
}
