package addrindex

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blocklens/blocklens/internal/addrindex/migrations"
	"github.com/blocklens/blocklens/internal/db"
	"github.com/blocklens/blocklens/internal/logger"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "addrindex.db")
	require.NoError(t, migrations.RunMigrations(dbPath))

	database, err := db.NewSQLiteDB(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	return NewStore(database, logger.NewNopLogger(), nil)
}

func requireSummary(t *testing.T, store *Store, address string) *Address {
	t.Helper()

	summary, err := store.GetAddressSummary(context.Background(), address)
	require.NoError(t, err)
	require.NotNil(t, summary, "expected address %s to be indexed", address)

	return summary
}

func TestStore_ReceiveAndSpendWithinBlock(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	// A receives 100k sats in T1 and spends 60k of it to B in T2,
	// both in the same block.
	effects := []*TxEffect{
		{
			Txid: "t1",
			Credits: []Credit{
				{Address: "addrA", Vout: 0, ValueSat: 100_000},
			},
		},
		{
			Txid: "t2",
			Credits: []Credit{
				{Address: "addrB", Vout: 0, ValueSat: 60_000},
				{Address: "addrA", Vout: 1, ValueSat: 40_000},
			},
			Debits: []Debit{
				{Address: "addrA", Vin: 0, ValueSat: 100_000, SpentTxid: "t1", SpentVout: 0},
			},
		},
	}

	require.NoError(t, store.ApplyBlock(ctx, 100, "hash100", 1700000000, effects))

	a := requireSummary(t, store, "addrA")
	assert.Equal(t, int64(40_000), a.BalanceSat)
	assert.Equal(t, int64(140_000), a.TotalReceivedSat)
	assert.Equal(t, int64(100_000), a.TotalSentSat)
	assert.Equal(t, int64(2), a.TxCount)

	b := requireSummary(t, store, "addrB")
	assert.Equal(t, int64(60_000), b.BalanceSat)
	assert.Equal(t, int64(1), b.TxCount)

	utxosA, err := store.GetAddressUtxos(ctx, "addrA")
	require.NoError(t, err)
	require.Len(t, utxosA, 1)
	assert.Equal(t, "t2", utxosA[0].Txid)
	assert.Equal(t, int64(40_000), utxosA[0].ValueSat)

	utxosB, err := store.GetAddressUtxos(ctx, "addrB")
	require.NoError(t, err)
	require.Len(t, utxosB, 1)
	assert.Equal(t, int64(60_000), utxosB[0].ValueSat)

	// The spent T1 output must be gone.
	var spentRows int
	require.NoError(t, store.DB().QueryRow(
		`SELECT COUNT(*) FROM address_utxos WHERE txid = 't1'`).Scan(&spentRows))
	assert.Zero(t, spentRows)
}

func TestStore_ApplyBlockIsIdempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	effects := []*TxEffect{
		{
			Txid: "tx1",
			Credits: []Credit{
				{Address: "addr1", Vout: 0, ValueSat: 5_000},
				{Address: "addr1", Vout: 1, ValueSat: 2_000},
			},
		},
	}

	require.NoError(t, store.ApplyBlock(ctx, 10, "hash10", 1700000000, effects))
	require.NoError(t, store.ApplyBlock(ctx, 10, "hash10", 1700000000, effects))

	summary := requireSummary(t, store, "addr1")
	assert.Equal(t, int64(7_000), summary.BalanceSat)
	assert.Equal(t, int64(7_000), summary.TotalReceivedSat)
	// Two outputs in one transaction count once.
	assert.Equal(t, int64(1), summary.TxCount)

	history, err := store.GetAddressTransactions(ctx, "addr1", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, history.Pagination.TotalRows)
}

func TestStore_BalanceInvariant(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.ApplyBlock(ctx, 1, "h1", 1, []*TxEffect{
		{Txid: "a", Credits: []Credit{{Address: "x", Vout: 0, ValueSat: 10_000}}},
		{Txid: "b", Credits: []Credit{{Address: "y", Vout: 0, ValueSat: 3_000}}},
	}))
	require.NoError(t, store.ApplyBlock(ctx, 2, "h2", 2, []*TxEffect{
		{
			Txid:    "c",
			Credits: []Credit{{Address: "y", Vout: 0, ValueSat: 9_000}},
			Debits:  []Debit{{Address: "x", Vin: 0, ValueSat: 10_000, SpentTxid: "a", SpentVout: 0}},
		},
	}))

	rows, err := store.DB().Query(`SELECT address, total_received_sat, total_sent_sat, balance_sat FROM addresses`)
	require.NoError(t, err)
	defer rows.Close()

	for rows.Next() {
		var address string
		var received, sent, balance int64
		require.NoError(t, rows.Scan(&address, &received, &sent, &balance))
		assert.Equal(t, received-sent, balance, "address %s", address)
	}
	require.NoError(t, rows.Err())
}

func TestStore_CheckpointAdvancesWithBlock(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	height, hash, err := store.GetCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, CheckpointNotStarted, height)
	assert.Empty(t, hash)

	require.NoError(t, store.ApplyBlock(ctx, 42, "hash42", 1700000000, []*TxEffect{
		{Txid: "tx", Credits: []Credit{{Address: "addr", Vout: 0, ValueSat: 1}}},
	}))

	height, hash, err = store.GetCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), height)
	assert.Equal(t, "hash42", hash)
}

func TestStore_GetAddressTransactionsPagination(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for height := int64(1); height <= 7; height++ {
		require.NoError(t, store.ApplyBlock(ctx, height, fmt.Sprintf("h%d", height), height, []*TxEffect{
			{
				Txid:    fmt.Sprintf("tx%d", height),
				Credits: []Credit{{Address: "addr", Vout: 0, ValueSat: 1_000}},
			},
		}))
	}

	page1, err := store.GetAddressTransactions(ctx, "addr", 1, 3)
	require.NoError(t, err)
	require.Len(t, page1.Rows, 3)
	assert.Equal(t, 7, page1.Pagination.TotalRows)
	assert.Equal(t, 3, page1.Pagination.TotalPages)

	// Newest height first.
	assert.Equal(t, int64(7), page1.Rows[0].Height)
	assert.Equal(t, int64(6), page1.Rows[1].Height)

	page3, err := store.GetAddressTransactions(ctx, "addr", 3, 3)
	require.NoError(t, err)
	require.Len(t, page3.Rows, 1)
	assert.Equal(t, int64(1), page3.Rows[0].Height)
}

func TestStore_GetAddressUtxosOrderedByValue(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.ApplyBlock(ctx, 1, "h1", 1, []*TxEffect{
		{Txid: "tx1", Credits: []Credit{
			{Address: "addr", Vout: 0, ValueSat: 500},
			{Address: "addr", Vout: 1, ValueSat: 9_000},
			{Address: "addr", Vout: 2, ValueSat: 1_200},
		}},
	}))

	utxos, err := store.GetAddressUtxos(ctx, "addr")
	require.NoError(t, err)
	require.Len(t, utxos, 3)
	assert.Equal(t, int64(9_000), utxos[0].ValueSat)
	assert.Equal(t, int64(1_200), utxos[1].ValueSat)
	assert.Equal(t, int64(500), utxos[2].ValueSat)
}

func TestStore_UnknownAddressReturnsNil(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	summary, err := store.GetAddressSummary(ctx, "never-seen")
	require.NoError(t, err)
	assert.Nil(t, summary)

	utxos, err := store.GetAddressUtxos(ctx, "never-seen")
	require.NoError(t, err)
	assert.Empty(t, utxos)

	history, err := store.GetAddressTransactions(ctx, "never-seen", 1, 10)
	require.NoError(t, err)
	assert.Empty(t, history.Rows)
	assert.Zero(t, history.Pagination.TotalRows)
}

func TestStore_Metadata(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	value, err := store.GetMetadata(ctx, "missing", "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", value)

	require.NoError(t, store.SetMetadata(ctx, "key", "v1"))
	require.NoError(t, store.SetMetadata(ctx, "key", "v2"))

	value, err = store.GetMetadata(ctx, "key", "")
	require.NoError(t, err)
	assert.Equal(t, "v2", value)
}

func TestStore_MaxObservedHeight(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	height, err := store.MaxObservedHeight(ctx)
	require.NoError(t, err)
	assert.Equal(t, CheckpointNotStarted, height)

	require.NoError(t, store.ApplyBlock(ctx, 17, "h17", 1, []*TxEffect{
		{Txid: "tx", Credits: []Credit{{Address: "addr", Vout: 0, ValueSat: 1}}},
	}))

	height, err = store.MaxObservedHeight(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(17), height)
}

func TestStore_AtomicRollbackOnFailure(t *testing.T) {
	store := setupTestStore(t)

	// Force a constraint failure mid-transaction and verify none of the
	// transaction's rows survive.
	tx, err := store.DB().Begin()
	require.NoError(t, err)

	_, err = tx.Exec(`
		INSERT INTO address_txs (address, txid, direction, io_index, height, value_sat, block_time)
		VALUES ('addr', 'tx', 'in', 0, 1, 100, 1)
	`)
	require.NoError(t, err)

	_, err = tx.Exec(`
		INSERT INTO address_txs (address, txid, direction, io_index, height, value_sat, block_time)
		VALUES ('addr', 'tx', 'sideways', 1, 1, 100, 1)
	`)
	require.Error(t, err, "CHECK constraint must reject unknown directions")
	require.NoError(t, tx.Rollback())

	var count int
	require.NoError(t, store.DB().QueryRow(`SELECT COUNT(*) FROM address_txs`).Scan(&count))
	assert.Zero(t, count, "rolled back rows must not be visible")

	var nullCount sql.NullInt64
	require.NoError(t, store.DB().QueryRow(`SELECT MAX(height) FROM address_txs`).Scan(&nullCount))
	assert.False(t, nullCount.Valid)
}
