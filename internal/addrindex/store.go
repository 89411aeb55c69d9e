package addrindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/russross/meddler"

	"github.com/blocklens/blocklens/internal/common"
	"github.com/blocklens/blocklens/internal/db"
	"github.com/blocklens/blocklens/internal/logger"
	"github.com/blocklens/blocklens/internal/metrics"
)

const storeDBName = "addrindex"

// Store persists the address index. Single writer (the engine), concurrent
// readers via WAL.
type Store struct {
	db                     *sql.DB
	log                    *logger.Logger
	maintenanceCoordinator db.Maintenance
}

// NewStore creates a new Store on an already migrated database.
func NewStore(database *sql.DB, log *logger.Logger,
	maintenanceCoordinator db.Maintenance) *Store {
	return &Store{
		db:                     database,
		log:                    log.WithComponent(common.ComponentStore),
		maintenanceCoordinator: maintenanceCoordinator,
	}
}

// DB returns the database connection for use by other components.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ApplyBlock applies every transaction effect of one block plus the checkpoint
// advance as a single atomic database transaction. Re-applying a block is a
// no-op: history rows are keyed (address, txid, direction, io_index) and the
// aggregate updates are gated on those inserts actually happening.
func (s *Store) ApplyBlock(ctx context.Context, height int64, hash string,
	blockTime int64, effects []*TxEffect) error {
	if s.maintenanceCoordinator != nil {
		unlock := s.maintenanceCoordinator.AcquireOperationLock()
		defer unlock()
	}

	start := time.Now()
	metrics.DBQueryInc(storeDBName, "apply_block")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.log.Errorf("failed to rollback transaction: %v", err)
		}
	}()

	for _, effect := range effects {
		if err := s.applyTransaction(tx, effect, height, blockTime); err != nil {
			metrics.DBErrorsInc(storeDBName, "apply_block")
			return fmt.Errorf("failed to apply tx %s: %w", effect.Txid, err)
		}
	}

	if err := setMetadataTx(tx, MetaLastProcessedHeight, strconv.FormatInt(height, 10)); err != nil {
		return err
	}
	if err := setMetadataTx(tx, MetaLastProcessedHash, hash); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		metrics.DBErrorsInc(storeDBName, "apply_block")
		return fmt.Errorf("failed to commit block %d: %w", height, err)
	}

	metrics.DBQueryDuration(storeDBName, "apply_block", time.Since(start))

	return nil
}

// applyTransaction records one transaction's credits and debits. The counted
// set ensures an address touched by both sides of the same transaction bumps
// tx_count exactly once.
func (s *Store) applyTransaction(tx *sql.Tx, effect *TxEffect, height, blockTime int64) error {
	counted := make(map[string]struct{})

	for _, credit := range effect.Credits {
		inserted, err := insertHistoryRow(tx, credit.Address, effect.Txid,
			DirectionIn, credit.Vout, height, credit.ValueSat, blockTime)
		if err != nil {
			return err
		}
		if !inserted {
			continue
		}

		_, alreadyCounted := counted[credit.Address]
		counted[credit.Address] = struct{}{}

		if err := upsertAddress(tx, credit.Address, height,
			credit.ValueSat, 0, !alreadyCounted); err != nil {
			return err
		}

		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO address_utxos (address, txid, vout, value_sat, height)
			VALUES (?, ?, ?, ?, ?)
		`, credit.Address, effect.Txid, credit.Vout, credit.ValueSat, height); err != nil {
			return fmt.Errorf("failed to insert utxo: %w", err)
		}
	}

	for _, debit := range effect.Debits {
		inserted, err := insertHistoryRow(tx, debit.Address, effect.Txid,
			DirectionOut, debit.Vin, height, debit.ValueSat, blockTime)
		if err != nil {
			return err
		}
		if !inserted {
			continue
		}

		_, alreadyCounted := counted[debit.Address]
		counted[debit.Address] = struct{}{}

		if err := upsertAddress(tx, debit.Address, height,
			0, debit.ValueSat, !alreadyCounted); err != nil {
			return err
		}

		if _, err := tx.Exec(`
			DELETE FROM address_utxos WHERE address = ? AND txid = ? AND vout = ?
		`, debit.Address, debit.SpentTxid, debit.SpentVout); err != nil {
			return fmt.Errorf("failed to delete spent utxo: %w", err)
		}
	}

	return nil
}

func insertHistoryRow(tx *sql.Tx, address, txid, direction string,
	ioIndex uint32, height, valueSat, blockTime int64) (bool, error) {
	res, err := tx.Exec(`
		INSERT OR IGNORE INTO address_txs
			(address, txid, direction, io_index, height, value_sat, block_time)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, address, txid, direction, ioIndex, height, valueSat, blockTime)
	if err != nil {
		return false, fmt.Errorf("failed to insert history row: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	return affected > 0, nil
}

func upsertAddress(tx *sql.Tx, address string, height int64,
	receivedSat, sentSat int64, countTx bool) error {
	txInc := int64(0)
	if countTx {
		txInc = 1
	}

	_, err := tx.Exec(`
		INSERT INTO addresses
			(address, first_seen_height, last_seen_height,
			 total_received_sat, total_sent_sat, balance_sat, tx_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (address) DO UPDATE SET
			first_seen_height  = COALESCE(first_seen_height, excluded.first_seen_height),
			last_seen_height   = excluded.last_seen_height,
			total_received_sat = total_received_sat + excluded.total_received_sat,
			total_sent_sat     = total_sent_sat + excluded.total_sent_sat,
			balance_sat        = balance_sat + excluded.balance_sat,
			tx_count           = tx_count + excluded.tx_count
	`, address, height, height, receivedSat, sentSat, receivedSat-sentSat, txInc)
	if err != nil {
		return fmt.Errorf("failed to upsert address %s: %w", address, err)
	}

	return nil
}

// GetAddressSummary returns the aggregate record for an address, or nil when
// the address has never been observed.
func (s *Store) GetAddressSummary(ctx context.Context, address string) (*Address, error) {
	var addr Address
	err := meddler.QueryRow(s.db, &addr, `SELECT * FROM addresses WHERE address = ?`, address)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get address summary: %w", err)
	}

	return &addr, nil
}

// GetAddressTransactions returns one page of an address's history, newest
// height first. Pages are 1-based.
func (s *Store) GetAddressTransactions(ctx context.Context, address string,
	page, pageSize int) (*AddressHistory, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 25
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM address_txs WHERE address = ?`, address).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to get total count: %w", err)
	}

	rows := make([]*AddressTx, 0, pageSize)
	err := meddler.QueryAll(s.db, &rows, `
		SELECT * FROM address_txs
		WHERE address = ?
		ORDER BY height DESC, txid ASC, direction ASC, io_index ASC
		LIMIT ? OFFSET ?
	`, address, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query address transactions: %w", err)
	}

	totalPages := (total + pageSize - 1) / pageSize

	return &AddressHistory{
		Rows: rows,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			TotalRows:  total,
			TotalPages: totalPages,
		},
	}, nil
}

// GetAddressUtxos returns all unspent outputs for an address, largest first.
func (s *Store) GetAddressUtxos(ctx context.Context, address string) ([]*Utxo, error) {
	var utxos []*Utxo
	err := meddler.QueryAll(s.db, &utxos, `
		SELECT * FROM address_utxos
		WHERE address = ?
		ORDER BY value_sat DESC, txid ASC, vout ASC
	`, address)
	if err != nil {
		return nil, fmt.Errorf("failed to query address utxos: %w", err)
	}

	return utxos, nil
}

// GetMetadata returns the stored value for a key, or fallback when absent.
func (s *Store) GetMetadata(ctx context.Context, key, fallback string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return fallback, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get metadata %s: %w", key, err)
	}

	return value, nil
}

// SetMetadata stores a key/value pair outside of any block transaction.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set metadata %s: %w", key, err)
	}

	return nil
}

func setMetadataTx(tx *sql.Tx, key, value string) error {
	_, err := tx.Exec(`
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set metadata %s: %w", key, err)
	}

	return nil
}

// GetCheckpoint returns the stored checkpoint height and hash.
// CheckpointNotStarted is returned before any block has been applied.
func (s *Store) GetCheckpoint(ctx context.Context) (int64, string, error) {
	heightStr, err := s.GetMetadata(ctx, MetaLastProcessedHeight,
		strconv.FormatInt(CheckpointNotStarted, 10))
	if err != nil {
		return 0, "", err
	}

	height, err := strconv.ParseInt(heightStr, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("corrupt checkpoint height %q: %w", heightStr, err)
	}

	hash, err := s.GetMetadata(ctx, MetaLastProcessedHash, "")
	if err != nil {
		return 0, "", err
	}

	return height, hash, nil
}

// SetCheckpoint stores the checkpoint height and hash outside of any block
// transaction. Used by reconciliation only; ApplyBlock advances the
// checkpoint itself.
func (s *Store) SetCheckpoint(ctx context.Context, height int64, hash string) error {
	if err := s.SetMetadata(ctx, MetaLastProcessedHeight,
		strconv.FormatInt(height, 10)); err != nil {
		return err
	}

	return s.SetMetadata(ctx, MetaLastProcessedHash, hash)
}

// MaxObservedHeight returns the maximum block height present in the data
// tables, or CheckpointNotStarted when both are empty.
func (s *Store) MaxObservedHeight(ctx context.Context) (int64, error) {
	var maxHeight sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(h) FROM (
			SELECT MAX(height) AS h FROM address_txs
			UNION ALL
			SELECT MAX(height) AS h FROM address_utxos
		)
	`).Scan(&maxHeight)
	if err != nil {
		return 0, fmt.Errorf("failed to get max observed height: %w", err)
	}

	if !maxHeight.Valid {
		return CheckpointNotStarted, nil
	}

	return maxHeight.Int64, nil
}
