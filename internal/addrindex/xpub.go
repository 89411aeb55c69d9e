package addrindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/russross/meddler"

	"github.com/blocklens/blocklens/internal/common"
	"github.com/blocklens/blocklens/internal/logger"
)

// Derivation branches per BIP-44 convention.
const (
	BranchReceive uint32 = 0
	BranchChange  uint32 = 1
)

var xpubBranches = []uint32{BranchReceive, BranchChange}

// XpubTracker derives addresses from extended public keys and aggregates
// index data across them. Derivation is pure hdkeychain; only the scan
// bookkeeping and the aggregate queries live here.
type XpubTracker struct {
	store           *Store
	params          *chaincfg.Params
	defaultGapLimit uint32
	log             *logger.Logger
}

// NewXpubTracker creates a tracker bound to the given chain parameters.
func NewXpubTracker(store *Store, params *chaincfg.Params, gapLimit uint32,
	log *logger.Logger) *XpubTracker {
	return &XpubTracker{
		store:           store,
		params:          params,
		defaultGapLimit: gapLimit,
		log:             log.WithComponent(common.ComponentXpub),
	}
}

// Track registers an xpub and scans both branches until gapLimit consecutive
// derived addresses show no index activity. Pass 0 to use the configured
// default gap limit. Tracking an already tracked xpub re-scans it.
func (t *XpubTracker) Track(ctx context.Context, xpub string, gapLimit uint32) error {
	if gapLimit == 0 {
		gapLimit = t.defaultGapLimit
	}

	key, err := hdkeychain.NewKeyFromString(xpub)
	if err != nil {
		return fmt.Errorf("invalid xpub: %w", err)
	}
	if key.IsPrivate() {
		return fmt.Errorf("refusing to track a private extended key")
	}

	for _, branch := range xpubBranches {
		if err := t.scanBranch(ctx, key, xpub, branch, gapLimit); err != nil {
			return fmt.Errorf("failed to scan branch %d: %w", branch, err)
		}
	}

	return nil
}

// Extend re-scans all branches of an already tracked xpub using its stored
// gap limit. Called after new blocks may have used previously gapped
// addresses.
func (t *XpubTracker) Extend(ctx context.Context, xpub string) error {
	var records []*XpubRecord
	err := meddler.QueryAll(t.store.DB(), &records,
		`SELECT * FROM xpubs WHERE xpub = ?`, xpub)
	if err != nil {
		return fmt.Errorf("failed to load xpub records: %w", err)
	}
	if len(records) == 0 {
		return fmt.Errorf("xpub not tracked: %s", xpub)
	}

	key, err := hdkeychain.NewKeyFromString(xpub)
	if err != nil {
		return fmt.Errorf("invalid xpub: %w", err)
	}

	for _, record := range records {
		if err := t.scanBranch(ctx, key, xpub, record.Branch, record.GapLimit); err != nil {
			return fmt.Errorf("failed to re-scan branch %d: %w", record.Branch, err)
		}
	}

	return nil
}

// scanBranch derives addresses from the branch key until gapLimit consecutive
// addresses have no activity in the index, persisting every derived address
// and the branch's scan progress.
func (t *XpubTracker) scanBranch(ctx context.Context, key *hdkeychain.ExtendedKey,
	xpub string, branch uint32, gapLimit uint32) error {
	branchKey, err := key.Derive(branch)
	if err != nil {
		return fmt.Errorf("failed to derive branch key: %w", err)
	}

	lastUsed := int64(-1)
	index := uint32(0)
	gap := uint32(0)

	for gap < gapLimit {
		child, err := branchKey.Derive(index)
		if err != nil {
			// A tiny fraction of indexes yield invalid children; BIP-32
			// says skip them.
			if errors.Is(err, hdkeychain.ErrInvalidChild) {
				index++
				continue
			}
			return fmt.Errorf("failed to derive index %d: %w", index, err)
		}

		addr, err := child.Address(t.params)
		if err != nil {
			return fmt.Errorf("failed to encode address at index %d: %w", index, err)
		}
		address := addr.EncodeAddress()

		if _, err := t.store.DB().ExecContext(ctx, `
			INSERT OR IGNORE INTO xpub_addresses (xpub, branch, derivation_index, address)
			VALUES (?, ?, ?, ?)
		`, xpub, branch, index, address); err != nil {
			return fmt.Errorf("failed to persist derived address: %w", err)
		}

		used, err := t.addressUsed(ctx, address)
		if err != nil {
			return err
		}

		if used {
			lastUsed = int64(index)
			gap = 0
		} else {
			gap++
		}
		index++
	}

	if _, err := t.store.DB().ExecContext(ctx, `
		INSERT INTO xpubs (xpub, branch, last_scanned_index, gap_limit)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (xpub, branch) DO UPDATE SET
			last_scanned_index = excluded.last_scanned_index,
			gap_limit          = excluded.gap_limit
	`, xpub, branch, int64(index)-1, gapLimit); err != nil {
		return fmt.Errorf("failed to persist xpub record: %w", err)
	}

	t.log.Debugw("scanned xpub branch",
		"branch", branch, "derived", index, "lastUsed", lastUsed)

	return nil
}

func (t *XpubTracker) addressUsed(ctx context.Context, address string) (bool, error) {
	var used bool
	err := t.store.DB().QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM address_txs WHERE address = ?)
	`, address).Scan(&used)
	if err != nil {
		return false, fmt.Errorf("failed to check address activity: %w", err)
	}

	return used, nil
}

// GetXpubSummary aggregates balances and history counts over every derived
// address of the xpub. Returns nil when the xpub is not tracked.
func (t *XpubTracker) GetXpubSummary(ctx context.Context, xpub string) (*XpubSummary, error) {
	var tracked bool
	if err := t.store.DB().QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM xpubs WHERE xpub = ?)`, xpub).Scan(&tracked); err != nil {
		return nil, fmt.Errorf("failed to check xpub: %w", err)
	}
	if !tracked {
		return nil, nil
	}

	summary := &XpubSummary{Xpub: xpub}

	err := t.store.DB().QueryRowContext(ctx, `
		SELECT
			COUNT(xa.address),
			COUNT(a.address),
			COALESCE(SUM(a.total_received_sat), 0),
			COALESCE(SUM(a.total_sent_sat), 0),
			COALESCE(SUM(a.balance_sat), 0),
			COALESCE(SUM(a.tx_count), 0)
		FROM xpub_addresses xa
		LEFT JOIN addresses a ON a.address = xa.address
		WHERE xa.xpub = ?
	`, xpub).Scan(
		&summary.AddressCount,
		&summary.UsedAddressCount,
		&summary.TotalReceivedSat,
		&summary.TotalSentSat,
		&summary.BalanceSat,
		&summary.TxCount,
	)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to aggregate xpub summary: %w", err)
	}

	return summary, nil
}

// GetXpubUtxos returns the unspent outputs of every derived address, largest
// first.
func (t *XpubTracker) GetXpubUtxos(ctx context.Context, xpub string) ([]*Utxo, error) {
	var utxos []*Utxo
	err := meddler.QueryAll(t.store.DB(), &utxos, `
		SELECT u.* FROM address_utxos u
		JOIN xpub_addresses xa ON xa.address = u.address
		WHERE xa.xpub = ?
		ORDER BY u.value_sat DESC, u.txid ASC, u.vout ASC
	`, xpub)
	if err != nil {
		return nil, fmt.Errorf("failed to query xpub utxos: %w", err)
	}

	return utxos, nil
}

// GetXpubTransactions returns one page of the merged history across all
// derived addresses, newest height first.
func (t *XpubTracker) GetXpubTransactions(ctx context.Context, xpub string,
	page, pageSize int) (*AddressHistory, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 25
	}

	var total int
	if err := t.store.DB().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM address_txs t
		JOIN xpub_addresses xa ON xa.address = t.address
		WHERE xa.xpub = ?
	`, xpub).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to get total count: %w", err)
	}

	rows := make([]*AddressTx, 0, pageSize)
	err := meddler.QueryAll(t.store.DB(), &rows, `
		SELECT t.* FROM address_txs t
		JOIN xpub_addresses xa ON xa.address = t.address
		WHERE xa.xpub = ?
		ORDER BY t.height DESC, t.txid ASC, t.direction ASC, t.io_index ASC
		LIMIT ? OFFSET ?
	`, xpub, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query xpub transactions: %w", err)
	}

	return &AddressHistory{
		Rows: rows,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			TotalRows:  total,
			TotalPages: (total + pageSize - 1) / pageSize,
		},
	}, nil
}
