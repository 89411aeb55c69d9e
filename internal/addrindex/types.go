package addrindex

// Address is the aggregate record for a single address.
// Uses meddler tags for automatic struct-to-db mapping.
type Address struct {
	Address          string `meddler:"address"`
	FirstSeenHeight  *int64 `meddler:"first_seen_height"`
	LastSeenHeight   *int64 `meddler:"last_seen_height"`
	TotalReceivedSat int64  `meddler:"total_received_sat"`
	TotalSentSat     int64  `meddler:"total_sent_sat"`
	BalanceSat       int64  `meddler:"balance_sat"`
	TxCount          int64  `meddler:"tx_count"`
}

// Utxo is one unspent output owned by an address.
type Utxo struct {
	Address  string `meddler:"address"`
	Txid     string `meddler:"txid"`
	Vout     uint32 `meddler:"vout"`
	ValueSat int64  `meddler:"value_sat"`
	Height   *int64 `meddler:"height"`
}

// Direction of an address transaction entry.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// AddressTx is one history row: an address credited or debited by one
// input or output of a transaction. Append-only.
type AddressTx struct {
	Address   string `meddler:"address"`
	Txid      string `meddler:"txid"`
	Direction string `meddler:"direction"`
	IOIndex   uint32 `meddler:"io_index"`
	Height    int64  `meddler:"height"`
	ValueSat  int64  `meddler:"value_sat"`
	BlockTime int64  `meddler:"block_time"`
}

// Prevout is the resolved output spent by a transaction input. Address may be
// empty when the output script is not address-encodable.
type Prevout struct {
	Address  string
	ValueSat int64
}

// Credit is an output paying an address.
type Credit struct {
	Address  string
	Vout     uint32
	ValueSat int64
}

// Debit is an input spending a prevout owned by an address.
type Debit struct {
	Address  string
	Vin      uint32
	ValueSat int64
	// SpentTxid/SpentVout identify the UTXO row consumed by this debit.
	SpentTxid string
	SpentVout uint32
}

// TxEffect is the full set of address deltas produced by one transaction.
type TxEffect struct {
	Txid    string
	Credits []Credit
	Debits  []Debit
}

// Pagination describes one page of a larger result set.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalRows  int `json:"total_rows"`
	TotalPages int `json:"total_pages"`
}

// AddressHistory is one page of an address's transaction history.
type AddressHistory struct {
	Rows       []*AddressTx `json:"rows"`
	Pagination Pagination   `json:"pagination"`
}

// XpubRecord tracks scan progress for one branch of an extended public key.
type XpubRecord struct {
	Xpub             string `meddler:"xpub"`
	Branch           uint32 `meddler:"branch"`
	LastScannedIndex int64  `meddler:"last_scanned_index"`
	GapLimit         uint32 `meddler:"gap_limit"`
}

// XpubAddress is one derived address for an xpub branch.
type XpubAddress struct {
	Xpub            string `meddler:"xpub"`
	Branch          uint32 `meddler:"branch"`
	DerivationIndex uint32 `meddler:"derivation_index"`
	Address         string `meddler:"address"`
}

// XpubSummary aggregates index data over all derived addresses of an xpub.
type XpubSummary struct {
	Xpub             string `json:"xpub"`
	AddressCount     int    `json:"address_count"`
	UsedAddressCount int    `json:"used_address_count"`
	TotalReceivedSat int64  `json:"total_received_sat"`
	TotalSentSat     int64  `json:"total_sent_sat"`
	BalanceSat       int64  `json:"balance_sat"`
	TxCount          int64  `json:"tx_count"`
}

// Metadata keys used by the engine's checkpoint.
const (
	MetaLastProcessedHeight = "last_processed_height"
	MetaLastProcessedHash   = "last_processed_hash"
)

// CheckpointNotStarted is the checkpoint height before any block has been
// applied.
const CheckpointNotStarted = int64(-1)
