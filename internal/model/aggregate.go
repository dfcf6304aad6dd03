package model

import "time"

// AggregateRow is one committed time-series row for (block_height,
// script_kind): the running totals of tracked UTXOs immediately after the
// block was applied.
type AggregateRow struct {
	BlockHeight uint32     `json:"block_height"`
	BlockHash   string     `json:"block_hash"` // big-endian hex, display order
	Date        time.Time  `json:"date"`
	ScriptKind  ScriptKind `json:"address_type"`
	TotalUTXOs  uint64     `json:"total_utxos"`
	TotalSats   uint64     `json:"total_sats"`
}

// ChainTip is the highest block applied to the UTXO Index and committed to
// the Aggregates Store. Exactly one ChainTip exists at a time. Timestamp
// carries the applied block's own header time, so a boot-time reconciler
// can rebuild a missing Aggregates Store row for this height without
// re-fetching the block from the source.
type ChainTip struct {
	Height    uint32    `json:"height"`
	Hash      string    `json:"hash"`      // big-endian hex
	PrevHash  string    `json:"prev_hash"` // big-endian hex
	Timestamp time.Time `json:"timestamp"`
}
