package model

import "time"

// RawBlock is a parsed block as handed from the Block Source Adapter to the
// Block Processor: header fields plus transactions in block order, T_0
// being the coinbase.
type RawBlock struct {
	Height    uint32
	Hash      string // big-endian hex
	PrevHash  string // big-endian hex
	Timestamp time.Time
	Txs       []RawTx
}

// RawTx is one transaction's inputs and outputs, in the order they appear
// on the wire.
type RawTx struct {
	TxID       string
	IsCoinbase bool
	Inputs     []RawInput
	Outputs    []RawOutput
}

// RawInput references the outpoint it spends. Coinbase inputs are dropped
// when the block is built (bitcoin.BuildRawBlock), so every RawInput names
// a real previous output; the coinbase transaction itself is still marked
// by RawTx.IsCoinbase.
type RawInput struct {
	PrevOutpoint Outpoint
}

// RawOutput is one transaction output's locking script and value, not yet
// classified.
type RawOutput struct {
	Index     uint32
	ValueSats uint64
	ScriptHex string
}
