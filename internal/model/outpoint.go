package model

import (
	"encoding/hex"
	"fmt"
)

// Outpoint identifies one output of one transaction: (txid, vout). TxID is
// stored in RPC/display order (big-endian hex), matching chainhash.Hash's
// String() output.
type Outpoint struct {
	TxID string
	Vout uint32
}

// String renders the outpoint as "<txid>:<vout>".
func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%d", o.TxID, o.Vout)
}

// Key encodes the outpoint as a byte string suitable for use as a UTXO
// Index storage key: the raw 32-byte txid followed by a 4-byte big-endian
// vout, so entries for the same transaction sort contiguously.
func (o Outpoint) Key() ([]byte, error) {
	txid, err := hex.DecodeString(o.TxID)
	if err != nil {
		return nil, fmt.Errorf("outpoint %s: decode txid: %w", o, err)
	}
	if len(txid) != 32 {
		return nil, fmt.Errorf("outpoint %s: txid must be 32 bytes, got %d", o, len(txid))
	}
	key := make([]byte, 0, 36)
	key = append(key, txid...)
	key = append(key, byte(o.Vout>>24), byte(o.Vout>>16), byte(o.Vout>>8), byte(o.Vout))
	return key, nil
}

// ParseOutpointKey decodes a key produced by Outpoint.Key back into an
// Outpoint.
func ParseOutpointKey(key []byte) (Outpoint, error) {
	if len(key) != 36 {
		return Outpoint{}, fmt.Errorf("outpoint key must be 36 bytes, got %d", len(key))
	}
	vout := uint32(key[32])<<24 | uint32(key[33])<<16 | uint32(key[34])<<8 | uint32(key[35])
	return Outpoint{TxID: hex.EncodeToString(key[:32]), Vout: vout}, nil
}
