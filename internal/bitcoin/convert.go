package bitcoin

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"

	"github.com/quietledger/gabriel/internal/model"
	"github.com/quietledger/gabriel/pkg/safe"
)

// BtcToSatoshis converts a BTC float amount (as returned by the node's JSON
// RPC) into satoshis, checked for overflow and negative values.
func BtcToSatoshis(value float64) (uint64, error) {
	amt, err := btcutil.NewAmount(value)
	if err != nil {
		return 0, err
	}
	if amt < 0 {
		return 0, fmt.Errorf("negative amount: %d", amt)
	}
	return safe.Uint64(int64(amt))
}

// BuildRawBlock converts a verbose RPC block result into the model's
// RawBlock shape consumed by the Block Processor.
func BuildRawBlock(src btcjson.GetBlockVerboseTxResult) (model.RawBlock, error) {
	height, err := safe.Uint32(src.Height)
	if err != nil {
		return model.RawBlock{}, fmt.Errorf("block height %d overflow: %w", src.Height, err)
	}

	txs := make([]model.RawTx, 0, len(src.Tx))
	for _, tx := range src.Tx {
		rawTx, err := buildRawTx(tx)
		if err != nil {
			return model.RawBlock{}, fmt.Errorf("block %s: %w", src.Hash, err)
		}
		txs = append(txs, rawTx)
	}

	return model.RawBlock{
		Height:    height,
		Hash:      src.Hash,
		PrevHash:  src.PreviousHash,
		Timestamp: time.Unix(src.Time, 0).UTC(),
		Txs:       txs,
	}, nil
}

func buildRawTx(tx btcjson.TxRawResult) (model.RawTx, error) {
	isCoinbase := len(tx.Vin) == 1 && tx.Vin[0].IsCoinBase()

	inputs := make([]model.RawInput, 0, len(tx.Vin))
	for _, vin := range tx.Vin {
		if vin.IsCoinBase() {
			continue
		}
		index, err := safe.Uint32(vin.Vout)
		if err != nil {
			return model.RawTx{}, fmt.Errorf("tx %s input vout overflow: %w", tx.Txid, err)
		}
		inputs = append(inputs, model.RawInput{
			PrevOutpoint: model.Outpoint{TxID: vin.Txid, Vout: index},
		})
	}

	outputs := make([]model.RawOutput, 0, len(tx.Vout))
	for idx, vout := range tx.Vout {
		if vout.Value < 0 {
			return model.RawTx{}, fmt.Errorf("tx %s output %d negative value: %f", tx.Txid, idx, vout.Value)
		}
		index, err := safe.Uint32(idx)
		if err != nil {
			return model.RawTx{}, fmt.Errorf("tx %s output index overflow: %w", tx.Txid, err)
		}
		value, err := BtcToSatoshis(vout.Value)
		if err != nil {
			return model.RawTx{}, fmt.Errorf("tx %s output %d value: %w", tx.Txid, idx, err)
		}
		outputs = append(outputs, model.RawOutput{
			Index:     index,
			ValueSats: value,
			ScriptHex: vout.ScriptPubKey.Hex,
		})
	}

	return model.RawTx{
		TxID:       tx.Txid,
		IsCoinbase: isCoinbase,
		Inputs:     inputs,
		Outputs:    outputs,
	}, nil
}
