// Package classify provides the pure script-classification predicates used
// to decide which outputs the UTXO Index tracks.
package classify

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/quietledger/gabriel/internal/model"
)

// Result is the outcome of classifying one locking script: its kind and,
// for tracked kinds, the extracted tag bytes (pubkey for P2PK, x-only
// pubkey for P2TR).
type Result struct {
	Kind model.ScriptKind
	Tag  []byte
}

// Script classifies a raw locking script into a ScriptKind. It is a pure
// function: the same bytes always produce the same Result, and it never
// retains cross-call state. Malformed or unparseable scripts classify as
// Other rather than erroring, per the classification-ambiguity policy.
//
// Matches are tried in order and the first match wins:
//  1. P2PK: <PUSH 33|65> <PUBKEY> OP_CHECKSIG
//  2. P2TR: OP_1 <PUSH 32> <x-only-pubkey>
//  3. Other: everything else
func Script(script []byte) Result {
	if tag, ok := matchP2PK(script); ok {
		return Result{Kind: model.P2PK, Tag: tag}
	}
	if tag, ok := matchP2TR(script); ok {
		return Result{Kind: model.P2TR, Tag: tag}
	}
	return Result{Kind: model.Other}
}

// ScriptHex is a convenience wrapper over Script for callers holding the
// script as hex text (the shape btcjson verbose results deliver it in).
// A hex-decode failure is treated as Other, consistent with the
// "malformed scripts classify as Other" policy.
func ScriptHex(scriptHex string) Result {
	raw, err := hex.DecodeString(scriptHex)
	if err != nil {
		return Result{Kind: model.Other}
	}
	return Script(raw)
}

// matchP2PK recognizes <push 33|65><pubkey> OP_CHECKSIG using txscript's
// tokenizer so opcode boundaries are parsed correctly rather than assumed
// from fixed offsets.
func matchP2PK(script []byte) ([]byte, bool) {
	tok := txscript.MakeScriptTokenizer(0, script)

	if !tok.Next() {
		return nil, false
	}
	data := tok.Data()
	if len(data) != 33 && len(data) != 65 {
		return nil, false
	}
	pubkey := append([]byte(nil), data...)

	if !tok.Next() {
		return nil, false
	}
	if tok.Opcode() != txscript.OP_CHECKSIG {
		return nil, false
	}

	if tok.Next() || tok.Err() != nil {
		// trailing data or a parse error means this isn't a bare P2PK script.
		return nil, false
	}

	return pubkey, true
}

// matchP2TR recognizes OP_1 <push 32><x-only-pubkey>, the v1 segwit
// output pattern (BIP-341). Taproot output key is opaque here; Gabriel
// does not validate the key on the curve, only the pattern shape.
func matchP2TR(script []byte) ([]byte, bool) {
	tok := txscript.MakeScriptTokenizer(0, script)

	if !tok.Next() {
		return nil, false
	}
	if tok.Opcode() != txscript.OP_1 {
		return nil, false
	}

	if !tok.Next() {
		return nil, false
	}
	data := tok.Data()
	if len(data) != 32 {
		return nil, false
	}
	key := append([]byte(nil), data...)

	if tok.Next() || tok.Err() != nil {
		return nil, false
	}

	return key, true
}

// TagHex renders a Result's tag as hex for logging/diagnostics.
func (r Result) TagHex() string {
	return hex.EncodeToString(r.Tag)
}

// String renders the Result for debug output.
func (r Result) String() string {
	if r.Kind == model.Other {
		return "Other"
	}
	return fmt.Sprintf("%s(%s)", r.Kind, r.TagHex())
}
