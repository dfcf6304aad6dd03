// Package model defines the data types shared across the ingestion pipeline.
package model

import (
	"encoding/json"
	"fmt"
)

// ScriptKind tags a locking script as one of the tracked "quantum-exposed"
// kinds, or Other for everything the UTXO Index does not retain.
type ScriptKind int

const (
	// P2PK is pay-to-public-key: <PUSH 33|65> <PUBKEY> OP_CHECKSIG.
	P2PK ScriptKind = iota
	// P2TR is pay-to-taproot: OP_1 <PUSH 32> <x-only-pubkey>.
	P2TR
	// Other covers every script kind that is not tracked.
	Other
)

// String renders the kind the way it appears in the public API and the
// aggregates table's address_type column.
func (k ScriptKind) String() string {
	switch k {
	case P2PK:
		return "P2PK"
	case P2TR:
		return "P2TR"
	case Other:
		return "Other"
	default:
		return fmt.Sprintf("ScriptKind(%d)", int(k))
	}
}

// ParseScriptKind parses the address_type query parameter / stored column
// value back into a ScriptKind. Accepts exactly two spellings per kind: the
// public lowercase "p2pk"/"p2tr" and the String() form "P2PK"/"P2TR"; any
// other casing is rejected.
func ParseScriptKind(s string) (ScriptKind, error) {
	switch s {
	case "p2pk", "P2PK":
		return P2PK, nil
	case "p2tr", "P2TR":
		return P2TR, nil
	default:
		return Other, fmt.Errorf("unknown script kind %q", s)
	}
}

// MarshalJSON renders the kind the way the HTTP API's address_type field
// should appear, rather than as a raw enum int.
func (k ScriptKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON accepts the same spellings as ParseScriptKind.
func (k *ScriptKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseScriptKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// TrackedKinds lists the kinds the UTXO Index retains, in the order
// AggregateRows are emitted for a block.
func TrackedKinds() []ScriptKind {
	return []ScriptKind{P2PK, P2TR}
}
