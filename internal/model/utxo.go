package model

// TrackedUtxo is a single tracked unspent output: created when its
// producing transaction is applied, destroyed when a later transaction
// spends its outpoint. Only outputs whose ScriptKind is tracked ever exist
// as a TrackedUtxo (Other is never stored).
type TrackedUtxo struct {
	Outpoint   Outpoint
	ValueSats  uint64
	ScriptKind ScriptKind
	Tag        []byte // pubkey bytes (P2PK) or x-only pubkey (P2TR)
}

// KindCounter is the in-memory running total for one ScriptKind: the count
// of TrackedUtxos of that kind and the sum of their values. Counters are
// the source of truth for AggregateRow values.
type KindCounter struct {
	Count   uint64
	SumSats uint64
}
