// Package safe converts the handful of integer shapes the Bitcoin RPC
// client's JSON results arrive in — a block's int64 height, a vout's
// uint32 index, a tx input's uint32 vout, a range index's plain int —
// into the uint32/uint64 fields model.RawBlock and its children use,
// rejecting negative values and anything that would overflow rather than
// silently wrapping.
package safe

import (
	"fmt"
	"math"
)

// Uint32 converts a block height or output index to uint32.
func Uint32[T ~int | ~int64 | ~uint32](v T) (uint32, error) {
	switch value := any(v).(type) {
	case int:
		if value < 0 || int64(value) > math.MaxUint32 {
			return 0, fmt.Errorf("value %d out of uint32 range", v)
		}
	case int64:
		if value < 0 || value > math.MaxUint32 {
			return 0, fmt.Errorf("value %d out of uint32 range", v)
		}
	case uint32:
		// always in range
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
	return uint32(v), nil
}

// Uint64 converts a satoshi amount (already checked non-negative by its
// caller, bitcoin.BtcToSatoshis, but re-checked here since the caller passes
// it through as a plain int64) to uint64.
func Uint64[T ~int | ~int64](v T) (uint64, error) {
	switch value := any(v).(type) {
	case int:
		if value < 0 {
			return 0, fmt.Errorf("value %d out of uint64 range", v)
		}
		return uint64(value), nil
	case int64:
		if value < 0 {
			return 0, fmt.Errorf("value %d out of uint64 range", v)
		}
		return uint64(value), nil
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
