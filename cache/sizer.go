package cache

import (
	"github.com/saiset-co/sai-market/types"
	"github.com/saiset-co/sai-market/utils"
)

// unsizedEstimate is charged for values the sizer cannot measure.
const unsizedEstimate int64 = 256

// Sizer estimates the memory footprint of a value in bytes.
type Sizer[V any] func(value V) (int64, error)

// JSONSizer charges the serialized length of the value.
func JSONSizer[V any](value V) (int64, error) {
	n, err := utils.EncodedLen(value)
	if err != nil {
		return 0, types.Errorf(types.ErrCacheValueUnsized, "%v", err)
	}
	return int64(n), nil
}

// BytesSizer charges the raw length of byte slice values.
func BytesSizer(value []byte) (int64, error) {
	return int64(len(value)), nil
}
