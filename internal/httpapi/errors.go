package httpapi

import "errors"

var (
	errInvalidNumBlocks     = errors.New("num_blocks must be a positive integer")
	errInvalidHeight        = errors.New("height must be a non-negative integer")
	errStreamingUnsupported = errors.New("response writer does not support streaming")
	errBlockNotFound        = errors.New("block not found")
)
