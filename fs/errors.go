// Package fs implements the file-descriptor registry and buffer pool
// layer: the single data structure (FD, BufferData, Buffer, BufferList)
// passed between drivers, protocol layers, and applications. See
// spec.md §4.4 and §4.5.
package fs

import "errors"

// Sentinel errors returned across the fs API surface (spec.md §7).
var (
	ErrNoSpace           = errors.New("fs: no space in buffer")
	ErrInvalidBufferType = errors.New("fs: invalid buffer kind")
	ErrInvalidFD         = errors.New("fs: invalid descriptor")
	ErrNotSupported      = errors.New("fs: operation not supported")
	ErrReadTimeout       = errors.New("fs: read timeout")
	ErrWriteTimeout      = errors.New("fs: write timeout")
	ErrClosed            = errors.New("fs: descriptor closed")
	ErrThreshold         = errors.New("fs: dropped to preserve buffer margin")
	ErrBufferConsumed    = errors.New("fs: buffer ownership transferred to callee")
	ErrNotFound          = errors.New("fs: path not registered")
	ErrAlreadyChained    = errors.New("fs: descriptor already in a chain")
	ErrNotAChainHead     = errors.New("fs: descriptor is not a chain head")
)
