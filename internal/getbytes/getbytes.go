// Package getbytes views numeric slices as their raw bytes without
// copying, for writers that stream binary data in host (little-endian)
// order.
package getbytes

import (
	"fmt"
	"unsafe"
)

// number covers the element types the data paths stream.
type number interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~int8 | ~int16 | ~int32 | ~int64 |
		~float32 | ~float64
}

// FromSlice views a numeric slice as its underlying bytes. The result
// aliases d; do not mutate d while the view is in use.
func FromSlice[T number](d []T) []byte {
	if len(d) == 0 {
		return []byte{}
	}
	n := uintptr(len(d)) * unsafe.Sizeof(d[0])
	return unsafe.Slice((*byte)(unsafe.Pointer(&d[0])), n)
}

// FromValue views a single value as its bytes.
func FromValue[T number](d T) []byte {
	return FromSlice([]T{d})
}

// ToUint32Slice views raw bytes as a []uint32. The byte count must be
// a multiple of 4 and b must start on an allocation boundary (whole
// read buffers qualify; arbitrary sub-slices may not be aligned).
func ToUint32Slice(b []byte) ([]uint32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte count %d is not a multiple of 4", len(b))
	}
	if len(b) == 0 {
		return []uint32{}, nil
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&b[0])), len(b)/4), nil
}
