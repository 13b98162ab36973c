package shm

import (
	"fmt"
	"unsafe"
)

// Uint64At returns an atomic-capable pointer into b. off must leave the
// address 8-byte aligned; mappings are page aligned so header offsets are
// enough to guarantee that.
func Uint64At(b []byte, off int) *uint64 {
	_ = b[off+7]
	p := unsafe.Pointer(&b[off])
	if uintptr(p)&7 != 0 {
		panic(fmt.Sprintf("shm: misaligned 64-bit access at offset %d", off))
	}
	return (*uint64)(p)
}

func Int64At(b []byte, off int) *int64 {
	return (*int64)(unsafe.Pointer(Uint64At(b, off)))
}

func Uint32At(b []byte, off int) *uint32 {
	_ = b[off+3]
	p := unsafe.Pointer(&b[off])
	if uintptr(p)&3 != 0 {
		panic(fmt.Sprintf("shm: misaligned 32-bit access at offset %d", off))
	}
	return (*uint32)(p)
}

func Int32At(b []byte, off int) *int32 {
	return (*int32)(unsafe.Pointer(Uint32At(b, off)))
}

// AlignedBytes allocates n zeroed bytes starting on an 8-byte boundary.
func AlignedBytes(n int) []byte {
	if n == 0 {
		return []byte{}
	}
	words := make([]uint64, (n+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n)
}
