//go:build amd64 || 386 || arm64 || arm || riscv64 || mips64le || mipsle || ppc64le || loong64 || wasm

package sdbx

import "unsafe"

// Integer keys and values are stored in native byte order. On
// little-endian architectures they are read with direct pointer casts.

//go:nosplit
func nativeUint32(b []byte) uint32 {
	return *(*uint32)(unsafe.Pointer(&b[0]))
}

//go:nosplit
func nativeUint64(b []byte) uint64 {
	return *(*uint64)(unsafe.Pointer(&b[0]))
}

//go:nosplit
func putNativeUint32(b []byte, v uint32) {
	*(*uint32)(unsafe.Pointer(&b[0])) = v
}

//go:nosplit
func putNativeUint64(b []byte, v uint64) {
	*(*uint64)(unsafe.Pointer(&b[0])) = v
}
