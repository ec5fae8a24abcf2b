//go:build !(amd64 || 386 || arm64 || arm || riscv64 || mips64le || mipsle || ppc64le || loong64 || wasm)

package sdbx

import "encoding/binary"

func nativeUint32(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}

func nativeUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func putNativeUint32(b []byte, v uint32) {
	binary.BigEndian.PutUint32(b, v)
}

func putNativeUint64(b []byte, v uint64) {
	binary.BigEndian.PutUint64(b, v)
}
