package pager

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

var errCorruption = errors.New("pager: corruption")

// ErrCorruption is exposed for callers (the root package) that need to
// recognize a structural/checksum failure without importing the
// concrete error value above.
var ErrCorruption = errCorruption

func putU16(b []byte, v uint16) { binary.LittleEndian.PutUint16(b, v) }
func getU16(b []byte) uint16    { return binary.LittleEndian.Uint16(b) }
func putU32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func getU32(b []byte) uint32    { return binary.LittleEndian.Uint32(b) }
func putU64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }
func getU64(b []byte) uint64    { return binary.LittleEndian.Uint64(b) }

func crc32Of(parts ...[]byte) uint32 {
	h := crc32.NewIEEE()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum32()
}
