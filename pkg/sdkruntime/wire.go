package sdkruntime

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/AmbiML/sparrowos-core/pkg/coreerr"
	"github.com/AmbiML/sparrowos-core/pkg/sel4"
)

// Opcode is a request label. The request vocabulary is a stable wire
// contract (spec §4.I); opcodes start at 64 so fault-tag values (kernel
// defined, always below that) never collide with a real request.
type Opcode = sel4.MessageTag

const opcodeBase = 64

const (
	OpPing Opcode = opcodeBase + iota
	OpLog
	OpReadKey
	OpWriteKey
	OpDeleteKey
	OpOneshotTimer
	OpPeriodicTimer
	OpCancelTimer
	OpWaitForTimers
	OpPollForTimers
	OpOneshotModel
	OpPeriodicModel
	OpCancelModel
	OpWaitForModel
	OpPollForModels
	OpGetModelOutput
)

// Status values returned as the reply label (spec §4.I step 7).
const (
	StatusOK sel4.MessageTag = iota
	StatusError
)

// putString/getString use a length-prefixed (uint32 LE) encoding, the
// compact binary codec the spec calls for (request structs are POD-ish
// with byte-slice/string borrows), same little-endian field convention
// as pkg/bundleimage's section headers.
func putString(buf []byte, s string) int {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(s)))
	n := copy(buf[4:], s)
	return 4 + n
}

func getString(buf []byte) (string, int, error) {
	if len(buf) < 4 {
		return "", 0, errors.Wrap(coreerr.ErrDeserializeFailed, "sdkruntime: truncated string length")
	}
	n := binary.LittleEndian.Uint32(buf[0:4])
	if uint64(len(buf)) < 4+uint64(n) {
		return "", 0, errors.Wrap(coreerr.ErrDeserializeFailed, "sdkruntime: truncated string body")
	}
	return string(buf[4 : 4+n]), 4 + int(n), nil
}

func putBytes(buf []byte, b []byte) int {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(b)))
	n := copy(buf[4:], b)
	return 4 + n
}

func getBytes(buf []byte) ([]byte, int, error) {
	if len(buf) < 4 {
		return nil, 0, errors.Wrap(coreerr.ErrDeserializeFailed, "sdkruntime: truncated bytes length")
	}
	n := binary.LittleEndian.Uint32(buf[0:4])
	if uint64(len(buf)) < 4+uint64(n) {
		return nil, 0, errors.Wrap(coreerr.ErrDeserializeFailed, "sdkruntime: truncated bytes body")
	}
	out := make([]byte, n)
	copy(out, buf[4:4+n])
	return out, 4 + int(n), nil
}

func putU32(buf []byte, v uint32) int {
	binary.LittleEndian.PutUint32(buf[0:4], v)
	return 4
}

func getU32(buf []byte) (uint32, int, error) {
	if len(buf) < 4 {
		return 0, 0, errors.Wrap(coreerr.ErrDeserializeFailed, "sdkruntime: truncated u32")
	}
	return binary.LittleEndian.Uint32(buf[0:4]), 4, nil
}

func putU64(buf []byte, v uint64) int {
	binary.LittleEndian.PutUint64(buf[0:8], v)
	return 8
}

func getU64(buf []byte) (uint64, int, error) {
	if len(buf) < 8 {
		return 0, 0, errors.Wrap(coreerr.ErrDeserializeFailed, "sdkruntime: truncated u64")
	}
	return binary.LittleEndian.Uint64(buf[0:8]), 8, nil
}

func putI32(buf []byte, v int32) int {
	return putU32(buf, uint32(v))
}

func getI32(buf []byte) (int32, int, error) {
	v, n, err := getU32(buf)
	return int32(v), n, err
}

func putMask(buf []byte, v uint64) int {
	return putU64(buf, v)
}

func getMask(buf []byte) (uint64, int, error) {
	return getU64(buf)
}
