// Package bundleimage implements the Bundle Image Reader (spec §4.D): a
// forward-only stream of (header, bytes) section pairs consumed by the
// Bundle Builder in two passes. Section headers are decoded sequentially
// with encoding/binary, the same field-by-field approach the pack's
// zchee-go-qcow2 reader uses for its own fixed-layout header.
package bundleimage

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/pkg/errors"

	"github.com/AmbiML/sparrowos-core/pkg/coreerr"
	"github.com/AmbiML/sparrowos-core/pkg/sel4"
)

// SectionHeader describes one loadable section (spec §3 "Image section").
type SectionHeader struct {
	VAddr        uint64
	FileSize     uint64
	MemSize      uint64
	Rights       sel4.Rights
	HasEntry     bool
	Entry        uint64
	HasCRC32     bool
	ExpectedCRC32 uint32
}

const headerWireSize = 8 + 8 + 8 + 1 + 1 + 8 + 1 + 4

// Reader iterates a verified image's sections in order. Seek is not
// supported: read_exact within a section and advancing to the next
// section are the only two motions it allows.
type Reader struct {
	r io.Reader

	cur        *SectionHeader
	curRemain  uint64 // file bytes remaining in the current section
	lastVAddr  uint64
	haveCursor bool
	crc        uint32
	crcValid   bool
}

// New wraps r, an already-opened, already-verified image byte stream.
func New(r io.Reader) *Reader {
	return &Reader{r: r}
}

// NextSection reads and returns the next section header, or io.EOF when
// the image is exhausted. Returns coreerr.ErrInvalidImage if vaddr
// monotonicity is violated.
func (rd *Reader) NextSection() (SectionHeader, error) {
	if rd.cur != nil && rd.curRemain > 0 {
		return SectionHeader{}, errors.New("bundleimage: previous section not fully consumed")
	}

	var buf [headerWireSize]byte
	if _, err := io.ReadFull(rd.r, buf[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return SectionHeader{}, io.EOF
		}
		return SectionHeader{}, errors.Wrap(err, "bundleimage: read section header")
	}

	h := decodeHeader(buf[:])
	if rd.haveCursor && h.VAddr < rd.lastVAddr {
		return SectionHeader{}, errors.Wrapf(coreerr.ErrInvalidImage, "section vaddr %#x precedes previous %#x", h.VAddr, rd.lastVAddr)
	}
	rd.lastVAddr = h.VAddr
	rd.haveCursor = true

	rd.cur = &h
	rd.curRemain = h.FileSize
	rd.crc = 0
	rd.crcValid = false
	return h, nil
}

// EncodeSection renders h and data in wire format, for tools (and tests)
// building images the Reader above can consume.
func EncodeSection(h SectionHeader, data []byte) []byte {
	b := make([]byte, headerWireSize, headerWireSize+len(data))
	binary.LittleEndian.PutUint64(b[0:8], h.VAddr)
	binary.LittleEndian.PutUint64(b[8:16], h.FileSize)
	binary.LittleEndian.PutUint64(b[16:24], h.MemSize)
	b[24] = byte(h.Rights)
	if h.HasEntry {
		b[25] = 1
	}
	binary.LittleEndian.PutUint64(b[26:34], h.Entry)
	if h.HasCRC32 {
		b[34] = 1
	}
	binary.LittleEndian.PutUint32(b[35:39], h.ExpectedCRC32)
	return append(b, data...)
}

func decodeHeader(b []byte) SectionHeader {
	var h SectionHeader
	h.VAddr = binary.LittleEndian.Uint64(b[0:8])
	h.FileSize = binary.LittleEndian.Uint64(b[8:16])
	h.MemSize = binary.LittleEndian.Uint64(b[16:24])
	h.Rights = sel4.Rights(b[24])
	h.HasEntry = b[25] != 0
	h.Entry = binary.LittleEndian.Uint64(b[26:34])
	h.HasCRC32 = b[34] != 0
	h.ExpectedCRC32 = binary.LittleEndian.Uint32(b[35:39])
	return h
}

// ReadExact reads len(buf) bytes from the current section, optionally
// accumulating a running CRC32 for later comparison against the header's
// ExpectedCRC32. It is an error to request more bytes than remain in the
// section's file-backed portion.
func (rd *Reader) ReadExact(buf []byte) error {
	if rd.cur == nil {
		return errors.New("bundleimage: ReadExact with no section open")
	}
	if uint64(len(buf)) > rd.curRemain {
		return errors.Errorf("bundleimage: read of %d bytes exceeds %d remaining in section", len(buf), rd.curRemain)
	}
	if _, err := io.ReadFull(rd.r, buf); err != nil {
		return errors.Wrap(err, "bundleimage: read section bytes")
	}
	rd.curRemain -= uint64(len(buf))
	if rd.cur.HasCRC32 {
		rd.crc = crc32.Update(rd.crc, crc32.IEEETable, buf)
		rd.crcValid = true
	}
	return nil
}

// Remaining reports how many file-backed bytes are left in the open section.
func (rd *Reader) Remaining() uint64 {
	return rd.curRemain
}

// CheckCRC32 returns false (with no error) when the section carries no
// checksum or it hasn't been fully read yet. Bundle Builder logs, rather
// than fails, on a mismatch (spec §4 supplemented features).
func (rd *Reader) CheckCRC32() (matched bool, checked bool) {
	if rd.cur == nil || !rd.cur.HasCRC32 || !rd.crcValid || rd.curRemain != 0 {
		return false, false
	}
	return rd.crc == rd.cur.ExpectedCRC32, true
}

// Preprocess runs the preprocess pass: iterate every header, reading
// past each section's bytes without keeping them, summing the pages needed (rounding each section's msize
// up to the page granule) and locating the entry point. vaddr
// monotonicity is enforced by NextSection itself.
func Preprocess(r io.Reader) (pages uint64, entry uint64, haveEntry bool, err error) {
	rd := New(r)
	for {
		h, err := rd.NextSection()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, 0, false, err
		}
		pages += PagesFor(h.VAddr, h.MemSize)
		if h.HasEntry {
			entry = h.Entry
			haveEntry = true
		}
		if h.FileSize > 0 {
			skip := make([]byte, h.FileSize)
			if err := rd.ReadExact(skip); err != nil {
				return 0, 0, false, err
			}
		}
	}
	return pages, entry, haveEntry, nil
}

// PagesFor returns how many page-granule frames a section spanning
// [vaddr, vaddr+msize) needs, rounding both ends to the page boundary.
func PagesFor(vaddr, msize uint64) uint64 {
	if msize == 0 {
		return 0
	}
	start := vaddr &^ (sel4.PageSize - 1)
	end := (vaddr + msize + sel4.PageSize - 1) &^ (sel4.PageSize - 1)
	return (end - start) / sel4.PageSize
}
