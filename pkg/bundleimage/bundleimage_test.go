package bundleimage

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AmbiML/sparrowos-core/pkg/sel4"
)

func buildImage(t *testing.T, sections []SectionHeader, payloads [][]byte) []byte {
	t.Helper()
	require.Equal(t, len(sections), len(payloads))
	var buf bytes.Buffer
	for i, h := range sections {
		buf.Write(EncodeSection(h, nil))
		buf.Write(payloads[i])
	}
	return buf.Bytes()
}

func TestNextSectionEnforcesMonotonicVAddr(t *testing.T) {
	sections := []SectionHeader{
		{VAddr: 0x1000, FileSize: 4, MemSize: 4, Rights: sel4.RX},
		{VAddr: 0x500, FileSize: 0, MemSize: 0},
	}
	img := buildImage(t, sections, [][]byte{{1, 2, 3, 4}, {}})
	rd := New(bytes.NewReader(img))

	h, err := rd.NextSection()
	require.NoError(t, err)
	require.EqualValues(t, 0x1000, h.VAddr)
	require.NoError(t, rd.ReadExact(make([]byte, 4)))

	_, err = rd.NextSection()
	require.Error(t, err)
}

func TestReadExactAccumulatesCRC32AndDetectsMismatch(t *testing.T) {
	payload := []byte("hello world")
	h := SectionHeader{VAddr: 0, FileSize: uint64(len(payload)), MemSize: uint64(len(payload)), Rights: sel4.R, HasCRC32: true, ExpectedCRC32: 0xdeadbeef}
	img := buildImage(t, []SectionHeader{h}, [][]byte{payload})
	rd := New(bytes.NewReader(img))

	_, err := rd.NextSection()
	require.NoError(t, err)
	require.NoError(t, rd.ReadExact(make([]byte, len(payload))))

	matched, checked := rd.CheckCRC32()
	require.True(t, checked)
	require.False(t, matched)
}

func TestReadExactRejectsOverread(t *testing.T) {
	h := SectionHeader{VAddr: 0, FileSize: 4, MemSize: 4, Rights: sel4.RW}
	img := buildImage(t, []SectionHeader{h}, [][]byte{{1, 2, 3, 4}})
	rd := New(bytes.NewReader(img))

	_, err := rd.NextSection()
	require.NoError(t, err)
	err = rd.ReadExact(make([]byte, 5))
	require.Error(t, err)
}

func TestPreprocessSumsPagesAndFindsEntry(t *testing.T) {
	sections := []SectionHeader{
		{VAddr: 0, FileSize: 10, MemSize: 10, Rights: sel4.RX, HasEntry: true, Entry: 0x400},
		{VAddr: sel4.PageSize, FileSize: 20, MemSize: 20, Rights: sel4.RW},
	}
	img := buildImage(t, sections, [][]byte{make([]byte, 10), make([]byte, 20)})

	pages, entry, haveEntry, err := Preprocess(bytes.NewReader(img))
	require.NoError(t, err)
	require.True(t, haveEntry)
	require.EqualValues(t, 0x400, entry)
	require.EqualValues(t, 2, pages)
}

func TestNextSectionEOF(t *testing.T) {
	rd := New(bytes.NewReader(nil))
	_, err := rd.NextSection()
	require.Equal(t, io.EOF, err)
}
