package ko

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kerboscript/ksmlink/pkg/linkerr"
	"github.com/kerboscript/ksmlink/pkg/obj/opcode"
	"github.com/kerboscript/ksmlink/pkg/obj/value"
)

// relocationRecord encodes one raw relocation record in wire layout,
// for tests that need to hand a malformed OperandOrdinal straight to
// decodeRelocationSection without going through a whole Image.
func relocationRecord(t *testing.T, sectionIndex, instructionIndex uint32, operandOrdinal uint8, symbolIndex uint32) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, sectionIndex))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, instructionIndex))
	require.NoError(t, buf.WriteByte(operandOrdinal))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, symbolIndex))
	return buf.Bytes()
}

// sampleImage builds a minimal but structurally complete image: a null
// section, a .shstrtab, a .symtab/.symstrtab pair defining one global
// function symbol, a data section holding its literal operands, and a
// function section referencing them by position.
func sampleImage() *Image {
	img := &Image{
		Path:           "sample.ko",
		Version:        koVersion,
		ShStrTabIndex:  1,
		SymTabIndex:    2,
		SymStrTabIndex: 3,
		Strings: map[int][]string{
			1: {"", ".shstrtab", ".symtab", ".symstrtab", ".data", ".text"},
			3: {"", "main"},
		},
		Symbols: map[int][]Symbol{
			2: {
				{NameIndex: 1, ValueIndex: 0, Size: 0, Binding: BindGlobal, Type: TypeFunc, SectionIndex: 5, Name: "main"},
			},
		},
		Data: map[int][]value.Value{
			4: {value.ScalarInt(2), value.ScalarInt(2)},
		},
		Functions: map[int][]Instruction{
			5: {
				{OpCode: opcode.Push, OperandCount: 1, Operands: [2]uint32{0, 0}},
				{OpCode: opcode.Push, OperandCount: 1, Operands: [2]uint32{1, 0}},
				{OpCode: opcode.Add, OperandCount: 0},
				{OpCode: opcode.Return, OperandCount: 0},
			},
		},
		Relocations: map[int][]Relocation{},
		DebugLines:  map[int][]DebugLine{},
		byName:      map[string]int{},
	}

	img.Headers = []SectionHeader{
		{Kind: SectionNull, NameIndex: 0},
		{Kind: SectionString, NameIndex: 1, Name: ".shstrtab"},
		{Kind: SectionSymbol, NameIndex: 2, Name: ".symtab"},
		{Kind: SectionString, NameIndex: 3, Name: ".symstrtab"},
		{Kind: SectionData, NameIndex: 4, Name: ".data"},
		{Kind: SectionFunction, NameIndex: 5, Name: ".text"},
	}

	return img
}

func TestReadWrite_RoundTrip(t *testing.T) {
	img := sampleImage()

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, img))

	first := append([]byte(nil), buf.Bytes()...)

	got, err := Read(bytes.NewReader(first), "sample.ko")
	require.NoError(t, err)

	assert.Equal(t, img.Version, got.Version)
	assert.Equal(t, len(img.Headers), len(got.Headers))
	for i, h := range img.Headers {
		assert.Equal(t, h.Name, got.Headers[i].Name, "section %d name", i)
		assert.Equal(t, h.Kind, got.Headers[i].Kind, "section %d kind", i)
	}

	gotSyms := got.SymbolTable()
	require.Len(t, gotSyms, 1)
	assert.Equal(t, "main", gotSyms[0].Name)
	assert.Equal(t, BindGlobal, gotSyms[0].Binding)
	assert.Equal(t, TypeFunc, gotSyms[0].Type)

	var rewritten bytes.Buffer
	require.NoError(t, Write(&rewritten, got))
	assert.Equal(t, first, rewritten.Bytes(), "re-encoding a parsed image must reproduce the original bytes exactly")
}

func TestRead_BadMagicRejected(t *testing.T) {
	data := []byte{0x00, 0x00, 0x00, 0x00, koVersion, 0x00, 0x00, 0x00, 0x00}
	_, err := Read(bytes.NewReader(data), "bad.ko")
	require.Error(t, err)
	assert.ErrorIs(t, err, linkerr.ErrInputFormat)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestRead_UnsupportedVersionRejected(t *testing.T) {
	data := []byte{0x6B, 0x01, 0x6F, 0x66, 9, 0x00, 0x00, 0x00, 0x00}
	_, err := Read(bytes.NewReader(data), "bad.ko")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestRead_TruncatedSectionRejected(t *testing.T) {
	img := sampleImage()
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, img))

	truncated := buf.Bytes()[:buf.Len()-1]
	_, err := Read(bytes.NewReader(truncated), "truncated.ko")
	require.Error(t, err)
	assert.ErrorIs(t, err, linkerr.ErrInputFormat)
}

func TestRead_BadSymbolBindingRejected(t *testing.T) {
	img := sampleImage()
	img.Symbols[2][0].Binding = Binding(200)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, img))

	// Write does not itself validate Binding, so the hand-corrupted image
	// serializes fine; Read must reject it on the way back in.
	_, err := Read(bytes.NewReader(buf.Bytes()), "bad-binding.ko")
	require.Error(t, err)
	assert.ErrorIs(t, err, linkerr.ErrInputFormat)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestDecodeRelocationSection_AcceptsBothOperandOrdinals(t *testing.T) {
	body := append(
		relocationRecord(t, 5, 0, 1, 0),
		relocationRecord(t, 5, 0, 2, 0)...,
	)
	relocs, err := decodeRelocationSection(body)
	require.NoError(t, err)
	require.Len(t, relocs, 2)
	assert.Equal(t, uint8(1), relocs[0].OperandOrdinal)
	assert.Equal(t, uint8(2), relocs[1].OperandOrdinal)
}

func TestDecodeRelocationSection_RejectsZeroOperandOrdinal(t *testing.T) {
	_, err := decodeRelocationSection(relocationRecord(t, 5, 0, 0, 0))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestDecodeRelocationSection_RejectsOperandOrdinalAboveTwo(t *testing.T) {
	_, err := decodeRelocationSection(relocationRecord(t, 5, 0, 3, 0))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestRead_UndefinedOpcodeRejected(t *testing.T) {
	img := sampleImage()
	img.Functions[5] = []Instruction{{OpCode: opcode.OpCode(250), OperandCount: 0}}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, img))

	_, err := Read(bytes.NewReader(buf.Bytes()), "bad-opcode.ko")
	require.Error(t, err)
	assert.ErrorIs(t, err, linkerr.ErrInputFormat)
}
