package ksm

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kerboscript/ksmlink/pkg/obj/opcode"
	"github.com/kerboscript/ksmlink/pkg/obj/value"
)

func TestWidth_Boundaries(t *testing.T) {
	assert.Equal(t, uint8(1), Width(0))
	assert.Equal(t, uint8(1), Width(256))
	assert.Equal(t, uint8(2), Width(257))
	assert.Equal(t, uint8(2), Width(65536))
	assert.Equal(t, uint8(3), Width(65537))
}

func TestArgTable_DedupesByValue(t *testing.T) {
	tbl := NewArgTable()

	off1, err := tbl.Intern(value.ScalarInt(2))
	require.NoError(t, err)

	off2, err := tbl.Intern(value.ScalarInt(2))
	require.NoError(t, err)
	assert.Equal(t, off1, off2, "interning the same value twice must return the same offset")

	off3, err := tbl.Intern(value.ScalarInt(3))
	require.NoError(t, err)
	assert.NotEqual(t, off1, off3)

	encoded, err := tbl.Encode()
	require.NoError(t, err)
	assert.Len(t, encoded, int(tbl.Size())-argTableHeaderSize, "Size() counts the %A header, Encode() only the entries")
}

func TestWrite_SmallestExecutable(t *testing.T) {
	prog := &Program{
		Main: &Function{
			Instructions: []Instruction{
				{OpCode: opcode.Push, Args: []value.Value{value.ScalarInt(2)}},
				{OpCode: opcode.Push, Args: []value.Value{value.ScalarInt(2)}},
				{OpCode: opcode.Add},
				{OpCode: opcode.Return},
			},
			DebugLines: []DebugLine{{InstructionIndex: 0, Line: 1}},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, prog))

	out := buf.Bytes()
	require.GreaterOrEqual(t, len(out), 7)
	assert.Equal(t, []byte(ksmMagic[:]), out[:4])
	assert.Equal(t, []byte{'%', 'A'}, out[4:6], "magic must be followed directly by the %A marker")
	assert.Equal(t, byte(1), out[6], "the single deduplicated literal fits in a one-byte operand width")

	assert.Contains(t, string(out), "%A")
	assert.Contains(t, string(out), "%M")
	assert.Contains(t, string(out), "%D")
	assert.NotContains(t, string(out), "%I", "non shared-library output must not emit an init section")
}

func TestWrite_RejectsOperandCountMismatch(t *testing.T) {
	prog := &Program{
		Main: &Function{
			Instructions: []Instruction{
				{OpCode: opcode.Add, Args: []value.Value{value.ScalarInt(1)}},
			},
		},
	}

	var buf bytes.Buffer
	err := Write(&buf, prog)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOperandCountMismatch)
}

func TestWrite_SharedLibraryEmitsInitNoMain(t *testing.T) {
	prog := &Program{
		Init: &Function{
			Instructions: []Instruction{{OpCode: opcode.Return}},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, prog))

	out := string(buf.Bytes())
	assert.Contains(t, out, "%I")
	assert.NotContains(t, out, "%M")
}
