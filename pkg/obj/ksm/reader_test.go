package ksm

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kerboscript/ksmlink/pkg/obj/opcode"
	"github.com/kerboscript/ksmlink/pkg/obj/value"
)

func TestReadWrite_RoundTripsArgsAndCode(t *testing.T) {
	prog := &Program{
		Funcs: []Function{
			{
				Label: "helper",
				Instructions: []Instruction{
					{OpCode: opcode.Push, Args: []value.Value{value.ScalarInt(7)}},
					{OpCode: opcode.Return},
				},
			},
		},
		Main: &Function{
			Instructions: []Instruction{
				{OpCode: opcode.Push, Args: []value.Value{value.ScalarInt(7)}}, // dedups with helper's literal
				{OpCode: opcode.Exec, Args: []value.Value{value.String("helper")}},
				{OpCode: opcode.Return},
			},
			DebugLines: []DebugLine{
				{InstructionIndex: 0, Line: 10},
				{InstructionIndex: 1, Line: 10},
				{InstructionIndex: 2, Line: 11},
			},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, prog))

	f, err := Read(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	assert.Equal(t, byte(1), f.Width)
	assert.Len(t, f.Args, 2, "the literal 7 is shared between helper and main")

	require.Len(t, f.Sections, 2)
	assert.Equal(t, byte(markerFunction), f.Sections[0].Marker)
	assert.Equal(t, "helper", f.Sections[0].Label)
	assert.Equal(t, byte(markerMain), f.Sections[1].Marker)
	require.Len(t, f.Sections[1].Instructions, 3)
	assert.Equal(t, opcode.Exec, f.Sections[1].Instructions[1].OpCode)

	// Line 10 covers the Push and the Exec (4 bytes: 2 opcode + 2 operand
	// bytes at width 1), line 11 covers the Return that follows as a second,
	// distinct range.
	require.Len(t, f.Debug, 2)
	assert.Equal(t, int16(10), f.Debug[0].Line)
	assert.Equal(t, int16(11), f.Debug[1].Line)
}

func TestReadWrite_SplitLineProducesTwoRanges(t *testing.T) {
	prog := &Program{
		Main: &Function{
			Instructions: []Instruction{
				{OpCode: opcode.NOP},
				{OpCode: opcode.Pop},
				{OpCode: opcode.NOP},
			},
			DebugLines: []DebugLine{
				{InstructionIndex: 0, Line: 5},
				{InstructionIndex: 2, Line: 5},
			},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, prog))

	f, err := Read(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	require.Len(t, f.Debug, 1, "both fragments share line 5, so they group under one entry")
	require.Len(t, f.Debug[0].Ranges, 2, "dropping the middle Pop instruction's line mapping splits the range in two")
}

func TestRead_RejectsBadMagic(t *testing.T) {
	_, err := Read(bytes.NewReader([]byte{0, 0, 0, 0}))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadMagic)
}
