// Package opcode defines the fixed opcode-to-operand-count table shared,
// byte for byte, by KO function sections and KSM code sections (§6): "the
// opcode-to-operand-count table is fixed and mirrors the KSM opcode set".
package opcode

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kerboscript/ksmlink/pkg/utils"
)

// OpCode is a single instruction opcode byte.
type OpCode uint8

const (
	EOF OpCode = iota
	NOP
	Push
	Pop
	Dup
	Swap
	Exec // function/label call; operand is the callee's label string
	Return
	StoreLocal
	StoreGlobal
	Unset
	GetMember
	SetMember
	GetIndex
	SetIndex
	NewScope
	EndScope
	Jump
	JumpIfFalse
	JumpIfTrue
	Add
	Sub
	Mul
	Div
	Pow
	Mod
	CompareGT
	CompareLT
	CompareGE
	CompareLE
	CompareEQ
	CompareNE
	Negate
	BooleanAnd
	BooleanOr
	BooleanNot
	AddTrigger

	// reservedSectionMarker occupies byte value 0x25 ('%', the KSM
	// section-header introducer) so that no real opcode below can ever
	// collide with it; it names no instruction and descriptors
	// deliberately has no entry for it, same as any other unassigned byte.
	reservedSectionMarker

	RemoveTrigger
	WaitUntil
	GetType
	SetType

	// PushRelocateLater, PushDelegateRelocateLater and LabelReset are
	// documented as placeholders the target runtime strips when loading
	// a KSM file; this linker preserves them verbatim rather than
	// stripping them (§9 Open Questions), since stripping a byte pattern
	// the runtime itself interprets away is not this linker's job.
	PushRelocateLater
	PushDelegateRelocateLater
	LabelReset

	totalOpCodes
)

// ErrUndefinedOperandCount is returned when an opcode byte does not name
// one of the recognized opcodes, which per §4.1 is a parse error ("opcode
// whose operand count is undefined").
var ErrUndefinedOperandCount = errors.New("opcode has undefined operand count")

type descriptor struct {
	mnemonic     string
	operandCount int
}

var descriptors = map[OpCode]descriptor{
	EOF:                       {"eof", 0},
	NOP:                       {"nop", 0},
	Push:                      {"push", 1},
	Pop:                       {"pop", 0},
	Dup:                       {"dup", 0},
	Swap:                      {"swap", 0},
	Exec:                      {"exec", 1},
	Return:                    {"return", 0},
	StoreLocal:                {"storelocal", 1},
	StoreGlobal:               {"storeglobal", 1},
	Unset:                     {"unset", 1},
	GetMember:                 {"getmember", 1},
	SetMember:                 {"setmember", 1},
	GetIndex:                  {"getindex", 0},
	SetIndex:                  {"setindex", 0},
	NewScope:                  {"newscope", 2},
	EndScope:                  {"endscope", 1},
	Jump:                      {"jump", 1},
	JumpIfFalse:               {"jumpiffalse", 1},
	JumpIfTrue:                {"jumpiftrue", 1},
	Add:                       {"add", 0},
	Sub:                       {"sub", 0},
	Mul:                       {"mul", 0},
	Div:                       {"div", 0},
	Pow:                       {"pow", 0},
	Mod:                       {"mod", 0},
	CompareGT:                 {"cgt", 0},
	CompareLT:                 {"clt", 0},
	CompareGE:                 {"cge", 0},
	CompareLE:                 {"cle", 0},
	CompareEQ:                 {"ceq", 0},
	CompareNE:                 {"cne", 0},
	Negate:                    {"neg", 0},
	BooleanAnd:                {"and", 0},
	BooleanOr:                 {"or", 0},
	BooleanNot:                {"not", 0},
	AddTrigger:                {"addtrigger", 2},
	RemoveTrigger:             {"removetrigger", 1},
	WaitUntil:                 {"waituntil", 1},
	GetType:                   {"gettype", 0},
	SetType:                   {"settype", 1},
	PushRelocateLater:         {"pushrelocatelater", 1},
	PushDelegateRelocateLater: {"pushdelegaterelocatelater", 1},
	LabelReset:                {"labelreset", 1},
}

var mnemonicToOpCode = utils.InvertedMap(utils.MapMap(descriptors, func(op OpCode, d descriptor) (OpCode, string) {
	return op, d.mnemonic
}))

func init() {
	for i := 0; i < int(totalOpCodes); i++ {
		if OpCode(i) == reservedSectionMarker {
			continue
		}
		if _, ok := descriptors[OpCode(i)]; !ok {
			panic(fmt.Sprintf("opcode package: missing descriptor entry for opcode %d", i))
		}
	}
}

// Valid reports whether op names one of the recognized opcodes.
func (op OpCode) Valid() bool {
	_, ok := descriptors[op]
	return ok
}

// OperandCount returns the number of u32/width-W operands this opcode's
// instructions carry (0, 1, or 2; §3 "Instruction (KO form)"), or an error
// if op is not a recognized opcode.
func OperandCount(op OpCode) (int, error) {
	d, ok := descriptors[op]
	if !ok {
		return 0, fmt.Errorf("%w: opcode byte %d", ErrUndefinedOperandCount, uint8(op))
	}
	return d.operandCount, nil
}

// Mnemonic returns the human-readable name of op, or "?" if unrecognized.
func (op OpCode) Mnemonic() string {
	if d, ok := descriptors[op]; ok {
		return d.mnemonic
	}
	return "?"
}

func (op OpCode) String() string {
	return fmt.Sprintf("%s(%d)", op.Mnemonic(), uint8(op))
}

// Parse looks up an opcode by its mnemonic, case-insensitively.
func Parse(mnemonic string) (OpCode, error) {
	if op, ok := mnemonicToOpCode[strings.ToLower(mnemonic)]; ok {
		return op, nil
	}
	return 0, fmt.Errorf("%w: mnemonic %q", ErrUndefinedOperandCount, mnemonic)
}

// All returns every recognized opcode in numeric order.
func All() []OpCode {
	var out []OpCode
	for _, op := range utils.Iota(int(totalOpCodes), func(i int) OpCode { return OpCode(i) }) {
		if op.Valid() {
			out = append(out, op)
		}
	}
	return out
}

// ByteValue 0x25 is '%', reserved by the KSM container as the section-header
// introducer (§6); no opcode may collide with it. Marker opcode is not part
// of OpCode, this constant documents the constraint checked by callers that
// assign opcode byte values from an external grammar.
const ReservedSectionMarker = byte('%')
