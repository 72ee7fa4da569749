// Package ko implements the KO Reader (C1): parsing a KerbalObject
// relocatable input into a structured, validated, immutable Image (§3, §4.1).
package ko

import (
	"fmt"

	"github.com/kerboscript/ksmlink/pkg/obj/opcode"
	"github.com/kerboscript/ksmlink/pkg/obj/value"
)

// SectionKind enumerates the seven recognized section kinds (§6).
type SectionKind uint8

const (
	SectionNull SectionKind = iota
	SectionSymbol
	SectionString
	SectionFunction
	SectionData
	SectionDebug
	SectionRelocation

	totalSectionKinds
)

var sectionKindNames = [...]string{
	SectionNull:       "Null",
	SectionSymbol:     "SymbolTable",
	SectionString:     "StringTable",
	SectionFunction:   "Function",
	SectionData:       "Data",
	SectionDebug:      "Debug",
	SectionRelocation: "RelocationData",
}

func (k SectionKind) String() string {
	if int(k) < len(sectionKindNames) {
		return sectionKindNames[k]
	}
	return fmt.Sprintf("SectionKind(%d)", uint8(k))
}

// Valid reports whether k is one of the seven recognized section kinds.
func (k SectionKind) Valid() bool { return k < totalSectionKinds }

// Binding enumerates a KO symbol's linkage binding (§3 "KO Symbol").
type Binding uint8

const (
	BindLocal Binding = iota
	BindGlobal
	BindExtern

	totalBindings
)

func (b Binding) String() string {
	switch b {
	case BindLocal:
		return "Local"
	case BindGlobal:
		return "Global"
	case BindExtern:
		return "Extern"
	default:
		return fmt.Sprintf("Binding(%d)", uint8(b))
	}
}

func (b Binding) Valid() bool { return b < totalBindings }

// SymType enumerates a KO symbol's type tag (§3 "KO Symbol").
type SymType uint8

const (
	TypeNoType SymType = iota
	TypeObject
	TypeFunc
	TypeSection
	TypeFile

	totalSymTypes
)

func (t SymType) String() string {
	switch t {
	case TypeNoType:
		return "NoType"
	case TypeObject:
		return "Object"
	case TypeFunc:
		return "Func"
	case TypeSection:
		return "Section"
	case TypeFile:
		return "File"
	default:
		return fmt.Sprintf("SymType(%d)", uint8(t))
	}
}

func (t SymType) Valid() bool { return t < totalSymTypes }

// SectionHeader is one entry of the flat section-header array (§3, §4.1
// Phase 1). Name is filled in during Phase 3 by resolving NameIndex through
// the image's .shstrtab.
type SectionHeader struct {
	NameIndex uint32
	Kind      SectionKind
	Size      uint32
	Name      string
}

// Symbol is one KO symbol-table record (§3 "KO Symbol"). Name is resolved
// during Phase 3 through the owning image's .symstrtab.
type Symbol struct {
	NameIndex    uint32
	ValueIndex   uint32
	Size         uint16
	Binding      Binding
	Type         SymType
	SectionIndex uint16
	Name         string
}

// Instruction is one KO-form instruction (§3 "Instruction (KO form)"):
// opcode plus up to two operands, each a positional index into the owning
// image's .data section unless overridden by a Relocation.
type Instruction struct {
	OpCode       opcode.OpCode
	OperandCount int
	Operands     [2]uint32
}

// Relocation is one deferred operand rewrite (§3 "Relocation Entry").
// OperandOrdinal is the wire value as read, 1-based (∈ {1,2}, never 0):
// ordinal 1 names Instruction.Operands[0], ordinal 2 names Operands[1].
// It is kept 1-based here rather than translated at decode time so that
// Write reproduces the exact input bytes (§8 "round-trip on KO").
type Relocation struct {
	SectionIndex     uint32
	InstructionIndex uint32
	OperandOrdinal   uint8
	SymbolIndex      uint32
}

// DebugLine associates one instruction (by index within its owning function
// section) with a source line number. The KO input format does not fully
// specify a wire layout for this section's contents beyond "debug line
// mapping" (§3, §4.6); this linker reads/writes it as a flat sequence of
// (instruction-index, line-number) pairs, one per instruction that carries
// debug info.
type DebugLine struct {
	InstructionIndex uint32
	Line             int16
}

// Image is the parsed, validated, immutable form of one KO input file
// (§3 "KO Image"). It is built exclusively by Read and never mutated
// afterward.
type Image struct {
	// Path is the originating file path, carried for diagnostics only.
	Path string

	Version uint8

	Headers []SectionHeader

	ShStrTabIndex  int
	SymTabIndex    int // -1 if absent
	SymStrTabIndex int // -1 if absent

	Strings     map[int][]string
	Symbols     map[int][]Symbol
	Data        map[int][]value.Value
	Functions   map[int][]Instruction
	Relocations map[int][]Relocation
	DebugLines  map[int][]DebugLine

	byName map[string]int
}

// SectionIndexByName returns the header index of the first section named
// name, if any.
func (img *Image) SectionIndexByName(name string) (int, bool) {
	idx, ok := img.byName[name]
	return idx, ok
}

// SymbolTable returns the image's merged symbol table (the contents of its
// .symtab section), or nil if the image has none.
func (img *Image) SymbolTable() []Symbol {
	if img.SymTabIndex < 0 {
		return nil
	}
	return img.Symbols[img.SymTabIndex]
}

// FunctionSection returns the decoded instructions of the function section
// at header index secIdx, or nil if secIdx does not name a Function
// section.
func (img *Image) FunctionSection(secIdx int) []Instruction {
	return img.Functions[secIdx]
}

// PrimaryDataIndex returns the header index of the image's first Data
// section, the table plain (non-relocated) operands index into (§3
// "Instruction (KO form)": "a positional index into the owning image's
// .data section").
func (img *Image) PrimaryDataIndex() (int, bool) {
	for i, h := range img.Headers {
		if h.Kind == SectionData {
			return i, true
		}
	}
	return 0, false
}

// FunctionBody returns the instruction slice a Func symbol describes:
// sym.SectionIndex names the owning Function section and
// [sym.ValueIndex, sym.ValueIndex+sym.Size) is its range within it, the
// same st_value/st_size-relative-to-st_shndx convention ELF symbol tables
// use for functions.
func (img *Image) FunctionBody(sym Symbol) ([]Instruction, error) {
	fn, ok := img.Functions[int(sym.SectionIndex)]
	if !ok {
		return nil, fmt.Errorf("symbol %q: section %d is not a function section", sym.Name, sym.SectionIndex)
	}
	start := int(sym.ValueIndex)
	end := start + int(sym.Size)
	if start < 0 || end > len(fn) || start > end {
		return nil, fmt.Errorf("symbol %q: range [%d,%d) out of bounds for a %d-instruction section", sym.Name, start, end, len(fn))
	}
	return fn[start:end], nil
}

// String pretty-prints the image for diagnostics (not used by the link
// pipeline itself).
func (img *Image) String() string {
	return fmt.Sprintf("ko.Image{path=%q, version=%d, sections=%d}", img.Path, img.Version, len(img.Headers))
}
