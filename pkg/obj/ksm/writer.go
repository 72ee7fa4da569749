// Package ksm implements the KSM Writer (C7): serializing a linked,
// laid-out program into the KerboScript Machine code container — magic
// header, a deduplicated argument table, one or more code sections
// introduced by '%' markers, and a debug section (§3, §4.6).
//
// Every section other than the fixed-size header is self-delimiting: the
// argument table is a sequence of tag-prefixed values, code sections are a
// sequence of fixed-arity (opcode, operands) instructions, and the debug
// section is a sequence of count-prefixed ranges. No section carries an
// explicit byte-length prefix — a reader finds the next section by
// recognizing the literal '%' marker byte where the current section's
// grammar says the next record should start, which is why no opcode byte
// may ever equal 0x25 (§6, opcode.ReservedSectionMarker).
//
// The writer never reads KSM back in; producing this format is this
// linker's final, one-way output stage (a minimal reader exists only for
// the read-only `inspect` tool, pkg/obj/ksm/reader.go, §6B).
package ksm

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/kerboscript/ksmlink/pkg/linkerr"
	"github.com/kerboscript/ksmlink/pkg/obj/opcode"
	"github.com/kerboscript/ksmlink/pkg/obj/value"
)

var ksmMagic = [4]byte{0x6B, 0x03, 0x58, 0x45}

const sectionMarker = '%'

const (
	markerArg      = 'A'
	markerInit     = 'I'
	markerFunction = 'F'
	markerMain     = 'M'
	markerDebug    = 'D'
)

// ErrOperandCountMismatch is an internal-invariant failure (§7.4): it means
// the layout/relocation stages handed the writer an instruction whose
// argument count disagrees with its opcode's fixed arity, which should
// never happen for a program that passed relocation.
var ErrOperandCountMismatch = fmt.Errorf("%w: instruction argument count does not match its opcode", linkerr.ErrInternalInvariant)

// Instruction is one fully-resolved KSM-form instruction: an opcode plus
// its argument values, already looked up from whatever symbol or literal
// they referenced. The writer interns each Args entry into the shared
// argument table and emits a byte-offset operand in its place.
type Instruction struct {
	OpCode opcode.OpCode
	Args   []value.Value
}

// DebugLine maps one instruction, by its index within the Function or
// entry section that owns it, to a source line number (§4.6 "the debug
// section carries (instruction, line) pairs remapped through C5's
// instruction-to-offset mapping").
type DebugLine struct {
	InstructionIndex int
	Line             int16
}

// Function is one named %F code section: a label plus its instructions.
type Function struct {
	Label        string
	Instructions []Instruction
	DebugLines   []DebugLine
}

// Program is the fully laid-out, relocation-applied linker output ready
// for serialization: an optional %I initializer (present only in
// shared-library mode, §4.5 "-s"), zero or more %F function sections, and
// an optional %M main section (absent in shared-library mode).
type Program struct {
	Init  *Function
	Funcs []Function
	Main  *Function
}

// Write serializes prog as a complete KSM file.
func Write(w io.Writer, prog *Program) error {
	args := NewArgTable()

	sections := prog.orderedSections()
	for _, fn := range sections {
		for i, instr := range fn.Instructions {
			n, err := opcode.OperandCount(instr.OpCode)
			if err != nil {
				return fmt.Errorf("%s instruction %d: %w", fn.Label, i, err)
			}
			if n != len(instr.Args) {
				return fmt.Errorf("%w: %s instruction %d (%s): want %d args, got %d",
					ErrOperandCountMismatch, fn.Label, i, instr.OpCode.Mnemonic(), n, len(instr.Args))
			}
			for _, arg := range instr.Args {
				if _, err := args.Intern(arg); err != nil {
					return err
				}
			}
		}
	}

	width := Width(args.Size())

	if err := binary.Write(w, binary.LittleEndian, ksmMagic); err != nil {
		return err
	}
	if _, err := w.Write([]byte{sectionMarker, markerArg}); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, width); err != nil {
		return err
	}
	if err := args.WriteTo(w); err != nil {
		return err
	}

	var codeSize uint32
	for _, fn := range sections {
		if _, err := w.Write([]byte{sectionMarker, fn.marker}); err != nil {
			return err
		}
		codeSize += 2
		if fn.marker == markerFunction {
			codeSize += 1 + uint32(len(fn.Label))
			if len(fn.Label) > 255 {
				return fmt.Errorf("%w: function label %q exceeds 255 bytes", linkerr.ErrLayout, fn.Label)
			}
			if _, err := w.Write([]byte{byte(len(fn.Label))}); err != nil {
				return err
			}
			if _, err := io.WriteString(w, fn.Label); err != nil {
				return err
			}
		}

		n, err := writeCode(w, fn, args, width)
		if err != nil {
			return err
		}
		codeSize += n
	}

	if _, err := w.Write([]byte{sectionMarker, markerDebug}); err != nil {
		return err
	}
	return writeDebug(w, sections, width, codeSize)
}

// markedFunction pairs a Function with the section-marker letter it is
// emitted under, since Init/Main reuse the same Function shape as
// ordinary functions but carry different markers and (for Main) no label.
type markedFunction struct {
	Function
	marker byte
}

func (p *Program) orderedSections() []markedFunction {
	var out []markedFunction
	if p.Init != nil {
		out = append(out, markedFunction{*p.Init, markerInit})
	}
	for _, fn := range p.Funcs {
		out = append(out, markedFunction{fn, markerFunction})
	}
	if p.Main != nil {
		out = append(out, markedFunction{*p.Main, markerMain})
	}
	return out
}

// instrSize is the byte length of one encoded instruction: one opcode
// byte plus each operand encoded as width little-endian bytes.
func instrSize(instr Instruction, width uint8) uint32 {
	return 1 + uint32(len(instr.Args))*uint32(width)
}

func writeCode(w io.Writer, fn markedFunction, args *ArgTable, width uint8) (uint32, error) {
	var size uint32
	for i, instr := range fn.Instructions {
		if _, err := w.Write([]byte{byte(instr.OpCode)}); err != nil {
			return 0, err
		}
		for _, arg := range instr.Args {
			off, ok := args.offsets[arg]
			if !ok {
				return 0, fmt.Errorf("%w: %s instruction %d: argument not interned", ErrOperandCountMismatch, fn.Label, i)
			}
			if err := writeOffset(w, off, width); err != nil {
				return 0, err
			}
		}
		size += instrSize(instr, width)
	}
	return size, nil
}

func writeOffset(w io.Writer, off uint32, width uint8) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], off)
	_, err := w.Write(b[:width])
	return err
}

// byteRange is an inclusive [start,end] byte span within the code-section
// area (counting from 0 at the first byte after the argument section,
// §4.6).
type byteRange struct {
	start uint32
	end   uint32
}

// writeDebug emits the %D section: a range-index width byte, then one
// (line, range-count, ranges...) entry per distinct surviving line
// number, in order of first appearance. Ranges are built by walking every
// section's instructions in order, tracking each one's byte offset, and
// merging consecutive same-line instructions into a single contiguous
// range — a dropped instruction (absent from fn.DebugLines) always ends
// the current run, so dead-code elimination splitting a line's
// instructions in two surfaces as two ranges grouped under that same
// line's entry, exactly as §4.6 describes.
func writeDebug(w io.Writer, sections []markedFunction, width uint8, codeSize uint32) error {
	rangeWidth := Width(codeSize)
	if err := binary.Write(w, binary.LittleEndian, rangeWidth); err != nil {
		return err
	}

	var order []int16
	byLine := map[int16][]byteRange{}
	var openLine int16
	var openRange *byteRange
	haveOpen := false
	var offset uint32

	flush := func() {
		if haveOpen {
			if _, seen := byLine[openLine]; !seen {
				order = append(order, openLine)
			}
			byLine[openLine] = append(byLine[openLine], *openRange)
			haveOpen = false
		}
	}

	for _, fn := range sections {
		// The section's '%' marker, and for %F its length-prefixed label,
		// sit in the code-section area ahead of its first instruction.
		offset += 2
		if fn.marker == markerFunction {
			offset += 1 + uint32(len(fn.Label))
		}

		byIndex := make(map[int]int16, len(fn.DebugLines))
		for _, dl := range fn.DebugLines {
			byIndex[dl.InstructionIndex] = dl.Line
		}

		for i, instr := range fn.Instructions {
			size := instrSize(instr, width)
			line, ok := byIndex[i]
			switch {
			case !ok:
				flush()
			case haveOpen && openLine == line && openRange.end+1 == offset:
				openRange.end = offset + size - 1
			default:
				flush()
				openLine = line
				openRange = &byteRange{start: offset, end: offset + size - 1}
				haveOpen = true
			}
			offset += size
		}
	}
	flush()

	for _, line := range order {
		ranges := byLine[line]
		if err := binary.Write(w, binary.LittleEndian, line); err != nil {
			return err
		}
		if len(ranges) > 255 {
			return fmt.Errorf("%w: line %d split into %d surviving ranges, more than fit in a u8 range-count", linkerr.ErrLayout, line, len(ranges))
		}
		if err := binary.Write(w, binary.LittleEndian, uint8(len(ranges))); err != nil {
			return err
		}
		for _, rg := range ranges {
			if err := writeOffset(w, rg.start, rangeWidth); err != nil {
				return err
			}
			if err := writeOffset(w, rg.end, rangeWidth); err != nil {
				return err
			}
		}
	}
	return nil
}
