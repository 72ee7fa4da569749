package ksm

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/kerboscript/ksmlink/pkg/obj/opcode"
	"github.com/kerboscript/ksmlink/pkg/obj/value"
)

// ParsedInstruction is one decoded code-section instruction: its opcode
// plus each operand exactly as written — a byte offset into the argument
// section, not yet looked up. Read never resolves an operand back to the
// value.Value it names; that cross-reference is left to the inspect
// command's display layer (§6B), which is the only consumer of File.
type ParsedInstruction struct {
	OpCode   opcode.OpCode
	Operands []uint32
}

// Section is one parsed %I/%F/%M code section.
type Section struct {
	Marker       byte
	Label        string // only set for Marker == 'F'
	Instructions []ParsedInstruction
}

// DebugRange is one decoded %D entry: a source line and the inclusive
// code-section byte range(s) it covers.
type DebugRange struct {
	Line   int16
	Ranges []struct{ Start, End uint32 }
}

// File is the read-only, parsed form of a complete KSM file: the
// argument table, every code section in file order, and the debug
// ranges. It exists solely for pkg/obj/ksm's one read-only consumer, the
// `inspect` command (§6B) — the link pipeline itself never reads KSM
// back in.
type File struct {
	Width      uint8
	Args       []value.Value
	ArgOffsets []uint32
	Sections   []Section
	Debug      []DebugRange
}

// Read parses a complete KSM file, the mirror image of Write, without
// resolving any cross-references — a pure structural decode for display.
func Read(r io.Reader) (*File, error) {
	br := bufio.NewReader(r)

	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return nil, wrap("reading magic", err)
	}
	if magic != ksmMagic {
		return nil, wrap("magic", ErrBadMagic)
	}

	if err := expectMarker(br, markerArg); err != nil {
		return nil, err
	}

	width, err := br.ReadByte()
	if err != nil {
		return nil, wrap("reading operand width", err)
	}

	f := &File{Width: width}

	if err := readArgs(br, f); err != nil {
		return nil, err
	}

	for {
		marker, err := peekMarkerLetter(br)
		if err != nil {
			return nil, err
		}
		if marker == markerDebug {
			if _, err := br.Discard(2); err != nil {
				return nil, wrap("consuming %D marker", err)
			}
			break
		}

		if _, err := br.Discard(2); err != nil {
			return nil, wrap("consuming section marker", err)
		}
		section, err := readSection(br, marker, width)
		if err != nil {
			return nil, err
		}
		f.Sections = append(f.Sections, section)
	}

	debug, err := readDebug(br)
	if err != nil {
		return nil, err
	}
	f.Debug = debug

	return f, nil
}

func expectMarker(br *bufio.Reader, want byte) error {
	var hdr [2]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return wrap(fmt.Sprintf("reading %%%c marker", want), err)
	}
	if hdr[0] != sectionMarker || hdr[1] != want {
		return wrap(fmt.Sprintf("expected %%%c", want), ErrBadSectionMarker)
	}
	return nil
}

// peekMarkerLetter looks at the next two bytes without consuming them and
// returns the marker letter, failing if they are not a '%'-introduced
// marker — every section boundary in a well-formed file is exactly this.
func peekMarkerLetter(br *bufio.Reader) (byte, error) {
	hdr, err := br.Peek(2)
	if err != nil {
		return 0, wrap("reading next section marker", err)
	}
	if hdr[0] != sectionMarker {
		return 0, wrap("section boundary", ErrBadSectionMarker)
	}
	return hdr[1], nil
}

// readArgs decodes %A entries until the next '%' byte, which cannot be
// confused with a value tag since every tag byte is in [0,12].
func readArgs(br *bufio.Reader, f *File) error {
	off := uint32(argTableHeaderSize)
	for {
		b, err := br.Peek(1)
		if err != nil {
			return wrap("reading argument table", err)
		}
		if b[0] == sectionMarker {
			return nil
		}

		v, err := value.Decode(br)
		if err != nil {
			return wrap("decoding argument table entry", err)
		}
		f.ArgOffsets = append(f.ArgOffsets, off)
		f.Args = append(f.Args, v)
		off += 1 + uint32(v.Width())
	}
}

func readSection(br *bufio.Reader, marker byte, width byte) (Section, error) {
	s := Section{Marker: marker}

	if marker == markerFunction {
		length, err := br.ReadByte()
		if err != nil {
			return s, wrap("reading function label length", err)
		}
		label := make([]byte, length)
		if _, err := io.ReadFull(br, label); err != nil {
			return s, wrap("reading function label", err)
		}
		s.Label = string(label)
	}

	for {
		b, err := br.Peek(1)
		if err != nil {
			return s, wrap("reading code section", err)
		}
		if b[0] == sectionMarker {
			return s, nil
		}

		opByte, err := br.ReadByte()
		if err != nil {
			return s, wrap("reading opcode", err)
		}
		op := opcode.OpCode(opByte)
		n, err := opcode.OperandCount(op)
		if err != nil {
			return s, wrap("decoding instruction", err)
		}

		operands := make([]uint32, n)
		for i := 0; i < n; i++ {
			var raw [4]byte
			if _, err := io.ReadFull(br, raw[:width]); err != nil {
				return s, wrap("reading operand", err)
			}
			operands[i] = binary.LittleEndian.Uint32(raw[:])
		}
		s.Instructions = append(s.Instructions, ParsedInstruction{OpCode: op, Operands: operands})
	}
}

func readDebug(br *bufio.Reader) ([]DebugRange, error) {
	rangeWidth, err := br.ReadByte()
	if err != nil {
		return nil, wrap("reading debug range width", err)
	}

	var out []DebugRange
	for {
		if _, err := br.Peek(1); err == io.EOF {
			return out, nil
		}

		var line int16
		if err := binary.Read(br, binary.LittleEndian, &line); err != nil {
			return nil, wrap("reading debug line number", err)
		}
		count, err := br.ReadByte()
		if err != nil {
			return nil, wrap("reading debug range count", err)
		}

		dr := DebugRange{Line: line}
		for i := 0; i < int(count); i++ {
			start, err := readWidthValue(br, rangeWidth)
			if err != nil {
				return nil, wrap("reading debug range start", err)
			}
			end, err := readWidthValue(br, rangeWidth)
			if err != nil {
				return nil, wrap("reading debug range end", err)
			}
			dr.Ranges = append(dr.Ranges, struct{ Start, End uint32 }{start, end})
		}
		out = append(out, dr)
	}
}

func readWidthValue(br *bufio.Reader, width byte) (uint32, error) {
	var raw [4]byte
	if _, err := io.ReadFull(br, raw[:width]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(raw[:]), nil
}
