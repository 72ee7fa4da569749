package ko

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/kerboscript/ksmlink/pkg/obj/value"
)

// Write serializes img back into KO wire format, the exact inverse of Read.
// It exists to support the "round-trip on KO" property (§8): reading an
// image and writing it back out must reproduce byte-identical output,
// which in turn is the cheapest possible regression check on the Image
// model actually capturing every byte of the input losslessly.
func Write(w io.Writer, img *Image) error {
	if err := binary.Write(w, binary.LittleEndian, koMagic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint8(koVersion)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(img.Headers))); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(img.ShStrTabIndex)); err != nil {
		return err
	}

	bodies := make([][]byte, len(img.Headers))
	for i, h := range img.Headers {
		body, err := encodeBody(img, i, h)
		if err != nil {
			return fmt.Errorf("section %d: %w", i, err)
		}
		bodies[i] = body
	}

	for i, h := range img.Headers {
		if err := binary.Write(w, binary.LittleEndian, h.NameIndex); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint8(h.Kind)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(bodies[i]))); err != nil {
			return err
		}
	}

	for _, body := range bodies {
		if _, err := w.Write(body); err != nil {
			return err
		}
	}

	return nil
}

func encodeBody(img *Image, idx int, h SectionHeader) ([]byte, error) {
	var buf bytes.Buffer

	switch h.Kind {
	case SectionNull:
		return nil, nil

	case SectionString:
		for _, s := range img.Strings[idx] {
			buf.WriteString(s)
			buf.WriteByte(0)
		}

	case SectionSymbol:
		for _, s := range img.Symbols[idx] {
			binary.Write(&buf, binary.LittleEndian, s.NameIndex)
			binary.Write(&buf, binary.LittleEndian, s.ValueIndex)
			binary.Write(&buf, binary.LittleEndian, s.Size)
			buf.WriteByte(byte(s.Binding))
			buf.WriteByte(byte(s.Type))
			binary.Write(&buf, binary.LittleEndian, s.SectionIndex)
		}

	case SectionData:
		for _, v := range img.Data[idx] {
			if err := value.Encode(&buf, v); err != nil {
				return nil, err
			}
		}

	case SectionFunction:
		for _, instr := range img.Functions[idx] {
			buf.WriteByte(byte(instr.OpCode))
			for j := 0; j < instr.OperandCount; j++ {
				binary.Write(&buf, binary.LittleEndian, instr.Operands[j])
			}
		}

	case SectionRelocation:
		for _, rel := range img.Relocations[idx] {
			binary.Write(&buf, binary.LittleEndian, rel.SectionIndex)
			binary.Write(&buf, binary.LittleEndian, rel.InstructionIndex)
			buf.WriteByte(rel.OperandOrdinal)
			binary.Write(&buf, binary.LittleEndian, rel.SymbolIndex)
		}

	case SectionDebug:
		for _, dl := range img.DebugLines[idx] {
			binary.Write(&buf, binary.LittleEndian, dl.InstructionIndex)
			binary.Write(&buf, binary.LittleEndian, dl.Line)
		}

	default:
		return nil, fmt.Errorf("%w: %v", ErrBadSectionKind, h.Kind)
	}

	return buf.Bytes(), nil
}
