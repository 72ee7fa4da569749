package ko

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/kerboscript/ksmlink/pkg/obj/opcode"
	"github.com/kerboscript/ksmlink/pkg/obj/value"
)

var koMagic = [4]byte{0x6B, 0x01, 0x6F, 0x66}

const koVersion = 3

const (
	symtabName    = ".symtab"
	symstrtabName = ".symstrtab"
)

// header is the fixed file prologue (§4.1 Phase 1): magic, version, section
// count and the index of the section-name string table.
type header struct {
	Magic          [4]byte
	Version        uint8
	SectionCount   uint16
	ShStrTabIndex  uint16
}

// rawHeader is the on-disk layout of one SectionHeader entry, 9 bytes wide.
type rawHeader struct {
	NameIndex uint32
	Kind      uint8
	Size      uint32
}

// Read parses one KO input stream into an Image, performing the three
// parse phases of §4.1 in order and wrapping every failure mode in
// linkerr.ErrInputFormat via this package's sentinels. path is used only
// for diagnostic context.
func Read(r io.Reader, path string) (*Image, error) {
	br := bufioReader(r)

	hdr, err := readFileHeader(br, path)
	if err != nil {
		return nil, err
	}

	headers, err := readSectionHeaders(br, path, int(hdr.SectionCount))
	if err != nil {
		return nil, err
	}

	img := &Image{
		Path:           path,
		Version:        hdr.Version,
		Headers:        headers,
		ShStrTabIndex:  int(hdr.ShStrTabIndex),
		SymTabIndex:    -1,
		SymStrTabIndex: -1,
		Strings:        map[int][]string{},
		Symbols:        map[int][]Symbol{},
		Data:           map[int][]value.Value{},
		Functions:      map[int][]Instruction{},
		Relocations:    map[int][]Relocation{},
		DebugLines:     map[int][]DebugLine{},
		byName:         map[string]int{},
	}

	if img.ShStrTabIndex < 0 || img.ShStrTabIndex >= len(headers) || headers[img.ShStrTabIndex].Kind != SectionString {
		return nil, wrap(path, fmt.Sprintf("shstrtab index %d", img.ShStrTabIndex), ErrMissingShStrTab)
	}

	// Phase 2: decode every section body according to its declared kind.
	for i, h := range headers {
		body := make([]byte, h.Size)
		if _, err := io.ReadFull(br, body); err != nil {
			return nil, wrapf(path, "section %d: %v", i, err)
		}

		if err := decodeBody(img, i, h, body); err != nil {
			return nil, err
		}
	}

	// Phase 3: resolve section and symbol names through the now-decoded
	// string tables.
	if err := resolveNames(img); err != nil {
		return nil, err
	}

	return img, nil
}

func bufioReader(r io.Reader) io.Reader {
	// A plain io.Reader is sufficient: every body read below is a single
	// io.ReadFull of a known size, so no buffering is required beyond what
	// the caller already provides (afero files, bytes.Reader, etc).
	return r
}

func readFileHeader(r io.Reader, path string) (header, error) {
	var hdr header
	if err := binary.Read(r, binary.LittleEndian, &hdr.Magic); err != nil {
		return header{}, wrap(path, "truncated magic", fmt.Errorf("%w: %v", ErrBadMagic, err))
	}
	if hdr.Magic != koMagic {
		return header{}, wrap(path, fmt.Sprintf("got % X", hdr.Magic), ErrBadMagic)
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr.Version); err != nil {
		return header{}, wrapf(path, "truncated version byte: %v", err)
	}
	if hdr.Version != koVersion {
		return header{}, wrap(path, fmt.Sprintf("got %d, want %d", hdr.Version, koVersion), ErrUnsupportedVersion)
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr.SectionCount); err != nil {
		return header{}, wrapf(path, "truncated section count: %v", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr.ShStrTabIndex); err != nil {
		return header{}, wrapf(path, "truncated shstrtab index: %v", err)
	}
	return hdr, nil
}

func readSectionHeaders(r io.Reader, path string, count int) ([]SectionHeader, error) {
	headers := make([]SectionHeader, count)
	for i := 0; i < count; i++ {
		var raw rawHeader
		if err := binary.Read(r, binary.LittleEndian, &raw.NameIndex); err != nil {
			return nil, wrapf(path, "section header %d: truncated name index: %v", i, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &raw.Kind); err != nil {
			return nil, wrapf(path, "section header %d: truncated kind: %v", i, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &raw.Size); err != nil {
			return nil, wrapf(path, "section header %d: truncated size: %v", i, err)
		}

		kind := SectionKind(raw.Kind)
		if !kind.Valid() {
			return nil, wrap(path, fmt.Sprintf("section header %d: kind byte %d", i, raw.Kind), ErrBadSectionKind)
		}

		headers[i] = SectionHeader{NameIndex: raw.NameIndex, Kind: kind, Size: raw.Size}
	}
	return headers, nil
}

func decodeBody(img *Image, idx int, h SectionHeader, body []byte) error {
	path := img.Path
	switch h.Kind {
	case SectionNull:
		if len(body) != 0 {
			return wrapf(path, "section %d: null section has nonzero size %d", idx, len(body))
		}
		return nil

	case SectionString:
		strs, err := decodeStringTable(body)
		if err != nil {
			return wrap(path, fmt.Sprintf("section %d (string table)", idx), err)
		}
		img.Strings[idx] = strs
		return nil

	case SectionSymbol:
		syms, err := decodeSymbolTable(body)
		if err != nil {
			return wrap(path, fmt.Sprintf("section %d (symbol table)", idx), err)
		}
		img.Symbols[idx] = syms
		return nil

	case SectionData:
		data, err := decodeDataSection(body)
		if err != nil {
			return wrap(path, fmt.Sprintf("section %d (data)", idx), err)
		}
		img.Data[idx] = data
		return nil

	case SectionFunction:
		fn, err := decodeFunctionSection(body)
		if err != nil {
			return wrap(path, fmt.Sprintf("section %d (function)", idx), err)
		}
		img.Functions[idx] = fn
		return nil

	case SectionRelocation:
		relocs, err := decodeRelocationSection(body)
		if err != nil {
			return wrap(path, fmt.Sprintf("section %d (relocation)", idx), err)
		}
		img.Relocations[idx] = relocs
		return nil

	case SectionDebug:
		lines, err := decodeDebugSection(body)
		if err != nil {
			return wrap(path, fmt.Sprintf("section %d (debug)", idx), err)
		}
		img.DebugLines[idx] = lines
		return nil

	default:
		return wrap(path, fmt.Sprintf("section %d: kind %v", idx, h.Kind), ErrBadSectionKind)
	}
}

// decodeStringTable splits body on NUL terminators; index 0 is always the
// empty string, matching the convention used by NameIndex == 0 meaning
// "unnamed" (§3 "KO String Table").
func decodeStringTable(body []byte) ([]string, error) {
	var out []string
	start := 0
	for i, b := range body {
		if b == 0 {
			out = append(out, string(body[start:i]))
			start = i + 1
		}
	}
	if start != len(body) {
		return nil, fmt.Errorf("%w: string table not NUL-terminated", ErrTruncatedSection)
	}
	if len(out) == 0 || out[0] != "" {
		return nil, fmt.Errorf("%w: string table index 0 must be the empty string", ErrTruncatedSection)
	}
	return out, nil
}

const symbolRecordSize = 4 + 4 + 2 + 1 + 1 + 2 // NameIndex, ValueIndex, Size, Binding, Type, SectionIndex

func decodeSymbolTable(body []byte) ([]Symbol, error) {
	if len(body)%symbolRecordSize != 0 {
		return nil, fmt.Errorf("%w: symbol table size %d is not a multiple of %d", ErrTruncatedSection, len(body), symbolRecordSize)
	}
	r := bytes.NewReader(body)
	count := len(body) / symbolRecordSize
	syms := make([]Symbol, count)
	for i := 0; i < count; i++ {
		var s Symbol
		var binding, typ uint8
		if err := binary.Read(r, binary.LittleEndian, &s.NameIndex); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &s.ValueIndex); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &s.Size); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &binding); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &typ); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &s.SectionIndex); err != nil {
			return nil, err
		}

		s.Binding = Binding(binding)
		if !s.Binding.Valid() {
			return nil, fmt.Errorf("%w: symbol %d: bad binding %d", ErrIndexOutOfRange, i, binding)
		}
		s.Type = SymType(typ)
		if !s.Type.Valid() {
			return nil, fmt.Errorf("%w: symbol %d: bad type %d", ErrIndexOutOfRange, i, typ)
		}

		syms[i] = s
	}
	return syms, nil
}

func decodeDataSection(body []byte) ([]value.Value, error) {
	r := bytes.NewReader(body)
	var values []value.Value
	for r.Len() > 0 {
		v, err := value.Decode(r)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", len(values), err)
		}
		values = append(values, v)
	}
	return values, nil
}

func decodeFunctionSection(body []byte) ([]Instruction, error) {
	r := bytes.NewReader(body)
	var instrs []Instruction
	for r.Len() > 0 {
		var opByte uint8
		if err := binary.Read(r, binary.LittleEndian, &opByte); err != nil {
			return nil, fmt.Errorf("instruction %d: %w", len(instrs), err)
		}
		op := opcode.OpCode(opByte)
		n, err := opcode.OperandCount(op)
		if err != nil {
			return nil, fmt.Errorf("instruction %d: %w", len(instrs), err)
		}

		instr := Instruction{OpCode: op, OperandCount: n}
		for j := 0; j < n; j++ {
			if err := binary.Read(r, binary.LittleEndian, &instr.Operands[j]); err != nil {
				return nil, fmt.Errorf("instruction %d operand %d: %w", len(instrs), j, err)
			}
		}
		instrs = append(instrs, instr)
	}
	return instrs, nil
}

const relocationRecordSize = 4 + 4 + 1 + 4 // SectionIndex, InstructionIndex, OperandOrdinal, SymbolIndex

func decodeRelocationSection(body []byte) ([]Relocation, error) {
	if len(body)%relocationRecordSize != 0 {
		return nil, fmt.Errorf("%w: relocation section size %d is not a multiple of %d", ErrTruncatedSection, len(body), relocationRecordSize)
	}
	r := bytes.NewReader(body)
	count := len(body) / relocationRecordSize
	relocs := make([]Relocation, count)
	for i := 0; i < count; i++ {
		var rel Relocation
		if err := binary.Read(r, binary.LittleEndian, &rel.SectionIndex); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &rel.InstructionIndex); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &rel.OperandOrdinal); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &rel.SymbolIndex); err != nil {
			return nil, err
		}
		if rel.OperandOrdinal < 1 || rel.OperandOrdinal > 2 {
			return nil, fmt.Errorf("%w: relocation %d: operand ordinal %d out of range", ErrIndexOutOfRange, i, rel.OperandOrdinal)
		}
		relocs[i] = rel
	}
	return relocs, nil
}

const debugLineRecordSize = 4 + 2 // InstructionIndex, Line

func decodeDebugSection(body []byte) ([]DebugLine, error) {
	if len(body)%debugLineRecordSize != 0 {
		return nil, fmt.Errorf("%w: debug section size %d is not a multiple of %d", ErrTruncatedSection, len(body), debugLineRecordSize)
	}
	r := bytes.NewReader(body)
	count := len(body) / debugLineRecordSize
	lines := make([]DebugLine, count)
	for i := 0; i < count; i++ {
		if err := binary.Read(r, binary.LittleEndian, &lines[i].InstructionIndex); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &lines[i].Line); err != nil {
			return nil, err
		}
	}
	return lines, nil
}

func resolveNames(img *Image) error {
	shstrtab := img.Strings[img.ShStrTabIndex]

	for i := range img.Headers {
		h := &img.Headers[i]
		name, err := lookupString(shstrtab, h.NameIndex)
		if err != nil {
			return wrap(img.Path, fmt.Sprintf("section %d: name index", i), err)
		}
		h.Name = name
		if _, exists := img.byName[name]; !exists {
			img.byName[name] = i
		}

		switch name {
		case symtabName:
			img.SymTabIndex = i
		case symstrtabName:
			img.SymStrTabIndex = i
		}
	}

	if img.SymTabIndex >= 0 {
		if img.SymStrTabIndex < 0 {
			return wrapf(img.Path, "%s section present without a %s section", symtabName, symstrtabName)
		}
		symstrtab := img.Strings[img.SymStrTabIndex]
		syms := img.Symbols[img.SymTabIndex]
		for i := range syms {
			name, err := lookupString(symstrtab, syms[i].NameIndex)
			if err != nil {
				return wrap(img.Path, fmt.Sprintf("symbol %d: name index", i), err)
			}
			syms[i].Name = name
		}
	}

	return nil
}

func lookupString(table []string, idx uint32) (string, error) {
	if int(idx) >= len(table) {
		return "", fmt.Errorf("%w: string index %d exceeds table of %d entries", ErrIndexOutOfRange, idx, len(table))
	}
	return table[idx], nil
}
