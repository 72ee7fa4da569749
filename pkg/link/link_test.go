package link

import (
	"bytes"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kerboscript/ksmlink/pkg/linkerr"
	"github.com/kerboscript/ksmlink/pkg/obj/ko"
	"github.com/kerboscript/ksmlink/pkg/obj/ksm"
	"github.com/kerboscript/ksmlink/pkg/obj/opcode"
	"github.com/kerboscript/ksmlink/pkg/obj/value"
)

// funcDef describes one function symbol to place in a test image: its
// name, binding, the instructions forming its body, and the relocations
// (if any) those instructions need.
type funcDef struct {
	name        string
	binding     ko.Binding
	instrs      []ko.Instruction
	relocations []ko.Relocation // InstructionIndex is relative to this function's body
}

// buildImage assembles a minimal, internally consistent *ko.Image for
// test purposes: one shstrtab/.symtab/.symstrtab/.data/.text/.reloc
// section set, sized exactly from funcs and externs.
func buildImage(path string, funcs []funcDef, externs []string, data []value.Value) *ko.Image {
	const (
		shstrtabIdx = 1
		symtabIdx   = 2
		symstrtabIdx = 3
		dataIdx     = 4
		textIdx     = 5
		relocIdx    = 6
	)

	symstrings := []string{""}
	nameIndex := map[string]uint32{}
	internSym := func(name string) uint32 {
		if idx, ok := nameIndex[name]; ok {
			return idx
		}
		idx := uint32(len(symstrings))
		symstrings = append(symstrings, name)
		nameIndex[name] = idx
		return idx
	}

	var syms []ko.Symbol
	var instrs []ko.Instruction
	var relocs []ko.Relocation

	for _, fd := range funcs {
		start := uint32(len(instrs))
		for _, rel := range fd.relocations {
			relocs = append(relocs, ko.Relocation{
				SectionIndex:     textIdx,
				InstructionIndex: start + rel.InstructionIndex,
				OperandOrdinal:   rel.OperandOrdinal,
				SymbolIndex:      rel.SymbolIndex,
			})
		}
		instrs = append(instrs, fd.instrs...)
		syms = append(syms, ko.Symbol{
			NameIndex:    internSym(fd.name),
			ValueIndex:   start,
			Size:         uint16(len(fd.instrs)),
			Binding:      fd.binding,
			Type:         ko.TypeFunc,
			SectionIndex: textIdx,
			Name:         fd.name,
		})
	}

	for _, name := range externs {
		syms = append(syms, ko.Symbol{
			NameIndex: internSym(name),
			Binding:   ko.BindExtern,
			Type:      ko.TypeFunc,
			Name:      name,
		})
	}

	img := &ko.Image{
		Path:           path,
		Version:        3,
		ShStrTabIndex:  shstrtabIdx,
		SymTabIndex:    symtabIdx,
		SymStrTabIndex: symstrtabIdx,
		Strings: map[int][]string{
			shstrtabIdx:  {"", ".shstrtab", ".symtab", ".symstrtab", ".data", ".text", ".reloc"},
			symstrtabIdx: symstrings,
		},
		Symbols: map[int][]ko.Symbol{
			symtabIdx: syms,
		},
		Data: map[int][]value.Value{
			dataIdx: data,
		},
		Functions: map[int][]ko.Instruction{
			textIdx: instrs,
		},
		Relocations: map[int][]ko.Relocation{},
		DebugLines:  map[int][]ko.DebugLine{},
	}
	if len(relocs) > 0 {
		img.Relocations[relocIdx] = relocs
	}

	img.Headers = []ko.SectionHeader{
		{Kind: ko.SectionNull, NameIndex: 0},
		{Kind: ko.SectionString, NameIndex: 1, Name: ".shstrtab"},
		{Kind: ko.SectionSymbol, NameIndex: 2, Name: ".symtab"},
		{Kind: ko.SectionString, NameIndex: 3, Name: ".symstrtab"},
		{Kind: ko.SectionData, NameIndex: 4, Name: ".data"},
		{Kind: ko.SectionFunction, NameIndex: 5, Name: ".text"},
		{Kind: ko.SectionRelocation, NameIndex: 6, Name: ".reloc"},
	}

	return img
}

func push(dataIndex uint32) ko.Instruction {
	return ko.Instruction{OpCode: opcode.Push, OperandCount: 1, Operands: [2]uint32{dataIndex}}
}

func execByData(dataIndex uint32) ko.Instruction {
	return ko.Instruction{OpCode: opcode.Exec, OperandCount: 1, Operands: [2]uint32{dataIndex}}
}

func execByReloc() ko.Instruction {
	return ko.Instruction{OpCode: opcode.Exec, OperandCount: 1}
}

func TestLink_SmallestExecutable(t *testing.T) {
	img := buildImage("a.ko", []funcDef{
		{
			name:    "_start",
			binding: ko.BindGlobal,
			instrs: []ko.Instruction{
				push(0),
				push(0),
				{OpCode: opcode.Add},
				{OpCode: opcode.Return},
			},
		},
	}, nil, []value.Value{value.ScalarInt(2)})

	table, err := Resolve([]*ko.Image{img}, nil)
	require.NoError(t, err)

	reach, err := Analyze([]*ko.Image{img}, table, 0, "_start", nil)
	require.NoError(t, err)
	assert.True(t, reach.Reachable(FuncRef{Image: 0, Name: "_start"}))

	prog, err := Build(Plan{Images: []*ko.Image{img}, Table: table, Reachability: reach})
	require.NoError(t, err)
	require.NotNil(t, prog.Main)
	assert.Nil(t, prog.Init)
	assert.Len(t, prog.Main.Instructions, 4)

	var buf bytes.Buffer
	require.NoError(t, ksm.Write(&buf, prog))
	assert.NotContains(t, buf.String(), "%I")
}

func TestLink_TwoFileDeadCodeElimination(t *testing.T) {
	main := buildImage("main.ko", []funcDef{
		{
			name:    "_start",
			binding: ko.BindGlobal,
			instrs:  []ko.Instruction{execByReloc(), {OpCode: opcode.Return}},
			relocations: []ko.Relocation{
				// symtab layout is [_start, helper-extern]; SymbolIndex 1
				// is the extern "helper" reference this call resolves.
				{InstructionIndex: 0, OperandOrdinal: 1, SymbolIndex: 1},
			},
		},
	}, []string{"helper"}, nil)

	lib := buildImage("lib.ko", []funcDef{
		{name: "helper", binding: ko.BindGlobal, instrs: []ko.Instruction{{OpCode: opcode.Return}}},
		{name: "unused", binding: ko.BindGlobal, instrs: []ko.Instruction{{OpCode: opcode.Return}}},
	}, nil, nil)

	images := []*ko.Image{main, lib}
	table, err := Resolve(images, nil)
	require.NoError(t, err)

	reach, err := Analyze(images, table, 0, "_start", nil)
	require.NoError(t, err)
	assert.True(t, reach.Reachable(FuncRef{Image: 1, Name: "helper"}))
	assert.False(t, reach.Reachable(FuncRef{Image: 1, Name: "unused"}))

	prog, err := Build(Plan{Images: images, Table: table, Reachability: reach})
	require.NoError(t, err)

	var labels []string
	for _, fn := range prog.Funcs {
		labels = append(labels, fn.Label)
	}
	assert.Contains(t, labels, "helper")
	assert.NotContains(t, labels, "unused")
}

func TestLink_RelocationOnSecondOperandRewritesOperandsOneAndOnly(t *testing.T) {
	main := buildImage("main.ko", []funcDef{
		{
			name:    "_start",
			binding: ko.BindGlobal,
			instrs: []ko.Instruction{
				{OpCode: opcode.NewScope, OperandCount: 2, Operands: [2]uint32{0, 0}},
				{OpCode: opcode.Return},
			},
			relocations: []ko.Relocation{
				// symtab layout is [_start, helper-extern]; ordinal 2 (the
				// 1-based wire value, §3) must rewrite Operands[1] only.
				{InstructionIndex: 0, OperandOrdinal: 2, SymbolIndex: 1},
			},
		},
	}, []string{"helper"}, []value.Value{value.ScalarInt(5)})

	lib := buildImage("lib.ko", []funcDef{
		{name: "helper", binding: ko.BindGlobal, instrs: []ko.Instruction{{OpCode: opcode.Return}}},
	}, nil, nil)

	images := []*ko.Image{main, lib}
	table, err := Resolve(images, nil)
	require.NoError(t, err)

	reach, err := Analyze(images, table, 0, "_start", nil)
	require.NoError(t, err)

	prog, err := Build(Plan{Images: images, Table: table, Reachability: reach})
	require.NoError(t, err)

	require.NotNil(t, prog.Main)
	require.Len(t, prog.Main.Instructions, 2)
	newScope := prog.Main.Instructions[0]
	require.Len(t, newScope.Args, 2)
	assert.Equal(t, value.ScalarInt(5), newScope.Args[0], "operand 1 carries no relocation, so it is read directly from .data")
	assert.Equal(t, value.String("helper"), newScope.Args[1], "relocation on ordinal 2 must rewrite the second operand")
}

func TestLink_DuplicateGlobalRejected(t *testing.T) {
	a := buildImage("a.ko", []funcDef{{name: "_start", binding: ko.BindGlobal, instrs: []ko.Instruction{{OpCode: opcode.Return}}}}, nil, nil)
	b := buildImage("b.ko", []funcDef{{name: "_start", binding: ko.BindGlobal, instrs: []ko.Instruction{{OpCode: opcode.Return}}}}, nil, nil)

	_, err := Resolve([]*ko.Image{a, b}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, linkerr.ErrSemantic)
}

func TestLink_UndefinedExternRejected(t *testing.T) {
	a := buildImage("a.ko", []funcDef{{name: "_start", binding: ko.BindGlobal, instrs: []ko.Instruction{{OpCode: opcode.Return}}}}, []string{"missing"}, nil)

	_, err := Resolve([]*ko.Image{a}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, linkerr.ErrSemantic)
}

func TestLink_RenameAliasesExternBeforeResolution(t *testing.T) {
	main := buildImage("main.ko", []funcDef{
		{
			name:    "_start",
			binding: ko.BindGlobal,
			instrs:  []ko.Instruction{execByReloc(), {OpCode: opcode.Return}},
			relocations: []ko.Relocation{
				{InstructionIndex: 0, OperandOrdinal: 1, SymbolIndex: 1},
			},
		},
	}, []string{"old_helper_name"}, nil)

	lib := buildImage("lib.ko", []funcDef{
		{name: "new_helper_name", binding: ko.BindGlobal, instrs: []ko.Instruction{{OpCode: opcode.Return}}},
	}, nil, nil)

	images := []*ko.Image{main, lib}
	_, err := Resolve(images, nil)
	require.Error(t, err, "without the rename, the extern must stay undefined")

	table, err := Resolve(images, map[string]string{"old_helper_name": "new_helper_name"})
	require.NoError(t, err)

	reach, err := Analyze(images, table, 0, "_start", nil)
	require.NoError(t, err)
	assert.True(t, reach.Reachable(FuncRef{Image: 1, Name: "new_helper_name"}))
}

func TestLink_SharedLibraryEntryIsInit(t *testing.T) {
	img := buildImage("lib.ko", []funcDef{
		{name: "_init", binding: ko.BindGlobal, instrs: []ko.Instruction{{OpCode: opcode.Return}}},
	}, nil, nil)

	table, err := Resolve([]*ko.Image{img}, nil)
	require.NoError(t, err)

	reach, err := Analyze([]*ko.Image{img}, table, 0, "_init", nil)
	require.NoError(t, err)

	prog, err := Build(Plan{Images: []*ko.Image{img}, Table: table, Reachability: reach, Shared: true})
	require.NoError(t, err)
	assert.NotNil(t, prog.Init)
	assert.Nil(t, prog.Main)
}

func TestLink_CustomEntry(t *testing.T) {
	img := buildImage("a.ko", []funcDef{
		{name: "boot", binding: ko.BindGlobal, instrs: []ko.Instruction{{OpCode: opcode.Return}}},
	}, nil, nil)

	table, err := Resolve([]*ko.Image{img}, nil)
	require.NoError(t, err)

	reach, err := Analyze([]*ko.Image{img}, table, 0, "boot", nil)
	require.NoError(t, err)
	assert.Equal(t, FuncRef{Image: 0, Name: "boot"}, reach.Entry)
}

func TestLink_LocalCallByLiteralName(t *testing.T) {
	img := buildImage("a.ko", []funcDef{
		{
			name:    "_start",
			binding: ko.BindGlobal,
			instrs:  []ko.Instruction{execByData(0), {OpCode: opcode.Return}},
		},
		{name: "helper", binding: ko.BindLocal, instrs: []ko.Instruction{{OpCode: opcode.Return}}},
	}, nil, []value.Value{value.String("helper")})

	table, err := Resolve([]*ko.Image{img}, nil)
	require.NoError(t, err)

	reach, err := Analyze([]*ko.Image{img}, table, 0, "_start", nil)
	require.NoError(t, err)
	assert.True(t, reach.Reachable(FuncRef{Image: 0, Name: "helper"}))
}

func TestLink_ExtraRootKeepsOtherwiseDeadFunction(t *testing.T) {
	img := buildImage("a.ko", []funcDef{
		{name: "_start", binding: ko.BindGlobal, instrs: []ko.Instruction{{OpCode: opcode.Return}}},
		{name: "trigger_cb", binding: ko.BindGlobal, instrs: []ko.Instruction{{OpCode: opcode.Return}}},
	}, nil, nil)

	table, err := Resolve([]*ko.Image{img}, nil)
	require.NoError(t, err)

	reach, err := Analyze([]*ko.Image{img}, table, 0, "_start", []string{"trigger_cb"})
	require.NoError(t, err)
	assert.True(t, reach.Reachable(FuncRef{Image: 0, Name: "trigger_cb"}))
}

func TestDriver_Link_ReadsFromFilesystem(t *testing.T) {
	img := buildImage("a.ko", []funcDef{
		{name: "_start", binding: ko.BindGlobal, instrs: []ko.Instruction{{OpCode: opcode.Return}}},
	}, nil, nil)

	fs := afero.NewMemMapFs()
	var buf bytes.Buffer
	require.NoError(t, ko.Write(&buf, img))
	require.NoError(t, afero.WriteFile(fs, "a.ko", buf.Bytes(), 0o644))

	prog, err := Link(fs, []string{"a.ko"}, Options{})
	require.NoError(t, err)
	require.NotNil(t, prog.Main)
}
