package link

import (
	"fmt"

	"github.com/kerboscript/ksmlink/pkg/linkerr"
	"github.com/kerboscript/ksmlink/pkg/obj/ko"
	"github.com/kerboscript/ksmlink/pkg/obj/opcode"
	"github.com/kerboscript/ksmlink/pkg/obj/value"
)

// FuncRef names one Func symbol by the image that defines it and its
// name, the unit of work the Reachability Analyzer (C4) traverses.
type FuncRef struct {
	Image int
	Name  string
}

// Reachability is the result of C4: which functions survive dead-code
// elimination, in the order they were first discovered from the entry
// point (and any configured extra roots), which the Layout Planner (C5)
// uses directly as its emission order.
type Reachability struct {
	Entry   FuncRef
	Order   []FuncRef
	visited map[FuncRef]bool
}

// Reachable reports whether ref survived elimination.
func (r *Reachability) Reachable(ref FuncRef) bool { return r.visited[ref] }

// relocKey indexes a Relocation by the instruction operand it targets.
// ordinal mirrors ko.Relocation.OperandOrdinal's 1-based wire value.
type relocKey struct {
	section     int
	instruction int
	ordinal     uint8
}

func relocationIndex(img *ko.Image) map[relocKey]ko.Relocation {
	idx := map[relocKey]ko.Relocation{}
	for _, relocs := range img.Relocations {
		for _, rel := range relocs {
			idx[relocKey{int(rel.SectionIndex), int(rel.InstructionIndex), rel.OperandOrdinal}] = rel
		}
	}
	return idx
}

// Analyze walks the call graph starting at entryName (resolved as seen
// from entryImage) plus every name in extraRoots (§6C "extra GC roots"),
// following Exec edges and every relocation that targets a function, and
// returns which functions are reachable (§4.3). extraRoots are looked up
// the same way as the entry point, through table.Lookup as seen from
// entryImage: a Local definition there shadows a Global of the same name.
func Analyze(images []*ko.Image, table *SymbolTable, entryImage int, entryName string, extraRoots []string) (*Reachability, error) {
	entry, ok := table.Lookup(entryImage, entryName)
	if !ok {
		return nil, fmt.Errorf("%w: entry point %q is undefined", linkerr.ErrSemantic, entryName)
	}
	if entry.Symbol.Type != ko.TypeFunc {
		return nil, fmt.Errorf("%w: entry point %q is not a function symbol", linkerr.ErrSemantic, entryName)
	}

	r := &Reachability{
		Entry:   FuncRef{Image: entry.Image, Name: entry.Symbol.Name},
		visited: map[FuncRef]bool{},
	}

	relocIdx := make([]map[relocKey]ko.Relocation, len(images))
	for i, img := range images {
		relocIdx[i] = relocationIndex(img)
	}

	queue := []FuncRef{r.Entry}
	for _, rootName := range extraRoots {
		root, ok := table.Lookup(entryImage, rootName)
		if !ok {
			return nil, fmt.Errorf("%w: extra root %q is undefined", linkerr.ErrSemantic, rootName)
		}
		if root.Symbol.Type != ko.TypeFunc {
			return nil, fmt.Errorf("%w: extra root %q is not a function symbol", linkerr.ErrSemantic, rootName)
		}
		queue = append(queue, FuncRef{Image: root.Image, Name: root.Symbol.Name})
	}

	for len(queue) > 0 {
		ref := queue[0]
		queue = queue[1:]
		if r.visited[ref] {
			continue
		}
		r.visited[ref] = true
		r.Order = append(r.Order, ref)

		img := images[ref.Image]
		def, ok := table.Lookup(ref.Image, ref.Name)
		if !ok {
			return nil, fmt.Errorf("%w: %q has no definition in %s", linkerr.ErrInternalInvariant, ref.Name, img.Path)
		}

		callees, err := calleesOf(images, table, relocIdx, ref.Image, def.Symbol)
		if err != nil {
			return nil, err
		}
		queue = append(queue, callees...)
	}

	return r, nil
}

// calleesOf scans sym's body for Exec instructions and resolves each one
// to the FuncRef it calls, following a relocation when the operand was
// overridden by one, or else treating the operand as a literal function
// name read directly out of the image's data section. Any other
// instruction's relocated operand that targets a Func symbol is an edge
// too.
func calleesOf(images []*ko.Image, table *SymbolTable, relocIdx []map[relocKey]ko.Relocation, imgIdx int, sym ko.Symbol) ([]FuncRef, error) {
	img := images[imgIdx]
	body, err := img.FunctionBody(sym)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", linkerr.ErrInternalInvariant, err)
	}

	var callees []FuncRef
	for i, instr := range body {
		absIndex := int(sym.ValueIndex) + i
		if instr.OpCode != opcode.Exec {
			for ordinal := 0; ordinal < instr.OperandCount; ordinal++ {
				rel, ok := relocIdx[imgIdx][relocKey{int(sym.SectionIndex), absIndex, uint8(ordinal + 1)}]
				if !ok {
					continue
				}
				target := img.SymbolTable()[rel.SymbolIndex]
				if g, ok := table.Lookup(imgIdx, table.ResolveName(target.Name)); ok && g.Symbol.Type == ko.TypeFunc {
					callees = append(callees, FuncRef{Image: g.Image, Name: g.Symbol.Name})
				}
			}
			continue
		}

		var calleeName string
		// Exec has a single operand, wire ordinal 1 (1-based, §3).
		if rel, ok := relocIdx[imgIdx][relocKey{int(sym.SectionIndex), absIndex, 1}]; ok {
			target := img.SymbolTable()[rel.SymbolIndex]
			target.Name = table.ResolveName(target.Name)
			resolved := target
			if target.Binding == ko.BindExtern {
				g, ok := table.Lookup(imgIdx, target.Name)
				if !ok {
					return nil, fmt.Errorf("%w: call target %q is undefined", linkerr.ErrSemantic, target.Name)
				}
				callees = append(callees, FuncRef{Image: g.Image, Name: g.Symbol.Name})
				continue
			}
			calleeName = resolved.Name
		} else {
			dataIdx, ok := img.PrimaryDataIndex()
			if !ok {
				return nil, fmt.Errorf("%w: exec instruction with no relocation and no data section in %s", linkerr.ErrInternalInvariant, img.Path)
			}
			data := img.Data[dataIdx]
			if int(instr.Operands[0]) >= len(data) {
				return nil, fmt.Errorf("%w: exec operand %d out of range in %s", linkerr.ErrInputFormat, instr.Operands[0], img.Path)
			}
			arg := data[instr.Operands[0]]
			if arg.Kind != value.KindString && arg.Kind != value.KindStringValue {
				return nil, fmt.Errorf("%w: exec operand in %s does not name a string", linkerr.ErrInputFormat, img.Path)
			}
			calleeName = arg.Str()
		}

		if g, ok := table.Lookup(imgIdx, table.ResolveName(calleeName)); ok {
			callees = append(callees, FuncRef{Image: g.Image, Name: g.Symbol.Name})
		}
		// A callee name that resolves to nothing callable (e.g. a builtin
		// the runtime provides natively) is not this linker's concern.
	}
	return callees, nil
}
