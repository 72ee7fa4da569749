package link

import (
	"fmt"

	"github.com/kerboscript/ksmlink/pkg/linkerr"
	"github.com/kerboscript/ksmlink/pkg/obj/ko"
	"github.com/kerboscript/ksmlink/pkg/obj/ksm"
	"github.com/kerboscript/ksmlink/pkg/obj/value"
)

// Plan is the Layout Planner's input: the resolved images, the entry
// point's reachability results and the output shape (shared library or
// ordinary executable) to target.
type Plan struct {
	Images       []*ko.Image
	Table        *SymbolTable
	Reachability *Reachability
	// Shared selects %I (shared-library init) over %M (ordinary main) for
	// the entry point's section (§4.5 "-s").
	Shared bool
}

// Build runs the Layout Planner (C5) and Relocation Applier (C6) over the
// plan's reachable functions, producing the fully resolved Program the
// KSM Writer serializes.
func Build(plan Plan) (*ksm.Program, error) {
	labels := assignLabels(plan.Reachability.Order, plan.Reachability.Entry)

	relocCache := make([]map[relocKey]ko.Relocation, len(plan.Images))
	for i, img := range plan.Images {
		relocCache[i] = relocationIndex(img)
	}

	prog := &ksm.Program{}
	for _, ref := range plan.Reachability.Order {
		fn, err := buildFunction(plan, ref, labels, relocCache)
		if err != nil {
			return nil, err
		}

		if ref == plan.Reachability.Entry {
			if plan.Shared {
				prog.Init = fn
			} else {
				prog.Main = fn
			}
			continue
		}
		prog.Funcs = append(prog.Funcs, *fn)
	}

	return prog, nil
}

// assignLabels picks the final %F label for every non-entry function,
// disambiguating Local symbols of the same name defined in different
// images by suffixing the image index, since all functions share one
// flat label namespace in the output KSM file. Symbol renaming (§6C) is
// already baked into ref.Name by the time Resolve (C3) produced the
// Reachability order, so this step only has to keep labels unique.
func assignLabels(order []FuncRef, entry FuncRef) map[FuncRef]string {
	labels := make(map[FuncRef]string, len(order))
	used := map[string]bool{}

	for _, ref := range order {
		if ref == entry {
			continue
		}
		candidate := ref.Name
		for used[candidate] {
			candidate = fmt.Sprintf("%s$%d", ref.Name, ref.Image)
		}
		used[candidate] = true
		labels[ref] = candidate
	}

	return labels
}

func buildFunction(plan Plan, ref FuncRef, labels map[FuncRef]string, relocCache []map[relocKey]ko.Relocation) (*ksm.Function, error) {
	img := plan.Images[ref.Image]
	def, ok := plan.Table.Lookup(ref.Image, ref.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %q has no definition in %s", linkerr.ErrInternalInvariant, ref.Name, img.Path)
	}
	sym := def.Symbol

	body, err := img.FunctionBody(sym)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", linkerr.ErrInternalInvariant, err)
	}

	instrs := make([]ksm.Instruction, len(body))
	for i, instr := range body {
		absIndex := int(sym.ValueIndex) + i
		args, err := resolveOperands(plan, ref.Image, int(sym.SectionIndex), absIndex, instr, labels, relocCache[ref.Image])
		if err != nil {
			return nil, err
		}
		instrs[i] = ksm.Instruction{OpCode: instr.OpCode, Args: args}
	}

	return &ksm.Function{
		Label:        labels[ref],
		Instructions: instrs,
		DebugLines:   debugLinesFor(img, int(sym.SectionIndex), int(sym.ValueIndex), len(body)),
	}, nil
}

func resolveOperands(plan Plan, imgIdx int, sectionIdx int, absIndex int, instr ko.Instruction, labels map[FuncRef]string, relocIdx map[relocKey]ko.Relocation) ([]value.Value, error) {
	img := plan.Images[imgIdx]

	args := make([]value.Value, instr.OperandCount)
	for ordinal := 0; ordinal < instr.OperandCount; ordinal++ {
		// Relocation.OperandOrdinal is the 1-based wire value (§3): ordinal
		// 1 names Operands[0], ordinal 2 names Operands[1].
		if rel, ok := relocIdx[relocKey{sectionIdx, absIndex, uint8(ordinal + 1)}]; ok {
			v, err := resolveRelocatedValue(plan, imgIdx, rel, labels)
			if err != nil {
				return nil, err
			}
			args[ordinal] = v
			continue
		}

		dataIdx, ok := img.PrimaryDataIndex()
		if !ok {
			return nil, fmt.Errorf("%w: instruction operand with no data section in %s", linkerr.ErrInternalInvariant, img.Path)
		}
		data := img.Data[dataIdx]
		operand := instr.Operands[ordinal]
		if int(operand) >= len(data) {
			return nil, fmt.Errorf("%w: operand %d out of range in %s", linkerr.ErrInputFormat, operand, img.Path)
		}
		args[ordinal] = data[operand]
	}
	return args, nil
}

// resolveRelocatedValue turns a Relocation's target symbol into the
// concrete value an operand should carry in the output: a function
// reference becomes the callee's final label string, while an object
// reference becomes that object's defining literal, read out of its
// defining image's primary data section at the symbol's value index
// (§4.1 "KO Symbol", the st_value/st_shndx-style convention also used by
// FunctionBody).
func resolveRelocatedValue(plan Plan, fromImage int, rel ko.Relocation, labels map[FuncRef]string) (value.Value, error) {
	img := plan.Images[fromImage]
	target := img.SymbolTable()[rel.SymbolIndex]
	target.Name = plan.Table.ResolveName(target.Name)

	resolvedImage := fromImage
	resolved := target
	if target.Binding == ko.BindExtern {
		g, ok := plan.Table.Lookup(fromImage, target.Name)
		if !ok {
			return value.Value{}, fmt.Errorf("%w: relocation target %q is undefined", linkerr.ErrSemantic, target.Name)
		}
		resolvedImage = g.Image
		resolved = g.Symbol
	}

	switch resolved.Type {
	case ko.TypeFunc:
		ref := FuncRef{Image: resolvedImage, Name: resolved.Name}
		if ref == plan.Reachability.Entry {
			return value.Value{}, fmt.Errorf("%w: %q (the entry point) cannot be referenced as a callee", linkerr.ErrSemantic, resolved.Name)
		}
		label, ok := labels[ref]
		if !ok {
			return value.Value{}, fmt.Errorf("%w: relocation targets %q, which dead-code elimination dropped", linkerr.ErrInternalInvariant, resolved.Name)
		}
		return value.String(label), nil

	case ko.TypeObject:
		defImg := plan.Images[resolvedImage]
		dataIdx, ok := defImg.PrimaryDataIndex()
		if !ok {
			return value.Value{}, fmt.Errorf("%w: object %q has no data section in %s", linkerr.ErrInternalInvariant, resolved.Name, defImg.Path)
		}
		data := defImg.Data[dataIdx]
		if int(resolved.ValueIndex) >= len(data) {
			return value.Value{}, fmt.Errorf("%w: object %q value index out of range", linkerr.ErrInternalInvariant, resolved.Name)
		}
		return data[resolved.ValueIndex], nil

	default:
		return value.Value{}, fmt.Errorf("%w: relocation target %q has unsupported symbol type %v", linkerr.ErrSemantic, resolved.Name, resolved.Type)
	}
}

func debugLinesFor(img *ko.Image, sectionIdx, start, count int) []ksm.DebugLine {
	var out []ksm.DebugLine
	for _, dl := range img.DebugLines[sectionIdx] {
		idx := int(dl.InstructionIndex)
		if idx < start || idx >= start+count {
			continue
		}
		out = append(out, ksm.DebugLine{InstructionIndex: idx - start, Line: dl.Line})
	}
	return out
}
