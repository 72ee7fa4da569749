// Package link implements the Symbol Resolver, Reachability Analyzer,
// Layout Planner, Relocation Applier and Driver (C3-C6, C8): the core of
// the linker, sitting between the KO Reader (pkg/obj/ko) and the KSM
// Writer (pkg/obj/ksm).
package link

import (
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/kerboscript/ksmlink/pkg/linkerr"
	"github.com/kerboscript/ksmlink/pkg/obj/ko"
)

// GlobalSymbol names the image and the KO symbol record a resolved name
// maps to.
type GlobalSymbol struct {
	Image  int
	Symbol ko.Symbol
}

// SymbolTable is the merged, cross-image view the Symbol Resolver (C3)
// builds: one namespace of Global definitions, plus a per-image namespace
// of Local definitions that never leaks across image boundaries.
type SymbolTable struct {
	Globals map[string]GlobalSymbol
	locals  []map[string]ko.Symbol
	rename  map[string]string
}

// ResolveName applies the §6C rename table to name, the same way Resolve
// applied it while building the table. Callers that read a raw ko.Symbol
// straight off an Image (rather than through Lookup) — the Reachability
// Analyzer and Relocation Applier following a Relocation's SymbolIndex —
// must run the referenced name through this before looking it up in t,
// since t's own keys are already post-rename.
func (t *SymbolTable) ResolveName(name string) string {
	if to, ok := t.rename[name]; ok {
		return to
	}
	return name
}

// Resolve builds the merged symbol table for images, rejecting duplicate
// Global definitions and undefined Extern references in one pass each so
// every violation is reported together rather than one at a time (§4.2,
// §7.2).
//
// rename implements the §6C symbol-rename config knob: it is applied
// before any binding decision, so every symbol named "from" (Local,
// Global, or Extern) is resolved exactly as if it had been named "to".
// A rename that causes both "from" and "to" to independently name
// distinct non-extern globals still surfaces as an ordinary
// duplicate-definition error below.
func Resolve(images []*ko.Image, rename map[string]string) (*SymbolTable, error) {
	table := &SymbolTable{
		Globals: map[string]GlobalSymbol{},
		locals:  make([]map[string]ko.Symbol, len(images)),
		rename:  rename,
	}

	renamed := func(sym ko.Symbol) ko.Symbol {
		if to, ok := rename[sym.Name]; ok {
			sym.Name = to
		}
		return sym
	}

	var duplicates []string
	for imgIdx, img := range images {
		table.locals[imgIdx] = map[string]ko.Symbol{}

		for _, sym := range img.SymbolTable() {
			sym = renamed(sym)

			switch sym.Binding {
			case ko.BindLocal:
				table.locals[imgIdx][sym.Name] = sym

			case ko.BindGlobal:
				if existing, ok := table.Globals[sym.Name]; ok {
					duplicates = append(duplicates, fmt.Sprintf("%q (defined in %s and %s)",
						sym.Name, images[existing.Image].Path, img.Path))
					continue
				}
				table.Globals[sym.Name] = GlobalSymbol{Image: imgIdx, Symbol: sym}

			case ko.BindExtern:
				// Checked for resolvability in the second pass below, once
				// every image's Globals have been collected.
			}
		}
	}

	if len(duplicates) > 0 {
		duplicates = lo.Uniq(duplicates)
		sort.Strings(duplicates)
		return nil, fmt.Errorf("%w: duplicate global definition: %s", linkerr.ErrSemantic, strings.Join(duplicates, ", "))
	}

	var undefined []string
	for imgIdx, img := range images {
		for _, sym := range img.SymbolTable() {
			sym = renamed(sym)
			if sym.Binding != ko.BindExtern {
				continue
			}
			if _, ok := table.Globals[sym.Name]; !ok {
				undefined = append(undefined, fmt.Sprintf("%q (referenced in %s)", sym.Name, img.Path))
			}
		}
	}

	if len(undefined) > 0 {
		undefined = lo.Uniq(undefined)
		sort.Strings(undefined)
		return nil, fmt.Errorf("%w: undefined reference: %s", linkerr.ErrSemantic, strings.Join(undefined, ", "))
	}

	return table, nil
}

// Lookup resolves name as seen from image imgIdx: a Local definition in
// that same image shadows any Global of the same name, matching ordinary
// linker scoping rules.
func (t *SymbolTable) Lookup(imgIdx int, name string) (GlobalSymbol, bool) {
	if sym, ok := t.locals[imgIdx][name]; ok {
		return GlobalSymbol{Image: imgIdx, Symbol: sym}, true
	}
	if g, ok := t.Globals[name]; ok {
		return g, true
	}
	return GlobalSymbol{}, false
}
