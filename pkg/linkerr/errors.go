// Package linkerr defines the four-tier error taxonomy of §7: every
// concrete error the link engine returns wraps exactly one of these
// sentinels, so a caller can classify a failure (and pick an exit code)
// with a single errors.Is walk instead of string matching or type
// switches scattered across the codebase.
package linkerr

import "errors"

var (
	// ErrInputFormat covers malformed magic/version, truncated streams,
	// unknown enum values, undefined opcodes, oversize strings, and
	// out-of-range indices (§7.1).
	ErrInputFormat = errors.New("input format error")

	// ErrSemantic covers duplicate global definitions, undefined external
	// references, and missing/mistyped entry-point symbols (§7.2).
	ErrSemantic = errors.New("semantic error")

	// ErrLayout covers layout-stage failures such as operand-width
	// overflow (§7.3).
	ErrLayout = errors.New("layout error")

	// ErrInternalInvariant covers linker-bug conditions: a surviving zero
	// operand with no matching relocation, or a relocation pointing into
	// a function that dead-code elimination already dropped (§7.4).
	// Unlike the other three, this indicates a defect in the linker
	// itself rather than in the user's input.
	ErrInternalInvariant = errors.New("internal invariant violated")
)

// ExitCode maps an error produced anywhere in the link engine to the
// process exit code the CLI should use, by walking the errors.Is chain.
// Unrecognized errors (e.g. plain I/O errors opening a file) get 1, the
// same code as a malformed-input error, since from the user's perspective
// both mean "this input could not be linked".
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrInternalInvariant):
		return 4
	case errors.Is(err, ErrLayout):
		return 3
	case errors.Is(err, ErrSemantic):
		return 2
	default:
		return 1
	}
}
