package ko

import (
	"errors"
	"fmt"

	"github.com/kerboscript/ksmlink/pkg/linkerr"
)

var (
	// ErrBadMagic is returned when the four-byte magic does not match
	// 6B 01 6F 66 (§4.1 Phase 1).
	ErrBadMagic = errors.New("bad KO magic")

	// ErrUnsupportedVersion is returned when the version byte is not 3.
	ErrUnsupportedVersion = errors.New("unsupported KO version")

	// ErrBadSectionKind is returned when a section header names a kind
	// byte outside the seven recognized kinds.
	ErrBadSectionKind = errors.New("unrecognized section kind")

	// ErrMissingShStrTab is returned when the header's shstrtab index does
	// not name a String section.
	ErrMissingShStrTab = errors.New("shstrtab index does not name a string section")

	// ErrIndexOutOfRange is returned when a section or symbol name index
	// falls outside its string table, when a symbol's binding or type byte
	// is unrecognized, or when a relocation's operand ordinal is outside
	// {1,2}. The reader does not check symbol value indexes, relocation
	// section/instruction indexes or relocation symbol indexes.
	ErrIndexOutOfRange = errors.New("index out of range")

	// ErrTruncatedSection is returned when a fixed-record section's
	// declared size does not evenly divide into whole records, or when a
	// string table is not NUL-terminated or does not start with the empty
	// string. A data or function body that ends mid-record fails with the
	// underlying decode error instead.
	ErrTruncatedSection = errors.New("section body size is inconsistent with its contents")
)

// wrap attaches file/context and classifies err as linkerr.ErrInputFormat,
// while preserving err itself in the chain so callers can still
// errors.Is against this package's specific sentinels. Every failure mode
// of the KO Reader funnels through this (§4.1, §7.1).
func wrap(path string, context string, err error) error {
	return fmt.Errorf("%w: %s: %s: %w", linkerr.ErrInputFormat, path, context, err)
}

// wrapf is a convenience for wrap when there is no distinct sentinel to
// preserve, only a formatted message (already-classified errors read
// better as plain text context here).
func wrapf(path string, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", linkerr.ErrInputFormat, path, fmt.Sprintf(format, args...))
}
