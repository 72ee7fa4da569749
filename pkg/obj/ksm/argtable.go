package ksm

import (
	"bytes"
	"fmt"
	"io"

	"github.com/kerboscript/ksmlink/pkg/linkerr"
	"github.com/kerboscript/ksmlink/pkg/obj/value"
)

// ErrArgumentTableOverflow is returned when the argument table would grow
// past what any operand width can address (§7.3: a layout-stage failure).
var ErrArgumentTableOverflow = fmt.Errorf("%w: argument table exceeds the maximum addressable size", linkerr.ErrLayout)

// argTableHeaderSize is the '%', 'A', W header every argument-section
// offset is counted from (inclusive), per §4.6/§9: offset 0 names the
// '%' byte of %A itself, not the first entry.
const argTableHeaderSize = 3

// ArgTable is the %A section under construction: a deduplicated,
// insertion-ordered sequence of argument values, each addressed by the
// byte offset of its encoding within the section (§4.6). Equal values
// (by exact Kind+payload match, matching value.Value.Equal) share one
// entry so repeated literals cost one argument-table slot, not one per
// use.
type ArgTable struct {
	entries []value.Value
	offsets map[value.Value]uint32
	size    uint32
}

// NewArgTable returns an empty argument table, its running offset seeded
// past the %A header so the first interned entry's offset already
// accounts for it.
func NewArgTable() *ArgTable {
	return &ArgTable{offsets: map[value.Value]uint32{}, size: argTableHeaderSize}
}

// Intern returns the byte offset at which v's encoding sits within the
// final argument-table section, adding a new entry only if this exact
// value has not been interned before.
func (t *ArgTable) Intern(v value.Value) (uint32, error) {
	if off, ok := t.offsets[v]; ok {
		return off, nil
	}

	off := t.size
	width := uint32(1 + v.Width())
	if uint64(off)+uint64(width) > 0xFFFFFFFF {
		return 0, ErrArgumentTableOverflow
	}

	t.entries = append(t.entries, v)
	t.offsets[v] = off
	t.size += width
	return off, nil
}

// Size returns the total byte size of the encoded argument section so
// far.
func (t *ArgTable) Size() uint32 { return t.size }

// Encode serializes the argument table's entries in insertion order,
// matching the offsets already handed out by Intern.
func (t *ArgTable) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := t.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteTo streams the argument table's entries, in insertion order,
// straight to w — the path the KSM Writer uses to avoid buffering the
// whole %A section twice.
func (t *ArgTable) WriteTo(w io.Writer) error {
	for i, v := range t.entries {
		if err := value.Encode(w, v); err != nil {
			return fmt.Errorf("argument %d: %w", i, err)
		}
	}
	return nil
}
