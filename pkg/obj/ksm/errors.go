package ksm

import (
	"errors"
	"fmt"

	"github.com/kerboscript/ksmlink/pkg/linkerr"
)

var (
	// ErrBadMagic is returned when the four-byte magic does not match
	// 6B 03 58 45 (§6).
	ErrBadMagic = errors.New("bad KSM magic")

	// ErrBadSectionMarker is returned when a byte expected to start a new
	// section ('%' + a marker letter) does not.
	ErrBadSectionMarker = errors.New("expected a KSM section marker")
)

func wrap(context string, err error) error {
	return fmt.Errorf("%w: %s: %w", linkerr.ErrInputFormat, context, err)
}
