package link

import (
	"fmt"

	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"github.com/kerboscript/ksmlink/pkg/linkerr"
	"github.com/kerboscript/ksmlink/pkg/obj/ko"
	"github.com/kerboscript/ksmlink/pkg/obj/ksm"
)

const (
	defaultEntry = "_start"
	sharedEntry  = "_init"
)

// Options configures one invocation of the Driver (C8).
type Options struct {
	// Entry overrides the default entry symbol _start via -e NAME (§4.5).
	// It is ignored under Shared, whose entry point is always _init.
	Entry string

	// Shared selects shared-library mode: the entry point is _init by
	// default and is emitted as %I instead of %M (§4.5 "-s").
	Shared bool

	// ExtraRoots names additional functions to keep reachable regardless
	// of the static call graph (§6C), read from an optional link-config
	// file.
	ExtraRoots []string

	// Rename aliases a symbol name (key) to another symbol name (value)
	// before resolution, read from an optional link-config file (§6C).
	Rename map[string]string
}

// Link runs the whole pipeline (C1, C3-C6) over inputs, read through fs,
// and returns the laid-out Program ready for the KSM Writer (C7).
func Link(fs afero.Fs, inputs []string, opts Options) (*ksm.Program, error) {
	images, err := readAll(fs, inputs)
	if err != nil {
		return nil, err
	}

	table, err := Resolve(images, opts.Rename)
	if err != nil {
		return nil, err
	}

	entryName := opts.Entry
	if opts.Shared {
		entryName = sharedEntry
	} else if entryName == "" {
		entryName = defaultEntry
	}

	entryImage, err := findEntryImage(images, table, entryName)
	if err != nil {
		return nil, err
	}

	reachability, err := Analyze(images, table, entryImage, entryName, opts.ExtraRoots)
	if err != nil {
		return nil, err
	}

	return Build(Plan{
		Images:       images,
		Table:        table,
		Reachability: reachability,
		Shared:       opts.Shared,
	})
}

func readAll(fs afero.Fs, inputs []string) ([]*ko.Image, error) {
	images := make([]*ko.Image, len(inputs))
	var closeErrs error

	for i, path := range inputs {
		f, err := fs.Open(path)
		if err != nil {
			return nil, fmt.Errorf("%w: opening %s: %v", linkerr.ErrInputFormat, path, err)
		}

		img, readErr := ko.Read(f, path)
		closeErrs = multierr.Append(closeErrs, f.Close())
		if readErr != nil {
			return nil, readErr
		}
		images[i] = img
	}

	if closeErrs != nil {
		return nil, fmt.Errorf("%w: %v", linkerr.ErrInputFormat, closeErrs)
	}
	return images, nil
}

// findEntryImage locates the image an entry-point lookup should be
// anchored to: the Global namespace if entryName is defined there
// (image choice is then irrelevant to Lookup), otherwise the first image
// whose Local symbols define it.
func findEntryImage(images []*ko.Image, table *SymbolTable, entryName string) (int, error) {
	if _, ok := table.Globals[entryName]; ok {
		return 0, nil
	}
	for i := range images {
		if _, ok := table.Lookup(i, entryName); ok {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: entry point %q is undefined", linkerr.ErrSemantic, entryName)
}
