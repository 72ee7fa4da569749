package cmd

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/kerboscript/ksmlink/pkg/link"
	"github.com/kerboscript/ksmlink/pkg/linkerr"
	"github.com/kerboscript/ksmlink/pkg/linklog"
	"github.com/kerboscript/ksmlink/pkg/obj/ksm"
)

var (
	outputPath string
	shared     bool
	entry      string
	configPath string
	verbose    bool
	logFile    string
)

// RootCmd links one or more KO object files into a single KSM program.
// Unlike the toolchain this is descended from, it carries no
// environment-variable or config-file-search initialization step: the
// only configuration source is an explicit -c/--config path (§6A).
var RootCmd = &cobra.Command{
	Use:   "ksmlink [flags] input.ko [input.ko...]",
	Short: "Link KerbalObject (.ko) files into a KerboScript Machine code (.ksm) program",
	Long: `ksmlink resolves symbols across one or more relocatable KerbalObject
(.ko) files, eliminates unreachable functions starting from an entry
point, and emits a single linked KerboScript Machine code (.ksm) file,
gzip-compressed the way the kOS runtime expects it.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runLink,
}

func init() {
	RootCmd.Flags().StringVarP(&outputPath, "output", "o", "", "output .ksm file path (required)")
	RootCmd.Flags().BoolVarP(&shared, "shared", "s", false, "link a shared library (entry defaults to _init, emitted as %I)")
	RootCmd.Flags().StringVarP(&entry, "entry", "e", "", "entry point symbol (default: _start; ignored with --shared, which always uses _init)")
	RootCmd.Flags().StringVarP(&configPath, "config", "c", "", "link-config YAML file (extraRoots, rename)")
	RootCmd.Flags().BoolVar(&verbose, "verbose", false, "log at debug level")
	RootCmd.Flags().StringVar(&logFile, "log-file", "", "additionally log JSON records to this file")
	_ = RootCmd.MarkFlagRequired("output")

	RootCmd.AddCommand(inspectCmd)
}

// Execute runs the root command, translating any link-engine error into
// the exit code its linkerr sentinel maps to (§7).
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(linkerr.ExitCode(err))
	}
}

func runLink(cmd *cobra.Command, args []string) error {
	fs := afero.NewOsFs()

	logOpts := linklog.Options{Verbose: verbose}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("%w: opening log file %s: %v", linkerr.ErrInputFormat, logFile, err)
		}
		defer f.Close()
		logOpts.LogFile = f
	}
	logger := linklog.New(logOpts)

	opts := link.Options{Entry: entry, Shared: shared}
	if configPath != "" {
		cfg, err := link.LoadConfig(fs, configPath)
		if err != nil {
			return err
		}
		opts.ExtraRoots = cfg.ExtraRoots
		opts.Rename = cfg.Rename
		logger.Debug("loaded link config", "path", configPath, "extraRoots", len(cfg.ExtraRoots), "renames", len(cfg.Rename))
	}

	logger.Info("linking", "inputs", args, "entry", opts.Entry, "shared", shared)
	prog, err := link.Link(fs, args, opts)
	if err != nil {
		logger.Error("link failed", "error", err)
		return err
	}

	out := outputPath
	if !strings.HasSuffix(out, ".ksm") {
		out += ".ksm"
	}

	// Build the whole gzip-compressed file in memory first so a mid-write
	// failure (an overlong string, an oversized argument table) never
	// leaves a truncated file at out (§7: "no partial outputs").
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := ksm.Write(gz, prog); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("%w: finishing gzip stream for %s: %v", linkerr.ErrInputFormat, out, err)
	}

	f, err := fs.Create(out)
	if err != nil {
		return fmt.Errorf("%w: creating %s: %v", linkerr.ErrInputFormat, out, err)
	}
	defer f.Close()
	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("%w: writing %s: %v", linkerr.ErrInputFormat, out, err)
	}

	logger.Info("wrote program", "path", out)
	return nil
}
