package cmd

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/kerboscript/ksmlink/pkg/obj/ksm"
)

// Colors for the interactive browser's ':'-command line, which drops out
// of tview's alternate screen while active (app.Suspend), the same way
// the original debugger colored its REPL prompt and diagnostics.
var (
	inspectPrompt  = color.New(color.FgBlue, color.Bold)
	inspectError   = color.New(color.FgRed, color.Bold)
	inspectSuccess = color.New(color.FgGreen)
)

var inspectCmd = &cobra.Command{
	Use:   "inspect FILE.ksm",
	Short: "Inspect a linked KSM program",
	Long: `inspect decompresses and parses a .ksm file and displays its argument
table, code sections and debug ranges.

Run with stdout piped to a file or another command, it prints a flat
text dump. Run at an interactive terminal, it opens a two-pane
section/instruction browser with a ':'-command line that reports
which section has a given label and which ranges cover a debug line.
inspect never writes back to the file it reads.`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func runInspect(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("opening %s: %w", args[0], err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("%s is not a gzip-compressed KSM file: %w", args[0], err)
	}
	defer gz.Close()

	file, err := ksm.Read(gz)
	if err != nil {
		return err
	}

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return dumpPlain(os.Stdout, file)
	}
	return runBrowser(file)
}

// dumpPlain renders the whole file as flat, greppable text, the
// non-interactive counterpart of runBrowser.
func dumpPlain(w io.Writer, f *ksm.File) error {
	fmt.Fprintf(w, "=== KSM File ===\n")
	fmt.Fprintf(w, "Operand width: %d byte(s)\n\n", f.Width)

	fmt.Fprintf(w, "=== Argument Table (%d) ===\n", len(f.Args))
	for i, v := range f.Args {
		fmt.Fprintf(w, "  [off %4d] %s\n", f.ArgOffsets[i], v.String())
	}
	fmt.Fprintln(w)

	for _, s := range f.Sections {
		fmt.Fprintf(w, "=== Section %%%c", s.Marker)
		if s.Label != "" {
			fmt.Fprintf(w, " %q", s.Label)
		}
		fmt.Fprintf(w, " (%d instructions) ===\n", len(s.Instructions))
		for i, instr := range s.Instructions {
			fmt.Fprintf(w, "  [%4d] %-10s %v\n", i, instr.OpCode.Mnemonic(), instr.Operands)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "=== Debug Ranges (%d) ===\n", len(f.Debug))
	for _, d := range f.Debug {
		fmt.Fprintf(w, "  line %d:", d.Line)
		for _, rg := range d.Ranges {
			fmt.Fprintf(w, " [%d..%d]", rg.Start, rg.End)
		}
		fmt.Fprintln(w)
	}
	return nil
}

// runBrowser opens a two-pane tview application: a section list on the
// left, that section's instructions on the right. Pressing ':' suspends
// the tview screen and hands the terminal to a one-shot readline prompt,
// the same split the original debugger struck between a raw-mode display
// and a line-editing command prompt.
func runBrowser(f *ksm.File) error {
	app := tview.NewApplication()

	list := tview.NewList().ShowSecondaryText(false)
	detail := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	detail.SetBorder(true).SetTitle(" instructions ")
	list.SetBorder(true).SetTitle(" sections ")

	render := func(idx int) {
		detail.Clear()
		if idx < 0 || idx >= len(f.Sections) {
			return
		}
		s := f.Sections[idx]
		for i, instr := range s.Instructions {
			fmt.Fprintf(detail, "[yellow]%4d[-]  [green]%-10s[-] %v\n", i, instr.OpCode.Mnemonic(), instr.Operands)
		}
	}

	for i, s := range f.Sections {
		label := fmt.Sprintf("%%%c", s.Marker)
		if s.Label != "" {
			label = fmt.Sprintf("%s %s", label, s.Label)
		}
		idx := i
		list.AddItem(label, "", 0, func() { render(idx) })
	}
	if len(f.Sections) > 0 {
		render(0)
	}

	status := tview.NewTextView().SetText("arrows/enter to browse, ':' for commands, 'q' to quit")

	root := tview.NewFlex().
		AddItem(list, 30, 1, true).
		AddItem(detail, 0, 2, false)
	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(root, 0, 1, true).
		AddItem(status, 1, 0, false)

	layout.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch {
		case event.Rune() == 'q':
			app.Stop()
			return nil
		case event.Rune() == ':':
			runCommandPrompt(app, f, status)
			return nil
		}
		return event
	})

	app.SetRoot(layout, true).SetFocus(list)
	return app.Run()
}

// runCommandPrompt drops out of tview's managed screen, reads one line
// with readline (history, ^C/^D handling, line editing), and re-enters
// tview afterward — mirroring the suspend/resume split a full-screen
// debugger needs whenever it wants a real line editor instead of
// reimplementing one inside the TUI.
func runCommandPrompt(app *tview.Application, f *ksm.File, status *tview.TextView) {
	app.Suspend(func() {
		rl, err := readline.New(inspectPrompt.Sprint(": "))
		if err != nil {
			inspectError.Fprintln(os.Stderr, "readline:", err)
			return
		}
		defer rl.Close()

		line, err := rl.Readline()
		if err != nil {
			return // ^C, ^D, or EOF: just return to the browser
		}
		msg := runCommand(strings.TrimSpace(line), f)
		app.QueueUpdateDraw(func() {
			status.SetText(msg)
		})
	})
}

// runCommand implements the small command language the ':' prompt
// accepts: "find LABEL" reports, in the status line, the index and size of
// the section with that label, and "line N" reports the byte ranges debug
// line N covers. Neither command changes the browser's selection.
func runCommand(cmdline string, f *ksm.File) string {
	fields := strings.Fields(cmdline)
	if len(fields) == 0 {
		return ""
	}

	switch fields[0] {
	case "find":
		if len(fields) < 2 {
			return "usage: find LABEL"
		}
		for i, s := range f.Sections {
			if s.Label == fields[1] {
				return fmt.Sprintf("section %d: %%%c %s (%d instructions)", i, s.Marker, s.Label, len(s.Instructions))
			}
		}
		return fmt.Sprintf("no section labeled %q", fields[1])

	case "line":
		if len(fields) < 2 {
			return "usage: line N"
		}
		var n int
		if _, err := fmt.Sscanf(fields[1], "%d", &n); err != nil {
			return fmt.Sprintf("not a number: %s", fields[1])
		}
		var lines []string
		for _, d := range f.Debug {
			if int(d.Line) == n {
				lines = append(lines, fmt.Sprintf("%v", d.Ranges))
			}
		}
		sort.Strings(lines)
		if len(lines) == 0 {
			return fmt.Sprintf("line %d has no surviving ranges", n)
		}
		return fmt.Sprintf("line %d: %s", n, strings.Join(lines, " "))

	default:
		return fmt.Sprintf("unknown command %q (try: find LABEL, line N)", fields[0])
	}
}
