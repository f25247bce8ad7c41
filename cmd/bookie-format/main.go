// Command bookie-format wipes and reinitializes a bookie's on-disk
// layout. Unless given -force or -yes it asks for an interactive
// confirmation, and a confirmed run wipes non-empty directories. With
// -yes alone it refuses to touch a non-empty directory.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"bookie/bookie"
	"bookie/config"
)

const (
	ansiRed    = "\x1b[31m"
	ansiYellow = "\x1b[33m"
	ansiGreen  = "\x1b[32m"
	ansiReset  = "\x1b[0m"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to the bookie TOML configuration file (required)")
	force := flag.Bool("force", false, "Wipe non-empty directories without confirmation")
	yes := flag.Bool("yes", false, "Skip the interactive confirmation prompt")
	flag.Parse()

	if configPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -config argument is required")
		flag.Usage()
		os.Exit(1)
	}

	out := colorable.NewColorableStdout()
	colorOK := isatty.IsTerminal(os.Stdout.Fd())

	fc, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := config.Validate(fc); err != nil {
		fmt.Fprintf(os.Stderr, "Error in config: %v\n", err)
		os.Exit(1)
	}
	opts := config.ToOptions(fc)

	wipe := *force
	if !*force && !*yes {
		warn(out, colorOK, opts)
		if !confirm() {
			fmt.Fprintln(out, "Aborted.")
			os.Exit(1)
		}
		wipe = true
	}

	result, err := bookie.Format(opts, wipe)
	if err != nil {
		errorf(out, colorOK, "Format failed: %v\n", err)
		os.Exit(1)
	}

	if result.WasEmpty {
		successf(out, colorOK, "Directories were already empty; layout initialized.\n")
	} else {
		successf(out, colorOK, "Wiped %d director(ies) and reinitialized the layout.\n", len(result.DirsWiped))
	}
}

func warn(out io.Writer, colorOK bool, opts *bookie.Options) {
	if colorOK {
		fmt.Fprintf(out, "%sWARNING%s: this will erase all ledger and journal data under:\n", ansiYellow, ansiReset)
	} else {
		fmt.Fprintln(out, "WARNING: this will erase all ledger and journal data under:")
	}
	fmt.Fprintf(out, "  journal: %s\n", opts.JournalDir)
	for _, d := range opts.LedgerDirs {
		fmt.Fprintf(out, "  ledger:  %s\n", d)
	}
}

func confirm() bool {
	fmt.Print("Type 'yes' to continue: ")
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line) == "yes"
}

func errorf(out io.Writer, colorOK bool, format string, args ...any) {
	if colorOK {
		fmt.Fprint(out, ansiRed)
		fmt.Fprintf(out, format, args...)
		fmt.Fprint(out, ansiReset)
		return
	}
	fmt.Fprintf(out, format, args...)
}

func successf(out io.Writer, colorOK bool, format string, args ...any) {
	if colorOK {
		fmt.Fprint(out, ansiGreen)
		fmt.Fprintf(out, format, args...)
		fmt.Fprint(out, ansiReset)
		return
	}
	fmt.Fprintf(out, format, args...)
}
