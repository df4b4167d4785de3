package main

import (
	"fmt"
	"io"
	"os"
)

// palette holds ANSI escape codes; every field is empty when color is off.
type palette struct {
	Reset, Bold, Dim         string
	Green, Yellow, Cyan, Red string
}

var c = newPalette(os.Stdout)

func newPalette(f *os.File) palette {
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return palette{}
	}
	if info, err := f.Stat(); err != nil || info.Mode()&os.ModeCharDevice == 0 {
		return palette{}
	}
	return palette{
		Reset:  "\033[0m",
		Bold:   "\033[1m",
		Dim:    "\033[2m",
		Green:  "\033[32m",
		Yellow: "\033[33m",
		Cyan:   "\033[36m",
		Red:    "\033[31m",
	}
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "\n%s%s%s\n", c.Bold, title, c.Reset)
}

func printField(w io.Writer, name string, value any) {
	fmt.Fprintf(w, "  %s%-14s%s %v\n", c.Dim, name, c.Reset, value)
}

func printOK(w io.Writer, msg string) {
	fmt.Fprintf(w, "%s✓%s %s\n", c.Green, c.Reset, msg)
}

func printError(msg string) {
	fmt.Fprintf(os.Stderr, "%s✗%s %s\n", c.Red, c.Reset, msg)
}
