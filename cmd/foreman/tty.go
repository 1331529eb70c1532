package main

import (
	"os"

	"github.com/mattn/go-isatty"
)

// isStdinTTY reports whether stdin is an interactive terminal.
func isStdinTTY() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// isStdoutTTY reports whether stdout is an interactive terminal.
func isStdoutTTY() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
