package logger

import "github.com/mattn/go-isatty"

// isTerminal reports whether the file descriptor is attached to a terminal,
// used to decide whether color output is safe.
func isTerminal(fd uintptr) bool {
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
