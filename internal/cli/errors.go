package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// RejectedError indicates at least one story was rejected after exhausting
// its attempts. Callers should map this to exit code 2.
type RejectedError struct {
	IDs []string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%d story(ies) rejected: %s", len(e.IDs), strings.Join(e.IDs, ", "))
}

// isTerminal checks if stdout is a terminal.
func isTerminal() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// isInteractive checks if both stdin and stdout are terminals.
func isInteractive() bool {
	fd := os.Stdin.Fd()
	return isTerminal() && (isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd))
}
