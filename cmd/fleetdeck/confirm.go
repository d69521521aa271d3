// ABOUTME: Confirmation gating for destructive operations.
// ABOUTME: Handles interactive prompts and --force requirements consistently.

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

type confirmOptions struct {
	action     string
	force      bool
	jsonOutput bool
}

var (
	confirmReader io.Reader = os.Stdin
	confirmWriter io.Writer = os.Stderr

	isInteractiveFn = isInteractive
)

func requireConfirmation(opts confirmOptions) error {
	action := strings.TrimSpace(opts.action)
	if action == "" {
		action = "continue"
	}
	if opts.force {
		return nil
	}
	if opts.jsonOutput {
		return fmt.Errorf("refusing to %s without --force in --json mode", action)
	}
	if !isInteractiveFn() {
		return fmt.Errorf("refusing to %s without --force in non-interactive mode", action)
	}
	ok, err := promptYesNo(confirmReader, confirmWriter, fmt.Sprintf("Confirm %s? Type 'yes' to continue: ", action))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("aborted")
	}
	return nil
}

func promptYesNo(r io.Reader, w io.Writer, prompt string) (bool, error) {
	if r == nil {
		return false, fmt.Errorf("stdin unavailable")
	}
	if w != nil && strings.TrimSpace(prompt) != "" {
		if _, err := fmt.Fprint(w, prompt); err != nil {
			return false, err
		}
	}
	reader := bufio.NewReader(r)
	line, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	answer := strings.TrimSpace(line)
	return strings.EqualFold(answer, "yes"), nil
}

func isInteractive() bool {
	return isatty.IsTerminal(os.Stdin.Fd()) && isatty.IsTerminal(os.Stdout.Fd())
}
