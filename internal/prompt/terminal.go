package prompt

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// Terminal is the interactive stdin/stdout Prompter. EOF at any prompt
// maps to ErrCanceled, as does an explicit "q" at a selection.
type Terminal struct {
	in  *bufio.Reader
	out io.Writer

	// readPassword is swapped out in tests; the default reads from the
	// controlling terminal without echo.
	readPassword func() (string, error)
}

// NewTerminal returns a Prompter on stdin/stdout.
func NewTerminal() *Terminal {
	t := &Terminal{
		in:  bufio.NewReader(os.Stdin),
		out: os.Stdout,
	}
	t.readPassword = func() (string, error) {
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			return "", err
		}
		fmt.Fprintln(t.out)
		return string(b), nil
	}
	return t
}

// newTestTerminal builds a Terminal over arbitrary streams. Masked entry
// falls back to plain line reads, which is also the behavior when stdin
// is not a tty.
func newTestTerminal(in io.Reader, out io.Writer) *Terminal {
	t := &Terminal{
		in:  bufio.NewReader(in),
		out: out,
	}
	t.readPassword = t.readLine
	return t
}

func (t *Terminal) readLine() (string, error) {
	line, err := t.in.ReadString('\n')
	if err != nil {
		if err == io.EOF && line == "" {
			return "", ErrCanceled
		}
		if err != io.EOF {
			return "", err
		}
	}
	return strings.TrimSpace(line), nil
}

// Message implements Prompter.
func (t *Terminal) Message(text string) error {
	fmt.Fprintf(t.out, "\n%s\n\nPress Enter to continue...", text)
	_, err := t.readLine()
	return err
}

// Input implements Prompter.
func (t *Terminal) Input(label, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(t.out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(t.out, "%s: ", label)
	}
	line, err := t.readLine()
	if err != nil {
		return "", err
	}
	if line == "" {
		return def, nil
	}
	return line, nil
}

// Masked implements Prompter.
func (t *Terminal) Masked(label string) (string, error) {
	fmt.Fprintf(t.out, "%s: ", label)
	return t.readPassword()
}

// Select implements Prompter. Invalid entries re-prompt; "q" cancels.
func (t *Terminal) Select(label string, options []string) (int, error) {
	fmt.Fprintf(t.out, "\n%s\n", label)
	for i, opt := range options {
		fmt.Fprintf(t.out, "  %d) %s\n", i+1, opt)
	}

	for {
		fmt.Fprintf(t.out, "Select [1-%d, q to cancel]: ", len(options))
		line, err := t.readLine()
		if err != nil {
			return 0, err
		}
		if strings.EqualFold(line, "q") {
			return 0, ErrCanceled
		}
		n, err := strconv.Atoi(line)
		if err != nil || n < 1 || n > len(options) {
			fmt.Fprintf(t.out, "invalid selection %q\n", line)
			continue
		}
		return n - 1, nil
	}
}

// Confirm implements Prompter. Invalid entries re-prompt.
func (t *Terminal) Confirm(label string, def bool) (bool, error) {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}

	for {
		fmt.Fprintf(t.out, "%s [%s]: ", label, hint)
		line, err := t.readLine()
		if err != nil {
			return false, err
		}
		switch strings.ToLower(line) {
		case "":
			return def, nil
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		default:
			fmt.Fprintf(t.out, "please answer y or n\n")
		}
	}
}
