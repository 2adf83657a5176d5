// Package prompt abstracts the operator-facing dialog surface: plain
// messages, free-text entry, masked entry, single-choice lists, and
// yes/no questions. The pipeline depends only on the Prompter interface
// so tests can script an entire run.
package prompt

import "errors"

// ErrCanceled is returned when the operator cancels at any prompt. The
// pipeline aborts with no resources created.
var ErrCanceled = errors.New("canceled by operator")

// Prompter is the modal dialog surface.
type Prompter interface {
	// Message shows informational text and waits for acknowledgement.
	Message(text string) error

	// Input solicits a line of text. An empty entry returns def.
	Input(label, def string) (string, error)

	// Masked solicits a line without echoing it.
	Masked(label string) (string, error)

	// Select presents options and returns the chosen index.
	Select(label string, options []string) (int, error)

	// Confirm asks a yes/no question. An empty entry returns def.
	Confirm(label string, def bool) (bool, error)
}
