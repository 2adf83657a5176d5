// Package bootstrap runs the in-guest setup sequence: an ordered list of
// idempotent steps tracked in an append-only ledger. A completed step is
// never re-run; a failed step halts the sequence with the ledger
// untouched, so a rerun resumes exactly where it stopped.
package bootstrap

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultLedgerPath is where the setup ledger lives in the guest.
const DefaultLedgerPath = "/var/lib/phevbox/setup.done"

// Ledger is the append-only record of completed step identifiers, one
// per line. It is re-read in full before every step so an external edit
// (an operator removing a line to force a re-run) takes effect mid-run.
type Ledger struct {
	path string
}

// NewLedger returns a ledger stored at path. The file is created on the
// first Record.
func NewLedger(path string) *Ledger {
	return &Ledger{path: path}
}

// Completed returns the set of recorded step identifiers. A missing
// ledger file is an empty set, not an error.
func (l *Ledger) Completed() (map[string]bool, error) {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return map[string]bool{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger %s: %w", l.path, err)
	}
	defer func() { _ = f.Close() }()

	done := map[string]bool{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		id := strings.TrimSpace(scanner.Text())
		if id != "" {
			done[id] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ledger %s: %w", l.path, err)
	}
	return done, nil
}

// Contains reports whether id has been recorded.
func (l *Ledger) Contains(id string) (bool, error) {
	done, err := l.Completed()
	if err != nil {
		return false, err
	}
	return done[id], nil
}

// Record appends id to the ledger. Append-only: recorded identifiers are
// never rewritten or reordered.
func (l *Ledger) Record(id string) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create ledger directory: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open ledger %s: %w", l.path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.WriteString(id + "\n"); err != nil {
		return fmt.Errorf("failed to record step %q: %w", id, err)
	}
	return nil
}
