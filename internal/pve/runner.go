// Package pve is a thin typed adapter over the Proxmox control-plane
// tools (qm, pvesm, pvesh). The tools are text-based subprocesses; this
// package isolates all invocation and output parsing so the pipeline
// logic above it never depends on command formatting.
package pve

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes one control-plane command and returns its combined
// output. In production this is execRunner; tests substitute mocks.
type Runner interface {
	Run(ctx context.Context, tool string, args ...string) (string, error)
}

// CommandError wraps a failed control-plane call with the tool's own
// diagnostic output, which is the only error detail these tools provide.
type CommandError struct {
	Tool   string
	Args   []string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s %s failed: %v", e.Tool, strings.Join(e.Args, " "), e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// NewRunner returns the subprocess-backed runner. Exposed for the few
// callers outside this package that wrap other host tools (lsusb,
// virt-customize) behind the same boundary.
func NewRunner() Runner {
	return execRunner{}
}

// execRunner invokes the tool as a subprocess, merging stdout and stderr.
// The tools interleave diagnostics across both streams, so a combined
// capture is the only way to keep error text intact.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, tool string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, tool, args...)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	output := buf.String()
	if err != nil {
		return output, &CommandError{Tool: tool, Args: args, Output: output, Err: err}
	}
	return output, nil
}

// PreflightError reports a missing tool or unsupported host environment.
// It is fatal and raised before any prompt or resource-mutating call.
type PreflightError struct {
	Reason string
}

func (e *PreflightError) Error() string {
	return "preflight check failed: " + e.Reason
}

// Preflight verifies that every named tool is on PATH.
func Preflight(tools ...string) error {
	var missing []string
	for _, tool := range tools {
		if _, err := exec.LookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}
	if len(missing) > 0 {
		return &PreflightError{Reason: "required tools not found: " + strings.Join(missing, ", ")}
	}
	return nil
}
