package bootstrap

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// StepFailure halts the sequence. The failing step is not recorded, so
// the next run retries it after replaying the completed prefix as skips.
type StepFailure struct {
	Step string
	Err  error
}

func (e *StepFailure) Error() string {
	return fmt.Sprintf("setup step %q failed: %v", e.Step, e.Err)
}

func (e *StepFailure) Unwrap() error {
	return e.Err
}

// Step is one unit of guest setup. Run must be safe to retry after a
// partial failure; the ledger only tracks full completions.
type Step struct {
	ID    string
	Label string
	Run   func(ctx context.Context) error
}

// Engine executes steps in order against the ledger.
type Engine struct {
	ledger *Ledger
	steps  []Step
	log    logrus.FieldLogger
}

// NewEngine returns an engine over the given ordered steps.
func NewEngine(ledger *Ledger, steps []Step, log logrus.FieldLogger) *Engine {
	return &Engine{ledger: ledger, steps: steps, log: log}
}

// Run executes every unrecorded step in order. Completed steps are
// skipped with a notice. The ledger is consulted fresh before each step.
func (e *Engine) Run(ctx context.Context) error {
	for _, step := range e.steps {
		done, err := e.ledger.Completed()
		if err != nil {
			return err
		}
		if done[step.ID] {
			e.log.WithField("step", step.ID).Info("already completed, skipping")
			continue
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		e.log.WithField("step", step.ID).Info(step.Label)
		if err := step.Run(ctx); err != nil {
			return &StepFailure{Step: step.ID, Err: err}
		}
		if err := e.ledger.Record(step.ID); err != nil {
			return err
		}
		e.log.WithField("step", step.ID).Info("completed")
	}
	return nil
}

// StepStatus is one row of the status report.
type StepStatus struct {
	ID    string
	Label string
	Done  bool
}

// Status reports each step's completion state in sequence order.
func (e *Engine) Status() ([]StepStatus, error) {
	done, err := e.ledger.Completed()
	if err != nil {
		return nil, err
	}

	statuses := make([]StepStatus, len(e.steps))
	for i, step := range e.steps {
		statuses[i] = StepStatus{ID: step.ID, Label: step.Label, Done: done[step.ID]}
	}
	return statuses, nil
}
