// Package allocate drives the instance through its creation phases. Each
// phase transition is exactly one control-plane mutation; a failure stops
// the machine where it stands and reports which operation failed, leaving
// teardown to the lifecycle guard.
package allocate

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/phevbox/phevbox/internal/config"
	"github.com/phevbox/phevbox/internal/pve"
)

// Phase is the allocator's position in the creation sequence. Phases only
// ever advance; there are no backward transitions.
type Phase int

const (
	PhaseUnallocated Phase = iota
	PhaseShellCreated
	PhaseDiskImported
	PhaseDiskConfigured
	PhasePassthroughAttached
	PhasePayloadInjected
	PhaseRunning
)

func (p Phase) String() string {
	switch p {
	case PhaseUnallocated:
		return "unallocated"
	case PhaseShellCreated:
		return "shell created"
	case PhaseDiskImported:
		return "disk imported"
	case PhaseDiskConfigured:
		return "disk configured"
	case PhasePassthroughAttached:
		return "passthrough attached"
	case PhasePayloadInjected:
		return "payload injected"
	case PhaseRunning:
		return "running"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// AllocationError reports which creation operation failed. Once raised,
// the run is over; the guard destroys whatever partial instance exists.
type AllocationError struct {
	Op  string
	Err error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("allocation failed during %s: %v", e.Op, e.Err)
}

func (e *AllocationError) Unwrap() error {
	return e.Err
}

// PayloadInjector delivers the first-boot payload to a stopped instance.
// Implementations live in the payload package, one per channel.
type PayloadInjector interface {
	Inject(ctx context.Context, spec *config.InstanceSpec) error
}

// controlPlane is the slice of the client the allocator mutates through.
type controlPlane interface {
	PoolType(ctx context.Context, name string) (string, error)
	Create(ctx context.Context, spec *config.InstanceSpec) error
	ImportDisk(ctx context.Context, vmid int, imagePath, pool, format string) (string, error)
	AttachBootDisk(ctx context.Context, vmid int, volID string) error
	ResizeDisk(ctx context.Context, vmid, sizeGiB int) error
	AttachUSB(ctx context.Context, vmid int, vendorProduct string) error
	Start(ctx context.Context, vmid int) error
}

// Allocator owns the phase machine for one instance.
type Allocator struct {
	cp        controlPlane
	payload   PayloadInjector
	baseImage string
	log       logrus.FieldLogger

	phase Phase
}

// New returns an allocator in the unallocated phase.
func New(cp *pve.Client, payload PayloadInjector, baseImage string, log logrus.FieldLogger) *Allocator {
	return &Allocator{
		cp:        cp,
		payload:   payload,
		baseImage: baseImage,
		log:       log,
		phase:     PhaseUnallocated,
	}
}

// Phase returns the machine's current position.
func (a *Allocator) Phase() Phase {
	return a.phase
}

func (a *Allocator) advance(to Phase) {
	a.phase = to
	a.log.WithField("phase", to.String()).Info("allocation advanced")
}

// Allocate runs the full creation sequence. On error the instance is
// left partially created in whatever phase was reached; callers must
// have armed the guard before calling.
func (a *Allocator) Allocate(ctx context.Context, spec *config.InstanceSpec) error {
	poolType, err := a.cp.PoolType(ctx, spec.Pool)
	if err != nil {
		return &AllocationError{Op: "storage probe", Err: err}
	}
	format := pve.FormatForPool(poolType)

	if err := a.cp.Create(ctx, spec); err != nil {
		return &AllocationError{Op: "shell create", Err: err}
	}
	a.advance(PhaseShellCreated)

	volID, err := a.cp.ImportDisk(ctx, spec.VMID, a.baseImage, spec.Pool, format)
	if err != nil {
		return &AllocationError{Op: "disk import", Err: err}
	}
	a.advance(PhaseDiskImported)

	if err := a.cp.AttachBootDisk(ctx, spec.VMID, volID); err != nil {
		return &AllocationError{Op: "disk configure", Err: err}
	}
	if err := a.cp.ResizeDisk(ctx, spec.VMID, spec.DiskGiB); err != nil {
		return &AllocationError{Op: "disk configure", Err: err}
	}
	a.advance(PhaseDiskConfigured)

	if err := a.cp.AttachUSB(ctx, spec.VMID, spec.Device.ID()); err != nil {
		return &AllocationError{Op: "passthrough attach", Err: err}
	}
	a.advance(PhasePassthroughAttached)

	if err := a.payload.Inject(ctx, spec); err != nil {
		return &AllocationError{Op: "payload inject", Err: err}
	}
	a.advance(PhasePayloadInjected)

	if err := a.cp.Start(ctx, spec.VMID); err != nil {
		return &AllocationError{Op: "start", Err: err}
	}
	a.advance(PhaseRunning)

	return nil
}
