// Package guard ties the lifetime of a partially created instance to the
// lifetime of the run. Between Arm and Complete any abort, whether an
// allocation error or a delivered signal, destroys the instance exactly
// once. Destruction is best effort: a failed teardown is logged and
// swallowed so the original error stays visible.
package guard

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/phevbox/phevbox/internal/pve"
)

// destroyTimeout bounds the teardown issued on abort. Signal handling
// cannot inherit the run's context, so the guard carries its own limit.
const destroyTimeout = 2 * time.Minute

type destroyer interface {
	Destroy(ctx context.Context, vmid int) error
}

// Guard protects at most one instance per run.
type Guard struct {
	cp  destroyer
	log logrus.FieldLogger

	// exit is swapped in tests; signal-triggered teardown terminates
	// the process after destroying.
	exit func(code int)

	mu       sync.Mutex
	vmid     int
	armed    bool
	resolved bool

	sigCh chan os.Signal
}

// New returns an unarmed guard.
func New(cp *pve.Client, log logrus.FieldLogger) *Guard {
	return &Guard{cp: cp, log: log, exit: os.Exit}
}

// Arm registers the instance about to be created and starts watching for
// SIGINT and SIGTERM. A guard protects one instance; arming twice is a
// programming error and panics.
func (g *Guard) Arm(vmid int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.armed {
		panic("guard: already armed")
	}
	g.armed = true
	g.resolved = false
	g.vmid = vmid

	g.sigCh = make(chan os.Signal, 1)
	signal.Notify(g.sigCh, syscall.SIGINT, syscall.SIGTERM)
	go g.watch(g.sigCh)
}

func (g *Guard) watch(ch chan os.Signal) {
	sig, ok := <-ch
	if !ok {
		return
	}
	g.mu.Lock()
	done := g.resolved
	g.mu.Unlock()
	if done {
		// a signal buffered just before Complete closed the channel is
		// not an abort; the run already finished
		return
	}
	g.log.WithField("signal", sig.String()).Warn("interrupted, destroying partial instance")

	ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
	defer cancel()
	g.destroyOnce(ctx)
	g.exit(1)
}

// Complete marks the run successful. The instance survives; no later
// Release or signal will touch it.
func (g *Guard) Complete() {
	g.mu.Lock()
	g.resolved = true
	g.disarmLocked()
	g.mu.Unlock()
}

// Release destroys the protected instance unless Complete was called
// first. Safe to defer unconditionally and safe to call more than once;
// only the first unresolved call destroys.
func (g *Guard) Release(ctx context.Context) {
	g.destroyOnce(ctx)
}

func (g *Guard) destroyOnce(ctx context.Context) {
	g.mu.Lock()
	if !g.armed || g.resolved {
		g.mu.Unlock()
		return
	}
	g.resolved = true
	vmid := g.vmid
	g.disarmLocked()
	g.mu.Unlock()

	g.log.WithField("vmid", vmid).Info("rolling back partially created instance")
	if err := g.cp.Destroy(ctx, vmid); err != nil {
		g.log.WithField("vmid", vmid).WithError(err).
			Warn("rollback destroy failed, instance may need manual cleanup")
	}
}

func (g *Guard) disarmLocked() {
	if g.sigCh != nil {
		signal.Stop(g.sigCh)
		close(g.sigCh)
		g.sigCh = nil
	}
}
