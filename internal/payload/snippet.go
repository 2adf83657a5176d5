package payload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/phevbox/phevbox/internal/config"
)

// ciPlane is the control-plane slice the snippet channel needs.
type ciPlane interface {
	SetCICustom(ctx context.Context, vmid int, storage, snippetName string) error
}

// SnippetInjector writes the user-data document into a pool-visible
// snippet directory and points the instance's cloud-init drive at it.
type SnippetInjector struct {
	cp       ciPlane
	storage  string
	dir      string
	setupURL string
	log      logrus.FieldLogger
}

// NewSnippetInjector returns the snippet-channel injector.
func NewSnippetInjector(cp ciPlane, host *config.HostConfig, log logrus.FieldLogger) *SnippetInjector {
	return &SnippetInjector{
		cp:       cp,
		storage:  host.SnippetStorage,
		dir:      host.SnippetDir,
		setupURL: host.SetupURL,
		log:      log,
	}
}

// Inject implements the payload channel. The snippet name carries a
// random component so recreating an instance id never reuses a stale
// document.
func (s *SnippetInjector) Inject(ctx context.Context, spec *config.InstanceSpec) error {
	doc, err := BuildUserData(spec, s.setupURL)
	if err != nil {
		return err
	}

	name := fmt.Sprintf("phevbox-%d-%s.yaml", spec.VMID, uuid.NewString()[:8])
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		return fmt.Errorf("failed to write snippet %s: %w", path, err)
	}
	s.log.WithField("snippet", path).Info("wrote first-boot snippet")

	if err := s.cp.SetCICustom(ctx, spec.VMID, s.storage, name); err != nil {
		// the snippet is orphaned on failure; leave it for inspection
		return fmt.Errorf("failed to attach snippet to instance %d: %w", spec.VMID, err)
	}
	return nil
}
