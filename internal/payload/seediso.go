package payload

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kdomanski/iso9660"
	"github.com/sirupsen/logrus"

	"github.com/phevbox/phevbox/internal/config"
)

// isoPlane is the control-plane slice the seed-iso channel needs.
type isoPlane interface {
	AttachSeedISO(ctx context.Context, vmid int, storage, isoName string) error
}

// SeedISOInjector builds a NoCloud seed image and attaches it as a cdrom.
// Used where the pool configuration does not allow snippets.
type SeedISOInjector struct {
	cp       isoPlane
	storage  string
	dir      string
	setupURL string
	log      logrus.FieldLogger
}

// NewSeedISOInjector returns the seed-iso-channel injector.
func NewSeedISOInjector(cp isoPlane, host *config.HostConfig, log logrus.FieldLogger) *SeedISOInjector {
	return &SeedISOInjector{
		cp:       cp,
		storage:  host.ISOStorage,
		dir:      host.ISODir,
		setupURL: host.SetupURL,
		log:      log,
	}
}

// Inject implements the payload channel.
func (s *SeedISOInjector) Inject(ctx context.Context, spec *config.InstanceSpec) error {
	image, err := BuildSeedISO(spec, s.setupURL)
	if err != nil {
		return err
	}

	name := fmt.Sprintf("phevbox-%d-seed.iso", spec.VMID)
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, image, 0o600); err != nil {
		return fmt.Errorf("failed to write seed image %s: %w", path, err)
	}
	s.log.WithField("iso", path).Info("wrote first-boot seed image")

	if err := s.cp.AttachSeedISO(ctx, spec.VMID, s.storage, name); err != nil {
		return fmt.Errorf("failed to attach seed image to instance %d: %w", spec.VMID, err)
	}
	return nil
}

// BuildSeedISO renders the NoCloud image containing user-data and
// meta-data. The volume label must be CIDATA, uppercase, or the guest's
// cloud-init will not find the datasource.
func BuildSeedISO(spec *config.InstanceSpec, setupURL string) ([]byte, error) {
	user, err := BuildUserData(spec, setupURL)
	if err != nil {
		return nil, err
	}
	meta, err := BuildMetaData(spec)
	if err != nil {
		return nil, err
	}

	writer, err := iso9660.NewWriter()
	if err != nil {
		return nil, fmt.Errorf("failed to create ISO writer: %w", err)
	}
	defer func() { _ = writer.Cleanup() }()

	if err := writer.AddFile(bytes.NewReader([]byte(user)), "user-data"); err != nil {
		return nil, fmt.Errorf("failed to add user-data: %w", err)
	}
	if err := writer.AddFile(bytes.NewReader([]byte(meta)), "meta-data"); err != nil {
		return nil, fmt.Errorf("failed to add meta-data: %w", err)
	}

	var buf bytes.Buffer
	if err := writer.WriteTo(&buf, "CIDATA"); err != nil {
		return nil, fmt.Errorf("failed to write ISO image: %w", err)
	}
	return buf.Bytes(), nil
}
