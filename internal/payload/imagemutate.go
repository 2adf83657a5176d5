package payload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/phevbox/phevbox/internal/config"
	"github.com/phevbox/phevbox/internal/pve"
)

// runner executes one host command. Satisfied by pve.NewRunner().
type runner interface {
	Run(ctx context.Context, tool string, args ...string) (string, error)
}

// poolTyper resolves a pool's storage technology.
type poolTyper interface {
	PoolType(ctx context.Context, name string) (string, error)
}

// ImageMutateInjector edits the imported boot disk in place with
// virt-customize. Used where neither snippets nor an ISO store are
// available; requires libguestfs on the host.
type ImageMutateInjector struct {
	cp       poolTyper
	runner   runner
	setupURL string
	log      logrus.FieldLogger
}

// NewImageMutateInjector returns the image-mutate-channel injector.
func NewImageMutateInjector(cp poolTyper, r runner, host *config.HostConfig, log logrus.FieldLogger) *ImageMutateInjector {
	return &ImageMutateInjector{
		cp:       cp,
		runner:   r,
		setupURL: host.SetupURL,
		log:      log,
	}
}

// bootstrapScript is the first-boot hook virt-customize installs.
func bootstrapScript(setupURL string) string {
	return strings.Join([]string{
		"#!/bin/sh",
		"set -e",
		fmt.Sprintf("curl -fsSL %s -o %s", setupURL, setupBinaryPath),
		fmt.Sprintf("chmod 0755 %s", setupBinaryPath),
		fmt.Sprintf("%s run", setupBinaryPath),
		"",
	}, "\n")
}

// Inject implements the payload channel. The disk must already be
// imported; the allocator guarantees the ordering.
func (m *ImageMutateInjector) Inject(ctx context.Context, spec *config.InstanceSpec) error {
	poolType, err := m.cp.PoolType(ctx, spec.Pool)
	if err != nil {
		return fmt.Errorf("failed to resolve pool %q: %w", spec.Pool, err)
	}

	volID := spec.Pool + ":" + pve.DiskRef(poolType, spec.VMID)
	out, err := m.runner.Run(ctx, "pvesm", "path", volID)
	if err != nil {
		return fmt.Errorf("failed to resolve disk path for %s: %w", volID, err)
	}
	diskPath := strings.TrimSpace(out)

	params, err := MarshalGuestParams(&spec.Guest)
	if err != nil {
		return err
	}

	work, err := os.MkdirTemp("", "phevbox-payload-")
	if err != nil {
		return fmt.Errorf("failed to create payload workspace: %w", err)
	}
	defer func() { _ = os.RemoveAll(work) }()

	paramsFile := filepath.Join(work, "guest.yaml")
	if err := os.WriteFile(paramsFile, []byte(params), 0o600); err != nil {
		return fmt.Errorf("failed to stage guest parameters: %w", err)
	}
	scriptFile := filepath.Join(work, "firstboot.sh")
	if err := os.WriteFile(scriptFile, []byte(bootstrapScript(m.setupURL)), 0o700); err != nil {
		return fmt.Errorf("failed to stage first-boot script: %w", err)
	}

	args := []string{
		"-a", diskPath,
		"--hostname", spec.Name(),
		"--mkdir", "/etc/phevbox",
		"--upload", paramsFile + ":" + GuestParamsPath,
		"--chmod", "0600:" + GuestParamsPath,
		"--firstboot", scriptFile,
		"--truncate", "/etc/machine-id",
	}
	if spec.Guest.SSHAuthorizedKey != "" {
		args = append(args, "--ssh-inject", "root:string:"+spec.Guest.SSHAuthorizedKey)
	}
	if spec.Guest.RootPasswordHash != "" {
		// the other channels set this through cloud-init chpasswd; here
		// the hash goes straight into the shadow entry
		args = append(args, "--run-command", "usermod -p '"+spec.Guest.RootPasswordHash+"' root")
	}

	m.log.WithField("disk", diskPath).Info("mutating boot disk with first-boot payload")
	if _, err := m.runner.Run(ctx, "virt-customize", args...); err != nil {
		return fmt.Errorf("failed to mutate boot disk %s: %w", diskPath, err)
	}
	return nil
}
