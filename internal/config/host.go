package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Payload channel names. Exactly one channel is used per run.
const (
	ChannelSnippet     = "snippet"
	ChannelSeedISO     = "seed-iso"
	ChannelImageMutate = "image-mutate"
)

// DefaultHostConfigPath is where the orchestrator looks for host settings
// when --config is not given.
const DefaultHostConfigPath = "/etc/phevbox/config.yaml"

// HostConfig carries host-side settings that do not vary per instance.
type HostConfig struct {
	// CatalogURL is the adapter catalog location. Fetch failure degrades
	// lookups to the unknown driver; it never aborts the run.
	CatalogURL string `yaml:"catalog_url"`

	// DefaultBridge is offered as the default during network collection.
	DefaultBridge string `yaml:"default_bridge"`

	// PayloadChannel selects the first-boot payload delivery strategy:
	// "snippet", "seed-iso", or "image-mutate".
	PayloadChannel string `yaml:"payload_channel"`

	// SnippetStorage and SnippetDir locate the pool-visible snippet store
	// used by the snippet channel.
	SnippetStorage string `yaml:"snippet_storage"`
	SnippetDir     string `yaml:"snippet_dir"`

	// ISOStorage and ISODir locate the ISO store used by the seed-iso
	// channel.
	ISOStorage string `yaml:"iso_storage"`
	ISODir     string `yaml:"iso_dir"`

	// BaseImage is the cloud image imported as the boot disk.
	BaseImage string `yaml:"base_image"`

	// SetupURL is where the first-boot payload fetches the guest setup
	// binary from.
	SetupURL string `yaml:"setup_url"`
}

// DefaultHostConfig returns the settings used when no config file exists.
func DefaultHostConfig() *HostConfig {
	return &HostConfig{
		CatalogURL:     "https://raw.githubusercontent.com/phevbox/adapters/main/adapters.txt",
		DefaultBridge:  "vmbr0",
		PayloadChannel: ChannelSnippet,
		SnippetStorage: "local",
		SnippetDir:     "/var/lib/vz/snippets",
		ISOStorage:     "local",
		ISODir:         "/var/lib/vz/template/iso",
		BaseImage:      "/var/lib/vz/template/cache/debian-12-genericcloud-amd64.qcow2",
		SetupURL:       "https://github.com/phevbox/phevbox/releases/latest/download/phevbox-setup",
	}
}

// LoadHostConfig reads host settings from path. A missing file yields the
// defaults; a malformed file is an error.
func LoadHostConfig(path string) (*HostConfig, error) {
	cfg := DefaultHostConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read host config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse host config %s: %w", path, err)
	}

	switch cfg.PayloadChannel {
	case ChannelSnippet, ChannelSeedISO, ChannelImageMutate:
	default:
		return nil, fmt.Errorf("invalid payload_channel %q (want %q, %q, or %q)",
			cfg.PayloadChannel, ChannelSnippet, ChannelSeedISO, ChannelImageMutate)
	}

	return cfg, nil
}
