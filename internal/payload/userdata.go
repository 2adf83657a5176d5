// Package payload delivers guest parameters and the bootstrap entry point
// to a stopped instance. Three channels exist: a cloud-init snippet, a
// NoCloud seed ISO, and direct image mutation. Exactly one is used per
// run, selected by host configuration.
package payload

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/phevbox/phevbox/internal/config"
)

// GuestParamsPath is where the guest bootstrap expects its parameters.
const GuestParamsPath = "/etc/phevbox/guest.yaml"

// setupBinaryPath is where the first boot installs the setup binary.
const setupBinaryPath = "/usr/local/sbin/phevbox-setup"

// userData is the cloud-config document delivered to the guest.
type userData struct {
	Hostname        string      `yaml:"hostname"`
	SSHPasswordAuth bool        `yaml:"ssh_pwauth"`
	SSHKeys         []string    `yaml:"ssh_authorized_keys,omitempty"`
	Chpasswd        *chpasswd   `yaml:"chpasswd,omitempty"`
	WriteFiles      []writeFile `yaml:"write_files"`
	RunCmd          []string    `yaml:"runcmd"`
}

type chpasswd struct {
	Expire bool   `yaml:"expire"`
	List   string `yaml:"list"`
}

type writeFile struct {
	Path        string `yaml:"path"`
	Permissions string `yaml:"permissions"`
	Content     string `yaml:"content"`
}

// MarshalGuestParams renders the parameters file the guest bootstrap
// reads. The passphrase travels in it, which is why every channel writes
// it mode 0600.
func MarshalGuestParams(g *config.GuestParams) (string, error) {
	out, err := yaml.Marshal(g)
	if err != nil {
		return "", fmt.Errorf("failed to marshal guest parameters: %w", err)
	}
	return string(out), nil
}

// BuildUserData renders the #cloud-config document for one instance. The
// document writes the guest parameters file and fetches and runs the
// setup binary on first boot.
func BuildUserData(spec *config.InstanceSpec, setupURL string) (string, error) {
	params, err := MarshalGuestParams(&spec.Guest)
	if err != nil {
		return "", err
	}

	doc := userData{
		Hostname:        spec.Name(),
		SSHPasswordAuth: false,
		WriteFiles: []writeFile{
			{Path: GuestParamsPath, Permissions: "0600", Content: params},
		},
		RunCmd: []string{
			fmt.Sprintf("curl -fsSL %s -o %s", setupURL, setupBinaryPath),
			fmt.Sprintf("chmod 0755 %s", setupBinaryPath),
			fmt.Sprintf("%s run", setupBinaryPath),
		},
	}
	if spec.Guest.SSHAuthorizedKey != "" {
		doc.SSHKeys = []string{spec.Guest.SSHAuthorizedKey}
	}
	if spec.Guest.RootPasswordHash != "" {
		doc.Chpasswd = &chpasswd{
			Expire: false,
			List:   "root:" + spec.Guest.RootPasswordHash,
		}
	}

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal user-data: %w", err)
	}
	return "#cloud-config\n" + string(out), nil
}

// BuildMetaData renders the NoCloud meta-data document. The instance-id
// tracks the instance name so a recreated instance re-runs cloud-init.
func BuildMetaData(spec *config.InstanceSpec) (string, error) {
	doc := struct {
		InstanceID    string `yaml:"instance-id"`
		LocalHostname string `yaml:"local-hostname"`
	}{
		InstanceID:    spec.Name(),
		LocalHostname: spec.Name(),
	}

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal meta-data: %w", err)
	}
	return string(out), nil
}
