package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/phevbox/phevbox/internal/config"
)

// runner executes one guest command.
type runner interface {
	Run(ctx context.Context, tool string, args ...string) (string, error)
}

// appRepo is the bridge application built inside the guest.
const appRepo = "https://github.com/buxtronix/phev2mqtt"

// buildDir is where the application source is checked out. Removed and
// re-cloned on every build so a half-finished checkout never poisons a
// retry.
const buildDir = "/opt/phev2mqtt"

// Steps returns the ordered setup sequence. root is the filesystem
// prefix for every file the steps write, "/" in production.
func Steps(p *config.GuestParams, r runner, root string, log logrus.FieldLogger) []Step {
	s := &stepper{params: p, runner: r, root: root, log: log}
	return []Step{
		{ID: "system-packages", Label: "installing system packages", Run: s.systemPackages},
		{ID: "ssh-access", Label: "configuring SSH access", Run: s.sshAccess},
		{ID: "device-enumeration", Label: "checking for the passthrough adapter", Run: s.deviceEnumeration},
		{ID: "driver-build", Label: "building the WiFi driver", Run: s.driverBuild},
		{ID: "compiler-toolchain", Label: "installing the compiler toolchain", Run: s.compilerToolchain},
		{ID: "application-build", Label: "building phev2mqtt", Run: s.applicationBuild},
		{ID: "application-deploy", Label: "deploying phev2mqtt", Run: s.applicationDeploy},
		{ID: "journald-limits", Label: "limiting journal growth", Run: s.journaldLimits},
		{ID: "logrotate", Label: "installing log rotation", Run: s.logrotate},
		{ID: "service-install", Label: "installing the service unit", Run: s.serviceInstall},
		{ID: "service-enable", Label: "enabling services", Run: s.serviceEnable},
		{ID: "finalize", Label: "finalizing", Run: s.finalize},
	}
}

type stepper struct {
	params *config.GuestParams
	runner runner
	root   string
	log    logrus.FieldLogger
}

// writeFile writes a config file under the stepper's root, creating
// parent directories as needed.
func (s *stepper) writeFile(rel string, content string, mode os.FileMode) error {
	path := filepath.Join(s.root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func (s *stepper) apt(ctx context.Context, packages ...string) error {
	args := append([]string{"install", "-y", "--no-install-recommends"}, packages...)
	_, err := s.runner.Run(ctx, "apt-get", args...)
	return err
}

func (s *stepper) systemPackages(ctx context.Context) error {
	if _, err := s.runner.Run(ctx, "apt-get", "update"); err != nil {
		return err
	}
	return s.apt(ctx, "build-essential", "dkms", "git", "curl", "usbutils", "wpasupplicant", "logrotate")
}

// sshAccess installs the operator's key and locks password logins to the
// console unless a root password hash was delivered.
func (s *stepper) sshAccess(ctx context.Context) error {
	if s.params.SSHAuthorizedKey != "" {
		if err := s.writeFile("root/.ssh/authorized_keys", s.params.SSHAuthorizedKey+"\n", 0o600); err != nil {
			return err
		}
	}

	permit := "prohibit-password"
	if s.params.RootPasswordHash != "" {
		permit = "yes"
	}
	conf := fmt.Sprintf("PermitRootLogin %s\nPasswordAuthentication %s\n",
		permit, map[bool]string{true: "yes", false: "no"}[s.params.RootPasswordHash != ""])
	if err := s.writeFile("etc/ssh/sshd_config.d/50-phevbox.conf", conf, 0o644); err != nil {
		return err
	}

	_, err := s.runner.Run(ctx, "systemctl", "reload-or-restart", "ssh")
	return err
}

// deviceEnumeration confirms the passed-through adapter is visible. A
// missing adapter halts setup rather than producing a bridge that can
// never associate.
func (s *stepper) deviceEnumeration(ctx context.Context) error {
	out, err := s.runner.Run(ctx, "lsusb")
	if err != nil {
		return err
	}
	if s.params.DeviceID == "" {
		s.log.Warn("no adapter identifier delivered, skipping presence check")
		return nil
	}
	if !strings.Contains(strings.ToLower(out), s.params.DeviceID) {
		return fmt.Errorf("adapter %s not visible in the guest", s.params.DeviceID)
	}
	return nil
}

// driverBuild installs the DKMS driver package resolved during
// collection. An unknown driver is not an error here: the operator
// explicitly accepted manual driver setup.
func (s *stepper) driverBuild(ctx context.Context) error {
	if s.params.Driver == "" || s.params.Driver == "unknown" {
		s.log.Warn("no known driver for the adapter, manual driver setup required")
		return nil
	}
	return s.apt(ctx, s.params.Driver)
}

func (s *stepper) compilerToolchain(ctx context.Context) error {
	return s.apt(ctx, "golang-go")
}

func (s *stepper) applicationBuild(ctx context.Context) error {
	checkout := filepath.Join(s.root, buildDir)
	if err := os.RemoveAll(checkout); err != nil {
		return fmt.Errorf("failed to remove stale checkout %s: %w", checkout, err)
	}
	if _, err := s.runner.Run(ctx, "git", "clone", "--depth", "1", appRepo, checkout); err != nil {
		return err
	}
	_, err := s.runner.Run(ctx, "go", "build", "-C", checkout, "-o", "phev2mqtt", ".")
	return err
}

func (s *stepper) applicationDeploy(ctx context.Context) error {
	src := filepath.Join(s.root, buildDir, "phev2mqtt")
	dst := filepath.Join(s.root, "usr/local/bin/phev2mqtt")
	if _, err := s.runner.Run(ctx, "install", "-m", "0755", src, dst); err != nil {
		return err
	}

	if err := s.writeFile("etc/phevbox/phev2mqtt.env", s.envFile(), 0o600); err != nil {
		return err
	}
	return s.writeFile("etc/wpa_supplicant/wpa_supplicant-wlan0.conf", s.wpaConfig(), 0o600)
}

func (s *stepper) envFile() string {
	var b strings.Builder
	fmt.Fprintf(&b, "MQTT_SERVER=tcp://%s:%d\n", s.params.MQTTServer, s.params.MQTTPort)
	if s.params.VIN != "" {
		fmt.Fprintf(&b, "PHEV_VIN=%s\n", s.params.VIN)
	}
	return b.String()
}

func (s *stepper) wpaConfig() string {
	return fmt.Sprintf(`ctrl_interface=/run/wpa_supplicant
network={
    ssid="%s"
    psk="%s"
    scan_ssid=1
}
`, s.params.WifiSSID, s.params.WifiPSK)
}

func (s *stepper) journaldLimits(ctx context.Context) error {
	conf := fmt.Sprintf("[Journal]\nSystemMaxUse=%s\nMaxRetentionSec=%dday\n",
		s.params.JournalMaxSize, s.params.LogRetentionDays)
	if err := s.writeFile("etc/systemd/journald.conf.d/phevbox.conf", conf, 0o644); err != nil {
		return err
	}
	_, err := s.runner.Run(ctx, "systemctl", "restart", "systemd-journald")
	return err
}

func (s *stepper) logrotate(ctx context.Context) error {
	conf := fmt.Sprintf(`/var/log/phev2mqtt/*.log {
    size %s
    rotate %d
    maxage %d
    compress
    missingok
    notifempty
    copytruncate
}
`, s.params.LogrotateSize, s.params.LogrotateRotate, s.params.LogRetentionDays)
	return s.writeFile("etc/logrotate.d/phevbox", conf, 0o644)
}

func (s *stepper) serviceInstall(ctx context.Context) error {
	unit := `[Unit]
Description=phev2mqtt vehicle bridge
After=network-online.target wpa_supplicant@wlan0.service
Wants=network-online.target

[Service]
EnvironmentFile=/etc/phevbox/phev2mqtt.env
ExecStart=/usr/local/bin/phev2mqtt client mqtt --mqtt_server ${MQTT_SERVER}
Restart=always
RestartSec=10

[Install]
WantedBy=multi-user.target
`
	return s.writeFile("etc/systemd/system/phev2mqtt.service", unit, 0o644)
}

func (s *stepper) serviceEnable(ctx context.Context) error {
	if _, err := s.runner.Run(ctx, "systemctl", "daemon-reload"); err != nil {
		return err
	}
	if _, err := s.runner.Run(ctx, "systemctl", "enable", "--now", "wpa_supplicant@wlan0"); err != nil {
		return err
	}
	_, err := s.runner.Run(ctx, "systemctl", "enable", "--now", "phev2mqtt")
	return err
}

func (s *stepper) finalize(ctx context.Context) error {
	marker := fmt.Sprintf("completed %s\n", time.Now().UTC().Format(time.RFC3339))
	if err := s.writeFile("etc/phevbox/setup-complete", marker, 0o644); err != nil {
		return err
	}
	s.log.Info("guest setup finished")
	return nil
}
