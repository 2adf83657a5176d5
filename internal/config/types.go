// Package config defines the instance specification collected from the
// operator and the host-side configuration for the provisioning pipeline.
package config

import (
	"crypto/rand"
	"fmt"
	"net"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Sizing constraints for the instance specification.
const (
	MinMemoryMiB     = 512
	DefaultMemoryMiB = 1024
	MinDiskGiB       = 12
	DefaultCores     = 2
)

// Supported boot firmware modes.
const (
	FirmwareSeaBIOS = "seabios"
	FirmwareOVMF    = "ovmf"
)

// Supported machine chipset variants.
const (
	MachineI440FX = "i440fx"
	MachineQ35    = "q35"
)

// ValidationError reports bad operator input. The collector recovers from
// it locally by re-prompting; it never aborts the pipeline.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NetworkConfig describes the instance's network attachment.
type NetworkConfig struct {
	Bridge     string `yaml:"bridge"`
	VLANTag    int    `yaml:"vlan_tag,omitempty"`
	MTU        int    `yaml:"mtu,omitempty"`
	MACAddress string `yaml:"mac_address,omitempty"` // generated when empty
}

// DeviceDescriptor identifies the passthrough USB adapter and the driver
// resolved for it. Driver "unknown" is a valid terminal value and requires
// an explicit operator override during collection.
type DeviceDescriptor struct {
	Bus       int    `yaml:"bus"`
	Device    int    `yaml:"device"`
	VendorID  string `yaml:"vendor_id"`
	ProductID string `yaml:"product_id"`
	Driver    string `yaml:"driver"`
	Notes     string `yaml:"notes,omitempty"`
}

// ID returns the vendor:product identifier pair, e.g. "2357:0138".
func (d DeviceDescriptor) ID() string {
	return d.VendorID + ":" + d.ProductID
}

// InstanceSpec is the complete, validated specification for one instance.
// It is immutable once allocation begins: every stage receives it by
// pointer and nothing past the collector mutates it.
type InstanceSpec struct {
	VMID      int              `yaml:"vmid"`
	Pool      string           `yaml:"pool"`
	Cores     int              `yaml:"cores"`
	MemoryMiB int              `yaml:"memory_mib"`
	DiskGiB   int              `yaml:"disk_gib"`
	Network   NetworkConfig    `yaml:"network"`
	Firmware  string           `yaml:"firmware"`
	Machine   string           `yaml:"machine"`
	Device    DeviceDescriptor `yaml:"device"`
	Guest     GuestParams      `yaml:"guest"`
}

// Name returns the instance name used for the VM shell.
func (s *InstanceSpec) Name() string {
	return fmt.Sprintf("phevbox-%d", s.VMID)
}

// Validate checks the specification for structural errors. It does not
// consult the control plane; identifier uniqueness and pool capacity are
// point-in-time checks owned by the collector.
func (s *InstanceSpec) Validate() error {
	if s.VMID <= 0 {
		return &ValidationError{Field: "vmid", Reason: fmt.Sprintf("must be a positive integer, got %d", s.VMID)}
	}
	if s.Pool == "" {
		return &ValidationError{Field: "pool", Reason: "resource pool is required"}
	}
	if s.Cores < 1 {
		return &ValidationError{Field: "cores", Reason: fmt.Sprintf("must be >= 1, got %d", s.Cores)}
	}
	if s.MemoryMiB < MinMemoryMiB {
		return &ValidationError{Field: "memory", Reason: fmt.Sprintf("must be >= %d MiB, got %d", MinMemoryMiB, s.MemoryMiB)}
	}
	if s.DiskGiB < MinDiskGiB {
		return &ValidationError{Field: "disk", Reason: fmt.Sprintf("must be >= %d GiB, got %d", MinDiskGiB, s.DiskGiB)}
	}
	if err := s.Network.Validate(); err != nil {
		return err
	}
	switch s.Firmware {
	case FirmwareSeaBIOS, FirmwareOVMF:
	default:
		return &ValidationError{Field: "firmware", Reason: fmt.Sprintf("must be %q or %q, got %q", FirmwareSeaBIOS, FirmwareOVMF, s.Firmware)}
	}
	switch s.Machine {
	case MachineI440FX, MachineQ35:
	default:
		return &ValidationError{Field: "machine", Reason: fmt.Sprintf("must be %q or %q, got %q", MachineI440FX, MachineQ35, s.Machine)}
	}
	if s.Device.VendorID == "" || s.Device.ProductID == "" {
		return &ValidationError{Field: "device", Reason: "passthrough device is required"}
	}
	if err := s.Guest.Validate(); err != nil {
		return err
	}
	return nil
}

// Validate checks the network attachment.
func (n *NetworkConfig) Validate() error {
	if n.Bridge == "" {
		return &ValidationError{Field: "bridge", Reason: "bridge is required"}
	}
	if n.VLANTag != 0 && (n.VLANTag < 1 || n.VLANTag > 4094) {
		return &ValidationError{Field: "vlan_tag", Reason: fmt.Sprintf("must be 1-4094, got %d", n.VLANTag)}
	}
	if n.MTU != 0 && (n.MTU < 576 || n.MTU > 65520) {
		return &ValidationError{Field: "mtu", Reason: fmt.Sprintf("must be 576-65520, got %d", n.MTU)}
	}
	if n.MACAddress != "" {
		if err := ValidateMAC(n.MACAddress); err != nil {
			return err
		}
	}
	return nil
}

// Normalize fills defaults and generates a MAC address when none was
// supplied. Called once, before Validate, by the collector.
func (s *InstanceSpec) Normalize() error {
	if s.Cores == 0 {
		s.Cores = DefaultCores
	}
	if s.MemoryMiB == 0 {
		s.MemoryMiB = DefaultMemoryMiB
	}
	if s.Firmware == "" {
		s.Firmware = FirmwareSeaBIOS
	}
	if s.Machine == "" {
		s.Machine = MachineI440FX
	}
	if s.Network.MACAddress == "" {
		mac, err := GenerateMAC()
		if err != nil {
			return fmt.Errorf("failed to generate MAC address: %w", err)
		}
		s.Network.MACAddress = mac
	}
	s.Network.MACAddress = strings.ToLower(s.Network.MACAddress)
	s.Guest.normalize()
	return nil
}

// GenerateMAC returns a random locally-administered unicast MAC address.
// The be:ef prefix has the local-assignment bit set and keeps generated
// addresses recognizable in bridge FDB dumps.
func GenerateMAC() (string, error) {
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return "", err
	}
	return fmt.Sprintf("be:ef:%02x:%02x:%02x:%02x", suffix[0], suffix[1], suffix[2], suffix[3]), nil
}

// ValidateMAC checks that the address parses and is locally-administered
// unicast. Passthrough bridges refuse globally-unique OUIs, so reject them
// before allocation starts.
func ValidateMAC(mac string) error {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return &ValidationError{Field: "mac_address", Reason: fmt.Sprintf("unparseable address %q", mac)}
	}
	if len(hw) != 6 {
		return &ValidationError{Field: "mac_address", Reason: "must be a 48-bit address"}
	}
	if hw[0]&0x01 != 0 {
		return &ValidationError{Field: "mac_address", Reason: "multicast addresses are not usable"}
	}
	if hw[0]&0x02 == 0 {
		return &ValidationError{Field: "mac_address", Reason: "must be locally administered (bit 0x02 of the first octet)"}
	}
	return nil
}

// GuestParams is everything the guest bootstrap needs, delivered through
// the first-boot payload. Defaults mirror the appliance web UI settings.
type GuestParams struct {
	WifiSSID         string `yaml:"wifi_ssid"`
	WifiPSK          string `yaml:"wifi_psk"`
	DeviceID         string `yaml:"device_id,omitempty"`
	Driver           string `yaml:"driver"`
	MQTTServer       string `yaml:"mqtt_server"`
	MQTTPort         int    `yaml:"mqtt_port"`
	VIN              string `yaml:"phev_vin,omitempty"`
	RootPasswordHash string `yaml:"root_password_hash,omitempty"`
	SSHAuthorizedKey string `yaml:"ssh_authorized_key,omitempty"`
	JournalMaxSize   string `yaml:"journal_max_size"`
	LogrotateSize    string `yaml:"logrotate_size"`
	LogrotateRotate  int    `yaml:"logrotate_rotate"`
	LogRetentionDays int    `yaml:"log_retention_days"`
}

func (g *GuestParams) normalize() {
	if g.MQTTPort == 0 {
		g.MQTTPort = 1883
	}
	if g.JournalMaxSize == "" {
		g.JournalMaxSize = "200M"
	}
	if g.LogrotateSize == "" {
		g.LogrotateSize = "20M"
	}
	if g.LogrotateRotate == 0 {
		g.LogrotateRotate = 5
	}
	if g.LogRetentionDays == 0 {
		g.LogRetentionDays = 7
	}
}

// Validate checks guest parameters.
func (g *GuestParams) Validate() error {
	if g.WifiSSID == "" {
		return &ValidationError{Field: "wifi_ssid", Reason: "SSID is required"}
	}
	if g.MQTTServer == "" {
		return &ValidationError{Field: "mqtt_server", Reason: "MQTT server is required"}
	}
	if g.MQTTPort < 1 || g.MQTTPort > 65535 {
		return &ValidationError{Field: "mqtt_port", Reason: fmt.Sprintf("must be 1-65535, got %d", g.MQTTPort)}
	}
	if g.SSHAuthorizedKey != "" {
		if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(g.SSHAuthorizedKey)); err != nil {
			return &ValidationError{Field: "ssh_authorized_key", Reason: fmt.Sprintf("not a valid SSH public key: %v", err)}
		}
	}
	if g.RootPasswordHash != "" {
		if len(g.RootPasswordHash) < 10 || g.RootPasswordHash[0] != '$' {
			return &ValidationError{Field: "root_password_hash", Reason: "must be a crypt hash (starts with $)"}
		}
	}
	return nil
}
