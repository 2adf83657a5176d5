// Package collect runs the interactive dialog that builds a complete
// instance specification. Bad entries re-prompt locally; only operator
// cancellation or a control-plane failure aborts the dialog. No resource
// exists until the returned specification reaches the allocator, so
// aborting here never requires cleanup.
package collect

import (
	"context"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/phevbox/phevbox/internal/catalog"
	"github.com/phevbox/phevbox/internal/config"
	"github.com/phevbox/phevbox/internal/prompt"
	"github.com/phevbox/phevbox/internal/pve"
	"github.com/phevbox/phevbox/internal/usb"
)

// controlPlane is the slice of the control-plane client the collector
// needs for point-in-time checks.
type controlPlane interface {
	NextID(ctx context.Context) (int, error)
	Exists(ctx context.Context, vmid int) (bool, error)
	ImagePools(ctx context.Context) ([]pve.Pool, error)
}

// deviceLister enumerates attached USB devices.
type deviceLister interface {
	Devices(ctx context.Context) ([]usb.Device, error)
}

// Collector gathers and validates all operator input for one instance.
type Collector struct {
	prompter prompt.Prompter
	cp       controlPlane
	devices  deviceLister
	host     *config.HostConfig
	log      logrus.FieldLogger

	// resolve maps a device identifier to a catalog entry. Swapped in
	// tests to avoid the network.
	resolve func(url, id string) catalog.Entry
}

// New returns a collector wired to the given dialog surface and host.
func New(p prompt.Prompter, cp *pve.Client, devices *usb.Enumerator, host *config.HostConfig, log logrus.FieldLogger) *Collector {
	return &Collector{
		prompter: p,
		cp:       cp,
		devices:  devices,
		host:     host,
		log:      log,
		resolve:  catalog.Resolve,
	}
}

// Collect runs the full dialog and returns a normalized, validated
// specification. prompt.ErrCanceled propagates unchanged.
func (c *Collector) Collect(ctx context.Context) (*config.InstanceSpec, error) {
	spec := &config.InstanceSpec{}

	vmid, err := c.collectVMID(ctx)
	if err != nil {
		return nil, err
	}
	spec.VMID = vmid

	pool, err := c.collectPool(ctx)
	if err != nil {
		return nil, err
	}
	spec.Pool = pool

	if err := c.collectSizing(spec); err != nil {
		return nil, err
	}
	if err := c.collectNetwork(&spec.Network); err != nil {
		return nil, err
	}
	if err := c.collectFirmware(spec); err != nil {
		return nil, err
	}

	device, err := c.collectDevice(ctx)
	if err != nil {
		return nil, err
	}
	spec.Device = device
	spec.Guest.DeviceID = device.ID()
	spec.Guest.Driver = device.Driver

	if err := c.collectGuest(&spec.Guest); err != nil {
		return nil, err
	}

	if err := spec.Normalize(); err != nil {
		return nil, err
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("collected specification failed validation: %w", err)
	}
	return spec, nil
}

// collectVMID prompts for an instance identifier, defaulting to the
// cluster's next free one. Taken identifiers re-prompt. The uniqueness
// check is point-in-time; a concurrent claim surfaces later as a create
// failure, which rolls back like any other allocation error.
func (c *Collector) collectVMID(ctx context.Context) (int, error) {
	def := ""
	if next, err := c.cp.NextID(ctx); err == nil {
		def = strconv.Itoa(next)
	} else {
		c.log.WithError(err).Warn("could not query next free instance id")
	}

	for {
		entry, err := c.prompter.Input("Instance ID", def)
		if err != nil {
			return 0, err
		}
		vmid, err := strconv.Atoi(entry)
		if err != nil || vmid <= 0 {
			c.reportInvalid(&config.ValidationError{Field: "vmid", Reason: fmt.Sprintf("must be a positive integer, got %q", entry)})
			continue
		}

		taken, err := c.cp.Exists(ctx, vmid)
		if err != nil {
			return 0, fmt.Errorf("failed to check instance id %d: %w", vmid, err)
		}
		if taken {
			c.reportInvalid(&config.ValidationError{Field: "vmid", Reason: fmt.Sprintf("id %d is already in use", vmid)})
			continue
		}
		return vmid, nil
	}
}

// collectPool offers the active image-capable pools. A single pool is
// selected automatically; none at all is fatal.
func (c *Collector) collectPool(ctx context.Context) (string, error) {
	pools, err := c.cp.ImagePools(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list storage pools: %w", err)
	}
	if len(pools) == 0 {
		return "", fmt.Errorf("no active storage pool can host instance disks")
	}
	if len(pools) == 1 {
		c.log.WithField("pool", pools[0].Name).Info("using the only image-capable storage pool")
		return pools[0].Name, nil
	}

	options := make([]string, len(pools))
	for i, p := range pools {
		options[i] = fmt.Sprintf("%s (%s)", p.Name, p.Type)
	}
	idx, err := c.prompter.Select("Storage pool for the boot disk", options)
	if err != nil {
		return "", err
	}
	return pools[idx].Name, nil
}

// collectSizing prompts for cores, memory, and disk. Memory below the
// recommended floor is allowed only after an explicit confirmation.
func (c *Collector) collectSizing(spec *config.InstanceSpec) error {
	cores, err := c.promptInt("CPU cores", config.DefaultCores, func(n int) error {
		if n < 1 {
			return &config.ValidationError{Field: "cores", Reason: fmt.Sprintf("must be >= 1, got %d", n)}
		}
		return nil
	})
	if err != nil {
		return err
	}
	spec.Cores = cores

	for {
		mem, err := c.promptInt("Memory (MiB)", config.DefaultMemoryMiB, func(n int) error {
			if n < config.MinMemoryMiB {
				return &config.ValidationError{Field: "memory", Reason: fmt.Sprintf("must be >= %d MiB, got %d", config.MinMemoryMiB, n)}
			}
			return nil
		})
		if err != nil {
			return err
		}
		if mem < config.DefaultMemoryMiB {
			ok, err := c.prompter.Confirm(fmt.Sprintf("%d MiB is below the recommended %d MiB. Continue anyway?", mem, config.DefaultMemoryMiB), false)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
		}
		spec.MemoryMiB = mem
		break
	}

	disk, err := c.promptInt("Disk size (GiB)", config.MinDiskGiB, func(n int) error {
		if n < config.MinDiskGiB {
			return &config.ValidationError{Field: "disk", Reason: fmt.Sprintf("must be >= %d GiB, got %d", config.MinDiskGiB, n)}
		}
		return nil
	})
	if err != nil {
		return err
	}
	spec.DiskGiB = disk
	return nil
}

// collectNetwork prompts for the bridge and optional VLAN, MTU, and MAC
// overrides. An empty MAC entry leaves generation to Normalize.
func (c *Collector) collectNetwork(n *config.NetworkConfig) error {
	bridge, err := c.prompter.Input("Network bridge", c.host.DefaultBridge)
	if err != nil {
		return err
	}
	n.Bridge = bridge

	vlan, err := c.promptOptionalInt("VLAN tag (empty for none)", func(v int) error {
		if v < 1 || v > 4094 {
			return &config.ValidationError{Field: "vlan_tag", Reason: fmt.Sprintf("must be 1-4094, got %d", v)}
		}
		return nil
	})
	if err != nil {
		return err
	}
	n.VLANTag = vlan

	mtu, err := c.promptOptionalInt("MTU (empty for bridge default)", func(v int) error {
		if v < 576 || v > 65520 {
			return &config.ValidationError{Field: "mtu", Reason: fmt.Sprintf("must be 576-65520, got %d", v)}
		}
		return nil
	})
	if err != nil {
		return err
	}
	n.MTU = mtu

	for {
		mac, err := c.prompter.Input("MAC address (empty to generate)", "")
		if err != nil {
			return err
		}
		if mac == "" {
			return nil
		}
		if err := config.ValidateMAC(mac); err != nil {
			c.reportInvalid(err)
			continue
		}
		n.MACAddress = mac
		return nil
	}
}

func (c *Collector) collectFirmware(spec *config.InstanceSpec) error {
	idx, err := c.prompter.Select("Boot firmware", []string{
		config.FirmwareSeaBIOS + " (default)",
		config.FirmwareOVMF,
	})
	if err != nil {
		return err
	}
	spec.Firmware = [...]string{config.FirmwareSeaBIOS, config.FirmwareOVMF}[idx]

	idx, err = c.prompter.Select("Machine type", []string{
		config.MachineI440FX + " (default)",
		config.MachineQ35,
	})
	if err != nil {
		return err
	}
	spec.Machine = [...]string{config.MachineI440FX, config.MachineQ35}[idx]
	return nil
}

// collectDevice enumerates every attached USB device, lets the operator
// pick one, and resolves its driver against the adapter catalog. An
// unknown driver needs an explicit confirmation; declining aborts the
// run before anything is created.
func (c *Collector) collectDevice(ctx context.Context) (config.DeviceDescriptor, error) {
	devices, err := c.devices.Devices(ctx)
	if err != nil {
		return config.DeviceDescriptor{}, fmt.Errorf("failed to enumerate USB devices: %w", err)
	}
	if len(devices) == 0 {
		return config.DeviceDescriptor{}, fmt.Errorf("no USB devices attached to the host")
	}

	options := make([]string, len(devices))
	for i, d := range devices {
		options[i] = d.Label()
	}

	idx, err := c.prompter.Select("USB adapter to pass through", options)
	if err != nil {
		return config.DeviceDescriptor{}, err
	}
	dev := devices[idx]

	entry := c.resolve(c.host.CatalogURL, dev.ID())
	if entry.IsUnknown() {
		c.log.WithField("device", dev.ID()).Warn("no catalog entry for selected adapter")
		ok, err := c.prompter.Confirm(
			fmt.Sprintf("No driver is known for %s. The guest will need manual driver setup. Use it anyway?", dev.ID()), false)
		if err != nil {
			return config.DeviceDescriptor{}, err
		}
		if !ok {
			return config.DeviceDescriptor{}, prompt.ErrCanceled
		}
	}

	return config.DeviceDescriptor{
		Bus:       dev.Bus,
		Device:    dev.Device,
		VendorID:  dev.VendorID,
		ProductID: dev.ProductID,
		Driver:    entry.Driver,
		Notes:     entry.Notes,
	}, nil
}

// collectGuest prompts for everything the guest bootstrap needs. The
// WiFi passphrase is never echoed.
func (c *Collector) collectGuest(g *config.GuestParams) error {
	for {
		ssid, err := c.prompter.Input("WiFi SSID of the vehicle access point", "")
		if err != nil {
			return err
		}
		if ssid == "" {
			c.reportInvalid(&config.ValidationError{Field: "wifi_ssid", Reason: "SSID is required"})
			continue
		}
		g.WifiSSID = ssid
		break
	}

	psk, err := c.prompter.Masked("WiFi passphrase")
	if err != nil {
		return err
	}
	g.WifiPSK = psk

	for {
		server, err := c.prompter.Input("MQTT server address", "")
		if err != nil {
			return err
		}
		if server == "" {
			c.reportInvalid(&config.ValidationError{Field: "mqtt_server", Reason: "MQTT server is required"})
			continue
		}
		g.MQTTServer = server
		break
	}

	port, err := c.promptInt("MQTT port", 1883, func(n int) error {
		if n < 1 || n > 65535 {
			return &config.ValidationError{Field: "mqtt_port", Reason: fmt.Sprintf("must be 1-65535, got %d", n)}
		}
		return nil
	})
	if err != nil {
		return err
	}
	g.MQTTPort = port

	vin, err := c.prompter.Input("Vehicle VIN (empty to auto-detect)", "")
	if err != nil {
		return err
	}
	g.VIN = vin

	for {
		key, err := c.prompter.Input("SSH public key for root (empty to skip)", "")
		if err != nil {
			return err
		}
		g.SSHAuthorizedKey = key
		if verr := g.Validate(); key != "" && verr != nil {
			c.reportInvalid(verr)
			g.SSHAuthorizedKey = ""
			continue
		}
		break
	}

	for {
		hash, err := c.prompter.Input("Root password hash (crypt format, empty to skip)", "")
		if err != nil {
			return err
		}
		g.RootPasswordHash = hash
		if verr := g.Validate(); hash != "" && verr != nil {
			c.reportInvalid(verr)
			g.RootPasswordHash = ""
			continue
		}
		break
	}
	return nil
}

// promptInt loops until the operator supplies an integer accepted by
// check.
func (c *Collector) promptInt(label string, def int, check func(int) error) (int, error) {
	for {
		entry, err := c.prompter.Input(label, strconv.Itoa(def))
		if err != nil {
			return 0, err
		}
		n, err := strconv.Atoi(entry)
		if err != nil {
			c.reportInvalid(&config.ValidationError{Field: label, Reason: fmt.Sprintf("not a number: %q", entry)})
			continue
		}
		if err := check(n); err != nil {
			c.reportInvalid(err)
			continue
		}
		return n, nil
	}
}

// promptOptionalInt is promptInt with an empty entry meaning "unset",
// returned as zero.
func (c *Collector) promptOptionalInt(label string, check func(int) error) (int, error) {
	for {
		entry, err := c.prompter.Input(label, "")
		if err != nil {
			return 0, err
		}
		if entry == "" {
			return 0, nil
		}
		n, err := strconv.Atoi(entry)
		if err != nil {
			c.reportInvalid(&config.ValidationError{Field: label, Reason: fmt.Sprintf("not a number: %q", entry)})
			continue
		}
		if err := check(n); err != nil {
			c.reportInvalid(err)
			continue
		}
		return n, nil
	}
}

// reportInvalid tells the operator why the last entry was rejected. The
// message error is deliberately ignored; the next prompt surfaces any
// stream problem.
func (c *Collector) reportInvalid(err error) {
	_ = c.prompter.Message(err.Error())
}
