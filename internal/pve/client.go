package pve

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/phevbox/phevbox/internal/config"
)

// UnknownAddress is returned by WaitForGuestIP when the guest never
// reports an address within the poll window. The run still succeeds; the
// operator is told to find the address themselves.
const UnknownAddress = "unknown"

// Client exposes the control-plane operations the pipeline needs as typed
// calls. Every method is one atomic external invocation.
type Client struct {
	runner Runner
}

// NewClient returns a client backed by subprocess execution.
func NewClient() *Client {
	return &Client{runner: execRunner{}}
}

// NewClientWithRunner returns a client with an injected runner. Used by
// tests and by any caller that needs to intercept invocations.
func NewClientWithRunner(r Runner) *Client {
	return &Client{runner: r}
}

// NextID asks the cluster for the next unused instance identifier.
func (c *Client) NextID(ctx context.Context) (int, error) {
	out, err := c.runner.Run(ctx, "pvesh", "get", "/cluster/nextid")
	if err != nil {
		return 0, err
	}
	id, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("unexpected nextid output %q: %w", strings.TrimSpace(out), err)
	}
	return id, nil
}

// Exists reports whether an instance with the given identifier is already
// configured. This is a point-in-time check; a race between check and
// create is possible and surfaces later as a create failure.
func (c *Client) Exists(ctx context.Context, vmid int) (bool, error) {
	out, err := c.runner.Run(ctx, "qm", "status", strconv.Itoa(vmid))
	if err == nil {
		return true, nil
	}
	if strings.Contains(out, "does not exist") {
		return false, nil
	}
	return false, err
}

// Create creates the instance shell with CPU, memory, network, and boot
// firmware parameters. No disk is attached yet.
func (c *Client) Create(ctx context.Context, spec *config.InstanceSpec) error {
	net0 := fmt.Sprintf("virtio=%s,bridge=%s", spec.Network.MACAddress, spec.Network.Bridge)
	if spec.Network.VLANTag != 0 {
		net0 += fmt.Sprintf(",tag=%d", spec.Network.VLANTag)
	}
	if spec.Network.MTU != 0 {
		net0 += fmt.Sprintf(",mtu=%d", spec.Network.MTU)
	}

	args := []string{
		"create", strconv.Itoa(spec.VMID),
		"--name", spec.Name(),
		"--cores", strconv.Itoa(spec.Cores),
		"--memory", strconv.Itoa(spec.MemoryMiB),
		"--net0", net0,
		"--ostype", "l26",
		"--scsihw", "virtio-scsi-pci",
		"--serial0", "socket",
		"--agent", "enabled=1",
	}
	if spec.Firmware == config.FirmwareOVMF {
		args = append(args, "--bios", "ovmf")
	}
	if spec.Machine == config.MachineQ35 {
		args = append(args, "--machine", "q35")
	}

	_, err := c.runner.Run(ctx, "qm", args...)
	return err
}

// ImportDisk imports the base image into the pool as the instance's boot
// disk and returns the allocated volume reference captured from the
// tool's output (the one place structured capture is unavoidable).
func (c *Client) ImportDisk(ctx context.Context, vmid int, imagePath, pool, format string) (string, error) {
	out, err := c.runner.Run(ctx, "qm", "importdisk", strconv.Itoa(vmid), imagePath, pool, "--format", format)
	if err != nil {
		return "", err
	}

	volID := parseImportedVolume(out)
	if volID == "" {
		return "", fmt.Errorf("disk import succeeded but no volume reference found in output: %q", strings.TrimSpace(out))
	}
	return volID, nil
}

// parseImportedVolume extracts the volume id from importdisk output, e.g.
//
//	Successfully imported disk as 'unused0:local-lvm:vm-101-disk-0'
func parseImportedVolume(out string) string {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.Contains(line, "imported disk as") {
			continue
		}
		start := strings.Index(line, "'")
		end := strings.LastIndex(line, "'")
		if start < 0 || end <= start {
			continue
		}
		ref := line[start+1 : end]
		// strip the "unusedN:" slot prefix
		if idx := strings.Index(ref, ":"); idx >= 0 && strings.HasPrefix(ref, "unused") {
			ref = ref[idx+1:]
		}
		return ref
	}
	return ""
}

// AttachBootDisk attaches an imported volume as scsi0 and makes it the
// boot device.
func (c *Client) AttachBootDisk(ctx context.Context, vmid int, volID string) error {
	if _, err := c.runner.Run(ctx, "qm", "set", strconv.Itoa(vmid), "--scsi0", volID); err != nil {
		return err
	}
	_, err := c.runner.Run(ctx, "qm", "set", strconv.Itoa(vmid), "--boot", "order=scsi0")
	return err
}

// ResizeDisk grows the boot disk to the requested size.
func (c *Client) ResizeDisk(ctx context.Context, vmid, sizeGiB int) error {
	_, err := c.runner.Run(ctx, "qm", "resize", strconv.Itoa(vmid), "scsi0", fmt.Sprintf("%dG", sizeGiB))
	return err
}

// AttachUSB passes the physical adapter through to the instance by
// vendor:product pair.
func (c *Client) AttachUSB(ctx context.Context, vmid int, vendorProduct string) error {
	_, err := c.runner.Run(ctx, "qm", "set", strconv.Itoa(vmid), "--usb0", "host="+vendorProduct)
	return err
}

// SetCICustom points the instance's boot configuration at a snippet
// script (first-boot payload channel a).
func (c *Client) SetCICustom(ctx context.Context, vmid int, storage, snippetName string) error {
	ref := fmt.Sprintf("user=%s:snippets/%s", storage, snippetName)
	if _, err := c.runner.Run(ctx, "qm", "set", strconv.Itoa(vmid), "--cicustom", ref); err != nil {
		return err
	}
	_, err := c.runner.Run(ctx, "qm", "set", strconv.Itoa(vmid), "--ide2", "local:cloudinit")
	return err
}

// AttachSeedISO attaches an uploaded NoCloud seed image as a cdrom.
func (c *Client) AttachSeedISO(ctx context.Context, vmid int, storage, isoName string) error {
	ref := fmt.Sprintf("%s:iso/%s,media=cdrom", storage, isoName)
	_, err := c.runner.Run(ctx, "qm", "set", strconv.Itoa(vmid), "--ide2", ref)
	return err
}

// Start boots the instance.
func (c *Client) Start(ctx context.Context, vmid int) error {
	_, err := c.runner.Run(ctx, "qm", "start", strconv.Itoa(vmid))
	return err
}

// Destroy force-stops and purges the instance. The stop error is ignored:
// a never-started or already-stopped instance still has to be destroyed.
func (c *Client) Destroy(ctx context.Context, vmid int) error {
	_, _ = c.runner.Run(ctx, "qm", "stop", strconv.Itoa(vmid))
	_, err := c.runner.Run(ctx, "qm", "destroy", strconv.Itoa(vmid), "--purge")
	return err
}

// InstanceInfo is one row of the instance listing.
type InstanceInfo struct {
	VMID   int
	Name   string
	Status string
	MemMiB int
}

// List returns all configured instances on this node.
func (c *Client) List(ctx context.Context) ([]InstanceInfo, error) {
	out, err := c.runner.Run(ctx, "qm", "list")
	if err != nil {
		return nil, err
	}
	return parseInstanceList(out), nil
}

// parseInstanceList reads "qm list" rows:
//
//	VMID NAME       STATUS  MEM(MB) BOOTDISK(GB) PID
//	 101 phevbox-101 running    1024        16.00 1234
func parseInstanceList(out string) []InstanceInfo {
	var instances []InstanceInfo
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		vmid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue // header or malformed row
		}
		mem, _ := strconv.Atoi(fields[3])
		instances = append(instances, InstanceInfo{
			VMID:   vmid,
			Name:   fields[1],
			Status: fields[2],
			MemMiB: mem,
		})
	}
	return instances
}

// Pool is one storage pool reporting capacity for images.
type Pool struct {
	Name string
	Type string
}

// ImagePools returns the active pools able to host instance disks.
func (c *Client) ImagePools(ctx context.Context) ([]Pool, error) {
	out, err := c.runner.Run(ctx, "pvesm", "status", "--content", "images")
	if err != nil {
		return nil, err
	}
	return parsePoolStatus(out), nil
}

// parsePoolStatus reads "pvesm status" rows:
//
//	Name      Type   Status  Total     Used      Available  %
//	local-lvm lvmthin active 100000000 20000000  80000000   20.00%
func parsePoolStatus(out string) []Pool {
	var pools []Pool
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		if strings.EqualFold(fields[0], "name") {
			continue // header
		}
		if fields[2] != "active" {
			continue
		}
		pools = append(pools, Pool{Name: fields[0], Type: fields[1]})
	}
	return pools
}

// PoolType returns the storage technology of a named pool, or an error if
// the pool is not active.
func (c *Client) PoolType(ctx context.Context, name string) (string, error) {
	pools, err := c.ImagePools(ctx)
	if err != nil {
		return "", err
	}
	for _, p := range pools {
		if p.Name == name {
			return p.Type, nil
		}
	}
	return "", fmt.Errorf("pool %q is not active or cannot host images", name)
}

// guestInterface matches the agent's network-get-interfaces JSON. Only
// the fields needed for address discovery are declared.
type guestInterface struct {
	Name        string `json:"name"`
	IPAddresses []struct {
		Type    string `json:"ip-address-type"`
		Address string `json:"ip-address"`
	} `json:"ip-addresses"`
}

type guestInterfaces struct {
	Result []guestInterface `json:"result"`
}

// WaitForGuestIP polls the guest agent for a non-loopback IPv4 address,
// blocking up to timeout with the given re-check interval. Elapsing the
// window returns UnknownAddress and no error: a slow guest is not a
// provisioning failure.
func (c *Client) WaitForGuestIP(ctx context.Context, vmid int, timeout, interval time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		out, err := c.runner.Run(ctx, "qm", "guest", "cmd", strconv.Itoa(vmid), "network-get-interfaces")
		if err == nil {
			if addr := parseGuestAddress(out); addr != "" {
				return addr, nil
			}
		}

		if time.Now().After(deadline) {
			return UnknownAddress, nil
		}
		select {
		case <-ctx.Done():
			return UnknownAddress, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func parseGuestAddress(out string) string {
	// the agent wraps the array either bare or under "result"
	var wrapped guestInterfaces
	if err := json.Unmarshal([]byte(out), &wrapped); err != nil || len(wrapped.Result) == 0 {
		var bare []guestInterface
		if err := json.Unmarshal([]byte(out), &bare); err != nil {
			return ""
		}
		wrapped.Result = bare
	}

	for _, iface := range wrapped.Result {
		if iface.Name == "lo" {
			continue
		}
		for _, addr := range iface.IPAddresses {
			if addr.Type == "ipv4" && addr.Address != "" && !strings.HasPrefix(addr.Address, "127.") {
				return addr.Address
			}
		}
	}
	return ""
}
