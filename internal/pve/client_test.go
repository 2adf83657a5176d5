package pve

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/phevbox/phevbox/internal/config"
)

// mockRunner is a mock implementation of the Runner interface for testing.
type mockRunner struct {
	mu sync.Mutex

	// Configurable behavior
	runFunc func(ctx context.Context, tool string, args ...string) (string, error)

	// Call tracking: "tool arg1 arg2 ..."
	calls []string
}

func newMockRunner() *mockRunner {
	return &mockRunner{
		runFunc: func(ctx context.Context, tool string, args ...string) (string, error) {
			return "", nil
		},
	}
}

func (m *mockRunner) Run(ctx context.Context, tool string, args ...string) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, tool+" "+strings.Join(args, " "))
	m.mu.Unlock()
	return m.runFunc(ctx, tool, args...)
}

func (m *mockRunner) lastCall() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return ""
	}
	return m.calls[len(m.calls)-1]
}

func TestNextID(t *testing.T) {
	r := newMockRunner()
	r.runFunc = func(ctx context.Context, tool string, args ...string) (string, error) {
		return "105\n", nil
	}
	c := NewClientWithRunner(r)

	id, err := c.NextID(context.Background())
	if err != nil {
		t.Fatalf("NextID failed: %v", err)
	}
	if id != 105 {
		t.Errorf("expected 105, got %d", id)
	}
	if r.lastCall() != "pvesh get /cluster/nextid" {
		t.Errorf("unexpected invocation: %q", r.lastCall())
	}
}

func TestExists(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		err     error
		want    bool
		wantErr bool
	}{
		{"configured instance", "status: stopped\n", nil, true, false},
		{"missing instance", "Configuration file 'nodes/pve/qemu-server/100.conf' does not exist\n", errors.New("exit status 2"), false, false},
		{"tool failure", "connection refused\n", errors.New("exit status 255"), false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newMockRunner()
			r.runFunc = func(ctx context.Context, tool string, args ...string) (string, error) {
				return tt.output, tt.err
			}
			c := NewClientWithRunner(r)

			got, err := c.Exists(context.Background(), 100)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Exists = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCreateArgs(t *testing.T) {
	r := newMockRunner()
	c := NewClientWithRunner(r)

	spec := &config.InstanceSpec{
		VMID:      101,
		Pool:      "local-lvm",
		Cores:     2,
		MemoryMiB: 1024,
		DiskGiB:   16,
		Network: config.NetworkConfig{
			Bridge:     "vmbr0",
			VLANTag:    30,
			MTU:        1400,
			MACAddress: "be:ef:aa:bb:cc:dd",
		},
		Firmware: config.FirmwareOVMF,
		Machine:  config.MachineQ35,
	}
	if err := c.Create(context.Background(), spec); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	call := r.lastCall()
	for _, want := range []string{
		"qm create 101",
		"--name phevbox-101",
		"--cores 2",
		"--memory 1024",
		"virtio=be:ef:aa:bb:cc:dd,bridge=vmbr0,tag=30,mtu=1400",
		"--bios ovmf",
		"--machine q35",
	} {
		if !strings.Contains(call, want) {
			t.Errorf("create invocation missing %q: %q", want, call)
		}
	}
}

func TestCreateOmitsOptionalFlags(t *testing.T) {
	r := newMockRunner()
	c := NewClientWithRunner(r)

	spec := &config.InstanceSpec{
		VMID:      101,
		Cores:     1,
		MemoryMiB: 512,
		Network:   config.NetworkConfig{Bridge: "vmbr0", MACAddress: "be:ef:00:00:00:01"},
		Firmware:  config.FirmwareSeaBIOS,
		Machine:   config.MachineI440FX,
	}
	if err := c.Create(context.Background(), spec); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	call := r.lastCall()
	if strings.Contains(call, "tag=") || strings.Contains(call, "mtu=") {
		t.Errorf("unexpected vlan/mtu flags: %q", call)
	}
	if strings.Contains(call, "--bios") || strings.Contains(call, "--machine") {
		t.Errorf("default firmware/machine should not emit flags: %q", call)
	}
}

func TestParseImportedVolume(t *testing.T) {
	tests := []struct {
		name string
		out  string
		want string
	}{
		{
			"lvm import",
			"importing disk...\ntransferred 16.0 GiB\nSuccessfully imported disk as 'unused0:local-lvm:vm-101-disk-0'\n",
			"local-lvm:vm-101-disk-0",
		},
		{
			"file pool import",
			"Successfully imported disk as 'unused0:tank:101/vm-101-disk-0.qcow2'",
			"tank:101/vm-101-disk-0.qcow2",
		},
		{"no marker", "transferred 16.0 GiB\n", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseImportedVolume(tt.out); got != tt.want {
				t.Errorf("parseImportedVolume = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestImportDiskFailsWithoutVolumeRef(t *testing.T) {
	r := newMockRunner()
	r.runFunc = func(ctx context.Context, tool string, args ...string) (string, error) {
		return "transferred 16.0 GiB\n", nil
	}
	c := NewClientWithRunner(r)

	if _, err := c.ImportDisk(context.Background(), 101, "/img.qcow2", "local-lvm", FormatRaw); err == nil {
		t.Fatal("expected error when no volume reference appears in output")
	}
}

func TestParseInstanceList(t *testing.T) {
	out := `      VMID NAME                 STATUS     MEM(MB)    BOOTDISK(GB) PID
       100 phevbox-100          running    1024              16.00 41503
       205 media                stopped    4096              80.00 0
`
	got := parseInstanceList(out)
	if len(got) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(got))
	}
	if got[0].VMID != 100 || got[0].Name != "phevbox-100" || got[0].Status != "running" || got[0].MemMiB != 1024 {
		t.Errorf("unexpected first row: %+v", got[0])
	}
	if got[1].VMID != 205 || got[1].Status != "stopped" {
		t.Errorf("unexpected second row: %+v", got[1])
	}
}

func TestParsePoolStatus(t *testing.T) {
	out := `Name             Type     Status           Total            Used       Available        %
local             dir     active        98497780        12582912        80871452   12.77%
local-lvm     lvmthin     active       832356352        41617817       790738534    5.00%
backup            nfs   inactive               0               0               0    0.00%
`
	got := parsePoolStatus(out)
	if len(got) != 2 {
		t.Fatalf("expected 2 active pools, got %d: %+v", len(got), got)
	}
	if got[0].Name != "local" || got[0].Type != "dir" {
		t.Errorf("unexpected first pool: %+v", got[0])
	}
	if got[1].Name != "local-lvm" || got[1].Type != "lvmthin" {
		t.Errorf("unexpected second pool: %+v", got[1])
	}
}

func TestDestroyIgnoresStopFailure(t *testing.T) {
	r := newMockRunner()
	r.runFunc = func(ctx context.Context, tool string, args ...string) (string, error) {
		if len(args) > 0 && args[0] == "stop" {
			return "VM is not running\n", errors.New("exit status 2")
		}
		return "", nil
	}
	c := NewClientWithRunner(r)

	if err := c.Destroy(context.Background(), 101); err != nil {
		t.Fatalf("Destroy should survive a stop failure: %v", err)
	}
	if len(r.calls) != 2 {
		t.Fatalf("expected stop+destroy, got calls: %v", r.calls)
	}
	if !strings.Contains(r.calls[1], "destroy 101 --purge") {
		t.Errorf("unexpected destroy invocation: %q", r.calls[1])
	}
}

func TestWaitForGuestIP(t *testing.T) {
	agentJSON := `{"result":[{"name":"lo","ip-addresses":[{"ip-address-type":"ipv4","ip-address":"127.0.0.1"}]},` +
		`{"name":"wlan0","ip-addresses":[{"ip-address-type":"ipv4","ip-address":"192.168.8.46"}]}]}`

	t.Run("address found", func(t *testing.T) {
		r := newMockRunner()
		r.runFunc = func(ctx context.Context, tool string, args ...string) (string, error) {
			return agentJSON, nil
		}
		c := NewClientWithRunner(r)

		addr, err := c.WaitForGuestIP(context.Background(), 101, time.Second, time.Millisecond)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if addr != "192.168.8.46" {
			t.Errorf("expected 192.168.8.46, got %q", addr)
		}
	})

	t.Run("agent found after retries", func(t *testing.T) {
		r := newMockRunner()
		attempts := 0
		r.runFunc = func(ctx context.Context, tool string, args ...string) (string, error) {
			attempts++
			if attempts < 3 {
				return "QEMU guest agent is not running\n", errors.New("exit status 2")
			}
			return agentJSON, nil
		}
		c := NewClientWithRunner(r)

		addr, err := c.WaitForGuestIP(context.Background(), 101, time.Second, time.Millisecond)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if addr != "192.168.8.46" {
			t.Errorf("expected address after retries, got %q", addr)
		}
		if attempts != 3 {
			t.Errorf("expected 3 attempts, got %d", attempts)
		}
	})

	t.Run("timeout yields unknown sentinel", func(t *testing.T) {
		r := newMockRunner()
		r.runFunc = func(ctx context.Context, tool string, args ...string) (string, error) {
			return "", errors.New("agent not running")
		}
		c := NewClientWithRunner(r)

		addr, err := c.WaitForGuestIP(context.Background(), 101, 5*time.Millisecond, time.Millisecond)
		if err != nil {
			t.Fatalf("timeout must not be an error: %v", err)
		}
		if addr != UnknownAddress {
			t.Errorf("expected %q, got %q", UnknownAddress, addr)
		}
	})
}

func TestCommandErrorIncludesOutput(t *testing.T) {
	err := &CommandError{
		Tool:   "qm",
		Args:   []string{"importdisk", "101"},
		Output: "storage 'tank' does not support vm images\n",
		Err:    errors.New("exit status 255"),
	}
	msg := err.Error()
	if !strings.Contains(msg, "qm importdisk 101") {
		t.Errorf("error should name the invocation: %q", msg)
	}
	if !strings.Contains(msg, "does not support vm images") {
		t.Errorf("error should carry the tool output: %q", msg)
	}
}

func TestFormatForPool(t *testing.T) {
	tests := []struct {
		poolType string
		want     string
	}{
		{"dir", FormatQCOW2},
		{"nfs", FormatQCOW2},
		{"cifs", FormatQCOW2},
		{"lvmthin", FormatRaw},
		{"lvm", FormatRaw},
		{"zfspool", FormatRaw},
		{"rbd", FormatRaw},
	}
	for _, tt := range tests {
		if got := FormatForPool(tt.poolType); got != tt.want {
			t.Errorf("FormatForPool(%q) = %q, want %q", tt.poolType, got, tt.want)
		}
	}
}

func TestDiskRef(t *testing.T) {
	if got := DiskRef("nfs", 101); got != "101/vm-101-disk-0.qcow2" {
		t.Errorf("file pool ref = %q", got)
	}
	if got := DiskRef("lvmthin", 101); got != "vm-101-disk-0" {
		t.Errorf("block pool ref = %q", got)
	}
}
