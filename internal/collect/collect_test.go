package collect

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/phevbox/phevbox/internal/catalog"
	"github.com/phevbox/phevbox/internal/config"
	"github.com/phevbox/phevbox/internal/prompt"
	"github.com/phevbox/phevbox/internal/pve"
	"github.com/phevbox/phevbox/internal/usb"
)

// scriptPrompter feeds queued answers to the dialog and records every
// rejection message.
type scriptPrompter struct {
	t        *testing.T
	inputs   []string
	masked   []string
	selects  []int
	confirms []bool
	messages []string
}

func (s *scriptPrompter) Message(text string) error {
	s.messages = append(s.messages, text)
	return nil
}

func (s *scriptPrompter) Input(label, def string) (string, error) {
	if len(s.inputs) == 0 {
		s.t.Fatalf("unexpected Input(%q)", label)
	}
	answer := s.inputs[0]
	s.inputs = s.inputs[1:]
	if answer == "" {
		return def, nil
	}
	return answer, nil
}

func (s *scriptPrompter) Masked(label string) (string, error) {
	if len(s.masked) == 0 {
		s.t.Fatalf("unexpected Masked(%q)", label)
	}
	answer := s.masked[0]
	s.masked = s.masked[1:]
	return answer, nil
}

func (s *scriptPrompter) Select(label string, options []string) (int, error) {
	if len(s.selects) == 0 {
		s.t.Fatalf("unexpected Select(%q)", label)
	}
	idx := s.selects[0]
	s.selects = s.selects[1:]
	if idx < 0 || idx >= len(options) {
		s.t.Fatalf("scripted index %d out of range for %q (%d options)", idx, label, len(options))
	}
	return idx, nil
}

func (s *scriptPrompter) Confirm(label string, def bool) (bool, error) {
	if len(s.confirms) == 0 {
		s.t.Fatalf("unexpected Confirm(%q)", label)
	}
	answer := s.confirms[0]
	s.confirms = s.confirms[1:]
	return answer, nil
}

// cancelingPrompter cancels at the first prompt of any kind.
type cancelingPrompter struct{}

func (cancelingPrompter) Message(string) error                 { return nil }
func (cancelingPrompter) Input(string, string) (string, error) { return "", prompt.ErrCanceled }
func (cancelingPrompter) Masked(string) (string, error)        { return "", prompt.ErrCanceled }
func (cancelingPrompter) Select(string, []string) (int, error) { return 0, prompt.ErrCanceled }
func (cancelingPrompter) Confirm(string, bool) (bool, error)   { return false, prompt.ErrCanceled }

type mockControlPlane struct {
	nextIDFunc     func(ctx context.Context) (int, error)
	existsFunc     func(ctx context.Context, vmid int) (bool, error)
	imagePoolsFunc func(ctx context.Context) ([]pve.Pool, error)
}

func (m *mockControlPlane) NextID(ctx context.Context) (int, error) {
	if m.nextIDFunc != nil {
		return m.nextIDFunc(ctx)
	}
	return 101, nil
}

func (m *mockControlPlane) Exists(ctx context.Context, vmid int) (bool, error) {
	if m.existsFunc != nil {
		return m.existsFunc(ctx, vmid)
	}
	return false, nil
}

func (m *mockControlPlane) ImagePools(ctx context.Context) ([]pve.Pool, error) {
	if m.imagePoolsFunc != nil {
		return m.imagePoolsFunc(ctx)
	}
	return []pve.Pool{{Name: "local-lvm", Type: "lvmthin"}}, nil
}

type mockDeviceLister struct {
	devices []usb.Device
	err     error
}

func (m *mockDeviceLister) Devices(ctx context.Context) ([]usb.Device, error) {
	return m.devices, m.err
}

func discardLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testDevices() []usb.Device {
	return []usb.Device{
		{Bus: 1, Device: 4, VendorID: "2357", ProductID: "0138", Description: "TP-Link Archer T2U PLUS"},
		{Bus: 1, Device: 5, VendorID: "0bda", ProductID: "c811", Description: "Realtek 802.11ac NIC"},
	}
}

func newTestCollector(p prompt.Prompter, cp *mockControlPlane, devices *mockDeviceLister) *Collector {
	return &Collector{
		prompter: p,
		cp:       cp,
		devices:  devices,
		host:     config.DefaultHostConfig(),
		log:      discardLogger(),
		resolve: func(url, id string) catalog.Entry {
			if id == "2357:0138" {
				return catalog.Entry{ID: id, Chipset: "rtl8812au", Driver: "rtl8812au-dkms"}
			}
			return catalog.Unknown(id)
		},
	}
}

func TestCollectHappyPath(t *testing.T) {
	p := &scriptPrompter{
		t: t,
		inputs: []string{
			"",     // instance id, take next free (101)
			"2",    // cores
			"1024", // memory
			"16",   // disk
			"",     // bridge, take default vmbr0
			"",     // vlan
			"",     // mtu
			"",     // mac, generate
			"phev-remote", // wifi ssid
			"10.0.0.5",    // mqtt server
			"",            // mqtt port, default
			"",            // vin
			"",            // ssh key
			"",            // root hash
		},
		masked:  []string{"wifisecret"},
		selects: []int{0, 0, 0}, // firmware, machine, device
	}
	cp := &mockControlPlane{}
	c := newTestCollector(p, cp, &mockDeviceLister{devices: testDevices()})

	spec, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	if spec.VMID != 101 {
		t.Errorf("expected vmid 101, got %d", spec.VMID)
	}
	if spec.Pool != "local-lvm" {
		t.Errorf("expected auto-selected pool local-lvm, got %q", spec.Pool)
	}
	if spec.Cores != 2 || spec.MemoryMiB != 1024 || spec.DiskGiB != 16 {
		t.Errorf("unexpected sizing: %+v", spec)
	}
	if spec.Network.Bridge != "vmbr0" {
		t.Errorf("expected default bridge, got %q", spec.Network.Bridge)
	}
	if !strings.HasPrefix(spec.Network.MACAddress, "be:ef:") {
		t.Errorf("expected generated MAC, got %q", spec.Network.MACAddress)
	}
	if spec.Firmware != config.FirmwareSeaBIOS || spec.Machine != config.MachineI440FX {
		t.Errorf("unexpected firmware/machine: %q/%q", spec.Firmware, spec.Machine)
	}
	if spec.Device.ID() != "2357:0138" || spec.Device.Driver != "rtl8812au-dkms" {
		t.Errorf("unexpected device: %+v", spec.Device)
	}
	if spec.Guest.Driver != "rtl8812au-dkms" {
		t.Errorf("driver not propagated to guest params: %q", spec.Guest.Driver)
	}
	if spec.Guest.WifiPSK != "wifisecret" {
		t.Errorf("unexpected psk: %q", spec.Guest.WifiPSK)
	}
	if spec.Guest.MQTTPort != 1883 || spec.Guest.JournalMaxSize != "200M" {
		t.Errorf("guest defaults not applied: %+v", spec.Guest)
	}
	if len(p.inputs) != 0 || len(p.selects) != 0 || len(p.masked) != 0 {
		t.Errorf("unconsumed script entries: %+v", p)
	}
}

func TestCollectVMIDTakenRePrompts(t *testing.T) {
	p := &scriptPrompter{
		t: t,
		inputs: []string{
			"100", "102", // first id is taken
			"2", "1024", "16",
			"", "", "", "",
			"phev-remote", "10.0.0.5", "", "", "", "",
		},
		masked:  []string{"wifisecret"},
		selects: []int{0, 0, 0},
	}
	cp := &mockControlPlane{
		existsFunc: func(ctx context.Context, vmid int) (bool, error) {
			return vmid == 100, nil
		},
	}
	c := newTestCollector(p, cp, &mockDeviceLister{devices: testDevices()})

	spec, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if spec.VMID != 102 {
		t.Errorf("expected vmid 102 after re-prompt, got %d", spec.VMID)
	}
	if len(p.messages) == 0 || !strings.Contains(p.messages[0], "already in use") {
		t.Errorf("expected an in-use rejection message, got %v", p.messages)
	}
}

func TestCollectLowMemoryNeedsConfirmation(t *testing.T) {
	p := &scriptPrompter{
		t: t,
		inputs: []string{
			"",
			"2",
			"512", "768", // declined once, re-prompted, then accepted
			"16",
			"", "", "", "",
			"phev-remote", "10.0.0.5", "", "", "", "",
		},
		masked:   []string{"wifisecret"},
		selects:  []int{0, 0, 0},
		confirms: []bool{false, true},
	}
	c := newTestCollector(p, &mockControlPlane{}, &mockDeviceLister{devices: testDevices()})

	spec, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if spec.MemoryMiB != 768 {
		t.Errorf("expected 768 MiB after declined confirmation, got %d", spec.MemoryMiB)
	}
	if len(p.confirms) != 0 {
		t.Errorf("unconsumed confirmations: %v", p.confirms)
	}
}

func TestCollectUnknownDriverDeclinedAborts(t *testing.T) {
	p := &scriptPrompter{
		t: t,
		inputs: []string{
			"",
			"2", "1024", "16",
			"", "", "", "",
		},
		selects:  []int{0, 0, 1}, // firmware, machine, unknown device
		confirms: []bool{false},  // decline the unknown driver
	}
	c := newTestCollector(p, &mockControlPlane{}, &mockDeviceLister{devices: testDevices()})

	_, err := c.Collect(context.Background())
	if !errors.Is(err, prompt.ErrCanceled) {
		t.Fatalf("expected the declined confirmation to abort, got %v", err)
	}
	if len(p.selects) != 0 {
		t.Errorf("dialog continued past the declined adapter: %v", p.selects)
	}
}

func TestCollectUnknownDriverAccepted(t *testing.T) {
	p := &scriptPrompter{
		t: t,
		inputs: []string{
			"",
			"2", "1024", "16",
			"", "", "", "",
			"phev-remote", "10.0.0.5", "", "", "", "",
		},
		masked:   []string{"wifisecret"},
		selects:  []int{0, 0, 1}, // the 0bda:c811 device has no catalog entry
		confirms: []bool{true},
	}
	c := newTestCollector(p, &mockControlPlane{}, &mockDeviceLister{devices: testDevices()})

	spec, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if spec.Device.Driver != catalog.UnknownDriver {
		t.Errorf("expected unknown driver carried into the spec, got %q", spec.Device.Driver)
	}
}

func TestCollectMultiplePoolsPromptsSelection(t *testing.T) {
	p := &scriptPrompter{
		t: t,
		inputs: []string{
			"",
			"2", "1024", "16",
			"", "", "", "",
			"phev-remote", "10.0.0.5", "", "", "", "",
		},
		masked:  []string{"wifisecret"},
		selects: []int{1, 0, 0, 0}, // pool, firmware, machine, device
	}
	cp := &mockControlPlane{
		imagePoolsFunc: func(ctx context.Context) ([]pve.Pool, error) {
			return []pve.Pool{
				{Name: "local", Type: "dir"},
				{Name: "tank", Type: "zfspool"},
			}, nil
		},
	}
	c := newTestCollector(p, cp, &mockDeviceLister{devices: testDevices()})

	spec, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if spec.Pool != "tank" {
		t.Errorf("expected selected pool tank, got %q", spec.Pool)
	}
}

func TestCollectNoPoolsIsFatal(t *testing.T) {
	cp := &mockControlPlane{
		imagePoolsFunc: func(ctx context.Context) ([]pve.Pool, error) {
			return nil, nil
		},
	}
	p := &scriptPrompter{t: t, inputs: []string{""}}
	c := newTestCollector(p, cp, &mockDeviceLister{devices: testDevices()})

	if _, err := c.Collect(context.Background()); err == nil {
		t.Fatal("expected error with no image-capable pools")
	}
}

func TestCollectCancelAborts(t *testing.T) {
	c := newTestCollector(cancelingPrompter{}, &mockControlPlane{}, &mockDeviceLister{devices: testDevices()})

	_, err := c.Collect(context.Background())
	if !errors.Is(err, prompt.ErrCanceled) {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
}

func TestCollectNoDevicesIsFatal(t *testing.T) {
	p := &scriptPrompter{
		t:       t,
		inputs:  []string{"", "2", "1024", "16", "", "", "", ""},
		selects: []int{0, 0},
	}
	c := newTestCollector(p, &mockControlPlane{}, &mockDeviceLister{})

	if _, err := c.Collect(context.Background()); err == nil {
		t.Fatal("expected error with no USB devices attached")
	}
}
