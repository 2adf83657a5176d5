// Package usb enumerates USB devices attached to the host. Every device
// is offered for passthrough, not only known-good adapters; driver
// resolution happens afterwards in the catalog.
package usb

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Runner executes one host command. Satisfied by pve.NewRunner() in
// production and by mocks in tests.
type Runner interface {
	Run(ctx context.Context, tool string, args ...string) (string, error)
}

// Device is one attached USB device as reported by lsusb.
type Device struct {
	Bus         int
	Device      int
	VendorID    string
	ProductID   string
	Description string
}

// ID returns the vendor:product identifier pair.
func (d Device) ID() string {
	return d.VendorID + ":" + d.ProductID
}

// Label returns the selection-list label shown to the operator.
func (d Device) Label() string {
	desc := d.Description
	if desc == "" {
		desc = "(no description)"
	}
	return fmt.Sprintf("Bus %03d Device %03d  %s  %s", d.Bus, d.Device, d.ID(), desc)
}

// Enumerator lists attached USB devices.
type Enumerator struct {
	runner Runner
	log    logrus.FieldLogger
}

// NewEnumerator returns an enumerator backed by the given runner.
func NewEnumerator(r Runner, log logrus.FieldLogger) *Enumerator {
	return &Enumerator{runner: r, log: log}
}

// Devices returns all currently attached USB devices. Output lines that
// do not parse are reported and skipped.
func (e *Enumerator) Devices(ctx context.Context) ([]Device, error) {
	out, err := e.runner.Run(ctx, "lsusb")
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate USB devices: %w", err)
	}
	devices, skipped := ParseLsusb(out)
	for _, line := range skipped {
		e.log.WithField("line", line).Warn("skipping unparseable lsusb output")
	}
	return devices, nil
}

// ParseLsusb reads lsusb output lines of the form
//
//	Bus 001 Device 004: ID 2357:0138 TP-Link Archer T2U PLUS
//
// Root hubs are kept: the operator chooses from everything attached.
// lsusb mixes warnings into the same stream, so lines that do not match
// are returned separately instead of failing the enumeration.
func ParseLsusb(out string) (devices []Device, skipped []string) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		// Bus NNN Device NNN: ID vvvv:pppp description...
		if len(fields) < 6 || fields[0] != "Bus" || fields[2] != "Device" || fields[4] != "ID" {
			skipped = append(skipped, line)
			continue
		}

		bus, err := strconv.Atoi(fields[1])
		if err != nil {
			skipped = append(skipped, line)
			continue
		}
		dev, err := strconv.Atoi(strings.TrimSuffix(fields[3], ":"))
		if err != nil {
			skipped = append(skipped, line)
			continue
		}

		id := fields[5]
		vendor, product, ok := strings.Cut(id, ":")
		if !ok || len(vendor) != 4 || len(product) != 4 {
			skipped = append(skipped, line)
			continue
		}

		devices = append(devices, Device{
			Bus:         bus,
			Device:      dev,
			VendorID:    strings.ToLower(vendor),
			ProductID:   strings.ToLower(product),
			Description: strings.Join(fields[6:], " "),
		})
	}
	return devices, skipped
}
