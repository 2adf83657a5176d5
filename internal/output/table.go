package output

import (
	"bytes"
	"fmt"
	"text/tabwriter"

	"github.com/phevbox/phevbox/internal/catalog"
	"github.com/phevbox/phevbox/internal/pve"
)

// TableFormatter formats listings as human-readable tables.
type TableFormatter struct {
	// NoHeaders omits the header row.
	NoHeaders bool
}

// FormatInstances formats the instance listing as a table.
func (f *TableFormatter) FormatInstances(instances []pve.InstanceInfo) (string, error) {
	if len(instances) == 0 {
		return "No instances found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "VMID\tNAME\tSTATUS\tMEMORY")
	}
	for _, inst := range instances {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%d MiB\n",
			inst.VMID, inst.Name, inst.Status, inst.MemMiB)
	}

	_ = w.Flush()
	return buf.String(), nil
}

// FormatEntry formats one adapter catalog entry as a table.
func (f *TableFormatter) FormatEntry(entry catalog.Entry) (string, error) {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "IDENTIFIER\tCHIPSET\tDRIVER\tNOTES")
	}

	chipset := entry.Chipset
	if chipset == "" {
		chipset = "-"
	}
	notes := entry.Notes
	if notes == "" {
		notes = "-"
	}
	_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", entry.ID, chipset, entry.Driver, notes)

	_ = w.Flush()
	return buf.String(), nil
}
