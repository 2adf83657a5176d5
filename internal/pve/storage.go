package pve

import "fmt"

// Disk image formats by pool storage technology. File-backed pools keep
// qcow2 for copy-on-write; block pools only take raw.
const (
	FormatQCOW2 = "qcow2"
	FormatRaw   = "raw"
)

// filePoolTypes are the storage technologies that hold volumes as files
// and support the qcow2 container format.
var filePoolTypes = map[string]bool{
	"dir":    true,
	"nfs":    true,
	"cifs":   true,
	"btrfs":  true,
	"cephfs": true,
}

// FormatForPool returns the disk image format appropriate to a pool's
// storage technology.
func FormatForPool(poolType string) string {
	if filePoolTypes[poolType] {
		return FormatQCOW2
	}
	return FormatRaw
}

// DiskRef returns the expected boot-disk volume reference inside a pool.
// File-backed pools scope the volume under a per-instance directory and
// carry the format suffix; block pools expose a bare volume name.
func DiskRef(poolType string, vmid int) string {
	if filePoolTypes[poolType] {
		return fmt.Sprintf("%d/vm-%d-disk-0.qcow2", vmid, vmid)
	}
	return fmt.Sprintf("vm-%d-disk-0", vmid)
}
