package sim

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Profile describes a simulated device in TOML:
//
//	product = "sim"
//	slot_count = 2
//	max_download_size = 268435456
//
//	[vars]
//	version-bootloader = "sim-1.0"
//
//	[[partition]]
//	name = "boot"
//	size = 67108864
//	slotted = true
type Profile struct {
	Product         string            `toml:"product"`
	SlotCount       int               `toml:"slot_count"`
	CurrentSlot     string            `toml:"current_slot"`
	MaxDownloadSize uint64            `toml:"max_download_size"`
	MaxFetchSize    uint64            `toml:"max_fetch_size"`
	Userspace       bool              `toml:"userspace"`
	SnapshotStatus  string            `toml:"snapshot_update_status"`
	Vars            map[string]string `toml:"vars"`
	Partitions      []PartitionSpec   `toml:"partition"`
}

// PartitionSpec is one [[partition]] entry.
type PartitionSpec struct {
	Name    string `toml:"name"`
	Size    uint64 `toml:"size"`
	Slotted bool   `toml:"slotted"`
	Logical bool   `toml:"logical"`
	Type    string `toml:"type"`
}

// LoadProfile reads a profile file and builds the device it describes.
func LoadProfile(path string) (*Device, error) {
	var p Profile
	if _, err := toml.DecodeFile(path, &p); err != nil {
		return nil, fmt.Errorf("parse device profile %s: %w", path, err)
	}
	return FromProfile(p)
}

// FromProfile builds a device from p.
func FromProfile(p Profile) (*Device, error) {
	if p.SlotCount < 0 || p.SlotCount > 26 {
		return nil, fmt.Errorf("slot_count %d out of range", p.SlotCount)
	}
	product := p.Product
	if product == "" {
		product = "sim"
	}
	d := New(product, p.SlotCount)
	if p.CurrentSlot != "" {
		d.CurrentSlot = p.CurrentSlot
	}
	d.MaxDownload = p.MaxDownloadSize
	d.MaxFetch = p.MaxFetchSize
	d.Userspace = p.Userspace
	d.SnapshotState = p.SnapshotStatus
	for k, v := range p.Vars {
		d.Vars[k] = v
	}
	for _, ps := range p.Partitions {
		if ps.Name == "" {
			return nil, fmt.Errorf("partition without a name")
		}
		d.AddPartition(ps.Name, ps.Size, ps.Slotted, ps.Logical)
		if ps.Type != "" {
			d.setType(ps.Name, ps.Type)
		}
	}
	return d, nil
}

func (d *Device) setType(base, typ string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, name := range append([]string{base}, suffixed(base, d.slots())...) {
		if p, ok := d.parts[name]; ok {
			p.Type = typ
		}
	}
}

func suffixed(base string, slots []string) []string {
	out := make([]string, len(slots))
	for i, s := range slots {
		out[i] = base + "_" + s
	}
	return out
}
