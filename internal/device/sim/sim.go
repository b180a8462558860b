// Package sim is an in-memory bootloader used by tests and by --simulate.
// It keeps partition contents, reports fastboot variables and records every
// command it receives.
package sim

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/bamsammich/flashall/internal/device"
	"github.com/bamsammich/flashall/internal/lp"
	"github.com/bamsammich/flashall/internal/sparse"
)

// Partition is one physical or logical partition on the device.
type Partition struct {
	Size    uint64
	Type    string
	Logical bool
	Data    []byte
}

// Device is the simulated bootloader. All fields may be adjusted by tests
// before use; methods are safe for concurrent use.
type Device struct {
	mu sync.Mutex

	Product       string
	SlotCount     int
	CurrentSlot   string
	MaxDownload   uint64
	MaxFetch      uint64
	Userspace     bool
	SnapshotState string
	Vars          map[string]string

	parts   map[string]*Partition
	slotted map[string]bool // base names that take a slot suffix
	log     []string
	staged  []byte

	// FailOn makes the named command fail with the given message.
	FailOn map[string]string
	// Offline is the number of Open calls that fail before the device
	// reappears.
	Offline int
}

// New returns an empty device with the given slot count.
func New(product string, slotCount int) *Device {
	d := &Device{
		Product:   product,
		SlotCount: slotCount,
		Vars:      map[string]string{},
		parts:     map[string]*Partition{},
		slotted:   map[string]bool{},
		FailOn:    map[string]string{},
	}
	if slotCount > 0 {
		d.CurrentSlot = "a"
	}
	return d
}

func (d *Device) slots() []string {
	out := make([]string, d.SlotCount)
	for i := range out {
		out[i] = string(rune('a' + i))
	}
	return out
}

// AddPartition creates base, or base_<slot> for every slot when slotted.
func (d *Device) AddPartition(base string, size uint64, slotted, logical bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	typ := "raw"
	if strings.HasPrefix(base, "userdata") || strings.HasPrefix(base, "metadata") {
		typ = "ext4"
	}
	if slotted && d.SlotCount > 0 {
		d.slotted[base] = true
		for _, s := range d.slots() {
			d.parts[base+"_"+s] = &Partition{Size: size, Type: typ, Logical: logical}
		}
		return
	}
	d.parts[base] = &Partition{Size: size, Type: typ, Logical: logical}
}

// Partition returns a copy of the named partition.
func (d *Device) Partition(name string) (Partition, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.parts[name]
	if !ok {
		return Partition{}, false
	}
	c := *p
	c.Data = bytes.Clone(p.Data)
	return c, true
}

// Log returns the commands received so far, excluding getvar.
func (d *Device) Log() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.log)
}

// ResetLog clears the command log.
func (d *Device) ResetLog() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log = nil
}

func (d *Device) record(cmd string) error {
	d.log = append(d.log, cmd)
	op, _, _ := strings.Cut(cmd, ":")
	for _, key := range []string{cmd, op} {
		if msg, ok := d.FailOn[key]; ok {
			return &device.Error{Op: op, Code: device.DeviceFail, Msg: msg}
		}
	}
	return nil
}

func fail(op, format string, args ...any) error {
	return &device.Error{Op: op, Code: device.DeviceFail, Msg: fmt.Sprintf(format, args...)}
}

// Open implements device.Connector.
func (d *Device) Open(_ context.Context, _ string) (device.Driver, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Offline > 0 {
		d.Offline--
		return nil, &device.Error{Op: "open", Code: device.IOError, Msg: "no devices found"}
	}
	return d, nil
}

// visible reports whether part can be addressed in the current mode.
// Logical partitions are only known to userspace fastboot.
func (d *Device) visible(name string) (*Partition, bool) {
	p, ok := d.parts[name]
	if !ok || (p.Logical && !d.Userspace) {
		return nil, false
	}
	return p, true
}

func (d *Device) GetVar(key string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if v, ok := d.Vars[key]; ok {
		return v, nil
	}
	name, arg, _ := strings.Cut(key, ":")
	switch name {
	case "product":
		return d.Product, nil
	case "slot-count":
		if d.SlotCount == 0 {
			break
		}
		return strconv.Itoa(d.SlotCount), nil
	case "current-slot":
		if d.CurrentSlot == "" {
			break
		}
		return d.CurrentSlot, nil
	case "max-download-size":
		if d.MaxDownload == 0 {
			break
		}
		return fmt.Sprintf("0x%x", d.MaxDownload), nil
	case "max-fetch-size":
		if d.MaxFetch == 0 {
			break
		}
		return fmt.Sprintf("0x%x", d.MaxFetch), nil
	case "is-userspace":
		if d.Userspace {
			return "yes", nil
		}
		return "no", nil
	case "snapshot-update-status":
		if d.SnapshotState == "" {
			break
		}
		return d.SnapshotState, nil
	case "has-slot":
		if d.slotted[arg] {
			return "yes", nil
		}
		if _, ok := d.visible(arg); ok {
			return "no", nil
		}
	case "partition-size":
		if p, ok := d.visible(arg); ok {
			return fmt.Sprintf("0x%x", p.Size), nil
		}
	case "partition-type":
		if p, ok := d.visible(arg); ok {
			return p.Type, nil
		}
	case "is-logical":
		if p, ok := d.visible(arg); ok {
			if p.Logical {
				return "yes", nil
			}
			return "no", nil
		}
	}
	return "", fail("getvar", "GetVar Variable Not found")
}

func (d *Device) Download(name string, r io.Reader, size int64) error {
	data, err := readN(r, size)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record("download:" + name); err != nil {
		return err
	}
	if d.MaxDownload > 0 && uint64(size) > d.MaxDownload { //nolint:gosec // G115: size is non-negative
		return fail("download", "data too large")
	}
	d.staged = data
	return nil
}

func readN(r io.Reader, size int64) ([]byte, error) {
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, &device.Error{Op: "download", Code: device.IOError, Msg: err.Error()}
	}
	return data, nil
}

func (d *Device) FlashPartition(name string, r io.Reader, size int64, current, total int) error {
	data, err := readN(r, size)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	cmd := "flash:" + name
	if total > 0 {
		cmd = fmt.Sprintf("flash:%s %d/%d", name, current, total)
	}
	if err := d.record(cmd); err != nil {
		return err
	}
	if d.MaxDownload > 0 && uint64(size) > d.MaxDownload { //nolint:gosec // G115: size is non-negative
		return fail("flash", "data too large")
	}
	p, ok := d.visible(name)
	if !ok {
		return fail("flash", "partition %s not found", name)
	}

	if sparse.IsSparse(bytes.NewReader(data)) {
		sf, err := sparse.Import(bytes.NewReader(data))
		if err != nil {
			return fail("flash", "invalid sparse image: %v", err)
		}
		if uint64(sf.Len(false)) > p.Size { //nolint:gosec // G115: length is non-negative
			return fail("flash", "image too large for partition")
		}
		// Pieces of one image accumulate; the first piece starts fresh.
		if current <= 1 || p.Data == nil {
			p.Data = make([]byte, sf.Len(false))
		}
		w := &sliceWriter{buf: &p.Data}
		if err := sf.WriteExpanded(w); err != nil {
			return fail("flash", "%v", err)
		}
	} else {
		if uint64(len(data)) > p.Size {
			return fail("flash", "image too large for partition")
		}
		p.Data = data
	}

	if name == d.superName() {
		return d.loadSuper(p.Data)
	}
	return nil
}

type sliceWriter struct {
	buf *[]byte
}

func (w *sliceWriter) WriteAt(p []byte, off int64) (int, error) {
	if need := int(off) + len(p); need > len(*w.buf) {
		*w.buf = append(*w.buf, make([]byte, need-len(*w.buf))...)
	}
	return copy((*w.buf)[off:], p), nil
}

func (d *Device) superName() string {
	if v, ok := d.Vars["super-partition-name"]; ok {
		return v
	}
	return "super"
}

// loadSuper materializes logical partitions from a flashed super image.
func (d *Device) loadSuper(data []byte) error {
	m, err := lp.ReadFromSuperImage(bytes.NewReader(data), 0)
	if err != nil {
		return fail("flash", "invalid super image: %v", err)
	}
	d.applyMetadata(m, true)
	for _, lpart := range m.Partitions {
		p := d.parts[lpart.Name]
		buf := make([]byte, 0, p.Size)
		for _, e := range m.PartitionExtents(lpart) {
			if e.TargetType != lp.TargetTypeLinear {
				continue
			}
			off := e.TargetData * lp.SectorSize
			end := min(off+e.NumSectors*lp.SectorSize, uint64(len(data)))
			if off < end {
				buf = append(buf, data[off:end]...)
			}
		}
		p.Data = buf
	}
	return nil
}

// applyMetadata makes the device's logical partitions match m.
func (d *Device) applyMetadata(m *lp.Metadata, wipe bool) {
	keep := map[string]bool{}
	for _, lpart := range m.Partitions {
		keep[lpart.Name] = true
		p, ok := d.parts[lpart.Name]
		if !ok || !p.Logical {
			p = &Partition{Type: "raw", Logical: true}
			d.parts[lpart.Name] = p
		}
		p.Size = m.PartitionSize(lpart)
		if wipe {
			p.Data = nil
		}
	}
	for name, p := range d.parts {
		if p.Logical && !keep[name] {
			delete(d.parts, name)
		}
	}
	for base := range d.slotted {
		if _, ok := d.parts[base+"_a"]; !ok {
			delete(d.slotted, base)
		}
	}
	for name := range keep {
		for _, s := range d.slots() {
			if base, ok := strings.CutSuffix(name, "_"+s); ok {
				d.slotted[base] = true
			}
		}
	}
}

func (d *Device) Erase(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record("erase:" + name); err != nil {
		return err
	}
	p, ok := d.visible(name)
	if !ok {
		return fail("erase", "partition %s not found", name)
	}
	p.Data = nil
	return nil
}

func (d *Device) Boot() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.record("boot")
}

func (d *Device) SetActive(slot string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record("set_active:" + slot); err != nil {
		return err
	}
	if !slices.Contains(d.slots(), slot) {
		return fail("set_active", "invalid slot %q", slot)
	}
	d.CurrentSlot = slot
	return nil
}

func (d *Device) Reboot(target string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cmd := "reboot"
	if target != "" {
		cmd += "-" + target
	}
	if err := d.record(cmd); err != nil {
		return err
	}
	switch target {
	case "fastboot":
		d.Userspace = true
	case "bootloader":
		d.Userspace = false
	case "", "recovery":
	default:
		return fail("reboot", "unknown reboot target %q", target)
	}
	return nil
}

func (d *Device) RawCommand(cmd, _ string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record(cmd); err != nil {
		return "", err
	}
	switch {
	case cmd == "signature":
		if d.staged == nil {
			return "", fail("signature", "no signature downloaded")
		}
		d.staged = nil
		return "", nil
	case strings.HasPrefix(cmd, "update-super:"):
		return "", d.updateSuper(strings.TrimPrefix(cmd, "update-super:"))
	case strings.HasPrefix(cmd, "oem "):
		return "", nil
	}
	return "", fail(cmd, "unknown command")
}

func (d *Device) updateSuper(arg string) error {
	if !d.Userspace {
		return fail("update-super", "command not supported in bootloader")
	}
	name, opt, _ := strings.Cut(arg, ":")
	if name != d.superName() {
		return fail("update-super", "unknown super partition %q", name)
	}
	if d.staged == nil {
		return fail("update-super", "no metadata downloaded")
	}
	m, err := lp.ReadFromImageBlob(d.staged)
	d.staged = nil
	if err != nil {
		return fail("update-super", "invalid metadata: %v", err)
	}
	d.applyMetadata(m, opt == "wipe")
	return nil
}

func (d *Device) logical(op, name string) (*Partition, error) {
	if !d.Userspace {
		return nil, fail(op, "command not supported in bootloader")
	}
	p, ok := d.parts[name]
	if !ok || !p.Logical {
		return nil, fail(op, "partition %s is not a logical partition", name)
	}
	return p, nil
}

func (d *Device) CreatePartition(name, size string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record("create-logical-partition:" + name + ":" + size); err != nil {
		return err
	}
	if !d.Userspace {
		return fail("create-logical-partition", "command not supported in bootloader")
	}
	if _, ok := d.parts[name]; ok {
		return fail("create-logical-partition", "partition %s already exists", name)
	}
	n, err := strconv.ParseUint(size, 10, 64)
	if err != nil {
		return fail("create-logical-partition", "invalid size %q", size)
	}
	d.parts[name] = &Partition{Size: n, Type: "raw", Logical: true}
	return nil
}

func (d *Device) DeletePartition(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record("delete-logical-partition:" + name); err != nil {
		return err
	}
	if _, err := d.logical("delete-logical-partition", name); err != nil {
		return err
	}
	delete(d.parts, name)
	return nil
}

func (d *Device) ResizePartition(name, size string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record("resize-logical-partition:" + name + ":" + size); err != nil {
		return err
	}
	p, err := d.logical("resize-logical-partition", name)
	if err != nil {
		return err
	}
	n, perr := strconv.ParseUint(size, 10, 64)
	if perr != nil {
		return fail("resize-logical-partition", "invalid size %q", size)
	}
	p.Size = n
	if uint64(len(p.Data)) > n {
		p.Data = p.Data[:n]
	}
	return nil
}

func (d *Device) SnapshotUpdateCommand(cmd string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record("snapshot-update:" + cmd); err != nil {
		return err
	}
	switch cmd {
	case "cancel":
		d.SnapshotState = "none"
	case "merge":
		if d.SnapshotState != "merging" && d.SnapshotState != "snapshotted" {
			return fail("snapshot-update", "no snapshot to merge")
		}
		d.SnapshotState = "none"
	default:
		return fail("snapshot-update", "unknown snapshot command %q", cmd)
	}
	return nil
}

func (d *Device) FetchToFd(name string, w io.Writer, offset, size int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record(fmt.Sprintf("fetch:%s:0x%08x:0x%08x", name, offset, size)); err != nil {
		return err
	}
	p, ok := d.visible(name)
	if !ok {
		return fail("fetch", "partition %s not found", name)
	}
	if offset < 0 || uint64(offset+size) > p.Size { //nolint:gosec // G115: checked non-negative
		return fail("fetch", "range out of bounds")
	}
	chunk := make([]byte, size)
	if offset < int64(len(p.Data)) {
		copy(chunk, p.Data[offset:])
	}
	if _, err := w.Write(chunk); err != nil {
		return &device.Error{Op: "fetch", Code: device.IOError, Msg: err.Error()}
	}
	return nil
}

func (d *Device) WaitForDisconnect() error { return nil }

func (d *Device) Close() error { return nil }

// Partitions lists partition names in sorted order.
func (d *Device) Partitions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Sorted(maps.Keys(d.parts))
}
