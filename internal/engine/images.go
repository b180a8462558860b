package engine

// Category decides when an image is flashed during flashall.
type Category int

const (
	// BootCritical images are flashed first, in bootloader mode.
	BootCritical Category = iota
	// Normal images are flashed after the super partition is updated.
	Normal
	// Extra images are only flashed explicitly.
	Extra
)

func (c Category) String() string {
	switch c {
	case BootCritical:
		return "boot-critical"
	case Normal:
		return "normal"
	case Extra:
		return "extra"
	}
	return "unknown"
}

// Image describes one entry of an update package.
type Image struct {
	// Nickname is the name used on the command line. Secondary images,
	// flashed to the other slot, have none.
	Nickname          string
	ImageName         string
	SigName           string
	PartName          string
	OptionalIfNoImage bool
	Category          Category
}

// IsSecondary reports whether the image targets the secondary slot.
func (i Image) IsSecondary() bool { return i.Nickname == "" }

// ImageEntry is an image paired with the slot it is flashed to. An empty
// slot means the current one.
type ImageEntry struct {
	Image *Image
	Slot  string
}

// DefaultImages returns a fresh copy of the known image catalog.
func DefaultImages() []Image {
	return []Image{
		{"boot", "boot.img", "boot.sig", "boot", false, BootCritical},
		{"bootloader", "bootloader.img", "", "bootloader", true, Extra},
		{"init_boot", "init_boot.img", "init_boot.sig", "init_boot", true, BootCritical},
		{"", "boot_other.img", "boot.sig", "boot", true, Normal},
		{"cache", "cache.img", "cache.sig", "cache", true, Extra},
		{"dtbo", "dtbo.img", "dtbo.sig", "dtbo", true, BootCritical},
		{"dts", "dt.img", "dt.sig", "dts", true, BootCritical},
		{"odm", "odm.img", "odm.sig", "odm", true, Normal},
		{"odm_dlkm", "odm_dlkm.img", "odm_dlkm.sig", "odm_dlkm", true, Normal},
		{"product", "product.img", "product.sig", "product", true, Normal},
		{"pvmfw", "pvmfw.img", "pvmfw.sig", "pvmfw", true, BootCritical},
		{"radio", "radio.img", "", "radio", true, Extra},
		{"recovery", "recovery.img", "recovery.sig", "recovery", true, BootCritical},
		{"super", "super.img", "super.sig", "super", true, Extra},
		{"system", "system.img", "system.sig", "system", false, Normal},
		{"system_dlkm", "system_dlkm.img", "system_dlkm.sig", "system_dlkm", true, Normal},
		{"system_ext", "system_ext.img", "system_ext.sig", "system_ext", true, Normal},
		{"", "system_other.img", "system.sig", "system", true, Normal},
		{"userdata", "userdata.img", "userdata.sig", "userdata", true, Extra},
		{"vbmeta", "vbmeta.img", "vbmeta.sig", "vbmeta", true, BootCritical},
		{"vbmeta_system", "vbmeta_system.img", "vbmeta_system.sig", "vbmeta_system", true, BootCritical},
		{"vbmeta_vendor", "vbmeta_vendor.img", "vbmeta_vendor.sig", "vbmeta_vendor", true, BootCritical},
		{"vendor", "vendor.img", "vendor.sig", "vendor", true, Normal},
		{"vendor_boot", "vendor_boot.img", "vendor_boot.sig", "vendor_boot", true, BootCritical},
		{"vendor_dlkm", "vendor_dlkm.img", "vendor_dlkm.sig", "vendor_dlkm", true, Normal},
		{"vendor_kernel_boot", "vendor_kernel_boot.img", "vendor_kernel_boot.sig", "vendor_kernel_boot", true, BootCritical},
		{"", "vendor_other.img", "vendor.sig", "vendor", true, Normal},
	}
}

// FindImage returns the image file name for a partition nickname, or ""
// when the catalog has no such partition.
func FindImage(images []Image, nickname string) string {
	for _, img := range images {
		if img.Nickname != "" && img.Nickname == nickname {
			return img.ImageName
		}
	}
	return ""
}
