// Package vvfat synthesizes a FAT12/FAT16/FAT32 block-device image from a
// host directory tree, serves sector reads against that synthesis, absorbs
// every write into a copy-on-write redo-log overlay, and can reconcile a
// commit of that overlay back onto the host directory.
//
// It is grounded on the QEMU/Bochs "vvfat" driver: a host directory stands
// in for a regular disk image without ever being rewritten in place until
// the caller explicitly asks for a Commit.
package vvfat

import (
	"fmt"

	"github.com/spf13/afero"

	"github.com/kb2ma/vvfat/internal/geometry"
	"github.com/kb2ma/vvfat/internal/redolog"

	"github.com/kb2ma/vvfat/checkpoint"
)

// BlockDevice is the capability set a consumer needs: addressable
// 512-byte sector reads and writes, plus the geometry a BIOS/VM would want
// to present. Per the Design Notes' collapse of "base block device" / "vvfat
// image" / "redo log" to one small capability set, this is intentionally
// the smallest interface that lets the commit engine apply an overlay onto
// any object satisfying it.
type BlockDevice interface {
	ReadSector(sector int64) ([]byte, error)
	WriteSector(sector int64, data []byte) error
	Capabilities() Capabilities
	Close() error
}

// Capabilities reports the geometry a block-device consumer needs to
// configure itself (CHS, LBA-capable, total sector count).
type Capabilities struct {
	HasGeometry     bool
	Cylinders       uint32
	Heads           uint32
	SectorsPerTrack uint32
	TotalSectors    uint64
}

// Options configures Open. HostDir is the only required field; everything
// else has a reference-implementation-compatible default.
type Options struct {
	// HostDir is the directory tree to synthesize a volume from.
	HostDir afero.Fs

	// AttrSidecarPath is the companion file persisting DOS attribute bits
	// across commits (§4.5). Defaults to "vvfat_attr.cfg" under HostDir.
	AttrSidecarPath string

	// MBRTemplatePath and BootSectorTemplatePath, if set, are adopted
	// verbatim instead of synthesizing a boot sector / MBR from scratch
	// (§4.3's adoption priority).
	MBRTemplatePath       string
	BootSectorTemplatePath string

	// ForceFATType overrides the layout planner's size-based choice between
	// FAT16 and FAT32. Nil lets the planner decide; floppy-sized volumes are
	// FAT12 either way (see geometry.Plan).
	ForceFATType *geometry.FATType

	// VolumeLabel overrides the synthesized volume-label directory entry;
	// defaults to "VVFAT".
	VolumeLabel string

	// Overlay backs the redo log. It should be a temp-file-capable afero.Fs
	// (afero.NewOsFs() in production, afero.NewMemMapFs() in tests); when
	// nil it defaults to HostDir's filesystem.
	Overlay afero.Fs
}

const defaultVolumeLabel = "VVFAT"
const defaultAttrSidecarName = "vvfat_attr.cfg"

// Volume is an open synthesized FAT volume: the frozen scan result plus the
// live redo-log overlay. It implements BlockDevice.
type Volume struct {
	opts Options

	geom     geometry.Geometry
	mappings *Mappings
	fat      *FATTable
	dirData  map[int]*directoryBuffer // keyed by Mappings arena index
	rootData []byte                   // FAT12/16 only: the fixed-size root region

	bootSector []byte
	mbr        []byte
	fsInfo     []byte

	overlay *redolog.Overlay

	cache fileCache

	modified bool
	closed   bool
}

// Open scans opts.HostDir, plans a volume geometry for it, synthesizes the
// boot sector / FAT / directory tree, and opens a fresh volatile overlay
// ready to absorb writes.
func Open(opts Options) (*Volume, error) {
	if opts.HostDir == nil {
		return nil, checkpoint.From(fmt.Errorf("%w: HostDir is required", ErrBadGeometry))
	}
	if opts.VolumeLabel == "" {
		opts.VolumeLabel = defaultVolumeLabel
	}
	if opts.AttrSidecarPath == "" {
		opts.AttrSidecarPath = defaultAttrSidecarName
	}
	overlayFs := opts.Overlay
	if overlayFs == nil {
		overlayFs = opts.HostDir
	}

	v := &Volume{opts: opts}

	scanned, err := scanHostDirectory(opts)
	if err != nil {
		return nil, checkpoint.Wrap(err, ErrBadGeometry)
	}
	v.geom = scanned.geom
	v.mappings = scanned.mappings
	v.fat = scanned.fat
	v.dirData = scanned.dirData
	v.rootData = scanned.rootData
	v.bootSector = scanned.bootSector
	v.mbr = scanned.mbr
	v.fsInfo = scanned.fsInfo

	if err := applyAttrSidecar(v, opts.AttrSidecarPath); err != nil {
		return nil, checkpoint.Wrap(err, fmt.Errorf("vvfat: applying attribute sidecar"))
	}

	diskSize := int64(v.geom.TotalSectors) * SectorSize
	backing, err := afero.TempFile(overlayFs, "", "vvfat-redolog-*")
	if err != nil {
		return nil, checkpoint.Wrap(err, fmt.Errorf("vvfat: creating overlay backing file"))
	}
	_ = overlayFs.Remove(backing.Name()) // volatile: unlinked immediately, matches mkstemp+unlink

	overlay, err := redolog.Create(&aferoBacking{f: backing}, redolog.SubtypeVolatile, diskSize)
	if err != nil {
		return nil, checkpoint.Wrap(err, fmt.Errorf("vvfat: formatting overlay"))
	}
	v.overlay = overlay

	return v, nil
}

// aferoBacking wraps an afero.File as a redolog.Backing, forwarding each
// method unchanged.
type aferoBacking struct {
	f afero.File
}

func (a *aferoBacking) ReadAt(p []byte, off int64) (int, error)  { return a.f.ReadAt(p, off) }
func (a *aferoBacking) WriteAt(p []byte, off int64) (int, error) { return a.f.WriteAt(p, off) }
func (a *aferoBacking) Close() error                             { return a.f.Close() }
func (a *aferoBacking) Truncate(size int64) error                { return a.f.Truncate(size) }

// Capabilities reports the planned geometry, matching get_capabilities'
// HDIMAGE_HAS_GEOMETRY.
func (v *Volume) Capabilities() Capabilities {
	cylinders := uint32(v.geom.TotalSectors / uint64(v.geom.SectorsPerTrack*v.geom.Heads))
	return Capabilities{
		HasGeometry:     true,
		Cylinders:       cylinders,
		Heads:           v.geom.Heads,
		SectorsPerTrack: v.geom.SectorsPerTrack,
		TotalSectors:    v.geom.TotalSectors,
	}
}

// Mappings returns the frozen scan-time mapping arena in Begin order, for
// tooling that wants to inspect how the host tree was laid onto the
// synthesized volume without reaching into package internals.
func (v *Volume) Mappings() []Mapping {
	return v.mappings.All()
}

// Close commits any accumulated writes (the operator confirmation a real
// frontend would show first is out of scope here, per §1), closes any
// cached host file descriptor, and closes the overlay. Close is infallible
// from the caller's perspective (§7); a failed Commit is best-effort and
// its error is not propagated, matching §5's resource-release contract.
func (v *Volume) Close() error {
	if v.closed {
		return nil
	}
	v.closed = true
	if v.modified {
		_ = v.Commit()
	}
	v.cache.close()
	_ = v.overlay.Close()
	return nil
}
