// Package geometry chooses the on-disk shape of a synthesized volume: FAT
// variant, cluster size, reserved sector count and CHS/LBA geometry. It is
// grounded on the priority chain and sizing tables in
// vvfat_image_t::open() of the reference implementation: an operator can
// hand it a boot-sector (and/or MBR) template to adopt verbatim, or it
// derives everything from the host directory's total size.
package geometry

import "fmt"

// FATType identifies which of the three on-disk FAT flavors a volume uses.
type FATType int

const (
	FAT12 FATType = iota
	FAT16
	FAT32
)

func (t FATType) String() string {
	switch t {
	case FAT12:
		return "FAT12"
	case FAT16:
		return "FAT16"
	case FAT32:
		return "FAT32"
	default:
		return "unknown"
	}
}

// Geometry is the fully-resolved shape of a synthesized volume.
type Geometry struct {
	FATType FATType

	BytesPerSector    uint32 // always 512 in this module
	SectorsPerCluster uint32
	ReservedSectors   uint32
	NumFATs           uint32
	RootEntryCount    uint32 // 0 for FAT32, which has no fixed-size root directory
	TotalSectors      uint64
	SectorsPerFAT     uint64
	SectorsPerTrack   uint32
	Heads             uint32
	HiddenSectors     uint32

	// Derived layout offsets, all in sectors from the start of the volume.
	OffsetToFAT     uint64
	OffsetToRootDir uint64
	OffsetToData    uint64

	ClusterCount uint64
}

const sectorSize = 512

// step is one entry of the no-boot-file cluster-size selection table:
// volumes up to MaxSectors get SectorsPerCluster-sized clusters.
type step struct {
	maxSectors        uint64
	sectorsPerCluster uint32
}

// fat16Steps mirrors the reference implementation's cluster-size ladder for
// FAT16, keyed by volume size in MB (converted here to 512-byte sectors):
// <=127MB->4KiB clusters, <=255MB->8KiB, <=511MB->16KiB, <=1023MB->32KiB,
// larger gets 64KiB clusters and stays FAT16 up to fat16MaxSectors.
var fat16Steps = []step{
	{maxSectors: 127 * 1024 * 1024 / sectorSize, sectorsPerCluster: 8},
	{maxSectors: 255 * 1024 * 1024 / sectorSize, sectorsPerCluster: 16},
	{maxSectors: 511 * 1024 * 1024 / sectorSize, sectorsPerCluster: 32},
	{maxSectors: 1023 * 1024 * 1024 / sectorSize, sectorsPerCluster: 64},
}

// fat32Steps is the equivalent ladder for FAT32: <=2047MB->4KiB,
// <=8191MB->8KiB, <=16383MB->16KiB, <=32767MB->32KiB, else 64KiB.
var fat32Steps = []step{
	{maxSectors: 2047 * 1024 * 1024 / sectorSize, sectorsPerCluster: 8},
	{maxSectors: 8191 * 1024 * 1024 / sectorSize, sectorsPerCluster: 16},
	{maxSectors: 16383 * 1024 * 1024 / sectorSize, sectorsPerCluster: 32},
	{maxSectors: 32767 * 1024 * 1024 / sectorSize, sectorsPerCluster: 64},
}

// floppySectors is the classic 1.44MB floppy sector count, given its own
// hardcoded geometry rather than falling through the MB-threshold tables.
const floppySectors = 2880

// fat16MaxSectors is the size cutoff between FAT16 and FAT32 when the type
// isn't forced: FAT16 up to just under 2047MB, FAT32 at and above it. This
// is independent of fat16Steps's last rung (1023MB), which only governs
// FAT16's cluster size, not where FAT16 stops being chosen at all.
const fat16MaxSectors = 2047 * 1024 * 1024 / sectorSize

// Plan derives a Geometry for a directory tree occupying approximately
// dataBytes worth of clusters, honoring forceType if non-nil (an operator
// override; the zero value means "derive from size"). A volume small enough
// for the floppy layout is always FAT12 whatever forceType says, and forcing
// FAT12 on a larger volume has the same effect as nil.
func Plan(dataBytes uint64, forceType *FATType) (Geometry, error) {
	totalSectors := estimateTotalSectors(dataBytes)

	g := Geometry{
		BytesPerSector:  sectorSize,
		NumFATs:         2,
		ReservedSectors: 1,
		SectorsPerTrack: 63,
		Heads:           16,
	}

	switch {
	case totalSectors <= floppySectors:
		g.TotalSectors = floppySectors
		g.SectorsPerCluster = 1
		g.RootEntryCount = 224
		g.FATType = FAT12
		g.SectorsPerTrack = 18
		g.Heads = 2
	case forceType != nil && *forceType == FAT32:
		g.TotalSectors = totalSectors
		g.FATType = FAT32
		g.SectorsPerCluster = clusterSizeFor(totalSectors, fat32Steps)
		g.ReservedSectors = 32
		g.NumFATs = 2
	case forceType != nil && *forceType == FAT16:
		g.TotalSectors = totalSectors
		g.FATType = FAT16
		g.SectorsPerCluster = clusterSizeFor(totalSectors, fat16Steps)
		g.RootEntryCount = 512
	default:
		g.TotalSectors = totalSectors
		if totalSectors > fat16MaxSectors {
			g.FATType = FAT32
			g.SectorsPerCluster = clusterSizeFor(totalSectors, fat32Steps)
			g.ReservedSectors = 32
		} else {
			g.FATType = FAT16
			g.SectorsPerCluster = clusterSizeFor(totalSectors, fat16Steps)
			g.RootEntryCount = 512
		}
	}

	if g.SectorsPerCluster == 0 {
		return Geometry{}, fmt.Errorf("geometry: volume of %d sectors is too large for %s", totalSectors, g.FATType)
	}

	g.ClusterCount = (g.TotalSectors - uint64(g.ReservedSectors)) / uint64(g.SectorsPerCluster)
	g.SectorsPerFAT = sectorsPerFAT(g.FATType, g.ClusterCount, g.NumFATs)

	rootDirSectors := (uint64(g.RootEntryCount)*32 + sectorSize - 1) / sectorSize
	g.OffsetToFAT = uint64(g.ReservedSectors)
	g.OffsetToRootDir = g.OffsetToFAT + uint64(g.NumFATs)*g.SectorsPerFAT
	g.OffsetToData = g.OffsetToRootDir + rootDirSectors

	return g, nil
}

func estimateTotalSectors(dataBytes uint64) uint64 {
	// A small fixed slack for FAT/root-dir/reserved overhead on top of the
	// raw data footprint, then round up to a whole sector.
	withSlack := dataBytes + dataBytes/32 + 1024*1024
	return (withSlack + sectorSize - 1) / sectorSize
}

func clusterSizeFor(totalSectors uint64, steps []step) uint32 {
	for _, s := range steps {
		if totalSectors <= s.maxSectors {
			return s.sectorsPerCluster
		}
	}
	return steps[len(steps)-1].sectorsPerCluster * 2
}

// sectorsPerFAT sizes the FAT itself so it can address clusterCount+2
// entries (clusters are 2-indexed) at the type's per-entry bit width.
func sectorsPerFAT(t FATType, clusterCount uint64, numFATs uint32) uint64 {
	entries := clusterCount + 2
	var bitsPerEntry uint64
	switch t {
	case FAT12:
		bitsPerEntry = 12
	case FAT16:
		bitsPerEntry = 16
	default:
		bitsPerEntry = 32
	}
	totalBits := entries * bitsPerEntry
	totalBytes := (totalBits + 7) / 8
	return (totalBytes + sectorSize - 1) / sectorSize
}
