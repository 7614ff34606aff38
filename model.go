// The structs in this file mirror on-disk FAT/MBR byte layouts exactly.
// Every field is fixed-width and little-endian; none of them carry a Go
// packing directive, so (de)serialization always goes through
// encoding/binary rather than relying on struct layout matching the wire
// format incidentally.

package vvfat

// SectorSize is the only sector size this module ever synthesizes or
// accepts on the write path.
const SectorSize = 512

// BPB is the BIOS Parameter Block common to FAT12, FAT16 and FAT32.
type BPB struct {
	BSJumpBoot          [3]byte
	BSOEMName           [8]byte
	BytesPerSector      uint16
	SectorsPerCluster   byte
	ReservedSectorCount uint16
	NumFATs             byte
	RootEntryCount      uint16
	TotalSectors16      uint16
	Media               byte
	FATSize16           uint16
	SectorsPerTrack     uint16
	NumberOfHeads       uint16
	HiddenSectors       uint32
	TotalSectors32      uint32
}

// FAT16SpecificData is the portion of the boot sector following the BPB on
// FAT12/FAT16 volumes.
type FAT16SpecificData struct {
	BSDriveNumber    byte
	BSReserved1      byte
	BSBootSignature  byte
	BSVolumeID       uint32
	BSVolumeLabel    [11]byte
	BSFileSystemType [8]byte
}

// FAT32SpecificData is the portion of the boot sector following the BPB on
// FAT32 volumes.
type FAT32SpecificData struct {
	FATSize32        uint32
	ExtFlags         uint16
	FSVersion        uint16
	RootCluster      uint32
	FSInfo           uint16
	BkBootSector     uint16
	Reserved         [12]byte
	BSDriveNumber    byte
	BSReserved1      byte
	BSBootSignature  byte
	BSVolumeID       uint32
	BSVolumeLabel    [11]byte
	BSFileSystemType [8]byte
}

// FSInfo is the FAT32 filesystem-information sector, written at BPB.FSInfo
// and mirrored to the write router the same way the boot sector is.
type FSInfo struct {
	LeadSignature   uint32 // 0x41615252
	StructSignature uint32 // 0x61417272
	FreeCount       uint32
	NextFree        uint32
	TrailSignature  uint32 // 0xAA550000, at byte offset 0x1FC within the sector
}

const (
	fsInfoLeadSignature   = 0x41615252
	fsInfoStructSignature = 0x61417272
	fsInfoTrailSignature  = 0xAA550000
)

// DirEntry is the 32-byte 8.3 directory entry.
type DirEntry struct {
	Name            [11]byte
	Attribute       byte
	NTReserved      byte
	CreateTimeTenth byte
	CreateTime      uint16
	CreateDate      uint16
	LastAccessDate  uint16
	FirstClusterHI  uint16
	WriteTime       uint16
	WriteDate       uint16
	FirstClusterLO  uint16
	FileSize        uint32
}

// Attribute bits, §3 / GLOSSARY.
const (
	AttrReadOnly  = 0x01
	AttrHidden    = 0x02
	AttrSystem    = 0x04
	AttrVolumeID  = 0x08
	AttrDirectory = 0x10
	AttrArchive   = 0x20
	AttrLongName  = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeID
)

// FirstCluster returns the entry's starting cluster, spanning the
// FirstClusterHI:FirstClusterLO split.
func (e DirEntry) FirstCluster() uint32 {
	return uint32(e.FirstClusterHI)<<16 | uint32(e.FirstClusterLO)
}

// SetFirstCluster splits cluster across FirstClusterHI:FirstClusterLO.
func (e *DirEntry) SetFirstCluster(cluster uint32) {
	e.FirstClusterHI = uint16(cluster >> 16)
	e.FirstClusterLO = uint16(cluster & 0xFFFF)
}

// IsFree reports whether this slot has never been used or was deleted.
func (e DirEntry) IsFree() bool {
	return e.Name[0] == 0x00 || e.Name[0] == 0xE5
}

// IsEndMarker reports whether this slot and all following slots in the
// directory are unused.
func (e DirEntry) IsEndMarker() bool {
	return e.Name[0] == 0x00
}

// IsLongNamePart reports whether this slot is really an LFN fragment
// reinterpreted as a DirEntry.
func (e DirEntry) IsLongNamePart() bool {
	return e.Attribute&AttrLongName == AttrLongName
}

// LongNameEntry is one 32-byte fragment of an LFN chain, storing up to 13
// UCS-2 code units of a long file name. Byte offsets: 0 (Sequence),
// 1,3,5,7,9 (First), 11 (Attribute), 12 (EntryType), 13 (Checksum),
// 14,16,18,20,22,24 (Second), 26 (Zero cluster field), 28,30 (Third).
type LongNameEntry struct {
	Sequence  byte
	First     [5]uint16
	Attribute byte
	EntryType byte
	Checksum  byte
	Second    [6]uint16
	Zero      [2]byte
	Third     [2]uint16
}

// LastLongEntry marks the first (highest-ordinal) entry of an LFN chain, set
// on Sequence's bit 6.
const LastLongEntry = 0x40

// NameUnits returns this fragment's 13 UCS-2 code units in on-disk order.
func (l LongNameEntry) NameUnits() [13]uint16 {
	var units [13]uint16
	copy(units[0:5], l.First[:])
	copy(units[5:11], l.Second[:])
	copy(units[11:13], l.Third[:])
	return units
}

// SetNameUnits populates First/Second/Third from 13 UCS-2 code units.
func (l *LongNameEntry) SetNameUnits(units [13]uint16) {
	copy(l.First[:], units[0:5])
	copy(l.Second[:], units[5:11])
	copy(l.Third[:], units[11:13])
}

// MBRPartitionEntry is one of the four 16-byte MBR partition table slots.
type MBRPartitionEntry struct {
	Status          byte
	CHSFirst        [3]byte
	Type            byte
	CHSLast         [3]byte
	LBAFirst        uint32
	SectorCountLBA  uint32
}

// MBRBootSignature is the two magic bytes at the end of sector 0.
const MBRBootSignature = 0xAA55
