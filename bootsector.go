package vvfat

import (
	"encoding/binary"

	"github.com/spf13/afero"

	"github.com/kb2ma/vvfat/internal/geometry"
)

// synthesizeBootSector builds the 512-byte boot sector (and, for FAT32, the
// paired FSInfo sector) from geom, matching init_bootsector's field-by-field
// construction in the reference implementation. If opts.BootSectorTemplatePath
// is set and readable, it is adopted verbatim instead (§4.3's adoption
// priority: a template file always wins over synthesis).
func synthesizeBootSector(geom geometry.Geometry, opts Options) (bootSector, fsInfo []byte) {
	if opts.BootSectorTemplatePath != "" {
		if data, err := afero.ReadFile(opts.HostDir, opts.BootSectorTemplatePath); err == nil && len(data) == SectorSize {
			bootSector = data
			if geom.FATType == FAT32 {
				fsInfo = synthesizeFSInfo(geom)
			}
			return bootSector, fsInfo
		}
	}

	buf := make([]byte, SectorSize)

	// BSJumpBoot: short jump + NOP. FAT32 needs a different displacement
	// since its fixed header extends further into the sector.
	buf[0] = 0xEB
	if geom.FATType == FAT32 {
		buf[1] = 0x58
	} else {
		buf[1] = 0x3E
	}
	buf[2] = 0x90
	copy(buf[3:11], "MSWIN4.1") // Win95/98 need this to detect FAT32, per the reference comment

	binary.LittleEndian.PutUint16(buf[11:13], uint16(geom.BytesPerSector))
	buf[13] = byte(geom.SectorsPerCluster)
	binary.LittleEndian.PutUint16(buf[14:16], uint16(geom.ReservedSectors))
	buf[16] = byte(geom.NumFATs)
	binary.LittleEndian.PutUint16(buf[17:19], uint16(geom.RootEntryCount))

	if geom.TotalSectors <= 0xFFFF {
		binary.LittleEndian.PutUint16(buf[19:21], uint16(geom.TotalSectors))
	}
	if geom.FATType == FAT12 {
		buf[21] = 0xF0
	} else {
		buf[21] = 0xF8
	}

	if geom.FATType != FAT32 {
		binary.LittleEndian.PutUint16(buf[22:24], uint16(geom.SectorsPerFAT))
	}
	binary.LittleEndian.PutUint16(buf[24:26], uint16(geom.SectorsPerTrack))
	binary.LittleEndian.PutUint16(buf[26:28], uint16(geom.Heads))
	binary.LittleEndian.PutUint32(buf[28:32], geom.HiddenSectors)
	if geom.TotalSectors > 0xFFFF {
		binary.LittleEndian.PutUint32(buf[32:36], uint32(geom.TotalSectors))
	}

	if geom.FATType == FAT32 {
		binary.LittleEndian.PutUint32(buf[36:40], uint32(geom.SectorsPerFAT))
		// ExtFlags (40:42) and FSVersion (42:44) stay zero: one active FAT, version 0.0.
		binary.LittleEndian.PutUint32(buf[44:48], 2) // RootCluster, always 2 (the first data cluster)
		binary.LittleEndian.PutUint16(buf[48:50], 1) // FSInfo sector
		binary.LittleEndian.PutUint16(buf[50:52], 6) // BkBootSector
		// Reserved (52:64) stays zero.
		buf[64] = 0x80 // BSDriveNumber: assume hda
		buf[66] = 0x29 // BSBootSignature
		binary.LittleEndian.PutUint32(buf[67:71], 0xFABE1AFD)
		copy(buf[71:82], padName("BOCHS VVFAT"))
		copy(buf[82:90], "FAT32   ")
	} else {
		buf[36] = 0x80
		if geom.FATType == FAT12 {
			buf[36] = 0x00
		}
		buf[38] = 0x29
		binary.LittleEndian.PutUint32(buf[39:43], 0xFABE1AFD)
		copy(buf[43:54], padName("BOCHS VVFAT"))
		if geom.FATType == FAT12 {
			copy(buf[54:62], "FAT12   ")
		} else {
			copy(buf[54:62], "FAT16   ")
		}
	}

	binary.LittleEndian.PutUint16(buf[510:512], MBRBootSignature)

	if geom.FATType == FAT32 {
		fsInfo = synthesizeFSInfo(geom)
	}
	return buf, fsInfo
}

// padName right-pads (or truncates) name to 11 bytes with spaces, matching
// the fixed-width BSVolumeLabel field.
func padName(name string) []byte {
	out := make([]byte, 11)
	for i := range out {
		out[i] = ' '
	}
	copy(out, name)
	return out
}

// synthesizeFSInfo builds the FAT32 FSInfo sector. FreeCount and NextFree
// are both left at 0xFFFFFFFF ("unknown"): this module never tracks a
// running free-cluster count, so it never claims to know one.
func synthesizeFSInfo(geom geometry.Geometry) []byte {
	buf := make([]byte, SectorSize)
	binary.LittleEndian.PutUint32(buf[0:4], fsInfoLeadSignature)
	binary.LittleEndian.PutUint32(buf[484:488], fsInfoStructSignature)
	binary.LittleEndian.PutUint32(buf[488:492], 0xFFFFFFFF)
	binary.LittleEndian.PutUint32(buf[492:496], 0xFFFFFFFF)
	binary.LittleEndian.PutUint32(buf[508:512], fsInfoTrailSignature)
	return buf
}

// synthesizeMBR builds the one-partition MBR that precedes the boot sector
// when the volume is presented as a hard-disk image rather than a bare
// floppy, matching init_mbr. If opts.MBRTemplatePath is set and readable, it
// is adopted verbatim (§4.3).
func synthesizeMBR(geom geometry.Geometry, opts Options) []byte {
	if opts.MBRTemplatePath != "" {
		if data, err := afero.ReadFile(opts.HostDir, opts.MBRTemplatePath); err == nil && len(data) == SectorSize {
			return data
		}
	}
	if geom.FATType == FAT12 {
		// A 1.44MB floppy has no MBR; the boot sector sits at sector 0.
		return nil
	}

	buf := make([]byte, SectorSize)
	binary.LittleEndian.PutUint32(buf[440:444], 0xBE1AFDFA) // NT disk signature

	const offsetToBootSector = 1
	totalSectors := geom.TotalSectors
	partition := buf[446:462]
	partition[0] = 0x80 // bootable
	writeCHS(partition[1:4], offsetToBootSector, geom)
	switch geom.FATType {
	case FAT16:
		partition[4] = 0x06
	default:
		partition[4] = 0x0C
	}
	writeCHS(partition[5:8], totalSectors-1, geom)
	binary.LittleEndian.PutUint32(partition[8:12], uint32(offsetToBootSector))
	binary.LittleEndian.PutUint32(partition[12:16], uint32(totalSectors-offsetToBootSector))

	binary.LittleEndian.PutUint16(buf[510:512], MBRBootSignature)
	return buf
}

// writeCHS encodes sectorPos as a CHS triple in the packed 3-byte MBR
// format, falling back to the all-0xFF "use LBA instead" sentinel if
// sectorPos doesn't fit the classic 1024-cylinder CHS addressing scheme.
func writeCHS(out []byte, sectorPos uint64, geom geometry.Geometry) {
	spt := uint64(geom.SectorsPerTrack)
	heads := uint64(geom.Heads)
	if spt == 0 || heads == 0 {
		out[0], out[1], out[2] = 0xFF, 0xFF, 0xFF
		return
	}

	cylinder := sectorPos / (spt * heads)
	head := (sectorPos / spt) % heads
	sector := sectorPos%spt + 1

	if cylinder > 1023 {
		out[0], out[1], out[2] = 0xFF, 0xFF, 0xFF
		return
	}

	out[0] = byte(head)
	out[1] = byte(sector&0x3F) | byte((cylinder>>2)&0xC0)
	out[2] = byte(cylinder)
}
