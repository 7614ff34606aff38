package vvfat

import "errors"

// Sentinel errors. Callers should compare with errors.Is. Open returns
// ErrBadGeometry wrapped through checkpoint, so the immediate cause is still
// reachable with errors.As; ReadSector and WriteSector return
// ErrSectorOutOfRange unwrapped. The other values are declared here but no
// function in this package returns them.
var (
	ErrBadGeometry      = errors.New("vvfat: host directory geometry could not be resolved")
	ErrBadBootSector     = errors.New("vvfat: supplied boot-sector template is malformed")
	ErrBadMBR            = errors.New("vvfat: supplied MBR template is malformed")
	ErrSectorOutOfRange  = errors.New("vvfat: sector index out of range")
	ErrOverlayExhausted  = errors.New("vvfat: redo log has no free extents left")
	ErrNoMappingForPath  = errors.New("vvfat: no mapping for path")
	ErrNoMappingForCluster = errors.New("vvfat: no mapping for cluster")
	ErrVolumeClosed      = errors.New("vvfat: operation on closed volume")
)
