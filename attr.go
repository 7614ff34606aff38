package vvfat

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/afero"

	"github.com/kb2ma/vvfat/internal/arena"
)

// parseAttrLine parses one `"relative/path":flags` line from the attribute
// sidecar (§4.5), where flags is any permutation of a/S/H/R.
func parseAttrLine(line string) (path, flags string, ok bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "\"") {
		return "", "", false
	}
	rest := line[1:]
	end := strings.IndexByte(rest, '"')
	if end < 0 {
		return "", "", false
	}
	path = rest[:end]
	rest = rest[end+1:]
	if !strings.HasPrefix(rest, ":") {
		return "", "", false
	}
	return path, rest[1:], true
}

// applyAttrFlags applies flags onto base: 'a' clears the archive bit, 'S'/
// 'H'/'R' set system/hidden/read-only, matching §4.5's read direction.
func applyAttrFlags(base byte, flags string) byte {
	attr := base
	for _, r := range flags {
		switch r {
		case 'a':
			attr &^= AttrArchive
		case 'S':
			attr |= AttrSystem
		case 'H':
			attr |= AttrHidden
		case 'R':
			attr |= AttrReadOnly
		}
	}
	return attr
}

// flagsForAttr is applyAttrFlags's inverse, used on commit: it reports
// which letters turn base (the plain default for a file or directory) into
// attr, and whether attr even deviates from that default (§4.8 step 4:
// "If attributes is neither plain 0x10 nor plain 0x20, emit a line").
func flagsForAttr(base, attr byte) (flags string, needsLine bool) {
	if attr == base {
		return "", false
	}
	var b strings.Builder
	if base&AttrArchive != 0 && attr&AttrArchive == 0 {
		b.WriteByte('a')
	}
	if attr&AttrSystem != 0 {
		b.WriteByte('S')
	}
	if attr&AttrHidden != 0 {
		b.WriteByte('H')
	}
	if attr&AttrReadOnly != 0 {
		b.WriteByte('R')
	}
	return b.String(), true
}

// loadAttrSidecar reads the flag permutation recorded for every path named
// in the sidecar at path under host. A missing sidecar is not an error:
// every mapping just keeps the plain default attribute the scanner gave it.
func loadAttrSidecar(host afero.Fs, path string) (map[string]string, error) {
	f, err := host.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	out := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		p, flags, ok := parseAttrLine(scanner.Text())
		if !ok {
			continue
		}
		out[p] = flags
	}
	return out, scanner.Err()
}

// applyAttrSidecar loads path's sidecar (if any) and patches every matching
// mapping's stored short-entry Attribute byte in place, run once right
// after the scan so every subsequent read already reflects the recorded
// attributes.
func applyAttrSidecar(v *Volume, path string) error {
	flagsByPath, err := loadAttrSidecar(v.opts.HostDir, path)
	if err != nil {
		return err
	}
	for p, flags := range flagsByPath {
		idx, ok := v.mappings.FindForPath(p)
		if !ok {
			continue
		}
		m := v.mappings.Get(idx)
		base := byte(AttrArchive)
		if m.IsDirectory {
			base = AttrDirectory
		}
		v.patchAttribute(idx, applyAttrFlags(base, flags))
	}
	return nil
}

// directoryBytes returns the live byte buffer a mapping whose parent is
// parent lives in: rootData for a FAT12/16 root's direct children, the
// parent's dirData buffer otherwise.
func (v *Volume) directoryBytes(parent arena.Index) []byte {
	p := v.mappings.Get(parent)
	if p.ParentMapping < 0 && v.geom.FATType != FAT32 {
		return v.rootData
	}
	if buf := v.dirData[int(parent)]; buf != nil {
		return buf.data
	}
	return nil
}

// patchAttribute overwrites idx's short directory entry's Attribute byte in
// place. Its caller is applyAttrSidecar, on open; the commit engine does not
// patch attributes back into the synthesized directories.
func (v *Volume) patchAttribute(idx arena.Index, attr byte) {
	m := v.mappings.Get(idx)
	buf := v.directoryBytes(m.ParentMapping)
	if buf == nil || m.DirIndex+11 >= len(buf) {
		return
	}
	buf[m.DirIndex+11] = attr
}

// attrEntry is one resolved (path, attribute, kind) triple the commit
// engine has already walked out of the mutated directory tree.
type attrEntry struct {
	path  string
	attr  byte
	isDir bool
}

// writeAttrSidecar emits one line per entry whose attribute deviates from
// its kind's plain default, in the given order, matching §4.5's write
// direction and §4.8 step 3/5 (opened before, closed after, the directory
// walk).
func writeAttrSidecar(w io.Writer, entries []attrEntry) error {
	for _, e := range entries {
		base := byte(AttrArchive)
		if e.isDir {
			base = AttrDirectory
		}
		flags, needsLine := flagsForAttr(base, e.attr)
		if !needsLine {
			continue
		}
		if _, err := fmt.Fprintf(w, "%q:%s\n", e.path, flags); err != nil {
			return err
		}
	}
	return nil
}
