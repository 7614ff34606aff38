// Command vvfatctl mounts a host directory as a synthesized FAT volume,
// prints what the scanner made of it, and optionally commits a redo-log
// overlay back onto the directory. It plays the same role as
// aligator-GoFAT's cmd/example: a thin exerciser for the package API, not a
// production frontend (the operator confirmation prompt a real one would
// show before -commit is out of scope here).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"

	"github.com/kb2ma/vvfat"
	"github.com/kb2ma/vvfat/checkpoint"
)

func main() {
	var (
		commit  = pflag.Bool("commit", false, "commit the overlay back onto dir before exiting")
		label   = pflag.String("label", "", "volume label override (defaults to VVFAT)")
		verbose = pflag.BoolP("verbose", "v", false, "print every mapping, not just the summary")
	)
	pflag.Parse()

	if pflag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: vvfatctl [flags] <dir>")
		os.Exit(1)
	}
	dir := pflag.Arg(0)

	host := afero.NewBasePathFs(afero.NewOsFs(), dir)
	v, err := vvfat.Open(vvfat.Options{HostDir: host, VolumeLabel: *label})
	if err != nil {
		fail("open", err)
	}
	defer v.Close()

	caps := v.Capabilities()
	fmt.Printf("volume: %d sectors, %d heads, %d sectors/track\n",
		caps.TotalSectors, caps.Heads, caps.SectorsPerTrack)

	mappings := v.Mappings()
	fmt.Printf("mappings: %d\n", len(mappings))
	if *verbose {
		for _, m := range mappings {
			kind := "file"
			if m.IsDirectory {
				kind = "dir"
			}
			fmt.Printf("  %-5s [%6d,%6d) %s\n", kind, m.Begin, m.End, m.Path)
		}
	}

	if *commit {
		if err := v.Commit(); err != nil {
			fail("commit", err)
		}
		fmt.Println("commit: ok")
	}
}

// fail prints err's full checkpoint stack, innermost cause last, and exits
// non-zero.
func fail(action string, err error) {
	fmt.Fprintf(os.Stderr, "vvfatctl: %s failed:\n", action)
	for _, line := range checkpoint.Stack(err) {
		fmt.Fprintf(os.Stderr, "  %s\n", line)
	}
	os.Exit(1)
}
