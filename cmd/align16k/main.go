package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"gitlab.com/stephen-fox/alignkit/elfalign"
)

const (
	verboseArg = "v"
	helpArg    = "h"

	appName = "align16k"
	usage   = appName + `
Patches an ELF shared object so every PT_LOAD segment declares an
alignment of at least 16384 bytes (the 16 KiB page size). Libraries
built against a 4 KiB page size can be made loadable this way without
recompiling them.

The file is only written if a segment actually needed patching, and
the write is atomic: the patched image goes to a sibling temporary
file which is then renamed over the original.

exit codes:
  0 - success (patched or nothing to do)
  1 - usage error
  2 - the file was skipped; the reason is written to stderr

usage:
` + appName + ` [options] <path-to-so>

options:
`
)

func main() {
	log.SetFlags(0)

	verbose := flag.Bool(
		verboseArg,
		false,
		"Log each program header as it is examined")
	help := flag.Bool(
		helpArg,
		false,
		"Display this help page")

	flag.Parse()

	if *help || flag.NArg() != 1 {
		os.Stderr.WriteString(usage)
		flag.PrintDefaults()
		os.Exit(1)
	}

	path := flag.Arg(0)

	if *verbose {
		describeFile(path)
	}

	changed, err := elfalign.AlignFile(path, elfalign.DefaultMinAlignment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[%s] Skipped %s: %s\n", appName, path, err)
		os.Exit(2)
	}

	if changed {
		fmt.Printf("Aligned %s to %d bytes\n", path, elfalign.DefaultMinAlignment)
	}
}

func describeFile(path string) {
	image, err := os.ReadFile(path)
	if err != nil {
		return
	}

	hdr, err := elfalign.ParseHeader(image)
	if err != nil {
		return
	}

	log.Printf("%s: %s %s - %d program headers",
		path, hdr.Class, hdr.ByteOrder, hdr.PhNum)

	for i, phdr := range hdr.ProgramHeaders(image) {
		log.Printf("  %d: %s %s align 0x%x",
			i, phdr.TypeString(), phdr.FlagsString(), phdr.Align)
	}
}
