package main

import (
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"gitlab.com/stephen-fox/alignkit/bstruct"
	"gitlab.com/stephen-fox/alignkit/iokit"
)

const (
	classArg  = "c"
	endianArg = "e"
	loadsArg  = "l"
	alignArg  = "a"
	outArg    = "o"
	helpArg   = "h"

	littleEndian = "little"
	bigEndian    = "big"

	appName = "mkelf"
	usage   = appName + `
Writes a minimal synthetic ELF image containing only a file header and
a program-header table. Useful for exercising tools that read or
rewrite program headers without needing a real compiled binary.

usage:
` + appName + ` -` + outArg + ` <output-path> [options]

examples:
  A 64-bit little-endian image with one PT_LOAD entry aligned to 4 KiB:
    $ ` + appName + ` -` + outArg + ` test.so

  A 32-bit big-endian image with three PT_LOAD entries:
    $ ` + appName + ` -` + classArg + ` 32 -` + endianArg + ` ` + bigEndian + ` -` + loadsArg + ` 3 -` + outArg + ` test.so

options:
`
)

type header64 struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// progHeader64 pads each entry out to 0x40 bytes so the alignment
// field sits at entry offset 0x38.
type progHeader64 struct {
	Type   uint32
	Flags  uint32
	Off    uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Pad    uint64
	Align  uint64
}

type header32 struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint32
	Phoff     uint32
	Shoff     uint32
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

type progHeader32 struct {
	Type   uint32
	Off    uint32
	Vaddr  uint32
	Paddr  uint32
	Filesz uint32
	Memsz  uint32
	Flags  uint32
	Align  uint32
}

const (
	etDyn     = 3
	emARM     = 40
	emAARCH64 = 183

	ptLoad = 1

	pfExec  = 1
	pfWrite = 2
	pfRead  = 4

	headerSize64 = 0x40
	phdrSize64   = 0x40
	headerSize32 = 0x34
	phdrSize32   = 0x20
)

func main() {
	log.SetFlags(0)

	err := mainWithError()
	if err != nil {
		log.Fatalln("fatal:", err)
	}
}

func mainWithError() error {
	class := flag.Int(
		classArg,
		64,
		"The ELF class (32 or 64)")
	endian := flag.String(
		endianArg,
		littleEndian,
		fmt.Sprintf("The byte order ('%s' or '%s')", littleEndian, bigEndian))
	numLoads := flag.Int(
		loadsArg,
		1,
		"Number of PT_LOAD entries")
	align := flag.Uint64(
		alignArg,
		0x1000,
		"Alignment value for each PT_LOAD entry")
	outPath := flag.String(
		outArg,
		"",
		"The output file path")
	help := flag.Bool(
		helpArg,
		false,
		"Display this help page")

	flag.Parse()

	if *help {
		os.Stderr.WriteString(usage)
		flag.PrintDefaults()
		os.Exit(1)
	}

	if *outPath == "" {
		return errors.New("please specify an output file path")
	}

	if *numLoads < 0 || *numLoads > 0xffff {
		return errors.New("number of PT_LOAD entries must be between 0 and 65535")
	}

	var bo binary.ByteOrder
	var dataMarker byte

	switch *endian {
	case littleEndian:
		bo = binary.LittleEndian
		dataMarker = 1
	case bigEndian:
		bo = binary.BigEndian
		dataMarker = 2
	default:
		return fmt.Errorf("unknown byte order: '%s'", *endian)
	}

	var image []byte
	var err error

	switch *class {
	case 64:
		image, err = image64(bo, dataMarker, *numLoads, *align)
	case 32:
		image, err = image32(bo, dataMarker, *numLoads, *align)
	default:
		return fmt.Errorf("unsupported elf class: %d", *class)
	}
	if err != nil {
		return fmt.Errorf("failed to build image - %w", err)
	}

	err = iokit.ReplaceFile(iokit.ReplaceFileConfig{
		Path: *outPath,
		Data: image,
	})
	if err != nil {
		return fmt.Errorf("failed to write '%s' - %w", *outPath, err)
	}

	log.Printf("wrote %d byte %d-bit %s-endian image with %d load segment(s) to '%s'",
		len(image), *class, *endian, *numLoads, *outPath)

	return nil
}

func image64(bo binary.ByteOrder, dataMarker byte, numLoads int, align uint64) ([]byte, error) {
	image, err := bstruct.StructToBytes(header64{
		Ident:     [16]byte{0x7f, 'E', 'L', 'F', 2, dataMarker, 1},
		Type:      etDyn,
		Machine:   emAARCH64,
		Version:   1,
		Phoff:     headerSize64,
		Ehsize:    headerSize64,
		Phentsize: phdrSize64,
		Phnum:     uint16(numLoads),
	}, bo, nil)
	if err != nil {
		return nil, err
	}

	for i := 0; i < numLoads; i++ {
		entry, err := bstruct.StructToBytes(progHeader64{
			Type:   ptLoad,
			Flags:  segmentFlags(i),
			Off:    uint64(0x1000 * (i + 1)),
			Vaddr:  uint64(0x1000 * (i + 1)),
			Paddr:  uint64(0x1000 * (i + 1)),
			Filesz: 0x800,
			Memsz:  0x800,
			Align:  align,
		}, bo, nil)
		if err != nil {
			return nil, err
		}

		image = append(image, entry...)
	}

	return image, nil
}

func image32(bo binary.ByteOrder, dataMarker byte, numLoads int, align uint64) ([]byte, error) {
	if align > 0xffffffff {
		return nil, fmt.Errorf("alignment 0x%x does not fit in a 32-bit field", align)
	}

	image, err := bstruct.StructToBytes(header32{
		Ident:     [16]byte{0x7f, 'E', 'L', 'F', 1, dataMarker, 1},
		Type:      etDyn,
		Machine:   emARM,
		Version:   1,
		Phoff:     headerSize32,
		Ehsize:    headerSize32,
		Phentsize: phdrSize32,
		Phnum:     uint16(numLoads),
	}, bo, nil)
	if err != nil {
		return nil, err
	}

	for i := 0; i < numLoads; i++ {
		entry, err := bstruct.StructToBytes(progHeader32{
			Type:   ptLoad,
			Off:    uint32(0x1000 * (i + 1)),
			Vaddr:  uint32(0x1000 * (i + 1)),
			Paddr:  uint32(0x1000 * (i + 1)),
			Filesz: 0x800,
			Memsz:  0x800,
			Flags:  segmentFlags(i),
			Align:  uint32(align),
		}, bo, nil)
		if err != nil {
			return nil, err
		}

		image = append(image, entry...)
	}

	return image, nil
}

// segmentFlags makes the first segment executable and the rest
// writable, mirroring the usual text/data split.
func segmentFlags(i int) uint32 {
	if i == 0 {
		return pfRead | pfExec
	}

	return pfRead | pfWrite
}
