package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/olekukonko/tablewriter"
	"gitlab.com/stephen-fox/alignkit/asmkit"
	"gitlab.com/stephen-fox/alignkit/elfalign"
)

const (
	dasmArg     = "d"
	dasmLenArg  = "n"
	minAlignArg = "m"
	syntaxArg   = "s"
	helpArg     = "h"

	appName = "phdr"
	usage   = appName + `
Prints the program-header table of an ELF binary, flagging PT_LOAD
segments whose alignment falls below a threshold. This is the tool to
reach for when deciding whether a shared object needs its load
segments re-aligned, or when verifying the result of patching one.

usage:
` + appName + ` [options] <elf-file>

examples:
  List the program headers of a shared object:
    $ ` + appName + ` libfoo.so

  Disassemble the first 32 bytes of the executable load segment:
    $ ` + appName + ` -` + dasmArg + ` libfoo.so

options:
`
)

func main() {
	log.SetFlags(0)

	err := mainWithError()
	if err != nil {
		log.Fatalln("fatal:", err)
	}
}

func mainWithError() error {
	dasm := flag.Bool(
		dasmArg,
		false,
		"Disassemble the start of the executable load segment")
	dasmLen := flag.Int(
		dasmLenArg,
		32,
		"Number of bytes to disassemble")
	minAlign := flag.Uint64(
		minAlignArg,
		elfalign.DefaultMinAlignment,
		"Alignment threshold below which PT_LOAD segments are flagged")
	syntax := flag.String(
		syntaxArg,
		string(asmkit.ATTSyntax),
		"The desired assembly syntax")
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

	if flag.NArg() != 1 {
		return errors.New("please specify exactly one elf file")
	}

	path := flag.Arg(0)

	image, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read '%s' - %w", path, err)
	}

	hdr, err := elfalign.ParseHeader(image)
	if err != nil {
		return fmt.Errorf("failed to parse '%s' - %w", path, err)
	}

	phdrs := hdr.ProgramHeaders(image)

	fmt.Printf("%s: %s %s machine %d - %d program headers\n",
		path, hdr.Class, hdr.ByteOrder, hdr.Machine, len(phdrs))

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{
		"idx", "type", "offset", "vaddr", "filesz", "memsz", "flags", "align", "",
	})

	for i, phdr := range phdrs {
		var note string
		if phdr.Type == elfalign.PTLoad && phdr.Align < *minAlign {
			note = fmt.Sprintf("under-aligned (< 0x%x)", *minAlign)
		}

		table.Append([]string{
			fmt.Sprintf("%d", i),
			phdr.TypeString(),
			fmt.Sprintf("0x%x", phdr.Offset),
			fmt.Sprintf("0x%x", phdr.VirtAddr),
			fmt.Sprintf("0x%x", phdr.FileSize),
			fmt.Sprintf("0x%x", phdr.MemSize),
			phdr.FlagsString(),
			fmt.Sprintf("0x%x", phdr.Align),
			note,
		})
	}

	table.Render()

	if !*dasm {
		return nil
	}

	return disassembleExecSegment(hdr, image, phdrs, *dasmLen, asmkit.DisassemblySyntax(*syntax))
}

func disassembleExecSegment(hdr elfalign.Header, image []byte, phdrs []elfalign.ProgramHeader, numBytes int, syntax asmkit.DisassemblySyntax) error {
	var execSeg elfalign.ProgramHeader

	found := false

	for _, phdr := range phdrs {
		if phdr.Type == elfalign.PTLoad && phdr.Flags&elfalign.PFExec != 0 {
			execSeg = phdr
			found = true

			break
		}
	}

	if !found {
		return errors.New("no executable load segment found")
	}

	if numBytes <= 0 {
		return fmt.Errorf("number of bytes to disassemble must be greater than zero, got %d",
			numBytes)
	}

	start := execSeg.Offset
	if start >= uint64(len(image)) {
		return fmt.Errorf("executable load segment offset 0x%x is beyond the end of the file",
			start)
	}

	// Clamp the length before computing the end offset. Adding to
	// start first can overflow when the file size field is garbage.
	length := uint64(numBytes)
	if avail := uint64(len(image)) - start; length > avail {
		length = avail
	}

	if execSeg.FileSize < length {
		length = execSeg.FileSize
	}

	end := start + length

	disassembler, err := asmkit.NewDisassemblerForMachine(hdr.Machine, syntax)
	if err != nil {
		return fmt.Errorf("failed to create disassembler - %w", err)
	}

	fmt.Printf("\nexecutable load segment at 0x%x:\n", start)

	err = disassembler.All(image[start:end], func(inst asmkit.Inst) error {
		fmt.Printf("  0x%08x: %-24x %s\n",
			start+uint64(inst.Index), inst.Bin, inst.Dis)

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to disassemble segment - %w", err)
	}

	return nil
}
