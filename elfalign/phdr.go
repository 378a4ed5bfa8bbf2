package elfalign

import (
	"fmt"
)

// Program-header segment type tags.
const (
	PTNull    uint32 = 0
	PTLoad    uint32 = 1
	PTDynamic uint32 = 2
	PTInterp  uint32 = 3
	PTNote    uint32 = 4
	PTShlib   uint32 = 5
	PTPhdr    uint32 = 6
	PTTLS     uint32 = 7

	PTGNUEHFrame uint32 = 0x6474e550
	PTGNUStack   uint32 = 0x6474e551
	PTGNURelRO   uint32 = 0x6474e552
)

// Program-header segment permission flags.
const (
	PFExec  uint32 = 1
	PFWrite uint32 = 2
	PFRead  uint32 = 4
)

// Field offsets within a single program-header entry. The 32- and
// 64-bit layouts order their fields differently.
const (
	phOffset64   = 0x08
	phVirtAddr64 = 0x10
	phPhysAddr64 = 0x18
	phFileSize64 = 0x20
	phMemSize64  = 0x28
	phFlags64    = 0x04

	phOffset32   = 0x04
	phVirtAddr32 = 0x08
	phPhysAddr32 = 0x0c
	phFileSize32 = 0x10
	phMemSize32  = 0x14
	phFlags32    = 0x18
)

// ProgramHeader is the decoded form of one program-header table entry.
// 32-bit fields are widened to uint64 so both classes share one type.
type ProgramHeader struct {
	Type     uint32
	Flags    uint32
	Offset   uint64
	VirtAddr uint64
	PhysAddr uint64
	FileSize uint64
	MemSize  uint64
	Align    uint64
}

// TypeString returns the conventional name of the entry's segment
// type tag (e.g., "PT_LOAD").
func (o ProgramHeader) TypeString() string {
	switch o.Type {
	case PTNull:
		return "PT_NULL"
	case PTLoad:
		return "PT_LOAD"
	case PTDynamic:
		return "PT_DYNAMIC"
	case PTInterp:
		return "PT_INTERP"
	case PTNote:
		return "PT_NOTE"
	case PTShlib:
		return "PT_SHLIB"
	case PTPhdr:
		return "PT_PHDR"
	case PTTLS:
		return "PT_TLS"
	case PTGNUEHFrame:
		return "PT_GNU_EH_FRAME"
	case PTGNUStack:
		return "PT_GNU_STACK"
	case PTGNURelRO:
		return "PT_GNU_RELRO"
	default:
		return fmt.Sprintf("0x%08x", o.Type)
	}
}

// FlagsString returns the entry's permission flags in "rwx" notation.
func (o ProgramHeader) FlagsString() string {
	flags := []byte("---")

	if o.Flags&PFRead != 0 {
		flags[0] = 'r'
	}

	if o.Flags&PFWrite != 0 {
		flags[1] = 'w'
	}

	if o.Flags&PFExec != 0 {
		flags[2] = 'x'
	}

	return string(flags)
}

// ProgramHeaders decodes every in-bounds program-header table entry
// from image. Entries whose bytes fall outside of image are treated
// as the end of the table.
func (o Header) ProgramHeaders(image []byte) []ProgramHeader {
	if o.PhOff == 0 || o.PhEntSize == 0 || o.PhNum == 0 {
		return nil
	}

	alignEnd := uint64(alignFieldOffset32 + 4)
	if o.Class == Class64 {
		alignEnd = alignFieldOffset64 + 8
	}

	entSize := uint64(o.PhEntSize)

	var phdrs []ProgramHeader

	for i := uint64(0); i < uint64(o.PhNum); i++ {
		entryOff := o.PhOff + i*entSize

		end := entryOff + entSize
		if end < entryOff || end > uint64(len(image)) {
			break
		}

		// The alignment field's span can end past the declared
		// entry size. It is bounded by the image.
		if entryOff+alignEnd > uint64(len(image)) {
			break
		}

		entry := image[entryOff:]
		bo := o.ByteOrder

		var phdr ProgramHeader

		if o.Class == Class64 {
			phdr = ProgramHeader{
				Type:     bo.Uint32(entry),
				Flags:    bo.Uint32(entry[phFlags64:]),
				Offset:   bo.Uint64(entry[phOffset64:]),
				VirtAddr: bo.Uint64(entry[phVirtAddr64:]),
				PhysAddr: bo.Uint64(entry[phPhysAddr64:]),
				FileSize: bo.Uint64(entry[phFileSize64:]),
				MemSize:  bo.Uint64(entry[phMemSize64:]),
				Align:    bo.Uint64(entry[alignFieldOffset64:]),
			}
		} else {
			phdr = ProgramHeader{
				Type:     bo.Uint32(entry),
				Flags:    bo.Uint32(entry[phFlags32:]),
				Offset:   uint64(bo.Uint32(entry[phOffset32:])),
				VirtAddr: uint64(bo.Uint32(entry[phVirtAddr32:])),
				PhysAddr: uint64(bo.Uint32(entry[phPhysAddr32:])),
				FileSize: uint64(bo.Uint32(entry[phFileSize32:])),
				MemSize:  uint64(bo.Uint32(entry[phMemSize32:])),
				Align:    uint64(bo.Uint32(entry[alignFieldOffset32:])),
			}
		}

		phdrs = append(phdrs, phdr)
	}

	return phdrs
}

// ProgramHeaders parses image as an ELF binary and decodes its
// program-header table.
func ProgramHeaders(image []byte) ([]ProgramHeader, error) {
	hdr, err := ParseHeader(image)
	if err != nil {
		return nil, err
	}

	return hdr.ProgramHeaders(image), nil
}
