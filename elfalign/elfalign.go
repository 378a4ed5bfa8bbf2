// Package elfalign patches the program-header tables of ELF binaries
// so that every loadable segment declares an alignment of at least
// 16 KiB. Shared objects built for a 4 KiB page size can be made
// loadable on 16 KiB page kernels this way without recompiling them.
//
// Only the alignment field of PT_LOAD entries is ever written. Every
// other byte of the binary passes through untouched.
package elfalign

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"

	"gitlab.com/stephen-fox/alignkit/iokit"
)

// DefaultMinAlignment is the 16 KiB page size that recent Android
// releases require PT_LOAD segments to be aligned to.
const DefaultMinAlignment uint64 = 16384

// ELF identification and header field offsets. Multi-byte field
// positions differ between the 32- and 64-bit variants of the format.
const (
	elfMagic = "\x7fELF"

	eiClass = 4
	eiData  = 5

	elfClass32  = 1
	elfClass64  = 2
	elfData2LSB = 1

	machineOffset = 0x12

	headerSize64    = 0x40
	phOffOffset64   = 0x20
	phEntSzOffset64 = 0x36
	phNumOffset64   = 0x38

	headerSize32    = 0x34
	phOffOffset32   = 0x1c
	phEntSzOffset32 = 0x2a
	phNumOffset32   = 0x2c

	alignFieldOffset64 = 0x38
	alignFieldOffset32 = 0x1c
)

// tempFileSuffix is appended to a file's path to name the sibling
// temporary file used during an atomic replace.
const tempFileSuffix = ".tmp16k"

var (
	// ErrNotELF indicates that a buffer does not begin with the
	// ELF magic bytes.
	ErrNotELF = errors.New("not an ELF binary")

	// ErrUnsupportedClass indicates that a buffer's class byte is
	// neither the 32-bit nor the 64-bit marker.
	ErrUnsupportedClass = errors.New("unsupported ELF class")

	// ErrTruncatedHeader indicates that a buffer begins with the ELF
	// magic bytes but is too short to contain the fixed header.
	ErrTruncatedHeader = errors.New("truncated ELF header")
)

// Class is the ELF word width marker (the EI_CLASS identification byte).
type Class byte

const (
	Class32 Class = elfClass32
	Class64 Class = elfClass64
)

func (o Class) String() string {
	switch o {
	case Class32:
		return "ELF32"
	case Class64:
		return "ELF64"
	default:
		return fmt.Sprintf("unknown-class-0x%x", byte(o))
	}
}

// Header holds the facts needed to locate and walk an ELF file's
// program-header table: the word width and byte order of the file,
// plus the table's offset, entry size, and entry count.
type Header struct {
	Class     Class
	ByteOrder binary.ByteOrder
	Machine   uint16
	PhOff     uint64
	PhEntSize uint16
	PhNum     uint16
}

// ParseHeader extracts a Header from image. It reads only fixed
// header fields; it does not validate that the program-header table
// itself lies within the image. That check happens per entry when
// the table is walked.
func ParseHeader(image []byte) (Header, error) {
	if len(image) < len(elfMagic) || string(image[0:len(elfMagic)]) != elfMagic {
		return Header{}, ErrNotELF
	}

	if len(image) <= eiData {
		return Header{}, fmt.Errorf("%w - image is only %d bytes",
			ErrTruncatedHeader, len(image))
	}

	var hdr Header

	switch image[eiClass] {
	case elfClass32:
		hdr.Class = Class32
	case elfClass64:
		hdr.Class = Class64
	default:
		return Header{}, fmt.Errorf("%w - 0x%x",
			ErrUnsupportedClass, image[eiClass])
	}

	// Any value other than the little-endian marker selects
	// big-endian decoding.
	if image[eiData] == elfData2LSB {
		hdr.ByteOrder = binary.LittleEndian
	} else {
		hdr.ByteOrder = binary.BigEndian
	}

	headerSize := headerSize32
	if hdr.Class == Class64 {
		headerSize = headerSize64
	}

	if len(image) < headerSize {
		return Header{}, fmt.Errorf("%w - %s header needs %d bytes, image is %d",
			ErrTruncatedHeader, hdr.Class, headerSize, len(image))
	}

	hdr.Machine = hdr.ByteOrder.Uint16(image[machineOffset:])

	if hdr.Class == Class64 {
		hdr.PhOff = hdr.ByteOrder.Uint64(image[phOffOffset64:])
		hdr.PhEntSize = hdr.ByteOrder.Uint16(image[phEntSzOffset64:])
		hdr.PhNum = hdr.ByteOrder.Uint16(image[phNumOffset64:])
	} else {
		hdr.PhOff = uint64(hdr.ByteOrder.Uint32(image[phOffOffset32:]))
		hdr.PhEntSize = hdr.ByteOrder.Uint16(image[phEntSzOffset32:])
		hdr.PhNum = hdr.ByteOrder.Uint16(image[phNumOffset32:])
	}

	return hdr, nil
}

// AlignLoadSegments raises the alignment field of every PT_LOAD entry
// in image to at least minAlign, in place, and returns true if any
// entry was modified. An alignment that already satisfies minAlign is
// never modified, and never decreased.
//
// A zero table offset, entry size, or entry count means there are no
// program headers to patch. Entries whose bytes fall outside of image
// are treated as the end of the table rather than an error.
func (o Header) AlignLoadSegments(image []byte, minAlign uint64) bool {
	if o.PhOff == 0 || o.PhEntSize == 0 || o.PhNum == 0 {
		return false
	}

	alignOffset := uint64(alignFieldOffset32)
	alignWidth := uint64(4)
	if o.Class == Class64 {
		alignOffset = alignFieldOffset64
		alignWidth = 8
	}

	entSize := uint64(o.PhEntSize)

	changed := false

	for i := uint64(0); i < uint64(o.PhNum); i++ {
		entryOff := o.PhOff + i*entSize

		end := entryOff + entSize
		if end < entryOff || end > uint64(len(image)) {
			break
		}

		if entryOff+4 > uint64(len(image)) {
			break
		}

		if o.ByteOrder.Uint32(image[entryOff:]) != PTLoad {
			continue
		}

		// The alignment field's span can end past the declared
		// entry size (64-bit tables commonly declare 0x38-byte
		// entries). It is bounded by the image, not the entry.
		alignOff := entryOff + alignOffset
		if alignOff+alignWidth > uint64(len(image)) {
			break
		}

		if o.Class == Class64 {
			align := o.ByteOrder.Uint64(image[alignOff:])
			if align == 0 || align < minAlign {
				o.ByteOrder.PutUint64(image[alignOff:], minAlign)
				changed = true
			}
		} else {
			align := uint64(o.ByteOrder.Uint32(image[alignOff:]))
			if align == 0 || align < minAlign {
				o.ByteOrder.PutUint32(image[alignOff:], uint32(minAlign))
				changed = true
			}
		}
	}

	return changed
}

// AlignImage parses image as an ELF binary and raises the alignment
// of its loadable segments to at least minAlign, in place. It returns
// true if any segment was modified.
func AlignImage(image []byte, minAlign uint64) (bool, error) {
	hdr, err := ParseHeader(image)
	if err != nil {
		return false, err
	}

	if hdr.Class == Class32 && minAlign > math.MaxUint32 {
		return false, fmt.Errorf("minimum alignment 0x%x does not fit in a 32-bit alignment field",
			minAlign)
	}

	return hdr.AlignLoadSegments(image, minAlign), nil
}

// AlignFile applies AlignImage to the file at path. If any segment
// was patched, the file is replaced atomically by writing the patched
// image to a sibling temporary file and renaming it over the original.
// If no segment needed patching, the file is not touched at all, which
// makes repeated invocations on the same file idempotent.
//
// Whenever an error is returned, the file on disk is byte-identical
// to before the call.
func AlignFile(path string, minAlign uint64) (bool, error) {
	image, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("failed to read file - %w", err)
	}

	changed, err := AlignImage(image, minAlign)
	if err != nil {
		return false, err
	}

	if !changed {
		return false, nil
	}

	err = iokit.ReplaceFile(iokit.ReplaceFileConfig{
		Path:          path,
		Data:          image,
		OptTempSuffix: tempFileSuffix,
	})
	if err != nil {
		return false, fmt.Errorf("failed to replace file - %w", err)
	}

	return true, nil
}

// AlignFileOrExit calls AlignFile. It calls DefaultExitFn if an
// error occurs.
func AlignFileOrExit(path string, minAlign uint64) bool {
	changed, err := AlignFile(path, minAlign)
	if err != nil {
		DefaultExitFn(fmt.Errorf("elfalign: failed to align '%s' - %w", path, err))
	}

	return changed
}
