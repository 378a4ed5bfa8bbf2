package elfalign_test

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/stephen-fox/alignkit/bstruct"
	"gitlab.com/stephen-fox/alignkit/elfalign"
)

// Layout constants for the synthetic images built by image64 and
// image32. The program-header table immediately follows the ELF
// header in both classes.
const (
	ehdrSize64  = 0x40
	phdrSize64  = 0x40
	alignOff64  = 0x38
	ehdrSize32  = 0x34
	phdrSize32  = 0x20
	alignOff32  = 0x1c
	ptLoadValue = 1
	ptNoteValue = 4
)

type ehdr64 struct {
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

// phdr64 pads each entry out to 0x40 bytes so that the alignment
// field sits at entry offset 0x38 with room to spare.
type phdr64 struct {
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

type ehdr32 struct {
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

type phdr32 struct {
	Type   uint32
	Off    uint32
	Vaddr  uint32
	Paddr  uint32
	Filesz uint32
	Memsz  uint32
	Flags  uint32
	Align  uint32
}

// seg describes one program-header entry of a synthetic image.
type seg struct {
	typ   uint32
	flags uint32
	align uint64
}

func dataByte(bo binary.ByteOrder) byte {
	if bo == binary.LittleEndian {
		return 1
	}

	return 2
}

func image64(t *testing.T, bo binary.ByteOrder, segs []seg) []byte {
	t.Helper()

	image, err := bstruct.StructToBytes(ehdr64{
		Ident:     [16]byte{0x7f, 'E', 'L', 'F', 2, dataByte(bo), 1},
		Type:      3,
		Machine:   183,
		Version:   1,
		Phoff:     ehdrSize64,
		Ehsize:    ehdrSize64,
		Phentsize: phdrSize64,
		Phnum:     uint16(len(segs)),
	}, bo, nil)
	require.NoError(t, err)

	for i, s := range segs {
		entry, err := bstruct.StructToBytes(phdr64{
			Type:   s.typ,
			Flags:  s.flags,
			Off:    uint64(0x1000 * (i + 1)),
			Vaddr:  uint64(0x1000 * (i + 1)),
			Paddr:  uint64(0x1000 * (i + 1)),
			Filesz: 0x800,
			Memsz:  0x800,
			Align:  s.align,
		}, bo, nil)
		require.NoError(t, err)

		image = append(image, entry...)
	}

	return image
}

func image32(t *testing.T, bo binary.ByteOrder, segs []seg) []byte {
	t.Helper()

	image, err := bstruct.StructToBytes(ehdr32{
		Ident:     [16]byte{0x7f, 'E', 'L', 'F', 1, dataByte(bo), 1},
		Type:      3,
		Machine:   40,
		Version:   1,
		Phoff:     ehdrSize32,
		Ehsize:    ehdrSize32,
		Phentsize: phdrSize32,
		Phnum:     uint16(len(segs)),
	}, bo, nil)
	require.NoError(t, err)

	for i, s := range segs {
		entry, err := bstruct.StructToBytes(phdr32{
			Type:   s.typ,
			Off:    uint32(0x1000 * (i + 1)),
			Vaddr:  uint32(0x1000 * (i + 1)),
			Paddr:  uint32(0x1000 * (i + 1)),
			Filesz: 0x800,
			Memsz:  0x800,
			Flags:  s.flags,
			Align:  uint32(s.align),
		}, bo, nil)
		require.NoError(t, err)

		image = append(image, entry...)
	}

	return image
}

// phdr64Compact is a standard 0x38-byte table entry, the size real
// 64-bit toolchains emit.
type phdr64Compact struct {
	Type   uint32
	Flags  uint32
	Off    uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// compactImage64 builds a little-endian 64-bit image whose single
// PT_LOAD entry is 0x38 bytes. The alignment field's span ends at
// 0x80, eight bytes past the entry, inside the trailing data.
func compactImage64(t *testing.T, align uint64) []byte {
	t.Helper()

	image, err := bstruct.StructToBytes(ehdr64{
		Ident:     [16]byte{0x7f, 'E', 'L', 'F', 2, 1, 1},
		Type:      3,
		Machine:   183,
		Version:   1,
		Phoff:     ehdrSize64,
		Ehsize:    ehdrSize64,
		Phentsize: 0x38,
		Phnum:     1,
	}, binary.LittleEndian, nil)
	require.NoError(t, err)

	entry, err := bstruct.StructToBytes(phdr64Compact{
		Type:   ptLoadValue,
		Flags:  5,
		Off:    0x1000,
		Vaddr:  0x1000,
		Paddr:  0x1000,
		Filesz: 0x800,
		Memsz:  0x800,
		Align:  0x1000,
	}, binary.LittleEndian, nil)
	require.NoError(t, err)

	image = append(image, entry...)

	trailer := make([]byte, 8)
	binary.LittleEndian.PutUint64(trailer, align)

	return append(image, trailer...)
}

// align64At returns the byte offset of entry i's alignment field in
// an image64 fixture.
func align64At(i int) int {
	return ehdrSize64 + i*phdrSize64 + alignOff64
}

func align32At(i int) int {
	return ehdrSize32 + i*phdrSize32 + alignOff32
}

func TestAlignImage_64BitLittleEndian(t *testing.T) {
	image := image64(t, binary.LittleEndian, []seg{{typ: ptLoadValue}})

	changed, err := elfalign.AlignImage(image, elfalign.DefaultMinAlignment)
	require.NoError(t, err)
	require.True(t, changed)

	require.Equal(t, uint64(16384),
		binary.LittleEndian.Uint64(image[align64At(0):]))
}

func TestAlignImage_Idempotent(t *testing.T) {
	image := image64(t, binary.LittleEndian, []seg{{typ: ptLoadValue}})

	changed, err := elfalign.AlignImage(image, elfalign.DefaultMinAlignment)
	require.NoError(t, err)
	require.True(t, changed)

	afterFirstRun := make([]byte, len(image))
	copy(afterFirstRun, image)

	changed, err = elfalign.AlignImage(image, elfalign.DefaultMinAlignment)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, afterFirstRun, image)
}

func TestAlignImage_NeverDecreasesAlignment(t *testing.T) {
	image := image64(t, binary.LittleEndian, []seg{{typ: ptLoadValue, align: 1 << 20}})

	original := make([]byte, len(image))
	copy(original, image)

	changed, err := elfalign.AlignImage(image, elfalign.DefaultMinAlignment)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, original, image)
}

func TestAlignImage_NonPowerOfTwoAboveThresholdUntouched(t *testing.T) {
	image := image64(t, binary.LittleEndian, []seg{{typ: ptLoadValue, align: 16385}})

	changed, err := elfalign.AlignImage(image, elfalign.DefaultMinAlignment)
	require.NoError(t, err)
	require.False(t, changed)

	require.Equal(t, uint64(16385),
		binary.LittleEndian.Uint64(image[align64At(0):]))
}

func TestAlignImage_OnlyUnderAlignedLoadSegmentsChange(t *testing.T) {
	image := image64(t, binary.LittleEndian, []seg{
		{typ: ptLoadValue, align: 0x1000},
		{typ: ptNoteValue, align: 0x4},
		{typ: ptLoadValue, align: 1 << 20},
	})

	expected := make([]byte, len(image))
	copy(expected, image)
	binary.LittleEndian.PutUint64(expected[align64At(0):], 16384)

	changed, err := elfalign.AlignImage(image, elfalign.DefaultMinAlignment)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, expected, image)
}

func TestAlignImage_32Bit(t *testing.T) {
	image := image32(t, binary.LittleEndian, []seg{{typ: ptLoadValue}})

	changed, err := elfalign.AlignImage(image, elfalign.DefaultMinAlignment)
	require.NoError(t, err)
	require.True(t, changed)

	require.Equal(t, uint32(16384),
		binary.LittleEndian.Uint32(image[align32At(0):]))
}

func TestAlignImage_BigEndian(t *testing.T) {
	t.Run("64Bit", func(t *testing.T) {
		image := image64(t, binary.BigEndian, []seg{{typ: ptLoadValue, align: 0x1000}})

		changed, err := elfalign.AlignImage(image, elfalign.DefaultMinAlignment)
		require.NoError(t, err)
		require.True(t, changed)

		require.Equal(t, uint64(16384),
			binary.BigEndian.Uint64(image[align64At(0):]))
	})

	t.Run("32Bit", func(t *testing.T) {
		image := image32(t, binary.BigEndian, []seg{{typ: ptLoadValue, align: 0x1000}})

		changed, err := elfalign.AlignImage(image, elfalign.DefaultMinAlignment)
		require.NoError(t, err)
		require.True(t, changed)

		require.Equal(t, uint32(16384),
			binary.BigEndian.Uint32(image[align32At(0):]))
	})
}

func TestAlignImage_NotELF(t *testing.T) {
	image := []byte("definitely not an elf binary")

	_, err := elfalign.AlignImage(image, elfalign.DefaultMinAlignment)
	require.ErrorIs(t, err, elfalign.ErrNotELF)
}

func TestAlignImage_ShortBuffer(t *testing.T) {
	_, err := elfalign.AlignImage([]byte{0x7f}, elfalign.DefaultMinAlignment)
	require.ErrorIs(t, err, elfalign.ErrNotELF)
}

func TestAlignImage_TruncatedHeader(t *testing.T) {
	image := image64(t, binary.LittleEndian, nil)

	_, err := elfalign.AlignImage(image[0:0x20], elfalign.DefaultMinAlignment)
	require.ErrorIs(t, err, elfalign.ErrTruncatedHeader)
}

func TestAlignImage_UnsupportedClass(t *testing.T) {
	image := image64(t, binary.LittleEndian, []seg{{typ: ptLoadValue}})
	image[4] = 3

	_, err := elfalign.AlignImage(image, elfalign.DefaultMinAlignment)
	require.ErrorIs(t, err, elfalign.ErrUnsupportedClass)
}

func TestAlignImage_NoProgramHeaders(t *testing.T) {
	image := image64(t, binary.LittleEndian, nil)

	changed, err := elfalign.AlignImage(image, elfalign.DefaultMinAlignment)
	require.NoError(t, err)
	require.False(t, changed)
}

func TestAlignImage_TruncatedTable(t *testing.T) {
	image := image64(t, binary.LittleEndian, []seg{
		{typ: ptLoadValue},
		{typ: ptLoadValue},
	})

	// Keep the first entry and half of the second. The header still
	// claims two entries.
	image = image[0 : ehdrSize64+phdrSize64+phdrSize64/2]

	changed, err := elfalign.AlignImage(image, elfalign.DefaultMinAlignment)
	require.NoError(t, err)
	require.True(t, changed)

	require.Equal(t, uint64(16384),
		binary.LittleEndian.Uint64(image[align64At(0):]))
}

func TestAlignImage_TableOffsetBeyondBuffer(t *testing.T) {
	image := image64(t, binary.LittleEndian, []seg{{typ: ptLoadValue}})

	// Point the table far past the end of the image.
	binary.LittleEndian.PutUint64(image[0x20:], 1<<40)

	changed, err := elfalign.AlignImage(image, elfalign.DefaultMinAlignment)
	require.NoError(t, err)
	require.False(t, changed)
}

func TestAlignImage_StandardEntrySize64(t *testing.T) {
	image := compactImage64(t, 0x1000)

	changed, err := elfalign.AlignImage(image, elfalign.DefaultMinAlignment)
	require.NoError(t, err)
	require.True(t, changed)

	require.Equal(t, uint64(16384),
		binary.LittleEndian.Uint64(image[ehdrSize64+alignOff64:]))
}

func TestAlignImage_StandardEntrySize64Truncated(t *testing.T) {
	// Cut the image off right where the alignment field's span
	// starts. The entry itself is still fully present.
	image := compactImage64(t, 0x1000)[0 : ehdrSize64+alignOff64]

	original := make([]byte, len(image))
	copy(original, image)

	changed, err := elfalign.AlignImage(image, elfalign.DefaultMinAlignment)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, original, image)
}

func TestParseHeader(t *testing.T) {
	image := image64(t, binary.LittleEndian, []seg{{typ: ptLoadValue}})

	hdr, err := elfalign.ParseHeader(image)
	require.NoError(t, err)
	require.Equal(t, elfalign.Class64, hdr.Class)
	require.Equal(t, binary.ByteOrder(binary.LittleEndian), hdr.ByteOrder)
	require.Equal(t, uint16(183), hdr.Machine)
	require.Equal(t, uint64(ehdrSize64), hdr.PhOff)
	require.Equal(t, uint16(phdrSize64), hdr.PhEntSize)
	require.Equal(t, uint16(1), hdr.PhNum)
}

func TestAlignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "libnative.so")

	image := image64(t, binary.LittleEndian, []seg{{typ: ptLoadValue, align: 0x1000}})

	err := os.WriteFile(path, image, 0755)
	require.NoError(t, err)

	changed, err := elfalign.AlignFile(path, elfalign.DefaultMinAlignment)
	require.NoError(t, err)
	require.True(t, changed)

	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, uint64(16384),
		binary.LittleEndian.Uint64(onDisk[align64At(0):]))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0755), info.Mode().Perm())

	_, err = os.Stat(path + ".tmp16k")
	require.True(t, os.IsNotExist(err), "temporary file was left behind")

	// A second run must not touch the file.
	changed, err = elfalign.AlignFile(path, elfalign.DefaultMinAlignment)
	require.NoError(t, err)
	require.False(t, changed)

	afterSecondRun, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, bytes.Equal(onDisk, afterSecondRun))
}

func TestAlignFile_NotELFLeavesFileUntouched(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notelf.bin")

	content := []byte("some other file format")

	err := os.WriteFile(path, content, 0644)
	require.NoError(t, err)

	_, err = elfalign.AlignFile(path, elfalign.DefaultMinAlignment)
	require.ErrorIs(t, err, elfalign.ErrNotELF)

	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, content, onDisk)
}

func TestAlignFile_MissingFile(t *testing.T) {
	_, err := elfalign.AlignFile(
		filepath.Join(t.TempDir(), "missing.so"),
		elfalign.DefaultMinAlignment)
	require.Error(t, err)
}
