// Package asmkit decodes machine code into assembly instructions.
// It wraps the golang.org/x/arch decoders behind one interface so
// callers can disassemble a segment without caring which architecture
// the containing binary targets.
package asmkit

import (
	"fmt"

	"golang.org/x/arch/arm/armasm"
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

const (
	SkipSyntax  DisassemblySyntax = ""
	ATTSyntax   DisassemblySyntax = "att"
	GoSyntax    DisassemblySyntax = "go"
	IntelSyntax DisassemblySyntax = "intel"
)

// DisassemblySyntax selects the assembly syntax that decoded
// instructions are rendered in. SkipSyntax skips rendering entirely.
type DisassemblySyntax string

// ELF e_machine values for the architectures this package can decode.
const (
	MachineX86    uint16 = 3
	MachineARM    uint16 = 40
	MachineX86_64 uint16 = 62
	MachineARM64  uint16 = 183
)

type DisassemblerConfig struct {
	Syntax     DisassemblySyntax
	ArchConfig interface{}
}

type X86Config struct {
	Bits int
}

type ARMConfig struct {
	Mode armasm.Mode
}

type ARM64Config struct{}

// NewDisassemblerForMachine returns a Disassembler for the specified
// ELF machine value (the e_machine header field).
func NewDisassemblerForMachine(machine uint16, syntax DisassemblySyntax) (*Disassembler, error) {
	config := DisassemblerConfig{
		Syntax: syntax,
	}

	switch machine {
	case MachineX86:
		config.ArchConfig = X86Config{Bits: 32}
	case MachineX86_64:
		config.ArchConfig = X86Config{Bits: 64}
	case MachineARM:
		config.ArchConfig = ARMConfig{Mode: armasm.ModeARM}
	case MachineARM64:
		config.ArchConfig = ARM64Config{}
	default:
		return nil, fmt.Errorf("unsupported elf machine value: %d", machine)
	}

	return NewDisassembler(config)
}

func NewDisassembler(config DisassemblerConfig) (*Disassembler, error) {
	switch assertedConfig := config.ArchConfig.(type) {
	case ARMConfig:
		var disassemblyFn func(inst armasm.Inst) string
		switch config.Syntax {
		case SkipSyntax:
			// Do nothing.
		case ATTSyntax:
			disassemblyFn = armasm.GNUSyntax
		default:
			return nil, fmt.Errorf("unsupported syntax type for arm: %q", config.Syntax)
		}

		return &Disassembler{
			disassOneInstFn: func(remainingInsts []byte) (Inst, error) {
				armInst, err := armasm.Decode(remainingInsts, assertedConfig.Mode)
				if err != nil {
					return Inst{}, err
				}

				var disassembly string
				if disassemblyFn != nil {
					disassembly = disassemblyFn(armInst)
				}

				return Inst{
					Bin:  copySlice(remainingInsts, armInst.Len),
					Len:  armInst.Len,
					Dis:  disassembly,
					Inst: armInst,
				}, nil
			},
		}, nil
	case ARM64Config:
		var disassemblyFn func(inst arm64asm.Inst) string
		switch config.Syntax {
		case SkipSyntax:
			// Do nothing.
		case ATTSyntax:
			disassemblyFn = arm64asm.GNUSyntax
		case GoSyntax:
			disassemblyFn = func(inst arm64asm.Inst) string {
				return arm64asm.GoSyntax(inst, 0, nil, nil)
			}
		default:
			return nil, fmt.Errorf("unsupported syntax type for arm64: %q", config.Syntax)
		}

		return &Disassembler{
			disassOneInstFn: func(remainingInsts []byte) (Inst, error) {
				arm64Inst, err := arm64asm.Decode(remainingInsts)
				if err != nil {
					return Inst{}, err
				}

				var disassembly string
				if disassemblyFn != nil {
					disassembly = disassemblyFn(arm64Inst)
				}

				// A64 instructions are always four bytes.
				const arm64InstLen = 4

				return Inst{
					Bin:  copySlice(remainingInsts, arm64InstLen),
					Len:  arm64InstLen,
					Dis:  disassembly,
					Inst: arm64Inst,
				}, nil
			},
		}, nil
	case X86Config:
		var disassemblyFn func(inst x86asm.Inst) string
		switch config.Syntax {
		case SkipSyntax:
			// Do nothing.
		case ATTSyntax:
			disassemblyFn = func(inst x86asm.Inst) string {
				return x86asm.GNUSyntax(inst, 0, nil)
			}
		case GoSyntax:
			disassemblyFn = func(inst x86asm.Inst) string {
				return x86asm.GoSyntax(inst, 0, nil)
			}
		case IntelSyntax:
			disassemblyFn = func(inst x86asm.Inst) string {
				return x86asm.IntelSyntax(inst, 0, nil)
			}
		default:
			return nil, fmt.Errorf("unsupported syntax type for x86: %q", config.Syntax)
		}

		return &Disassembler{
			disassOneInstFn: func(remainingInsts []byte) (Inst, error) {
				x86Inst, err := x86asm.Decode(remainingInsts, assertedConfig.Bits)
				if err != nil {
					return Inst{}, err
				}

				var disassembly string
				if disassemblyFn != nil {
					disassembly = disassemblyFn(x86Inst)
				}

				return Inst{
					Bin:  copySlice(remainingInsts, x86Inst.Len),
					Len:  x86Inst.Len,
					Dis:  disassembly,
					Inst: x86Inst,
				}, nil
			},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported config type: %T", assertedConfig)
	}
}

func copySlice(src []byte, numBytes int) []byte {
	cp := make([]byte, numBytes)

	copy(cp, src[0:numBytes])

	return cp
}

type Disassembler struct {
	disassOneInstFn func(remainingInsts []byte) (Inst, error)
}

// All decodes every instruction in rawInstructions, invoking
// onDecodeFn for each one. Decoding stops at the first byte that
// does not begin a valid instruction.
func (o *Disassembler) All(rawInstructions []byte, onDecodeFn func(Inst) error) error {
	index := 0

	for index < len(rawInstructions) {
		inst, err := o.disassOneInstFn(rawInstructions[index:])
		if err != nil {
			return fmt.Errorf("failed to decode instruction at %d - %w - remaining data: 0x%x",
				index, err, rawInstructions[index:])
		}

		inst.Index = index

		err = onDecodeFn(inst)
		if err != nil {
			return fmt.Errorf("on decode function failed for instruction at %d (%q) - %w",
				index, inst.Dis, err)
		}

		index += inst.Len
	}

	return nil
}

// Next decodes the first instruction in rawInstructions.
func (o *Disassembler) Next(rawInstructions []byte) (Inst, error) {
	return o.disassOneInstFn(rawInstructions)
}

type Inst struct {
	Bin   []byte
	Len   int
	Index int
	Dis   string
	Inst  interface{}
}
