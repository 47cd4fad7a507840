// Package unwind reconstructs a call stack from a captured register
// set and stack snapshot using DWARF Call Frame Information, per
// component C4 of the analysis pipeline. Its architecture model
// follows golang-debug/arch/arch.go's Architecture struct: a small,
// explicit description of machine-specific constants rather than a
// build-tag-selected implementation, since a single process may need
// to unwind stacks captured from a different architecture than the
// one qperfstream itself runs on.
package unwind

import "encoding/binary"

// Architecture describes the DWARF register numbering and stack
// layout conventions needed to unwind one machine type. PCRegNum and
// SPRegNum are DWARF register numbers (the numbering CFI programs use
// — see the "DWARF register number" column in the psABI documents for
// each architecture), not the raw perf_event_attr sample_regs bit
// positions; Unwinder.initRegs translates between the two via
// RegsUserBit.
type Architecture struct {
	Name        string
	PointerSize int
	ByteOrder   binary.ByteOrder

	NumDWARFRegs int
	PCRegNum     int
	SPRegNum     int
	FPRegNum     int // frame-pointer register, DWARF index; the Unwinder does not use it (no frame-pointer fallback)
	LRRegNum     int // link-register, DWARF index; -1 if the architecture has none

	// RegsUserBit maps a DWARF register number to its bit position in
	// perf_event_attr's sample_regs_user/sample_regs_intr mask, so the
	// unwinder can find register values that the kernel did capture.
	// -1 means the register is never captured.
	RegsUserBit [64]int

	// IsInterworkingCandidate reports whether a failed unwind should be
	// retried with the initial DWARF IP rewritten to the value of LR
	// (LRRegNum): on 32-bit ARM an interworking veneer can leave CFI
	// unable to make progress from the captured PC, but the link
	// register still holds a valid return address one frame up. Both
	// the original and the LR-seeded attempt are run to completion,
	// and whichever produces more frames is kept.
	IsInterworkingCandidate bool
}

var x86_64RegsUserBit = func() [64]int {
	var m [64]int
	for i := range m {
		m[i] = -1
	}
	// perf_event.h's perf_event_x86_regs enum order (AX, BX, CX, DX,
	// SI, DI, BP, SP, IP, FLAGS, CS, SS, DS, ES, FS, GS, R8..R15),
	// each given as its DWARF number; -1 for registers with none.
	order := []int{0, 3, 2, 1, 4, 5, 6, 7, 16, -1, -1, -1, -1, -1, -1, -1, 8, 9, 10, 11, 12, 13, 14, 15}
	for bit, dwreg := range order {
		if dwreg >= 0 {
			m[dwreg] = bit
		}
	}
	return m
}()

// X86_64 describes the System V x86-64 ABI's DWARF register numbering
// (rax=0 .. r15=15, rip=16).
var X86_64 = Architecture{
	Name:                    "x86_64",
	PointerSize:             8,
	ByteOrder:               binary.LittleEndian,
	NumDWARFRegs:            17,
	PCRegNum:                16, // rip
	SPRegNum:                7,  // rsp
	FPRegNum:                6,  // rbp
	LRRegNum:                -1, // x86-64 has no link register
	RegsUserBit:             x86_64RegsUserBit,
	IsInterworkingCandidate: false,
}

var armRegsUserBit = func() [64]int {
	var m [64]int
	for i := range m {
		m[i] = -1
	}
	for i := 0; i <= 15; i++ {
		m[i] = i
	}
	return m
}()

// ARM describes AArch32's DWARF register numbering (r0=0 .. r15/pc=15).
var ARM = Architecture{
	Name:                    "arm",
	PointerSize:             4,
	ByteOrder:               binary.LittleEndian,
	NumDWARFRegs:            16,
	PCRegNum:                15,
	SPRegNum:                13,
	FPRegNum:                11, // r11, the AAPCS frame pointer
	LRRegNum:                14, // r14
	RegsUserBit:             armRegsUserBit,
	IsInterworkingCandidate: true,
}

var arm64RegsUserBit = func() [64]int {
	var m [64]int
	for i := range m {
		m[i] = -1
	}
	for i := 0; i <= 33; i++ {
		m[i] = i
	}
	return m
}()

// AArch64 describes the ARM 64-bit DWARF register numbering (x0=0 ..
// x30=30, sp=31, pc=32).
var AArch64 = Architecture{
	Name:                    "arm64",
	PointerSize:             8,
	ByteOrder:               binary.LittleEndian,
	NumDWARFRegs:            34,
	PCRegNum:                32,
	SPRegNum:                31,
	FPRegNum:                29, // x29
	LRRegNum:                30, // x30
	RegsUserBit:             arm64RegsUserBit,
	IsInterworkingCandidate: false,
}

// ByName returns the Architecture registered under name (as it would
// appear in perf.data's FileMeta, or on the --arch flag), and whether
// it was found.
func ByName(name string) (Architecture, bool) {
	switch name {
	case "x86_64", "x86-64", "amd64":
		return X86_64, true
	case "arm":
		return ARM, true
	case "arm64", "aarch64":
		return AArch64, true
	default:
		return Architecture{}, false
	}
}
