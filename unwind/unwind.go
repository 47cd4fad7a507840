package unwind

import (
	"math"

	"github.com/qperfstream/qperfstream/elfmap"
)

// MemReader serves memory reads during unwinding: first from the
// captured stack snapshot (the bytes perf recorded around the sampled
// SP at sample time), falling back to a module's mapped file contents
// for reads that land in static/read-only data rather than the stack
// (e.g. a CFA computed from a global's address). See
// PerfUnwind::Private::readMemory in the original implementation.
type MemReader interface {
	// ReadMemory reads len(out) bytes starting at addr into out,
	// reporting whether every byte was available.
	ReadMemory(addr uint64, out []byte) bool
}

// StackMem serves reads from a single captured (start, bytes) stack
// snapshot, as recorded in a RecordSample's StackUser field.
type StackMem struct {
	Start uint64
	Data  []byte
}

func (s StackMem) ReadMemory(addr uint64, out []byte) bool {
	if addr < s.Start {
		return false
	}
	off := addr - s.Start
	if off+uint64(len(out)) > uint64(len(s.Data)) {
		return false
	}
	copy(out, s.Data[off:off+uint64(len(out))])
	return true
}

// ChainMem tries each reader in order, first match wins. Used to layer
// the stack snapshot over a module's static data.
type ChainMem []MemReader

func (c ChainMem) ReadMemory(addr uint64, out []byte) bool {
	for _, r := range c {
		if r.ReadMemory(addr, out) {
			return true
		}
	}
	return false
}

// Frame is one return address recovered by unwinding. IsInterworking
// marks frames from the LR-seeded interworking retry; the recovered
// register values themselves are not returned.
type Frame struct {
	PC             uint64
	IsInterworking bool
}

// Unwinder reconstructs the call stack for one sample using that
// process's elfmap.Map to find, for each PC, the module whose CFI
// describes it.
type Unwinder struct {
	Arch     Architecture
	Maps     *elfmap.Map
	CFIFor   func(modulePath string) (*Table, bool)
	MaxFrames int
}

// Unwind walks the call stack starting at the sampled PC/SP/registers,
// sampled in the process at time t, reading stack memory through mem.
// It returns PCs outermost-last (caller order), capped at MaxFrames
// when MaxFrames is positive; MaxFrames <= 0 means no cap.
//
// On an IsInterworkingCandidate architecture (32-bit ARM), CFI can fail
// to make progress from the sampled PC when it actually lands inside
// an interworking veneer; in that case a second, complete unwind is
// run with the initial DWARF IP rewritten to the value of the link
// register, and whichever of the two full attempts recovers more
// frames is returned.
func (u *Unwinder) Unwind(pc uint64, regs []uint64, regMask uint64, mem MemReader, t uint64) []Frame {
	max := u.MaxFrames
	if max <= 0 {
		max = math.MaxInt
	}

	cur, have := u.initRegs(pc, regs, regMask)
	frames := u.walk(pc, cur, have, mem, t, max)

	if u.Arch.IsInterworkingCandidate && u.Arch.LRRegNum >= 0 && u.Arch.LRRegNum < len(have) && have[u.Arch.LRRegNum] {
		if lr := cur[u.Arch.LRRegNum]; lr != 0 && lr != pc {
			alt := u.walk(lr, cur, have, mem, t, max)
			if len(alt) > len(frames) {
				for i := range alt {
					alt[i].IsInterworking = true
				}
				return alt
			}
		}
	}
	return frames
}

// initRegs builds the initial DWARF register array from the
// perf_event-captured regs/regMask, per Arch.RegsUserBit.
func (u *Unwinder) initRegs(pc uint64, regs []uint64, regMask uint64) ([]uint64, []bool) {
	cur := make([]uint64, u.Arch.NumDWARFRegs)
	have := make([]bool, u.Arch.NumDWARFRegs)
	for dwreg := 0; dwreg < u.Arch.NumDWARFRegs; dwreg++ {
		bit := u.Arch.RegsUserBit[dwreg]
		if bit < 0 || bit >= 64 {
			continue
		}
		if regMask&(1<<uint(bit)) == 0 {
			continue
		}
		idx := popcountBelow(regMask, bit)
		if idx < len(regs) {
			cur[dwreg] = regs[idx]
			have[dwreg] = true
		}
	}
	cur[u.Arch.PCRegNum] = pc
	have[u.Arch.PCRegNum] = true
	return cur, have
}

// walk performs one complete unwind attempt starting at startPC, with
// initCur/initHave as the captured register state (startPC is
// substituted for whatever PC initCur already carries, so the same
// captured registers can seed both the normal attempt and the
// LR-seeded interworking retry).
func (u *Unwinder) walk(startPC uint64, initCur []uint64, initHave []bool, mem MemReader, t uint64, max int) []Frame {
	cur := make([]uint64, len(initCur))
	have := make([]bool, len(initHave))
	copy(cur, initCur)
	copy(have, initHave)
	cur[u.Arch.PCRegNum] = startPC
	have[u.Arch.PCRegNum] = true

	var frames []Frame
	seen := make(map[uint64]bool)
	curPC := startPC
	for len(frames) < max {
		frames = append(frames, Frame{PC: curPC})
		if seen[curPC] {
			break // cyclic CFA progression; stop rather than loop forever
		}
		seen[curPC] = true

		next, nextHave, ok := u.step(curPC, cur, have, mem, t)
		if !ok {
			break
		}
		cur, have = next, nextHave
		curPC = cur[u.Arch.PCRegNum]
		if curPC == 0 {
			break
		}
	}
	return frames
}

// step computes the caller's register state from the callee's state
// at pc, using the CFI for pc's module. It returns the full register
// array for the caller frame and which of its registers are known.
func (u *Unwinder) step(pc uint64, cur []uint64, have []bool, mem MemReader, t uint64) ([]uint64, []bool, bool) {
	entry, ok := u.Maps.FindElf(pc, t)
	if !ok || !entry.Found {
		return nil, nil, false
	}
	tbl, ok := u.CFIFor(entry.LocalPath)
	if !ok {
		return nil, nil, false
	}
	fileAddr := pc - entry.Addr + entry.PgOff
	r, c, ok := tbl.RowAt(fileAddr)
	if !ok {
		return nil, nil, false
	}

	if r.cfa.reg >= len(cur) || !have[r.cfa.reg] {
		return nil, nil, false
	}
	cfa := cur[r.cfa.reg] + uint64(r.cfa.offset)

	out := make([]uint64, len(cur))
	outHave := make([]bool, len(cur))
	copy(out, cur)
	copy(outHave, have)

	for reg, rule := range r.regs {
		if reg >= len(out) {
			continue
		}
		switch rule.kind {
		case ruleOffset:
			addr := uint64(int64(cfa) + rule.offset)
			buf := make([]byte, u.Arch.PointerSize)
			if !mem.ReadMemory(addr, buf) {
				outHave[reg] = false
				continue
			}
			out[reg] = readPtr(buf, u.Arch.ByteOrder, u.Arch.PointerSize)
			outHave[reg] = true
		case ruleValOffset:
			out[reg] = uint64(int64(cfa) + rule.offset)
			outHave[reg] = true
		case ruleRegister:
			if rule.reg < len(cur) && have[rule.reg] {
				out[reg] = cur[rule.reg]
				outHave[reg] = true
			} else {
				outHave[reg] = false
			}
		case ruleSameValue:
			// out already carries cur's value via copy above.
		case ruleUndefined:
			outHave[reg] = false
		}
	}

	retReg := c.returnAddrReg
	if retReg >= len(out) || !outHave[retReg] {
		return nil, nil, false
	}
	out[u.Arch.SPRegNum] = cfa
	outHave[u.Arch.SPRegNum] = true
	out[u.Arch.PCRegNum] = out[retReg]

	return out, outHave, true
}

func popcountBelow(mask uint64, bit int) int {
	n := 0
	for i := 0; i < bit; i++ {
		if mask&(1<<uint(i)) != 0 {
			n++
		}
	}
	return n
}
