package tracer

import (
	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"

	"github.com/k4ch0w/instrace/models"
)

// The bridge extracts concrete register and memory state from the host
// into the instruction record, in read-before-write order, and decodes
// opcode bytes into structured operands.

// captureRegisters fills the record's register file from a live context.
func captureRegisters(ins *models.Ins, ctx models.Context) error {
	for _, enum := range models.RegEnums() {
		val, err := ctx.RegRead(enum)
		if err != nil {
			return errors.Wrapf(err, "reading %s", models.RegName(enum))
		}
		ins.Regs[enum] = val
	}
	return nil
}

// baseReg maps an x86asm register (any width) to the owning 64-bit
// register enum.
func baseReg(r x86asm.Reg) int {
	switch {
	case r >= x86asm.RAX && r <= x86asm.R15:
		return models.RegRAX + int(r-x86asm.RAX)
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return models.RegRAX + int(r-x86asm.EAX)
	case r >= x86asm.AX && r <= x86asm.R15W:
		return models.RegRAX + int(r-x86asm.AX)
	case r >= x86asm.AL && r <= x86asm.BH:
		// AH..BH share enums with AL..BL
		return models.RegRAX + int(r-x86asm.AL)%4
	case r >= x86asm.SPB && r <= x86asm.R15B:
		return models.RegRSP + int(r-x86asm.SPB)
	case r == x86asm.RIP || r == x86asm.EIP || r == x86asm.IP:
		return models.RegRIP
	}
	return models.RegInvalid
}

func regWidth(r x86asm.Reg) int {
	switch {
	case r >= x86asm.RAX && r <= x86asm.R15 || r == x86asm.RIP:
		return 8
	case r >= x86asm.EAX && r <= x86asm.R15L || r == x86asm.EIP:
		return 4
	case r >= x86asm.AX && r <= x86asm.R15W || r == x86asm.IP:
		return 2
	}
	return 1
}

// effectiveAddr resolves a decoded memory operand against a register
// file. RIP-relative displacements are against the next instruction.
func effectiveAddr(regs []uint64, addr uint64, ilen int, m x86asm.Mem) uint64 {
	var ea uint64
	if m.Base == x86asm.RIP {
		ea = addr + uint64(ilen)
	} else if b := baseReg(m.Base); b != models.RegInvalid {
		ea = regs[b]
	}
	if i := baseReg(m.Index); i != models.RegInvalid {
		ea += regs[i] * uint64(m.Scale)
	}
	return ea + uint64(m.Disp)
}

// disassemble decodes the record's opcode bytes into structured operands
// carrying concrete values from the captured register file. Undecodable
// bytes are an error the dispatcher treats as a soft skip.
func disassemble(ins *models.Ins) error {
	inst, err := x86asm.Decode(ins.Opcode, 64)
	if err != nil {
		return errors.Wrapf(err, "undecodable instruction at %#x", ins.Addr)
	}
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		switch a := arg.(type) {
		case x86asm.Reg:
			enum := baseReg(a)
			ins.Operands = append(ins.Operands, models.Operand{
				Kind: models.OpReg, Reg: enum, Value: ins.Regs[enum], Size: regWidth(a),
			})
		case x86asm.Imm:
			ins.Operands = append(ins.Operands, models.Operand{
				Kind: models.OpImm, Value: uint64(a), Size: inst.DataSize / 8,
			})
		case x86asm.Rel:
			ins.Operands = append(ins.Operands, models.Operand{
				Kind: models.OpImm, Value: ins.Addr + uint64(inst.Len) + uint64(int64(a)), Size: 8,
			})
		case x86asm.Mem:
			ins.Operands = append(ins.Operands, models.Operand{
				Kind:  models.OpMem,
				Reg:   baseReg(a.Base),
				Value: effectiveAddr(ins.Regs, ins.Addr, inst.Len, a),
				Size:  inst.MemBytes,
			})
		}
	}
	return nil
}

// MemRef is a memory operand resolved ahead of execution, for the
// pre-execution capture hooks.
type MemRef struct {
	Addr  uint64
	Size  int
	Write bool
}

// ops whose first memory operand is only read
var readOnlyOps = map[x86asm.Op]bool{
	x86asm.CMP:  true,
	x86asm.TEST: true,
	x86asm.PUSH: true,
	x86asm.CALL: true,
	x86asm.JMP:  true,
}

// MemRefs resolves an instruction's memory operands against a context so
// a host can fire the read/write capture hooks strictly before the
// instruction executes. A first-position memory operand is treated as
// the write operand unless the op only reads it.
func MemRefs(addr uint64, opcode []byte, ctx models.Context) ([]MemRef, error) {
	inst, err := x86asm.Decode(opcode, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "undecodable instruction at %#x", addr)
	}
	var regs [models.NumRegs]uint64
	for _, enum := range models.RegEnums() {
		val, err := ctx.RegRead(enum)
		if err != nil {
			return nil, err
		}
		regs[enum] = val
	}
	var refs []MemRef
	for n, arg := range inst.Args {
		if arg == nil {
			break
		}
		if m, ok := arg.(x86asm.Mem); ok {
			size := inst.MemBytes
			if size == 0 {
				size = inst.DataSize / 8
			}
			refs = append(refs, MemRef{
				Addr:  effectiveAddr(regs[:], addr, inst.Len, m),
				Size:  size,
				Write: n == 0 && !readOnlyOps[inst.Op],
			})
		}
	}
	return refs, nil
}
