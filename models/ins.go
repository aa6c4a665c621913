package models

import "github.com/pkg/errors"

// MaxOpcodeSize is the longest legal x86 instruction encoding.
const MaxOpcodeSize = 15

type OperandKind uint8

const (
	OpInvalid OperandKind = iota
	OpImm
	OpReg
	OpMem
)

func (k OperandKind) String() string {
	switch k {
	case OpImm:
		return "imm"
	case OpReg:
		return "reg"
	case OpMem:
		return "mem"
	}
	return "invalid"
}

// Operand is one structured operand with its concrete value. Trusted means
// the value is authoritative and downstream analysis should not re-derive
// it.
type Operand struct {
	Kind    OperandKind
	Reg     int // register enum for OpReg, base register for OpMem
	Value   uint64
	Size    int // bytes
	Trusted bool
}

// MemAccess is one concrete memory access. Write accesses carry the value
// present at the address before the instruction's write lands.
type MemAccess struct {
	Addr  uint64
	Size  int
	Write bool
	Value uint64
}

// Ins is the per-instruction record handed to the analysis engine and to
// user callbacks. Hosts may cache and reuse records across executions of
// the same static instruction, so records are reset, not reallocated,
// between cycles.
type Ins struct {
	Addr     uint64
	Opcode   []byte
	ThreadID int

	// Regs is the concrete register file at the before boundary, indexed
	// by register enum.
	Regs []uint64

	Operands []Operand
	Mem      []MemAccess

	opbuf [MaxOpcodeSize]byte
}

func NewIns() *Ins {
	i := &Ins{
		ThreadID: -1,
		Regs:     make([]uint64, NumRegs),
	}
	return i
}

func (i *Ins) Size() int {
	return len(i.Opcode)
}

func (i *Ins) SetOpcode(p []byte) error {
	if len(p) > MaxOpcodeSize {
		return errors.Errorf("opcode too long: %d > %d", len(p), MaxOpcodeSize)
	}
	i.Opcode = i.opbuf[:copy(i.opbuf[:], p)]
	return nil
}

func (i *Ins) RecordRead(addr uint64, size int, val uint64) {
	i.Mem = append(i.Mem, MemAccess{Addr: addr, Size: size, Value: val})
}

func (i *Ins) RecordWrite(addr uint64, size int, val uint64) {
	i.Mem = append(i.Mem, MemAccess{Addr: addr, Size: size, Write: true, Value: val})
}

// PartialReset clears register and operand state ahead of refilling the
// record. Memory accesses are kept: the pre-execution capture hooks fire
// before the before boundary and their values belong to this cycle.
func (i *Ins) PartialReset() {
	i.Operands = i.Operands[:0]
	for n := range i.Regs {
		i.Regs[n] = 0
	}
}

// Reset clears everything, identity included. Hosts cache records across
// iterations; stale values must never leak into the next run.
func (i *Ins) Reset() {
	i.PartialReset()
	i.Mem = i.Mem[:0]
	i.Addr = 0
	i.Opcode = nil
	i.ThreadID = -1
}

// SetTrust flips the trust flag on every captured operand.
func (i *Ins) SetTrust(trusted bool) {
	for n := range i.Operands {
		i.Operands[n].Trusted = trusted
	}
}
