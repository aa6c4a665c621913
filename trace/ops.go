package trace

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

var order = binary.LittleEndian

const (
	OP_NOP       = 0
	OP_STEP      = 1
	OP_REG       = 2
	OP_MEM_READ  = 3
	OP_MEM_WRITE = 4
	OP_IMAGE     = 5
	OP_SIGNAL    = 6
	OP_EXIT      = 7
)

// Op is one tracefile record. Pack writes into a caller-sized buffer;
// Unpack reads everything after the tag byte.
type Op interface {
	Sizeof() int
	Pack(p []byte)
	Unpack(r io.Reader) (int, error)
}

// used by step frames
func packOps(p []byte, ops []Op) {
	for _, op := range ops {
		op.Pack(p)
		p = p[op.Sizeof():]
	}
}

func unpackOps(r io.Reader, count int) (ops []Op, total int, err error) {
	ops = make([]Op, count)
	for i := 0; i < count; i++ {
		op, n, err := Unpack(r, true)
		if err != nil {
			return ops, total + n, errors.Wrap(err, "unpacking op list")
		}
		total += n
		ops[i] = op
	}
	return ops, total, nil
}

func Unpack(r io.Reader, nested bool) (Op, int, error) {
	var tmp [1]byte
	if _, err := r.Read(tmp[:]); err != nil {
		return nil, 0, err
	}
	var op Op
	switch tmp[0] {
	case OP_NOP:
		op = &OpNop{}
	case OP_STEP:
		op = &OpStep{}
	case OP_REG:
		op = &OpReg{}
	case OP_MEM_READ:
		op = &OpMemRead{}
	case OP_MEM_WRITE:
		op = &OpMemWrite{}
	case OP_IMAGE:
		op = &OpImage{}
	case OP_SIGNAL:
		op = &OpSignal{}
	case OP_EXIT:
		op = &OpExit{}
	default:
		return nil, 0, errors.Errorf("unknown op: %d", tmp[0])
	}
	if nested && tmp[0] == OP_STEP {
		return nil, 0, errors.Errorf("fatal: nested step")
	}
	n, err := op.Unpack(r)
	return op, n + 1, err
}

type OpNop struct{}

func (o *OpNop) Sizeof() int   { return 1 }
func (o *OpNop) Pack(p []byte) { p[0] = OP_NOP }

func (o *OpNop) Unpack(r io.Reader) (int, error) { return 0, nil }

type OpExit struct{ OpNop }

func (o *OpExit) Pack(p []byte) { p[0] = OP_EXIT }

// OpStep is one executed instruction: where it ran, on which thread,
// its opcode bytes, and the register and memory sub-ops captured at the
// before boundary.
type OpStep struct {
	Addr   uint64
	Tid    uint32
	Opcode []byte
	Ops    []Op
}

func (o *OpStep) Sizeof() int {
	size := 1 + 8 + 4 + 1 + 2 + len(o.Opcode)
	for _, op := range o.Ops {
		size += op.Sizeof()
	}
	return size
}

func (o *OpStep) Pack(p []byte) {
	p[0] = OP_STEP
	order.PutUint64(p[1:], o.Addr)
	order.PutUint32(p[9:], o.Tid)
	p[13] = uint8(len(o.Opcode))
	order.PutUint16(p[14:], uint16(len(o.Ops)))
	copy(p[16:], o.Opcode)
	packOps(p[16+len(o.Opcode):], o.Ops)
}

func (o *OpStep) Unpack(r io.Reader) (int, error) {
	var tmp [8 + 4 + 1 + 2]byte
	total, err := io.ReadFull(r, tmp[:])
	if err != nil {
		return total, errors.Wrap(err, "step unpack")
	}
	o.Addr = order.Uint64(tmp[:])
	o.Tid = order.Uint32(tmp[8:])
	oplen := int(tmp[12])
	count := int(order.Uint16(tmp[13:]))

	o.Opcode = make([]byte, oplen)
	n, err := io.ReadFull(r, o.Opcode)
	total += n
	if err != nil {
		return total, errors.Wrap(err, "step unpack")
	}
	ops, n, err := unpackOps(r, count)
	o.Ops = ops
	return total + n, err
}

type OpReg struct {
	Num uint16
	Val uint64
}

func (o *OpReg) Sizeof() int { return 1 + 2 + 8 }
func (o *OpReg) Pack(p []byte) {
	p[0] = OP_REG
	order.PutUint16(p[1:], o.Num)
	order.PutUint64(p[3:], o.Val)
}

func (o *OpReg) Unpack(r io.Reader) (int, error) {
	var tmp [2 + 8]byte
	n, err := io.ReadFull(r, tmp[:])
	if err == nil {
		o.Num = order.Uint16(tmp[:])
		o.Val = order.Uint64(tmp[2:])
	}
	return n, err
}

// OpMemRead and OpMemWrite both carry the pre-execution value at the
// target address; a write's Val is what the instruction is about to
// clobber, not what it stores.
type OpMemRead struct {
	Addr uint64
	Size uint32
	Val  uint64
}

func (o *OpMemRead) Sizeof() int { return 1 + 8 + 4 + 8 }
func (o *OpMemRead) Pack(p []byte) {
	p[0] = OP_MEM_READ
	order.PutUint64(p[1:], o.Addr)
	order.PutUint32(p[9:], o.Size)
	order.PutUint64(p[13:], o.Val)
}

func (o *OpMemRead) Unpack(r io.Reader) (int, error) {
	var tmp [8 + 4 + 8]byte
	n, err := io.ReadFull(r, tmp[:])
	if err == nil {
		o.Addr = order.Uint64(tmp[:])
		o.Size = order.Uint32(tmp[8:])
		o.Val = order.Uint64(tmp[12:])
	}
	return n, err
}

type OpMemWrite struct {
	Addr uint64
	Size uint32
	Val  uint64
}

func (o *OpMemWrite) Sizeof() int { return 1 + 8 + 4 + 8 }
func (o *OpMemWrite) Pack(p []byte) {
	p[0] = OP_MEM_WRITE
	order.PutUint64(p[1:], o.Addr)
	order.PutUint32(p[9:], o.Size)
	order.PutUint64(p[13:], o.Val)
}

func (o *OpMemWrite) Unpack(r io.Reader) (int, error) {
	var tmp [8 + 4 + 8]byte
	n, err := io.ReadFull(r, tmp[:])
	if err == nil {
		o.Addr = order.Uint64(tmp[:])
		o.Size = order.Uint32(tmp[8:])
		o.Val = order.Uint64(tmp[12:])
	}
	return n, err
}

type OpImage struct {
	Base uint64
	Size uint64
	Path string
}

func (o *OpImage) Sizeof() int { return 1 + 8 + 8 + 2 + len([]byte(o.Path)) }
func (o *OpImage) Pack(p []byte) {
	path := []byte(o.Path)
	p[0] = OP_IMAGE
	order.PutUint64(p[1:], o.Base)
	order.PutUint64(p[9:], o.Size)
	order.PutUint16(p[17:], uint16(len(path)))
	copy(p[19:], path)
}

func (o *OpImage) Unpack(r io.Reader) (int, error) {
	var tmp [8 + 8 + 2]byte
	total, err := io.ReadFull(r, tmp[:])
	if err == nil {
		o.Base = order.Uint64(tmp[:])
		o.Size = order.Uint64(tmp[8:])
		plen := order.Uint16(tmp[16:])
		buf := make([]byte, plen)
		n, err := io.ReadFull(r, buf)
		total += n
		if err != nil {
			return total, err
		}
		o.Path = string(buf)
	}
	return total, err
}

type OpSignal struct {
	Tid uint32
	Sig uint32
}

func (o *OpSignal) Sizeof() int { return 1 + 4 + 4 }
func (o *OpSignal) Pack(p []byte) {
	p[0] = OP_SIGNAL
	order.PutUint32(p[1:], o.Tid)
	order.PutUint32(p[5:], o.Sig)
}

func (o *OpSignal) Unpack(r io.Reader) (int, error) {
	var tmp [4 + 4]byte
	n, err := io.ReadFull(r, tmp[:])
	if err == nil {
		o.Tid = order.Uint32(tmp[:])
		o.Sig = order.Uint32(tmp[4:])
	}
	return n, err
}
