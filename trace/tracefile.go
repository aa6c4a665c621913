package trace

import (
	"encoding/binary"
	"io"
	"strings"

	"github.com/golang/snappy"
	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"

	"github.com/k4ch0w/instrace/models"
)

var TRACE_MAGIC = "ITRC"

type Header struct {
	// MAGIC ("ITRC")
	Magic string `struc:"[4]byte" json:"-"`
	// file format version
	Version uint32 `json:"version"`

	// Traced architecture. Right-null-padded.
	Arch string `struc:"[32]byte" json:"arch"`

	// Byte order - 0 for little, 1 for big
	OrderNum  uint8            `json:"-"`
	OrderName string           `struc:"skip" json:"order"`
	Order     binary.ByteOrder `struc:"skip" json:"-"`
}

type Writer struct {
	w, zw io.WriteCloser
	buf   []byte
}

func NewWriter(w io.WriteCloser) (*Writer, error) {
	header := &Header{
		Magic:   TRACE_MAGIC,
		Version: 1,
		Arch:    "x86_64",

		OrderNum:  0,
		OrderName: "little",
		Order:     binary.LittleEndian,
	}
	if err := struc.Pack(w, header); err != nil {
		return nil, errors.Wrap(err, "failed to pack header")
	}
	zw := snappy.NewBufferedWriter(w)
	return &Writer{w: w, zw: zw}, nil
}

// write a frame at a time
func (t *Writer) Pack(frame Op) error {
	size := frame.Sizeof()
	if cap(t.buf) < size {
		t.buf = make([]byte, size)
	}
	frame.Pack(t.buf[:size])
	_, err := t.zw.Write(t.buf[:size])
	return err
}

// Step packs one captured instruction record as a step frame.
func (t *Writer) Step(ins *models.Ins) error {
	step := &OpStep{
		Addr:   ins.Addr,
		Tid:    uint32(ins.ThreadID),
		Opcode: ins.Opcode,
	}
	for i, val := range ins.Regs {
		step.Ops = append(step.Ops, &OpReg{Num: uint16(i), Val: val})
	}
	for _, m := range ins.Mem {
		if m.Write {
			step.Ops = append(step.Ops, &OpMemWrite{Addr: m.Addr, Size: uint32(m.Size), Val: m.Value})
		} else {
			step.Ops = append(step.Ops, &OpMemRead{Addr: m.Addr, Size: uint32(m.Size), Val: m.Value})
		}
	}
	return t.Pack(step)
}

func (t *Writer) Image(path string, base, size uint64) error {
	return t.Pack(&OpImage{Base: base, Size: size, Path: path})
}

func (t *Writer) Signal(tid, sig int) error {
	return t.Pack(&OpSignal{Tid: uint32(tid), Sig: uint32(sig)})
}

func (t *Writer) Close() {
	t.Pack(&OpExit{})
	t.zw.Close()
	t.w.Close()
}

type Reader struct {
	r      io.ReadCloser
	zr     *snappy.Reader
	Header Header
}

func NewReader(r io.ReadCloser) (*Reader, error) {
	t := &Reader{r: r}
	if err := struc.Unpack(r, &t.Header); err != nil {
		return nil, errors.Wrap(err, "failed to unpack header")
	}
	if t.Header.Magic != TRACE_MAGIC {
		return nil, errors.New("invalid trace file magic")
	}
	t.Header.Arch = strings.TrimRight(t.Header.Arch, "\x00")
	switch t.Header.OrderNum {
	case 0:
		t.Header.Order = binary.LittleEndian
		t.Header.OrderName = "little"
	case 1:
		t.Header.Order = binary.BigEndian
		t.Header.OrderName = "big"
	}
	t.zr = snappy.NewReader(r)
	return t, nil
}

func (t *Reader) Next() (Op, error) {
	op, _, err := Unpack(t.zr, false)
	return op, err
}

func (t *Reader) Close() {
	t.zr.Reset(nil)
	t.r.Close()
}
