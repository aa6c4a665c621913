// Package unicorn drives the engine from a unicorn-emulated x86_64
// target. It is the reference host: one emulated thread, synchronous
// hooks, deferred execute-context handoff through the run loop.
package unicorn

import (
	"debug/elf"
	"fmt"
	"os"

	"github.com/pkg/errors"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/k4ch0w/instrace/models"
	"github.com/k4ch0w/instrace/tracer"
)

const (
	stackBase = 0x7fff00000000
	stackSize = 0x800000

	// single emulated thread
	mainThread = 0
)

type symbol struct {
	Name string
	Addr uint64
	Size uint64
}

type image struct {
	Path    string
	Base    uint64
	Size    uint64
	Symbols []symbol
}

type Host struct {
	u uc.Unicorn
	t *tracer.Tracer

	images []*image
	entry  uint64

	// routine watching
	watched  map[uint64]string
	retWatch map[uint64]string

	// one-instruction lag for the after boundary
	pending *tracer.InsInfo

	resume        uint64
	resumePending bool
	exited        bool
	exitStatus    int

	verbose bool
}

func NewHost(verbose bool) (*Host, error) {
	u, err := uc.NewUnicorn(uc.ARCH_X86, uc.MODE_64)
	if err != nil {
		return nil, errors.Wrap(err, "NewUnicorn() failed")
	}
	h := &Host{
		u:        u,
		watched:  make(map[uint64]string),
		retWatch: make(map[uint64]string),
		verbose:  verbose,
	}
	if err := u.MemMap(stackBase, stackSize); err != nil {
		return nil, errors.Wrap(err, "failed to map stack")
	}
	return h, nil
}

// LoadELF maps the binary's PT_LOAD segments and records its symbol
// table for address metadata queries.
func (h *Host) LoadELF(path string) error {
	f, err := elf.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open '%s'", path)
	}
	defer f.Close()
	if f.Machine != elf.EM_X86_64 {
		return errors.Errorf("unsupported machine: %s", f.Machine)
	}

	img := &image{Path: path}
	var low, high uint64
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		data := make([]byte, prog.Memsz)
		prog.Open().Read(data)
		addr := prog.Vaddr &^ 0xfff
		size := (prog.Vaddr + prog.Memsz - addr + 0xfff) &^ 0xfff
		if err := h.u.MemMap(addr, size); err != nil {
			return errors.Wrapf(err, "failed to map segment at %#x", prog.Vaddr)
		}
		if err := h.u.MemWrite(prog.Vaddr, data); err != nil {
			return errors.Wrapf(err, "failed to write segment at %#x", prog.Vaddr)
		}
		if low == 0 || addr < low {
			low = addr
		}
		if addr+size > high {
			high = addr + size
		}
	}
	img.Base = low
	img.Size = high - low

	if syms, err := f.Symbols(); err == nil {
		for _, sym := range syms {
			if sym.Value == 0 || sym.Name == "" {
				continue
			}
			img.Symbols = append(img.Symbols, symbol{Name: sym.Name, Addr: sym.Value, Size: sym.Size})
		}
	}
	h.images = append(h.images, img)
	h.entry = f.Entry
	return nil
}

// Attach wires the engine's callbacks into the emulator. Must be called
// after the script has registered its routine callbacks so symbol
// watching can resolve them.
func (h *Host) Attach(t *tracer.Tracer) error {
	h.t = t

	for _, name := range t.RoutineNames() {
		if addr, ok := h.lookupSymbol(name); ok {
			h.watched[addr] = name
		}
	}

	if _, err := h.u.HookAdd(uc.HOOK_CODE, func(_ uc.Unicorn, addr uint64, size uint32) {
		h.onCode(addr, size)
	}, 1, 0); err != nil {
		return errors.Wrap(err, "HookAdd(HOOK_CODE) failed")
	}

	// fires before the write commits; feeds the rollback log
	if _, err := h.u.HookAdd(uc.HOOK_MEM_WRITE, func(_ uc.Unicorn, access int, addr uint64, size int, val int64) {
		h.t.OnSnapshotWrite(addr, size)
	}, 1, 0); err != nil {
		return errors.Wrap(err, "HookAdd(HOOK_MEM_WRITE) failed")
	}

	if _, err := h.u.HookAdd(uc.HOOK_INTR, func(_ uc.Unicorn, intno uint32) {
		h.onIntr(intno)
	}, 1, 0); err != nil {
		return errors.Wrap(err, "HookAdd(HOOK_INTR) failed")
	}

	if _, err := h.u.HookAdd(uc.HOOK_MEM_INVALID, func(_ uc.Unicorn, access int, addr uint64, size int, val int64) bool {
		h.t.OnSignal(mainThread, 11, h.ctx())
		return false
	}, 1, 0); err != nil {
		return errors.Wrap(err, "HookAdd(invalid memory) failed")
	}

	_, err := h.u.HookAdd(uc.HOOK_INSN, func(_ uc.Unicorn) {
		h.t.OnSyscallEntry(mainThread, 0, h.ctx())
		h.handleSyscall()
		h.t.OnSyscallExit(mainThread, 0, h.ctx())
	}, 1, 0, uc.X86_INS_SYSCALL)
	return errors.Wrap(err, "HookAdd(HOOK_INSN) failed")
}

func (h *Host) ctx() models.Context {
	return &liveContext{u: h.u}
}

// Context returns a fresh view of the live register file, for callers
// outside the hook path such as async signal forwarding.
func (h *Host) Context() models.Context {
	return h.ctx()
}

// onCode runs once per instruction, before it executes. The previous
// instruction's after boundary is synthesized here: by the time the next
// code hook fires, the previous instruction has fully committed.
func (h *Host) onCode(addr uint64, size uint32) {
	ctx := h.ctx()
	h.flushStep(ctx)

	if name, ok := h.retWatch[addr]; ok {
		delete(h.retWatch, addr)
		h.t.OnRoutineExit(name, ctx, mainThread)
	}
	if name, ok := h.watched[addr]; ok {
		// the routine returns to the address on top of the stack
		if sp, err := ctx.RegRead(models.RegRSP); err == nil {
			if ret, err := h.MemRead(sp, 8); err == nil {
				h.retWatch[leUint64(ret)] = name
			}
		}
		h.t.OnRoutineEntry(name, ctx, mainThread)
	}

	info := h.t.Instrument(addr, mainThread)
	if info == nil {
		return
	}
	opcode, err := h.MemRead(addr, uint64(size))
	if err != nil {
		return
	}
	// memory operands are captured before the before boundary so the
	// record carries pre-execution values
	if refs, err := tracer.MemRefs(addr, opcode, ctx); err == nil {
		for _, ref := range refs {
			if ref.Write {
				h.t.OnMemWrite(info, ref.Addr, ref.Size, mainThread)
			} else {
				h.t.OnMemRead(info, ref.Addr, ref.Size, mainThread)
			}
		}
	}
	h.t.OnBefore(info, opcode, ctx, mainThread)
	// a restore or override inside the before boundary abandons this
	// instruction; it must not get an after boundary
	if !h.resumePending {
		h.pending = info
	}
}

func (h *Host) flushStep(ctx models.Context) {
	if h.pending == nil {
		return
	}
	info := h.pending
	h.pending = nil
	h.t.OnAfter(info, ctx, mainThread)
}

func (h *Host) onIntr(intno uint32) {
	switch intno {
	case 0x80:
		h.t.OnSyscallEntry(mainThread, 0, h.ctx())
		h.handleSyscall()
		h.t.OnSyscallExit(mainThread, 0, h.ctx())
	default:
		h.t.OnSignal(mainThread, int(intno), h.ctx())
	}
}

// handleSyscall implements just enough of the Linux ABI to run simple
// targets: exit and write.
func (h *Host) handleSyscall() {
	ctx := h.ctx()
	num, _ := ctx.RegRead(models.RegRAX)
	switch num {
	case 1: // write
		fd, _ := ctx.RegRead(models.RegRDI)
		buf, _ := ctx.RegRead(models.RegRSI)
		n, _ := ctx.RegRead(models.RegRDX)
		if p, err := h.MemRead(buf, n); err == nil && (fd == 1 || fd == 2) {
			os.Stdout.Write(p)
			ctx.RegWrite(models.RegRAX, n)
		}
	case 60: // exit
		status, _ := ctx.RegRead(models.RegRDI)
		h.Exit(int(status))
	default:
		if h.verbose {
			fmt.Fprintf(os.Stderr, "unhandled syscall %d\n", num)
		}
		ctx.RegWrite(models.RegRAX, ^uint64(37)) // -ENOSYS
	}
}

// Run drives the emulator until exit. Execute() requests from the
// engine stop emulation and re-enter here with a new program counter.
func (h *Host) Run() error {
	if h.t == nil {
		return errors.New("host not attached")
	}
	for _, img := range h.images {
		h.t.OnImageLoad(img.Path, img.Base, img.Size, h.entry)
	}
	if err := h.u.RegWrite(uc.X86_REG_RSP, stackBase+stackSize-0x1000); err != nil {
		return errors.Wrap(err, "failed to set stack pointer")
	}

	pc := h.entry
	for {
		h.resumePending = false
		err := h.u.Start(pc, 0xffffffffffffffff)
		if h.exited {
			break
		}
		if h.resumePending {
			pc = h.resume
			continue
		}
		if err != nil {
			h.t.OnSignal(mainThread, sigFromError(err), h.ctx())
			if h.resumePending {
				pc = h.resume
				continue
			}
		}
		break
	}
	h.flushStep(h.ctx())
	h.t.OnFini()
	return nil
}

func sigFromError(err error) int {
	if ucErr, ok := err.(uc.UcError); ok {
		switch ucErr {
		case uc.ERR_READ_UNMAPPED, uc.ERR_WRITE_UNMAPPED, uc.ERR_FETCH_UNMAPPED,
			uc.ERR_READ_PROT, uc.ERR_WRITE_PROT, uc.ERR_FETCH_PROT:
			return 11 // SIGSEGV
		case uc.ERR_INSN_INVALID:
			return 4 // SIGILL
		}
	}
	return 6 // SIGABRT
}

func (h *Host) MemRead(addr, size uint64) ([]byte, error) {
	return h.u.MemRead(addr, size)
}

func (h *Host) MemWrite(addr uint64, p []byte) error {
	return h.u.MemWrite(addr, p)
}

func (h *Host) ImageName(addr uint64) (string, bool) {
	for _, img := range h.images {
		if addr >= img.Base && addr < img.Base+img.Size {
			return img.Path, true
		}
	}
	return "", false
}

func (h *Host) SymbolName(addr uint64) (string, bool) {
	for _, img := range h.images {
		for _, sym := range img.Symbols {
			if sym.Addr == addr {
				return sym.Name, true
			}
		}
	}
	return "", false
}

func (h *Host) ImageOffset(addr uint64) (string, uint64, bool) {
	for _, img := range h.images {
		if addr >= img.Base && addr < img.Base+img.Size {
			return img.Path, addr - img.Base, true
		}
	}
	return "", 0, false
}

// Execute applies ctx to the live register file and asks the run loop to
// resume there. The callback stack unwinds first; emulation restarts at
// the new program counter once Start() returns.
func (h *Host) Execute(ctx models.Context) error {
	if err := applyContext(h.u, ctx); err != nil {
		return errors.Wrap(err, "failed to apply context")
	}
	pc, err := ctx.RegRead(models.RegRIP)
	if err != nil {
		return err
	}
	h.pending = nil
	h.resume = pc
	h.resumePending = true
	return h.u.Stop()
}

func (h *Host) Exit(status int) {
	h.exited = true
	h.exitStatus = status
	h.u.Stop()
}

func (h *Host) ExitStatus() int { return h.exitStatus }

func (h *Host) lookupSymbol(name string) (uint64, bool) {
	for _, img := range h.images {
		for _, sym := range img.Symbols {
			if sym.Name == name {
				return sym.Addr, true
			}
		}
	}
	return 0, false
}

func leUint64(p []byte) uint64 {
	var v uint64
	for i := len(p) - 1; i >= 0; i-- {
		v = v<<8 | uint64(p[i])
	}
	return v
}
