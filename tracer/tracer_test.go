package tracer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/k4ch0w/instrace/models"
	"github.com/k4ch0w/instrace/models/mock"
	"github.com/k4ch0w/instrace/trace"
)

// add rax, rbx
var addOpcode = []byte{0x48, 0x01, 0xd8}

func newTestTracer(t *testing.T) (*Tracer, *mock.Host) {
	h := mock.NewHost()
	h.AddImage(&mock.Image{Name: "/bin/app", Base: 0x1000, Size: 0x1000})
	tr, err := New(h, &models.Config{
		Filter: models.FilterConfig{
			StartAddrs: map[uint64]bool{0x1000: true},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return tr, h
}

// step runs one full before/after cycle on the bound thread.
func step(tr *Tracer, info *InsInfo, ctx models.Context, tid int) {
	tr.OnBefore(info, addOpcode, ctx, tid)
	tr.OnAfter(info, ctx, tid)
}

func TestInstrumentGate(t *testing.T) {
	tr, _ := newTestTracer(t)

	// no start condition seen yet: nothing is instrumented
	if info := tr.Instrument(0x1500, 1); info != nil {
		t.Fatal("instrumented before the gate opened")
	}
	// the start address opens the gate and binds the thread
	info := tr.Instrument(0x1000, 1)
	if info == nil {
		t.Fatal("start address not instrumented")
	}
	if !tr.trigger.Match(1) {
		t.Fatal("trigger not bound to the unlocking thread")
	}
	// cache hit returns the same record
	if tr.Instrument(0x1000, 1) != info {
		t.Fatal("instrument cache miss for a known address")
	}
}

func TestInstrumentFilter(t *testing.T) {
	tr, h := newTestTracer(t)
	h.AddImage(&mock.Image{Name: "/lib/libc.so", Base: 0x7000, Size: 0x1000})
	tr.filter = models.NewRegionFilter(models.FilterConfig{
		Blacklist:  []string{"libc"},
		StartAddrs: map[uint64]bool{0x1000: true},
	})

	if tr.Instrument(0x1000, 1) == nil {
		t.Fatal("start address not instrumented")
	}
	if tr.Instrument(0x7100, 1) != nil {
		t.Fatal("blacklisted image instrumented")
	}
}

func TestCallbackOrder(t *testing.T) {
	tr, _ := newTestTracer(t)
	var order []string
	tr.Callbacks.PreProcessing = func(ins *models.Ins, tid int) { order = append(order, "pre") }
	tr.Callbacks.BeforeIRProc = func(ins *models.Ins) { order = append(order, "before_ir") }
	tr.Callbacks.Before = func(ins *models.Ins) {
		order = append(order, "before")
		if len(ins.Operands) != 2 {
			t.Fatalf("got %d operands", len(ins.Operands))
		}
		if !ins.Operands[0].Trusted {
			t.Fatal("operands not trusted inside the before callback")
		}
	}
	tr.Callbacks.After = func(ins *models.Ins) { order = append(order, "after") }
	tr.Callbacks.PostProcessing = func(ins *models.Ins, tid int) { order = append(order, "post") }

	info := tr.Instrument(0x1000, 1)
	step(tr, info, mock.NewContext(), 1)

	want := []string{"pre", "before_ir", "before", "post", "after", "post"}
	if len(order) != len(want) {
		t.Fatalf("callback order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("callback order = %v, want %v", order, want)
		}
	}
}

func TestForeignThreadDropped(t *testing.T) {
	tr, _ := newTestTracer(t)
	var pre, before int
	tr.Callbacks.PreProcessing = func(ins *models.Ins, tid int) { pre++ }
	tr.Callbacks.Before = func(ins *models.Ins) { before++ }

	info := tr.Instrument(0x1000, 1)
	step(tr, info, mock.NewContext(), 2)

	// pre-processing is ungated, everything else is bound to thread 1
	if pre != 1 {
		t.Fatalf("pre-processing fired %d times", pre)
	}
	if before != 0 {
		t.Fatal("gated callback fired for a foreign thread")
	}
}

func TestUndecodableSkipped(t *testing.T) {
	tr, _ := newTestTracer(t)
	var called int
	tr.Callbacks.Before = func(ins *models.Ins) { called++ }

	info := tr.Instrument(0x1000, 1)
	tr.OnBefore(info, []byte{0x06}, mock.NewContext(), 1)
	if called != 0 {
		t.Fatal("before callback fired for an undecodable instruction")
	}
	if info.Ins.Addr != 0 {
		t.Fatal("record not reset after a soft skip")
	}
}

func TestMemCapture(t *testing.T) {
	tr, h := newTestTracer(t)
	h.MemWrite(0x2000, []byte{0xef, 0xbe, 0xad, 0xde, 0, 0, 0, 0})

	info := tr.Instrument(0x1000, 1)
	tr.OnMemRead(info, 0x2000, 4, 1)
	tr.OnMemWrite(info, 0x2000, 4, 1)
	// foreign thread: dropped
	tr.OnMemRead(info, 0x2000, 4, 2)

	if len(info.Ins.Mem) != 2 {
		t.Fatalf("got %d accesses", len(info.Ins.Mem))
	}
	read, write := info.Ins.Mem[0], info.Ins.Mem[1]
	if read.Write || read.Value != 0xdeadbeef {
		t.Fatalf("read access = %+v", read)
	}
	// a write access still carries the pre-write value
	if !write.Write || write.Value != 0xdeadbeef {
		t.Fatalf("write access = %+v", write)
	}

	// memory accesses survive into the before boundary
	var seen int
	tr.Callbacks.Before = func(ins *models.Ins) { seen = len(ins.Mem) }
	tr.OnBefore(info, addOpcode, mock.NewContext(), 1)
	if seen != 2 {
		t.Fatalf("before callback saw %d accesses", seen)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	tr, h := newTestTracer(t)
	h.MemWrite(0x2000, []byte{0xaa})

	info := tr.Instrument(0x1000, 1)
	armCtx := mock.NewContext().Set(models.RegRIP, 0x1000)
	tr.Callbacks.Before = func(ins *models.Ins) {
		if err := tr.TakeSnapshot(); err != nil {
			t.Fatal(err)
		}
	}
	tr.OnBefore(info, addOpcode, armCtx, 1)
	tr.Callbacks.Before = nil
	tr.OnAfter(info, armCtx, 1)

	// a target write while armed is logged, then lands
	tr.OnSnapshotWrite(0x2000, 1)
	h.MemWrite(0x2000, []byte{0xbb})

	// a later callback asks for the rollback
	tr.Callbacks.Before = func(ins *models.Ins) {
		if err := tr.RestoreSnapshot(); err != nil {
			t.Fatal(err)
		}
	}
	tr.OnBefore(info, addOpcode, mock.NewContext(), 1)

	if h.Memory[0x2000] != 0xaa {
		t.Fatalf("memory not rolled back: %#x", h.Memory[0x2000])
	}
	if len(h.Executed) != 1 {
		t.Fatalf("executed %d contexts", len(h.Executed))
	}
	pc, _ := h.Executed[0].RegRead(models.RegRIP)
	if pc != 0x1000 {
		t.Fatalf("resumed at %#x, want arm-time pc", pc)
	}
	if tr.SnapshotArmed() {
		t.Fatal("snapshot still armed after restore")
	}
}

func TestSnapshotWriteNotThreadBound(t *testing.T) {
	tr, h := newTestTracer(t)
	h.MemWrite(0x2000, []byte{0x11})

	info := tr.Instrument(0x1000, 1)
	tr.Callbacks.Before = func(ins *models.Ins) { tr.TakeSnapshot() }
	tr.OnBefore(info, addOpcode, mock.NewContext(), 1)
	tr.Callbacks.Before = nil
	tr.OnAfter(info, mock.NewContext(), 1)

	// writes from any thread while the gate is open must be reversible
	tr.OnSnapshotWrite(0x2000, 1)
	h.MemWrite(0x2000, []byte{0x22})

	tr.RestoreSnapshot()
	tr.Callbacks.After = nil
	tr.OnBefore(info, addOpcode, mock.NewContext(), 1)
	if h.Memory[0x2000] != 0x11 {
		t.Fatal("write logged on foreign thread was not rolled back")
	}
}

func TestOverrideConsumedOnce(t *testing.T) {
	tr, h := newTestTracer(t)
	override := mock.NewContext().Set(models.RegRIP, 0x1200)

	var irCalls int
	tr.Callbacks.BeforeIRProc = func(ins *models.Ins) { irCalls++ }
	tr.Callbacks.Before = func(ins *models.Ins) {
		if err := tr.SetExecuteContext(override); err != nil {
			t.Fatal(err)
		}
	}

	info := tr.Instrument(0x1000, 1)
	tr.OnBefore(info, addOpcode, mock.NewContext(), 1)
	tr.Callbacks.Before = nil
	tr.OnAfter(info, mock.NewContext(), 1)

	if len(h.Executed) != 1 {
		t.Fatalf("executed %d contexts", len(h.Executed))
	}
	pc, _ := h.Executed[0].RegRead(models.RegRIP)
	if pc != 0x1200 {
		t.Fatalf("executed pc = %#x", pc)
	}

	// while the override is in flight, a second request is rejected
	if err := tr.SetExecuteContext(override); err == nil {
		t.Fatal("second override accepted while one is pending")
	}

	// the re-entered before boundary skips exactly one pre-IR callback
	tr.OnBefore(info, addOpcode, mock.NewContext(), 1)
	tr.OnAfter(info, mock.NewContext(), 1)
	if irCalls != 1 {
		t.Fatalf("before_ir fired %d times, want 1 (skipped once)", irCalls)
	}
	if len(h.Executed) != 1 {
		t.Fatal("override executed more than once")
	}

	// consumed: a new override is accepted again
	if err := tr.SetExecuteContext(override); err != nil {
		t.Fatal(err)
	}
}

func TestOverrideFromBeforeIR(t *testing.T) {
	tr, h := newTestTracer(t)
	override := mock.NewContext().Set(models.RegRIP, 0x1300)

	var beforeCalls int
	tr.Callbacks.BeforeIRProc = func(ins *models.Ins) { tr.SetExecuteContext(override) }
	tr.Callbacks.Before = func(ins *models.Ins) { beforeCalls++ }

	info := tr.Instrument(0x1000, 1)
	tr.OnBefore(info, addOpcode, mock.NewContext(), 1)

	// the override executes at the same boundary; no before callback,
	// and the record is reset
	if len(h.Executed) != 1 {
		t.Fatalf("executed %d contexts", len(h.Executed))
	}
	if beforeCalls != 0 {
		t.Fatal("before callback ran for an overridden instruction")
	}
	if info.Ins.Addr != 0 {
		t.Fatal("record not reset before the override")
	}
}

func TestRestoreOutranksOverride(t *testing.T) {
	tr, h := newTestTracer(t)

	armCtx := mock.NewContext().Set(models.RegRIP, 0x1000)
	override := mock.NewContext().Set(models.RegRIP, 0x1400)

	info := tr.Instrument(0x1000, 1)
	tr.Callbacks.Before = func(ins *models.Ins) { tr.TakeSnapshot() }
	tr.OnBefore(info, addOpcode, armCtx, 1)

	// both requested at the same boundary
	tr.Callbacks.Before = func(ins *models.Ins) {
		tr.SetExecuteContext(override)
		tr.RestoreSnapshot()
	}
	tr.OnBefore(info, addOpcode, mock.NewContext(), 1)

	if len(h.Executed) != 1 {
		t.Fatalf("executed %d contexts", len(h.Executed))
	}
	pc, _ := h.Executed[0].RegRead(models.RegRIP)
	if pc != 0x1000 {
		t.Fatalf("resumed at %#x, want arm-time pc (restore wins)", pc)
	}
	// the dropped override leaves no pending state behind
	if err := tr.SetExecuteContext(override); err != nil {
		t.Fatal(err)
	}
}

func TestAbandonedBeforeSkipsAfter(t *testing.T) {
	tr, _ := newTestTracer(t)

	info := tr.Instrument(0x1000, 1)
	tr.Callbacks.Before = func(ins *models.Ins) { tr.TakeSnapshot() }
	step(tr, info, mock.NewContext().Set(models.RegRIP, 0x1000), 1)

	var afterCalls, postCalls int
	tr.Callbacks.Before = func(ins *models.Ins) { tr.RestoreSnapshot() }
	tr.Callbacks.After = func(ins *models.Ins) { afterCalls++ }
	tr.Callbacks.PostProcessing = func(ins *models.Ins, tid int) { postCalls++ }

	// the restore abandons this instruction mid-boundary; the host's
	// next flush must not synthesize an after boundary for it
	tr.OnBefore(info, addOpcode, mock.NewContext(), 1)
	tr.OnAfter(info, mock.NewContext(), 1)

	if afterCalls != 0 || postCalls != 0 {
		t.Fatalf("after boundary ran for an abandoned instruction (after=%d post=%d)", afterCalls, postCalls)
	}

	// the next completed instruction pairs normally again
	tr.Callbacks.Before = nil
	step(tr, info, mock.NewContext(), 1)
	if afterCalls != 1 {
		t.Fatalf("after fired %d times for a completed instruction", afterCalls)
	}
}

func TestTracefileEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.trace")
	h := mock.NewHost()
	h.AddImage(&mock.Image{Name: "/bin/app", Base: 0x1000, Size: 0x1000})
	tr, err := New(h, &models.Config{
		Tracefile: path,
		Filter:    models.FilterConfig{StartAddrs: map[uint64]bool{0x1000: true}},
	})
	if err != nil {
		t.Fatal(err)
	}

	tr.OnImageLoad("/bin/app", 0x1000, 0x1000, 0x1000)
	tr.OnSignal(1, 11, mock.NewContext())
	tr.OnFini()

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	r, err := trace.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	op, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	img, ok := op.(*trace.OpImage)
	if !ok || img.Path != "/bin/app" || img.Base != 0x1000 {
		t.Fatalf("first op = %#v", op)
	}
	op, err = r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if sig, ok := op.(*trace.OpSignal); !ok || sig.Sig != 11 || sig.Tid != 1 {
		t.Fatalf("second op = %#v", op)
	}
	op, err = r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := op.(*trace.OpExit); !ok {
		t.Fatalf("final op = %T", op)
	}
}

func TestSignalExit(t *testing.T) {
	tr, h := newTestTracer(t)
	var sig int
	tr.Callbacks.Signal = func(tid, s int) { sig = s }

	tr.OnSignal(1, 11, mock.NewContext())
	if sig != 11 {
		t.Fatalf("signal callback got %d", sig)
	}
	if !h.Exited || h.ExitStatus != 0 {
		t.Fatal("process not terminated after signal dispatch")
	}
}

func TestSignalRestore(t *testing.T) {
	tr, h := newTestTracer(t)

	info := tr.Instrument(0x1000, 1)
	tr.Callbacks.Before = func(ins *models.Ins) { tr.TakeSnapshot() }
	tr.OnBefore(info, addOpcode, mock.NewContext().Set(models.RegRIP, 0x1000), 1)

	tr.Callbacks.Signal = func(tid, s int) { tr.RestoreSnapshot() }
	tr.OnSignal(1, 11, mock.NewContext())

	// the rollback replaces termination
	if h.Exited {
		t.Fatal("process exited despite a restore request")
	}
	if len(h.Executed) != 1 {
		t.Fatalf("executed %d contexts", len(h.Executed))
	}
}

func TestScope(t *testing.T) {
	tr, _ := newTestTracer(t)
	tr.BindScope("checksum")

	var entered, exited bool
	tr.OnRoutine("checksum", func(tid int) { entered = true }, func(tid int) { exited = true })

	names := tr.RoutineNames()
	if len(names) != 1 || names[0] != "checksum" {
		t.Fatalf("routine names = %v", names)
	}

	tr.OnRoutineEntry("checksum", mock.NewContext(), 3)
	if !tr.trigger.Match(3) {
		t.Fatal("scope entry did not open the gate")
	}
	if !entered {
		t.Fatal("entry callback not fired")
	}

	tr.OnRoutineExit("checksum", mock.NewContext(), 3)
	if tr.trigger.State() {
		t.Fatal("scope exit did not close the gate")
	}
	if !exited {
		t.Fatal("exit callback not fired")
	}
}

func TestSyscallGate(t *testing.T) {
	tr, _ := newTestTracer(t)
	var calls int
	tr.Callbacks.SyscallEntry = func(tid, conv int) { calls++ }
	tr.Callbacks.SyscallExit = func(tid, conv int) { calls++ }

	// gate closed: dropped
	tr.OnSyscallEntry(1, 0, mock.NewContext())
	tr.Instrument(0x1000, 1)
	tr.OnSyscallEntry(1, 0, mock.NewContext())
	tr.OnSyscallExit(1, 0, mock.NewContext())
	// foreign thread: dropped
	tr.OnSyscallEntry(2, 0, mock.NewContext())

	if calls != 2 {
		t.Fatalf("syscall callbacks fired %d times", calls)
	}
}

func TestImageLoadUngated(t *testing.T) {
	tr, _ := newTestTracer(t)
	var loads int
	tr.Callbacks.ImageLoad = func(path string, base, size uint64) { loads++ }
	tr.OnImageLoad("/bin/app", 0x1000, 0x1000, 0x1000)
	if loads != 1 {
		t.Fatal("image load callback not fired while the gate is closed")
	}
}
