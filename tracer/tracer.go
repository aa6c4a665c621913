// Package tracer is the instruction-level event dispatcher: it decides
// which instructions get instrumented, captures concrete state around
// each one, feeds the analysis engine, and applies snapshot restores and
// context overrides requested by user callbacks.
package tracer

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/k4ch0w/instrace/models"
	"github.com/k4ch0w/instrace/trace"
)

// Processor is the external analysis engine. It consumes fully captured
// instruction records; what it does with them (IR, taint, symbolics) is
// outside this engine.
type Processor interface {
	BuildSemantics(ins *models.Ins) error
}

// Callbacks are the user-facing extension points. One registration slot
// per name; absent slots are skipped.
type Callbacks struct {
	PreProcessing  func(ins *models.Ins, tid int)
	PostProcessing func(ins *models.Ins, tid int)
	BeforeIRProc   func(ins *models.Ins)
	Before         func(ins *models.Ins)
	After          func(ins *models.Ins)
	SyscallEntry   func(tid, convention int)
	SyscallExit    func(tid, convention int)
	ImageLoad      func(path string, base, size uint64)
	Signal         func(tid, sig int)
	Fini           func()
}

// InsInfo is the per-static-instruction handle created at instrument
// time. Hosts cache it and hand it back on every execution; the record
// inside is reset between cycles, never reallocated.
type InsInfo struct {
	Addr uint64
	Ins  *models.Ins

	// set when a before boundary runs to completion; an abandoned
	// boundary (restore or override) leaves it clear so no after
	// boundary is synthesized for it
	stepped bool
}

// Tracer owns all shared engine state. A single coarse lock serializes
// every callback body across threads; fine-grained locking would have to
// prove it cannot reorder the read-before-write and before-after
// invariants first.
type Tracer struct {
	Callbacks Callbacks

	mu       sync.Mutex
	host     models.Host
	config   *models.Config
	filter   *models.RegionFilter
	trigger  *models.Trigger
	snapshot *models.Snapshot
	proc     Processor

	// lastCtx is host-owned; valid only inside the callback that set it.
	lastCtx models.Context

	// pending context override, one-shot
	mustExecute bool
	execCtx     models.Context

	routineEntry map[string]func(tid int)
	routineExit  map[string]func(tid int)
	scope        string

	// instrument-time cache; touched only on the host's single
	// instrumentation thread, so no lock
	infos map[uint64]*InsInfo

	tf     *trace.Writer
	status models.StatusDiff
}

func New(host models.Host, config *models.Config) (*Tracer, error) {
	t := &Tracer{
		host:         host,
		config:       config,
		filter:       models.NewRegionFilter(config.Filter),
		trigger:      models.NewTrigger(),
		snapshot:     models.NewSnapshot(),
		routineEntry: make(map[string]func(int)),
		routineExit:  make(map[string]func(int)),
		infos:        make(map[uint64]*InsInfo),
	}
	if config.Tracefile != "" {
		w, err := os.Create(config.Tracefile)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create tracefile '%s'", config.Tracefile)
		}
		if t.tf, err = trace.NewWriter(w); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// SetProcessor attaches the analysis engine. Optional; without one the
// dispatcher still captures state and runs user callbacks.
func (t *Tracer) SetProcessor(p Processor) {
	t.proc = p
}

func (t *Tracer) Host() models.Host { return t.host }

// Context returns the last seen host context. Only valid while inside a
// callback; the reference must not be retained past it.
func (t *Tracer) Context() models.Context { return t.lastCtx }

// Instrument is the load-time decision point, called once per address
// the first time the host sees it. It runs the one-shot start-condition
// check, then the region filter. A nil return means no hooks for this
// instruction. Host contract: single instrumentation thread, so no lock.
func (t *Tracer) Instrument(addr uint64, tid int) *InsInfo {
	if info, ok := t.infos[addr]; ok {
		return info
	}
	t.filter.CheckUnlock(t.trigger, t.host, addr, tid)
	if !t.trigger.State() {
		return nil
	}
	image, _ := t.host.ImageName(addr)
	if !t.filter.ShouldInstrument(image) {
		return nil
	}
	info := &InsInfo{Addr: addr, Ins: models.NewIns()}
	t.infos[addr] = info
	return info
}

// OnMemRead captures one read operand strictly before the instruction
// executes. The value read here is the pre-write value by construction.
func (t *Tracer) OnMemRead(info *InsInfo, addr uint64, size, tid int) {
	if !t.trigger.Match(tid) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	info.Ins.RecordRead(addr, size, t.readValue(addr, size))
}

// OnMemWrite captures the write operand strictly before the instruction
// executes. The recorded value is the pre-write content at the address;
// the analysis engine synchronizes against pre-instruction memory state.
func (t *Tracer) OnMemWrite(info *InsInfo, addr uint64, size, tid int) {
	if !t.trigger.Match(tid) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	info.Ins.RecordWrite(addr, size, t.readValue(addr, size))
}

// OnSnapshotWrite feeds the rollback log. It is a pure observation point
// that must run before the write lands. Not bound to the target thread:
// any write while the gate is open must be reversible.
func (t *Tracer) OnSnapshotWrite(addr uint64, size int) {
	if !t.trigger.State() {
		return
	}
	if !t.snapshot.Armed() || t.snapshot.Locked() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.snapshot.Record(t.host, addr, size); err != nil && t.config.Verbose {
		fmt.Fprintf(os.Stderr, "snapshot: %v\n", err)
	}
}

// OnBefore is the before-boundary protocol for one instruction
// execution. opcode is re-read by the host each iteration so
// self-modifying code stays faithful.
func (t *Tracer) OnBefore(info *InsInfo, opcode []byte, ctx models.Context, tid int) {
	ins := info.Ins
	if cb := t.Callbacks.PreProcessing; cb != nil {
		cb(ins, tid)
	}
	if !t.trigger.Match(tid) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastCtx = ctx

	ins.PartialReset()
	ins.Addr = info.Addr
	ins.ThreadID = tid
	if err := ins.SetOpcode(opcode); err != nil {
		ins.Reset()
		return
	}
	if err := captureRegisters(ins, ctx); err != nil {
		ins.Reset()
		return
	}
	if err := disassemble(ins); err != nil {
		// fail soft: skip engine processing for this one instruction
		if t.config.Verbose {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
		ins.Reset()
		return
	}
	ins.SetTrust(true)

	// a consumed override skips exactly one pre-IR callback so the
	// replayed context cannot re-trigger itself
	if !t.mustExecute {
		if cb := t.Callbacks.BeforeIRProc; cb != nil {
			cb(ins)
		}
	} else {
		t.mustExecute = false
	}
	if t.mustExecute {
		ins.Reset()
		t.executeOverride()
		if t.snapshot.MustRestore() {
			t.runRestore()
		}
		return
	}

	if t.proc != nil {
		if err := t.proc.BuildSemantics(ins); err != nil && t.config.Verbose {
			fmt.Fprintf(os.Stderr, "semantics: %v\n", err)
		}
	}

	if !t.mustExecute {
		if cb := t.Callbacks.Before; cb != nil {
			cb(ins)
		}
	}

	if t.snapshot.MustRestore() {
		ins.Reset()
		t.runRestore()
		return
	}

	if cb := t.Callbacks.PostProcessing; cb != nil {
		cb(ins, tid)
	}
	t.observe(ins)
	ins.SetTrust(false)
	info.stepped = true
}

// OnAfter is the after-boundary protocol. The record is reset here
// because the host reuses it for the next iteration. An instruction
// whose before boundary was abandoned gets no after boundary.
func (t *Tracer) OnAfter(info *InsInfo, ctx models.Context, tid int) {
	if !info.stepped {
		return
	}
	info.stepped = false
	if !t.trigger.Match(tid) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastCtx = ctx
	ins := info.Ins
	if cb := t.Callbacks.After; cb != nil {
		cb(ins)
	}
	if cb := t.Callbacks.PostProcessing; cb != nil {
		cb(ins, tid)
	}
	ins.Reset()

	if t.mustExecute {
		t.executeOverride()
	}
	if t.snapshot.MustRestore() {
		t.runRestore()
	}
}

// OnRoutine registers entry/exit callbacks for a named routine. Either
// side may be nil.
func (t *Tracer) OnRoutine(name string, entry, exit func(tid int)) {
	if entry != nil {
		t.routineEntry[name] = entry
	}
	if exit != nil {
		t.routineExit[name] = exit
	}
}

// BindScope opens the gate on entry and closes it on exit of the named
// routine, independent of the global start conditions.
func (t *Tracer) BindScope(symbol string) {
	t.scope = symbol
}

// RoutineNames lists every symbol the host should resolve and hook.
// Unresolvable names are skipped silently by the host.
func (t *Tracer) RoutineNames() []string {
	seen := make(map[string]bool)
	var names []string
	add := func(n string) {
		if n != "" && !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	add(t.scope)
	for n := range t.routineEntry {
		add(n)
	}
	for n := range t.routineExit {
		add(n)
	}
	return names
}

func (t *Tracer) OnRoutineEntry(name string, ctx models.Context, tid int) {
	if t.scope != "" && name == t.scope {
		t.mu.Lock()
		t.trigger.Open(tid)
		t.mu.Unlock()
	}
	if !t.trigger.Match(tid) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastCtx = ctx
	if cb := t.routineEntry[name]; cb != nil {
		cb(tid)
	}
}

func (t *Tracer) OnRoutineExit(name string, ctx models.Context, tid int) {
	if t.trigger.Match(tid) {
		t.mu.Lock()
		t.lastCtx = ctx
		if cb := t.routineExit[name]; cb != nil {
			cb(tid)
		}
		t.mu.Unlock()
	}
	if t.scope != "" && name == t.scope {
		t.mu.Lock()
		t.trigger.Update(false)
		t.mu.Unlock()
	}
}

func (t *Tracer) OnSyscallEntry(tid, convention int, ctx models.Context) {
	if !t.trigger.Match(tid) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastCtx = ctx
	if cb := t.Callbacks.SyscallEntry; cb != nil {
		cb(tid, convention)
	}
}

func (t *Tracer) OnSyscallExit(tid, convention int, ctx models.Context) {
	if !t.trigger.Match(tid) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastCtx = ctx
	if cb := t.Callbacks.SyscallExit; cb != nil {
		cb(tid, convention)
	}
}

// OnImageLoad fires for every loaded module, gating ignored.
func (t *Tracer) OnImageLoad(path string, base, size, entry uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.filter.NoteEntry(entry)
	if t.tf != nil {
		if err := t.tf.Image(path, base, size); err != nil && t.config.Verbose {
			fmt.Fprintf(os.Stderr, "tracefile: %v\n", err)
		}
	}
	if cb := t.Callbacks.ImageLoad; cb != nil {
		cb(path, base, size)
	}
}

// OnSignal fires for every delivered signal, gating ignored. The process
// terminates after dispatch unless the callback restored a snapshot.
func (t *Tracer) OnSignal(tid, sig int, ctx models.Context) {
	t.mu.Lock()
	t.lastCtx = ctx
	if t.tf != nil {
		if err := t.tf.Signal(tid, sig); err != nil && t.config.Verbose {
			fmt.Fprintf(os.Stderr, "tracefile: %v\n", err)
		}
	}
	if cb := t.Callbacks.Signal; cb != nil {
		cb(tid, sig)
	}
	if t.snapshot.MustRestore() {
		t.runRestore()
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.host.Exit(0)
}

// OnFini fires at process exit, gating ignored.
func (t *Tracer) OnFini() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tf != nil {
		t.tf.Close()
		t.tf = nil
	}
	if cb := t.Callbacks.Fini; cb != nil {
		cb()
	}
}

// TakeSnapshot arms the rollback engine at the current context. Must be
// called from inside a callback.
func (t *Tracer) TakeSnapshot() error {
	if t.lastCtx == nil {
		return errors.New("no context to snapshot")
	}
	saved, err := models.SaveContext(t.lastCtx)
	if err != nil {
		return errors.Wrap(err, "saving snapshot context")
	}
	t.snapshot.Take(saved)
	return nil
}

// RestoreSnapshot requests a rollback; the dispatcher applies it at the
// next instruction boundary, abandoning in-flight processing.
func (t *Tracer) RestoreSnapshot() error {
	return t.snapshot.RequestRestore()
}

func (t *Tracer) SnapshotArmed() bool  { return t.snapshot.Armed() }
func (t *Tracer) LockSnapshot()        { t.snapshot.Lock() }
func (t *Tracer) UnlockSnapshot()      { t.snapshot.Unlock() }
func (t *Tracer) SnapshotLocked() bool { return t.snapshot.Locked() }

// SetExecuteContext requests that ctx be executed instead of letting the
// natural instruction stream continue. At most one override may be
// pending; a second request is rejected, not queued.
func (t *Tracer) SetExecuteContext(ctx models.Context) error {
	if t.mustExecute {
		return errors.New("context override already pending")
	}
	t.mustExecute = true
	t.execCtx = ctx.Save()
	return nil
}

// executeOverride hands the designated context to the host. A pending
// restore outranks the override: restore is the stronger
// abandon-this-instruction signal, so the override is dropped. On
// success the flag stays set and is consumed at the re-entered before
// boundary, which skips one pre-IR callback so the replayed context
// cannot re-trigger itself.
func (t *Tracer) executeOverride() {
	ctx := t.execCtx
	t.execCtx = nil
	if t.snapshot.MustRestore() || ctx == nil {
		t.mustExecute = false
		return
	}
	// memory is known-consistent while the replayed context runs; keep
	// the rollback log quiet
	wasLocked := t.snapshot.Locked()
	t.snapshot.Lock()
	err := t.host.Execute(ctx)
	if !wasLocked {
		t.snapshot.Unlock()
	}
	if err != nil {
		t.mustExecute = false
		if t.config.Verbose {
			fmt.Fprintf(os.Stderr, "execute context: %v\n", err)
		}
	}
}

// runRestore rolls memory back and hands control to the host at the
// context captured when the snapshot was armed. Any pending override is
// dropped.
func (t *Tracer) runRestore() {
	t.mustExecute = false
	t.execCtx = nil
	ctx, err := t.snapshot.Restore(t.host)
	if err != nil {
		if t.config.Verbose {
			fmt.Fprintf(os.Stderr, "restore: %v\n", err)
		}
		return
	}
	if err := t.host.Execute(ctx); err != nil && t.config.Verbose {
		fmt.Fprintf(os.Stderr, "restore execute: %v\n", err)
	}
}

// observe emits the tracefile record and register diff for a completed
// before boundary.
func (t *Tracer) observe(ins *models.Ins) {
	if t.tf != nil {
		if err := t.tf.Step(ins); err != nil && t.config.Verbose {
			fmt.Fprintf(os.Stderr, "tracefile: %v\n", err)
		}
	}
	if t.config.TraceReg {
		if changes := t.status.Diff(ins.Regs); changes.Count() > 0 {
			fmt.Fprintln(os.Stderr, changes.String(t.config.Color))
		}
	}
}

func (t *Tracer) readValue(addr uint64, size int) uint64 {
	n := size
	if n > 8 {
		n = 8
	}
	var tmp [8]byte
	p, err := t.host.MemRead(addr, uint64(n))
	if err != nil {
		return 0
	}
	copy(tmp[:], p)
	return binary.LittleEndian.Uint64(tmp[:])
}
