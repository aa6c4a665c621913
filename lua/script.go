// Package lua runs user analysis scripts. A script registers global
// callback functions (before, after, signal, ...) and drives the engine
// through the tracer module bound into its state.
package lua

import (
	"fmt"
	"io"

	"github.com/lunixbochs/luaish"
	"github.com/pkg/errors"
	"github.com/shibukawa/configdir"

	"github.com/k4ch0w/instrace/models"
	"github.com/k4ch0w/instrace/tracer"
)

type Script struct {
	*lua.LState
	t *tracer.Tracer
	io.Writer
}

// NewScript returns a lua state bound to a tracer instance.
func NewScript(t *tracer.Tracer, o io.Writer) (*Script, error) {
	s := &Script{
		LState: lua.NewState(),
		t:      t,
		Writer: o,
	}
	if err := s.loadBindings(); err != nil {
		return nil, errors.Wrap(err, "failed to load script bindings")
	}
	configDirs := configdir.New("instrace", "lua")
	for _, config := range configDirs.QueryFolders(configdir.All) {
		config.MkdirAll()
		if data, err := config.ReadFile("init.lish"); err == nil {
			if err := s.DoString(string(data)); err != nil {
				s.Printf("error while reading init.lish: %v\n", err)
			}
		}
	}
	return s, nil
}

func (s *Script) Printf(f string, args ...interface{}) {
	fmt.Fprintf(s.Writer, f, args...)
}

// LoadFile runs the script, then wires its global callback functions
// into the engine. Missing globals are simply not hooked.
func (s *Script) LoadFile(path string) error {
	if err := s.DoFile(path); err != nil {
		return errors.Wrapf(err, "failed to run script '%s'", path)
	}
	s.wireCallbacks()
	return nil
}

func (s *Script) wireCallbacks() {
	cb := &s.t.Callbacks
	if fn := s.global("pre_processing"); fn != nil {
		cb.PreProcessing = func(ins *models.Ins, tid int) {
			s.call(fn, s.insTable(ins), lua.LInt(tid))
		}
	}
	if fn := s.global("post_processing"); fn != nil {
		cb.PostProcessing = func(ins *models.Ins, tid int) {
			s.call(fn, s.insTable(ins), lua.LInt(tid))
		}
	}
	if fn := s.global("before_ir"); fn != nil {
		cb.BeforeIRProc = func(ins *models.Ins) {
			s.call(fn, s.insTable(ins))
		}
	}
	if fn := s.global("before"); fn != nil {
		cb.Before = func(ins *models.Ins) {
			s.call(fn, s.insTable(ins))
		}
	}
	if fn := s.global("after"); fn != nil {
		cb.After = func(ins *models.Ins) {
			s.call(fn, s.insTable(ins))
		}
	}
	if fn := s.global("syscall_entry"); fn != nil {
		cb.SyscallEntry = func(tid, convention int) {
			s.call(fn, lua.LInt(tid), lua.LInt(convention))
		}
	}
	if fn := s.global("syscall_exit"); fn != nil {
		cb.SyscallExit = func(tid, convention int) {
			s.call(fn, lua.LInt(tid), lua.LInt(convention))
		}
	}
	if fn := s.global("image_load"); fn != nil {
		cb.ImageLoad = func(path string, base, size uint64) {
			s.call(fn, lua.LString(path), lua.LInt(base), lua.LInt(size))
		}
	}
	if fn := s.global("signal"); fn != nil {
		cb.Signal = func(tid, sig int) {
			s.call(fn, lua.LInt(tid), lua.LInt(sig))
		}
	}
	if fn := s.global("fini"); fn != nil {
		cb.Fini = func() {
			s.call(fn)
		}
	}
}

func (s *Script) global(name string) *lua.LFunction {
	if fn, ok := s.GetGlobal(name).(*lua.LFunction); ok {
		return fn
	}
	return nil
}

func (s *Script) call(fn *lua.LFunction, args ...lua.LValue) {
	err := s.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, args...)
	if err != nil {
		s.Printf("script error: %v\n", err)
	}
}

// insTable mirrors one instruction record into a lua table.
func (s *Script) insTable(ins *models.Ins) *lua.LTable {
	t := s.NewTable()
	t.RawSetString("addr", lua.LInt(ins.Addr))
	t.RawSetString("opcode", lua.LString(ins.Opcode))
	t.RawSetString("tid", lua.LInt(ins.ThreadID))

	ops := s.NewTable()
	for _, op := range ins.Operands {
		o := s.NewTable()
		o.RawSetString("kind", lua.LString(op.Kind.String()))
		o.RawSetString("size", lua.LInt(op.Size))
		o.RawSetString("value", lua.LInt(op.Value))
		o.RawSetString("trusted", lua.LBool(op.Trusted))
		if op.Kind == models.OpReg {
			o.RawSetString("reg", lua.LString(models.RegName(op.Reg)))
		}
		ops.Append(o)
	}
	t.RawSetString("operands", ops)

	mem := s.NewTable()
	for _, m := range ins.Mem {
		o := s.NewTable()
		o.RawSetString("addr", lua.LInt(m.Addr))
		o.RawSetString("size", lua.LInt(m.Size))
		o.RawSetString("write", lua.LBool(m.Write))
		o.RawSetString("value", lua.LInt(m.Value))
		mem.Append(o)
	}
	t.RawSetString("mem", mem)
	return t
}
