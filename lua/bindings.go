package lua

import (
	"strconv"

	"github.com/lunixbochs/luaish"

	"github.com/k4ch0w/instrace/models"
)

func (s *Script) printFunc(L *lua.LState) int {
	top := L.GetTop()
	for i := 1; i <= top; i++ {
		if i > 1 {
			s.Printf(" ")
		}
		s.Printf("%s", L.ToStringMeta(L.Get(i)).String())
	}
	s.Printf("\n")
	return 0
}

func (s *Script) intFunc(L *lua.LState) int {
	switch v := L.CheckAny(1).(type) {
	case lua.LString:
		n, err := strconv.ParseInt(string(v), 0, 64)
		if err == nil {
			L.Push(lua.LInt(n))
			return 1
		}
	case lua.LFloat:
		L.Push(lua.LInt(v))
		return 1
	case lua.LInt:
		L.Push(v)
		return 1
	}
	return 0
}

func (s *Script) loadBindings() error {
	s.SetGlobal("print", s.NewFunction(s.printFunc))
	s.SetGlobal("int", s.NewFunction(s.intFunc))

	b := &tbinding{s}
	mod := s.SetFuncs(s.NewTable(), b.Exports())
	s.SetGlobal("tracer", mod)
	return nil
}

type tbinding struct {
	s *Script
}

func (b *tbinding) Exports() map[string]lua.LGFunction {
	return map[string]lua.LGFunction{
		"reg_read":  b.RegRead,
		"reg_write": b.RegWrite,

		"mem_read":  b.MemRead,
		"mem_write": b.MemWrite,

		"take_snapshot":    b.TakeSnapshot,
		"restore_snapshot": b.RestoreSnapshot,
		"lock_snapshot":    b.LockSnapshot,
		"unlock_snapshot":  b.UnlockSnapshot,
		"snapshot_armed":   b.SnapshotArmed,
		"snapshot_locked":  b.SnapshotLocked,

		"set_context": b.SetContext,

		"routine": b.Routine,
		"scope":   b.Scope,

		"image":  b.Image,
		"symbol": b.Symbol,
	}
}

func (b *tbinding) checkErr(L *lua.LState, err error) {
	if err != nil {
		L.RaiseError(err.Error())
	}
}

func (b *tbinding) regEnum(L *lua.LState, n int) int {
	name := L.CheckString(n)
	for _, enum := range models.RegEnums() {
		if models.RegName(enum) == name {
			return enum
		}
	}
	L.RaiseError("unknown register '%s'", name)
	return models.RegInvalid
}

// RegRead reads a register from the context of the current callback.
func (b *tbinding) RegRead(L *lua.LState) int {
	ctx := b.s.t.Context()
	if ctx == nil {
		L.RaiseError("no context available")
		return 0
	}
	val, err := ctx.RegRead(b.regEnum(L, 1))
	b.checkErr(L, err)
	L.Push(lua.LInt(val))
	return 1
}

func (b *tbinding) RegWrite(L *lua.LState) int {
	ctx := b.s.t.Context()
	if ctx == nil {
		L.RaiseError("no context available")
		return 0
	}
	enum := b.regEnum(L, 1)
	val := L.CheckUint64(2)
	b.checkErr(L, ctx.RegWrite(enum, val))
	return 0
}

func (b *tbinding) MemRead(L *lua.LState) int {
	addr, size := L.CheckUint64(1), L.CheckUint64(2)
	mem, err := b.s.t.Host().MemRead(addr, size)
	b.checkErr(L, err)
	L.Push(lua.LString(mem))
	return 1
}

func (b *tbinding) MemWrite(L *lua.LState) int {
	addr, data := L.CheckUint64(1), L.CheckString(2)
	b.checkErr(L, b.s.t.Host().MemWrite(addr, []byte(data)))
	return 0
}

func (b *tbinding) TakeSnapshot(L *lua.LState) int {
	b.checkErr(L, b.s.t.TakeSnapshot())
	return 0
}

func (b *tbinding) RestoreSnapshot(L *lua.LState) int {
	b.checkErr(L, b.s.t.RestoreSnapshot())
	return 0
}

func (b *tbinding) LockSnapshot(L *lua.LState) int {
	b.s.t.LockSnapshot()
	return 0
}

func (b *tbinding) UnlockSnapshot(L *lua.LState) int {
	b.s.t.UnlockSnapshot()
	return 0
}

func (b *tbinding) SnapshotArmed(L *lua.LState) int {
	L.Push(lua.LBool(b.s.t.SnapshotArmed()))
	return 1
}

func (b *tbinding) SnapshotLocked(L *lua.LState) int {
	L.Push(lua.LBool(b.s.t.SnapshotLocked()))
	return 1
}

// SetContext takes a table of register name to value, applies it over a
// copy of the current context, and requests that the result be executed
// in place of the natural instruction stream.
func (b *tbinding) SetContext(L *lua.LState) int {
	ctx := b.s.t.Context()
	if ctx == nil {
		L.RaiseError("no context available")
		return 0
	}
	override := ctx.Save()
	tbl := L.CheckTable(1)
	var err error
	tbl.ForEach(func(k, v lua.LValue) {
		if err != nil {
			return
		}
		name, ok := k.(lua.LString)
		if !ok {
			return
		}
		val, ok := v.(lua.LInt)
		if !ok {
			return
		}
		for _, enum := range models.RegEnums() {
			if models.RegName(enum) == string(name) {
				err = override.RegWrite(enum, uint64(val))
				return
			}
		}
	})
	b.checkErr(L, err)
	b.checkErr(L, b.s.t.SetExecuteContext(override))
	return 0
}

// Routine registers entry/exit callbacks for a named routine. Either
// function may be nil.
func (b *tbinding) Routine(L *lua.LState) int {
	name := L.CheckString(1)
	entryFn, _ := L.Get(2).(*lua.LFunction)
	exitFn, _ := L.Get(3).(*lua.LFunction)
	var entry, exit func(tid int)
	if entryFn != nil {
		entry = func(tid int) { b.s.call(entryFn, lua.LInt(tid)) }
	}
	if exitFn != nil {
		exit = func(tid int) { b.s.call(exitFn, lua.LInt(tid)) }
	}
	b.s.t.OnRoutine(name, entry, exit)
	return 0
}

// Scope opens the instrumentation gate on entry to the named routine
// and closes it again on exit.
func (b *tbinding) Scope(L *lua.LState) int {
	b.s.t.BindScope(L.CheckString(1))
	return 0
}

func (b *tbinding) Image(L *lua.LState) int {
	addr := L.CheckUint64(1)
	name, ok := b.s.t.Host().ImageName(addr)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(name))
	return 1
}

func (b *tbinding) Symbol(L *lua.LState) int {
	addr := L.CheckUint64(1)
	name, ok := b.s.t.Host().SymbolName(addr)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(name))
	return 1
}
