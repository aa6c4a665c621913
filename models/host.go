package models

import "fmt"

// Context is a host-owned snapshot of one thread's register file at one
// instant. The engine never owns the contexts it is handed; it may only
// retain a copy made with Save().
type Context interface {
	RegRead(enum int) (uint64, error)
	RegWrite(enum int, val uint64) error

	// Save returns a detached copy whose lifetime the caller owns.
	Save() Context
}

// Host is the instrumentation runtime driving the engine. Callbacks into
// the engine happen synchronously on the instrumented process's own
// threads; the Host only needs to provide memory access, address metadata,
// and the execute-context primitive.
type Host interface {
	MemRead(addr, size uint64) ([]byte, error)
	MemWrite(addr uint64, p []byte) error

	// ImageName returns the owning module name for an address.
	ImageName(addr uint64) (string, bool)
	// SymbolName returns the routine name starting at an address.
	SymbolName(addr uint64) (string, bool)
	// ImageOffset returns the owning module and module-relative offset.
	ImageOffset(addr uint64) (string, uint64, bool)

	// Execute resumes the target at ctx. It blocks the calling thread
	// until the host accepts the handoff.
	Execute(ctx Context) error

	// Exit terminates the target process.
	Exit(status int)
}

// SavedContext is a plain register-map context, used for snapshots and
// overrides built away from any live host state.
type SavedContext struct {
	Regs map[int]uint64
}

func NewSavedContext() *SavedContext {
	return &SavedContext{Regs: make(map[int]uint64, NumRegs)}
}

func (c *SavedContext) RegRead(enum int) (uint64, error) {
	return c.Regs[enum], nil
}

func (c *SavedContext) RegWrite(enum int, val uint64) error {
	c.Regs[enum] = val
	return nil
}

func (c *SavedContext) Save() Context {
	dup := NewSavedContext()
	for k, v := range c.Regs {
		dup.Regs[k] = v
	}
	return dup
}

// SaveContext copies every known register out of a live context.
func SaveContext(ctx Context) (*SavedContext, error) {
	saved := NewSavedContext()
	for _, enum := range RegEnums() {
		val, err := ctx.RegRead(enum)
		if err != nil {
			return nil, err
		}
		saved.Regs[enum] = val
	}
	return saved, nil
}

// StartupError marks a failure that must abort before instrumentation
// begins, as opposed to per-instruction skip conditions.
type StartupError struct {
	Err error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("startup failed: %s", e.Err)
}

func (e *StartupError) Cause() error { return e.Err }

func IsStartup(err error) bool {
	_, ok := err.(*StartupError)
	return ok
}
