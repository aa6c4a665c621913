package models

// UnsetThread is the target thread id before any start condition binds one.
const UnsetThread = -1

// Trigger is the single authority deciding whether analysis runs for the
// current instruction. Every gated callback is conditioned on
// State() && thread match. The caller is responsible for holding the
// engine lock around mutation; the trigger itself carries no lock.
type Trigger struct {
	enabled  bool
	threadID int
}

func NewTrigger() *Trigger {
	return &Trigger{threadID: UnsetThread}
}

func (t *Trigger) State() bool {
	return t.enabled
}

func (t *Trigger) Update(flag bool) {
	t.enabled = flag
}

// Bind fixes the target thread. The first bind wins; later calls are
// no-ops, enforcing single-thread-at-a-time analysis.
func (t *Trigger) Bind(tid int) {
	if t.threadID == UnsetThread {
		t.threadID = tid
	}
}

func (t *Trigger) Bound() bool {
	return t.threadID != UnsetThread
}

func (t *Trigger) ThreadID() int {
	return t.threadID
}

// Open binds the target thread and enables the gate in one step. Used by
// start conditions.
func (t *Trigger) Open(tid int) {
	t.Bind(tid)
	t.Update(true)
}

// Match reports whether analysis is live for the given thread.
func (t *Trigger) Match(tid int) bool {
	return t.enabled && tid == t.threadID
}
