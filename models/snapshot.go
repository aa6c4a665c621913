package models

import "github.com/pkg/errors"

type snapDelta struct {
	addr uint64
	val  byte
}

// Snapshot is the byte-level rollback log. While armed and unlocked,
// every observed memory write appends one delta per byte, holding the
// value present before the write landed. Restore replays the log in
// reverse insertion order so the earliest original byte at any address
// wins.
//
// The caller is responsible for holding the engine lock; the snapshot
// carries no lock of its own.
type Snapshot struct {
	log     []snapDelta
	armed   bool
	locked  bool
	restore bool
	ctx     Context
}

func NewSnapshot() *Snapshot {
	return &Snapshot{}
}

// Take arms the engine: the delta log is cleared and a detached copy of
// ctx is kept as the resume point for a later restore.
func (s *Snapshot) Take(ctx Context) {
	s.log = s.log[:0]
	s.armed = true
	s.locked = false
	s.restore = false
	s.ctx = ctx.Save()
}

func (s *Snapshot) Armed() bool  { return s.armed }
func (s *Snapshot) Locked() bool { return s.locked }

// Lock suspends delta recording without discarding the log. Used while
// memory is already known-consistent, e.g. during an override replay.
func (s *Snapshot) Lock()   { s.locked = true }
func (s *Snapshot) Unlock() { s.locked = false }

// Add appends a single pre-write byte. Append-only while armed and
// unlocked.
func (s *Snapshot) Add(addr uint64, val byte) {
	if !s.armed || s.locked {
		return
	}
	s.log = append(s.log, snapDelta{addr, val})
}

// Record captures the original bytes of a pending write of size bytes at
// addr. It must run before the write lands: it reads live process memory.
func (s *Snapshot) Record(h Host, addr uint64, size int) error {
	if !s.armed || s.locked {
		return nil
	}
	orig, err := h.MemRead(addr, uint64(size))
	if err != nil {
		return errors.Wrapf(err, "reading %d pre-write bytes at %#x", size, addr)
	}
	for i, b := range orig {
		s.log = append(s.log, snapDelta{addr + uint64(i), b})
	}
	return nil
}

// RequestRestore marks the snapshot for restoration. The dispatcher
// checks the mark at the before and after instruction boundaries.
func (s *Snapshot) RequestRestore() error {
	if !s.armed {
		return errors.New("no snapshot armed")
	}
	s.restore = true
	return nil
}

func (s *Snapshot) MustRestore() bool {
	return s.restore
}

// Restore replays the delta log back into process memory, newest first,
// then clears the log and disarms. It returns the concrete context
// captured at arm time; handing control back there is the caller's job.
// Registers are not restored here.
func (s *Snapshot) Restore(h Host) (Context, error) {
	for i := len(s.log) - 1; i >= 0; i-- {
		d := s.log[i]
		if err := h.MemWrite(d.addr, []byte{d.val}); err != nil {
			return nil, errors.Wrapf(err, "restoring byte at %#x", d.addr)
		}
	}
	ctx := s.ctx
	s.log = s.log[:0]
	s.armed = false
	s.locked = false
	s.restore = false
	s.ctx = nil
	return ctx, nil
}
