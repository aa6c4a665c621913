package models

import (
	"fmt"
	"strings"

	"github.com/mgutz/ansi"
)

var chNew = ansi.ColorCode("default+bu:default")

type Change struct {
	Old, New uint64
	Name     string
}

func (c *Change) Changed() bool {
	return c.Old != c.New
}

func (c *Change) String(color bool) string {
	if c.Changed() && color {
		return fmt.Sprintf(" %s%4s%s 0x%s%016x%s", chNew, c.Name, ansi.Reset, chNew, c.New, ansi.Reset)
	}
	prefix := " "
	if c.Changed() {
		prefix = "+"
	}
	return fmt.Sprintf("%s%4s 0x%016x", prefix, c.Name, c.New)
}

type Changes struct {
	Changes []*Change
}

func (cs *Changes) Count() int {
	n := 0
	for _, c := range cs.Changes {
		if c.Changed() {
			n++
		}
	}
	return n
}

func (cs *Changes) String(color bool) string {
	var out []string
	for _, c := range cs.Changes {
		if c.Changed() {
			out = append(out, c.String(color))
		}
	}
	return strings.Join(out, "\n")
}

// StatusDiff tracks register deltas between successive gated instructions
// for verbose display.
type StatusDiff struct {
	oldRegs []uint64
}

// Changes diffs regs (indexed by register enum) against the last call.
func (s *StatusDiff) Diff(regs []uint64) *Changes {
	cs := &Changes{}
	for _, r := range sortedRegs {
		var old uint64
		if s.oldRegs != nil {
			old = s.oldRegs[r.Enum]
		}
		cs.Changes = append(cs.Changes, &Change{Old: old, New: regs[r.Enum], Name: r.Name})
	}
	if s.oldRegs == nil {
		s.oldRegs = make([]uint64, NumRegs)
	}
	copy(s.oldRegs, regs)
	return cs
}
