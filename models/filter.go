package models

import "strings"

// ImageOffset names a module-relative start condition.
type ImageOffset struct {
	Image  string
	Offset uint64
}

// FilterConfig is the region-selection surface consumed at instrument
// time. It is external configuration, not engine state.
type FilterConfig struct {
	Blacklist []string
	Whitelist []string

	StartFromEntry bool
	StartSymbol    string
	StartAddrs     map[uint64]bool
	StartOffsets   []ImageOffset
}

// RegionFilter decides, per instruction address, whether instrumentation
// applies, and whether a start condition opens the trigger.
type RegionFilter struct {
	cfg FilterConfig
}

func NewRegionFilter(cfg FilterConfig) *RegionFilter {
	if cfg.StartAddrs == nil {
		cfg.StartAddrs = make(map[uint64]bool)
	}
	return &RegionFilter{cfg: cfg}
}

// NoteEntry records a loaded image's entry point as a start address when
// start-from-entry is configured. Only the first image's entry counts.
func (f *RegionFilter) NoteEntry(entry uint64) {
	if f.cfg.StartFromEntry {
		f.cfg.StartFromEntry = false
		f.cfg.StartAddrs[entry] = true
	}
}

// ShouldInstrument applies the blacklist strictly before the whitelist.
// An empty whitelist matches everything.
func (f *RegionFilter) ShouldInstrument(image string) bool {
	for _, s := range f.cfg.Blacklist {
		if strings.Contains(image, s) {
			return false
		}
	}
	if len(f.cfg.Whitelist) == 0 {
		return true
	}
	for _, s := range f.cfg.Whitelist {
		if strings.Contains(image, s) {
			return true
		}
	}
	return false
}

// CheckUnlock opens the trigger for the current thread if the address
// matches a start condition. Region starts are a one-shot event: once a
// target thread is bound this is a no-op.
func (f *RegionFilter) CheckUnlock(t *Trigger, h Host, addr uint64, tid int) bool {
	if t.Bound() {
		return false
	}

	if f.cfg.StartSymbol != "" {
		if sym, ok := h.SymbolName(addr); ok && sym == f.cfg.StartSymbol {
			t.Open(tid)
			return true
		}
	} else if f.cfg.StartAddrs[addr] {
		t.Open(tid)
		return true
	} else if image, off, ok := h.ImageOffset(addr); ok {
		for _, io := range f.cfg.StartOffsets {
			if io.Image == image && io.Offset == off {
				t.Open(tid)
				return true
			}
		}
	}
	return false
}
