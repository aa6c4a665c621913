package models

// Config carries everything the launcher feeds the engine. Filter and
// thread settings are consumed at instrument time; the rest is ambient.
type Config struct {
	// Script is the user analysis driver. Required: the engine refuses
	// to run without one.
	Script string

	// Tracefile, when set, receives a binary trace of the gated
	// instruction stream.
	Tracefile string

	Color    bool
	Verbose  bool
	TraceReg bool

	Filter FilterConfig
}
