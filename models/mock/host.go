// Package mock provides an in-memory Host and Context for tests.
package mock

import (
	"github.com/pkg/errors"

	"github.com/k4ch0w/instrace/models"
)

type Image struct {
	Name    string
	Base    uint64
	Size    uint64
	Symbols map[string]uint64 // name -> address
}

// Host is a map-backed stand-in for the instrumentation runtime. Memory
// is sparse; unmapped bytes read as zero.
type Host struct {
	Memory map[uint64]byte
	Images []*Image

	// Executed collects contexts handed to Execute, ExitStatus the last
	// Exit call.
	Executed   []models.Context
	Exited     bool
	ExitStatus int
}

func NewHost() *Host {
	return &Host{Memory: make(map[uint64]byte)}
}

func (h *Host) AddImage(img *Image) {
	h.Images = append(h.Images, img)
}

func (h *Host) MemRead(addr, size uint64) ([]byte, error) {
	p := make([]byte, size)
	for i := range p {
		p[i] = h.Memory[addr+uint64(i)]
	}
	return p, nil
}

func (h *Host) MemWrite(addr uint64, p []byte) error {
	for i, b := range p {
		h.Memory[addr+uint64(i)] = b
	}
	return nil
}

func (h *Host) find(addr uint64) *Image {
	for _, img := range h.Images {
		if addr >= img.Base && addr < img.Base+img.Size {
			return img
		}
	}
	return nil
}

func (h *Host) ImageName(addr uint64) (string, bool) {
	if img := h.find(addr); img != nil {
		return img.Name, true
	}
	return "", false
}

func (h *Host) SymbolName(addr uint64) (string, bool) {
	if img := h.find(addr); img != nil {
		for name, sa := range img.Symbols {
			if sa == addr {
				return name, true
			}
		}
	}
	return "", false
}

func (h *Host) ImageOffset(addr uint64) (string, uint64, bool) {
	if img := h.find(addr); img != nil {
		return img.Name, addr - img.Base, true
	}
	return "", 0, false
}

func (h *Host) Execute(ctx models.Context) error {
	if ctx == nil {
		return errors.New("nil context")
	}
	h.Executed = append(h.Executed, ctx)
	return nil
}

func (h *Host) Exit(status int) {
	h.Exited = true
	h.ExitStatus = status
}

// Context is a detached register map usable as a live context in tests.
type Context struct {
	models.SavedContext
}

func NewContext() *Context {
	return &Context{*models.NewSavedContext()}
}

func (c *Context) Set(enum int, val uint64) *Context {
	c.Regs[enum] = val
	return c
}
