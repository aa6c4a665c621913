package lua

import (
	"io/ioutil"
	"path/filepath"
	"testing"

	lua "github.com/lunixbochs/luaish"

	"github.com/k4ch0w/instrace/models"
	"github.com/k4ch0w/instrace/models/mock"
	"github.com/k4ch0w/instrace/tracer"
)

const testScript = `
seen = 0
rax = 0
func before(ins)
	seen = ins.addr
	rax = tracer.reg_read("rax")
	tracer.mem_write(0x2000, string.char(170))
	nops = #ins.operands
end
func fini()
	finished = true
end
`

func TestScriptCallbacks(t *testing.T) {
	h := mock.NewHost()
	h.AddImage(&mock.Image{Name: "/bin/app", Base: 0x1000, Size: 0x1000})
	tr, err := tracer.New(h, &models.Config{
		Filter: models.FilterConfig{StartAddrs: map[uint64]bool{0x1000: true}},
	})
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewScript(tr, ioutil.Discard)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	path := filepath.Join(t.TempDir(), "test.lua")
	if err := ioutil.WriteFile(path, []byte(testScript), 0644); err != nil {
		t.Fatal(err)
	}
	if err := s.LoadFile(path); err != nil {
		t.Fatal(err)
	}

	info := tr.Instrument(0x1000, 1)
	if info == nil {
		t.Fatal("start address not instrumented")
	}
	ctx := mock.NewContext().Set(models.RegRAX, 7)
	// add rax, rbx
	tr.OnBefore(info, []byte{0x48, 0x01, 0xd8}, ctx, 1)
	tr.OnAfter(info, ctx, 1)
	tr.OnFini()

	if v := s.GetGlobal("seen"); v != lua.LInt(0x1000) {
		t.Fatalf("seen = %v", v)
	}
	if v := s.GetGlobal("rax"); v != lua.LInt(7) {
		t.Fatalf("rax = %v", v)
	}
	if v := s.GetGlobal("nops"); v != lua.LInt(2) {
		t.Fatalf("nops = %v", v)
	}
	if h.Memory[0x2000] != 0xaa {
		t.Fatalf("script write did not land: %#x", h.Memory[0x2000])
	}
	if v := s.GetGlobal("finished"); v != lua.LTrue {
		t.Fatalf("finished = %v", v)
	}
}

func TestScriptMissing(t *testing.T) {
	h := mock.NewHost()
	tr, err := tracer.New(h, &models.Config{})
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewScript(tr, ioutil.Discard)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.LoadFile("/nonexistent/script.lua"); err == nil {
		t.Fatal("missing script loaded")
	}
}
