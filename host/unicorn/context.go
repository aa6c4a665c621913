package unicorn

import (
	"github.com/pkg/errors"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/k4ch0w/instrace/models"
)

// engine register enums to unicorn register ids
var ucRegs = map[int]int{
	models.RegRAX:    uc.X86_REG_RAX,
	models.RegRCX:    uc.X86_REG_RCX,
	models.RegRDX:    uc.X86_REG_RDX,
	models.RegRBX:    uc.X86_REG_RBX,
	models.RegRSP:    uc.X86_REG_RSP,
	models.RegRBP:    uc.X86_REG_RBP,
	models.RegRSI:    uc.X86_REG_RSI,
	models.RegRDI:    uc.X86_REG_RDI,
	models.RegR8:     uc.X86_REG_R8,
	models.RegR9:     uc.X86_REG_R9,
	models.RegR10:    uc.X86_REG_R10,
	models.RegR11:    uc.X86_REG_R11,
	models.RegR12:    uc.X86_REG_R12,
	models.RegR13:    uc.X86_REG_R13,
	models.RegR14:    uc.X86_REG_R14,
	models.RegR15:    uc.X86_REG_R15,
	models.RegRIP:    uc.X86_REG_RIP,
	models.RegRFLAGS: uc.X86_REG_EFLAGS,
}

// liveContext reads and writes the emulator's register file directly.
// It is only valid while the callback that received it is running.
type liveContext struct {
	u uc.Unicorn
}

func (c *liveContext) RegRead(enum int) (uint64, error) {
	id, ok := ucRegs[enum]
	if !ok {
		return 0, errors.Errorf("unknown register enum %d", enum)
	}
	return c.u.RegRead(id)
}

func (c *liveContext) RegWrite(enum int, val uint64) error {
	id, ok := ucRegs[enum]
	if !ok {
		return errors.Errorf("unknown register enum %d", enum)
	}
	return c.u.RegWrite(id, val)
}

func (c *liveContext) Save() models.Context {
	saved, err := models.SaveContext(c)
	if err != nil {
		return models.NewSavedContext()
	}
	return saved
}

// applyContext writes every register of ctx into the emulator.
func applyContext(u uc.Unicorn, ctx models.Context) error {
	for _, enum := range models.RegEnums() {
		val, err := ctx.RegRead(enum)
		if err != nil {
			return err
		}
		if err := u.RegWrite(ucRegs[enum], val); err != nil {
			return errors.Wrapf(err, "writing %s", models.RegName(enum))
		}
	}
	return nil
}
