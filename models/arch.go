package models

import (
	"sort"

	"github.com/lunixbochs/fvbommel-util/sortorder"
)

// Register enums for the x86-64 register file the engine synchronizes.
// The order of the GPR block matches hardware encoding order so hosts can
// translate by offset.
const (
	RegInvalid = iota
	RegRAX
	RegRCX
	RegRDX
	RegRBX
	RegRSP
	RegRBP
	RegRSI
	RegRDI
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
	RegRIP
	RegRFLAGS

	regMax
)

// NumRegs is the size needed for a dense per-instruction register array.
const NumRegs = int(regMax)

type Reg struct {
	Enum int
	Name string
}

type RegVal struct {
	Reg
	Val uint64
}

var regNames = map[int]string{
	RegRAX: "rax", RegRCX: "rcx", RegRDX: "rdx", RegRBX: "rbx",
	RegRSP: "rsp", RegRBP: "rbp", RegRSI: "rsi", RegRDI: "rdi",
	RegR8: "r8", RegR9: "r9", RegR10: "r10", RegR11: "r11",
	RegR12: "r12", RegR13: "r13", RegR14: "r14", RegR15: "r15",
	RegRIP: "rip", RegRFLAGS: "rflags",
}

type regList []Reg

func (r regList) Len() int           { return len(r) }
func (r regList) Swap(i, j int)      { r[i], r[j] = r[j], r[i] }
func (r regList) Less(i, j int) bool { return sortorder.NaturalLess(r[i].Name, r[j].Name) }

// sorted for RegDump
var sortedRegs regList

func init() {
	for enum, name := range regNames {
		sortedRegs = append(sortedRegs, Reg{enum, name})
	}
	sort.Sort(sortedRegs)
}

func RegName(enum int) string {
	return regNames[enum]
}

// RegEnums returns every register enum in hardware encoding order.
func RegEnums() []int {
	enums := make([]int, 0, len(regNames))
	for e := RegRAX; e < regMax; e++ {
		enums = append(enums, e)
	}
	return enums
}

// RegDump reads the full register file from a context, sorted by name.
func RegDump(ctx Context) ([]RegVal, error) {
	ret := make([]RegVal, len(sortedRegs))
	for i, r := range sortedRegs {
		val, err := ctx.RegRead(r.Enum)
		if err != nil {
			return nil, err
		}
		ret[i] = RegVal{r, val}
	}
	return ret, nil
}
