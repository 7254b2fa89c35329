// Package ir defines the flat symbolic instruction form that sits between
// lowering and encoding. Instructions name registers and symbols; no
// addresses or byte offsets exist at this level.
package ir

import (
	"fmt"
	"strings"

	"github.com/fuselang/fuse/pkg/token"
)

// Register identifies one of the sixteen general purpose registers.
type Register int

const (
	RAX Register = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	RNone Register = -1
)

var regNames64 = [16]string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi", "r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"}
var regNames32 = [16]string{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi", "r8d", "r9d", "r10d", "r11d", "r12d", "r13d", "r14d", "r15d"}
var regNames16 = [16]string{"ax", "cx", "dx", "bx", "sp", "bp", "si", "di", "r8w", "r9w", "r10w", "r11w", "r12w", "r13w", "r14w", "r15w"}
var regNames8 = [16]string{"al", "cl", "dl", "bl", "spl", "bpl", "sil", "dil", "r8b", "r9b", "r10b", "r11b", "r12b", "r13b", "r14b", "r15b"}

type regEntry struct {
	reg   Register
	width int
}

var registerByName = map[string]regEntry{}

func init() {
	for i := 0; i < 16; i++ {
		registerByName[regNames64[i]] = regEntry{Register(i), 8}
		registerByName[regNames32[i]] = regEntry{Register(i), 4}
		registerByName[regNames16[i]] = regEntry{Register(i), 2}
		registerByName[regNames8[i]] = regEntry{Register(i), 1}
	}
}

// RegisterByName resolves an assembly register spelling to its register and
// operand width in bytes. ok is false for any name that is not a register,
// which is how symbolic references are told apart from registers.
func RegisterByName(name string) (reg Register, width int, ok bool) {
	e, ok := registerByName[strings.ToLower(name)]
	return e.reg, e.width, ok
}

func (r Register) Name(width int) string {
	if r < 0 || r > 15 {
		return "?"
	}
	switch width {
	case 1:
		return regNames8[r]
	case 2:
		return regNames16[r]
	case 4:
		return regNames32[r]
	default:
		return regNames64[r]
	}
}

// Op enumerates the instruction set the encoder understands, plus the
// pseudo ops consumed before encoding (OpLabel, OpEnter).
type Op int

const (
	OpMov Op = iota
	OpMovzx
	OpLea
	OpAdd
	OpSub
	OpImul
	OpIdiv
	OpDiv
	OpCqo
	OpNeg
	OpCmp
	OpPush
	OpPop
	OpCall
	OpJmp
	OpJe
	OpJne
	OpJl
	OpJg
	OpRet
	OpLeave
	OpNop

	// OpEnter is the function prologue pseudo op; the encoder expands it to
	// push rbp / mov rbp, rsp / sub rsp, frame.
	OpEnter
	// OpLabel binds a symbol to the current text offset and emits nothing.
	OpLabel
)

var opNames = map[Op]string{
	OpMov: "mov", OpMovzx: "movzx", OpLea: "lea", OpAdd: "add", OpSub: "sub",
	OpImul: "imul", OpIdiv: "idiv", OpDiv: "div", OpCqo: "cqo", OpNeg: "neg", OpCmp: "cmp",
	OpPush: "push", OpPop: "pop", OpCall: "call", OpJmp: "jmp", OpJe: "je",
	OpJne: "jne", OpJl: "jl", OpJg: "jg", OpRet: "ret", OpLeave: "leave",
	OpNop: "nop", OpEnter: "enter", OpLabel: "label",
}

// OpByMnemonic maps assembly spellings to ops for inline asm lowering.
var OpByMnemonic = map[string]Op{
	"mov": OpMov, "movzx": OpMovzx, "lea": OpLea, "add": OpAdd, "sub": OpSub,
	"imul": OpImul, "idiv": OpIdiv, "div": OpDiv, "cqo": OpCqo, "neg": OpNeg, "cmp": OpCmp,
	"push": OpPush, "pop": OpPop, "call": OpCall, "jmp": OpJmp, "je": OpJe,
	"jne": OpJne, "jl": OpJl, "jg": OpJg, "ret": OpRet, "leave": OpLeave,
	"nop": OpNop,
}

func (o Op) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// OperandKind discriminates the Operand variants.
type OperandKind int

const (
	OpdNone OperandKind = iota
	OpdImm
	OpdReg
	OpdMem
	OpdSym
)

// Operand is one instruction operand. Width is the operand size in bytes
// (1, 2, 4 or 8) and governs prefix selection during encoding.
type Operand struct {
	Kind  OperandKind
	Width int
	Imm   int64
	Reg   Register
	Base  Register
	Disp  int32
	Sym   string
}

func Imm(v int64, width int) Operand  { return Operand{Kind: OpdImm, Imm: v, Width: width} }
func Reg(r Register, width int) Operand { return Operand{Kind: OpdReg, Reg: r, Width: width} }
func Mem(base Register, disp int32, width int) Operand {
	return Operand{Kind: OpdMem, Base: base, Disp: disp, Width: width}
}
func Sym(name string) Operand { return Operand{Kind: OpdSym, Sym: name} }

func (o Operand) String() string {
	switch o.Kind {
	case OpdImm:
		return fmt.Sprintf("%d", o.Imm)
	case OpdReg:
		return o.Reg.Name(o.Width)
	case OpdMem:
		if o.Disp == 0 {
			return fmt.Sprintf("[%s]", o.Base.Name(8))
		}
		return fmt.Sprintf("[%s%+d]", o.Base.Name(8), o.Disp)
	case OpdSym:
		return o.Sym
	}
	return ""
}

// Instruction is one symbolic instruction. Tok points at the source that
// produced it and rides along for encoding diagnostics.
type Instruction struct {
	Op  Op
	A   Operand
	B   Operand
	Tok token.Token
}

func (in Instruction) String() string {
	switch {
	case in.Op == OpLabel:
		return in.A.Sym + ":"
	case in.B.Kind != OpdNone:
		return fmt.Sprintf("%s %s, %s", in.Op, in.A, in.B)
	case in.A.Kind != OpdNone:
		return fmt.Sprintf("%s %s", in.Op, in.A)
	}
	return in.Op.String()
}

// Datum is one data-section object.
type Datum struct {
	Name   string
	Global bool
	Bytes  []byte
	Tok    token.Token
}

// Module is the lowered form of one translation unit. Text order and Data
// order follow source order exactly; the linker relies on that for
// reproducible layout.
type Module struct {
	Name string
	Text []Instruction
	Data []Datum

	// Exports lists the text symbols visible to other modules, in
	// definition order. Labels not listed here stay module-local.
	Exports []string

	exported map[string]bool
}

func NewModule(name string) *Module {
	return &Module{Name: name, exported: make(map[string]bool)}
}

func (m *Module) Emit(in Instruction) { m.Text = append(m.Text, in) }

// Label emits a label binding. Exported labels participate in cross-module
// symbol resolution.
func (m *Module) Label(name string, global bool, tok token.Token) {
	m.Emit(Instruction{Op: OpLabel, A: Sym(name), Tok: tok})
	if global && !m.exported[name] {
		m.exported[name] = true
		m.Exports = append(m.Exports, name)
	}
}

func (m *Module) IsExported(name string) bool { return m.exported[name] }

// Dump renders the module as assembly-like text. Used by tests and -dump-ir.
func (m *Module) Dump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "; module %s\n", m.Name)
	for _, in := range m.Text {
		if in.Op == OpLabel {
			fmt.Fprintf(&b, "%s:\n", in.A.Sym)
			continue
		}
		fmt.Fprintf(&b, "\t%s\n", in)
	}
	for _, d := range m.Data {
		fmt.Fprintf(&b, "%s: db % x\n", d.Name, d.Bytes)
	}
	return b.String()
}
