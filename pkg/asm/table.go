package asm

import "github.com/fuselang/fuse/pkg/ir"

// The encoder is table driven: one row per legal (op, operand-shape) pair.
// Rows describe the legacy x86-64 encoding of the instruction: opcode bytes,
// how the ModRM byte is populated, and the immediate slot, if any.

type modrmKind int

const (
	modrmNone modrmKind = iota
	// modrmReg puts the register operand in the reg field.
	modrmReg
	// modrmExt puts an opcode extension digit in the reg field.
	modrmExt
)

type immKind int

const (
	immNone immKind = iota
	// immByWidth emits an immediate as wide as the operand, up to 64 bits.
	immByWidth
	// imm32SX emits a 32-bit immediate that the CPU sign-extends to the
	// operand width. 16-bit operands shrink it to 16 bits.
	imm32SX
)

type encKey struct {
	op   ir.Op
	a, b ir.OperandKind
}

type encRow struct {
	opcode  []byte
	opcode8 []byte // byte-width variant, nil when the instruction has none
	modrm   modrmKind
	ext     byte
	// rmIsA selects which operand lands in ModRM.rm; the other supplies the
	// reg field when modrm is modrmReg.
	rmIsA bool
	// addReg folds the low three bits of register operand A into the last
	// opcode byte (the +rd forms).
	addReg bool
	imm    immKind
	// noRexW marks instructions that default to 64-bit operation and must
	// not carry a REX.W prefix (push, pop).
	noRexW bool
}

var encTable = map[encKey]encRow{
	// mov
	{ir.OpMov, ir.OpdReg, ir.OpdImm}: {opcode: []byte{0xB8}, opcode8: []byte{0xB0}, addReg: true, imm: immByWidth},
	{ir.OpMov, ir.OpdReg, ir.OpdReg}: {opcode: []byte{0x89}, opcode8: []byte{0x88}, modrm: modrmReg, rmIsA: true},
	{ir.OpMov, ir.OpdMem, ir.OpdReg}: {opcode: []byte{0x89}, opcode8: []byte{0x88}, modrm: modrmReg, rmIsA: true},
	{ir.OpMov, ir.OpdReg, ir.OpdMem}: {opcode: []byte{0x8B}, opcode8: []byte{0x8A}, modrm: modrmReg},
	{ir.OpMov, ir.OpdMem, ir.OpdImm}: {opcode: []byte{0xC7}, opcode8: []byte{0xC6}, modrm: modrmExt, ext: 0, rmIsA: true, imm: imm32SX},
	// mov r64, sym materializes an absolute address; patched at link time.
	{ir.OpMov, ir.OpdReg, ir.OpdSym}: {opcode: []byte{0xB8}, addReg: true},

	// add / sub / cmp
	{ir.OpAdd, ir.OpdReg, ir.OpdReg}: {opcode: []byte{0x01}, opcode8: []byte{0x00}, modrm: modrmReg, rmIsA: true},
	{ir.OpAdd, ir.OpdMem, ir.OpdReg}: {opcode: []byte{0x01}, opcode8: []byte{0x00}, modrm: modrmReg, rmIsA: true},
	{ir.OpAdd, ir.OpdReg, ir.OpdMem}: {opcode: []byte{0x03}, opcode8: []byte{0x02}, modrm: modrmReg},
	{ir.OpAdd, ir.OpdReg, ir.OpdImm}: {opcode: []byte{0x81}, opcode8: []byte{0x80}, modrm: modrmExt, ext: 0, rmIsA: true, imm: imm32SX},
	{ir.OpAdd, ir.OpdMem, ir.OpdImm}: {opcode: []byte{0x81}, opcode8: []byte{0x80}, modrm: modrmExt, ext: 0, rmIsA: true, imm: imm32SX},

	{ir.OpSub, ir.OpdReg, ir.OpdReg}: {opcode: []byte{0x29}, opcode8: []byte{0x28}, modrm: modrmReg, rmIsA: true},
	{ir.OpSub, ir.OpdMem, ir.OpdReg}: {opcode: []byte{0x29}, opcode8: []byte{0x28}, modrm: modrmReg, rmIsA: true},
	{ir.OpSub, ir.OpdReg, ir.OpdMem}: {opcode: []byte{0x2B}, opcode8: []byte{0x2A}, modrm: modrmReg},
	{ir.OpSub, ir.OpdReg, ir.OpdImm}: {opcode: []byte{0x81}, opcode8: []byte{0x80}, modrm: modrmExt, ext: 5, rmIsA: true, imm: imm32SX},
	{ir.OpSub, ir.OpdMem, ir.OpdImm}: {opcode: []byte{0x81}, opcode8: []byte{0x80}, modrm: modrmExt, ext: 5, rmIsA: true, imm: imm32SX},

	{ir.OpCmp, ir.OpdReg, ir.OpdReg}: {opcode: []byte{0x39}, opcode8: []byte{0x38}, modrm: modrmReg, rmIsA: true},
	{ir.OpCmp, ir.OpdMem, ir.OpdReg}: {opcode: []byte{0x39}, opcode8: []byte{0x38}, modrm: modrmReg, rmIsA: true},
	{ir.OpCmp, ir.OpdReg, ir.OpdMem}: {opcode: []byte{0x3B}, opcode8: []byte{0x3A}, modrm: modrmReg},
	{ir.OpCmp, ir.OpdReg, ir.OpdImm}: {opcode: []byte{0x81}, opcode8: []byte{0x80}, modrm: modrmExt, ext: 7, rmIsA: true, imm: imm32SX},
	{ir.OpCmp, ir.OpdMem, ir.OpdImm}: {opcode: []byte{0x81}, opcode8: []byte{0x80}, modrm: modrmExt, ext: 7, rmIsA: true, imm: imm32SX},

	// imul / movzx / lea take the destination register in the reg field.
	{ir.OpImul, ir.OpdReg, ir.OpdReg}:  {opcode: []byte{0x0F, 0xAF}, modrm: modrmReg},
	{ir.OpImul, ir.OpdReg, ir.OpdMem}:  {opcode: []byte{0x0F, 0xAF}, modrm: modrmReg},
	{ir.OpMovzx, ir.OpdReg, ir.OpdReg}: {opcode: []byte{0x0F, 0xB6}, modrm: modrmReg},
	{ir.OpMovzx, ir.OpdReg, ir.OpdMem}: {opcode: []byte{0x0F, 0xB6}, modrm: modrmReg},
	{ir.OpLea, ir.OpdReg, ir.OpdMem}:   {opcode: []byte{0x8D}, modrm: modrmReg},

	// single-operand group
	{ir.OpNeg, ir.OpdReg, ir.OpdNone}:  {opcode: []byte{0xF7}, opcode8: []byte{0xF6}, modrm: modrmExt, ext: 3, rmIsA: true},
	{ir.OpNeg, ir.OpdMem, ir.OpdNone}:  {opcode: []byte{0xF7}, opcode8: []byte{0xF6}, modrm: modrmExt, ext: 3, rmIsA: true},
	{ir.OpDiv, ir.OpdReg, ir.OpdNone}:  {opcode: []byte{0xF7}, opcode8: []byte{0xF6}, modrm: modrmExt, ext: 6, rmIsA: true},
	{ir.OpDiv, ir.OpdMem, ir.OpdNone}:  {opcode: []byte{0xF7}, opcode8: []byte{0xF6}, modrm: modrmExt, ext: 6, rmIsA: true},
	{ir.OpIdiv, ir.OpdReg, ir.OpdNone}: {opcode: []byte{0xF7}, opcode8: []byte{0xF6}, modrm: modrmExt, ext: 7, rmIsA: true},
	{ir.OpIdiv, ir.OpdMem, ir.OpdNone}: {opcode: []byte{0xF7}, opcode8: []byte{0xF6}, modrm: modrmExt, ext: 7, rmIsA: true},

	// stack
	{ir.OpPush, ir.OpdReg, ir.OpdNone}: {opcode: []byte{0x50}, addReg: true, noRexW: true},
	{ir.OpPush, ir.OpdImm, ir.OpdNone}: {opcode: []byte{0x68}, imm: imm32SX, noRexW: true},
	{ir.OpPop, ir.OpdReg, ir.OpdNone}:  {opcode: []byte{0x58}, addReg: true, noRexW: true},
}

// control transfers: opcode plus a rel32 slot patched at link time.
var branchOpcodes = map[ir.Op][]byte{
	ir.OpCall: {0xE8},
	ir.OpJmp:  {0xE9},
	ir.OpJe:   {0x0F, 0x84},
	ir.OpJne:  {0x0F, 0x85},
	ir.OpJl:   {0x0F, 0x8C},
	ir.OpJg:   {0x0F, 0x8F},
}
