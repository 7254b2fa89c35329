package asm

import (
	"encoding/binary"
	"math"

	"github.com/fuselang/fuse/pkg/ir"
	"github.com/fuselang/fuse/pkg/token"
	"github.com/fuselang/fuse/pkg/util"
)

type relocKind int

const (
	// relRel32 is a 32-bit displacement relative to the end of the field.
	relRel32 relocKind = iota
	// relAbs64 is a full 64-bit absolute address.
	relAbs64
)

type relocation struct {
	kind   relocKind
	offset int // byte offset of the field within the module's text
	sym    string
	tok    token.Token
}

// encoder turns one module's instruction stream into machine code. Symbol
// references become zero-filled fields plus relocation records; the linker
// patches them once addresses are final.
type encoder struct {
	buf    []byte
	relocs []relocation
	rep    *util.Reporter
}

func newEncoder(rep *util.Reporter) *encoder { return &encoder{rep: rep} }

func (e *encoder) emit(bs ...byte) { e.buf = append(e.buf, bs...) }

func (e *encoder) emitU32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.emit(b[:]...)
}

func (e *encoder) emitU64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.emit(b[:]...)
}

func (e *encoder) errorf(code string, tok token.Token, format string, args ...any) {
	e.rep.Errorf(util.StageEncoding, code, tok, format, args...)
}

// rangeErrorf reports an operand-out-of-range condition.
func (e *encoder) rangeErrorf(tok token.Token, format string, args ...any) {
	e.errorf("operand-out-of-range", tok, format, args...)
}

func (e *encoder) encode(in ir.Instruction) {
	switch in.Op {
	case ir.OpEnter:
		// push rbp; mov rbp, rsp; sub rsp, frame
		e.emit(0x55)
		e.emit(0x48, 0x89, 0xE5)
		e.emit(0x48, 0x81, 0xEC)
		e.emitU32(uint32(in.A.Imm))
		return
	case ir.OpCqo:
		e.emit(0x48, 0x99)
		return
	case ir.OpRet:
		e.emit(0xC3)
		return
	case ir.OpLeave:
		e.emit(0xC9)
		return
	case ir.OpNop:
		e.emit(0x90)
		return
	}

	if opcode, isBranch := branchOpcodes[in.Op]; isBranch {
		if in.A.Kind != ir.OpdSym {
			e.errorf("bad-operands", in.Tok, "'%s' needs a symbol target", in.Op)
			return
		}
		e.emit(opcode...)
		e.relocs = append(e.relocs, relocation{kind: relRel32, offset: len(e.buf), sym: in.A.Sym, tok: in.Tok})
		e.emitU32(0)
		return
	}

	row, ok := encTable[encKey{in.Op, in.A.Kind, in.B.Kind}]
	if !ok {
		e.errorf("bad-operands", in.Tok, "'%s' does not accept operands %s, %s", in.Op, in.A, in.B)
		return
	}
	e.encodeRow(in, row)
}

func (e *encoder) encodeRow(in ir.Instruction, row encRow) {
	// mov r64, sym has no immediate row entry; it is an abs64 relocation.
	if in.Op == ir.OpMov && in.B.Kind == ir.OpdSym {
		if in.A.Width != 8 {
			e.errorf("bad-operands", in.Tok, "Address of '%s' needs a 64-bit destination register", in.B.Sym)
			return
		}
		e.emit(0x48 | rexB(in.A.Reg))
		e.emit(0xB8 + byte(in.A.Reg&7))
		e.relocs = append(e.relocs, relocation{kind: relAbs64, offset: len(e.buf), sym: in.B.Sym, tok: in.Tok})
		e.emitU64(0)
		return
	}

	width := operandWidth(in)
	opcode := row.opcode
	if width == 1 && row.opcode8 != nil {
		opcode = row.opcode8
	}
	if in.Op == ir.OpMovzx {
		switch in.B.Width {
		case 1:
			opcode = []byte{0x0F, 0xB6}
		case 2:
			opcode = []byte{0x0F, 0xB7}
		default:
			e.errorf("bad-operands", in.Tok, "movzx source must be 8 or 16 bits wide")
			return
		}
	}

	if width == 2 {
		e.emit(0x66)
	}
	if rex := e.rexFor(in, row, width); rex != 0 {
		e.emit(rex)
	}

	if row.addReg {
		last := len(opcode) - 1
		e.emit(opcode[:last]...)
		e.emit(opcode[last] + byte(in.A.Reg&7))
	} else {
		e.emit(opcode...)
	}

	if row.modrm != modrmNone {
		rm, other := in.A, in.B
		if !row.rmIsA {
			rm, other = in.B, in.A
		}
		regField := row.ext
		if row.modrm == modrmReg {
			regField = byte(other.Reg & 7)
		}
		e.emitModRM(rm, regField)
	}

	switch row.imm {
	case immByWidth:
		e.emitImm(immOperand(in).Imm, width, width, in.Tok)
	case imm32SX:
		size := 4
		if width == 2 {
			size = 2
		}
		e.emitImm(immOperand(in).Imm, size, width, in.Tok)
	}
}

func immOperand(in ir.Instruction) ir.Operand {
	if in.B.Kind == ir.OpdImm {
		return in.B
	}
	return in.A
}

// operandWidth picks the width that governs prefix selection: the first
// register or memory operand, else the machine word.
func operandWidth(in ir.Instruction) int {
	if in.A.Kind == ir.OpdReg || in.A.Kind == ir.OpdMem {
		return in.A.Width
	}
	if in.B.Kind == ir.OpdReg || in.B.Kind == ir.OpdMem {
		return in.B.Width
	}
	return 8
}

func rexB(r ir.Register) byte {
	if r >= ir.R8 {
		return 1
	}
	return 0
}

// rexFor computes the REX prefix, or 0 when none is needed. Byte-width
// access to spl, bpl, sil and dil requires an empty REX to be present.
func (e *encoder) rexFor(in ir.Instruction, row encRow, width int) byte {
	var w, r, b byte
	if width == 8 && !row.noRexW {
		w = 1
	}
	needEmpty := false
	touch := func(reg ir.Register, regWidth int) byte {
		if regWidth == 1 && reg >= ir.RSP && reg <= ir.RDI {
			needEmpty = true
		}
		return rexB(reg)
	}

	if row.addReg {
		b = touch(in.A.Reg, width)
	}
	if row.modrm != modrmNone {
		rm, other := in.A, in.B
		if !row.rmIsA {
			rm, other = in.B, in.A
		}
		if row.modrm == modrmReg {
			r = touch(other.Reg, other.Width)
		}
		if rm.Kind == ir.OpdReg {
			b = touch(rm.Reg, rm.Width)
		} else {
			b = rexB(rm.Base)
		}
	}

	rex := byte(0x40) | w<<3 | r<<2 | b
	if rex == 0x40 && !needEmpty {
		return 0
	}
	return rex
}

// emitModRM writes the ModRM byte for rm plus any SIB and displacement.
// Memory operands always use the disp32 form so instruction sizes never
// depend on symbol placement.
func (e *encoder) emitModRM(rm ir.Operand, regField byte) {
	if rm.Kind == ir.OpdReg {
		e.emit(0xC0 | regField<<3 | byte(rm.Reg&7))
		return
	}
	base := byte(rm.Base & 7)
	e.emit(0x80 | regField<<3 | base)
	if base == 4 {
		// rsp/r12 base needs a SIB byte.
		e.emit(0x24)
	}
	e.emitU32(uint32(rm.Disp))
}

// emitImm writes an immediate field of the given size, rejecting values the
// field cannot represent.
func (e *encoder) emitImm(v int64, size, width int, tok token.Token) {
	switch size {
	case 1:
		if v < math.MinInt8 || v > math.MaxUint8 {
			e.rangeErrorf(tok, "Immediate %d does not fit in 8 bits", v)
		}
		e.emit(byte(v))
	case 2:
		if v < math.MinInt16 || v > math.MaxUint16 {
			e.rangeErrorf(tok, "Immediate %d does not fit in 16 bits", v)
		}
		e.emit(byte(v), byte(v>>8))
	case 4:
		if width == 8 {
			// The CPU sign-extends this field to 64 bits.
			if v < math.MinInt32 || v > math.MaxInt32 {
				e.rangeErrorf(tok, "Immediate %d does not fit in a sign-extended 32-bit field", v)
			}
		} else if v < math.MinInt32 || v > math.MaxUint32 {
			e.rangeErrorf(tok, "Immediate %d does not fit in 32 bits", v)
		}
		e.emitU32(uint32(v))
	default:
		e.emitU64(uint64(v))
	}
}
