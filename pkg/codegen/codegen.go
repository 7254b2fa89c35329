// Package codegen lowers a type-checked module into symbolic instructions.
// Expression results always land in rax; binary operands travel through the
// machine stack so evaluation order, register use, and therefore emitted
// bytes are identical on every run.
package codegen

import (
	"encoding/binary"

	"github.com/fuselang/fuse/pkg/ast"
	"github.com/fuselang/fuse/pkg/config"
	"github.com/fuselang/fuse/pkg/ir"
	"github.com/fuselang/fuse/pkg/token"
	"github.com/fuselang/fuse/pkg/util"
)

// System V integer argument registers, in order.
var argRegs = [6]ir.Register{ir.RDI, ir.RSI, ir.RDX, ir.RCX, ir.R8, ir.R9}

type Generator struct {
	cfg *config.Config
	rep *util.Reporter
	mod *ir.Module

	// rbp-relative slot offsets for the current function.
	slots     map[string]int32
	nextSlot  int32
	frameSize int32
}

func NewGenerator(cfg *config.Config, rep *util.Reporter) *Generator {
	return &Generator{cfg: cfg, rep: rep}
}

func (g *Generator) errorf(code string, tok token.Token, format string, args ...any) {
	g.rep.Errorf(util.StageCodegen, code, tok, format, args...)
}

// Generate lowers one module's declarations. Declaration order is preserved
// in both the text and data streams.
func (g *Generator) Generate(name string, decls []*ast.Node) *ir.Module {
	g.mod = ir.NewModule(name)
	for _, d := range decls {
		switch d.Type {
		case ast.FnDecl:
			g.genFn(d)
		case ast.DataDecl:
			g.genData(d)
		}
	}
	return g.mod
}

func (g *Generator) emit(op ir.Op, a, b ir.Operand, tok token.Token) {
	g.mod.Emit(ir.Instruction{Op: op, A: a, B: b, Tok: tok})
}

// Data definitions

func (g *Generator) genData(node *ast.Node) {
	d := node.Data.(ast.DataDeclNode)
	var bytes []byte
	if d.IsStr {
		bytes = append([]byte(d.Str), 0)
	} else {
		bytes = make([]byte, 8)
		binary.LittleEndian.PutUint64(bytes, uint64(d.Value))
	}
	g.mod.Data = append(g.mod.Data, ir.Datum{Name: d.Name, Global: true, Bytes: bytes, Tok: node.Tok})
}

// Functions

func (g *Generator) genFn(node *ast.Node) {
	fn := node.Data.(ast.FnDeclNode)
	g.slots = make(map[string]int32)
	g.nextSlot = 0
	g.frameSize = frameSizeOf(fn)

	g.mod.Label(fn.Name, true, node.Tok)
	g.emit(ir.OpEnter, ir.Imm(int64(g.frameSize), 8), ir.Operand{}, node.Tok)

	if len(fn.Params) > len(argRegs) {
		g.errorf("too-many-params", node.Tok,
			"Function '%s' has %d parameters; at most %d are supported", fn.Name, len(fn.Params), len(argRegs))
	}
	for i, p := range fn.Params {
		if i >= len(argRegs) {
			break
		}
		off := g.bindSlot(p.Name, p.Tok)
		g.emit(ir.OpMov, ir.Mem(ir.RBP, off, 8), ir.Reg(argRegs[i], 8), p.Tok)
	}

	g.genBlock(fn.Body)

	g.emit(ir.OpLeave, ir.Operand{}, ir.Operand{}, node.Tok)
	g.emit(ir.OpRet, ir.Operand{}, ir.Operand{}, node.Tok)
}

// frameSizeOf counts every slot the function will bind, up front, so the
// prologue can reserve the whole frame in one adjustment. The result is
// rounded up to the stack alignment.
func frameSizeOf(fn ast.FnDeclNode) int32 {
	n := int32(len(fn.Params)) + countLets(fn.Body)
	size := n * 8
	if rem := size % 16; rem != 0 {
		size += 16 - rem
	}
	return size
}

func countLets(node *ast.Node) int32 {
	if node == nil {
		return 0
	}
	var n int32
	if node.Type == ast.Let {
		n++
	}
	switch data := node.Data.(type) {
	case ast.BlockNode:
		for _, s := range data.Stmts {
			n += countLets(s)
		}
	case ast.LetNode:
		n += countLets(data.Init)
	}
	return n
}

// bindSlot assigns the next rbp-relative slot to a name. Shadowing rebinds
// the name; the old slot stays allocated for the rest of the function.
func (g *Generator) bindSlot(name string, tok token.Token) int32 {
	g.nextSlot += 8
	if g.nextSlot > g.frameSize {
		g.errorf("frame-overflow", tok, "Local frame exceeded its reserved size")
	}
	off := -g.nextSlot
	g.slots[name] = off
	return off
}

func (g *Generator) genBlock(block *ast.Node) {
	b := block.Data.(ast.BlockNode)
	for _, stmt := range b.Stmts {
		g.genStmt(stmt)
	}
	if b.TailExpr != nil {
		g.genExpr(b.TailExpr)
	}
}

func (g *Generator) genStmt(stmt *ast.Node) {
	switch stmt.Type {
	case ast.Let:
		let := stmt.Data.(ast.LetNode)
		g.genExpr(let.Init)
		off := g.bindSlot(let.Name, stmt.Tok)
		g.emit(ir.OpMov, ir.Mem(ir.RBP, off, 8), ir.Reg(ir.RAX, 8), stmt.Tok)
	case ast.Return:
		ret := stmt.Data.(ast.ReturnNode)
		if ret.Expr != nil {
			g.genExpr(ret.Expr)
		}
		g.emit(ir.OpLeave, ir.Operand{}, ir.Operand{}, stmt.Tok)
		g.emit(ir.OpRet, ir.Operand{}, ir.Operand{}, stmt.Tok)
	case ast.AsmBlock:
		g.genAsmBlock(stmt)
	default:
		g.genExpr(stmt)
	}
}

// Expressions

func (g *Generator) genExpr(node *ast.Node) {
	tok := node.Tok
	switch node.Type {
	case ast.Number:
		g.emit(ir.OpMov, ir.Reg(ir.RAX, 8), ir.Imm(node.Data.(ast.NumberNode).Value, 8), tok)
	case ast.Ident:
		name := node.Data.(ast.IdentNode).Name
		off, ok := g.slots[name]
		if !ok {
			g.errorf("undefined-name", tok, "Use of undefined name '%s'", name)
			return
		}
		g.emit(ir.OpMov, ir.Reg(ir.RAX, 8), ir.Mem(ir.RBP, off, 8), tok)
	case ast.UnaryOp:
		g.genExpr(node.Data.(ast.UnaryOpNode).Expr)
		g.emit(ir.OpNeg, ir.Reg(ir.RAX, 8), ir.Operand{}, tok)
	case ast.BinaryOp:
		g.genBinaryOp(node)
	case ast.Call:
		g.genCall(node)
	}
}

// genBinaryOp evaluates left then right, parking the left value on the
// machine stack while the right side runs.
func (g *Generator) genBinaryOp(node *ast.Node) {
	bin := node.Data.(ast.BinaryOpNode)
	tok := node.Tok
	g.genExpr(bin.Left)
	g.emit(ir.OpPush, ir.Reg(ir.RAX, 8), ir.Operand{}, tok)
	g.genExpr(bin.Right)
	g.emit(ir.OpMov, ir.Reg(ir.RCX, 8), ir.Reg(ir.RAX, 8), tok)
	g.emit(ir.OpPop, ir.Reg(ir.RAX, 8), ir.Operand{}, tok)

	rax := ir.Reg(ir.RAX, 8)
	rcx := ir.Reg(ir.RCX, 8)
	switch bin.Op {
	case token.Plus:
		g.emit(ir.OpAdd, rax, rcx, tok)
	case token.Minus:
		g.emit(ir.OpSub, rax, rcx, tok)
	case token.Star:
		g.emit(ir.OpImul, rax, rcx, tok)
	case token.Slash, token.Rem:
		g.genDivide(node, bin.Op == token.Rem)
	}
}

func (g *Generator) genDivide(node *ast.Node, wantRem bool) {
	tok := node.Tok
	signed := node.Typ != nil && node.Typ.Kind == ast.TYPE_INT
	if signed {
		g.emit(ir.OpCqo, ir.Operand{}, ir.Operand{}, tok)
		g.emit(ir.OpIdiv, ir.Reg(ir.RCX, 8), ir.Operand{}, tok)
	} else {
		g.emit(ir.OpMov, ir.Reg(ir.RDX, 8), ir.Imm(0, 8), tok)
		g.emit(ir.OpDiv, ir.Reg(ir.RCX, 8), ir.Operand{}, tok)
	}
	if wantRem {
		g.emit(ir.OpMov, ir.Reg(ir.RAX, 8), ir.Reg(ir.RDX, 8), tok)
	}
}

// genCall pushes arguments left to right, then pops them into the argument
// registers in reverse so their values are in place at the call.
func (g *Generator) genCall(node *ast.Node) {
	call := node.Data.(ast.CallNode)
	tok := node.Tok
	if len(call.Args) > len(argRegs) {
		g.errorf("too-many-args", tok,
			"Call to '%s' passes %d argument(s); at most %d are supported", call.Name, len(call.Args), len(argRegs))
		return
	}
	for _, arg := range call.Args {
		g.genExpr(arg)
		g.emit(ir.OpPush, ir.Reg(ir.RAX, 8), ir.Operand{}, tok)
	}
	for i := len(call.Args) - 1; i >= 0; i-- {
		g.emit(ir.OpPop, ir.Reg(argRegs[i], 8), ir.Operand{}, tok)
	}
	g.emit(ir.OpCall, ir.Sym(call.Name), ir.Operand{}, tok)
}

// Inline assembly

func (g *Generator) genAsmBlock(node *ast.Node) {
	blk := node.Data.(ast.AsmBlockNode)
	for _, line := range blk.Lines {
		if line.Label != "" {
			g.mod.Label(line.Label, false, line.Tok)
			continue
		}
		op, known := ir.OpByMnemonic[line.Mnemonic]
		if !known {
			g.errorf("unknown-mnemonic", line.Tok, "Unknown mnemonic '%s'", line.Mnemonic)
			continue
		}
		if len(line.Operands) > 2 {
			g.errorf("bad-operands", line.Tok, "Instruction '%s' takes at most two operands", line.Mnemonic)
			continue
		}
		in := ir.Instruction{Op: op, Tok: line.Tok}
		widths := [2]int{8, 8}
		for i, aop := range line.Operands {
			opd, ok := g.lowerAsmOperand(aop)
			if !ok {
				in.Op = ir.OpNop
				break
			}
			if i == 0 {
				in.A = opd
			} else {
				in.B = opd
			}
			widths[i] = opd.Width
		}
		// An immediate adopts the width of the register it pairs with.
		if in.B.Kind == ir.OpdImm && in.A.Kind == ir.OpdReg {
			in.B.Width = in.A.Width
		}
		g.mod.Emit(in)
	}
}

func (g *Generator) lowerAsmOperand(aop ast.AsmOperand) (ir.Operand, bool) {
	switch aop.Kind {
	case ast.AsmImm:
		return ir.Imm(aop.Imm, 8), true
	case ast.AsmSym:
		if reg, width, ok := ir.RegisterByName(aop.Sym); ok {
			return ir.Reg(reg, width), true
		}
		// A surrounding let binding is addressable from inline assembly.
		if off, ok := g.slots[aop.Sym]; ok {
			return ir.Mem(ir.RBP, off, 8), true
		}
		return ir.Sym(aop.Sym), true
	case ast.AsmMem:
		reg, _, ok := ir.RegisterByName(aop.Base)
		if !ok {
			g.errorf("bad-operands", aop.Tok, "Memory operand base '%s' is not a register", aop.Base)
			return ir.Operand{}, false
		}
		if aop.Disp < -1<<31 || aop.Disp >= 1<<31 {
			g.errorf("bad-operands", aop.Tok, "Displacement %d does not fit in 32 bits", aop.Disp)
			return ir.Operand{}, false
		}
		return ir.Mem(reg, int32(aop.Disp), 8), true
	}
	return ir.Operand{}, false
}
