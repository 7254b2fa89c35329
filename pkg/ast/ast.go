// Package ast defines the types used to represent the syntax tree of a Fuse
// module after macro expansion.
package ast

import (
	"github.com/fuselang/fuse/pkg/token"
)

// NodeType defines the kind of a node in the AST
type NodeType int

// Node types enum
const (
	// Expressions
	Number NodeType = iota
	Ident
	BinaryOp
	UnaryOp
	Call

	// Statements
	Let
	Return
	Block
	AsmBlock

	// Top-level declarations
	FnDecl
	DataDecl
)

// Node represents a node in the syntax tree
type Node struct {
	Type   NodeType
	Tok    token.Token
	Parent *Node
	Data   interface{}
	Typ    *Type // Set by the type checker
}

// TypeKind distinguishes signed from unsigned integer widths.
type TypeKind int

const (
	TYPE_UINT TypeKind = iota
	TYPE_INT
	TYPE_VOID
)

// Type is an integer width in the Fuse type system.
type Type struct {
	Kind TypeKind
	Bits int
	Name string
}

// Pre-defined types
var (
	TypeU8   = &Type{Kind: TYPE_UINT, Bits: 8, Name: "u8"}
	TypeU16  = &Type{Kind: TYPE_UINT, Bits: 16, Name: "u16"}
	TypeU32  = &Type{Kind: TYPE_UINT, Bits: 32, Name: "u32"}
	TypeU64  = &Type{Kind: TYPE_UINT, Bits: 64, Name: "u64"}
	TypeI8   = &Type{Kind: TYPE_INT, Bits: 8, Name: "i8"}
	TypeI16  = &Type{Kind: TYPE_INT, Bits: 16, Name: "i16"}
	TypeI32  = &Type{Kind: TYPE_INT, Bits: 32, Name: "i32"}
	TypeI64  = &Type{Kind: TYPE_INT, Bits: 64, Name: "i64"}
	TypeVoid = &Type{Kind: TYPE_VOID, Bits: 0, Name: "void"}
)

// TypeFromToken maps a type keyword token to its Type, or nil.
func TypeFromToken(t token.Type) *Type {
	switch t {
	case token.U8:
		return TypeU8
	case token.U16:
		return TypeU16
	case token.U32:
		return TypeU32
	case token.U64:
		return TypeU64
	case token.I8:
		return TypeI8
	case token.I16:
		return TypeI16
	case token.I32:
		return TypeI32
	case token.I64:
		return TypeI64
	}
	return nil
}

// Size returns the type's width in bytes.
func (t *Type) Size() int64 { return int64(t.Bits / 8) }

// AsmOperandKind describes an operand written inside an asm block.
type AsmOperandKind int

const (
	AsmImm AsmOperandKind = iota
	AsmReg
	AsmSym
	AsmMem
)

// AsmOperand is one operand of a raw instruction: an immediate, a register
// name, a symbol reference, or a [reg+disp] memory reference.
type AsmOperand struct {
	Kind AsmOperandKind
	Imm  int64
	Reg  string
	Sym  string
	Base string // AsmMem base register
	Disp int64  // AsmMem displacement
	Tok  token.Token
}

// AsmLine is either a label definition (Label != "") or an instruction.
type AsmLine struct {
	Label    string
	Mnemonic string
	Operands []AsmOperand
	Tok      token.Token
}

// --- Node Data Structs ---

type NumberNode struct {
	Value int64
	Typ   *Type // width suffix, nil when unsuffixed
}
type IdentNode struct{ Name string }
type BinaryOpNode struct {
	Op          token.Type
	Left, Right *Node
}
type UnaryOpNode struct {
	Op   token.Type
	Expr *Node
}
type CallNode struct {
	Name string
	Args []*Node
}
type LetNode struct {
	Name string
	Type *Type
	Init *Node
}
type ReturnNode struct{ Expr *Node }

// BlockNode is a brace-delimited statement list. TailExpr, when non-nil, is
// the block's final unterminated expression and therefore its value.
type BlockNode struct {
	Stmts    []*Node
	TailExpr *Node
}
type AsmBlockNode struct{ Lines []AsmLine }
type Param struct {
	Name string
	Type *Type
	Tok  token.Token
}
type FnDeclNode struct {
	Name       string
	Params     []Param
	ReturnType *Type
	Body       *Node
}
type DataDeclNode struct {
	Name  string
	Value int64
	Str   string
	IsStr bool
}

// --- Node Constructors ---

func newNode(tok token.Token, nodeType NodeType, data interface{}, children ...*Node) *Node {
	node := &Node{Type: nodeType, Tok: tok, Data: data}
	for _, child := range children {
		if child != nil {
			child.Parent = node
		}
	}
	return node
}

func NewNumber(tok token.Token, value int64, typ *Type) *Node {
	return newNode(tok, Number, NumberNode{Value: value, Typ: typ})
}
func NewIdent(tok token.Token, name string) *Node {
	return newNode(tok, Ident, IdentNode{Name: name})
}
func NewBinaryOp(tok token.Token, op token.Type, left, right *Node) *Node {
	return newNode(tok, BinaryOp, BinaryOpNode{Op: op, Left: left, Right: right}, left, right)
}
func NewUnaryOp(tok token.Token, op token.Type, expr *Node) *Node {
	return newNode(tok, UnaryOp, UnaryOpNode{Op: op, Expr: expr}, expr)
}
func NewCall(tok token.Token, name string, args []*Node) *Node {
	node := newNode(tok, Call, CallNode{Name: name, Args: args})
	for _, arg := range args {
		arg.Parent = node
	}
	return node
}
func NewLet(tok token.Token, name string, typ *Type, init *Node) *Node {
	return newNode(tok, Let, LetNode{Name: name, Type: typ, Init: init}, init)
}
func NewReturn(tok token.Token, expr *Node) *Node {
	return newNode(tok, Return, ReturnNode{Expr: expr}, expr)
}
func NewBlock(tok token.Token, stmts []*Node, tail *Node) *Node {
	node := newNode(tok, Block, BlockNode{Stmts: stmts, TailExpr: tail}, tail)
	for _, s := range stmts {
		if s != nil {
			s.Parent = node
		}
	}
	return node
}
func NewAsmBlock(tok token.Token, lines []AsmLine) *Node {
	return newNode(tok, AsmBlock, AsmBlockNode{Lines: lines})
}
func NewFnDecl(tok token.Token, name string, params []Param, returnType *Type, body *Node) *Node {
	return newNode(tok, FnDecl, FnDeclNode{Name: name, Params: params, ReturnType: returnType, Body: body}, body)
}
func NewDataDecl(tok token.Token, name string, value int64, str string, isStr bool) *Node {
	return newNode(tok, DataDecl, DataDeclNode{Name: name, Value: value, Str: str, IsStr: isStr})
}

// FoldConstants performs compile-time constant evaluation on the AST
func FoldConstants(node *Node) *Node {
	if node == nil {
		return nil
	}

	switch d := node.Data.(type) {
	case BinaryOpNode:
		d.Left = FoldConstants(d.Left)
		d.Right = FoldConstants(d.Right)
		node.Data = d
	case UnaryOpNode:
		d.Expr = FoldConstants(d.Expr)
		node.Data = d
	}

	switch node.Type {
	case BinaryOp:
		d := node.Data.(BinaryOpNode)
		if d.Left.Type == Number && d.Right.Type == Number {
			ln, rn := d.Left.Data.(NumberNode), d.Right.Data.(NumberNode)
			l, r := ln.Value, rn.Value
			var res int64
			folded := true
			switch d.Op {
			case token.Plus:
				res = l + r
			case token.Minus:
				res = l - r
			case token.Star:
				res = l * r
			case token.Slash:
				if r == 0 {
					folded = false
				} else {
					res = l / r
				}
			case token.Rem:
				if r == 0 {
					folded = false
				} else {
					res = l % r
				}
			default:
				folded = false
			}
			if folded {
				typ := ln.Typ
				if typ == nil {
					typ = rn.Typ
				}
				return NewNumber(node.Tok, res, typ)
			}
		}
	case UnaryOp:
		d := node.Data.(UnaryOpNode)
		if d.Expr.Type == Number && d.Op == token.Minus {
			n := d.Expr.Data.(NumberNode)
			return NewNumber(node.Tok, -n.Value, n.Typ)
		}
	}

	return node
}
