package typecheck

import (
	"github.com/fuselang/fuse/pkg/ast"
	"github.com/fuselang/fuse/pkg/config"
	"github.com/fuselang/fuse/pkg/token"
	"github.com/fuselang/fuse/pkg/util"
)

// Checker annotates expression nodes with their types and reports type
// errors. Checking is per module; calls to functions defined elsewhere are
// left for the linker to resolve, so only locally known callees get an
// arity check.
type Checker struct {
	cfg    *config.Config
	rep    *util.Reporter
	fns    map[string]*ast.FnDeclNode
	data   map[string]bool
	scopes []map[string]*ast.Type

	currentReturn *ast.Type
}

func NewChecker(cfg *config.Config, rep *util.Reporter) *Checker {
	return &Checker{
		cfg:  cfg,
		rep:  rep,
		fns:  make(map[string]*ast.FnDeclNode),
		data: make(map[string]bool),
	}
}

func (c *Checker) errorf(code string, tok token.Token, format string, args ...any) {
	c.rep.Errorf(util.StageType, code, tok, format, args...)
}

// Check validates all declarations of one module.
func (c *Checker) Check(decls []*ast.Node) {
	for _, d := range decls {
		switch d.Type {
		case ast.FnDecl:
			fn := d.Data.(ast.FnDeclNode)
			c.fns[fn.Name] = &fn
		case ast.DataDecl:
			c.data[d.Data.(ast.DataDeclNode).Name] = true
		}
	}
	for _, d := range decls {
		if d.Type == ast.FnDecl {
			c.checkFn(d)
		}
	}
}

func (c *Checker) pushScope() { c.scopes = append(c.scopes, make(map[string]*ast.Type)) }
func (c *Checker) popScope()  { c.scopes = c.scopes[:len(c.scopes)-1] }

func (c *Checker) declare(name string, typ *ast.Type, tok token.Token) {
	if c.lookup(name) != nil && c.cfg.IsWarningEnabled(config.WarnShadow) {
		c.rep.Warnf(util.StageType, "shadow", tok, "Binding '%s' shadows an earlier binding", name)
	}
	c.scopes[len(c.scopes)-1][name] = typ
}

func (c *Checker) lookup(name string) *ast.Type {
	for i := len(c.scopes) - 1; i >= 0; i-- {
		if t, ok := c.scopes[i][name]; ok {
			return t
		}
	}
	return nil
}

func (c *Checker) checkFn(node *ast.Node) {
	fn := node.Data.(ast.FnDeclNode)
	c.currentReturn = fn.ReturnType
	c.pushScope()
	for _, p := range fn.Params {
		c.declare(p.Name, p.Type, p.Tok)
	}
	c.checkBlock(fn.Body)
	c.popScope()

	if fn.ReturnType.Kind != ast.TYPE_VOID && !blockYields(fn.Body) {
		if c.cfg.IsWarningEnabled(config.WarnMissingReturn) {
			c.rep.Warnf(util.StageType, "missing-return", node.Tok,
				"Function '%s' declares return type %s but has no return value", fn.Name, fn.ReturnType.Name)
		}
	}
}

// blockYields reports whether a block produces a value on every exit that
// matters: either a trailing expression or a final return statement.
func blockYields(block *ast.Node) bool {
	b := block.Data.(ast.BlockNode)
	if b.TailExpr != nil {
		return true
	}
	if n := len(b.Stmts); n > 0 {
		last := b.Stmts[n-1]
		if last.Type == ast.Return && last.Data.(ast.ReturnNode).Expr != nil {
			return true
		}
		if last.Type == ast.AsmBlock {
			// Inline assembly is trusted to set the return register.
			return true
		}
	}
	return false
}

func (c *Checker) checkBlock(block *ast.Node) {
	b := block.Data.(ast.BlockNode)
	c.pushScope()
	for _, stmt := range b.Stmts {
		c.checkStmt(stmt)
	}
	if b.TailExpr != nil {
		typ := c.checkExpr(b.TailExpr, c.currentReturn)
		if c.currentReturn.Kind == ast.TYPE_VOID {
			c.errorf("void-value", b.TailExpr.Tok, "Block yields a value but the function returns nothing")
		} else if typ != nil && !typesMatch(typ, c.currentReturn) {
			c.errorf("type-mismatch", b.TailExpr.Tok,
				"Block yields %s but the function returns %s", typ.Name, c.currentReturn.Name)
		}
	}
	c.popScope()
}

func (c *Checker) checkStmt(stmt *ast.Node) {
	switch stmt.Type {
	case ast.Let:
		let := stmt.Data.(ast.LetNode)
		initType := c.checkExpr(let.Init, let.Type)
		if initType != nil && !typesMatch(initType, let.Type) {
			c.errorf("type-mismatch", let.Init.Tok,
				"Cannot initialize '%s: %s' from a value of type %s", let.Name, let.Type.Name, initType.Name)
		}
		c.checkLiteralRange(let.Init, let.Type)
		c.declare(let.Name, let.Type, stmt.Tok)
	case ast.Return:
		ret := stmt.Data.(ast.ReturnNode)
		if ret.Expr == nil {
			if c.currentReturn.Kind != ast.TYPE_VOID {
				c.errorf("missing-value", stmt.Tok, "Return without a value in a function returning %s", c.currentReturn.Name)
			}
			return
		}
		if c.currentReturn.Kind == ast.TYPE_VOID {
			c.errorf("void-value", stmt.Tok, "Return with a value in a function returning nothing")
			return
		}
		typ := c.checkExpr(ret.Expr, c.currentReturn)
		if typ != nil && !typesMatch(typ, c.currentReturn) {
			c.errorf("type-mismatch", ret.Expr.Tok,
				"Return value has type %s, function returns %s", typ.Name, c.currentReturn.Name)
		}
	case ast.AsmBlock:
		// Register and symbol validity is checked during lowering.
	default:
		c.checkExpr(stmt, nil)
	}
}

// checkExpr types one expression. expected propagates the surrounding
// context so unsuffixed literals adopt the type they are used at.
func (c *Checker) checkExpr(node *ast.Node, expected *ast.Type) *ast.Type {
	switch node.Type {
	case ast.Number:
		num := node.Data.(ast.NumberNode)
		typ := num.Typ
		if typ == nil {
			typ = expected
			if typ == nil || typ.Kind == ast.TYPE_VOID {
				typ = ast.TypeU64
			}
		}
		node.Typ = typ
		return typ
	case ast.Ident:
		name := node.Data.(ast.IdentNode).Name
		if typ := c.lookup(name); typ != nil {
			node.Typ = typ
			return typ
		}
		c.errorf("undefined-name", node.Tok, "Use of undefined name '%s'", name)
		return nil
	case ast.UnaryOp:
		un := node.Data.(ast.UnaryOpNode)
		typ := c.checkExpr(un.Expr, expected)
		if typ != nil && typ.Kind == ast.TYPE_UINT {
			c.errorf("sign-mismatch", node.Tok, "Cannot negate a value of unsigned type %s", typ.Name)
		}
		node.Typ = typ
		return typ
	case ast.BinaryOp:
		bin := node.Data.(ast.BinaryOpNode)
		// Type the side with its own type first so an untyped literal on
		// the other side can adopt it.
		lt := c.checkExpr(bin.Left, expected)
		rt := c.checkExpr(bin.Right, pick(lt, expected))
		if lt == nil && rt != nil {
			lt = c.checkExpr(bin.Left, rt)
		}
		if lt != nil && rt != nil && !typesMatch(lt, rt) {
			c.errorf("type-mismatch", node.Tok,
				"Operands of '%s' have mismatched types %s and %s", node.Tok.Text(), lt.Name, rt.Name)
		}
		node.Typ = pick(lt, rt)
		return node.Typ
	case ast.Call:
		call := node.Data.(ast.CallNode)
		fn, known := c.fns[call.Name]
		if known && len(call.Args) != len(fn.Params) {
			c.errorf("arity-mismatch", node.Tok,
				"Function '%s' takes %d argument(s), got %d", call.Name, len(fn.Params), len(call.Args))
		}
		for i, arg := range call.Args {
			var want *ast.Type
			if known && i < len(fn.Params) {
				want = fn.Params[i].Type
			}
			at := c.checkExpr(arg, want)
			if want != nil && at != nil && !typesMatch(at, want) {
				c.errorf("type-mismatch", arg.Tok,
					"Argument %d of '%s' has type %s, expected %s", i+1, call.Name, at.Name, want.Name)
			}
		}
		if known {
			node.Typ = fn.ReturnType
			return fn.ReturnType
		}
		// Calls into other modules resolve at link time; assume the
		// context's type, defaulting to the machine word.
		typ := expected
		if typ == nil || typ.Kind == ast.TYPE_VOID {
			typ = ast.TypeU64
		}
		node.Typ = typ
		return typ
	}
	return nil
}

func pick(a, b *ast.Type) *ast.Type {
	if a != nil {
		return a
	}
	return b
}

func typesMatch(a, b *ast.Type) bool {
	return a.Kind == b.Kind && a.Bits == b.Bits
}

// checkLiteralRange rejects literal initializers that cannot be represented
// in the declared width.
func (c *Checker) checkLiteralRange(init *ast.Node, typ *ast.Type) {
	if init.Type != ast.Number || typ.Bits >= 64 {
		return
	}
	v := init.Data.(ast.NumberNode).Value
	var lo, hi int64
	if typ.Kind == ast.TYPE_INT {
		hi = int64(1)<<(typ.Bits-1) - 1
		lo = -hi - 1
	} else {
		hi = int64(1)<<typ.Bits - 1
		lo = 0
	}
	if v < lo || v > hi {
		c.errorf("out-of-range", init.Tok,
			"Value %d does not fit in type %s", v, typ.Name)
	}
}
