package parser

import (
	"strconv"

	"github.com/fuselang/fuse/pkg/ast"
	"github.com/fuselang/fuse/pkg/config"
	"github.com/fuselang/fuse/pkg/token"
	"github.com/fuselang/fuse/pkg/util"
)

// Parser holds the state for the parsing process
type Parser struct {
	tokens   []token.Token
	pos      int
	current  token.Token
	previous token.Token
	cfg      *config.Config
	rep      *util.Reporter
}

// NewParser creates and initializes a new Parser from a token stream
func NewParser(tokens []token.Token, cfg *config.Config, rep *util.Reporter) *Parser {
	p := &Parser{tokens: tokens, cfg: cfg, rep: rep}
	if len(tokens) > 0 {
		p.current = p.tokens[0]
	} else {
		p.current = token.Token{Type: token.EOF}
	}
	return p
}

// Parser helpers
func (p *Parser) advance() {
	if p.pos < len(p.tokens) {
		p.previous = p.current
		p.pos++
		if p.pos < len(p.tokens) {
			p.current = p.tokens[p.pos]
		}
	}
}

func (p *Parser) peek() token.Token {
	if p.pos+1 < len(p.tokens) {
		return p.tokens[p.pos+1]
	}
	return p.tokens[len(p.tokens)-1]
}

func (p *Parser) check(tokType token.Type) bool {
	return p.current.Type == tokType
}

func (p *Parser) match(tokType token.Type) bool {
	if !p.check(tokType) {
		return false
	}
	p.advance()
	return true
}

func (p *Parser) expect(tokType token.Type, message string) bool {
	if p.check(tokType) {
		p.advance()
		return true
	}
	p.errorf(p.current, "expected", message)
	return false
}

func (p *Parser) errorf(tok token.Token, code, format string, args ...any) {
	p.rep.Errorf(util.StageParse, code, tok, format, args...)
}

// synchronize skips forward to a statement boundary after a parse error so a
// single pass can report several independent problems.
func (p *Parser) synchronize() {
	for !p.check(token.EOF) {
		if p.match(token.Semi) {
			return
		}
		if p.check(token.RBrace) || p.check(token.Fn) || p.check(token.Data) {
			return
		}
		p.advance()
	}
}

// Expression Parsing
func getBinaryOpPrecedence(op token.Type) int {
	switch op {
	case token.Star, token.Slash, token.Rem:
		return 13
	case token.Plus, token.Minus:
		return 12
	default:
		return -1
	}
}

func (p *Parser) parsePrimaryExpr() *ast.Node {
	tok := p.current
	if p.match(token.Number) {
		val, _ := strconv.ParseUint(p.previous.Value, 10, 64)
		var typ *ast.Type
		if p.previous.Suffix != "" {
			typ = ast.TypeFromToken(token.KeywordMap[p.previous.Suffix])
		}
		return ast.NewNumber(tok, int64(val), typ)
	}
	if p.match(token.Ident) {
		name := p.previous.Value
		if p.match(token.LParen) {
			var args []*ast.Node
			if !p.check(token.RParen) {
				for {
					args = append(args, p.parseExpr())
					if !p.match(token.Comma) {
						break
					}
				}
			}
			p.expect(token.RParen, "Expected ')' after call arguments.")
			return ast.NewCall(tok, name, args)
		}
		return ast.NewIdent(tok, name)
	}
	if p.match(token.LParen) {
		expr := p.parseExpr()
		p.expect(token.RParen, "Expected ')' after expression.")
		return expr
	}
	p.errorf(tok, "expected", "Expected an expression.")
	p.advance()
	return ast.NewNumber(tok, 0, nil)
}

func (p *Parser) parseUnaryExpr() *ast.Node {
	tok := p.current
	if p.match(token.Minus) {
		operand := p.parseUnaryExpr()
		return ast.NewUnaryOp(tok, token.Minus, operand)
	}
	return p.parsePrimaryExpr()
}

func (p *Parser) parseBinaryExpr(minPrec int) *ast.Node {
	left := p.parseUnaryExpr()
	for {
		op := p.current.Type
		prec := getBinaryOpPrecedence(op)
		if prec < minPrec {
			break
		}
		opTok := p.current
		p.advance()
		right := p.parseBinaryExpr(prec + 1)
		left = ast.NewBinaryOp(opTok, op, left, right)
	}
	return left
}

func (p *Parser) parseExpr() *ast.Node {
	return p.parseBinaryExpr(0)
}

func (p *Parser) parseType() *ast.Type {
	if p.current.Type.IsTypeKeyword() {
		typ := ast.TypeFromToken(p.current.Type)
		p.advance()
		return typ
	}
	p.errorf(p.current, "expected", "Expected a type name (u8..u64, i8..i64).")
	p.advance()
	return ast.TypeU64
}

// Statement Parsing

// parseBlock parses `{ stmt* expr? }`. The final expression, when not
// followed by ';', becomes the block's value.
func (p *Parser) parseBlock() *ast.Node {
	tok := p.current
	p.expect(token.LBrace, "Expected '{' to start a block.")
	var stmts []*ast.Node
	var tail *ast.Node
	for !p.check(token.RBrace) && !p.check(token.EOF) {
		switch {
		case p.match(token.Let):
			if stmt := p.parseLetStmt(); stmt != nil {
				stmts = append(stmts, stmt)
			}
		case p.match(token.Return):
			var expr *ast.Node
			retTok := p.previous
			if !p.check(token.Semi) {
				expr = p.parseExpr()
			}
			p.expect(token.Semi, "Expected ';' after return statement.")
			stmts = append(stmts, ast.NewReturn(retTok, expr))
		case p.check(token.Asm):
			if !p.cfg.IsFeatureEnabled(config.FeatAsm) {
				p.errorf(p.current, "feature-disabled", "'asm' blocks are forbidden by the current feature set (-Fno-asm).")
			}
			p.advance()
			stmts = append(stmts, p.parseAsmBlock(p.previous))
		default:
			expr := p.parseExpr()
			if p.match(token.Semi) {
				stmts = append(stmts, expr)
				continue
			}
			if p.check(token.RBrace) {
				if !p.cfg.IsFeatureEnabled(config.FeatImplicitReturn) {
					p.errorf(expr.Tok, "feature-disabled", "Implicit block values are forbidden by the current feature set (-Fno-implicit-return).")
				}
				tail = expr
				continue
			}
			p.errorf(p.current, "expected", "Expected ';' after expression statement.")
			p.synchronize()
		}
	}
	p.expect(token.RBrace, "Expected '}' after block.")
	return ast.NewBlock(tok, stmts, tail)
}

func (p *Parser) parseLetStmt() *ast.Node {
	letTok := p.previous
	if !p.expect(token.Ident, "Expected identifier after 'let'.") {
		p.synchronize()
		return nil
	}
	name := p.previous.Value
	if !p.expect(token.Colon, "Expected ':' after binding name.") {
		p.synchronize()
		return nil
	}
	typ := p.parseType()
	if !p.expect(token.Eq, "Expected '=' after binding type.") {
		p.synchronize()
		return nil
	}
	init := p.parseExpr()
	p.expect(token.Semi, "Expected ';' after let binding.")
	return ast.NewLet(letTok, name, typ, init)
}

// parseAsmBlock parses `{ line* }` where each line is `name:` or
// `mnemonic operand, operand ;`.
func (p *Parser) parseAsmBlock(asmTok token.Token) *ast.Node {
	p.expect(token.LBrace, "Expected '{' after 'asm'.")
	var lines []ast.AsmLine
	for !p.check(token.RBrace) && !p.check(token.EOF) {
		tok := p.current
		if !p.expect(token.Ident, "Expected a mnemonic or label in asm block.") {
			p.synchronize()
			continue
		}
		name := p.previous.Value
		if p.match(token.Colon) {
			lines = append(lines, ast.AsmLine{Label: name, Tok: tok})
			continue
		}
		line := ast.AsmLine{Mnemonic: name, Tok: tok}
		if !p.check(token.Semi) {
			for {
				op, ok := p.parseAsmOperand()
				if !ok {
					break
				}
				line.Operands = append(line.Operands, op)
				if !p.match(token.Comma) {
					break
				}
			}
		}
		p.expect(token.Semi, "Expected ';' after asm instruction.")
		lines = append(lines, line)
	}
	p.expect(token.RBrace, "Expected '}' after asm block.")
	return ast.NewAsmBlock(asmTok, lines)
}

func (p *Parser) parseAsmOperand() (ast.AsmOperand, bool) {
	tok := p.current
	neg := p.match(token.Minus)
	if p.match(token.Number) {
		val, _ := strconv.ParseUint(p.previous.Value, 10, 64)
		imm := int64(val)
		if neg {
			imm = -imm
		}
		return ast.AsmOperand{Kind: ast.AsmImm, Imm: imm, Tok: tok}, true
	}
	if neg {
		p.errorf(tok, "expected", "Expected a number after '-' in asm operand.")
		p.synchronize()
		return ast.AsmOperand{}, false
	}
	if p.match(token.Ident) {
		// Register names are resolved during lowering; here every bare
		// identifier is a symbolic reference.
		return ast.AsmOperand{Kind: ast.AsmSym, Sym: p.previous.Value, Tok: tok}, true
	}
	if p.match(token.LBracket) {
		if !p.expect(token.Ident, "Expected base register in memory operand.") {
			p.synchronize()
			return ast.AsmOperand{}, false
		}
		base := p.previous.Value
		disp := int64(0)
		if p.match(token.Plus) || p.match(token.Minus) {
			negDisp := p.previous.Type == token.Minus
			if !p.expect(token.Number, "Expected displacement in memory operand.") {
				p.synchronize()
				return ast.AsmOperand{}, false
			}
			val, _ := strconv.ParseUint(p.previous.Value, 10, 64)
			disp = int64(val)
			if negDisp {
				disp = -disp
			}
		}
		p.expect(token.RBracket, "Expected ']' after memory operand.")
		return ast.AsmOperand{Kind: ast.AsmMem, Base: base, Disp: disp, Tok: tok}, true
	}
	p.errorf(tok, "expected", "Expected an asm operand.")
	p.synchronize()
	return ast.AsmOperand{}, false
}

// Top-Level Parsing

func (p *Parser) parseFnDecl() *ast.Node {
	fnTok := p.previous
	if !p.expect(token.Ident, "Expected function name after 'fn'.") {
		p.synchronize()
		return nil
	}
	name := p.previous.Value
	if !p.expect(token.LParen, "Expected '(' after function name.") {
		p.synchronize()
		return nil
	}

	var params []ast.Param
	if !p.check(token.RParen) {
		for {
			if !p.expect(token.Ident, "Expected parameter name.") {
				p.synchronize()
				return nil
			}
			paramTok := p.previous
			if !p.expect(token.Colon, "Expected ':' after parameter name.") {
				p.synchronize()
				return nil
			}
			typ := p.parseType()
			params = append(params, ast.Param{Name: paramTok.Value, Type: typ, Tok: paramTok})
			if !p.match(token.Comma) {
				break
			}
		}
	}
	p.expect(token.RParen, "Expected ')' after parameters.")

	returnType := ast.TypeVoid
	if p.match(token.Arrow) {
		returnType = p.parseType()
	}

	body := p.parseBlock()
	return ast.NewFnDecl(fnTok, name, params, returnType, body)
}

func (p *Parser) parseDataDecl() *ast.Node {
	dataTok := p.previous
	if !p.expect(token.Ident, "Expected name after 'data'.") {
		p.synchronize()
		return nil
	}
	name := p.previous.Value
	if !p.expect(token.Eq, "Expected '=' after data name.") {
		p.synchronize()
		return nil
	}
	var node *ast.Node
	switch {
	case p.match(token.String):
		node = ast.NewDataDecl(dataTok, name, 0, p.previous.Value, true)
	default:
		expr := ast.FoldConstants(p.parseExpr())
		if expr.Type != ast.Number {
			p.errorf(expr.Tok, "const-expected", "Data initializer must be a constant expression.")
			node = ast.NewDataDecl(dataTok, name, 0, "", false)
		} else {
			node = ast.NewDataDecl(dataTok, name, expr.Data.(ast.NumberNode).Value, "", false)
		}
	}
	p.expect(token.Semi, "Expected ';' after data definition.")
	return node
}

// Parse consumes the whole token stream and returns the list of top-level
// declarations. Macro definitions never reach the parser; the expansion
// engine consumes them first.
func (p *Parser) Parse() []*ast.Node {
	var decls []*ast.Node
	for !p.check(token.EOF) {
		switch {
		case p.match(token.Fn):
			if d := p.parseFnDecl(); d != nil {
				decls = append(decls, d)
			}
		case p.match(token.Data):
			if d := p.parseDataDecl(); d != nil {
				decls = append(decls, d)
			}
		case p.match(token.Semi):
			continue
		default:
			p.errorf(p.current, "expected", "Expected a top-level definition (fn, macro, or data).")
			p.advance()
			p.synchronize()
		}
	}
	return decls
}
