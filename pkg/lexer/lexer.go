package lexer

import (
	"strconv"
	"unicode"

	"github.com/fuselang/fuse/pkg/config"
	"github.com/fuselang/fuse/pkg/token"
	"github.com/fuselang/fuse/pkg/util"
)

// Lexer produces tokens lazily from a single source file. A fresh Lexer over
// the same input restarts the sequence from the beginning; the input is never
// mutated.
type Lexer struct {
	source    []rune
	fileIndex int
	pos       int
	line      int
	column    int
	cfg       *config.Config
	rep       *util.Reporter
}

func NewLexer(source []rune, fileIndex int, cfg *config.Config, rep *util.Reporter) *Lexer {
	return &Lexer{
		source: source, fileIndex: fileIndex, line: 1, column: 1, cfg: cfg, rep: rep,
	}
}

// Tokenize drains a fresh lexer into a slice, ending with an EOF token.
func Tokenize(source []rune, fileIndex int, cfg *config.Config, rep *util.Reporter) []token.Token {
	l := NewLexer(source, fileIndex, cfg, rep)
	var toks []token.Token
	for {
		tok := l.Next()
		toks = append(toks, tok)
		if tok.Type == token.EOF {
			return toks
		}
	}
}

func (l *Lexer) Next() token.Token {
	for {
		l.skipWhitespaceAndComments()
		startPos, startCol, startLine := l.pos, l.column, l.line

		if l.isAtEnd() {
			return l.makeToken(token.EOF, "", startPos, startCol, startLine)
		}

		ch := l.peek()
		if unicode.IsLetter(ch) || ch == '_' || ch == '.' {
			l.advance()
			return l.identifierOrKeyword(startPos, startCol, startLine)
		}
		if unicode.IsDigit(ch) {
			return l.numberLiteral(startPos, startCol, startLine)
		}

		l.advance()
		switch ch {
		case '(':
			return l.makeToken(token.LParen, "", startPos, startCol, startLine)
		case ')':
			return l.makeToken(token.RParen, "", startPos, startCol, startLine)
		case '{':
			return l.makeToken(token.LBrace, "", startPos, startCol, startLine)
		case '}':
			return l.makeToken(token.RBrace, "", startPos, startCol, startLine)
		case '[':
			return l.makeToken(token.LBracket, "", startPos, startCol, startLine)
		case ']':
			return l.makeToken(token.RBracket, "", startPos, startCol, startLine)
		case ';':
			return l.makeToken(token.Semi, "", startPos, startCol, startLine)
		case ',':
			return l.makeToken(token.Comma, "", startPos, startCol, startLine)
		case ':':
			return l.makeToken(token.Colon, "", startPos, startCol, startLine)
		case '!':
			return l.makeToken(token.Bang, "", startPos, startCol, startLine)
		case '=':
			return l.makeToken(token.Eq, "", startPos, startCol, startLine)
		case '+':
			return l.makeToken(token.Plus, "", startPos, startCol, startLine)
		case '-':
			if l.match('>') {
				return l.makeToken(token.Arrow, "", startPos, startCol, startLine)
			}
			return l.makeToken(token.Minus, "", startPos, startCol, startLine)
		case '*':
			return l.makeToken(token.Star, "", startPos, startCol, startLine)
		case '/':
			return l.makeToken(token.Slash, "", startPos, startCol, startLine)
		case '%':
			return l.makeToken(token.Rem, "", startPos, startCol, startLine)
		case '"':
			return l.stringLiteral(startPos, startCol, startLine)
		}

		tok := l.makeToken(token.EOF, "", startPos, startCol, startLine)
		l.rep.Errorf(util.StageLex, "invalid-char", tok, "Unexpected character: '%c'", ch)
	}
}

func (l *Lexer) peek() rune {
	if l.isAtEnd() {
		return 0
	}
	return l.source[l.pos]
}

func (l *Lexer) peekNext() rune {
	if l.pos+1 >= len(l.source) {
		return 0
	}
	return l.source[l.pos+1]
}

func (l *Lexer) advance() rune {
	if l.isAtEnd() {
		return 0
	}
	ch := l.source[l.pos]
	if ch == '\n' {
		l.line++
		l.column = 1
	} else {
		l.column++
	}
	l.pos++
	return ch
}

func (l *Lexer) match(expected rune) bool {
	if l.isAtEnd() || l.source[l.pos] != expected {
		return false
	}
	l.advance()
	return true
}

func (l *Lexer) isAtEnd() bool { return l.pos >= len(l.source) }

func (l *Lexer) makeToken(tokType token.Type, value string, startPos, startCol, startLine int) token.Token {
	return token.Token{
		Type: tokType, Value: value, FileIndex: l.fileIndex,
		Line: startLine, Column: startCol, Len: l.pos - startPos,
	}
}

func (l *Lexer) skipWhitespaceAndComments() {
	for {
		switch l.peek() {
		case ' ', '\t', '\n', '\r':
			l.advance()
		case '/':
			if l.peekNext() == '*' {
				l.blockComment()
			} else if l.peekNext() == '/' && l.cfg.IsFeatureEnabled(config.FeatCComments) {
				for !l.isAtEnd() && l.peek() != '\n' {
					l.advance()
				}
			} else {
				return
			}
		default:
			return
		}
	}
}

func (l *Lexer) blockComment() {
	startTok := l.makeToken(token.EOF, "", l.pos, l.column, l.line)
	l.advance()
	l.advance()
	for !l.isAtEnd() {
		if l.peek() == '*' && l.peekNext() == '/' {
			l.advance()
			l.advance()
			return
		}
		l.advance()
	}
	l.rep.Errorf(util.StageLex, "unterminated-comment", startTok, "Unterminated block comment")
}

func (l *Lexer) identifierOrKeyword(startPos, startCol, startLine int) token.Token {
	for unicode.IsLetter(l.peek()) || unicode.IsDigit(l.peek()) || l.peek() == '_' || l.peek() == '.' {
		l.advance()
	}
	value := string(l.source[startPos:l.pos])
	tok := l.makeToken(token.Ident, value, startPos, startCol, startLine)

	if tokType, isKeyword := token.KeywordMap[value]; isKeyword {
		tok.Type = tokType
		tok.Value = ""
	}
	return tok
}

// numberLiteral reads a decimal or 0x hex literal with an optional width
// suffix (12345u64). A suffix naming no known integer width is a lex error.
func (l *Lexer) numberLiteral(startPos, startCol, startLine int) token.Token {
	if l.peek() == '0' && (l.peekNext() == 'x' || l.peekNext() == 'X') {
		l.advance()
		l.advance()
		for isHexDigit(l.peek()) {
			l.advance()
		}
	} else {
		for unicode.IsDigit(l.peek()) {
			l.advance()
		}
	}
	digitsEnd := l.pos

	suffix := ""
	if unicode.IsLetter(l.peek()) || l.peek() == '_' {
		suffixStart := l.pos
		for unicode.IsLetter(l.peek()) || unicode.IsDigit(l.peek()) || l.peek() == '_' {
			l.advance()
		}
		suffix = string(l.source[suffixStart:l.pos])
	}

	valueStr := string(l.source[startPos:digitsEnd])
	tok := l.makeToken(token.Number, "", startPos, startCol, startLine)

	// Hex literals with only the 0x prefix have no digits.
	if valueStr == "0x" || valueStr == "0X" {
		l.rep.Errorf(util.StageLex, "bad-number", tok, "Malformed hex literal: no digits")
		tok.Value = "0"
		return tok
	}

	if suffix != "" {
		if st, ok := token.KeywordMap[suffix]; !ok || !st.IsTypeKeyword() {
			l.rep.Errorf(util.StageLex, "bad-suffix", tok,
				"Integer literal suffix '%s' names no known integer width", suffix)
			suffix = ""
		}
	}
	tok.Suffix = suffix

	val, err := strconv.ParseUint(valueStr, 0, 64)
	if err != nil {
		if e, ok := err.(*strconv.NumError); ok && e.Err == strconv.ErrRange {
			if l.cfg.IsWarningEnabled(config.WarnOverflow) {
				l.rep.Warnf(util.StageLex, "overflow", tok, "Integer constant overflow: %s", valueStr)
			}
			tok.Value = valueStr
			return tok
		}
		l.rep.Errorf(util.StageLex, "bad-number", tok, "Invalid number literal: %s", valueStr)
		tok.Value = "0"
		return tok
	}
	tok.Value = strconv.FormatUint(val, 10)
	return tok
}

func (l *Lexer) stringLiteral(startPos, startCol, startLine int) token.Token {
	var out []rune
	for !l.isAtEnd() {
		c := l.peek()
		if c == '"' {
			l.advance()
			return l.makeToken(token.String, string(out), startPos, startCol, startLine)
		}
		if c == '\n' {
			break
		}
		if c == '\\' {
			l.advance()
			out = append(out, l.decodeEscape(startPos, startCol, startLine))
			continue
		}
		l.advance()
		out = append(out, c)
	}
	tok := l.makeToken(token.String, "", startPos, startCol, startLine)
	l.rep.Errorf(util.StageLex, "unterminated-string", tok, "Unterminated string literal")
	return tok
}

func (l *Lexer) decodeEscape(startPos, startCol, startLine int) rune {
	if l.isAtEnd() {
		tok := l.makeToken(token.String, "", startPos, startCol, startLine)
		l.rep.Errorf(util.StageLex, "bad-escape", tok, "Unterminated escape sequence")
		return 0
	}
	c := l.advance()
	switch c {
	case 'n':
		return '\n'
	case 't':
		return '\t'
	case 'r':
		return '\r'
	case '0':
		return 0
	case '\\', '"', '\'':
		return c
	}
	tok := l.makeToken(token.String, "", startPos, startCol, startLine)
	l.rep.Errorf(util.StageLex, "bad-escape", tok, "Unrecognized escape sequence '\\%c'", c)
	return c
}

func isHexDigit(c rune) bool {
	return unicode.IsDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
