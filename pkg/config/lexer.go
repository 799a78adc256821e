// Package config parses the telescope's brace-structured configuration
// and the monitored prefix list.
package config

import (
	"fmt"
	"strings"
)

// TokenType represents the type of a lexer token.
type TokenType int

const (
	TokenLBrace     TokenType = iota // {
	TokenRBrace                      // }
	TokenSemicolon                   // ;
	TokenIdentifier                  // unquoted word
	TokenString                      // "quoted string"
	TokenEOF
	TokenError
)

func (t TokenType) String() string {
	switch t {
	case TokenLBrace:
		return "'{'"
	case TokenRBrace:
		return "'}'"
	case TokenSemicolon:
		return "';'"
	case TokenIdentifier:
		return "identifier"
	case TokenString:
		return "string"
	case TokenEOF:
		return "EOF"
	case TokenError:
		return "error"
	default:
		return "unknown"
	}
}

// Token is a single lexer token.
type Token struct {
	Type   TokenType
	Value  string
	Line   int
	Column int
}

func (t Token) String() string {
	if t.Type == TokenIdentifier || t.Type == TokenString {
		return fmt.Sprintf("%s(%q)", t.Type, t.Value)
	}
	return t.Type.String()
}

// Lexer tokenizes configuration text.
type Lexer struct {
	input  string
	pos    int
	line   int
	column int
}

// NewLexer creates a new Lexer for the given input string.
func NewLexer(input string) *Lexer {
	return &Lexer{input: input, line: 1, column: 1}
}

// Next returns the next token, advancing the position. Square brackets
// only group list values and are dropped: "incoming [ 1 2 ];" lexes the
// same as "incoming 1 2;".
func (l *Lexer) Next() Token {
	for {
		l.skipSpace()
		if l.pos >= len(l.input) {
			return Token{Type: TokenEOF, Line: l.line, Column: l.column}
		}

		ch := l.input[l.pos]
		line, col := l.line, l.column
		switch ch {
		case '[', ']':
			l.advance()
			continue
		case '{':
			l.advance()
			return Token{Type: TokenLBrace, Value: "{", Line: line, Column: col}
		case '}':
			l.advance()
			return Token{Type: TokenRBrace, Value: "}", Line: line, Column: col}
		case ';':
			l.advance()
			return Token{Type: TokenSemicolon, Value: ";", Line: line, Column: col}
		case '"':
			return l.readString(line, col)
		}
		if isIdentChar(ch) {
			return l.readIdentifier(line, col)
		}
		l.advance()
		return Token{
			Type:   TokenError,
			Value:  fmt.Sprintf("unexpected character %q", ch),
			Line:   line,
			Column: col,
		}
	}
}

// Peek returns the next token without advancing.
func (l *Lexer) Peek() Token {
	saved := *l
	tok := l.Next()
	*l = saved
	return tok
}

func (l *Lexer) advance() {
	if l.pos >= len(l.input) {
		return
	}
	if l.input[l.pos] == '\n' {
		l.line++
		l.column = 1
	} else {
		l.column++
	}
	l.pos++
}

// skipSpace skips whitespace and comments (#, //, /* */).
func (l *Lexer) skipSpace() {
	for l.pos < len(l.input) {
		switch ch := l.input[l.pos]; {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			l.advance()
		case ch == '#' || strings.HasPrefix(l.input[l.pos:], "//"):
			for l.pos < len(l.input) && l.input[l.pos] != '\n' {
				l.advance()
			}
		case strings.HasPrefix(l.input[l.pos:], "/*"):
			l.advance()
			l.advance()
			for l.pos < len(l.input) && !strings.HasPrefix(l.input[l.pos:], "*/") {
				l.advance()
			}
			l.advance()
			l.advance()
		default:
			return
		}
	}
}

func (l *Lexer) readString(line, col int) Token {
	l.advance() // opening quote
	var b strings.Builder
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		switch {
		case ch == '\\' && l.pos+1 < len(l.input):
			l.advance()
			switch esc := l.input[l.pos]; esc {
			case '"', '\\':
				b.WriteByte(esc)
			case 'n':
				b.WriteByte('\n')
			default:
				b.WriteByte('\\')
				b.WriteByte(esc)
			}
		case ch == '"':
			l.advance()
			return Token{Type: TokenString, Value: b.String(), Line: line, Column: col}
		default:
			b.WriteByte(ch)
		}
		l.advance()
	}
	return Token{Type: TokenError, Value: "unterminated string", Line: line, Column: col}
}

func (l *Lexer) readIdentifier(line, col int) Token {
	start := l.pos
	for l.pos < len(l.input) && isIdentChar(l.input[l.pos]) {
		l.pos++
		l.column++
	}
	return Token{Type: TokenIdentifier, Value: l.input[start:l.pos], Line: line, Column: col}
}

// isIdentChar covers the characters of bare words in the config: names,
// numbers, durations, prefixes (10.0.1.0/24), host:port addresses and
// file paths.
func isIdentChar(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') ||
		(ch >= 'A' && ch <= 'Z') ||
		(ch >= '0' && ch <= '9') ||
		ch == '-' || ch == '_' || ch == '.' ||
		ch == '/' || ch == ':' || ch == '*' || ch == '+'
}
