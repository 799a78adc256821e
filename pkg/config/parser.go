package config

import (
	"fmt"
)

// ParseError is a syntax error at a position in the input.
type ParseError struct {
	Line    int
	Column  int
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d, column %d: %s", e.Line, e.Column, e.Message)
}

// Parser builds a ConfigTree from configuration text.
//
//	statement := word+ ( ";" | "{" statement* "}" )
type Parser struct {
	lex  *Lexer
	errs []error
}

// NewParser creates a parser for input.
func NewParser(input string) *Parser {
	return &Parser{lex: NewLexer(input)}
}

// Parse parses the whole input. It recovers from errors at statement
// boundaries, so all syntax errors are reported at once; the tree is nil
// if there were any.
func (p *Parser) Parse() (*ConfigTree, []error) {
	tree := &ConfigTree{}
	for p.lex.Peek().Type != TokenEOF {
		if p.lex.Peek().Type == TokenRBrace {
			tok := p.lex.Next()
			p.errorf(tok, "unexpected '}'")
			continue
		}
		if n := p.statement(); n != nil {
			tree.Children = append(tree.Children, n)
		}
	}
	if len(p.errs) > 0 {
		return nil, p.errs
	}
	return tree, nil
}

func (p *Parser) errorf(tok Token, format string, args ...any) {
	p.errs = append(p.errs, &ParseError{
		Line:    tok.Line,
		Column:  tok.Column,
		Message: fmt.Sprintf(format, args...),
	})
}

// statement parses one leaf or block. It returns nil after an error.
func (p *Parser) statement() *Node {
	first := p.lex.Peek()
	n := &Node{Line: first.Line, Column: first.Column}
	for {
		if tok := p.lex.Peek(); tok.Type == TokenRBrace || tok.Type == TokenEOF {
			p.errorf(tok, "expected ';' or '{' after %q, got %s", n.KeyPath(), tok.Type)
			return nil
		}
		tok := p.lex.Next()
		switch tok.Type {
		case TokenIdentifier, TokenString:
			n.Keys = append(n.Keys, tok.Value)
		case TokenSemicolon:
			if len(n.Keys) == 0 {
				p.errorf(tok, "empty statement")
				return nil
			}
			n.IsLeaf = true
			return n
		case TokenLBrace:
			if len(n.Keys) == 0 {
				p.errorf(tok, "block without a name")
				p.skipBlock()
				return nil
			}
			if !p.block(n) {
				return nil
			}
			return n
		case TokenError:
			p.errorf(tok, "%s", tok.Value)
			p.recover()
			return nil
		}
	}
}

// block parses children up to the closing brace.
func (p *Parser) block(n *Node) bool {
	n.Children = []*Node{}
	for {
		switch tok := p.lex.Peek(); tok.Type {
		case TokenRBrace:
			p.lex.Next()
			return true
		case TokenEOF:
			p.errorf(tok, "missing '}' for %q opened on line %d", n.KeyPath(), n.Line)
			return false
		}
		if child := p.statement(); child != nil {
			n.Children = append(n.Children, child)
		}
	}
}

// recover skips to the end of the current statement.
func (p *Parser) recover() {
	for {
		switch p.lex.Peek().Type {
		case TokenSemicolon:
			p.lex.Next()
			return
		case TokenRBrace, TokenEOF:
			return
		case TokenLBrace:
			p.lex.Next()
			p.skipBlock()
			return
		default:
			p.lex.Next()
		}
	}
}

// skipBlock skips past the brace matching an already consumed '{'.
func (p *Parser) skipBlock() {
	depth := 1
	for depth > 0 {
		switch p.lex.Next().Type {
		case TokenLBrace:
			depth++
		case TokenRBrace:
			depth--
		case TokenEOF:
			return
		}
	}
}
