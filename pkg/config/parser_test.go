package config

import (
	"strings"
	"testing"
)

func TestLexer(t *testing.T) {
	input := `switches {
    switch s1 {
        address 127.0.0.1:9559;
        p4info "/etc/telescope/p4 info.txt";
    }
}`
	lex := NewLexer(input)
	expected := []struct {
		typ TokenType
		val string
	}{
		{TokenIdentifier, "switches"},
		{TokenLBrace, "{"},
		{TokenIdentifier, "switch"},
		{TokenIdentifier, "s1"},
		{TokenLBrace, "{"},
		{TokenIdentifier, "address"},
		{TokenIdentifier, "127.0.0.1:9559"},
		{TokenSemicolon, ";"},
		{TokenIdentifier, "p4info"},
		{TokenString, "/etc/telescope/p4 info.txt"},
		{TokenSemicolon, ";"},
		{TokenRBrace, "}"},
		{TokenRBrace, "}"},
		{TokenEOF, ""},
	}

	for i, exp := range expected {
		tok := lex.Next()
		if tok.Type != exp.typ {
			t.Errorf("token %d: expected type %s, got %s (value=%q)", i, exp.typ, tok.Type, tok.Value)
		}
		if exp.val != "" && tok.Value != exp.val {
			t.Errorf("token %d: expected value %q, got %q", i, exp.val, tok.Value)
		}
	}
}

func TestLexerComments(t *testing.T) {
	input := `# this is a comment
telescope {
    /* block comment */
    // line comment
    alpha 2; # trailing
}`
	lex := NewLexer(input)
	var words []string
	for tok := lex.Next(); tok.Type != TokenEOF; tok = lex.Next() {
		if tok.Type == TokenIdentifier {
			words = append(words, tok.Value)
		}
	}
	if got := strings.Join(words, " "); got != "telescope alpha 2" {
		t.Errorf("identifiers = %q", got)
	}
}

func TestLexerPosition(t *testing.T) {
	lex := NewLexer("a;\n  b;")
	lex.Next()
	lex.Next()
	tok := lex.Next()
	if tok.Line != 2 || tok.Column != 3 {
		t.Errorf("b at %d:%d, want 2:3", tok.Line, tok.Column)
	}
}

func TestBracketList(t *testing.T) {
	tree, errs := NewParser(`ports { incoming [ 2 3 ]; outgoing [ eth1 ]; }`).Parse()
	if len(errs) > 0 {
		t.Fatalf("parse errors: %v", errs)
	}
	ports := tree.FindChild("ports")
	if ports == nil {
		t.Fatal("missing ports")
	}
	in := ports.FindChild("incoming")
	if in == nil || !in.IsLeaf {
		t.Fatalf("incoming = %+v", in)
	}
	if got := strings.Join(in.Args(), ","); got != "2,3" {
		t.Errorf("incoming args = %q, want 2,3", got)
	}
	if got := ports.FindChild("outgoing").Arg(0); got != "eth1" {
		t.Errorf("outgoing = %q", got)
	}
}

func TestParseTree(t *testing.T) {
	input := `telescope {
    interval 3m;
    monitored {
        10.0.0.0/24;
        10.1.0.0/30;
    }
}
switches {
    switch s1 { type memory; }
    switch s2 { type memory; }
}`
	tree, errs := NewParser(input).Parse()
	if len(errs) > 0 {
		t.Fatalf("parse errors: %v", errs)
	}
	if len(tree.Children) != 2 {
		t.Fatalf("top-level nodes = %d, want 2", len(tree.Children))
	}
	tel := tree.FindChild("telescope")
	if tel.IsLeaf || tel.Line != 1 {
		t.Errorf("telescope = %+v", tel)
	}
	mon := tel.FindChild("monitored")
	if len(mon.Children) != 2 || mon.Children[1].Name() != "10.1.0.0/30" {
		t.Errorf("monitored children = %+v", mon.Children)
	}
	sws := tree.FindChild("switches").FindChildren("switch")
	if len(sws) != 2 || sws[1].Arg(0) != "s2" {
		t.Errorf("switches = %+v", sws)
	}
}

func TestParseEmptyBlock(t *testing.T) {
	tree, errs := NewParser("pipeline { }").Parse()
	if len(errs) > 0 {
		t.Fatal(errs)
	}
	n := tree.FindChild("pipeline")
	if n.IsLeaf || n.Children == nil || len(n.Children) != 0 {
		t.Errorf("pipeline = %+v", n)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"missing semicolon", "telescope { alpha 1 }", "expected ';' or '{'"},
		{"unclosed block", "telescope { alpha 1;", "missing '}'"},
		{"stray brace", "alpha 1; }", "unexpected '}'"},
		{"empty statement", "telescope { ; }", "empty statement"},
		{"anonymous block", "{ alpha 1; }", "block without a name"},
		{"bad character", "telescope { alpha = 1; }", "unexpected character"},
		{"unterminated string", `system { api-addr "x; }`, "unterminated string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree, errs := NewParser(tt.input).Parse()
			if tree != nil {
				t.Error("tree returned despite errors")
			}
			if len(errs) == 0 {
				t.Fatal("expected errors")
			}
			found := false
			for _, err := range errs {
				if strings.Contains(err.Error(), tt.want) {
					found = true
				}
			}
			if !found {
				t.Errorf("errors %v do not mention %q", errs, tt.want)
			}
		})
	}
}

func TestParseRecoversAndReportsAll(t *testing.T) {
	input := `telescope {
    alpha = 1;
    interval = 3;
}`
	_, errs := NewParser(input).Parse()
	if len(errs) != 2 {
		t.Fatalf("errors = %v, want 2", errs)
	}
	pe, ok := errs[1].(*ParseError)
	if !ok || pe.Line != 3 {
		t.Errorf("second error = %v, want line 3", errs[1])
	}
}

func TestFormatRoundTrip(t *testing.T) {
	input := `telescope { interval 3m; monitored-file "/etc/tele scope/list"; }
ports { incoming [ 2 3 ]; }
switches { switch s1 { type memory; } }`
	tree, errs := NewParser(input).Parse()
	if len(errs) > 0 {
		t.Fatal(errs)
	}
	output := tree.Format()
	if !strings.Contains(output, "    incoming 2 3;\n") {
		t.Errorf("unexpected format:\n%s", output)
	}
	if !strings.Contains(output, `monitored-file "/etc/tele scope/list";`) {
		t.Errorf("quoted value lost:\n%s", output)
	}

	again, errs := NewParser(output).Parse()
	if len(errs) > 0 {
		t.Fatalf("reparse: %v", errs)
	}
	if again.Format() != output {
		t.Errorf("format not stable:\n%s\n---\n%s", output, again.Format())
	}
}
