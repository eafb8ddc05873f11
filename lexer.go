package blade

import (
	"strings"
)

type tokenKind int

const (
	tokText tokenKind = iota
	tokEcho
	tokDirective
	tokComment
)

func (k tokenKind) String() string {
	switch k {
	case tokText:
		return "text"
	case tokEcho:
		return "echo"
	case tokDirective:
		return "directive"
	case tokComment:
		return "comment"
	}
	return "unknown"
}

type token struct {
	kind tokenKind
	// name is the directive name without the leading @.
	name string
	// text holds literal text, the trimmed interpolation expression or the raw
	// directive arguments.
	text    string
	hasArgs bool
	raw     string
	line    int
}

type argMode int

const (
	argsNone argMode = iota
	argsOptional
	argsRequired
)

// directives lists every recognized directive and whether it takes a parenthesized
// argument list. Directives that take none never consume a following "(".
var directives = map[string]argMode{
	"if":           argsRequired,
	"elseif":       argsRequired,
	"else":         argsNone,
	"endif":        argsNone,
	"for":          argsRequired,
	"endfor":       argsNone,
	"foreach":      argsRequired,
	"endforeach":   argsNone,
	"section":      argsRequired,
	"endsection":   argsNone,
	"extends":      argsRequired,
	"yield":        argsRequired,
	"component":    argsRequired,
	"endcomponent": argsNone,
	"slot":         argsOptional,
	"endslot":      argsNone,
}

type lexer struct {
	name   string
	src    string
	pos    int
	line   int
	start  int
	sline  int
	tokens []token
}

// lex splits template source into text, interpolation, directive and comment tokens,
// then drops standalone directive lines.
func lex(name, src string) ([]token, error) {
	l := &lexer{name: name, src: src, line: 1, sline: 1}
	if err := l.run(); err != nil {
		return nil, err
	}
	return mergeText(trimStandalone(l.tokens)), nil
}

func (l *lexer) errorf(line int, construct, msg string) error {
	return &ParseError{Template: l.name, Line: line, Construct: construct, Msg: msg}
}

func (l *lexer) run() error {
	for l.pos < len(l.src) {
		switch {
		case strings.HasPrefix(l.src[l.pos:], "{{--"):
			if err := l.lexComment(); err != nil {
				return err
			}
		case strings.HasPrefix(l.src[l.pos:], "{{"):
			if err := l.lexEcho(); err != nil {
				return err
			}
		case l.src[l.pos] == '@':
			if err := l.lexAt(); err != nil {
				return err
			}
		default:
			if l.src[l.pos] == '\n' {
				l.line++
			}
			l.pos++
		}
	}
	l.flushText(l.pos)
	return nil
}

// flushText emits the pending text up to end, one token per source line.
func (l *lexer) flushText(end int) {
	text := l.src[l.start:end]
	line := l.sline
	for text != "" {
		i := strings.IndexByte(text, '\n')
		seg := text
		if i >= 0 {
			seg = text[:i+1]
		}
		l.tokens = append(l.tokens, token{kind: tokText, text: seg, raw: seg, line: line})
		text = text[len(seg):]
		line++
	}
}

func (l *lexer) begin(pos int) {
	l.pos = pos
	l.start = pos
	l.sline = l.line
}

func (l *lexer) advance(to int) {
	l.line += strings.Count(l.src[l.pos:to], "\n")
	l.begin(to)
}

func (l *lexer) lexComment() error {
	l.flushText(l.pos)
	end := strings.Index(l.src[l.pos+4:], "--}}")
	if end < 0 {
		return l.errorf(l.line, "comment", "unterminated comment")
	}
	to := l.pos + 4 + end + 4
	l.tokens = append(l.tokens, token{kind: tokComment, raw: l.src[l.pos:to], line: l.line})
	l.advance(to)
	return nil
}

func (l *lexer) lexEcho() error {
	l.flushText(l.pos)
	end := strings.Index(l.src[l.pos+2:], "}}")
	if end < 0 {
		return l.errorf(l.line, "echo", "unterminated {{ interpolation")
	}
	to := l.pos + 2 + end + 2
	l.tokens = append(l.tokens, token{
		kind: tokEcho,
		text: strings.TrimSpace(l.src[l.pos+2 : l.pos+2+end]),
		raw:  l.src[l.pos:to],
		line: l.line,
	})
	l.advance(to)
	return nil
}

func (l *lexer) lexAt() error {
	at := l.pos
	escaped := strings.HasPrefix(l.src[at:], "@@")
	nameStart := at + 1
	if escaped {
		nameStart++
	}
	nameEnd := nameStart
	for nameEnd < len(l.src) && isLetter(l.src[nameEnd]) {
		nameEnd++
	}
	name := l.src[nameStart:nameEnd]
	mode, ok := directives[name]
	if !ok {
		l.pos = nameStart
		return nil
	}
	if escaped {
		// @@if renders as the literal @if
		l.flushText(at)
		l.begin(at + 1)
		l.pos = nameEnd
		return nil
	}

	// After a word byte only closers and directives followed by "(" count.
	afterWord := at > 0 && isWordByte(l.src[at-1])
	tok := token{kind: tokDirective, name: name, line: l.line}
	end := nameEnd
	if mode != argsNone {
		p := nameEnd
		for p < len(l.src) && (l.src[p] == ' ' || l.src[p] == '\t') {
			p++
		}
		if p < len(l.src) && l.src[p] == '(' {
			closeAt, err := l.matchParen(p, name)
			if err != nil {
				return err
			}
			tok.text = strings.TrimSpace(l.src[p+1 : closeAt])
			tok.hasArgs = true
			end = closeAt + 1
		} else if afterWord {
			// e-mail style text such as ops@if.com
			l.pos = nameStart
			return nil
		} else if mode == argsRequired {
			return l.errorf(l.line, name, "@"+name+" requires arguments")
		}
	}
	l.flushText(at)
	tok.raw = l.src[at:end]
	l.tokens = append(l.tokens, tok)
	l.advance(end)
	return nil
}

// matchParen returns the index of the parenthesis closing the one at open.
func (l *lexer) matchParen(open int, name string) (int, error) {
	depth := 0
	var quote byte
	for i := open; i < len(l.src); i++ {
		c := l.src[i]
		if quote != 0 {
			switch c {
			case '\\':
				i++
			case quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			quote = c
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i, nil
			}
		}
	}
	return 0, l.errorf(l.line, name, "unterminated arguments for @"+name)
}

// trimStandalone removes the whitespace of lines holding nothing but directives and
// comments, newline included, and drops comment tokens.
func trimStandalone(tokens []token) []token {
	out := make([]token, 0, len(tokens))
	lineStart := 0
	flush := func(end int) {
		group := tokens[lineStart:end]
		standalone := isStandalone(group)
		for _, t := range group {
			if t.kind == tokComment || (standalone && t.kind == tokText) {
				continue
			}
			out = append(out, t)
		}
		lineStart = end
	}
	for i, t := range tokens {
		if t.kind == tokText && strings.HasSuffix(t.text, "\n") {
			flush(i + 1)
		}
	}
	flush(len(tokens))
	return out
}

func isStandalone(line []token) bool {
	marker := false
	for _, t := range line {
		switch t.kind {
		case tokDirective, tokComment:
			marker = true
		case tokEcho:
			return false
		case tokText:
			if strings.TrimSpace(t.text) != "" {
				return false
			}
		}
	}
	return marker
}

func mergeText(tokens []token) []token {
	out := tokens[:0]
	for _, t := range tokens {
		if n := len(out); n > 0 && t.kind == tokText && out[n-1].kind == tokText {
			out[n-1].text += t.text
			out[n-1].raw += t.raw
			continue
		}
		out = append(out, t)
	}
	return out
}

func isLetter(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isWordByte(c byte) bool {
	return isLetter(c) || c >= '0' && c <= '9' || c == '_'
}
