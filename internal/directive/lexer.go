//  Copyright © 2025 United Security Providers AG, Switzerland
//  SPDX-License-Identifier: Apache-2.0

// Package directive reads directive text written in the nginx configuration
// grammar and dispatches it to a command table.
package directive

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MaxIncludeDepth bounds nested include directives.
const MaxIncludeDepth = 8

// Directive is one statement: a name, its arguments and where it was read.
type Directive struct {
	Name string
	Args []string
	File string
	Line int
}

// Loader reads the file named by an include directive.
type Loader func(path string) ([]byte, error)

type options struct {
	load Loader
	dir  string
}

type Option func(*options)

// WithLoader replaces os.ReadFile for include directives.
func WithLoader(l Loader) Option {
	return func(o *options) { o.load = l }
}

// WithBaseDir resolves relative include paths against dir.
func WithBaseDir(dir string) Option {
	return func(o *options) { o.dir = dir }
}

// Parse splits src into directives. name is used in error messages.
func Parse(name, src string, opts ...Option) ([]Directive, error) {
	o := &options{load: os.ReadFile}
	for _, opt := range opts {
		opt(o)
	}
	return parse(o, name, src, 0)
}

func parse(o *options, name, src string, depth int) ([]Directive, error) {
	l := &lexer{src: src, file: name, line: 1}
	var out []Directive
	for {
		d, err := l.next()
		if err != nil {
			return nil, err
		}
		if d == nil {
			return out, nil
		}
		if d.Name != "include" {
			out = append(out, *d)
			continue
		}
		if len(d.Args) != 1 {
			return nil, Errorf(d, `invalid number of arguments in "include" directive`)
		}
		if depth+1 > MaxIncludeDepth {
			return nil, Errorf(d, "include nesting deeper than %d", MaxIncludeDepth)
		}
		path := d.Args[0]
		if !filepath.IsAbs(path) && o.dir != "" {
			path = filepath.Join(o.dir, path)
		}
		content, err := o.load(path)
		if err != nil {
			return nil, &Error{File: d.File, Line: d.Line, Msg: fmt.Sprintf("cannot read include %q", path), Err: err}
		}
		nested, err := parse(o, path, string(content), depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, nested...)
	}
}

type lexer struct {
	src  string
	pos  int
	file string
	line int
}

// next returns the next directive or nil at the end of the input.
func (l *lexer) next() (*Directive, error) {
	var d *Directive
	for {
		word, quoted, line, err := l.word()
		if err != nil {
			return nil, err
		}
		switch {
		case word == "" && !quoted && l.pos >= len(l.src):
			if d != nil {
				return nil, &Error{File: l.file, Line: d.Line, Msg: fmt.Sprintf(`unexpected end of file, expecting ";" after "%s"`, d.Name)}
			}
			return nil, nil
		case word == ";" && !quoted:
			if d == nil {
				return nil, &Error{File: l.file, Line: line, Msg: `unexpected ";"`}
			}
			return d, nil
		case (word == "{" || word == "}") && !quoted:
			return nil, &Error{File: l.file, Line: line, Msg: fmt.Sprintf("unexpected %q, blocks are not supported", word)}
		case d == nil:
			if quoted {
				return nil, &Error{File: l.file, Line: line, Msg: fmt.Sprintf("directive name %q cannot be quoted", word)}
			}
			d = &Directive{Name: word, File: l.file, Line: line}
		default:
			d.Args = append(d.Args, word)
		}
	}
}

// word reads one token. Special characters ; { } are returned as their own
// tokens. quoted reports whether the token was written in quotes, which makes
// an empty string a real argument.
func (l *lexer) word() (string, bool, int, error) {
	l.skipSpaceAndComments()
	if l.pos >= len(l.src) {
		return "", false, l.line, nil
	}
	line := l.line
	c := l.src[l.pos]
	switch c {
	case ';', '{', '}':
		l.pos++
		return string(c), false, line, nil
	case '"', '\'':
		s, err := l.quoted(c)
		return s, true, line, err
	}

	var sb strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if isSpace(c) || c == ';' || c == '{' || c == '}' {
			break
		}
		if c == '\\' && l.pos+1 < len(l.src) {
			unescape(&sb, l.src[l.pos+1])
			l.pos += 2
			continue
		}
		sb.WriteByte(c)
		l.pos++
	}
	return sb.String(), false, line, nil
}

func (l *lexer) quoted(q byte) (string, error) {
	start := l.line
	l.pos++
	var sb strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == q:
			l.pos++
			return sb.String(), nil
		case c == '\\' && l.pos+1 < len(l.src):
			unescape(&sb, l.src[l.pos+1])
			l.pos += 2
			continue
		case c == '\n':
			l.line++
		}
		sb.WriteByte(c)
		l.pos++
	}
	return "", &Error{File: l.file, Line: start, Msg: "unterminated quoted string"}
}

// unescape writes the character escaped by a backslash. Unknown escapes are
// kept verbatim so regexps survive.
func unescape(sb *strings.Builder, next byte) {
	switch next {
	case '"', '\'', '\\':
		sb.WriteByte(next)
	case 'n':
		sb.WriteByte('\n')
	case 't':
		sb.WriteByte('\t')
	case 'r':
		sb.WriteByte('\r')
	default:
		sb.WriteByte('\\')
		sb.WriteByte(next)
	}
}

func (l *lexer) skipSpaceAndComments() {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == '\n':
			l.line++
			l.pos++
		case isSpace(c):
			l.pos++
		case c == '#':
			for l.pos < len(l.src) && l.src[l.pos] != '\n' {
				l.pos++
			}
		default:
			return
		}
	}
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}
