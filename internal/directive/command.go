//  Copyright © 2025 United Security Providers AG, Switzerland
//  SPDX-License-Identifier: Apache-2.0

package directive

import (
	"errors"
	"fmt"
)

// Mask describes where a directive may appear and how many arguments it
// takes, the way nginx command tables do.
type Mask uint32

const (
	MainConf Mask = 1 << iota
	LocConf
	NoArgs
	Take1
	OneOrMore
)

const (
	scopeMask = MainConf | LocConf
	arityMask = NoArgs | Take1 | OneOrMore
)

func (m Mask) acceptsScope(scope Mask) bool {
	return m&scope != 0
}

func (m Mask) acceptsArgs(n int) bool {
	switch {
	case m&NoArgs != 0 && n == 0:
		return true
	case m&Take1 != 0 && n == 1:
		return true
	case m&OneOrMore != 0 && n >= 1:
		return true
	}
	return false
}

// Command binds a directive name to its handler. C is the configuration the
// handler writes to.
type Command[C any] struct {
	Name string
	Mask Mask
	Set  func(conf C, d *Directive) error
}

// Error is a configuration error tied to a source location.
type Error struct {
	File string
	Line int
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.File == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s in %s:%d", e.Msg, e.File, e.Line)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds an Error located at d.
func Errorf(d *Directive, format string, args ...interface{}) *Error {
	return &Error{File: d.File, Line: d.Line, Msg: fmt.Sprintf(format, args...)}
}

var ErrUnknown = errors.New("unknown directive")

// Dispatch runs the handler of every directive against conf. scope is
// MainConf or LocConf. The first failing directive stops processing.
func Dispatch[C any](commands []Command[C], scope Mask, conf C, directives []Directive) error {
	if scope&scopeMask == 0 || scope&^scopeMask != 0 {
		return fmt.Errorf("directive: invalid scope mask %#x", uint32(scope))
	}
	index := make(map[string]*Command[C], len(commands))
	for i := range commands {
		index[commands[i].Name] = &commands[i]
	}
	for i := range directives {
		d := &directives[i]
		cmd, ok := index[d.Name]
		if !ok {
			return &Error{File: d.File, Line: d.Line, Msg: fmt.Sprintf("unknown directive %q", d.Name), Err: ErrUnknown}
		}
		if !cmd.Mask.acceptsScope(scope) {
			return Errorf(d, "%q directive is not allowed here", d.Name)
		}
		if cmd.Mask&arityMask != 0 && !cmd.Mask.acceptsArgs(len(d.Args)) {
			return Errorf(d, "invalid number of arguments in %q directive", d.Name)
		}
		if err := cmd.Set(conf, d); err != nil {
			var located *Error
			if errors.As(err, &located) {
				return err
			}
			return &Error{File: d.File, Line: d.Line, Msg: err.Error(), Err: err}
		}
	}
	return nil
}
