//  Copyright © 2025 United Security Providers AG, Switzerland
//  SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"strings"

	"naxsi-waf/internal/arena"
	"naxsi-waf/internal/directive"
	"naxsi-waf/internal/naxsi"
)

// Scope is a level of the configuration hierarchy.
type Scope int

const (
	ScopeMain Scope = iota
	ScopeLocation
)

func (s Scope) String() string {
	if s == ScopeMain {
		return "main"
	}
	return "location"
}

func (s Scope) mask() directive.Mask {
	if s == ScopeMain {
		return directive.MainConf
	}
	return directive.LocConf
}

// newScope creates the engine instance of one scope inside the generation
// arena. It runs for both scopes whether or not they declare directives.
func newScope(a *arena.Arena, scope Scope) (arena.Handle[*naxsi.Naxsi], error) {
	engine, err := naxsi.New(newBridge(a))
	if err != nil {
		return arena.Handle[*naxsi.Naxsi]{}, fmt.Errorf("naxsi: cannot create %s configuration: %w", scope, err)
	}
	handle, err := arena.Store(a, engine)
	if err != nil {
		return arena.Handle[*naxsi.Naxsi]{}, fmt.Errorf("naxsi: cannot store %s configuration: %w", scope, err)
	}
	return handle, nil
}

// bridge hands arena memory to the engine. A new one is built for every
// engine call.
type bridge struct {
	pool *arena.Arena
}

func newBridge(a *arena.Arena) bridge {
	return bridge{pool: a}
}

func (b bridge) Alloc(size int) ([]byte, error) {
	if b.pool == nil {
		return nil, naxsi.ErrNoAllocator
	}
	return b.pool.Alloc(size)
}

func (b bridge) Calloc(count, size int) ([]byte, error) {
	if b.pool == nil {
		return nil, naxsi.ErrNoAllocator
	}
	return b.pool.Calloc(count, size)
}

// scopeConf is what directive handlers write to.
type scopeConf struct {
	arena  *arena.Arena
	scope  Scope
	engine arena.Handle[*naxsi.Naxsi]
}

var commands = []directive.Command[*scopeConf]{
	{Name: "MainRule", Mask: directive.MainConf | directive.OneOrMore, Set: setRule(naxsi.KindMain)},
	{Name: "BasicRule", Mask: directive.LocConf | directive.OneOrMore, Set: setRule(naxsi.KindBasic)},
	{Name: "DeniedUrl", Mask: directive.LocConf | directive.OneOrMore, Set: setDeniedURL},
	{Name: "IgnoreIP", Mask: directive.LocConf | directive.Take1, Set: setIgnoreIP},
	{Name: "IgnoreCIDR", Mask: directive.LocConf | directive.Take1, Set: setIgnoreCIDR},
	{Name: "CheckRule", Mask: directive.LocConf | directive.OneOrMore, Set: setCheckRule},
	{Name: "LearningMode", Mask: directive.LocConf | directive.NoArgs, Set: setFlag(naxsi.FlagLearning)},
	{Name: "SecRulesEnabled", Mask: directive.LocConf | directive.NoArgs, Set: setFlag(naxsi.FlagEnabled)},
	{Name: "SecRulesDisabled", Mask: directive.LocConf | directive.NoArgs, Set: setFlag(naxsi.FlagDisabled)},
	{Name: "LibInjectionSql", Mask: directive.LocConf | directive.NoArgs, Set: setFlag(naxsi.FlagLibInjectionSQL)},
	{Name: "LibInjectionXss", Mask: directive.LocConf | directive.NoArgs, Set: setFlag(naxsi.FlagLibInjectionXSS)},
}

// Directives lists the recognised directive names with their masks.
func Directives() map[string]directive.Mask {
	out := make(map[string]directive.Mask, len(commands))
	for _, c := range commands {
		out[c.Name] = c.Mask
	}
	return out
}

// rejected turns an engine error into the configuration error naming the
// directive and the offending value. Allocation failures pass through.
func rejected(d *directive.Directive, value string, err error) error {
	var verr *naxsi.ValueError
	if !errors.As(err, &verr) {
		return directive.Errorf(d, "naxsi: %s failed: %v", d.Name, err)
	}
	located := directive.Errorf(d, "naxsi: invalid %s value: %s", d.Name, value)
	located.Err = err
	return located
}

func (s *scopeConf) instance(d *directive.Directive) (*naxsi.Naxsi, error) {
	engine, err := s.engine.Get()
	if err != nil {
		return nil, directive.Errorf(d, "naxsi: %s configuration unavailable: %v", s.scope, err)
	}
	return engine, nil
}

func setRule(kind naxsi.RuleKind) func(*scopeConf, *directive.Directive) error {
	return func(s *scopeConf, d *directive.Directive) error {
		engine, err := s.instance(d)
		if err != nil {
			return err
		}
		if err := engine.AddRule(newBridge(s.arena), kind, d.Args); err != nil {
			return rejected(d, strings.Join(d.Args, " "), err)
		}
		return nil
	}
}

func setCheckRule(s *scopeConf, d *directive.Directive) error {
	engine, err := s.instance(d)
	if err != nil {
		return err
	}
	if err := engine.AddCheckRule(newBridge(s.arena), d.Args); err != nil {
		return rejected(d, strings.Join(d.Args, " "), err)
	}
	return nil
}

func setDeniedURL(s *scopeConf, d *directive.Directive) error {
	engine, err := s.instance(d)
	if err != nil {
		return err
	}
	if err := engine.SetDeniedURL(newBridge(s.arena), d.Args); err != nil {
		return rejected(d, strings.Join(d.Args, " "), err)
	}
	return nil
}

func setIgnoreIP(s *scopeConf, d *directive.Directive) error {
	engine, err := s.instance(d)
	if err != nil {
		return err
	}
	if err := engine.IgnoreIP(newBridge(s.arena), d.Args[0]); err != nil {
		return rejected(d, d.Args[0], err)
	}
	return nil
}

func setIgnoreCIDR(s *scopeConf, d *directive.Directive) error {
	engine, err := s.instance(d)
	if err != nil {
		return err
	}
	if err := engine.IgnoreCIDR(newBridge(s.arena), d.Args[0]); err != nil {
		return rejected(d, d.Args[0], err)
	}
	return nil
}

func setFlag(flag naxsi.Flag) func(*scopeConf, *directive.Directive) error {
	return func(s *scopeConf, d *directive.Directive) error {
		engine, err := s.instance(d)
		if err != nil {
			return err
		}
		if err := engine.SetFlag(flag); err != nil {
			return rejected(d, flag.String(), err)
		}
		return nil
	}
}
