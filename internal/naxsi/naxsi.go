//  Copyright © 2025 United Security Providers AG, Switzerland
//  SPDX-License-Identifier: Apache-2.0

// Package naxsi is the detection engine behind the filter. It keeps the rule
// set, the ignore lists, the denied url and the operating flags of one
// configuration scope and evaluates requests against them.
//
// An instance is populated during configuration loading only. Evaluate never
// writes to it, so one instance can serve every concurrent request of its
// scope.
package naxsi

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unsafe"
)

// Allocator is the memory contract between the engine and its host. Every
// string the engine keeps from a directive is copied into memory obtained
// here, so its lifetime is the lifetime of the host's configuration
// generation.
type Allocator interface {
	Alloc(size int) ([]byte, error)
	Calloc(count, size int) ([]byte, error)
}

type Flag uint8

const (
	FlagLearning Flag = 1 << iota
	FlagEnabled
	FlagDisabled
	FlagLibInjectionSQL
	FlagLibInjectionXSS
)

var flagNames = map[Flag]string{
	FlagLearning:        "LearningMode",
	FlagEnabled:         "SecRulesEnabled",
	FlagDisabled:        "SecRulesDisabled",
	FlagLibInjectionSQL: "LibInjectionSql",
	FlagLibInjectionXSS: "LibInjectionXss",
}

func (f Flag) String() string {
	if name, ok := flagNames[f]; ok {
		return name
	}
	return fmt.Sprintf("Flag(%d)", uint8(f))
}

var ErrNoAllocator = errors.New("naxsi: no allocator")

// ValueError is returned by every entry point that rejects a directive value.
type ValueError struct {
	Value  string
	Reason string
}

func (e *ValueError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("invalid value %q", e.Value)
	}
	return fmt.Sprintf("invalid value %q: %s", e.Value, e.Reason)
}

func invalid(value, format string, args ...interface{}) *ValueError {
	return &ValueError{Value: value, Reason: fmt.Sprintf(format, args...)}
}

// Naxsi is one engine instance.
type Naxsi struct {
	flags      Flag
	rules      []*Rule
	whitelists []*Whitelist
	checks     []*CheckRule
	ignore     *ignoreSet
	deniedURL  string
}

// New creates an empty instance. The allocator is probed once so that an
// instance is never created for a generation that is already gone.
func New(mem Allocator) (*Naxsi, error) {
	if mem == nil {
		return nil, ErrNoAllocator
	}
	if _, err := mem.Alloc(0); err != nil {
		return nil, err
	}
	return &Naxsi{ignore: newIgnoreSet()}, nil
}

// IgnoreIP excludes a single client address from blocking.
func (n *Naxsi) IgnoreIP(mem Allocator, literal string) error {
	addr, err := parseIgnoreIP(literal)
	if err != nil {
		return err
	}
	kept, err := keep(mem, literal)
	if err != nil {
		return err
	}
	n.ignore.addIP(kept, addr)
	return nil
}

// IgnoreCIDR excludes an address range from blocking.
func (n *Naxsi) IgnoreCIDR(mem Allocator, literal string) error {
	prefix, err := parseIgnoreCIDR(literal)
	if err != nil {
		return err
	}
	kept, err := keep(mem, literal)
	if err != nil {
		return err
	}
	n.ignore.addCIDR(kept, prefix)
	return nil
}

// AddRule parses one MainRule or BasicRule. Rules carrying a wl: token are
// stored as whitelists.
func (n *Naxsi) AddRule(mem Allocator, kind RuleKind, args []string) error {
	kept, err := keepAll(mem, args)
	if err != nil {
		return err
	}
	rule, wl, err := parseRule(kind, kept)
	if err != nil {
		return err
	}
	if wl != nil {
		n.whitelists = append(n.whitelists, wl)
		return nil
	}
	for _, r := range n.rules {
		if r.ID == rule.ID {
			return invalid(strings.Join(args, " "), "duplicate rule id %d", rule.ID)
		}
	}
	n.rules = append(n.rules, rule)
	return nil
}

// AddCheckRule parses one CheckRule.
func (n *Naxsi) AddCheckRule(mem Allocator, args []string) error {
	kept, err := keepAll(mem, args)
	if err != nil {
		return err
	}
	check, err := parseCheckRule(kept)
	if err != nil {
		return err
	}
	n.checks = append(n.checks, check)
	return nil
}

// SetDeniedURL sets the location blocked requests are sent to.
func (n *Naxsi) SetDeniedURL(mem Allocator, args []string) error {
	if len(args) != 1 {
		return invalid(strings.Join(args, " "), "expected exactly one url")
	}
	target := args[0]
	if target == "" {
		return invalid(target, "empty url")
	}
	if !strings.HasPrefix(target, "/") {
		u, err := url.Parse(target)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return invalid(target, "must be a path or an absolute http(s) url")
		}
	}
	if strings.ContainsAny(target, " \t\r\n") {
		return invalid(target, "whitespace is not allowed")
	}
	kept, err := keep(mem, target)
	if err != nil {
		return err
	}
	n.deniedURL = kept
	return nil
}

// SetFlag turns on one operating flag. SecRulesDisabled wins over
// SecRulesEnabled regardless of their order.
func (n *Naxsi) SetFlag(flag Flag) error {
	if _, ok := flagNames[flag]; !ok {
		return invalid(flag.String(), "unknown flag")
	}
	n.flags |= flag
	return nil
}

func (n *Naxsi) HasFlag(flag Flag) bool {
	return n.flags&flag != 0
}

// Enabled reports whether requests of this scope are inspected at all.
func (n *Naxsi) Enabled() bool {
	return n.HasFlag(FlagEnabled) && !n.HasFlag(FlagDisabled)
}

func (n *Naxsi) Learning() bool {
	return n.HasFlag(FlagLearning)
}

func (n *Naxsi) DeniedURL() string {
	return n.deniedURL
}

// SharedIDs returns the rule ids declared by both instances, in the order
// of other.
func (n *Naxsi) SharedIDs(other *Naxsi) []int {
	ids := make(map[int]bool, len(n.rules))
	for _, r := range n.rules {
		ids[r.ID] = true
	}
	var shared []int
	for _, r := range other.rules {
		if ids[r.ID] {
			shared = append(shared, r.ID)
		}
	}
	return shared
}

func (n *Naxsi) Rules() []*Rule {
	return append([]*Rule(nil), n.rules...)
}

func (n *Naxsi) Whitelists() []*Whitelist {
	return append([]*Whitelist(nil), n.whitelists...)
}

func (n *Naxsi) CheckRules() []*CheckRule {
	return append([]*CheckRule(nil), n.checks...)
}

// Empty reports whether no directive ever touched the instance.
func (n *Naxsi) Empty() bool {
	return n.flags == 0 && len(n.rules) == 0 && len(n.whitelists) == 0 &&
		len(n.checks) == 0 && n.deniedURL == "" && n.ignore.empty()
}

// keep copies s into memory owned by mem.
func keep(mem Allocator, s string) (string, error) {
	if mem == nil {
		return "", ErrNoAllocator
	}
	if s == "" {
		return "", nil
	}
	buf, err := mem.Alloc(len(s))
	if err != nil {
		return "", err
	}
	copy(buf, s)
	return unsafe.String(&buf[0], len(buf)), nil
}

// keepAll copies the arguments of one directive into a single zeroed region.
func keepAll(mem Allocator, args []string) ([]string, error) {
	if mem == nil {
		return nil, ErrNoAllocator
	}
	total := 0
	for _, a := range args {
		total += len(a)
	}
	buf, err := mem.Calloc(total, 1)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(args))
	off := 0
	for i, a := range args {
		if a == "" {
			continue
		}
		n := copy(buf[off:], a)
		out[i] = unsafe.String(&buf[off], n)
		off += n
	}
	return out, nil
}
