//  Copyright © 2025 United Security Providers AG, Switzerland
//  SPDX-License-Identifier: Apache-2.0

package naxsi

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/corazawaf/libinjection-go"
)

type RuleKind int

const (
	KindMain RuleKind = iota
	KindBasic
	KindInternal
)

func (k RuleKind) String() string {
	switch k {
	case KindMain:
		return "MainRule"
	case KindBasic:
		return "BasicRule"
	default:
		return "internal"
	}
}

// Action is the direct consequence of a rule or a check rule.
type Action int

const (
	ActionNone Action = iota
	ActionLog
	ActionAllow
	ActionBlock
	ActionDrop
)

var actionNames = map[string]Action{
	"LOG":   ActionLog,
	"ALLOW": ActionAllow,
	"BLOCK": ActionBlock,
	"DROP":  ActionDrop,
}

func (a Action) String() string {
	for name, v := range actionNames {
		if v == a {
			return name
		}
	}
	return "NONE"
}

func parseAction(s string) (Action, bool) {
	a, ok := actionNames[strings.ToUpper(s)]
	return a, ok
}

type matcherKind int

const (
	matchString matcherKind = iota
	matchRegexp
	matchSQLi
	matchXSS
)

// Score is one $TAG:n pair of an s: token.
type Score struct {
	Tag   string
	Value int
}

// Rule is a parsed MainRule or BasicRule.
type Rule struct {
	ID       int
	Kind     RuleKind
	Msg      string
	Pattern  string
	Negative bool
	Zone     *MatchZone
	Scores   []Score
	Action   Action

	matcher matcherKind
	rx      *regexp.Regexp
}

// Whitelist disables rule ids, optionally only inside a match zone.
type Whitelist struct {
	IDs  []int
	Zone *MatchZone
}

func (w *Whitelist) String() string {
	ids := make([]string, len(w.IDs))
	for i, id := range w.IDs {
		ids[i] = strconv.Itoa(id)
	}
	if w.Zone == nil {
		return "wl:" + strings.Join(ids, ",")
	}
	return fmt.Sprintf("wl:%s mz:%s", strings.Join(ids, ","), w.Zone)
}

// covers reports whether the whitelist disables rule id for a match found in
// zone under name. Matches on a variable name are only covered by a NAME
// whitelist.
func (w *Whitelist) covers(id int, t target, path string) bool {
	if !w.coversID(id) {
		return false
	}
	mz := w.Zone
	if mz == nil {
		return true
	}
	if (len(mz.Zones) > 0 || len(mz.Vars) > 0) && mz.Name != t.onName {
		return false
	}
	return mz.covers(t.zone, t.name, path)
}

func (w *Whitelist) coversID(id int) bool {
	negated := false
	for _, wl := range w.IDs {
		switch {
		case wl == 0:
			return true
		case wl == id:
			return true
		case wl < 0:
			negated = true
			if -wl == id {
				return false
			}
		}
	}
	// a list of only negative ids whitelists everything else
	return negated && id >= 1000
}

func parseRule(kind RuleKind, args []string) (*Rule, *Whitelist, error) {
	rule := &Rule{Kind: kind, ID: -1}
	var (
		wl        *Whitelist
		hasMatch  bool
		zoneValue string
		hasZone   bool
	)
	for _, arg := range args {
		key, value, found := strings.Cut(arg, ":")
		if !found {
			if arg == "negative" {
				rule.Negative = true
				continue
			}
			return nil, nil, invalid(arg, "unknown rule token")
		}
		switch key {
		case "str":
			if hasMatch {
				return nil, nil, invalid(arg, "rule already has a matcher")
			}
			if value == "" {
				return nil, nil, invalid(arg, "empty string matcher")
			}
			rule.matcher, rule.Pattern, hasMatch = matchString, strings.ToLower(value), true
		case "rx":
			if hasMatch {
				return nil, nil, invalid(arg, "rule already has a matcher")
			}
			rx, err := compileCaseless(value)
			if err != nil {
				return nil, nil, invalid(arg, "bad regexp: %v", err)
			}
			rule.matcher, rule.Pattern, rule.rx, hasMatch = matchRegexp, value, rx, true
		case "d":
			if hasMatch {
				return nil, nil, invalid(arg, "rule already has a matcher")
			}
			switch value {
			case "libinj_sql":
				rule.matcher = matchSQLi
			case "libinj_xss":
				rule.matcher = matchXSS
			default:
				return nil, nil, invalid(arg, "unknown detector")
			}
			rule.Pattern, hasMatch = value, true
		case "msg":
			rule.Msg = value
		case "mz":
			zoneValue, hasZone = value, true
		case "s":
			if err := parseScore(rule, value); err != nil {
				return nil, nil, err
			}
		case "id":
			id, err := strconv.Atoi(value)
			if err != nil || id <= 0 {
				return nil, nil, invalid(arg, "id must be a positive integer")
			}
			rule.ID = id
		case "wl":
			ids, err := parseWhitelistIDs(value)
			if err != nil {
				return nil, nil, err
			}
			wl = &Whitelist{IDs: ids}
		default:
			return nil, nil, invalid(arg, "unknown rule token")
		}
	}

	if wl != nil {
		if hasMatch {
			return nil, nil, invalid(strings.Join(args, " "), "whitelist cannot carry a matcher")
		}
		if hasZone {
			mz, err := parseMatchZone(zoneValue, true)
			if err != nil {
				return nil, nil, err
			}
			wl.Zone = mz
		}
		return nil, wl, nil
	}

	if !hasMatch {
		return nil, nil, invalid(strings.Join(args, " "), "missing str:, rx: or d: matcher")
	}
	if rule.ID < 0 {
		return nil, nil, invalid(strings.Join(args, " "), "missing id:")
	}
	if !hasZone {
		return nil, nil, invalid(strings.Join(args, " "), "missing mz:")
	}
	if len(rule.Scores) == 0 && rule.Action == ActionNone {
		return nil, nil, invalid(strings.Join(args, " "), "missing s:")
	}
	mz, err := parseMatchZone(zoneValue, false)
	if err != nil {
		return nil, nil, err
	}
	rule.Zone = mz
	return rule, nil, nil
}

func parseScore(rule *Rule, value string) error {
	if value == "" {
		return invalid("s:", "empty score")
	}
	for _, part := range strings.Split(value, ",") {
		if action, ok := parseAction(part); ok {
			rule.Action = action
			continue
		}
		tag, n, found := strings.Cut(part, ":")
		if !found || !validTag(tag) {
			return invalid("s:"+value, "score must be $TAG:n or an action")
		}
		v, err := strconv.Atoi(n)
		if err != nil {
			return invalid("s:"+value, "score value %q is not a number", n)
		}
		rule.Scores = append(rule.Scores, Score{Tag: strings.ToUpper(tag), Value: v})
	}
	return nil
}

func parseWhitelistIDs(value string) ([]int, error) {
	if value == "" {
		return nil, invalid("wl:", "empty whitelist")
	}
	var ids []int
	for _, part := range strings.Split(value, ",") {
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, invalid("wl:"+value, "%q is not a rule id", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func validTag(tag string) bool {
	if len(tag) < 2 || tag[0] != '$' {
		return false
	}
	for _, c := range tag[1:] {
		if !(c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_') {
			return false
		}
	}
	return true
}

// hits counts how often the rule matches s. Negative rules hit once when the
// pattern is absent.
func (r *Rule) hits(s string) int {
	var n int
	switch r.matcher {
	case matchString:
		n = strings.Count(strings.ToLower(s), r.Pattern)
	case matchRegexp:
		n = len(r.rx.FindAllStringIndex(s, -1))
	case matchSQLi:
		if found, _ := libinjection.IsSQLi(s); found {
			n = 1
		}
	case matchXSS:
		if libinjection.IsXSS(s) {
			n = 1
		}
	}
	if r.Negative {
		if n == 0 {
			return 1
		}
		return 0
	}
	return n
}

func (r *Rule) String() string {
	return fmt.Sprintf("%s id:%d %q mz:%s", r.Kind, r.ID, r.Msg, r.Zone)
}
