//  Copyright © 2025 United Security Providers AG, Switzerland
//  SPDX-License-Identifier: Apache-2.0

package naxsi

import (
	"fmt"
	"strconv"
	"strings"
)

type comparison int

const (
	cmpGreaterEqual comparison = iota
	cmpGreater
	cmpLessEqual
	cmpLess
	cmpEqual
)

var comparisons = []struct {
	op  string
	cmp comparison
}{
	// two character operators first so ">=" never parses as ">"
	{">=", cmpGreaterEqual},
	{"<=", cmpLessEqual},
	{">", cmpGreater},
	{"<", cmpLess},
	{"=", cmpEqual},
}

// CheckRule turns an accumulated tag score into an action.
type CheckRule struct {
	Tag       string
	Op        string
	Threshold int
	Action    Action

	cmp comparison
}

func (c *CheckRule) String() string {
	return fmt.Sprintf("%s %s %d %s", c.Tag, c.Op, c.Threshold, c.Action)
}

// parseCheckRule accepts `"$TAG op n" ACTION` as well as the unquoted form
// where the expression is split over several arguments.
func parseCheckRule(args []string) (*CheckRule, error) {
	if len(args) < 2 {
		return nil, invalid(strings.Join(args, " "), "expected an expression and an action")
	}
	actionArg := strings.TrimSuffix(args[len(args)-1], ";")
	action, ok := parseAction(actionArg)
	if !ok {
		return nil, invalid(actionArg, "unknown action")
	}
	expr := strings.Join(strings.Fields(strings.Join(args[:len(args)-1], " ")), "")
	if !strings.HasPrefix(expr, "$") {
		return nil, invalid(expr, "expression must start with a $TAG")
	}

	for _, c := range comparisons {
		idx := strings.Index(expr, c.op)
		if idx < 0 {
			continue
		}
		tag, num := expr[:idx], expr[idx+len(c.op):]
		if !validTag(tag) {
			return nil, invalid(expr, "bad tag %q", tag)
		}
		threshold, err := strconv.Atoi(num)
		if err != nil {
			return nil, invalid(expr, "threshold %q is not a number", num)
		}
		return &CheckRule{
			Tag:       strings.ToUpper(tag),
			Op:        c.op,
			Threshold: threshold,
			Action:    action,
			cmp:       c.cmp,
		}, nil
	}
	return nil, invalid(expr, "missing comparison operator")
}

func (c *CheckRule) holds(score int) bool {
	switch c.cmp {
	case cmpGreaterEqual:
		return score >= c.Threshold
	case cmpGreater:
		return score > c.Threshold
	case cmpLessEqual:
		return score <= c.Threshold
	case cmpLess:
		return score < c.Threshold
	default:
		return score == c.Threshold
	}
}
