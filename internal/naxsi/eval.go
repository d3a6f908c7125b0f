//  Copyright © 2025 United Security Providers AG, Switzerland
//  SPDX-License-Identifier: Apache-2.0

package naxsi

import (
	"errors"
	"net/http"
)

// Mode names as written to the logs.
const (
	ModeLearning     = "learning"
	ModeLearningDrop = "learning-drop"
	ModeDrop         = "drop"
	ModeBlock        = "block"
	ModeIgnore       = "ignore"
	ModeAllow        = "allow"
)

var ErrNoScope = errors.New("naxsi: scope is not configured")

// Match is one rule hit that survived the whitelists.
type Match struct {
	RuleID  int
	Zone    Zone
	OnName  bool
	VarName string
	Content string
	Count   int
}

// ZoneName is the zone as written to the logs, with a |NAME suffix for
// matches on variable names.
func (m Match) ZoneName() string {
	if m.OnName {
		return m.Zone.String() + "|NAME"
	}
	return m.Zone.String()
}

// Verdict is the result of evaluating one request.
type Verdict struct {
	Mode      string
	Path      string
	Deny      bool
	Status    int
	DeniedURL string

	Learning bool
	Block    bool
	Drop     bool
	Allow    bool
	Ignore   bool
	// Log is set when the request offended a rule or check rule and must be
	// reported.
	Log bool

	Scores  []Score
	Matches []Match
}

// Score returns the accumulated score of tag.
func (v *Verdict) Score(tag string) int {
	for _, s := range v.Scores {
		if s.Tag == tag {
			return s.Value
		}
	}
	return 0
}

type evaluation struct {
	main, loc *Naxsi
	path      string
	scores    []Score
	matches   []Match
	actions   map[Action]bool
}

// Evaluate runs the rules of both scopes against req. main supplies the
// MainRules, loc supplies everything else. Evaluate only reads the scopes.
func Evaluate(main, loc *Naxsi, req *Request) (*Verdict, error) {
	if main == nil || loc == nil {
		return nil, ErrNoScope
	}
	if req == nil {
		return nil, errors.New("naxsi: nil request")
	}
	if !loc.Enabled() {
		return &Verdict{Mode: ModeAllow, Status: http.StatusOK}, nil
	}

	e := &evaluation{main: main, loc: loc, actions: map[Action]bool{}}
	p := splitRequest(req, e.wantsRawBody())
	e.path = p.path

	for _, a := range p.anomalies {
		e.apply(internalRules[a.id], a.target, 1)
	}
	for _, t := range p.targets {
		if loc.HasFlag(FlagLibInjectionSQL) {
			e.match(internalRules[ruleLibInjSQL], t)
		}
		if loc.HasFlag(FlagLibInjectionXSS) {
			e.match(internalRules[ruleLibInjXSS], t)
		}
	}
	for _, rules := range [][]*Rule{main.rules, loc.rules} {
		for _, r := range rules {
			for _, t := range p.targets {
				if r.Zone.covers(t.zone, t.name, e.path) && r.Zone.Name == t.onName {
					e.match(r, t)
				}
			}
		}
	}
	for _, c := range loc.checks {
		for _, s := range e.scores {
			if s.Tag == c.Tag && c.holds(s.Value) {
				e.actions[c.Action] = true
			}
		}
	}
	return e.verdict(req), nil
}

func (e *evaluation) wantsRawBody() bool {
	for _, rules := range [][]*Rule{e.main.rules, e.loc.rules} {
		for _, r := range rules {
			for _, z := range r.Zone.Zones {
				if z == ZoneRawBody {
					return true
				}
			}
		}
	}
	return false
}

func (e *evaluation) match(r *Rule, t target) {
	if n := r.hits(t.value); n > 0 {
		e.apply(r, t, n)
	}
}

func (e *evaluation) whitelisted(id int, t target) bool {
	for _, list := range [][]*Whitelist{e.loc.whitelists, e.main.whitelists} {
		for _, wl := range list {
			if wl.covers(id, t, e.path) {
				return true
			}
		}
	}
	return false
}

func (e *evaluation) apply(r *Rule, t target, count int) {
	if e.whitelisted(r.ID, t) {
		return
	}
	for _, s := range r.Scores {
		e.addScore(s.Tag, s.Value*count)
	}
	if r.Action != ActionNone {
		e.actions[r.Action] = true
	}
	e.matches = append(e.matches, Match{
		RuleID:  r.ID,
		Zone:    t.zone,
		OnName:  t.onName,
		VarName: t.name,
		Content: t.value,
		Count:   count,
	})
}

func (e *evaluation) addScore(tag string, value int) {
	for i := range e.scores {
		if e.scores[i].Tag == tag {
			e.scores[i].Value += value
			return
		}
	}
	e.scores = append(e.scores, Score{Tag: tag, Value: value})
}

func (e *evaluation) verdict(req *Request) *Verdict {
	v := &Verdict{
		Learning:  e.loc.Learning(),
		Block:     e.actions[ActionBlock],
		Drop:      e.actions[ActionDrop],
		Allow:     e.actions[ActionAllow],
		Scores:    e.scores,
		Matches:   e.matches,
		DeniedURL: e.loc.DeniedURL(),
		Path:      e.path,
		Status:    http.StatusOK,
	}
	v.Log = v.Block || v.Drop || e.actions[ActionLog]

	if v.Allow {
		v.Block = false
	}
	if e.loc.IsIgnored(req.Client) {
		v.Ignore = true
		v.Block, v.Drop = false, false
	}

	v.Deny = v.Drop || (v.Block && !v.Learning)
	if v.Deny {
		v.Status = http.StatusForbidden
	}
	v.Mode = mode(v)
	return v
}

func mode(v *Verdict) string {
	switch {
	case v.Learning && v.Drop:
		return ModeLearningDrop
	case v.Learning:
		return ModeLearning
	case v.Drop:
		return ModeDrop
	case v.Block:
		return ModeBlock
	case v.Ignore:
		return ModeIgnore
	default:
		return ModeAllow
	}
}
