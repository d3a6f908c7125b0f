//  Copyright © 2025 United Security Providers AG, Switzerland
//  SPDX-License-Identifier: Apache-2.0

package filter

import (
	"fmt"
	"net/http"

	"naxsi-waf/internal/config"
	"naxsi-waf/internal/naxsi"
)

const DeniedURLHeader = "x-naxsi-denied-url"

// Outcome is what the hook tells the host.
type Outcome int

const (
	Pass Outcome = iota
	Deny
)

func (o Outcome) String() string {
	if o == Pass {
		return "pass"
	}
	return "deny"
}

// Decision is the result of inspecting one request. Verdict is nil when the
// engine could not run, in which case Err says why.
type Decision struct {
	Outcome Outcome
	Status  int
	Headers map[string][]string
	Verdict *naxsi.Verdict
	Err     error
}

func failClosed(err error) Decision {
	return Decision{
		Outcome: Deny,
		Status:  http.StatusForbidden,
		Headers: map[string][]string{},
		Err:     err,
	}
}

// Decide evaluates req against the scopes of c. Every failure denies.
func Decide(c *config.Configuration, req *naxsi.Request) Decision {
	main, location, err := c.Scopes()
	if err != nil {
		return failClosed(fmt.Errorf("naxsi: configuration unavailable: %w", err))
	}
	verdict, err := naxsi.Evaluate(main, location, req)
	if err != nil {
		return failClosed(fmt.Errorf("naxsi: evaluation failed: %w", err))
	}
	if !verdict.Deny {
		return Decision{Outcome: Pass, Status: verdict.Status, Verdict: verdict}
	}
	d := Decision{
		Outcome: Deny,
		Status:  verdict.Status,
		Headers: map[string][]string{},
		Verdict: verdict,
	}
	if d.Status == 0 {
		d.Status = http.StatusForbidden
	}
	if verdict.DeniedURL != "" {
		d.Headers[DeniedURLHeader] = []string{verdict.DeniedURL}
	}
	return d
}
