//  Copyright © 2025 United Security Providers AG, Switzerland
//  SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"

	"github.com/envoyproxy/envoy/contrib/golang/common/go/api"

	"naxsi-waf/internal/logger"
)

const metricPrefix = "naxsi_waf_"

// Counter is the part of an Envoy counter the filter uses.
type Counter interface {
	Increment(offset int64)
}

// Metrics are the per-generation counters. Every method is safe on a nil
// receiver and on missing counters.
type Metrics struct {
	Requests Counter
	Denied   Counter
	Learning Counter
	Ignored  Counter
	Errors   Counter
}

func newMetrics(callbacks api.ConfigCallbackHandler) *Metrics {
	if callbacks == nil {
		return &Metrics{}
	}
	return &Metrics{
		Requests: callbacks.DefineCounterMetric(metricPrefix + "requests_total"),
		Denied:   callbacks.DefineCounterMetric(metricPrefix + "denied_total"),
		Learning: callbacks.DefineCounterMetric(metricPrefix + "learning_total"),
		Ignored:  callbacks.DefineCounterMetric(metricPrefix + "ignored_total"),
		Errors:   callbacks.DefineCounterMetric(metricPrefix + "errors_total"),
	}
}

func inc(c Counter) {
	if c != nil {
		c.Increment(1)
	}
}

func (m *Metrics) Request() {
	if m != nil {
		inc(m.Requests)
	}
}

func (m *Metrics) Deny() {
	if m != nil {
		inc(m.Denied)
	}
}

func (m *Metrics) LearningHit() {
	if m != nil {
		inc(m.Learning)
	}
}

func (m *Metrics) IgnoreHit() {
	if m != nil {
		inc(m.Ignored)
	}
}

func (m *Metrics) Error() {
	if m != nil {
		inc(m.Errors)
	}
}

// postConfiguration runs once all directives of a generation are processed.
// It checks that both engine instances resolve and wires the counters the
// inspection hook reports to.
func postConfiguration(c *Configuration, callbacks api.ConfigCallbackHandler) error {
	main, location, err := c.Scopes()
	if err != nil {
		return fmt.Errorf("naxsi: post configuration: %w", err)
	}
	if main == nil || location == nil {
		return fmt.Errorf("naxsi: post configuration: missing engine instance")
	}
	c.Metrics = newMetrics(callbacks)
	LogSink(api.Info, logger.BuildLoggerMessage(c.LogFormat).Log("Configuration loaded",
		logger.KV{K: "generation", V: c.arena.Name()},
		logger.KV{K: "main_rules", V: fmt.Sprint(len(main.Rules()))},
		logger.KV{K: "location_rules", V: fmt.Sprint(len(location.Rules()))},
		logger.KV{K: "enabled", V: fmt.Sprint(location.Enabled())}))
	return nil
}
