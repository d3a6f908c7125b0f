//  Copyright © 2023 Axkea, spacewander
//  Copyright © 2025 United Security Providers AG, Switzerland
//  SPDX-License-Identifier: Apache-2.0

package filter

import (
	"strconv"

	"github.com/envoyproxy/envoy/contrib/golang/common/go/api"

	"naxsi-waf/internal/config"
	"naxsi-waf/internal/logger"
	"naxsi-waf/internal/naxsi"
)

const localReplyDetails = "naxsi_denied"

// Filter is the request-inspection hook. One instance serves one stream.
type Filter struct {
	api.PassThroughStreamFilter

	Callbacks api.FilterCallbackHandler
	Config    config.Configuration
	Logger    *logger.BasicLogMessage

	req     *naxsi.Request
	decided bool
}

func (f *Filter) DecodeHeaders(headerMap api.RequestHeaderMap, endStream bool) api.StatusType {
	f.Config.Metrics.Request()
	_, location, err := f.Config.Scopes()
	if err != nil {
		return f.finish(PhaseRequestHeader, failClosed(err))
	}
	if !location.Enabled() {
		f.decided = true
		return api.Continue
	}
	f.req = buildRequest(headerMap, f.Callbacks.StreamInfo().DownstreamRemoteAddress(), &f.Config)
	d := Decide(&f.Config, f.req)
	if endStream || d.Outcome == Deny {
		return f.finish(PhaseRequestHeader, d)
	}
	f.logDebug("Buffering request body", struct{ K, V string }{"rid", f.req.ID})
	return api.StopAndBuffer
}

func (f *Filter) DecodeData(buffer api.BufferInstance, endStream bool) api.StatusType {
	if f.decided {
		return api.Continue
	}
	if f.req == nil {
		// headers were never seen, there is nothing to inspect against
		return f.finish(PhaseRequestBody, failClosed(naxsi.ErrNoScope))
	}
	// the buffer holds everything received so far
	f.req.Body = append(f.req.Body[:0], buffer.Bytes()...)
	if !endStream {
		return api.StopAndBuffer
	}
	f.logTrace("Inspecting request body", struct{ K, V string }{"size", strconv.Itoa(len(f.req.Body))})
	return f.finish(PhaseRequestBody, Decide(&f.Config, f.req))
}

// DecodeTrailers ends a stream whose last data frame did not.
func (f *Filter) DecodeTrailers(trailerMap api.RequestTrailerMap) api.StatusType {
	if f.decided {
		return api.Continue
	}
	if f.req == nil {
		return f.finish(PhaseRequestTrailer, failClosed(naxsi.ErrNoScope))
	}
	f.logTrace("Inspecting request body", struct{ K, V string }{"size", strconv.Itoa(len(f.req.Body))})
	return f.finish(PhaseRequestTrailer, Decide(&f.Config, f.req))
}

func (f *Filter) OnDestroy(reason api.DestroyReason) {
	f.req = nil
}

// finish reports a decision and turns it into a filter status.
func (f *Filter) finish(p phase, d Decision) api.StatusType {
	f.decided = true
	if d.Err != nil {
		f.Config.Metrics.Error()
		f.logError("Inspection failed, denying request",
			struct{ K, V string }{"phase", p.String()}, d.Err)
	}
	if v := d.Verdict; v != nil {
		f.report(v)
	}
	if d.Outcome == Pass {
		return api.Continue
	}
	f.Config.Metrics.Deny()
	f.logInfo("Request denied",
		struct{ K, V string }{"phase", p.String()},
		struct{ K, V string }{"status", strconv.Itoa(d.Status)},
		struct{ K, V string }{"rid", f.requestID()})
	f.Callbacks.DecoderFilterCallbacks().SendLocalReply(d.Status, "", d.Headers, 0, localReplyDetails)
	return api.LocalReply
}

// report writes the naxsi log lines of an offending request.
func (f *Filter) report(v *naxsi.Verdict) {
	if v.Ignore {
		f.Config.Metrics.IgnoreHit()
	}
	if !v.Log {
		return
	}
	if v.Learning {
		f.Config.Metrics.LearningHit()
	}
	f.Callbacks.Log(api.Error, naxsi.FormatLog(v, f.req, f.Config.LogFormat))
	if f.Config.ExtensiveLog {
		for _, line := range naxsi.FormatExtensive(v, f.req, f.Config.LogFormat) {
			f.Callbacks.Log(api.Error, line)
		}
	}
}

func (f *Filter) requestID() string {
	if f.req == nil {
		return ""
	}
	return f.req.ID
}

/* helpers for easy logging */
func (f *Filter) logTrace(parts ...interface{}) {
	f.Callbacks.Log(api.Trace, f.Logger.Log(parts...))
}
func (f *Filter) logDebug(parts ...interface{}) {
	f.Callbacks.Log(api.Debug, f.Logger.Log(parts...))
}
func (f *Filter) logInfo(parts ...interface{}) {
	f.Callbacks.Log(api.Info, f.Logger.Log(parts...))
}
func (f *Filter) logError(parts ...interface{}) {
	f.Callbacks.Log(api.Error, f.Logger.Log(parts...))
}
