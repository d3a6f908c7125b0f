//  Copyright © 2025 United Security Providers AG, Switzerland
//  SPDX-License-Identifier: Apache-2.0

package naxsi

import (
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"
)

// MaxLogSize bounds every line produced by FormatLog and FormatExtensive.
const MaxLogSize = 2048

const (
	LogFormatPlain = "plain"
	LogFormatJSON  = "json"

	plainPrefix     = "NAXSI_FMT: "
	extensivePrefix = "NAXSI_EXLOG: "

	// headFloor is how far uri and server shrink before matches are dropped.
	headFloor  = 256
	maxURI     = 1024
	maxVarName = 256
)

var logJSON = jsoniter.Config{EscapeHTML: false}.Froze()

// boundedLog appends whole fields until the next one would not fit.
type boundedLog struct {
	sb   strings.Builder
	full bool
}

func (b *boundedLog) add(parts ...string) bool {
	if b.full {
		return false
	}
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	if b.sb.Len()+n > MaxLogSize {
		b.full = true
		return false
	}
	for _, p := range parts {
		b.sb.WriteString(p)
	}
	return true
}

func escapeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// cut shortens s to at most n bytes without splitting a rune.
func cut(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// cutEscaped shortens a percent-encoded string without splitting an escape.
func cutEscaped(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	if i := strings.LastIndexByte(s, '%'); i >= 0 && i >= len(s)-2 {
		s = s[:i]
	}
	return s
}

// FormatLog renders the offense line of a verdict in the given format.
func FormatLog(v *Verdict, req *Request, format string) string {
	if format == LogFormatJSON {
		return formatJSON(v, req)
	}
	return formatPlain(v, req)
}

func formatPlain(v *Verdict, req *Request) string {
	b := &boundedLog{}
	b.add(plainPrefix)
	b.add("ip=", req.ClientText())
	b.add("&server=", cut(req.Server, headFloor))
	b.add("&rid=", req.ID)
	b.add("&uri=", cutEscaped(escapeComponent(v.Path), maxURI))
	b.add("&mode=", v.Mode)
	for i, s := range v.Scores {
		if s.Value == 0 {
			continue
		}
		idx := strconv.Itoa(i)
		b.add("&cscore", idx, "=", s.Tag, "&score", idx, "=", strconv.Itoa(s.Value))
	}
	for _, m := range v.Matches {
		field := []string{"&zone=", m.ZoneName(), "&id=", strconv.Itoa(m.RuleID)}
		if m.VarName != "" {
			field = append(field, "&var_name=", cutEscaped(escapeComponent(m.VarName), maxVarName))
		}
		b.add(field...)
	}
	return b.sb.String()
}

func formatJSON(v *Verdict, req *Request) string {
	h := newLogHead(req, v.Path)
	n := len(v.Matches)
	out := renderJSON(v, h, n)
	// shrink the head to its floor, then drop matches from the tail, then
	// shrink the head to nothing
	for len(out) > MaxLogSize {
		over := len(out) - MaxLogSize
		f := longest(&h.uri, &h.server)
		switch {
		case len(*f) > headFloor:
			*f = cut(*f, max(len(*f)-over, headFloor))
		case n > 0:
			n--
		case *f != "":
			*f = cut(*f, len(*f)-over)
		default:
			return out
		}
		out = renderJSON(v, h, n)
	}
	return out
}

// logHead holds the leading fields of every JSON line.
type logHead struct {
	ip, server, rid, uri string
}

func newLogHead(req *Request, path string) logHead {
	return logHead{ip: req.ClientText(), server: req.Server, rid: req.ID, uri: path}
}

// longest returns the longest of the given fields.
func longest(fields ...*string) *string {
	l := fields[0]
	for _, f := range fields[1:] {
		if len(*f) > len(*l) {
			l = f
		}
	}
	return l
}

func renderJSON(v *Verdict, h logHead, matches int) string {
	stream := logJSON.BorrowStream(nil)
	defer logJSON.ReturnStream(stream)

	stream.WriteObjectStart()
	writeHead(stream, h)
	stream.WriteMore()
	stream.WriteObjectField("mode")
	stream.WriteString(v.Mode)

	if len(v.Scores) > 0 {
		stream.WriteMore()
		stream.WriteObjectField("score")
		stream.WriteObjectStart()
		k := 0
		for _, s := range v.Scores {
			if s.Value == 0 {
				continue
			}
			if k > 0 {
				stream.WriteMore()
			}
			stream.WriteObjectField(s.Tag)
			stream.WriteInt(s.Value)
			k++
		}
		stream.WriteObjectEnd()
	}

	if len(v.Matches) > 0 {
		stream.WriteMore()
		stream.WriteObjectField("match")
		stream.WriteArrayStart()
		for i, m := range v.Matches[:matches] {
			if i > 0 {
				stream.WriteMore()
			}
			stream.WriteObjectStart()
			stream.WriteObjectField("zone")
			stream.WriteString(m.ZoneName())
			stream.WriteMore()
			stream.WriteObjectField("id")
			stream.WriteInt(m.RuleID)
			stream.WriteMore()
			stream.WriteObjectField("var_name")
			stream.WriteString(cut(m.VarName, maxVarName))
			stream.WriteObjectEnd()
		}
		stream.WriteArrayEnd()
	}
	stream.WriteObjectEnd()
	return string(stream.Buffer())
}

func writeHead(stream *jsoniter.Stream, h logHead) {
	stream.WriteObjectField("ip")
	stream.WriteString(h.ip)
	stream.WriteMore()
	stream.WriteObjectField("server")
	stream.WriteString(h.server)
	stream.WriteMore()
	stream.WriteObjectField("rid")
	stream.WriteString(h.rid)
	stream.WriteMore()
	stream.WriteObjectField("uri")
	stream.WriteString(h.uri)
}

// FormatExtensive renders one line per match, including the matched content.
func FormatExtensive(v *Verdict, req *Request, format string) []string {
	lines := make([]string, 0, len(v.Matches))
	for _, m := range v.Matches {
		if format == LogFormatJSON {
			lines = append(lines, extensiveJSON(v, req, m))
			continue
		}
		lines = append(lines, extensivePlain(v, req, m))
	}
	return lines
}

func extensivePlain(v *Verdict, req *Request, m Match) string {
	b := &boundedLog{}
	b.add(extensivePrefix)
	b.add("ip=", req.ClientText())
	b.add("&server=", cut(req.Server, headFloor))
	b.add("&rid=", req.ID)
	b.add("&uri=", cutEscaped(escapeComponent(v.Path), maxURI))
	b.add("&id=", strconv.Itoa(m.RuleID))
	b.add("&zone=", m.ZoneName())
	if m.VarName != "" {
		b.add("&var_name=", cutEscaped(escapeComponent(m.VarName), maxVarName))
	}
	if m.Content != "" {
		b.add("&content=", escapeComponent(m.Content))
	}
	return b.sb.String()
}

func extensiveJSON(v *Verdict, req *Request, m Match) string {
	h := newLogHead(req, v.Path)
	varName, content := m.VarName, m.Content
	for {
		out := renderExtensiveJSON(h, m, varName, content)
		over := len(out) - MaxLogSize
		if over <= 0 {
			return out
		}
		f := longest(&content, &h.uri, &varName, &h.server)
		if *f == "" {
			return out
		}
		*f = cut(*f, len(*f)-over)
	}
}

func renderExtensiveJSON(h logHead, m Match, varName, content string) string {
	stream := logJSON.BorrowStream(nil)
	defer logJSON.ReturnStream(stream)

	stream.WriteObjectStart()
	writeHead(stream, h)
	stream.WriteMore()
	stream.WriteObjectField("id")
	stream.WriteInt(m.RuleID)
	stream.WriteMore()
	stream.WriteObjectField("zone")
	stream.WriteString(m.ZoneName())
	if varName != "" {
		stream.WriteMore()
		stream.WriteObjectField("var_name")
		stream.WriteString(varName)
	}
	if content != "" {
		stream.WriteMore()
		stream.WriteObjectField("content")
		stream.WriteString(content)
	}
	stream.WriteObjectEnd()
	return string(stream.Buffer())
}
