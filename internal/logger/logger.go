//  Copyright © 2023 Axkea, spacewander
//  Copyright © 2025 United Security Providers AG, Switzerland
//  SPDX-License-Identifier: Apache-2.0

package logger

import (
	"fmt"
	"strconv"

	jsoniter "github.com/json-iterator/go"
)

const (
	FormatPlain = "plain"
	FormatJSON  = "json"
)

// KV is a single key value pair of a log line.
type KV struct{ K, V string }

// BuildLoggerMessage creates a new logger with the specified configuration
// logformat can be "plain" or "json"
func BuildLoggerMessage(logformat string) *BasicLogMessage {
	return &BasicLogMessage{format: logformat}
}

type LogMessageBuilder interface {
	msg(msg string) LogMessageBuilder
	str(key, val string) LogMessageBuilder
	err(err error) LogMessageBuilder
	output() string
}

// BasicLogMessage renders log lines. It keeps no state between calls to Log,
// so one instance can be shared by every stream of a configuration.
type BasicLogMessage struct {
	format string
}

func (l *BasicLogMessage) Format() string {
	return l.format
}

// Log renders parts into one line. A string part is the message, KV and
// struct{ K, V string } parts are fields, error parts end up in "error".
func (l *BasicLogMessage) Log(parts ...interface{}) string {
	var b LogMessageBuilder = newMessage(l.format)
	for _, part := range parts {
		switch p := part.(type) {
		case nil:
		case string:
			b = b.msg(p)
		case KV:
			b = b.str(p.K, p.V)
		case struct{ K, V string }:
			b = b.str(p.K, p.V)
		case error:
			b = b.err(p)
		case fmt.Stringer:
			b = b.msg(p.String())
		default:
			b = b.msg(fmt.Sprint(p))
		}
	}
	return b.output()
}

type message struct {
	buff   []byte                 // buffer for plaintext output
	data   map[string]interface{} // data for json output
	format string
}

func newMessage(format string) *message {
	return &message{data: make(map[string]interface{}), format: format}
}

func (d *message) sep() {
	if len(d.buff) > 0 {
		d.buff = append(d.buff, ' ')
	}
}

func (d *message) msg(msg string) LogMessageBuilder {
	d.sep()
	d.buff = append(d.buff, "msg="...)
	d.buff = append(d.buff, strconv.Quote(msg)...)
	if prev, ok := d.data["msg"].(string); ok {
		msg = prev + " " + msg
	}
	d.data["msg"] = msg
	return d
}

func (d *message) str(key, val string) LogMessageBuilder {
	d.sep()
	d.buff = append(d.buff, key...)
	d.buff = append(d.buff, '=')
	d.buff = append(d.buff, strconv.Quote(val)...)
	d.data[key] = val
	return d
}

func (d *message) err(err error) LogMessageBuilder {
	if err == nil {
		return d
	}
	d.sep()
	d.buff = append(d.buff, "error="...)
	d.buff = append(d.buff, strconv.Quote(err.Error())...)
	d.data["error"] = err.Error()
	return d
}

// output returns the log message in the configured format
func (d *message) output() string {
	if d.format == FormatJSON {
		jsonData, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(d.data)
		if err != nil {
			return "error marshaling to JSON"
		}
		return string(jsonData)
	}
	return string(d.buff)
}
