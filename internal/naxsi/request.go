//  Copyright © 2025 United Security Providers AG, Switzerland
//  SPDX-License-Identifier: Apache-2.0

package naxsi

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/netip"
	"net/url"
	"sort"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// Pair is one header, argument or body variable.
type Pair struct {
	Name  string
	Value string
}

// Request is the part of an HTTP request the engine inspects. It is built by
// the host once per request and never shared.
type Request struct {
	ID     string
	Method string
	// URI is the raw request target including the query string.
	URI     string
	Server  string
	Client  netip.Addr
	Headers []Pair
	Body    []byte
}

// Header returns the first value of the named header.
func (r *Request) Header(name string) string {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// ClientText is the client address as written to the logs.
func (r *Request) ClientText() string {
	if !r.Client.IsValid() {
		return ""
	}
	return r.Client.String()
}

// target is one value the rules look at.
type target struct {
	zone   Zone
	name   string
	value  string
	onName bool
}

const (
	ruleBadEncoding    = 10
	ruleBadContentType = 11
	ruleBadMultipart   = 14
	ruleBadJSON        = 15
	ruleLibInjSQL      = 17
	ruleLibInjXSS      = 18
)

var internalRules = map[int]*Rule{
	ruleBadEncoding:    {ID: ruleBadEncoding, Kind: KindInternal, Msg: "invalid hex encoding", Action: ActionBlock},
	ruleBadContentType: {ID: ruleBadContentType, Kind: KindInternal, Msg: "unknown content-type", Action: ActionBlock},
	ruleBadMultipart:   {ID: ruleBadMultipart, Kind: KindInternal, Msg: "invalid multipart body", Action: ActionBlock},
	ruleBadJSON:        {ID: ruleBadJSON, Kind: KindInternal, Msg: "invalid JSON", Action: ActionBlock},
	ruleLibInjSQL: {
		ID: ruleLibInjSQL, Kind: KindInternal, Msg: "libinjection_sql", matcher: matchSQLi,
		Scores: []Score{{Tag: "$LIBINJECTION_SQL", Value: 8}},
	},
	ruleLibInjXSS: {
		ID: ruleLibInjXSS, Kind: KindInternal, Msg: "libinjection_xss", matcher: matchXSS,
		Scores: []Score{{Tag: "$LIBINJECTION_XSS", Value: 8}},
	},
}

// anomaly is an internal rule raised while splitting the request.
type anomaly struct {
	id int
	target
}

// parsed is the request split into zones.
type parsed struct {
	path      string
	targets   []target
	anomalies []anomaly
}

func splitRequest(req *Request, rawBody bool) *parsed {
	p := &parsed{}
	rawPath, query, _ := strings.Cut(req.URI, "?")

	decodedPath, err := url.PathUnescape(rawPath)
	if err != nil {
		p.anomalies = append(p.anomalies, anomaly{ruleBadEncoding, target{zone: ZoneURL, value: rawPath}})
		decodedPath = rawPath
	}
	p.path = decodedPath
	p.targets = append(p.targets, target{zone: ZoneURL, value: decodedPath})

	p.addPairs(ZoneArgs, query)

	for _, h := range req.Headers {
		name := strings.ToLower(h.Name)
		p.targets = append(p.targets,
			target{zone: ZoneHeaders, name: name, value: h.Value},
			target{zone: ZoneHeaders, name: name, value: name, onName: true})
	}

	if len(req.Body) > 0 {
		p.splitBody(req, rawBody)
	}
	return p
}

// addPairs splits an urlencoded string into zone variables.
func (p *parsed) addPairs(zone Zone, encoded string) {
	if encoded == "" {
		return
	}
	for _, pair := range strings.Split(encoded, "&") {
		if pair == "" {
			continue
		}
		rawName, rawValue, _ := strings.Cut(pair, "=")
		name, errName := url.QueryUnescape(rawName)
		value, errValue := url.QueryUnescape(rawValue)
		if errName != nil || errValue != nil {
			p.anomalies = append(p.anomalies, anomaly{ruleBadEncoding, target{zone: zone, name: rawName, value: rawValue}})
			name, value = rawName, rawValue
		}
		p.add(zone, name, value)
	}
}

func (p *parsed) add(zone Zone, name, value string) {
	lower := strings.ToLower(name)
	p.targets = append(p.targets, target{zone: zone, name: lower, value: value})
	if name != "" {
		p.targets = append(p.targets, target{zone: zone, name: lower, value: name, onName: true})
	}
}

func (p *parsed) splitBody(req *Request, rawBody bool) {
	mediaType, params, err := mime.ParseMediaType(req.Header("content-type"))
	if err != nil {
		mediaType = ""
	}
	switch {
	case mediaType == "application/x-www-form-urlencoded":
		p.addPairs(ZoneBody, string(req.Body))
	case mediaType == "multipart/form-data":
		if err := p.splitMultipart(req.Body, params["boundary"]); err != nil {
			p.anomalies = append(p.anomalies, anomaly{ruleBadMultipart, target{zone: ZoneBody}})
		}
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		if err := p.splitJSON(req.Body); err != nil {
			p.anomalies = append(p.anomalies, anomaly{ruleBadJSON, target{zone: ZoneBody}})
		}
	case rawBody:
		p.targets = append(p.targets, target{zone: ZoneRawBody, value: string(req.Body)})
	default:
		p.anomalies = append(p.anomalies, anomaly{ruleBadContentType, target{zone: ZoneBody, value: mediaType}})
	}
}

func (p *parsed) splitMultipart(body []byte, boundary string) error {
	if boundary == "" {
		return errors.New("missing boundary")
	}
	reader := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		content, err := io.ReadAll(part)
		if err != nil {
			return err
		}
		name := part.FormName()
		if file := part.FileName(); file != "" {
			p.targets = append(p.targets, target{zone: ZoneFileExt, name: strings.ToLower(name), value: file})
			continue
		}
		p.add(ZoneBody, name, string(content))
	}
}

// splitJSON flattens a JSON document into body variables named after their
// closest object key.
func (p *parsed) splitJSON(body []byte) error {
	var doc interface{}
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("%w: %v", errBadJSON, err)
	}
	p.walkJSON("", doc)
	return nil
}

var errBadJSON = errors.New("invalid json body")

func (p *parsed) walkJSON(name string, v interface{}) {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			p.walkJSON(k, t[k])
		}
	case []interface{}:
		for _, item := range t {
			p.walkJSON(name, item)
		}
	case string:
		p.add(ZoneBody, name, t)
	case float64:
		p.add(ZoneBody, name, strconv.FormatFloat(t, 'f', -1, 64))
	case bool:
		p.add(ZoneBody, name, strconv.FormatBool(t))
	case nil:
		p.add(ZoneBody, name, "")
	}
}
