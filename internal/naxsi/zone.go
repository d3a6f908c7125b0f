//  Copyright © 2025 United Security Providers AG, Switzerland
//  SPDX-License-Identifier: Apache-2.0

package naxsi

import (
	"regexp"
	"strings"
)

// Zone is a part of the request a rule can look at.
type Zone int

const (
	ZoneHeaders Zone = iota
	ZoneURL
	ZoneArgs
	ZoneBody
	ZoneRawBody
	ZoneFileExt
	ZoneAny
	ZoneUnknown
)

var zoneNames = [...]string{"HEADERS", "URL", "ARGS", "BODY", "RAW_BODY", "FILE_EXT", "ANY", "UNKNOWN"}

func (z Zone) String() string {
	if z < 0 || int(z) >= len(zoneNames) {
		return "UNKNOWN"
	}
	return zoneNames[z]
}

var zoneByName = map[string]Zone{
	"HEADERS":  ZoneHeaders,
	"URL":      ZoneURL,
	"ARGS":     ZoneArgs,
	"BODY":     ZoneBody,
	"RAW_BODY": ZoneRawBody,
	"FILE_EXT": ZoneFileExt,
}

var varZones = map[string]Zone{
	"$ARGS_VAR":    ZoneArgs,
	"$BODY_VAR":    ZoneBody,
	"$HEADERS_VAR": ZoneHeaders,
}

// VarTarget restricts a zone to named variables.
type VarTarget struct {
	Zone Zone
	Name string
	rx   *regexp.Regexp
}

func (v *VarTarget) matches(zone Zone, name string) bool {
	if v.Zone != zone {
		return false
	}
	if v.rx != nil {
		return v.rx.MatchString(name)
	}
	return strings.EqualFold(v.Name, name)
}

// MatchZone is the parsed form of an mz: token.
type MatchZone struct {
	Zones []Zone
	Vars  []*VarTarget
	// Name makes the rule look at variable names instead of values.
	Name  bool
	URL   string
	urlRx *regexp.Regexp
	raw   string
}

func (mz *MatchZone) String() string {
	return mz.raw
}

func parseMatchZone(value string, whitelist bool) (*MatchZone, error) {
	mz := &MatchZone{raw: value}
	if value == "" {
		return nil, invalid("mz:", "empty match zone")
	}
	for _, part := range strings.Split(value, "|") {
		switch {
		case part == "NAME":
			mz.Name = true
		case isZoneName(part):
			mz.Zones = append(mz.Zones, zoneByName[part])
		case strings.HasPrefix(part, "$URL_X:"):
			rx, err := compileCaseless(strings.TrimPrefix(part, "$URL_X:"))
			if err != nil {
				return nil, invalid(value, "bad $URL_X regexp: %v", err)
			}
			mz.urlRx = rx
			mz.URL = strings.TrimPrefix(part, "$URL_X:")
		case strings.HasPrefix(part, "$URL:"):
			mz.URL = strings.ToLower(strings.TrimPrefix(part, "$URL:"))
			if mz.URL == "" {
				return nil, invalid(value, "empty $URL")
			}
		case strings.HasPrefix(part, "$"):
			target, err := parseVarTarget(part)
			if err != nil {
				return nil, invalid(value, "%v", err)
			}
			mz.Vars = append(mz.Vars, target)
		default:
			return nil, invalid(value, "unknown match zone %q", part)
		}
	}
	if len(mz.Zones) == 0 && len(mz.Vars) == 0 && !(whitelist && mz.hasURL()) {
		return nil, invalid(value, "no zone to match")
	}
	return mz, nil
}

func isZoneName(s string) bool {
	_, ok := zoneByName[s]
	return ok
}

func parseVarTarget(part string) (*VarTarget, error) {
	key, name, ok := strings.Cut(part, ":")
	if !ok || name == "" {
		return nil, invalid(part, "missing variable name")
	}
	regex := strings.HasSuffix(key, "_X")
	zone, known := varZones[strings.TrimSuffix(key, "_X")]
	if !known {
		return nil, invalid(part, "unknown variable zone")
	}
	target := &VarTarget{Zone: zone, Name: strings.ToLower(name)}
	if regex {
		rx, err := compileCaseless(name)
		if err != nil {
			return nil, invalid(part, "bad regexp: %v", err)
		}
		target.rx = rx
	}
	return target, nil
}

func (mz *MatchZone) hasURL() bool {
	return mz.URL != "" || mz.urlRx != nil
}

func (mz *MatchZone) urlMatches(path string) bool {
	switch {
	case mz.urlRx != nil:
		return mz.urlRx.MatchString(path)
	case mz.URL != "":
		return strings.EqualFold(mz.URL, path)
	}
	return true
}

// covers reports whether a value found in zone under name is inside the
// match zone. A $URL restriction applies on top of the zones.
func (mz *MatchZone) covers(zone Zone, name, path string) bool {
	if !mz.urlMatches(path) {
		return false
	}
	if len(mz.Zones) == 0 && len(mz.Vars) == 0 {
		return true
	}
	for _, z := range mz.Zones {
		if z == zone {
			return true
		}
	}
	for _, v := range mz.Vars {
		if v.matches(zone, name) {
			return true
		}
	}
	return false
}

func compileCaseless(expr string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)" + expr)
}
