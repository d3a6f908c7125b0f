//  Copyright © 2023 Axkea, spacewander
//  Copyright © 2025 United Security Providers AG, Switzerland
//  SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	xds "github.com/cncf/xds/go/xds/type/v3"
	"github.com/envoyproxy/envoy/contrib/golang/common/go/api"
	"google.golang.org/protobuf/types/known/anypb"

	"naxsi-waf/internal/arena"
	"naxsi-waf/internal/directive"
	"naxsi-waf/internal/logger"
	"naxsi-waf/internal/naxsi"
)

const DefaultRequestIDHeader = "x-request-id"

// Keys of the filter's TypedStruct value.
const (
	keyMain            = "main"
	keyLocation        = "location"
	keyLogFormat       = "log_format"
	keyExtensiveLog    = "extensive_log"
	keyRequestIDHeader = "request_id_header"
	keyTrustForwarded  = "trust_forwarded_for"
)

var knownKeys = map[string]bool{
	keyMain:            true,
	keyLocation:        true,
	keyLogFormat:       true,
	keyExtensiveLog:    true,
	keyRequestIDHeader: true,
	keyTrustForwarded:  true,
}

var generation atomic.Uint64

// LogSink receives the log lines written while loading configurations. The
// plugin wires it to Envoy's logger, the CLI to zap.
var LogSink = func(level api.LogType, msg string) {}

type Parser struct {
	// Loader reads include files. Nil means os.ReadFile.
	Loader directive.Loader
	// BaseDir resolves relative include paths.
	BaseDir string
}

// Configuration is one loaded filter configuration. Parsed configurations own
// the arena every engine instance lives in; merged configurations only
// borrow handles from their parents.
type Configuration struct {
	arena            *arena.Arena
	Main             arena.Handle[*naxsi.Naxsi]
	Location         arena.Handle[*naxsi.Naxsi]
	locationDeclared bool

	LogFormat       string
	ExtensiveLog    bool
	RequestIDHeader string
	// TrustForwardedFor takes the client address from the first
	// X-Forwarded-For hop instead of the downstream peer.
	TrustForwardedFor bool
	Metrics           *Metrics
}

// Scopes resolves both engine instances. It fails once the generation the
// configuration belongs to has been released.
func (c *Configuration) Scopes() (main, location *naxsi.Naxsi, err error) {
	if c == nil {
		return nil, nil, errors.New("config: nil configuration")
	}
	if main, err = c.Main.Get(); err != nil {
		return nil, nil, err
	}
	if location, err = c.Location.Get(); err != nil {
		return nil, nil, err
	}
	return main, location, nil
}

// Owned reports whether the configuration owns its arena.
func (c *Configuration) Owned() bool {
	return c.arena != nil
}

// Destroy releases the arena of a parsed configuration. Merged configurations
// own nothing, so Destroy is a no-op for them.
func (c *Configuration) Destroy() {
	if c.arena == nil {
		return
	}
	c.arena.Release()
}

func (p Parser) Parse(any *anypb.Any, callbacks api.ConfigCallbackHandler) (interface{}, error) {
	configStruct := &xds.TypedStruct{}
	if err := any.UnmarshalTo(configStruct); err != nil {
		return nil, err
	}
	var values map[string]interface{}
	if configStruct.Value != nil {
		values = configStruct.Value.AsMap()
	}
	config, err := p.Load(values)
	if err != nil {
		return nil, err
	}
	if err := postConfiguration(config, callbacks); err != nil {
		config.Destroy()
		return nil, err
	}
	return config, nil
}

// Load builds a configuration from the decoded TypedStruct value. Any error
// releases everything allocated so far.
func (p Parser) Load(values map[string]interface{}) (*Configuration, error) {
	if err := checkKeys(values); err != nil {
		return nil, err
	}
	a := arena.New(fmt.Sprintf("generation-%d", generation.Add(1)))
	config, err := p.load(a, values)
	if err != nil {
		a.Release()
		return nil, err
	}
	msg := logger.BuildLoggerMessage(config.LogFormat)
	if err := a.OnRelease(func() {
		LogSink(api.Debug, msg.Log("Released configuration generation", logger.KV{K: "generation", V: a.Name()}))
	}); err != nil {
		return nil, err
	}
	stats := a.Stats()
	LogSink(api.Debug, msg.Log("Loaded configuration generation",
		logger.KV{K: "generation", V: a.Name()},
		logger.KV{K: "blocks", V: strconv.Itoa(stats.Blocks + stats.Large)},
		logger.KV{K: "bytes", V: strconv.Itoa(stats.Bytes)},
		logger.KV{K: "objects", V: strconv.Itoa(stats.Objects)}))
	return config, nil
}

func (p Parser) load(a *arena.Arena, values map[string]interface{}) (*Configuration, error) {
	config := &Configuration{arena: a, RequestIDHeader: DefaultRequestIDHeader}

	var err error
	if config.Main, err = newScope(a, ScopeMain); err != nil {
		return nil, err
	}
	if config.Location, err = newScope(a, ScopeLocation); err != nil {
		return nil, err
	}

	mainText, err := stringValue(values, keyMain)
	if err != nil {
		return nil, err
	}
	if _, err := p.apply(a, ScopeMain, config.Main, mainText); err != nil {
		return nil, err
	}
	locationText, err := stringValue(values, keyLocation)
	if err != nil {
		return nil, err
	}
	if config.locationDeclared, err = p.apply(a, ScopeLocation, config.Location, locationText); err != nil {
		return nil, err
	}
	if ids := sharedIDs(config.Main, config.Location); len(ids) > 0 {
		return nil, fmt.Errorf("naxsi: rule id %d is declared in both main and location scopes", ids[0])
	}

	// read log format
	if raw, ok := values[keyLogFormat]; ok {
		logFormatString, isString := raw.(string)
		format := strings.ToLower(logFormatString)
		if !isString || (format != logger.FormatJSON && format != logger.FormatPlain) {
			return nil, errors.New("Invalid log_format. Only 'json' and 'plain' is supported")
		}
		config.LogFormat = format
	} else {
		config.LogFormat = logger.FormatPlain
		LogSink(api.Debug, logger.BuildLoggerMessage(config.LogFormat).Log("No log_format provided. Using default 'plain'"))
	}

	if raw, ok := values[keyExtensiveLog]; ok {
		extensive, isBool := raw.(bool)
		if !isBool {
			return nil, fmt.Errorf("%s must be a boolean", keyExtensiveLog)
		}
		config.ExtensiveLog = extensive
	}

	if raw, ok := values[keyRequestIDHeader]; ok {
		header, isString := raw.(string)
		if !isString || strings.TrimSpace(header) == "" {
			return nil, fmt.Errorf("%s must be a non-empty string", keyRequestIDHeader)
		}
		config.RequestIDHeader = strings.ToLower(header)
	}

	if raw, ok := values[keyTrustForwarded]; ok {
		trust, isBool := raw.(bool)
		if !isBool {
			return nil, fmt.Errorf("%s must be a boolean", keyTrustForwarded)
		}
		config.TrustForwardedFor = trust
	}
	return config, nil
}

// apply runs the directives of one scope. It reports whether the scope
// declared any directive at all.
func (p Parser) apply(a *arena.Arena, scope Scope, handle arena.Handle[*naxsi.Naxsi], text string) (bool, error) {
	if strings.TrimSpace(text) == "" {
		return false, nil
	}
	opts := []directive.Option{directive.WithBaseDir(p.BaseDir)}
	if p.Loader != nil {
		opts = append(opts, directive.WithLoader(p.Loader))
	}
	directives, err := directive.Parse(scope.String(), text, opts...)
	if err != nil {
		return false, err
	}
	conf := &scopeConf{arena: a, scope: scope, engine: handle}
	if err := directive.Dispatch(commands, scope.mask(), conf, directives); err != nil {
		return false, err
	}
	return len(directives) > 0, nil
}

func (p Parser) Merge(parentConfig interface{}, childConfig interface{}) interface{} {
	parent, ok := parentConfig.(*Configuration)
	if !ok {
		panic("unexpected parent config type")
	}
	child, ok := childConfig.(*Configuration)
	if !ok {
		panic("unexpected child config type")
	}
	return Merge(parent, child)
}

// Merge combines a listener configuration with a route override. The main
// scope always comes from the parent. The location scope comes from the
// child when it declared any directive.
func Merge(parent, child *Configuration) *Configuration {
	merged := &Configuration{
		Main:              parent.Main,
		Location:          parent.Location,
		LogFormat:         parent.LogFormat,
		ExtensiveLog:      parent.ExtensiveLog,
		RequestIDHeader:   parent.RequestIDHeader,
		TrustForwardedFor: parent.TrustForwardedFor,
		Metrics:           parent.Metrics,
	}
	if child.locationDeclared {
		merged.Location = child.Location
		merged.locationDeclared = true
		for _, id := range sharedIDs(merged.Main, merged.Location) {
			LogSink(api.Warn, logger.BuildLoggerMessage(merged.LogFormat).Log(
				"Route rule shadows a main rule id", struct{ K, V string }{"id", strconv.Itoa(id)}))
		}
	}
	return merged
}

func sharedIDs(main, location arena.Handle[*naxsi.Naxsi]) []int {
	m, err := main.Get()
	if err != nil {
		return nil
	}
	l, err := location.Get()
	if err != nil {
		return nil
	}
	return m.SharedIDs(l)
}

func checkKeys(values map[string]interface{}) error {
	var unknown []string
	for k := range values {
		if !knownKeys[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return fmt.Errorf("unknown configuration keys: %s", strings.Join(unknown, ", "))
}

func stringValue(values map[string]interface{}, key string) (string, error) {
	raw, ok := values[key]
	if !ok {
		return "", nil
	}
	s, isString := raw.(string)
	if !isString {
		return "", fmt.Errorf("%s must be a string of directives", key)
	}
	return s, nil
}
