//  Copyright © 2025 United Security Providers AG, Switzerland
//  SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	xds "github.com/cncf/xds/go/xds/type/v3"
	"gopkg.in/yaml.v3"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/structpb"

	"naxsi-waf/internal/config"
)

const pluginConfigType = "type.googleapis.com/envoy.extensions.filters.http.golang.v3alpha.PluginConfig"

// File is the offline form of a filter configuration: the listener level
// plugin config plus named per-route overrides.
type File struct {
	Routes map[string]map[string]interface{} `yaml:"routes"`
	Filter map[string]interface{}            `yaml:",inline"`

	baseDir string
}

func loadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	f.baseDir = filepath.Dir(absPath)
	return &f, nil
}

func (f *File) routeNames() []string {
	names := make([]string, 0, len(f.Routes))
	for name := range f.Routes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// typedStruct wraps values the way Envoy hands them to the plugin.
func typedStruct(values map[string]interface{}) (*anypb.Any, error) {
	if values == nil {
		values = map[string]interface{}{}
	}
	s, err := structpb.NewStruct(values)
	if err != nil {
		return nil, fmt.Errorf("convert config: %w", err)
	}
	return anypb.New(&xds.TypedStruct{TypeUrl: pluginConfigType, Value: s})
}

// loaded is a parsed listener configuration with an optional route merged in.
type loaded struct {
	*config.Configuration
	owned []*config.Configuration
}

func (l *loaded) Destroy() {
	for _, c := range l.owned {
		c.Destroy()
	}
}

func (f *File) parse(parser config.Parser, values map[string]interface{}) (*config.Configuration, error) {
	a, err := typedStruct(values)
	if err != nil {
		return nil, err
	}
	c, err := parser.Parse(a, nil)
	if err != nil {
		return nil, err
	}
	return c.(*config.Configuration), nil
}

// load parses the listener configuration and merges route into it when set.
func (f *File) load(route string) (*loaded, error) {
	parser := config.Parser{BaseDir: f.baseDir}
	parent, err := f.parse(parser, f.Filter)
	if err != nil {
		return nil, err
	}
	if route == "" {
		return &loaded{Configuration: parent, owned: []*config.Configuration{parent}}, nil
	}
	values, ok := f.Routes[route]
	if !ok {
		parent.Destroy()
		return nil, fmt.Errorf("unknown route %q", route)
	}
	child, err := f.parse(parser, values)
	if err != nil {
		parent.Destroy()
		return nil, fmt.Errorf("route %s: %w", route, err)
	}
	return &loaded{
		Configuration: config.Merge(parent, child),
		owned:         []*config.Configuration{parent, child},
	}, nil
}
