//  Copyright © 2025 United Security Providers AG, Switzerland
//  SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strings"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"naxsi-waf/internal/filter"
	"naxsi-waf/internal/naxsi"
)

type evalMatch struct {
	ID      int    `json:"id"`
	Zone    string `json:"zone"`
	VarName string `json:"var_name,omitempty"`
	Content string `json:"content,omitempty"`
}

type evalResult struct {
	Outcome   string         `json:"outcome"`
	Status    int            `json:"status"`
	Mode      string         `json:"mode,omitempty"`
	DeniedURL string         `json:"denied_url,omitempty"`
	Scores    map[string]int `json:"scores,omitempty"`
	Matches   []evalMatch    `json:"matches,omitempty"`
	Log       string         `json:"log,omitempty"`
	Extensive []string       `json:"extensive,omitempty"`
	Error     string         `json:"error,omitempty"`
}

type evalOptions struct {
	configPath string
	route      string
	method     string
	uri        string
	host       string
	headers    []string
	body       string
	ip         string
}

func newEvalCmd() *cobra.Command {
	var o evalOptions

	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Run the request inspection for one request and print the verdict",
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.configPath == "" {
				return errors.New("config path is required")
			}
			f, err := loadFile(o.configPath)
			if err != nil {
				return err
			}
			l, err := f.load(o.route)
			if err != nil {
				return err
			}
			defer l.Destroy()
			req, err := o.request()
			if err != nil {
				return err
			}
			return writeResult(cmd.OutOrStdout(), evaluate(l, req))
		},
	}

	cmd.Flags().StringVarP(&o.configPath, "config", "c", "", "Path to config file")
	cmd.Flags().StringVar(&o.route, "route", "", "Route override to merge into the listener configuration")
	cmd.Flags().StringVarP(&o.method, "method", "X", "GET", "Request method")
	cmd.Flags().StringVar(&o.uri, "uri", "/", "Request target including the query string")
	cmd.Flags().StringVar(&o.host, "host", "localhost", "Host header")
	cmd.Flags().StringArrayVarP(&o.headers, "header", "H", nil, "Request header as 'name: value', repeatable")
	cmd.Flags().StringVarP(&o.body, "body", "d", "", "Request body")
	cmd.Flags().StringVar(&o.ip, "ip", "127.0.0.1", "Client address")
	return cmd
}

func (o *evalOptions) request() (*naxsi.Request, error) {
	client, err := netip.ParseAddr(o.ip)
	if err != nil {
		return nil, fmt.Errorf("invalid client address %q: %w", o.ip, err)
	}
	req := &naxsi.Request{
		ID:     strings.ReplaceAll(uuid.NewString(), "-", ""),
		Method: strings.ToUpper(o.method),
		URI:    o.uri,
		Server: o.host,
		Client: client.Unmap(),
	}
	for _, h := range o.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q, expected 'name: value'", h)
		}
		req.Headers = append(req.Headers, naxsi.Pair{
			Name:  strings.ToLower(strings.TrimSpace(name)),
			Value: strings.TrimSpace(value),
		})
	}
	if o.body != "" {
		req.Body = []byte(o.body)
	}
	return req, nil
}

func evaluate(l *loaded, req *naxsi.Request) evalResult {
	d := filter.Decide(l.Configuration, req)
	res := evalResult{Outcome: d.Outcome.String(), Status: d.Status}
	if d.Err != nil {
		res.Error = d.Err.Error()
	}
	v := d.Verdict
	if v == nil {
		return res
	}
	res.Mode = v.Mode
	if d.Outcome == filter.Deny {
		res.DeniedURL = v.DeniedURL
	}
	if len(v.Scores) > 0 {
		res.Scores = make(map[string]int, len(v.Scores))
		for _, s := range v.Scores {
			res.Scores[s.Tag] = s.Value
		}
	}
	for _, m := range v.Matches {
		res.Matches = append(res.Matches, evalMatch{ID: m.RuleID, Zone: m.ZoneName(), VarName: m.VarName, Content: m.Content})
	}
	if v.Log {
		res.Log = naxsi.FormatLog(v, req, l.LogFormat)
		if l.ExtensiveLog {
			res.Extensive = naxsi.FormatExtensive(v, req, l.LogFormat)
		}
	}
	return res
}

func writeResult(out io.Writer, res evalResult) error {
	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
