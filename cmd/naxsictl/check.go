//  Copyright © 2025 United Security Providers AG, Switzerland
//  SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"naxsi-waf/internal/config"
)

func newCheckCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Parse a configuration and every route override",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return errors.New("config path is required")
			}
			f, err := loadFile(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, route := range append([]string{""}, f.routeNames()...) {
				if err := checkRoute(out, f, route); err != nil {
					return err
				}
			}
			_, err = fmt.Fprintf(out, "configuration file %s test is successful\n", configPath)
			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	return cmd
}

func checkRoute(out io.Writer, f *File, route string) error {
	l, err := f.load(route)
	if err != nil {
		return err
	}
	defer l.Destroy()
	name := "listener"
	if route != "" {
		name = "route " + route
	}
	return summarize(out, name, l.Configuration)
}

func summarize(out io.Writer, name string, c *config.Configuration) error {
	main, loc, err := c.Scopes()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out,
		"%s: main_rules=%d location_rules=%d whitelists=%d check_rules=%d enabled=%t learning=%t ignore_ips=%d ignore_cidrs=%d denied_url=%q log_format=%s\n",
		name, len(main.Rules()), len(loc.Rules()), len(loc.Whitelists()), len(loc.CheckRules()),
		loc.Enabled(), loc.Learning(), len(loc.IgnoredIPs()), len(loc.IgnoredCIDRs()), loc.DeniedURL(), c.LogFormat)
	return err
}
