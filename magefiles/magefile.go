//  Copyright © 2023 Axkea, spacewander
//  Copyright © 2025 United Security Providers AG, Switzerland
//  SPDX-License-Identifier: Apache-2.0

//go:build mage

package main

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

var (
	available_os = "linux"
	pluginName   = "naxsi-waf.so"
)

func buildDir() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	builddir := cwd + "/build"
	if err := os.MkdirAll(builddir, 0o755); err != nil {
		return "", err
	}

	return builddir, nil
}

// Build the naxsi filter plugin. It only works on linux
func Build() error {
	builddir, err := buildDir()
	if err != nil {
		return err
	}
	os := runtime.GOOS
	if !strings.Contains(available_os, os) {
		return errors.New(fmt.Sprintf("%s is not available , place compile in %s", os, available_os))
	}
	return sh.RunV("go", "build", "-o", builddir+"/"+pluginName, "-buildmode=c-shared", ".")
}

// Naxsictl builds the offline configuration checker
func Naxsictl() error {
	builddir, err := buildDir()
	if err != nil {
		return err
	}
	return sh.RunV("go", "build", "-o", builddir+"/naxsictl", "./cmd/naxsictl")
}

// Test runs the unit tests of every package
func Test() error {
	return sh.RunV("go", "test", "./internal/...", "./cmd/...")
}

// E2e runs the e2e tests against Envoy with the built plugin. Requires docker.
func E2e() error {
	mg.Deps(Build)
	builddir, err := buildDir()
	if err != nil {
		return err
	}
	env := map[string]string{
		"NAXSI_PLUGIN": builddir + "/" + pluginName,
		"ENVOY_IMAGE":  os.Getenv("ENVOY_IMAGE"),
	}
	return sh.RunWithV(env, "go", "test", "-tags=e2e", "-count=1", "-v", "./e2e/...")
}

// Doc runs godoc, access at http://localhost:6060
func Doc() error {
	return sh.RunV("go", "run", "golang.org/x/tools/cmd/godoc@latest", "-http=:6060")
}
