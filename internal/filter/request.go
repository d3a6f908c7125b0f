//  Copyright © 2025 United Security Providers AG, Switzerland
//  SPDX-License-Identifier: Apache-2.0

package filter

import (
	"net"
	"net/netip"
	"strings"

	"github.com/google/uuid"

	"naxsi-waf/internal/config"
	"naxsi-waf/internal/naxsi"
)

const forwardedForHeader = "x-forwarded-for"

// headerReader is the part of api.RequestHeaderMap the request builder needs.
type headerReader interface {
	Get(key string) (string, bool)
	Range(f func(key, value string) bool)
	Method() string
	Path() string
	Host() string
}

// buildRequest copies what the engine inspects out of the header map. The
// returned request belongs to the stream.
func buildRequest(headers headerReader, remoteAddr string, c *config.Configuration) *naxsi.Request {
	req := &naxsi.Request{
		Method: headers.Method(),
		URI:    headers.Path(),
		Server: serverName(headers.Host()),
	}
	headers.Range(func(key, value string) bool {
		// pseudo headers (:path, :method, ...) are already split out
		if strings.HasPrefix(key, ":") {
			return true
		}
		req.Headers = append(req.Headers, naxsi.Pair{Name: key, Value: value})
		return true
	})
	if id, ok := headers.Get(c.RequestIDHeader); ok {
		req.ID = requestID(id)
	} else {
		req.ID = requestID("")
	}
	req.Client = clientAddr(headers, remoteAddr, c.TrustForwardedFor)
	return req
}

// requestID reuses an incoming UUID and generates one otherwise. The id is
// written as 32 hex digits.
func requestID(incoming string) string {
	id, err := uuid.Parse(strings.TrimSpace(incoming))
	if err != nil {
		id = uuid.New()
	}
	return strings.ReplaceAll(id.String(), "-", "")
}

// clientAddr is the downstream peer, or the first X-Forwarded-For hop when
// the proxies in front are trusted to set it.
func clientAddr(headers headerReader, remoteAddr string, trustForwarded bool) netip.Addr {
	if xff, ok := headers.Get(forwardedForHeader); ok && trustForwarded {
		first, _, _ := strings.Cut(xff, ",")
		if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
			return addr.Unmap()
		}
	}
	if ap, err := netip.ParseAddrPort(remoteAddr); err == nil {
		return ap.Addr().Unmap()
	}
	if addr, err := netip.ParseAddr(remoteAddr); err == nil {
		return addr.Unmap()
	}
	return netip.Addr{}
}

func serverName(host string) string {
	if !strings.Contains(host, ":") {
		return host
	}
	server, _, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	return server
}
