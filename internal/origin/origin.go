// Package origin derives the CORS allowlist for the local order API.
package origin

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// DefaultUIOrigin is where the restaurant dashboard runs during development.
const DefaultUIOrigin = "http://localhost:3000"

// AllowedOrigins returns the normalized, de-duplicated origins permitted to
// call the API. Explicitly configured UI origins win; otherwise the
// development dashboard and the API's own loopback origins are allowed.
func AllowedOrigins(listenAddr string, uiOrigins string) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(raw string) {
		o := normalize(raw)
		if o == "" {
			return
		}
		if _, ok := seen[o]; ok {
			return
		}
		seen[o] = struct{}{}
		out = append(out, o)
	}

	for _, o := range split(uiOrigins) {
		add(o)
	}
	if len(out) > 0 {
		return out
	}

	add(DefaultUIOrigin)
	for _, o := range loopback(listenAddr) {
		add(o)
	}
	return out
}

func split(list string) []string {
	return strings.FieldsFunc(list, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\n', '\r', '\t':
			return true
		}
		return false
	})
}

func normalize(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s://%s", strings.ToLower(u.Scheme), strings.ToLower(u.Host))
}

func loopback(listenAddr string) []string {
	addr := strings.TrimSpace(listenAddr)
	if addr == "" {
		return nil
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return nil
	}

	hosts := []string{"localhost", "127.0.0.1"}
	if host != "" && host != "0.0.0.0" && host != "::" && host != "127.0.0.1" && host != "localhost" {
		hosts = append(hosts, host)
	}
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, "http://"+net.JoinHostPort(h, port))
	}
	return out
}
