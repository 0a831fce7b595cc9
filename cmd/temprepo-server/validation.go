package main

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"regexp"
	"strings"
	"syscall"
	"time"
)

const maxRedirects = 10

var hostPattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?)*$`)

// sanitizeTarballURL accepts absolute http(s) URLs whose host is allowed
func sanitizeTarballURL(raw string, allowedHosts []string, blockPrivate bool) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("missing required 'url' query parameter")
	}
	if len(raw) > 2048 {
		return "", errors.New("url too long (max 2048 characters)")
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	host := parsed.Hostname()
	if host == "" {
		return "", errors.New("url has no host")
	}
	if parsed.User != nil {
		return "", errors.New("url must not embed credentials")
	}
	if !hostAllowed(host, allowedHosts) {
		return "", fmt.Errorf("host %q is not allowed", host)
	}
	if blockPrivate {
		if err := validatePublicHost(host); err != nil {
			return "", err
		}
	}
	return parsed.String(), nil
}

// hostAllowed reports whether host is listed, or whether no list is configured
func hostAllowed(host string, allowedHosts []string) bool {
	if len(allowedHosts) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, allowed := range allowedHosts {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if h, _, err := net.SplitHostPort(allowed); err == nil {
			allowed = h
		}
		if host == allowed {
			return true
		}
	}
	return false
}

// validatePublicHost rejects hosts that resolve to the local machine or a private network
// without a DNS lookup, including the numeric spellings of such addresses.
func validatePublicHost(host string) error {
	lower := strings.ToLower(host)

	if addr, err := netip.ParseAddr(strings.Trim(lower, "[]")); err == nil {
		if !isPublicAddr(addr) {
			return fmt.Errorf("host not allowed: %s", host)
		}
		return nil
	}

	if len(lower) > 253 || !hostPattern.MatchString(lower) {
		return fmt.Errorf("invalid hostname: %s", host)
	}
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return fmt.Errorf("host not allowed: %s", host)
	}

	// 2130706433 is 127.0.0.1
	if isNumeric(lower) {
		return fmt.Errorf("host not allowed: %s", host)
	}

	parts := strings.Split(lower, ".")
	for _, part := range parts {
		if strings.HasPrefix(part, "0x") {
			return fmt.Errorf("host not allowed: %s", host)
		}
	}
	// zero padded or octal, e.g. 127.0.0.01 or 0177.0.0.1
	if allNumeric(parts) {
		return fmt.Errorf("host not allowed: %s", host)
	}
	return nil
}

// publicOnlyClient downloads only from public addresses. Redirect targets are
// validated like the submitted URL and every dialed IP is checked, which covers
// names that resolve to private addresses.
func publicOnlyClient(timeout time.Duration) *http.Client {
	return guardedClient(timeout, checkPublicAddress)
}

func guardedClient(timeout time.Duration, checkAddress func(address string) error) *http.Client {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
		Control: func(network, address string, _ syscall.RawConn) error {
			return checkAddress(address)
		},
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = dialer.DialContext

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
				return fmt.Errorf("redirect to unsupported scheme %q", req.URL.Scheme)
			}
			if err := validatePublicHost(req.URL.Hostname()); err != nil {
				return fmt.Errorf("redirect blocked: %w", err)
			}
			return nil
		},
	}
}

// checkPublicAddress rejects dialing an ip:port that is not public
func checkPublicAddress(address string) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("unexpected dial address %q: %w", address, err)
	}
	if !isPublicAddr(addr) {
		return fmt.Errorf("dial to non-public address %s blocked", host)
	}
	return nil
}

func isPublicAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	return !(addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsMulticast())
}

// isNumeric checks if a string contains only digits
func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// allNumeric checks if all strings in a slice are numeric
func allNumeric(parts []string) bool {
	for _, p := range parts {
		if !isNumeric(p) {
			return false
		}
	}
	return true
}
