package httpx

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrInvalidProxy = errors.New("invalid proxy")

// ProxyFuncFromString maps an EXE_CODE_HTTP_PROXY value to a Transport.Proxy
// func. A nil func means a direct connection.
func ProxyFuncFromString(raw string) (func(*http.Request) (*url.URL, error), error) {
	raw = strings.TrimSpace(raw)
	switch strings.ToLower(raw) {
	case "", "0", "false", "off", "no", "none", "direct":
		return nil, nil
	case "env":
		return http.ProxyFromEnvironment, nil
	}
	u, err := ParseProxyURL(raw)
	if err != nil {
		return nil, err
	}
	return http.ProxyURL(u), nil
}

// ParseProxyURL accepts http(s) URLs and bare host:port.
func ParseProxyURL(raw string) (*url.URL, error) {
	s := strings.TrimSpace(raw)
	if s != "" && !strings.Contains(s, "://") {
		s = "http://" + s
	}
	return parseProxy(s, "http", "https")
}

func IsSOCKS5(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "socks5", "socks5h":
		return true
	}
	return false
}

func parseSOCKS5URL(raw string) (*url.URL, error) {
	return parseProxy(strings.TrimSpace(raw), "socks5", "socks5h")
}

func parseProxy(s string, schemes ...string) (*url.URL, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty url", ErrInvalidProxy)
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProxy, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	supported := false
	for _, scheme := range schemes {
		if u.Scheme == scheme {
			supported = true
			break
		}
	}
	if !supported {
		return nil, fmt.Errorf("%w: scheme %q (want %s)", ErrInvalidProxy, u.Scheme, strings.Join(schemes, "/"))
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidProxy)
	}
	return u, nil
}
