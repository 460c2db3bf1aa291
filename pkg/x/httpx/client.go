package httpx

import (
	"context"
	"net"
	"net/http"
	"net/http/cookiejar"
	"os"
	"strings"
	"time"

	netproxy "golang.org/x/net/proxy"
)

type ClientOptions struct {
	Timeout time.Duration

	// UseEnvProxy applies EXE_CODE_HTTP_PROXY semantics:
	// - unset / "direct": no proxy
	// - "env": ProxyFromEnvironment
	// - http(s) URL / host:port: fixed proxy
	// - socks5://host:port: SOCKS5 dialer
	UseEnvProxy bool

	// Proxy overrides UseEnvProxy when non-empty.
	Proxy string

	// CookieJar enables a cookie jar.
	CookieJar bool

	// Transport allows providing a pre-configured transport.
	// When nil, it clones http.DefaultTransport.
	Transport *http.Transport
}

func NewClient(opts ClientOptions) (*http.Client, error) {
	var transport *http.Transport
	if opts.Transport != nil {
		transport = opts.Transport.Clone()
	} else {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}

	proxyRaw := strings.TrimSpace(opts.Proxy)
	if proxyRaw == "" && opts.UseEnvProxy {
		proxyRaw = strings.TrimSpace(os.Getenv("EXE_CODE_HTTP_PROXY"))
	}
	if err := applyProxy(transport, proxyRaw); err != nil {
		return nil, err
	}

	var jar http.CookieJar
	if opts.CookieJar {
		jar, _ = cookiejar.New(nil)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		Jar:       jar,
	}, nil
}

func applyProxy(transport *http.Transport, raw string) error {
	transport.Proxy = nil // default: no proxy (even if HTTP_PROXY / HTTPS_PROXY is set)
	if raw == "" {
		return nil
	}
	if IsSOCKS5(raw) {
		dialer, err := SOCKS5Dialer(raw)
		if err != nil {
			return err
		}
		transport.DialContext = dialer
		return nil
	}
	proxyFunc, err := ProxyFuncFromString(raw)
	if err != nil {
		return err
	}
	transport.Proxy = proxyFunc
	return nil
}

// SOCKS5Dialer builds a DialContext func that tunnels through the given socks5 URL.
func SOCKS5Dialer(raw string) (func(ctx context.Context, network, addr string) (net.Conn, error), error) {
	u, err := parseSOCKS5URL(raw)
	if err != nil {
		return nil, err
	}
	var auth *netproxy.Auth
	if u.User != nil {
		pass, _ := u.User.Password()
		auth = &netproxy.Auth{User: u.User.Username(), Password: pass}
	}
	base := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	d, err := netproxy.SOCKS5("tcp", u.Host, auth, base)
	if err != nil {
		return nil, err
	}
	if cd, ok := d.(netproxy.ContextDialer); ok {
		return cd.DialContext, nil
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return d.Dial(network, addr)
	}, nil
}
