// Package proxy implements the host-side network bridge for containers: a
// forward HTTP/HTTPS proxy that enforces a per-instance host and port policy
// and meters the traffic that passes through it.
package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultBlockedPorts are refused even for allowed hosts: remote shells,
// mail relays and common database ports.
var DefaultBlockedPorts = []int{22, 23, 25, 465, 587, 993, 995, 3306, 5432, 6379}

// Policy decides which destinations a container may reach.
type Policy struct {
	// AllowedHosts restricts destinations when non-empty. Entries may be
	// exact hostnames or "*.example.com" wildcards.
	AllowedHosts []string
	BlockedPorts []int
}

// Counters are cumulative traffic totals between the sandbox and the proxy.
// A packet is one read or write on a client connection.
type Counters struct {
	BytesIn    uint64
	BytesOut   uint64
	PacketsIn  uint64
	PacketsOut uint64
	Blocked    uint64
}

// FilteringProxy is a forward proxy bound to loopback. HTTPS is tunnelled
// via CONNECT without terminating TLS.
type FilteringProxy struct {
	allowed []string
	blocked map[int]bool
	logger  zerolog.Logger

	// OnBlocked is called each time the proxy denies a request. Optional.
	OnBlocked func(host string, port int)

	listener net.Listener
	server   *http.Server

	bytesIn    atomic.Uint64
	bytesOut   atomic.Uint64
	packetsIn  atomic.Uint64
	packetsOut atomic.Uint64
	denied     atomic.Uint64
}

func New(instanceID string, policy Policy) *FilteringProxy {
	p := &FilteringProxy{
		allowed: make([]string, 0, len(policy.AllowedHosts)),
		blocked: make(map[int]bool, len(policy.BlockedPorts)),
		logger:  log.With().Str("instance_id", instanceID).Str("component", "proxy").Logger(),
	}
	for _, h := range policy.AllowedHosts {
		p.allowed = append(p.allowed, strings.ToLower(strings.TrimSuffix(h, ".")))
	}
	for _, port := range policy.BlockedPorts {
		p.blocked[port] = true
	}
	return p
}

// Start listens on a random loopback port and returns "host:port", suitable
// for HTTP_PROXY / HTTPS_PROXY.
func (p *FilteringProxy) Start() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("proxy listen: %w", err)
	}
	p.listener = &countingListener{Listener: ln, proxy: p}

	gpx := goproxy.NewProxyHttpServer()
	gpx.Tr = &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	isBlocked := goproxy.ReqConditionFunc(func(req *http.Request, _ *goproxy.ProxyCtx) bool {
		host, port := requestTarget(req)
		return !p.Allowed(host, port)
	})

	gpx.OnRequest(isBlocked).DoFunc(
		func(req *http.Request, _ *goproxy.ProxyCtx) (*http.Request, *http.Response) {
			host, port := requestTarget(req)
			p.notifyBlocked(host, port)
			return nil, goproxy.NewResponse(req, goproxy.ContentTypeText, http.StatusForbidden,
				fmt.Sprintf("sandbox: %s:%d blocked by network policy", host, port))
		})

	gpx.OnRequest(isBlocked).HandleConnect(goproxy.FuncHttpsHandler(
		func(target string, _ *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
			host, port := splitTarget(target, 443)
			p.notifyBlocked(host, port)
			return goproxy.RejectConnect, target
		}))

	p.server = &http.Server{
		Handler:           gpx,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		_ = p.server.Serve(p.listener) // returns on Close/Shutdown
	}()

	addr := ln.Addr().String()
	p.logger.Debug().Str("addr", addr).Msg("network proxy started")
	return addr, nil
}

// Addr returns the listen address, or "" if not started.
func (p *FilteringProxy) Addr() string {
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// Close gracefully shuts down the proxy.
func (p *FilteringProxy) Close(ctx context.Context) error {
	if p.server == nil {
		return nil
	}
	return p.server.Shutdown(ctx)
}

// Counters returns the traffic totals observed so far.
func (p *FilteringProxy) Counters() Counters {
	return Counters{
		BytesIn:    p.bytesIn.Load(),
		BytesOut:   p.bytesOut.Load(),
		PacketsIn:  p.packetsIn.Load(),
		PacketsOut: p.packetsOut.Load(),
		Blocked:    p.denied.Load(),
	}
}

// Allowed reports whether host:port passes the policy.
func (p *FilteringProxy) Allowed(host string, port int) bool {
	if p.blocked[port] {
		return false
	}
	if len(p.allowed) == 0 {
		return true
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, pattern := range p.allowed {
		if MatchHost(host, pattern) {
			return true
		}
	}
	return false
}

func (p *FilteringProxy) notifyBlocked(host string, port int) {
	p.denied.Add(1)
	p.logger.Warn().Str("host", host).Int("port", port).Msg("blocked outbound connection")
	if p.OnBlocked != nil {
		p.OnBlocked(host, port)
	}
}

// MatchHost reports whether host matches pattern. "*.example.com" matches
// any subdomain but not example.com itself.
func MatchHost(host, pattern string) bool {
	host = strings.ToLower(host)
	pattern = strings.ToLower(pattern)
	if host == pattern {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(host, pattern[1:])
	}
	return false
}

// Env returns proxy variables pointing jailed processes at addr.
func Env(addr string) map[string]string {
	u := "http://" + addr
	return map[string]string{
		"HTTP_PROXY":  u,
		"http_proxy":  u,
		"HTTPS_PROXY": u,
		"https_proxy": u,
		"NO_PROXY":    "",
		"no_proxy":    "",
	}
}

func requestTarget(req *http.Request) (string, int) {
	target := req.URL.Host
	if target == "" {
		target = req.Host
	}
	def := 80
	if req.Method == http.MethodConnect || req.URL.Scheme == "https" {
		def = 443
	}
	return splitTarget(target, def)
}

func splitTarget(target string, defaultPort int) (string, int) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return target, defaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, defaultPort
	}
	return host, port
}

type countingListener struct {
	net.Listener
	proxy *FilteringProxy
}

func (l *countingListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &countingConn{Conn: c, proxy: l.proxy}, nil
}

// countingConn meters traffic from the sandbox's point of view: bytes the
// proxy writes are inbound to the sandbox.
type countingConn struct {
	net.Conn
	proxy *FilteringProxy
}

func (c *countingConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.proxy.bytesOut.Add(uint64(n))
		c.proxy.packetsOut.Add(1)
	}
	return n, err
}

func (c *countingConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.proxy.bytesIn.Add(uint64(n))
		c.proxy.packetsIn.Add(1)
	}
	return n, err
}
