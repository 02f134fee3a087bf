package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/openfroyo/plugind/pkg/engine"
)

// Defaults for outbound HTTP made by plugin code.
const (
	DefaultHTTPTimeout      = 10 * time.Second
	DefaultMaxResponseBytes = 1 << 20
)

// errBlockedAddress is returned by the dialer for non-public addresses.
var errBlockedAddress = errors.New("destination address is not publicly routable")

// NetworkPolicy is the service-wide outbound network policy. Hosts must match
// the allowlist, and the dialer refuses loopback, private, link-local,
// multicast and unspecified addresses after DNS resolution, so an
// allowlisted name cannot be pointed at internal infrastructure.
type NetworkPolicy struct {
	allowed      []string
	client       *http.Client
	maxBody      int64
	allowPrivate bool
}

// NetworkOption configures a NetworkPolicy.
type NetworkOption func(*NetworkPolicy)

// WithHTTPTimeout bounds each outbound request.
func WithHTTPTimeout(d time.Duration) NetworkOption {
	return func(p *NetworkPolicy) {
		p.client.Timeout = d
	}
}

// WithMaxResponseBytes bounds response bodies handed to plugin code.
func WithMaxResponseBytes(n int64) NetworkOption {
	return func(p *NetworkPolicy) {
		p.maxBody = n
	}
}

// WithPrivateNetworks disables the address check. Only tests should use it.
func WithPrivateNetworks() NetworkOption {
	return func(p *NetworkPolicy) {
		p.allowPrivate = true
	}
}

// NewNetworkPolicy creates a policy allowing the given domains. Entries are
// exact host names or "*.suffix" wildcards matching any subdomain. An empty
// allowlist denies all outbound traffic.
func NewNetworkPolicy(allowedDomains []string, opts ...NetworkOption) *NetworkPolicy {
	p := &NetworkPolicy{
		allowed: normalizeDomains(allowedDomains),
		maxBody: DefaultMaxResponseBytes,
	}

	dialer := &net.Dialer{
		Timeout: 5 * time.Second,
		Control: func(_, address string, _ syscall.RawConn) error {
			if p.allowPrivate {
				return nil
			}
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			if ip := net.ParseIP(host); ip == nil || !isPublicIP(ip) {
				return fmt.Errorf("%w: %s", errBlockedAddress, host)
			}
			return nil
		},
	}
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          32,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
	}
	p.client = &http.Client{
		Timeout:   DefaultHTTPTimeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("too many redirects")
			}
			if !p.HostAllowed(req.URL.Hostname(), nil) {
				return fmt.Errorf("redirect to %s is not allowed", req.URL.Hostname())
			}
			return nil
		},
	}

	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AllowedDomains returns the normalized allowlist.
func (p *NetworkPolicy) AllowedDomains() []string {
	return append([]string(nil), p.allowed...)
}

// HostAllowed reports whether host passes the service allowlist and, when
// narrow is non-empty, the plugin's own allowlist too.
func (p *NetworkPolicy) HostAllowed(host string, narrow []string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" || !matchAny(host, p.allowed) {
		return false
	}
	if len(narrow) > 0 && !matchAny(host, normalizeDomains(narrow)) {
		return false
	}
	return true
}

func normalizeDomains(domains []string) []string {
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			out = append(out, d)
		}
	}
	return out
}

func matchAny(host string, patterns []string) bool {
	for _, pattern := range patterns {
		if matchDomain(host, pattern) {
			return true
		}
	}
	return false
}

// matchDomain matches host against an exact name or a "*.suffix" wildcard.
// The wildcard does not match the bare suffix.
func matchDomain(host, pattern string) bool {
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return strings.HasSuffix(host, "."+suffix)
	}
	return host == pattern
}

var sharedAddressSpace = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

func isPublicIP(ip net.IP) bool {
	switch {
	case ip.IsLoopback(), ip.IsPrivate(), ip.IsUnspecified(),
		ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast(),
		ip.IsInterfaceLocalMulticast(), ip.IsMulticast():
		return false
	case sharedAddressSpace.Contains(ip):
		return false
	}
	return true
}

// HTTPResponse is what plugin code sees of an outbound response.
type HTTPResponse struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
}

// CapabilityEnforcer gates host functionality for one execution according to
// the capabilities granted to the plugin.
type CapabilityEnforcer struct {
	unit    *engine.ExecutableUnit
	network *NetworkPolicy
	secrets map[string]string
}

// NewCapabilityEnforcer creates an enforcer for one task.
func NewCapabilityEnforcer(unit *engine.ExecutableUnit, network *NetworkPolicy, secrets map[string]string) *CapabilityEnforcer {
	if network == nil {
		network = NewNetworkPolicy(nil)
	}
	return &CapabilityEnforcer{
		unit:    unit,
		network: network,
		secrets: secrets,
	}
}

func (e *CapabilityEnforcer) require(c engine.Capability) error {
	if e.unit.HasCapability(c) {
		return nil
	}
	return engine.NewExecutionError(fmt.Sprintf("capability %s not granted", c), nil).
		WithCode(engine.ErrCodeCapabilityRequired).
		WithPlugin(e.unit.PluginID).
		WithDetail("capability", string(c))
}

// Secret returns a request secret. It requires secrets:read.
func (e *CapabilityEnforcer) Secret(name string) (string, error) {
	if err := e.require(engine.CapabilitySecretsRead); err != nil {
		return "", err
	}
	v, ok := e.secrets[name]
	if !ok {
		return "", engine.NewExecutionError(fmt.Sprintf("secret %q not provided", name), nil).
			WithPlugin(e.unit.PluginID)
	}
	return v, nil
}

// HTTPRequest performs an outbound request. It requires net:outbound and an
// allowlisted host. Transport failures are NetworkErrors; a denied
// destination is a non-retryable ExecutionError.
func (e *CapabilityEnforcer) HTTPRequest(ctx context.Context, method, rawURL string, body []byte) (*HTTPResponse, error) {
	if err := e.require(engine.CapabilityNetOutbound); err != nil {
		return nil, err
	}

	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, engine.NewExecutionError(fmt.Sprintf("invalid outbound URL %q", rawURL), err).
			WithPlugin(e.unit.PluginID)
	}
	if !e.network.HostAllowed(u.Hostname(), e.unit.AllowedDomains) {
		return nil, e.denied(u.Hostname())
	}

	method = strings.ToUpper(method)
	if method == "" {
		method = http.MethodGet
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, engine.NewExecutionError("failed to create outbound request", err).WithPlugin(e.unit.PluginID)
	}

	resp, err := e.network.client.Do(req)
	if err != nil {
		if errors.Is(err, errBlockedAddress) {
			return nil, e.denied(u.Hostname())
		}
		if ctx.Err() != nil {
			return nil, engine.NewNetworkError("outbound request interrupted", ctx.Err()).WithPlugin(e.unit.PluginID)
		}
		return nil, engine.NewNetworkError(fmt.Sprintf("%s %s failed", method, u.Host), err).
			WithPlugin(e.unit.PluginID)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, e.network.maxBody+1))
	if err != nil {
		return nil, engine.NewNetworkError("failed to read outbound response", err).WithPlugin(e.unit.PluginID)
	}
	if int64(len(data)) > e.network.maxBody {
		return nil, engine.NewResourceExceededError(
			fmt.Sprintf("response body exceeds %d bytes", e.network.maxBody), nil).WithPlugin(e.unit.PluginID)
	}
	return &HTTPResponse{Status: resp.StatusCode, Body: string(data)}, nil
}

func (e *CapabilityEnforcer) denied(host string) error {
	return engine.NewExecutionError(fmt.Sprintf("outbound access to %s is not allowed", host), nil).
		WithCode(engine.ErrCodeNetworkDenied).
		WithPlugin(e.unit.PluginID).
		WithDetail("host", host)
}
