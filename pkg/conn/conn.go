// Package conn implements a pooled Connection: one transport (h1 or h2)
// over one TCP(+TLS) stream, with idle/leased/broken/closed state.
package conn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/corehttp/agent/pkg/errors"
	"github.com/corehttp/agent/pkg/runtime"
	"github.com/corehttp/agent/pkg/timing"
	"github.com/corehttp/agent/pkg/tlsconfig"
	"github.com/corehttp/agent/pkg/uri"
)

// Protocol is the negotiated application protocol driver variant.
type Protocol int

const (
	ProtocolH1 Protocol = iota
	ProtocolH2
)

func (p Protocol) String() string {
	if p == ProtocolH2 {
		return "h2"
	}
	return "http/1.1"
}

// State is a Connection's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateLeased
	StateBroken
	StateClosed
)

// Config configures how a Connection is dialed — TLS, proxying, mTLS.
type Config struct {
	ConnectTimeout time.Duration
	DNSTimeout     time.Duration

	TLSConfig     *tls.Config // direct passthrough; cloned and adjusted
	InsecureTLS   bool
	SNI           string
	DisableSNI    bool
	MinTLSVersion uint16
	MaxTLSVersion uint16
	CipherSuites  []uint16
	CustomCACerts [][]byte

	// VersionProfile, when set, seeds MinTLSVersion/MaxTLSVersion and a
	// matching CipherSuites list from one of tlsconfig's named presets
	// (ProfileModern/ProfileSecure/ProfileCompatible/ProfileLegacy) before
	// the explicit fields above are applied, so a caller can opt into a
	// named posture without hand-listing cipher suites.
	VersionProfile *tlsconfig.VersionProfile

	ClientCertPEM []byte
	ClientKeyPEM  []byte

	Proxy *ProxyConfig

	ConnectIP string // bypass DNS, dial this IP directly
}

// Metadata describes the concrete connection that was established.
type Metadata struct {
	ConnectedIP        string
	ConnectedPort      int
	NegotiatedProtocol string
	LocalAddr          string
	RemoteAddr         string
	TLSVersion         string
	TLSCipherSuite     string
	TLSServerName      string
	TLSSessionID       string
	TLSResumed         bool
	ProxyUsed          bool
	ProxyType          string
	ProxyAddr          string
}

// Connection is a byte-stream plus protocol variant, with the
// leasing/idle/broken/closed bookkeeping the pool relies on.
type Connection struct {
	mu       sync.Mutex
	NetConn  net.Conn
	Key      uri.PoolKey
	Protocol Protocol
	Metadata Metadata
	state    State
	lastUsed time.Time
	created  time.Time

	// H2Streams counts concurrently leased streams; h1 connections never
	// exceed 1.
	H2Streams int

	// Driver holds the protocol-specific frame driver (an *h2.Connection
	// for ProtocolH2) once the send state machine instantiates it. conn
	// has no dependency on the h2 package, so it stores this opaquely
	// rather than importing it.
	Driver any
}

// Dial opens a new Connection to key, performing DNS resolution, TCP
// connect, optional proxying, and (for https) a TLS handshake offering
// ALPN h2,http/1.1. rt supplies the DialContext implementation for the
// direct (non-proxy) path, so a caller-supplied Runtime governs every
// socket this package opens.
func Dial(ctx context.Context, key uri.PoolKey, cfg Config, timer *timing.Timer, rt runtime.Runtime) (*Connection, error) {
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	if rt == nil {
		rt = runtime.Default()
	}

	dialAddr, err := resolveAddress(ctx, key, cfg, timer)
	if err != nil {
		return nil, err
	}

	var netConn net.Conn
	meta := Metadata{}

	if cfg.Proxy != nil {
		netConn, err = dialViaProxy(ctx, cfg.Proxy, dialAddr, connectTimeout, &meta)
		if err != nil {
			return nil, err
		}
	} else {
		netConn, err = dialTCP(ctx, rt, dialAddr, connectTimeout, timer)
		if err != nil {
			return nil, errors.NewConnectionError(key.Host, key.Port, err)
		}
	}

	if netConn.LocalAddr() != nil {
		meta.LocalAddr = netConn.LocalAddr().String()
	}
	if netConn.RemoteAddr() != nil {
		meta.RemoteAddr = netConn.RemoteAddr().String()
	}
	host, portStr, _ := net.SplitHostPort(dialAddr)
	meta.ConnectedIP = host
	if p, err := strconv.Atoi(portStr); err == nil {
		meta.ConnectedPort = p
	}

	protocol := ProtocolH1
	if key.Scheme == "https" {
		tlsConn, negotiated, err := upgradeTLS(ctx, netConn, key, cfg, timer, &meta)
		if err != nil {
			netConn.Close()
			return nil, errors.NewTLSError(key.Host, key.Port, err)
		}
		netConn = tlsConn
		if negotiated == "h2" {
			protocol = ProtocolH2
		}
	} else {
		meta.NegotiatedProtocol = "HTTP/1.1"
	}

	now := time.Now()
	return &Connection{
		NetConn:  netConn,
		Key:      key,
		Protocol: protocol,
		Metadata: meta,
		state:    StateLeased,
		lastUsed: now,
		created:  now,
	}, nil
}

func resolveAddress(ctx context.Context, key uri.PoolKey, cfg Config, timer *timing.Timer) (string, error) {
	if cfg.ConnectIP != "" {
		return net.JoinHostPort(cfg.ConnectIP, strconv.Itoa(key.Port)), nil
	}

	timer.StartDNS()
	defer timer.EndDNS()

	dnsTimeout := cfg.DNSTimeout
	if dnsTimeout <= 0 {
		dnsTimeout = 5 * time.Second
	}
	lookupCtx, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()

	addrs, err := net.DefaultResolver.LookupIPAddr(lookupCtx, key.Host)
	if err != nil {
		return "", errors.NewDNSError(key.Host, err)
	}
	if len(addrs) == 0 {
		return "", errors.NewDNSError(key.Host, errors.NewValidationError("no IP addresses found"))
	}
	return net.JoinHostPort(addrs[0].IP.String(), strconv.Itoa(key.Port)), nil
}

func dialTCP(ctx context.Context, rt runtime.Runtime, dialAddr string, timeout time.Duration, timer *timing.Timer) (net.Conn, error) {
	timer.StartTCP()
	defer timer.EndTCP()

	dialCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	netConn, err := rt.DialContext(dialCtx, "tcp", dialAddr)
	if err != nil {
		return nil, err
	}
	if tcpConn, ok := netConn.(*net.TCPConn); ok {
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(30 * time.Second)
	}
	return netConn, nil
}

func upgradeTLS(ctx context.Context, netConn net.Conn, key uri.PoolKey, cfg Config, timer *timing.Timer, meta *Metadata) (net.Conn, string, error) {
	timer.StartTLS()
	defer timer.EndTLS()

	handshakeTimeout := cfg.ConnectTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	tlsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	var tlsConfig *tls.Config
	if cfg.TLSConfig != nil {
		tlsConfig = cfg.TLSConfig.Clone()
		if cfg.InsecureTLS {
			tlsConfig.InsecureSkipVerify = true
		}
		if len(tlsConfig.NextProtos) == 0 {
			tlsConfig.NextProtos = []string{"h2", "http/1.1"}
		}
	} else {
		tlsConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.InsecureTLS,
			NextProtos:         []string{"h2", "http/1.1"},
		}
		if len(cfg.CustomCACerts) > 0 {
			pool := x509.NewCertPool()
			for i, ca := range cfg.CustomCACerts {
				if !pool.AppendCertsFromPEM(ca) {
					return nil, "", errors.NewValidationError(fmt.Sprintf("failed to parse CA certificate at index %d", i))
				}
			}
			tlsConfig.RootCAs = pool
		}
		ConfigureSNI(tlsConfig, cfg.SNI, cfg.DisableSNI, key.Host)
	}

	if cfg.VersionProfile != nil {
		tlsconfig.ApplyVersionProfile(tlsConfig, *cfg.VersionProfile)
		tlsconfig.ApplyCipherSuites(tlsConfig, cfg.VersionProfile.Min)
	}

	if cfg.MinTLSVersion > 0 {
		tlsConfig.MinVersion = cfg.MinTLSVersion
	}
	if cfg.MaxTLSVersion > 0 {
		tlsConfig.MaxVersion = cfg.MaxTLSVersion
	}
	if len(cfg.CipherSuites) > 0 {
		tlsConfig.CipherSuites = cfg.CipherSuites
	}

	if cert, err := loadClientCertificate(cfg); err != nil {
		return nil, "", err
	} else if cert != nil {
		tlsConfig.Certificates = append(tlsConfig.Certificates, *cert)
	}

	if tlsConfig.ServerName != "" {
		meta.TLSServerName = tlsConfig.ServerName
	} else if !cfg.DisableSNI {
		meta.TLSServerName = key.Host
	}

	tlsConn := tls.Client(netConn, tlsConfig)
	if err := tlsConn.HandshakeContext(tlsCtx); err != nil {
		return nil, "", err
	}

	state := tlsConn.ConnectionState()
	meta.TLSVersion = tlsVersionString(state.Version)
	meta.TLSCipherSuite = tls.CipherSuiteName(state.CipherSuite)
	meta.NegotiatedProtocol = state.NegotiatedProtocol
	if meta.NegotiatedProtocol == "" {
		meta.NegotiatedProtocol = "HTTP/1.1"
	}
	meta.TLSResumed = state.DidResume
	if len(state.TLSUnique) > 0 {
		meta.TLSSessionID = hex.EncodeToString(state.TLSUnique)
	}

	return tlsConn, state.NegotiatedProtocol, nil
}

func loadClientCertificate(cfg Config) (*tls.Certificate, error) {
	if len(cfg.ClientCertPEM) == 0 || len(cfg.ClientKeyPEM) == 0 {
		return nil, nil
	}
	cert, err := tls.X509KeyPair(cfg.ClientCertPEM, cfg.ClientKeyPEM)
	if err != nil {
		return nil, errors.NewTLSError("", 0, err)
	}
	return &cert, nil
}

// ConfigureSNI sets tlsConfig.ServerName per the priority rule: an explicit
// customSNI wins, disableSNI empties it, else it falls back to the host.
func ConfigureSNI(tlsConfig *tls.Config, customSNI string, disableSNI bool, fallbackHost string) {
	switch {
	case customSNI != "":
		tlsConfig.ServerName = customSNI
	case disableSNI:
		tlsConfig.ServerName = ""
	default:
		tlsConfig.ServerName = fallbackHost
	}
}

func tlsVersionString(version uint16) string {
	switch version {
	case tls.VersionTLS10:
		return "TLS 1.0"
	case tls.VersionTLS11:
		return "TLS 1.1"
	case tls.VersionTLS12:
		return "TLS 1.2"
	case tls.VersionTLS13:
		return "TLS 1.3"
	default:
		return fmt.Sprintf("unknown (0x%04x)", version)
	}
}

// closedDriver is satisfied by *h2.Connection; conn has no import-time
// dependency on pkg/h2, so the check is a type assertion against Driver.
type closedDriver interface {
	Closed() bool
}

// IsAlive does a non-blocking peek to detect a closed peer before leasing
// an idle Connection back out, with h2 additionally checked for a received
// GOAWAY — a GOAWAY'd connection can still look alive at the TCP level.
func (c *Connection) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return c.state != StateBroken && c.state != StateClosed
	}
	if c.Protocol == ProtocolH2 {
		if cd, ok := c.Driver.(closedDriver); ok && cd.Closed() {
			c.state = StateBroken
			return false
		}
	}
	c.NetConn.SetReadDeadline(time.Now().Add(time.Millisecond))
	defer c.NetConn.SetReadDeadline(time.Time{})

	one := make([]byte, 1)
	n, err := c.NetConn.Read(one)
	if n > 0 {
		// Unexpected data while idle: treat as broken, it cannot belong to
		// any exchange we're tracking.
		c.state = StateBroken
		return false
	}
	if err == nil {
		return true
	}
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// State returns the Connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// MarkIdle transitions the Connection back to idle so it can be released
// to the pool.
func (c *Connection) MarkIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateBroken || c.state == StateClosed {
		return
	}
	c.state = StateIdle
	c.lastUsed = time.Now()
}

// MarkLeased transitions the Connection to leased.
func (c *Connection) MarkLeased() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateLeased
}

// MarkBroken poisons the connection; it must never be returned to the pool.
func (c *Connection) MarkBroken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateBroken
}

// Close closes the underlying stream and marks the Connection closed.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	return c.NetConn.Close()
}

// LastUsed reports when the Connection was last released to idle.
func (c *Connection) LastUsed() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

// Age reports how long ago the Connection was established.
func (c *Connection) Age() time.Duration { return time.Since(c.created) }

// DriverOrInit returns the cached Driver, calling init to create and cache
// one if none exists yet or the existing one reports closed. init runs
// under the Connection's lock so concurrent callers racing to open the
// shared h2 driver for the same Connection see exactly one winner.
func (c *Connection) DriverOrInit(closed func(any) bool, init func() (any, error)) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Driver != nil && !closed(c.Driver) {
		return c.Driver, nil
	}

	drv, err := init()
	if err != nil {
		return nil, err
	}
	c.Driver = drv
	return drv, nil
}
