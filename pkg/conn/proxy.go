package conn

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	netproxy "golang.org/x/net/proxy"

	"github.com/corehttp/agent/pkg/errors"
)

// ProxyConfig describes an upstream proxy a Connection dials through.
type ProxyConfig struct {
	Type         string // "http", "https", "socks4", "socks5"
	Host         string
	Port         int
	Username     string
	Password     string
	ConnTimeout  time.Duration
	ProxyHeaders map[string]string
	TLSConfig    *tls.Config
}

func dialViaProxy(ctx context.Context, proxy *ProxyConfig, targetAddr string, timeout time.Duration, meta *Metadata) (net.Conn, error) {
	if proxy.Type == "" {
		return nil, errors.NewValidationError("proxy type cannot be empty")
	}
	if proxy.Host == "" {
		return nil, errors.NewValidationError("proxy host cannot be empty")
	}

	port := proxy.Port
	if port == 0 {
		switch proxy.Type {
		case "http":
			port = 8080
		case "https":
			port = 443
		case "socks4", "socks5":
			port = 1080
		default:
			return nil, errors.NewValidationError("unsupported proxy type: " + proxy.Type)
		}
	}

	proxyTimeout := proxy.ConnTimeout
	if proxyTimeout <= 0 {
		proxyTimeout = timeout
	}
	proxyAddr := fmt.Sprintf("%s:%d", proxy.Host, port)

	meta.ProxyUsed = true
	meta.ProxyType = proxy.Type
	meta.ProxyAddr = proxyAddr

	var netConn net.Conn
	var err error
	switch proxy.Type {
	case "http", "https":
		netConn, err = dialHTTPProxy(ctx, proxy, proxyAddr, targetAddr, proxyTimeout)
	case "socks4":
		netConn, err = dialSOCKS4Proxy(ctx, proxy, proxyAddr, targetAddr, proxyTimeout)
	case "socks5":
		netConn, err = dialSOCKS5Proxy(proxy, proxyAddr, targetAddr, proxyTimeout)
	default:
		return nil, errors.NewValidationError("unsupported proxy type: " + proxy.Type)
	}
	if err != nil {
		return nil, errors.NewProxyError(proxy.Type, proxyAddr, "connect", err)
	}

	if tcpAddr, ok := netConn.RemoteAddr().(*net.TCPAddr); ok {
		meta.ConnectedIP = tcpAddr.IP.String()
		meta.ConnectedPort = tcpAddr.Port
	}
	return netConn, nil
}

// dialHTTPProxy tunnels targetAddr through an HTTP/HTTPS CONNECT proxy.
func dialHTTPProxy(ctx context.Context, proxy *ProxyConfig, proxyAddr, targetAddr string, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to proxy: %w", err)
	}

	if proxy.Type == "https" {
		tlsConfig := proxy.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{ServerName: proxy.Host}
		} else {
			tlsConfig = tlsConfig.Clone()
			if tlsConfig.ServerName == "" {
				tlsConfig.ServerName = proxy.Host
			}
		}
		tlsConn := tls.Client(netConn, tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			netConn.Close()
			return nil, fmt.Errorf("TLS handshake to proxy failed: %w", err)
		}
		netConn = tlsConn
	}

	targetHost, _, _ := net.SplitHostPort(targetAddr)
	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", targetAddr, targetHost)
	for k, v := range proxy.ProxyHeaders {
		req += fmt.Sprintf("%s: %s\r\n", k, v)
	}
	if proxy.Username != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(proxy.Username + ":" + proxy.Password))
		req += fmt.Sprintf("Proxy-Authorization: Basic %s\r\n", auth)
	}
	req += "\r\n"

	if _, err := netConn.Write([]byte(req)); err != nil {
		netConn.Close()
		return nil, fmt.Errorf("failed to send CONNECT request: %w", err)
	}

	reader := bufio.NewReader(netConn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("failed to read CONNECT response: %w", err)
	}
	if !strings.Contains(statusLine, " 200") {
		netConn.Close()
		return nil, fmt.Errorf("proxy CONNECT failed: %s", strings.TrimSpace(statusLine))
	}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			netConn.Close()
			return nil, fmt.Errorf("failed to read CONNECT response headers: %w", err)
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}
	return netConn, nil
}

// dialSOCKS4Proxy implements the SOCKS4 CONNECT handshake by hand (IPv4
// only, DNS resolved locally — SOCKS4 has no remote-resolve variant here).
func dialSOCKS4Proxy(ctx context.Context, proxy *ProxyConfig, proxyAddr, targetAddr string, timeout time.Duration) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(targetAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid target address: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port: %w", err)
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("DNS resolution failed for %s: %w", host, err)
	}
	var targetIP net.IP
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			targetIP = ip4
			break
		}
	}
	if targetIP == nil {
		return nil, fmt.Errorf("no IPv4 address found for %s (SOCKS4 requires IPv4)", host)
	}

	dialer := &net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SOCKS4 proxy: %w", err)
	}

	req := []byte{0x04, 0x01, byte(port >> 8), byte(port & 0xFF)}
	req = append(req, targetIP...)
	if proxy.Username != "" {
		req = append(req, []byte(proxy.Username)...)
	}
	req = append(req, 0x00)

	if _, err := netConn.Write(req); err != nil {
		netConn.Close()
		return nil, fmt.Errorf("failed to send SOCKS4 request: %w", err)
	}

	resp := make([]byte, 8)
	if _, err := io.ReadFull(netConn, resp); err != nil {
		netConn.Close()
		return nil, fmt.Errorf("failed to read SOCKS4 response: %w", err)
	}

	switch resp[1] {
	case 0x5A:
		return netConn, nil
	case 0x5B:
		netConn.Close()
		return nil, fmt.Errorf("SOCKS4 request rejected or failed")
	case 0x5C:
		netConn.Close()
		return nil, fmt.Errorf("SOCKS4 request failed: identd not running on client")
	case 0x5D:
		netConn.Close()
		return nil, fmt.Errorf("SOCKS4 request failed: identd could not confirm user ID")
	default:
		netConn.Close()
		return nil, fmt.Errorf("SOCKS4 unknown status code: 0x%02X", resp[1])
	}
}

// dialSOCKS5Proxy delegates to golang.org/x/net/proxy's SOCKS5 client.
func dialSOCKS5Proxy(proxy *ProxyConfig, proxyAddr, targetAddr string, timeout time.Duration) (net.Conn, error) {
	var auth *netproxy.Auth
	if proxy.Username != "" {
		auth = &netproxy.Auth{User: proxy.Username, Password: proxy.Password}
	}
	dialer, err := netproxy.SOCKS5("tcp", proxyAddr, auth, &net.Dialer{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	netConn, err := dialer.Dial("tcp", targetAddr)
	if err != nil {
		return nil, fmt.Errorf("SOCKS5 connection failed: %w", err)
	}
	return netConn, nil
}

// ParseProxyURL parses a proxy URL of the form scheme://[user:pass@]host:port
// into a ProxyConfig.
func ParseProxyURL(raw string) (*ProxyConfig, error) {
	parts := strings.SplitN(raw, "://", 2)
	if len(parts) != 2 {
		return nil, errors.NewValidationError("proxy URL must include a scheme: " + raw)
	}
	scheme := strings.ToLower(parts[0])
	rest := parts[1]

	var username, password string
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		userinfo := rest[:at]
		rest = rest[at+1:]
		if colon := strings.Index(userinfo, ":"); colon >= 0 {
			username, password = userinfo[:colon], userinfo[colon+1:]
		} else {
			username = userinfo
		}
	}

	host, portStr, err := net.SplitHostPort(rest)
	if err != nil {
		host = rest
		portStr = ""
	}
	port := 0
	if portStr != "" {
		port, err = strconv.Atoi(portStr)
		if err != nil {
			return nil, errors.NewValidationError("invalid proxy port: " + portStr)
		}
	}

	switch scheme {
	case "http", "https", "socks4", "socks5":
	default:
		return nil, errors.NewValidationError("unsupported proxy scheme: " + scheme)
	}

	return &ProxyConfig{
		Type:     scheme,
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
	}, nil
}
