// Package transport establishes the TCP+TLS connection gitup's wire driver
// runs over, including an optional HTTP CONNECT proxy tunnel (spec.md §4.2).
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"git.home.luguber.info/inful/gitup/internal/ferr"
	"git.home.luguber.info/inful/gitup/internal/logfields"
	"git.home.luguber.info/inful/gitup/internal/retry"
)

const (
	bufferSize     = 1 << 20 // 1 MiB send/receive buffers
	socketTimeout  = 300 * time.Second
	connectTimeout = 30 * time.Second
)

// ProxyConfig describes an optional HTTP CONNECT proxy endpoint.
type ProxyConfig struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Enabled reports whether a proxy is configured.
func (p *ProxyConfig) Enabled() bool {
	return p != nil && p.Host != ""
}

// wrapTransport builds a fatal CategoryTransport error, optionally wrapping cause.
func wrapTransport(message string, cause error) error {
	b := ferr.TransportErr(message)
	if cause != nil {
		b = b.WithCause(cause)
	}
	return b.Build()
}

// Conn is a blocking, single-use framed connection: a TCP socket,
// optionally tunneled through an HTTP CONNECT proxy, wrapped in TLS.
type Conn struct {
	raw net.Conn
	tls *tls.Conn
	r   *bufio.Reader
}

// Dial connects to host:port, optionally via proxy, performs the TLS
// handshake, and returns a ready-to-use Conn. The dial step (TCP connect
// through the proxy or directly) is retried per policy; everything past a
// successful TCP connect is fatal-on-first-failure (spec.md §5).
func Dial(ctx context.Context, host string, port int, proxy *ProxyConfig, policy retry.Policy, log *slog.Logger, rec dialRecorder) (*Conn, error) {
	dialHost, dialPort := host, port
	if proxy.Enabled() {
		dialHost, dialPort = proxy.Host, proxy.Port
	}
	addr := net.JoinHostPort(dialHost, strconv.Itoa(dialPort))

	var raw net.Conn
	var lastErr error
	attempts := policy.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := policy.Delay(attempt)
			log.Debug("retrying transport dial", logfields.Host(dialHost), logfields.Port(dialPort), slog.Duration("delay", delay))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, wrapTransport("dial canceled", ctx.Err())
			}
		}
		start := time.Now()
		dialer := &net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}
		raw, lastErr = dialer.DialContext(ctx, "tcp", addr)
		if rec != nil {
			rec.ObserveTransportDial(time.Since(start), lastErr == nil)
		}
		if lastErr == nil {
			break
		}
		log.Debug("transport dial failed", logfields.Host(dialHost), logfields.Port(dialPort), logfields.Error(lastErr))
	}
	if lastErr != nil {
		return nil, wrapTransport(fmt.Sprintf("connect to %s", addr), lastErr)
	}

	if tc, ok := raw.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetReadBuffer(bufferSize)
		_ = tc.SetWriteBuffer(bufferSize)
	}
	deadline := time.Now().Add(socketTimeout)
	_ = raw.SetDeadline(deadline)

	if proxy.Enabled() {
		if err := connectTunnel(raw, host, port, proxy); err != nil {
			raw.Close()
			return nil, err
		}
	}

	tlsConn := tls.Client(raw, dialTLSClientConfig(host))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, wrapTransport(fmt.Sprintf("TLS handshake with %s", host), err)
	}

	return &Conn{raw: raw, tls: tlsConn, r: bufio.NewReaderSize(tlsConn, bufferSize)}, nil
}

// dialTLSClientConfig builds the TLS config for a handshake. Certificate
// verification is always on (no InsecureSkipVerify): RootCAs nil means the
// platform root pool, per spec.md §9's direction to fix the original's
// unverified-TLS gap. Tests override this var to trust a throwaway cert.
var dialTLSClientConfig = func(host string) *tls.Config {
	return &tls.Config{ServerName: host, SessionTicketsDisabled: true}
}

type dialRecorder interface {
	ObserveTransportDial(d time.Duration, success bool)
}

// connectTunnel issues an HTTP CONNECT to the proxy and waits for a 2xx.
func connectTunnel(raw net.Conn, host string, port int, proxy *ProxyConfig) error {
	target := net.JoinHostPort(host, strconv.Itoa(port))
	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if proxy.Username != "" {
		req += fmt.Sprintf("Proxy-Authorization: Basic %s\r\n", basicAuth(proxy.Username, proxy.Password))
	}
	req += "\r\n"

	if _, err := raw.Write([]byte(req)); err != nil {
		return wrapTransport("write CONNECT request", err)
	}

	r := bufio.NewReader(raw)
	status, err := r.ReadString('\n')
	if err != nil {
		return wrapTransport("read CONNECT response", err)
	}
	if len(status) < 12 || status[9] != '2' {
		return wrapTransport(fmt.Sprintf("proxy CONNECT rejected: %q", status), nil)
	}
	// Drain headers up to the blank line.
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return wrapTransport("read CONNECT headers", err)
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}
	return nil
}

func basicAuth(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}

// Send writes b in full, refreshing the deadline first.
func (c *Conn) Send(b []byte) error {
	if err := c.tls.SetDeadline(time.Now().Add(socketTimeout)); err != nil {
		return wrapTransport("set write deadline", err)
	}
	if _, err := c.tls.Write(b); err != nil {
		return wrapTransport("send", err)
	}
	return nil
}

// Recv reads up to len(buf) bytes, refreshing the deadline first.
func (c *Conn) Recv(buf []byte) (int, error) {
	if err := c.tls.SetDeadline(time.Now().Add(socketTimeout)); err != nil {
		return 0, wrapTransport("set read deadline", err)
	}
	n, err := c.r.Read(buf)
	if err != nil {
		return n, wrapTransport("recv", err)
	}
	return n, nil
}

// Close releases the underlying TLS session and socket.
func (c *Conn) Close() error {
	return c.tls.Close()
}
