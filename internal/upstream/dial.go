// Package upstream dials and authenticates against the real IMAP server a
// session is proxying to.
package upstream

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"

	"ro-imap-proxy/internal/imapmsg"
	"ro-imap-proxy/internal/imapwire"
)

// Config describes one upstream IMAP server and the credentials to present
// to it.
type Config struct {
	Host     string
	Port     int
	TLS      bool // dial straight into TLS (typically port 993)
	StartTLS bool // dial plain, then upgrade via STARTTLS
	Username string
	Password string

	Limits imapwire.Limits
}

// ErrUnexpectedGreeting is returned when the upstream's initial line is
// neither "* OK" nor "* PREAUTH".
var ErrUnexpectedGreeting = errors.New("upstream: unexpected greeting")

// Conn is an established, greeted connection to an upstream server.
type Conn struct {
	net.Conn
	Reader       *imapwire.Reader
	Writer       *imapwire.Writer
	Capabilities []string
}

// Dial connects to cfg's server, performs STARTTLS if configured, and reads
// the server's greeting line. It does not authenticate; call Authenticate
// next.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	return dialWithContext(ctx, cfg, nil)
}

// dialWithTLSConfig is the synchronous test seam (no context deadline),
// mirroring the teacher's internal dialUpstream(acct, tlsCfg) signature so
// tests can inject an InsecureSkipVerify config for a self-signed cert.
func dialWithTLSConfig(cfg Config, tlsCfg *tls.Config) (*Conn, error) {
	return dialWithContext(context.Background(), cfg, tlsCfg)
}

func dialWithContext(ctx context.Context, cfg Config, tlsCfg *tls.Config) (*Conn, error) {
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	dialer := net.Dialer{}

	makeTLSConfig := func() *tls.Config {
		if tlsCfg != nil {
			return tlsCfg
		}
		return &tls.Config{ServerName: cfg.Host}
	}

	var raw net.Conn
	var err error

	switch {
	case cfg.TLS:
		tlsDialer := tls.Dialer{NetDialer: &dialer, Config: makeTLSConfig()}
		raw, err = tlsDialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("upstream: tls dial %s: %w", addr, err)
		}

	case cfg.StartTLS:
		raw, err = dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("upstream: dial %s: %w", addr, err)
		}
		raw, err = upgradeStartTLS(raw, makeTLSConfig())
		if err != nil {
			return nil, err
		}

	default:
		raw, err = dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("upstream: dial %s: %w", addr, err)
		}
	}

	reader := imapwire.NewReader(raw, nil, cfg.Limits)
	writer := imapwire.NewWriter(raw)

	line, err := reader.ReadLine()
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("upstream: read greeting: %w", err)
	}
	if !strings.HasPrefix(string(line.Raw), "* OK") && !strings.HasPrefix(string(line.Raw), "* PREAUTH") {
		raw.Close()
		return nil, fmt.Errorf("%w: %q", ErrUnexpectedGreeting, strings.TrimRight(string(line.Raw), "\r\n"))
	}

	conn := &Conn{Conn: raw, Reader: reader, Writer: writer}
	if ev, ok := imapmsg.ParseUntaggedEvent(line.Raw); ok && ev.Kind == imapmsg.EventCapability {
		conn.Capabilities = ev.Capabilities
	}
	return conn, nil
}

// upgradeStartTLS performs the plaintext greeting/STARTTLS/handshake
// sequence and returns the upgraded connection. Matches the teacher's
// dialUpstream STARTTLS branch: read greeting, issue STARTTLS, confirm OK,
// then hand the socket to crypto/tls.
func upgradeStartTLS(plain net.Conn, tlsCfg *tls.Config) (net.Conn, error) {
	br := bufio.NewReader(plain)

	if _, err := br.ReadString('\n'); err != nil {
		plain.Close()
		return nil, fmt.Errorf("upstream: starttls: read greeting: %w", err)
	}

	if _, err := fmt.Fprintf(plain, "proxy0 STARTTLS\r\n"); err != nil {
		plain.Close()
		return nil, fmt.Errorf("upstream: starttls: send command: %w", err)
	}

	resp, err := br.ReadString('\n')
	if err != nil {
		plain.Close()
		return nil, fmt.Errorf("upstream: starttls: read response: %w", err)
	}
	if !strings.Contains(resp, " OK") {
		plain.Close()
		return nil, fmt.Errorf("upstream: starttls: server rejected: %s", strings.TrimRight(resp, "\r\n"))
	}

	tlsConn := tls.Client(plain, tlsCfg)
	if err := tlsConn.Handshake(); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("upstream: starttls: tls handshake: %w", err)
	}
	return tlsConn, nil
}
