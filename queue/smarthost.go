package queue

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"

	"github.com/emersion/go-sasl"
	"golang.org/x/net/proxy"

	"github.com/mjl-/hookmta/config"
	"github.com/mjl-/hookmta/dns"
	"github.com/mjl-/hookmta/mlog"
)

// Smarthost delivers all messages through a single relay host.
type Smarthost struct {
	Host     dns.Domain
	Port     int  // Default 465 with TLS, 587 otherwise.
	TLS      bool // Immediate TLS.
	NoTLS    bool // No STARTTLS.
	Username string
	Password string
	Socks    string     // Address of SOCKS5 proxy, optional.
	Hostname dns.Domain // For EHLO.

	// For tests, e.g. with InsecureSkipVerify. Defaults to verification of Host.
	TLSConfig *tls.Config
	// For tests. Defaults to a net.Dialer, or the SOCKS5 dialer.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
}

var _ Transport = (*Smarthost)(nil)

// NewSmarthost returns a smarthost transport for the configuration.
func NewSmarthost(c config.TransportSmarthost, hostname dns.Domain) *Smarthost {
	return &Smarthost{
		Host:     c.HostDomain,
		Port:     c.Port,
		TLS:      c.TLS,
		NoTLS:    c.NoTLS,
		Username: c.Username,
		Password: c.Password,
		Socks:    c.Socks,
		Hostname: hostname,
	}
}

func (s *Smarthost) Name() string {
	return "smarthost"
}

func (s *Smarthost) dial(ctx context.Context, addr string) (net.Conn, error) {
	if s.DialContext != nil {
		return s.DialContext(ctx, "tcp", addr)
	}
	if s.Socks == "" {
		dialer := &net.Dialer{}
		return dialer.DialContext(ctx, "tcp", addr)
	}
	d, err := proxy.SOCKS5("tcp", s.Socks, nil, &net.Dialer{})
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer: %v", err)
	}
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", addr)
	}
	return d.Dial("tcp", addr)
}

func (s *Smarthost) Deliver(ctx context.Context, log mlog.Log, m Msg) error {
	port := s.Port
	if port == 0 {
		if s.TLS {
			port = 465
		} else {
			port = 587
		}
	}
	host := s.Host.ASCII
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	tlsConfig := s.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: host}
	}

	dial := func(ctx context.Context) (net.Conn, error) {
		conn, err := s.dial(ctx, addr)
		if err != nil || !s.TLS {
			return conn, err
		}
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tls handshake: %v", err)
		}
		return tlsConn, nil
	}

	sess := smtpSession{
		Host:      host,
		Ehlo:      s.Hostname.ASCII,
		TLSActive: s.TLS,
		From:      m.From,
		To:        m.To,
		Data:      m.Data(),
	}
	if !s.NoTLS {
		sess.StartTLS = tlsConfig
		// Credentials are not sent in plain text unless configured.
		sess.NeedTLS = true
	}
	if s.Username != "" {
		sess.Auth = sasl.NewPlainClient("", s.Username, s.Password)
	}
	return sess.send(ctx, log, dial)
}
