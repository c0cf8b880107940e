// Package policy decides what happens with mail during an SMTP session:
// authentication, which senders and recipients are accepted, and whether
// accepted messages are delivered locally or queued for relay.
//
// A host SMTP engine creates a Session per connection and calls its hooks in
// order. Each hook returns exactly one Outcome.
package policy

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/hookmta/dns"
	"github.com/mjl-/hookmta/maildir"
	"github.com/mjl-/hookmta/mlog"
	"github.com/mjl-/hookmta/queue"
	"github.com/mjl-/hookmta/ratelimit"
	"github.com/mjl-/hookmta/smtp"
	"github.com/mjl-/hookmta/spf"
	"github.com/mjl-/hookmta/store"
)

var metricRouting = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hookmta_routing_total",
		Help: "Recipient routing decisions.",
	},
	[]string{
		"class", // local, relay, reject
	},
)

// Replaced during tests.
var timeNow = time.Now

// Directory is the read access to domains and users, and the updates made
// while handling mail. Implemented by *store.Directory.
type Directory interface {
	Domain(ctx context.Context, domain dns.Domain) (store.Domain, error)
	User(ctx context.Context, addr smtp.Address) (store.User, error)
	TouchLogin(ctx context.Context, addr smtp.Address, tm time.Time) error
	DomainChecked(ctx context.Context, domain dns.Domain, tm time.Time) error
	SentToday(ctx context.Context, addr smtp.Address, tm time.Time) (int64, error)
	AddStats(ctx context.Context, addr smtp.Address, tm time.Time, delta store.StatsDelta) error
}

// SPFVerifier is implemented by *spf.Checker.
type SPFVerifier interface {
	Verify(ctx context.Context, elog *slog.Logger, args spf.Args) (spf.Received, error)
}

// DKIMSigner is implemented by dkim.Signer.
type DKIMSigner interface {
	Sign(ctx context.Context, elog *slog.Logger, domain dns.Domain, msg []byte) (string, error)
}

// Queuer is implemented by *queue.Queue.
type Queuer interface {
	Add(ctx context.Context, log mlog.Log, m queue.Msg) (queue.Msg, error)
}

// LocalDeliverer is implemented by *maildir.Writer.
type LocalDeliverer interface {
	Deliver(ctx context.Context, elog *slog.Logger, m maildir.Message, rcpts []maildir.Recipient) []maildir.Result
}

// Controller holds the stores and settings shared by all sessions. It is
// created once at startup.
type Controller struct {
	Directory Directory
	SPF       SPFVerifier // Optional, no SPF evaluation if nil.
	DKIM      DKIMSigner  // Optional, messages are not signed if nil.
	Queue     Queuer
	Local     LocalDeliverer

	Hostname      dns.Domain
	TrustedNets   []*net.IPNet
	SPFRejectFail bool
	AuthFailures  *ratelimit.Limiter // Optional.

	DirectoryTimeout time.Duration // Default 10s.
	DNSTimeout       time.Duration // Default 15s.

	Log *slog.Logger
}

// Conn describes a new connection.
type Conn struct {
	RemoteIP   net.IP
	Submission bool // Authentication is required before mail commands.
	Secure     bool // TLS is active.

	// Allow authentication over connections without TLS.
	NoRequireTLSForAuth bool
}

// Identity is the authenticated user of a session.
type Identity struct {
	Address        smtp.Address
	User           store.User
	QuotaLimit     int64 // Bytes per day, if not unlimited.
	QuotaUnlimited bool
}

// Session is the context of a single SMTP connection. Hooks for a session are
// called sequentially.
type Session struct {
	c   *Controller
	log mlog.Log
	cid int64

	RemoteIP            net.IP
	LocalHost           bool // Connection from this machine, no authentication needed.
	Submission          bool
	Secure              bool
	NoRequireTLSForAuth bool
	Hello               string
	HelloDomain         dns.Domain // Zero if the hello name is not a domain.

	Authenticated bool
	Identity      *Identity
	auth          authState

	Tx *Transaction // Current transaction, nil before MAIL.
}

// Class is the routing decision for a recipient.
type Class string

const (
	ClassLocal  Class = "local"
	ClassRelay  Class = "relay"
	ClassReject Class = "reject"
)

// Recipient is an accepted recipient of a transaction.
type Recipient struct {
	Address smtp.Address
	Class   Class
	User    store.User // For local recipients.
}

// Transaction is a message transaction, started by MAIL.
type Transaction struct {
	From   smtp.Address // Zero for the null reverse-path.
	Rcpts  []Recipient
	SPF    *spf.Received // For unauthenticated mail, if evaluated.
	Header []byte        // Set by Data, the final header section.
	Body   []byte
	Size   int64
}

// NewSession returns a session for a new connection, logging with cid.
func (c *Controller) NewSession(cid int64, conn Conn) *Session {
	log := mlog.New("policy", c.Log).WithCid(cid)
	s := &Session{
		c:                   c,
		log:                 log,
		cid:                 cid,
		RemoteIP:            conn.RemoteIP,
		LocalHost:           conn.RemoteIP != nil && conn.RemoteIP.IsLoopback(),
		Submission:          conn.Submission,
		Secure:              conn.Secure,
		NoRequireTLSForAuth: conn.NoRequireTLSForAuth,
	}
	log.Debug("new session", slog.Any("remoteip", conn.RemoteIP), slog.Bool("submission", conn.Submission), slog.Bool("secure", conn.Secure))
	return s
}

// SetHello records the name from HELO or EHLO.
func (s *Session) SetHello(name string) {
	s.Hello = name
	s.HelloDomain = dns.Domain{}
	if d, err := dns.ParseDomain(name); err == nil {
		s.HelloDomain = d
	}
}

// Reset discards the current transaction, for RSET and after a message.
func (s *Session) Reset() {
	s.Tx = nil
}

func (s *Session) directoryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	d := s.c.DirectoryTimeout
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(ctx, d)
}

func (s *Session) dnsContext(ctx context.Context) (context.Context, context.CancelFunc) {
	d := s.c.DNSTimeout
	if d <= 0 {
		d = 15 * time.Second
	}
	return context.WithTimeout(ctx, d)
}

func (s *Session) trusted() bool {
	if s.RemoteIP == nil {
		return false
	}
	for _, n := range s.c.TrustedNets {
		if n.Contains(s.RemoteIP) {
			return true
		}
	}
	return false
}

func (s *Session) kind() string {
	if s.Submission {
		return "submission"
	}
	return "smtp"
}
