// Package smtpserver serves SMTP and submission with go-smtp, leaving all
// decisions about sessions, senders, recipients and messages to package policy.
package smtpserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	golog "log"
	"log/slog"
	"net"
	"runtime/debug"
	"sort"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/emersion/go-sasl"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/exp/maps"

	"github.com/mjl-/hookmta/config"
	"github.com/mjl-/hookmta/dns"
	"github.com/mjl-/hookmta/metrics"
	"github.com/mjl-/hookmta/mlog"
	"github.com/mjl-/hookmta/moxio"
	"github.com/mjl-/hookmta/policy"
	"github.com/mjl-/hookmta/smtp"

	hookmta "github.com/mjl-/hookmta/hookmta-"
)

var (
	metricConnection = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookmta_smtpserver_connection_total",
			Help: "Incoming SMTP sessions.",
		},
		[]string{
			"kind", // smtp, submission
		},
	)
	metricCommand = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hookmta_smtpserver_command_duration_seconds",
			Help:    "SMTP server command duration and result codes in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30, 60, 120},
		},
		[]string{
			"kind",
			"cmd",
			"code",
		},
	)
)

// Options for a single server, i.e. one listening address and port.
type Options struct {
	Listener            string // Name, for logging.
	Hostname            dns.Domain
	TLSConfig           *tls.Config // For STARTTLS, optional.
	Submission          bool
	NoRequireTLSForAuth bool
	MaxMessageSize      int64 // Default config.DefaultMaxMsgSize.
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
}

// NewServer returns a go-smtp server that hands decisions to ctrl.
func NewServer(ctrl *policy.Controller, opts Options) *gosmtp.Server {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = config.DefaultMaxMsgSize
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 5 * time.Minute
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 5 * time.Minute
	}
	log := mlog.New("smtpserver", ctrl.Log)

	be := &backend{ctrl: ctrl, opts: opts, log: log}
	s := gosmtp.NewServer(be)
	s.Domain = opts.Hostname.ASCII
	s.TLSConfig = opts.TLSConfig
	// Whether authentication is allowed without TLS is decided per session.
	s.AllowInsecureAuth = true
	s.MaxMessageBytes = opts.MaxMessageSize
	s.MaxRecipients = 1000
	s.ReadTimeout = opts.ReadTimeout
	s.WriteTimeout = opts.WriteTimeout
	s.EnableSMTPUTF8 = true
	s.ErrorLog = golog.New(mlog.ErrWriter(log, slog.LevelInfo, "smtp server"), "", 0)
	return s
}

type listener struct {
	name     string
	protocol string
	ln       net.Listener
	srv      *gosmtp.Server
}

var listeners []listener

// Listen opens the sockets for all SMTP and submission ports of the configured
// listeners. Serve starts handling connections.
func Listen(ctrl *policy.Controller) {
	names := maps.Keys(hookmta.Conf.Static.Listeners)
	sort.Strings(names)
	for _, name := range names {
		l := hookmta.Conf.Static.Listeners[name]

		var tlsConfig *tls.Config
		if l.TLS != nil {
			tlsConfig = l.TLS.Config
		}
		opts := Options{
			Listener:            name,
			Hostname:            hookmta.Conf.Static.HostnameDomain,
			TLSConfig:           tlsConfig,
			NoRequireTLSForAuth: l.NoRequireTLSForAuth,
			MaxMessageSize:      l.MaxMessageSize,
		}

		if l.SMTP.Enabled {
			port := config.Port(l.SMTP.Port, 25)
			for _, ip := range l.IPs {
				listen1(ctrl, "smtp", ip, port, opts)
			}
		}
		if l.Submission.Enabled {
			port := config.Port(l.Submission.Port, 587)
			opts.Submission = true
			for _, ip := range l.IPs {
				listen1(ctrl, "submission", ip, port, opts)
			}
		}
	}
}

func listen1(ctrl *policy.Controller, protocol, ip string, port int, opts Options) {
	log := mlog.New("smtpserver", ctrl.Log)
	addr := net.JoinHostPort(ip, fmt.Sprintf("%d", port))
	log.Print("listening for smtp",
		slog.String("listener", opts.Listener),
		slog.String("address", addr),
		slog.String("protocol", protocol))
	network := "tcp4"
	if parsed := net.ParseIP(ip); parsed != nil && parsed.To4() == nil {
		network = "tcp6"
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		log.Fatalx("smtp: listen for smtp", err, slog.String("protocol", protocol), slog.String("listener", opts.Listener))
	}
	listeners = append(listeners, listener{opts.Listener, protocol, ln, NewServer(ctrl, opts)})
}

// Serve starts serving on all listeners, launching a goroutine per listener.
func Serve() {
	for _, l := range listeners {
		go func(l listener) {
			log := mlog.New("smtpserver", nil)
			err := l.srv.Serve(l.ln)
			if err != nil && !errors.Is(err, gosmtp.ErrServerClosed) {
				log.Errorx("smtp: serve", err, slog.String("listener", l.name), slog.String("protocol", l.protocol))
			}
		}(l)
	}
}

// Shutdown stops accepting connections and waits for sessions to finish, until
// ctx is done.
func Shutdown(ctx context.Context) {
	log := mlog.New("smtpserver", nil)
	for _, l := range listeners {
		err := l.srv.Shutdown(ctx)
		log.Check(err, "shutting down smtp server", slog.String("listener", l.name), slog.String("protocol", l.protocol))
	}
}

type backend struct {
	ctrl *policy.Controller
	opts Options
	log  mlog.Log
}

func (b *backend) kind() string {
	if b.opts.Submission {
		return "submission"
	}
	return "smtp"
}

// NewSession is called for HELO/EHLO, and again after STARTTLS.
func (b *backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	select {
	case <-hookmta.Shutdown.Done():
		return nil, &gosmtp.SMTPError{Code: smtp.C421ServiceUnavail, EnhancedCode: gosmtp.EnhancedCode{4, 3, 2}, Message: "shutting down"}
	default:
	}

	var remoteIP net.IP
	if a, ok := c.Conn().RemoteAddr().(*net.TCPAddr); ok {
		remoteIP = a.IP
	} else {
		// For net.Pipe, during tests.
		remoteIP = net.ParseIP("127.0.0.10")
	}
	_, secure := c.TLSConnectionState()

	cid := hookmta.Cid()
	ps := b.ctrl.NewSession(cid, policy.Conn{
		RemoteIP:            remoteIP,
		Submission:          b.opts.Submission,
		Secure:              secure,
		NoRequireTLSForAuth: b.opts.NoRequireTLSForAuth,
	})
	ps.SetHello(c.Hostname())

	metricConnection.WithLabelValues(b.kind()).Inc()
	log := b.log.WithCid(cid)
	log.Info("new session",
		slog.Any("remote", c.Conn().RemoteAddr()),
		slog.String("hello", c.Hostname()),
		slog.Bool("tls", secure),
		slog.String("listener", b.opts.Listener))
	return &session{b: b, c: c, ps: ps, log: log}, nil
}

type session struct {
	b          *backend
	c          *gosmtp.Conn
	ps         *policy.Session
	log        mlog.Log
	authFailed int // Failed authentication attempts in this session.
}

// Delay per failed authentication attempt after the third.
var authFailDelay = time.Second

// outcomeError returns nil for continue outcomes, and an *gosmtp.SMTPError
// with the code and enhanced status code of o otherwise.
func outcomeError(o policy.Outcome) error {
	if o.OK() {
		return nil
	}
	ec := gosmtp.NoEnhancedCode
	if subject, detail, ok := smtp.SeParse(o.Secode); ok {
		ec = gosmtp.EnhancedCode{o.Code / 100, subject, detail}
	}
	return &gosmtp.SMTPError{Code: o.Code, EnhancedCode: ec, Message: o.Msg}
}

// command times a command and recovers from panics, which are turned into a
// temporary error.
func (s *session) command(cmd string, rerr *error) func() {
	start := time.Now()
	return func() {
		x := recover()
		if x != nil {
			s.log.Error("unhandled panic", slog.Any("err", x), slog.String("cmd", cmd))
			debug.PrintStack()
			metrics.PanicInc(metrics.Smtpserver)
			*rerr = &gosmtp.SMTPError{Code: smtp.C451LocalErr, EnhancedCode: gosmtp.EnhancedCode{4, 3, 0}, Message: "internal error"}
		}
		code := "ok"
		var serr *gosmtp.SMTPError
		if errors.As(*rerr, &serr) {
			code = fmt.Sprintf("%d", serr.Code)
		} else if *rerr != nil {
			code = "error"
		}
		metricCommand.WithLabelValues(s.b.kind(), cmd, code).Observe(float64(time.Since(start)) / float64(time.Second))
	}
}

func (s *session) AuthMechanisms() []string {
	return s.ps.AuthMechanisms()
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	return saslServer{s.ps.SASLServer(hookmta.Context, mech), s}, nil
}

// saslServer turns policy rejections into SMTP errors.
type saslServer struct {
	sasl.Server
	s *session
}

func (a saslServer) Next(response []byte) (challenge []byte, done bool, err error) {
	challenge, done, err = a.Server.Next(response)
	var oerr *policy.OutcomeError
	if errors.As(err, &oerr) {
		if oerr.Outcome.Code == smtp.C535AuthBadCreds {
			// Slow down clients trying passwords.
			a.s.authFailed++
			if a.s.authFailed > 3 {
				hookmta.Sleep(hookmta.Context, time.Duration(a.s.authFailed-3)*authFailDelay)
			}
		}
		err = outcomeError(oerr.Outcome)
	} else if errors.Is(err, policy.ErrAuthAborted) {
		err = &gosmtp.SMTPError{Code: smtp.C503BadCmdSeq, EnhancedCode: gosmtp.EnhancedCode{5, 5, 1}, Message: err.Error()}
	}
	return
}

func (s *session) Mail(from string, opts *gosmtp.MailOptions) (rerr error) {
	defer s.command("mail", &rerr)()

	var addr smtp.Address
	if from != "" {
		var err error
		addr, err = smtp.ParseAddress(from)
		if err != nil {
			return &gosmtp.SMTPError{Code: smtp.C501BadParamSyntax, EnhancedCode: gosmtp.EnhancedCode{5, 1, 7}, Message: "bad sender address"}
		}
	}
	if opts != nil && opts.Size > s.b.opts.MaxMessageSize {
		return &gosmtp.SMTPError{Code: smtp.C552MailboxFull, EnhancedCode: gosmtp.EnhancedCode{5, 3, 4}, Message: "message too large"}
	}
	return outcomeError(s.ps.Mail(hookmta.Context, addr))
}

func (s *session) Rcpt(to string, opts *gosmtp.RcptOptions) (rerr error) {
	defer s.command("rcpt", &rerr)()

	addr, err := smtp.ParseAddress(to)
	if err != nil {
		return &gosmtp.SMTPError{Code: smtp.C501BadParamSyntax, EnhancedCode: gosmtp.EnhancedCode{5, 1, 3}, Message: "bad recipient address"}
	}
	return outcomeError(s.ps.Rcpt(hookmta.Context, addr))
}

func (s *session) Data(r io.Reader) (rerr error) {
	defer s.command("data", &rerr)()

	buf, err := io.ReadAll(&moxio.LimitReader{R: r, Limit: s.b.opts.MaxMessageSize})
	if errors.Is(err, moxio.ErrLimit) {
		// Read the remainder, so the connection can continue with the next command.
		io.Copy(io.Discard, r)
		return &gosmtp.SMTPError{Code: smtp.C552MailboxFull, EnhancedCode: gosmtp.EnhancedCode{5, 3, 4}, Message: "message too large"}
	} else if err != nil {
		s.log.Debugx("reading message", err)
		return err
	}
	o := s.ps.Data(hookmta.Context, buf)
	s.log.Debug("data", slog.String("outcome", o.String()), slog.Int("size", len(buf)))
	return outcomeError(o)
}

// Reset is also called for an EHLO later in the session, which can change the
// hello name.
func (s *session) Reset() {
	s.ps.Reset()
	if name := s.c.Hostname(); name != s.ps.Hello {
		s.log.Debug("new hello", slog.String("hello", name))
		s.ps.SetHello(name)
	}
}

func (s *session) Logout() error {
	s.log.Info("session closed")
	return nil
}
