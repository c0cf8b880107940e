package config

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/mjl-/hookmta/dns"
)

// DefaultMaxMsgSize is the maximum message size for incoming messages, in bytes.
// Can be overridden per listener.
const DefaultMaxMsgSize = 50 * 1024 * 1024

// Port returns port if non-zero, and fallback otherwise.
func Port(port, fallback int) int {
	if port == 0 {
		return fallback
	}
	return port
}

// Static is the parsed form of the hookmta.conf configuration file.
type Static struct {
	DataDir          string              `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where all data is stored, e.g. the directory and queue databases. If this is a relative path, it is relative to the directory of hookmta.conf."`
	LogLevel         string              `sconf-doc:"Default log level, one of: error, info, debug, trace, traceauth, tracedata. Trace logs SMTP protocol transcripts, with traceauth also lines with credentials, and tracedata on top of that full messages."`
	PackageLogLevels map[string]string   `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. queue, policy, smtpserver, spf, dkim, maildir, store)."`
	Hostname         string              `sconf-doc:"Full hostname of system, e.g. mail.<domain>. Used in Received headers, for bounces (postmaster@<hostname>) and in SMTP greetings."`
	HostnameDomain   dns.Domain          `sconf:"-" json:"-"`
	Listeners        map[string]Listener `sconf-doc:"Listeners are groups of IP addresses and the SMTP services enabled on them."`
	TrustedNetworks  []string            `sconf:"optional" sconf-doc:"Networks in CIDR notation from which unauthenticated clients may relay mail. Default: loopback and private networks (127.0.0.0/8, ::1/128, 10.0.0.0/8, 172.16.0.0/12, 192.168.0.0/16, fc00::/7)."`
	MailboxRoot      string              `sconf:"optional" sconf-doc:"Directory under which mailboxes are created for users without explicit mailbox path, as <MailboxRoot>/<domain>/<localpart>. Relative to DataDir. Default: mail."`
	SPF              SPF                 `sconf:"optional" sconf-doc:"SPF evaluation of incoming mail."`
	DKIM             DKIM                `sconf:"optional" sconf-doc:"DKIM signing of outgoing mail. Keys are stored in the directory, see 'hookmta dkim gen'."`
	Queue            Queue               `sconf:"optional" sconf-doc:"Outgoing message queue."`
	Timeouts         Timeouts            `sconf:"optional" sconf-doc:"Upper bounds for external operations. A timeout results in a temporary failure."`
	DNS              DNS                 `sconf:"optional" sconf-doc:"DNS resolver configuration."`
	Metrics          *Metrics            `sconf:"optional" sconf-doc:"Serve prometheus metrics over HTTP."`
	AuthFailureLimit int                 `sconf:"optional" sconf-doc:"Maximum number of failed authentication attempts per IP per minute, and 10 times that per day. Default: 10."`

	TrustedNets []*net.IPNet `sconf:"-" json:"-"`
}

// Listener is a group of IPs with SMTP services.
type Listener struct {
	IPs                 []string `sconf-doc:"Use 0.0.0.0 to listen on all IPv4 and/or :: to listen on all IPv6 addresses."`
	NoRequireTLSForAuth bool     `sconf:"optional" sconf-doc:"Allow authentication on connections without TLS. By default, PLAIN and LOGIN are only offered after STARTTLS, or on connections from the local host."`
	TLS                 *TLS     `sconf:"optional" sconf-doc:"TLS key and certificate, for STARTTLS."`
	MaxMessageSize      int64    `sconf:"optional" sconf-doc:"Maximum size in bytes for incoming messages. Default: 50MB."`
	SMTP                struct {
		Enabled bool
		Port    int `sconf:"optional" sconf-doc:"Default 25."`
	} `sconf:"optional" sconf-doc:"SMTP for receiving email for local domains and relaying for trusted networks and authenticated users."`
	Submission struct {
		Enabled bool
		Port    int `sconf:"optional" sconf-doc:"Default 587."`
	} `sconf:"optional" sconf-doc:"SMTP submission, requiring authentication before any mail commands."`
}

// TLS is a key and certificate for a listener.
type TLS struct {
	CertFile string `sconf-doc:"Certificate chain in PEM format. Relative to the directory of the config file."`
	KeyFile  string `sconf-doc:"Private key in PEM format."`

	Config *tls.Config `sconf:"-" json:"-"`
}

type SPF struct {
	RejectFail bool          `sconf:"optional" sconf-doc:"Reject messages with SPF result fail with a permanent error. By default, the result is only added to the message as Received-SPF header."`
	CacheTTL   time.Duration `sconf:"optional" sconf-doc:"How long to cache SPF results per domain and IP. Default: 1h."`
}

type DKIM struct {
	Disabled bool     `sconf:"optional" sconf-doc:"Do not sign outgoing messages."`
	Headers  []string `sconf:"optional" sconf-doc:"Headers to sign, in order. From is always signed and oversigned. Default: From, To, Cc, Reply-To, References, In-Reply-To, Subject, Date, Message-ID, Content-Type, MIME-Version."`
}

type Queue struct {
	PollInterval  time.Duration `sconf:"optional" sconf-doc:"Interval for the retry processor to look at the pending list. Default: 1m."`
	MaxConcurrent int           `sconf:"optional" sconf-doc:"Maximum number of concurrent delivery attempts. Default: 4."`
	Transport     Transport     `sconf:"optional" sconf-doc:"How messages are delivered. Default is direct delivery to the MX hosts of recipient domains."`
}

// Transport is how the queue delivers messages. At most one may be set.
type Transport struct {
	Direct    *TransportDirect    `sconf:"optional" sconf-doc:"Deliver directly to the MX hosts of the recipient domain."`
	Smarthost *TransportSmarthost `sconf:"optional" sconf-doc:"Deliver all messages through a relay host with SMTP."`
	SES       *TransportSES       `sconf:"optional" sconf-doc:"Deliver through the Amazon SES v2 API as raw messages."`
}

type TransportDirect struct {
	Port        int  `sconf:"optional" sconf-doc:"Port to connect to on the MX hosts. Default 25. Only useful for testing."`
	DisableIPv6 bool `sconf:"optional" sconf-doc:"Only connect to IPv4 addresses of MX hosts."`
}

type TransportSmarthost struct {
	Host     string `sconf-doc:"Hostname of the relay."`
	Port     int    `sconf:"optional" sconf-doc:"Default 587 for STARTTLS, 465 for TLS."`
	TLS      bool   `sconf:"optional" sconf-doc:"Connect with TLS immediately, instead of STARTTLS."`
	NoTLS    bool   `sconf:"optional" sconf-doc:"Do not use STARTTLS. Credentials are then sent in plain text."`
	Username string `sconf:"optional" sconf-doc:"Username for authentication with PLAIN."`
	Password string `sconf:"optional"`
	Socks    string `sconf:"optional" sconf-doc:"Address of a SOCKS5 proxy (host:port) to connect through."`

	HostDomain dns.Domain `sconf:"-" json:"-"`
}

type TransportSES struct {
	Region           string `sconf-doc:"AWS region, e.g. eu-west-1."`
	AccessKeyID      string `sconf:"optional" sconf-doc:"Static credentials. If absent, the default AWS credential chain is used."`
	SecretAccessKey  string `sconf:"optional"`
	ConfigurationSet string `sconf:"optional" sconf-doc:"SES configuration set to send with."`
}

type Timeouts struct {
	Directory time.Duration `sconf:"optional" sconf-doc:"For directory lookups. Default: 10s."`
	DNS       time.Duration `sconf:"optional" sconf-doc:"For DNS lookups. Default: 15s."`
	Transport time.Duration `sconf:"optional" sconf-doc:"For a single delivery attempt. Default: 5m."`
}

type DNS struct {
	Nameservers []string `sconf:"optional" sconf-doc:"Nameservers (host or host:port) to send queries to directly. If absent, the system resolver is used."`
}

type Metrics struct {
	Address string `sconf-doc:"Address to listen on for HTTP requests for /metrics, e.g. 127.0.0.1:8010."`
}
