// Package hookmta holds the loaded configuration and helpers shared by the
// components: data directory paths, connection ids, randomness and lifecycle
// contexts.
package hookmta

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mjl-/sconf"

	"github.com/mjl-/hookmta/config"
	"github.com/mjl-/hookmta/dns"
	"github.com/mjl-/hookmta/mlog"
)

var pkglog = mlog.New("hookmta", nil)

// ConfigStaticPath is set early in program startup.
var (
	ConfigStaticPath string
	Conf             = Config{Log: map[string]slog.Level{"": slog.LevelError}}
)

var ErrConfig = errors.New("config error")

// DefaultTrustedNetworks are the networks from which unauthenticated clients may
// relay when no TrustedNetworks are configured.
var DefaultTrustedNetworks = []string{
	"127.0.0.0/8",
	"::1/128",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"fc00::/7",
}

// DefaultDKIMHeaders are the headers signed when none are configured.
var DefaultDKIMHeaders = []string{
	"From", "To", "Cc", "Reply-To", "References", "In-Reply-To", "Subject",
	"Date", "Message-ID", "Content-Type", "MIME-Version",
}

// Config as used in the code, a processed version of what is in the config file.
type Config struct {
	Static config.Static // Does not change during the lifetime of a running instance.

	logMutex sync.Mutex // For accessing the log levels.
	Log      map[string]slog.Level
}

// LogLevelSet sets a new log level for pkg. An empty pkg sets the default log
// level. This change is ephemeral, no config file is changed.
func (c *Config) LogLevelSet(log mlog.Log, pkg string, level slog.Level) {
	c.logMutex.Lock()
	defer c.logMutex.Unlock()
	l := c.copyLogLevels()
	l[pkg] = level
	c.Log = l
	log.Print("log level changed", slog.String("pkg", pkg), slog.Any("level", mlog.LevelStrings[level]))
	mlog.SetConfig(c.Log)
}

func (c *Config) copyLogLevels() map[string]slog.Level {
	m := map[string]slog.Level{}
	for pkg, level := range c.Log {
		m[pkg] = level
	}
	return m
}

// LogLevels returns a copy of the current log levels.
func (c *Config) LogLevels() map[string]slog.Level {
	c.logMutex.Lock()
	defer c.logMutex.Unlock()
	return c.copyLogLevels()
}

// MustLoadConfig loads the config, quitting on errors.
func MustLoadConfig() {
	errs := LoadConfig(context.Background(), pkglog)
	if len(errs) > 1 {
		pkglog.Error("loading config file: multiple errors")
		for _, err := range errs {
			pkglog.Errorx("config error", err)
		}
		pkglog.Fatal("stopping after multiple config errors")
	} else if len(errs) == 1 {
		pkglog.Fatalx("loading config file", errs[0])
	}
}

// LoadConfig attempts to parse and load a config, returning any errors
// encountered.
func LoadConfig(ctx context.Context, log mlog.Log) []error {
	Shutdown, ShutdownCancel = context.WithCancel(context.Background())
	Context, ContextCancel = context.WithCancel(context.Background())

	c, errs := ParseConfig(ctx, log, ConfigStaticPath, false)
	if len(errs) > 0 {
		return errs
	}

	mlog.SetConfig(c.Log)
	SetConfig(c)
	return nil
}

// SetConfig sets a new config. Not to be used during normal operation.
func SetConfig(c *Config) {
	// Cannot just assign *c to Conf, it would copy the mutex.
	Conf = Config{Static: c.Static, Log: c.Log}
}

// ParseConfig parses the static config at path p. If checkOnly is true, key
// and certificate files are not loaded.
func ParseConfig(ctx context.Context, log mlog.Log, p string, checkOnly bool) (c *Config, errs []error) {
	c = &Config{
		Static: config.Static{
			DataDir: ".",
		},
	}

	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) && os.Getenv("HOOKMTACONF") == "" {
			return nil, []error{fmt.Errorf("open config file: %v (hint: use hookmta -config ... or set HOOKMTACONF=...)", err)}
		}
		return nil, []error{fmt.Errorf("open config file: %v", err)}
	}
	defer f.Close()
	if err := sconf.Parse(f, &c.Static); err != nil {
		return nil, []error{fmt.Errorf("parsing %s%v", p, err)}
	}

	if xerrs := PrepareStaticConfig(ctx, log, p, c, checkOnly); len(xerrs) > 0 {
		return nil, xerrs
	}
	return c, nil
}

// PrepareStaticConfig checks the parsed config file, fills in defaults and
// parses fields into the forms used by the code.
func PrepareStaticConfig(ctx context.Context, log mlog.Log, configFile string, conf *Config, checkOnly bool) (errs []error) {
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...)))
	}

	c := &conf.Static

	if logLevel, ok := mlog.Levels[c.LogLevel]; ok {
		conf.Log = map[string]slog.Level{"": logLevel}
	} else {
		addErrorf("invalid log level %q", c.LogLevel)
		conf.Log = map[string]slog.Level{"": mlog.LevelError}
	}
	for pkg, s := range c.PackageLogLevels {
		if logLevel, ok := mlog.Levels[s]; ok {
			conf.Log[pkg] = logLevel
		} else {
			addErrorf("invalid package log level %q", s)
		}
	}

	hostname, err := dns.ParseDomain(c.Hostname)
	if err != nil {
		addErrorf("parsing hostname: %s", err)
	} else if hostname.Name() != c.Hostname {
		addErrorf("hostname must be in unicode form %q instead of %q", hostname.Name(), c.Hostname)
	}
	c.HostnameDomain = hostname

	trusted := c.TrustedNetworks
	if len(trusted) == 0 {
		trusted = DefaultTrustedNetworks
	}
	c.TrustedNets = nil
	for _, s := range trusted {
		_, ipnet, err := net.ParseCIDR(s)
		if err != nil {
			addErrorf("parsing trusted network %q: %v", s, err)
			continue
		}
		c.TrustedNets = append(c.TrustedNets, ipnet)
	}

	if c.MailboxRoot == "" {
		c.MailboxRoot = "mail"
	}
	if c.SPF.CacheTTL == 0 {
		c.SPF.CacheTTL = time.Hour
	}
	if len(c.DKIM.Headers) == 0 {
		c.DKIM.Headers = DefaultDKIMHeaders
	}
	var haveFrom bool
	for _, h := range c.DKIM.Headers {
		if strings.EqualFold(h, "From") {
			haveFrom = true
		}
		if strings.ContainsAny(h, ": \t") || h == "" {
			addErrorf("invalid dkim header name %q", h)
		}
	}
	if !haveFrom {
		addErrorf("dkim headers must include From")
	}

	if c.Queue.PollInterval == 0 {
		c.Queue.PollInterval = time.Minute
	}
	if c.Queue.MaxConcurrent <= 0 {
		c.Queue.MaxConcurrent = 4
	}
	t := c.Queue.Transport
	var ntransports int
	if t.Direct != nil {
		ntransports++
	}
	if t.Smarthost != nil {
		ntransports++
		d, err := dns.ParseDomain(t.Smarthost.Host)
		if err != nil {
			addErrorf("parsing smarthost host %q: %v", t.Smarthost.Host, err)
		}
		t.Smarthost.HostDomain = d
		if t.Smarthost.TLS && t.Smarthost.NoTLS {
			addErrorf("smarthost cannot have both TLS and NoTLS")
		}
		if t.Smarthost.Socks != "" {
			if _, _, err := net.SplitHostPort(t.Smarthost.Socks); err != nil {
				addErrorf("parsing smarthost socks address %q: %v", t.Smarthost.Socks, err)
			}
		}
	}
	if t.SES != nil {
		ntransports++
		if t.SES.Region == "" {
			addErrorf("ses transport requires region")
		}
		if (t.SES.AccessKeyID == "") != (t.SES.SecretAccessKey == "") {
			addErrorf("ses transport needs both or neither of AccessKeyID and SecretAccessKey")
		}
	}
	if ntransports > 1 {
		addErrorf("at most one queue transport can be configured")
	}

	if c.Timeouts.Directory == 0 {
		c.Timeouts.Directory = 10 * time.Second
	}
	if c.Timeouts.DNS == 0 {
		c.Timeouts.DNS = 15 * time.Second
	}
	if c.Timeouts.Transport == 0 {
		c.Timeouts.Transport = 5 * time.Minute
	}
	if c.AuthFailureLimit <= 0 {
		c.AuthFailureLimit = 10
	}

	if len(c.Listeners) == 0 {
		addErrorf("no listeners configured")
	}
	for name, l := range c.Listeners {
		if len(l.IPs) == 0 {
			addErrorf("listener %q without IPs", name)
		}
		for _, ip := range l.IPs {
			if net.ParseIP(ip) == nil {
				addErrorf("listener %q: invalid ip %q", name, ip)
			}
		}
		if l.MaxMessageSize <= 0 {
			l.MaxMessageSize = config.DefaultMaxMsgSize
		}
		if !l.SMTP.Enabled && !l.Submission.Enabled {
			addErrorf("listener %q has no services enabled", name)
		}
		if l.TLS != nil && !checkOnly {
			certFile := configDirPath(configFile, l.TLS.CertFile)
			keyFile := configDirPath(configFile, l.TLS.KeyFile)
			cert, err := tls.LoadX509KeyPair(certFile, keyFile)
			if err != nil {
				addErrorf("listener %q: loading tls key and certificate: %v", name, err)
			} else {
				l.TLS.Config = &tls.Config{
					Certificates: []tls.Certificate{cert},
					MinVersion:   tls.VersionTLS12,
				}
			}
		}
		c.Listeners[name] = l
	}

	if c.Metrics != nil && c.Metrics.Address != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Address); err != nil {
			addErrorf("parsing metrics address %q: %v", c.Metrics.Address, err)
		}
	}
	return errs
}
