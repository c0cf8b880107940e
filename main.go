package main

import (
	"bufio"
	"context"
	"crypto"
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/mjl-/sconf"

	"github.com/mjl-/hookmta/config"
	"github.com/mjl-/hookmta/dkim"
	"github.com/mjl-/hookmta/dns"
	"github.com/mjl-/hookmta/hookmta-"
	"github.com/mjl-/hookmta/mlog"
	"github.com/mjl-/hookmta/smtp"
	"github.com/mjl-/hookmta/store"
)

func envString(k, def string) string {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	return s
}

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"serve", cmdServe},
	{"stop", cmdStop},
	{"config test", cmdConfigTest},
	{"config describe", cmdConfigDescribe},
	{"queue list", cmdQueueList},
	{"queue kick", cmdQueueKick},
	{"queue drop", cmdQueueDrop},
	{"domain add", cmdDomainAdd},
	{"domain status", cmdDomainStatus},
	{"domain list", cmdDomainList},
	{"domain rm", cmdDomainRemove},
	{"user add", cmdUserAdd},
	{"user password", cmdUserPassword},
	{"user enable", cmdUserEnable},
	{"user disable", cmdUserDisable},
	{"user quota", cmdUserQuota},
	{"user list", cmdUserList},
	{"user rm", cmdUserRemove},
	{"user stats", cmdUserStats},
	{"dkim gen", cmdDKIMGen},
	{"import", cmdImport},
	{"loglevels", cmdLoglevels},
	{"setloglevels", cmdSetLoglevels},
	{"verifydata", cmdVerifydata},
	{"version", cmdVersion},
	{"help", cmdHelp},
	{"helpall", cmdHelpall},
}

var cmds []cmd

func init() {
	for _, xc := range commands {
		c := cmd{words: strings.Split(xc.cmd, " "), fn: xc.fn}
		cmds = append(cmds, c)
	}
}

type cmd struct {
	words []string
	fn    func(c *cmd)

	// Set before calling command.
	flag     *flag.FlagSet
	flagArgs []string
	_gather  bool // Set when using Parse to gather usage for a command.

	// Set by invoked command or Parse.
	unlisted bool   // If set, command is not listed until at least some words are matched from command.
	params   string // Arguments to command. Multiple lines possible.
	help     string // Additional explanation. First line is synopsis, the rest is only printed for an explicit help/usage for that command.
	args     []string

	log mlog.Log
}

func (c *cmd) Parse() []string {
	// When gathering usage, the command runs until it has registered its flags
	// and set its params and help, and is stopped by this panic.
	if c._gather {
		panic("gather")
	}

	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) gather() {
	c.flag = flag.NewFlagSet("hookmta "+strings.Join(c.words, " "), flag.ExitOnError)
	c._gather = true
	defer func() {
		x := recover()
		if x != "gather" {
			panic(x)
		}
	}()
	c.fn(c)
}

func (c *cmd) makeUsage() string {
	var r strings.Builder
	cs := "hookmta " + strings.Join(c.words, " ")
	for i, line := range strings.Split(strings.TrimSpace(c.params), "\n") {
		s := ""
		if i == 0 {
			s = "usage:"
		}
		if line != "" {
			line = " " + line
		}
		fmt.Fprintf(&r, "%6s %s%s\n", s, cs, line)
	}
	c.flag.SetOutput(&r)
	c.flag.PrintDefaults()
	return r.String()
}

func (c *cmd) printUsage() {
	fmt.Fprint(os.Stderr, c.makeUsage())
	if c.help != "" {
		fmt.Fprint(os.Stderr, "\n"+c.help+"\n")
	}
}

func (c *cmd) Usage() {
	c.printUsage()
	os.Exit(2)
}

func cmdHelp(c *cmd) {
	c.params = "[command ...]"
	c.help = `Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	prefix := func(l, pre []string) bool {
		if len(pre) > len(l) {
			return false
		}
		return slices.Equal(pre, l[:len(pre)])
	}

	var partial []cmd
	for _, c := range cmds {
		if slices.Equal(c.words, args) {
			c.gather()
			fmt.Print(c.makeUsage())
			if c.help != "" {
				fmt.Print("\n" + c.help + "\n")
			}
			return
		} else if prefix(c.words, args) {
			partial = append(partial, c)
		}
	}
	if len(partial) == 0 {
		fmt.Fprintf(os.Stderr, "%s: unknown command\n", strings.Join(args, " "))
		os.Exit(2)
	}
	for _, c := range partial {
		c.gather()
		fmt.Printf("hookmta %s\n", strings.Join(c.words, " "))
		if c.help != "" {
			fmt.Printf("\t%s\n", strings.Split(c.help, "\n")[0])
		}
	}
}

func cmdHelpall(c *cmd) {
	c.unlisted = true
	c.help = `Print all detailed usage and help information for all listed commands.

Used to generate documentation.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	n := 0
	for _, c := range cmds {
		c.gather()
		if c.unlisted {
			continue
		}
		if n > 0 {
			fmt.Fprintf(os.Stderr, "\n")
		}
		n++

		fmt.Fprintf(os.Stderr, "# hookmta %s\n\n", strings.Join(c.words, " "))
		if c.help != "" {
			fmt.Fprintln(os.Stderr, c.help+"\n")
		}
		s := c.makeUsage()
		s = "\t" + strings.ReplaceAll(s, "\n", "\n\t")
		fmt.Fprintln(os.Stderr, s)
	}
}

func usage(l []cmd, unlisted bool) {
	var lines []string
	if !unlisted {
		lines = append(lines, "hookmta [-config config/hookmta.conf] ...")
	}
	for _, c := range l {
		c.gather()
		if c.unlisted && !unlisted {
			continue
		}
		for _, line := range strings.Split(c.params, "\n") {
			x := append([]string{"hookmta"}, c.words...)
			if line != "" {
				x = append(x, line)
			}
			lines = append(lines, strings.Join(x, " "))
		}
	}
	for i, line := range lines {
		pre := "       "
		if i == 0 {
			pre = "usage: "
		}
		fmt.Fprintln(os.Stderr, pre+line)
	}
	os.Exit(2)
}

var loglevel string // Empty is interpreted as info.

// mustLoadConfig loads the config for subcommands other than "serve". The log
// level from the command-line is kept, not the levels from the config file.
func mustLoadConfig() {
	hookmta.MustLoadConfig()
	ll := loglevel
	if ll == "" {
		ll = "info"
	}
	if level, ok := mlog.Levels[ll]; ok {
		hookmta.Conf.Log[""] = level
		mlog.SetConfig(hookmta.Conf.Log)
	} else {
		log.Fatalf("unknown loglevel %q", loglevel)
	}
}

func main() {
	log.SetFlags(0)

	flag.StringVar(&hookmta.ConfigStaticPath, "config", envString("HOOKMTACONF", filepath.FromSlash("config/hookmta.conf")), "configuration file, other config files are looked up in the same directory, defaults to $HOOKMTACONF with a fallback to config/hookmta.conf")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, this log level is set early in startup")

	var cpuprofile, memprofile, tracefile string
	flag.StringVar(&cpuprofile, "cpuprof", "", "store cpu profile to file")
	flag.StringVar(&memprofile, "memprof", "", "store mem profile to file")
	flag.StringVar(&tracefile, "trace", "", "store execution trace to file")

	flag.Usage = func() { usage(cmds, false) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds, false)
	}

	defer startProfiling(cpuprofile, memprofile, tracefile)()

	ll := loglevel
	if ll == "" {
		ll = "info"
	}
	if level, ok := mlog.Levels[ll]; ok {
		hookmta.Conf.Log[""] = level
		mlog.SetConfig(hookmta.Conf.Log)
		// SetConfig may be called again when a subcommand loads the config.
	} else {
		log.Fatalf("unknown loglevel %q", loglevel)
	}

	var partial []cmd
next:
	for _, c := range cmds {
		for i, w := range c.words {
			if i >= len(args) || w != args[i] {
				if i > 0 {
					partial = append(partial, c)
				}
				continue next
			}
		}
		c.flag = flag.NewFlagSet("hookmta "+strings.Join(c.words, " "), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New(strings.Join(c.words, ""), nil)
		c.fn(&c)
		return
	}
	if len(partial) > 0 {
		usage(partial, true)
	}
	usage(cmds, false)
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Fatalf("%s: %s", msg, err)
}

func xparseDomain(s, what string) dns.Domain {
	d, err := dns.ParseDomain(s)
	xcheckf(err, "parsing %s %q", what, s)
	return d
}

func xparseAddress(s string) smtp.Address {
	addr, err := smtp.ParseAddress(s)
	xcheckf(err, "parsing address %q", s)
	return addr
}

func cmdVersion(c *cmd) {
	c.help = "Prints this hookmta version."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	fmt.Println(hookmta.Version)
}

func cmdStop(c *cmd) {
	c.help = `Shut down a running instance gracefully.

New connections are refused. Active sessions and deliveries get a few seconds
to finish before they are aborted.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	mustLoadConfig()

	xctl := xctl()
	xctl.xwrite("stop")
	// Read will fail when the server stops.
	buf := make([]byte, 128)
	n, err := xctl.conn.Read(buf)
	if err == nil {
		log.Fatalf("expected eof after graceful shutdown, got data %q", buf[:n])
	}
	fmt.Println("hookmta stopped")
}

func cmdConfigTest(c *cmd) {
	c.help = `Parses and validates the configuration file.

If valid, the command exits with status 0. If not valid, all errors encountered
are printed.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	_, errs := hookmta.ParseConfig(context.Background(), c.log, hookmta.ConfigStaticPath, true)
	if len(errs) > 1 {
		log.Printf("multiple errors:")
		for _, err := range errs {
			log.Printf("%s", err)
		}
		os.Exit(1)
	} else if len(errs) == 1 {
		log.Fatalf("%s", errs[0])
	}
	fmt.Println("config OK")
}

func cmdConfigDescribe(c *cmd) {
	c.params = ">hookmta.conf"
	c.help = `Prints an annotated empty configuration for use as hookmta.conf.

The configuration is only read at startup, hookmta has to be restarted for
changes to take effect.

The printed configuration needs modifications to make it valid. For example, it
may contain unfinished list items.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	var sc config.Static
	err := sconf.Describe(os.Stdout, &sc)
	xcheckf(err, "describing config")
}

func cmdDomainAdd(c *cmd) {
	c.params = "[-status status] [-org organization] domain"
	c.help = `Add a domain.

Mail for domains with status pending, verified or active is delivered locally,
to the maildirs of their users. Mail for failed domains is handled like mail for
external domains.

Users of domains with the same organization may send messages from each other's
domains.
`
	status := string(store.StatusPending)
	var org string
	c.flag.StringVar(&status, "status", status, "pending, verified, active or failed")
	c.flag.StringVar(&org, "org", "", "organization the domain belongs to")
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	d := xparseDomain(args[0], "domain")
	mustLoadConfig()
	ctlcmdDomainAdd(xctl(), d, store.DomainStatus(status), org)
	fmt.Printf("domain added\n")
}

func ctlcmdDomainAdd(ctl *ctl, d dns.Domain, status store.DomainStatus, org string) {
	ctl.xwrite("domainadd")
	ctl.xwrite(d.Name())
	ctl.xwrite(string(status))
	ctl.xwrite(org)
	ctl.xreadok()
}

func cmdDomainStatus(c *cmd) {
	c.params = "domain status"
	c.help = `Change the status of a domain.

Status is one of pending, verified, active or failed.
`
	args := c.Parse()
	if len(args) != 2 {
		c.Usage()
	}
	d := xparseDomain(args[0], "domain")
	mustLoadConfig()
	ctlcmdDomainStatus(xctl(), d, store.DomainStatus(args[1]))
	fmt.Printf("domain status changed\n")
}

func ctlcmdDomainStatus(ctl *ctl, d dns.Domain, status store.DomainStatus) {
	ctl.xwrite("domainstatus")
	ctl.xwrite(d.Name())
	ctl.xwrite(string(status))
	ctl.xreadok()
}

func cmdDomainList(c *cmd) {
	c.help = `List domains with their status, organization and DKIM selector.`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	mustLoadConfig()
	ctlcmdDomainList(xctl())
}

func ctlcmdDomainList(ctl *ctl) {
	ctl.xwrite("domainlist")
	ctl.xreadok()
	ctl.xstreamto(os.Stdout)
}

func cmdDomainRemove(c *cmd) {
	c.params = "domain"
	c.help = `Remove a domain, with its users and DKIM keys.

Maildirs of the users are not removed.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	d := xparseDomain(args[0], "domain")
	mustLoadConfig()
	ctlcmdDomainRemove(xctl(), d)
	fmt.Printf("domain removed\n")
}

func ctlcmdDomainRemove(ctl *ctl, d dns.Domain) {
	ctl.xwrite("domainrm")
	ctl.xwrite(d.Name())
	ctl.xreadok()
}

// xreadpassword reads a password from stdin.
func xreadpassword() string {
	fmt.Printf(`
Type new password. Password WILL echo.

WARNING: Bots will try to bruteforce your password. Connections with failed
authentication attempts will be rate limited but attackers WILL find weak
passwords. If the account is compromised, spammers are likely to abuse your
system, sending mail in your name.

`)
	fmt.Printf("password: ")
	scanner := bufio.NewScanner(os.Stdin)
	// A missing newline before EOF is fine, Err is nil then.
	scanner.Scan()
	xcheckf(scanner.Err(), "reading stdin")
	pw := scanner.Text()
	if len(pw) < 8 {
		log.Fatal("password must be at least 8 characters")
	}
	return pw
}

func cmdUserAdd(c *cmd) {
	c.params = "[-quota quota] [-mailbox path] [-nopassword] address"
	c.help = `Add a user to an existing domain.

The password is read from the terminal. Users without password can receive
mail, but cannot authenticate.

The quota is the maximum number of bytes the user may send per day, e.g. 100MB
or 1GB. Units are multiples of 1024. Without quota, sending is unlimited.

Messages are delivered to the maildir at the mailbox path, relative to the data
directory. Without mailbox path, the maildir is in the mailbox root configured in
hookmta.conf, under the domain and localpart of the user.
`
	var quota, mailboxPath string
	var nopassword bool
	c.flag.StringVar(&quota, "quota", "", "daily sending limit")
	c.flag.StringVar(&mailboxPath, "mailbox", "", "maildir path")
	c.flag.BoolVar(&nopassword, "nopassword", false, "add user without password")
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	addr := xparseAddress(args[0])
	_, _, err := store.ParseQuota(quota)
	xcheckf(err, "parsing quota")
	mustLoadConfig()
	var pw string
	if !nopassword {
		pw = xreadpassword()
	}
	ctlcmdUserAdd(xctl(), addr, pw, quota, mailboxPath)
	fmt.Printf("user added\n")
}

func ctlcmdUserAdd(ctl *ctl, addr smtp.Address, password, quota, mailboxPath string) {
	ctl.xwrite("useradd")
	ctl.xwrite(addr.String())
	ctl.xwrite(password)
	ctl.xwrite(quota)
	ctl.xwrite(mailboxPath)
	ctl.xreadok()
}

func cmdUserPassword(c *cmd) {
	c.params = "address"
	c.help = `Set a new password for a user.

The password is read from the terminal.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	addr := xparseAddress(args[0])
	mustLoadConfig()
	pw := xreadpassword()
	ctlcmdUserPassword(xctl(), addr, pw)
	fmt.Printf("password changed\n")
}

func ctlcmdUserPassword(ctl *ctl, addr smtp.Address, password string) {
	ctl.xwrite("userpassword")
	ctl.xwrite(addr.String())
	ctl.xwrite(password)
	ctl.xreadok()
}

func cmdUserEnable(c *cmd) {
	c.params = "address"
	c.help = `Enable a user, allowing authentication and delivery.`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	addr := xparseAddress(args[0])
	mustLoadConfig()
	ctlcmdUserEnabled(xctl(), addr, true)
	fmt.Printf("user enabled\n")
}

func cmdUserDisable(c *cmd) {
	c.params = "address"
	c.help = `Disable a user.

Disabled users cannot authenticate. Incoming messages for them are rejected.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	addr := xparseAddress(args[0])
	mustLoadConfig()
	ctlcmdUserEnabled(xctl(), addr, false)
	fmt.Printf("user disabled\n")
}

func ctlcmdUserEnabled(ctl *ctl, addr smtp.Address, enabled bool) {
	ctl.xwrite("userenabled")
	ctl.xwrite(addr.String())
	ctl.xwrite(fmt.Sprintf("%v", enabled))
	ctl.xreadok()
}

func cmdUserQuota(c *cmd) {
	c.params = "address quota"
	c.help = `Set the daily sending limit of a user.

An empty quota or "unlimited" removes the limit.
`
	args := c.Parse()
	if len(args) != 2 {
		c.Usage()
	}
	addr := xparseAddress(args[0])
	_, _, err := store.ParseQuota(args[1])
	xcheckf(err, "parsing quota")
	mustLoadConfig()
	ctlcmdUserQuota(xctl(), addr, args[1])
	fmt.Printf("quota changed\n")
}

func ctlcmdUserQuota(ctl *ctl, addr smtp.Address, quota string) {
	ctl.xwrite("userquota")
	ctl.xwrite(addr.String())
	ctl.xwrite(quota)
	ctl.xreadok()
}

func cmdUserList(c *cmd) {
	c.params = "domain"
	c.help = `List the users of a domain.`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	d := xparseDomain(args[0], "domain")
	mustLoadConfig()
	ctlcmdUserList(xctl(), d)
}

func ctlcmdUserList(ctl *ctl, d dns.Domain) {
	ctl.xwrite("userlist")
	ctl.xwrite(d.Name())
	ctl.xreadok()
	ctl.xstreamto(os.Stdout)
}

func cmdUserRemove(c *cmd) {
	c.params = "address"
	c.help = `Remove a user and its statistics.

The maildir of the user is not removed.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	addr := xparseAddress(args[0])
	mustLoadConfig()
	ctlcmdUserRemove(xctl(), addr)
	fmt.Printf("user removed\n")
}

func ctlcmdUserRemove(ctl *ctl, addr smtp.Address) {
	ctl.xwrite("userrm")
	ctl.xwrite(addr.String())
	ctl.xreadok()
}

func cmdUserStats(c *cmd) {
	c.params = "address"
	c.help = `Print the message counters of a user, total and per day.`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	addr := xparseAddress(args[0])
	mustLoadConfig()
	ctlcmdUserStats(xctl(), addr)
}

func ctlcmdUserStats(ctl *ctl, addr smtp.Address) {
	ctl.xwrite("userstats")
	ctl.xwrite(addr.String())
	ctl.xreadok()
	ctl.xstreamto(os.Stdout)
}

func cmdDKIMGen(c *cmd) {
	c.params = "[-algorithm rsa|ed25519] [-print] domain selector"
	c.help = `Generate a DKIM key for a domain and start signing with it.

The private key is added to the directory of the running instance, and made
the key used for signing messages from the domain. The DNS TXT record to
publish at <selector>._domainkey.<domain> is printed. Publish the record before
sending messages, receivers cannot verify signatures without it.

With -print, the key is not added but printed in PEM format, e.g. for use with
"hookmta import".
`
	algorithm := "rsa"
	var printKey bool
	c.flag.StringVar(&algorithm, "algorithm", algorithm, "rsa (2048 bits) or ed25519")
	c.flag.BoolVar(&printKey, "print", false, "print private key instead of adding it")
	args := c.Parse()
	if len(args) != 2 {
		c.Usage()
	}
	d := xparseDomain(args[0], "domain")
	sel := xparseDomain(args[1], "selector")

	var key crypto.Signer
	var err error
	switch algorithm {
	case "rsa":
		key, err = rsa.GenerateKey(cryptorand.Reader, 2048)
	case "ed25519":
		_, key, err = ed25519.GenerateKey(cryptorand.Reader)
	default:
		log.Fatalf("unknown algorithm %q", algorithm)
	}
	xcheckf(err, "generating key")
	buf, err := x509.MarshalPKCS8PrivateKey(key)
	xcheckf(err, "marshal private key")

	record, err := dkim.TXTRecord(key.Public())
	xcheckf(err, "making dns record")

	if printKey {
		err := pem.Encode(os.Stdout, &pem.Block{Type: "PRIVATE KEY", Bytes: buf})
		xcheckf(err, "writing private key")
	} else {
		mustLoadConfig()
		ctlcmdDKIMAdd(xctl(), d, sel, buf)
	}
	fmt.Printf("%s._domainkey.%s. TXT %s\n", sel.ASCII, d.ASCII, record)
}

func ctlcmdDKIMAdd(ctl *ctl, d, sel dns.Domain, pkcs8 []byte) {
	ctl.xwrite("dkimadd")
	ctl.xwrite(d.Name())
	ctl.xwrite(sel.Name())
	ctl.xwrite(base64.StdEncoding.EncodeToString(pkcs8))
	ctl.xreadok()
}

func cmdLoglevels(c *cmd) {
	c.help = `Print the log levels of the running instance.`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	mustLoadConfig()
	ctlcmdLoglevels(xctl())
}

func ctlcmdLoglevels(ctl *ctl) {
	ctl.xwrite("loglevels")
	ctl.xreadok()
	ctl.xstreamto(os.Stdout)
}

func cmdSetLoglevels(c *cmd) {
	c.params = "[-pkg pkg] level"
	c.help = `Set a new log level for a package, or the default.

Levels are: error, info, debug, trace, traceauth, tracedata. The change is
lost at restart.
`
	var pkg string
	c.flag.StringVar(&pkg, "pkg", "", "package to set the level for, empty for the default")
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mustLoadConfig()
	ctlcmdSetLoglevels(xctl(), pkg, args[0])
}

func ctlcmdSetLoglevels(ctl *ctl, pkg, level string) {
	ctl.xwrite("setloglevels")
	ctl.xwrite(pkg)
	ctl.xwrite(level)
	ctl.xreadok()
}
