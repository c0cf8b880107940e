package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mjl-/hookmta/dkim"
	"github.com/mjl-/hookmta/dns"
	"github.com/mjl-/hookmta/hookmta-"
	"github.com/mjl-/hookmta/maildir"
	"github.com/mjl-/hookmta/metrics"
	"github.com/mjl-/hookmta/mlog"
	"github.com/mjl-/hookmta/policy"
	"github.com/mjl-/hookmta/queue"
	"github.com/mjl-/hookmta/ratelimit"
	"github.com/mjl-/hookmta/smtpserver"
	"github.com/mjl-/hookmta/spf"
	"github.com/mjl-/hookmta/store"
)

func cmdServe(c *cmd) {
	c.help = `Start hookmta, accepting SMTP and submission connections and delivering mail.

Messages for local domains are written to maildirs. Messages for other domains
from authenticated users and trusted networks are queued and delivered with
the configured transport. The instance stops on SIGINT and SIGTERM, or with
"hookmta stop".
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	// Debug logging until the config is loaded.
	mlog.Logfmt = true
	hookmta.Conf.Log[""] = mlog.LevelDebug
	mlog.SetConfig(hookmta.Conf.Log)

	log := c.log
	hookmta.MustLoadConfig()
	log.Print("starting",
		slog.String("version", hookmta.Version),
		slog.Any("pid", os.Getpid()),
		slog.String("hostname", hookmta.Conf.Static.Hostname))

	st, err := start(hookmta.Shutdown, log)
	if err != nil {
		log.Fatalx("start", err)
	}
	log.Print("ready to serve")

	// The ctl socket is only opened after the network listeners: a previous
	// instance that is still running keeps its socket until our listen fails.
	ctlpath := hookmta.DataDirPath("ctl")
	_ = os.Remove(ctlpath)
	ctlln, err := net.Listen("unix", ctlpath)
	if err != nil {
		log.Fatalx("listen on ctl unix domain socket", err)
	}
	srv := ctlServer{dir: st.dir, queue: st.queue}
	go func() {
		for {
			conn, err := ctlln.Accept()
			if err != nil {
				if hookmta.Shutdown.Err() != nil {
					return
				}
				log.Printx("accept for ctl", err)
				continue
			}
			cid := hookmta.Cid()
			ctx := context.WithValue(hookmta.Context, mlog.CidKey, cid)
			go servectl(ctx, srv, log.WithCid(cid), conn, func() { st.shutdown(log) })
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	sig := <-sigc
	log.Print("shutting down, waiting max 3s for existing connections", slog.Any("signal", sig))
	st.shutdown(log)
	if num, ok := sig.(syscall.Signal); ok {
		os.Exit(int(num))
	}
	os.Exit(1)
}

// state has the components started for serving, to be stopped at shutdown.
type state struct {
	dir       *store.Directory
	queue     *queue.Queue
	queueDone chan struct{}
}

// start opens the directory and queue, and starts the listeners, the retry
// processor and the metrics endpoint. The retry processor stops when ctx is
// canceled.
func start(ctx context.Context, log mlog.Log) (*state, error) {
	conf := &hookmta.Conf.Static

	dir, err := store.Open(ctx, log, hookmta.DataDirPath("directory.db"))
	if err != nil {
		return nil, err
	}

	var resolver dns.Resolver = dns.StrictResolver{Log: log.Logger}
	if len(conf.DNS.Nameservers) > 0 {
		r, err := dns.NewNameserverResolver(conf.DNS.Nameservers, conf.Timeouts.DNS, log.Logger)
		if err != nil {
			dir.Close()
			return nil, fmt.Errorf("dns resolver: %v", err)
		}
		resolver = r
	}

	transport, err := queue.NewTransport(ctx, conf.Queue.Transport, dns.WithPackage(resolver, "queue"), conf.HostnameDomain)
	if err != nil {
		dir.Close()
		return nil, fmt.Errorf("queue transport: %v", err)
	}
	q, err := queue.Open(ctx, log.Logger, hookmta.DataDirPath("queue"), queue.Options{
		Transport:      transport,
		Hostname:       conf.HostnameDomain,
		PollInterval:   conf.Queue.PollInterval,
		MaxConcurrent:  conf.Queue.MaxConcurrent,
		AttemptTimeout: conf.Timeouts.Transport,
	})
	if err != nil {
		dir.Close()
		return nil, err
	}

	ctrl := &policy.Controller{
		Directory:        dir,
		Queue:            q,
		Hostname:         conf.HostnameDomain,
		TrustedNets:      conf.TrustedNets,
		SPFRejectFail:    conf.SPF.RejectFail,
		AuthFailures:     ratelimit.NewAuthFailures(int64(conf.AuthFailureLimit)),
		DirectoryTimeout: conf.Timeouts.Directory,
		DNSTimeout:       conf.Timeouts.DNS,
		Log:              log.Logger,
		Local: &maildir.Writer{
			Hostname: conf.HostnameDomain.ASCII,
			Root:     hookmta.DataDirPath(conf.MailboxRoot),
			DataDir:  hookmta.DataDirPath("."),
			Stats:    dir,
		},
		SPF: spf.NewChecker(dns.WithPackage(resolver, "spf"), conf.SPF.CacheTTL),
	}
	if !conf.DKIM.Disabled {
		headers := conf.DKIM.Headers
		if len(headers) == 0 {
			headers = hookmta.DefaultDKIMHeaders
		}
		ctrl.DKIM = dkim.Signer{Keys: dir, Headers: headers}
	}

	smtpserver.Listen(ctrl)

	st := &state{dir: dir, queue: q, queueDone: make(chan struct{}, 1)}
	q.Start(ctx, st.queueDone)
	smtpserver.Serve()

	if conf.Metrics != nil && conf.Metrics.Address != "" {
		go func() {
			err := metrics.Serve(ctx, conf.Metrics.Address)
			log.Check(err, "serving metrics")
		}()
	}
	return st, nil
}

// shutdown stops accepting connections, waits a while for sessions and
// deliveries to finish, then aborts what is left and closes the databases.
func (st *state) shutdown(log mlog.Log) {
	hookmta.ShutdownCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	smtpserver.Shutdown(ctx)
	cancel()

	hookmta.ContextCancel()
	select {
	case <-st.queueDone:
	case <-time.After(time.Second):
		log.Print("queue still busy, closing anyway")
	}

	err := st.queue.Close()
	log.Check(err, "closing queue")
	err = st.dir.Close()
	log.Check(err, "closing directory")

	err = os.Remove(hookmta.DataDirPath("ctl"))
	log.Check(err, "removing ctl unix domain socket during shutdown")
}
