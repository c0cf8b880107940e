// Package queue is in charge of outgoing messages: queueing them after they
// are accepted for relay, attempting delivery through a transport, retrying
// with backoff and sending a bounce for messages that cannot be delivered.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/bstore"

	"github.com/mjl-/hookmta/dns"
	"github.com/mjl-/hookmta/mlog"
)

var (
	metricDeliver = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hookmta_queue_deliver_duration_seconds",
			Help:    "Delivery attempt of a queued message through the transport.",
			Buckets: []float64{0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30, 60, 120},
		},
		[]string{
			"attempt", // 1 to 8.
			"result",  // ok, partial, temperror, permerror, canceled
		},
	)
	metricBounce = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hookmta_queue_bounce_total",
			Help: "Messages removed from the queue after failing delivery, with a bounce sent to the sender if possible.",
		},
	)
)

var (
	ErrUnknownMsg   = errors.New("no such message in queue")
	ErrNoRecipients = errors.New("message without recipients")
)

// MaxAttempts is the number of failed delivery attempts after which a message
// is bounced.
const MaxAttempts = 8

// Delays before the next attempt, after failed attempts 1 to 7.
var backoffSeconds = []int{300, 900, 1800, 3600, 7200, 14400, 28800}

// Backoff returns the delay before the next attempt after the given number of
// failed attempts, in the range 1 to MaxAttempts-1.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	} else if attempts > len(backoffSeconds) {
		attempts = len(backoffSeconds)
	}
	return time.Duration(backoffSeconds[attempts-1]) * time.Second
}

// Replaced during tests.
var timeNow = time.Now

var DBTypes = []any{Msg{}} // Types stored in DB.

// Msg is a message in the queue, for one or more recipients.
type Msg struct {
	ID            string    // ULID, sorts by time of queueing.
	From          string    // Reverse-path, empty for bounces.
	To            []string  // Remaining recipients.
	Header        string    // Header section, including final CRLF but without the empty line.
	Body          []byte    // After the empty line.
	Created       time.Time `bstore:"default now"`
	Attempts      int       // Failed delivery attempts so far, at most MaxAttempts-1.
	NextAttempt   time.Time `bstore:"index"`
	RemoteIP      string    // Of the client that submitted the message.
	Authenticated bool
	AuthIdentity  string // Email address of the authenticated user.
	LastError     string
}

// Data returns the full message.
func (m Msg) Data() []byte {
	buf := make([]byte, 0, len(m.Header)+2+len(m.Body))
	buf = append(buf, m.Header...)
	buf = append(buf, "\r\n"...)
	return append(buf, m.Body...)
}

// Size returns the size of the full message.
func (m Msg) Size() int64 {
	return int64(len(m.Header) + 2 + len(m.Body))
}

// Options configure a queue.
type Options struct {
	Transport      Transport
	Hostname       dns.Domain    // For bounces from postmaster@<hostname>.
	PollInterval   time.Duration // Default 1 minute.
	MaxConcurrent  int           // Default 4.
	AttemptTimeout time.Duration // Default 5 minutes.
}

// Queue holds the messages and the pending list, and runs the retry processor.
type Queue struct {
	DB      *bstore.DB // Exported for making backups.
	pending *pendingList
	opts    Options
	log     mlog.Log

	kick    chan struct{}
	cycling atomic.Bool // Single-flight guard for Cycle.
}

// Open opens the queue database and the pending list in dir, creating them
// if needed. Messages in the database that are missing from the pending list
// are added to it.
func Open(ctx context.Context, elog *slog.Logger, dir string, opts Options) (*Queue, error) {
	log := mlog.New("queue", elog)

	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Minute
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 5 * time.Minute
	}

	if err := os.MkdirAll(dir, 0770); err != nil {
		return nil, fmt.Errorf("creating queue directory: %v", err)
	}
	dbpath := filepath.Join(dir, "index.db")
	db, err := bstore.Open(ctx, dbpath, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660, RegisterLogger: log.Logger}, DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %v", err)
	}
	pending, err := openPending(filepath.Join(dir, "pending.db"))
	if err != nil {
		db.Close()
		return nil, err
	}

	q := &Queue{
		DB:      db,
		pending: pending,
		opts:    opts,
		log:     log,
		kick:    make(chan struct{}, 1),
	}
	if err := q.recover(ctx); err != nil {
		q.Close()
		return nil, fmt.Errorf("recovering pending list: %v", err)
	}
	return q, nil
}

// recover adds ids of messages that are not on the pending list, e.g. after a
// crash between storing a message and pushing its id.
func (q *Queue) recover(ctx context.Context) error {
	ids, err := q.pending.IDs()
	if err != nil {
		return err
	}
	have := map[string]bool{}
	for _, id := range ids {
		have[id] = true
	}
	var missing []string
	err = bstore.QueryDB[Msg](ctx, q.DB).ForEach(func(m Msg) error {
		if !have[m.ID] {
			missing = append(missing, m.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		q.log.Info("adding messages missing from pending list", slog.Int("count", len(missing)))
		return q.pending.Push(missing...)
	}
	return nil
}

// Close closes the databases. The retry processor must be stopped first.
func (q *Queue) Close() error {
	err := q.DB.Close()
	if xerr := q.pending.Close(); err == nil {
		err = xerr
	}
	return err
}

// Add queues a message for delivery to its recipients, with the first attempt
// due immediately. ID, Created, Attempts, NextAttempt and LastError are set by
// Add.
func (q *Queue) Add(ctx context.Context, log mlog.Log, m Msg) (Msg, error) {
	if len(m.To) == 0 {
		return Msg{}, ErrNoRecipients
	}
	now := timeNow()
	m.ID = ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
	m.Created = now
	m.Attempts = 0
	m.NextAttempt = now
	m.LastError = ""

	if err := q.DB.Insert(ctx, &m); err != nil {
		return Msg{}, fmt.Errorf("storing message in queue: %w", err)
	}
	if err := q.pending.Push(m.ID); err != nil {
		if xerr := q.DB.Delete(ctx, &Msg{ID: m.ID}); xerr != nil {
			log.Errorx("removing message after failing to add to pending list", xerr, slog.String("msgid", m.ID))
		}
		return Msg{}, fmt.Errorf("adding message to pending list: %w", err)
	}
	log.Info("message queued", slog.String("msgid", m.ID), slog.String("from", m.From), slog.Any("to", m.To), slog.Int64("size", m.Size()))
	q.Kick()
	return m, nil
}

// Get returns a queued message.
func (q *Queue) Get(ctx context.Context, id string) (Msg, error) {
	m := Msg{ID: id}
	err := q.DB.Get(ctx, &m)
	if err == bstore.ErrAbsent {
		return Msg{}, ErrUnknownMsg
	}
	return m, err
}

// List returns all queued messages, ordered by next attempt.
func (q *Queue) List(ctx context.Context) ([]Msg, error) {
	return bstore.QueryDB[Msg](ctx, q.DB).SortAsc("NextAttempt", "ID").List()
}

// Count returns the number of queued messages.
func (q *Queue) Count(ctx context.Context) (int, error) {
	return bstore.QueryDB[Msg](ctx, q.DB).Count()
}

// Kick starts a retry cycle soon, if the processor is running.
func (q *Queue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// KickMsg makes message id, or all messages if id is empty, due for delivery
// now, and starts a retry cycle.
func (q *Queue) KickMsg(ctx context.Context, id string) (affected int, err error) {
	qu := bstore.QueryDB[Msg](ctx, q.DB)
	if id != "" {
		qu.FilterID(id)
	}
	n, err := qu.UpdateField("NextAttempt", timeNow())
	if err != nil {
		return 0, err
	}
	if id != "" && n == 0 {
		return 0, ErrUnknownMsg
	}
	q.Kick()
	return n, nil
}

// Drop removes a message from the queue without delivering it or sending a
// bounce.
func (q *Queue) Drop(ctx context.Context, log mlog.Log, id string) error {
	err := q.DB.Delete(ctx, &Msg{ID: id})
	if err == bstore.ErrAbsent {
		return ErrUnknownMsg
	} else if err != nil {
		return err
	}
	if err := q.pending.Remove(id); err != nil {
		// An id without message is skipped by the retry processor.
		log.Errorx("removing dropped message from pending list", err, slog.String("msgid", id))
	}
	log.Info("message dropped from queue", slog.String("msgid", id))
	return nil
}

// Pending returns the ids on the pending list, in order.
func (q *Queue) Pending() ([]string, error) {
	return q.pending.IDs()
}

// Start starts the retry processor. It runs a cycle immediately, then at each
// poll interval and when kicked, until ctx is canceled. Then a value is sent
// on done.
func (q *Queue) Start(ctx context.Context, done chan struct{}) {
	go func() {
		ticker := time.NewTicker(q.opts.PollInterval)
		defer ticker.Stop()
		for {
			q.Cycle(ctx)

			select {
			case <-ctx.Done():
				done <- struct{}{}
				return
			case <-ticker.C:
			case <-q.kick:
			}
		}
	}()
}

// Cycle makes one pass over the pending list. Ids are popped from the front.
// Due messages are delivered, up to MaxConcurrent at a time, and pushed back
// when a retry is scheduled. At the first message that is not yet due, its id
// is pushed back and the cycle stops. Each id present at the start of the
// cycle is considered at most once. If another cycle is still running, Cycle
// returns immediately with ok false.
func (q *Queue) Cycle(ctx context.Context) (attempted int, ok bool) {
	if !q.cycling.CompareAndSwap(false, true) {
		q.log.Debug("retry cycle still running, skipping")
		return 0, false
	}
	defer q.cycling.Store(false)

	n, err := q.pending.Len()
	if err != nil {
		q.log.Errorx("getting length of pending list", err)
		return 0, true
	}

	sem := make(chan struct{}, q.opts.MaxConcurrent)
	var wg sync.WaitGroup
	defer wg.Wait()

	for i := 0; i < n && ctx.Err() == nil; i++ {
		id, ok, err := q.pending.Pop()
		if err != nil {
			q.log.Errorx("popping from pending list", err)
			break
		} else if !ok {
			break
		}

		m, err := q.Get(ctx, id)
		if err == ErrUnknownMsg {
			q.log.Debug("skipping id of removed message", slog.String("msgid", id))
			continue
		} else if err != nil {
			q.log.Errorx("loading queued message", err, slog.String("msgid", id))
			q.pushBack(id)
			break
		}
		if m.NextAttempt.After(timeNow()) {
			q.pushBack(id)
			break
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			q.pushBack(id)
			return attempted, true
		}
		attempted++
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			q.deliver(ctx, m)
		}()
	}
	return attempted, true
}

func (q *Queue) pushBack(id string) {
	if err := q.pending.Push(id); err != nil {
		q.log.Errorx("pushing id back on pending list, will be recovered at restart", err, slog.String("msgid", id))
	}
}
