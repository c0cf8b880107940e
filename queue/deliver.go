package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mjl-/hookmta/hookmta-"
	"github.com/mjl-/hookmta/metrics"
	"github.com/mjl-/hookmta/mlog"
)

// deliver makes a delivery attempt for m. On success the message is removed.
// On failure the attempt is registered and either a retry is scheduled or the
// message is bounced.
func (q *Queue) deliver(ctx context.Context, m Msg) {
	qlog := q.log.WithCid(hookmta.Cid()).With(
		slog.String("msgid", m.ID),
		slog.String("from", m.From))

	defer func() {
		x := recover()
		if x != nil {
			qlog.Error("deliver panic", slog.Any("panic", x), slog.Int("attempts", m.Attempts))
			debug.PrintStack()
			metrics.PanicInc(metrics.Queue)
			// Counted as a failed attempt, so the message is eventually bounced.
			q.fail(qlog, m, fmt.Errorf("panic during delivery: %v", x))
		}
	}()

	start := timeNow()
	actx, cancel := context.WithTimeout(ctx, q.opts.AttemptTimeout)
	err := q.opts.Transport.Deliver(actx, qlog, m)
	cancel()

	var result string
	var perr *PartialError
	switch {
	case err == nil:
		result = "ok"
	case ctx.Err() != nil:
		result = "canceled"
	case errors.As(err, &perr):
		result = "partial"
	case IsPermanent(err):
		result = "permerror"
	default:
		result = "temperror"
	}
	metricDeliver.WithLabelValues(fmt.Sprintf("%d", m.Attempts+1), result).Observe(float64(time.Since(start)) / float64(time.Second))

	if err == nil {
		qlog.Info("delivered", slog.Any("to", m.To), slog.String("transport", q.opts.Transport.Name()), slog.Int("attempts", m.Attempts+1))
		if err := q.DB.Delete(context.Background(), &Msg{ID: m.ID}); err != nil && err != bstore.ErrAbsent {
			qlog.Errorx("removing delivered message from queue", err)
		}
		return
	}

	if ctx.Err() != nil {
		// Shutting down, the attempt does not count.
		qlog.Infox("delivery interrupted", err)
		q.pushBack(m.ID)
		return
	}

	if perr != nil {
		m.To = slices.DeleteFunc(m.To, func(rcpt string) bool {
			return slices.Contains(perr.Delivered, rcpt)
		})
		qlog.Info("delivered to some recipients", slog.Any("delivered", perr.Delivered), slog.Any("remaining", m.To))
		err = perr.Err
	}
	q.fail(qlog, m, err)
}

// fail registers a failed attempt. After the last attempt, or for permanent
// errors, the message is removed and a bounce queued.
func (q *Queue) fail(qlog mlog.Log, m Msg, err error) {
	ctx := context.Background()

	m.Attempts++
	m.LastError = err.Error()
	if len(m.To) == 0 {
		// Partial delivery can not leave nothing, but don't keep a message without recipients.
		if err := q.DB.Delete(ctx, &Msg{ID: m.ID}); err != nil && err != bstore.ErrAbsent {
			qlog.Errorx("removing message without recipients", err)
		}
		return
	}
	if IsPermanent(err) || m.Attempts >= MaxAttempts {
		qlog.Errorx("delivery failed, bouncing", err, slog.Int("attempts", m.Attempts), slog.Bool("permanent", IsPermanent(err)))
		q.bounce(ctx, qlog, m, err)
		return
	}

	m.NextAttempt = timeNow().Add(Backoff(m.Attempts))
	n, xerr := bstore.QueryDB[Msg](ctx, q.DB).FilterID(m.ID).UpdateFields(map[string]any{
		"To":          m.To,
		"Attempts":    m.Attempts,
		"NextAttempt": m.NextAttempt,
		"LastError":   m.LastError,
	})
	if xerr != nil {
		qlog.Errorx("storing failed delivery attempt", xerr)
		q.pushBack(m.ID)
		return
	} else if n == 0 {
		qlog.Debug("message dropped during delivery attempt")
		return
	}
	qlog.Infox("delivery failed, will retry", err, slog.Int("attempts", m.Attempts), slog.Time("nextattempt", m.NextAttempt))
	q.pushBack(m.ID)
}

// bounce removes m from the queue and queues a delivery status notification
// to its sender. Bounces have an empty sender, so they are never bounced
// themselves. Failure to queue the bounce is only logged.
func (q *Queue) bounce(ctx context.Context, qlog mlog.Log, m Msg, deliverErr error) {
	if err := q.DB.Delete(ctx, &Msg{ID: m.ID}); err == bstore.ErrAbsent {
		return
	} else if err != nil {
		qlog.Errorx("removing failed message from queue", err)
		return
	}
	metricBounce.Inc()

	if m.From == "" {
		qlog.Info("not bouncing message with empty sender")
		return
	}
	header, body, err := ComposeDSN(q.opts.Hostname, m, deliverErr, timeNow())
	if err != nil {
		qlog.Errorx("composing bounce", err)
		return
	}
	bm := Msg{
		To:     []string{m.From},
		Header: header,
		Body:   body,
	}
	if bm, err = q.Add(ctx, qlog, bm); err != nil {
		qlog.Errorx("queueing bounce", err)
		return
	}
	qlog.Info("bounce queued", slog.String("bounceid", bm.ID), slog.String("to", m.From))
}
