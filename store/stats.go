package store

import (
	"context"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mjl-/hookmta/smtp"
)

// Stats are the lifetime counters for a user.
type Stats struct {
	Email            string // Same as User.Email.
	MessagesSent     int64
	BytesSent        int64
	MessagesReceived int64
	BytesReceived    int64
	LastSent         time.Time
	LastReceived     time.Time
}

// StatsDay are the counters for a user for a single day, in UTC.
type StatsDay struct {
	ID               int64
	Email            string `bstore:"nonzero,unique Email+Day"`
	Day              string `bstore:"nonzero"` // yyyy-mm-dd
	MessagesSent     int64
	BytesSent        int64
	MessagesReceived int64
	BytesReceived    int64
}

// StatsDelta is added to the counters of a user.
type StatsDelta struct {
	MessagesSent     int64
	BytesSent        int64
	MessagesReceived int64
	BytesReceived    int64
}

// Day returns the key of the daily statistics bucket for tm.
func Day(tm time.Time) string {
	return tm.UTC().Format("2006-01-02")
}

// AddStats adds delta to the lifetime and daily counters of the user with
// address addr. Counters are created on first use, the user does not have to
// exist.
func (d *Directory) AddStats(ctx context.Context, addr smtp.Address, tm time.Time, delta StatsDelta) error {
	key := UserKey(addr)
	return d.DB.Write(ctx, func(tx *bstore.Tx) error {
		st := Stats{Email: key}
		err := tx.Get(&st)
		insert := err == bstore.ErrAbsent
		if err != nil && !insert {
			return err
		}
		st.MessagesSent += delta.MessagesSent
		st.BytesSent += delta.BytesSent
		st.MessagesReceived += delta.MessagesReceived
		st.BytesReceived += delta.BytesReceived
		if delta.MessagesSent > 0 {
			st.LastSent = tm
		}
		if delta.MessagesReceived > 0 {
			st.LastReceived = tm
		}
		if insert {
			err = tx.Insert(&st)
		} else {
			err = tx.Update(&st)
		}
		if err != nil {
			return err
		}

		sd, err := bstore.QueryTx[StatsDay](tx).FilterNonzero(StatsDay{Email: key, Day: Day(tm)}).Get()
		if err == bstore.ErrAbsent {
			sd = StatsDay{Email: key, Day: Day(tm)}
		} else if err != nil {
			return err
		}
		sd.MessagesSent += delta.MessagesSent
		sd.BytesSent += delta.BytesSent
		sd.MessagesReceived += delta.MessagesReceived
		sd.BytesReceived += delta.BytesReceived
		if sd.ID == 0 {
			return tx.Insert(&sd)
		}
		return tx.Update(&sd)
	})
}

// SentToday returns the number of bytes sent by the user on the day of tm.
func (d *Directory) SentToday(ctx context.Context, addr smtp.Address, tm time.Time) (int64, error) {
	sd, err := bstore.QueryDB[StatsDay](ctx, d.DB).FilterNonzero(StatsDay{Email: UserKey(addr), Day: Day(tm)}).Get()
	if err == bstore.ErrAbsent {
		return 0, nil
	}
	return sd.BytesSent, err
}

// UserStats returns the lifetime counters of a user, and the daily counters
// newest first.
func (d *Directory) UserStats(ctx context.Context, addr smtp.Address) (st Stats, days []StatsDay, rerr error) {
	key := UserKey(addr)
	rerr = d.DB.Read(ctx, func(tx *bstore.Tx) error {
		st = Stats{Email: key}
		if err := tx.Get(&st); err != nil && err != bstore.ErrAbsent {
			return err
		}
		var err error
		days, err = bstore.QueryTx[StatsDay](tx).FilterNonzero(StatsDay{Email: key}).SortDesc("Day").List()
		return err
	})
	return
}
